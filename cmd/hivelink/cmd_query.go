package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/hivelink/internal/attach"
	"github.com/user/hivelink/internal/types"
)

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().String("conversation", "", "conversation id to append to")
	queryCmd.Flags().StringArray("file", nil, "attach a local file (repeatable)")
	queryCmd.Flags().StringArray("url", nil, "attach a URL, fetched and converted to markdown (repeatable)")
	queryCmd.Flags().Duration("timeout", 10*time.Minute, "give up waiting after this long")
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Send a one-shot query and print the result",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	a, err := newApp(cfg, statusLine{})
	if err != nil {
		return err
	}

	conversationID := types.ConversationID(cmd.Flag("conversation").Value.String())
	if conversationID == "" {
		conversationID = types.NewConversationID()
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	files, _ := cmd.Flags().GetStringArray("file")
	urls, _ := cmd.Flags().GetStringArray("url")
	attachments, err := prepareAttachments(ctx, a, files, urls)
	if err != nil {
		return err
	}

	queryID, err := a.ask(ctx, conversationID, strings.Join(args, " "), attachments)
	if err != nil {
		return err
	}

	result, err := awaitResult(ctx, a, conversationID, queryID)
	if err != nil {
		return err
	}
	fmt.Println(result)
	return nil
}

// awaitResult blocks until the query has been processed and returns its final
// message. Context expiry cancels the query on the backend.
func awaitResult(ctx context.Context, a *app, conversationID types.ConversationID, queryID types.QueryID) (string, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !a.engine.Processed(queryID) {
		st := a.engine.State(conversationID)
		if st.IsWaitingForClarification || st.HumanInputRequest != nil {
			return "", fmt.Errorf("the agent needs more input; use `hivelink chat` for interactive queries")
		}
		select {
		case <-ctx.Done():
			a.engine.CancelQuery(context.Background(), queryID)
			return "", fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-ticker.C:
		}
	}

	msgs := a.messages.Messages(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Metadata.QueryID == queryID && msgs[i].Role != types.RoleUser {
			return msgs[i].Content, nil
		}
	}
	return "", fmt.Errorf("query finished without a result message")
}

// prepareAttachments resolves files and URLs, failing the query up front if
// any attachment could not be prepared.
func prepareAttachments(ctx context.Context, a *app, files, urls []string) ([]types.Attachment, error) {
	if len(files) == 0 && len(urls) == 0 {
		return nil, nil
	}
	inputs := make([]attach.Input, 0, len(files)+len(urls))
	for _, f := range files {
		inputs = append(inputs, attach.Input{Path: f})
	}
	for _, u := range urls {
		inputs = append(inputs, attach.Input{URL: u})
	}

	preparer := attach.New(a.cfg.Uploads.MaxConcurrent)
	attachments := preparer.Prepare(ctx, inputs)
	for _, att := range attachments {
		if att.Status == types.AttachmentFailed {
			return nil, fmt.Errorf("attachment %q could not be prepared", att.Name)
		}
	}
	return attachments, nil
}
