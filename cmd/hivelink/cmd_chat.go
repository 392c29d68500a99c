package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/hivelink/internal/scheduler"
	"github.com/user/hivelink/internal/state"
	"github.com/user/hivelink/internal/types"
)

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().String("conversation", "", "resume an existing conversation id")
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Args:  cobra.NoArgs,
	RunE:  runChat,
}

// statusLine renders the ephemeral status indicator on stderr. Each update
// overwrites the previous; nothing is queued.
type statusLine struct{}

func (statusLine) SetStatus(text, kind, agentName string) {
	if agentName != "" {
		fmt.Fprintf(os.Stderr, "\r\033[K  [%s] %s", agentName, text)
		return
	}
	fmt.Fprintf(os.Stderr, "\r\033[K  %s", text)
}

func (statusLine) ClearStatus() {
	fmt.Fprint(os.Stderr, "\r\033[K")
}

func (statusLine) SetWorkflowType(workflow string) {}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	a, err := newApp(cfg, statusLine{})
	if err != nil {
		return err
	}

	conversationID := types.ConversationID(cmd.Flag("conversation").Value.String())
	resuming := conversationID != ""
	if !resuming {
		conversationID = types.NewConversationID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Resuming: seed the in-memory transcript from the local archive so the
	// context packer sees prior history.
	if resuming {
		history, err := a.archive.Tail(ctx, conversationID, 50)
		if err != nil {
			slog.Warn("could not load archived history", "conversation_id", conversationID, "error", err)
		}
		for _, msg := range history {
			a.messages.AddMessage(conversationID, msg)
			if msg.Role == types.RoleUser {
				fmt.Printf("> %s\n", msg.Content)
			} else {
				fmt.Printf("%s\n", msg.Content)
			}
		}
	}

	if cfg.Scheduler.Enabled {
		if err := startScheduler(ctx, a); err != nil {
			return err
		}
	}

	if info, err := a.users.Get(ctx); err == nil && info.DisplayName != "" {
		fmt.Printf("Connected as %s. Conversation %s.\n", info.DisplayName, conversationID)
	} else {
		fmt.Printf("Conversation %s.\n", conversationID)
	}
	fmt.Println("Type a message, /input <value> to answer a tool prompt, /cancel to stop a query, /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	printed := len(a.messages.Messages(conversationID))

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit" || line == "/exit":
			return nil

		case line == "/cancel":
			if st := a.engine.State(conversationID); st.HumanInputRequest != nil {
				if err := a.engine.CancelHumanInput(ctx, conversationID); err != nil {
					fmt.Fprintln(os.Stderr, "Cancel failed:", err)
				}
				continue
			}
			queryID, ok := a.engine.ActiveQuery(conversationID)
			if !ok {
				fmt.Println("Nothing to cancel.")
				continue
			}
			a.engine.CancelQuery(ctx, queryID)
			printed = render(a, conversationID, printed)

		case strings.HasPrefix(line, "/input "):
			value := strings.TrimSpace(strings.TrimPrefix(line, "/input "))
			if err := a.engine.SubmitHumanInput(ctx, conversationID, value); err != nil {
				fmt.Fprintln(os.Stderr, "Submit failed:", err)
				continue
			}
			printed = awaitTurn(ctx, a, conversationID, printed)

		default:
			if _, err := a.ask(ctx, conversationID, line, nil); err != nil {
				slog.Error("query failed", "error", err)
			}
			printed = awaitTurn(ctx, a, conversationID, printed)
		}
	}
}

// awaitTurn blocks until the conversation needs the user again: the query
// finished, a clarification was asked, or a tool requested input. New
// transcript entries are rendered as they appear.
func awaitTurn(ctx context.Context, a *app, conversationID types.ConversationID, printed int) int {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		printed = render(a, conversationID, printed)

		st := a.engine.State(conversationID)
		if req := st.HumanInputRequest; req != nil {
			prompt := req.InputPrompt
			if prompt == "" {
				prompt = fmt.Sprintf("The %s tool needs a value.", req.ToolName)
			}
			fmt.Printf("%s (answer with /input <value>, or /cancel)\n", prompt)
			return printed
		}
		if st.IsWaitingForClarification {
			return printed
		}
		if _, live := a.engine.ActiveQuery(conversationID); !live {
			return render(a, conversationID, printed)
		}

		select {
		case <-ctx.Done():
			return printed
		case <-ticker.C:
		}
	}
}

// render prints transcript messages appended since the last call, skipping
// the transient loading placeholder and metadata-only entries such as
// tool results.
func render(a *app, conversationID types.ConversationID, printed int) int {
	msgs := a.messages.Messages(conversationID)
	for ; printed < len(msgs); printed++ {
		msg := msgs[printed]
		if msg.Metadata.IsLoading || msg.Content == "" {
			continue
		}
		switch msg.Role {
		case types.RoleUser:
			// Already on screen as the user's own input.
		case types.RoleSystem:
			fmt.Printf("  -- %s\n", msg.Content)
		default:
			fmt.Printf("%s\n", msg.Content)
		}
	}
	return printed
}

// startScheduler fires recurring task queries into their conversations.
func startScheduler(ctx context.Context, a *app) error {
	tasks := state.NewTaskStore(a.taskStorePath())
	sched := scheduler.New(tasks, func(conversationID types.ConversationID, prompt string) {
		if _, err := a.ask(ctx, conversationID, prompt, nil); err != nil {
			slog.Error("scheduled query failed", "conversation_id", conversationID, "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	go func() {
		<-ctx.Done()
		sched.Stop()
	}()
	slog.Info("scheduler started")
	return nil
}
