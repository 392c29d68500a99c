package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/hivelink/internal/state"
	"github.com/user/hivelink/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd, taskRunCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("prompt", "", "prompt text (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression (required)")
	taskAddCmd.Flags().String("conversation", "", "conversation id the query is sent into")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("prompt")
	_ = taskAddCmd.MarkFlagRequired("schedule")

	taskRunCmd.Flags().Duration("timeout", 10*time.Minute, "give up waiting after this long")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled queries",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new scheduled query",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		conversation, _ := cmd.Flags().GetString("conversation")
		if conversation == "" {
			conversation = string(types.NewConversationID())
		}

		store := taskStore()
		task := &state.Task{
			Name:           name,
			Prompt:         prompt,
			Schedule:       schedule,
			ConversationID: types.ConversationID(conversation),
			Enabled:        true,
		}
		if err := store.Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added (conversation %s).\n", name, conversation)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all scheduled queries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		tasks, err := store.List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tCONVERSATION")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
				t.Name,
				t.Schedule,
				t.Enabled,
				t.ConversationID,
			)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a scheduled query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a scheduled query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q enabled.\n", args[0])
		return nil
	},
}

var taskRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run a scheduled query now and print the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a, err := newApp(cfg, statusLine{})
		if err != nil {
			return err
		}

		task, err := state.NewTaskStore(a.taskStorePath()).Get(args[0])
		if err != nil {
			return err
		}

		timeout, _ := cmd.Flags().GetDuration("timeout")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		queryID, err := a.ask(ctx, task.ConversationID, task.Prompt, nil)
		if err != nil {
			return err
		}
		result, err := awaitResult(ctx, a, task.ConversationID, queryID)
		if err != nil {
			return err
		}
		fmt.Println(result)
		return nil
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a scheduled query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := taskStore()
		if err := store.SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q disabled.\n", args[0])
		return nil
	},
}
