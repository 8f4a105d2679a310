package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/convpipe/internal/scheduler"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/types"
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskRemoveCmd, taskEnableCmd, taskDisableCmd)

	taskAddCmd.Flags().String("name", "", "task name (required)")
	taskAddCmd.Flags().String("message", "", "message to submit (required)")
	taskAddCmd.Flags().String("schedule", "", "cron schedule expression")
	taskAddCmd.Flags().String("channel-key", "", "channel key the conversation is bound to (required)")
	_ = taskAddCmd.MarkFlagRequired("name")
	_ = taskAddCmd.MarkFlagRequired("message")
	_ = taskAddCmd.MarkFlagRequired("channel-key")
}

func taskStore() *state.TaskStore {
	cfg := loadConfig()
	return state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled and webhook tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new task",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		message, _ := cmd.Flags().GetString("message")
		schedule, _ := cmd.Flags().GetString("schedule")
		channelKey, _ := cmd.Flags().GetString("channel-key")

		if schedule != "" {
			if err := scheduler.ValidateSchedule(schedule); err != nil {
				return err
			}
		}

		task := &state.Task{
			Name:       name,
			Message:    message,
			Schedule:   schedule,
			ChannelKey: types.ChannelKey(channelKey),
			Enabled:    true,
		}
		if err := taskStore().Add(task); err != nil {
			return fmt.Errorf("add task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q added. Restart the daemon to pick up schedule changes.\n", name)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := taskStore().List()
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tCHANNEL KEY")
		for _, t := range tasks {
			schedule := t.Schedule
			if schedule == "" {
				schedule = "(webhook)"
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", t.Name, schedule, t.Enabled, t.ChannelKey)
		}
		return w.Flush()
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := taskStore().Remove(args[0]); err != nil {
			return fmt.Errorf("remove task: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Task %q removed.\n", args[0])
		return nil
	},
}

var taskEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], true)
	},
}

var taskDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setTaskEnabled(args[0], false)
	},
}

func setTaskEnabled(name string, enabled bool) error {
	if err := taskStore().SetEnabled(name, enabled); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	status := "disabled"
	if enabled {
		status = "enabled"
	}
	fmt.Fprintf(os.Stdout, "Task %q %s.\n", name, status)
	return nil
}
