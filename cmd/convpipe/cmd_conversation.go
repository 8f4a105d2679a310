package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/convpipe/internal/gateway"
	"github.com/user/convpipe/internal/types"
	"github.com/user/convpipe/internal/view"
)

func init() {
	rootCmd.AddCommand(conversationCmd)
	conversationCmd.AddCommand(conversationListCmd, conversationShowCmd, conversationResumeCmd, conversationCloseCmd)
}

var conversationCmd = &cobra.Command{
	Use:     "conversation",
	Aliases: []string{"conv"},
	Short:   "Inspect and repair conversations",
}

var roleColors = map[types.Role]*color.Color{
	types.RoleUser:        color.New(color.FgCyan, color.Bold),
	types.RoleAssistant:   color.New(color.FgGreen, color.Bold),
	types.RoleIntegration: color.New(color.FgYellow),
	types.RoleSystem:      color.New(color.FgRed),
}

func printConversation(w io.Writer, v *view.Conversation) {
	fmt.Fprintf(w, "Conversation %s (%s)\n", v.ConversationID, v.State)
	if len(v.Entries) == 0 {
		fmt.Fprintln(w, "No records.")
		return
	}
	for _, e := range v.Entries {
		label := string(e.Role)
		if c, ok := roleColors[e.Role]; ok {
			label = c.Sprint(label)
		}
		fmt.Fprintf(w, "\n%s %s  #%d\n%s\n", label, e.At.Local().Format("2006-01-02 15:04:05"), e.Sequence, e.Payload)
	}
}

// withApp runs fn against a freshly wired pipeline.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var conversationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all conversations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			ids, err := a.coordinator.Conversations(ctx)
			if err != nil {
				return fmt.Errorf("list conversations: %w", err)
			}
			if len(ids) == 0 {
				fmt.Println("No conversations found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tRECORDS\tLAST ACTIVITY")
			for _, id := range ids {
				res, err := a.coordinator.View(ctx, id)
				if err != nil {
					return err
				}
				last := "-"
				if e := res.View.Latest(); e != nil {
					last = e.At.Local().Format(time.DateTime)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", id, res.View.State, len(res.View.Entries), last)
			}
			return w.Flush()
		})
	},
}

var conversationShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a conversation's records in order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.coordinator.View(ctx, types.ConversationID(args[0]))
			if err != nil {
				return err
			}
			printConversation(os.Stdout, res.View)
			return nil
		})
	},
}

var conversationResumeCmd = &cobra.Command{
	Use:   "resume <id>",
	Short: "Run the stages a stalled conversation is waiting on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAndReport(cmd, args[0], (*gateway.Coordinator).Resume)
	},
}

var conversationCloseCmd = &cobra.Command{
	Use:   "close <id>",
	Short: "End a stuck turn with a system record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAndReport(cmd, args[0], (*gateway.Coordinator).Close)
	},
}

func runAndReport(cmd *cobra.Command, id string, op func(*gateway.Coordinator, context.Context, types.ConversationID) (*gateway.Result, error)) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		res, err := op(a.coordinator, ctx, types.ConversationID(id))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Conversation %s is %s.\n", res.ConversationID, res.View.State)
		return nil
	})
}
