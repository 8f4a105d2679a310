package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/convpipe/internal/types"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringP("conversation", "c", "", "conversation id (new conversation if empty)")
	sendCmd.Flags().String("key", "", "idempotency key")
	sendCmd.Flags().Bool("transcript", false, "print the whole conversation instead of the reply")
}

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message through the pipeline and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		id, _ := cmd.Flags().GetString("conversation")
		key, _ := cmd.Flags().GetString("key")
		transcript, _ := cmd.Flags().GetBool("transcript")

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.coordinator.Submit(ctx, &types.InboundMessage{
			Source:         "cli",
			ConversationID: types.ConversationID(id),
			Text:           strings.Join(args, " "),
			Key:            key,
		})
		if err != nil {
			return err
		}

		if transcript {
			printConversation(os.Stdout, res.View)
			return nil
		}
		fmt.Fprintln(os.Stdout, res.Reply)
		fmt.Fprintf(os.Stderr, "conversation: %s\n", res.ConversationID)
		return nil
	},
}
