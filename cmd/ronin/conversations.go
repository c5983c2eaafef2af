package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"convs"},
	Short:   "List direct and group conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		networkID, err := requireNetwork(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		convs, err := client.ListConversations(ctx, networkID)
		if err != nil {
			return fmt.Errorf("failed to list conversations: %w", err)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, conv := range convs {
			unread := ""
			if conv.UnreadCount() > 0 {
				unread = fmt.Sprintf("  [%d unread]", conv.UnreadCount())
			}
			last := "-"
			if msg := conv.LastMessage(); msg != nil {
				last = msg.DisplayText()
			}
			fmt.Printf("%-10s %-24s  %-20s  %s%s\n",
				conv.Kind(), conv.ConversationID(), conv.DisplayName(), last, unread)
		}
		return nil
	},
}

var messagesKind string
var messagesLimit int

func init() {
	messagesCmd.Flags().StringVar(&messagesKind, "kind", "session", "Conversation kind: session, user, userGroup")
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 25, "Maximum messages to fetch")
}

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's recent messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}
		networkID, err := requireNetwork(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		msgs, err := client.ConversationMessages(ctx, networkID,
			scopeKind(messagesKind), args[0], messagesLimit)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		for i := len(msgs) - 1; i >= 0; i-- {
			msg := msgs[i]
			fmt.Printf("[%s] %s: %s\n", formatWhen(msg.Sent), msg.SenderID(), msg.DisplayText())
		}
		return nil
	},
}
