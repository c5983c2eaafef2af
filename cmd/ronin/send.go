package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ronin "github.com/coolfiresolutions/ronin-go"
	"github.com/spf13/cobra"
)

var sendKind string
var sendFiles []string

func init() {
	sendCmd.Flags().StringVar(&sendKind, "kind", "session", "Conversation kind: session, user, userGroup")
	sendCmd.Flags().StringSliceVar(&sendFiles, "file", nil, "Attach a file (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message over the push connection",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		body := strings.Join(args[1:], " ")
		if body == "" && len(sendFiles) == 0 {
			return fmt.Errorf("nothing to send: give message text or --file")
		}

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

		// Attachments upload over REST before the message goes out.
		var uploaded []ronin.Attachment
		for _, path := range sendFiles {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			stored, err := client.UploadAttachment(ctx,
				ronin.NewAttachment(filepath.Base(path), "", data))
			if err != nil {
				return fmt.Errorf("upload of %s failed: %w", path, err)
			}
			uploaded = append(uploaded, *stored)
		}

		realtime := ronin.NewRealtime(cfg.Default.BaseURL, cfg.Default.ClientID, cfg.Default.ClientSecret)
		realtime.SetCredentials(cfg.Auth.AccessToken, cfg.Auth.UserID, networkID)
		if err := realtime.Connect(ctx); err != nil {
			return fmt.Errorf("push connect failed: %w", err)
		}
		defer realtime.Disconnect(context.Background())

		msg := ronin.NewTextMessage(cfg.Auth.UserID,
			ronin.Target{ID: conversationID, Kind: scopeKind(sendKind)},
			networkID, body)
		if len(uploaded) > 0 {
			msg.Data["attachments"] = uploaded
		}

		if err := realtime.Send(ctx, msg); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s\n", msg.ID)
		return nil
	},
}
