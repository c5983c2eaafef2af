package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var channelDescription string

func init() {
	channelsCreateCmd.Flags().StringVar(&channelDescription, "description", "", "Channel description")
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.AddCommand(channelsListCmd)
	channelsCmd.AddCommand(channelsCreateCmd)
	channelsCmd.AddCommand(channelsRenameCmd)
	channelsCmd.AddCommand(channelsRmCmd)
}

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "Manage channels on the active network",
}

var channelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open channels with their recent activity",
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

		channels, err := client.ListChannels(ctx, networkID)
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}

		if len(channels) == 0 {
			fmt.Println("No open channels.")
			return nil
		}
		for _, ch := range channels {
			unread := ""
			if ch.Unread > 0 {
				unread = fmt.Sprintf("  [%d unread]", ch.Unread)
			}
			last := "-"
			if ch.Last != nil {
				last = ch.Last.DisplayText()
			}
			fmt.Printf("%-24s  %-20s  %s%s\n", ch.ID, ch.Name, last, unread)
		}
		return nil
	},
}

var channelsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a channel",
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

		channel, err := client.CreateChannel(ctx, networkID, args[0], channelDescription)
		if err != nil {
			return fmt.Errorf("failed to create channel: %w", err)
		}
		fmt.Printf("Created channel %s (%s)\n", channel.Name, channel.ID)
		return nil
	},
}

var channelsRenameCmd = &cobra.Command{
	Use:   "rename <channel-id> <name>",
	Short: "Rename a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		channel, err := client.RenameChannel(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("failed to rename channel: %w", err)
		}
		fmt.Printf("Renamed channel %s to %s\n", channel.ID, channel.Name)
		return nil
	},
}

var channelsRmCmd = &cobra.Command{
	Use:   "rm <channel-id>",
	Short: "Delete a channel",
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

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := client.DeleteChannel(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to delete channel: %w", err)
		}
		fmt.Printf("Deleted channel %s\n", args[0])
		return nil
	},
}
