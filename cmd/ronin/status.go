package main

import (
	"context"
	"fmt"

	ronin "github.com/coolfiresolutions/ronin-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe the configured server and show sign-in state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		session, err := newSession(cfg)
		if err != nil {
			return err
		}
		client := ronin.NewClient(cfg.Default.BaseURL, session)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		info, err := client.ServerInfo(ctx)
		if err != nil {
			return fmt.Errorf("server unreachable: %w", err)
		}

		fmt.Printf("Server:   %s\n", cfg.Default.BaseURL)
		fmt.Printf("  Name:    %s\n", info.ServerName)
		fmt.Printf("  Version: %s (API %s)\n", info.ServerVersion, info.APIVersion)
		if cfg.Auth.Username != "" {
			fmt.Printf("Signed in as %s (%s) on network %s\n",
				cfg.Auth.Username, cfg.Auth.UserID, cfg.Auth.NetworkID)
		} else {
			fmt.Println("Not signed in.")
		}
		return nil
	},
}
