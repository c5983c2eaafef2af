package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	ronin "github.com/coolfiresolutions/ronin-go"
	"github.com/spf13/cobra"
)

var loginPassword string

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (prompted when omitted)")
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Sign in to the configured Ronin server",
	Long:  "Authenticate against the configured server, discover the user's network, and store the token pair locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		password := loginPassword
		if password == "" {
			fmt.Print("Password: ")
			reader := bufio.NewReader(os.Stdin)
			line, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("cannot read password: %w", err)
			}
			password = strings.TrimRight(line, "\r\n")
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
			return fmt.Errorf("server probe failed: %w", err)
		}

		token, err := session.Authenticate(ctx, username, password)
		if err != nil {
			return fmt.Errorf("sign-in failed: %w", err)
		}

		network, err := client.FirstNetwork(ctx)
		if err != nil {
			return fmt.Errorf("network discovery failed: %w", err)
		}

		cfg.Auth.Username = username
		cfg.Auth.UserID = token.UserID
		cfg.Auth.AccessToken = token.AccessToken
		cfg.Auth.RefreshToken = token.RefreshToken
		cfg.Auth.NetworkID = network.ID
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Println("Signed in!")
		fmt.Printf("  Server:  %s (%s)\n", info.ServerName, info.ServerVersion)
		fmt.Printf("  User:    %s (%s)\n", username, token.UserID)
		fmt.Printf("  Network: %s (%s)\n", network.Name, network.ID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Discard the stored token pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Signed out.")
		return nil
	},
}
