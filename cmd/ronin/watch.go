package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	ronin "github.com/coolfiresolutions/ronin-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "Log connection internals")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live events from the active network",
	Long:  "Connect to the push endpoint and print messages and conversation changes as they happen. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Auth.AccessToken == "" {
			return fmt.Errorf("not signed in; run 'ronin login <username>' first")
		}
		networkID, err := requireNetwork(cfg)
		if err != nil {
			return err
		}

		log := zap.NewNop()
		if watchVerbose {
			log, _ = zap.NewDevelopment()
		}

		realtime := ronin.NewRealtime(cfg.Default.BaseURL, cfg.Default.ClientID, cfg.Default.ClientSecret,
			ronin.WithRealtimeLogger(log))
		realtime.SetCredentials(cfg.Auth.AccessToken, cfg.Auth.UserID, networkID)

		realtime.OnEvent(func(evt ronin.Event) {
			switch e := evt.(type) {
			case ronin.MessageEvent:
				fmt.Printf("[%s] %s -> %s: %s\n",
					formatWhen(e.Message.Sent), e.Message.SenderID(),
					e.Message.TargetID(), e.Message.DisplayText())
			case ronin.ChannelEvent:
				name := e.ChannelID
				if e.Channel != nil {
					name = e.Channel.Name
				}
				fmt.Printf("-- channel %s: %s\n", e.Action, name)
			case ronin.GroupEvent:
				name := e.GroupID
				if e.Group != nil && e.Group.Name != "" {
					name = e.Group.Name
				}
				fmt.Printf("-- group %s: %s\n", e.Action, name)
			case ronin.ConnectionEvent:
				fmt.Printf("-- connection: %s\n", e.State)
			}
		})

		ctx := context.Background()
		if err := realtime.Connect(ctx); err != nil {
			return fmt.Errorf("push connect failed: %w", err)
		}
		fmt.Println("Watching. Ctrl-C to stop.")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt)
		<-sig

		return realtime.Disconnect(ctx)
	},
}
