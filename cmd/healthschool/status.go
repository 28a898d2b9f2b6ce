package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	healthschool "github.com/Health-School/health-school-sub001"
)

var statusRoom string

func init() {
	statusCmd.Flags().StringVar(&statusRoom, "room", "", "also fetch metadata for this chat room")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connection settings",
	Long:  "Display the current configuration and, with --room, fetch live room metadata to check the session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, healthschool.DefaultBaseURL+" (default)"))
		if cfg.Auth.SessionToken != "" {
			fmt.Fprintf(out, "  Token:       %s\n", maskToken(cfg.Auth.SessionToken))
		} else {
			fmt.Fprintln(out, "  Token:       (not set)")
		}
		fmt.Fprintf(out, "  User name:   %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Realtime:")
		attempts := cfg.Realtime.MaxReconnectAttempts
		if attempts == 0 {
			attempts = healthschool.DefaultMaxReconnectAttempts
		}
		fmt.Fprintf(out, "  Max reconnect attempts: %d\n", attempts)
		fmt.Fprintf(out, "  Backoff:                %s .. %s\n",
			valueOrDefault(cfg.Realtime.ReconnectBaseDelay, healthschool.DefaultReconnectBaseDelay.String()),
			valueOrDefault(cfg.Realtime.ReconnectMaxDelay, healthschool.DefaultReconnectMaxDelay.String()))
		fmt.Fprintf(out, "  Heartbeat timeout:      %s\n",
			valueOrDefault(cfg.Realtime.HeartbeatTimeout, healthschool.DefaultHeartbeatTimeout.String()))

		if statusRoom == "" {
			return nil
		}

		client, err := getClient(cfg, newLogger(logLevel))
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Live status:")
		room, err := client.Chats.Room(ctx, statusRoom)
		if err != nil {
			if healthschool.IsAuthError(err) {
				fmt.Fprintln(out, "  Session rejected, run 'healthschool init' with a fresh token")
				return nil
			}
			fmt.Fprintf(out, "  Error fetching room: %v\n", err)
			return nil
		}
		fmt.Fprintf(out, "  Room:         %s\n", room.ID)
		fmt.Fprintf(out, "  Title:        %s\n", valueOrDefault(room.Title, "(untitled)"))
		fmt.Fprintf(out, "  Participants: %d\n", len(room.Participants))
		return nil
	},
}
