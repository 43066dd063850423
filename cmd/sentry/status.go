package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, connectivity and account status",
	Long:  "Display the current configuration, check the stored token, probe the server, and count queued SOS alerts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			fmt.Println("Configuration:")
			fmt.Printf("  Environment: %s\n", valueOrDefault(s.cfg.Default.Environment, "(not set)"))
			fmt.Printf("  Base URL:    %s\n", s.client.BaseURL())

			fmt.Println()
			fmt.Println("Auth:")
			if s.cfg.Auth.Email != "" {
				fmt.Printf("  Email:   %s\n", s.cfg.Auth.Email)
				fmt.Printf("  User ID: %s\n", s.cfg.Auth.UserID)
			} else {
				fmt.Println("  Email:   (not logged in)")
			}

			token, err := s.client.Tokens().Load(ctx)
			if err != nil {
				return fmt.Errorf("failed to read token: %w", err)
			}
			fmt.Printf("  Token:   %s\n", tokenStatus(token, time.Now()))

			fmt.Println()
			fmt.Println("Live status:")
			online := s.probe(ctx)
			if online {
				fmt.Println("  Server:  reachable")
			} else {
				fmt.Println("  Server:  unreachable (SOS alerts will be queued)")
			}

			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network, nil)
			defer outbox.Close()
			pending, err := outbox.Pending(ctx)
			if err != nil {
				fmt.Printf("  Outbox:  error: %v\n", err)
			} else {
				fmt.Printf("  Outbox:  %d queued\n", len(pending))
			}

			if online && token != "" {
				me, err := s.client.Profile.Get(ctx)
				if err != nil {
					fmt.Printf("  Error fetching profile: %v\n", err)
					return nil
				}
				fmt.Printf("  Name:    %s\n", me.Name)
				fmt.Printf("  Mobile:  %s\n", me.Mobile)
			}
			return nil
		})
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	expires, ok := sentry.TokenExpiry(token)
	if !ok {
		return fmt.Sprintf("%s (no expiry)", maskToken(token))
	}
	if now.Before(expires) {
		return fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
	}
	return fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
}
