package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smartsentry/sentry"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// sos trigger
	sosLocation string
	sosAt       string

	// sos resolve / cancel
	sosDuration string

	// history
	historyLimit   int
	historyPage    int
	historyRefresh bool
	historyCached  bool

	// watch
	watchReconnect bool
	watchProbe     time.Duration
)

func init() {
	sosTriggerCmd.Flags().StringVar(&sosLocation, "location", "", "Where you are, as text (e.g. \"Main gate, MG Road\")")
	sosTriggerCmd.Flags().StringVar(&sosAt, "at", "", "Coordinates as lat,lng")

	sosResolveCmd.Flags().StringVar(&sosDuration, "duration", "", "How long the emergency lasted (seconds or e.g. 4m30s)")
	sosCancelCmd.Flags().StringVar(&sosDuration, "duration", "", "How long the emergency lasted (seconds or e.g. 4m30s)")

	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Records per page")
	historyCmd.Flags().IntVar(&historyPage, "page", 0, "Page number")
	historyCmd.Flags().BoolVar(&historyRefresh, "refresh", false, "Skip the local cache")
	historyCmd.Flags().BoolVar(&historyCached, "cached", false, "Only show the local copy")

	watchCmd.Flags().BoolVar(&watchReconnect, "reconnect", true, "Reconnect after the connection drops")
	watchCmd.Flags().DurationVar(&watchProbe, "probe-interval", 30*time.Second, "How often to check the server and resend queued alerts")

	sosCmd.AddCommand(sosTriggerCmd, sosFlushCmd, sosPendingCmd, sosDiscardCmd, sosResolveCmd, sosCancelCmd)
	rootCmd.AddCommand(sosCmd, historyCmd, watchCmd)
}

// ============================================================================
// sos
// ============================================================================

var sosCmd = &cobra.Command{
	Use:   "sos",
	Short: "Raise and manage SOS alerts",
}

var sosTriggerCmd = &cobra.Command{
	Use:   "trigger [type]",
	Short: "Raise an SOS (queued locally if the server is unreachable)",
	Long: "Raise an SOS. Types: manual, accident, panic, shake, power, voice, card, medical.\n" +
		"The alert is recorded locally first; without connectivity it waits in the outbox\n" +
		"until 'sentry sos flush' delivers it.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := sentry.EmergencyManual
		if len(args) == 1 {
			kind = sentry.EmergencyType(args[0])
		}
		if !kind.Valid() {
			return fmt.Errorf("unknown emergency type %q", kind)
		}
		location, err := sosLocationValue()
		if err != nil {
			return err
		}

		return withSession(func(ctx context.Context, s *session) error {
			if err := s.requireLogin(ctx); err != nil {
				return err
			}
			s.probe(ctx)

			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network, nil)
			defer outbox.Close()

			res, err := outbox.Trigger(ctx, sentry.SOSEvent{Type: kind, Location: location})
			if err != nil {
				return fmt.Errorf("SOS failed: %w", err)
			}
			if jsonOutput {
				return printJSON(res)
			}
			if res.Queued {
				fmt.Println("Server unreachable. SOS saved and queued for delivery.")
				fmt.Printf("  Local ID: %s\n", res.Record.ID)
				fmt.Println("  Run 'sentry sos flush' once you are back online.")
				return nil
			}
			fmt.Println("SOS sent.")
			fmt.Printf("  ID:       %s\n", res.ServerID)
			fmt.Printf("  Location: %s\n", formatLocation(res.Record.Location))
			return nil
		})
	},
}

func sosLocationValue() (any, error) {
	if sosAt == "" {
		if sosLocation == "" {
			return nil, nil
		}
		return sosLocation, nil
	}
	lat, lng, err := parseLatLng(sosAt)
	if err != nil {
		return nil, err
	}
	loc := map[string]any{"latitude": lat, "longitude": lng}
	if sosLocation != "" {
		loc["address"] = sosLocation
	}
	return loc, nil
}

var sosFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Send queued SOS alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if !s.probe(ctx) {
				return fmt.Errorf("server unreachable; alerts stay queued")
			}
			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network, nil)
			defer outbox.Close()
			outbox.On(sentry.EventOutboxFailed, func(_ string, payload any) {
				if e, ok := payload.(*sentry.OutboxEntry); ok {
					fmt.Fprintf(os.Stderr, "Giving up on %s: %s\n", e.ID, e.Error)
				}
			})

			sent := outbox.Flush(ctx)
			fmt.Printf("Delivered %d queued alert(s).\n", sent)
			return nil
		})
	},
}

var sosPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List SOS alerts waiting in the outbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network, nil)
			defer outbox.Close()
			entries, err := outbox.Pending(ctx)
			if err != nil {
				return fmt.Errorf("failed to read outbox: %w", err)
			}
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("Outbox is empty.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s  %-8s %-8s retries=%d/%d  %s\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Event.Type, e.Status, e.Retries, e.MaxRetries, e.ID)
				if e.Error != "" {
					fmt.Printf("    last error: %s\n", e.Error)
				}
			}
			return nil
		})
	},
}

var sosDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Drop a queued SOS alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network, nil)
			defer outbox.Close()
			if err := outbox.Discard(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to discard: %w", err)
			}
			fmt.Printf("Discarded %s\n", args[0])
			return nil
		})
	},
}

var sosResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark an SOS as resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateStatus(args[0], sentry.StatusResolved)
	},
}

var sosCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel an SOS raised by mistake",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateStatus(args[0], sentry.StatusCancelled)
	},
}

func updateStatus(id string, status sentry.EmergencyStatus) error {
	duration, err := parseDuration(sosDuration)
	if err != nil {
		return err
	}
	update := sentry.StatusUpdate{Status: status, Duration: duration}

	return withSession(func(ctx context.Context, s *session) error {
		rec, err := s.client.SOS.UpdateStatus(ctx, id, update)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if err := s.history.ApplyStatus(ctx, id, update); err != nil {
			s.logger.Warn("could not update local history", zap.Error(err))
		}
		if jsonOutput {
			return printJSON(rec)
		}
		fmt.Printf("SOS %s is now %s\n", rec.ID, rec.Status)
		return nil
	})
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show emergency history (falls back to the local copy offline)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			var (
				res *sentry.HistoryResult
				err error
			)
			if historyCached {
				res, err = s.history.Cached(ctx)
			} else {
				res, err = s.history.Load(ctx, sentry.HistoryLoadOptions{
					ForceRefresh: historyRefresh,
					Limit:        historyLimit,
					Page:         historyPage,
				})
			}
			if err != nil {
				return fmt.Errorf("history unavailable: %w", err)
			}
			if jsonOutput {
				return printJSON(res)
			}
			printHistory(res)
			return nil
		})
	},
}

func printHistory(res *sentry.HistoryResult) {
	switch {
	case res.Offline:
		fmt.Printf("Offline: showing local copy from %s\n\n", res.FetchedAt.Local().Format("2006-01-02 15:04"))
	case res.FromCache:
		fmt.Printf("Cached %s ago\n\n", time.Since(res.FetchedAt).Round(time.Second))
	}
	if len(res.Records) == 0 {
		fmt.Println("No emergencies recorded.")
		return
	}
	for _, r := range res.Records {
		fmt.Printf("%s  %-9s %-9s %-8s %s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04"), r.Type, r.Status, formatDuration(r.Duration), formatLocation(r.Location))
		fmt.Printf("    id: %s\n", r.ID)
	}
	if p := res.Pagination; p.TotalPages > 1 {
		fmt.Printf("\nPage %d of %d (%d total)\n", p.Page, p.TotalPages, p.Total)
	}
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live SOS alerts for your account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.requireLogin(ctx); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream := s.client.AlertStream(&sentry.AlertConfig{AutoReconnect: watchReconnect})
			stream.SyncHistory(s.history)
			stream.OnSOS(func(ev sentry.AlertEvent) {
				if jsonOutput {
					_ = printJSON(ev)
					return
				}
				r := ev.Record
				fmt.Printf("[%s] %s %s %s at %s\n",
					time.Now().Format("15:04:05"), ev.Type, r.Type, r.Status, formatLocation(r.Location))
			})
			stream.OnError(func(p sentry.AlertErrorPayload) {
				fmt.Fprintf(os.Stderr, "server error: %s\n", p.Message)
			})
			stream.OnReconnecting(func(attempt int, delay time.Duration) {
				fmt.Fprintf(os.Stderr, "connection lost, retry %d in %s\n", attempt, delay)
			})

			if err := stream.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer stream.Disconnect()

			outbox := sentry.NewSOSDispatcher(s.client, s.history, s.storage, s.network,
				&sentry.OutboxOptions{FlushInterval: watchProbe})
			defer outbox.Close()
			outbox.On(sentry.EventOutboxConfirmed, func(_ string, payload any) {
				if ids, ok := payload.(map[string]string); ok {
					fmt.Printf("Queued alert %s delivered as %s\n", ids["id"], ids["serverId"])
				}
			})
			outbox.On(sentry.EventOutboxFailed, func(_ string, payload any) {
				if e, ok := payload.(*sentry.OutboxEntry); ok {
					fmt.Fprintf(os.Stderr, "Giving up on %s: %s\n", e.ID, e.Error)
				}
			})
			outbox.Start()

			unsubscribe := s.network.OnChange(func(state sentry.NetworkState) {
				fmt.Fprintf(os.Stderr, "network %s\n", state)
			})
			defer unsubscribe()
			go s.network.Monitor(ctx, s.client.Ping, watchProbe)

			fmt.Println("Watching for alerts. Press Ctrl+C to stop.")
			<-ctx.Done()
			return nil
		})
	},
}
