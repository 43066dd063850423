package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var chatWithContext bool

func init() {
	chatCmd.Flags().BoolVar(&chatWithContext, "context", true, "Send your profile, contacts and recent history along with the question")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <message...>",
	Short: "Ask the safety assistant",
	Long:  "Ask the safety assistant. Without connectivity you get built-in safety guidance instead.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message := strings.Join(args, " ")
		return withSession(func(ctx context.Context, s *session) error {
			var chatCtx *sentry.ChatContext
			if chatWithContext {
				chatCtx = buildChatContext(ctx, s)
			}
			reply := s.client.Chat.Send(ctx, message, chatCtx)
			if jsonOutput {
				return printJSON(reply)
			}
			fmt.Println(reply.Response)
			if reply.Offline {
				fmt.Println("\n(offline guidance)")
			}
			return nil
		})
	},
}

// buildChatContext collects what is available locally or cheaply; missing
// pieces are left out.
func buildChatContext(ctx context.Context, s *session) *sentry.ChatContext {
	chatCtx := &sentry.ChatContext{}
	if cached, err := s.history.Cached(ctx); err == nil {
		chatCtx.EmergencyHistory = cached.Records
	}
	if s.network.Offline() {
		return chatCtx
	}
	if me, err := s.client.Profile.Get(ctx); err == nil {
		chatCtx.UserProfile = me
	}
	if contacts, err := s.client.Contacts.List(ctx); err == nil {
		chatCtx.Contacts = contacts
	}
	return chatCtx
}
