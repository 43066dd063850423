package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var (
	contactRelation string
	contactPhone    string
	contactName     string
)

func init() {
	for _, c := range []*cobra.Command{contactsAddCmd, contactsUpdateCmd} {
		c.Flags().StringVar(&contactRelation, "relation", "", "Relation to you (e.g. Sister)")
		c.Flags().StringVar(&contactPhone, "phone", "", "Phone number")
		_ = c.MarkFlagRequired("relation")
		_ = c.MarkFlagRequired("phone")
	}
	contactsUpdateCmd.Flags().StringVar(&contactName, "name", "", "Contact name")
	_ = contactsUpdateCmd.MarkFlagRequired("name")

	contactsCmd.AddCommand(contactsListCmd, contactsAddCmd, contactsUpdateCmd, contactsRemoveCmd)
	rootCmd.AddCommand(contactsCmd)
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "Manage trusted contacts",
	Long:  "Trusted contacts are told when you raise an SOS.",
}

var contactsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			contacts, err := s.client.Contacts.List(ctx)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if jsonOutput {
				return printJSON(contacts)
			}
			if len(contacts) == 0 {
				fmt.Println("No trusted contacts. Add one with 'sentry contacts add'.")
				return nil
			}
			for _, c := range contacts {
				fmt.Printf("%-26s %-20s %-12s %s\n", c.ID, c.Name, c.Relation, c.Phone)
			}
			return nil
		})
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add a trusted contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			c, err := s.client.Contacts.Add(ctx, sentry.ContactInput{Name: args[0], Relation: contactRelation, Phone: contactPhone})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if jsonOutput {
				return printJSON(c)
			}
			fmt.Printf("Added %s (%s)\n", c.Name, c.ID)
			return nil
		})
	},
}

var contactsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Replace a trusted contact's details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			c, err := s.client.Contacts.Update(ctx, args[0], sentry.ContactInput{Name: contactName, Relation: contactRelation, Phone: contactPhone})
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			if jsonOutput {
				return printJSON(c)
			}
			fmt.Printf("Updated %s\n", c.ID)
			return nil
		})
	},
}

var contactsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a trusted contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			if err := s.client.Contacts.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			fmt.Printf("Removed %s\n", args[0])
			return nil
		})
	},
}
