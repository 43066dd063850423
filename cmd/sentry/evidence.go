package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var (
	evidenceType     string
	evidenceLocation string
	evidenceLimit    int
	evidencePage     int
)

func init() {
	evidenceUploadCmd.Flags().StringVar(&evidenceType, "type", "", "photo, audio or video (guessed from the file when empty)")
	evidenceUploadCmd.Flags().StringVar(&evidenceLocation, "location", "", "Where the media was captured")
	evidenceListCmd.Flags().IntVar(&evidenceLimit, "limit", 0, "Items per page")
	evidenceListCmd.Flags().IntVar(&evidencePage, "page", 0, "Page number")

	evidenceCmd.AddCommand(evidenceUploadCmd, evidenceListCmd, evidenceShareCmd)
	rootCmd.AddCommand(evidenceCmd)
}

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Upload and share media captured during an SOS",
}

var evidenceUploadCmd = &cobra.Command{
	Use:   "upload <sos-id> <file...>",
	Short: "Attach files to an SOS",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		upload := sentry.EvidenceUpload{
			SOSID:    args[0],
			Type:     sentry.EvidenceType(evidenceType),
			Location: evidenceLocation,
		}
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("cannot read %s: %w", path, err)
			}
			upload.Files = append(upload.Files, sentry.EvidenceFile{
				Name:        filepath.Base(path),
				ContentType: mime.TypeByExtension(filepath.Ext(path)),
				Data:        data,
			})
		}

		return withSession(func(ctx context.Context, s *session) error {
			items, err := s.client.Evidence.Upload(ctx, upload)
			if err != nil {
				return fmt.Errorf("upload failed: %w", err)
			}
			if jsonOutput {
				return printJSON(items)
			}
			for _, e := range items {
				fmt.Printf("Uploaded %s as %s (%s, %d bytes)\n", e.FileName, e.ID, e.Type, e.Size)
			}
			return nil
		})
	},
}

var evidenceListCmd = &cobra.Command{
	Use:   "list [sos-id]",
	Short: "List evidence, optionally for one SOS",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			var items []sentry.Evidence
			if len(args) == 1 {
				bySOS, err := s.client.Evidence.BySOS(ctx, args[0])
				if err != nil {
					return fmt.Errorf("request failed: %w", err)
				}
				items = bySOS
			} else {
				page, err := s.client.Evidence.List(ctx, evidenceLimit, evidencePage)
				if err != nil {
					return fmt.Errorf("request failed: %w", err)
				}
				items = page.Data
			}
			if jsonOutput {
				return printJSON(items)
			}
			if len(items) == 0 {
				fmt.Println("No evidence.")
				return nil
			}
			for _, e := range items {
				fmt.Printf("%s  %-6s %-24s sos=%s shared=%d\n",
					e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Type, e.FileName, e.SOSID, len(e.SharedWith))
				fmt.Printf("    id: %s\n", e.ID)
			}
			return nil
		})
	},
}

var evidenceShareCmd = &cobra.Command{
	Use:   "share <evidence-id> <recipient...>",
	Short: "Share evidence with contacts or responders",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(func(ctx context.Context, s *session) error {
			e, err := s.client.Evidence.Share(ctx, args[0], args[1:])
			if err != nil {
				return fmt.Errorf("share failed: %w", err)
			}
			if jsonOutput {
				return printJSON(e)
			}
			fmt.Printf("%s is shared with %d recipient(s)\n", e.ID, len(e.SharedWith))
			return nil
		})
	},
}
