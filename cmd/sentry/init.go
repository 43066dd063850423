package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/smartsentry/sentry"
)

var initEnvironment string

func init() {
	initCmd.Flags().StringVar(&initEnvironment, "env", string(sentry.Production), "Environment: production or local")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [base-url]",
	Short: "Point the CLI at a Smart Sentry server",
	Long: "Write ~/.sentry/config.toml. With a base URL (e.g. https://host/api) the\n" +
		"environment is ignored.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		switch sentry.Environment(initEnvironment) {
		case sentry.Production, sentry.Local:
		default:
			return fmt.Errorf("unknown environment %q (valid: production, local)", initEnvironment)
		}
		cfg.Default.Environment = initEnvironment
		cfg.Default.BaseURL = ""
		if len(args) == 1 {
			cfg.Default.BaseURL = args[0]
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
