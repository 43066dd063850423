package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print config.toml exactly as stored")

	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}

// configEntries lists the settable keys with their current values, in the order
// `config show` prints them.
func configEntries(cfg *Config) [][2]string {
	return [][2]string{
		{"default.environment", cfg.Default.Environment},
		{"default.base_url", cfg.Default.BaseURL},
		{"maps.archive", cfg.Maps.Archive},
		{"maps.format", cfg.Maps.Format},
		{"maps.city", cfg.Maps.City},
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and change CLI settings",
	Long: `Settings live in ~/.sentry/config.toml next to the offline cache.
The [auth] section is written by 'sentry login' and cleared by 'sentry logout'.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "List settings and who is signed in",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if jsonOutput {
			return printJSON(cfg)
		}
		for _, kv := range configEntries(cfg) {
			fmt.Printf("%-20s %s\n", kv[0], valueOrDefault(kv[1], "-"))
		}
		if cfg.Auth.UserID != "" {
			fmt.Printf("\nSigned in as %s <%s>\n", cfg.Auth.Name, cfg.Auth.Email)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:     "set <key> <value>",
	Short:   "Change one setting",
	Example: "  sentry config set default.base_url http://localhost:5000/api\n  sentry config set maps.archive ~/maps/pune.pmtiles",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], args[1])
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Reset one setting to its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateConfig(args[0], "")
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print where the config file is stored",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func updateConfig(key, value string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := setConfigValue(cfg, key, value); err != nil {
		return err
	}
	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	if value == "" {
		fmt.Printf("%s reset\n", key)
	} else {
		fmt.Printf("%s = %s\n", key, value)
	}
	return nil
}
