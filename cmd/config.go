package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cmdbox/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage cmdbox configuration",
	Long:  `Generate or validate cmdbox configuration files.`,
}

var configGenerateCmd = &cobra.Command{
	Use:   "generate [config-file]",
	Short: "Generate default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		if err := config.SaveConfig(config.NewDefaultConfig(), path); err != nil {
			return fmt.Errorf("failed to save default config: %w", err)
		}

		cmd.Printf("Default configuration saved to: %s\n", path)
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [config-file]",
	Short: "Validate configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if len(args) > 0 {
			path = args[0]
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}

		cmd.Printf("Configuration file is valid: %s\n", path)
		cmd.Printf("Redis: %s (db %d)\n", cfg.RedisAddr(), cfg.Redis.DB)
		cmd.Printf("Service: %s\n", cfg.Service.Name)
		if cfg.Service.NodeID != "" {
			cmd.Printf("Cluster node: %s\n", cfg.Service.NodeID)
		}
		cmd.Printf("Client: timeout %s, %d attempts every %s\n", cfg.Timeout(), cfg.Client.RetryCount, cfg.RetryInterval())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configGenerateCmd)
	configCmd.AddCommand(configValidateCmd)
}
