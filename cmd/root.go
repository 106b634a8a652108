package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cmdbox/internal/broker"
	"cmdbox/internal/config"
	"cmdbox/internal/logger"
)

var (
	verbose    bool
	configPath string
	redisHost  string
	redisPort  int
)

var rootCmd = &cobra.Command{
	Use:   "cmdbox",
	Short: "cmdbox - Redis backed command dispatch",
	Long: `cmdbox sends commands to named services through Redis lists and waits for
their JSON replies. Workers announce themselves with heartbeat hashes, serve
their command queues, and can forward cluster commands to their peers.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			logger.SetSilentMode(false)
			logger.SetLevel("debug")
		}
	},
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cmdbox.yml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&redisHost, "host", "", "Redis host (overrides config)")
	rootCmd.PersistentFlags().IntVar(&redisPort, "port", 0, "Redis port (overrides config)")

	// Add subcommands
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(configCmd)
}

// loadConfiguration reads configPath, falling back to defaults when the
// file does not exist. Flags override the file.
func loadConfiguration() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.NewDefaultConfig()
	}

	if redisHost != "" {
		cfg.Redis.Host = redisHost
	}
	if redisPort != 0 {
		cfg.Redis.Port = redisPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func openBroker(cfg *config.Config) *broker.Broker {
	return broker.New(broker.Options{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}
