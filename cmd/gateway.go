// Copyright 2025 Arion Yau
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cmdbox/internal/gateway"
	"cmdbox/internal/logger"
)

var (
	gatewayListen    string
	gatewayJournal   string
	gatewayNoJournal bool
	gatewayDebugFlag bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the cmdbox HTTP gateway",
	Long: `The gateway exposes the dispatcher over HTTP: it lists services, sends
commands, reads and writes side channels and keeps a SQLite journal of every
command it dispatched. Prometheus metrics are served on /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if gatewayDebugFlag || verbose {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel("info")
		}

		config, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if gatewayListen != "" {
			config.Gateway.Listen = gatewayListen
		}
		if gatewayJournal != "" {
			config.Gateway.JournalPath = gatewayJournal
		}

		log := logger.New()
		log.Info().
			Str("config_file", configPath).
			Str("listen", config.Gateway.Listen).
			Str("journal", config.Gateway.JournalPath).
			Str("redis", config.RedisAddr()).
			Msg("Starting cmdbox gateway")

		var journal *gateway.Journal
		if !gatewayNoJournal {
			journal, err = gateway.OpenJournal(config.Gateway.JournalPath)
			if err != nil {
				log.Error().Err(err).Msg("Failed to open journal")
				return fmt.Errorf("failed to open journal: %w", err)
			}
			defer journal.Close()
		}

		b := openBroker(config)
		defer b.Close()

		apiServer := gateway.NewAPIServer(b, config, journal)

		errChan := make(chan error, 1)
		go func() {
			errChan <- apiServer.Start(config.Gateway.Listen)
		}()

		select {
		case <-cmd.Context().Done():
			log.Info().Msg("Received shutdown signal")
		case err := <-errChan:
			if err != nil {
				log.Error().Err(err).Msg("API server error")
			}
			return err
		}

		log.Info().Msg("Shutting down gateway")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := apiServer.Stop(ctx); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}

		log.Info().Msg("Gateway stopped")
		return nil
	},
}

func init() {
	gatewayCmd.Flags().StringVar(&gatewayListen, "listen", "", "HTTP listen address (overrides config)")
	gatewayCmd.Flags().StringVar(&gatewayJournal, "journal", "", "Journal database path (overrides config)")
	gatewayCmd.Flags().BoolVar(&gatewayNoJournal, "no-journal", false, "Do not record dispatched commands")
	gatewayCmd.Flags().BoolVarP(&gatewayDebugFlag, "debug", "d", false, "Enable debug logging")
}
