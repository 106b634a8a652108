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
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	_ "cmdbox/internal/commands"
	"cmdbox/internal/dispatch"
	"cmdbox/internal/logger"
)

var (
	workerName        string
	workerNodeID      string
	workerDebugFlag   bool
	workerMetricsAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a cmdbox worker",
	Long: `A worker registers a heartbeat for its service, pops commands from its
queue, runs them and pushes the JSON reply to the reskey of each command.
With --node it joins a cluster: it serves its node queue before the shared
service queue and forwards cluster commands to its peers.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger.SetSilentMode(false)
		if workerDebugFlag || verbose {
			logger.SetLevel("debug")
		} else {
			logger.SetLevel("info")
		}

		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}
		if workerName != "" {
			cfg.Service.Name = workerName
		}
		if workerNodeID != "" {
			cfg.Service.NodeID = workerNodeID
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		log := logger.New()
		b := openBroker(cfg)
		defer b.Close()

		worker, err := dispatch.NewWorker(b, cfg, nil)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create worker")
			return fmt.Errorf("failed to create worker: %w", err)
		}

		log.Info().
			Str("node", worker.Node()).
			Strs("queues", worker.Queues()).
			Str("redis", cfg.RedisAddr()).
			Msg("Starting cmdbox worker")

		if workerMetricsAddr != "" {
			metricsCtx, stopMetrics := context.WithCancel(cmd.Context())
			addr, stopped, err := serveMetrics(metricsCtx, workerMetricsAddr)
			if err != nil {
				stopMetrics()
				return err
			}
			defer func() {
				stopMetrics()
				<-stopped
			}()
			log.Info().Str("address", addr.String()).Msg("Serving metrics")
		}

		// Run until SIGINT or SIGTERM cancels the command context
		if err := worker.Run(cmd.Context()); err != nil {
			log.Error().Err(err).Msg("Worker stopped with error")
			return fmt.Errorf("worker error: %w", err)
		}

		stats := worker.GetStats()
		log.Info().
			Int("received", stats.CommandsReceived).
			Int("succeeded", stats.CommandsSucceeded).
			Int("warned", stats.CommandsWarned).
			Int("failed", stats.CommandsFailed).
			Msg("Worker stopped")
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVarP(&workerName, "name", "n", "", "Service name (overrides config)")
	workerCmd.Flags().StringVar(&workerNodeID, "node", "", "Cluster node id (overrides config)")
	workerCmd.Flags().BoolVarP(&workerDebugFlag, "debug", "d", false, "Enable debug logging")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
}

// serveMetrics exposes /metrics on addr until ctx is done. The returned
// channel is closed once the listener has shut down.
func serveMetrics(ctx context.Context, addr string) (net.Addr, <-chan struct{}, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log := logger.Component("metrics")

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Metrics listener stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Error stopping metrics listener")
		}
	}()
	return ln.Addr(), stopped, nil
}
