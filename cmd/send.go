package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cmdbox/internal/dispatch"
	"cmdbox/internal/logger"
)

var (
	sendTimeout  float64
	sendRetry    int
	sendInterval float64
	sendNoWait   bool
	sendAnnounce bool
)

var sendCmd = &cobra.Command{
	Use:   "send <service> <command> [params...]",
	Short: "Send a command to a service and print its reply",
	Long: `Send pushes "<command> <reskey> <params...>" onto the queue of the service
and prints the JSON reply. Parameters must not contain whitespace.
With --nowait the command is queued without a reskey and nothing is printed.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}

		b := openBroker(cfg)
		defer b.Close()

		opts := dispatch.SendOptionsFromConfig(cfg)
		opts.NoWait = sendNoWait
		opts.Announce = sendAnnounce
		if sendAnnounce && !verbose {
			logger.SetSilentMode(false)
		}
		if cmd.Flags().Changed("timeout") {
			opts.Timeout = time.Duration(sendTimeout * float64(time.Second))
		}
		if cmd.Flags().Changed("retry") {
			opts.RetryCount = sendRetry
		}
		if cmd.Flags().Changed("interval") {
			opts.RetryInterval = time.Duration(sendInterval * float64(time.Second))
		}

		client := dispatch.NewClient(b, args[0], dispatch.WithNoWaitWorkers(cfg.Client.NoWaitWorkers))
		reply := client.SendCommand(cmd.Context(), args[1], args[2:], opts)
		if err := client.Close(); err != nil {
			return err
		}
		if reply == nil {
			return nil
		}

		data, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to render reply: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))

		if reply.Kind() == dispatch.KindError {
			return fmt.Errorf("%s", reply.Message())
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().Float64VarP(&sendTimeout, "timeout", "t", 0, "Reply timeout in seconds (default from config)")
	sendCmd.Flags().IntVarP(&sendRetry, "retry", "r", 0, "Service probe attempts, 0 retries forever (default from config)")
	sendCmd.Flags().Float64Var(&sendInterval, "interval", 0, "Seconds between probe attempts (default from config)")
	sendCmd.Flags().BoolVar(&sendNoWait, "nowait", false, "Queue the command without waiting for a reply")
	sendCmd.Flags().BoolVar(&sendAnnounce, "announce", false, "Print probe progress")
}
