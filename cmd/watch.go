package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"cmdbox/internal/cli"
	"cmdbox/internal/dispatch"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch live services in an interactive dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}

		b := openBroker(cfg)
		defer b.Close()

		return cli.StartWatch(dispatch.NewHeartbeatRegistry(b), watchInterval)
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "interval", "i", time.Second, "Refresh interval")
}
