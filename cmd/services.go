package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cmdbox/internal/dispatch"
)

var servicesJSON bool

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List live services and their counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}

		b := openBroker(cfg)
		defer b.Close()

		services, err := dispatch.NewHeartbeatRegistry(b).ListServices(cmd.Context())
		if err != nil {
			return fmt.Errorf("Redis server %s is unreachable: %w", cfg.RedisAddr(), err)
		}

		if servicesJSON {
			data, err := json.MarshalIndent(services, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(services) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No live services.")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVICE\tSTATUS\tRECV\tOK\tWARN\tERR\tSTARTED")
		for _, s := range services {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
				s.Name, s.Status, s.ReceiveCount, s.SuccessCount, s.WarnCount, s.ErrorCount, s.Ctime)
		}
		return tw.Flush()
	},
}

func init() {
	servicesCmd.Flags().BoolVar(&servicesJSON, "json", false, "Print services as JSON")
}
