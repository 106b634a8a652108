package cmd

import (
	"encoding/json"
	"fmt"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"cmdbox/internal/dispatch"
	"cmdbox/internal/stream"
)

var (
	streamOutputDir string
	streamPoll      time.Duration
	streamOnce      bool
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Use the side channel of a service",
	Long: `The side channel carries text, JSON outputs and images next to the command
queue of a service. Producers are refused once the channel is full.`,
}

var streamSendCmd = &cobra.Command{
	Use:   "send <service> <text|outputs|output_image> <value>",
	Short: "Publish a frame",
	Long: `Publish a frame on the side channel. "text" sends value as is, "outputs"
parses value as JSON and "output_image" reads value as a PNG file.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}

		var payload any
		switch args[1] {
		case stream.CmdOutputs:
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				return fmt.Errorf("outputs must be JSON: %w", err)
			}
		case stream.CmdImage:
			f, err := os.Open(args[2])
			if err != nil {
				return fmt.Errorf("failed to open image: %w", err)
			}
			defer f.Close()
			img, err := png.Decode(f)
			if err != nil {
				return fmt.Errorf("failed to decode image: %w", err)
			}
			payload = stream.FromImage(img, filepath.Base(args[2]))
		default:
			payload = args[2]
		}

		b := openBroker(cfg)
		defer b.Close()

		reply := stream.New(b, args[0]).Send(cmd.Context(), args[1], payload, cfg.Stream.MaxRecordSize)
		fmt.Fprintln(cmd.OutOrStdout(), reply.String())
		if reply.Kind() != dispatch.KindSuccess {
			return fmt.Errorf("%s", reply.Message())
		}
		return nil
	},
}

var streamRecvCmd = &cobra.Command{
	Use:   "recv <service>",
	Short: "Print frames as they arrive",
	Long: `Receive frames from the side channel of a service. Text and outputs are
printed; images are written as PNG files to --output.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return err
		}

		b := openBroker(cfg)
		defer b.Close()

		ctx := cmd.Context()
		s := stream.New(b, args[0])
		ticker := time.NewTicker(streamPoll)
		defer ticker.Stop()

		for {
			frame, err := s.Receive(ctx)
			if err != nil {
				return err
			}
			if frame != nil {
				if err := printFrame(cmd, frame); err != nil {
					return err
				}
				continue
			}
			if streamOnce {
				return nil
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	},
}

func printFrame(cmd *cobra.Command, frame *stream.Frame) error {
	switch frame.Command {
	case stream.CmdText:
		fmt.Fprintln(cmd.OutOrStdout(), frame.Text)
	case stream.CmdOutputs:
		data, err := json.Marshal(frame.Outputs)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
	case stream.CmdImage:
		path := filepath.Join(streamOutputDir, filepath.Base(frame.Image.Name))
		if err := os.WriteFile(path, frame.Image.PNG, 0644); err != nil {
			return fmt.Errorf("failed to save image: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%dx%d)\n", path, frame.Image.Width, frame.Image.Height)
	}
	return nil
}

func init() {
	streamRecvCmd.Flags().StringVarP(&streamOutputDir, "output", "o", ".", "Directory for received images")
	streamRecvCmd.Flags().DurationVar(&streamPoll, "poll", 100*time.Millisecond, "Poll interval while the channel is empty")
	streamRecvCmd.Flags().BoolVar(&streamOnce, "once", false, "Exit when the channel is empty")

	streamCmd.AddCommand(streamSendCmd)
	streamCmd.AddCommand(streamRecvCmd)
}
