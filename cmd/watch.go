package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/andresmejia3/oculus/internal/rpc"
	"github.com/andresmejia3/oculus/internal/types"
	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/spf13/cobra"
)

// WatchOptions holds the flags of a streaming client call.
type WatchOptions struct {
	Addr       string
	Source     string
	KeyPath    string
	IVPath     string
	Model      string
	Thresholds ThresholdOptions
	Quiet      bool
}

var watchOpts WatchOptions

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream detections for a video from a running server",
	Long: `Opens a Detect stream against an oculus server and prints every frame as it
arrives, followed by the session's terminal status. The paths are resolved on the server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchOpts.Source == "" {
			return fmt.Errorf("--source is required")
		}
		if (watchOpts.KeyPath == "") != (watchOpts.IVPath == "") {
			return fmt.Errorf("--key and --iv must be provided together")
		}

		client, err := rpc.Dial(watchOpts.Addr)
		if err != nil {
			utils.ShowError("Failed to connect", err, nil)
			return err
		}
		defer client.Close()

		req := &types.DetectRequest{
			Source:  watchOpts.Source,
			KeyPath: watchOpts.KeyPath,
			IVPath:  watchOpts.IVPath,
			Model:   watchOpts.Model,
		}
		if watchOpts.Thresholds.changed() {
			th := thresholds(watchOpts.Thresholds, cfg)
			if err := validateThresholds(th); err != nil {
				return err
			}
			req.Thresholds = &th
		}

		frames := 0
		st, err := client.Detect(cmd.Context(), req, func(msg *types.FrameMessage) error {
			frames++
			if watchOpts.Quiet {
				return nil
			}
			return printFrame(os.Stdout, msg)
		})
		if err != nil {
			utils.ShowError("Stream failed", err, nil)
			return err
		}
		return reportStatus(os.Stderr, st, frames)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchOpts.Addr, "addr", "a", "localhost:50051", "Server address")
	watchCmd.Flags().StringVarP(&watchOpts.Source, "source", "s", "", "Video path on the server, or s3://bucket/key")
	watchCmd.Flags().StringVarP(&watchOpts.KeyPath, "key", "k", "", "AES-128 key file on the server")
	watchCmd.Flags().StringVar(&watchOpts.IVPath, "iv", "", "AES-128 IV file on the server")
	watchCmd.Flags().StringVarP(&watchOpts.Model, "model", "m", "", "Model name (default: the server's)")
	watchCmd.Flags().BoolVarP(&watchOpts.Quiet, "quiet", "q", false, "Only print the terminal status")
	addThresholdFlags(watchCmd, &watchOpts.Thresholds)
	rootCmd.AddCommand(watchCmd)
}

func printFrame(w io.Writer, msg *types.FrameMessage) error {
	if msg.Result == nil {
		return nil
	}
	names := make([]string, 0, len(msg.Result.Labels))
	for _, l := range msg.Result.Labels {
		names = append(names, fmt.Sprintf("%s (%.2f)", l.Name, l.Confidence))
	}
	if len(names) == 0 {
		names = append(names, "-")
	}
	_, err := fmt.Fprintf(w, "frame %6d  %s\n", msg.Result.Index, strings.Join(names, ", "))
	return err
}

// reportStatus prints the terminal status and turns anything but OK into an error.
func reportStatus(w io.Writer, st types.Status, frames int) error {
	switch st.Code {
	case types.StatusOK:
		fmt.Fprintf(w, "✅ %s: %d frames\n", st.Code, frames)
		return nil
	case types.StatusEmptyInput:
		fmt.Fprintf(w, "⚠️  %s: the video produced no frames\n", st.Code)
	default:
		fmt.Fprintf(w, "❌ %s after %d frames: %s\n", st.Code, frames, st.Message)
	}
	return fmt.Errorf("session ended with %s", st.Code)
}
