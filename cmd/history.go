package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/oculus/internal/store"
	"github.com/andresmejia3/oculus/internal/utils"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List recorded detection sessions",
	Long:  "Without arguments, lists the most recent sessions. With a session id, lists its detections frame by frame.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore(cmd.Context())
		if err != nil {
			utils.ShowError("Failed to open the session history", err, nil)
			return err
		}

		if len(args) == 1 {
			dets, err := db.SessionDetections(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(dets) == 0 {
				fmt.Println("No detections recorded for this session.")
				return nil
			}
			return writeDetections(os.Stdout, dets)
		}

		sessions, err := db.ListSessions(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		return writeSessions(os.Stdout, sessions)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of sessions to list")
	rootCmd.AddCommand(historyCmd)
}

func writeSessions(out io.Writer, sessions []store.SessionRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tFRAMES\tDETECTIONS\tMODEL\tSTARTED\tELAPSED\tSOURCE")
	for _, s := range sessions {
		elapsed := "-"
		if s.FinishedAt != nil {
			elapsed = utils.FmtElapsed(s.FinishedAt.Sub(s.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			s.ID, s.Status, s.Frames, s.Detections, s.Model,
			s.StartedAt.Local().Format(time.DateTime), elapsed, s.Source)
	}
	return w.Flush()
}

func writeDetections(out io.Writer, dets []store.DetectionRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FRAME\tLABEL\tCONFIDENCE")
	for _, d := range dets {
		fmt.Fprintf(w, "%d\t%s\t%.4f\n", d.FrameIndex, d.Label, d.Confidence)
	}
	return w.Flush()
}
