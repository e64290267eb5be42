package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/models"
)

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queued request counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), modeLocal)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.engine.QueueStats()
			out := &output{format: opts.Format, w: cmd.OutOrStdout()}
			return out.print(stats, func(w io.Writer) {
				printStats(w, stats)
			})
		},
	}
}

func printStats(w io.Writer, s models.QueueStats) {
	fmt.Fprintf(w, "Queued:    %d\n", s.Total)
	fmt.Fprintf(w, "Waiting:   %d\n", s.Total-s.Failed-s.InFlight)
	fmt.Fprintf(w, "Failed:    %d\n", s.Failed)
	fmt.Fprintf(w, "Priority:  high %d, medium %d, low %d\n", s.ByPriority.High, s.ByPriority.Medium, s.ByPriority.Low)
	if s.OldestTimestamp != nil {
		fmt.Fprintf(w, "Oldest:    %s\n", s.OldestTimestamp.Local().Format("2006-01-02 15:04:05"))
	}
}
