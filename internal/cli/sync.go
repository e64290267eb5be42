package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

type syncView struct {
	Retried int                   `json:"retried"`
	Result  scheduler.DrainResult `json:"result"`
	Queued  int                   `json:"queued"`
}

func newSyncCommand(opts *RootOptions) *cobra.Command {
	var retryFailed bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Replay the queue against the API once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, opts, cmd.ErrOrStderr(), modeRemote)
			if err != nil {
				return err
			}
			defer a.Close()

			var view syncView
			if retryFailed {
				n, err := a.engine.RetryFailedRequests(ctx)
				if err != nil {
					return WrapExitError(ExitFailure, "retry failed", err)
				}
				view.Retried = n
			}

			res, err := a.engine.SyncNow(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "sync failed", err)
			}
			view.Result = res
			view.Queued = a.engine.QueueStats().Total

			out := &output{format: opts.Format, w: cmd.OutOrStdout()}
			return out.print(view, func(w io.Writer) {
				if view.Retried > 0 {
					fmt.Fprintf(w, "Reset %d failed request(s)\n", view.Retried)
				}
				fmt.Fprintf(w, "Synced %d, failed %d, %d still queued\n", res.Success, res.Failed, view.Queued)
			})
		},
	}
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "give failed requests a fresh retry budget first")
	return cmd
}
