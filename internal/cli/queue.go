package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/models"
)

func newQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the local request queue",
	}
	cmd.AddCommand(newQueueListCommand(opts))
	cmd.AddCommand(newQueueRemoveCommand(opts))
	cmd.AddCommand(newQueueClearCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued requests in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), modeLocal)
			if err != nil {
				return err
			}
			defer a.Close()

			requests := a.engine.QueuedRequests()
			if requests == nil {
				requests = []*models.QueuedRequest{}
			}
			out := &output{format: opts.Format, w: cmd.OutOrStdout()}
			return out.print(requests, func(w io.Writer) {
				printRequests(w, requests)
			})
		},
	}
}

func printRequests(w io.Writer, requests []*models.QueuedRequest) {
	if len(requests) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMETHOD\tENDPOINT\tPRIORITY\tSTATUS\tATTEMPTS\tLAST ERROR")
	for _, r := range requests {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID, r.Method, r.Endpoint, r.Priority, r.Status, r.Attempts, r.MaxRetries, r.LastError)
	}
	tw.Flush()
}

func newQueueRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Discard one queued request and roll back its projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), modeLocal)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.engine.RemoveRequest(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newQueueClearCommand(opts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Discard every queued request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return NewExitError(ExitCommandError, "refusing to clear the queue without --yes")
			}
			a, err := openApp(cmd.Context(), opts, cmd.ErrOrStderr(), modeLocal)
			if err != nil {
				return err
			}
			defer a.Close()

			n := a.engine.QueueStats().Total
			if err := a.engine.ClearQueue(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued request(s)\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm discarding all queued changes")
	return cmd
}
