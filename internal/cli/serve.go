package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/offlinesync/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string
}

func newServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine with its local HTTP and WebSocket API",
		Long: `Run the sync engine in the foreground. Queued requests are replayed
against api.base_url whenever the network is available, and local clients
use the REST API and /ws event stream on the listen address.

Example:
  offlinesync serve
  offlinesync serve --listen 127.0.0.1:9000 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default from server.listen_addr)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions, cmd.ErrOrStderr(), modeRemote)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.engine.Start(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to start engine", err)
	}

	addr := opts.Listen
	if addr == "" {
		addr = a.cfg.Server.ListenAddr
	}

	srv := server.New(a.engine, server.WithLogger(a.log.Component("server")))
	defer srv.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s (Ctrl-C to stop)\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}
