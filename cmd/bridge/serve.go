package main

import (
	"os/signal"
	"syscall"

	"editor-bridge/internal/config"
	"editor-bridge/internal/mcpserver"
	"editor-bridge/internal/realtime"

	"github.com/spf13/cobra"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP on stdio and keep the editor connection alive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}

			b, err := wireBridge(cfg, logger)
			if err != nil {
				return err
			}

			srv, err := mcpserver.New(mcpserver.Dependencies{
				Editor:         b.session,
				Connection:     b.supervisor,
				Batches:        b.batches,
				Filter:         cfg.ToolFilter(),
				CommandTimeout: cfg.CommandTimeout,
				Version:        version,
				Logger:         logger,
			})
			if err != nil {
				return err
			}

			// Graceful shutdown on signals or when the client closes stdin.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b.start(ctx)
			defer b.stop()

			if cfg.StatusAddr != "" {
				status := realtime.New(b.supervisor, b.batches, b.session, logger)
				go func() {
					if err := status.ListenAndServe(ctx, cfg.StatusAddr, nil); err != nil {
						logger.Warn("status api stopped", "addr", cfg.StatusAddr, "error", err)
					}
				}()
			}

			logger.Info("bridge running", "version", version, "project", cfg.ProjectPath)
			err = srv.Run(ctx)
			logger.Info("shutting down")
			return err
		},
	}

	cmd.Flags().String("status-addr", "", "serve the local status API on this address, e.g. 127.0.0.1:7420")
	bindFlag(opts.v, config.KeyStatusAddr, cmd.Flags().Lookup("status-addr"))
	return cmd
}
