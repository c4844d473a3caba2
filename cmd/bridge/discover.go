package main

import (
	"fmt"
	"path/filepath"

	"editor-bridge/internal/discovery"

	"github.com/spf13/cobra"
)

func newDiscoverCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover [project]",
		Short: "Show the discovery record and port for a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			project := cfg.ProjectPath
			if len(args) == 1 {
				if project, err = filepath.Abs(args[0]); err != nil {
					return fmt.Errorf("resolve project path: %w", err)
				}
			}

			resolver := discovery.NewResolver(cfg.DiscoveryDir, logger)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "project: %s\n", project)
			fmt.Fprintf(out, "key:     %s\n", discovery.ProjectKey(project))
			fmt.Fprintf(out, "record:  %s\n", discovery.RecordPath(resolver.Dir(), project))
			if port, ok := resolver.Lookup(project); ok {
				fmt.Fprintf(out, "port:    %d\n", port)
			} else {
				fmt.Fprintf(out, "port:    not found (default %d)\n", cfg.DefaultPort)
			}
			return nil
		},
	}
}
