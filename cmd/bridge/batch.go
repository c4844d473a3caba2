package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"editor-bridge/internal/batch"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const defaultConnectTimeout = 30 * time.Second

func newBatchCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run, inspect or reset the persisted batch",
	}
	cmd.AddCommand(
		newBatchStatusCmd(opts),
		newBatchResetCmd(opts),
		newBatchRunCmd(opts),
	)
	return cmd
}

func newBatchStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted batch as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			mgr, err := batch.NewManager(cfg.BatchStatePath, nil, batch.Options{Logger: logger})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), mgr.Status())
		},
	}
}

func newBatchResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the persisted batch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			// Discard works on a corrupt record too.
			if err := batch.Discard(cfg.BatchStatePath); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Batch state cleared: %s\n", cfg.BatchStatePath)
			return err
		},
	}
}

func newBatchRunCmd(opts *rootOptions) *cobra.Command {
	var (
		planFile       string
		resume         bool
		stopOnError    bool
		connectTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the editor and run a batch plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if planFile == "" && !resume {
				return errors.New("either --plan or --resume is required")
			}
			var ops []batch.Operation
			if planFile != "" && !resume {
				var err error
				if ops, err = readPlan(planFile); err != nil {
					return err
				}
			}

			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			b, err := wireBridge(cfg, logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b.start(ctx)
			defer b.stop()

			if !b.waitConnected(ctx, connectTimeout) {
				return fmt.Errorf("editor not reachable at %s within %s", b.target.URL(), connectTimeout)
			}

			summary, err := b.batches.Execute(ctx, ops, batch.ExecuteOptions{Resume: resume, StopOnError: stopOnError})
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), summary); err != nil {
				return err
			}
			if !summary.Success {
				return fmt.Errorf("batch finished with %d error(s)", len(summary.Errors))
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&planFile, "plan", "", "YAML or JSON file listing the operations")
	f.BoolVar(&resume, "resume", false, "continue the persisted batch instead of starting a new one")
	f.BoolVar(&stopOnError, "stop-on-error", false, "stop at the first failing operation")
	f.DurationVar(&connectTimeout, "connect-timeout", defaultConnectTimeout, "how long to wait for the editor connection")
	return cmd
}

// plan is the document form of a plan file. A bare list of operations is
// accepted as well.
type plan struct {
	Operations []batch.Operation `yaml:"operations"`
}

func readPlan(path string) ([]batch.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return parsePlan(data)
}

// parsePlan decodes YAML, which also covers JSON plans.
func parsePlan(data []byte) ([]batch.Operation, error) {
	var ops []batch.Operation
	if err := yaml.Unmarshal(data, &ops); err == nil && len(ops) > 0 {
		return ops, nil
	}
	var doc plan
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	if len(doc.Operations) == 0 {
		return nil, errors.New("parse plan: no operations")
	}
	return doc.Operations, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
