package main

import (
	"fmt"
	"log/slog"

	"editor-bridge/internal/config"
	"editor-bridge/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// rootOptions is shared by every subcommand. Flags are bound into v so they
// override files and environment.
type rootOptions struct {
	v          *viper.Viper
	configFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: config.New()}

	root := &cobra.Command{
		Use:           "bridge",
		Short:         "Editor bridge: MCP tools relayed to a running editor",
		Long:          "bridge exposes editor tools to an MCP client over stdio and relays each call to the editor over a single websocket, reconnecting and resuming batches as needed.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "extra config file merged after the user and project files")
	pf.String("project", "", "project directory (default: current directory)")
	pf.String("token", "", "bearer token for the editor connection")
	pf.String("host", "", "editor host (default 127.0.0.1)")
	pf.Int("port", 0, "port used when no discovery record is found (default 6400)")
	pf.String("log-level", "", "debug, info, warn or error (default info)")

	bindFlag(opts.v, config.KeyProjectPath, pf.Lookup("project"))
	bindFlag(opts.v, config.KeyToken, pf.Lookup("token"))
	bindFlag(opts.v, config.KeyHost, pf.Lookup("host"))
	bindFlag(opts.v, config.KeyDefaultPort, pf.Lookup("port"))
	bindFlag(opts.v, config.KeyLogLevel, pf.Lookup("log-level"))

	root.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newDiscoverCmd(opts),
		newBatchCmd(opts),
	)
	return root
}

func bindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	// BindPFlag only fails on a nil flag.
	_ = v.BindPFlag(key, flag)
}

// load resolves configuration and the logger for a command invocation.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.v, o.configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.Stderr(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, logger, nil
}
