// Package config loads bridge settings from defaults, layered YAML files,
// EDITOR_BRIDGE_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"editor-bridge/internal/discovery"
	"editor-bridge/internal/logging"

	"github.com/spf13/viper"
)

const (
	EnvPrefix = "EDITOR_BRIDGE"
	// EnvToken is read directly by ResolveToken, not through viper.
	EnvToken = EnvPrefix + "_TOKEN"

	dirName        = ".editor-bridge"
	configFileName = "config.yaml"
)

// Keys.
const (
	KeyProjectPath      = "project_path"
	KeyHost             = "host"
	KeyDefaultPort      = "default_port"
	KeyDiscoveryDir     = "discovery_dir"
	KeyToken            = "token"
	KeyRetryInterval    = "retry_interval"
	KeyPingInterval     = "ping_interval"
	KeyProbeFailures    = "probe_failures"
	KeyStaleAfter       = "stale_after"
	KeyCommandTimeout   = "command_timeout"
	KeyHandshakeTimeout = "handshake_timeout"
	KeyBatchStatePath   = "batch_state_path"
	KeyLogLevel         = "log_level"
	KeyStatusAddr       = "status_addr"
	KeyToolsAllow       = "tools.allow"
	KeyToolsDeny        = "tools.deny"
)

// envKeys are bound to EDITOR_BRIDGE_<KEY>. The token is resolved separately
// so its source can be told apart.
var envKeys = []string{
	KeyProjectPath, KeyHost, KeyDefaultPort, KeyDiscoveryDir,
	KeyRetryInterval, KeyPingInterval, KeyProbeFailures, KeyStaleAfter,
	KeyCommandTimeout, KeyHandshakeTimeout, KeyBatchStatePath, KeyLogLevel,
	KeyStatusAddr, KeyToolsAllow, KeyToolsDeny,
}

// Config is the resolved configuration.
type Config struct {
	ProjectPath      string
	Host             string
	DefaultPort      int
	DiscoveryDir     string
	Token            string
	TokenSource      TokenSource
	RetryInterval    time.Duration
	PingInterval     time.Duration
	ProbeFailures    int
	StaleAfter       time.Duration
	CommandTimeout   time.Duration
	HandshakeTimeout time.Duration
	BatchStatePath   string
	LogLevel         string
	// StatusAddr enables the local status API when set, e.g. 127.0.0.1:7420.
	StatusAddr string
	ToolsAllow []string
	ToolsDeny  []string

	// Files lists the config files that were merged, in order.
	Files []string
}

// New returns a viper instance with defaults and environment bindings.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault(KeyHost, "127.0.0.1")
	v.SetDefault(KeyDefaultPort, 6400)
	v.SetDefault(KeyDiscoveryDir, discovery.DefaultDir())
	v.SetDefault(KeyRetryInterval, 5*time.Second)
	v.SetDefault(KeyPingInterval, 15*time.Second)
	v.SetDefault(KeyProbeFailures, 3)
	v.SetDefault(KeyStaleAfter, time.Duration(0))
	v.SetDefault(KeyCommandTimeout, 30*time.Second)
	v.SetDefault(KeyHandshakeTimeout, 10*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyStatusAddr, "")
	v.SetDefault(KeyToolsAllow, []string{})
	v.SetDefault(KeyToolsDeny, []string{})

	for _, key := range envKeys {
		// BindEnv only fails without a key.
		_ = v.BindEnv(key)
	}
	return v
}

// Load merges the user file, the project file and then explicitFile (if
// set) into v and resolves the result. A missing user or project file is
// skipped; a missing explicit file is an error.
func Load(v *viper.Viper, explicitFile string) (*Config, error) {
	home, _ := os.UserHomeDir()
	var files []string

	if home != "" {
		merged, err := mergeFile(v, filepath.Join(home, dirName, configFileName), false)
		if err != nil {
			return nil, err
		}
		files = append(files, merged...)
	}

	projectPath, err := resolveProjectPath(v.GetString(KeyProjectPath))
	if err != nil {
		return nil, err
	}
	merged, err := mergeFile(v, filepath.Join(projectPath, dirName, configFileName), false)
	if err != nil {
		return nil, err
	}
	files = append(files, merged...)

	if explicitFile != "" {
		merged, err := mergeFile(v, expandHome(explicitFile, home), true)
		if err != nil {
			return nil, err
		}
		files = append(files, merged...)
	}
	// A file token would outrank EDITOR_BRIDGE_TOKEN once merged into v.
	if v.InConfig(KeyToken) {
		return nil, fmt.Errorf("%s must not be set in config files; use --token, %s or a token file", KeyToken, EnvToken)
	}

	cfg := &Config{
		ProjectPath:      projectPath,
		Host:             v.GetString(KeyHost),
		DefaultPort:      v.GetInt(KeyDefaultPort),
		DiscoveryDir:     expandHome(v.GetString(KeyDiscoveryDir), home),
		RetryInterval:    v.GetDuration(KeyRetryInterval),
		PingInterval:     v.GetDuration(KeyPingInterval),
		ProbeFailures:    v.GetInt(KeyProbeFailures),
		StaleAfter:       v.GetDuration(KeyStaleAfter),
		CommandTimeout:   v.GetDuration(KeyCommandTimeout),
		HandshakeTimeout: v.GetDuration(KeyHandshakeTimeout),
		BatchStatePath:   expandHome(v.GetString(KeyBatchStatePath), home),
		LogLevel:         strings.ToLower(v.GetString(KeyLogLevel)),
		StatusAddr:       strings.TrimSpace(v.GetString(KeyStatusAddr)),
		ToolsAllow:       v.GetStringSlice(KeyToolsAllow),
		ToolsDeny:        v.GetStringSlice(KeyToolsDeny),
		Files:            files,
	}
	if cfg.BatchStatePath == "" {
		cfg.BatchStatePath = filepath.Join(projectPath, dirName, "batch_state.json")
	}
	if cfg.RetryInterval < time.Second {
		cfg.RetryInterval = time.Second
	}
	cfg.Token, cfg.TokenSource = ResolveToken(v.GetString(KeyToken), projectPath, home, os.Getenv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.DefaultPort < 1 || c.DefaultPort > 65535 {
		errs = append(errs, fmt.Errorf("%s must be in 1..65535, got %d", KeyDefaultPort, c.DefaultPort))
	}
	if c.Host == "" {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyHost))
	}
	if c.ProbeFailures < 1 {
		errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", KeyProbeFailures, c.ProbeFailures))
	}
	if c.PingInterval <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyPingInterval))
	}
	if c.StaleAfter < 0 {
		errs = append(errs, fmt.Errorf("%s must not be negative", KeyStaleAfter))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyCommandTimeout))
	}
	if c.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive", KeyHandshakeTimeout))
	}
	if _, err := NewToolFilter(c.ToolsAllow, c.ToolsDeny); err != nil {
		errs = append(errs, err)
	}
	if c.StatusAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatusAddr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KeyStatusAddr, err))
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", KeyLogLevel, err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ToolFilter builds the filter described by tools.allow and tools.deny.
func (c *Config) ToolFilter() *ToolFilter {
	f, err := NewToolFilter(c.ToolsAllow, c.ToolsDeny)
	if err != nil {
		// Patterns were checked by validate.
		return &ToolFilter{}
	}
	return f
}

func mergeFile(v *viper.Viper, path string, required bool) ([]string, error) {
	if _, err := os.Stat(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("config file: %w", err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return []string{path}, nil
}

func resolveProjectPath(p string) (string, error) {
	if p == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("resolve working directory: %w", err)
		}
		p = wd
	}
	home, _ := os.UserHomeDir()
	abs, err := filepath.Abs(expandHome(p, home))
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	return abs, nil
}

func expandHome(p, home string) string {
	if home == "" {
		return p
	}
	if p == "~" {
		return home
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(home, p[2:])
	}
	return p
}
