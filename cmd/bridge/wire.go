package main

import (
	"context"
	"log/slog"
	"time"

	"editor-bridge/internal/batch"
	"editor-bridge/internal/config"
	"editor-bridge/internal/discovery"
	"editor-bridge/internal/session"
	"editor-bridge/internal/supervisor"
)

const shutdownTimeout = 5 * time.Second

// bridge is the engine shared by serve and batch run.
type bridge struct {
	cfg        *config.Config
	logger     *slog.Logger
	target     *supervisor.Target
	session    *session.Session
	supervisor *supervisor.Supervisor
	batches    *batch.Manager
	watcher    *discovery.Watcher
}

func wireBridge(cfg *config.Config, logger *slog.Logger) (*bridge, error) {
	resolver := discovery.NewResolver(cfg.DiscoveryDir, logger)
	port, found := resolver.Lookup(cfg.ProjectPath)
	if !found {
		port = cfg.DefaultPort
	}
	target := supervisor.NewTarget(cfg.Host, port)
	logger.Info("editor target resolved",
		"project", cfg.ProjectPath, "url", target.URL(), "discovered", found, "token_source", cfg.TokenSource)

	sess := session.New(logger)
	batches, err := batch.NewManager(cfg.BatchStatePath, sess, batch.Options{
		Filter:         cfg.ToolFilter(),
		CommandTimeout: cfg.CommandTimeout,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(sess, supervisor.WebsocketDialer(target, session.DialOptions{
		Token:            cfg.Token,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}), supervisor.Config{
		RetryInterval: cfg.RetryInterval,
		PingInterval:  cfg.PingInterval,
		ProbeFailures: cfg.ProbeFailures,
		StaleAfter:    cfg.StaleAfter,
		Describe:      target.URL,
	}, logger)

	b := &bridge{
		cfg:        cfg,
		logger:     logger,
		target:     target,
		session:    sess,
		supervisor: sup,
		batches:    batches,
	}
	b.watcher = discovery.NewWatcher(resolver, cfg.ProjectPath, port, found, b.onRecordChange)
	return b, nil
}

// onRecordChange retargets the dialer when the editor publishes a new port.
// A vanished record falls back to the default port.
func (b *bridge) onRecordChange(port int, ok bool) {
	if !ok {
		port = b.cfg.DefaultPort
	}
	if b.target.SetPort(port) {
		b.logger.Info("editor target changed", "url", b.target.URL(), "discovered", ok)
		b.supervisor.Wake()
	}
}

func (b *bridge) start(ctx context.Context) {
	if err := b.watcher.Start(); err != nil {
		b.logger.Warn("discovery watcher unavailable", "error", err)
	}
	b.supervisor.Start(ctx)
}

func (b *bridge) stop() {
	b.watcher.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.supervisor.Stop(ctx); err != nil {
		b.logger.Warn("supervisor did not stop cleanly", "error", err)
	}
}

// waitConnected blocks until the session has a connection or timeout passes.
func (b *bridge) waitConnected(ctx context.Context, timeout time.Duration) bool {
	connected := make(chan struct{}, 1)
	b.session.On(session.EventConnected, func(session.Notification) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})
	if b.session.IsConnected() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-connected:
		return true
	case <-timer.C:
		return b.session.IsConnected()
	case <-ctx.Done():
		return false
	}
}
