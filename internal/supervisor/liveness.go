package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	defaultPingInterval  = 15 * time.Second
	defaultProbeFailures = 3
)

// ErrLivenessLost is returned by LivenessMonitor.Run when consecutive probes
// have failed often enough to consider the connection dead.
var ErrLivenessLost = errors.New("liveness lost")

// Pinger is the part of a session the monitor probes.
type Pinger interface {
	SendPing() error
	LastSeen() time.Time
}

// LivenessMonitor pings the peer on a fixed interval. A probe fails when the
// ping cannot be written or, with a positive staleAfter, when nothing has
// been received from the peer for longer than staleAfter.
type LivenessMonitor struct {
	pinger      Pinger
	interval    time.Duration
	maxFailures int
	staleAfter  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewLivenessMonitor creates a monitor. Non-positive interval and maxFailures
// fall back to 15s and 3.
func NewLivenessMonitor(p Pinger, interval time.Duration, maxFailures int, staleAfter time.Duration, logger *slog.Logger) *LivenessMonitor {
	if interval <= 0 {
		interval = defaultPingInterval
	}
	if maxFailures <= 0 {
		maxFailures = defaultProbeFailures
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LivenessMonitor{
		pinger:      p,
		interval:    interval,
		maxFailures: maxFailures,
		staleAfter:  staleAfter,
		logger:      logger,
		now:         time.Now,
	}
}

// Run probes until ctx is done or the failure threshold is reached. A
// successful probe resets the consecutive failure count.
func (m *LivenessMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		err := m.probe()
		if err == nil {
			failures = 0
			continue
		}
		failures++
		m.logger.Debug("liveness probe failed", "failures", failures, "error", err)
		if failures >= m.maxFailures {
			return fmt.Errorf("%w: %d consecutive probe failures, last: %v", ErrLivenessLost, failures, err)
		}
	}
}

func (m *LivenessMonitor) probe() error {
	if err := m.pinger.SendPing(); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	if m.staleAfter <= 0 {
		return nil
	}
	idle := m.now().Sub(m.pinger.LastSeen())
	if idle > m.staleAfter {
		return fmt.Errorf("nothing received for %s", idle.Round(time.Millisecond))
	}
	return nil
}
