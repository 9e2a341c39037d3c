package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/castbridge/castbridge/internal/relay"
)

// Monitor tears down streams whose producer has gone silent. A stream
// counts as silent when nothing has pushed a frame, metadata update, or
// heartbeat past the timeout.
type Monitor struct {
	relay    *relay.Relay
	control  Controller
	events   EventSource
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

func NewMonitor(rl *relay.Relay, control Controller, ev EventSource, timeout time.Duration, logger *zap.Logger) *Monitor {
	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Monitor{
		relay:    rl,
		control:  control,
		events:   ev,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	for _, id := range m.relay.StreamIDs() {
		stream, ok := m.relay.Get(id)
		if !ok {
			continue
		}
		idle := now.Sub(stream.LastActivity())
		if idle < m.timeout {
			continue
		}

		m.logger.Info("tearing down silent stream",
			zap.String("stream", id),
			zap.Duration("idle", idle),
		)

		if ip := stream.DeviceIP(); ip != "" {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := m.control.Stop(stopCtx, ip); err != nil {
				m.logger.Warn("stop on teardown failed",
					zap.String("device", ip),
					zap.Error(err),
				)
			}
			m.events.UnsubscribeAll(stopCtx, ip)
			cancel()
		}

		m.relay.Remove(id)
	}
}
