package flow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is used when the monitor is created with a non-positive interval.
const DefaultSweepInterval = 30 * time.Second

// TimeoutMonitor periodically moves overdue sessions to timed-out and evicts finished
// sessions from memory once their retention has passed.
type TimeoutMonitor struct {
	engine    *Engine
	interval  time.Duration
	retention time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// MonitorOption configures a TimeoutMonitor.
type MonitorOption func(*TimeoutMonitor)

// WithRetention evicts terminal sessions from memory once they have been terminal
// for longer than d. Zero keeps them forever.
func WithRetention(d time.Duration) MonitorOption {
	return func(m *TimeoutMonitor) { m.retention = d }
}

// NewTimeoutMonitor creates a monitor for engine's sessions.
func NewTimeoutMonitor(engine *Engine, interval time.Duration, opts ...MonitorOption) *TimeoutMonitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	m := &TimeoutMonitor{engine: engine, interval: interval}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
	slog.Info("TimeoutMonitor.Start: sweeping", "interval", m.interval, "retention", m.retention)
}

// Stop ends the sweep loop and waits for an in-progress sweep to finish.
func (m *TimeoutMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("TimeoutMonitor.Stop: stopped")
}

func (m *TimeoutMonitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep checks every session in memory once and returns how many were moved.
func (m *TimeoutMonitor) Sweep(ctx context.Context) int {
	start := time.Now()
	moved := 0
	for _, id := range m.engine.registry.IDs() {
		if ctx.Err() != nil {
			break
		}
		_, ok, err := m.engine.CheckTimeout(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				slog.Error("TimeoutMonitor.Sweep: timeout check failed", "sessionID", id, "error", err)
			}
			continue
		}
		if ok {
			moved++
		}
		m.evictIfExpired(ctx, id)
	}
	m.engine.metrics.SweepDone(time.Since(start))
	if moved > 0 {
		slog.Info("TimeoutMonitor.Sweep: sessions moved", "count", moved)
	}
	return moved
}

func (m *TimeoutMonitor) evictIfExpired(ctx context.Context, id string) {
	if m.retention <= 0 {
		return
	}
	sess, err := m.engine.registry.Get(ctx, id)
	if err != nil || !sess.Terminal {
		return
	}
	if m.engine.now().Sub(sess.LastTransitionAt) >= m.retention {
		m.engine.registry.Evict(id)
	}
}
