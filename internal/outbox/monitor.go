package outbox

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
)

const defaultCheckInterval = 10 * time.Second

// Reachability is the gate surface the monitor depends on.
type Reachability interface {
	Reachable(ctx context.Context) bool
}

// Monitor re-evaluates the connectivity gate on a recurring timer and keeps
// the latest answer for UI indicators. The tick only updates state; draining
// is user-initiated through SyncKind/SyncAll.
type Monitor struct {
	gate     Reachability
	drainer  *Drainer
	interval time.Duration
	jitter   float64
	logger   Logger

	online   atomic.Bool
	onChange func(online bool)

	mu          sync.Mutex
	lastChecked time.Time
}

type MonitorOptions struct {
	Interval time.Duration
	// Jitter spreads ticks by up to ±Jitter*Interval so a fleet of devices
	// does not probe in lockstep. Clamped to [0, 1].
	Jitter   float64
	OnChange func(online bool)
	Logger   Logger
}

func NewMonitor(gate Reachability, drainer *Drainer, opts MonitorOptions) (*Monitor, error) {
	if gate == nil || drainer == nil {
		return nil, ErrInvalidInput
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Monitor{
		gate:     gate,
		drainer:  drainer,
		interval: interval,
		jitter:   clampJitterRatio(opts.Jitter),
		onChange: opts.OnChange,
		logger:   opts.Logger,
	}, nil
}

// Run blocks until ctx is done, refreshing the connectivity indicator once
// immediately and then on every tick.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(m.interval, m.jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(jitteredInterval(m.interval, m.jitter, rng.Float64()))
		}
	}
}

// Check runs the gate once and records the answer.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.gate.Reachable(ctx)
	previous := m.online.Swap(online)
	m.mu.Lock()
	m.lastChecked = time.Now().UTC()
	m.mu.Unlock()
	if previous != online && m.onChange != nil {
		m.onChange(online)
	}
	return online
}

// Online reports the last gate answer without probing.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

func (m *Monitor) LastChecked() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastChecked
}

// SyncKind is the manual sync entry point for one category. It refuses while
// offline and while a drain for that kind is in flight; on completion the
// caller-supplied refresh runs so the UI can re-render counts.
func (m *Monitor) SyncKind(ctx context.Context, kind Kind, refresh func()) (Result, error) {
	if !m.Check(ctx) {
		return Result{}, ErrOffline
	}
	result, err := m.drainer.Drain(ctx, kind)
	if err != nil {
		return Result{}, err
	}
	if refresh != nil {
		refresh()
	}
	return result, nil
}

// SyncAll drains every category once, skipping any kind already in flight.
func (m *Monitor) SyncAll(ctx context.Context, refresh func()) ([]Result, error) {
	if !m.Check(ctx) {
		return nil, ErrOffline
	}
	results, err := m.drainer.DrainAll(ctx)
	if err != nil {
		return nil, err
	}
	if refresh != nil {
		refresh()
	}
	return results, nil
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
