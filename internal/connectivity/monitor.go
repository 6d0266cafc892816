// Package connectivity tracks whether the remote backend is reachable.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldops/fieldsync/internal/types"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
)

// Prober performs a lightweight reachability check against the backend.
type Prober interface {
	Ping(ctx context.Context) error
}

// Listener receives state transitions in the order they happen.
type Listener func(types.Transition)

// Config tunes the probe loop.
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// Monitor combines platform network notifications with periodic probes and
// emits exactly one transition per state change.
type Monitor struct {
	prober   Prober
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration

	// emitMu serializes state changes with their notifications so listeners
	// observe transitions in order.
	emitMu sync.Mutex

	mu        sync.RWMutex
	state     types.ConnectivityState
	since     time.Time
	next      uint64
	listeners map[uint64]Listener
}

// NewMonitor creates a monitor in the unknown state. A nil prober reports offline.
func NewMonitor(prober Prober, clock clockwork.Clock, cfg Config) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	return &Monitor{
		prober:    prober,
		clock:     clock,
		interval:  cfg.ProbeInterval,
		timeout:   cfg.ProbeTimeout,
		state:     types.StateUnknown,
		since:     clock.Now(),
		listeners: make(map[uint64]Listener),
	}
}

// Status returns the current connectivity state.
func (m *Monitor) Status() types.ConnectivityState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Monitor) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Subscribe registers l for future transitions and returns a function removing it.
// Listeners run synchronously and must not call back into the monitor's setters.
func (m *Monitor) Subscribe(l Listener) (unsubscribe func()) {
	m.mu.Lock()
	m.next++
	id := m.next
	m.listeners[id] = l
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Probe checks reachability now and updates the state accordingly.
func (m *Monitor) Probe(ctx context.Context) types.ConnectivityState {
	state := types.StateOffline
	if m.prober != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := m.prober.Ping(probeCtx)
		cancel()
		if err == nil {
			state = types.StateOnline
		} else {
			slog.Debug("reachability probe failed",
				"component", "connectivity",
				"error", err,
			)
		}
	}
	if ctx.Err() != nil {
		// Shutting down; an aborted probe says nothing about the network.
		return m.Status()
	}
	m.set(state)
	return state
}

// NotifyNetworkChange feeds a platform network notification. Loss of network is
// trusted immediately; a reported link is verified with a probe first, since
// captive portals and DNS-only networks also report "up".
func (m *Monitor) NotifyNetworkChange(ctx context.Context, up bool) types.ConnectivityState {
	if !up {
		m.set(types.StateOffline)
		return types.StateOffline
	}
	return m.Probe(ctx)
}

// Run probes immediately and then on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "connectivity",
		"interval", m.interval.String(),
	)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.Chan():
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) set(state types.ConnectivityState) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	tr := types.Transition{From: m.state, To: state, At: m.clock.Now().UTC()}
	m.state = state
	m.since = tr.At
	listeners := make([]Listener, 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "connectivity",
		"from", string(tr.From),
		"to", string(tr.To),
	)

	for _, l := range listeners {
		l(tr)
	}
}
