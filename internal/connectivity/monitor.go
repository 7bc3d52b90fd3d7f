// Package connectivity tracks whether the remote server is reachable.
//
// The monitor is a three-state machine driven by a single goroutine:
//
//	Disconnected --link up--> Connecting --debounce elapsed--> Ready
//	Connecting --link down--> Disconnected   (flap absorbed, nobody notified)
//	Ready --link down--> Disconnected        (offline subscribers notified)
//
// Only Ready counts as online.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/logging"
)

// State is a connectivity state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "disconnected"
	}
}

// Config holds monitor configuration.
type Config struct {
	Debounce      time.Duration // How long the link must stay up before going online (default: 2 seconds)
	ProbeInterval time.Duration // How often the prober is polled (default: 10 seconds)
}

// DefaultConfig returns default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		ProbeInterval: 10 * time.Second,
	}
}

type subscriber struct {
	onOnline  func()
	onOffline func()
}

// Monitor owns the process-wide connectivity state.
type Monitor struct {
	cfg    Config
	prober Prober

	signals chan bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.RWMutex
	state     State
	isRunning bool
	subs      map[int]subscriber
	nextSub   int
}

// NewMonitor creates a Monitor. prober may be nil when the platform pushes
// link changes through Signal.
func NewMonitor(cfg Config, prober Prober) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultConfig().ProbeInterval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	return &Monitor{
		cfg:     cfg,
		prober:  prober,
		signals: make(chan bool, 16),
		stopCh:  make(chan struct{}),
		subs:    make(map[int]subscriber),
	}
}

// Start runs the state machine and, if a prober is set, the probe loop.
// The first probe runs immediately so the state reflects the live network.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)

	if m.prober != nil {
		m.wg.Add(1)
		go m.probeLoop(ctx)
	}

	logging.Info("Connectivity monitor started", map[string]interface{}{
		"debounce_ms": m.cfg.Debounce.Milliseconds(),
	})
}

// Stop stops the monitor and waits for its goroutines to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

// Signal reports a raw link change. It never blocks; when the buffer is
// full the oldest pending signal is discarded so the newest state is kept.
func (m *Monitor) Signal(up bool) {
	for {
		select {
		case m.signals <- up:
			return
		default:
		}
		select {
		case stale := <-m.signals:
			logging.Debug("Connectivity signal superseded", map[string]interface{}{"up": stale})
		default:
		}
	}
}

// IsOnline reports whether the monitor is in the Ready state.
func (m *Monitor) IsOnline() bool {
	return m.State() == StateReady
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Subscribe registers callbacks for the transitions into and out of Ready.
// Either callback may be nil. Callbacks run on the monitor goroutine and
// must not block. The returned function removes the subscription.
func (m *Monitor) Subscribe(onOnline, onOffline func()) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = subscriber{onOnline: onOnline, onOffline: onOffline}
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	var (
		timer    *time.Timer
		debounce <-chan time.Time
	)
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			debounce = nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case up := <-m.signals:
			switch state := m.State(); {
			case up && state == StateDisconnected:
				if m.cfg.Debounce == 0 {
					m.transition(StateReady)
					continue
				}
				m.transition(StateConnecting)
				timer = time.NewTimer(m.cfg.Debounce)
				debounce = timer.C
			case !up && state == StateConnecting:
				stopTimer()
				m.transition(StateDisconnected)
			case !up && state == StateReady:
				m.transition(StateDisconnected)
			}
		case <-debounce:
			timer, debounce = nil, nil
			if m.State() == StateConnecting {
				m.transition(StateReady)
			}
		}
	}
}

// transition moves to next and notifies subscribers of Ready edges.
func (m *Monitor) transition(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	subs := make([]subscriber, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	logging.Debug("Connectivity state changed", map[string]interface{}{
		"from": prev.String(),
		"to":   next.String(),
	})

	switch {
	case next == StateReady && prev != StateReady:
		logging.Info("Connectivity online", nil)
		for _, s := range subs {
			if s.onOnline != nil {
				s.onOnline()
			}
		}
	case prev == StateReady && next != StateReady:
		logging.Info("Connectivity offline", nil)
		for _, s := range subs {
			if s.onOffline != nil {
				s.onOffline()
			}
		}
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeInterval)
		up := m.prober.Probe(probeCtx)
		cancel()
		m.Signal(up)

		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
		}
	}
}
