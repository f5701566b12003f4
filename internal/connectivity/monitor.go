// Package connectivity tracks whether the remote API is reachable and fans
// every online/offline transition out to subscribers.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"go.uber.org/zap"
)

const (
	defaultInterval  = 15 * time.Second
	defaultTimeout   = 5 * time.Second
	subscriberBuffer = 16
)

var errNilPendingCounter = errors.New("connectivity: pending counter not configured")

// Probe checks reachability once. A nil Probe means no signal is available.
type Probe interface {
	Ping(ctx context.Context) error
}

// PendingCounter reports how many submissions still wait for delivery.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Event is one reachability transition.
type Event struct {
	Online bool
	At     time.Time
}

// Config configures a Monitor.
type Config struct {
	Probe    Probe
	Interval time.Duration
	Timeout  time.Duration
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Monitor holds the current reachability state. It starts offline and only
// turns online after a positive signal.
type Monitor struct {
	probe    Probe
	interval time.Duration
	timeout  time.Duration
	clock    func() time.Time
	logger   *zap.Logger

	mu          sync.RWMutex
	online      bool
	pending     PendingCounter
	subscribers map[int64]chan Event
	nextID      int64
}

// NewMonitor constructs a Monitor.
func NewMonitor(cfg Config) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Monitor{
		probe:       cfg.Probe,
		interval:    interval,
		timeout:     timeout,
		clock:       clock,
		logger:      logging.OrNop(cfg.Logger),
		subscribers: make(map[int64]chan Event),
	}
}

// IsOnline reports the last known reachability.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Report records an externally observed reachability signal.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	event := Event{Online: online, At: m.clock().UTC()}
	targets := make([]chan Event, 0, len(m.subscribers))
	for _, stream := range m.subscribers {
		targets = append(targets, stream)
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, stream := range targets {
		select {
		case stream <- event:
		default:
		}
	}
}

// Check runs the probe once and records the outcome. Without a probe the
// monitor reports offline.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		m.Report(false)
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe.Ping(probeCtx)
	if err != nil {
		m.logger.Debug("reachability probe failed", zap.Error(err))
	}
	m.Report(err == nil)
	return err == nil
}

// Run probes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Subscribe registers for transitions until ctx is done or cleanup is called.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan Event, func()) {
	stream := make(chan Event, subscriberBuffer)
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = stream
	m.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subscribers, id)
			m.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// SetPendingCounter wires the source of PendingCount.
func (m *Monitor) SetPendingCounter(counter PendingCounter) {
	m.mu.Lock()
	m.pending = counter
	m.mu.Unlock()
}

// PendingCount proxies the queue's count of undelivered submissions.
func (m *Monitor) PendingCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	counter := m.pending
	m.mu.RUnlock()
	if counter == nil {
		return 0, errNilPendingCounter
	}
	return counter.PendingCount(ctx)
}
