package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type stubProbe struct {
	mu  sync.Mutex
	err error
}

func (p *stubProbe) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *stubProbe) set(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

type stubCounter struct{ count int }

func (c stubCounter) PendingCount(ctx context.Context) (int, error) {
	return c.count, nil
}

func TestMonitorStartsOffline(t *testing.T) {
	monitor := NewMonitor(Config{Probe: &stubProbe{}})
	if monitor.IsOnline() {
		t.Fatalf("expected monitor to start offline")
	}
}

func TestMissingProbeFailsSafeToOffline(t *testing.T) {
	monitor := NewMonitor(Config{})
	monitor.Report(true)
	if monitor.Check(context.Background()) {
		t.Fatalf("expected check without probe to report offline")
	}
	if monitor.IsOnline() {
		t.Fatalf("expected offline when no reachability signal exists")
	}
}

func TestCheckFollowsProbe(t *testing.T) {
	probe := &stubProbe{}
	monitor := NewMonitor(Config{Probe: probe})

	if !monitor.Check(context.Background()) || !monitor.IsOnline() {
		t.Fatalf("expected online after successful probe")
	}
	probe.set(errors.New("dial tcp: no route to host"))
	if monitor.Check(context.Background()) || monitor.IsOnline() {
		t.Fatalf("expected offline after failing probe")
	}
}

func TestSubscribersReceiveEveryTransition(t *testing.T) {
	monitor := NewMonitor(Config{Clock: func() time.Time { return time.Unix(1700000000, 0) }})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := monitor.Subscribe(ctx)
	defer cleanup()

	monitor.Report(true)
	monitor.Report(true)
	monitor.Report(false)

	want := []bool{true, false}
	for _, expected := range want {
		select {
		case event := <-stream:
			if event.Online != expected {
				t.Fatalf("expected online=%v, got %v", expected, event.Online)
			}
			if event.At.Unix() != 1700000000 {
				t.Fatalf("unexpected event time %v", event.At)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("expected transition event within deadline")
		}
	}

	select {
	case event := <-stream:
		t.Fatalf("did not expect event for repeated state, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCleanupStopsDelivery(t *testing.T) {
	monitor := NewMonitor(Config{})
	stream, cleanup := monitor.Subscribe(context.Background())
	cleanup()
	cleanup()

	monitor.Report(true)
	select {
	case event := <-stream:
		t.Fatalf("did not expect event after cleanup, got %+v", event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunProbesUntilCancelled(t *testing.T) {
	probe := &stubProbe{}
	monitor := NewMonitor(Config{Probe: probe, Interval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- monitor.Run(ctx) }()

	deadline := time.After(time.Second)
	for !monitor.IsOnline() {
		select {
		case <-deadline:
			t.Fatalf("expected monitor to turn online")
		case <-time.After(5 * time.Millisecond):
		}
	}
	probe.set(errors.New("offline"))
	for monitor.IsOnline() {
		select {
		case <-deadline:
			t.Fatalf("expected monitor to turn offline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestPendingCountDelegatesToCounter(t *testing.T) {
	monitor := NewMonitor(Config{})
	if _, err := monitor.PendingCount(context.Background()); err == nil {
		t.Fatalf("expected error without counter")
	}
	monitor.SetPendingCounter(stubCounter{count: 3})
	count, err := monitor.PendingCount(context.Background())
	if err != nil || count != 3 {
		t.Fatalf("expected 3 pending, got %d (%v)", count, err)
	}
}
