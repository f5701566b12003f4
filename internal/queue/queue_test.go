package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/connectivity"
	"github.com/MarcoPoloResearchLab/leakline/internal/database"
	"github.com/MarcoPoloResearchLab/leakline/internal/remote"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingSubmitter struct {
	mu        sync.Mutex
	calls     []string
	payloads  []string
	responses map[string][]error
	block     chan struct{}
	entered   chan struct{}
}

func newRecordingSubmitter() *recordingSubmitter {
	return &recordingSubmitter{responses: map[string][]error{}}
}

func (s *recordingSubmitter) SubmitReport(ctx context.Context, key string, payload []byte) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, key)
	s.payloads = append(s.payloads, string(payload))
	var err error
	if queued := s.responses[key]; len(queued) > 0 {
		err = queued[0]
		s.responses[key] = queued[1:]
	}
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return "", err
	}
	return "remote-" + key, nil
}

func (s *recordingSubmitter) failNext(key string, errs ...error) {
	s.mu.Lock()
	s.responses[key] = append(s.responses[key], errs...)
	s.mu.Unlock()
}

func (s *recordingSubmitter) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	return openStore(t, filepath.Join(t.TempDir(), "queue.db"))
}

func openStore(t *testing.T, path string) store.Store {
	t.Helper()
	db, err := database.OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	s, err := store.New(store.Config{Database: db})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

type harness struct {
	queue     *Queue
	store     store.Store
	submitter *recordingSubmitter
	monitor   *connectivity.Monitor
	clock     *fakeClock
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	var counter int
	var counterMu sync.Mutex
	h := &harness{
		store:     newTestStore(t),
		submitter: newRecordingSubmitter(),
		monitor:   connectivity.NewMonitor(connectivity.Config{}),
		clock:     clock,
	}
	cfg := Config{
		Store:        h.store,
		Submitter:    h.submitter,
		Connectivity: h.monitor,
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffCap:   10 * time.Minute,
		Clock:        clock.Now,
		IDs: func() (string, error) {
			counterMu.Lock()
			defer counterMu.Unlock()
			counter++
			return fmt.Sprintf("sub-%03d", counter), nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	q, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	h.queue = q
	return h
}

func (h *harness) mustEnqueue(t *testing.T, payload string) Submission {
	t.Helper()
	submission, err := h.queue.Enqueue(context.Background(), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	return submission
}

func (h *harness) mustGet(t *testing.T, id string) Submission {
	t.Helper()
	submission, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s failed: %v", id, err)
	}
	return submission
}

func TestOfflineEnqueueThenDrainDeliversInOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	for index := 0; index < 3; index++ {
		h.mustEnqueue(t, fmt.Sprintf(`{"report":%d}`, index))
	}
	items, err := h.queue.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 queued items, got %d", len(items))
	}
	for _, item := range items {
		if item.Status != StatusPending {
			t.Fatalf("expected pending item, got %s", item.Status)
		}
	}
	report, err := h.queue.DrainOnce(ctx)
	if err != nil || !report.Skipped {
		t.Fatalf("expected offline drain to be skipped, got %+v (%v)", report, err)
	}
	if len(h.submitter.recorded()) != 0 {
		t.Fatalf("expected no delivery attempts while offline")
	}

	h.monitor.Report(true)
	report, err = h.queue.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if report.Delivered != 3 {
		t.Fatalf("expected 3 deliveries, got %+v", report)
	}
	if got := fmt.Sprint(h.submitter.recorded()); got != "[sub-001 sub-002 sub-003]" {
		t.Fatalf("expected delivery in creation order, got %s", got)
	}
	count, err := h.queue.PendingCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected pending count 0, got %d (%v)", count, err)
	}
	keys, err := h.store.Keys(ctx, store.PrefixQueueItem)
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected delivered items to be removed, got %v (%v)", keys, err)
	}
}

func TestEnqueueRejectsEmptyPayload(t *testing.T) {
	h := newHarness(t, nil)
	for _, payload := range []string{"", "  ", "null"} {
		if _, err := h.queue.Enqueue(context.Background(), json.RawMessage(payload)); !errors.Is(err, ErrEmptyPayload) {
			t.Fatalf("expected ErrEmptyPayload for %q, got %v", payload, err)
		}
	}
}

func TestDrainClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)

	rejected := h.mustEnqueue(t, `{"report":"bad"}`)
	flaky := h.mustEnqueue(t, `{"report":"flaky"}`)
	fine := h.mustEnqueue(t, `{"report":"fine"}`)
	h.submitter.failNext(rejected.ID, remote.StatusError(422, "meter number is required"))
	h.submitter.failNext(flaky.ID, remote.StatusError(503, "maintenance"))

	report, err := h.queue.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if report.Delivered != 1 || report.Failed != 1 || report.Retrying != 1 {
		t.Fatalf("unexpected drain report %+v", report)
	}

	permanent := h.mustGet(t, rejected.ID)
	if permanent.Status != StatusFailedPermanent || permanent.LastError == nil {
		t.Fatalf("expected failed_permanent with error, got %+v", permanent)
	}
	retrying := h.mustGet(t, flaky.ID)
	if retrying.Status != StatusFailedRetryable || retrying.Attempts != 1 {
		t.Fatalf("expected failed_retryable after one attempt, got %+v", retrying)
	}
	if retrying.NextAttemptAt == nil || !retrying.NextAttemptAt.Equal(h.clock.Now().Add(time.Minute)) {
		t.Fatalf("expected next attempt one backoff step later, got %v", retrying.NextAttemptAt)
	}
	if _, err := h.queue.Get(ctx, fine.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected delivered item to be gone, got %v", err)
	}

	report, err = h.queue.DrainOnce(ctx)
	if err != nil || report.Attempted != 0 {
		t.Fatalf("expected items in backoff to be skipped, got %+v (%v)", report, err)
	}

	h.clock.Advance(time.Minute)
	report, err = h.queue.DrainOnce(ctx)
	if err != nil || report.Delivered != 1 {
		t.Fatalf("expected retry after backoff to deliver, got %+v (%v)", report, err)
	}
	count, err := h.queue.PendingCount(ctx)
	if err != nil || count != 0 {
		t.Fatalf("expected only the permanent failure left outside the pending count, got %d (%v)", count, err)
	}
}

func TestRetryExhaustionMarksPermanent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)

	item := h.mustEnqueue(t, `{"report":"always-busy"}`)
	busy := remote.StatusError(500, "boom")
	h.submitter.failNext(item.ID, busy, busy, busy)

	backoffs := []time.Duration{time.Minute, 2 * time.Minute}
	for attempt := 0; attempt < 3; attempt++ {
		if _, err := h.queue.DrainOnce(ctx); err != nil {
			t.Fatalf("drain failed: %v", err)
		}
		if attempt < len(backoffs) {
			h.clock.Advance(backoffs[attempt])
		}
	}

	final := h.mustGet(t, item.ID)
	if final.Status != StatusFailedPermanent || !final.Exhausted || final.Attempts != 3 {
		t.Fatalf("expected exhausted permanent failure, got %+v", final)
	}
	if len(h.submitter.recorded()) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %v", h.submitter.recorded())
	}
}

func TestUnreachableStopsDrainAndReportsOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)

	first := h.mustEnqueue(t, `{"report":1}`)
	h.mustEnqueue(t, `{"report":2}`)
	h.submitter.failNext(first.ID, remote.UnreachableError(errors.New("connection refused")))

	report, err := h.queue.DrainOnce(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if !report.Stopped || report.Attempted != 1 {
		t.Fatalf("expected drain to stop after unreachable remote, got %+v", report)
	}
	if h.monitor.IsOnline() {
		t.Fatalf("expected connectivity to be reported offline")
	}
	count, err := h.queue.PendingCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("expected both items still pending, got %d (%v)", count, err)
	}
}

func TestOverlappingDrainIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)
	h.mustEnqueue(t, `{"report":1}`)

	h.submitter.block = make(chan struct{})
	h.submitter.entered = make(chan struct{}, 1)

	done := make(chan DrainReport, 1)
	go func() {
		report, _ := h.queue.DrainOnce(ctx)
		done <- report
	}()
	<-h.submitter.entered

	report, err := h.queue.DrainOnce(ctx)
	if err != nil || !report.Skipped {
		t.Fatalf("expected overlapping drain to be skipped, got %+v (%v)", report, err)
	}
	close(h.submitter.block)
	if first := <-done; first.Delivered != 1 {
		t.Fatalf("expected first drain to deliver, got %+v", first)
	}
	if calls := h.submitter.recorded(); len(calls) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", calls)
	}
}

func TestRecoverWaitsForRunningDrain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)
	h.mustEnqueue(t, `{"report":1}`)

	h.submitter.block = make(chan struct{})
	h.submitter.entered = make(chan struct{}, 1)

	drained := make(chan DrainReport, 1)
	go func() {
		report, _ := h.queue.DrainOnce(ctx)
		drained <- report
	}()
	<-h.submitter.entered

	type recoverResult struct {
		report RecoveryReport
		err    error
	}
	recovered := make(chan recoverResult, 1)
	go func() {
		report, err := h.queue.Recover(ctx)
		recovered <- recoverResult{report: report, err: err}
	}()

	select {
	case result := <-recovered:
		t.Fatalf("expected recovery to wait for the running drain, got %+v", result)
	case <-time.After(50 * time.Millisecond):
	}

	close(h.submitter.block)
	if first := <-drained; first.Delivered != 1 {
		t.Fatalf("expected drain to deliver, got %+v", first)
	}
	result := <-recovered
	if result.err != nil {
		t.Fatalf("recover failed: %v", result.err)
	}
	if result.report.Reset != 0 {
		t.Fatalf("expected no item reset after delivery, got %+v", result.report)
	}
	if calls := h.submitter.recorded(); len(calls) != 1 {
		t.Fatalf("expected exactly one delivery, got %v", calls)
	}
	items, err := h.queue.List(ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty queue, got %+v (%v)", items, err)
	}
}

func TestRestartMidDrainRecoversAndDeliversOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "restart.db")
	crashed := openStore(t, path)
	inFlight := Submission{
		ID:        "sub-crashed",
		Payload:   json.RawMessage(`{"report":"unconfirmed"}`),
		CreatedAt: time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC),
		Status:    StatusInFlight,
		Attempts:  0,
	}
	confirmed := Submission{
		ID:        "sub-confirmed",
		Payload:   json.RawMessage(`{"report":"done"}`),
		CreatedAt: time.Date(2026, 3, 1, 7, 1, 0, 0, time.UTC),
		Status:    StatusDelivered,
	}
	for _, item := range []Submission{inFlight, confirmed} {
		if err := store.SetJSON(ctx, crashed, store.QueueItemKey(item.ID), item); err != nil {
			t.Fatalf("failed to seed item: %v", err)
		}
	}

	h := newHarness(t, func(cfg *Config) { cfg.Store = openStore(t, path) })
	recovery, err := h.queue.Recover(ctx)
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if recovery.Reset != 1 || recovery.Removed != 1 {
		t.Fatalf("unexpected recovery report %+v", recovery)
	}
	if item := h.mustGet(t, inFlight.ID); item.Status != StatusPending {
		t.Fatalf("expected in-flight item to revert to pending, got %s", item.Status)
	}

	h.monitor.Report(true)
	if _, err := h.queue.DrainOnce(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if calls := h.submitter.recorded(); fmt.Sprint(calls) != "[sub-crashed]" {
		t.Fatalf("expected exactly one delivery of the recovered item, got %v", calls)
	}
	items, err := h.queue.List(ctx)
	if err != nil || len(items) != 0 {
		t.Fatalf("expected empty queue, got %+v (%v)", items, err)
	}
}

func TestRetryResetsPermanentFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.monitor.Report(true)

	item := h.mustEnqueue(t, `{"report":"missing meter"}`)
	h.submitter.failNext(item.ID, remote.StatusError(400, "meter required"))
	if _, err := h.queue.DrainOnce(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}

	if _, err := h.queue.Retry(ctx, "sub-unknown", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	updated, err := h.queue.Retry(ctx, item.ID, json.RawMessage(`{"report":"fixed","meter":"M-1"}`))
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if updated.Status != StatusPending || updated.Attempts != 0 {
		t.Fatalf("expected fresh pending item, got %+v", updated)
	}
	if _, err := h.queue.Retry(ctx, item.ID, nil); !errors.Is(err, ErrAlreadyPending) {
		t.Fatalf("expected ErrAlreadyPending, got %v", err)
	}

	if _, err := h.queue.DrainOnce(ctx); err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	h.submitter.mu.Lock()
	last := h.submitter.payloads[len(h.submitter.payloads)-1]
	h.submitter.mu.Unlock()
	if last != `{"report":"fixed","meter":"M-1"}` {
		t.Fatalf("expected edited payload to be delivered, got %s", last)
	}
}

func TestDiscardRemovesItem(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	item := h.mustEnqueue(t, `{"report":1}`)

	if err := h.queue.Discard(ctx, item.ID); err != nil {
		t.Fatalf("discard failed: %v", err)
	}
	if err := h.queue.Discard(ctx, item.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second discard, got %v", err)
	}
}

func TestRunDrainsOnEnqueueAndReconnect(t *testing.T) {
	changes := make(chan struct{}, 64)
	h := newHarness(t, func(cfg *Config) {
		cfg.DrainInterval = time.Hour
		cfg.OnChange = func() {
			select {
			case changes <- struct{}{}:
			default:
			}
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.queue.Run(ctx) }()

	h.mustEnqueue(t, `{"report":"offline"}`)
	h.monitor.Report(true)
	waitForCount(t, h.queue, 0)

	h.mustEnqueue(t, `{"report":"online"}`)
	waitForCount(t, h.queue, 0)
	if calls := h.submitter.recorded(); len(calls) != 2 {
		t.Fatalf("expected both reports delivered, got %v", calls)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func waitForCount(t *testing.T, q *Queue, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		count, err := q.PendingCount(context.Background())
		if err == nil && count == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending count did not reach %d", want)
}
