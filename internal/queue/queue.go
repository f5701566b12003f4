package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/connectivity"
	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/remote"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	opNew     = "queue.new"
	opEnqueue = "queue.enqueue"
	opDrain   = "queue.drain"
	opRecover = "queue.recover"
	opList    = "queue.list"
	opGet     = "queue.get"
	opRetry   = "queue.retry"
	opDiscard = "queue.discard"
	opPending = "queue.pending_count"
)

const (
	defaultMaxAttempts   = 5
	defaultBackoffBase   = 15 * time.Second
	defaultBackoffCap    = 5 * time.Minute
	defaultDrainInterval = 3 * time.Minute
)

var (
	// ErrEmptyPayload indicates an enqueue without report content.
	ErrEmptyPayload = errors.New("queue: payload is empty")
	// ErrNotFound indicates an unknown submission id.
	ErrNotFound = errors.New("queue: submission not found")
	// ErrInFlight indicates a submission currently being delivered.
	ErrInFlight = errors.New("queue: submission is in flight")
	// ErrAlreadyPending indicates a retry request for an item awaiting delivery.
	ErrAlreadyPending = errors.New("queue: submission is already pending")

	errMissingStore        = errors.New("store is required")
	errMissingSubmitter    = errors.New("submitter is required")
	errMissingConnectivity = errors.New("connectivity is required")
)

// Submitter delivers one report to the remote API.
type Submitter interface {
	SubmitReport(ctx context.Context, idempotencyKey string, payload []byte) (string, error)
}

// Connectivity is the reachability view consumed by the queue.
type Connectivity interface {
	IsOnline() bool
	Report(online bool)
	Subscribe(ctx context.Context) (<-chan connectivity.Event, func())
}

// Config describes the dependencies of a Queue.
type Config struct {
	Store         store.Store
	Submitter     Submitter
	Connectivity  Connectivity
	MaxAttempts   int
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	DrainInterval time.Duration
	Clock         func() time.Time
	IDs           func() (string, error)
	Logger        *zap.Logger
	OnChange      func()
}

// DrainReport summarizes one drain pass.
type DrainReport struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Delivered int  `json:"delivered"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
	Stopped   bool `json:"stopped"`
}

// RecoveryReport summarizes the start-up sweep.
type RecoveryReport struct {
	Reset   int `json:"reset"`
	Removed int `json:"removed"`
}

// Queue persists submissions before acknowledging them and delivers them in
// creation order. Only one drain runs at a time.
type Queue struct {
	store         store.Store
	submitter     Submitter
	connectivity  Connectivity
	maxAttempts   int
	backoffBase   time.Duration
	backoffCap    time.Duration
	drainInterval time.Duration
	clock         func() time.Time
	ids           func() (string, error)
	logger        *zap.Logger
	onChange      func()

	drainMu sync.Mutex
	itemMu  sync.Mutex
	kick    chan struct{}
}

// New constructs a Queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNew, "missing_store", errMissingStore)
	}
	if cfg.Submitter == nil {
		return nil, errs.New(opNew, "missing_submitter", errMissingSubmitter)
	}
	if cfg.Connectivity == nil {
		return nil, errs.New(opNew, "missing_connectivity", errMissingConnectivity)
	}
	q := &Queue{
		store:         cfg.Store,
		submitter:     cfg.Submitter,
		connectivity:  cfg.Connectivity,
		maxAttempts:   cfg.MaxAttempts,
		backoffBase:   cfg.BackoffBase,
		backoffCap:    cfg.BackoffCap,
		drainInterval: cfg.DrainInterval,
		clock:         cfg.Clock,
		ids:           cfg.IDs,
		logger:        logging.OrNop(cfg.Logger),
		onChange:      cfg.OnChange,
		kick:          make(chan struct{}, 1),
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = defaultMaxAttempts
	}
	if q.backoffBase <= 0 {
		q.backoffBase = defaultBackoffBase
	}
	if q.backoffCap <= 0 {
		q.backoffCap = defaultBackoffCap
	}
	if q.drainInterval <= 0 {
		q.drainInterval = defaultDrainInterval
	}
	if q.clock == nil {
		q.clock = time.Now
	}
	if q.ids == nil {
		q.ids = newSubmissionID
	}
	if q.onChange == nil {
		q.onChange = func() {}
	}
	return q, nil
}

func newSubmissionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Enqueue durably stores a new pending submission and, when online, wakes
// the drain loop. It never depends on the network.
func (q *Queue) Enqueue(ctx context.Context, payload json.RawMessage) (Submission, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Submission{}, errs.New(opEnqueue, "empty_payload", ErrEmptyPayload)
	}
	if !json.Valid(trimmed) {
		return Submission{}, errs.New(opEnqueue, "invalid_payload", fmt.Errorf("%w: not valid JSON", ErrEmptyPayload))
	}
	id, err := q.ids()
	if err != nil {
		q.logError(opEnqueue, "id_generation_failed", err)
		return Submission{}, errs.New(opEnqueue, "id_generation_failed", err)
	}
	now := q.now()
	submission := Submission{
		ID:        id,
		Payload:   append(json.RawMessage(nil), trimmed...),
		CreatedAt: now,
		UpdatedAt: now,
		Status:    StatusPending,
	}
	if err := q.write(ctx, submission); err != nil {
		q.logError(opEnqueue, "persist_failed", err, zap.String("submission_id", id))
		return Submission{}, errs.New(opEnqueue, "persist_failed", err)
	}
	q.logger.Info("submission enqueued", zap.String("submission_id", id), zap.Bool("online", q.connectivity.IsOnline()))
	q.onChange()
	if q.connectivity.IsOnline() {
		q.Kick()
	}
	return submission, nil
}

// Kick asks the drain loop for a pass without blocking.
func (q *Queue) Kick() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// DrainOnce attempts delivery of every eligible submission, oldest first.
// It is a no-op while offline or while another drain is running.
func (q *Queue) DrainOnce(ctx context.Context) (DrainReport, error) {
	if !q.connectivity.IsOnline() {
		return DrainReport{Skipped: true}, nil
	}
	if !q.drainMu.TryLock() {
		return DrainReport{Skipped: true}, nil
	}
	defer q.drainMu.Unlock()

	items, err := q.List(ctx)
	if err != nil {
		return DrainReport{}, err
	}

	report := DrainReport{}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !item.eligible(q.now()) {
			continue
		}
		if !q.connectivity.IsOnline() {
			report.Stopped = true
			break
		}
		outcome, err := q.deliver(ctx, item.ID)
		if err != nil {
			return report, err
		}
		if outcome == "" {
			continue
		}
		report.Attempted++
		switch outcome {
		case StatusDelivered:
			report.Delivered++
		case StatusFailedRetryable:
			report.Retrying++
		case StatusFailedPermanent:
			report.Failed++
		case stopStatus:
			report.Retrying++
			report.Stopped = true
		}
		if report.Stopped {
			break
		}
	}
	if report.Attempted > 0 {
		q.logger.Info("queue drained",
			zap.Int("attempted", report.Attempted),
			zap.Int("delivered", report.Delivered),
			zap.Int("retrying", report.Retrying),
			zap.Int("failed", report.Failed))
	}
	return report, nil
}

// stopStatus marks a retryable failure where the remote was unreachable.
const stopStatus Status = "unreachable"

func (q *Queue) deliver(ctx context.Context, id string) (Status, error) {
	claimed, err := q.mutate(ctx, id, func(item *Submission) error {
		if !item.eligible(q.now()) {
			return errNotEligible
		}
		item.Status = StatusInFlight
		item.UpdatedAt = q.now()
		return nil
	})
	if errors.Is(err, errNotEligible) || errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		q.logError(opDrain, "claim_failed", err, zap.String("submission_id", id))
		return "", errs.New(opDrain, "claim_failed", err)
	}
	q.onChange()

	remoteID, submitErr := q.submitter.SubmitReport(ctx, claimed.ID, claimed.Payload)
	if submitErr == nil {
		return StatusDelivered, q.markDelivered(ctx, claimed.ID, remoteID)
	}
	if ctx.Err() != nil {
		if err := q.revert(claimed.ID); err != nil {
			return "", err
		}
		return "", ctx.Err()
	}

	var outcome Status
	updated, err := q.mutate(ctx, claimed.ID, func(item *Submission) error {
		now := q.now()
		item.NextAttemptAt = nil
		switch {
		case remote.IsPermanent(submitErr):
			item.Attempts++
			item.fail(StatusFailedPermanent, submitErr.Error(), now)
		default:
			item.Attempts++
			if item.Attempts >= q.maxAttempts {
				item.Exhausted = true
				item.fail(StatusFailedPermanent, submitErr.Error(), now)
				break
			}
			item.fail(StatusFailedRetryable, submitErr.Error(), now)
			next := now.Add(q.backoffFor(item.Attempts))
			item.NextAttemptAt = &next
		}
		outcome = item.Status
		return nil
	})
	if err != nil {
		q.logError(opDrain, "status_write_failed", err, zap.String("submission_id", claimed.ID))
		return "", errs.New(opDrain, "status_write_failed", err)
	}
	q.onChange()
	q.logger.Warn("submission delivery failed",
		zap.String("submission_id", updated.ID),
		zap.String("status", string(updated.Status)),
		zap.Int("attempts", updated.Attempts),
		zap.Bool("exhausted", updated.Exhausted),
		zap.Error(submitErr))

	if errors.Is(submitErr, remote.ErrUnreachable) {
		q.connectivity.Report(false)
		if outcome == StatusFailedRetryable {
			return stopStatus, nil
		}
	}
	return outcome, nil
}

var errNotEligible = errors.New("submission not eligible")

// markDelivered records confirmation and only then removes the item.
func (q *Queue) markDelivered(ctx context.Context, id, remoteID string) error {
	_, err := q.mutate(ctx, id, func(item *Submission) error {
		item.Status = StatusDelivered
		item.RemoteID = remoteID
		item.LastError = nil
		item.NextAttemptAt = nil
		item.Attempts++
		item.UpdatedAt = q.now()
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		q.logError(opDrain, "delivered_write_failed", err, zap.String("submission_id", id))
		return errs.New(opDrain, "delivered_write_failed", err)
	}
	if err := q.store.Delete(ctx, store.QueueItemKey(id)); err != nil {
		q.logError(opDrain, "delete_failed", err, zap.String("submission_id", id))
		return errs.New(opDrain, "delete_failed", err)
	}
	q.logger.Info("submission delivered", zap.String("submission_id", id), zap.String("remote_id", remoteID))
	q.onChange()
	return nil
}

// revert returns an interrupted in-flight item to pending.
func (q *Queue) revert(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.mutate(ctx, id, func(item *Submission) error {
		if item.Status == StatusInFlight {
			item.Status = StatusPending
			item.UpdatedAt = q.now()
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		q.logError(opDrain, "revert_failed", err, zap.String("submission_id", id))
		return errs.New(opDrain, "revert_failed", err)
	}
	return nil
}

// Recover resets unconfirmed in-flight items to pending and removes items
// whose delivery was confirmed but not yet cleaned up. It waits for a running
// drain to finish so the item that drain is delivering is never reset.
func (q *Queue) Recover(ctx context.Context) (RecoveryReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	items, err := q.List(ctx)
	if err != nil {
		return RecoveryReport{}, err
	}
	report := RecoveryReport{}
	for _, item := range items {
		switch item.Status {
		case StatusInFlight:
			if _, err := q.mutate(ctx, item.ID, func(current *Submission) error {
				current.Status = StatusPending
				current.UpdatedAt = q.now()
				return nil
			}); err != nil {
				q.logError(opRecover, "reset_failed", err, zap.String("submission_id", item.ID))
				return report, errs.New(opRecover, "reset_failed", err)
			}
			report.Reset++
		case StatusDelivered:
			if err := q.store.Delete(ctx, store.QueueItemKey(item.ID)); err != nil {
				q.logError(opRecover, "delete_failed", err, zap.String("submission_id", item.ID))
				return report, errs.New(opRecover, "delete_failed", err)
			}
			report.Removed++
		}
	}
	if report.Reset > 0 || report.Removed > 0 {
		q.logger.Info("queue recovered", zap.Int("reset", report.Reset), zap.Int("removed", report.Removed))
		q.onChange()
	}
	return report, nil
}

// Run recovers the queue and then drains it on enqueue, on every
// offline-to-online transition and on a periodic timer until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	if _, err := q.Recover(ctx); err != nil {
		return err
	}
	events, cleanup := q.connectivity.Subscribe(ctx)
	defer cleanup()

	ticker := time.NewTicker(q.drainInterval)
	defer ticker.Stop()

	q.drainLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			if event.Online {
				q.drainLogged(ctx)
			}
		case <-q.kick:
			q.drainLogged(ctx)
		case <-ticker.C:
			q.drainLogged(ctx)
		}
	}
}

func (q *Queue) drainLogged(ctx context.Context) {
	if _, err := q.DrainOnce(ctx); err != nil && ctx.Err() == nil {
		q.logError(opDrain, "drain_failed", err)
	}
}

// List returns every stored submission in creation order.
func (q *Queue) List(ctx context.Context) ([]Submission, error) {
	keys, err := q.store.Keys(ctx, store.PrefixQueueItem)
	if err != nil {
		q.logError(opList, "keys_failed", err)
		return nil, errs.New(opList, "keys_failed", err)
	}
	items := make([]Submission, 0, len(keys))
	for _, key := range keys {
		var item Submission
		err := store.GetJSON(ctx, q.store, key, &item)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			q.logError(opList, "read_failed", err, zap.String("key", key))
			return nil, errs.New(opList, "read_failed", err)
		}
		if item.ID == "" {
			item.ID = strings.TrimPrefix(key, store.PrefixQueueItem)
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return createdBefore(items[i], items[j])
	})
	return items, nil
}

// Get returns one submission.
func (q *Queue) Get(ctx context.Context, id string) (Submission, error) {
	item, err := q.read(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Submission{}, errs.New(opGet, "not_found", err)
		}
		return Submission{}, errs.New(opGet, "read_failed", err)
	}
	return item, nil
}

// PendingCount counts submissions still awaiting automatic delivery.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	items, err := q.List(ctx)
	if err != nil {
		return 0, errs.New(opPending, "list_failed", err)
	}
	count := 0
	for _, item := range items {
		if item.Waiting() {
			count++
		}
	}
	return count, nil
}

// Retry returns a failed submission to pending with a fresh attempt budget.
// A non-empty payload replaces the stored one, for edit-and-resubmit.
func (q *Queue) Retry(ctx context.Context, id string, payload json.RawMessage) (Submission, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && !json.Valid(trimmed) {
		return Submission{}, errs.New(opRetry, "invalid_payload", fmt.Errorf("%w: not valid JSON", ErrEmptyPayload))
	}
	updated, err := q.mutate(ctx, id, func(item *Submission) error {
		switch item.Status {
		case StatusInFlight:
			return ErrInFlight
		case StatusPending:
			return ErrAlreadyPending
		}
		if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			item.Payload = append(json.RawMessage(nil), trimmed...)
		}
		item.Status = StatusPending
		item.Attempts = 0
		item.Exhausted = false
		item.NextAttemptAt = nil
		item.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		return Submission{}, errs.New(opRetry, reasonFor(err), err)
	}
	q.logger.Info("submission queued for retry", zap.String("submission_id", id))
	q.onChange()
	if q.connectivity.IsOnline() {
		q.Kick()
	}
	return updated, nil
}

// Discard removes a submission that will not be delivered.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.itemMu.Lock()
	defer q.itemMu.Unlock()
	item, err := q.read(ctx, id)
	if err != nil {
		return errs.New(opDiscard, reasonFor(err), err)
	}
	if item.Status == StatusInFlight {
		return errs.New(opDiscard, reasonFor(ErrInFlight), ErrInFlight)
	}
	if err := q.store.Delete(ctx, store.QueueItemKey(id)); err != nil {
		q.logError(opDiscard, "delete_failed", err, zap.String("submission_id", id))
		return errs.New(opDiscard, "delete_failed", err)
	}
	q.logger.Info("submission discarded", zap.String("submission_id", id))
	q.onChange()
	return nil
}

// mutate re-reads the item immediately before writing it back.
func (q *Queue) mutate(ctx context.Context, id string, apply func(*Submission) error) (Submission, error) {
	q.itemMu.Lock()
	defer q.itemMu.Unlock()
	item, err := q.read(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if err := apply(&item); err != nil {
		return Submission{}, err
	}
	if err := q.write(ctx, item); err != nil {
		return Submission{}, err
	}
	return item, nil
}

func (q *Queue) read(ctx context.Context, id string) (Submission, error) {
	var item Submission
	err := store.GetJSON(ctx, q.store, store.QueueItemKey(id), &item)
	if errors.Is(err, store.ErrNotFound) {
		return Submission{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Submission{}, err
	}
	return item, nil
}

func (q *Queue) write(ctx context.Context, item Submission) error {
	return store.SetJSON(ctx, q.store, store.QueueItemKey(item.ID), item)
}

// backoffFor returns the wait after the given number of failed attempts.
func (q *Queue) backoffFor(attempts int) time.Duration {
	backoff := retry.WithCappedDuration(q.backoffCap, retry.NewExponential(q.backoffBase))
	var wait time.Duration
	for i := 0; i < attempts; i++ {
		wait, _ = backoff.Next()
	}
	return wait
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInFlight):
		return "in_flight"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	default:
		return "storage_failed"
	}
}

func (q *Queue) now() time.Time {
	return q.clock().UTC()
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	logging.LogError(q.logger, "queue error", operation, reason, err, fields...)
}
