// Package agent is the collaborator-facing entry point of the device agent.
// It owns one instance of every component and runs their background loops.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/config"
	"github.com/MarcoPoloResearchLab/leakline/internal/connectivity"
	"github.com/MarcoPoloResearchLab/leakline/internal/dataset"
	"github.com/MarcoPoloResearchLab/leakline/internal/drafts"
	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/nearest"
	"github.com/MarcoPoloResearchLab/leakline/internal/queue"
	"github.com/MarcoPoloResearchLab/leakline/internal/remote"
	"github.com/MarcoPoloResearchLab/leakline/internal/session"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	opNew         = "agent.new"
	opSubmitDraft = "agent.submit_draft"
	opStatus      = "agent.status"
)

// Event types published to status listeners.
const (
	EventStatus          = "status"
	EventDatasetProgress = "dataset-progress"
	EventSessionEnded    = "session-ended"
)

var (
	errMissingStore  = errors.New("store is required")
	errMissingRemote = errors.New("remote is required")
)

// Remote is the slice of the remote API the agent consumes.
type Remote interface {
	dataset.Source
	queue.Submitter
	connectivity.Probe
}

// Status is the pull-based view for the UI.
type Status struct {
	Online        bool           `json:"online"`
	PendingCount  int            `json:"pendingCount"`
	DatasetStatus dataset.Status `json:"datasetStatus"`
}

// Event is one notification for status listeners.
type Event struct {
	Type     string                `json:"type"`
	At       time.Time             `json:"at"`
	Status   *Status               `json:"status,omitempty"`
	Progress *dataset.Progress     `json:"progress,omitempty"`
	Session  *session.LogoutResult `json:"session,omitempty"`
}

// ReportPayload is the submission built from a draft.
type ReportPayload struct {
	DraftID      string              `json:"draftId"`
	Form         drafts.FormSnapshot `json:"form"`
	DraftCreated time.Time           `json:"draftCreatedAt"`
	SubmittedAt  time.Time           `json:"submittedAt"`
}

// Config describes the dependencies of an Agent.
type Config struct {
	Settings config.AppConfig
	Store    store.Store
	Remote   Remote
	Clock    func() time.Time
	Logger   *zap.Logger
	OnEvent  func(Event)
}

// Agent wires the durable store, connectivity monitor, dataset downloader,
// nearest search, submission queue, draft store and session lifecycle.
type Agent struct {
	settings   config.AppConfig
	store      store.Store
	monitor    *connectivity.Monitor
	downloader *dataset.Downloader
	searcher   *nearest.Searcher
	queue      *queue.Queue
	drafts     *drafts.Store
	autosaver  *drafts.AutoSaver
	sessions   *session.Manager
	clock      func() time.Time
	logger     *zap.Logger
	onEvent    func(Event)

	statusMu sync.Mutex
}

// New constructs an Agent and all of its components.
func New(cfg Config) (*Agent, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNew, "missing_store", errMissingStore)
	}
	if cfg.Remote == nil {
		return nil, errs.New(opNew, "missing_remote", errMissingRemote)
	}
	logger := logging.OrNop(cfg.Logger)
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	a := &Agent{
		settings: cfg.Settings,
		store:    cfg.Store,
		clock:    clock,
		logger:   logger,
		onEvent:  cfg.OnEvent,
	}
	if a.onEvent == nil {
		a.onEvent = func(Event) {}
	}

	a.monitor = connectivity.NewMonitor(connectivity.Config{
		Probe:    cfg.Remote,
		Interval: cfg.Settings.ProbeInterval,
		Timeout:  cfg.Settings.ProbeTimeout,
		Clock:    clock,
		Logger:   logger.Named("connectivity"),
	})

	var err error
	a.downloader, err = dataset.NewDownloader(dataset.DownloaderConfig{
		Store:       cfg.Store,
		Source:      cfg.Remote,
		MaxAttempts: cfg.Settings.PageMaxAttempts,
		BackoffBase: cfg.Settings.PageBackoffBase,
		BackoffCap:  cfg.Settings.PageBackoffCap,
		Clock:       clock,
		Logger:      logger.Named("dataset"),
	})
	if err != nil {
		return nil, err
	}
	a.searcher, err = nearest.NewSearcher(cfg.Store, logger.Named("nearest"))
	if err != nil {
		return nil, err
	}
	a.queue, err = queue.New(queue.Config{
		Store:         cfg.Store,
		Submitter:     cfg.Remote,
		Connectivity:  a.monitor,
		MaxAttempts:   cfg.Settings.QueueMaxAttempts,
		BackoffBase:   cfg.Settings.QueueBackoffBase,
		BackoffCap:    cfg.Settings.QueueBackoffCap,
		DrainInterval: cfg.Settings.DrainInterval,
		Clock:         clock,
		Logger:        logger.Named("queue"),
		OnChange:      a.publishStatus,
	})
	if err != nil {
		return nil, err
	}
	a.monitor.SetPendingCounter(a.queue)

	a.drafts, err = drafts.New(drafts.Config{Store: cfg.Store, Clock: clock, Logger: logger.Named("drafts")})
	if err != nil {
		return nil, err
	}
	a.autosaver = drafts.NewAutoSaver(a.drafts, cfg.Settings.AutosaveInterval)

	a.sessions, err = session.NewManager(session.Config{
		Store:       cfg.Store,
		Flusher:     a,
		IdleTimeout: cfg.Settings.IdleTimeout,
		Clock:       clock,
		Logger:      logger.Named("session"),
		OnLogout: func(result session.LogoutResult) {
			a.onEvent(Event{Type: EventSessionEnded, At: a.now(), Session: &result})
		},
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Start recovers the queue and runs every background loop until ctx is done.
func (a *Agent) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.monitor.Run(groupCtx) })
	group.Go(func() error { return a.queue.Run(groupCtx) })
	group.Go(func() error { return a.autosaver.Run(groupCtx) })
	group.Go(func() error { return a.sessions.Run(groupCtx) })
	group.Go(func() error {
		events, cleanup := a.monitor.Subscribe(groupCtx)
		defer cleanup()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case <-events:
				a.publishStatus()
			}
		}
	})
	return group.Wait()
}

// EnqueueReport persists a report for delivery. It succeeds offline.
func (a *Agent) EnqueueReport(ctx context.Context, payload json.RawMessage) (queue.Submission, error) {
	return a.queue.Enqueue(ctx, payload)
}

// Submissions lists queued reports in creation order.
func (a *Agent) Submissions(ctx context.Context) ([]queue.Submission, error) {
	return a.queue.List(ctx)
}

// RetrySubmission re-arms a failed report, optionally with an edited payload.
func (a *Agent) RetrySubmission(ctx context.Context, id string, payload json.RawMessage) (queue.Submission, error) {
	return a.queue.Retry(ctx, id, payload)
}

// DiscardSubmission drops a report that will not be delivered.
func (a *Agent) DiscardSubmission(ctx context.Context, id string) error {
	return a.queue.Discard(ctx, id)
}

// DrainNow runs one drain pass.
func (a *Agent) DrainNow(ctx context.Context) (queue.DrainReport, error) {
	return a.queue.DrainOnce(ctx)
}

// SaveDraft stores a draft, flagging it as saved offline when applicable.
func (a *Agent) SaveDraft(ctx context.Context, snapshot drafts.FormSnapshot, autoSaved bool) (drafts.Draft, error) {
	return a.drafts.Save(ctx, snapshot, drafts.Flags{AutoSaved: autoSaved, OfflineSaved: !a.monitor.IsOnline()})
}

// UpdateDraft replaces the snapshot of a draft.
func (a *Agent) UpdateDraft(ctx context.Context, id string, snapshot drafts.FormSnapshot) (drafts.Draft, error) {
	return a.drafts.Update(ctx, id, snapshot)
}

// Drafts lists drafts, newest first.
func (a *Agent) Drafts(ctx context.Context) ([]drafts.Draft, error) {
	return a.drafts.List(ctx)
}

// Draft returns one draft.
func (a *Agent) Draft(ctx context.Context, id string) (drafts.Draft, error) {
	return a.drafts.Get(ctx, id)
}

// DeleteDraft removes a draft.
func (a *Agent) DeleteDraft(ctx context.Context, id string) error {
	return a.drafts.Delete(ctx, id)
}

// ClearDrafts removes every draft.
func (a *Agent) ClearDrafts(ctx context.Context) error {
	return a.drafts.ClearAll(ctx)
}

// SubmitDraft turns a draft into a queued report and deletes the draft once
// the report is durable.
func (a *Agent) SubmitDraft(ctx context.Context, id string) (queue.Submission, error) {
	draft, err := a.drafts.Get(ctx, id)
	if err != nil {
		return queue.Submission{}, err
	}
	payload, err := json.Marshal(ReportPayload{
		DraftID:      draft.ID,
		Form:         draft.Snapshot,
		DraftCreated: draft.CreatedAt,
		SubmittedAt:  a.now(),
	})
	if err != nil {
		return queue.Submission{}, errs.New(opSubmitDraft, "encode_failed", err)
	}
	submission, err := a.queue.Enqueue(ctx, payload)
	if err != nil {
		return queue.Submission{}, err
	}
	if err := a.drafts.Delete(ctx, id); err != nil && !errors.Is(err, drafts.ErrDraftNotFound) {
		a.logger.Warn("submitted draft could not be deleted", zap.String("draft_id", id), zap.Error(err))
	}
	if form, ok, err := a.drafts.Current(ctx); err == nil && ok && form.DraftID == id {
		if err := a.autosaver.Close(ctx); err != nil {
			a.logger.Warn("open form could not be closed", zap.String("draft_id", id), zap.Error(err))
		}
	}
	return submission, nil
}

// UpdateOpenForm records a change to the form that is open right now.
func (a *Agent) UpdateOpenForm(ctx context.Context, draftID string, snapshot drafts.FormSnapshot) (drafts.CurrentForm, error) {
	return a.autosaver.Update(ctx, draftID, snapshot)
}

// OpenForm returns the current-form slot.
func (a *Agent) OpenForm(ctx context.Context) (drafts.CurrentForm, bool, error) {
	return a.drafts.Current(ctx)
}

// CloseOpenForm drops the open form without saving it as a draft.
func (a *Agent) CloseOpenForm(ctx context.Context) error {
	return a.autosaver.Close(ctx)
}

// FlushOpenForm promotes a meaningful open form to an auto-saved draft and
// clears the slot. Session teardown calls it before clearing session state.
func (a *Agent) FlushOpenForm(ctx context.Context) (drafts.Draft, bool, error) {
	// Detach first so a periodic auto-save cannot rewrite the slot mid-flush.
	a.autosaver.Detach()
	draft, promoted, err := a.drafts.PromoteCurrent(ctx, drafts.Flags{AutoSaved: true, OfflineSaved: !a.monitor.IsOnline()})
	if err != nil {
		return drafts.Draft{}, false, err
	}
	if err := a.drafts.ClearCurrent(ctx); err != nil {
		return draft, promoted, err
	}
	return draft, promoted, nil
}

// DownloadDataset brings the reference dataset cache to complete. Zero option
// values fall back to the configured page size and concurrency.
func (a *Agent) DownloadDataset(ctx context.Context, opts dataset.Options, onProgress dataset.ProgressFunc) (dataset.Result, error) {
	if opts.PageSize == 0 {
		opts.PageSize = a.settings.PageSize
	}
	if opts.Concurrency == 0 {
		opts.Concurrency = a.settings.Concurrency
	}
	return a.downloader.Download(ctx, opts, func(progress dataset.Progress) {
		snapshot := progress
		a.onEvent(Event{Type: EventDatasetProgress, At: a.now(), Progress: &snapshot})
		if onProgress != nil {
			onProgress(progress)
		}
	})
}

// DatasetManifest returns the cached dataset's manifest.
func (a *Agent) DatasetManifest(ctx context.Context) (dataset.Manifest, error) {
	return a.downloader.Manifest(ctx)
}

// CheckForUpdates compares the cached dataset with the remote record count.
func (a *Agent) CheckForUpdates(ctx context.Context) (dataset.UpdateCheck, error) {
	return a.downloader.CheckForUpdates(ctx)
}

// FindNearestMeters returns the k cached records closest to origin.
func (a *Agent) FindNearestMeters(ctx context.Context, origin dataset.Coordinate, k int) ([]nearest.Match, error) {
	if k == 0 {
		k = nearest.DefaultK
	}
	return a.searcher.FindNearest(ctx, origin, k)
}

// IsOnline reports the last known reachability.
func (a *Agent) IsOnline() bool {
	return a.monitor.IsOnline()
}

// ReportConnectivity records a reachability signal observed by the UI.
func (a *Agent) ReportConnectivity(online bool) {
	a.monitor.Report(online)
}

// PendingCount counts reports awaiting delivery.
func (a *Agent) PendingCount(ctx context.Context) (int, error) {
	return a.monitor.PendingCount(ctx)
}

// Status returns the combined status view.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	pending, err := a.PendingCount(ctx)
	if err != nil {
		return Status{}, errs.New(opStatus, "pending_count_failed", err)
	}
	manifest, err := a.downloader.Manifest(ctx)
	if err != nil {
		return Status{}, errs.New(opStatus, "manifest_failed", err)
	}
	return Status{Online: a.monitor.IsOnline(), PendingCount: pending, DatasetStatus: manifest.Status}, nil
}

// TouchSession records user activity.
func (a *Agent) TouchSession(ctx context.Context) (session.ActivityMarker, error) {
	return a.sessions.Touch(ctx)
}

// EndSession flushes the open form and clears session state.
func (a *Agent) EndSession(ctx context.Context, reason session.Reason) (session.LogoutResult, error) {
	return a.sessions.Logout(ctx, reason)
}

// Monitor exposes the connectivity monitor for subscribers.
func (a *Agent) Monitor() *connectivity.Monitor {
	return a.monitor
}

func (a *Agent) publishStatus() {
	a.statusMu.Lock()
	defer a.statusMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := a.Status(ctx)
	if err != nil {
		a.logger.Warn("status snapshot failed", zap.Error(err))
		return
	}
	a.onEvent(Event{Type: EventStatus, At: a.now(), Status: &status})
}

func (a *Agent) now() time.Time {
	return a.clock().UTC()
}

// IsNotFound reports whether err names a missing draft or submission.
func IsNotFound(err error) bool {
	return errors.Is(err, drafts.ErrDraftNotFound) || errors.Is(err, queue.ErrNotFound)
}

// IsRejected reports whether err is a validation failure of the caller's input.
func IsRejected(err error) bool {
	for _, target := range []error{
		queue.ErrEmptyPayload, queue.ErrInFlight, queue.ErrAlreadyPending,
		drafts.ErrEmptySnapshot, dataset.ErrInvalidPageSize,
		nearest.ErrInvalidK, nearest.ErrInvalidOrigin,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsConflict reports whether err means another operation holds the resource.
func IsConflict(err error) bool {
	return errors.Is(err, dataset.ErrDownloadInProgress)
}

// IsUpstream reports whether err came from the remote API.
func IsUpstream(err error) bool {
	return errors.Is(err, dataset.ErrDownloadFailed) || remote.IsRetryable(err) || remote.IsPermanent(err)
}
