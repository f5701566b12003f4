// Package session tracks user activity and tears the session down on
// logout, idle timeout or token expiry, flushing any open form first.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/drafts"
	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"go.uber.org/zap"
)

const (
	opNew       = "session.new"
	opTouch     = "session.touch"
	opActivity  = "session.activity"
	opLogout    = "session.logout"
	opIdleCheck = "session.idle_check"
)

const (
	defaultIdleTimeout   = 30 * time.Minute
	defaultCheckInterval = time.Minute
)

var (
	errMissingStore   = errors.New("store is required")
	errMissingFlusher = errors.New("form flusher is required")
)

// Reason names what ended a session.
type Reason string

const (
	ReasonUser    Reason = "user"
	ReasonIdle    Reason = "idle_timeout"
	ReasonExpired Reason = "session_expired"
)

// FormFlusher promotes the open form to a draft.
type FormFlusher interface {
	FlushOpenForm(ctx context.Context) (drafts.Draft, bool, error)
}

// ActivityMarker is the persisted last-interaction timestamp.
type ActivityMarker struct {
	At time.Time `json:"at"`
}

// LogoutResult describes a completed teardown.
type LogoutResult struct {
	Reason  Reason        `json:"reason"`
	Flushed bool          `json:"flushed"`
	Draft   *drafts.Draft `json:"draft,omitempty"`
}

// Config describes the dependencies of a Manager.
type Config struct {
	Store         store.Store
	Flusher       FormFlusher
	IdleTimeout   time.Duration
	CheckInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
	OnLogout      func(LogoutResult)
}

// Manager owns the activity marker and the logout sequence.
type Manager struct {
	store         store.Store
	flusher       FormFlusher
	idleTimeout   time.Duration
	checkInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	onLogout      func(LogoutResult)

	logoutMu sync.Mutex
}

// NewManager constructs a Manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNew, "missing_store", errMissingStore)
	}
	if cfg.Flusher == nil {
		return nil, errs.New(opNew, "missing_flusher", errMissingFlusher)
	}
	m := &Manager{
		store:         cfg.Store,
		flusher:       cfg.Flusher,
		idleTimeout:   cfg.IdleTimeout,
		checkInterval: cfg.CheckInterval,
		clock:         cfg.Clock,
		logger:        logging.OrNop(cfg.Logger),
		onLogout:      cfg.OnLogout,
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = defaultIdleTimeout
	}
	if m.checkInterval <= 0 {
		m.checkInterval = defaultCheckInterval
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.onLogout == nil {
		m.onLogout = func(LogoutResult) {}
	}
	return m, nil
}

// Touch records user interaction now.
func (m *Manager) Touch(ctx context.Context) (ActivityMarker, error) {
	marker := ActivityMarker{At: m.clock().UTC()}
	if err := store.SetJSON(ctx, m.store, store.KeyActivityLastMarker, marker); err != nil {
		logging.LogError(m.logger, "session error", opTouch, "write_failed", err)
		return ActivityMarker{}, errs.New(opTouch, "write_failed", err)
	}
	return marker, nil
}

// LastActivity returns the marker; ok is false when no session is active.
func (m *Manager) LastActivity(ctx context.Context) (ActivityMarker, bool, error) {
	var marker ActivityMarker
	err := store.GetJSON(ctx, m.store, store.KeyActivityLastMarker, &marker)
	if errors.Is(err, store.ErrNotFound) {
		return ActivityMarker{}, false, nil
	}
	if err != nil {
		return ActivityMarker{}, false, errs.New(opActivity, "read_failed", err)
	}
	return marker, true, nil
}

// Idle reports whether the last interaction is older than the idle timeout.
func (m *Manager) Idle(ctx context.Context) (bool, error) {
	marker, ok, err := m.LastActivity(ctx)
	if err != nil || !ok {
		return false, err
	}
	return m.clock().Sub(marker.At) >= m.idleTimeout, nil
}

// Logout flushes the open form to a draft and only then clears the
// current-form slot and the activity marker. A failed flush aborts the
// teardown so no input is lost.
func (m *Manager) Logout(ctx context.Context, reason Reason) (LogoutResult, error) {
	m.logoutMu.Lock()
	defer m.logoutMu.Unlock()

	draft, flushed, err := m.flusher.FlushOpenForm(ctx)
	if err != nil {
		logging.LogError(m.logger, "session error", opLogout, "flush_failed", err, zap.String("logout_reason", string(reason)))
		return LogoutResult{}, errs.New(opLogout, "flush_failed", err)
	}
	if err := m.store.Delete(ctx, store.KeyCurrentForm); err != nil {
		logging.LogError(m.logger, "session error", opLogout, "form_clear_failed", err)
		return LogoutResult{}, errs.New(opLogout, "form_clear_failed", err)
	}
	if err := m.store.Delete(ctx, store.KeyActivityLastMarker); err != nil {
		logging.LogError(m.logger, "session error", opLogout, "activity_clear_failed", err)
		return LogoutResult{}, errs.New(opLogout, "activity_clear_failed", err)
	}

	result := LogoutResult{Reason: reason, Flushed: flushed}
	if flushed {
		result.Draft = &draft
	}
	m.logger.Info("session ended", zap.String("logout_reason", string(reason)), zap.Bool("form_flushed", flushed))
	m.onLogout(result)
	return result, nil
}

// Run logs the session out once it has been idle for the timeout.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idle, err := m.Idle(ctx)
			if err != nil {
				logging.LogError(m.logger, "session error", opIdleCheck, "read_failed", err)
				continue
			}
			if !idle {
				continue
			}
			if _, err := m.Logout(ctx, ReasonIdle); err != nil && ctx.Err() == nil {
				m.logger.Warn("idle logout failed", zap.Error(err))
			}
		}
	}
}
