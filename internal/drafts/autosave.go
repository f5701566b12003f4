package drafts

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAutosaveInterval = 30 * time.Second

// AutoSaver persists the open form to the current-form slot on every
// meaningful change and again on a fixed interval.
type AutoSaver struct {
	drafts   *Store
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	open    bool
	current CurrentForm
	dirty   bool
}

// NewAutoSaver constructs an AutoSaver over drafts.
func NewAutoSaver(drafts *Store, interval time.Duration) *AutoSaver {
	if interval <= 0 {
		interval = defaultAutosaveInterval
	}
	return &AutoSaver{drafts: drafts, interval: interval, logger: drafts.logger}
}

// Update records the latest state of the open form. A snapshot identical to
// the last one written is not rewritten.
func (a *AutoSaver) Update(ctx context.Context, draftID string, snapshot FormSnapshot) (CurrentForm, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.open && !a.dirty && a.current.DraftID == draftID && sameSnapshot(a.current.Snapshot, snapshot) {
		return a.current, nil
	}
	a.open = true
	a.current = CurrentForm{Snapshot: snapshot, DraftID: draftID, SavedAt: a.current.SavedAt}
	return a.flushLocked(ctx)
}

// Close drops the open form, for example after it was submitted.
func (a *AutoSaver) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	a.dirty = false
	a.current = CurrentForm{}
	return a.drafts.ClearCurrent(ctx)
}

// Detach forgets the open form without touching the persisted slot.
func (a *AutoSaver) Detach() {
	a.mu.Lock()
	a.open = false
	a.dirty = false
	a.current = CurrentForm{}
	a.mu.Unlock()
}

// Run rewrites the open form on every interval until ctx is done.
func (a *AutoSaver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.mu.Lock()
			if a.open {
				if _, err := a.flushLocked(ctx); err != nil && ctx.Err() == nil {
					a.logger.Warn("periodic auto-save failed", zap.Error(err))
				}
			}
			a.mu.Unlock()
		}
	}
}

func (a *AutoSaver) flushLocked(ctx context.Context) (CurrentForm, error) {
	saved, err := a.drafts.SaveCurrent(ctx, a.current)
	if err != nil {
		a.dirty = true
		return a.current, err
	}
	a.current = saved
	a.dirty = false
	return saved, nil
}
