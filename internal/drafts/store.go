package drafts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	opNew            = "drafts.new"
	opSave           = "drafts.save"
	opUpdate         = "drafts.update"
	opDelete         = "drafts.delete"
	opList           = "drafts.list"
	opGet            = "drafts.get"
	opClearAll       = "drafts.clear_all"
	opSaveCurrent    = "drafts.save_current"
	opLoadCurrent    = "drafts.load_current"
	opClearCurrent   = "drafts.clear_current"
	opPromoteCurrent = "drafts.promote_current"
)

var (
	// ErrDraftNotFound indicates an unknown draft id.
	ErrDraftNotFound = errors.New("drafts: draft not found")
	// ErrEmptySnapshot indicates a snapshot without any user input.
	ErrEmptySnapshot = errors.New("drafts: snapshot has no content")

	errMissingStore = errors.New("store is required")
)

// Flags record how a draft came to exist.
type Flags struct {
	AutoSaved    bool `json:"autoSaved"`
	OfflineSaved bool `json:"offlineSaved"`
}

// Draft is a saved, incomplete report.
type Draft struct {
	ID           string       `json:"id"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Snapshot     FormSnapshot `json:"snapshot"`
	AutoSaved    bool         `json:"autoSaved"`
	OfflineSaved bool         `json:"offlineSaved"`
}

// CurrentForm is the auto-save slot of the form that is open right now.
type CurrentForm struct {
	Snapshot FormSnapshot `json:"snapshot"`
	DraftID  string       `json:"draftId,omitempty"`
	SavedAt  time.Time    `json:"savedAt"`
}

// Config describes the dependencies of a Store.
type Config struct {
	Store  store.Store
	Clock  func() time.Time
	IDs    func() (string, error)
	Logger *zap.Logger
}

// Store persists drafts as one list under drafts.list. Every change re-reads
// the list right before writing it back.
type Store struct {
	store  store.Store
	clock  func() time.Time
	ids    func() (string, error)
	logger *zap.Logger

	mu sync.Mutex
}

// New constructs a draft Store.
func New(cfg Config) (*Store, error) {
	if cfg.Store == nil {
		return nil, errs.New(opNew, "missing_store", errMissingStore)
	}
	s := &Store{store: cfg.Store, clock: cfg.Clock, ids: cfg.IDs, logger: logging.OrNop(cfg.Logger)}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.ids == nil {
		s.ids = func() (string, error) {
			id, err := uuid.NewV7()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		}
	}
	return s, nil
}

// Save creates a draft from snapshot.
func (s *Store) Save(ctx context.Context, snapshot FormSnapshot, flags Flags) (Draft, error) {
	if !snapshot.IsMeaningful() {
		return Draft{}, errs.New(opSave, "empty_snapshot", ErrEmptySnapshot)
	}
	id, err := s.ids()
	if err != nil {
		return Draft{}, errs.New(opSave, "id_generation_failed", err)
	}
	return s.saveAs(ctx, id, snapshot, flags)
}

func (s *Store) saveAs(ctx context.Context, id string, snapshot FormSnapshot, flags Flags) (Draft, error) {
	now := s.now()
	draft := Draft{
		ID:           id,
		CreatedAt:    now,
		UpdatedAt:    now,
		Snapshot:     snapshot,
		AutoSaved:    flags.AutoSaved,
		OfflineSaved: flags.OfflineSaved,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readList(ctx)
	if err != nil {
		return Draft{}, s.fail(opSave, "read_failed", err)
	}
	list = append(list, draft)
	if err := s.writeList(ctx, list); err != nil {
		return Draft{}, s.fail(opSave, "write_failed", err)
	}
	s.logger.Info("draft saved", zap.String("draft_id", id), zap.Bool("auto_saved", flags.AutoSaved), zap.Bool("offline_saved", flags.OfflineSaved))
	return draft, nil
}

// Update replaces the snapshot of an existing draft.
func (s *Store) Update(ctx context.Context, id string, snapshot FormSnapshot) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readList(ctx)
	if err != nil {
		return Draft{}, s.fail(opUpdate, "read_failed", err)
	}
	index := indexOf(list, id)
	if index < 0 {
		return Draft{}, errs.New(opUpdate, "not_found", fmt.Errorf("%w: %s", ErrDraftNotFound, id))
	}
	list[index].Snapshot = snapshot
	list[index].UpdatedAt = s.now()
	if err := s.writeList(ctx, list); err != nil {
		return Draft{}, s.fail(opUpdate, "write_failed", err)
	}
	return list[index], nil
}

// Delete removes one draft.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readList(ctx)
	if err != nil {
		return s.fail(opDelete, "read_failed", err)
	}
	index := indexOf(list, id)
	if index < 0 {
		return errs.New(opDelete, "not_found", fmt.Errorf("%w: %s", ErrDraftNotFound, id))
	}
	list = append(list[:index], list[index+1:]...)
	if err := s.writeList(ctx, list); err != nil {
		return s.fail(opDelete, "write_failed", err)
	}
	s.logger.Info("draft deleted", zap.String("draft_id", id))
	return nil
}

// Get returns one draft.
func (s *Store) Get(ctx context.Context, id string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.readList(ctx)
	if err != nil {
		return Draft{}, s.fail(opGet, "read_failed", err)
	}
	index := indexOf(list, id)
	if index < 0 {
		return Draft{}, errs.New(opGet, "not_found", fmt.Errorf("%w: %s", ErrDraftNotFound, id))
	}
	return list[index], nil
}

// List returns every draft, newest first.
func (s *Store) List(ctx context.Context) ([]Draft, error) {
	s.mu.Lock()
	list, err := s.readList(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, s.fail(opList, "read_failed", err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].UpdatedAt.Equal(list[j].UpdatedAt) {
			return list[i].UpdatedAt.After(list[j].UpdatedAt)
		}
		return list[i].ID > list[j].ID
	})
	return list, nil
}

// ClearAll removes every draft.
func (s *Store) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Delete(ctx, store.KeyDraftsList); err != nil {
		return s.fail(opClearAll, "delete_failed", err)
	}
	return nil
}

// SaveCurrent writes the open form to the current-form slot.
func (s *Store) SaveCurrent(ctx context.Context, form CurrentForm) (CurrentForm, error) {
	form.SavedAt = s.now()
	if err := store.SetJSON(ctx, s.store, store.KeyCurrentForm, form); err != nil {
		return CurrentForm{}, s.fail(opSaveCurrent, "write_failed", err)
	}
	return form, nil
}

// Current returns the current-form slot; ok is false when the slot is empty.
func (s *Store) Current(ctx context.Context) (CurrentForm, bool, error) {
	var form CurrentForm
	err := store.GetJSON(ctx, s.store, store.KeyCurrentForm, &form)
	if errors.Is(err, store.ErrNotFound) {
		return CurrentForm{}, false, nil
	}
	if err != nil {
		return CurrentForm{}, false, s.fail(opLoadCurrent, "read_failed", err)
	}
	return form, true, nil
}

// ClearCurrent empties the current-form slot.
func (s *Store) ClearCurrent(ctx context.Context) error {
	if err := s.store.Delete(ctx, store.KeyCurrentForm); err != nil {
		return s.fail(opClearCurrent, "delete_failed", err)
	}
	return nil
}

// PromoteCurrent turns a meaningful current-form slot into a draft, updating
// the draft the form was opened from when there is one. A form without a
// draft gets its draft id written into the slot before the draft itself, so a
// promotion repeated after a failed teardown updates that draft instead of
// saving a second copy. The slot is left in place; callers clear it once the
// rest of their teardown succeeded.
func (s *Store) PromoteCurrent(ctx context.Context, flags Flags) (Draft, bool, error) {
	form, ok, err := s.Current(ctx)
	if err != nil {
		return Draft{}, false, err
	}
	if !ok || !form.Snapshot.IsMeaningful() {
		return Draft{}, false, nil
	}

	if form.DraftID == "" {
		id, err := s.ids()
		if err != nil {
			return Draft{}, false, errs.New(opPromoteCurrent, "id_generation_failed", err)
		}
		form.DraftID = id
		if _, err := s.SaveCurrent(ctx, form); err != nil {
			return Draft{}, false, errs.New(opPromoteCurrent, "slot_write_failed", err)
		}
	} else {
		draft, err := s.Update(ctx, form.DraftID, form.Snapshot)
		if err == nil {
			return draft, true, nil
		}
		if !errors.Is(err, ErrDraftNotFound) {
			return Draft{}, false, errs.New(opPromoteCurrent, "update_failed", err)
		}
	}

	draft, err := s.saveAs(ctx, form.DraftID, form.Snapshot, flags)
	if err != nil {
		return Draft{}, false, errs.New(opPromoteCurrent, "save_failed", err)
	}
	return draft, true, nil
}

func (s *Store) readList(ctx context.Context) ([]Draft, error) {
	var list []Draft
	err := store.GetJSON(ctx, s.store, store.KeyDraftsList, &list)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return list, err
}

func (s *Store) writeList(ctx context.Context, list []Draft) error {
	if list == nil {
		list = []Draft{}
	}
	return store.SetJSON(ctx, s.store, store.KeyDraftsList, list)
}

func indexOf(list []Draft, id string) int {
	for index, draft := range list {
		if draft.ID == id {
			return index
		}
	}
	return -1
}

func (s *Store) fail(operation, reason string, err error) error {
	logging.LogError(s.logger, "draft store error", operation, reason, err)
	return errs.New(operation, reason, err)
}

func (s *Store) now() time.Time {
	return s.clock().UTC()
}
