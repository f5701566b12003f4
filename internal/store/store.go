// Package store is the agent's local durable key-value layer.
//
// Every write replaces exactly one key inside its own SQLite statement, so a
// crash leaves either the previous or the new value behind. There are no
// cross-key transactions; callers build their invariants on single-key writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxKeyLength = 190

var (
	// ErrNotFound indicates that no value is stored under the key.
	ErrNotFound = errors.New("store: key not found")
	// ErrInvalidKey indicates that a key is empty or exceeds storage bounds.
	ErrInvalidKey = errors.New("store: invalid key")

	errMissingDatabase = errors.New("database handle is required")
)

const (
	opStoreNew  = "store.new"
	opGet       = "store.get"
	opSet       = "store.set"
	opDelete    = "store.delete"
	opDeleteAll = "store.delete_all"
	opKeys      = "store.keys"
	opCodec     = "store.codec"
)

// Record is one persisted key.
type Record struct {
	Key              string `gorm:"column:record_key;primaryKey;size:190;not null"`
	Value            []byte `gorm:"column:record_value;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "kv_records"
}

// Store is the narrow persistence contract every other component depends on.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context, prefix string) (int64, error)
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Config describes the dependencies of a SQLiteStore.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// SQLiteStore implements Store over a gorm SQLite handle.
type SQLiteStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// New constructs a SQLiteStore.
func New(cfg Config) (*SQLiteStore, error) {
	if cfg.Database == nil {
		return nil, errs.New(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SQLiteStore{
		db:     cfg.Database,
		clock:  clock,
		logger: logging.OrNop(cfg.Logger),
	}, nil
}

// Get returns the value stored under key or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, errs.New(opGet, "invalid_key", err)
	}
	var record Record
	err := s.db.WithContext(ctx).Where("record_key = ?", key).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.logError(opGet, "read_failed", err, zap.String("key", key))
		return nil, errs.New(opGet, "read_failed", err)
	}
	return record.Value, nil
}

// Set replaces the value stored under key.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return errs.New(opSet, "invalid_key", err)
	}
	if value == nil {
		value = []byte{}
	}
	record := Record{Key: key, Value: value, UpdatedAtSeconds: s.clock().UTC().Unix()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"record_value", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSet, "write_failed", err, zap.String("key", key), zap.Int("bytes", len(value)))
		return errs.New(opSet, "write_failed", err)
	}
	return nil
}

// Delete removes key; deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return errs.New(opDelete, "invalid_key", err)
	}
	if err := s.db.WithContext(ctx).Where("record_key = ?", key).Delete(&Record{}).Error; err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("key", key))
		return errs.New(opDelete, "delete_failed", err)
	}
	return nil
}

// DeleteAll removes every key starting with prefix and reports how many were removed.
func (s *SQLiteStore) DeleteAll(ctx context.Context, prefix string) (int64, error) {
	if strings.TrimSpace(prefix) == "" {
		return 0, errs.New(opDeleteAll, "invalid_prefix", ErrInvalidKey)
	}
	result := s.db.WithContext(ctx).
		Where("record_key LIKE ? ESCAPE '\\'", LikePrefix(prefix)).
		Delete(&Record{})
	if result.Error != nil {
		s.logError(opDeleteAll, "delete_failed", result.Error, zap.String("prefix", prefix))
		return 0, errs.New(opDeleteAll, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

// Keys lists keys starting with prefix in ascending order.
func (s *SQLiteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	query := s.db.WithContext(ctx).Model(&Record{})
	if prefix != "" {
		query = query.Where("record_key LIKE ? ESCAPE '\\'", LikePrefix(prefix))
	}
	if err := query.Order("record_key ASC").Pluck("record_key", &keys).Error; err != nil {
		s.logError(opKeys, "query_failed", err, zap.String("prefix", prefix))
		return nil, errs.New(opKeys, "query_failed", err)
	}
	return keys, nil
}

// LikePrefix turns a literal key prefix into a LIKE pattern escaped with '\'.
func LikePrefix(prefix string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix) + "%"
}

// GetJSON decodes the JSON value stored under key into target.
func GetJSON(ctx context.Context, s Store, key string, target any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errs.New(opCodec, "decode_failed", fmt.Errorf("%s: %w", key, err))
	}
	return nil
}

// SetJSON encodes value as JSON and stores it under key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errs.New(opCodec, "encode_failed", fmt.Errorf("%s: %w", key, err))
	}
	return s.Set(ctx, key, raw)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("%w: exceeds %d characters", ErrInvalidKey, maxKeyLength)
	}
	return nil
}

func (s *SQLiteStore) logError(operation, reason string, err error, fields ...zap.Field) {
	logging.LogError(s.logger, "store error", operation, reason, err, fields...)
}
