package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPurgeLegacyCustomerCache = "2026-09-18_purge_legacy_customer_cache"

// Early builds cached the whole customer list under these keys in one blob.
var legacyCustomerCachePrefixes = []string{"customers.", "customerCache."}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPurgeLegacyCustomerCache, apply: purgeLegacyCustomerCache},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func purgeLegacyCustomerCache(db *gorm.DB) error {
	for _, prefix := range legacyCustomerCachePrefixes {
		if err := db.Where("record_key LIKE ? ESCAPE '\\'", store.LikePrefix(prefix)).
			Delete(&store.Record{}).Error; err != nil {
			return err
		}
	}
	return nil
}
