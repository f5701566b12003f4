package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/leakline/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPurgesLegacyCustomerCache(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&store.Record{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	seed := []store.Record{
		{Key: "customers.0", Value: []byte("legacy")},
		{Key: "customerCache.meta", Value: []byte("legacy")},
		{Key: "dataset.manifest", Value: []byte("{}")},
	}
	if err := database.Create(&seed).Error; err != nil {
		testContext.Fatalf("failed to insert records: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []store.Record
	if err := database.Order("record_key ASC").Find(&remaining).Error; err != nil {
		testContext.Fatalf("failed to reload records: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Key != "dataset.manifest" {
		testContext.Fatalf("expected only the manifest to survive, got %#v", remaining)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPurgeLegacyCustomerCache).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := database.Create(&store.Record{Key: "customers.1", Value: []byte("late")}).Error; err != nil {
		testContext.Fatalf("failed to insert record: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
	var count int64
	database.Model(&store.Record{}).Where("record_key = ?", "customers.1").Count(&count)
	if count != 1 {
		testContext.Fatalf("expected applied migration to be skipped on second run")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "agent.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	if !database.Migrator().HasTable(&store.Record{}) {
		testContext.Fatalf("expected kv table to exist")
	}
	if !database.Migrator().HasTable(&migrationRecord{}) {
		testContext.Fatalf("expected migrations table to exist")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
