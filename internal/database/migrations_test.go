package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/courier/internal/store"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsPrunesOrphanEntries(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append(store.Models(), &migrationRecord{})
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	entry := store.EntryRecord{PostID: "post-1", DomainID: 1, Message: "hello", UpdatedAtSeconds: 1700000000}
	if err := database.Create(&entry).Error; err != nil {
		testContext.Fatalf("failed to insert entry: %v", err)
	}
	pending := store.PendingRecord{EntryID: entry.ID, UserID: 7, ScheduledAtSeconds: 1700000100}
	if err := database.Create(&pending).Error; err != nil {
		testContext.Fatalf("failed to insert pending row: %v", err)
	}
	orphan := store.EntryRecord{PostID: "post-2", DomainID: 1, Message: "orphan", UpdatedAtSeconds: 1700000000}
	if err := database.Create(&orphan).Error; err != nil {
		testContext.Fatalf("failed to insert orphan entry: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored store.PendingRecord
	if err := database.Where("id = ?", pending.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("expected referenced pending row to survive: %v", err)
	}

	var entryCount int64
	if err := database.Model(&store.EntryRecord{}).Count(&entryCount).Error; err != nil {
		testContext.Fatalf("failed to count entries: %v", err)
	}
	if entryCount != 1 {
		testContext.Fatalf("expected orphan entry to be pruned, found %d entries", entryCount)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationPruneOrphanEntries).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to reapply migrations: %v", err)
	}
	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 1 {
		testContext.Fatalf("expected migrations to apply once, found %d records", records)
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "courier.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range store.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if !database.Migrator().HasTable(&migrationRecord{}) {
		testContext.Fatalf("expected migrations table")
	}
}

func TestOpenSQLiteReaderSharesMigratedDatabase(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "courier.db")
	writer, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	reader, err := OpenSQLiteReader(databasePath)
	if err != nil {
		testContext.Fatalf("failed to open reader: %v", err)
	}

	if err := writer.Create(&store.DomainRecord{Name: "billing"}).Error; err != nil {
		testContext.Fatalf("failed to insert domain: %v", err)
	}
	var domains int64
	if err := reader.Model(&store.DomainRecord{}).Count(&domains).Error; err != nil {
		testContext.Fatalf("reader failed to query: %v", err)
	}
	if domains != 1 {
		testContext.Fatalf("expected the reader to see one domain, got %d", domains)
	}

	if _, err := OpenSQLiteReader(""); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
