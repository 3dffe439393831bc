package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/karryzhang/VocabLoop/internal/progress"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openMigrationTestDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&progress.SnapshotRecord{}, &progress.SyncEvent{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsBackfillsSnapshotVersions(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)

	legacy := progress.SnapshotRecord{UserID: "user-1", SnapshotJSON: datatypes.JSON(`{}`), Version: 0, UpdatedAtMs: 1}
	current := progress.SnapshotRecord{UserID: "user-2", SnapshotJSON: datatypes.JSON(`{}`), Version: 5, UpdatedAtMs: 1}
	if err := database.Create(&[]progress.SnapshotRecord{legacy, current}).Error; err != nil {
		testContext.Fatalf("failed to insert snapshots: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored []progress.SnapshotRecord
	if err := database.Order("user_id").Find(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload snapshots: %v", err)
	}
	if len(stored) != 2 || stored[0].Version != 1 || stored[1].Version != 5 {
		testContext.Fatalf("unexpected versions after backfill: %+v", stored)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillSnapshotVersions).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsStripsProviderPrefixWithoutClobbering(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)

	rows := []progress.SnapshotRecord{
		{UserID: "google:111", SnapshotJSON: datatypes.JSON(`{"a":1}`), Version: 1, UpdatedAtMs: 1},
		{UserID: "google:222", SnapshotJSON: datatypes.JSON(`{"legacy":true}`), Version: 1, UpdatedAtMs: 1},
		{UserID: "222", SnapshotJSON: datatypes.JSON(`{"canonical":true}`), Version: 3, UpdatedAtMs: 2},
	}
	if err := database.Create(&rows).Error; err != nil {
		testContext.Fatalf("failed to insert snapshots: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var userIDs []string
	if err := database.Model(&progress.SnapshotRecord{}).Order("user_id").Pluck("user_id", &userIDs).Error; err != nil {
		testContext.Fatalf("failed to list user ids: %v", err)
	}
	expected := []string{"111", "222", "google:222"}
	if len(userIDs) != len(expected) {
		testContext.Fatalf("unexpected user ids %v", userIDs)
	}
	for index := range expected {
		if userIDs[index] != expected[index] {
			testContext.Fatalf("unexpected user ids %v", userIDs)
		}
	}
}

func TestApplyMigrationsIsIdempotent(testContext *testing.T) {
	database := openMigrationTestDatabase(testContext)

	for attempt := 0; attempt < 2; attempt++ {
		if err := applyMigrations(database, zap.NewNop()); err != nil {
			testContext.Fatalf("attempt %d failed: %v", attempt, err)
		}
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if count != int64(len(registeredMigrations())) {
		testContext.Fatalf("expected %d migration records, got %d", len(registeredMigrations()), count)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(Config{Driver: "mysql"}, zap.NewNop()); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	database, err := Open(Config{Driver: DriverSQLite, Path: filepath.Join(testContext.TempDir(), "app.db")}, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open failed: %v", err)
	}
	for _, table := range []string{"progress_snapshots", "progress_sync_events", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s", table)
		}
	}
}
