package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/karryzhang/VocabLoop/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillSnapshotVersions = "2026-09-14_backfill_snapshot_versions"
	migrationStripProviderPrefix      = "2026-09-20_strip_snapshot_provider_prefix"

	legacyProviderPrefix = "google:"
)

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

func registeredMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationBackfillSnapshotVersions, apply: backfillSnapshotVersions},
		{name: migrationStripProviderPrefix, apply: stripSnapshotProviderPrefix},
	}
}

// applyMigrations runs every registered migration that db_migrations does not list yet.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range registeredMigrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		txErr := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if txErr != nil {
			return fmt.Errorf("migration %s: %w", migration.name, txErr)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillSnapshotVersions gives rows written before versioning a first version.
func backfillSnapshotVersions(db *gorm.DB) error {
	return db.Model(&progress.SnapshotRecord{}).
		Where("version = ?", 0).
		Update("version", 1).Error
}

// stripSnapshotProviderPrefix rewrites "google:<id>" keys to the canonical id unless that id already has a row.
func stripSnapshotProviderPrefix(db *gorm.DB) error {
	start := len(legacyProviderPrefix) + 1
	statement := fmt.Sprintf(
		"UPDATE progress_snapshots SET user_id = substr(user_id, %d) WHERE user_id LIKE ? AND substr(user_id, %d) NOT IN (SELECT user_id FROM progress_snapshots)",
		start, start,
	)
	return db.Exec(statement, legacyProviderPrefix+"%").Error
}
