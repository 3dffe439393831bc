package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrVersionConflict indicates that a conditional write observed a different stored version.
var ErrVersionConflict = errors.New("progress: snapshot version conflict")

// StoredSnapshot is the persisted blob for one principal.
type StoredSnapshot struct {
	Principal Principal
	Data      json.RawMessage
	Version   int64
	UpdatedAt time.Time
}

// SnapshotWrite describes one replacement of a principal's stored blob.
type SnapshotWrite struct {
	Principal Principal
	Action    Action
	Data      json.RawMessage
	WrittenAt time.Time
	// ExpectedVersion makes the write conditional; zero expects no stored row.
	ExpectedVersion *int64
}

// RecordStore is the key-value collaborator holding one opaque snapshot per principal.
type RecordStore interface {
	Load(ctx context.Context, principal Principal) (StoredSnapshot, bool, error)
	Write(ctx context.Context, write SnapshotWrite) (StoredSnapshot, error)
}

// SnapshotRecord stores the latest snapshot blob per principal.
type SnapshotRecord struct {
	UserID       string         `gorm:"column:user_id;primaryKey;size:190;not null"`
	SnapshotJSON datatypes.JSON `gorm:"column:snapshot_json;not null"`
	Version      int64          `gorm:"column:version;not null;default:0"`
	UpdatedAtMs  int64          `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRecord) TableName() string {
	return "progress_snapshots"
}

// SyncEvent records every accepted write for audit.
type SyncEvent struct {
	EventID     string `gorm:"column:event_id;primaryKey;size:64;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;index:idx_progress_sync_events_user_time,priority:1"`
	Action      string `gorm:"column:action;size:16;not null"`
	Version     int64  `gorm:"column:version;not null"`
	AppliedAtMs int64  `gorm:"column:applied_at_ms;not null;index:idx_progress_sync_events_user_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SyncEvent) TableName() string {
	return "progress_sync_events"
}

type IDProvider interface {
	NewID() (string, error)
}

// GormRecordStoreConfig wires the GORM-backed record store.
type GormRecordStoreConfig struct {
	Database   *gorm.DB
	IDProvider IDProvider
}

// GormRecordStore persists snapshots with a monotonically increasing version per principal.
type GormRecordStore struct {
	db         *gorm.DB
	idProvider IDProvider
}

// NewGormRecordStore validates the configuration and returns a store.
func NewGormRecordStore(cfg GormRecordStoreConfig) (*GormRecordStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		return nil, errMissingIDProvider
	}
	return &GormRecordStore{db: cfg.Database, idProvider: idProvider}, nil
}

const queryUserID = "user_id = ?"

// Load returns the stored snapshot, or false when the principal has none.
func (store *GormRecordStore) Load(ctx context.Context, principal Principal) (StoredSnapshot, bool, error) {
	var record SnapshotRecord
	err := store.db.WithContext(ctx).Where(queryUserID, principal.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return StoredSnapshot{}, false, nil
	}
	if err != nil {
		return StoredSnapshot{}, false, err
	}
	return record.toStoredSnapshot(), true, nil
}

// Write replaces the principal's blob and appends an audit event in the same transaction.
// A conditional write fails with ErrVersionConflict without touching storage.
func (store *GormRecordStore) Write(ctx context.Context, write SnapshotWrite) (StoredSnapshot, error) {
	eventID, err := store.idProvider.NewID()
	if err != nil {
		return StoredSnapshot{}, err
	}
	userID := write.Principal.String()
	writtenAtMs := write.WrittenAt.UTC().UnixMilli()

	var stored StoredSnapshot
	txErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing SnapshotRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(queryUserID, userID).Take(&existing).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		if write.ExpectedVersion != nil {
			if err := store.writeConditional(tx, write, existing, found, writtenAtMs); err != nil {
				return err
			}
		} else if err := store.writeUnconditional(tx, write, writtenAtMs); err != nil {
			return err
		}

		var written SnapshotRecord
		if err := tx.Where(queryUserID, userID).Take(&written).Error; err != nil {
			return err
		}

		event := SyncEvent{
			EventID:     eventID,
			UserID:      userID,
			Action:      write.Action.String(),
			Version:     written.Version,
			AppliedAtMs: writtenAtMs,
		}
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		stored = written.toStoredSnapshot()
		return nil
	})
	if txErr != nil {
		return StoredSnapshot{}, txErr
	}
	return stored, nil
}

func (store *GormRecordStore) writeConditional(tx *gorm.DB, write SnapshotWrite, existing SnapshotRecord, found bool, writtenAtMs int64) error {
	expected := *write.ExpectedVersion
	if !found {
		if expected != 0 {
			return ErrVersionConflict
		}
		record := SnapshotRecord{
			UserID:       write.Principal.String(),
			SnapshotJSON: datatypes.JSON(write.Data),
			Version:      1,
			UpdatedAtMs:  writtenAtMs,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	}

	if existing.Version != expected {
		return ErrVersionConflict
	}
	result := tx.Model(&SnapshotRecord{}).
		Where("user_id = ? AND version = ?", existing.UserID, expected).
		Updates(map[string]any{
			"snapshot_json": datatypes.JSON(write.Data),
			"version":       expected + 1,
			"updated_at_ms": writtenAtMs,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (store *GormRecordStore) writeUnconditional(tx *gorm.DB, write SnapshotWrite, writtenAtMs int64) error {
	record := SnapshotRecord{
		UserID:       write.Principal.String(),
		SnapshotJSON: datatypes.JSON(write.Data),
		Version:      1,
		UpdatedAtMs:  writtenAtMs,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"snapshot_json": datatypes.JSON(write.Data),
			"version":       gorm.Expr("progress_snapshots.version + 1"),
			"updated_at_ms": writtenAtMs,
		}),
	}).Create(&record).Error
}

func (record SnapshotRecord) toStoredSnapshot() StoredSnapshot {
	data := make(json.RawMessage, len(record.SnapshotJSON))
	copy(data, record.SnapshotJSON)
	return StoredSnapshot{
		Principal: Principal(record.UserID),
		Data:      data,
		Version:   record.Version,
		UpdatedAt: time.UnixMilli(record.UpdatedAtMs).UTC(),
	}
}
