package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/karryzhang/VocabLoop/internal/auth"
	"gorm.io/gorm"
)

func newTestUsersService(t *testing.T, autoProvision bool) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:vocabloop_users_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:      db,
		AutoProvision: autoProvision,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestResolveCanonicalUserIDStripsProviderPrefix(t *testing.T) {
	service, db := newTestUsersService(t, true)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	userID, err := service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id without provider prefix, got %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected canonical user id to remain stable, got %q", userID)
	}

	var count int64
	if err := db.Model(&Identity{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one identity, got %d", count)
	}
}

func TestResolveCanonicalUserIDRejectsUnknownWithoutAutoProvision(t *testing.T) {
	service, _ := newTestUsersService(t, false)

	_, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{UserID: "stranger"})
	if err == nil {
		t.Fatalf("expected unknown account error")
	}
	if !errors.Is(err, auth.ErrUnknownAccount) {
		t.Fatalf("expected ErrUnknownAccount, got %v", err)
	}
}

func TestRegisterMakesAccountResolvable(t *testing.T) {
	service, _ := newTestUsersService(t, false)
	claims := auth.SessionClaims{UserID: "learner-7", UserEmail: "learner@example.com"}

	registered, err := service.Register(context.Background(), claims)
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	again, err := service.Register(context.Background(), claims)
	if err != nil {
		t.Fatalf("repeated register failed: %v", err)
	}
	if registered != "learner-7" || again != registered {
		t.Fatalf("unexpected registered ids %q and %q", registered, again)
	}

	resolver := newTestUsersServiceSharing(t, service)
	userID, err := resolver.ResolveCanonicalUserID(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve after register failed: %v", err)
	}
	if userID != "learner-7" {
		t.Fatalf("unexpected canonical id %q", userID)
	}
}

func TestResolveCanonicalUserIDRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestUsersService(t, true)

	_, err := service.ResolveCanonicalUserID(context.Background(), auth.SessionClaims{})
	if !errors.Is(err, ErrInvalidIdentity) || !errors.Is(err, auth.ErrUnknownAccount) {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}

// newTestUsersServiceSharing builds a cache-cold service over the same database.
func newTestUsersServiceSharing(t *testing.T, existing *Service) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Database: existing.db, Clock: existing.now})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}
