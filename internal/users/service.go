package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/karryzhang/VocabLoop/internal/auth"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	// AutoProvision creates an account the first time a valid token presents an unseen subject.
	AutoProvision bool
	Logger        *zap.Logger
}

// Service manages canonical user identifiers and provider-specific identities.
type Service struct {
	db            *gorm.DB
	now           func() time.Time
	autoProvision bool
	logger        *zap.Logger
	cache         sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:            cfg.Database,
		now:           clock,
		autoProvision: cfg.AutoProvision,
		logger:        logger,
	}, nil
}

// ResolveCanonicalUserID returns the canonical account id for the provided session claims.
// Unseen subjects are registered when auto-provisioning is enabled and rejected with
// auth.ErrUnknownAccount otherwise.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", fmt.Errorf("%w: %w", auth.ErrUnknownAccount, ErrInvalidIdentity)
	}

	cacheKey := provider + ":" + subject
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		if canonicalIdentifier, ok := cachedIdentifier.(string); ok {
			return canonicalIdentifier, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if !s.autoProvision {
			return "", fmt.Errorf("%w: %s", auth.ErrUnknownAccount, cacheKey)
		}
		identity, err = s.register(ctx, provider, subject, claims)
		if err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		s.touch(ctx, identity, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// Register creates or refreshes the account for the claims regardless of auto-provisioning.
func (s *Service) Register(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	identity, err := s.register(ctx, provider, subject, claims)
	if err != nil {
		return "", err
	}
	s.cache.Store(provider+":"+subject, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) register(ctx context.Context, provider, subject string, claims auth.SessionClaims) (Identity, error) {
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		UserID:      subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&identity).
		Error
	if err != nil {
		return Identity{}, err
	}

	var stored Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&stored).
		Error; err != nil {
		return Identity{}, err
	}
	s.logger.Info("account provisioned",
		zap.String("provider", provider),
		zap.String("user_id", stored.UserID))
	return stored, nil
}

func (s *Service) touch(ctx context.Context, identity Identity, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("provider = ? AND subject = ?", identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("identity refresh failed", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

// deriveProviderSubject splits "provider:subject" user ids; bare ids use the default provider.
func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
