package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	tracerName              = "github.com/karryzhang/VocabLoop/internal/progress"
	defaultMaxMergeAttempts = 3

	messagePushed   = "snapshot stored"
	messagePulled   = "snapshot loaded"
	messageNoData   = "no snapshot stored"
	messageMerged   = "snapshot merged"
	outcomeOK       = "ok"
	unknownActionID = "unknown"
)

var noOpLogger = zap.NewNop()

// Authenticator resolves a caller token into a principal backed by a known account.
// Rejections must match ErrAuthentication; any other error is reported as a storage failure.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Principal, error)
}

// RateLimiter decides whether a principal may issue another request.
type RateLimiter interface {
	Allow(key string) bool
}

// Change describes an accepted write.
type Change struct {
	Principal Principal
	Action    Action
	Version   int64
	UpdatedAt time.Time
}

// ChangePublisher receives accepted writes. Delivery is best effort.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change Change)
}

// OperationObserver records request outcomes.
type OperationObserver interface {
	ObserveOperation(action, outcome string, duration time.Duration)
}

// ServiceConfig wires the orchestrator to its collaborators. Store may be nil, in which case
// every action fails with ErrNotConfigured after validation and authentication.
type ServiceConfig struct {
	Store         RecordStore
	Authenticator Authenticator
	RateLimiter   RateLimiter
	Publisher     ChangePublisher
	Observer      OperationObserver
	// WriteGuard serialises push and merge per principal when set.
	WriteGuard WriteGuard
	// CompareAndSwap makes merge writes conditional on the version it read.
	CompareAndSwap   bool
	MaxMergeAttempts int
	History          HistoryPolicy
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Request is one client call.
type Request struct {
	Action string
	Token  string
	Data   json.RawMessage
}

// Result is the successful outcome of one action. Data is nil for push and for a pull
// with nothing stored.
type Result struct {
	Action    Action
	Data      json.RawMessage
	Found     bool
	Version   int64
	UpdatedAt time.Time
	Message   string
}

// Service orchestrates push, pull and merge for authenticated principals.
type Service struct {
	store            RecordStore
	authenticator    Authenticator
	rateLimiter      RateLimiter
	publisher        ChangePublisher
	observer         OperationObserver
	writeGuard       WriteGuard
	compareAndSwap   bool
	maxMergeAttempts int
	mergeOptions     MergeOptions
	clock            func() time.Time
	logger           *zap.Logger
	tracer           trace.Tracer
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Authenticator == nil {
		return nil, newServiceError(opServiceNew, "missing_authenticator", ErrNotConfigured, errMissingAuthenticator)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	maxMergeAttempts := cfg.MaxMergeAttempts
	if maxMergeAttempts <= 0 {
		maxMergeAttempts = defaultMaxMergeAttempts
	}

	history := cfg.History
	if history.Truncation == "" {
		history.Truncation = HistoryTruncationPosition
	}
	if history.TimestampField == "" {
		history.TimestampField = DefaultHistoryTimestampField
	}

	return &Service{
		store:            cfg.Store,
		authenticator:    cfg.Authenticator,
		rateLimiter:      cfg.RateLimiter,
		publisher:        cfg.Publisher,
		observer:         cfg.Observer,
		writeGuard:       cfg.WriteGuard,
		compareAndSwap:   cfg.CompareAndSwap,
		maxMergeAttempts: maxMergeAttempts,
		mergeOptions:     MergeOptions{History: history},
		clock:            clock,
		logger:           logger,
		tracer:           otel.Tracer(tracerName),
	}, nil
}

// Execute validates the request, authenticates the caller, applies rate limiting and
// dispatches the action. Validation failures never reach the authenticator or the store.
func (s *Service) Execute(ctx context.Context, request Request) (result Result, err error) {
	startedAt := time.Now()
	actionLabel := unknownActionID
	ctx, span := s.tracer.Start(ctx, "progress.Execute")
	defer func() {
		outcome := outcomeLabel(err)
		span.SetAttributes(attribute.String("progress.action", actionLabel), attribute.String("progress.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		if s.observer != nil {
			s.observer.ObserveOperation(actionLabel, outcome, time.Since(startedAt))
		}
	}()

	action, actionErr := NewAction(request.Action)
	if actionErr != nil {
		return Result{}, newServiceError(opExecute, "invalid_action", ErrValidation, actionErr)
	}
	actionLabel = action.String()
	if action.RequiresSnapshot() {
		if dataErr := validateSnapshotPayload(request.Data); dataErr != nil {
			return Result{}, newServiceError(opExecute, "invalid_data", ErrValidation, dataErr)
		}
	}

	principal, authErr := s.authenticator.Authenticate(ctx, request.Token)
	if authErr != nil {
		if errors.Is(authErr, ErrAuthentication) {
			s.logger.Info("progress request rejected",
				zap.String("operation", opExecute),
				zap.String("action", actionLabel),
				zap.Error(authErr))
			return Result{}, newServiceError(opExecute, "unauthorized", ErrAuthentication, authErr)
		}
		s.logError(opExecute, "authenticator_failed", authErr, zap.String("action", actionLabel))
		return Result{}, newServiceError(opExecute, "authenticator_failed", ErrStorage, authErr)
	}
	span.SetAttributes(attribute.String("progress.principal", principal.String()))

	if s.rateLimiter != nil && !s.rateLimiter.Allow(principal.String()) {
		s.logger.Warn("progress request rate limited",
			zap.String("operation", opExecute),
			zap.String("action", actionLabel),
			zap.String("user_id", principal.String()))
		return Result{}, newServiceError(opExecute, "rate_limited", ErrRateLimited, nil)
	}

	switch action {
	case ActionPush:
		return s.Push(ctx, principal, request.Data)
	case ActionPull:
		return s.Pull(ctx, principal)
	default:
		return s.Merge(ctx, principal, request.Data)
	}
}

// Push stores the submitted snapshot verbatim, replacing whatever was stored.
func (s *Service) Push(ctx context.Context, principal Principal, data json.RawMessage) (Result, error) {
	if err := validateSnapshotPayload(data); err != nil {
		return Result{}, newServiceError(opPush, "invalid_data", ErrValidation, err)
	}
	if s.store == nil {
		return Result{}, s.notConfigured(opPush)
	}
	ctx, span := s.tracer.Start(ctx, "progress.Push")
	defer span.End()

	release, err := s.acquire(ctx, opPush, principal)
	if err != nil {
		return Result{}, err
	}
	defer release()

	stored, err := s.store.Write(ctx, SnapshotWrite{
		Principal: principal,
		Action:    ActionPush,
		Data:      data,
		WrittenAt: s.clock().UTC(),
	})
	if err != nil {
		return Result{}, s.storageError(opPush, "snapshot_write_failed", err, principal)
	}

	s.publish(ctx, ActionPush, stored)
	return Result{
		Action:    ActionPush,
		Found:     true,
		Version:   stored.Version,
		UpdatedAt: stored.UpdatedAt,
		Message:   messagePushed,
	}, nil
}

// Pull returns the stored snapshot exactly as it was written.
func (s *Service) Pull(ctx context.Context, principal Principal) (Result, error) {
	if s.store == nil {
		return Result{}, s.notConfigured(opPull)
	}
	ctx, span := s.tracer.Start(ctx, "progress.Pull")
	defer span.End()

	stored, found, err := s.store.Load(ctx, principal)
	if err != nil {
		return Result{}, s.storageError(opPull, "snapshot_load_failed", err, principal)
	}
	if !found {
		return Result{Action: ActionPull, Message: messageNoData}, nil
	}
	return Result{
		Action:    ActionPull,
		Data:      stored.Data,
		Found:     true,
		Version:   stored.Version,
		UpdatedAt: stored.UpdatedAt,
		Message:   messagePulled,
	}, nil
}

// Merge reconciles the submitted snapshot with the stored one, persists the merge and
// returns it. With compare-and-swap enabled a write that lost a race is recomputed
// against the newer stored snapshot, up to the configured attempt bound.
func (s *Service) Merge(ctx context.Context, principal Principal, data json.RawMessage) (Result, error) {
	if err := validateSnapshotPayload(data); err != nil {
		return Result{}, newServiceError(opMerge, "invalid_data", ErrValidation, err)
	}
	if s.store == nil {
		return Result{}, s.notConfigured(opMerge)
	}
	ctx, span := s.tracer.Start(ctx, "progress.Merge")
	defer span.End()

	release, err := s.acquire(ctx, opMerge, principal)
	if err != nil {
		return Result{}, err
	}
	defer release()

	local := DecodeSnapshot(data)
	for attempt := 1; ; attempt++ {
		span.SetAttributes(attribute.Int("progress.merge_attempt", attempt))
		stored, found, err := s.store.Load(ctx, principal)
		if err != nil {
			return Result{}, s.storageError(opMerge, "snapshot_load_failed", err, principal)
		}

		cloud := Snapshot{}
		var observedVersion int64
		if found {
			cloud = DecodeSnapshot(stored.Data)
			observedVersion = stored.Version
		}

		merged, err := json.Marshal(MergeSnapshots(local, cloud, s.mergeOptions))
		if err != nil {
			return Result{}, s.storageError(opMerge, "snapshot_encode_failed", err, principal)
		}

		write := SnapshotWrite{
			Principal: principal,
			Action:    ActionMerge,
			Data:      merged,
			WrittenAt: s.clock().UTC(),
		}
		if s.compareAndSwap {
			write.ExpectedVersion = &observedVersion
		}

		written, err := s.store.Write(ctx, write)
		if errors.Is(err, ErrVersionConflict) && attempt < s.maxMergeAttempts {
			s.logger.Debug("progress merge lost a write race; retrying",
				zap.String("user_id", principal.String()),
				zap.Int64("observed_version", observedVersion),
				zap.Int("attempt", attempt))
			continue
		}
		if errors.Is(err, ErrVersionConflict) {
			return Result{}, s.storageError(opMerge, "merge_conflict", err, principal)
		}
		if err != nil {
			return Result{}, s.storageError(opMerge, "snapshot_write_failed", err, principal)
		}

		s.publish(ctx, ActionMerge, written)
		return Result{
			Action:    ActionMerge,
			Data:      merged,
			Found:     true,
			Version:   written.Version,
			UpdatedAt: written.UpdatedAt,
			Message:   messageMerged,
		}, nil
	}
}

func (s *Service) acquire(ctx context.Context, operation string, principal Principal) (func(), error) {
	if s.writeGuard == nil {
		return func() {}, nil
	}
	release, err := s.writeGuard.Acquire(ctx, principal)
	if err != nil {
		return nil, s.storageError(operation, "write_guard_failed", err, principal)
	}
	return release, nil
}

func (s *Service) publish(ctx context.Context, action Action, stored StoredSnapshot) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishChange(ctx, Change{
		Principal: stored.Principal,
		Action:    action,
		Version:   stored.Version,
		UpdatedAt: stored.UpdatedAt,
	})
}

func (s *Service) notConfigured(operation string) error {
	s.logError(operation, "store_not_configured", errMissingStore)
	return newServiceError(operation, "store_not_configured", ErrNotConfigured, errMissingStore)
}

func (s *Service) storageError(operation, reason string, err error, principal Principal) error {
	s.logError(operation, reason, err, zap.String("user_id", principal.String()))
	if errors.Is(err, ErrNotConfigured) {
		return newServiceError(operation, reason, ErrNotConfigured, err)
	}
	return newServiceError(operation, reason, ErrStorage, err)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("progress service error", attrs...)
}

// validateSnapshotPayload accepts JSON objects only.
func validateSnapshotPayload(data json.RawMessage) error {
	if len(data) == 0 || isNull(data) {
		return ErrInvalidSnapshot
	}
	if _, ok := decodeObject(data); !ok {
		return ErrInvalidSnapshot
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrAuthentication):
		return "unauthorized"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "storage_failure"
	}
}
