package progress

import (
	"errors"
	"fmt"
)

// Error categories surfaced by Service. Every ServiceError matches exactly one of them with errors.Is.
var (
	// ErrValidation marks a malformed request rejected before any I/O.
	ErrValidation = errors.New("progress: validation failed")
	// ErrAuthentication marks a token that did not resolve to a known account.
	ErrAuthentication = errors.New("progress: authentication failed")
	// ErrRateLimited marks a request rejected by the configured rate limiter.
	ErrRateLimited = errors.New("progress: rate limited")
	// ErrNotConfigured marks a service started without a record store.
	ErrNotConfigured = errors.New("progress: record store not configured")
	// ErrStorage marks any other record store failure.
	ErrStorage = errors.New("progress: storage failure")
)

var (
	errMissingAuthenticator = errors.New("authenticator is required")
	errMissingStore         = errors.New("record store is required")
	errMissingDatabase      = errors.New("database handle is required")
	errMissingIDProvider    = errors.New("id provider is required")
	errMissingRedisClient   = errors.New("redis client is required")
)

// ServiceError carries a stable "operation.reason" code, its category and the underlying cause.
type ServiceError struct {
	code     string
	category error
	err      error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes both the category and the cause to errors.Is and errors.As.
func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.category != nil {
		unwrapped = append(unwrapped, e.category)
	}
	if e.err != nil {
		unwrapped = append(unwrapped, e.err)
	}
	return unwrapped
}

func (e *ServiceError) Code() string {
	return e.code
}

// Category returns one of the exported category sentinels.
func (e *ServiceError) Category() error {
	return e.category
}

const (
	opServiceNew = "progress.service.new"
	opExecute    = "progress.execute"
	opPush       = "progress.push"
	opPull       = "progress.pull"
	opMerge      = "progress.merge"
)

func newServiceError(operation, reason string, category, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, category: category, err: cause}
}
