package progress

import (
	"errors"
	"fmt"
	"strings"
)

// Action enumerates supported sync actions.
type Action string

const (
	// ActionPush overwrites the stored snapshot with the submitted one.
	ActionPush Action = "push"
	// ActionPull returns the stored snapshot unmodified.
	ActionPull Action = "pull"
	// ActionMerge reconciles the submitted snapshot with the stored one.
	ActionMerge Action = "merge"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidPrincipal indicates that a principal identifier is empty or exceeds storage bounds.
	ErrInvalidPrincipal = errors.New("progress: invalid principal")
	// ErrInvalidAction indicates that an action name is not supported.
	ErrInvalidAction = errors.New("progress: invalid action")
	// ErrInvalidSnapshot indicates that a snapshot payload is missing or not a JSON object.
	ErrInvalidSnapshot = errors.New("progress: invalid snapshot")
)

// Principal represents a validated authenticated identity.
type Principal string

// NewPrincipal validates raw input and returns a Principal.
func NewPrincipal(rawInput string) (Principal, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPrincipal)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidPrincipal, maxIdentifierLength)
	}
	return Principal(trimmed), nil
}

// String returns the underlying identifier.
func (principal Principal) String() string {
	return string(principal)
}

// NewAction validates raw input and returns an Action.
func NewAction(rawInput string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ActionPush:
		return ActionPush, nil
	case ActionPull:
		return ActionPull, nil
	case ActionMerge:
		return ActionMerge, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

// RequiresSnapshot reports whether the action carries a snapshot payload.
func (action Action) RequiresSnapshot() bool {
	return action == ActionPush || action == ActionMerge
}

// String returns the action name.
func (action Action) String() string {
	return string(action)
}
