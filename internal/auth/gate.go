package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/karryzhang/VocabLoop/internal/progress"
)

// ErrUnknownAccount indicates a valid token whose subject has no backing account.
var ErrUnknownAccount = errors.New("auth: unknown account")

var errMissingValidator = errors.New("auth gate: session validator required")

// AccountResolver maps validated claims to the canonical account identifier.
type AccountResolver interface {
	ResolveCanonicalUserID(ctx context.Context, claims SessionClaims) (string, error)
}

// Gate authenticates sync requests for the progress service.
type Gate struct {
	validator *SessionValidator
	accounts  AccountResolver
}

// NewGate constructs a Gate. Without an AccountResolver the token subject is the principal.
func NewGate(validator *SessionValidator, accounts AccountResolver) (*Gate, error) {
	if validator == nil {
		return nil, errMissingValidator
	}
	return &Gate{validator: validator, accounts: accounts}, nil
}

// Authenticate validates the token and resolves its account. Token problems and unknown
// accounts are reported as progress.ErrAuthentication; resolver outages are returned as-is.
func (g *Gate) Authenticate(ctx context.Context, token string) (progress.Principal, error) {
	claims, err := g.validator.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", progress.ErrAuthentication, err)
	}

	userID := claims.UserID
	if g.accounts != nil {
		userID, err = g.accounts.ResolveCanonicalUserID(ctx, claims)
		if errors.Is(err, ErrUnknownAccount) {
			return "", fmt.Errorf("%w: %w", progress.ErrAuthentication, err)
		}
		if err != nil {
			return "", err
		}
	}

	principal, err := progress.NewPrincipal(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", progress.ErrAuthentication, err)
	}
	return principal, nil
}
