package repository

import (
	"context"

	"gmail-bridge/internal/bridge/domain"
)

// AccountRepository persists accounts and their sync cursor.
type AccountRepository interface {
	// FindByOwner returns nil, nil when the user has no account
	FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error)
	FindByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListByStates(ctx context.Context, states ...domain.AuthState) ([]*domain.Account, error)
	Create(ctx context.Context, account *domain.Account) error
	// Update writes the account if its version still matches and bumps the
	// version. A mismatch yields domain.ErrStaleAccount.
	Update(ctx context.Context, account *domain.Account) error
	// UpdateCredential replaces only the stored credential.
	UpdateCredential(ctx context.Context, ownerID string, cred *domain.Credential) error
	// AdvanceCursor moves the cursor from expected to next, or fails with
	// domain.ErrCursorConflict.
	AdvanceCursor(ctx context.Context, ownerID, expected, next string) error
}
