package usecase

import (
	"context"

	"gmail-bridge/internal/bridge/domain"
)

// AuthUsecase drives the per-user authorization state machine from control
// room commands and keeps credentials fresh.
type AuthUsecase interface {
	RegisterControlRoom(ctx context.Context, ownerID, roomID string) error
	HandleCommand(ctx context.Context, ownerID, roomID, body string) error
	// EnsureFresh refreshes the credential when it is about to expire and
	// returns the up to date account.
	EnsureFresh(ctx context.Context, account *domain.Account) (*domain.Account, error)
	PersistCredential(ownerID string) domain.TokenUpdateFunc
	// NotifyCredentialFailure tells the owner about a rejected credential,
	// at most once per hour.
	NotifyCredentialFailure(ctx context.Context, ownerID string, cause error)
	Demote(ctx context.Context, ownerID string, cause error) error
	SetHooks(hooks AccountHooks)
}

// AccountHooks is notified when an account starts or stops being pollable.
type AccountHooks interface {
	AccountAuthorized(account *domain.Account)
	AccountRevoked(ownerID string)
}

// Segmenter posts one mail message into its thread room.
type Segmenter interface {
	// Deliver returns the ids of the chat events it emitted, attachments
	// first and the body last.
	Deliver(ctx context.Context, account *domain.Account, msg *domain.MailMessage) ([]string, error)
}

// Poller ingests new mail of one account.
type Poller interface {
	Cycle(ctx context.Context, ownerID string) error
	// Run polls until ctx is cancelled, the account loses its authorization
	// or its credential is rejected repeatedly. A value on wake starts a
	// cycle early.
	Run(ctx context.Context, ownerID string, wake <-chan struct{})
}

// Composer turns chat messages in thread rooms into outbound mail.
type Composer interface {
	HandleMessage(ctx context.Context, room *domain.Room, evt *domain.ChatEvent) error
}
