package domain

import (
	"context"
	"errors"
)

var (
	// ErrTransient marks failures that are worth retrying: network blips,
	// rate limiting, 5xx responses from either side.
	ErrTransient = errors.New("transient network error")
	// ErrCredential means the mail provider rejected the stored credential.
	ErrCredential = errors.New("credential rejected")
	// ErrMapping is returned for addresses, handles or aliases that cannot be
	// translated between the two networks.
	ErrMapping = errors.New("mapping error")
	// ErrCompose wraps any failure while sending an outbound mail message.
	ErrCompose = errors.New("compose failed")

	ErrNotFound          = errors.New("not found")
	ErrNotAuthenticated  = errors.New("account is not authenticated")
	ErrCursorConflict    = errors.New("sync cursor was advanced concurrently")
	ErrCursorExpired     = errors.New("sync cursor is no longer valid")
	ErrStaleAccount      = errors.New("account was modified concurrently")
	ErrRoomKindConflict  = errors.New("room is already registered with another kind")
	ErrIllegalTransition = errors.New("illegal authorization transition")
)

// IsRetryable reports whether err should be retried by the caller.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCompose) || errors.Is(err, ErrCredential) || errors.Is(err, ErrMapping) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
