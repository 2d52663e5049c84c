package domain

import (
	"fmt"
	"time"
)

// AuthState is the authorization state of an Account.
type AuthState string

const (
	AuthUnauthenticated AuthState = "unauthenticated"
	AuthAwaitingToken   AuthState = "awaiting_token"
	AuthAuthenticated   AuthState = "authenticated"
	AuthRefreshing      AuthState = "refreshing"
)

// AuthEvent drives transitions between AuthStates.
type AuthEvent string

const (
	AuthEventStart              AuthEvent = "start"
	AuthEventTokenAccepted      AuthEvent = "token_accepted"
	AuthEventCredentialExpired  AuthEvent = "credential_expired"
	AuthEventRefreshed          AuthEvent = "refreshed"
	AuthEventRevoke             AuthEvent = "revoke"
	AuthEventCredentialRejected AuthEvent = "credential_rejected"
)

var authTransitions = map[AuthState]map[AuthEvent]AuthState{
	AuthUnauthenticated: {
		AuthEventStart: AuthAwaitingToken,
	},
	AuthAwaitingToken: {
		AuthEventStart:         AuthAwaitingToken,
		AuthEventTokenAccepted: AuthAuthenticated,
	},
	AuthAuthenticated: {
		AuthEventCredentialExpired: AuthRefreshing,
	},
	AuthRefreshing: {
		AuthEventRefreshed: AuthAuthenticated,
	},
}

// Next returns the state reached from s on ev. Revocation and credential
// rejection are accepted from every state.
func (s AuthState) Next(ev AuthEvent) (AuthState, error) {
	if ev == AuthEventRevoke || ev == AuthEventCredentialRejected {
		return AuthUnauthenticated, nil
	}
	if next, ok := authTransitions[s][ev]; ok {
		return next, nil
	}
	return s, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, s, ev)
}

// Polling reports whether an account in this state should be polled.
func (s AuthState) Polling() bool {
	return s == AuthAuthenticated || s == AuthRefreshing
}

// Credential is the OAuth material for one mail identity.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// Expiring reports whether the access token expires within skew of now.
func (c *Credential) Expiring(now time.Time, skew time.Duration) bool {
	if c == nil || c.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.Expiry)
}

// Account binds one chat user to one mail identity.
type Account struct {
	OwnerID          string      `json:"owner_id" gorm:"primaryKey"`
	EmailAddress     string      `json:"email_address" gorm:"index"`
	DisplayName      string      `json:"display_name"`
	SendAs           string      `json:"send_as"`
	State            AuthState   `json:"state" gorm:"not null;default:unauthenticated"`
	Credential       *Credential `json:"-" gorm:"-"`
	SealedCredential string      `json:"-" gorm:"column:credential;type:text"`
	Cursor           string      `json:"cursor" gorm:"column:sync_cursor"`
	ControlRoomID    string      `json:"control_room_id"`
	Version          int64       `json:"version" gorm:"not null;default:0"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (Account) TableName() string {
	return "accounts"
}

// Transition applies ev to the account state.
func (a *Account) Transition(ev AuthEvent) error {
	next, err := a.State.Next(ev)
	if err != nil {
		return err
	}
	a.State = next
	return nil
}

// FromAddress is the address outbound mail is sent from.
func (a *Account) FromAddress() string {
	if a.SendAs != "" {
		return a.SendAs
	}
	return a.EmailAddress
}
