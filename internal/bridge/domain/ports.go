package domain

import (
	"context"
	"time"
)

// MailService is the per-account view of the mail provider.
type MailService interface {
	Profile(ctx context.Context) (*MailProfile, error)
	// Changes returns threads touched after cursor. It fails with
	// ErrCursorExpired when the provider no longer knows the cursor.
	Changes(ctx context.Context, cursor string) (*ChangeSet, error)
	// RecentThreads lists thread ids with activity after since, oldest first.
	RecentThreads(ctx context.Context, since time.Time) ([]string, error)
	// ThreadMessages lists the thread's messages, oldest first.
	ThreadMessages(ctx context.Context, threadID string) ([]MessageRef, error)
	Message(ctx context.Context, messageID string) (*MailMessage, error)
	ReplyContext(ctx context.Context, threadID string) (*ReplyContext, error)
	Send(ctx context.Context, mail *OutgoingMail) (*SentMessage, error)
	Watch(ctx context.Context, topic string) error
}

// TokenUpdateFunc persists a credential refreshed by the mail client.
type TokenUpdateFunc func(cred *Credential) error

// MailClientFactory opens a MailService for one credential.
type MailClientFactory interface {
	ForAccount(ctx context.Context, cred *Credential, onRefresh TokenUpdateFunc) (MailService, error)
}

// Authenticator runs the consent flow of the mail provider.
type Authenticator interface {
	ConsentURL(state string) string
	// Exchange redeems an authorization code and returns the credential and
	// the mailbox address it grants access to.
	Exchange(ctx context.Context, code string) (*Credential, string, error)
	Refresh(ctx context.Context, cred *Credential) (*Credential, error)
	Revoke(ctx context.Context, cred *Credential) error
}

// ChatNetwork is the bridge's access to the chat homeserver. Calls that take
// an asUser act as that user; an empty asUser means the bridge bot.
type ChatNetwork interface {
	BotUserID() string
	EnsurePuppet(ctx context.Context, userID, displayName string) error
	ResolveAlias(ctx context.Context, alias string) (string, error)
	CreateRoom(ctx context.Context, req *CreateRoomRequest) (string, error)
	SetAlias(ctx context.Context, roomID, alias string) error
	Invite(ctx context.Context, roomID, asUser, userID string) error
	Join(ctx context.Context, roomID, asUser string) error
	Leave(ctx context.Context, roomID, asUser string) error
	Members(ctx context.Context, roomID string) ([]string, error)
	PowerLevels(ctx context.Context, roomID string) (*PowerLevels, error)
	SetPowerLevels(ctx context.Context, roomID string, levels map[string]int) error
	RoomName(ctx context.Context, roomID string) (string, error)
	SendMessage(ctx context.Context, roomID, asUser string, msg *ChatMessage) (string, error)
	Download(ctx context.Context, uri string) ([]byte, error)
}
