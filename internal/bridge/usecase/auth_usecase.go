package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/identity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	refreshSkew         = 5 * time.Minute
	credentialNoticeGap = time.Hour
	maxStaleRetries     = 3
)

// ErrControlRoomExists is returned when a user who already has a control
// room invites the bot into another one.
var ErrControlRoomExists = errors.New("user already has a control room")

const usageText = `Gmail bridge commands:
  start           link a Gmail account
  logout          unlink the Gmail account
  status          show the account state
  name <text>     set the display name used on outgoing mail
  email <address> set the send-as address used on outgoing mail
  help            show this message

To write to someone, invite their puppet into a new room. Members at the
default power level receive your mail as To, members below it as Cc.`

// authUsecase implements AuthUsecase interface
type authUsecase struct {
	accounts repository.AccountRepository
	rooms    repository.RoomRepository
	auth     domain.Authenticator
	chat     domain.ChatNetwork
	hooks    AccountHooks
	defaults string
	log      *zap.Logger
	now      func() time.Time

	noticeMu   sync.Mutex
	lastNotice map[string]time.Time
}

// NewAuthUsecase creates a new instance of authUsecase
func NewAuthUsecase(accounts repository.AccountRepository, rooms repository.RoomRepository, auth domain.Authenticator, chat domain.ChatNetwork, defaultDisplayName string, log *zap.Logger) AuthUsecase {
	return &authUsecase{
		accounts:   accounts,
		rooms:      rooms,
		auth:       auth,
		chat:       chat,
		defaults:   defaultDisplayName,
		log:        log.Named("auth"),
		now:        time.Now,
		lastNotice: make(map[string]time.Time),
	}
}

// SetHooks allows wiring the loop supervisor after creation
func (u *authUsecase) SetHooks(hooks AccountHooks) {
	u.hooks = hooks
}

func (u *authUsecase) RegisterControlRoom(ctx context.Context, ownerID, roomID string) error {
	account, err := u.accounts.FindByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	switch {
	case account == nil:
		account = &domain.Account{
			OwnerID:       ownerID,
			DisplayName:   u.defaults,
			State:         domain.AuthUnauthenticated,
			ControlRoomID: roomID,
		}
		if err := u.accounts.Create(ctx, account); err != nil {
			return fmt.Errorf("unable to create account for %s: %v", ownerID, err)
		}
	case account.ControlRoomID == roomID:
	case account.ControlRoomID != "":
		return fmt.Errorf("%w: %s", ErrControlRoomExists, account.ControlRoomID)
	default:
		if _, err := u.update(ctx, ownerID, func(a *domain.Account) error {
			a.ControlRoomID = roomID
			return nil
		}); err != nil {
			return err
		}
	}

	if err := u.rooms.Register(ctx, &domain.Room{RoomID: roomID, Kind: domain.RoomKindControl, OwnerID: ownerID}); err != nil {
		return err
	}
	u.log.Info("Control room registered", zap.String("owner", ownerID), zap.String("room", roomID))
	return u.reply(ctx, roomID, usageText)
}

func (u *authUsecase) HandleCommand(ctx context.Context, ownerID, roomID, body string) error {
	account, err := u.accounts.FindByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s: %w", ownerID, domain.ErrNotFound)
	}

	text := strings.TrimSpace(body)
	command, args, _ := strings.Cut(text, " ")
	command = strings.ToLower(command)
	args = strings.TrimSpace(args)

	switch command {
	case "help":
		return u.reply(ctx, roomID, usageText)
	case "status":
		return u.reply(ctx, roomID, statusText(account))
	case "start", "login":
		return u.start(ctx, account, roomID)
	case "logout":
		return u.logout(ctx, account, roomID)
	case "name":
		return u.setName(ctx, account, roomID, args)
	case "email":
		return u.setSendAs(ctx, account, roomID, args)
	}

	if account.State == domain.AuthAwaitingToken {
		return u.acceptToken(ctx, account, roomID, text)
	}
	return u.reply(ctx, roomID, fmt.Sprintf("Unknown command %q. Send help for the list of commands.", command))
}

func (u *authUsecase) start(ctx context.Context, account *domain.Account, roomID string) error {
	if _, err := account.State.Next(domain.AuthEventStart); err != nil {
		return u.reply(ctx, roomID, fmt.Sprintf("Already linked to %s. Send logout first to link another account.", account.EmailAddress))
	}
	if _, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		return a.Transition(domain.AuthEventStart)
	}); err != nil {
		return err
	}
	url := u.auth.ConsentURL(uuid.NewString())
	return u.reply(ctx, roomID, "Open this link, allow access and paste the code you receive here:\n"+url)
}

func (u *authUsecase) acceptToken(ctx context.Context, account *domain.Account, roomID, code string) error {
	cred, email, err := u.auth.Exchange(ctx, code)
	if err != nil {
		u.log.Warn("Token exchange failed", zap.String("owner", account.OwnerID), zap.Error(err))
		return u.reply(ctx, roomID, "That code was not accepted: "+err.Error()+"\nPaste a new code or send start for a new link.")
	}
	email = strings.ToLower(email)

	other, err := u.accounts.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if other != nil && other.OwnerID != account.OwnerID {
		return u.reply(ctx, roomID, fmt.Sprintf("%s is already linked by another user.", email))
	}

	updated, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		if err := a.Transition(domain.AuthEventTokenAccepted); err != nil {
			return err
		}
		if a.EmailAddress != email {
			// the stored cursor belongs to another mailbox
			a.Cursor = ""
			a.SendAs = ""
		}
		a.EmailAddress = email
		a.Credential = cred
		return nil
	})
	if err != nil {
		return err
	}

	u.log.Info("Account authorized", zap.String("owner", account.OwnerID), zap.String("email", email))
	if u.hooks != nil {
		u.hooks.AccountAuthorized(updated)
	}
	return u.reply(ctx, roomID, fmt.Sprintf("Linked to %s. New mail will show up in thread rooms.", email))
}

func (u *authUsecase) logout(ctx context.Context, account *domain.Account, roomID string) error {
	if account.State == domain.AuthUnauthenticated {
		return u.reply(ctx, roomID, "No Gmail account is linked.")
	}
	if account.Credential != nil {
		if err := u.auth.Revoke(ctx, account.Credential); err != nil {
			u.log.Warn("Unable to revoke token", zap.String("owner", account.OwnerID), zap.Error(err))
		}
	}
	if _, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		a.Credential = nil
		return a.Transition(domain.AuthEventRevoke)
	}); err != nil {
		return err
	}
	if u.hooks != nil {
		u.hooks.AccountRevoked(account.OwnerID)
	}
	u.log.Info("Account logged out", zap.String("owner", account.OwnerID))
	return u.reply(ctx, roomID, "Logged out. Send start to link an account again.")
}

func (u *authUsecase) setName(ctx context.Context, account *domain.Account, roomID, name string) error {
	if account.State != domain.AuthAuthenticated {
		return u.reply(ctx, roomID, "Link an account with start before changing settings.")
	}
	if name == "" {
		return u.reply(ctx, roomID, fmt.Sprintf("Display name: %s", account.DisplayName))
	}
	if _, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		a.DisplayName = name
		return nil
	}); err != nil {
		return err
	}
	return u.reply(ctx, roomID, fmt.Sprintf("Display name set to %s.", name))
}

func (u *authUsecase) setSendAs(ctx context.Context, account *domain.Account, roomID, address string) error {
	if account.State != domain.AuthAuthenticated {
		return u.reply(ctx, roomID, "Link an account with start before changing settings.")
	}
	local, host, err := identity.NormalizeAddress(address)
	if address == "" || err != nil {
		return u.reply(ctx, roomID, fmt.Sprintf("Send-as address: %s", account.FromAddress()))
	}
	normalized := local + "@" + host
	if _, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		a.SendAs = normalized
		return nil
	}); err != nil {
		return err
	}
	return u.reply(ctx, roomID, fmt.Sprintf("Send-as address set to %s.", normalized))
}

// EnsureFresh refreshes an expiring credential. The poller and the composer
// may race here; whichever loses picks up the other's result.
func (u *authUsecase) EnsureFresh(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if account.Credential == nil {
		return nil, fmt.Errorf("%w: %s has no credential", domain.ErrNotAuthenticated, account.OwnerID)
	}
	if account.State == domain.AuthAuthenticated && !account.Credential.Expiring(u.now(), refreshSkew) {
		return account, nil
	}

	account, err := u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		switch {
		case a.Credential == nil || !a.State.Polling():
			return fmt.Errorf("%w: %s is %s", domain.ErrNotAuthenticated, a.OwnerID, a.State)
		case a.State == domain.AuthRefreshing:
			return errUnchanged
		case !a.Credential.Expiring(u.now(), refreshSkew):
			return errUnchanged
		}
		return a.Transition(domain.AuthEventCredentialExpired)
	})
	if err != nil {
		return nil, err
	}
	if account.State == domain.AuthAuthenticated {
		// refreshed by someone else meanwhile
		return account, nil
	}

	cred, err := u.auth.Refresh(ctx, account.Credential)
	if err != nil {
		return nil, err
	}
	account, err = u.update(ctx, account.OwnerID, func(a *domain.Account) error {
		switch a.State {
		case domain.AuthRefreshing:
			a.Credential = cred
			return a.Transition(domain.AuthEventRefreshed)
		case domain.AuthAuthenticated:
			a.Credential = cred
			return nil
		}
		return fmt.Errorf("%w: %s is %s", domain.ErrNotAuthenticated, a.OwnerID, a.State)
	})
	if err != nil {
		return nil, err
	}
	u.log.Debug("Credential refreshed", zap.String("owner", account.OwnerID), zap.Time("expiry", cred.Expiry))
	return account, nil
}

func (u *authUsecase) PersistCredential(ownerID string) domain.TokenUpdateFunc {
	return func(cred *domain.Credential) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := u.accounts.UpdateCredential(ctx, ownerID, cred); err != nil {
			u.log.Error("Unable to persist refreshed token", zap.String("owner", ownerID), zap.Error(err))
			return err
		}
		return nil
	}
}

func (u *authUsecase) NotifyCredentialFailure(ctx context.Context, ownerID string, cause error) {
	now := u.now()
	u.noticeMu.Lock()
	last, ok := u.lastNotice[ownerID]
	if ok && now.Sub(last) < credentialNoticeGap {
		u.noticeMu.Unlock()
		return
	}
	u.lastNotice[ownerID] = now
	u.noticeMu.Unlock()

	account, err := u.accounts.FindByOwner(ctx, ownerID)
	if err != nil || account == nil || account.ControlRoomID == "" {
		return
	}
	msg := "Gmail rejected the stored credential: " + cause.Error()
	if err := u.reply(ctx, account.ControlRoomID, msg); err != nil {
		u.log.Warn("Unable to post credential notice", zap.String("owner", ownerID), zap.Error(err))
	}
}

func (u *authUsecase) Demote(ctx context.Context, ownerID string, cause error) error {
	account, err := u.update(ctx, ownerID, func(a *domain.Account) error {
		a.Credential = nil
		return a.Transition(domain.AuthEventCredentialRejected)
	})
	if err != nil {
		return err
	}
	u.log.Warn("Account demoted", zap.String("owner", ownerID), zap.Error(cause))
	if u.hooks != nil {
		u.hooks.AccountRevoked(ownerID)
	}
	if account.ControlRoomID != "" {
		return u.reply(ctx, account.ControlRoomID, "Gmail access was lost and syncing has stopped. Send start to link the account again.")
	}
	return nil
}

// errUnchanged tells update to return the account as read, without writing.
var errUnchanged = errors.New("account unchanged")

// update re-reads the account, applies mutate and writes it back, retrying
// when another writer got there first.
func (u *authUsecase) update(ctx context.Context, ownerID string, mutate func(*domain.Account) error) (*domain.Account, error) {
	for attempt := 0; ; attempt++ {
		account, err := u.accounts.FindByOwner(ctx, ownerID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, fmt.Errorf("account %s: %w", ownerID, domain.ErrNotFound)
		}
		if err := mutate(account); err != nil {
			if errors.Is(err, errUnchanged) {
				return account, nil
			}
			return nil, err
		}
		err = u.accounts.Update(ctx, account)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, domain.ErrStaleAccount) || attempt+1 >= maxStaleRetries {
			return nil, err
		}
	}
}

func (u *authUsecase) reply(ctx context.Context, roomID, text string) error {
	_, err := u.chat.SendMessage(ctx, roomID, "", &domain.ChatMessage{Kind: domain.ChatNotice, Body: text})
	return err
}

func statusText(a *domain.Account) string {
	var b strings.Builder
	fmt.Fprintf(&b, "State: %s", a.State)
	if a.EmailAddress != "" {
		fmt.Fprintf(&b, "\nMailbox: %s", a.EmailAddress)
	}
	fmt.Fprintf(&b, "\nDisplay name: %s", a.DisplayName)
	if a.EmailAddress != "" {
		fmt.Fprintf(&b, "\nSend-as: %s", a.FromAddress())
	}
	return b.String()
}
