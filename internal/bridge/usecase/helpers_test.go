package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/identity"
	"gmail-bridge/internal/testutil"
	"gmail-bridge/pkg/dedup"

	"go.uber.org/zap"
)

const (
	testOwner       = "@alice:hs"
	testOwnerEmail  = "alice@example.com"
	testBot         = "@gmail:hs"
	testControlRoom = "!ctrl:hs"
	bobPuppet       = "@_bridge_bob_at_example.com:hs"
	carolPuppet     = "@_bridge_carol_at_example.com:hs"
)

type recordingHooks struct {
	mu         sync.Mutex
	authorized []string
	revoked    []string
}

func (h *recordingHooks) AccountAuthorized(account *domain.Account) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.authorized = append(h.authorized, account.OwnerID)
}

func (h *recordingHooks) AccountRevoked(ownerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.revoked = append(h.revoked, ownerID)
}

type harness struct {
	store     *repository.Store
	chat      *testutil.FakeChat
	mail      *testutil.FakeMail
	authn     *testutil.FakeAuthenticator
	mapper    *identity.Mapper
	hooks     *recordingHooks
	pending   dedup.PendingStore
	auth      *authUsecase
	segmenter Segmenter
	poller    *poller
	composer  *composer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mapper, err := identity.NewMapper("_bridge_", "hs")
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	log := zap.NewNop()
	h := &harness{
		store:   testutil.NewTestStore(t),
		chat:    testutil.NewFakeChat(testBot),
		mail:    testutil.NewFakeMail(testOwnerEmail),
		authn:   testutil.NewFakeAuthenticator(),
		mapper:  mapper,
		hooks:   &recordingHooks{},
		pending: dedup.NewMemoryPendingStore(time.Hour),
	}
	h.auth = NewAuthUsecase(h.store.Accounts, h.store.Rooms, h.authn, h.chat, "Bridge User", log).(*authUsecase)
	h.auth.SetHooks(h.hooks)
	h.segmenter = NewSegmenter(h.chat, h.store.Rooms, h.store.Threads, mapper, NewQuoteStripper(nil), log)
	h.poller = NewPoller(PollerConfig{
		Interval:        time.Minute,
		BackfillWindow:  5,
		InitialLookback: 24 * time.Hour,
		DeliveryGrace:   10 * time.Minute,
	}, h.store, h.mail, h.auth, h.segmenter, log).(*poller)
	h.composer = NewComposer(h.store, h.chat, h.mail, h.auth, mapper, h.pending, log).(*composer)
	return h
}

// authorize stores an authenticated account with a control room.
func (h *harness) authorize(t *testing.T) *domain.Account {
	t.Helper()
	ctx := context.Background()
	h.chat.AddRoom(testControlRoom, "", testOwner, testBot)
	account := &domain.Account{
		OwnerID:       testOwner,
		EmailAddress:  testOwnerEmail,
		DisplayName:   "Alice",
		State:         domain.AuthAuthenticated,
		Credential:    testutil.ValidCredential(),
		ControlRoomID: testControlRoom,
	}
	if err := h.store.Accounts.Create(ctx, account); err != nil {
		t.Fatalf("Create account: %v", err)
	}
	if err := h.store.Rooms.Register(ctx, &domain.Room{RoomID: testControlRoom, Kind: domain.RoomKindControl, OwnerID: testOwner}); err != nil {
		t.Fatalf("Register control room: %v", err)
	}
	return account
}

func (h *harness) account(t *testing.T) *domain.Account {
	t.Helper()
	account, err := h.store.Accounts.FindByOwner(context.Background(), testOwner)
	if err != nil || account == nil {
		t.Fatalf("FindByOwner = %v, %v", account, err)
	}
	return account
}

func (h *harness) lastNotice(t *testing.T, roomID string) string {
	t.Helper()
	posted := h.chat.MessagesIn(roomID)
	if len(posted) == 0 {
		t.Fatalf("no message in %s", roomID)
	}
	return posted[len(posted)-1].Message.Body
}

func mailFromBob(id, threadID string, date time.Time) *domain.MailMessage {
	return &domain.MailMessage{
		ID:              id,
		ThreadID:        threadID,
		MessageIDHeader: "<" + id + "@mail.example.com>",
		Subject:         "Quarterly report",
		From:            domain.Address{Name: "Bob", Email: "bob@example.com"},
		To:              []domain.Address{{Email: testOwnerEmail}},
		Date:            date,
		Text:            "Hello from " + id,
		Labels:          []string{"INBOX"},
	}
}
