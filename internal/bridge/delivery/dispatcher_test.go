package delivery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/bridge/usecase"
	"gmail-bridge/internal/identity"
	"gmail-bridge/internal/testutil"
	"gmail-bridge/pkg/dedup"

	"go.uber.org/zap"
)

const (
	owner       = "@alice:hs"
	bot         = "@gmail:hs"
	controlRoom = "!ctrl:hs"
	bobPuppet   = "@_bridge_bob_at_example.com:hs"
)

type fixture struct {
	store      *repository.Store
	chat       *testutil.FakeChat
	mail       *testutil.FakeMail
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mapper, err := identity.NewMapper("_bridge_", "hs")
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	log := zap.NewNop()
	f := &fixture{
		store: testutil.NewTestStore(t),
		chat:  testutil.NewFakeChat(bot),
		mail:  testutil.NewFakeMail("alice@example.com"),
	}
	auth := usecase.NewAuthUsecase(f.store.Accounts, f.store.Rooms, testutil.NewFakeAuthenticator(), f.chat, "Bridge User", log)
	composer := usecase.NewComposer(f.store, f.chat, f.mail, auth, mapper, dedup.NewMemoryPendingStore(time.Hour), log)
	f.dispatcher = NewDispatcher(f.store, f.chat, mapper, auth, composer, dedup.NewMemoryDeduper(time.Hour), log)
	f.dispatcher.retryBase = time.Millisecond
	return f
}

// linkAccount stores an authenticated account with its control room.
func (f *fixture) linkAccount(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.chat.AddRoom(controlRoom, "", owner, bot)
	err := f.store.Accounts.Create(ctx, &domain.Account{
		OwnerID:       owner,
		EmailAddress:  "alice@example.com",
		DisplayName:   "Alice",
		State:         domain.AuthAuthenticated,
		Credential:    testutil.ValidCredential(),
		ControlRoomID: controlRoom,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := f.store.Rooms.Register(ctx, &domain.Room{RoomID: controlRoom, Kind: domain.RoomKindControl, OwnerID: owner}); err != nil {
		t.Fatalf("Register: %v", err)
	}
}

func invite(roomID, sender, target string) *domain.ChatEvent {
	return &domain.ChatEvent{
		ID:         "$inv-" + roomID + target,
		RoomID:     roomID,
		Sender:     sender,
		Type:       domain.ChatEventMember,
		Target:     target,
		Membership: "invite",
	}
}

func text(id, roomID, sender, body string) *domain.ChatEvent {
	return &domain.ChatEvent{ID: id, RoomID: roomID, Sender: sender, Type: domain.ChatEventMessage, MsgType: "m.text", Body: body}
}

func lastBody(t *testing.T, f *fixture, roomID string) string {
	t.Helper()
	posted := f.chat.MessagesIn(roomID)
	if len(posted) == 0 {
		t.Fatalf("nothing posted in %s", roomID)
	}
	return posted[len(posted)-1].Message.Body
}

func TestBotInviteCreatesControlRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.chat.AddRoom(controlRoom, "", owner)

	if err := f.dispatcher.Handle(ctx, invite(controlRoom, owner, bot)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.chat.Room(controlRoom).Membership[bot] != "join" {
		t.Error("bot did not join")
	}
	room, _ := f.store.Rooms.FindByID(ctx, controlRoom)
	if room == nil || room.Kind != domain.RoomKindControl || room.OwnerID != owner {
		t.Errorf("room = %+v", room)
	}
	if !strings.Contains(lastBody(t, f, controlRoom), "Gmail bridge commands") {
		t.Error("usage not posted")
	}

	// a second control room is refused and left
	f.chat.AddRoom("!second:hs", "", owner)
	if err := f.dispatcher.Handle(ctx, invite("!second:hs", owner, bot)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, ok := f.chat.Room("!second:hs").Membership[bot]; ok {
		t.Error("bot stayed in a second control room")
	}
	if !strings.Contains(lastBody(t, f, "!second:hs"), "already have a control room") {
		t.Errorf("notice = %q", lastBody(t, f, "!second:hs"))
	}
}

func TestPuppetInviteRegistersThreadRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)
	f.chat.AddRoom("!new:hs", "Lunch", owner)

	if err := f.dispatcher.Handle(ctx, invite("!new:hs", owner, bobPuppet)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	room := f.chat.Room("!new:hs")
	if room.Membership[bobPuppet] != "join" || room.Membership[bot] != "join" {
		t.Errorf("membership = %v", room.Membership)
	}
	if f.chat.Puppets[bobPuppet] != "bob@example.com" {
		t.Errorf("puppet profile = %q", f.chat.Puppets[bobPuppet])
	}
	stored, _ := f.store.Rooms.FindByID(ctx, "!new:hs")
	if stored == nil || stored.Kind != domain.RoomKindThread || stored.OwnerID != owner {
		t.Fatalf("room = %+v", stored)
	}

	// the first message starts a new mail thread
	if err := f.dispatcher.Handle(ctx, text("$m1", "!new:hs", owner, "Lunch on Friday?")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(f.mail.Sent) != 1 {
		t.Fatalf("sent %d mails", len(f.mail.Sent))
	}
	if out := f.mail.Sent[0]; out.Subject != "Lunch" || len(out.To) != 1 || out.To[0].Email != "bob@example.com" {
		t.Errorf("mail = %+v", out)
	}
}

func TestPuppetInviteRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)

	if err := f.dispatcher.Handle(ctx, invite(controlRoom, owner, bobPuppet)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if f.chat.Room(controlRoom).Membership[bobPuppet] == "join" {
		t.Error("puppet joined the control room")
	}
	if !strings.Contains(lastBody(t, f, controlRoom), "cannot be invited into the control room") {
		t.Errorf("notice = %q", lastBody(t, f, controlRoom))
	}

	f.chat.AddRoom("!new:hs", "", owner)
	if err := f.dispatcher.Handle(ctx, invite("!new:hs", owner, "@_bridge_nobody:hs")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if room, _ := f.store.Rooms.FindByID(ctx, "!new:hs"); room != nil {
		t.Errorf("invalid puppet registered a room: %+v", room)
	}
	if !strings.Contains(lastBody(t, f, controlRoom), "@_bridge_nobody:hs") {
		t.Errorf("notice = %q", lastBody(t, f, controlRoom))
	}
}

func TestControlRoomCommands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)

	if err := f.dispatcher.Handle(ctx, text("$c1", controlRoom, owner, "status")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(lastBody(t, f, controlRoom), "State: authenticated") {
		t.Errorf("reply = %q", lastBody(t, f, controlRoom))
	}

	// a third member disables commands
	f.chat.Room(controlRoom).Membership["@mallory:hs"] = "join"
	if err := f.dispatcher.Handle(ctx, text("$c2", controlRoom, owner, "logout")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(lastBody(t, f, controlRoom), "only you and the bridge bot") {
		t.Errorf("reply = %q", lastBody(t, f, controlRoom))
	}
	account, _ := f.store.Accounts.FindByOwner(ctx, owner)
	if account.State != domain.AuthAuthenticated {
		t.Errorf("command ran despite a third member: %s", account.State)
	}
}

func TestEchoAndForeignEventsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)

	events := []*domain.ChatEvent{
		text("$e1", controlRoom, bot, "status"),
		text("$e2", controlRoom, bobPuppet, "status"),
		text("$e3", controlRoom, "@mallory:hs", "status"),
		text("$e4", "!unknown:hs", owner, "hello"),
		{ID: "$e5", RoomID: controlRoom, Sender: owner, Type: domain.ChatEventMember, Target: owner, Membership: "join"},
	}
	for _, evt := range events {
		if err := f.dispatcher.Handle(ctx, evt); err != nil {
			t.Errorf("Handle(%s): %v", evt.ID, err)
		}
	}
	if n := len(f.chat.Posted); n != 0 {
		t.Errorf("posted %d messages, want none", n)
	}
}

func TestProcessRetriesTransientAndDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)
	f.chat.SendErr = fmt.Errorf("%w: 502 from homeserver", domain.ErrTransient)
	f.chat.FailSendAt = 1

	evt := text("$c1", controlRoom, owner, "status")
	f.dispatcher.process(ctx, evt)
	f.dispatcher.process(ctx, evt)

	if n := len(f.chat.MessagesIn(controlRoom)); n != 1 {
		t.Errorf("posted %d replies, want 1", n)
	}
}

func TestQueueOrderAndStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.linkAccount(t)

	f.dispatcher.Start(ctx)
	err := f.dispatcher.Enqueue(ctx,
		text("$q1", controlRoom, owner, "name First"),
		text("$q2", controlRoom, owner, "name Second"),
	)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := f.dispatcher.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	account, _ := f.store.Accounts.FindByOwner(ctx, owner)
	if account.DisplayName != "Second" {
		t.Errorf("DisplayName = %q, want the later command to win", account.DisplayName)
	}
	if err := f.dispatcher.Enqueue(ctx, text("$q3", controlRoom, owner, "status")); err != ErrQueueClosed {
		t.Errorf("Enqueue after Stop = %v", err)
	}
}

func TestStopDrainsQueueAfterCancel(t *testing.T) {
	f := newFixture(t)
	f.linkAccount(t)

	const queued = 20
	for i := 0; i < queued; i++ {
		evt := text(fmt.Sprintf("$s%d", i), controlRoom, owner, "status")
		if err := f.dispatcher.Enqueue(context.Background(), evt); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.dispatcher.Start(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := f.dispatcher.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := len(f.chat.MessagesIn(controlRoom)); n != queued {
		t.Errorf("posted %d replies, want %d", n, queued)
	}
}
