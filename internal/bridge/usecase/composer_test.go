package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gmail-bridge/internal/bridge/domain"
)

const davePuppet = "@_bridge_dave_at_example.com:hs"

func ownerText(id, roomID, body string) *domain.ChatEvent {
	return &domain.ChatEvent{
		ID:      id,
		RoomID:  roomID,
		Sender:  testOwner,
		Type:    domain.ChatEventMessage,
		MsgType: "m.text",
		Body:    body,
	}
}

// boundRoom delivers mail from bob into a new thread room and returns it.
func (h *harness) boundRoom(t *testing.T, ids ...string) *domain.Room {
	t.Helper()
	for _, id := range ids {
		h.mail.AddMessage(mailFromBob(id, "T1", time.Now()))
	}
	if err := h.poller.Cycle(context.Background(), testOwner); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	roomID := h.roomOf(t, "T1")
	h.chat.Room(roomID).Membership[testOwner] = "join"
	return &domain.Room{RoomID: roomID, Kind: domain.RoomKindThread, OwnerID: testOwner}
}

// draftRoom is an unbound room the owner assembled by inviting puppets.
func (h *harness) draftRoom(t *testing.T, name string, puppets map[string]int) *domain.Room {
	t.Helper()
	joined := []string{testOwner, testBot}
	for p := range puppets {
		joined = append(joined, p)
	}
	h.chat.AddRoom("!draft:hs", name, joined...)
	for p, lvl := range puppets {
		h.chat.SetLevel("!draft:hs", p, lvl)
	}
	room := &domain.Room{RoomID: "!draft:hs", Kind: domain.RoomKindThread, OwnerID: testOwner}
	if err := h.store.Rooms.Register(context.Background(), room); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return room
}

func TestComposeReplyInThread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t)
	room := h.boundRoom(t, "m1")

	if err := h.composer.HandleMessage(ctx, room, ownerText("$out1", room.RoomID, "Sounds good")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(h.mail.Sent) != 1 {
		t.Fatalf("sent %d mails, want 1", len(h.mail.Sent))
	}
	out := h.mail.Sent[0]
	if out.ThreadID != "T1" || out.Subject != "Re: Quarterly report" {
		t.Errorf("thread = %q subject = %q", out.ThreadID, out.Subject)
	}
	if out.InReplyTo != "<m1@mail.example.com>" {
		t.Errorf("In-Reply-To = %q", out.InReplyTo)
	}
	if len(out.To) != 1 || out.To[0].Email != "bob@example.com" || len(out.Cc) != 0 {
		t.Errorf("to = %v cc = %v", out.To, out.Cc)
	}
	if out.From.Email != testOwnerEmail || out.From.Name != "Alice" || out.Text != "Sounds good" {
		t.Errorf("from = %v text = %q", out.From, out.Text)
	}

	rec, _ := h.store.Deliveries.Find(ctx, domain.DeliveryKey{OwnerID: testOwner, ThreadID: "T1", MessageID: "sent-1"})
	if rec == nil || rec.Status != domain.DeliveryComplete || len(rec.EventIDs) != 1 || rec.EventIDs[0] != "$out1" {
		t.Errorf("sent record = %+v", rec)
	}

	// the sent copy comes back through the poller without an echo
	before := len(h.chat.MessagesIn(room.RoomID))
	if err := h.poller.Cycle(ctx, testOwner); err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if after := len(h.chat.MessagesIn(room.RoomID)); after != before {
		t.Errorf("sent mail echoed into the room: %d -> %d", before, after)
	}
}

func TestComposeRecipientsFromPowerLevels(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t)
	room := h.draftRoom(t, "Lunch plans", map[string]int{
		bobPuppet:   0,
		carolPuppet: -1,
		davePuppet:  50,
	})

	if err := h.composer.HandleMessage(ctx, room, ownerText("$out1", room.RoomID, "Friday?")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	out := h.mail.Sent[0]
	if len(out.To) != 1 || out.To[0].Email != "bob@example.com" {
		t.Errorf("to = %v", out.To)
	}
	if len(out.Cc) != 1 || out.Cc[0].Email != "carol@example.com" {
		t.Errorf("cc = %v", out.Cc)
	}
	if out.Subject != "Lunch plans" || out.ThreadID != "" || out.InReplyTo != "" {
		t.Errorf("new thread mail = %+v", out)
	}

	thread, _ := h.store.Threads.FindByRoom(ctx, room.RoomID)
	if thread == nil || thread.ThreadID != "thread-sent-1" {
		t.Fatalf("room not bound: %+v", thread)
	}
	if !thread.Participants.Contains("bob@example.com") || !thread.Participants.Contains("carol@example.com") {
		t.Errorf("participants = %v", thread.Participants)
	}
	if got := h.chat.Aliases["#_bridge_thread-sent-1.alice_at_example.com:hs"]; got != room.RoomID {
		t.Errorf("alias points to %q", got)
	}

	// the next message in the room continues the thread
	if err := h.composer.HandleMessage(ctx, room, ownerText("$out2", room.RoomID, "Or Monday")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if next := h.mail.Sent[1]; next.ThreadID != "thread-sent-1" || next.Subject != "Re: Lunch plans" {
		t.Errorf("follow-up = %+v", next)
	}
}

func TestComposeUntitledRoom(t *testing.T) {
	h := newHarness(t)
	h.authorize(t)
	room := h.draftRoom(t, "", map[string]int{bobPuppet: 0})
	if err := h.composer.HandleMessage(context.Background(), room, ownerText("$out1", room.RoomID, "hi")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := h.mail.Sent[0].Subject; got != noSubject {
		t.Errorf("subject = %q", got)
	}
}

func TestComposeMediaAttachment(t *testing.T) {
	h := newHarness(t)
	h.authorize(t)
	room := h.draftRoom(t, "Photos", map[string]int{bobPuppet: 0})
	h.chat.Media["mxc://hs/abc"] = []byte("jpeg bytes")

	evt := ownerText("$img", room.RoomID, "beach.jpg")
	evt.MsgType = "m.image"
	evt.MediaURL = "mxc://hs/abc"
	evt.MediaName = "beach.jpg"
	evt.MediaMime = "image/jpeg"
	if err := h.composer.HandleMessage(context.Background(), room, evt); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	out := h.mail.Sent[0]
	if len(out.Attachments) != 1 || out.Text != "" {
		t.Fatalf("attachments = %d text = %q", len(out.Attachments), out.Text)
	}
	a := out.Attachments[0]
	if a.Name != "beach.jpg" || a.MimeType != "image/jpeg" || string(a.Data) != "jpeg bytes" {
		t.Errorf("attachment = %+v", a)
	}
}

func TestComposeReplyToBridgedSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.authorize(t)
	room := h.boundRoom(t, "m1")

	if err := h.composer.HandleMessage(ctx, room, ownerText("$out1", room.RoomID, "first")); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	h.mail.AddMessage(mailFromBob("m2", "T1", time.Now()))

	reply := ownerText("$out2", room.RoomID, "following up on my own mail")
	reply.ReplyTo = "$out1"
	if err := h.composer.HandleMessage(ctx, room, reply); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	out := h.mail.Sent[1]
	if out.InReplyTo != "<sent-1@fake.example>" {
		t.Errorf("In-Reply-To = %q", out.InReplyTo)
	}
	if len(out.References) == 0 || out.References[len(out.References)-1] != "<sent-1@fake.example>" {
		t.Errorf("References = %v", out.References)
	}

	// a reply to an unknown event keeps the thread's latest message
	other := ownerText("$out3", room.RoomID, "and another")
	other.ReplyTo = "$unknown"
	if err := h.composer.HandleMessage(ctx, room, other); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if got := h.mail.Sent[2].InReplyTo; got != "<sent-2@fake.example>" {
		t.Errorf("In-Reply-To = %q", got)
	}
}

func TestComposeIgnoredEvents(t *testing.T) {
	h := newHarness(t)
	h.authorize(t)
	room := h.draftRoom(t, "Lunch", map[string]int{bobPuppet: 0})

	fromPuppet := ownerText("$p", room.RoomID, "hello")
	fromPuppet.Sender = bobPuppet
	notice := ownerText("$n", room.RoomID, "bot output")
	notice.MsgType = "m.notice"

	for _, evt := range []*domain.ChatEvent{fromPuppet, notice} {
		if err := h.composer.HandleMessage(context.Background(), room, evt); err != nil {
			t.Errorf("HandleMessage(%s): %v", evt.ID, err)
		}
	}
	if len(h.mail.Sent) != 0 {
		t.Errorf("sent %d mails, want none", len(h.mail.Sent))
	}
}

func TestComposeFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T, h *harness) *domain.Room
		wantErr error
		notice  string
	}{
		{
			name: "send rejected",
			setup: func(t *testing.T, h *harness) *domain.Room {
				h.mail.SendErr = errors.New("quota exceeded")
				return h.draftRoom(t, "Lunch", map[string]int{bobPuppet: 0})
			},
			wantErr: domain.ErrCompose,
			notice:  "quota exceeded",
		},
		{
			name: "no recipients",
			setup: func(t *testing.T, h *harness) *domain.Room {
				return h.draftRoom(t, "Lunch", map[string]int{bobPuppet: 100})
			},
			wantErr: domain.ErrCompose,
			notice:  "no member",
		},
		{
			name: "missing media",
			setup: func(t *testing.T, h *harness) *domain.Room {
				return h.draftRoom(t, "Lunch", map[string]int{bobPuppet: 0})
			},
			wantErr: domain.ErrCompose,
			notice:  "Not sent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.authorize(t)
			room := tt.setup(t, h)
			evt := ownerText("$out", room.RoomID, "hello")
			if tt.name == "missing media" {
				evt.MediaURL = "mxc://hs/gone"
			}
			err := h.composer.HandleMessage(context.Background(), room, evt)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleMessage = %v, want %v", err, tt.wantErr)
			}
			if got := h.lastNotice(t, room.RoomID); !strings.Contains(got, tt.notice) {
				t.Errorf("notice = %q, want %q", got, tt.notice)
			}
			if len(h.mail.Sent) != 0 {
				t.Error("mail sent despite failure")
			}
			if p, _ := h.pending.Get(context.Background(), "$out"); p != nil {
				t.Errorf("pending send kept after failure: %+v", p)
			}
		})
	}
}

func TestComposeRequiresLinkedAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.chat.AddRoom("!draft:hs", "Lunch", testOwner, testBot)
	room := &domain.Room{RoomID: "!draft:hs", Kind: domain.RoomKindThread, OwnerID: testOwner}

	err := h.composer.HandleMessage(ctx, room, ownerText("$out", room.RoomID, "hello"))
	if !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("HandleMessage = %v", err)
	}
	if got := h.lastNotice(t, room.RoomID); !strings.Contains(got, "no Gmail account") {
		t.Errorf("notice = %q", got)
	}
}

func TestReplySubject(t *testing.T) {
	tests := map[string]string{
		"Lunch":          "Re: Lunch",
		"Re: Lunch":      "Re: Lunch",
		"RE: Lunch":      "RE: Lunch",
		"  ":             "Re: " + noSubject,
		" Status update": "Re: Status update",
	}
	for in, want := range tests {
		if got := replySubject(in); got != want {
			t.Errorf("replySubject(%q) = %q, want %q", in, got, want)
		}
	}
}
