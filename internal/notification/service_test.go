package notification

import (
	"context"
	"testing"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/testutil"

	"go.uber.org/zap"
)

type recordingWaker struct {
	triggered []string
}

func (w *recordingWaker) Trigger(ownerID string) bool {
	w.triggered = append(w.triggered, ownerID)
	return true
}

func TestHandleMessage(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()
	err := store.Accounts.Create(ctx, &domain.Account{
		OwnerID:      "@alice:hs",
		EmailAddress: "alice@example.com",
		State:        domain.AuthAuthenticated,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waker := &recordingWaker{}
	s := newService(store.Accounts, waker, zap.NewNop())

	tests := []struct {
		name string
		data string
		want bool
	}{
		{name: "new history", data: `{"emailAddress":"Alice@Example.com","historyId":100}`, want: true},
		{name: "redelivered", data: `{"emailAddress":"alice@example.com","historyId":100}`, want: false},
		{name: "older", data: `{"emailAddress":"alice@example.com","historyId":99}`, want: false},
		{name: "newer", data: `{"emailAddress":"alice@example.com","historyId":101}`, want: true},
		{name: "unknown mailbox", data: `{"emailAddress":"bob@example.com","historyId":500}`, want: false},
		{name: "garbage", data: `not json`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.handleMessage(ctx, []byte(tt.data)); got != tt.want {
				t.Errorf("handleMessage = %v, want %v", got, tt.want)
			}
		})
	}
	if len(waker.triggered) != 2 {
		t.Errorf("triggered %v, want two wake-ups", waker.triggered)
	}
}
