package delivery

import (
	"context"
	"sync"
	"testing"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/testutil"

	"go.uber.org/zap"
)

// blockingPoller runs until its context ends and counts wake-ups.
type blockingPoller struct {
	mu      sync.Mutex
	started []string
	wakes   map[string]int
	exit    chan string
}

func newBlockingPoller() *blockingPoller {
	return &blockingPoller{wakes: map[string]int{}, exit: make(chan string, 10)}
}

func (p *blockingPoller) Cycle(context.Context, string) error { return nil }

func (p *blockingPoller) Run(ctx context.Context, ownerID string, wake <-chan struct{}) {
	p.mu.Lock()
	p.started = append(p.started, ownerID)
	p.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			p.exit <- ownerID
			return
		case <-wake:
			p.mu.Lock()
			p.wakes[ownerID]++
			p.mu.Unlock()
		}
	}
}

func (p *blockingPoller) startedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.started)
}

func (p *blockingPoller) wakeCount(ownerID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.wakes[ownerID]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSupervisorStartAll(t *testing.T) {
	store := testutil.NewTestStore(t)
	ctx := context.Background()
	for owner, state := range map[string]domain.AuthState{
		"@a:hs": domain.AuthAuthenticated,
		"@b:hs": domain.AuthRefreshing,
		"@c:hs": domain.AuthUnauthenticated,
		"@d:hs": domain.AuthAwaitingToken,
	} {
		if err := store.Accounts.Create(ctx, &domain.Account{OwnerID: owner, State: state}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	key := domain.DeliveryKey{OwnerID: "@a:hs", ThreadID: "T1", MessageID: "m1"}
	if _, err := store.Deliveries.Begin(ctx, key, time.Minute); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	poller := newBlockingPoller()
	s := NewSupervisor(store, poller, 10*time.Minute, zap.NewNop())
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := s.StartAll(ctx); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	defer s.Shutdown()

	if !s.Running("@a:hs") || !s.Running("@b:hs") || s.Running("@c:hs") || s.Running("@d:hs") {
		t.Error("wrong set of loops running")
	}
	if rec, _ := store.Deliveries.Find(ctx, key); rec != nil {
		t.Errorf("abandoned delivery kept: %+v", rec)
	}
}

func TestSupervisorHooks(t *testing.T) {
	store := testutil.NewTestStore(t)
	poller := newBlockingPoller()
	s := NewSupervisor(store, poller, time.Minute, zap.NewNop())
	account := &domain.Account{OwnerID: "@a:hs"}

	s.AccountAuthorized(account)
	waitFor(t, func() bool { return poller.startedCount() == 1 })

	// a second authorization wakes the running loop
	s.AccountAuthorized(account)
	waitFor(t, func() bool { return poller.wakeCount("@a:hs") == 1 })
	if poller.startedCount() != 1 {
		t.Errorf("started %d loops, want 1", poller.startedCount())
	}

	s.AccountRevoked("@a:hs")
	if s.Running("@a:hs") {
		t.Error("loop still registered after revoke")
	}
	select {
	case owner := <-poller.exit:
		if owner != "@a:hs" {
			t.Errorf("exited loop = %s", owner)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop")
	}
	if s.Trigger("@a:hs") {
		t.Error("Trigger reported a stopped loop")
	}
	s.Shutdown()
}

func TestSupervisorShutdownWaits(t *testing.T) {
	store := testutil.NewTestStore(t)
	poller := newBlockingPoller()
	s := NewSupervisor(store, poller, time.Minute, zap.NewNop())
	s.StartAccount("@a:hs")
	s.StartAccount("@b:hs")
	waitFor(t, func() bool { return poller.startedCount() == 2 })

	s.Shutdown()
	if len(poller.exit) != 2 {
		t.Errorf("%d loops exited before Shutdown returned, want 2", len(poller.exit))
	}
}
