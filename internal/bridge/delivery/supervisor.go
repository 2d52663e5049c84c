package delivery

import (
	"context"
	"sync"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/bridge/usecase"

	"go.uber.org/zap"
)

type pollLoop struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// Supervisor runs one poll loop per pollable account. It implements
// usecase.AccountHooks so authorization changes start and stop loops.
type Supervisor struct {
	accounts   repository.AccountRepository
	deliveries repository.DeliveryRepository
	poller     usecase.Poller
	grace      time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	loops  map[string]*pollLoop
	loopWg sync.WaitGroup
}

// NewSupervisor creates a supervisor; grace is the age after which an
// in-progress delivery counts as abandoned.
func NewSupervisor(store *repository.Store, poller usecase.Poller, grace time.Duration, log *zap.Logger) *Supervisor {
	return &Supervisor{
		accounts:   store.Accounts,
		deliveries: store.Deliveries,
		poller:     poller,
		grace:      grace,
		log:        log.Named("supervisor"),
		now:        time.Now,
		ctx:        context.Background(),
		loops:      make(map[string]*pollLoop),
	}
}

// StartAll releases deliveries abandoned by a previous process and starts a
// loop for every pollable account. Loops stop when ctx is cancelled.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	released, err := s.deliveries.ReleaseAbandoned(ctx, s.now().Add(-s.grace))
	if err != nil {
		return err
	}
	if released > 0 {
		s.log.Info("Released abandoned deliveries", zap.Int64("count", released))
	}

	accounts, err := s.accounts.ListByStates(ctx, domain.AuthAuthenticated, domain.AuthRefreshing)
	if err != nil {
		return err
	}
	for _, account := range accounts {
		s.StartAccount(account.OwnerID)
	}
	s.log.Info("Poll loops started", zap.Int("accounts", len(accounts)))
	return nil
}

// StartAccount starts the loop of ownerID unless it is already running.
func (s *Supervisor) StartAccount(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loops[ownerID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	loop := &pollLoop{cancel: cancel, wake: make(chan struct{}, 1)}
	s.loops[ownerID] = loop

	s.loopWg.Add(1)
	go func() {
		defer s.loopWg.Done()
		defer cancel()
		s.poller.Run(ctx, ownerID, loop.wake)

		s.mu.Lock()
		if s.loops[ownerID] == loop {
			delete(s.loops, ownerID)
		}
		s.mu.Unlock()
	}()
}

// StopAccount cancels the loop of ownerID without waiting for it. A delivery
// in flight still completes.
func (s *Supervisor) StopAccount(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop, ok := s.loops[ownerID]; ok {
		loop.cancel()
		delete(s.loops, ownerID)
	}
}

// Trigger asks the loop of ownerID to poll now. It reports whether a loop
// is running.
func (s *Supervisor) Trigger(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	loop, ok := s.loops[ownerID]
	if !ok {
		return false
	}
	select {
	case loop.wake <- struct{}{}:
	default:
	}
	return true
}

// Running reports whether ownerID has a loop.
func (s *Supervisor) Running(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[ownerID]
	return ok
}

func (s *Supervisor) AccountAuthorized(account *domain.Account) {
	if !s.Trigger(account.OwnerID) {
		s.StartAccount(account.OwnerID)
	}
}

func (s *Supervisor) AccountRevoked(ownerID string) {
	s.StopAccount(ownerID)
}

// Shutdown stops every loop and waits until they have returned.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for ownerID, loop := range s.loops {
		loop.cancel()
		delete(s.loops, ownerID)
	}
	s.mu.Unlock()
	s.loopWg.Wait()
	s.log.Info("Poll loops stopped")
}
