package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/bridge/usecase"
	"gmail-bridge/internal/identity"
	"gmail-bridge/pkg/dedup"
	"gmail-bridge/pkg/metrics"

	"go.uber.org/zap"
)

const (
	maxAttempts = 5
	queueSize   = 1000
)

// ErrQueueClosed is returned by Enqueue after Stop.
var ErrQueueClosed = errors.New("event queue is closed")

// Dispatcher routes chat events to the usecases. Events are handled one at a
// time in arrival order.
type Dispatcher struct {
	accounts repository.AccountRepository
	rooms    repository.RoomRepository
	chat     domain.ChatNetwork
	mapper   *identity.Mapper
	auth     usecase.AuthUsecase
	composer usecase.Composer
	dedup    dedup.Deduper
	log      *zap.Logger

	queue     chan *domain.ChatEvent
	retryBase time.Duration
	workerWg  sync.WaitGroup
	cancel    context.CancelFunc
	mu        sync.Mutex
	started   bool
	closed    bool
}

// NewDispatcher creates a dispatcher; Start begins consuming.
func NewDispatcher(
	store *repository.Store,
	chat domain.ChatNetwork,
	mapper *identity.Mapper,
	auth usecase.AuthUsecase,
	composer usecase.Composer,
	deduper dedup.Deduper,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		accounts:  store.Accounts,
		rooms:     store.Rooms,
		chat:      chat,
		mapper:    mapper,
		auth:      auth,
		composer:  composer,
		dedup:     deduper,
		log:       log.Named("dispatcher"),
		queue:     make(chan *domain.ChatEvent, queueSize),
		retryBase: time.Second,
	}
}

// Start launches the consumer. Events accepted by Enqueue are handled even
// after ctx is cancelled; Stop drains the queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.cancel = cancel
	d.workerWg.Add(1)
	go d.worker(runCtx)
	d.log.Info("Dispatcher started")
}

// Stop closes the queue and waits for queued events to be handled. When ctx
// expires first, events still queued are dropped and ctx's error returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	cancel := d.cancel
	d.mu.Unlock()
	if cancel == nil {
		cancel = func() {}
	}
	defer cancel()

	drained := make(chan struct{})
	go func() {
		d.workerWg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.log.Info("Dispatcher stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-drained
		d.log.Warn("Dispatcher stopped before the queue drained", zap.Error(ctx.Err()))
		return fmt.Errorf("unable to drain event queue: %w", ctx.Err())
	}
}

// Enqueue adds events to the queue, blocking while it is full.
func (d *Dispatcher) Enqueue(ctx context.Context, events ...*domain.ChatEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrQueueClosed
	}
	for _, evt := range events {
		select {
		case d.queue <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.workerWg.Done()
	for evt := range d.queue {
		if ctx.Err() != nil {
			d.log.Warn("Dropped chat event", zap.String("event", evt.ID), zap.String("room", evt.RoomID))
			continue
		}
		d.process(ctx, evt)
	}
}

// process handles one event, retrying transient failures.
func (d *Dispatcher) process(ctx context.Context, evt *domain.ChatEvent) {
	if evt.ID != "" && !d.dedup.AcquireOnce(ctx, "event", evt.ID) {
		metrics.RecordChatEvent("duplicate")
		return
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(d.retryBase << (attempt - 1)):
			case <-ctx.Done():
				return
			}
		}
		err = d.Handle(ctx, evt)
		if err == nil || !domain.IsRetryable(err) {
			break
		}
		d.log.Warn("Retrying chat event",
			zap.String("event", evt.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	if err != nil {
		d.log.Error("Unable to handle chat event",
			zap.String("event", evt.ID),
			zap.String("room", evt.RoomID),
			zap.String("sender", evt.Sender),
			zap.Error(err),
		)
	}
}

// Handle routes a single event.
func (d *Dispatcher) Handle(ctx context.Context, evt *domain.ChatEvent) error {
	// our own traffic comes back through the transaction feed
	if evt.Sender == d.chat.BotUserID() || d.mapper.InNamespace(evt.Sender) {
		metrics.RecordChatEvent("echo")
		return nil
	}

	switch evt.Type {
	case domain.ChatEventMember:
		if evt.Membership != "invite" {
			metrics.RecordChatEvent("ignored")
			return nil
		}
		metrics.RecordChatEvent("invite")
		if evt.Target == d.chat.BotUserID() {
			return d.botInvited(ctx, evt)
		}
		if d.mapper.InNamespace(evt.Target) {
			return d.puppetInvited(ctx, evt)
		}
		return nil
	case domain.ChatEventMessage:
		return d.message(ctx, evt)
	}
	metrics.RecordChatEvent("ignored")
	return nil
}

func (d *Dispatcher) botInvited(ctx context.Context, evt *domain.ChatEvent) error {
	existing, err := d.rooms.FindByID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if err := d.chat.Join(ctx, evt.RoomID, ""); err != nil {
		return fmt.Errorf("unable to join %s: %w", evt.RoomID, err)
	}
	if existing != nil && existing.Kind == domain.RoomKindThread {
		// re-invited into a thread room after leaving it
		return nil
	}

	err = d.auth.RegisterControlRoom(ctx, evt.Sender, evt.RoomID)
	if errors.Is(err, usecase.ErrControlRoomExists) || errors.Is(err, domain.ErrRoomKindConflict) {
		d.log.Info("Refusing second control room", zap.String("owner", evt.Sender), zap.String("room", evt.RoomID))
		d.notice(ctx, evt.RoomID, "You already have a control room with this bridge. Use that one.")
		if err := d.chat.Leave(ctx, evt.RoomID, ""); err != nil {
			d.log.Warn("Unable to leave room", zap.String("room", evt.RoomID), zap.Error(err))
		}
		return nil
	}
	return err
}

func (d *Dispatcher) puppetInvited(ctx context.Context, evt *domain.ChatEvent) error {
	address, err := d.mapper.HandleToAddress(evt.Target)
	if err != nil {
		d.log.Warn("Refusing invite of invalid puppet",
			zap.String("room", evt.RoomID),
			zap.String("puppet", evt.Target),
			zap.Error(err),
		)
		d.noticeOwner(ctx, evt.Sender, fmt.Sprintf("%s does not stand for a mail address and cannot join rooms.", evt.Target))
		return nil
	}

	room, err := d.rooms.FindByID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if room != nil && room.Kind == domain.RoomKindControl {
		d.notice(ctx, evt.RoomID, "Mail contacts cannot be invited into the control room. Create a new room for them.")
		return nil
	}
	if room != nil && room.OwnerID != evt.Sender {
		d.log.Info("Ignoring invite into a room owned by someone else",
			zap.String("room", evt.RoomID),
			zap.String("owner", room.OwnerID),
			zap.String("inviter", evt.Sender),
		)
		return nil
	}

	if err := d.chat.EnsurePuppet(ctx, evt.Target, address); err != nil {
		return err
	}
	if err := d.chat.Join(ctx, evt.RoomID, evt.Target); err != nil {
		return fmt.Errorf("unable to join %s as %s: %w", evt.RoomID, evt.Target, err)
	}
	if room != nil {
		return nil
	}

	// a new room: bring the bot in so it can read levels and post notices
	if err := d.chat.Invite(ctx, evt.RoomID, evt.Target, d.chat.BotUserID()); err != nil {
		d.log.Debug("Bot invite failed, trying to join anyway", zap.String("room", evt.RoomID), zap.Error(err))
	}
	if err := d.chat.Join(ctx, evt.RoomID, ""); err != nil {
		return fmt.Errorf("unable to join %s: %w", evt.RoomID, err)
	}
	if err := d.rooms.Register(ctx, &domain.Room{RoomID: evt.RoomID, Kind: domain.RoomKindThread, OwnerID: evt.Sender}); err != nil {
		return err
	}
	d.log.Info("Thread room registered", zap.String("owner", evt.Sender), zap.String("room", evt.RoomID))
	return nil
}

func (d *Dispatcher) message(ctx context.Context, evt *domain.ChatEvent) error {
	room, err := d.rooms.FindByID(ctx, evt.RoomID)
	if err != nil {
		return err
	}
	if room == nil {
		metrics.RecordChatEvent("ignored")
		return nil
	}

	switch room.Kind {
	case domain.RoomKindControl:
		metrics.RecordChatEvent("control")
		if evt.Sender != room.OwnerID || evt.MsgType == "m.notice" {
			return nil
		}
		members, err := d.chat.Members(ctx, evt.RoomID)
		if err != nil {
			return err
		}
		if len(members) != 2 {
			d.notice(ctx, evt.RoomID, "This control room must contain only you and the bridge bot. Commands are ignored until the others leave.")
			return nil
		}
		return d.auth.HandleCommand(ctx, evt.Sender, evt.RoomID, evt.Body)
	case domain.RoomKindThread:
		metrics.RecordChatEvent("thread")
		err := d.composer.HandleMessage(ctx, room, evt)
		if errors.Is(err, domain.ErrCompose) || errors.Is(err, domain.ErrNotAuthenticated) {
			// already reported in the room
			return nil
		}
		return err
	}
	return nil
}

func (d *Dispatcher) noticeOwner(ctx context.Context, ownerID, text string) {
	account, err := d.accounts.FindByOwner(ctx, ownerID)
	if err != nil || account == nil || account.ControlRoomID == "" {
		return
	}
	d.notice(ctx, account.ControlRoomID, text)
}

func (d *Dispatcher) notice(ctx context.Context, roomID, text string) {
	if _, err := d.chat.SendMessage(ctx, roomID, "", &domain.ChatMessage{Kind: domain.ChatNotice, Body: text}); err != nil {
		d.log.Warn("Unable to post notice", zap.String("room", roomID), zap.Error(err))
	}
}
