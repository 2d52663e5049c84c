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
	"gmail-bridge/pkg/metrics"

	"go.uber.org/zap"
)

const (
	// consecutive credential rejections before an account is demoted
	maxCredentialFailures = 3
	watchRenewInterval    = 24 * time.Hour
)

var errDeliveryBusy = errors.New("delivery is in progress elsewhere")

// PollerConfig tunes the mail poller.
type PollerConfig struct {
	Interval        time.Duration
	BackfillWindow  int
	InitialLookback time.Duration
	DeliveryGrace   time.Duration
	// WatchTopic enables Gmail push notifications when set.
	WatchTopic string
}

type poller struct {
	cfg        PollerConfig
	accounts   repository.AccountRepository
	threads    repository.ThreadRepository
	deliveries repository.DeliveryRepository
	mail       domain.MailClientFactory
	auth       AuthUsecase
	segmenter  Segmenter
	log        *zap.Logger
	now        func() time.Time

	watchMu   sync.Mutex
	lastWatch map[string]time.Time
}

// NewPoller creates a Poller
func NewPoller(cfg PollerConfig, store *repository.Store, mail domain.MailClientFactory, auth AuthUsecase, segmenter Segmenter, log *zap.Logger) Poller {
	return &poller{
		cfg:        cfg,
		accounts:   store.Accounts,
		threads:    store.Threads,
		deliveries: store.Deliveries,
		mail:       mail,
		auth:       auth,
		segmenter:  segmenter,
		log:        log.Named("poller"),
		now:        time.Now,
		lastWatch:  make(map[string]time.Time),
	}
}

func (p *poller) Run(ctx context.Context, ownerID string, wake <-chan struct{}) {
	log := p.log.With(zap.String("owner", ownerID))
	log.Info("Poll loop started", zap.Duration("interval", p.cfg.Interval))
	defer log.Info("Poll loop stopped")

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	failures := 0
	for {
		err := p.Cycle(ctx, ownerID)
		switch {
		case err == nil:
			failures = 0
		case ctx.Err() != nil:
			return
		case errors.Is(err, domain.ErrNotAuthenticated), errors.Is(err, domain.ErrNotFound):
			log.Info("Account no longer pollable", zap.Error(err))
			return
		case errors.Is(err, domain.ErrCredential):
			failures++
			log.Warn("Credential rejected", zap.Int("failures", failures), zap.Error(err))
			p.auth.NotifyCredentialFailure(ctx, ownerID, err)
			if failures >= maxCredentialFailures {
				if err := p.auth.Demote(context.WithoutCancel(ctx), ownerID, err); err != nil {
					log.Error("Unable to demote account", zap.Error(err))
				}
				return
			}
		default:
			log.Warn("Poll cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (p *poller) Cycle(ctx context.Context, ownerID string) (err error) {
	start := p.now()
	defer func() {
		metrics.RecordPollCycle(cycleResult(err), p.now().Sub(start))
	}()

	account, err := p.accounts.FindByOwner(ctx, ownerID)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("account %s: %w", ownerID, domain.ErrNotFound)
	}
	if !account.State.Polling() {
		return fmt.Errorf("%w: %s is %s", domain.ErrNotAuthenticated, ownerID, account.State)
	}
	account, err = p.auth.EnsureFresh(ctx, account)
	if err != nil {
		return err
	}
	mail, err := p.mail.ForAccount(ctx, account.Credential, p.auth.PersistCredential(ownerID))
	if err != nil {
		return err
	}
	p.renewWatch(ctx, account, mail)

	threadIDs, next, err := p.changedThreads(ctx, account, mail)
	if err != nil {
		return err
	}

	var firstErr error
	for _, threadID := range threadIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.syncThread(ctx, account, mail, threadID); err != nil {
			p.log.Warn("Thread sync incomplete",
				zap.String("owner", ownerID),
				zap.String("thread", threadID),
				zap.Error(err),
			)
			if errors.Is(err, domain.ErrCredential) {
				return err
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		// keep the cursor so the next cycle sees the same threads
		return fmt.Errorf("cycle incomplete: %w", firstErr)
	}

	if next != "" && next != account.Cursor {
		if err := p.accounts.AdvanceCursor(ctx, ownerID, account.Cursor, next); err != nil {
			return err
		}
		p.log.Debug("Cursor advanced", zap.String("owner", ownerID), zap.String("cursor", next))
	}
	return nil
}

// changedThreads returns the threads to look at and the cursor to store once
// they are all processed.
func (p *poller) changedThreads(ctx context.Context, account *domain.Account, mail domain.MailService) ([]string, string, error) {
	if account.Cursor != "" {
		var changes *domain.ChangeSet
		err := withBackoff(ctx, p.cfg.Interval, func() (err error) {
			changes, err = mail.Changes(ctx, account.Cursor)
			return err
		})
		if err == nil {
			return changes.ThreadIDs, changes.Cursor, nil
		}
		if !errors.Is(err, domain.ErrCursorExpired) {
			return nil, "", err
		}
		p.log.Warn("Cursor expired, rescanning recent threads",
			zap.String("owner", account.OwnerID),
			zap.String("cursor", account.Cursor),
		)
	}

	var profile *domain.MailProfile
	err := withBackoff(ctx, p.cfg.Interval, func() (err error) {
		profile, err = mail.Profile(ctx)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	var threadIDs []string
	since := p.now().Add(-p.cfg.InitialLookback)
	err = withBackoff(ctx, p.cfg.Interval, func() (err error) {
		threadIDs, err = mail.RecentThreads(ctx, since)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return threadIDs, profile.Cursor, nil
}

func (p *poller) syncThread(ctx context.Context, account *domain.Account, mail domain.MailService, threadID string) error {
	var refs []domain.MessageRef
	err := withBackoff(ctx, p.cfg.Interval, func() (err error) {
		refs, err = mail.ThreadMessages(ctx, threadID)
		return err
	})
	if errors.Is(err, domain.ErrNotFound) {
		// deleted since the change was recorded
		return nil
	}
	if err != nil {
		return err
	}

	thread, err := p.threads.Find(ctx, account.OwnerID, threadID)
	if err != nil {
		return err
	}
	pending, partial := p.selectMessages(thread, refs)

	for _, ref := range pending {
		if err := p.deliver(ctx, account, mail, ref); err != nil {
			return err
		}
	}

	if thread == nil && partial {
		created, err := p.threads.Find(ctx, account.OwnerID, threadID)
		if err != nil || created == nil {
			return err
		}
		created.Backfill = domain.BackfillPartial
		return p.threads.Save(ctx, created)
	}
	return nil
}

// selectMessages picks the messages of a thread that may be new. A thread
// seen for the first time is limited to the newest BackfillWindow messages.
func (p *poller) selectMessages(thread *domain.Thread, refs []domain.MessageRef) ([]domain.MessageRef, bool) {
	incoming := make([]domain.MessageRef, 0, len(refs))
	for _, ref := range refs {
		if !ref.Outgoing() {
			incoming = append(incoming, ref)
		}
	}

	if thread == nil {
		if p.cfg.BackfillWindow > 0 && len(incoming) > p.cfg.BackfillWindow {
			return incoming[len(incoming)-p.cfg.BackfillWindow:], true
		}
		return incoming, false
	}

	if thread.LastMessageID != "" {
		for i, ref := range refs {
			if ref.ID == thread.LastMessageID {
				return afterIndex(incoming, refs[i+1:]), false
			}
		}
	}
	out := make([]domain.MessageRef, 0, len(incoming))
	for _, ref := range incoming {
		if !ref.InternalDate.Before(thread.LastMessageAt) {
			out = append(out, ref)
		}
	}
	return out, false
}

// afterIndex keeps the incoming messages that appear in tail.
func afterIndex(incoming, tail []domain.MessageRef) []domain.MessageRef {
	inTail := make(map[string]bool, len(tail))
	for _, ref := range tail {
		inTail[ref.ID] = true
	}
	out := make([]domain.MessageRef, 0, len(tail))
	for _, ref := range incoming {
		if inTail[ref.ID] {
			out = append(out, ref)
		}
	}
	return out
}

func (p *poller) deliver(ctx context.Context, account *domain.Account, mail domain.MailService, ref domain.MessageRef) error {
	key := domain.DeliveryKey{OwnerID: account.OwnerID, ThreadID: ref.ThreadID, MessageID: ref.ID}
	result, err := p.deliveries.Begin(ctx, key, p.cfg.DeliveryGrace)
	if err != nil {
		return err
	}
	switch result {
	case domain.BeginAlreadyComplete:
		metrics.RecordDelivery("duplicate")
		return nil
	case domain.BeginAlreadyInProgress:
		metrics.RecordDelivery("busy")
		return fmt.Errorf("%w: %s", errDeliveryBusy, ref.ID)
	}

	// complete and abort must run even when the loop is being stopped
	inflight := context.WithoutCancel(ctx)
	abort := func(cause error) error {
		metrics.RecordDelivery("aborted")
		if err := p.deliveries.Abort(inflight, key); err != nil {
			p.log.Error("Unable to abort delivery", zap.String("message", ref.ID), zap.Error(err))
		}
		return cause
	}

	var msg *domain.MailMessage
	err = withBackoff(inflight, p.cfg.Interval, func() (err error) {
		msg, err = mail.Message(inflight, ref.ID)
		return err
	})
	if err != nil {
		return abort(err)
	}
	if msg.ID == "" {
		msg.ID = ref.ID
	}
	if msg.ThreadID == "" {
		msg.ThreadID = ref.ThreadID
	}

	var eventIDs []string
	if isOwnAddress(account, msg.From.Email) {
		metrics.RecordDelivery("own")
	} else {
		eventIDs, err = p.segmenter.Deliver(inflight, account, msg)
		if err != nil {
			return abort(err)
		}
		metrics.RecordDelivery("delivered")
	}
	if err := p.deliveries.Complete(inflight, key, eventIDs); err != nil {
		return abort(err)
	}
	p.log.Debug("Message delivered",
		zap.String("owner", account.OwnerID),
		zap.String("message", ref.ID),
		zap.Int("events", len(eventIDs)),
	)
	return nil
}

func (p *poller) renewWatch(ctx context.Context, account *domain.Account, mail domain.MailService) {
	if p.cfg.WatchTopic == "" {
		return
	}
	now := p.now()
	p.watchMu.Lock()
	last, ok := p.lastWatch[account.OwnerID]
	if ok && now.Sub(last) < watchRenewInterval {
		p.watchMu.Unlock()
		return
	}
	p.lastWatch[account.OwnerID] = now
	p.watchMu.Unlock()

	if err := mail.Watch(ctx, p.cfg.WatchTopic); err != nil {
		p.log.Warn("Unable to renew Gmail watch", zap.String("owner", account.OwnerID), zap.Error(err))
		p.watchMu.Lock()
		delete(p.lastWatch, account.OwnerID)
		p.watchMu.Unlock()
	}
}

func isOwnAddress(account *domain.Account, address string) bool {
	return strings.EqualFold(address, account.EmailAddress) ||
		(account.SendAs != "" && strings.EqualFold(address, account.SendAs))
}

func cycleResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrCredential):
		return "credential_error"
	case errors.Is(err, domain.ErrNotAuthenticated):
		return "not_authenticated"
	}
	return "error"
}
