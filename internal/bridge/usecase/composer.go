package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/identity"
	"gmail-bridge/pkg/dedup"
	"gmail-bridge/pkg/metrics"

	"go.uber.org/zap"
)

const readBudget = 30 * time.Second

var errNoRecipients = errors.New("no member of this room receives mail: give a puppet the default power level")

type composer struct {
	accounts   repository.AccountRepository
	threads    repository.ThreadRepository
	deliveries repository.DeliveryRepository
	chat       domain.ChatNetwork
	mail       domain.MailClientFactory
	auth       AuthUsecase
	mapper     *identity.Mapper
	pending    dedup.PendingStore
	log        *zap.Logger
	now        func() time.Time
}

// NewComposer creates a Composer
func NewComposer(store *repository.Store, chat domain.ChatNetwork, mail domain.MailClientFactory, auth AuthUsecase, mapper *identity.Mapper, pending dedup.PendingStore, log *zap.Logger) Composer {
	return &composer{
		accounts:   store.Accounts,
		threads:    store.Threads,
		deliveries: store.Deliveries,
		chat:       chat,
		mail:       mail,
		auth:       auth,
		mapper:     mapper,
		pending:    pending,
		log:        log.Named("composer"),
		now:        time.Now,
	}
}

func (c *composer) HandleMessage(ctx context.Context, room *domain.Room, evt *domain.ChatEvent) error {
	if evt.Sender != room.OwnerID || evt.MsgType == "m.notice" {
		return nil
	}

	account, err := c.accounts.FindByOwner(ctx, room.OwnerID)
	if err != nil {
		return err
	}
	if account == nil || !account.State.Polling() {
		c.notice(ctx, room.RoomID, "Not sent: no Gmail account is linked. Use your control room to link one.")
		return fmt.Errorf("%w: %s", domain.ErrNotAuthenticated, room.OwnerID)
	}

	if err := c.pending.Put(ctx, &dedup.PendingSend{EventID: evt.ID, RoomID: room.RoomID, CreatedAt: c.now().UTC()}); err != nil {
		c.log.Warn("Unable to record pending send", zap.String("event", evt.ID), zap.Error(err))
	}

	if err := c.send(ctx, account, room, evt); err != nil {
		metrics.RecordOutboundSend("failed")
		c.log.Warn("Outbound mail failed",
			zap.String("owner", room.OwnerID),
			zap.String("room", room.RoomID),
			zap.String("event", evt.ID),
			zap.Error(err),
		)
		if err := c.pending.Delete(ctx, evt.ID); err != nil {
			c.log.Warn("Unable to drop pending send", zap.String("event", evt.ID), zap.Error(err))
		}
		c.notice(ctx, room.RoomID, "Not sent: "+err.Error())
		return fmt.Errorf("%w: %v", domain.ErrCompose, err)
	}
	metrics.RecordOutboundSend("sent")
	return nil
}

func (c *composer) send(ctx context.Context, account *domain.Account, room *domain.Room, evt *domain.ChatEvent) error {
	account, err := c.auth.EnsureFresh(ctx, account)
	if err != nil {
		return err
	}
	mail, err := c.mail.ForAccount(ctx, account.Credential, c.auth.PersistCredential(account.OwnerID))
	if err != nil {
		return err
	}

	var to, cc []domain.Address
	err = withBackoff(ctx, readBudget, func() (err error) {
		to, cc, err = c.recipients(ctx, room.RoomID)
		return err
	})
	if err != nil {
		return err
	}
	if len(to)+len(cc) == 0 {
		return errNoRecipients
	}

	out := &domain.OutgoingMail{
		From: domain.Address{Name: account.DisplayName, Email: account.FromAddress()},
		To:   to,
		Cc:   cc,
		Text: evt.Body,
		HTML: evt.HTML,
	}
	if evt.HasMedia() {
		var data []byte
		err := withBackoff(ctx, readBudget, func() (err error) {
			data, err = c.chat.Download(ctx, evt.MediaURL)
			return err
		})
		if err != nil {
			return err
		}
		out.Attachments = []domain.Attachment{{Name: evt.MediaName, MimeType: evt.MediaMime, Data: data}}
		out.Text = ""
		out.HTML = ""
	}

	thread, err := c.threads.FindByRoom(ctx, room.RoomID)
	if err != nil {
		return err
	}
	if thread != nil {
		if err := c.threadReply(ctx, mail, thread, evt, out); err != nil {
			return err
		}
	} else {
		name, err := c.chat.RoomName(ctx, room.RoomID)
		if err != nil {
			return err
		}
		if name == "" {
			name = noSubject
		}
		out.Subject = name
	}

	sent, err := mail.Send(ctx, out)
	if err != nil {
		return err
	}
	c.log.Info("Outbound mail sent",
		zap.String("owner", account.OwnerID),
		zap.String("thread", sent.ThreadID),
		zap.String("message", sent.ID),
	)

	// from here on the mail is out; failures are only logged
	key := domain.DeliveryKey{OwnerID: account.OwnerID, ThreadID: sent.ThreadID, MessageID: sent.ID}
	if err := c.deliveries.RecordSent(ctx, key, []string{evt.ID}); err != nil {
		c.log.Error("Unable to record sent message", zap.String("message", sent.ID), zap.Error(err))
	}
	if err := c.pending.Put(ctx, &dedup.PendingSend{
		EventID:         evt.ID,
		RoomID:          room.RoomID,
		ThreadID:        sent.ThreadID,
		MessageID:       sent.ID,
		MessageIDHeader: sent.MessageIDHeader,
		CreatedAt:       c.now().UTC(),
	}); err != nil {
		c.log.Warn("Unable to resolve pending send", zap.String("event", evt.ID), zap.Error(err))
	}
	if thread == nil {
		c.bindThread(ctx, account, room, out, sent)
	}
	return nil
}

// threadReply fills the reply headers of out. A chat reply to one of the
// bridge's own sends answers that exact message.
func (c *composer) threadReply(ctx context.Context, mail domain.MailService, thread *domain.Thread, evt *domain.ChatEvent, out *domain.OutgoingMail) error {
	var rc *domain.ReplyContext
	err := withBackoff(ctx, readBudget, func() (err error) {
		rc, err = mail.ReplyContext(ctx, thread.ThreadID)
		return err
	})
	if err != nil {
		return err
	}
	out.ThreadID = thread.ThreadID
	subject := rc.Subject
	if subject == "" {
		subject = thread.Subject
	}
	out.Subject = replySubject(subject)
	out.InReplyTo = rc.InReplyTo
	out.References = rc.References

	if evt.ReplyTo == "" {
		return nil
	}
	target, err := c.pending.Get(ctx, evt.ReplyTo)
	if err != nil {
		c.log.Warn("Unable to look up reply target", zap.String("event", evt.ReplyTo), zap.Error(err))
		return nil
	}
	if target != nil && target.Resolved() && target.ThreadID == thread.ThreadID {
		out.InReplyTo = target.MessageIDHeader
		if !contains(out.References, target.MessageIDHeader) {
			out.References = append(out.References, target.MessageIDHeader)
		}
	}
	return nil
}

func (c *composer) bindThread(ctx context.Context, account *domain.Account, room *domain.Room, out *domain.OutgoingMail, sent *domain.SentMessage) {
	participants := domain.StringArray{}
	for _, a := range append(append([]domain.Address{}, out.To...), out.Cc...) {
		participants = append(participants, a.Email)
	}
	thread := &domain.Thread{
		OwnerID:      account.OwnerID,
		ThreadID:     sent.ThreadID,
		RoomID:       room.RoomID,
		Subject:      out.Subject,
		Participants: participants,
		Backfill:     domain.BackfillComplete,
	}
	if err := c.threads.Save(ctx, thread); err != nil {
		c.log.Error("Unable to bind room to thread", zap.String("room", room.RoomID), zap.Error(err))
		return
	}
	alias, err := c.mapper.ThreadToRoomAlias(account.EmailAddress, sent.ThreadID)
	if err == nil {
		err = c.chat.SetAlias(ctx, room.RoomID, alias)
	}
	if err != nil {
		c.log.Warn("Unable to alias thread room", zap.String("room", room.RoomID), zap.Error(err))
	}
}

// recipients classifies the puppets in a room by power level: the room
// default means To, anything lower Cc, anything higher no mail at all.
func (c *composer) recipients(ctx context.Context, roomID string) ([]domain.Address, []domain.Address, error) {
	members, err := c.chat.Members(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	levels, err := c.chat.PowerLevels(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	sort.Strings(members)

	var to, cc []domain.Address
	for _, member := range members {
		address, err := c.mapper.HandleToAddress(member)
		if err != nil {
			continue
		}
		switch level := levels.Level(member); {
		case level == levels.UsersDefault:
			to = append(to, domain.Address{Email: address})
		case level < levels.UsersDefault:
			cc = append(cc, domain.Address{Email: address})
		}
	}
	return to, cc, nil
}

func (c *composer) notice(ctx context.Context, roomID, text string) {
	if _, err := c.chat.SendMessage(ctx, roomID, "", &domain.ChatMessage{Kind: domain.ChatNotice, Body: text}); err != nil {
		c.log.Warn("Unable to post notice", zap.String("room", roomID), zap.Error(err))
	}
}

func replySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: " + noSubject
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
