package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gmail-bridge/internal/bridge/domain"
	"gmail-bridge/internal/bridge/repository"
	"gmail-bridge/internal/identity"

	"go.uber.org/zap"
)

const (
	levelAdmin = 100
	levelTo    = 0
	levelCc    = -1

	// body event metadata keys
	metaMessageID     = "gmail_id"
	metaAttachmentIDs = "attachment_ids"

	noSubject = "(no subject)"
)

type segmenter struct {
	chat    domain.ChatNetwork
	rooms   repository.RoomRepository
	threads repository.ThreadRepository
	mapper  *identity.Mapper
	quotes  *QuoteStripper
	log     *zap.Logger
}

// NewSegmenter creates a Segmenter posting into rooms it creates on demand.
func NewSegmenter(chat domain.ChatNetwork, rooms repository.RoomRepository, threads repository.ThreadRepository, mapper *identity.Mapper, quotes *QuoteStripper, log *zap.Logger) Segmenter {
	return &segmenter{
		chat:    chat,
		rooms:   rooms,
		threads: threads,
		mapper:  mapper,
		quotes:  quotes,
		log:     log.Named("segmenter"),
	}
}

func (s *segmenter) Deliver(ctx context.Context, account *domain.Account, msg *domain.MailMessage) ([]string, error) {
	thread, err := s.resolveRoom(ctx, account, msg)
	if err != nil {
		return nil, err
	}
	sender := s.senderFor(msg)

	eventIDs := make([]string, 0, len(msg.Attachments)+1)
	for i := range msg.Attachments {
		att := msg.Attachments[i]
		id, err := s.chat.SendMessage(ctx, thread.RoomID, sender, &domain.ChatMessage{
			Kind: domain.ChatFile,
			Body: att.Name,
			File: &att,
		})
		if err != nil {
			return nil, fmt.Errorf("unable to post attachment %q: %w", att.Name, err)
		}
		eventIDs = append(eventIDs, id)
	}

	body := s.renderBody(msg)
	refs := msg.ReferencedAttachmentIDs
	if refs == nil {
		refs = []string{}
	}
	body.Metadata = map[string]interface{}{
		metaMessageID:     msg.ID,
		metaAttachmentIDs: refs,
	}
	id, err := s.chat.SendMessage(ctx, thread.RoomID, sender, body)
	if err != nil {
		return nil, fmt.Errorf("unable to post body: %w", err)
	}
	eventIDs = append(eventIDs, id)

	thread.LastMessageID = msg.ID
	thread.LastMessageAt = msg.Date.UTC()
	if err := s.threads.Save(ctx, thread); err != nil {
		return nil, fmt.Errorf("unable to save thread %s: %v", thread.ThreadID, err)
	}
	return eventIDs, nil
}

// renderBody strips quoted content. The plain body is never empty.
func (s *segmenter) renderBody(msg *domain.MailMessage) *domain.ChatMessage {
	out := &domain.ChatMessage{Kind: domain.ChatText}
	if msg.HTML != "" {
		out.HTML = s.quotes.StripHTML(msg.HTML)
	}
	switch {
	case strings.TrimSpace(msg.Text) != "":
		out.Body = s.quotes.StripText(msg.Text)
	case out.HTML != "":
		out.Body = htmlText(out.HTML)
	}
	if strings.TrimSpace(out.Body) == "" {
		out.Body = msg.Subject
	}
	if strings.TrimSpace(out.Body) == "" {
		out.Body = noSubject
	}
	return out
}

// senderFor returns the puppet of the From address, or the bridge bot when
// the address cannot be mapped.
func (s *segmenter) senderFor(msg *domain.MailMessage) string {
	handle, err := s.mapper.AddressToHandle(msg.From.Email)
	if err != nil {
		s.log.Warn("Posting as bridge bot, sender cannot be mapped",
			zap.String("from", msg.From.Email),
			zap.Error(err),
		)
		return ""
	}
	return handle
}

func (s *segmenter) resolveRoom(ctx context.Context, account *domain.Account, msg *domain.MailMessage) (*domain.Thread, error) {
	thread, err := s.threads.Find(ctx, account.OwnerID, msg.ThreadID)
	if err != nil {
		return nil, err
	}
	if thread != nil {
		return thread, s.addParticipants(ctx, account, thread, msg)
	}

	alias, err := s.mapper.ThreadToRoomAlias(account.EmailAddress, msg.ThreadID)
	if err != nil {
		return nil, err
	}
	roomID, err := s.chat.ResolveAlias(ctx, alias)
	switch {
	case err == nil:
		// the room outlived its thread record
		s.log.Info("Adopting existing thread room", zap.String("alias", alias), zap.String("room", roomID))
		thread, err = s.bind(ctx, account, msg, roomID, nil)
		if err != nil {
			return nil, err
		}
		return thread, s.addParticipants(ctx, account, thread, msg)
	case !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	return s.createRoom(ctx, account, msg)
}

func (s *segmenter) createRoom(ctx context.Context, account *domain.Account, msg *domain.MailMessage) (*domain.Thread, error) {
	localpart, err := s.mapper.AliasLocalpart(account.EmailAddress, msg.ThreadID)
	if err != nil {
		return nil, err
	}

	participants := s.puppets(ctx, account, msg)
	invite := []string{account.OwnerID}
	levels := map[string]int{account.OwnerID: levelAdmin}
	var addresses []string
	for _, p := range participants {
		invite = append(invite, p.handle)
		levels[p.handle] = p.level
		addresses = append(addresses, p.address)
	}

	subject := msg.Subject
	if subject == "" {
		subject = noSubject
	}
	roomID, err := s.chat.CreateRoom(ctx, &domain.CreateRoomRequest{
		AliasLocalpart: localpart,
		Name:           subject,
		Topic:          "Gmail thread of " + account.EmailAddress,
		Invite:         invite,
		PowerLevels:    levels,
	})
	if err != nil {
		return nil, fmt.Errorf("unable to create room for thread %s: %w", msg.ThreadID, err)
	}
	for _, p := range participants {
		if err := s.chat.Join(ctx, roomID, p.handle); err != nil {
			return nil, err
		}
	}
	s.log.Info("Thread room created",
		zap.String("owner", account.OwnerID),
		zap.String("thread", msg.ThreadID),
		zap.String("room", roomID),
	)
	return s.bind(ctx, account, msg, roomID, addresses)
}

func (s *segmenter) bind(ctx context.Context, account *domain.Account, msg *domain.MailMessage, roomID string, participants []string) (*domain.Thread, error) {
	if err := s.rooms.Register(ctx, &domain.Room{RoomID: roomID, Kind: domain.RoomKindThread, OwnerID: account.OwnerID}); err != nil {
		return nil, err
	}
	thread := &domain.Thread{
		OwnerID:      account.OwnerID,
		ThreadID:     msg.ThreadID,
		RoomID:       roomID,
		Subject:      msg.Subject,
		Participants: domain.StringArray(participants),
		Backfill:     domain.BackfillComplete,
	}
	if thread.Participants == nil {
		thread.Participants = domain.StringArray{}
	}
	if err := s.threads.Save(ctx, thread); err != nil {
		return nil, err
	}
	return thread, nil
}

// addParticipants brings puppets of addresses new to the thread into the
// room. Levels of puppets already present are left to the owner.
func (s *segmenter) addParticipants(ctx context.Context, account *domain.Account, thread *domain.Thread, msg *domain.MailMessage) error {
	for _, p := range s.puppets(ctx, account, msg) {
		if thread.Participants.Contains(p.address) {
			continue
		}
		if err := s.chat.Invite(ctx, thread.RoomID, "", p.handle); err != nil {
			return err
		}
		if err := s.chat.Join(ctx, thread.RoomID, p.handle); err != nil {
			return err
		}
		if err := s.chat.SetPowerLevels(ctx, thread.RoomID, map[string]int{p.handle: p.level}); err != nil {
			return err
		}
		thread.Participants = append(thread.Participants, p.address)
	}
	return nil
}

type puppet struct {
	address string
	handle  string
	level   int
}

// puppets lists the registered puppets of a message's participants. Sender
// and To recipients get the default level, Cc recipients a lower one.
func (s *segmenter) puppets(ctx context.Context, account *domain.Account, msg *domain.MailMessage) []puppet {
	primary := map[string]bool{strings.ToLower(msg.From.Email): true}
	for _, a := range msg.To {
		primary[strings.ToLower(a.Email)] = true
	}

	var out []puppet
	for _, addr := range msg.Participants(account.EmailAddress) {
		if strings.EqualFold(addr.Email, account.SendAs) {
			continue
		}
		handle, err := s.mapper.AddressToHandle(addr.Email)
		if err != nil {
			s.log.Warn("Skipping participant", zap.String("address", addr.Email), zap.Error(err))
			continue
		}
		name := addr.Name
		if name == "" {
			name = addr.Email
		}
		if err := s.chat.EnsurePuppet(ctx, handle, name); err != nil {
			s.log.Warn("Unable to register puppet", zap.String("puppet", handle), zap.Error(err))
			continue
		}
		level := levelCc
		if primary[strings.ToLower(addr.Email)] {
			level = levelTo
		}
		out = append(out, puppet{address: strings.ToLower(addr.Email), handle: handle, level: level})
	}
	return out
}
