package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	user              = "me"
	recentThreadLimit = 200
)

// Service creates per-account Gmail clients and runs the consent flow.
type Service struct {
	clientID     string
	clientSecret string
	redirectURI  string
	log          *zap.Logger
}

type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback domain.TokenUpdateFunc
	log      *zap.Logger
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(credentialFromToken(t, nil)); err != nil {
			s.log.Warn("Failed to persist refreshed token", zap.Error(err))
		}
	}
	return t, nil
}

func NewService(clientID, clientSecret, redirectURI string, log *zap.Logger) *Service {
	return &Service{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		log:          log,
	}
}

// ForAccount opens a Gmail client acting with cred. Tokens refreshed by the
// client are handed to onRefresh.
func (s *Service) ForAccount(ctx context.Context, cred *domain.Credential, onRefresh domain.TokenUpdateFunc) (domain.MailService, error) {
	if cred == nil {
		return nil, fmt.Errorf("no credential: %w", domain.ErrCredential)
	}
	token := tokenFromCredential(cred)
	tokenSource := s.oauthConfig().TokenSource(ctx, token)

	// Wrap token source to detect refreshes
	wrapped := &notifyTokenSource{
		src:      tokenSource,
		current:  token,
		callback: keepScopes(cred, onRefresh),
		log:      s.log,
	}

	client := oauth2.NewClient(ctx, wrapped)
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %v", err)
	}
	return &Client{srv: srv, log: s.log}, nil
}

// keepScopes carries the granted scopes over to refreshed credentials.
func keepScopes(cred *domain.Credential, onRefresh domain.TokenUpdateFunc) domain.TokenUpdateFunc {
	if onRefresh == nil {
		return nil
	}
	return func(fresh *domain.Credential) error {
		fresh.Scopes = cred.Scopes
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = cred.RefreshToken
		}
		return onRefresh(fresh)
	}
}

// Client implements domain.MailService for one mailbox.
type Client struct {
	srv *gmail.Service
	log *zap.Logger
}

func (c *Client) Profile(ctx context.Context) (*domain.MailProfile, error) {
	profile, err := c.srv.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("retrieve profile", err)
	}
	return &domain.MailProfile{
		EmailAddress: strings.ToLower(profile.EmailAddress),
		Cursor:       strconv.FormatUint(profile.HistoryId, 10),
	}, nil
}

func (c *Client) Changes(ctx context.Context, cursor string) (*domain.ChangeSet, error) {
	start, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor %q", domain.ErrCursorExpired, cursor)
	}

	set := &domain.ChangeSet{Cursor: cursor}
	seen := map[string]bool{}
	pageToken := ""
	for {
		call := c.srv.Users.History.List(user).
			StartHistoryId(start).
			HistoryTypes("messageAdded").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			classified := classify("list history", err)
			if errors.Is(classified, domain.ErrNotFound) {
				return nil, fmt.Errorf("%w: %v", domain.ErrCursorExpired, err)
			}
			return nil, classified
		}
		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				msg := added.Message
				if msg == nil || seen[msg.ThreadId] {
					continue
				}
				seen[msg.ThreadId] = true
				set.ThreadIDs = append(set.ThreadIDs, msg.ThreadId)
			}
		}
		if resp.HistoryId != 0 {
			set.Cursor = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return set, nil
}

func (c *Client) RecentThreads(ctx context.Context, since time.Time) ([]string, error) {
	query := fmt.Sprintf("after:%d", since.Unix())
	var ids []string
	pageToken := ""
	for len(ids) < recentThreadLimit {
		call := c.srv.Users.Threads.List(user).Q(query).MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, classify("list threads", err)
		}
		for _, t := range resp.Threads {
			ids = append(ids, t.Id)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	// Gmail lists newest first
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

func (c *Client) ThreadMessages(ctx context.Context, threadID string) ([]domain.MessageRef, error) {
	thread, err := c.srv.Users.Threads.Get(user, threadID).Format("minimal").Context(ctx).Do()
	if err != nil {
		return nil, classify("retrieve thread "+threadID, err)
	}
	refs := make([]domain.MessageRef, 0, len(thread.Messages))
	for _, m := range thread.Messages {
		refs = append(refs, domain.MessageRef{
			ID:           m.Id,
			ThreadID:     m.ThreadId,
			InternalDate: time.UnixMilli(m.InternalDate).UTC(),
			Labels:       m.LabelIds,
		})
	}
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].InternalDate.Before(refs[j].InternalDate)
	})
	return refs, nil
}

func (c *Client) Message(ctx context.Context, messageID string) (*domain.MailMessage, error) {
	msg, err := c.srv.Users.Messages.Get(user, messageID).Format("raw").Context(ctx).Do()
	if err != nil {
		return nil, classify("retrieve message "+messageID, err)
	}
	raw, err := decodeRaw(msg.Raw)
	if err != nil {
		return nil, fmt.Errorf("unable to decode message %s: %v", messageID, err)
	}
	parsed, err := ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("unable to parse message %s: %v", messageID, err)
	}
	parsed.ID = msg.Id
	parsed.ThreadID = msg.ThreadId
	parsed.Labels = msg.LabelIds
	if parsed.Date.IsZero() {
		parsed.Date = time.UnixMilli(msg.InternalDate).UTC()
	}
	return parsed, nil
}

func (c *Client) ReplyContext(ctx context.Context, threadID string) (*domain.ReplyContext, error) {
	thread, err := c.srv.Users.Threads.Get(user, threadID).
		Format("metadata").
		MetadataHeaders("Subject", "Message-ID", "References").
		Context(ctx).Do()
	if err != nil {
		return nil, classify("retrieve thread "+threadID, err)
	}
	if len(thread.Messages) == 0 {
		return nil, fmt.Errorf("thread %s is empty: %w", threadID, domain.ErrNotFound)
	}
	first := thread.Messages[0]
	last := thread.Messages[len(thread.Messages)-1]

	rc := &domain.ReplyContext{Subject: getHeader(first.Payload, "Subject")}
	rc.InReplyTo = getHeader(last.Payload, "Message-ID")
	rc.References = strings.Fields(getHeader(last.Payload, "References"))
	if rc.InReplyTo != "" {
		rc.References = append(rc.References, rc.InReplyTo)
	}
	return rc, nil
}

func (c *Client) Send(ctx context.Context, mail *domain.OutgoingMail) (*domain.SentMessage, error) {
	raw, messageID, err := BuildMessage(mail, time.Now())
	if err != nil {
		return nil, fmt.Errorf("unable to build message: %v", err)
	}
	msg := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: mail.ThreadID,
	}
	sent, err := c.srv.Users.Messages.Send(user, msg).Context(ctx).Do()
	if err != nil {
		return nil, classify("send email", err)
	}
	return &domain.SentMessage{ID: sent.Id, ThreadID: sent.ThreadId, MessageIDHeader: messageID}, nil
}

// Watch (re)starts push notifications for the inbox on topic.
func (c *Client) Watch(ctx context.Context, topic string) error {
	// only one watch per mailbox; a missing one is fine
	_ = c.srv.Users.Stop(user).Context(ctx).Do()

	req := &gmail.WatchRequest{
		TopicName: topic,
		LabelIds:  []string{"INBOX"},
	}
	resp, err := c.srv.Users.Watch(user, req).Context(ctx).Do()
	if err != nil {
		return classify("watch mailbox", err)
	}
	c.log.Debug("Gmail watch started",
		zap.Int64("expiration", resp.Expiration),
		zap.Uint64("history_id", resp.HistoryId),
	)
	return nil
}

func getHeader(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, header := range part.Headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

func decodeRaw(raw string) ([]byte, error) {
	if data, err := base64.URLEncoding.DecodeString(raw); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(raw)
}
