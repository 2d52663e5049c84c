package testutil

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"gmail-bridge/internal/bridge/domain"
)

// FakeMail is an in-memory mailbox. It serves as both the
// domain.MailClientFactory and the domain.MailService it hands out.
type FakeMail struct {
	mu sync.Mutex

	Email    string
	Threads  map[string][]string
	Messages map[string]*domain.MailMessage
	Sent     []*domain.OutgoingMail
	Watches  []string
	Opened   []*domain.Credential

	// OnRefresh is the callback passed to the last ForAccount call.
	OnRefresh domain.TokenUpdateFunc

	ChangesErr    error
	CursorExpired bool
	MessageErrs   map[string]error
	SendErr       error
	ForAccountErr error

	seq       int
	threadSeq map[string]int
	sent      int
}

func NewFakeMail(email string) *FakeMail {
	return &FakeMail{
		Email:       email,
		Threads:     map[string][]string{},
		Messages:    map[string]*domain.MailMessage{},
		MessageErrs: map[string]error{},
		threadSeq:   map[string]int{},
	}
}

// AddMessage stores msg in its thread and records the change.
func (f *FakeMail) AddMessage(msg *domain.MailMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addLocked(msg)
}

func (f *FakeMail) addLocked(msg *domain.MailMessage) {
	f.Messages[msg.ID] = msg
	f.Threads[msg.ThreadID] = append(f.Threads[msg.ThreadID], msg.ID)
	f.seq++
	f.threadSeq[msg.ThreadID] = f.seq
}

// Cursor returns the current change cursor.
func (f *FakeMail) Cursor() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return strconv.Itoa(f.seq)
}

func (f *FakeMail) ForAccount(_ context.Context, cred *domain.Credential, onRefresh domain.TokenUpdateFunc) (domain.MailService, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ForAccountErr != nil {
		return nil, f.ForAccountErr
	}
	f.Opened = append(f.Opened, cred)
	f.OnRefresh = onRefresh
	return f, nil
}

func (f *FakeMail) Profile(_ context.Context) (*domain.MailProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.MailProfile{EmailAddress: f.Email, Cursor: strconv.Itoa(f.seq)}, nil
}

func (f *FakeMail) Changes(_ context.Context, cursor string) (*domain.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ChangesErr != nil {
		return nil, f.ChangesErr
	}
	if f.CursorExpired {
		return nil, fmt.Errorf("history %s: %w", cursor, domain.ErrCursorExpired)
	}
	since, err := strconv.Atoi(cursor)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", cursor, domain.ErrCursorExpired)
	}
	var ids []string
	for id, seq := range f.threadSeq {
		if seq > since {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return f.threadSeq[ids[i]] < f.threadSeq[ids[j]] })
	return &domain.ChangeSet{ThreadIDs: ids, Cursor: strconv.Itoa(f.seq)}, nil
}

func (f *FakeMail) RecentThreads(_ context.Context, since time.Time) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := map[string]time.Time{}
	for threadID, ids := range f.Threads {
		for _, id := range ids {
			if d := f.Messages[id].Date; d.After(last[threadID]) {
				last[threadID] = d
			}
		}
	}
	var ids []string
	for threadID, d := range last {
		if d.After(since) {
			ids = append(ids, threadID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return last[ids[i]].Before(last[ids[j]]) })
	return ids, nil
}

func (f *FakeMail) ThreadMessages(_ context.Context, threadID string) ([]domain.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids, ok := f.Threads[threadID]
	if !ok {
		return nil, fmt.Errorf("thread %s: %w", threadID, domain.ErrNotFound)
	}
	refs := make([]domain.MessageRef, 0, len(ids))
	for _, id := range ids {
		m := f.Messages[id]
		refs = append(refs, domain.MessageRef{ID: m.ID, ThreadID: m.ThreadID, InternalDate: m.Date, Labels: m.Labels})
	}
	return refs, nil
}

func (f *FakeMail) Message(_ context.Context, messageID string) (*domain.MailMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.MessageErrs[messageID]; err != nil {
		return nil, err
	}
	m, ok := f.Messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", messageID, domain.ErrNotFound)
	}
	out := *m
	return &out, nil
}

func (f *FakeMail) ReplyContext(_ context.Context, threadID string) (*domain.ReplyContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := f.Threads[threadID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, domain.ErrNotFound)
	}
	first, last := f.Messages[ids[0]], f.Messages[ids[len(ids)-1]]
	refs := append([]string{}, last.References...)
	if last.MessageIDHeader != "" {
		refs = append(refs, last.MessageIDHeader)
	}
	return &domain.ReplyContext{Subject: first.Subject, InReplyTo: last.MessageIDHeader, References: refs}, nil
}

// Send records the mail and files it into the mailbox labelled SENT.
func (f *FakeMail) Send(_ context.Context, out *domain.OutgoingMail) (*domain.SentMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return nil, f.SendErr
	}
	f.sent++
	f.Sent = append(f.Sent, out)
	id := fmt.Sprintf("sent-%d", f.sent)
	threadID := out.ThreadID
	if threadID == "" {
		threadID = "thread-" + id
	}
	header := "<" + id + "@fake.example>"
	f.addLocked(&domain.MailMessage{
		ID:              id,
		ThreadID:        threadID,
		MessageIDHeader: header,
		Subject:         out.Subject,
		From:            out.From,
		To:              out.To,
		Cc:              out.Cc,
		Date:            time.Now().UTC(),
		Text:            out.Text,
		Labels:          []string{"SENT"},
	})
	return &domain.SentMessage{ID: id, ThreadID: threadID, MessageIDHeader: header}, nil
}

func (f *FakeMail) Watch(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Watches = append(f.Watches, topic)
	return nil
}

// FakeAuthenticator accepts the codes listed in Codes.
type FakeAuthenticator struct {
	mu sync.Mutex

	Codes      map[string]Grant
	RefreshErr error
	Refreshed  int
	Revoked    []*domain.Credential
}

// Grant is what FakeAuthenticator hands out for a code.
type Grant struct {
	Credential *domain.Credential
	Email      string
}

func NewFakeAuthenticator() *FakeAuthenticator {
	return &FakeAuthenticator{Codes: map[string]Grant{}}
}

func (a *FakeAuthenticator) ConsentURL(state string) string {
	return "https://accounts.example.com/consent?state=" + state
}

func (a *FakeAuthenticator) Exchange(_ context.Context, code string) (*domain.Credential, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.Codes[code]
	if !ok {
		return nil, "", fmt.Errorf("%w: invalid_grant", domain.ErrCredential)
	}
	return g.Credential, g.Email, nil
}

func (a *FakeAuthenticator) Refresh(_ context.Context, cred *domain.Credential) (*domain.Credential, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RefreshErr != nil {
		return nil, a.RefreshErr
	}
	a.Refreshed++
	return &domain.Credential{
		AccessToken:  fmt.Sprintf("access-%d", a.Refreshed),
		RefreshToken: cred.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC(),
		Scopes:       cred.Scopes,
	}, nil
}

func (a *FakeAuthenticator) Revoke(_ context.Context, cred *domain.Credential) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Revoked = append(a.Revoked, cred)
	return nil
}

// ValidCredential returns a credential that stays fresh for an hour.
func ValidCredential() *domain.Credential {
	return &domain.Credential{
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC(),
	}
}
