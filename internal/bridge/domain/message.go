package domain

import (
	"strings"
	"time"
)

// Address is a mail address with an optional display name.
type Address struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// Attachment is a file carried by either a mail message or a chat event.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	ContentID string `json:"content_id,omitempty"`
	Inline    bool   `json:"inline,omitempty"`
	Data      []byte `json:"-"`
}

// MailMessage is a fully parsed inbound mail message.
type MailMessage struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
	References      []string
	Subject         string
	From            Address
	To              []Address
	Cc              []Address
	Date            time.Time
	Text            string
	HTML            string
	Attachments     []Attachment
	// ReferencedAttachmentIDs lists content ids the HTML body points at
	// that are not carried as attachments of this message.
	ReferencedAttachmentIDs []string
	Labels                  []string
}

// Participants returns From, To and Cc in that order, without duplicates and
// without the address self.
func (m *MailMessage) Participants(self string) []Address {
	seen := map[string]bool{strings.ToLower(self): true}
	var out []Address
	add := func(a Address) {
		key := strings.ToLower(strings.TrimSpace(a.Email))
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, a)
	}
	add(m.From)
	for _, a := range m.To {
		add(a)
	}
	for _, a := range m.Cc {
		add(a)
	}
	return out
}

// HasLabel reports whether the message carries the given provider label.
func (m *MessageRef) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Outgoing reports whether the message was written from the mailbox itself
// (sent or drafted) rather than received.
func (m *MessageRef) Outgoing() bool {
	return m.HasLabel("SENT") || m.HasLabel("DRAFT")
}

// MessageRef is the lightweight listing entry of a message inside a thread.
type MessageRef struct {
	ID           string
	ThreadID     string
	InternalDate time.Time
	Labels       []string
}

// MailProfile describes the authenticated mailbox.
type MailProfile struct {
	EmailAddress string
	Cursor       string
}

// ChangeSet lists threads touched since a cursor.
type ChangeSet struct {
	ThreadIDs []string
	Cursor    string
}

// ReplyContext carries the headers needed to thread a reply.
type ReplyContext struct {
	Subject    string
	InReplyTo  string
	References []string
}

// OutgoingMail is a message composed from a chat event.
type OutgoingMail struct {
	ThreadID    string
	From        Address
	To          []Address
	Cc          []Address
	Subject     string
	Text        string
	HTML        string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// SentMessage identifies a message accepted by the mail provider.
type SentMessage struct {
	ID              string
	ThreadID        string
	MessageIDHeader string
}
