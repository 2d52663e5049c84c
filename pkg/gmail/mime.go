package gmail

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

var cidPattern = regexp.MustCompile(`(?i)cid:([^"'\s>)]+)`)

// ParseMessage turns an RFC 5322 message into a MailMessage. Provider ids
// are left empty for the caller to fill in.
func ParseMessage(raw []byte) (*domain.MailMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, err
	}
	defer mr.Close()

	h := mr.Header
	msg := &domain.MailMessage{}
	msg.Subject, _ = h.Subject()
	msg.Date, _ = h.Date()
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageIDHeader = "<" + id + ">"
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		for _, r := range refs {
			msg.References = append(msg.References, "<"+r+">")
		}
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = toAddress(from[0])
	}
	msg.To = addressList(h, "To")
	msg.Cc = addressList(h, "Cc")

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, err
		}

		var ph message.Header
		switch header := p.Header.(type) {
		case *mail.InlineHeader:
			ph = header.Header
		case *mail.AttachmentHeader:
			ph = header.Header
		default:
			continue
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("unable to read part: %v", err)
		}

		ctype, params, _ := ph.ContentType()
		if ctype == "" {
			ctype = "text/plain"
		}
		disp, _, _ := ph.ContentDisposition()
		switch {
		case disp != "attachment" && ctype == "text/plain" && msg.Text == "":
			msg.Text = string(body)
		case disp != "attachment" && ctype == "text/html" && msg.HTML == "":
			msg.HTML = string(body)
		default:
			msg.Attachments = append(msg.Attachments, toAttachment(ph, ctype, params, disp, body))
		}
	}

	msg.ReferencedAttachmentIDs = danglingContentIDs(msg.HTML, msg.Attachments)
	return msg, nil
}

func toAttachment(h message.Header, ctype string, params map[string]string, disp string, body []byte) domain.Attachment {
	ah := mail.AttachmentHeader{Header: h}
	name, _ := ah.Filename()
	if name == "" {
		name = params["name"]
	}
	if name == "" {
		name = "attachment"
		if exts, _ := mime.ExtensionsByType(ctype); len(exts) > 0 {
			name += exts[0]
		}
	}
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	cid := strings.Trim(h.Get("Content-Id"), "<> ")
	return domain.Attachment{
		Name:      name,
		MimeType:  ctype,
		ContentID: cid,
		Inline:    disp == "inline" || (disp == "" && cid != ""),
		Data:      body,
	}
}

// danglingContentIDs lists cid references of the HTML body that no
// attachment of the message satisfies.
func danglingContentIDs(html string, attachments []domain.Attachment) []string {
	own := map[string]bool{}
	for _, a := range attachments {
		if a.ContentID != "" {
			own[strings.ToLower(a.ContentID)] = true
		}
	}
	seen := map[string]bool{}
	refs := []string{}
	for _, m := range cidPattern.FindAllStringSubmatch(html, -1) {
		id := m[1]
		key := strings.ToLower(id)
		if own[key] || seen[key] {
			continue
		}
		seen[key] = true
		refs = append(refs, id)
	}
	return refs
}

func addressList(h mail.Header, key string) []domain.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]domain.Address, 0, len(list))
	for _, a := range list {
		out = append(out, toAddress(a))
	}
	return out
}

func toAddress(a *mail.Address) domain.Address {
	return domain.Address{Name: a.Name, Email: strings.ToLower(a.Address)}
}

func toMailAddresses(list []domain.Address) []*mail.Address {
	out := make([]*mail.Address, 0, len(list))
	for _, a := range list {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Email})
	}
	return out
}

// BuildMessage renders m as an RFC 5322 message and returns it together
// with the Message-ID it was given.
func BuildMessage(m *domain.OutgoingMail, now time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(now)
	h.SetAddressList("From", []*mail.Address{{Name: m.From.Name, Address: m.From.Email}})
	if len(m.To) > 0 {
		h.SetAddressList("To", toMailAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(m.Cc))
	}
	h.SetSubject(m.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", err
	}
	id, _ := h.MessageID()
	if m.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{trimID(m.InReplyTo)})
	}
	if len(m.References) > 0 {
		refs := make([]string, 0, len(m.References))
		for _, r := range m.References {
			refs = append(refs, trimID(r))
		}
		h.SetMsgIDList("References", refs)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	tw, err := mw.CreateInline()
	if err != nil {
		return nil, "", err
	}
	if err := writeTextPart(tw, "text/plain", m.Text); err != nil {
		return nil, "", err
	}
	if m.HTML != "" {
		if err := writeTextPart(tw, "text/html", m.HTML); err != nil {
			return nil, "", err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", err
	}

	for _, att := range m.Attachments {
		var ah mail.AttachmentHeader
		ctype := att.MimeType
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		ah.SetContentType(ctype, nil)
		ah.SetFilename(att.Name)
		ah.Set("Content-Transfer-Encoding", "base64")
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(att.Data); err != nil {
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "<" + id + ">", nil
}

func writeTextPart(tw *mail.InlineWriter, ctype, body string) error {
	var th mail.InlineHeader
	th.SetContentType(ctype, map[string]string{"charset": "utf-8"})
	th.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := tw.CreatePart(th)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func trimID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}
