package matrix

import (
	"encoding/json"
	"fmt"

	"gmail-bridge/internal/bridge/domain"

	"maunium.net/go/mautrix/event"
)

type rawEvent struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
}

type transaction struct {
	Events []rawEvent `json:"events"`
}

// ParseTransaction decodes an appservice transaction body. Event types the
// bridge does not handle are dropped.
func ParseTransaction(body []byte) ([]domain.ChatEvent, error) {
	var txn transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	events := make([]domain.ChatEvent, 0, len(txn.Events))
	for _, raw := range txn.Events {
		evt, ok, err := convert(raw)
		if err != nil {
			return nil, err
		}
		if ok {
			events = append(events, evt)
		}
	}
	return events, nil
}

func convert(raw rawEvent) (domain.ChatEvent, bool, error) {
	evt := domain.ChatEvent{
		ID:     raw.EventID,
		RoomID: raw.RoomID,
		Sender: raw.Sender,
		Type:   domain.ChatEventType(raw.Type),
	}
	switch raw.Type {
	case event.StateMember.Type:
		if raw.StateKey == nil {
			return evt, false, nil
		}
		var content event.MemberEventContent
		if err := json.Unmarshal(raw.Content, &content); err != nil {
			return evt, false, fmt.Errorf("invalid member event %s: %w", raw.EventID, err)
		}
		evt.Target = *raw.StateKey
		evt.Membership = string(content.Membership)
		return evt, true, nil

	case event.EventMessage.Type:
		var content event.MessageEventContent
		if err := json.Unmarshal(raw.Content, &content); err != nil {
			return evt, false, fmt.Errorf("invalid message event %s: %w", raw.EventID, err)
		}
		evt.MsgType = string(content.MsgType)
		evt.Body = content.Body
		if content.Format == event.FormatHTML {
			evt.HTML = content.FormattedBody
		}
		if content.URL != "" {
			evt.MediaURL = string(content.URL)
			evt.MediaName = content.Body
			if content.FileName != "" {
				evt.MediaName = content.FileName
			}
			if content.Info != nil {
				evt.MediaMime = content.Info.MimeType
			}
		}
		if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
			evt.ReplyTo = content.RelatesTo.InReplyTo.EventID.String()
		}
		return evt, true, nil
	}
	return evt, false, nil
}
