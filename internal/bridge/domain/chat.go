package domain

// ChatMessageKind selects how a message is rendered in the room.
type ChatMessageKind string

const (
	ChatText   ChatMessageKind = "text"
	ChatNotice ChatMessageKind = "notice"
	ChatFile   ChatMessageKind = "file"
)

// ChatMessage is a message the bridge posts into a room.
type ChatMessage struct {
	Kind     ChatMessageKind
	Body     string
	HTML     string
	File     *Attachment
	Metadata map[string]interface{}
}

// CreateRoomRequest describes a new room. PowerLevels overrides the levels
// of the listed users.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	Topic          string
	Invite         []string
	PowerLevels    map[string]int
}

// PowerLevels is the subset of a room's power level state the bridge reads.
type PowerLevels struct {
	Users        map[string]int
	UsersDefault int
}

// Level returns the effective level of userID.
func (p *PowerLevels) Level(userID string) int {
	if lvl, ok := p.Users[userID]; ok {
		return lvl
	}
	return p.UsersDefault
}

type ChatEventType string

const (
	ChatEventMessage ChatEventType = "m.room.message"
	ChatEventMember  ChatEventType = "m.room.member"
)

// ChatEvent is an inbound event from the chat network.
type ChatEvent struct {
	ID         string
	RoomID     string
	Sender     string
	Type       ChatEventType
	Target     string
	Membership string
	MsgType    string
	Body       string
	HTML       string
	MediaURL   string
	MediaName  string
	MediaMime  string
	ReplyTo    string
}

// HasMedia reports whether the event carries an uploaded file.
func (e *ChatEvent) HasMedia() bool {
	return e.MediaURL != ""
}
