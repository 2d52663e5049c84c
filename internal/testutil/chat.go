package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gmail-bridge/internal/bridge/domain"
)

// PostedMessage is a message recorded by FakeChat.
type PostedMessage struct {
	EventID string
	RoomID  string
	Sender  string
	Message domain.ChatMessage
}

// FakeRoom is the state FakeChat keeps per room.
type FakeRoom struct {
	ID         string
	Name       string
	Topic      string
	Membership map[string]string
	Levels     domain.PowerLevels
}

// FakeChat is an in-memory domain.ChatNetwork.
type FakeChat struct {
	mu sync.Mutex

	Bot     string
	Rooms   map[string]*FakeRoom
	Aliases map[string]string
	Puppets map[string]string
	Media   map[string][]byte
	Posted  []PostedMessage

	// SendErr is returned by the FailSendAt-th SendMessage call (1-based).
	// With FailSendAt zero every call fails while SendErr is set.
	SendErr    error
	FailSendAt int
	CreateErr  error

	sends  int
	nextID int
}

func NewFakeChat(bot string) *FakeChat {
	return &FakeChat{
		Bot:     bot,
		Rooms:   map[string]*FakeRoom{},
		Aliases: map[string]string{},
		Puppets: map[string]string{},
		Media:   map[string][]byte{},
	}
}

func (f *FakeChat) server() string {
	if i := strings.IndexByte(f.Bot, ':'); i >= 0 {
		return f.Bot[i+1:]
	}
	return "localhost"
}

// AddRoom creates a room in which the given users are joined.
func (f *FakeChat) AddRoom(roomID, name string, joined ...string) *FakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	room := &FakeRoom{
		ID:         roomID,
		Name:       name,
		Membership: map[string]string{},
		Levels:     domain.PowerLevels{Users: map[string]int{}},
	}
	for _, u := range joined {
		room.Membership[u] = "join"
	}
	f.Rooms[roomID] = room
	return room
}

// SetLevel sets the power level of userID in roomID.
func (f *FakeChat) SetLevel(roomID, userID string, level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Rooms[roomID].Levels.Users[userID] = level
}

// MessagesIn returns the messages posted into roomID in order.
func (f *FakeChat) MessagesIn(roomID string) []PostedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []PostedMessage
	for _, p := range f.Posted {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	return out
}

// Room returns the room with the given id, or nil.
func (f *FakeChat) Room(roomID string) *FakeRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Rooms[roomID]
}

func (f *FakeChat) BotUserID() string {
	return f.Bot
}

func (f *FakeChat) EnsurePuppet(_ context.Context, userID, displayName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Puppets[userID]; !ok {
		f.Puppets[userID] = displayName
	}
	return nil
}

func (f *FakeChat) ResolveAlias(_ context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if roomID, ok := f.Aliases[alias]; ok {
		return roomID, nil
	}
	return "", fmt.Errorf("alias %s: %w", alias, domain.ErrNotFound)
}

func (f *FakeChat) CreateRoom(_ context.Context, req *domain.CreateRoomRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	roomID := fmt.Sprintf("!room%d:%s", f.nextID, f.server())
	room := &FakeRoom{
		ID:         roomID,
		Name:       req.Name,
		Topic:      req.Topic,
		Membership: map[string]string{f.Bot: "join"},
		Levels:     domain.PowerLevels{Users: map[string]int{f.Bot: 100}},
	}
	for _, u := range req.Invite {
		room.Membership[u] = "invite"
	}
	for u, lvl := range req.PowerLevels {
		room.Levels.Users[u] = lvl
	}
	f.Rooms[roomID] = room
	if req.AliasLocalpart != "" {
		f.Aliases["#"+req.AliasLocalpart+":"+f.server()] = roomID
	}
	return roomID, nil
}

func (f *FakeChat) SetAlias(_ context.Context, roomID, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Aliases[alias] = roomID
	return nil
}

func (f *FakeChat) room(roomID string) (*FakeRoom, error) {
	room, ok := f.Rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, domain.ErrNotFound)
	}
	return room, nil
}

func (f *FakeChat) actor(asUser string) string {
	if asUser == "" {
		return f.Bot
	}
	return asUser
}

func (f *FakeChat) Invite(_ context.Context, roomID, _, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	if room.Membership[userID] != "join" {
		room.Membership[userID] = "invite"
	}
	return nil
}

func (f *FakeChat) Join(_ context.Context, roomID, asUser string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	room.Membership[f.actor(asUser)] = "join"
	return nil
}

func (f *FakeChat) Leave(_ context.Context, roomID, asUser string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	delete(room.Membership, f.actor(asUser))
	return nil
}

func (f *FakeChat) Members(_ context.Context, roomID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return nil, err
	}
	var members []string
	for u, m := range room.Membership {
		if m == "join" {
			members = append(members, u)
		}
	}
	sort.Strings(members)
	return members, nil
}

func (f *FakeChat) PowerLevels(_ context.Context, roomID string) (*domain.PowerLevels, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return nil, err
	}
	levels := &domain.PowerLevels{Users: map[string]int{}, UsersDefault: room.Levels.UsersDefault}
	for u, l := range room.Levels.Users {
		levels.Users[u] = l
	}
	return levels, nil
}

func (f *FakeChat) SetPowerLevels(_ context.Context, roomID string, levels map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return err
	}
	for u, l := range levels {
		room.Levels.Users[u] = l
	}
	return nil
}

func (f *FakeChat) RoomName(_ context.Context, roomID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, err := f.room(roomID)
	if err != nil {
		return "", err
	}
	return room.Name, nil
}

func (f *FakeChat) SendMessage(_ context.Context, roomID, asUser string, msg *domain.ChatMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	if f.SendErr != nil && (f.FailSendAt == 0 || f.FailSendAt == f.sends) {
		return "", f.SendErr
	}
	if _, err := f.room(roomID); err != nil {
		return "", err
	}
	f.nextID++
	eventID := fmt.Sprintf("$event%d", f.nextID)
	f.Posted = append(f.Posted, PostedMessage{
		EventID: eventID,
		RoomID:  roomID,
		Sender:  f.actor(asUser),
		Message: *msg,
	})
	return eventID, nil
}

func (f *FakeChat) Download(_ context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.Media[uri]
	if !ok {
		return nil, fmt.Errorf("media %s: %w", uri, domain.ErrNotFound)
	}
	return data, nil
}
