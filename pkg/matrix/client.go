package matrix

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"gmail-bridge/internal/bridge/domain"

	"go.uber.org/zap"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client talks to the homeserver with the appservice token, acting as the
// bridge bot or as any puppet in the bridge namespace.
type Client struct {
	homeserverURL string
	asToken       string
	botID         id.UserID
	bot           *mautrix.Client
	log           *zap.Logger

	mu         sync.Mutex
	intents    map[id.UserID]*mautrix.Client
	registered map[id.UserID]bool
}

func NewClient(homeserverURL, asToken, botUserID string, log *zap.Logger) (*Client, error) {
	c := &Client{
		homeserverURL: homeserverURL,
		asToken:       asToken,
		botID:         id.UserID(botUserID),
		log:           log,
		intents:       make(map[id.UserID]*mautrix.Client),
		registered:    make(map[id.UserID]bool),
	}
	bot, err := c.newIntent(c.botID)
	if err != nil {
		return nil, err
	}
	c.bot = bot
	return c, nil
}

func (c *Client) newIntent(userID id.UserID) (*mautrix.Client, error) {
	cli, err := mautrix.NewClient(c.homeserverURL, userID, c.asToken)
	if err != nil {
		return nil, fmt.Errorf("unable to create client for %s: %v", userID, err)
	}
	cli.SetAppServiceUserID = true
	return cli, nil
}

func (c *Client) intent(asUser string) (*mautrix.Client, error) {
	if asUser == "" || id.UserID(asUser) == c.botID {
		return c.bot, nil
	}
	uid := id.UserID(asUser)
	c.mu.Lock()
	defer c.mu.Unlock()
	if cli, ok := c.intents[uid]; ok {
		return cli, nil
	}
	cli, err := c.newIntent(uid)
	if err != nil {
		return nil, err
	}
	c.intents[uid] = cli
	return cli, nil
}

func (c *Client) BotUserID() string {
	return c.botID.String()
}

// EnsureBotRegistered registers the bot user; an existing user is fine.
func (c *Client) EnsureBotRegistered(ctx context.Context) error {
	return c.register(ctx, c.botID)
}

func (c *Client) register(ctx context.Context, userID id.UserID) error {
	c.mu.Lock()
	done := c.registered[userID]
	c.mu.Unlock()
	if done {
		return nil
	}
	localpart, _, err := userID.Parse()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMapping, err)
	}
	_, _, err = c.bot.Register(ctx, &mautrix.ReqRegister{
		Username:     localpart,
		Type:         mautrix.AuthTypeAppservice,
		InhibitLogin: true,
	})
	if err != nil && !errors.Is(err, mautrix.MUserInUse) {
		return classify("register "+userID.String(), err)
	}
	c.mu.Lock()
	c.registered[userID] = true
	c.mu.Unlock()
	return nil
}

func (c *Client) EnsurePuppet(ctx context.Context, userID, displayName string) error {
	uid := id.UserID(userID)
	c.mu.Lock()
	known := c.registered[uid]
	c.mu.Unlock()
	if err := c.register(ctx, uid); err != nil {
		return err
	}
	if known || displayName == "" {
		return nil
	}
	puppet, err := c.intent(userID)
	if err != nil {
		return err
	}
	if err := puppet.SetDisplayName(ctx, displayName); err != nil {
		return classify("set display name of "+userID, err)
	}
	return nil
}

func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	resp, err := c.bot.ResolveAlias(ctx, id.RoomAlias(alias))
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", fmt.Errorf("alias %s: %w", alias, domain.ErrNotFound)
		}
		return "", classify("resolve alias "+alias, err)
	}
	return resp.RoomID.String(), nil
}

func (c *Client) CreateRoom(ctx context.Context, req *domain.CreateRoomRequest) (string, error) {
	invite := make([]id.UserID, 0, len(req.Invite))
	for _, u := range req.Invite {
		invite = append(invite, id.UserID(u))
	}
	users := map[id.UserID]int{c.botID: 100}
	for u, lvl := range req.PowerLevels {
		users[id.UserID(u)] = lvl
	}
	resp, err := c.bot.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:        "private_chat",
		RoomAliasName: req.AliasLocalpart,
		Name:          req.Name,
		Topic:         req.Topic,
		Invite:        invite,
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users:        users,
			UsersDefault: 0,
		},
	})
	if err != nil {
		return "", classify("create room "+req.AliasLocalpart, err)
	}
	return resp.RoomID.String(), nil
}

func (c *Client) SetAlias(ctx context.Context, roomID, alias string) error {
	_, err := c.bot.CreateAlias(ctx, id.RoomAlias(alias), id.RoomID(roomID))
	if err != nil {
		return classify("create alias "+alias, err)
	}
	return nil
}

func (c *Client) Invite(ctx context.Context, roomID, asUser, userID string) error {
	cli, err := c.intent(asUser)
	if err != nil {
		return err
	}
	_, err = cli.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	if err != nil {
		// already joined or invited
		if errors.Is(err, mautrix.MForbidden) && isMembershipConflict(err) {
			return nil
		}
		return classify("invite "+userID, err)
	}
	return nil
}

func (c *Client) Join(ctx context.Context, roomID, asUser string) error {
	cli, err := c.intent(asUser)
	if err != nil {
		return err
	}
	if _, err := cli.JoinRoomByID(ctx, id.RoomID(roomID)); err != nil {
		return classify("join "+roomID, err)
	}
	return nil
}

func (c *Client) Leave(ctx context.Context, roomID, asUser string) error {
	cli, err := c.intent(asUser)
	if err != nil {
		return err
	}
	if _, err := cli.LeaveRoom(ctx, id.RoomID(roomID)); err != nil {
		return classify("leave "+roomID, err)
	}
	return nil
}

func (c *Client) Members(ctx context.Context, roomID string) ([]string, error) {
	resp, err := c.bot.JoinedMembers(ctx, id.RoomID(roomID))
	if err != nil {
		return nil, classify("list members of "+roomID, err)
	}
	members := make([]string, 0, len(resp.Joined))
	for uid := range resp.Joined {
		members = append(members, uid.String())
	}
	return members, nil
}

func (c *Client) PowerLevels(ctx context.Context, roomID string) (*domain.PowerLevels, error) {
	content, err := c.powerLevels(ctx, roomID)
	if err != nil {
		return nil, err
	}
	levels := &domain.PowerLevels{Users: map[string]int{}, UsersDefault: content.UsersDefault}
	for uid, lvl := range content.Users {
		levels.Users[uid.String()] = lvl
	}
	return levels, nil
}

func (c *Client) powerLevels(ctx context.Context, roomID string) (*event.PowerLevelsEventContent, error) {
	var content event.PowerLevelsEventContent
	if err := c.bot.StateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", &content); err != nil {
		return nil, classify("read power levels of "+roomID, err)
	}
	return &content, nil
}

func (c *Client) SetPowerLevels(ctx context.Context, roomID string, levels map[string]int) error {
	content, err := c.powerLevels(ctx, roomID)
	if err != nil {
		return err
	}
	if content.Users == nil {
		content.Users = map[id.UserID]int{}
	}
	for u, lvl := range levels {
		content.Users[id.UserID(u)] = lvl
	}
	if _, err := c.bot.SendStateEvent(ctx, id.RoomID(roomID), event.StatePowerLevels, "", content); err != nil {
		return classify("update power levels of "+roomID, err)
	}
	return nil
}

func (c *Client) RoomName(ctx context.Context, roomID string) (string, error) {
	var content event.RoomNameEventContent
	err := c.bot.StateEvent(ctx, id.RoomID(roomID), event.StateRoomName, "", &content)
	if err != nil {
		if errors.Is(err, mautrix.MNotFound) {
			return "", nil
		}
		return "", classify("read name of "+roomID, err)
	}
	return content.Name, nil
}

func (c *Client) SendMessage(ctx context.Context, roomID, asUser string, msg *domain.ChatMessage) (string, error) {
	cli, err := c.intent(asUser)
	if err != nil {
		return "", err
	}
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: msg.Body}
	switch msg.Kind {
	case domain.ChatNotice:
		content.MsgType = event.MsgNotice
	case domain.ChatFile:
		if msg.File == nil {
			return "", fmt.Errorf("file message without file")
		}
		upload, err := cli.UploadBytes(ctx, msg.File.Data, msg.File.MimeType)
		if err != nil {
			return "", classify("upload "+msg.File.Name, err)
		}
		content.MsgType = fileMsgType(msg.File.MimeType)
		content.Body = msg.File.Name
		content.FileName = msg.File.Name
		content.URL = upload.ContentURI.CUString()
		content.Info = &event.FileInfo{MimeType: msg.File.MimeType, Size: len(msg.File.Data)}
	}
	if msg.HTML != "" && msg.Kind != domain.ChatFile {
		content.Format = event.FormatHTML
		content.FormattedBody = msg.HTML
	}

	var payload interface{} = content
	if len(msg.Metadata) > 0 {
		payload = &event.Content{Parsed: content, Raw: msg.Metadata}
	}
	resp, err := cli.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, payload)
	if err != nil {
		return "", classify("send message to "+roomID, err)
	}
	return resp.EventID.String(), nil
}

func (c *Client) Download(ctx context.Context, uri string) ([]byte, error) {
	mxc, err := id.ParseContentURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid content uri %q: %v", uri, err)
	}
	data, err := c.bot.DownloadBytes(ctx, mxc)
	if err != nil {
		return nil, classify("download "+uri, err)
	}
	return data, nil
}

func fileMsgType(mimeType string) event.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return event.MsgImage
	case strings.HasPrefix(mimeType, "video/"):
		return event.MsgVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return event.MsgAudio
	}
	return event.MsgFile
}

func isMembershipConflict(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already in the room") || strings.Contains(msg, "already joined") || strings.Contains(msg, "is already")
}

// classify maps homeserver failures onto the bridge error taxonomy.
func classify(action string, err error) error {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		code := httpErr.Response.StatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
		}
		return fmt.Errorf("unable to %s: %v", action, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("unable to %s: %w: %v", action, domain.ErrTransient, err)
	}
	return fmt.Errorf("unable to %s: %w", action, err)
}
