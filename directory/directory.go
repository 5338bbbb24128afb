// Package directory wraps the room management REST endpoints: listing and
// selecting rooms, joining with a one-time code, leaving, issuing access
// codes and AI sessions.
package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/internal/rest"
	"github.com/knu-devchat/devchat-frontend/message"
)

var (
	ErrInvalidCode = errors.New("directory: join code must be 6 digits")
	ErrEmptyName   = errors.New("directory: room name is empty")
	ErrEmptyText   = errors.New("directory: message is empty")
)

type APIError = rest.APIError

// IsStatus reports whether err is an API error with the given HTTP status.
func IsStatus(err error, status int) bool { return rest.IsStatus(err, status) }

var codePattern = regexp.MustCompile(`^[0-9]{6}$`)

// AccessCode is a time-based one-time code that lets others join a room.
type AccessCode struct {
	TOTP     string `json:"totp"`
	Interval int    `json:"interval"`
	RoomName string `json:"room_name"`
	RoomID   string `json:"room_uuid"`
}

// AISession is an assistant conversation bound to a room.
type AISession struct {
	ID        message.ID `json:"session_id"`
	RoomID    string     `json:"room_uuid"`
	CreatedAt string     `json:"created_at,omitempty"`
}

type Client struct {
	api    *rest.Client
	logger zerolog.Logger
}

func New(api *rest.Client, logger *zerolog.Logger) *Client {
	c := &Client{api: api, logger: log.Logger}
	if logger != nil {
		c.logger = *logger
	}
	return c
}

type roomRequest struct {
	RoomID string `json:"room_uuid"`
}

func (c *Client) ListMyRooms(ctx context.Context) ([]message.RoomSession, error) {
	var resp struct {
		Rooms []message.RoomSession `json:"rooms"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/chat/my-rooms/", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	rooms := make([]message.RoomSession, 0, len(resp.Rooms))
	for _, r := range resp.Rooms {
		if err := r.Validate(); err != nil {
			c.logger.Warn().Err(err).Msg("[directory] skip invalid room")
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}

// SelectRoom makes roomID the server-side current room of the session.
func (c *Client) SelectRoom(ctx context.Context, roomID string) (message.RoomSession, error) {
	return c.roomCall(ctx, http.MethodPost, "/chat/select-room/", roomRequest{RoomID: roomID}, "select room")
}

// CurrentRoom returns the server-side current room, if any.
func (c *Client) CurrentRoom(ctx context.Context) (message.RoomSession, bool, error) {
	var resp struct {
		Room *message.RoomSession `json:"room"`
	}
	err := c.api.Do(ctx, http.MethodGet, "/chat/current-room/", nil, nil, &resp)
	if IsStatus(err, http.StatusNotFound) {
		return message.RoomSession{}, false, nil
	}
	if err != nil {
		return message.RoomSession{}, false, fmt.Errorf("current room: %w", err)
	}
	if resp.Room == nil || resp.Room.RoomID == "" {
		return message.RoomSession{}, false, nil
	}
	return *resp.Room, true, nil
}

func (c *Client) CreateRoom(ctx context.Context, name string) (message.RoomSession, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return message.RoomSession{}, ErrEmptyName
	}
	body := struct {
		RoomName string `json:"room_name"`
	}{name}
	return c.roomCall(ctx, http.MethodPost, "/chat/chat-rooms/", body, "create room")
}

// JoinRoomByCode joins the room an access code was issued for.
func (c *Client) JoinRoomByCode(ctx context.Context, code string) (message.RoomSession, error) {
	code = strings.TrimSpace(code)
	if !codePattern.MatchString(code) {
		return message.RoomSession{}, ErrInvalidCode
	}
	body := struct {
		OTP string `json:"otp"`
	}{code}
	return c.roomCall(ctx, http.MethodPost, "/chat/join-room/", body, "join room")
}

func (c *Client) RoomDetails(ctx context.Context, roomID string) (message.RoomSession, error) {
	if roomID == "" {
		return message.RoomSession{}, message.ErrMissingRoom
	}
	return c.roomCall(ctx, http.MethodGet, "/chat/chat-rooms/"+url.PathEscape(roomID)+"/", nil, "room details")
}

func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return message.ErrMissingRoom
	}
	if err := c.api.Do(ctx, http.MethodPost, "/chat/leave-room/", nil, roomRequest{RoomID: roomID}, nil); err != nil {
		return fmt.Errorf("leave room %s: %w", roomID, err)
	}
	return nil
}

// AccessCode asks the server for the current join code of roomID.
func (c *Client) AccessCode(ctx context.Context, roomID string) (AccessCode, error) {
	if roomID == "" {
		return AccessCode{}, message.ErrMissingRoom
	}
	var code AccessCode
	if err := c.api.Do(ctx, http.MethodPost, "/chat/access-code/", nil, roomRequest{RoomID: roomID}, &code); err != nil {
		return AccessCode{}, fmt.Errorf("access code: %w", err)
	}
	return code, nil
}

// SendMessage posts text over REST. The realtime channel is the usual path;
// this one works without an open socket.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) (message.WireMessage, error) {
	if roomID == "" {
		return message.WireMessage{}, message.ErrMissingRoom
	}
	if strings.TrimSpace(text) == "" {
		return message.WireMessage{}, ErrEmptyText
	}
	body := struct {
		Content string `json:"content"`
	}{text}
	var resp struct {
		Result  string              `json:"result"`
		Message message.WireMessage `json:"message"`
	}
	path := "/chat/chat-rooms/" + url.PathEscape(roomID) + "/messages/"
	if err := c.api.Do(ctx, http.MethodPost, path, nil, body, &resp); err != nil {
		return message.WireMessage{}, fmt.Errorf("send message: %w", err)
	}
	if err := resp.Message.Validate(); err != nil {
		return message.WireMessage{}, fmt.Errorf("send message: %w", err)
	}
	return resp.Message, nil
}

func (c *Client) ListAISessions(ctx context.Context) ([]AISession, error) {
	var resp struct {
		Sessions []AISession `json:"sessions"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/ai/sessions/", nil, nil, &resp); err != nil {
		return nil, fmt.Errorf("list ai sessions: %w", err)
	}
	return resp.Sessions, nil
}

func (c *Client) StartAISession(ctx context.Context, roomID string) (AISession, error) {
	if roomID == "" {
		return AISession{}, message.ErrMissingRoom
	}
	var s AISession
	if err := c.api.Do(ctx, http.MethodPost, "/ai/sessions/", nil, roomRequest{RoomID: roomID}, &s); err != nil {
		return AISession{}, fmt.Errorf("start ai session: %w", err)
	}
	if s.ID == "" {
		return AISession{}, fmt.Errorf("start ai session: %w", message.ErrMissingID)
	}
	return s, nil
}

func (c *Client) roomCall(ctx context.Context, method, path string, body any, what string) (message.RoomSession, error) {
	var room message.RoomSession
	if err := c.api.Do(ctx, method, path, nil, body, &room); err != nil {
		return message.RoomSession{}, fmt.Errorf("%s: %w", what, err)
	}
	if err := room.Validate(); err != nil {
		return message.RoomSession{}, fmt.Errorf("%s: %w", what, err)
	}
	return room, nil
}
