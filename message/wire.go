package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingID     = errors.New("message: missing id")
	ErrMissingSender = errors.New("message: remote message without sender")
	ErrMissingRoom   = errors.New("message: missing room id")
	ErrMissingName   = errors.New("message: presence frame without user name")
	ErrUnknownType   = errors.New("message: unknown frame type")
)

// EventType tags inbound and outbound websocket frames.
type EventType string

const (
	EventChatMessage    EventType = "chat_message"
	EventMessageHistory EventType = "message_history"
	EventUserJoined     EventType = "user_joined"
	EventUserLeft       EventType = "user_left"
	EventAIThinking     EventType = "ai_thinking"
	EventAIJoined       EventType = "ai_joined"
	EventAIError        EventType = "ai_error"
	EventError          EventType = "error"
)

// DefaultAIName is used when an assistant message arrives without a sender.
const DefaultAIName = "AI"

// WireMessage is a message record as the backend serializes it, both in the
// history envelope and inside chat_message frames.
type WireMessage struct {
	ID        ID     `json:"id"`
	Message   string `json:"message"`
	IsSelf    bool   `json:"is_self"`
	Sender    string `json:"sender,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	IsAI      bool   `json:"is_ai,omitempty"`
}

// Validate rejects records the client cannot place in a log.
func (w WireMessage) Validate() error {
	if strings.TrimSpace(string(w.ID)) == "" {
		return ErrMissingID
	}
	if !w.IsSelf && !w.IsAI && strings.TrimSpace(w.Sender) == "" {
		return ErrMissingSender
	}
	return nil
}

// ToMessage converts a validated record into a log entry for roomID.
func (w WireMessage) ToMessage(roomID string) Message {
	m := Message{
		ID:        w.ID,
		RoomID:    roomID,
		Text:      w.Message,
		Origin:    OriginRemote,
		Timestamp: w.Timestamp,
		AI:        w.IsAI,
	}
	switch {
	case w.IsSelf:
		m.Origin = OriginSelf
	case w.IsAI && w.Sender == "":
		m.SenderName = DefaultAIName
	default:
		m.SenderName = w.Sender
	}
	return m
}

// DecodeRecords decodes raw records one by one so a single malformed entry
// doesn't discard the rest. rejected holds the decode or validation error of
// every skipped entry, in order.
func DecodeRecords(raws []json.RawMessage) (valid []WireMessage, rejected []error) {
	valid = make([]WireMessage, 0, len(raws))
	for i, raw := range raws {
		var w WireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			rejected = append(rejected, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		if err := w.Validate(); err != nil {
			rejected = append(rejected, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		valid = append(valid, w)
	}
	return valid, rejected
}

// Frame is an inbound websocket frame. Fields of chat_message frames sit at
// the top level next to the type tag.
type Frame struct {
	Type EventType `json:"type"`
	WireMessage
	Messages []json.RawMessage `json:"messages,omitempty"`
	Username string            `json:"username,omitempty"`
}

// Name returns the user a presence frame refers to.
func (f Frame) Name() string {
	if f.Username != "" {
		return f.Username
	}
	return f.Sender
}

// DecodeFrame parses and validates one inbound frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case EventChatMessage:
		if err := f.WireMessage.Validate(); err != nil {
			return Frame{}, fmt.Errorf("chat_message frame: %w", err)
		}
	case EventUserJoined, EventUserLeft, EventAIJoined:
		if strings.TrimSpace(f.Name()) == "" {
			return Frame{}, fmt.Errorf("%s frame: %w", f.Type, ErrMissingName)
		}
	case EventMessageHistory, EventAIThinking, EventAIError, EventError:
	default:
		return Frame{}, fmt.Errorf("%w %q", ErrUnknownType, f.Type)
	}
	return f, nil
}

// OutboundFrame is the only frame the client writes.
type OutboundFrame struct {
	Type    EventType `json:"type"`
	Message string    `json:"message"`
}

func NewOutbound(text string) OutboundFrame {
	return OutboundFrame{Type: EventChatMessage, Message: text}
}

// Pagination is the optional paging block of the history envelope.
type Pagination struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size,omitempty"`
	Total    int  `json:"total,omitempty"`
	HasNext  bool `json:"has_next"`
}

// HistoryEnvelope is the body returned by the message history endpoint.
type HistoryEnvelope struct {
	Result     string            `json:"result"`
	Messages   []json.RawMessage `json:"messages"`
	Pagination *Pagination       `json:"pagination,omitempty"`
	RoomInfo   *RoomSession      `json:"room_info,omitempty"`
}

// ResultSuccess is the only accepted value of HistoryEnvelope.Result.
const ResultSuccess = "success"
