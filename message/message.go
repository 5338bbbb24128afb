// Package message holds the record types exchanged between the DevChat backend
// and the client: chat messages, room sessions and the websocket frames that
// carry them. Every payload entering the client is decoded into one of these
// types and validated here; nothing downstream handles untyped JSON.
package message

import (
	"strings"
	"time"
)

// Origin says who produced a message.
type Origin string

const (
	OriginSelf   Origin = "self"
	OriginRemote Origin = "remote"
	OriginSystem Origin = "system"
)

// Message is one entry of a room's log.
type Message struct {
	ID         ID     `json:"id"`
	RoomID     string `json:"room_id,omitempty"`
	Text       string `json:"text"`
	Origin     Origin `json:"origin"`
	SenderName string `json:"sender_name,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	// AI marks messages authored by the assistant in an AI session.
	AI bool `json:"ai,omitempty"`
}

// IsSystem reports whether m is a locally synthesized notice.
func (m Message) IsSystem() bool { return m.Origin == OriginSystem }

// Time parses the ISO-8601 timestamp. ok is false when the timestamp is
// absent or unparsable, in which case no time should be displayed.
func (m Message) Time() (t time.Time, ok bool) {
	ts := strings.TrimSpace(m.Timestamp)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, ts); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// RoomSession describes a room the user has joined or selected.
type RoomSession struct {
	RoomID           string `json:"room_uuid"`
	RoomName         string `json:"room_name"`
	ParticipantCount int    `json:"participant_count"`
	AdminID          ID     `json:"admin_id,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

// Validate checks the fields every room record must carry.
func (r RoomSession) Validate() error {
	if strings.TrimSpace(r.RoomID) == "" {
		return ErrMissingRoom
	}
	return nil
}
