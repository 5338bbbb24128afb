package devserver

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/knu-devchat/devchat-frontend/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

// inbound is what browsers and the sync client write on either socket.
type inbound struct {
	Type    message.EventType `json:"type"`
	Message string            `json:"message"`
}

// client is one websocket participant of a room or an AI session.
type client struct {
	user   string
	kind   string
	conn   *websocket.Conn
	send   chan message.Frame
	done   chan struct{}
	closed atomic.Bool
	logger zerolog.Logger
}

func newClient(user, kind string, conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		user:   user,
		kind:   kind,
		conn:   conn,
		send:   make(chan message.Frame, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// readLoop hands every decoded frame to route and returns when the socket
// fails.
func (c *client) readLoop(route func(inbound)) {
	defer c.close()
	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Str("user", c.user).Msg("[devserver] read message")
			return
		}
		var in inbound
		if err := json.Unmarshal(payload, &in); err != nil {
			c.push(errorFrame(message.EventError, "잘못된 메시지 형식입니다."))
			continue
		}
		route(in)
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeJSON(c.conn, f); err != nil {
				c.logger.Debug().Err(err).Str("user", c.user).Msg("[devserver] write json")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *client) push(f message.Frame) {
	if c.closed.Load() {
		return
	}
	select {
	case c.send <- f:
	default:
		// drop oldest to avoid blocking the room
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- f:
		default:
		}
	}
}

func (c *client) close() {
	if c.closed.Swap(true) {
		return
	}
	// the writer sends the close frame and releases the socket
	close(c.done)
}

func writeJSON(conn *websocket.Conn, v any) error {
	w, err := conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func chatFrame(w message.WireMessage) message.Frame {
	return message.Frame{Type: message.EventChatMessage, WireMessage: w}
}

func presenceFrame(t message.EventType, name string) message.Frame {
	return message.Frame{Type: t, Username: name}
}

func errorFrame(t message.EventType, text string) message.Frame {
	return message.Frame{Type: t, WireMessage: message.WireMessage{Message: text}}
}
