// Package channel maintains the realtime WebSocket connection of one scope
// (a chat room or an AI session).
//
// A Channel owns at most one logical connection. Opening a new scope closes
// the old connection first, and every connection carries a generation number
// that is checked before anything it reads is dispatched, so a superseded
// socket can never leak events into the new scope.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/internal/rest"
	"github.com/knu-devchat/devchat-frontend/message"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
	readLimit      = 1 << 20
)

var ErrNoScope = errors.New("channel: empty scope")

// EventKind distinguishes the two things a Channel publishes.
type EventKind int

const (
	EventFrame EventKind = iota
	EventState
)

// Event is delivered to Config.OnEvent. Gen is the generation of the
// connection that produced it.
type Event struct {
	Kind  EventKind
	Gen   uint64
	Scope string
	Frame message.Frame
	State State
	Err   error
}

// Config configures a Channel.
type Config struct {
	// BaseURL is the websocket origin, e.g. ws://localhost:8000.
	BaseURL string
	// Prefix is joined with the escaped scope: /ws/chat/ gives /ws/chat/{scope}/.
	Prefix    string
	Session   string
	Dialer    *websocket.Dialer
	Reconnect ReconnectPolicy
	Logger    *zerolog.Logger
	// OnEvent receives frames and asynchronous state changes. It is called
	// from the connection goroutine and must not block for long.
	OnEvent func(Event)
}

type Channel struct {
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	gen       uint64
	scope     string
	state     State
	composing bool
	cur       *connection
}

func New(cfg Config) *Channel {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
	}
	if cfg.OnEvent == nil {
		cfg.OnEvent = func(Event) {}
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Channel{cfg: cfg, logger: logger, state: StateDisconnected}
}

// URL returns the endpoint dialed for scope.
func (c *Channel) URL(scope string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.Trim(c.cfg.Prefix, "/") + "/" + url.PathEscape(scope) + "/"
}

// Open closes any current connection and starts connecting to scope. It
// returns the generation of the new connection; the state is connecting on
// return. ctx bounds the lifetime of the connection.
func (c *Channel) Open(ctx context.Context, scope string) (uint64, error) {
	if strings.TrimSpace(scope) == "" {
		return 0, ErrNoScope
	}

	c.mu.Lock()
	c.closeLocked()
	c.gen++
	cctx, cancel := context.WithCancel(ctx)
	cn := &connection{
		gen:    c.gen,
		scope:  scope,
		send:   make(chan message.OutboundFrame, sendBufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	c.cur = cn
	c.scope = scope
	c.state = StateConnecting
	c.mu.Unlock()

	go c.run(cctx, cn)
	return cn.gen, nil
}

// Close closes the current connection. The state is disconnected on return
// and no reconnect follows.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.gen++
	c.scope = ""
	c.state = StateDisconnected
}

func (c *Channel) closeLocked() {
	if c.cur == nil {
		return
	}
	c.cur.requested.Store(true)
	c.cur.shutdown()
	c.cur = nil
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Scope() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scope
}

func (c *Channel) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// SetComposing marks an input-method composition in progress. Sending is
// refused while it is set.
func (c *Channel) SetComposing(composing bool) {
	c.mu.Lock()
	c.composing = composing
	c.mu.Unlock()
}

// CanSend reports whether the connection is open and no composition is in
// flight.
func (c *Channel) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSendLocked()
}

func (c *Channel) canSendLocked() bool {
	return c.cur != nil && c.state == StateConnected && !c.composing
}

// Send queues text as a chat_message frame. It does nothing and returns false
// when text is blank or CanSend is false. The text is written verbatim.
func (c *Channel) Send(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.canSendLocked() {
		return false
	}
	select {
	case c.cur.send <- message.NewOutbound(text):
		return true
	default:
		c.logger.Warn().Str("scope", c.scope).Msg("[channel] send buffer full, message dropped")
		return false
	}
}

// current reports whether gen is still the live connection.
func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur != nil && c.cur.gen == gen
}

// setState updates the state for gen and publishes it. Stale generations are
// ignored.
func (c *Channel) setState(cn *connection, st State, err error) {
	c.mu.Lock()
	if c.cur == nil || c.cur.gen != cn.gen {
		c.mu.Unlock()
		return
	}
	c.state = st
	if st == StateClosedWithError || st == StateDisconnected {
		c.cur = nil
	}
	c.mu.Unlock()
	c.cfg.OnEvent(Event{Kind: EventState, Gen: cn.gen, Scope: cn.scope, State: st, Err: err})
}

func (c *Channel) dispatch(cn *connection, f message.Frame) {
	if !c.current(cn.gen) {
		return
	}
	c.cfg.OnEvent(Event{Kind: EventFrame, Gen: cn.gen, Scope: cn.scope, Frame: f})
}

func (c *Channel) header() http.Header {
	h := http.Header{}
	if c.cfg.Session != "" {
		h.Set("Cookie", (&http.Cookie{Name: rest.SessionCookie, Value: c.cfg.Session}).String())
	}
	return h
}

func (c *Channel) run(ctx context.Context, cn *connection) {
	defer cn.cancel()
	stop := context.AfterFunc(ctx, func() {
		cn.requested.Store(true)
		cn.shutdown()
		c.mu.Lock()
		if c.cur == cn {
			c.cur = nil
			c.state = StateDisconnected
		}
		c.mu.Unlock()
	})
	defer stop()

	target := c.URL(cn.scope)
	attempt := 0
	for {
		ws, err := c.dial(ctx, target)
		if err == nil {
			if !c.attach(cn, ws) {
				_ = ws.Close()
				return
			}
			attempt = 0
			err = c.serve(cn, ws)
			if err == nil || cn.requested.Load() {
				c.setState(cn, StateDisconnected, nil)
				return
			}
		}
		if cn.requested.Load() || ctx.Err() != nil {
			return
		}

		delay, ok := c.cfg.Reconnect.Delay(attempt)
		if !ok {
			c.logger.Warn().Err(err).Str("scope", cn.scope).Msg("[channel] connection lost")
			c.setState(cn, StateClosedWithError, err)
			return
		}
		attempt++
		c.logger.Info().Err(err).Str("scope", cn.scope).Dur("delay", delay).Int("attempt", attempt).Msg("[channel] reconnecting")
		c.setState(cn, StateConnecting, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cn.done:
			timer.Stop()
			return
		}
	}
}

// dial runs the websocket handshake. Cancelling ctx closes the underlying
// connection, so a handshake the server has not answered yet is abandoned
// instead of completing for a scope nobody wants any more.
func (c *Channel) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	var (
		mu  sync.Mutex
		raw net.Conn
	)
	d := *c.cfg.Dialer
	next := d.NetDialContext
	if next == nil {
		next = (&net.Dialer{}).DialContext
	}
	d.NetDialContext = func(dctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(dctx, network, addr)
		if err != nil {
			return nil, err
		}
		mu.Lock()
		defer mu.Unlock()
		raw = conn
		if ctx.Err() != nil {
			_ = conn.Close()
			return nil, ctx.Err()
		}
		return conn, nil
	}
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if raw != nil {
			_ = raw.Close()
		}
	})

	ws, _, err := d.DialContext(ctx, target, c.header())
	if !stop() {
		if ws != nil {
			_ = ws.Close()
		}
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	return ws, err
}

func (c *Channel) attach(cn *connection, ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.cur != cn {
		c.mu.Unlock()
		return false
	}
	cn.ws = ws
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Debug().Str("scope", cn.scope).Uint64("gen", cn.gen).Msg("[channel] connected")
	c.cfg.OnEvent(Event{Kind: EventState, Gen: cn.gen, Scope: cn.scope, State: StateConnected})
	return true
}

// serve pumps ws until it closes. It returns nil for a clean close.
func (c *Channel) serve(cn *connection, ws *websocket.Conn) error {
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		c.writeLoop(cn, ws)
	}()
	err := c.readLoop(cn, ws)
	// The read side ends first on a remote close; stop the writer and wait so
	// a reconnect never overlaps two sockets.
	cn.cycle()
	<-closed
	cn.rearm()
	if err == nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return nil
	}
	return err
}

func (c *Channel) readLoop(cn *connection, ws *websocket.Conn) error {
	ws.SetReadLimit(readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if cn.requested.Load() {
				return nil
			}
			c.logger.Debug().Err(err).Str("scope", cn.scope).Msg("[channel] read message")
			return err
		}
		f, err := message.DecodeFrame(payload)
		if err != nil {
			c.logger.Warn().Err(err).Str("scope", cn.scope).Msg("[channel] drop malformed frame")
			continue
		}
		c.dispatch(cn, f)
	}
}

func (c *Channel) writeLoop(cn *connection, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case out := <-cn.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeJSON(ws, out); err != nil {
				c.logger.Debug().Err(err).Str("scope", cn.scope).Msg("[channel] write json")
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cn.stopWriter():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	w, err := ws.NextWriter(websocket.TextMessage)
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

// connection is one logical connection. It may span several sockets when the
// reconnect policy redials.
type connection struct {
	gen       uint64
	scope     string
	ws        *websocket.Conn
	send      chan message.OutboundFrame
	requested atomic.Bool
	// cancel aborts a dial or reconnect wait still in flight.
	cancel context.CancelFunc

	// done is closed once, when the logical connection ends.
	done     chan struct{}
	doneOnce sync.Once

	// socketDone stops the writer of the current socket.
	mu         sync.Mutex
	socketDone chan struct{}
}

func (cn *connection) shutdown() {
	cn.doneOnce.Do(func() { close(cn.done) })
	if cn.cancel != nil {
		cn.cancel()
	}
	cn.cycle()
}

func (cn *connection) stopWriter() <-chan struct{} {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.socketDone == nil {
		cn.socketDone = make(chan struct{})
	}
	return cn.socketDone
}

// cycle stops the writer of the current socket.
func (cn *connection) cycle() {
	cn.mu.Lock()
	defer cn.mu.Unlock()
	if cn.socketDone == nil {
		cn.socketDone = make(chan struct{})
	}
	select {
	case <-cn.socketDone:
	default:
		close(cn.socketDone)
	}
}

// rearm prepares a fresh writer stop signal for the next socket unless the
// logical connection is over.
func (cn *connection) rearm() {
	select {
	case <-cn.done:
		return
	default:
	}
	cn.mu.Lock()
	cn.socketDone = make(chan struct{})
	cn.mu.Unlock()
}
