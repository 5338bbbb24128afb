// Package chatsync runs the synchronization pipeline of one chat surface:
// room selection, history load, realtime channel, message store and the
// room-list summaries. The same Coordinator serves room chat and the AI
// assistant chat; only the endpoints differ.
//
// Every state transition happens on the coordinator's loop goroutine. History
// loads and channel pumps run elsewhere and hand their results back through
// the loop, tagged with the generation they were started for.
package chatsync

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/cache"
	"github.com/knu-devchat/devchat-frontend/channel"
	"github.com/knu-devchat/devchat-frontend/message"
	"github.com/knu-devchat/devchat-frontend/store"
	"github.com/knu-devchat/devchat-frontend/summary"
)

var ErrClosed = errors.New("chatsync: coordinator closed")

// Kind selects the websocket endpoint family.
type Kind int

const (
	KindChat Kind = iota
	KindAI
)

func (k Kind) String() string {
	if k == KindAI {
		return "ai"
	}
	return "chat"
}

// Prefix is the websocket path prefix of the kind.
func (k Kind) Prefix() string {
	if k == KindAI {
		return "/ws/ai/"
	}
	return "/ws/chat/"
}

// HistoryLoader fetches the backlog of a scope.
type HistoryLoader interface {
	Load(ctx context.Context, scope string) ([]message.Message, error)
}

// Realtime is the channel surface the coordinator drives.
type Realtime interface {
	Open(ctx context.Context, scope string) (uint64, error)
	Close()
	State() channel.State
	CanSend() bool
	Send(text string) bool
	SetComposing(composing bool)
}

type Config struct {
	Kind Kind
	// WSURL is the websocket origin, e.g. ws://localhost:8000.
	WSURL     string
	Session   string
	Reconnect channel.ReconnectPolicy
	// History may be nil, in which case a scope starts from the cache and
	// the realtime channel only.
	History HistoryLoader
	Cache   *cache.Cache
	Summary *summary.Projector
	Logger  *zerolog.Logger
	// NewChannel overrides the realtime channel, mostly for tests.
	NewChannel func(onEvent func(channel.Event)) Realtime
}

type Coordinator struct {
	cfg    Config
	logger zerolog.Logger

	commands chan func(*Coordinator)
	closing  chan struct{}
	stopped  chan struct{}
	once     sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	updates chan Update

	// owned by the loop
	ch         Realtime
	store      *store.Store
	scope      string
	gen        uint64
	chanGen    uint64
	thinking   bool
	redialing  bool
	lastTail   message.ID
	cancelLoad context.CancelFunc
	loadSeq    uint64
}

func New(cfg Config) *Coordinator {
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("kind", cfg.Kind.String()).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		commands: make(chan func(*Coordinator), 256),
		closing:  make(chan struct{}),
		stopped:  make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan Update, updateBufferSize),
		store:    store.New(),
	}
	if cfg.NewChannel != nil {
		c.ch = cfg.NewChannel(c.onChannelEvent)
	} else {
		c.ch = channel.New(channel.Config{
			BaseURL:   cfg.WSURL,
			Prefix:    cfg.Kind.Prefix(),
			Session:   cfg.Session,
			Reconnect: cfg.Reconnect,
			Logger:    &logger,
			OnEvent:   c.onChannelEvent,
		})
	}
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.commands:
			fn(c)
		case <-c.closing:
			return
		}
	}
}

// enqueue hands fn to the loop. It returns false once the coordinator is
// closed. Commands are never dropped: losing a history result or a frame
// would corrupt the log.
func (c *Coordinator) enqueue(fn func(*Coordinator)) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.commands <- fn:
		return true
	case <-c.closing:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(ctx context.Context, fn func(*Coordinator)) error {
	done := make(chan struct{})
	if !c.enqueue(func(c *Coordinator) {
		defer close(done)
		fn(c)
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Select makes scope the active room (or AI session). The previous channel
// is closed and the state is disconnected before anything of the new scope
// starts. An empty scope deselects.
func (c *Coordinator) Select(ctx context.Context, scope string) error {
	return c.do(ctx, func(c *Coordinator) { c.activate(scope) })
}

func (c *Coordinator) activate(scope string) {
	c.ch.Close()
	if c.cancelLoad != nil {
		c.cancelLoad()
		c.cancelLoad = nil
	}
	c.scope = scope
	c.thinking = false
	c.redialing = false
	c.chanGen = 0
	c.gen = c.store.Reset(scope)
	c.lastTail = ""
	c.publish(Update{Kind: UpdateScope})
	c.publish(Update{Kind: UpdateState})
	if scope == "" {
		return
	}

	if cached, err := c.cfg.Cache.Load(scope); err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("[chatsync] read cache")
	} else if len(cached) > 0 {
		if _, err := c.store.MergeHistory(cached); err != nil {
			c.logger.Warn().Err(err).Str("scope", scope).Msg("[chatsync] seed from cache")
		}
		c.tailChanged()
	}

	c.loadHistory()

	gen, err := c.ch.Open(c.ctx, scope)
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("[chatsync] open channel")
		c.append(message.Failure(scope, ""))
		return
	}
	c.chanGen = gen
	c.publish(Update{Kind: UpdateState})
}

// loadHistory fetches the backlog of the active scope in the background. A
// load still in flight is cancelled first.
func (c *Coordinator) loadHistory() {
	if c.cfg.History == nil {
		return
	}
	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	c.loadSeq++
	seq, gen, scope := c.loadSeq, c.gen, c.scope
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancelLoad = cancel
	go func() {
		msgs, err := c.cfg.History.Load(ctx, scope)
		c.enqueue(func(c *Coordinator) { c.applyHistory(seq, gen, scope, msgs, err) })
	}()
}

func (c *Coordinator) applyHistory(seq, gen uint64, scope string, msgs []message.Message, err error) {
	if gen != c.gen || seq != c.loadSeq {
		c.logger.Debug().Str("scope", scope).Msg("[chatsync] discard stale history")
		return
	}
	c.cancelLoad = nil
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("[chatsync] load history")
		c.append(message.LoadFailed(scope))
		return
	}
	added, err := c.store.MergeHistory(msgs)
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", scope).Msg("[chatsync] merge history")
	}
	if added > 0 {
		c.tailChanged()
	}
}

func (c *Coordinator) onChannelEvent(ev channel.Event) {
	c.enqueue(func(c *Coordinator) {
		if ev.Gen != c.chanGen || ev.Scope != c.scope {
			return
		}
		c.handle(ev)
	})
}

func (c *Coordinator) handle(ev channel.Event) {
	if ev.Kind == channel.EventState {
		switch ev.State {
		case channel.StateConnecting:
			// only published when the channel redials
			c.redialing = true
		case channel.StateConnected:
			if c.redialing {
				c.redialing = false
				// frames sent while the socket was down only reach us through history
				c.loadHistory()
			}
		case channel.StateClosedWithError:
			c.append(message.Failure(c.scope, ""))
		case channel.StateDisconnected:
			// Close never publishes, so this is the server ending the session.
			c.append(message.NewSystem(c.scope, message.TextClosed))
		}
		c.publish(Update{Kind: UpdateState})
		return
	}

	f := ev.Frame
	switch f.Type {
	case message.EventChatMessage:
		m := f.WireMessage.ToMessage(c.scope)
		if m.AI && c.thinking {
			c.setThinking(false)
		}
		c.append(m)
	case message.EventMessageHistory:
		valid, rejected := message.DecodeRecords(f.Messages)
		for _, err := range rejected {
			c.logger.Warn().Err(err).Str("scope", c.scope).Msg("[chatsync] skip malformed history record")
		}
		msgs := make([]message.Message, 0, len(valid))
		for _, w := range valid {
			msgs = append(msgs, w.ToMessage(c.scope))
		}
		added, err := c.store.MergeHistory(msgs)
		if err != nil {
			c.logger.Warn().Err(err).Str("scope", c.scope).Msg("[chatsync] merge pushed history")
		}
		if added > 0 {
			c.tailChanged()
		}
	case message.EventUserJoined:
		c.append(message.Joined(c.scope, f.Name()))
	case message.EventUserLeft:
		c.append(message.Left(c.scope, f.Name()))
	case message.EventAIJoined:
		c.append(message.AIJoined(c.scope, f.Name()))
	case message.EventAIThinking:
		c.setThinking(true)
	case message.EventAIError, message.EventError:
		c.setThinking(false)
		c.append(message.Failure(c.scope, f.Message))
	}
}

func (c *Coordinator) append(m message.Message) {
	changed, err := c.store.AppendRealtime(m)
	if err != nil {
		c.logger.Warn().Err(err).Str("scope", c.scope).Msg("[chatsync] append")
		return
	}
	if !changed {
		return
	}
	if m.IsSystem() {
		c.publish(Update{Kind: UpdateMessages})
		return
	}
	c.tailChanged()
}

// tailChanged pushes a new non-system tail to the summaries and the cache.
func (c *Coordinator) tailChanged() {
	c.publish(Update{Kind: UpdateMessages})
	tail, ok := c.store.Tail(true)
	if !ok || tail.ID == c.lastTail {
		return
	}
	c.lastTail = tail.ID
	if c.cfg.Summary != nil && c.cfg.Kind == KindChat {
		c.cfg.Summary.Observe(c.scope, tail)
	}
	if err := c.cfg.Cache.Save(c.scope, c.store.Messages()); err != nil {
		c.logger.Warn().Err(err).Str("scope", c.scope).Msg("[chatsync] write cache")
	}
}

func (c *Coordinator) setThinking(v bool) {
	if c.thinking == v {
		return
	}
	c.thinking = v
	c.publish(Update{Kind: UpdateThinking})
}

// Send writes text to the open channel. It is a no-op returning false when
// the channel is not open, text is blank, or a composition is in flight.
// The text shows up in the log only once the server echoes it.
func (c *Coordinator) Send(text string) bool {
	var sent bool
	if err := c.do(context.Background(), func(c *Coordinator) { sent = c.ch.Send(text) }); err != nil {
		return false
	}
	return sent
}

func (c *Coordinator) CanSend() bool {
	var ok bool
	if err := c.do(context.Background(), func(c *Coordinator) { ok = c.ch.CanSend() }); err != nil {
		return false
	}
	return ok
}

// SetComposing forwards the input-method composition flag.
func (c *Coordinator) SetComposing(composing bool) {
	_ = c.do(context.Background(), func(c *Coordinator) { c.ch.SetComposing(composing) })
}

// Messages returns a snapshot of the active log.
func (c *Coordinator) Messages() []message.Message {
	var out []message.Message
	_ = c.do(context.Background(), func(c *Coordinator) { out = c.store.Messages() })
	return out
}

func (c *Coordinator) Scope() string {
	var s string
	_ = c.do(context.Background(), func(c *Coordinator) { s = c.scope })
	return s
}

// State returns the connection state of the active scope.
func (c *Coordinator) State() channel.State {
	st := channel.StateDisconnected
	_ = c.do(context.Background(), func(c *Coordinator) { st = c.ch.State() })
	return st
}

// Thinking reports whether the assistant is composing a reply.
func (c *Coordinator) Thinking() bool {
	var v bool
	_ = c.do(context.Background(), func(c *Coordinator) { v = c.thinking })
	return v
}

// Updates delivers view notifications. Slow readers lose the oldest ones;
// the accessors always return current state.
func (c *Coordinator) Updates() <-chan Update { return c.updates }

// Close closes the channel and stops the loop.
func (c *Coordinator) Close() {
	c.once.Do(func() {
		_ = c.do(context.Background(), func(c *Coordinator) {
			c.ch.Close()
			if c.cancelLoad != nil {
				c.cancelLoad()
			}
		})
		c.cancel()
		close(c.closing)
		<-c.stopped
	})
}
