// Package summary projects the last non-system message of every known room
// for the room list.
//
// Only the active room pushes live updates (Observe). Inactive rooms refresh
// through Preload, or start from a cached tail (Seed), and may go stale in
// between.
package summary

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/knu-devchat/devchat-frontend/message"
)

// DefaultConcurrency bounds parallel history queries during Preload.
const DefaultConcurrency = 4

// Loader is the part of the history loader the projector needs.
type Loader interface {
	Load(ctx context.Context, roomID string) ([]message.Message, error)
}

// RoomSummary is the projected state of one room. Last is nil when the room
// has no non-system message yet.
type RoomSummary struct {
	RoomID   string
	RoomName string
	Last     *message.Message
}

type entry struct {
	name string
	last *message.Message
	// rev counts live updates so a slow preload never overwrites them.
	rev uint64
}

type Projector struct {
	loader      Loader
	concurrency int
	logger      zerolog.Logger

	mu     sync.RWMutex
	order  []string
	rooms  map[string]*entry
	subs   map[int]func(RoomSummary)
	nextID int
}

type Option func(*Projector)

func WithConcurrency(n int) Option {
	return func(p *Projector) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(p *Projector) { p.logger = logger }
}

func New(loader Loader, opts ...Option) *Projector {
	p := &Projector{
		loader:      loader,
		concurrency: DefaultConcurrency,
		logger:      log.Logger,
		rooms:       map[string]*entry{},
		subs:        map[int]func(RoomSummary){},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetRooms replaces the known room set, keeping summaries of rooms that stay.
func (p *Projector) SetRooms(rooms []message.RoomSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*entry, len(rooms))
	order := make([]string, 0, len(rooms))
	for _, r := range rooms {
		if r.RoomID == "" {
			continue
		}
		if _, dup := next[r.RoomID]; dup {
			continue
		}
		e := p.rooms[r.RoomID]
		if e == nil {
			e = &entry{}
		}
		e.name = r.RoomName
		next[r.RoomID] = e
		order = append(order, r.RoomID)
	}
	p.rooms = next
	p.order = order
}

// Preload registers rooms and queries each room's history once to extract its
// final non-system message. A failing room keeps its previous summary; the
// returned error joins every failure.
func (p *Projector) Preload(ctx context.Context, rooms []message.RoomSession) error {
	p.SetRooms(rooms)

	var (
		mu   sync.Mutex
		errs []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, id := range p.roomIDs() {
		rev := p.revision(id)
		g.Go(func() error {
			msgs, err := p.loader.Load(ctx, id)
			if err != nil {
				p.logger.Warn().Err(err).Str("room", id).Msg("[summary] preload failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("preload %s: %w", id, err))
				mu.Unlock()
				return nil
			}
			if last, ok := lastNonSystem(msgs); ok {
				p.apply(id, last, rev)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Observe records the tail of the active room's store. System messages are
// ignored.
func (p *Projector) Observe(roomID string, tail message.Message) {
	if tail.IsSystem() {
		return
	}
	p.mu.Lock()
	e := p.rooms[roomID]
	if e == nil {
		p.mu.Unlock()
		return
	}
	e.rev++
	if e.last != nil && e.last.ID == tail.ID && e.last.Text == tail.Text {
		p.mu.Unlock()
		return
	}
	m := tail
	e.last = &m
	sum := p.summaryLocked(roomID, e)
	subs := p.subscribersLocked()
	p.mu.Unlock()
	notify(subs, sum)
}

// Seed fills rooms that have no summary yet, typically from the local cache.
func (p *Projector) Seed(tails map[string]message.Message) {
	for id, m := range tails {
		if m.IsSystem() {
			continue
		}
		p.mu.Lock()
		e := p.rooms[id]
		if e == nil || e.last != nil {
			p.mu.Unlock()
			continue
		}
		e.last = &m
		sum := p.summaryLocked(id, e)
		subs := p.subscribersLocked()
		p.mu.Unlock()
		notify(subs, sum)
	}
}

// Get returns the last message of roomID.
func (p *Projector) Get(roomID string) (message.Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e := p.rooms[roomID]
	if e == nil || e.last == nil {
		return message.Message{}, false
	}
	return *e.last, true
}

// Snapshot returns every known room in registration order.
func (p *Projector) Snapshot() []RoomSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]RoomSummary, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.summaryLocked(id, p.rooms[id]))
	}
	return out
}

// Subscribe calls fn after every summary change. The returned func removes
// the subscription.
func (p *Projector) Subscribe(fn func(RoomSummary)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *Projector) apply(roomID string, last message.Message, rev uint64) {
	p.mu.Lock()
	e := p.rooms[roomID]
	if e == nil || e.rev != rev {
		p.mu.Unlock()
		return
	}
	e.last = &last
	sum := p.summaryLocked(roomID, e)
	subs := p.subscribersLocked()
	p.mu.Unlock()
	notify(subs, sum)
}

func (p *Projector) roomIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.order...)
}

func (p *Projector) revision(roomID string) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e := p.rooms[roomID]; e != nil {
		return e.rev
	}
	return 0
}

func (p *Projector) summaryLocked(roomID string, e *entry) RoomSummary {
	s := RoomSummary{RoomID: roomID, RoomName: e.name}
	if e.last != nil {
		m := *e.last
		s.Last = &m
	}
	return s
}

func (p *Projector) subscribersLocked() []func(RoomSummary) {
	out := make([]func(RoomSummary), 0, len(p.subs))
	for _, fn := range p.subs {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(RoomSummary), s RoomSummary) {
	for _, fn := range subs {
		fn(s)
	}
}

func lastNonSystem(msgs []message.Message) (message.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsSystem() {
			return msgs[i], true
		}
	}
	return message.Message{}, false
}
