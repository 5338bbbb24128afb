package summary

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knu-devchat/devchat-frontend/message"
)

type fakeLoader struct {
	mu       sync.Mutex
	logs     map[string][]message.Message
	fail     map[string]error
	block    chan struct{}
	inflight atomic.Int32
	peak     atomic.Int32
}

func (f *fakeLoader) Load(ctx context.Context, roomID string) ([]message.Message, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[roomID]; err != nil {
		return nil, err
	}
	return f.logs[roomID], nil
}

func remote(room, id, text string) message.Message {
	return message.Message{ID: message.ID(id), RoomID: room, Text: text, Origin: message.OriginRemote, SenderName: "bob"}
}

func rooms(ids ...string) []message.RoomSession {
	out := make([]message.RoomSession, 0, len(ids))
	for _, id := range ids {
		out = append(out, message.RoomSession{RoomID: id, RoomName: "room " + id})
	}
	return out
}

func TestPreloadExtractsLastNonSystem(t *testing.T) {
	loader := &fakeLoader{
		logs: map[string][]message.Message{
			"a": {remote("a", "1", "hi"), remote("a", "2", "last a"), message.Joined("a", "Alice")},
			"b": {},
		},
		fail: map[string]error{"c": errors.New("boom")},
	}
	p := New(loader, WithLogger(zerolog.Nop()))

	err := p.Preload(context.Background(), rooms("a", "b", "c"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preload c")

	snap := p.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{snap[0].RoomID, snap[1].RoomID, snap[2].RoomID})
	require.NotNil(t, snap[0].Last)
	assert.Equal(t, "last a", snap[0].Last.Text)
	assert.Nil(t, snap[1].Last)
	assert.Nil(t, snap[2].Last)
	assert.Equal(t, "room a", snap[0].RoomName)
}

func TestPreloadBoundsConcurrency(t *testing.T) {
	loader := &fakeLoader{logs: map[string][]message.Message{}, block: make(chan struct{})}
	p := New(loader, WithConcurrency(2), WithLogger(zerolog.Nop()))

	done := make(chan error)
	go func() { done <- p.Preload(context.Background(), rooms("a", "b", "c", "d", "e")) }()
	for i := 0; i < 5; i++ {
		loader.block <- struct{}{}
	}
	require.NoError(t, <-done)
	assert.LessOrEqual(t, loader.peak.Load(), int32(2))
}

func TestObserveIgnoresSystemAndUnknownRooms(t *testing.T) {
	p := New(&fakeLoader{}, WithLogger(zerolog.Nop()))
	p.SetRooms(rooms("a"))

	var got []RoomSummary
	unsub := p.Subscribe(func(s RoomSummary) { got = append(got, s) })

	p.Observe("a", remote("a", "1", "hello"))
	p.Observe("a", message.Joined("a", "Alice"))
	p.Observe("zzz", remote("zzz", "9", "nope"))
	p.Observe("a", remote("a", "1", "hello"))

	last, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, "hello", last.Text)
	require.Len(t, got, 1)

	unsub()
	p.Observe("a", remote("a", "2", "again"))
	assert.Len(t, got, 1)
}

func TestPreloadNeverOverwritesLiveUpdate(t *testing.T) {
	loader := &fakeLoader{
		logs:  map[string][]message.Message{"a": {remote("a", "1", "stale")}},
		block: make(chan struct{}),
	}
	p := New(loader, WithLogger(zerolog.Nop()))
	p.SetRooms(rooms("a"))

	done := make(chan error)
	go func() { done <- p.Preload(context.Background(), rooms("a")) }()
	// wait until the query is in flight, then push a live tail
	for loader.inflight.Load() == 0 {
		runtime.Gosched()
	}
	p.Observe("a", remote("a", "2", "fresh"))
	loader.block <- struct{}{}
	require.NoError(t, <-done)

	last, ok := p.Get("a")
	require.True(t, ok)
	assert.Equal(t, "fresh", last.Text)
}

func TestSeedOnlyFillsEmptyRooms(t *testing.T) {
	p := New(&fakeLoader{}, WithLogger(zerolog.Nop()))
	p.SetRooms(rooms("a", "b"))
	p.Observe("a", remote("a", "5", "live"))

	p.Seed(map[string]message.Message{
		"a": remote("a", "1", "cached a"),
		"b": remote("b", "2", "cached b"),
		"x": remote("x", "3", "unknown"),
	})

	a, _ := p.Get("a")
	b, _ := p.Get("b")
	assert.Equal(t, "live", a.Text)
	assert.Equal(t, "cached b", b.Text)
	_, ok := p.Get("x")
	assert.False(t, ok)
}
