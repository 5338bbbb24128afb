package channel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knu-devchat/devchat-frontend/message"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeBackend upgrades /ws/chat/{scope}/ and hands each socket to handle.
type fakeBackend struct {
	srv    *httptest.Server
	dials  atomic.Int32
	mu     sync.Mutex
	cookie string
}

func newBackend(t *testing.T, handle func(scope string, n int32, ws *websocket.Conn)) *fakeBackend {
	t.Helper()
	b := &fakeBackend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := b.dials.Add(1)
		if c, err := r.Cookie("sessionid"); err == nil {
			b.mu.Lock()
			b.cookie = c.Value
			b.mu.Unlock()
		}
		scope := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/chat/"), "/")
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		handle(scope, n, ws)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

type recorder struct {
	events chan Event
}

func newRecorder() *recorder { return &recorder{events: make(chan Event, 128)} }

func (r *recorder) on(ev Event) { r.events <- ev }

func (r *recorder) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for channel event")
		return Event{}
	}
}

func (r *recorder) waitState(t *testing.T, st State) Event {
	t.Helper()
	for {
		ev := r.next(t)
		if ev.Kind == EventState && ev.State == st {
			return ev
		}
	}
}

func (r *recorder) waitFrame(t *testing.T) Event {
	t.Helper()
	for {
		ev := r.next(t)
		if ev.Kind == EventFrame {
			return ev
		}
	}
}

func newChannel(b *fakeBackend, rec *recorder, policy ReconnectPolicy) *Channel {
	logger := zerolog.Nop()
	return New(Config{
		BaseURL:   b.wsURL(),
		Prefix:    "/ws/chat/",
		Session:   "sess-1",
		Reconnect: policy,
		Logger:    &logger,
		OnEvent:   rec.on,
	})
}

func holdOpen(ws *websocket.Conn) {
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func TestOpenDeliversFramesAndDropsMalformed(t *testing.T) {
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","id":5,"message":"hi","sender":"bob"}`))
		holdOpen(ws)
	})
	rec := newRecorder()
	ch := newChannel(b, rec, Off())

	gen, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	assert.Equal(t, StateConnecting, ch.State())

	rec.waitState(t, StateConnected)
	ev := rec.waitFrame(t)
	assert.Equal(t, gen, ev.Gen)
	assert.Equal(t, "room-a", ev.Scope)
	assert.Equal(t, message.ID("5"), ev.Frame.ID)
	assert.Equal(t, StateConnected, ch.State())

	b.mu.Lock()
	assert.Equal(t, "sess-1", b.cookie)
	b.mu.Unlock()

	ch.Close()
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestSendGating(t *testing.T) {
	got := make(chan []byte, 4)
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			got <- data
		}
	})
	rec := newRecorder()
	ch := newChannel(b, rec, Off())

	// disconnected: no-op, no network traffic at all
	assert.False(t, ch.CanSend())
	assert.False(t, ch.Send("hello"))
	assert.Zero(t, b.dials.Load())

	_, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	rec.waitState(t, StateConnected)

	assert.False(t, ch.Send("   \n"))
	ch.SetComposing(true)
	assert.False(t, ch.CanSend())
	assert.False(t, ch.Send("조합 중"))
	ch.SetComposing(false)

	text := "a<b> & \"c\"\n두 번째 줄 🚀"
	require.True(t, ch.Send(text))
	select {
	case data := <-got:
		assert.JSONEq(t, `{"type":"chat_message","message":"a<b> & \"c\"\n두 번째 줄 🚀"}`, string(data))
		assert.Contains(t, string(data), "<b>")
	case <-time.After(3 * time.Second):
		t.Fatal("frame not received")
	}
	ch.Close()
}

func TestOpenSupersedesPreviousScope(t *testing.T) {
	release := make(chan struct{})
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) {
		if scope == "room-a" {
			<-release
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","id":1,"message":"late","sender":"a"}`))
		} else {
			_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","id":2,"message":"fresh","sender":"b"}`))
		}
		holdOpen(ws)
	})
	rec := newRecorder()
	ch := newChannel(b, rec, Off())

	genA, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	rec.waitState(t, StateConnected)

	genB, err := ch.Open(context.Background(), "room-b")
	require.NoError(t, err)
	assert.Greater(t, genB, genA)
	close(release)

	ev := rec.waitFrame(t)
	assert.Equal(t, "room-b", ev.Scope)
	assert.Equal(t, message.ID("2"), ev.Frame.ID)

	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case ev := <-rec.events:
			assert.NotEqual(t, genA, ev.Gen, "event leaked from superseded connection")
		case <-deadline:
			ch.Close()
			return
		}
	}
}

func TestSwitchAbandonsPendingHandshake(t *testing.T) {
	var live, maxLive, upgradedA, abandoned atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/chat/"), "/")
		if scope == "a" {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				abandoned.Add(1)
				return
			}
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if scope == "a" {
			upgradedA.Add(1)
		}
		n := live.Add(1)
		defer live.Add(-1)
		for {
			m := maxLive.Load()
			if n <= m || maxLive.CompareAndSwap(m, n) {
				break
			}
		}
		holdOpen(ws)
	}))
	t.Cleanup(srv.Close)

	logger := zerolog.Nop()
	rec := newRecorder()
	ch := New(Config{
		BaseURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
		Prefix:  "/ws/chat/",
		Logger:  &logger,
		OnEvent: rec.on,
	})
	t.Cleanup(ch.Close)

	_, err := ch.Open(context.Background(), "a")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = ch.Open(context.Background(), "b")
	require.NoError(t, err)

	ev := rec.waitState(t, StateConnected)
	assert.Equal(t, "b", ev.Scope)
	require.Eventually(t, func() bool { return abandoned.Load() == 1 }, 3*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return upgradedA.Load() > 0 }, 500*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, int32(1), maxLive.Load())
	assert.Equal(t, StateConnected, ch.State())
}

func TestUncleanCloseWithoutReconnect(t *testing.T) {
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) {
		_ = ws.UnderlyingConn().Close()
	})
	rec := newRecorder()
	ch := newChannel(b, rec, Off())

	_, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	ev := rec.waitState(t, StateClosedWithError)
	assert.Error(t, ev.Err)
	assert.Equal(t, StateClosedWithError, ch.State())
	assert.EqualValues(t, 1, b.dials.Load())
	assert.False(t, ch.Send("x"))
}

func TestServerNormalCloseIsClean(t *testing.T) {
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) {
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		time.Sleep(50 * time.Millisecond)
	})
	rec := newRecorder()
	ch := newChannel(b, rec, SingleRetry(10*time.Millisecond))

	_, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	rec.waitState(t, StateDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, b.dials.Load())
}

func TestSingleRetryReconnects(t *testing.T) {
	b := newBackend(t, func(scope string, n int32, ws *websocket.Conn) {
		if n == 1 {
			_ = ws.UnderlyingConn().Close()
			return
		}
		holdOpen(ws)
	})
	rec := newRecorder()
	ch := newChannel(b, rec, SingleRetry(10*time.Millisecond))

	gen, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	rec.waitState(t, StateConnected)
	rec.waitState(t, StateConnecting)
	ev := rec.waitState(t, StateConnected)
	assert.Equal(t, gen, ev.Gen)
	assert.EqualValues(t, 2, b.dials.Load())

	ch.Close()
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestCloseNeverReconnects(t *testing.T) {
	b := newBackend(t, func(scope string, _ int32, ws *websocket.Conn) { holdOpen(ws) })
	rec := newRecorder()
	ch := newChannel(b, rec, Backoff(time.Millisecond, 5*time.Millisecond, 5))

	_, err := ch.Open(context.Background(), "room-a")
	require.NoError(t, err)
	rec.waitState(t, StateConnected)
	ch.Close()
	assert.Equal(t, StateDisconnected, ch.State())

	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, b.dials.Load())
}

func TestOpenRejectsEmptyScope(t *testing.T) {
	ch := New(Config{BaseURL: "ws://127.0.0.1:1", Prefix: "/ws/chat/"})
	_, err := ch.Open(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoScope)
	assert.Equal(t, StateDisconnected, ch.State())
}

func TestURL(t *testing.T) {
	ch := New(Config{BaseURL: "ws://localhost:8000/", Prefix: "ws/ai"})
	assert.Equal(t, "ws://localhost:8000/ws/ai/42/", ch.URL("42"))
}

func TestReconnectPolicyDelay(t *testing.T) {
	_, ok := Off().Delay(0)
	assert.False(t, ok)

	d, ok := SingleRetry(time.Second).Delay(0)
	assert.True(t, ok)
	assert.Equal(t, time.Second, d)
	_, ok = SingleRetry(time.Second).Delay(1)
	assert.False(t, ok)

	p := Backoff(100*time.Millisecond, 300*time.Millisecond, 4)
	var got []time.Duration
	for i := 0; ; i++ {
		d, ok := p.Delay(i)
		if !ok {
			break
		}
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}, got)
}
