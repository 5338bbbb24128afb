package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knu-devchat/devchat-frontend/message"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()
	cfg.Logger = &logger
	if cfg.AIDelay == 0 {
		cfg.AIDelay = 10 * time.Millisecond
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func call(t *testing.T, ts *httptest.Server, user, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	if user != "" {
		req.AddCookie(&http.Cookie{Name: "sessionid", Value: user})
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func dial(t *testing.T, ts *httptest.Server, user, path string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Cookie", "sessionid="+user)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+path, h)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) message.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	f, err := message.DecodeFrame(data)
	require.NoError(t, err, string(data))
	return f
}

func createRoom(t *testing.T, ts *httptest.Server, user, name string) message.RoomSession {
	t.Helper()
	var room message.RoomSession
	require.Equal(t, http.StatusCreated, call(t, ts, user, http.MethodPost, "/api/chat/chat-rooms/", map[string]string{"room_name": name}, &room))
	require.NoError(t, room.Validate())
	return room
}

func joinWithCode(t *testing.T, ts *httptest.Server, owner, joiner, roomID string) {
	t.Helper()
	var code struct {
		TOTP     string `json:"totp"`
		Interval int    `json:"interval"`
		RoomID   string `json:"room_uuid"`
	}
	require.Equal(t, http.StatusOK, call(t, ts, owner, http.MethodPost, "/api/chat/access-code/", map[string]string{"room_uuid": roomID}, &code))
	require.Len(t, code.TOTP, 6)
	assert.Equal(t, codeInterval, code.Interval)
	require.Equal(t, http.StatusOK, call(t, ts, joiner, http.MethodPost, "/api/chat/join-room/", map[string]string{"otp": code.TOTP}, nil))
}

func TestHealthAndMetrics(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	var health map[string]string
	assert.Equal(t, http.StatusOK, call(t, ts, "", http.MethodGet, "/healthz", nil, &health))
	assert.Equal(t, "ok", health["status"])

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "devchat_http_requests_total")
}

func TestRequiresSession(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	assert.Equal(t, http.StatusUnauthorized, call(t, ts, "", http.MethodGet, "/api/chat/my-rooms/", nil, nil))
}

func TestRoomLifecycle(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	room := createRoom(t, ts, "alice", "<b>자바</b> 팀프로젝트")
	assert.Equal(t, "자바 팀프로젝트", room.RoomName)
	assert.Equal(t, 1, room.ParticipantCount)

	// not a member yet
	assert.Equal(t, http.StatusForbidden, call(t, ts, "bob", http.MethodGet, "/api/chat/chat-rooms/"+room.RoomID+"/", nil, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, ts, "bob", http.MethodPost, "/api/chat/join-room/", map[string]string{"otp": "000000"}, nil))

	joinWithCode(t, ts, "alice", "bob", room.RoomID)

	var mine struct {
		Rooms []message.RoomSession `json:"rooms"`
	}
	require.Equal(t, http.StatusOK, call(t, ts, "bob", http.MethodGet, "/api/chat/my-rooms/", nil, &mine))
	require.Len(t, mine.Rooms, 1)
	assert.Equal(t, 2, mine.Rooms[0].ParticipantCount)

	var cur struct {
		Room *message.RoomSession `json:"room"`
	}
	require.Equal(t, http.StatusOK, call(t, ts, "bob", http.MethodGet, "/api/chat/current-room/", nil, &cur))
	require.NotNil(t, cur.Room)
	assert.Equal(t, room.RoomID, cur.Room.RoomID)

	require.Equal(t, http.StatusOK, call(t, ts, "bob", http.MethodPost, "/api/chat/leave-room/", map[string]string{"room_uuid": room.RoomID}, nil))
	require.Equal(t, http.StatusOK, call(t, ts, "bob", http.MethodGet, "/api/chat/current-room/", nil, &cur))
	assert.Nil(t, cur.Room)
	assert.Equal(t, http.StatusNotFound, call(t, ts, "bob", http.MethodPost, "/api/chat/select-room/", map[string]string{"room_uuid": "missing"}, nil))
}

func TestHistoryPaging(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	room := createRoom(t, ts, "alice", "r")
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusCreated, call(t, ts, "alice", http.MethodPost, "/api/chat/chat-rooms/"+room.RoomID+"/messages/", map[string]string{"content": string(rune('a' + i))}, nil))
	}

	var env historyResponse
	require.Equal(t, http.StatusOK, call(t, ts, "alice", http.MethodGet, "/api/chat/chat-rooms/"+room.RoomID+"/messages/?limit=2", nil, &env))
	require.Len(t, env.Messages, 2)
	assert.Equal(t, "d", env.Messages[0].Message)
	assert.Equal(t, "e", env.Messages[1].Message)
	assert.True(t, env.Messages[0].IsSelf)
	assert.True(t, env.Pagination.HasNext)
	assert.Equal(t, 5, env.Pagination.Total)

	require.Equal(t, http.StatusOK, call(t, ts, "alice", http.MethodGet, "/api/chat/chat-rooms/"+room.RoomID+"/messages/?limit=2&page=3", nil, &env))
	require.Len(t, env.Messages, 1)
	assert.Equal(t, "a", env.Messages[0].Message)
	assert.False(t, env.Pagination.HasNext)

	// ids sort in creation order
	require.Equal(t, http.StatusOK, call(t, ts, "alice", http.MethodGet, "/api/chat/chat-rooms/"+room.RoomID+"/messages/", nil, &env))
	for i := 1; i < len(env.Messages); i++ {
		assert.Less(t, string(env.Messages[i-1].ID), string(env.Messages[i].ID))
	}
}

func TestChatSocketBroadcast(t *testing.T) {
	_, ts := newTestServer(t, Config{BacklogOnConnect: 10})
	room := createRoom(t, ts, "alice", "r")
	joinWithCode(t, ts, "alice", "bob", room.RoomID)
	require.Equal(t, http.StatusCreated, call(t, ts, "alice", http.MethodPost, "/api/chat/chat-rooms/"+room.RoomID+"/messages/", map[string]string{"content": "earlier"}, nil))

	alice := dial(t, ts, "alice", "/ws/chat/"+room.RoomID+"/")
	backlog := readFrame(t, alice)
	require.Equal(t, message.EventMessageHistory, backlog.Type)
	require.Len(t, backlog.Messages, 1)

	bob := dial(t, ts, "bob", "/ws/chat/"+room.RoomID+"/")
	_ = readFrame(t, bob) // backlog

	joined := readFrame(t, alice)
	assert.Equal(t, message.EventUserJoined, joined.Type)
	assert.Equal(t, "bob", joined.Name())

	text := "<b>굵게</b> & co\n다음 줄"
	require.NoError(t, alice.WriteJSON(message.NewOutbound(text)))

	mine := readFrame(t, alice)
	theirs := readFrame(t, bob)
	assert.Equal(t, message.EventChatMessage, mine.Type)
	assert.Equal(t, text, mine.Message)
	assert.Equal(t, text, theirs.Message)
	assert.Equal(t, mine.ID, theirs.ID)
	assert.True(t, mine.IsSelf)
	assert.False(t, theirs.IsSelf)
	assert.Equal(t, "alice", theirs.Sender)

	require.NoError(t, bob.WriteJSON(map[string]string{"type": "typing"}))
	errFrame := readFrame(t, bob)
	assert.Equal(t, message.EventError, errFrame.Type)

	require.NoError(t, bob.Close())
	left := readFrame(t, alice)
	assert.Equal(t, message.EventUserLeft, left.Type)
	assert.Equal(t, "bob", left.Name())
}

func TestChatSocketRejectsNonMember(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	room := createRoom(t, ts, "alice", "r")
	h := http.Header{}
	h.Set("Cookie", "sessionid=mallory")
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws/chat/"+room.RoomID+"/", h)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAISocket(t *testing.T) {
	_, ts := newTestServer(t, Config{})
	room := createRoom(t, ts, "alice", "r")

	var sess aiSessionResponse
	require.Equal(t, http.StatusCreated, call(t, ts, "alice", http.MethodPost, "/api/ai/sessions/", map[string]string{"room_uuid": room.RoomID}, &sess))
	require.NotEmpty(t, sess.ID)

	var list struct {
		Sessions []aiSessionResponse `json:"sessions"`
	}
	require.Equal(t, http.StatusOK, call(t, ts, "alice", http.MethodGet, "/api/ai/sessions/", nil, &list))
	require.Len(t, list.Sessions, 1)

	ws := dial(t, ts, "alice", "/ws/ai/"+sess.ID+"/")
	joined := readFrame(t, ws)
	assert.Equal(t, message.EventAIJoined, joined.Type)
	assert.Equal(t, aiName, joined.Name())

	require.NoError(t, ws.WriteJSON(message.NewOutbound("안녕?")))
	echo := readFrame(t, ws)
	assert.True(t, echo.IsSelf)
	assert.Equal(t, "안녕?", echo.Message)
	thinking := readFrame(t, ws)
	assert.Equal(t, message.EventAIThinking, thinking.Type)
	reply := readFrame(t, ws)
	assert.Equal(t, message.EventChatMessage, reply.Type)
	assert.True(t, reply.IsAI)
	assert.False(t, reply.IsSelf)
	assert.Contains(t, reply.Message, "안녕?")

	require.NoError(t, ws.WriteJSON(message.NewOutbound("  ")))
	aiErr := readFrame(t, ws)
	assert.Equal(t, message.EventAIError, aiErr.Type)

	var hist aiHistoryResponse
	require.Equal(t, http.StatusOK, call(t, ts, "alice", http.MethodGet, "/api/ai/sessions/"+sess.ID+"/messages/", nil, &hist))
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "안녕?", hist.Messages[0].Message)
	assert.True(t, hist.Messages[0].IsSelf)
	assert.True(t, hist.Messages[1].IsAI)
	assert.Equal(t, http.StatusNotFound, call(t, ts, "bob", http.MethodGet, "/api/ai/sessions/"+sess.ID+"/messages/", nil, nil))
}
