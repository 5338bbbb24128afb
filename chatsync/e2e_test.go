package chatsync

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knu-devchat/devchat-frontend/channel"
	"github.com/knu-devchat/devchat-frontend/devserver"
	"github.com/knu-devchat/devchat-frontend/directory"
	"github.com/knu-devchat/devchat-frontend/history"
	"github.com/knu-devchat/devchat-frontend/internal/rest"
	"github.com/knu-devchat/devchat-frontend/message"
	"github.com/knu-devchat/devchat-frontend/summary"
)

type liveUser struct {
	dir *directory.Client
	c   *Coordinator
}

func newLive(t *testing.T, ts *httptest.Server, user string, kind Kind, proj *summary.Projector) liveUser {
	t.Helper()
	logger := zerolog.Nop()
	api := rest.New(ts.URL+"/api", user, ts.Client())
	cfg := Config{
		Kind:    kind,
		WSURL:   "ws" + strings.TrimPrefix(ts.URL, "http"),
		Session: user,
		Summary: proj,
		Logger:  &logger,
	}
	path := history.RoomPath
	if kind == KindAI {
		path = history.AISessionPath
	}
	cfg.History = history.New(api, history.WithLogger(logger), history.WithPath(path))
	c := New(cfg)
	t.Cleanup(c.Close)
	return liveUser{dir: directory.New(api, &logger), c: c}
}

func waitConnected(t *testing.T, c *Coordinator) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == channel.StateConnected }, 3*time.Second, 5*time.Millisecond)
}

func waitText(t *testing.T, c *Coordinator, text string) message.Message {
	t.Helper()
	var found message.Message
	require.Eventually(t, func() bool {
		for _, m := range c.Messages() {
			if m.Text == text {
				found = m
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)
	return found
}

func count(msgs []message.Message, text string) int {
	n := 0
	for _, m := range msgs {
		if m.Text == text {
			n++
		}
	}
	return n
}

func TestLiveRoomChat(t *testing.T) {
	logger := zerolog.Nop()
	srv := devserver.New(devserver.Config{Logger: &logger})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	ctx := context.Background()

	alice := newLive(t, ts, "alice", KindChat, nil)
	room, err := alice.dir.CreateRoom(ctx, "스터디")
	require.NoError(t, err)
	_, err = alice.dir.SendMessage(ctx, room.RoomID, "이전 메시지")
	require.NoError(t, err)

	bobProj := summary.New(nil, summary.WithLogger(logger))
	bob := newLive(t, ts, "bob", KindChat, bobProj)
	code, err := alice.dir.AccessCode(ctx, room.RoomID)
	require.NoError(t, err)
	_, err = bob.dir.JoinRoomByCode(ctx, code.TOTP)
	require.NoError(t, err)
	bobProj.SetRooms([]message.RoomSession{room})

	require.NoError(t, alice.c.Select(ctx, room.RoomID))
	waitConnected(t, alice.c)
	require.NoError(t, bob.c.Select(ctx, room.RoomID))
	waitConnected(t, bob.c)
	waitText(t, bob.c, "이전 메시지")
	waitText(t, alice.c, "bob님이 입장했습니다.")

	text := "첫 줄\n<둘째> & \"셋째\" 🚀"
	require.True(t, alice.c.Send(text))

	mine := waitText(t, alice.c, text)
	theirs := waitText(t, bob.c, text)
	assert.Equal(t, message.OriginSelf, mine.Origin)
	assert.Equal(t, message.OriginRemote, theirs.Origin)
	assert.Equal(t, "alice", theirs.SenderName)
	assert.Equal(t, mine.ID, theirs.ID)

	// a message sent over REST reaches the socket exactly once
	_, err = alice.dir.SendMessage(ctx, room.RoomID, "REST 메시지")
	require.NoError(t, err)
	waitText(t, bob.c, "REST 메시지")
	assert.Equal(t, 1, count(bob.c.Messages(), "REST 메시지"))
	assert.Equal(t, 1, count(bob.c.Messages(), text))

	last, ok := bobProj.Get(room.RoomID)
	require.True(t, ok)
	assert.Equal(t, "REST 메시지", last.Text)
}

func TestLiveAIChat(t *testing.T) {
	logger := zerolog.Nop()
	srv := devserver.New(devserver.Config{Logger: &logger, AIDelay: 20 * time.Millisecond})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	ctx := context.Background()

	alice := newLive(t, ts, "alice", KindAI, nil)
	room, err := alice.dir.CreateRoom(ctx, "r")
	require.NoError(t, err)
	sess, err := alice.dir.StartAISession(ctx, room.RoomID)
	require.NoError(t, err)

	require.NoError(t, alice.c.Select(ctx, string(sess.ID)))
	waitConnected(t, alice.c)
	waitText(t, alice.c, "AI님이 대화에 참여했습니다.")

	require.True(t, alice.c.Send("고루틴이 뭐야?"))
	reply := waitText(t, alice.c, "\"고루틴이 뭐야?\"에 대한 답변입니다.")
	assert.True(t, reply.AI)
	assert.False(t, alice.c.Thinking())

	q := waitText(t, alice.c, "고루틴이 뭐야?")
	assert.Equal(t, message.OriginSelf, q.Origin)

	// a resumed session starts from the stored conversation
	again := newLive(t, ts, "alice", KindAI, nil)
	require.NoError(t, again.c.Select(ctx, string(sess.ID)))
	waitText(t, again.c, "\"고루틴이 뭐야?\"에 대한 답변입니다.")
	assert.Equal(t, message.OriginSelf, waitText(t, again.c, "고루틴이 뭐야?").Origin)
	assert.Equal(t, 1, count(again.c.Messages(), "고루틴이 뭐야?"))
}
