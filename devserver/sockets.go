package devserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/knu-devchat/devchat-frontend/message"
)

func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	s.mu.Lock()
	rm, err := s.st.member(user, chi.URLParam(r, "room"))
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("[devserver] upgrade chat socket")
		return
	}
	c := newClient(user, "chat", conn, s.logger)

	s.mu.Lock()
	if n := s.cfg.BacklogOnConnect; n > 0 {
		recs, _ := page(rm.log, 1, n)
		f := message.Frame{Type: message.EventMessageHistory, Messages: make([]json.RawMessage, 0, len(recs))}
		for _, rec := range recs {
			raw, _ := json.Marshal(rec.wire(user))
			f.Messages = append(f.Messages, raw)
		}
		c.push(f)
	}
	for other := range rm.clients {
		other.push(presenceFrame(message.EventUserJoined, user))
	}
	rm.clients[c] = struct{}{}
	s.sockets[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.WithLabelValues("chat").Inc()
	s.logger.Debug().Str("room", rm.id).Str("user", user).Msg("[devserver] chat socket open")

	go c.writeLoop()
	c.readLoop(func(in inbound) {
		if in.Type != message.EventChatMessage {
			c.push(errorFrame(message.EventError, "지원하지 않는 메시지 형식입니다."))
			return
		}
		if strings.TrimSpace(in.Message) == "" {
			return
		}
		s.mu.Lock()
		s.broadcastLocked(rm, user, in.Message)
		s.mu.Unlock()
	})

	s.mu.Lock()
	delete(rm.clients, c)
	delete(s.sockets, c)
	for other := range rm.clients {
		other.push(presenceFrame(message.EventUserLeft, user))
	}
	s.mu.Unlock()
	s.metrics.connections.WithLabelValues("chat").Dec()
}

func (s *Server) handleAISocket(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	s.mu.Lock()
	a, err := s.st.aiSession(user, chi.URLParam(r, "session"))
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("[devserver] upgrade ai socket")
		return
	}
	c := newClient(user, "ai", conn, s.logger)
	s.mu.Lock()
	s.sockets[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.connections.WithLabelValues("ai").Inc()

	c.push(presenceFrame(message.EventAIJoined, aiName))
	go c.writeLoop()
	c.readLoop(func(in inbound) {
		if in.Type != message.EventChatMessage || strings.TrimSpace(in.Message) == "" {
			c.push(errorFrame(message.EventAIError, "메시지를 처리할 수 없습니다."))
			return
		}
		s.answer(a, c, in.Message)
	})

	s.mu.Lock()
	delete(s.sockets, c)
	s.mu.Unlock()
	s.metrics.connections.WithLabelValues("ai").Dec()
}

// answer echoes the question, signals thinking, and replies after AIDelay.
// There is no model behind it.
func (s *Server) answer(a *aiSession, c *client, question string) {
	s.mu.Lock()
	q := record{id: newID(), sender: c.user, text: question, ts: s.cfg.Now()}
	a.log = append(a.log, q)
	s.mu.Unlock()
	s.metrics.messages.WithLabelValues("ai").Inc()

	c.push(chatFrame(q.wire(c.user)))
	c.push(message.Frame{Type: message.EventAIThinking})

	s.timers.Add(1)
	go func() {
		defer s.timers.Done()
		select {
		case <-c.done:
			return
		case <-time.After(s.cfg.AIDelay):
		}
		s.mu.Lock()
		reply := record{id: newID(), sender: aiName, text: "\"" + question + "\"에 대한 답변입니다.", ts: s.cfg.Now(), ai: true}
		a.log = append(a.log, reply)
		s.mu.Unlock()
		c.push(chatFrame(reply.wire(c.user)))
	}()
}
