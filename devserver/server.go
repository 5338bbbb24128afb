// Package devserver is an in-memory implementation of the DevChat backend
// surface: the room REST endpoints, the chat and AI websockets, and a metrics
// endpoint. It backs `devchat serve` for local development and the
// integration tests of the client packages.
//
// Authentication is out of scope: the value of the session cookie is taken as
// the user's nickname.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/internal/rest"
	"github.com/knu-devchat/devchat-frontend/message"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxBodyBytes    = 64 << 10
	aiName          = "AI"
)

type Config struct {
	// PageSize is used when a history request has no limit.
	PageSize int
	// BacklogOnConnect, when positive, sends that many recent messages as a
	// message_history frame right after a chat socket opens.
	BacklogOnConnect int
	// AIDelay separates ai_thinking from the assistant reply.
	AIDelay        time.Duration
	AllowedOrigins []string
	Logger         *zerolog.Logger
	// Registry receives the server metrics. A private registry is created
	// when nil.
	Registry *prometheus.Registry
	Now      func() time.Time
}

type Server struct {
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader
	router   chi.Router

	mu sync.Mutex
	st *state
	// sockets tracks every live client for Close.
	sockets map[*client]struct{}
	timers  sync.WaitGroup
}

func New(cfg Config) *Server {
	if cfg.PageSize <= 0 || cfg.PageSize > maxPageSize {
		cfg.PageSize = defaultPageSize
	}
	if cfg.AIDelay <= 0 {
		cfg.AIDelay = 300 * time.Millisecond
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		metrics:  newMetrics(cfg.Registry),
		registry: cfg.Registry,
		st:       newState(),
		sockets:  map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.metrics.middleware)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(requireSession)

		r.Route("/api/chat", func(r chi.Router) {
			r.Get("/my-rooms/", s.handleMyRooms)
			r.Post("/select-room/", s.handleSelectRoom)
			r.Get("/current-room/", s.handleCurrentRoom)
			r.Post("/chat-rooms/", s.handleCreateRoom)
			r.Get("/chat-rooms/{room}/", s.handleRoomDetails)
			r.Get("/chat-rooms/{room}/messages/", s.handleListMessages)
			r.Post("/chat-rooms/{room}/messages/", s.handlePostMessage)
			r.Post("/join-room/", s.handleJoinRoom)
			r.Post("/leave-room/", s.handleLeaveRoom)
			r.Post("/access-code/", s.handleAccessCode)
		})
		r.Route("/api/ai", func(r chi.Router) {
			r.Get("/sessions/", s.handleListAISessions)
			r.Post("/sessions/", s.handleStartAISession)
			r.Get("/sessions/{session}/messages/", s.handleListAIMessages)
		})
		r.Get("/ws/chat/{room}/", s.handleChatSocket)
		r.Get("/ws/ai/{session}/", s.handleAISocket)
	})
	return r
}

// Close disconnects every websocket client and waits for pending AI replies.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.sockets {
		c.close()
	}
	s.mu.Unlock()
	s.timers.Wait()
}

type ctxKey struct{}

func requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(rest.SessionCookie)
		if err != nil || strings.TrimSpace(c.Value) == "" {
			writeError(w, http.StatusUnauthorized, "로그인이 필요합니다.")
			return
		}
		user := sanitizeNickname(c.Value)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, user)))
	})
}

func userFrom(r *http.Request) string {
	user, _ := r.Context().Value(ctxKey{}).(string)
	return user
}

type roomRequest struct {
	RoomID   string `json:"room_uuid"`
	RoomName string `json:"room_name"`
	OTP      string `json:"otp"`
	Content  string `json:"content"`
}

func (s *Server) handleMyRooms(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rooms := s.st.roomsOf(userFrom(r))
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, map[string]any{"result": message.ResultSuccess, "rooms": rooms})
}

func (s *Server) handleSelectRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	rm, err := s.st.selectRoom(userFrom(r), req.RoomID)
	var sess message.RoomSession
	if err == nil {
		sess = rm.session()
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

func (s *Server) handleCurrentRoom(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	s.mu.Lock()
	var room *message.RoomSession
	if id, ok := s.st.current[user]; ok {
		if rm, err := s.st.member(user, id); err == nil {
			sess := rm.session()
			room = &sess
		}
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, map[string]any{"room": room})
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	rm, err := s.st.createRoom(userFrom(r), req.RoomName, s.cfg.Now())
	var sess message.RoomSession
	if err == nil {
		sess = rm.session()
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	s.logger.Info().Str("room", sess.RoomID).Str("name", sess.RoomName).Msg("[devserver] room created")
	writeJSONResponse(w, http.StatusCreated, sess)
}

func (s *Server) handleRoomDetails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rm, err := s.st.member(userFrom(r), chi.URLParam(r, "room"))
	var sess message.RoomSession
	if err == nil {
		sess = rm.session()
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

type historyResponse struct {
	Result     string                `json:"result"`
	Messages   []message.WireMessage `json:"messages"`
	Pagination message.Pagination    `json:"pagination"`
	RoomInfo   message.RoomSession   `json:"room_info"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.cfg.PageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	p := queryInt(r, "page", 1)
	user := userFrom(r)

	s.mu.Lock()
	rm, err := s.st.member(user, chi.URLParam(r, "room"))
	if err != nil {
		s.mu.Unlock()
		writeStateError(w, err)
		return
	}
	recs, hasNext := page(rm.log, p, limit)
	resp := historyResponse{
		Result:     message.ResultSuccess,
		Messages:   make([]message.WireMessage, 0, len(recs)),
		Pagination: message.Pagination{Page: p, PageSize: limit, Total: len(rm.log), HasNext: hasNext},
		RoomInfo:   rm.session(),
	}
	for _, rec := range recs {
		resp.Messages = append(resp.Messages, rec.wire(user))
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, resp)
}

// handleListAIMessages pages through an AI session's conversation. It shares
// the envelope of the room history without the room_info block.
func (s *Server) handleListAIMessages(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", s.cfg.PageSize)
	if limit > maxPageSize {
		limit = maxPageSize
	}
	p := queryInt(r, "page", 1)
	user := userFrom(r)

	s.mu.Lock()
	a, err := s.st.aiSession(user, chi.URLParam(r, "session"))
	if err != nil {
		s.mu.Unlock()
		writeStateError(w, err)
		return
	}
	recs, hasNext := page(a.log, p, limit)
	resp := aiHistoryResponse{
		Result:     message.ResultSuccess,
		Messages:   make([]message.WireMessage, 0, len(recs)),
		Pagination: message.Pagination{Page: p, PageSize: limit, Total: len(a.log), HasNext: hasNext},
	}
	for _, rec := range recs {
		resp.Messages = append(resp.Messages, rec.wire(user))
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, resp)
}

type aiHistoryResponse struct {
	Result     string                `json:"result"`
	Messages   []message.WireMessage `json:"messages"`
	Pagination message.Pagination    `json:"pagination"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "메시지가 비어 있습니다.")
		return
	}
	user := userFrom(r)
	s.mu.Lock()
	rm, err := s.st.member(user, chi.URLParam(r, "room"))
	if err != nil {
		s.mu.Unlock()
		writeStateError(w, err)
		return
	}
	rec := s.broadcastLocked(rm, user, req.Content)
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusCreated, map[string]any{"result": message.ResultSuccess, "message": rec.wire(user)})
}

func (s *Server) handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	rm, err := s.st.joinByCode(userFrom(r), strings.TrimSpace(req.OTP), s.cfg.Now())
	var sess message.RoomSession
	if err == nil {
		sess = rm.session()
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, sess)
}

func (s *Server) handleLeaveRoom(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	err := s.st.leave(userFrom(r), req.RoomID)
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"result": message.ResultSuccess})
}

func (s *Server) handleAccessCode(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	rm, err := s.st.member(userFrom(r), req.RoomID)
	var (
		code string
		name string
	)
	if err == nil {
		name = rm.name
		code, err = s.st.issueCode(rm.id, s.cfg.Now())
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"totp":      code,
		"interval":  codeInterval,
		"room_name": name,
		"room_uuid": req.RoomID,
	})
}

type aiSessionResponse struct {
	ID        string `json:"session_id"`
	RoomID    string `json:"room_uuid"`
	CreatedAt string `json:"created_at"`
}

func (a *aiSession) response() aiSessionResponse {
	return aiSessionResponse{ID: a.id, RoomID: a.room, CreatedAt: a.created.UTC().Format(time.RFC3339)}
}

func (s *Server) handleListAISessions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sessions := s.st.aiSessionsOf(userFrom(r))
	out := make([]aiSessionResponse, 0, len(sessions))
	for _, a := range sessions {
		out = append(out, a.response())
	}
	s.mu.Unlock()
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleStartAISession(w http.ResponseWriter, r *http.Request) {
	var req roomRequest
	if !decodeBody(w, r, &req) {
		return
	}
	s.mu.Lock()
	a, err := s.st.startAI(userFrom(r), req.RoomID, s.cfg.Now())
	var resp aiSessionResponse
	if err == nil {
		resp = a.response()
	}
	s.mu.Unlock()
	if err != nil {
		writeStateError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, resp)
}

// broadcastLocked stores text and fans it out to every socket of rm, each
// with its own is_self.
func (s *Server) broadcastLocked(rm *room, sender, text string) record {
	rec := s.st.appendMessage(rm, sender, text, s.cfg.Now())
	for c := range rm.clients {
		c.push(chatFrame(rec.wire(c.user)))
	}
	s.metrics.messages.WithLabelValues("chat").Inc()
	return rec
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONResponse(w, status, map[string]string{"error": msg})
}

func writeStateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errNoRoom), errors.Is(err, errNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, errNotMember):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, errBadCode), errors.Is(err, errEmptyValue):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
