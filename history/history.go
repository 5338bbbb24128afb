// Package history fetches the REST backlog of a room or an AI session.
//
// A Loader keeps no cursor between calls: every Load fetches from scratch and
// returns records in ascending order exactly as the backend delivered them.
// Merging with realtime data is the store's job.
package history

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/knu-devchat/devchat-frontend/internal/rest"
	"github.com/knu-devchat/devchat-frontend/message"
)

const (
	DefaultLimit    = 50
	DefaultMaxPages = 1
)

var (
	ErrNoRoom           = errors.New("history: no room selected")
	ErrUnexpectedResult = errors.New("history: unexpected result")
)

// APIError is the error returned for non-2xx responses.
type APIError = rest.APIError

// Result is a loaded backlog plus the room block the backend may attach.
type Result struct {
	Messages []message.Message
	Room     *message.RoomSession
}

type Loader struct {
	api      *rest.Client
	path     func(scope string) string
	limit    int
	maxPages int
	logger   zerolog.Logger
}

type Option func(*Loader)

// WithLimit sets the page size sent as ?limit=.
func WithLimit(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.limit = n
		}
	}
}

// WithMaxPages lets the loader follow has_next up to n pages.
func WithMaxPages(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxPages = n
		}
	}
}

// RoomPath is the backlog endpoint of a chat room.
func RoomPath(roomID string) string {
	return "/chat/chat-rooms/" + url.PathEscape(roomID) + "/messages/"
}

// AISessionPath is the conversation endpoint of an AI session.
func AISessionPath(sessionID string) string {
	return "/ai/sessions/" + url.PathEscape(sessionID) + "/messages/"
}

// WithPath selects the endpoint family, RoomPath by default.
func WithPath(path func(scope string) string) Option {
	return func(l *Loader) {
		if path != nil {
			l.path = path
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loader) { l.logger = logger }
}

func New(api *rest.Client, opts ...Option) *Loader {
	l := &Loader{
		api:      api,
		path:     RoomPath,
		limit:    DefaultLimit,
		maxPages: DefaultMaxPages,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load returns the backlog of roomID.
func (l *Loader) Load(ctx context.Context, roomID string) ([]message.Message, error) {
	res, err := l.LoadWithInfo(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// LoadWithInfo is Load plus the room_info block of the first page.
func (l *Loader) LoadWithInfo(ctx context.Context, roomID string) (Result, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Result{}, ErrNoRoom
	}

	var (
		res   Result
		pages [][]message.Message
	)
	for page := 1; page <= l.maxPages; page++ {
		env, err := l.fetchPage(ctx, roomID, page)
		if err != nil {
			return Result{}, err
		}
		if page == 1 && env.RoomInfo != nil {
			info := *env.RoomInfo
			res.Room = &info
		}

		valid, rejected := message.DecodeRecords(env.Messages)
		for _, err := range rejected {
			l.logger.Warn().Err(err).Str("room", roomID).Int("page", page).Msg("[history] skip malformed record")
		}
		msgs := make([]message.Message, 0, len(valid))
		for _, w := range valid {
			msgs = append(msgs, w.ToMessage(roomID))
		}
		pages = append(pages, msgs)

		if env.Pagination == nil || !env.Pagination.HasNext {
			break
		}
	}

	// Page 1 is the newest; older pages go in front.
	for i := len(pages) - 1; i >= 0; i-- {
		res.Messages = append(res.Messages, pages[i]...)
	}
	if res.Messages == nil {
		res.Messages = []message.Message{}
	}
	l.logger.Debug().Str("room", roomID).Int("count", len(res.Messages)).Msg("[history] loaded")
	return res, nil
}

func (l *Loader) fetchPage(ctx context.Context, roomID string, page int) (message.HistoryEnvelope, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(l.limit))
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}

	var env message.HistoryEnvelope
	if err := l.api.Do(ctx, http.MethodGet, l.path(roomID), q, nil, &env); err != nil {
		return message.HistoryEnvelope{}, fmt.Errorf("load history of %s: %w", roomID, err)
	}
	if env.Result != message.ResultSuccess {
		return message.HistoryEnvelope{}, fmt.Errorf("%w %q", ErrUnexpectedResult, env.Result)
	}
	return env, nil
}
