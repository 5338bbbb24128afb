package devserver

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/knu-devchat/devchat-frontend/message"
)

var (
	errNoRoom     = errors.New("room not found")
	errNotMember  = errors.New("not a member of this room")
	errBadCode    = errors.New("invalid or expired access code")
	errNoSession  = errors.New("ai session not found")
	errEmptyValue = errors.New("empty value")
)

// newID returns a lexically sortable message or session id.
func newID() string { return ulid.Make().String() }

// codeInterval is the lifetime of an access code, in seconds.
const codeInterval = 30

type record struct {
	id     string
	sender string
	text   string
	ts     time.Time
	ai     bool
}

// wire renders r for viewer, which decides is_self.
func (r record) wire(viewer string) message.WireMessage {
	w := message.WireMessage{
		ID:        message.ID(r.id),
		Message:   r.text,
		IsSelf:    !r.ai && r.sender == viewer,
		Sender:    r.sender,
		Timestamp: r.ts.UTC().Format(time.RFC3339Nano),
		IsAI:      r.ai,
	}
	return w
}

type room struct {
	id      string
	name    string
	admin   string
	created time.Time
	members map[string]struct{}
	log     []record
	clients map[*client]struct{}
}

func (r *room) session() message.RoomSession {
	return message.RoomSession{
		RoomID:           r.id,
		RoomName:         r.name,
		ParticipantCount: len(r.members),
		AdminID:          message.ID(r.admin),
		CreatedAt:        r.created.UTC().Format(time.RFC3339),
	}
}

type accessCode struct {
	room    string
	expires time.Time
}

type aiSession struct {
	id      string
	room    string
	owner   string
	created time.Time
	log     []record
}

// state is the whole in-memory backend. Callers hold Server.mu.
type state struct {
	rooms   map[string]*room
	order   []string
	current map[string]string
	codes   map[string]accessCode
	ai      map[string]*aiSession
	aiOrder []string
}

func newState() *state {
	return &state{
		rooms:   map[string]*room{},
		current: map[string]string{},
		codes:   map[string]accessCode{},
		ai:      map[string]*aiSession{},
	}
}

func (s *state) createRoom(user, name string, now time.Time) (*room, error) {
	name = sanitizeRoomName(name)
	if name == "" {
		return nil, errEmptyValue
	}
	r := &room{
		id:      uuid.NewString(),
		name:    name,
		admin:   user,
		created: now,
		members: map[string]struct{}{user: {}},
		clients: map[*client]struct{}{},
	}
	s.rooms[r.id] = r
	s.order = append(s.order, r.id)
	s.current[user] = r.id
	return r, nil
}

func (s *state) member(user, roomID string) (*room, error) {
	r := s.rooms[roomID]
	if r == nil {
		return nil, errNoRoom
	}
	if _, ok := r.members[user]; !ok {
		return nil, errNotMember
	}
	return r, nil
}

func (s *state) roomsOf(user string) []message.RoomSession {
	out := make([]message.RoomSession, 0, 8)
	for _, id := range s.order {
		r := s.rooms[id]
		if _, ok := r.members[user]; ok {
			out = append(out, r.session())
		}
	}
	return out
}

func (s *state) selectRoom(user, roomID string) (*room, error) {
	r, err := s.member(user, roomID)
	if err != nil {
		return nil, err
	}
	s.current[user] = roomID
	return r, nil
}

func (s *state) leave(user, roomID string) error {
	r, err := s.member(user, roomID)
	if err != nil {
		return err
	}
	delete(r.members, user)
	if s.current[user] == roomID {
		delete(s.current, user)
	}
	return nil
}

// issueCode returns the live code of roomID, minting one when none is valid.
func (s *state) issueCode(roomID string, now time.Time) (string, error) {
	for code, c := range s.codes {
		if !now.Before(c.expires) {
			delete(s.codes, code)
			continue
		}
		if c.room == roomID {
			return code, nil
		}
	}
	for {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("%06d", n.Int64())
		if _, taken := s.codes[code]; taken {
			continue
		}
		s.codes[code] = accessCode{room: roomID, expires: now.Add(codeInterval * time.Second)}
		return code, nil
	}
}

func (s *state) joinByCode(user, code string, now time.Time) (*room, error) {
	c, ok := s.codes[code]
	if !ok || !now.Before(c.expires) {
		return nil, errBadCode
	}
	r := s.rooms[c.room]
	if r == nil {
		return nil, errNoRoom
	}
	r.members[user] = struct{}{}
	s.current[user] = r.id
	return r, nil
}

func (s *state) appendMessage(r *room, sender, text string, now time.Time) record {
	rec := record{id: newID(), sender: sender, text: text, ts: now}
	r.log = append(r.log, rec)
	return rec
}

// page returns page p (1 is newest) of all with limit records per page, in
// ascending order.
func page(all []record, p, limit int) (recs []record, hasNext bool) {
	end := len(all) - (p-1)*limit
	if end <= 0 {
		return nil, false
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return all[start:end], start > 0
}

func (s *state) startAI(user, roomID string, now time.Time) (*aiSession, error) {
	if _, err := s.member(user, roomID); err != nil {
		return nil, err
	}
	a := &aiSession{id: newID(), room: roomID, owner: user, created: now}
	s.ai[a.id] = a
	s.aiOrder = append(s.aiOrder, a.id)
	return a, nil
}

func (s *state) aiSessionsOf(user string) []*aiSession {
	out := make([]*aiSession, 0, 4)
	for _, id := range s.aiOrder {
		if a := s.ai[id]; a.owner == user {
			out = append(out, a)
		}
	}
	return out
}

func (s *state) aiSession(user, id string) (*aiSession, error) {
	a := s.ai[id]
	if a == nil || a.owner != user {
		return nil, errNoSession
	}
	return a, nil
}
