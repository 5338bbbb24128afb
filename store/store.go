// Package store keeps the ordered, deduplicated message log of the active room.
//
// A Store accepts data from two producers that may deliver the same
// server-confirmed message: the history loader and the realtime channel.
// Identity is the message id, so callers never need to decide which path wins.
// The visible order is append order; messages are never re-sorted by timestamp.
package store

import (
	"errors"
	"sync"

	"github.com/knu-devchat/devchat-frontend/message"
)

// ErrWrongRoom is returned when data for another room reaches the store.
var ErrWrongRoom = errors.New("store: message belongs to another room")

// Store is the in-memory log of exactly one room at a time. It is safe for
// concurrent use, although the coordinator drives it from a single goroutine.
type Store struct {
	mu   sync.RWMutex
	room string
	gen  uint64
	log  []message.Message
	seen map[message.ID]struct{}
}

func New() *Store {
	return &Store{seen: map[message.ID]struct{}{}}
}

// Reset clears the log and scopes the store to roomID. The returned
// generation identifies the activation; data produced for an older
// generation must be dropped by the caller.
func (s *Store) Reset(roomID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room = roomID
	s.gen++
	s.log = make([]message.Message, 0, 64)
	s.seen = map[message.ID]struct{}{}
	return s.gen
}

// Room returns the active room id.
func (s *Store) Room() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Generation returns the current activation number.
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// MergeHistory appends every message whose id is not present yet, keeping the
// given order. It returns the number of appended messages. Calling it again
// with overlapping data is harmless.
func (s *Store) MergeHistory(msgs []message.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, m := range msgs {
		ok, err := s.appendLocked(m)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// AppendRealtime appends m unless its id is already in the log. It reports
// whether the log changed.
func (s *Store) AppendRealtime(m message.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) appendLocked(m message.Message) (bool, error) {
	if m.RoomID != "" && m.RoomID != s.room {
		return false, ErrWrongRoom
	}
	m.RoomID = s.room
	// System notices carry client ids outside the server id space and are
	// never matched against real messages.
	if !m.IsSystem() {
		if _, dup := s.seen[m.ID]; dup {
			return false, nil
		}
		s.seen[m.ID] = struct{}{}
	}
	s.log = append(s.log, m)
	return true, nil
}

// Tail returns the most recent message. With excludingSystem set, system
// notices are skipped.
func (s *Store) Tail(excludingSystem bool) (message.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.log) - 1; i >= 0; i-- {
		if excludingSystem && s.log[i].IsSystem() {
			continue
		}
		return s.log[i], true
	}
	return message.Message{}, false
}

// Messages returns a copy of the log.
func (s *Store) Messages() []message.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]message.Message, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.log)
}

func (s *Store) Contains(id message.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[id]
	return ok
}
