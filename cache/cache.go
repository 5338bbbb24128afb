// Package cache persists the recent tail of every room's log in a local
// Pebble database, so a room can render cached messages while its history
// reloads and the room list can show last messages before any network call.
//
// A nil *Cache is valid and behaves as an empty, write-discarding cache.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble/v2"

	"github.com/knu-devchat/devchat-frontend/message"
)

// DefaultLimit is how many messages per room are kept.
const DefaultLimit = 100

const logPrefix = "log/"

type Cache struct {
	db    *pebble.DB
	limit int
	mu    sync.Mutex
}

// Open opens (creating if needed) the database in dir. An empty dir disables
// caching and returns a nil cache.
func Open(dir string, limit int) (*Cache, error) {
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", dir, err)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Cache{db: db, limit: limit}, nil
}

func roomKey(roomID string) []byte {
	return []byte(logPrefix + roomID)
}

// Load returns the cached messages of roomID, oldest first.
func (c *Cache) Load(roomID string) ([]message.Message, error) {
	if c == nil || c.db == nil {
		return nil, nil
	}
	data, closer, err := c.db.Get(roomKey(roomID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	defer closer.Close()

	var msgs []message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode cached room %s: %w", roomID, err)
	}
	return msgs, nil
}

// Save replaces the cached tail of roomID with the last non-system messages
// of msgs.
func (c *Cache) Save(roomID string, msgs []message.Message) error {
	if c == nil || c.db == nil || roomID == "" {
		return nil
	}
	kept := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsSystem() {
			continue
		}
		m.RoomID = roomID
		kept = append(kept, m)
	}
	if len(kept) > c.limit {
		kept = kept[len(kept)-c.limit:]
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db.Set(roomKey(roomID), data, pebble.Sync)
}

// Tails returns the last cached message of every room.
func (c *Cache) Tails() (map[string]message.Message, error) {
	out := map[string]message.Message{}
	if c == nil || c.db == nil {
		return out, nil
	}
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logPrefix),
		UpperBound: []byte("log0"), // '0' follows '/'
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = iter.Close() }()

	for iter.First(); iter.Valid(); iter.Next() {
		room := strings.TrimPrefix(string(iter.Key()), logPrefix)
		var msgs []message.Message
		if err := json.Unmarshal(iter.Value(), &msgs); err != nil || len(msgs) == 0 {
			continue
		}
		out[room] = msgs[len(msgs)-1]
	}
	return out, iter.Error()
}

// Forget drops the cached log of roomID, e.g. after leaving the room.
func (c *Cache) Forget(roomID string) error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Delete(roomKey(roomID), pebble.Sync)
}

func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}
