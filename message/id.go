package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// LocalIDPrefix starts every client-generated id. Server ids never carry it,
// so local notices can't collide with persisted messages.
const LocalIDPrefix = "local-"

// ID identifies a message within a room. The backend sends either strings or
// integers; both decode into the same textual form.
type ID string

// NewLocalID returns a fresh client-side id.
func NewLocalID() ID {
	return ID(LocalIDPrefix + uuid.NewString())
}

// IsLocal reports whether id was generated by the client.
func (id ID) IsLocal() bool { return strings.HasPrefix(string(id), LocalIDPrefix) }

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts a JSON string, an integer, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("message id %s: not a string or integer", data)
	}
	*id = ID(strconv.FormatInt(n, 10))
	return nil
}
