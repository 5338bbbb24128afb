package devserver

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// Names are plain text; message bodies are stored verbatim and never pass
// through a policy.
var namePolicy = bluemonday.StrictPolicy()

const (
	maxNickname = 24
	maxRoomName = 64
)

// sanitizeName strips markup and clamps the rune length. It returns fallback
// when nothing printable remains.
func sanitizeName(s string, limit int, fallback string) string {
	s = namePolicy.Sanitize(html.UnescapeString(s))
	// StrictPolicy re-escapes entities; names are rendered as text.
	s = strings.TrimSpace(html.UnescapeString(s))
	if utf8.RuneCountInString(s) > limit {
		s = string([]rune(s)[:limit])
	}
	if s == "" {
		return fallback
	}
	return s
}

func sanitizeNickname(s string) string { return sanitizeName(s, maxNickname, "anon") }

func sanitizeRoomName(s string) string { return sanitizeName(s, maxRoomName, "") }
