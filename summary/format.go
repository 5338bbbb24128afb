package summary

import (
	"fmt"
	"strings"
	"time"

	"github.com/knu-devchat/devchat-frontend/message"
)

const (
	DefaultMaxRunes   = 30
	DefaultSelfPrefix = "나: "
	ellipsis          = "…"
)

// FormatOptions tunes Format. Zero values select the defaults.
type FormatOptions struct {
	MaxRunes   int
	SelfPrefix string
	Location   *time.Location
}

// Preview is one room-list line.
type Preview struct {
	Text string
	When string
}

// Format renders m as a room-list preview relative to now. It has no side
// effects.
func Format(m message.Message, now time.Time, opts FormatOptions) Preview {
	if opts.MaxRunes <= 0 {
		opts.MaxRunes = DefaultMaxRunes
	}
	if opts.SelfPrefix == "" {
		opts.SelfPrefix = DefaultSelfPrefix
	}

	var p Preview
	if ts, ok := m.Time(); ok {
		p.When = Relative(ts, now, opts.Location)
	}

	body := Truncate(strings.Join(strings.Fields(m.Text), " "), opts.MaxRunes)
	switch m.Origin {
	case message.OriginSelf:
		p.Text = opts.SelfPrefix + body
	case message.OriginRemote:
		if m.SenderName != "" {
			p.Text = m.SenderName + ": " + body
		} else {
			p.Text = body
		}
	default:
		p.Text = body
	}
	return p
}

// Relative buckets the age of ts: 방금 전, N분 전, N시간 전, N일 전, and a
// plain date after a week. Timestamps in the future count as just now.
func Relative(ts, now time.Time, loc *time.Location) string {
	age := now.Sub(ts)
	switch {
	case age < time.Minute:
		return "방금 전"
	case age < time.Hour:
		return fmt.Sprintf("%d분 전", int(age/time.Minute))
	case age < 24*time.Hour:
		return fmt.Sprintf("%d시간 전", int(age/time.Hour))
	case age < 7*24*time.Hour:
		return fmt.Sprintf("%d일 전", int(age/(24*time.Hour)))
	}
	if loc != nil {
		ts = ts.In(loc)
	}
	return ts.Format("2006-01-02")
}

// Truncate shortens s to at most max runes, ending in an ellipsis when cut.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max == 1 {
		return ellipsis
	}
	return string(r[:max-1]) + ellipsis
}
