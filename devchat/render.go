package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/knu-devchat/devchat-frontend/message"
	"github.com/knu-devchat/devchat-frontend/summary"
)

// renderRoom is one line of the room list.
func renderRoom(s summary.RoomSummary, participants int, now time.Time) string {
	line := fmt.Sprintf("%-20s %2d명  %s", s.RoomName, participants, s.RoomID)
	if s.Last == nil {
		return line + "\n    (메시지 없음)"
	}
	p := summary.Format(*s.Last, now, summary.FormatOptions{})
	if p.When == "" {
		return line + "\n    " + p.Text
	}
	return line + "\n    " + p.Text + " · " + p.When
}

// renderMessage formats one log entry for the terminal. Continuation lines
// of multi-line text are indented under the first.
func renderMessage(m message.Message, loc *time.Location) string {
	body := strings.ReplaceAll(m.Text, "\n", "\n      ")
	if m.IsSystem() {
		return "  -- " + body
	}
	stamp := "     "
	if ts, ok := m.Time(); ok {
		if loc == nil {
			loc = time.Local
		}
		stamp = ts.In(loc).Format("15:04")
	}
	who := m.SenderName
	switch {
	case m.Origin == message.OriginSelf:
		who = "나"
	case who == "":
		who = "?"
	}
	return fmt.Sprintf("%s %s: %s", stamp, who, body)
}

// printer emits each message once, in log order.
type printer struct {
	seen map[message.ID]struct{}
	loc  *time.Location
}

func newPrinter(loc *time.Location) *printer {
	return &printer{seen: make(map[message.ID]struct{}), loc: loc}
}

func (p *printer) reset() { clear(p.seen) }

// fresh returns the rendered lines of messages not printed before.
func (p *printer) fresh(msgs []message.Message) []string {
	var out []string
	for _, m := range msgs {
		if _, ok := p.seen[m.ID]; ok {
			continue
		}
		p.seen[m.ID] = struct{}{}
		out = append(out, renderMessage(m, p.loc))
	}
	return out
}
