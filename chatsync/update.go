package chatsync

const updateBufferSize = 64

// UpdateKind says which part of the view should be redrawn.
type UpdateKind int

const (
	UpdateMessages UpdateKind = iota
	UpdateState
	UpdateThinking
	UpdateScope
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateMessages:
		return "messages"
	case UpdateState:
		return "state"
	case UpdateThinking:
		return "thinking"
	case UpdateScope:
		return "scope"
	}
	return "unknown"
}

// Update is a view notification. It carries the scope it refers to; state
// itself is read through the coordinator accessors.
type Update struct {
	Kind  UpdateKind
	Scope string
}

func (c *Coordinator) publish(u Update) {
	u.Scope = c.scope
	select {
	case c.updates <- u:
	default:
		// drop oldest to keep the loop moving
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- u:
		default:
		}
	}
}
