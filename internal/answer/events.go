package answer

import "github.com/koopa0/stash/internal/llm"

// EventType identifies one kind of streaming event.
type EventType int

const (
	// EventTextDelta carries a coalesced batch of new display text.
	EventTextDelta EventType = iota

	// EventCitation reports a citation marker the moment it closes.
	EventCitation

	// EventFollowUps carries the parsed follow-up questions. Emitted at
	// most once, immediately before EventCompleted.
	EventFollowUps

	// EventCompleted marks a successful end of stream. Terminal.
	EventCompleted

	// EventCancelled marks a caller-initiated stop. Terminal.
	EventCancelled

	// EventFailed marks a transport or provider failure. Terminal.
	EventFailed
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventCitation:
		return "citation"
	case EventFollowUps:
		return "follow_ups"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Citation identifies one source bookmark referenced by the answer.
type Citation struct {
	ID     string
	Handle string
}

// Event is one item on the answer stream. Exactly one terminal event
// ends every stream, always last.
type Event struct {
	Type      EventType
	Text      string    // EventTextDelta
	Citation  Citation  // EventCitation
	FollowUps []string  // EventFollowUps
	ErrKind   llm.ErrorKind // EventFailed
	Err       error         // EventFailed
}
