package recognition

import "fmt"

// EventType enumerates duplex connection lifecycle events.
type EventType int

const (
	// EventOpened carries a usable Conn. Exactly one precedes any send on an
	// attempt.
	EventOpened EventType = iota + 1

	// EventResponse carries one decoded server message.
	EventResponse

	// EventClosing means the peer started a graceful close.
	EventClosing

	// EventClosed means the attempt's connection is gone.
	EventClosed

	// EventFailed means the attempt failed to open or broke.
	EventFailed
)

// String returns a lowercase name of t.
func (t EventType) String() string {
	switch t {
	case EventOpened:
		return "opened"
	case EventResponse:
		return "response"
	case EventClosing:
		return "closing"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one element of a [Provider] session stream. Only the fields that
// belong to Type are set.
type Event struct {
	Type EventType

	// Attempt is the connection attempt the event belongs to, starting at 1.
	Attempt int

	// Conn is set for EventOpened.
	Conn Conn

	// Outcome is set for EventResponse.
	Outcome Outcome

	// Reason is set for EventClosing and EventClosed.
	Reason string

	// Err is set for EventFailed.
	Err error
}

// Dropped reports whether e ends its connection attempt.
func (e Event) Dropped() bool {
	return e.Type == EventClosing || e.Type == EventClosed || e.Type == EventFailed
}

func (e Event) String() string {
	switch e.Type {
	case EventResponse:
		return fmt.Sprintf("response#%d(%s)", e.Attempt, e.Outcome)
	case EventClosing, EventClosed:
		return fmt.Sprintf("%s#%d(%s)", e.Type, e.Attempt, e.Reason)
	case EventFailed:
		return fmt.Sprintf("failed#%d(%v)", e.Attempt, e.Err)
	default:
		return fmt.Sprintf("%s#%d", e.Type, e.Attempt)
	}
}
