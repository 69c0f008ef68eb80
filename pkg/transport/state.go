package transport

import "fmt"

type State int

const (
	Idle State = iota
	Connecting
	Open
	Closing
	Reconnecting
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is a snapshot of the connection reported to the owner.
type Status struct {
	State    State
	Attempts int
	Failed   bool
	// CloseCode is the websocket close code of the last drop, or 0.
	CloseCode int
}
