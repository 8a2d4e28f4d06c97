package task

import "fmt"

// EventKind identifies a task notification
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventError
	EventPaused
	EventResumed
	EventStopped
	EventFinished
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventError:
		return "error"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventStopped:
		return "stopped"
	case EventFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// Event is delivered to task observers
type Event struct {
	Task    string
	Kind    EventKind
	Percent int
	Text    string
	Err     error
}

// Error is a task error with its code
type Error struct {
	Task string
	Code ErrorCode
	Text string
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (code %d)", e.Task, e.Text, e.Code)
}
