package models

// EventKind identifies what changed in a widget.
type EventKind string

const (
	// EventMessage is emitted when a message is appended. Event.Message is set.
	EventMessage EventKind = "message"
	// EventInput is emitted when the input state changes. Event.Input is set.
	EventInput EventKind = "input"
	// EventScroll asks the page to scroll the message list to the bottom.
	EventScroll EventKind = "scroll"
	// EventNavigate asks the page to leave the chat. Event.Location is set.
	EventNavigate EventKind = "navigate"
)

// Event is one observable state change of a widget.
type Event struct {
	Kind     EventKind
	Message  Message
	Input    InputState
	Location string
}
