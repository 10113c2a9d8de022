package models

import (
	"html/template"
	"time"
)

// Message represents an individual entry of the widget's message list. It is created on every send and
// every reply, appended in order, and never edited afterwards.
type Message struct {
	ID        string
	Role      Role
	Text      string
	Timestamp time.Time

	// Fallback marks the static entry appended when the backend could not be reached.
	Fallback bool
}

// Role represents the author of a message.
type Role string

const (
	// RoleUser represents the echo of what the user typed.
	RoleUser Role = "user"
	// RoleBot represents a reply rendered as originating from the chatbot.
	RoleBot Role = "bot"
)

// FallbackText is the body of the message shown when a send fails.
const FallbackText = "Something went wrong"

// InputState is the state of the message field and the send button.
type InputState struct {
	Enabled     bool
	CurrentText string
	// HeightPx is the field height in pixels. Zero means the field's natural height.
	HeightPx int
}

// Prompt is the body of one call to the chatbot backend.
type Prompt struct {
	Text string
	// Sentiment is omitted from the request when nil.
	Sentiment *string
}

// RenderMessage renders the body of a message into safe markup. Bot replies go through FormatMenu,
// everything else is escaped as plain text.
func RenderMessage(m Message) template.HTML {
	if m.Role == RoleBot && !m.Fallback {
		return FormatMenu(m.Text)
	}
	return template.HTML(template.HTMLEscapeString(m.Text))
}
