package handlers

import (
	"log/slog"
	"net/http"

	"github.com/ensys/ensys-widget/internal/widget"
)

type homePageData struct {
	SessionID string
	Messages  []message
	Input     inputState
	Sentiment string

	MaxInputHeight int
}

// HandleHome renders the chat page. Every page load starts a new session, so the conversation ends with
// the page; the session id is embedded in the page and sent back with every widget request. The optional
// "sentiment" query parameter prefills the page's sentiment field.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	id, c := m.sessions.Create()

	st := c.Snapshot()
	msgs := make([]message, len(st.Messages))
	for i := range st.Messages {
		msgs[i] = newMessage(st.Messages[i])
	}

	data := homePageData{
		SessionID:      id,
		Messages:       msgs,
		Input:          newInputState(st.Input),
		Sentiment:      r.URL.Query().Get("sentiment"),
		MaxInputHeight: widget.MaxInputHeight,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
