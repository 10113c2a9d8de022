package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ensys/ensys-widget/internal/widget"
)

// The widget handlers answer with 204 No Content when the operation was accepted; the visible outcome
// reaches the page through the SSE stream.

// HandleSend processes a click on the send button. It expects the "message" and "sentiment" form
// fields. An empty message is accepted and ignored.
func (m Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	c, ok := m.requireController(w, r)
	if !ok {
		return
	}

	_, err := c.SendMessage(r.FormValue("message"), r.FormValue("sentiment"))
	m.respond(w, err)
}

// HandleKeyPress processes a key press in the chat input. It expects the "key" form field holding the
// key code, and the same fields as HandleSend.
func (m Main) HandleKeyPress(w http.ResponseWriter, r *http.Request) {
	c, ok := m.requireController(w, r)
	if !ok {
		return
	}

	key, err := strconv.Atoi(r.FormValue("key"))
	if err != nil {
		m.logger.Error("Invalid key code", slog.String("key", r.FormValue("key")))
		http.Error(w, "Invalid key code", http.StatusBadRequest)
		return
	}

	_, err = c.KeyPress(key, r.FormValue("message"), r.FormValue("sentiment"))
	m.respond(w, err)
}

// HandleInput processes a change of the message field. It expects the "message" form field and an
// optional "scroll_height" field with the field's content height in pixels. The height is ignored when
// the change triggered the menu, since the field was cleared.
func (m Main) HandleInput(w http.ResponseWriter, r *http.Request) {
	c, ok := m.requireController(w, r)
	if !ok {
		return
	}

	task, err := c.InputChanged(r.FormValue("message"))
	if err != nil {
		m.respond(w, err)
		return
	}

	// The scroll height was measured before the menu trigger cleared the field.
	if raw := r.FormValue("scroll_height"); raw != "" && task == nil {
		h, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid scroll height", http.StatusBadRequest)
			return
		}
		c.AdjustHeight(h)
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleEndChat processes a click on the end chat button.
func (m Main) HandleEndChat(w http.ResponseWriter, r *http.Request) {
	c, ok := m.requireController(w, r)
	if !ok {
		return
	}

	_, err := c.EndChat()
	m.respond(w, err)
}

func (m Main) requireController(w http.ResponseWriter, r *http.Request) (*widget.Controller, bool) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	c, ok := m.controller(r)
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (m Main) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil, errors.Is(err, widget.ErrEmptyMessage):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, widget.ErrRequestInFlight):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, widget.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	default:
		m.logger.Error("Widget operation failed", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
