package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	ensyswidget "github.com/ensys/ensys-widget"
	"github.com/ensys/ensys-widget/internal/models"
	"github.com/ensys/ensys-widget/internal/widget"
	"github.com/tmaxmax/go-sse"
)

// Main serves the chat widget. It keeps one widget.Controller per browser session, turns the page's
// form posts into controller operations, and streams every resulting state change back to the page
// over server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	sessions *widget.Sessions

	logger *slog.Logger
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Fallback  bool
	Timestamp time.Time
}

type inputState struct {
	Enabled  bool   `json:"enabled"`
	Text     string `json:"text"`
	HeightPx int    `json:"height"`
}

type ssePublisher struct {
	sseSrv    *sse.Server
	templates *template.Template
	topic     string

	logger *slog.Logger
}

const (
	// sessionField names the form field, or query parameter for the event stream, carrying the session id
	// of the page.
	sessionField = "session"
	errLoggerKey = "err"

	replayTTL = 5 * time.Minute
)

var closeWidgetSSEType = sse.Type("closeWidget")

// NewMain creates a Main whose widgets call backend with the given options. It parses the HTML templates
// from the embedded filesystem and sets up the SSE server. Every SSE client subscribes to the topic of
// its own session, identified by the session id the page carries, and to the default topic used for
// broadcasts.
// Events are kept for a few minutes so reconnecting clients can replay what they missed.
func NewMain(
	ctx context.Context,
	backend widget.Backend,
	opts widget.Options,
	logger *slog.Logger,
) (Main, error) {
	// We parse templates from three distinct directories to separate layout, pages, and partial views
	tmpl, err := template.ParseFS(
		ensyswidget.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	replayer, err := sse.NewValidReplayer(replayTTL, true)
	if err != nil {
		return Main{}, fmt.Errorf("failed to create sse replayer: %w", err)
	}

	logger = logger.With(slog.String("module", "handlers"))

	m := Main{
		templates: tmpl,
		logger:    logger,
	}

	m.sseSrv = &sse.Server{
		Provider: &sse.Joe{Replayer: replayer},
		OnSession: func(w http.ResponseWriter, r *http.Request) ([]string, bool) {
			id, ok := m.sessionID(r)
			if !ok {
				http.Error(w, "Session not found", http.StatusNotFound)
				return nil, false
			}
			return []string{sse.DefaultTopic, sessionTopic(id)}, true
		},
		Logger: func(*http.Request) *slog.Logger {
			return logger.With(slog.String("component", "sse"))
		},
	}
	// m.publisher copies m, so sseSrv must be set before the sessions are created.
	m.sessions = widget.NewSessions(ctx, backend, m.publisher, opts, logger)

	return m, nil
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// HandleSSE streams the events of the caller's widget. Requests without a live session are refused with
// 404. The session is kept alive while the stream is open.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	release, ok := m.sessions.Attach(r.FormValue(sessionField))
	if !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	defer release()

	m.sseSrv.ServeHTTP(w, r)
}

// HandleHealth reports liveness.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, m.sessions.Len())
}

// Shutdown gracefully terminates the Main instance. It tells every connected page that the widget is
// going away, closes all widgets, cancelling their outstanding requests, and waits up to 5 seconds for
// SSE connections to terminate before they are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: closeWidgetSSEType}
	// Events without data are not dispatched by browsers
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	m.sessions.Close()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m Main) sessionID(r *http.Request) (string, bool) {
	id := r.FormValue(sessionField)
	if _, ok := m.sessions.Get(id); !ok {
		return "", false
	}
	return id, true
}

func (m Main) controller(r *http.Request) (*widget.Controller, bool) {
	return m.sessions.Get(r.FormValue(sessionField))
}

func (m Main) publisher(sessionID string) widget.Publisher {
	return ssePublisher{
		sseSrv:    m.sseSrv,
		templates: m.templates,
		topic:     sessionTopic(sessionID),
		logger:    m.logger.With(slog.String("session", sessionID)),
	}
}

func newMessage(msg models.Message) message {
	return message{
		ID:        msg.ID,
		Role:      string(msg.Role),
		Content:   models.RenderMessage(msg),
		Fallback:  msg.Fallback,
		Timestamp: msg.Timestamp,
	}
}

func newInputState(in models.InputState) inputState {
	return inputState{
		Enabled:  in.Enabled,
		Text:     in.CurrentText,
		HeightPx: in.HeightPx,
	}
}

// Publish renders the event and sends it to the session's topic. The SSE event type is the event kind.
func (p ssePublisher) Publish(event models.Event) {
	msg := &sse.Message{Type: sse.Type(string(event.Kind))}

	switch event.Kind {
	case models.EventMessage:
		var sb strings.Builder
		if err := p.templates.ExecuteTemplate(&sb, "chat_message", newMessage(event.Message)); err != nil {
			p.logger.Error("Failed to render message",
				slog.String("message", fmt.Sprintf("%+v", event.Message)),
				slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.AppendData(sb.String())
	case models.EventInput:
		data, err := json.Marshal(newInputState(event.Input))
		if err != nil {
			p.logger.Error("Failed to marshal input state", slog.String(errLoggerKey, err.Error()))
			return
		}
		msg.AppendData(string(data))
	case models.EventScroll:
		msg.AppendData("bottom")
	case models.EventNavigate:
		msg.AppendData(event.Location)
	default:
		p.logger.Error("Unknown event kind", slog.String("kind", string(event.Kind)))
		return
	}

	if err := p.sseSrv.Publish(msg, p.topic); err != nil {
		p.logger.Error("Failed to publish event",
			slog.String("kind", string(event.Kind)),
			slog.String(errLoggerKey, err.Error()))
	}
}
