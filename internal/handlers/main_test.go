package handlers_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ensys/ensys-widget/internal/handlers"
	"github.com/ensys/ensys-widget/internal/models"
	"github.com/ensys/ensys-widget/internal/widget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockBackend struct {
	mu      sync.Mutex
	prompts []models.Prompt

	reply string
	block chan struct{}
}

func (b *mockBackend) Chat(ctx context.Context, p models.Prompt) (string, error) {
	b.mu.Lock()
	b.prompts = append(b.prompts, p)
	b.mu.Unlock()

	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.reply, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, backend widget.Backend) handlers.Main {
	t.Helper()

	main, err := handlers.NewMain(context.Background(), backend, widget.Options{}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = main.Shutdown(context.Background()) })
	return main
}

func newMux(main handlers.Main) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", main.HandleHome)
	mux.HandleFunc("/sse", main.HandleSSE)
	mux.HandleFunc("/health", main.HandleHealth)
	mux.HandleFunc("/widget/send", main.HandleSend)
	mux.HandleFunc("/widget/keypress", main.HandleKeyPress)
	mux.HandleFunc("/widget/input", main.HandleInput)
	mux.HandleFunc("/widget/end", main.HandleEndChat)
	return mux
}

// startSession loads the widget page and returns the session id embedded in it.
func startSession(t *testing.T, main handlers.Main) string {
	t.Helper()

	w := httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	match := sessionFieldPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, match, 2, "page has no session field")
	return match[1]
}

var sessionFieldPattern = regexp.MustCompile(`name="session" value="([^"]+)"`)

func postForm(target string, form url.Values, session string) *http.Request {
	if form == nil {
		form = url.Values{}
	}
	if session != "" {
		form.Set("session", session)
	}
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestNewMain(t *testing.T) {
	main, err := handlers.NewMain(context.Background(), &mockBackend{}, widget.Options{}, discardLogger())
	require.NoError(t, err)

	assert.NoError(t, main.Shutdown(context.Background()))
}

func TestHandleHome(t *testing.T) {
	main := newMain(t, &mockBackend{reply: "Welcome"})

	tests := []struct {
		name     string
		url      string
		wantBody []string
	}{
		{
			name:     "Widget page",
			url:      "/",
			wantBody: []string{`class="chat-messages"`, `name="message"`, `name="session"`},
		},
		{
			name:     "Sentiment prefill",
			url:      "/?sentiment=happy",
			wantBody: []string{`name="sentiment" value="happy"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()

			main.HandleHome(w, httptest.NewRequest(http.MethodGet, tt.url, nil))

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Empty(t, w.Result().Cookies())
			for _, want := range tt.wantBody {
				assert.Contains(t, w.Body.String(), want)
			}
		})
	}
}

func TestHandleHomeStartsFreshSession(t *testing.T) {
	main := newMain(t, &mockBackend{reply: "Welcome"})
	first := startSession(t, main)

	w := httptest.NewRecorder()
	main.HandleSend(w, postForm("/widget/send", url.Values{"message": {"Hello there"}}, first))
	require.Equal(t, http.StatusNoContent, w.Code)

	// A reload is a new widget: the earlier conversation is not shown.
	w = httptest.NewRecorder()
	main.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	match := sessionFieldPattern.FindStringSubmatch(w.Body.String())
	require.Len(t, match, 2)
	assert.NotEqual(t, first, match[1])
	assert.NotContains(t, w.Body.String(), "Hello there")
}

func TestWidgetHandlers(t *testing.T) {
	main := newMain(t, &mockBackend{reply: "ok"})
	session := startSession(t, main)

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		method     string
		form       url.Values
		noSession  bool
		wantStatus int
	}{
		{
			name:       "Invalid method",
			handler:    main.HandleSend,
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "Missing session",
			handler:    main.HandleSend,
			method:     http.MethodPost,
			form:       url.Values{"message": {"hi"}},
			noSession:  true,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "Empty message",
			handler:    main.HandleSend,
			method:     http.MethodPost,
			form:       url.Values{"message": {""}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Invalid key code",
			handler:    main.HandleKeyPress,
			method:     http.MethodPost,
			form:       url.Values{"key": {"enter"}, "message": {"hi"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Other key",
			handler:    main.HandleKeyPress,
			method:     http.MethodPost,
			form:       url.Values{"key": {"65"}, "message": {"hi"}},
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "Invalid scroll height",
			handler:    main.HandleInput,
			method:     http.MethodPost,
			form:       url.Values{"message": {"hi"}, "scroll_height": {"tall"}},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Input change",
			handler:    main.HandleInput,
			method:     http.MethodPost,
			form:       url.Values{"message": {"hi"}, "scroll_height": {"40"}},
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := session
			if tt.noSession {
				id = ""
			}
			req := postForm("/widget", tt.form, id)
			req.Method = tt.method
			w := httptest.NewRecorder()

			tt.handler(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestWidgetRequestInFlight(t *testing.T) {
	backend := &mockBackend{reply: "done", block: make(chan struct{})}
	main := newMain(t, backend)
	session := startSession(t, main)

	w := httptest.NewRecorder()
	main.HandleKeyPress(w, postForm("/widget/keypress", url.Values{
		"key":       {strconv.Itoa(widget.EnterKeyCode)},
		"message":   {"first"},
		"sentiment": {"neutral"},
	}, session))
	require.Equal(t, http.StatusNoContent, w.Code)

	w = httptest.NewRecorder()
	main.HandleSend(w, postForm("/widget/send", url.Values{"message": {"second"}}, session))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(backend.block)

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		main.HandleSend(w, postForm("/widget/send", url.Values{"message": {"third"}}, session))
		return w.Code == http.StatusNoContent
	}, 2*time.Second, 10*time.Millisecond)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.NotEmpty(t, backend.prompts)
	assert.Equal(t, "first", backend.prompts[0].Text)
	require.NotNil(t, backend.prompts[0].Sentiment)
	assert.Equal(t, "neutral", *backend.prompts[0].Sentiment)
}

func TestHandleEndChat(t *testing.T) {
	main := newMain(t, &mockBackend{reply: "END CHAT"})
	session := startSession(t, main)

	w := httptest.NewRecorder()
	main.HandleEndChat(w, postForm("/widget/end", nil, session))
	require.Equal(t, http.StatusNoContent, w.Code)

	// The session is dropped once the backend confirms the end of the chat.
	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		main.HandleSend(w, postForm("/widget/send", url.Values{"message": {"hi"}}, session))
		return w.Code == http.StatusNotFound
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleSSEWithoutSession(t *testing.T) {
	main := newMain(t, &mockBackend{})

	tests := []struct {
		name string
		url  string
	}{
		{name: "No session", url: "/sse"},
		{name: "Unknown session", url: "/sse?session=stale"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			main.HandleSSE(w, req)

			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	main := newMain(t, &mockBackend{})
	startSession(t, main)

	w := httptest.NewRecorder()
	main.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Sessions)
}

func TestWidgetEventStream(t *testing.T) {
	main := newMain(t, &mockBackend{reply: "Mains:\n1. Soup <hot>"})
	srv := httptest.NewServer(newMux(main))
	defer srv.Close()

	client := srv.Client()

	resp, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	page, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)

	match := sessionFieldPattern.FindSubmatch(page)
	require.Len(t, match, 2)
	session := string(match[1])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse?session="+url.QueryEscape(session), nil)
	require.NoError(t, err)

	events := make(chan sse.Event, 128)
	conn := (&sse.Client{HTTPClient: client}).NewConnection(req)
	conn.SubscribeToAll(func(e sse.Event) {
		select {
		case events <- e:
		default:
		}
	})
	go func() { _ = conn.Connect() }()

	post := func(path string, form url.Values) {
		form.Set("session", session)
		if resp, err := client.PostForm(srv.URL+path, form); err == nil {
			_ = resp.Body.Close()
		}
	}

	// Every height change publishes an input event; keep nudging until the stream delivers one.
	height := 0
	require.Eventually(t, func() bool {
		height = height%90 + 1
		post("/widget/input", url.Values{"message": {"x"}, "scroll_height": {strconv.Itoa(height)}})
		select {
		case e := <-events:
			return e.Type == "input"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	post("/widget/send", url.Values{"message": {"hello"}, "sentiment": {"happy"}})

	var user, bot string
	timeout := time.After(3 * time.Second)
	for bot == "" {
		select {
		case e := <-events:
			if e.Type != "message" {
				continue
			}
			if strings.Contains(e.Data, "user-message") {
				user = e.Data
			} else {
				bot = e.Data
			}
		case <-timeout:
			t.Fatal("bot reply was not streamed")
		}
	}

	assert.Contains(t, user, "hello")
	assert.Contains(t, bot, "<strong>Mains:</strong><br>")
	assert.Contains(t, bot, "1. Soup &lt;hot&gt;<br>")
}
