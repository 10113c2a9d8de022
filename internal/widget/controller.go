package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ensys/ensys-widget/internal/models"
	"github.com/google/uuid"
)

// Backend represents the chatbot the widget talks to. Chat sends one prompt and returns the raw reply;
// any error is treated as a transport failure.
type Backend interface {
	Chat(ctx context.Context, prompt models.Prompt) (string, error)
}

// Publisher receives every state change of a Controller, in order. Publish is called with the
// controller's lock held, so it must not block and must not call back into the controller.
type Publisher interface {
	Publish(event models.Event)
}

// Options tunes a Controller. Zero values fall back to the defaults below.
type Options struct {
	// RequestTimeout bounds every backend call.
	RequestTimeout time.Duration
	// RateLocation is where the page navigates after the backend acknowledges END CHAT.
	RateLocation string
	// OnClose is called once, without the controller's lock held, after the controller is closed.
	OnClose func()
	// SessionTTL is how long Sessions keeps an unused session without an open event stream.
	SessionTTL time.Duration
}

const (
	// DefaultRequestTimeout is used when Options.RequestTimeout is zero.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultRateLocation is used when Options.RateLocation is empty.
	DefaultRateLocation = "/rate"

	// EnterKeyCode is the key code that sends the message.
	EnterKeyCode = 13
	// MaxInputHeight caps the auto-grown height of the message field.
	MaxInputHeight = 100

	menuTrigger   = "menu"
	menuPrompt    = "MENU"
	endChatPrompt = "END CHAT"

	errLoggerKey = "err"
)

var (
	// ErrEmptyMessage is returned when the message is empty after trimming. Nothing is changed.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrRequestInFlight is returned when a send is attempted while the previous one is unresolved.
	ErrRequestInFlight = errors.New("a request is already in flight")
	// ErrClosed is returned by every operation after the controller is closed.
	ErrClosed = errors.New("widget is closed")
)

// State is a copy of a Controller's state.
type State struct {
	Messages []models.Message
	Input    models.InputState
	Closed   bool
}

// Controller is the chat widget of one browser session. It owns the message list and the input state,
// and allows at most one user-initiated request at a time: the input is disabled while that request is
// pending and re-enabled however it resolves.
type Controller struct {
	backend   Backend
	publisher Publisher
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	messages []models.Message
	input    models.InputState
	pending  *Task
	tasks    map[*Task]struct{}
	closed   bool

	now    func() time.Time
	logger *slog.Logger
}

// NewController creates a Controller with an empty message list and an enabled input. Backend calls
// run under ctx; cancelling it has the same effect as Close on outstanding requests.
func NewController(
	ctx context.Context,
	backend Backend,
	publisher Publisher,
	opts Options,
	logger *slog.Logger,
) *Controller {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.RateLocation == "" {
		opts.RateLocation = DefaultRateLocation
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Controller{
		backend:   backend,
		publisher: publisher,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		input:     models.InputState{Enabled: true},
		tasks:     make(map[*Task]struct{}),
		now:       time.Now,
		logger:    logger.With(slog.String("module", "widget")),
	}
}

// SendMessage sends the trimmed text together with the sentiment field. It disables the input, appends
// the user's message, clears and shrinks the field and scrolls, then calls the backend in the
// background. The reply, or the fallback message on failure, is appended when the returned task
// resolves, and the input is enabled again.
func (c *Controller) SendMessage(text, sentiment string) (*Task, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.pending != nil {
		return nil, ErrRequestInFlight
	}

	c.input.Enabled = false
	c.appendLocked(models.Message{Role: models.RoleUser, Text: text})
	c.input.CurrentText = ""
	c.input.HeightPx = 0
	c.publishInputLocked()
	c.publisher.Publish(models.Event{Kind: models.EventScroll})

	prompt := models.Prompt{Text: text, Sentiment: &sentiment}
	c.pending = c.launchLocked(prompt, func(reply string, err error) bool {
		if err != nil {
			c.logger.Warn("Failed to send message",
				slog.String("prompt", text),
				slog.String(errLoggerKey, err.Error()))
			c.appendLocked(models.Message{Role: models.RoleBot, Text: models.FallbackText, Fallback: true})
		} else {
			c.appendLocked(models.Message{Role: models.RoleBot, Text: reply})
		}
		c.publisher.Publish(models.Event{Kind: models.EventScroll})

		c.pending = nil
		c.input.Enabled = true
		c.publishInputLocked()
		return false
	})

	return c.pending, nil
}

// KeyPress handles a key press in the chat input. Enter sends the message; every other key is ignored
// and yields a nil task.
func (c *Controller) KeyPress(keyCode int, text, sentiment string) (*Task, error) {
	if keyCode != EnterKeyCode {
		return nil, nil
	}
	return c.SendMessage(text, sentiment)
}

// InputChanged records the new value of the message field. When the value is "menu", ignoring case and
// surrounding whitespace, the field is cleared and the menu is requested; the reply is appended when the
// returned task resolves. Clearing the field also resets its height. The menu request neither disables
// the input nor takes the pending slot, and a failed menu request appends nothing.
func (c *Controller) InputChanged(value string) (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	c.input.CurrentText = value
	if strings.ToLower(strings.TrimSpace(value)) != menuTrigger {
		return nil, nil
	}

	task := c.launchLocked(models.Prompt{Text: menuPrompt}, func(reply string, err error) bool {
		if err != nil {
			c.logger.Warn("Failed to request menu", slog.String(errLoggerKey, err.Error()))
			return false
		}
		c.appendLocked(models.Message{Role: models.RoleBot, Text: reply})
		c.publisher.Publish(models.Event{Kind: models.EventScroll})
		return false
	})

	c.input.CurrentText = ""
	c.input.HeightPx = 0
	c.publishInputLocked()

	return task, nil
}

// EndChat asks the backend to end the conversation. If the reply is exactly "END CHAT" the page is sent
// to the rate location and the controller closes itself; any other reply, or a failure, changes nothing.
func (c *Controller) EndChat() (*Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	task := c.launchLocked(models.Prompt{Text: endChatPrompt}, func(reply string, err error) bool {
		if err != nil {
			c.logger.Warn("Failed to end chat", slog.String(errLoggerKey, err.Error()))
			return false
		}
		if reply != endChatPrompt {
			c.logger.Debug("End chat not acknowledged", slog.String("reply", reply))
			return false
		}
		c.publisher.Publish(models.Event{Kind: models.EventNavigate, Location: c.opts.RateLocation})
		return c.closeLocked()
	})

	return task, nil
}

// AdjustHeight sets the field height from its content's scroll height, capped at MaxInputHeight, and
// returns the applied height.
func (c *Controller) AdjustHeight(scrollHeight int) int {
	h := max(0, min(scrollHeight, MaxInputHeight))

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.input.HeightPx != h {
		c.input.HeightPx = h
		c.publishInputLocked()
	}
	return h
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		Messages: slices.Clone(c.messages),
		Input:    c.input,
		Closed:   c.closed,
	}
}

// Close cancels every outstanding backend call and rejects further operations. Cancelled sends still
// resolve through the failure path, so the input ends up enabled.
func (c *Controller) Close() {
	c.mu.Lock()
	closed := c.closeLocked()
	c.mu.Unlock()

	if closed {
		c.notifyClosed()
	}
}

func (c *Controller) closeLocked() bool {
	if c.closed {
		return false
	}
	c.closed = true
	for t := range c.tasks {
		t.Cancel()
	}
	c.cancel()
	return true
}

func (c *Controller) notifyClosed() {
	if c.opts.OnClose != nil {
		c.opts.OnClose()
	}
}

// launchLocked starts a backend call. resolve runs with the lock held once the call returns, before the
// task is marked done, and reports whether it closed the controller.
func (c *Controller) launchLocked(prompt models.Prompt, resolve func(reply string, err error) bool) *Task {
	task, ctx := newTask(c.ctx, c.opts.RequestTimeout)
	c.tasks[task] = struct{}{}

	go func() {
		var (
			reply string
			err   error
		)
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backend panicked: %v", r)
			}

			c.mu.Lock()
			delete(c.tasks, task)
			closed := resolve(reply, err)
			c.mu.Unlock()

			if closed {
				c.notifyClosed()
			}
			task.finish(err)
		}()

		reply, err = c.backend.Chat(ctx, prompt)
	}()

	return task
}

func (c *Controller) appendLocked(m models.Message) {
	m.ID = uuid.New().String()
	m.Timestamp = c.now()
	c.messages = append(c.messages, m)
	c.publisher.Publish(models.Event{Kind: models.EventMessage, Message: m})
}

func (c *Controller) publishInputLocked() {
	c.publisher.Publish(models.Event{Kind: models.EventInput, Input: c.input})
}
