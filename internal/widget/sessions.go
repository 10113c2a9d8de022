package widget

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSessionTTL is used when Options.SessionTTL is zero.
const DefaultSessionTTL = 2 * time.Minute

// PublisherFactory returns the Publisher for the widget of the given session.
type PublisherFactory func(sessionID string) Publisher

type session struct {
	controller *Controller
	lastSeen   time.Time
	streams    int
}

// Sessions keeps one Controller per loaded widget page. A controller that closes itself, for example
// after the chat was ended, is removed from the registry. A session with no attached event stream that
// has not been used for the session TTL is closed and removed.
type Sessions struct {
	ctx        context.Context
	cancel     context.CancelFunc
	backend    Backend
	publishers PublisherFactory
	opts       Options

	mu       sync.Mutex
	sessions map[string]*session

	now    func() time.Time
	logger *slog.Logger
}

// NewSessions creates an empty registry. Controllers it creates share backend and opts, and run their
// backend calls under ctx. Idle sessions are evicted in the background until ctx is done or Close is
// called.
func NewSessions(
	ctx context.Context,
	backend Backend,
	publishers PublisherFactory,
	opts Options,
	logger *slog.Logger,
) *Sessions {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}

	ctx, cancel := context.WithCancel(ctx)

	s := &Sessions{
		ctx:        ctx,
		cancel:     cancel,
		backend:    backend,
		publishers: publishers,
		opts:       opts,
		sessions:   make(map[string]*session),
		now:        time.Now,
		logger:     logger,
	}

	go func() {
		ticker := time.NewTicker(opts.SessionTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Evict(); n > 0 {
					s.logger.Debug("Evicted idle sessions", slog.Int("count", n))
				}
			}
		}
	}()

	return s
}

// Create starts a new session and returns its id and controller.
func (s *Sessions) Create() (string, *Controller) {
	id := uuid.New().String()
	opts := s.opts
	opts.OnClose = func() { s.Remove(id) }

	c := NewController(s.ctx, s.backend, s.publishers(id), opts, s.logger.With(slog.String("session", id)))

	s.mu.Lock()
	s.sessions[id] = &session{controller: c, lastSeen: s.now()}
	s.mu.Unlock()

	s.logger.Debug("Session created", slog.String("session", id))
	return id, c
}

// Get returns the controller of a session and marks the session as used.
func (s *Sessions) Get(id string) (*Controller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.lastSeen = s.now()
	return sess.controller, true
}

// Attach marks an event stream of the session as open. The session is not evicted while it has open
// streams; release must be called when the stream ends, and the idle time counts from then.
func (s *Sessions) Attach(id string) (release func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	sess.streams++

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()

			sess.streams--
			sess.lastSeen = s.now()
		})
	}, true
}

// Evict closes and removes every session without open streams that has been idle for longer than the
// session TTL. It returns the number of evicted sessions.
func (s *Sessions) Evict() int {
	s.mu.Lock()
	now := s.now()
	var idle []*Controller
	for id, sess := range s.sessions {
		if sess.streams > 0 || now.Sub(sess.lastSeen) <= s.opts.SessionTTL {
			continue
		}
		idle = append(idle, sess.controller)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

// Remove forgets a session without closing its controller.
func (s *Sessions) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return
	}
	delete(s.sessions, id)
	s.logger.Debug("Session removed", slog.String("session", id))
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.sessions)
}

// Close stops the eviction, closes every controller and empties the registry.
func (s *Sessions) Close() {
	s.cancel()

	s.mu.Lock()
	controllers := make([]*Controller, 0, len(s.sessions))
	for _, sess := range s.sessions {
		controllers = append(controllers, sess.controller)
	}
	s.mu.Unlock()

	// Controllers remove themselves through OnClose, so the lock must not be held here.
	for _, c := range controllers {
		c.Close()
	}
}
