package widget

import "time"

// SetClock replaces the clock Sessions uses for idle tracking.
func SetClock(s *Sessions, now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}
