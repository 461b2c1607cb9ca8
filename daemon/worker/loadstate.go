package worker

import (
	"sync"
	"time"
)

// LoadState remembers the last successful model-load request body for one
// worker so a restart can replay it. Captured on a 200 from the load route,
// cleared on explicit unload or when safe mode trips.
type LoadState struct {
	mu    sync.Mutex
	body  []byte
	setAt time.Time
}

// Capture stores a copy of the load body.
func (s *LoadState) Capture(body []byte) {
	s.mu.Lock()
	s.body = append([]byte(nil), body...)
	s.setAt = time.Now()
	s.mu.Unlock()
}

// Clear forgets any captured state.
func (s *LoadState) Clear() {
	s.mu.Lock()
	s.body = nil
	s.setAt = time.Time{}
	s.mu.Unlock()
}

// Peek returns a copy of the captured body and when it was set. ok is false
// when nothing is captured.
func (s *LoadState) Peek() (body []byte, setAt time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.body == nil {
		return nil, time.Time{}, false
	}
	return append([]byte(nil), s.body...), s.setAt, true
}
