package session

import (
	"sync"
	"time"
)

// timerDeadline returns the absolute fire time for a duration measured from now.
func timerDeadline(d time.Duration) time.Time {
	return time.Now().UTC().Add(d)
}

// parseRFC3339 parses a worker-reported access end date. Workers report
// dates, not arbitrary layouts, so RFC3339 is the one format accepted.
func parseRFC3339(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// syncMapString is a small concurrency-safe string map used for the
// in-memory "which credential name is this reply answering" state that
// session.py keeps as a plain instance attribute (spec §4.1: this bookkeeping
// is process memory, not part of the persisted session row).
type syncMapString struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *syncMapString) store(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
}

func (s *syncMapString) loadAndDelete(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.m[key]
	delete(s.m, key)
	return v
}
