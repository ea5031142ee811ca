package state

import "time"

// SetClock overrides the store clock for tests.
func SetClock(s *Store, now func() time.Time) {
	s.now = now
}
