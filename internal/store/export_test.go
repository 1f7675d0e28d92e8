package store

import "time"

// SetNow replaces the clock stamping created_at.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}
