package abr

// StallWatcher compares the playback position across consecutive ticks. A
// tick counts as stalled when the player reports a playing state but the
// position has not moved since the previous tick.
//
// The watcher must be primed by one observation before it can report a
// stall, and any non-playing tick (paused, ended, seeking) resets the
// priming so a pause never masquerades as a stall.
type StallWatcher struct {
	lastPos float64
	primed  bool
}

// Observe records the position for this tick and reports whether the
// playhead stalled since the last one.
func (s *StallWatcher) Observe(pos float64, playing bool) bool {
	if !playing {
		s.primed = false
		return false
	}

	stalled := s.primed && pos == s.lastPos
	s.lastPos = pos
	s.primed = true
	return stalled
}

// Reset clears the priming, e.g. right after the controller moves the
// playhead, so the jump itself is not read as progress or a fresh stall.
func (s *StallWatcher) Reset() {
	s.primed = false
}
