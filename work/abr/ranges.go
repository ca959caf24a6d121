package abr

import "fmt"

// Range is a playback time interval in seconds known to be unplayable.
type Range struct {
	Start float64
	End   float64
}

func (r Range) String() string {
	return fmt.Sprintf("[%.2f-%.2f]", r.Start, r.End)
}

// FailedRanges is the per-session blacklist of unplayable time ranges,
// keyed by the failing segment's stable identifier. Inserts are idempotent
// per identifier and entries are never removed within a session. All access
// happens on the controller's event loop, so there is no locking here.
type FailedRanges struct {
	bySegment map[string]Range
}

// NewFailedRanges creates an empty blacklist.
func NewFailedRanges() *FailedRanges {
	return &FailedRanges{bySegment: make(map[string]Range)}
}

// MarkFailed records the range for segmentID. Returns false when the
// segment was already blacklisted, leaving the existing entry untouched.
func (f *FailedRanges) MarkFailed(segmentID string, start, end float64) bool {
	if _, exists := f.bySegment[segmentID]; exists {
		return false
	}
	f.bySegment[segmentID] = Range{Start: start, End: end}
	return true
}

// Match returns the blacklisted range covering t, treating any t within
// [start-tolerance, end] as a match. The tolerance catches a playhead that
// stalled on approach to a bad range, not just inside it.
func (f *FailedRanges) Match(t, tolerance float64) (Range, bool) {
	for _, r := range f.bySegment {
		if t >= r.Start-tolerance && t <= r.End {
			return r, true
		}
	}
	return Range{}, false
}

// Len reports the number of blacklisted segments.
func (f *FailedRanges) Len() int {
	return len(f.bySegment)
}
