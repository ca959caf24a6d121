package abr

// MediaElement is the slice of the host player the controller reads and
// steers. Playing must be false while paused, ended or seeking.
type MediaElement interface {
	CurrentTime() float64
	Seek(t float64)
	Playing() bool
}

// SegmentLoader is the suspend/resume control over the platform's
// segment-load machinery. Suspend stops new segment requests from being
// issued; already in-flight requests are the loader's own business.
type SegmentLoader interface {
	Suspend()
	Resume()
}

// LevelSwitcher steps playback down one quality level. Optional; a nil
// switcher disables downswitching.
type LevelSwitcher interface {
	StepDown() bool
}

// ErrorClass is the controller's view of a segment-load error.
type ErrorClass int

const (
	// ClassTransient errors are left to the player's own retry machinery.
	ClassTransient ErrorClass = iota
	// ClassPermanent errors blacklist the segment's time range.
	ClassPermanent
	// ClassGeneric errors are fatal errors not tied to a specific segment
	// and count against the session's recovery budget.
	ClassGeneric
)

// ClassifyFunc decides the class of a segment-load error. Injected so the
// controller owns the reaction while the host player owns the taxonomy.
type ClassifyFunc func(err error) ErrorClass

// EventKind enumerates the observable controller decisions.
type EventKind int

const (
	EventStall EventKind = iota
	EventSkip
	EventSuspend
	EventResume
	EventLevelDown
	EventFatal
)

// Event reports one controller decision to the host. Position is the
// playhead at decision time; SkipTo is set for EventSkip; Err for
// EventFatal.
type Event struct {
	Kind     EventKind
	Position float64
	SkipTo   float64
	Err      error
}
