package abr

import (
	"sync/atomic"
	"time"

	"vodgate/work/config"
	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// Controller is the playback-side recovery loop. It polls the playhead at
// a fixed cadence, detects stalls, and steers playback past blacklisted
// time ranges so one bad segment does not freeze the session.
//
// Everything runs on a single event loop goroutine: ticks, segment-error
// reports and fatal-error reports are all serialized through one channel
// select, so handlers never race and no state here needs locking. The
// exported mutating methods post onto that loop and return immediately.
//
// The skip policy is deliberately narrow: a stall with no matching failed
// range is left to the player's own recovery. The controller only moves
// the playhead when a specific blacklisted segment is the known cause.
type Controller struct {
	media    MediaElement
	loader   SegmentLoader
	switcher LevelSwitcher
	classify ClassifyFunc
	onEvent  func(Event)
	cfg      config.ABRConfig

	ranges  *FailedRanges
	watcher *StallWatcher

	suspended      bool
	suspendedRange Range
	fatalCount     int
	gaveUp         bool

	ops      chan func()
	stopChan chan struct{}
	running  atomic.Bool
}

// New creates a Controller. switcher may be nil to disable quality
// downswitching; onEvent may be nil.
func New(media MediaElement, loader SegmentLoader, switcher LevelSwitcher,
	classify ClassifyFunc, cfg config.ABRConfig, onEvent func(Event)) *Controller {
	return &Controller{
		media:    media,
		loader:   loader,
		switcher: switcher,
		classify: classify,
		onEvent:  onEvent,
		cfg:      cfg,
		ranges:   NewFailedRanges(),
		watcher:  &StallWatcher{},
		ops:      make(chan func(), 16),
		stopChan: make(chan struct{}),
	}
}

// Start launches the event loop. Idempotent.
func (c *Controller) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	go func() {
		ticker := time.NewTicker(c.cfg.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopChan:
				return
			case op := <-c.ops:
				op()
			case <-ticker.C:
				c.tick()
			}
		}
	}()
}

// Stop terminates the event loop. Idempotent.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	close(c.stopChan)
}

// ReportSegmentError feeds a segment-load error into the loop. start and
// end delimit the segment's playback time range; err is run through the
// classification policy on the loop.
func (c *Controller) ReportSegmentError(segmentID string, start, end float64, err error) {
	c.post(func() { c.handleSegmentError(segmentID, start, end, err) })
}

// ReportFatalError feeds a fatal error not tied to any segment into the
// loop.
func (c *Controller) ReportFatalError(err error) {
	c.post(func() { c.handleGenericFatal(err) })
}

func (c *Controller) post(op func()) {
	select {
	case c.ops <- op:
	case <-c.stopChan:
	}
}

// tick runs one watch cycle: read the playhead, detect a stall, and either
// skip past a known-bad range or stand back.
func (c *Controller) tick() {
	if c.gaveUp {
		return
	}

	pos := c.media.CurrentTime()
	stalled := c.watcher.Observe(pos, c.media.Playing())

	if stalled {
		metrics.StallsDetected.Inc()
		c.emit(Event{Kind: EventStall, Position: pos})

		if rng, ok := c.ranges.Match(pos, c.cfg.ApproachTolerance); ok {
			target := rng.End + c.cfg.SkipOffset
			logger.Info("{abr - tick} Skipping blacklisted range %s, playhead %.2f -> %.2f", rng, pos, target)
			c.media.Seek(target)
			c.watcher.Reset()
			metrics.RangeSkips.Inc()
			c.emit(Event{Kind: EventSkip, Position: pos, SkipTo: target})
			c.resumeLoader(target)
		} else {
			logger.Debug("{abr - tick} Stall at %.2f with no blacklisted range, leaving recovery to the player", pos)
		}
	}

	// distance-based resume: once the playhead is close enough to the
	// suspending range's end, new segment loads are safe again
	if c.suspended && c.suspendedRange.End-pos <= c.cfg.ResumeDistance {
		c.resumeLoader(pos)
	}
}

// handleSegmentError classifies err and reacts: permanent failures
// blacklist the segment's range and suspend loading, transient ones step
// the quality down when possible, generic ones count against the budget.
func (c *Controller) handleSegmentError(segmentID string, start, end float64, err error) {
	if c.gaveUp {
		return
	}

	switch c.classify(err) {
	case ClassPermanent:
		if !c.ranges.MarkFailed(segmentID, start, end) {
			return
		}
		logger.Warn("{abr - handleSegmentError} Blacklisted %s [%.2f-%.2f]: %v", segmentID, start, end, err)
		c.suspendLoader(Range{Start: start, End: end})

	case ClassTransient:
		if c.switcher != nil && c.switcher.StepDown() {
			logger.Info("{abr - handleSegmentError} Transient failure on %s, stepping quality down", segmentID)
			c.emit(Event{Kind: EventLevelDown, Position: c.media.CurrentTime()})
		}

	case ClassGeneric:
		c.handleGenericFatal(err)
	}
}

// handleGenericFatal spends one unit of the recovery budget. Exhausting it
// ends recovery for the session; the host is told to fall back, typically
// to progressive playback.
func (c *Controller) handleGenericFatal(err error) {
	if c.gaveUp {
		return
	}

	c.fatalCount++
	if c.fatalCount <= c.cfg.GenericFatalBudget {
		logger.Warn("{abr - handleGenericFatal} Fatal error %d/%d, attempting recovery: %v",
			c.fatalCount, c.cfg.GenericFatalBudget, err)
		return
	}

	c.gaveUp = true
	logger.Error("{abr - handleGenericFatal} Recovery budget exhausted: %v", err)
	c.emit(Event{Kind: EventFatal, Position: c.media.CurrentTime(), Err: err})
}

func (c *Controller) suspendLoader(rng Range) {
	if c.suspended {
		// keep the farthest end so resume distance is measured against
		// the last range we still have to clear
		if rng.End > c.suspendedRange.End {
			c.suspendedRange = rng
		}
		return
	}
	c.suspended = true
	c.suspendedRange = rng
	c.loader.Suspend()
	c.emit(Event{Kind: EventSuspend, Position: c.media.CurrentTime()})
}

func (c *Controller) resumeLoader(pos float64) {
	if !c.suspended {
		return
	}
	c.suspended = false
	c.loader.Resume()
	c.emit(Event{Kind: EventResume, Position: pos})
}

func (c *Controller) emit(ev Event) {
	if c.onEvent != nil {
		c.onEvent(ev)
	}
}

// FailedSegments reports the blacklist size.
func (c *Controller) FailedSegments() int {
	return c.ranges.Len()
}
