package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"vodgate/work/config"
	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// Media is the playback surface the manager reads and nudges. It is the
// progressive-file counterpart of the ABR controller's media element:
// BufferedAhead reports contiguous buffered seconds ahead of pos, Resume
// asks the player to attempt playback again after a data wait.
type Media interface {
	CurrentTime() float64
	Duration() float64
	BufferedAhead(pos float64) float64
	Resume()
}

// FetchFunc fetches one byte range of the media file and feeds it to the
// player's source buffer, returning the byte count delivered.
type FetchFunc func(ctx context.Context, start, end int64) (int64, error)

// chunkEntry is the cache metadata for one completed byte range.
type chunkEntry struct {
	key       string
	fetchedAt time.Time
	size      int64
}

// Manager is the chunk-range fetch scheduler for single-bitrate
// progressive playback, the fallback when no HLS rendition is available.
//
// It keeps two pieces of bookkeeping: a completed-range set with LRU
// eviction bounded by MaxCachedChunks, and an in-flight map guaranteeing
// at most one outstanding fetch per byte range. Fetch bodies run on a
// shared worker pool; completions check their cancellation before
// committing, so an aborted fetch that lands late never marks its range
// complete.
type Manager struct {
	cfg   config.PlaybackConfig
	media Media
	fetch FetchFunc
	pool  *ants.Pool

	mu        sync.Mutex
	completed map[string]chunkEntry
	lastErr   error

	inflight *xsync.MapOf[string, context.CancelFunc]
}

// NewFetchPool builds the worker pool fetch bodies and resume waiters run
// on, sized by the playback workerThreads setting.
func NewFetchPool(cfg config.PlaybackConfig) (*ants.Pool, error) {
	return ants.NewPool(cfg.WorkerThreads)
}

// NewManager creates a Manager scheduling fetches on pool.
func NewManager(cfg config.PlaybackConfig, media Media, fetch FetchFunc, pool *ants.Pool) *Manager {
	return &Manager{
		cfg:       cfg,
		media:     media,
		fetch:     fetch,
		pool:      pool,
		completed: make(map[string]chunkEntry),
		inflight:  xsync.NewMapOf[string, context.CancelFunc](),
	}
}

// HandleStall reacts to a wait-for-data report from the player. It maps
// the current playback time to its byte range, issues a primary fetch
// unless that range is already complete or in flight, then waits, bounded,
// for buffered data to appear before nudging the player.
func (m *Manager) HandleStall() {
	pos := m.media.CurrentTime()
	start := int64(pos * float64(m.cfg.BytesPerSecond))
	start -= start % m.cfg.ChunkSize
	end := start + m.cfg.ChunkSize - 1

	logger.Debug("{playback - HandleStall} Stall at %.2fs, chunk %d-%d", pos, start, end)
	m.FetchChunk(start, end, false)

	// the wait loop blocks, keep it off the caller's event loop
	if err := m.pool.Submit(func() { m.waitAndResume(pos) }); err != nil {
		logger.Error("{playback - HandleStall} Pool rejected resume waiter: %v", err)
		m.media.Resume()
	}
}

// waitAndResume polls for buffered data ahead of pos and resumes playback
// as soon as any appears. The loop is bounded: after the poll budget runs
// out it forces a resume attempt regardless, guaranteeing forward progress
// even under persistent partial failure.
func (m *Manager) waitAndResume(pos float64) {
	for i := 0; i < m.cfg.StallPollBudget; i++ {
		if m.media.BufferedAhead(pos) > 0 {
			m.media.Resume()
			return
		}
		time.Sleep(m.cfg.StallPoll)
	}

	logger.Warn("{playback - waitAndResume} Poll budget exhausted at %.2fs, forcing resume", pos)
	m.media.Resume()
}

// HandleProgressTick runs the preload policy while playing: when buffered
// runway is below the low watermark, more than the minimum content
// remains, and the in-flight cap has room, issue exactly one preload for
// the chunk past the buffered end. Never more than one fetch per tick.
func (m *Manager) HandleProgressTick() {
	pos := m.media.CurrentTime()
	ahead := m.media.BufferedAhead(pos)

	if ahead >= m.cfg.LowWatermarkSecs {
		return
	}
	remaining := m.media.Duration() - (pos + ahead)
	if remaining <= m.cfg.MinAheadSecs {
		return
	}
	if m.inflightCount() >= m.cfg.MaxInFlight {
		return
	}

	start := int64((pos + ahead) * float64(m.cfg.BytesPerSecond))
	start -= start % m.cfg.ChunkSize
	m.FetchChunk(start, start+m.cfg.ChunkSize-1, true)
}

// FetchChunk fetches [start,end] unless that range is already complete or
// in flight. Preload failures are logged and dropped; primary failures set
// the observable last error.
func (m *Manager) FetchChunk(start, end int64, isPreload bool) {
	key := rangeKey(start, end)

	if m.isCompleted(key) {
		return
	}

	timeout := m.cfg.PrimaryTimeout
	if isPreload {
		timeout = m.cfg.PreloadTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	if _, loaded := m.inflight.LoadOrStore(key, cancel); loaded {
		cancel()
		return
	}

	submit := func() {
		defer m.inflight.Delete(key)
		defer cancel()

		size, err := m.fetch(ctx, start, end)
		if err != nil {
			if isPreload {
				logger.Debug("{playback - FetchChunk} Preload %s failed: %v", key, err)
			} else {
				logger.Warn("{playback - FetchChunk} Primary fetch %s failed: %v", key, err)
				m.setLastErr(err)
			}
			return
		}
		if ctx.Err() != nil {
			// cancelled mid-flight, the result is no longer relevant
			return
		}
		m.markCompleted(key, size)
	}

	if err := m.pool.Submit(submit); err != nil {
		m.inflight.Delete(key)
		cancel()
		logger.Error("{playback - FetchChunk} Pool rejected fetch %s: %v", key, err)
		if !isPreload {
			m.setLastErr(err)
		}
	}
}

// CancelAll aborts every in-flight fetch. Called when the session ends or
// the player navigates away.
func (m *Manager) CancelAll() {
	m.inflight.Range(func(key string, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
}

// markCompleted records the range as complete and evicts the oldest entry
// once the cap is exceeded. Eviction makes that range re-fetchable, which
// is the point: bounded memory beats perfect dedup on long sessions.
func (m *Manager) markCompleted(key string, size int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.completed[key] = chunkEntry{key: key, fetchedAt: time.Now(), size: size}

	for len(m.completed) > m.cfg.MaxCachedChunks {
		oldest := ""
		var oldestAt time.Time
		for k, e := range m.completed {
			if oldest == "" || e.fetchedAt.Before(oldestAt) {
				oldest = k
				oldestAt = e.fetchedAt
			}
		}
		delete(m.completed, oldest)
		metrics.ChunkEvictions.Inc()
		logger.Debug("{playback - markCompleted} Evicted chunk %s", oldest)
	}
}

func (m *Manager) isCompleted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.completed[key]
	return ok
}

func (m *Manager) setLastErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// LastError reports the most recent primary fetch failure, nil when the
// session is healthy.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// CompletedCount reports the completed-range set size.
func (m *Manager) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed)
}

func (m *Manager) inflightCount() int {
	n := 0
	m.inflight.Range(func(string, context.CancelFunc) bool {
		n++
		return true
	})
	return n
}

func rangeKey(start, end int64) string {
	return fmt.Sprintf("%d-%d", start, end)
}
