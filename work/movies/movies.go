package movies

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"vodgate/work/logger"
)

// Errors returned by catalog lookups.
var (
	// ErrUnknownMovie means no catalog row exists for the id.
	ErrUnknownMovie = errors.New("unknown movie")

	// ErrNotReady means the movie exists but its HLS rendition has not
	// finished converting.
	ErrNotReady = errors.New("movie not ready")
)

// Movie is one catalog entry. VideoPath is the storage key of the original
// upload; HLSPath is the storage prefix of the converted rendition
// ("hls/<id>"). HLSReady flips to true when the conversion webhook fires.
type Movie struct {
	ID        string
	Title     string
	VideoPath string
	HLSPath   string
	HLSReady  bool
	CreatedAt time.Time
}

// Catalog is the SQLite-backed movie catalog.
type Catalog struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS movies (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	video_path TEXT NOT NULL,
	hls_path   TEXT NOT NULL DEFAULT '',
	hls_ready  INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_movies_ready ON movies(hls_ready);
`

// Open opens (creating if needed) the catalog database at path.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}

	logger.Info("{movies - Open} Catalog opened at %s", path)
	return &Catalog{db: db}, nil
}

// Close closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Add inserts or replaces a catalog entry.
func (c *Catalog) Add(m *Movie) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := c.db.Exec(
		`INSERT OR REPLACE INTO movies (id, title, video_path, hls_path, hls_ready, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Title, m.VideoPath, m.HLSPath, boolToInt(m.HLSReady), m.CreatedAt.Unix(),
	)
	return err
}

// Get returns the catalog entry for id, or ErrUnknownMovie.
func (c *Catalog) Get(id string) (*Movie, error) {
	var m Movie
	var ready int
	var created int64
	err := c.db.QueryRow(
		`SELECT id, title, video_path, hls_path, hls_ready, created_at FROM movies WHERE id = ?`, id,
	).Scan(&m.ID, &m.Title, &m.VideoPath, &m.HLSPath, &ready, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnknownMovie
	}
	if err != nil {
		return nil, err
	}
	m.HLSReady = ready != 0
	m.CreatedAt = time.Unix(created, 0)
	return &m, nil
}

// GetReady returns the catalog entry for id only if its HLS rendition is
// ready to serve. An existing but unconverted movie yields ErrNotReady.
func (c *Catalog) GetReady(id string) (*Movie, error) {
	m, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if !m.HLSReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}
	return m, nil
}

// MarkConverted records that conversion finished for id and stores the HLS
// storage prefix. Called by the conversion webhook.
func (c *Catalog) MarkConverted(id, hlsPath string) error {
	res, err := c.db.Exec(
		`UPDATE movies SET hls_ready = 1, hls_path = ? WHERE id = ?`, hlsPath, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownMovie
	}

	logger.Info("{movies - MarkConverted} Movie %s ready at %s", id, hlsPath)
	return nil
}

// Counts reports total and ready movie counts for the admin stats endpoint.
func (c *Catalog) Counts() (total, ready int, err error) {
	err = c.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(hls_ready), 0) FROM movies`,
	).Scan(&total, &ready)
	return total, ready, err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
