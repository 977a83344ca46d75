// Package store keeps an embedded SQLite index of parsed notes.
//
// The index is a query cache over the watched files: it can always be rebuilt
// by re-parsing the vault, so it favors fast concurrent reads over
// durability.
//
// Architecture:
//   - Database file: <state dir>/index.db
//   - WAL mode: concurrent readers while the index handler writes
//   - Schema: notes, tags and links tables; tags and links cascade on delete
//   - Content hashes: notes.content_hash lets the parser skip unchanged files
//   - Indexes: tag lookups and backlink queries
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/kiln/internal/event"
)

// ErrNotFound is returned when a note is not in the index.
var ErrNotFound = errors.New("note not found")

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	path TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	blocks INTEGER NOT NULL DEFAULT 0,
	content_hash TEXT NOT NULL DEFAULT '',
	indexed_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tags (
	path TEXT NOT NULL,
	tag TEXT NOT NULL COLLATE NOCASE,
	PRIMARY KEY (path, tag),
	FOREIGN KEY (path) REFERENCES notes(path) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS links (
	path TEXT NOT NULL,
	position INTEGER NOT NULL,
	target TEXT NOT NULL COLLATE NOCASE,
	PRIMARY KEY (path, position),
	FOREIGN KEY (path) REFERENCES notes(path) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tags_tag ON tags(tag);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target);
`

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Note is an indexed note.
type Note struct {
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Blocks      int       `json:"blocks"`
	ContentHash string    `json:"content_hash,omitempty"`
	Tags        []string  `json:"tags"`
	Wikilinks   []string  `json:"wikilinks"`
	IndexedAt   time.Time `json:"indexed_at"`
}

// Counts are row totals for each table.
type Counts struct {
	Notes int `json:"notes"`
	Tags  int `json:"tags"`
	Links int `json:"links"`
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens or creates the index at path and initializes the schema.
// The caller must call Close.
func Open(ctx context.Context, path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	// pragmas in the DSN apply to every pooled connection
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(wal)")
	conn, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(path)+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping index: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := db.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// migrate brings indexes created by older versions up to the current schema.
func (db *DB) migrate(ctx context.Context) error {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('notes') WHERE name = 'content_hash'`,
	).Scan(&n)
	if err != nil {
		return fmt.Errorf("failed to inspect notes table: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := db.conn.ExecContext(ctx,
		`ALTER TABLE notes ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("failed to add content_hash column: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close checkpoints the WAL and closes the pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	var errs []error
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		errs = append(errs, fmt.Errorf("failed to checkpoint WAL: %w", err))
	}
	if err := db.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	db.conn = nil
	return errors.Join(errs...)
}

// UpsertNote replaces everything indexed for path with sum.
func (db *DB) UpsertNote(ctx context.Context, path string, sum *event.NoteSummary, at time.Time) error {
	if path == "" {
		return errors.New("upsert note: empty path")
	}
	if sum == nil {
		return fmt.Errorf("upsert note %s: nil summary", path)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO notes (path, title, blocks, content_hash, indexed_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		title = excluded.title,
		blocks = excluded.blocks,
		content_hash = excluded.content_hash,
		indexed_at = excluded.indexed_at
	`, path, sum.Title, sum.Blocks, sum.ContentHash, at.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to upsert note %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to clear tags for %s: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM links WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to clear links for %s: %w", path, err)
	}

	for _, tag := range sum.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (path, tag) VALUES (?, ?)`, path, tag); err != nil {
			return fmt.Errorf("failed to insert tag %q for %s: %w", tag, path, err)
		}
	}
	for i, target := range sum.Wikilinks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO links (path, position, target) VALUES (?, ?, ?)`, path, i, target); err != nil {
			return fmt.Errorf("failed to insert link %q for %s: %w", target, path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteNote removes path and its tags and links. Deleting an unknown path
// is not an error.
func (db *DB) DeleteNote(ctx context.Context, path string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM notes WHERE path = ?`, path); err != nil {
		return fmt.Errorf("failed to delete note %s: %w", path, err)
	}
	return nil
}

// NoteHash returns the content hash stored for path. It returns an empty
// string when the note is not indexed or was indexed without a hash.
func (db *DB) NoteHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := db.conn.QueryRowContext(ctx,
		`SELECT content_hash FROM notes WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get hash for %s: %w", path, err)
	}
	return hash, nil
}

// NotesUnder returns the indexed paths equal to root or below it, sorted.
func (db *DB) NotesUnder(ctx context.Context, root string) ([]string, error) {
	root = filepath.Clean(root)
	prefix := strings.TrimSuffix(root, string(filepath.Separator)) + string(filepath.Separator)
	return db.strings(ctx, `
	SELECT path FROM notes
	WHERE path = ? OR substr(path, 1, length(?)) = ?
	ORDER BY path
	`, root, prefix, prefix)
}

// GetNote returns the indexed note at path, or ErrNotFound.
func (db *DB) GetNote(ctx context.Context, path string) (*Note, error) {
	n := &Note{Path: path}
	var indexedAt string
	err := db.conn.QueryRowContext(ctx,
		`SELECT title, blocks, content_hash, indexed_at FROM notes WHERE path = ?`, path,
	).Scan(&n.Title, &n.Blocks, &n.ContentHash, &indexedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get note %s: %w", path, err)
	}
	if n.IndexedAt, err = time.Parse(timeFormat, indexedAt); err != nil {
		return nil, fmt.Errorf("failed to parse indexed_at for %s: %w", path, err)
	}

	if n.Tags, err = db.strings(ctx,
		`SELECT tag FROM tags WHERE path = ? ORDER BY rowid`, path); err != nil {
		return nil, err
	}
	if n.Wikilinks, err = db.strings(ctx,
		`SELECT target FROM links WHERE path = ? ORDER BY position`, path); err != nil {
		return nil, err
	}
	return n, nil
}

// Backlinks returns the paths of notes linking to target, sorted. Targets
// compare case-insensitively, and a ".md" suffix on either side is ignored.
func (db *DB) Backlinks(ctx context.Context, target string) ([]string, error) {
	target = strings.TrimSuffix(target, ".md")
	return db.strings(ctx, `
	SELECT DISTINCT path FROM links
	WHERE target = ? OR target = ? || '.md'
	ORDER BY path
	`, target, target)
}

// NotesWithTag returns the paths of notes carrying tag, sorted.
func (db *DB) NotesWithTag(ctx context.Context, tag string) ([]string, error) {
	tag = strings.TrimPrefix(tag, "#")
	return db.strings(ctx, `SELECT path FROM tags WHERE tag = ? ORDER BY path`, tag)
}

// RecentNotes lists notes indexed at or after since, newest first. Tags and
// wikilinks are not loaded. A limit of zero or less means no limit.
func (db *DB) RecentNotes(ctx context.Context, since time.Time, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.conn.QueryContext(ctx, `
	SELECT path, title, blocks, indexed_at FROM notes
	WHERE indexed_at >= ?
	ORDER BY indexed_at DESC, path
	LIMIT ?
	`, since.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var (
			n  Note
			at string
		)
		if err := rows.Scan(&n.Path, &n.Title, &n.Blocks, &at); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		if n.IndexedAt, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("failed to parse indexed_at for %s: %w", n.Path, err)
		}
		notes = append(notes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notes: %w", err)
	}
	return notes, nil
}

// Counts returns the number of rows in each table.
func (db *DB) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM notes),
		(SELECT COUNT(*) FROM tags),
		(SELECT COUNT(*) FROM links)
	`).Scan(&c.Notes, &c.Tags, &c.Links)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

func (db *DB) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return out, nil
}
