// Package cache keeps a SQLite snapshot of parsed entities keyed by vault
// path and file mtime so a restart can skip re-parsing unchanged files.
// The snapshot is never a source of truth: deleting the file loses nothing.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/waymark/internal/models"
)

// formatVersion changes whenever the stored entity encoding changes. A
// mismatch empties the snapshot on Open.
const formatVersion = "1"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS entities (
	path      TEXT PRIMARY KEY,
	id        TEXT NOT NULL,
	mtime_ns  INTEGER NOT NULL,
	entity    TEXT NOT NULL,
	cached_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_entities_id ON entities(id);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Record is one cached file.
type Record struct {
	Path   string
	Mtime  time.Time
	Entity *models.Entity
}

// DB wraps the snapshot database.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the snapshot database at path and applies the
// schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("cache: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cache: apply schema: %w", err)
	}
	db := &DB{conn: conn}
	if err := db.checkFormat(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) checkFormat() error {
	var v string
	err := db.conn.QueryRow(`SELECT value FROM meta WHERE key = 'format'`).Scan(&v)
	if err == nil && v == formatVersion {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("cache: read format: %w", err)
	}
	if err := db.Clear(); err != nil {
		return err
	}
	if _, err := db.conn.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('format', ?)`, formatVersion); err != nil {
		return fmt.Errorf("cache: write format: %w", err)
	}
	return nil
}

// Load returns every cached record keyed by path. Rows that no longer
// decode are skipped; the next sync re-parses and replaces them.
func (db *DB) Load() (map[string]Record, error) {
	rows, err := db.conn.Query(`SELECT path, mtime_ns, entity FROM entities`)
	if err != nil {
		return nil, fmt.Errorf("cache: load: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Record)
	for rows.Next() {
		var (
			path    string
			mtimeNS int64
			raw     string
		)
		if err := rows.Scan(&path, &mtimeNS, &raw); err != nil {
			return nil, fmt.Errorf("cache: scan: %w", err)
		}
		var e models.Entity
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		e.VaultPath = path
		out[path] = Record{Path: path, Mtime: time.Unix(0, mtimeNS), Entity: &e}
	}
	return out, rows.Err()
}

// Put upserts recs in a single transaction.
func (db *DB) Put(recs ...Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	stmt, err := tx.Prepare(`
		INSERT INTO entities (path, id, mtime_ns, entity, cached_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			id        = excluded.id,
			mtime_ns  = excluded.mtime_ns,
			entity    = excluded.entity,
			cached_at = excluded.cached_at
	`)
	if err != nil {
		return fmt.Errorf("cache: prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, r := range recs {
		raw, err := json.Marshal(r.Entity)
		if err != nil {
			return fmt.Errorf("cache: encode %s: %w", r.Path, err)
		}
		if _, err := stmt.Exec(r.Path, string(r.Entity.ID), r.Mtime.UnixNano(), string(raw), now); err != nil {
			return fmt.Errorf("cache: upsert %s: %w", r.Path, err)
		}
	}
	return tx.Commit()
}

// Delete removes the records for paths.
func (db *DB) Delete(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("cache: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range paths {
		if _, err := tx.Exec(`DELETE FROM entities WHERE path = ?`, p); err != nil {
			return fmt.Errorf("cache: delete %s: %w", p, err)
		}
	}
	return tx.Commit()
}

// Clear drops every cached record.
func (db *DB) Clear() error {
	if _, err := db.conn.Exec(`DELETE FROM entities`); err != nil {
		return fmt.Errorf("cache: clear: %w", err)
	}
	return nil
}

// Len returns the number of cached records.
func (db *DB) Len() (int, error) {
	var n int
	if err := db.conn.QueryRow(`SELECT count(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache: count: %w", err)
	}
	return n, nil
}

// PathsForID returns the cached paths that hold id. More than one means
// the vault contained duplicate ids when the snapshot was taken.
func (db *DB) PathsForID(id models.EntityID) ([]string, error) {
	rows, err := db.conn.Query(`SELECT path FROM entities WHERE id = ? ORDER BY path`, string(id))
	if err != nil {
		return nil, fmt.Errorf("cache: paths for id: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
