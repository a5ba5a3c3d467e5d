package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding knowledge-base entries.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "kbase.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- KB entries ---

const kbColumns = "id, category, question, context, answer, create_time, update_time"

// InsertEntry inserts a knowledge-base entry and returns the assigned id.
// Timestamps are set by the store; values on the argument are ignored.
func (s *Store) InsertEntry(e KBEntry) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		INSERT INTO kb_entries (category, question, context, answer, create_time, update_time)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Category, e.Question, e.Context, e.Answer, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting kb entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading inserted id: %w", err)
	}
	return id, nil
}

// GetEntry returns the entry with the given id, or ErrNotFound.
func (s *Store) GetEntry(id int64) (KBEntry, error) {
	row := s.db.QueryRow("SELECT "+kbColumns+" FROM kb_entries WHERE id = ?", id)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return KBEntry{}, ErrNotFound
	}
	if err != nil {
		return KBEntry{}, fmt.Errorf("getting kb entry %d: %w", id, err)
	}
	return e, nil
}

// UpdateEntry replaces category, question, context, and answer of the entry
// with the given id, bumping update_time. Returns ErrNotFound if no row matched.
func (s *Store) UpdateEntry(id int64, e KBEntry) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE kb_entries SET category = ?, question = ?, context = ?, answer = ?, update_time = ?
		WHERE id = ?`,
		e.Category, e.Question, e.Context, e.Answer, now, id,
	)
	if err != nil {
		return fmt.Errorf("updating kb entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteEntry removes the entry with the given id. Returns ErrNotFound if
// no row matched, so a second delete of the same id is distinguishable.
func (s *Store) DeleteEntry(id int64) error {
	res, err := s.db.Exec("DELETE FROM kb_entries WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting kb entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEntries returns entries ordered by update_time descending. An empty
// category matches all categories.
func (s *Store) ListEntries(category string, limit int) ([]KBEntry, error) {
	query := "SELECT " + kbColumns + " FROM kb_entries"
	var args []interface{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY update_time DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing kb entries: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListEntriesWithoutContext returns entries whose context column is empty,
// oldest first. Used by backfill tooling to regenerate missing embeddings.
func (s *Store) ListEntriesWithoutContext(limit int) ([]KBEntry, error) {
	rows, err := s.db.Query(
		"SELECT "+kbColumns+" FROM kb_entries WHERE context = '' ORDER BY create_time ASC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing entries without context: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// SetEntryContext updates only the context column of the given entry.
func (s *Store) SetEntryContext(id int64, context string) error {
	res, err := s.db.Exec("UPDATE kb_entries SET context = ?, update_time = ? WHERE id = ?",
		context, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting context for entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEntries returns the number of knowledge-base entries.
func (s *Store) CountEntries() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM kb_entries").Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (KBEntry, error) {
	var e KBEntry
	var createTime, updateTime string
	if err := row.Scan(&e.ID, &e.Category, &e.Question, &e.Context, &e.Answer, &createTime, &updateTime); err != nil {
		return KBEntry{}, err
	}
	var err error
	if e.CreateTime, err = time.Parse(time.RFC3339, createTime); err != nil {
		return KBEntry{}, fmt.Errorf("parsing create_time: %w", err)
	}
	if e.UpdateTime, err = time.Parse(time.RFC3339, updateTime); err != nil {
		return KBEntry{}, fmt.Errorf("parsing update_time: %w", err)
	}
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]KBEntry, error) {
	var results []KBEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}
