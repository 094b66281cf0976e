// Package spillmap provides a keyed container whose contents transparently
// overflow from an in-memory cache to a local sqlite-backed store, with a
// user-supplied merge function resolving key collisions. It exists for
// ancestry computations whose working set can exceed memory.
package spillmap

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

const storeBatchSize = 500

// Store is a single-table key→blob store on disk. The backing database is
// transient to one sweeper run: write-ahead journaling is enabled for
// throughput and synchronous writes are off, since corruption on crash
// merely costs a re-run.
type Store struct {
	db   *sql.DB
	path string
}

// OpenStore creates (or reopens) the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening spill store: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = OFF",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring spill store: %w", err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS spill (key TEXT PRIMARY KEY, value BLOB)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating spill table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Put stores or replaces one entry.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`REPLACE INTO spill (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("spill put %q: %w", key, err)
	}
	return nil
}

// Pair is one key/value entry.
type Pair struct {
	Key   string
	Value []byte
}

// PutMany inserts or replaces entries in batched transactions.
func (s *Store) PutMany(pairs []Pair) error {
	for start := 0; start < len(pairs); start += storeBatchSize {
		end := min(start+storeBatchSize, len(pairs))
		if err := s.putBatch(pairs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) putBatch(pairs []Pair) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("spill put-many: %w", err)
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare(`REPLACE INTO spill (key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("spill put-many: %w", err)
	}
	defer stmt.Close()
	for _, pair := range pairs {
		if _, err := stmt.Exec(pair.Key, pair.Value); err != nil {
			return fmt.Errorf("spill put-many %q: %w", pair.Key, err)
		}
	}
	return tx.Commit()
}

// InsertNew inserts the pairs whose keys are not yet present and returns
// the keys that already existed. Callers read the conflicting entries,
// merge, and replace them.
func (s *Store) InsertNew(pairs []Pair) (conflicts []string, err error) {
	keys := make([]string, len(pairs))
	for i, pair := range pairs {
		keys[i] = pair.Key
	}
	existing, err := s.existingKeys(keys)
	if err != nil {
		return nil, err
	}
	fresh := make([]Pair, 0, len(pairs))
	for _, pair := range pairs {
		if _, ok := existing[pair.Key]; !ok {
			fresh = append(fresh, pair)
		}
	}
	if err := s.PutMany(fresh); err != nil {
		return nil, err
	}
	for key := range existing {
		conflicts = append(conflicts, key)
	}
	return conflicts, nil
}

func (s *Store) existingKeys(keys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	for start := 0; start < len(keys); start += storeBatchSize {
		end := min(start+storeBatchSize, len(keys))
		batch := keys[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		args := make([]any, len(batch))
		for i, key := range batch {
			args[i] = key
		}
		rows, err := s.db.Query(`SELECT key FROM spill WHERE key IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, fmt.Errorf("spill key lookup: %w", err)
		}
		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()
				return nil, err
			}
			existing[key] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return existing, nil
}

// Get returns the entry for key, with ok reporting presence.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT value FROM spill WHERE key = ?`, key)
	switch err := row.Scan(&value); err {
	case nil:
		return value, true, nil
	case sql.ErrNoRows:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("spill get %q: %w", key, err)
	}
}

// Has reports whether key is present.
func (s *Store) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Delete removes key if present.
func (s *Store) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM spill WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("spill delete %q: %w", key, err)
	}
	return nil
}

// Len returns the number of stored entries.
func (s *Store) Len() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM spill`).Scan(&count); err != nil {
		return 0, fmt.Errorf("spill len: %w", err)
	}
	return count, nil
}

// ForEach calls fn for every stored entry. Iteration order is unspecified.
func (s *Store) ForEach(fn func(key string, value []byte) error) error {
	rows, err := s.db.Query(`SELECT key, value FROM spill`)
	if err != nil {
		return fmt.Errorf("spill iteration: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the database and removes the backing file.
func (s *Store) Close() error {
	closeErr := s.db.Close()
	removeErr := os.Remove(s.path)
	// WAL sidecar files may linger alongside the main database.
	_ = os.Remove(s.path + "-wal")
	_ = os.Remove(s.path + "-shm")
	if closeErr != nil {
		return closeErr
	}
	if removeErr != nil && !os.IsNotExist(removeErr) {
		return removeErr
	}
	return nil
}
