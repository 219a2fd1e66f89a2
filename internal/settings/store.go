// Package settings is the process-wide persisted key/value store. It backs
// the Defaults message handler and the post-reboot resume flag. The store
// serializes concurrent writers itself; callers need no locking.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// resumeKey is the single flag carried across a planned restart.
const resumeKey = "session.resumeAfterReboot"

// Store is a SQLite-backed string/bool key/value store.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// DefaultPath returns $XDG_STATE_HOME/handover/settings.db, falling back
// to ~/.local/state.
func DefaultPath() string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "handover-settings.db")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "handover", "settings.db")
}

// Open opens (or creates) the settings database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create settings dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open settings db: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS settings (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

// SetString stores value under key, replacing any previous value.
func (s *Store) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO settings (key, value) VALUES (?, ?)", key, value,
	)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// GetString returns the value for key, or "" when the key is absent.
func (s *Store) GetString(key string) (string, error) {
	var value string
	err := s.db.QueryRow(
		"SELECT value FROM settings WHERE key = ?", key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %q: %w", key, err)
	}
	return value, nil
}

// SetBool stores a boolean under key.
func (s *Store) SetBool(key string, value bool) error {
	if value {
		return s.SetString(key, "1")
	}
	return s.SetString(key, "0")
}

// GetBool returns the boolean for key; absent keys read false.
func (s *Store) GetBool(key string) (bool, error) {
	v, err := s.GetString(key)
	if err != nil {
		return false, err
	}
	return v == "1", nil
}

// SetResumeAfterReboot records that a session should resume after a
// planned restart.
func (s *Store) SetResumeAfterReboot(v bool) error {
	return s.SetBool(resumeKey, v)
}

// ResumeAfterReboot reports whether a post-reboot resume is pending.
func (s *Store) ResumeAfterReboot() (bool, error) {
	return s.GetBool(resumeKey)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the filesystem path of the database.
func (s *Store) Path() string {
	return s.path
}
