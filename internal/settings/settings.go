// package settings persists runtime-mutable operator settings in SQLite.
//
// The scheduler reads task flags and intervals from here on every tick, so
// a `soundleaf config set` against the same database changes behavior
// without a daemon restart.
package settings

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/soundleaf/soundleaf/internal/scheduler"
	"github.com/soundleaf/soundleaf/internal/shared"
)

const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// defaults apply when a key has never been written. Task intervals are in
// seconds.
var defaults = map[string]string{
	"task.library_sync.enabled":    "true",
	"task.library_sync.interval":   "3600",
	"task.cleanup.enabled":         "true",
	"task.cleanup.interval":        "86400",
	"task.duplicate_scan.enabled":  "false",
	"task.duplicate_scan.interval": "86400",
}

// Store reads and writes settings keys. Implements
// [scheduler.SettingsSource].
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore creates the settings table if needed and returns a store over
// db.
func NewStore(db *sql.DB, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create settings table: %w", err)
	}
	return &Store{db: db, logger: shared.WithLogger(logger, "component", "settings")}, nil
}

// Get returns the value for key, falling back to the built-in default.
// The second return value is false when the key is unknown entirely.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		def, ok := defaults[key]
		return def, ok, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// Set writes a key. Unknown keys are allowed; collaborators define their
// own namespaces.
func (s *Store) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	s.logger.Info("setting updated", "key", key, "value", value)
	return nil
}

// GetBool reads a boolean key, returning fallback on absence or parse
// failure.
func (s *Store) GetBool(key string, fallback bool) (bool, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback, nil
	}
	return parsed, nil
}

// GetInt reads an integer key, returning fallback on absence or parse
// failure.
func (s *Store) GetInt(key string, fallback int) (int, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return fallback, err
	}
	if !ok {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback, nil
	}
	return parsed, nil
}

// All returns every stored key/value pair merged over the defaults, for
// `soundleaf config list`.
func (s *Store) All() (map[string]string, error) {
	out := make(map[string]string, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}

	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[key] = value
	}
	return out, rows.Err()
}

// TaskConfig implements [scheduler.SettingsSource]. Values are read fresh
// on every call.
func (s *Store) TaskConfig(name string) (scheduler.TaskConfig, error) {
	enabled, err := s.GetBool("task."+name+".enabled", false)
	if err != nil {
		return scheduler.TaskConfig{}, err
	}
	intervalSecs, err := s.GetInt("task."+name+".interval", 3600)
	if err != nil {
		return scheduler.TaskConfig{}, err
	}
	return scheduler.TaskConfig{
		Enabled:  enabled,
		Interval: time.Duration(intervalSecs) * time.Second,
	}, nil
}
