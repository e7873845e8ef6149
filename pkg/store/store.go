// Package store persists the canonical alarm list and settings in a
// single sqlite database. Mutations always replace the full alarm list:
// every caller read-modify-writes the whole set, so row-level updates
// would only invite divergence.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/borgmon/wake-minder/pkg/models"
)

// ErrNoSettings is returned by GetSettings when nothing has been stored
// yet; callers fall back to models.DefaultSettings.
var ErrNoSettings = errors.New("no stored settings")

const schema = `
CREATE TABLE IF NOT EXISTS alarms (
	id TEXT PRIMARY KEY,
	hour INTEGER NOT NULL,
	minute INTEGER NOT NULL,
	repeat_mask INTEGER NOT NULL,
	enabled INTEGER NOT NULL,
	label TEXT NOT NULL DEFAULT '',
	task_type TEXT NOT NULL DEFAULT 'none',
	task_difficulty TEXT NOT NULL DEFAULT '',
	sound TEXT NOT NULL DEFAULT '',
	volume REAL NOT NULL DEFAULT 0,
	vibrate INTEGER NOT NULL DEFAULT 0,
	schedule_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	payload TEXT NOT NULL
);
`

type Store struct {
	db *sql.DB
}

// Open creates the database directory if needed and opens the sqlite file
// with WAL and a busy timeout. The file is kept private to the user.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetAlarms returns every alarm record ordered by creation time
func (s *Store) GetAlarms(ctx context.Context) ([]models.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, hour, minute, repeat_mask, enabled, label, task_type, task_difficulty,
       sound, volume, vibrate, schedule_error, created_at, updated_at
FROM alarms ORDER BY created_at, id`)
	if err != nil {
		return nil, &models.PersistenceError{Op: "get alarms", Err: err}
	}
	defer rows.Close()

	var alarms []models.Alarm
	for rows.Next() {
		var a models.Alarm
		var mask, enabled, vibrate int
		var taskType, taskDifficulty, createdAt, updatedAt string
		if err := rows.Scan(&a.ID, &a.Hour, &a.Minute, &mask, &enabled, &a.Label,
			&taskType, &taskDifficulty, &a.Sound, &a.Volume, &vibrate,
			&a.ScheduleError, &createdAt, &updatedAt); err != nil {
			return nil, &models.PersistenceError{Op: "scan alarm", Err: err}
		}
		a.Repeat = models.MaskFromBits(mask)
		a.Enabled = enabled != 0
		a.Vibrate = vibrate != 0
		a.Task = models.TaskSpec{Type: models.TaskType(taskType), Difficulty: models.Difficulty(taskDifficulty)}
		a.CreatedAt = parseTS(createdAt)
		a.UpdatedAt = parseTS(updatedAt)
		alarms = append(alarms, a)
	}
	if err := rows.Err(); err != nil {
		return nil, &models.PersistenceError{Op: "get alarms", Err: err}
	}
	return alarms, nil
}

// PutAlarms replaces the full alarm list in one transaction
func (s *Store) PutAlarms(ctx context.Context, alarms []models.Alarm) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &models.PersistenceError{Op: "put alarms", Err: err}
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM alarms`); err != nil {
		return &models.PersistenceError{Op: "put alarms", Err: err}
	}
	for _, a := range alarms {
		_, err := tx.ExecContext(ctx, `
INSERT INTO alarms(id, hour, minute, repeat_mask, enabled, label, task_type, task_difficulty,
                   sound, volume, vibrate, schedule_error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Hour, a.Minute, a.Repeat.Bits(), boolToInt(a.Enabled), a.Label,
			string(a.Task.Type), string(a.Task.Difficulty), a.Sound, a.Volume,
			boolToInt(a.Vibrate), a.ScheduleError, ts(a.CreatedAt), ts(a.UpdatedAt))
		if err != nil {
			return &models.PersistenceError{Op: "put alarms", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &models.PersistenceError{Op: "put alarms", Err: err}
	}
	return nil
}

// GetSettings loads the stored settings. The payload is decoded
// forward-compatibly: unknown fields are ignored and out-of-range values
// are normalized back to defaults.
func (s *Store) GetSettings(ctx context.Context) (models.Settings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM settings WHERE id = 1`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Settings{}, ErrNoSettings
	}
	if err != nil {
		return models.Settings{}, &models.PersistenceError{Op: "get settings", Err: err}
	}

	settings := models.DefaultSettings()
	if err := json.Unmarshal([]byte(payload), &settings); err != nil {
		return models.Settings{}, &models.PersistenceError{Op: "decode settings", Err: err}
	}
	settings.Normalize()
	return settings, nil
}

func (s *Store) PutSettings(ctx context.Context, settings models.Settings) error {
	payload, err := json.Marshal(settings)
	if err != nil {
		return &models.PersistenceError{Op: "encode settings", Err: err}
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO settings(id, payload) VALUES (1, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`, string(payload))
	if err != nil {
		return &models.PersistenceError{Op: "put settings", Err: err}
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.Local()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
