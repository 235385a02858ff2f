// Package database keeps the event journal: event metadata and health
// transitions appended to SQLite as they are published.
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"watchpost/internal/pipeline"
)

// Database handles SQLite journal operations
type Database struct {
	db     *sql.DB
	logger *log.Logger
}

// HealthRecord is a stored health transition
type HealthRecord struct {
	Source              string
	State               pipeline.HealthState
	LastError           string
	ConsecutiveFailures int
	Reopens             int
	RecordedAt          time.Time
}

// New opens the journal at dbPath
func New(dbPath string, logger *log.Logger) (*Database, error) {
	if logger == nil {
		logger = log.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return &Database{db: db, logger: logger}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			seq INTEGER NOT NULL,
			score REAL NOT NULL,
			regions TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS health_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			state TEXT NOT NULL,
			last_error TEXT,
			consecutive_failures INTEGER DEFAULT 0,
			reopens INTEGER DEFAULT 0,
			recorded_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source_time ON events(source, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_health_source_time ON health_transitions(source, recorded_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Println("[Journal] Database migrations completed successfully")
	return nil
}

// SaveEvent appends an event. Saving the same event twice is a no-op.
func (d *Database) SaveEvent(event pipeline.Event) error {
	regionsJSON, err := json.Marshal(event.Regions)
	if err != nil {
		return fmt.Errorf("failed to marshal regions: %w", err)
	}

	query := `INSERT INTO events (id, source, seq, score, regions, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err = d.db.Exec(query, event.ID, event.Source, int64(event.Seq), event.Score,
		string(regionsJSON), event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// ListEvents returns the newest events of a source, all sources when source
// is empty
func (d *Database) ListEvents(source string, limit int) ([]pipeline.Event, error) {
	query := `SELECT id, source, seq, score, regions, timestamp FROM events WHERE 1=1`
	args := []interface{}{}

	if source != "" {
		query += " AND source = ?"
		args = append(args, source)
	}

	query += " ORDER BY timestamp DESC, seq DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []pipeline.Event
	for rows.Next() {
		var (
			event       pipeline.Event
			seq         int64
			regionsJSON sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.Source, &seq, &event.Score, &regionsJSON, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Seq = uint64(seq)
		if regionsJSON.Valid && regionsJSON.String != "" {
			if err := json.Unmarshal([]byte(regionsJSON.String), &event.Regions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal regions: %w", err)
			}
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeleteEventsBefore deletes events older than before
func (d *Database) DeleteEventsBefore(before time.Time) (int64, error) {
	result, err := d.db.Exec("DELETE FROM events WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	return result.RowsAffected()
}

// SaveHealth appends a health transition
func (d *Database) SaveHealth(health pipeline.DeviceHealth) error {
	query := `INSERT INTO health_transitions
		(source, state, last_error, consecutive_failures, reopens, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	_, err := d.db.Exec(query, health.Source, string(health.State), health.LastError,
		health.ConsecutiveFailures, health.Reopens, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save health: %w", err)
	}
	return nil
}

// ListHealth returns the newest health transitions of a source
func (d *Database) ListHealth(source string, limit int) ([]HealthRecord, error) {
	query := `SELECT source, state, last_error, consecutive_failures, reopens, recorded_at
		FROM health_transitions WHERE source = ? ORDER BY id DESC`
	args := []interface{}{source}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list health: %w", err)
	}
	defer rows.Close()

	var records []HealthRecord
	for rows.Next() {
		var (
			rec       HealthRecord
			state     string
			lastError sql.NullString
		)
		if err := rows.Scan(&rec.Source, &state, &lastError, &rec.ConsecutiveFailures, &rec.Reopens, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan health: %w", err)
		}
		rec.State = pipeline.HealthState(state)
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// OnEvent implements pipeline.Watcher
func (d *Database) OnEvent(event pipeline.Event) {
	if err := d.SaveEvent(event); err != nil {
		d.logger.Printf("[Journal] %s: %v", event.Source, err)
	}
}

// OnHealth implements pipeline.Watcher
func (d *Database) OnHealth(health pipeline.DeviceHealth) {
	if err := d.SaveHealth(health); err != nil {
		d.logger.Printf("[Journal] %s: %v", health.Source, err)
	}
}

var _ pipeline.Watcher = (*Database)(nil)
