// Package sqlite persists the taskmesh event log in a SQLite database.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/taskmesh/taskmesh/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
	timestamp TEXT NOT NULL,
	event_type VARCHAR(24) NOT NULL,
	session INTEGER,
	event TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session);
`

// Logger buffers events in memory and writes them in one transaction per
// Flush. SQLite has a single writer, so the connection pool is capped at 1.
type Logger struct {
	mu      sync.Mutex
	pending []events.Event
	db      *sqlx.DB
}

var _ events.Logger = (*Logger)(nil)

// New opens (creating if needed) the event database at path.
func New(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("preparing event log dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL", path))
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing event log schema: %w", err)
	}
	return &Logger{db: db}, nil
}

// Append buffers one event for the next Flush.
func (l *Logger) Append(event events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(l.pending, event)
}

// Flush writes all buffered events in a single transaction.
func (l *Logger) Flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	tx, err := l.db.Beginx()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(
		"INSERT INTO events (timestamp, event_type, session, event) VALUES (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var session interface{}
		if e.Session != nil {
			session = int64(*e.Session)
		}
		if _, err := stmt.Exec(
			e.Timestamp.UTC().Format(time.RFC3339Nano),
			e.Type,
			session,
			string(e.Payload),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("inserting event %s: %w", e.Type, err)
		}
	}
	return tx.Commit()
}

// Query returns stored events matching the criteria, ordered by id.
// Pending unflushed events are not included; callers Flush first when they
// need a complete view.
func (l *Logger) Query(criteria events.SearchCriteria) ([]events.StoredEvent, error) {
	var conds []string
	var args []interface{}

	if len(criteria.EventTypes) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(criteria.EventTypes)), ",")
		conds = append(conds, fmt.Sprintf("event_type IN (%s)", placeholders))
		for _, t := range criteria.EventTypes {
			args = append(args, t)
		}
	}
	if criteria.Session != nil {
		conds = append(conds, "session = ?")
		args = append(args, int64(*criteria.Session))
	}
	if criteria.Since != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, criteria.Since.UTC().Format(time.RFC3339Nano))
	}
	if criteria.Until != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, criteria.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, timestamp, event_type, event FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id"
	if criteria.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", criteria.Limit)
	}

	rows, err := l.db.Queryx(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []events.StoredEvent
	for rows.Next() {
		var (
			id        int64
			ts        string
			eventType string
			payload   string
		)
		if err := rows.Scan(&id, &ts, &eventType, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp in event %d: %w", id, err)
		}
		result = append(result, events.StoredEvent{
			ID:        id,
			Timestamp: parsed,
			Type:      eventType,
			Event:     []byte(payload),
		})
	}
	return result, rows.Err()
}

// Close flushes remaining events and closes the database.
func (l *Logger) Close() error {
	if err := l.Flush(); err != nil {
		_ = l.db.Close()
		return err
	}
	return l.db.Close()
}
