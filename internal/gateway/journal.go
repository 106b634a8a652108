package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// JournalEntry is one dispatched command
type JournalEntry struct {
	ID          int64     `json:"id"`
	Service     string    `json:"service"`
	Command     string    `json:"command"`
	Params      []string  `json:"params"`
	Outcome     string    `json:"outcome"`
	Message     string    `json:"message,omitempty"`
	RoundTripMs int64     `json:"round_trip_ms"`
	CreatedAt   time.Time `json:"created_at"`
}

// Journal records commands dispatched through the gateway in SQLite
type Journal struct {
	db *sql.DB
}

// OpenJournal opens (or creates) the journal database at path
func OpenJournal(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)

	journal := &Journal{db: db}
	if err := journal.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return journal, nil
}

// Close closes the journal database
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS dispatches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			service TEXT NOT NULL,
			command TEXT NOT NULL,
			params TEXT NOT NULL, -- JSON array as TEXT
			outcome TEXT NOT NULL,
			message TEXT,
			round_trip_ms INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL -- unix milliseconds
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_service ON dispatches(service)`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_created_at ON dispatches(created_at)`,
	}

	for _, query := range queries {
		if _, err := j.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}
	return nil
}

// Record stores entry and returns its id. A zero CreatedAt means now.
func (j *Journal) Record(ctx context.Context, entry JournalEntry) (int64, error) {
	params := entry.Params
	if params == nil {
		params = []string{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal params: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `INSERT INTO dispatches (service, command, params, outcome, message, round_trip_ms, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := j.db.ExecContext(ctx, query,
		entry.Service, entry.Command, string(paramsJSON), entry.Outcome,
		entry.Message, entry.RoundTripMs, entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record dispatch: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get dispatch ID: %w", err)
	}
	return id, nil
}

// Recent returns up to limit entries, newest first. An empty service
// matches every service.
func (j *Journal) Recent(ctx context.Context, service string, limit int) ([]JournalEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, service, command, params, outcome, message, round_trip_ms, created_at
			  FROM dispatches WHERE (? = '' OR service = ?) ORDER BY id DESC LIMIT ?`
	rows, err := j.db.QueryContext(ctx, query, service, service, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query dispatches: %w", err)
	}
	defer rows.Close()

	entries := make([]JournalEntry, 0, limit)
	for rows.Next() {
		var (
			entry      JournalEntry
			paramsJSON string
			message    sql.NullString
			createdAt  int64
		)
		err := rows.Scan(
			&entry.ID, &entry.Service, &entry.Command, &paramsJSON, &entry.Outcome,
			&message, &entry.RoundTripMs, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dispatch: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &entry.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
		entry.Message = message.String
		entry.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dispatches: %w", err)
	}
	return entries, nil
}
