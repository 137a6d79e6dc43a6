package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index is a SQLite mirror of the ledger used for filtered queries.
// It is derived data: the JSONL chain file is authoritative, and the
// index can always be rebuilt from it.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) a query index database.
func OpenIndex(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open index: %w", err)
	}
	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		seq        INTEGER PRIMARY KEY,
		ts         TEXT NOT NULL,
		session_id TEXT,
		agent_id   TEXT,
		target_id  TEXT,
		event_type TEXT NOT NULL,
		command    TEXT,
		outcome    TEXT NOT NULL,
		body       JSON NOT NULL
	);
	CREATE INDEX IF NOT EXISTS events_session ON events(session_id);
	CREATE INDEX IF NOT EXISTS events_agent ON events(agent_id);
	CREATE INDEX IF NOT EXISTS events_ts ON events(ts);`
	_, err := x.db.ExecContext(context.Background(), schema)
	if err != nil {
		return fmt.Errorf("audit: migrate index: %w", err)
	}
	return nil
}

// Insert mirrors one event. INSERT OR IGNORE keeps replays of the
// chain file idempotent.
func (x *Index) Insert(ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = x.db.ExecContext(context.Background(),
		`INSERT OR IGNORE INTO events (seq, ts, session_id, agent_id, target_id, event_type, command, outcome, body)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.Timestamp, ev.SessionID, ev.AgentID, ev.TargetID, ev.EventType, ev.Command, ev.Outcome, string(body))
	return err
}

// Rebuild replays a chain file into the index.
func (x *Index) Rebuild(ledgerPath string) error {
	it, err := Query(ledgerPath, Filter{})
	if err != nil {
		return err
	}
	defer it.Close()
	for it.Next() {
		if err := x.Insert(it.Event()); err != nil {
			return err
		}
	}
	return it.Err()
}

// Query returns matching events in append order.
func (x *Index) Query(ctx context.Context, f Filter) ([]Event, error) {
	q := `SELECT body FROM events WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		q += ` AND session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.AgentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, f.AgentID)
	}
	if !f.Since.IsZero() {
		q += ` AND ts >= ?`
		args = append(args, f.Since.UTC().Format(TimeFormat))
	}
	if !f.Until.IsZero() {
		q += ` AND ts < ?`
		args = append(args, f.Until.UTC().Format(TimeFormat))
	}
	q += ` ORDER BY seq ASC`

	rows, err := x.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: index query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev Event
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("audit: index row decode: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (x *Index) Close() error { return x.db.Close() }

// ParseTime parses a ledger timestamp, accepting RFC3339 as a
// fallback for hand-written filters.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
