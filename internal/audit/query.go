package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Filter selects events for a query. Zero fields match everything.
type Filter struct {
	SessionID string
	AgentID   string
	Since     time.Time
	Until     time.Time
}

func (f Filter) matches(ev *Event) bool {
	if f.SessionID != "" && ev.SessionID != f.SessionID {
		return false
	}
	if f.AgentID != "" && ev.AgentID != f.AgentID {
		return false
	}
	if !f.Since.IsZero() || !f.Until.IsZero() {
		ts, err := time.Parse(TimeFormat, ev.Timestamp)
		if err != nil {
			return false
		}
		if !f.Since.IsZero() && ts.Before(f.Since) {
			return false
		}
		if !f.Until.IsZero() && !ts.Before(f.Until) {
			return false
		}
	}
	return true
}

// Iterator is a lazy cursor over matching events in append order.
// Each Query call opens a fresh cursor, so iteration is restartable.
type Iterator struct {
	f       *os.File
	scanner *bufio.Scanner
	filter  Filter
	cur     Event
	err     error
}

// Query returns an iterator over the ledger file in append order,
// restricted by the filter. The iterator reads a consistent prefix:
// events appended after the cursor opens are not guaranteed visible.
func Query(path string, filter Filter) (*Iterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open ledger: %w", err)
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Iterator{f: f, scanner: scanner, filter: filter}, nil
}

// Next advances to the next matching event. Returns false at the end
// of the log or on error; check Err afterwards.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	for it.scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(it.scanner.Bytes(), &ev); err != nil {
			it.err = fmt.Errorf("audit: parse event: %w", err)
			return false
		}
		if it.filter.matches(&ev) {
			it.cur = ev
			return true
		}
	}
	it.err = it.scanner.Err()
	return false
}

// Event returns the current event. Valid after Next returns true.
func (it *Iterator) Event() Event { return it.cur }

// Err returns the first error encountered during iteration.
func (it *Iterator) Err() error { return it.err }

// Close releases the cursor.
func (it *Iterator) Close() error { return it.f.Close() }
