// Package audit implements the append-only, hash-chained event ledger.
// Append is the single global serialization point of the system: all
// writers observe one total order, which is what makes the chain
// verifiable. Events are stored as JSONL, one event per line, fsynced
// on every append.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrUnwritable is returned once an append has failed. The ledger
// never recovers in-process: an unwritable ledger means audited-role
// commands must not dispatch, so callers treat this as fatal.
var ErrUnwritable = errors.New("audit ledger unwritable")

// Fields is what callers supply to Append; seq, timestamp (when
// empty), prev_hash, and hash are assigned by the ledger.
type Fields struct {
	Timestamp  string
	SessionID  string
	AgentID    string
	TargetID   string
	EventType  string
	Command    string
	Decision   *DecisionRecord
	Outcome    string
	Detail     string
	PolicyHash string
}

// Ledger is the append-only hash-chained event store.
type Ledger struct {
	path       string
	file       *os.File
	mu         sync.Mutex
	nextSeq    uint64
	prevHash   string
	unwritable bool
	index      *Index
	now        func() time.Time
}

// Open opens (or creates) a ledger file. If the file already exists,
// the tail of the chain is recovered by scanning to the last line.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	nextSeq := uint64(0)
	prevHash := GenesisHash

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		last, err := lastEvent(path)
		if err != nil {
			return nil, err
		}
		nextSeq = last.Seq + 1
		prevHash = last.Hash
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}

	return &Ledger{
		path:     path,
		file:     f,
		nextSeq:  nextSeq,
		prevHash: prevHash,
		now:      time.Now,
	}, nil
}

// WithIndex attaches a SQLite query index. The chain file stays
// authoritative: index failures are reported to stderr but do not
// break the chain or mark the ledger unwritable.
func (l *Ledger) WithIndex(idx *Index) *Ledger {
	l.mu.Lock()
	l.index = idx
	l.mu.Unlock()
	return l
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append assigns the next sequence number, chains and hashes the
// event, writes it, and syncs, all as one step under one lock.
// After the first write failure every subsequent call returns
// ErrUnwritable: the ledger never silently skips an event.
func (l *Ledger) Append(f Fields) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.unwritable {
		return Event{}, ErrUnwritable
	}

	ev := Event{
		Seq:        l.nextSeq,
		Timestamp:  f.Timestamp,
		SessionID:  f.SessionID,
		AgentID:    f.AgentID,
		TargetID:   f.TargetID,
		EventType:  f.EventType,
		Command:    f.Command,
		Decision:   f.Decision,
		Outcome:    f.Outcome,
		Detail:     f.Detail,
		PolicyHash: f.PolicyHash,
		PrevHash:   l.prevHash,
	}
	if ev.Timestamp == "" {
		ev.Timestamp = l.now().UTC().Format(TimeFormat)
	}
	ev.Hash = ComputeHash(ev)

	line, err := json.Marshal(ev)
	if err != nil {
		l.unwritable = true
		return Event{}, fmt.Errorf("audit: marshal event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.unwritable = true
		return Event{}, fmt.Errorf("audit: write event: %w (%w)", err, ErrUnwritable)
	}
	if err := l.file.Sync(); err != nil {
		l.unwritable = true
		return Event{}, fmt.Errorf("audit: sync: %w (%w)", err, ErrUnwritable)
	}

	l.nextSeq++
	l.prevHash = ev.Hash

	if l.index != nil {
		if err := l.index.Insert(ev); err != nil {
			fmt.Fprintf(os.Stderr, "audit: index insert seq %d: %v\n", ev.Seq, err)
		}
	}
	return ev, nil
}

// Unwritable reports whether a previous append failed.
func (l *Ledger) Unwritable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unwritable
}

// Len returns the number of committed events.
func (l *Ledger) Len() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Close flushes and closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// lastEvent scans the file and returns the final event.
func lastEvent(path string) (Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return Event{}, fmt.Errorf("audit: read existing ledger: %w", err)
	}
	defer f.Close()

	var lastLine []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lastLine = append(lastLine[:0], scanner.Bytes()...)
	}
	if err := scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("audit: scan existing ledger: %w", err)
	}
	if len(lastLine) == 0 {
		return Event{}, fmt.Errorf("audit: existing ledger has no parseable tail")
	}

	var ev Event
	if err := json.Unmarshal(lastLine, &ev); err != nil {
		return Event{}, fmt.Errorf("audit: parse ledger tail: %w", err)
	}
	return ev, nil
}

const maxLineSize = 1 << 20
