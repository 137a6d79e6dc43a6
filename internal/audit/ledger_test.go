package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendChain(t *testing.T) {
	l := openLedger(t)

	first, err := l.Append(Fields{
		AgentID:   "agent-a",
		TargetID:  "foo-vm",
		EventType: EventDecision,
		Command:   "vm/exec",
		Outcome:   OutcomeAllow,
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if first.Seq != 0 {
		t.Errorf("first seq = %d", first.Seq)
	}
	if first.PrevHash != GenesisHash {
		t.Errorf("first prev_hash = %s", first.PrevHash)
	}
	if !strings.HasPrefix(first.Hash, "sha256:") || len(first.Hash) != len(GenesisHash) {
		t.Errorf("hash format %q", first.Hash)
	}
	if _, err := time.Parse(TimeFormat, first.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", first.Timestamp, err)
	}

	second, err := l.Append(Fields{EventType: EventDispatch, Outcome: OutcomeCompleted})
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 1 {
		t.Errorf("second seq = %d", second.Seq)
	}
	if second.PrevHash != first.Hash {
		t.Errorf("second prev_hash = %s, want %s", second.PrevHash, first.Hash)
	}

	res := Verify(l.Path())
	if !res.Valid || res.Events != 2 {
		t.Errorf("Verify() = %+v", res)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")

	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	last, err := l.Append(Fields{EventType: EventDecision, Outcome: OutcomeDeny})
	if err != nil {
		t.Fatal(err)
	}
	l.Close()

	l2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	next, err := l2.Append(Fields{EventType: EventDecision, Outcome: OutcomeAllow})
	if err != nil {
		t.Fatal(err)
	}
	if next.Seq != last.Seq+1 {
		t.Errorf("seq after reopen = %d, want %d", next.Seq, last.Seq+1)
	}
	if next.PrevHash != last.Hash {
		t.Error("chain broken across reopen")
	}

	if res := Verify(path); !res.Valid {
		t.Errorf("Verify() after reopen = %+v", res)
	}
}

func TestTamperDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Append(Fields{
			EventType: EventDecision,
			Outcome:   OutcomeAllow,
			Detail:    fmt.Sprintf("event-%d", i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[2] = strings.Replace(lines[2], "event-2", "event-X", 1)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	res := Verify(path)
	if res.Valid {
		t.Fatal("tampered ledger verified")
	}
	if res.BrokenSeq != 2 {
		t.Errorf("BrokenSeq = %d, want 2", res.BrokenSeq)
	}
}

func TestTruncationDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, err := l.Append(Fields{EventType: EventDecision, Outcome: OutcomeAllow}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	// Remove a middle line: sequence contiguity breaks.
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	out := append(lines[:2], lines[3:]...)
	os.WriteFile(path, []byte(strings.Join(out, "\n")+"\n"), 0o600)

	if res := Verify(path); res.Valid {
		t.Error("ledger with missing event verified")
	}
}

func TestAppendConcurrent(t *testing.T) {
	l := openLedger(t)

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append(Fields{
					AgentID:   fmt.Sprintf("agent-%d", w),
					EventType: EventDecision,
					Outcome:   OutcomeAllow,
				}); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	if got := l.Len(); got != workers*perWorker {
		t.Errorf("Len() = %d, want %d", got, workers*perWorker)
	}
	res := Verify(l.Path())
	if !res.Valid || res.Events != workers*perWorker {
		t.Errorf("Verify() = %+v", res)
	}
}

func TestUnwritableIsSticky(t *testing.T) {
	l := openLedger(t)
	if _, err := l.Append(Fields{EventType: EventDecision, Outcome: OutcomeAllow}); err != nil {
		t.Fatal(err)
	}

	// Closing the file makes the next write fail.
	l.file.Close()

	if _, err := l.Append(Fields{EventType: EventDecision, Outcome: OutcomeAllow}); err == nil {
		t.Fatal("append on closed file succeeded")
	}
	if !l.Unwritable() {
		t.Error("ledger not marked unwritable after failed append")
	}
	if _, err := l.Append(Fields{EventType: EventDecision, Outcome: OutcomeAllow}); !errors.Is(err, ErrUnwritable) {
		t.Errorf("subsequent append error = %v, want ErrUnwritable", err)
	}
}

func TestQueryFilter(t *testing.T) {
	l := openLedger(t)

	stamps := []string{
		"2026-01-01T10:00:00.000Z",
		"2026-01-01T11:00:00.000Z",
		"2026-01-01T12:00:00.000Z",
	}
	agents := []string{"agent-a", "agent-b", "agent-a"}
	for i := range stamps {
		if _, err := l.Append(Fields{
			Timestamp: stamps[i],
			AgentID:   agents[i],
			SessionID: fmt.Sprintf("sess-%d", i),
			EventType: EventDecision,
			Outcome:   OutcomeAllow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	count := func(f Filter) int {
		t.Helper()
		it, err := Query(l.Path(), f)
		if err != nil {
			t.Fatal(err)
		}
		defer it.Close()
		n := 0
		for it.Next() {
			n++
		}
		if err := it.Err(); err != nil {
			t.Fatal(err)
		}
		return n
	}

	if n := count(Filter{}); n != 3 {
		t.Errorf("unfiltered = %d", n)
	}
	if n := count(Filter{AgentID: "agent-a"}); n != 2 {
		t.Errorf("agent filter = %d", n)
	}
	if n := count(Filter{SessionID: "sess-1"}); n != 1 {
		t.Errorf("session filter = %d", n)
	}
	since, _ := time.Parse(time.RFC3339, "2026-01-01T10:30:00Z")
	until, _ := time.Parse(time.RFC3339, "2026-01-01T12:00:00Z")
	if n := count(Filter{Since: since, Until: until}); n != 1 {
		t.Errorf("time range filter = %d", n)
	}
}
