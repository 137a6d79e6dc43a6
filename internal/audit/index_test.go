package audit

import (
	"context"
	"path/filepath"
	"testing"
)

func TestIndexMirrorsAppends(t *testing.T) {
	dir := t.TempDir()
	idx, err := OpenIndex(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	l, err := Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	l = l.WithIndex(idx)

	for _, agent := range []string{"agent-a", "agent-b", "agent-a"} {
		if _, err := l.Append(Fields{
			AgentID:   agent,
			EventType: EventDecision,
			Outcome:   OutcomeAllow,
		}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := idx.Query(context.Background(), Filter{AgentID: "agent-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("indexed query returned %d events, want 2", len(events))
	}
	if events[0].Seq > events[1].Seq {
		t.Error("events not in append order")
	}
}

func TestIndexRebuild(t *testing.T) {
	dir := t.TempDir()

	l, err := Open(filepath.Join(dir, "ledger.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if _, err := l.Append(Fields{EventType: EventDispatch, Outcome: OutcomeCompleted}); err != nil {
			t.Fatal(err)
		}
	}
	l.Close()

	idx, err := OpenIndex(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	if err := idx.Rebuild(filepath.Join(dir, "ledger.jsonl")); err != nil {
		t.Fatalf("Rebuild() error = %v", err)
	}
	// Rebuilding again must be idempotent.
	if err := idx.Rebuild(filepath.Join(dir, "ledger.jsonl")); err != nil {
		t.Fatal(err)
	}

	events, err := idx.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 4 {
		t.Errorf("rebuilt index holds %d events, want 4", len(events))
	}
}
