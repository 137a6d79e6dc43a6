package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult holds the outcome of a chain verification.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Events    int    `json:"events"`
	BrokenSeq uint64 `json:"broken_seq,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Verify walks the full ledger and validates the hash chain.
func Verify(path string) VerifyResult {
	return VerifyRange(path, 0, ^uint64(0))
}

// VerifyRange validates the chain over [from, to) sequence numbers.
// It recomputes every event hash in range and checks prev_hash
// linkage and sequence contiguity, reporting the first broken link.
// Verification only reads; the ledger never rewrites history.
func VerifyRange(path string, from, to uint64) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	var (
		count    int
		prevSeq  uint64
		prevHash string
		started  bool
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return VerifyResult{Events: count, Error: fmt.Sprintf("parse: %v", err)}
		}

		if ev.Seq < from {
			// Events before the range still feed linkage state.
			prevSeq, prevHash, started = ev.Seq, ev.Hash, true
			continue
		}
		if ev.Seq >= to {
			break
		}

		if started && ev.Seq != prevSeq+1 {
			return VerifyResult{Events: count, BrokenSeq: ev.Seq,
				Error: fmt.Sprintf("sequence gap: %d follows %d", ev.Seq, prevSeq)}
		}
		if !started && ev.Seq == 0 && ev.PrevHash != GenesisHash {
			return VerifyResult{Events: count, BrokenSeq: 0,
				Error: fmt.Sprintf("seq 0 prev_hash is %q, expected genesis", ev.PrevHash)}
		}
		if started && ev.PrevHash != prevHash {
			return VerifyResult{Events: count, BrokenSeq: ev.Seq,
				Error: fmt.Sprintf("prev_hash mismatch at seq %d", ev.Seq)}
		}
		if computed := ComputeHash(ev); computed != ev.Hash {
			return VerifyResult{Events: count, BrokenSeq: ev.Seq,
				Error: fmt.Sprintf("hash mismatch at seq %d", ev.Seq)}
		}

		count++
		prevSeq, prevHash, started = ev.Seq, ev.Hash, true
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Events: count, Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Events: count}
}
