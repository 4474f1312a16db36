// Package audit records control-plane actions (resources added or removed,
// polling stopped or restarted, interval changes, configuration reloads) in a
// tamper-evident, append-only JSONL file. Entries are SHA-256 hash-chained:
//
//	event_hash = SHA-256( JSON({seq, ts, action, prev_hash}) )
//
// The first entry uses GenesisHash as its prev_hash. Editing, reordering or
// deleting any line breaks the chain, which Verify and Open detect.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcomes recorded on an Action.
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
)

// Action describes one control-plane operation.
type Action struct {
	// Actor identifies who asked: "api:<subject>", "config", "cli".
	Actor string `json:"actor"`
	// Op is a dotted operation name such as "resource.add".
	Op string `json:"op"`
	// Target is the resource identifier, when the operation has one.
	Target  string         `json:"target,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
	Outcome string         `json:"outcome"`
}

// Entry is one verified link of the chain.
type Entry struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Action    Action    `json:"action"`
	PrevHash  string    `json:"prev_hash"`
	EventHash string    `json:"event_hash"`
}

// record is the wire format of one line. The action is kept as raw bytes so
// the hash is recomputed over exactly what was written.
type record struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Action    json.RawMessage `json:"action"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// content is the hashed subset of record.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Action    json.RawMessage `json:"action"`
	PrevHash  string          `json:"prev_hash"`
}

// Logger appends actions to a chained log. It is safe for concurrent use.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens (or creates) the log at path. An existing file is verified and
// the chain continues from its last entry.
func Open(path string) (*Logger, error) {
	prevHash, seq := GenesisHash, int64(0)

	if f, err := os.Open(path); err == nil {
		prevHash, seq, err = readChain(f, nil)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("audit: %q: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}

	return &Logger{
		file:     f,
		prevHash: prevHash,
		seq:      seq,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record appends an entry for a and returns it. An empty Outcome is recorded
// as OutcomeOK.
func (l *Logger) Record(a Action) (Entry, error) {
	if a.Outcome == "" {
		a.Outcome = OutcomeOK
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal action: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := content{
		Seq:       l.seq + 1,
		Timestamp: l.now(),
		Action:    raw,
		PrevHash:  l.prevHash,
	}
	rec := record{
		Seq:       c.Seq,
		Timestamp: c.Timestamp,
		Action:    raw,
		PrevHash:  c.PrevHash,
		EventHash: hashContent(c),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = rec.Seq
	l.prevHash = rec.EventHash

	return Entry{
		Seq:       rec.Seq,
		Timestamp: rec.Timestamp,
		Action:    a,
		PrevHash:  rec.PrevHash,
		EventHash: rec.EventHash,
	}, nil
}

// Close syncs and closes the file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path, checks the whole chain and returns its
// entries in order. An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	_, _, err = readChain(f, func(rec record) error {
		var a Action
		if err := json.Unmarshal(rec.Action, &a); err != nil {
			return fmt.Errorf("malformed action at seq %d: %w", rec.Seq, err)
		}
		entries = append(entries, Entry{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Action:    a,
			PrevHash:  rec.PrevHash,
			EventHash: rec.EventHash,
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return entries, nil
}

// readChain walks every line of r, checking sequence numbers, prev_hash
// linkage and event_hash. It returns the hash and sequence number of the last
// entry.
func readChain(r io.Reader, visit func(record) error) (string, int64, error) {
	prevHash, seq := GenesisHash, int64(0)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return "", 0, fmt.Errorf("malformed entry after seq %d: %w", seq, err)
		}
		if rec.Seq != seq+1 {
			return "", 0, fmt.Errorf("sequence gap: expected seq %d, got %d", seq+1, rec.Seq)
		}
		if rec.PrevHash != prevHash {
			return "", 0, fmt.Errorf("chain break at seq %d: expected prev_hash %q, got %q", rec.Seq, prevHash, rec.PrevHash)
		}
		computed := hashContent(content{
			Seq:       rec.Seq,
			Timestamp: rec.Timestamp,
			Action:    rec.Action,
			PrevHash:  rec.PrevHash,
		})
		if computed != rec.EventHash {
			return "", 0, fmt.Errorf("hash mismatch at seq %d: stored %q, computed %q", rec.Seq, rec.EventHash, computed)
		}
		if visit != nil {
			if err := visit(rec); err != nil {
				return "", 0, err
			}
		}
		prevHash, seq = rec.EventHash, rec.Seq
	}
	if err := scanner.Err(); err != nil {
		return "", 0, fmt.Errorf("scan: %w", err)
	}
	return prevHash, seq, nil
}

func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// content is always serialisable.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
