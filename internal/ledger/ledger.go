package ledger

import (
	"bufio"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Algorithm identifies a checksum algorithm recorded per entry.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

// ParseAlgorithm converts a string into a supported Algorithm.
func ParseAlgorithm(value string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(value))) {
	case SHA256:
		return SHA256, nil
	case SHA512:
		return SHA512, nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", value)
	}
}

// Digest computes the hex digest of data under the given algorithm. Pure
// function: callers use it to produce candidates to record or verify.
func Digest(data []byte, algorithm Algorithm) (string, error) {
	switch algorithm {
	case SHA256:
		sum := sha256.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	case SHA512:
		sum := sha512.Sum512(data)
		return hex.EncodeToString(sum[:]), nil
	default:
		return "", fmt.Errorf("unsupported checksum algorithm %q", algorithm)
	}
}

var (
	// ErrDuplicateEntry indicates a (unit, algorithm) pair was recorded twice.
	// The ledger is append-only; entries are never overwritten.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
	// ErrNoEntry indicates verification was attempted before recording.
	ErrNoEntry = errors.New("no ledger entry")
)

// Entry is one append-only ledger record.
type Entry struct {
	Unit       int       `json:"unit"`
	Algorithm  Algorithm `json:"algorithm"`
	Digest     string    `json:"digest"`
	RecordedAt time.Time `json:"recorded_at"`
}

type entryKey struct {
	unit      int
	algorithm Algorithm
}

// Ledger maintains per-unit content digests, mirrored to an append-only JSONL
// file so a restarted process can reconstruct its state.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries map[entryKey]Entry
}

// Open loads a ledger from path, creating an empty one when the file does not
// exist yet.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path, entries: make(map[entryKey]Entry)}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(text), &entry); err != nil {
			return nil, fmt.Errorf("parse ledger line %d: %w", line, err)
		}
		key := entryKey{unit: entry.Unit, algorithm: entry.Algorithm}
		if _, exists := l.entries[key]; exists {
			return nil, fmt.Errorf("ledger line %d: %w for unit %d/%s", line, ErrDuplicateEntry, entry.Unit, entry.Algorithm)
		}
		l.entries[key] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return l, nil
}

// Record appends a digest for (unit, algorithm). Fails with ErrDuplicateEntry
// when the pair already exists; an entry is immutable once written.
func (l *Ledger) Record(unit int, algorithm Algorithm, digest string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey{unit: unit, algorithm: algorithm}
	if _, exists := l.entries[key]; exists {
		return fmt.Errorf("unit %d/%s: %w", unit, algorithm, ErrDuplicateEntry)
	}

	entry := Entry{Unit: unit, Algorithm: algorithm, Digest: digest, RecordedAt: time.Now().UTC()}
	if err := l.append(entry); err != nil {
		return err
	}
	l.entries[key] = entry
	return nil
}

// Verify compares a candidate digest against the recorded one. It recomputes
// nothing itself; callers produce candidates with Digest. Returns ErrNoEntry
// when the pair was never recorded.
func (l *Ledger) Verify(unit int, algorithm Algorithm, digest string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[entryKey{unit: unit, algorithm: algorithm}]
	if !exists {
		return false, fmt.Errorf("unit %d/%s: %w", unit, algorithm, ErrNoEntry)
	}
	return entry.Digest == digest, nil
}

// DigestFor returns the recorded digest for (unit, algorithm).
func (l *Ledger) DigestFor(unit int, algorithm Algorithm) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, exists := l.entries[entryKey{unit: unit, algorithm: algorithm}]
	if !exists {
		return "", fmt.Errorf("unit %d/%s: %w", unit, algorithm, ErrNoEntry)
	}
	return entry.Digest, nil
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) append(entry Entry) error {
	if dir := filepath.Dir(l.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure ledger dir: %w", err)
		}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	data = append(data, '\n')

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("append ledger entry: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync ledger: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close ledger: %w", err)
	}
	return nil
}
