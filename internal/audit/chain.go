// Package audit provides the broker's append-only execution record store
// and the tamper-evident hash-chained log format shared with the
// privileged helper's invocation log.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("audit")

// Event types recorded in the chain.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventPermission   = "permission_change"
	EventHelperOp     = "helper_invocation"
	EventRetention    = "retention_cleanup"
	EventLogRotated   = "log_rotated"
)

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventHelperOp:  true,
	EventRetention: true,
}

// Entry is a single hash-chained record.
type Entry struct {
	Timestamp     string         `json:"timestamp"`
	EventType     string         `json:"eventType"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	PrevHash      string         `json:"prevHash"`
	EntryHash     string         `json:"entryHash"`
}

// ChainWriter writes tamper-evident JSONL records with a SHA-256 hash
// chain. On rotation, a sentinel entry (EventLogRotated) is written as the
// first record in the new file, with prevHash linking to the last entry of
// the old file.
type ChainWriter struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewChainWriter opens (or creates) a chained log file. The chain head is
// recovered from the existing file's last entry so appends continue the
// chain across restarts.
func NewChainWriter(filePath string, maxSizeMB, maxBackups int) (*ChainWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}

	w := &ChainWriter{
		filePath:   filePath,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		prevHash:   "genesis",
	}

	if head, err := lastEntryHash(filePath); err == nil && head != "" {
		w.prevHash = head
	}

	if err := w.openFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// Append writes a single entry with hash chain linking. The chain is only
// advanced after a successful write: if the write fails, the next entry
// re-links to the same prevHash and the failure is counted, never silently
// lost.
func (w *ChainWriter) Append(eventType, correlationID string, details map[string]any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		EventType:     eventType,
		CorrelationID: correlationID,
		Details:       details,
		PrevHash:      w.prevHash,
	}

	entryHash, err := computeHash(entry)
	if err != nil {
		w.dropped.Add(1)
		return fmt.Errorf("audit: compute entry hash: %w", err)
	}
	entry.EntryHash = entryHash

	data, err := json.Marshal(entry)
	if err != nil {
		w.dropped.Add(1)
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	data = append(data, '\n')

	if w.written+int64(len(data)) > w.maxSize {
		if err := w.rotate(); err != nil {
			w.dropped.Add(1)
			return fmt.Errorf("audit: rotate: %w", err)
		}
	}

	n, err := w.file.Write(data)
	if err != nil {
		w.dropped.Add(1)
		return fmt.Errorf("audit: write entry: %w", err)
	}
	w.written += int64(n)

	// Only advance hash chain after successful write
	w.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := w.file.Sync(); err != nil {
			log.Error("failed to fsync critical audit entry", "error", err, "eventType", eventType)
		}
	}
	return nil
}

// Close flushes and closes the log file. Safe on a nil receiver.
func (w *ChainWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// DroppedCount returns the number of entries that failed to write.
func (w *ChainWriter) DroppedCount() int64 {
	if w == nil {
		return -1
	}
	return w.dropped.Load()
}

// Path returns the chain file path.
func (w *ChainWriter) Path() string {
	return w.filePath
}

// computeHash produces the SHA-256 hash for an entry. Fields are
// length-prefixed to prevent delimiter injection between field
// combinations.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.CorrelationID, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (w *ChainWriter) openFile() error {
	f, err := os.OpenFile(w.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("audit: open log: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("audit: stat log: %w", err)
	}

	w.file = f
	w.written = info.Size()
	return nil
}

func (w *ChainWriter) rotate() error {
	prevHashBeforeRotation := w.prevHash

	if w.file != nil {
		w.file.Close()
	}

	// Shift existing backups: .3 → delete, .2 → .3, .1 → .2
	for i := w.maxBackups; i >= 2; i-- {
		src := w.backupName(i - 1)
		dst := w.backupName(i)
		if i == w.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}

	if err := os.Rename(w.filePath, w.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("rotation: failed to rename current log", "error", err)
	}

	if err := w.openFile(); err != nil {
		return err
	}

	// Write rotation sentinel as first entry in new file
	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prevHashBeforeRotation,
		Details: map[string]any{
			"previousFile": w.backupName(1),
		},
	}
	sentinelHash, err := computeHash(sentinel)
	if err != nil {
		log.Error("rotation sentinel hash failed, hash chain broken", "error", err)
		w.dropped.Add(1)
		w.prevHash = "chain-broken"
		return nil // rotation itself succeeded but chain is broken
	}
	sentinel.EntryHash = sentinelHash

	data, err := json.Marshal(sentinel)
	if err != nil {
		log.Error("rotation sentinel marshal failed, hash chain broken", "error", err)
		w.dropped.Add(1)
		w.prevHash = "chain-broken"
		return nil
	}
	data = append(data, '\n')

	n, writeErr := w.file.Write(data)
	if writeErr != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", writeErr)
		w.dropped.Add(1)
		w.prevHash = "chain-broken"
		return nil
	}
	w.written += int64(n)
	w.prevHash = sentinel.EntryHash

	return nil
}

func (w *ChainWriter) backupName(index int) string {
	if index == 0 {
		return w.filePath
	}
	return fmt.Sprintf("%s.%d", w.filePath, index)
}

// lastEntryHash reads the final entry hash from an existing chain file.
func lastEntryHash(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		last = entry.EntryHash
	}
	return last, scanner.Err()
}
