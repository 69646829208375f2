package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// PersistenceError indicates a run record could not be durably written. The
// record is retained in the in-memory fallback buffer; callers decide
// whether the operation may proceed regardless.
type PersistenceError struct {
	CorrelationID string
	Err           error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("audit persistence failed for %s: %v", e.CorrelationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RunRecord is the durable account of a single execution attempt. A record
// is created when dispatch is accepted and finalized exactly once with a
// terminal status.
type RunRecord struct {
	CorrelationID string            `json:"correlationId"`
	CapabilityID  string            `json:"capabilityId"`
	Tier          string            `json:"tier"`
	RiskClass     string            `json:"riskClass"`
	Status        string            `json:"status"`
	ExitCode      int               `json:"exitCode"`
	ErrorKind     string            `json:"errorKind,omitempty"`
	ErrorMessage  string            `json:"errorMessage,omitempty"`
	Arguments     map[string]string `json:"arguments,omitempty"`
	ConfirmToken  string            `json:"confirmToken,omitempty"`
	DryRun        bool              `json:"dryRun,omitempty"`
	StartedAt     time.Time         `json:"startedAt"`
	CompletedAt   time.Time         `json:"completedAt,omitempty"`
	Buffered      bool              `json:"buffered,omitempty"`
}

func (r *RunRecord) terminal() bool {
	switch r.Status {
	case "pending", "running", "":
		return false
	}
	return true
}

// Filter selects run records for Query and Export.
type Filter struct {
	Since        time.Time
	Until        time.Time
	CapabilityID string
	Status       string
	Limit        int
}

// Store is the append-only run record store. Records are written to the
// hash-chained log and mirrored in an in-memory index for queries. Writes
// that fail land in a bounded ring buffer so the record survives until the
// next successful flush or process exit.
type Store struct {
	mu     sync.RWMutex
	writer *ChainWriter
	index  map[string]*RunRecord
	order  []string
	ring   *ringBuffer
}

// NewStore opens the run record log under dataDir and rebuilds the
// in-memory index from the existing chain files.
func NewStore(logPath string, maxSizeMB, maxBackups int) (*Store, error) {
	writer, err := NewChainWriter(logPath, maxSizeMB, maxBackups)
	if err != nil {
		return nil, err
	}

	s := &Store{
		writer: writer,
		index:  make(map[string]*RunRecord),
		ring:   newRingBuffer(256),
	}

	// Replay backups oldest-first, then the active file.
	for i := maxBackups; i >= 1; i-- {
		s.replayFile(fmt.Sprintf("%s.%d", logPath, i))
	}
	s.replayFile(logPath)

	return s, nil
}

// Begin records the start of a run. If a record for the correlation id
// already exists the call is a no-op, so retried dispatches never produce
// duplicate entries.
func (s *Store) Begin(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[rec.CorrelationID]; ok {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	rec.Status = "pending"

	s.insertLocked(&rec)
	return s.appendLocked(EventRunStarted, &rec)
}

// Complete finalizes a run with its terminal status. Completing an already
// terminal record is a no-op; completing an unknown correlation id creates
// the record so a terminal entry always exists.
func (s *Store) Complete(rec RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.index[rec.CorrelationID]
	if ok && existing.terminal() {
		return nil
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}
	target := &rec
	if ok {
		if rec.StartedAt.IsZero() {
			rec.StartedAt = existing.StartedAt
		}
		*existing = rec
		target = existing
	} else {
		s.insertLocked(&rec)
	}
	return s.appendLocked(EventRunCompleted, target)
}

// Get returns the record for a correlation id, or nil.
func (s *Store) Get(correlationID string) *RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.index[correlationID]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// Query returns matching records, newest first.
func (s *Store) Query(f Filter) []RunRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []RunRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.index[s.order[i]]
		if rec == nil || !matches(rec, f) {
			continue
		}
		out = append(out, *rec)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Export writes matching records as JSONL to w.
func (s *Store) Export(w io.Writer, f Filter) error {
	records := s.Query(f)
	// Query returns newest first; export oldest first for replayability.
	sort.Slice(records, func(i, j int) bool {
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	enc := json.NewEncoder(w)
	for i := range records {
		if err := enc.Encode(&records[i]); err != nil {
			return fmt.Errorf("audit: export record: %w", err)
		}
	}
	return nil
}

// Prune drops index entries older than the cutoff and records the cleanup
// in the chain so retention itself leaves an audit trail. Chain files are
// retained; pruning only bounds the in-memory index.
func (s *Store) Prune(olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []string
	removed := 0
	for _, id := range s.order {
		rec := s.index[id]
		if rec != nil && rec.terminal() && rec.StartedAt.Before(olderThan) {
			delete(s.index, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept

	if removed > 0 {
		err := s.writer.Append(EventRetention, "", map[string]any{
			"removed": removed,
			"cutoff":  olderThan.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Permission records a permission state change alongside run records.
func (s *Store) Permission(resource, from, to string) error {
	return s.writer.Append(EventPermission, "", map[string]any{
		"resource": resource,
		"from":     from,
		"to":       to,
	})
}

// Buffered returns records currently held only in the fallback buffer.
func (s *Store) Buffered() []RunRecord {
	return s.ring.snapshot()
}

// DroppedCount exposes the underlying writer's failed-write count.
func (s *Store) DroppedCount() int64 {
	return s.writer.DroppedCount()
}

// Close closes the underlying chain writer.
func (s *Store) Close() error {
	return s.writer.Close()
}

func (s *Store) insertLocked(rec *RunRecord) {
	s.index[rec.CorrelationID] = rec
	s.order = append(s.order, rec.CorrelationID)
}

func (s *Store) appendLocked(eventType string, rec *RunRecord) error {
	details := map[string]any{
		"capabilityId": rec.CapabilityID,
		"tier":         rec.Tier,
		"riskClass":    rec.RiskClass,
		"status":       rec.Status,
	}
	if rec.DryRun {
		details["dryRun"] = true
	}
	if len(rec.Arguments) > 0 {
		details["arguments"] = rec.Arguments
	}
	if eventType == EventRunCompleted {
		details["exitCode"] = rec.ExitCode
		if rec.ErrorKind != "" {
			details["errorKind"] = rec.ErrorKind
			details["errorMessage"] = rec.ErrorMessage
		}
		details["durationMs"] = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	}

	if err := s.writer.Append(eventType, rec.CorrelationID, details); err != nil {
		rec.Buffered = true
		s.ring.push(*rec)
		return &PersistenceError{CorrelationID: rec.CorrelationID, Err: err}
	}
	return nil
}

// replayFile rebuilds index state from a chain file. Missing files are
// skipped silently since backups may not exist yet.
func (s *Store) replayFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

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
		if entry.CorrelationID == "" {
			continue
		}
		switch entry.EventType {
		case EventRunStarted, EventRunCompleted:
		default:
			continue
		}

		rec := s.index[entry.CorrelationID]
		if rec == nil {
			rec = &RunRecord{CorrelationID: entry.CorrelationID}
			s.insertLocked(rec)
		}
		applyDetails(rec, entry)
	}
}

func applyDetails(rec *RunRecord, entry Entry) {
	ts, _ := time.Parse(time.RFC3339Nano, entry.Timestamp)
	if str, ok := entry.Details["capabilityId"].(string); ok {
		rec.CapabilityID = str
	}
	if str, ok := entry.Details["tier"].(string); ok {
		rec.Tier = str
	}
	if str, ok := entry.Details["riskClass"].(string); ok {
		rec.RiskClass = str
	}
	if str, ok := entry.Details["status"].(string); ok {
		rec.Status = str
	}
	if b, ok := entry.Details["dryRun"].(bool); ok {
		rec.DryRun = b
	}
	if args, ok := entry.Details["arguments"].(map[string]any); ok {
		rec.Arguments = make(map[string]string, len(args))
		for k, v := range args {
			if str, ok := v.(string); ok {
				rec.Arguments[k] = str
			}
		}
	}
	switch entry.EventType {
	case EventRunStarted:
		rec.StartedAt = ts
	case EventRunCompleted:
		rec.CompletedAt = ts
		if code, ok := entry.Details["exitCode"].(float64); ok {
			rec.ExitCode = int(code)
		}
		if str, ok := entry.Details["errorKind"].(string); ok {
			rec.ErrorKind = str
		}
		if str, ok := entry.Details["errorMessage"].(string); ok {
			rec.ErrorMessage = str
		}
	}
}

func matches(rec *RunRecord, f Filter) bool {
	if !f.Since.IsZero() && rec.StartedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.StartedAt.After(f.Until) {
		return false
	}
	if f.CapabilityID != "" && rec.CapabilityID != f.CapabilityID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}
