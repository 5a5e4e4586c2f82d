// Package dlq implements the per-agent dead letter queue: terminally failed
// messages land here with the metadata describing why, and every mutating
// operation leaves a line in an append-only audit trail. Entries are keyed by
// the original message ID, so re-adding a failed message is a no-op.
package dlq

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
)

// Defaults.
const (
	DefaultMaxSize           = 1000
	DefaultRetentionDays     = 7
	DefaultWarningThreshold  = 10
	DefaultCriticalThreshold = 100
)

// Failure reasons recorded on DLQ entries.
const (
	ReasonMaxRetriesExceeded     = "max_retries_exceeded"
	ReasonReceiverTerminated     = "receiver_terminated"
	ReasonSchemaValidationFailed = "schema_validation_failed"
	ReasonCircuitBreakerOpen     = "circuit_breaker_open"
	ReasonPermanentProtocolError = "permanent_protocol_error"
	ReasonNackNotRecoverable     = "nack_not_recoverable"
)

// ErrNotFound is returned when an entry ID has no entry.
var ErrNotFound = errors.New("dlq: entry not found")

// Metadata describes why a message was dead-lettered.
type Metadata struct {
	FailureReason       string      `json:"failureReason"`
	FailureMessage      string      `json:"failureMessage,omitempty"`
	ErrorCode           string      `json:"errorCode,omitempty"`
	RetryHistory        []time.Time `json:"retryHistory,omitempty"`
	FailedAt            time.Time   `json:"failedAt"`
	ReceiverID          string      `json:"receiverId,omitempty"`
	ReceiverState       string      `json:"receiverState,omitempty"`
	CircuitBreakerState string      `json:"circuitBreakerState,omitempty"`
}

// Entry is one dead-lettered message. The entry ID is the message ID.
type Entry struct {
	EntryID  string             `json:"entryId"`
	Message  *protocol.Envelope `json:"message"`
	Metadata Metadata           `json:"metadata"`
	AddedAt  time.Time          `json:"addedAt"`
}

// Filter narrows List results. Zero-valued fields match everything.
type Filter struct {
	ErrorCode     string
	FailureReason string
	ReceiverID    string
	FailedAfter   time.Time
	FailedBefore  time.Time
}

func (f Filter) matches(e *Entry) bool {
	if f.ErrorCode != "" && e.Metadata.ErrorCode != f.ErrorCode {
		return false
	}
	if f.FailureReason != "" && e.Metadata.FailureReason != f.FailureReason {
		return false
	}
	if f.ReceiverID != "" && e.Metadata.ReceiverID != f.ReceiverID {
		return false
	}
	if !f.FailedAfter.IsZero() && e.Metadata.FailedAt.Before(f.FailedAfter) {
		return false
	}
	if !f.FailedBefore.IsZero() && e.Metadata.FailedAt.After(f.FailedBefore) {
		return false
	}
	return true
}

// Config controls DLQ limits and retention.
type Config struct {
	Dir               string
	MaxSize           int
	RetentionDays     int
	WarningThreshold  int
	CriticalThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	return c
}

// Store is the dead letter queue for one agent. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	agentID string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	entries map[string]*Entry
	file    *os.File
	audit   *os.File
	closed  bool

	// now is swappable in tests.
	now func() time.Time
}

// New opens the DLQ, replaying any persisted entries.
func New(agentID string, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Store, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	s := &Store{
		agentID: agentID,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "dlq"), slog.String("agent", agentID)),
		metrics: m,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	var err error
	s.file, err = os.OpenFile(s.entriesPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dlq log: %w", err)
	}
	s.audit, err = os.OpenFile(s.auditPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		s.file.Close()
		return nil, fmt.Errorf("open dlq audit log: %w", err)
	}

	s.metrics.SetDLQSize(len(s.entries))
	if len(s.entries) > 0 {
		s.logger.Info("dead letter queue restored", slog.Int("entries", len(s.entries)))
	}
	return s, nil
}

func (s *Store) entriesPath() string {
	return filepath.Join(s.cfg.Dir, s.agentID+"-dlq.ndjson")
}

func (s *Store) auditPath() string {
	return filepath.Join(s.cfg.Dir, s.agentID+"-dlq-audit.ndjson")
}

// Add inserts a dead-lettered message. Duplicate message IDs are a no-op.
// When the queue is at capacity the oldest entry is purged to make room.
func (s *Store) Add(msg *protocol.Envelope, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("dlq: store closed")
	}

	if _, exists := s.entries[msg.MessageID]; exists {
		s.logger.Debug("duplicate dead letter ignored", slog.String("entry_id", msg.MessageID))
		return nil
	}

	if len(s.entries) >= s.cfg.MaxSize {
		if err := s.purgeOldestLocked(); err != nil {
			return err
		}
	}

	entry := &Entry{
		EntryID:  msg.MessageID,
		Message:  msg,
		Metadata: meta,
		AddedAt:  s.now(),
	}
	s.entries[entry.EntryID] = entry
	if err := s.appendEntryLocked(entry); err != nil {
		delete(s.entries, entry.EntryID)
		return err
	}
	s.auditLocked(auditRecord{Operation: "add", EntryID: entry.EntryID, Reason: meta.FailureReason})

	s.metrics.IncDLQAdded()
	s.metrics.SetDLQSize(len(s.entries))
	s.alertLocked()
	return nil
}

// alertLocked emits threshold alerts after an insertion.
func (s *Store) alertLocked() {
	n := len(s.entries)
	switch {
	case n >= s.cfg.CriticalThreshold:
		s.logger.Error("dead letter queue critical",
			slog.Int("entries", n), slog.Int("threshold", s.cfg.CriticalThreshold))
	case n >= s.cfg.WarningThreshold:
		s.logger.Warn("dead letter queue growing",
			slog.Int("entries", n), slog.Int("threshold", s.cfg.WarningThreshold))
	}
}

// purgeOldestLocked exports the oldest entry to purged-<entryId>.json and
// removes it.
func (s *Store) purgeOldestLocked() error {
	var oldest *Entry
	for _, e := range s.entries {
		if oldest == nil || e.AddedAt.Before(oldest.AddedAt) {
			oldest = e
		}
	}
	if oldest == nil {
		return nil
	}

	path := filepath.Join(s.cfg.Dir, "purged-"+oldest.EntryID+".json")
	if err := s.exportEntries(path, []*Entry{oldest}); err != nil {
		return err
	}
	delete(s.entries, oldest.EntryID)
	if err := s.rewriteLocked(); err != nil {
		return err
	}
	s.auditLocked(auditRecord{
		Operation: "purge",
		EntryID:   oldest.EntryID,
		Reason:    "size_limit",
		Details:   path,
	})
	s.logger.Warn("dead letter queue full, purged oldest entry",
		slog.String("entry_id", oldest.EntryID), slog.String("export", path))
	return nil
}

// List returns entries matching the filter, oldest first.
func (s *Store) List(filter Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if filter.matches(e) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out
}

// Get returns the entry for an ID.
func (s *Store) Get(entryID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Size returns the number of entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Retry removes the entry and returns its original message for re-sending.
func (s *Store) Retry(entryID, actor string) (*protocol.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", entryID, ErrNotFound)
	}
	delete(s.entries, entryID)
	if err := s.rewriteLocked(); err != nil {
		s.entries[entryID] = e
		return nil, err
	}
	s.auditLocked(auditRecord{Operation: "retry", EntryID: entryID, Actor: actor})
	s.metrics.SetDLQSize(len(s.entries))
	s.logger.Info("dead letter retried", slog.String("entry_id", entryID), slog.String("actor", actor))
	return e.Message, nil
}

// Discard removes the entry without returning it.
func (s *Store) Discard(entryID, actor, justification string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return fmt.Errorf("discard %s: %w", entryID, ErrNotFound)
	}
	delete(s.entries, entryID)
	if err := s.rewriteLocked(); err != nil {
		s.entries[entryID] = e
		return err
	}
	s.auditLocked(auditRecord{
		Operation: "discard",
		EntryID:   entryID,
		Actor:     actor,
		Reason:    justification,
	})
	s.metrics.SetDLQSize(len(s.entries))
	s.logger.Info("dead letter discarded",
		slog.String("entry_id", entryID), slog.String("actor", actor))
	return nil
}

// Shutdown closes the log handles.
func (s *Store) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if err := s.file.Close(); err != nil {
		firstErr = err
	}
	if err := s.audit.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

type auditRecord struct {
	Operation string    `json:"operation"`
	EntryID   string    `json:"entryId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// auditLocked appends one audit line. Audit failures are logged, not
// returned: the primary mutation has already happened.
func (s *Store) auditLocked(rec auditRecord) {
	rec.Timestamp = s.now()
	data, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal audit record", slog.String("error", err.Error()))
		return
	}
	if _, err := s.audit.Write(append(data, '\n')); err != nil {
		s.logger.Error("append audit record", slog.String("error", err.Error()))
		return
	}
	s.audit.Sync()
}

func (s *Store) appendEntryLocked(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append dlq entry: %w", err)
	}
	return s.file.Sync()
}

// rewriteLocked rewrites the entries log atomically from the in-memory map
// and reopens the append handle.
func (s *Store) rewriteLocked() error {
	entries := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AddedAt.Before(entries[j].AddedAt) })

	path := s.entriesPath()
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create dlq rewrite file: %w", err)
	}
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("marshal dlq entry: %w", err)
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("write dlq rewrite file: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync dlq rewrite file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close dlq rewrite file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace dlq log: %w", err)
	}

	if s.file != nil {
		s.file.Close()
	}
	s.file, err = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen dlq log: %w", err)
	}
	return nil
}

// replay loads persisted entries. Unparseable lines are skipped with a
// warning so one corrupt line cannot take the whole store down.
func (s *Store) replay() error {
	data, err := os.ReadFile(s.entriesPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dlq log: %w", err)
	}

	start := 0
	for i := 0; i <= len(data); i++ {
		if i != len(data) && data[i] != '\n' {
			continue
		}
		line := data[start:i]
		start = i + 1
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping unparseable dlq line", slog.String("error", err.Error()))
			continue
		}
		s.entries[entry.EntryID] = &entry
	}
	return nil
}
