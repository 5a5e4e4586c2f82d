package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcomm/protocol"
)

func deadMessage(id string) *protocol.Envelope {
	return &protocol.Envelope{
		ProtocolVersion: protocol.Version,
		MessageID:       id,
		Timestamp:       protocol.Now(),
		Sender:          protocol.AgentRef{AgentID: "manager", Type: protocol.AgentManager},
		Receiver:        protocol.AgentRef{AgentID: "impl_1", Type: protocol.AgentImplementation},
		Type:            protocol.TypeTaskUpdate,
		Priority:        protocol.PriorityNormal,
		Payload: &protocol.TaskUpdatePayload{
			TaskID:   "T1",
			Progress: 0.5,
			Status:   protocol.TaskStatusInProgress,
		},
	}
}

func timeoutMeta(receiver string) Metadata {
	return Metadata{
		FailureReason:  ReasonMaxRetriesExceeded,
		FailureMessage: "no acknowledgment after 3 retries",
		ErrorCode:      "DELIVERY_TIMEOUT",
		FailedAt:       time.Now(),
		ReceiverID:     receiver,
	}
}

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	s, err := New("impl_1", cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t, Config{})

	msg := deadMessage("msg_20260824_120000_d1")
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))

	entry, ok := s.Get(msg.MessageID)
	require.True(t, ok)
	assert.Equal(t, msg.MessageID, entry.EntryID)
	assert.Equal(t, ReasonMaxRetriesExceeded, entry.Metadata.FailureReason)
	assert.False(t, entry.AddedAt.IsZero())
}

func TestAddDeduplicates(t *testing.T) {
	s := newTestStore(t, Config{})

	msg := deadMessage("msg_20260824_120000_d2")
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	assert.Equal(t, 1, s.Size())
}

func TestAutoPurgeAtCapacity(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir, MaxSize: 2})

	for i := 0; i < 3; i++ {
		msg := deadMessage(fmt.Sprintf("msg_20260824_12000%d_p%d", i, i))
		require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	}
	assert.Equal(t, 2, s.Size())

	// Oldest was exported before removal.
	_, ok := s.Get("msg_20260824_120000_p0")
	assert.False(t, ok)
	exported := filepath.Join(dir, "purged-msg_20260824_120000_p0.json")
	data, err := os.ReadFile(exported)
	require.NoError(t, err)

	var snap exportSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 1, snap.TotalEntries)
	assert.Equal(t, "msg_20260824_120000_p0", snap.Entries[0].EntryID)
}

func TestListFilters(t *testing.T) {
	s := newTestStore(t, Config{})

	require.NoError(t, s.Add(deadMessage("msg_20260824_120000_f1"), Metadata{
		FailureReason: ReasonMaxRetriesExceeded,
		ErrorCode:     "DELIVERY_TIMEOUT",
		FailedAt:      time.Now(),
		ReceiverID:    "impl_1",
	}))
	require.NoError(t, s.Add(deadMessage("msg_20260824_120001_f2"), Metadata{
		FailureReason: ReasonPermanentProtocolError,
		ErrorCode:     "VERSION_UNSUPPORTED",
		FailedAt:      time.Now(),
		ReceiverID:    "impl_2",
	}))

	all := s.List(Filter{})
	assert.Len(t, all, 2)
	assert.Equal(t, "msg_20260824_120000_f1", all[0].EntryID, "oldest first")

	byReason := s.List(Filter{FailureReason: ReasonPermanentProtocolError})
	require.Len(t, byReason, 1)
	assert.Equal(t, "msg_20260824_120001_f2", byReason[0].EntryID)

	byReceiver := s.List(Filter{ReceiverID: "impl_1"})
	require.Len(t, byReceiver, 1)

	byCode := s.List(Filter{ErrorCode: "VERSION_UNSUPPORTED"})
	require.Len(t, byCode, 1)

	none := s.List(Filter{FailedBefore: time.Now().Add(-time.Hour)})
	assert.Empty(t, none)
}

func TestRetryReturnsMessageAndRemoves(t *testing.T) {
	s := newTestStore(t, Config{})

	msg := deadMessage("msg_20260824_120000_r1")
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))

	got, err := s.Retry(msg.MessageID, "operator")
	require.NoError(t, err)
	assert.Equal(t, msg.MessageID, got.MessageID)
	assert.Equal(t, 0, s.Size())

	_, err = s.Retry(msg.MessageID, "operator")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDiscard(t *testing.T) {
	s := newTestStore(t, Config{})

	msg := deadMessage("msg_20260824_120000_x1")
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	require.NoError(t, s.Discard(msg.MessageID, "operator", "stale task"))
	assert.Equal(t, 0, s.Size())

	err := s.Discard(msg.MessageID, "operator", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	s, err := New("impl_1", Config{Dir: dir}, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Add(deadMessage("msg_20260824_120000_s1"), timeoutMeta("impl_1")))
	require.NoError(t, s.Add(deadMessage("msg_20260824_120001_s2"), timeoutMeta("impl_1")))
	require.NoError(t, s.Discard("msg_20260824_120000_s1", "operator", "test"))
	require.NoError(t, s.Shutdown())

	s2, err := New("impl_1", Config{Dir: dir}, nil, nil)
	require.NoError(t, err)
	defer s2.Shutdown()

	assert.Equal(t, 1, s2.Size())
	_, ok := s2.Get("msg_20260824_120001_s2")
	assert.True(t, ok)
}

func TestAuditTrail(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})

	msg := deadMessage("msg_20260824_120000_a1")
	require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	_, err := s.Retry(msg.MessageID, "operator")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "impl_1-dlq-audit.ndjson"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second auditRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "add", first.Operation)
	assert.Equal(t, "retry", second.Operation)
	assert.Equal(t, "operator", second.Actor)
	assert.Equal(t, msg.MessageID, second.EntryID)
}

func TestExportSnapshot(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir})

	require.NoError(t, s.Add(deadMessage("msg_20260824_120000_e1"), timeoutMeta("impl_1")))
	require.NoError(t, s.Add(deadMessage("msg_20260824_120001_e2"), timeoutMeta("impl_1")))

	path := filepath.Join(dir, "export.json")
	require.NoError(t, s.Export(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var snap exportSnapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "impl_1", snap.AgentID)
	assert.Equal(t, 2, snap.TotalEntries)
	assert.Len(t, snap.Entries, 2)
	assert.NotEmpty(t, snap.ExportedAt)
}

func TestPurgeExpired(t *testing.T) {
	dir := t.TempDir()
	s := newTestStore(t, Config{Dir: dir, RetentionDays: 7})

	require.NoError(t, s.Add(deadMessage("msg_20260824_120000_o1"), timeoutMeta("impl_1")))
	require.NoError(t, s.Add(deadMessage("msg_20260824_120001_o2"), timeoutMeta("impl_1")))

	// Age the first entry past retention.
	s.mu.Lock()
	s.entries["msg_20260824_120000_o1"].AddedAt = time.Now().AddDate(0, 0, -10)
	s.mu.Unlock()

	purged, err := s.PurgeExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	assert.Equal(t, 1, s.Size())

	artifacts, err := s.Artifacts()
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Contains(t, filepath.Base(artifacts[0]), "expired-")
}

func TestPurgeExpiredNothingToDo(t *testing.T) {
	s := newTestStore(t, Config{})
	require.NoError(t, s.Add(deadMessage("msg_20260824_120000_n1"), timeoutMeta("impl_1")))

	purged, err := s.PurgeExpired()
	require.NoError(t, err)
	assert.Zero(t, purged)
	assert.Equal(t, 1, s.Size())
}

func TestStats(t *testing.T) {
	s := newTestStore(t, Config{})

	for i := 0; i < 3; i++ {
		msg := deadMessage(fmt.Sprintf("msg_20260824_12000%d_t%d", i, i))
		require.NoError(t, s.Add(msg, timeoutMeta("impl_1")))
	}
	require.NoError(t, s.Add(deadMessage("msg_20260824_120009_t9"), Metadata{
		FailureReason: ReasonCircuitBreakerOpen,
		FailedAt:      time.Now(),
		ReceiverID:    "impl_2",
	}))

	stats := s.GetStats()
	assert.Equal(t, 4, stats.TotalEntries)
	assert.Equal(t, 3, stats.ByReason[ReasonMaxRetriesExceeded])
	assert.Equal(t, 1, stats.ByReason[ReasonCircuitBreakerOpen])
	assert.Equal(t, 3, stats.ByErrorCode["DELIVERY_TIMEOUT"])
	require.NotEmpty(t, stats.TopReasons)
	assert.Equal(t, ReasonMaxRetriesExceeded, stats.TopReasons[0].Reason)
	assert.InDelta(t, 4.0/24, stats.GrowthPerHour, 0.01)
	assert.GreaterOrEqual(t, stats.OldestEntryAge, time.Duration(0))
}
