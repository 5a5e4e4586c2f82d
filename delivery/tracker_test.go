package delivery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcomm/protocol"
)

func trackedMessage(id string) *protocol.Envelope {
	return &protocol.Envelope{
		ProtocolVersion: protocol.Version,
		MessageID:       id,
		CorrelationID:   "req_1_abc",
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

// fastConfig keeps timer-driven tests quick.
func fastConfig(dir string) Config {
	return Config{
		MaxRetries:     2,
		BaseRetryDelay: 10 * time.Millisecond,
		MaxRetryDelay:  40 * time.Millisecond,
		StateDir:       dir,
		Timeouts: map[protocol.MessageType]time.Duration{
			protocol.TypeTaskUpdate: 30 * time.Millisecond,
		},
	}
}

func collectEvents(t *testing.T, tr *Tracker) <-chan Event {
	t.Helper()
	ch := make(chan Event, 64)
	tr.Subscribe(func(ev Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestTrackAndAck(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	ch := collectEvents(t, tr)
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t1")
	require.NoError(t, tr.TrackSentMessage(msg))
	waitEvent(t, ch, EventMessageSent)
	assert.Equal(t, 1, tr.InFlight())

	tr.HandleAck(&protocol.AckPayload{
		AcknowledgedMessageID: msg.MessageID,
		Status:                protocol.AckProcessed,
		Timestamp:             protocol.Now(),
	})
	ev := waitEvent(t, ch, EventMessageAcknowledged)
	assert.Equal(t, protocol.AckProcessed, ev.AckStatus)
	assert.Equal(t, 0, tr.InFlight())
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t2")
	require.NoError(t, tr.TrackSentMessage(msg))

	ack := &protocol.AckPayload{
		AcknowledgedMessageID: msg.MessageID,
		Status:                protocol.AckProcessed,
		Timestamp:             protocol.Now(),
	}
	tr.HandleAck(ack)
	tr.HandleAck(ack) // duplicate: warning only, no state change
	assert.Equal(t, 0, tr.InFlight())
}

func TestAckAndNackAreNotTracked(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	tr.Start()

	ackEnv := trackedMessage("msg_20260824_120000_t3")
	ackEnv.Type = protocol.TypeAck
	ackEnv.Payload = &protocol.AckPayload{
		AcknowledgedMessageID: "msg_20260824_115959_zz",
		Status:                protocol.AckReceived,
		Timestamp:             protocol.Now(),
	}
	require.NoError(t, tr.TrackSentMessage(ackEnv))
	assert.Equal(t, 0, tr.InFlight())
}

func TestTerminalNackFailsImmediately(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	ch := collectEvents(t, tr)
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t4")
	require.NoError(t, tr.TrackSentMessage(msg))

	tr.HandleNack(&protocol.NackPayload{
		RejectedMessageID: msg.MessageID,
		Reason:            "permanent schema failure",
		Timestamp:         protocol.Now(),
		ErrorCode:         "SCHEMA_MISMATCH",
		CanRetry:          false,
	})

	ev := waitEvent(t, ch, EventMessageFailed)
	assert.Equal(t, ReasonNackNotRecoverable, ev.FailureReason)
	assert.Equal(t, "SCHEMA_MISMATCH", ev.NackErrorCode)
	assert.Equal(t, 0, tr.InFlight())
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	ch := collectEvents(t, tr)
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t5")
	require.NoError(t, tr.TrackSentMessage(msg))

	first := waitEvent(t, ch, EventMessageRetry)
	assert.Equal(t, 1, first.RetryCount)
	second := waitEvent(t, ch, EventMessageRetry)
	assert.Equal(t, 2, second.RetryCount)

	failed := waitEvent(t, ch, EventMessageFailed)
	assert.Equal(t, ReasonMaxRetriesExceeded, failed.FailureReason)
	assert.Len(t, failed.RetryHistory, 2)
	assert.Equal(t, 0, tr.InFlight())
}

func TestRetryDelaySchedule(t *testing.T) {
	tr, err := New("impl_1", Config{
		MaxRetries:     5,
		BaseRetryDelay: 1 * time.Second,
		MaxRetryDelay:  4 * time.Second,
	}, nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()

	// k-th retry delay is min(base * 2^(k-1), max).
	assert.Equal(t, 1*time.Second, tr.retryDelay(0))
	assert.Equal(t, 2*time.Second, tr.retryDelay(1))
	assert.Equal(t, 4*time.Second, tr.retryDelay(2))
	assert.Equal(t, 4*time.Second, tr.retryDelay(3))
	assert.Equal(t, 4*time.Second, tr.retryDelay(10))
}

func TestSnapshotWrittenOnChange(t *testing.T) {
	dir := t.TempDir()
	tr, err := New("impl_1", fastConfig(dir), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t6")
	require.NoError(t, tr.TrackSentMessage(msg))

	data, err := os.ReadFile(filepath.Join(dir, "impl_1-delivery-state.json"))
	require.NoError(t, err)

	var snap snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap.Deliveries, msg.MessageID)
	assert.False(t, snap.LastUpdated.IsZero())
}

func TestRestoreResumesTracking(t *testing.T) {
	dir := t.TempDir()
	tr, err := New("impl_1", fastConfig(dir), nil, nil)
	require.NoError(t, err)
	msg := trackedMessage("msg_20260824_120000_t7")
	require.NoError(t, tr.TrackSentMessage(msg))
	tr.Shutdown()

	tr2, err := New("impl_1", fastConfig(dir), nil, nil)
	require.NoError(t, err)
	defer tr2.Shutdown()
	assert.Equal(t, 1, tr2.InFlight())
}

func TestRestoreExpiredTimeoutReEvaluates(t *testing.T) {
	dir := t.TempDir()

	// Persist a state whose timeout passed while the process was down and
	// whose retries are exhausted: Start must fail it exactly as a live
	// timer firing would.
	msg := trackedMessage("msg_20260824_120000_t8")
	past := time.Now().Add(-time.Minute)
	snap := snapshot{
		Deliveries: map[string]*State{
			msg.MessageID: {
				Message:      msg,
				SentAt:       past,
				RetryCount:   2,
				TimeoutAt:    past.Add(30 * time.Millisecond),
				RetryHistory: []time.Time{past, past},
			},
		},
		LastUpdated: past,
	}
	data, err := json.Marshal(&snap)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "impl_1-delivery-state.json"), data, 0o644))

	tr, err := New("impl_1", fastConfig(dir), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	ch := collectEvents(t, tr)
	tr.Start()

	ev := waitEvent(t, ch, EventMessageFailed)
	assert.Equal(t, ReasonMaxRetriesExceeded, ev.FailureReason)
	assert.Len(t, ev.RetryHistory, 2)
	assert.Equal(t, 0, tr.InFlight())
}

func TestAckCancelsPendingTimeout(t *testing.T) {
	tr, err := New("impl_1", fastConfig(t.TempDir()), nil, nil)
	require.NoError(t, err)
	defer tr.Shutdown()
	ch := collectEvents(t, tr)
	tr.Start()

	msg := trackedMessage("msg_20260824_120000_t9")
	require.NoError(t, tr.TrackSentMessage(msg))
	tr.HandleAck(&protocol.AckPayload{
		AcknowledgedMessageID: msg.MessageID,
		Status:                protocol.AckReceived,
		Timestamp:             protocol.Now(),
	})
	waitEvent(t, ch, EventMessageAcknowledged)

	// Well past the timeout: no retry or failure may surface.
	time.Sleep(100 * time.Millisecond)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event after ack: %s", ev.Type)
	default:
	}
}
