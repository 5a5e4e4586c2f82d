package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	assert.True(t, ValidMessageID(id), "generated ID %q should match pattern", id)
}

func TestRandomSuffix(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s := randomSuffix(6)
		require.Len(t, s, 6)
		for _, r := range s {
			assert.Contains(t, "0123456789abcdef", string(r))
		}
		seen[s] = true
	}
	// Hex suffixes off a UUID should essentially never collide in 100 draws.
	assert.Greater(t, len(seen), 90)

	assert.Len(t, randomSuffix(64), 32, "capped at the UUID's hex length")
}

func TestValidMessageID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"msg_20260824_120000_abc123", true},
		{"msg_20260824_120000_A1", true},
		{"msg_2026_120000_abc", false},
		{"msg_20260824_120000_", false},
		{"message_20260824_120000_abc", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidMessageID(tt.id))
		})
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 30, 0, 250*int(time.Millisecond), time.UTC)
	s := Timestamp(now)
	assert.True(t, ValidTimestamp(s))

	parsed, err := ParseTimestamp(s)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestValidateProtocolVersion(t *testing.T) {
	assert.NoError(t, ValidateProtocolVersion("1.0.0"))
	assert.NoError(t, ValidateProtocolVersion("1.9.3"))
	assert.Error(t, ValidateProtocolVersion("2.0.0"))
	assert.Error(t, ValidateProtocolVersion("0.9.0"))
	assert.Error(t, ValidateProtocolVersion("not-semver"))
	assert.Error(t, ValidateProtocolVersion("1.0"))
}

func TestValidateAgentID(t *testing.T) {
	assert.True(t, ValidateAgentID("agent_1"))
	assert.True(t, ValidateAgentID("Manager1"))
	assert.True(t, ValidateAgentID("*"))
	assert.False(t, ValidateAgentID(""))
	assert.False(t, ValidateAgentID("agent-1"))
	assert.False(t, ValidateAgentID("agent 1"))
}

func TestRequiresCorrelation(t *testing.T) {
	assert.True(t, RequiresCorrelation(TypeTaskAssignment))
	assert.True(t, RequiresCorrelation(TypeHandoffRequest))
	assert.True(t, RequiresCorrelation(TypeAck))
	assert.True(t, RequiresCorrelation(TypeNack))
	assert.False(t, RequiresCorrelation(TypeTaskUpdate))
	assert.False(t, RequiresCorrelation(TypeStateSync))
	assert.False(t, RequiresCorrelation(TypeErrorReport))
}

func TestValidateCompletedStatus(t *testing.T) {
	assert.NoError(t, ValidateCompletedStatus(TaskStatusCompleted, 1.0))
	assert.Error(t, ValidateCompletedStatus(TaskStatusCompleted, 0.5))
	assert.NoError(t, ValidateCompletedStatus(TaskStatusInProgress, 0.5))
}

func TestValidateHandoffTarget(t *testing.T) {
	assert.NoError(t, ValidateHandoffTarget("agent_a", "agent_b"))
	assert.Error(t, ValidateHandoffTarget("agent_a", "agent_a"))
}

func TestEnvelopeDecodeDispatchesPayload(t *testing.T) {
	raw := `{
		"protocolVersion": "1.0.0",
		"messageId": "msg_20260824_120000_abc123",
		"correlationId": "req_1_x",
		"timestamp": "2026-08-24T12:00:00.000Z",
		"sender": {"agentId": "manager", "type": "Manager"},
		"receiver": {"agentId": "impl_1", "type": "Implementation"},
		"messageType": "TASK_ASSIGNMENT",
		"priority": "HIGH",
		"payload": {
			"taskId": "T1",
			"taskRef": "plan.md#T1",
			"description": "implement the thing",
			"memoryLogPath": "memory/T1.md",
			"executionType": "multi-step",
			"dependencies": ["T0"]
		}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	assignment, ok := env.Payload.(*TaskAssignmentPayload)
	require.True(t, ok, "payload should decode to *TaskAssignmentPayload, got %T", env.Payload)
	assert.Equal(t, "T1", assignment.TaskID)
	assert.Equal(t, ExecutionMultiStep, assignment.ExecutionType)
	assert.Equal(t, TypeTaskAssignment, assignment.Kind())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		ProtocolVersion: Version,
		MessageID:       "msg_20260824_120000_abc123",
		CorrelationID:   "req_1724500000_abcdef",
		Timestamp:       "2026-08-24T12:00:00.000Z",
		Sender:          AgentRef{AgentID: "impl_1", Type: AgentImplementation},
		Receiver:        AgentRef{AgentID: "manager", Type: AgentManager},
		Type:            TypeTaskUpdate,
		Priority:        PriorityNormal,
		Payload: &TaskUpdatePayload{
			TaskID:   "T1",
			Progress: 0.5,
			Status:   TaskStatusInProgress,
			Notes:    "halfway",
		},
		Metadata: &Metadata{RetryCount: 1, Tags: []string{"phase1"}},
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env, &decoded)
}

func TestEnvelopeDecodeUnknownType(t *testing.T) {
	raw := `{"messageType": "BOGUS", "payload": {"x": 1}}`
	var env Envelope
	err := json.Unmarshal([]byte(raw), &env)
	assert.Error(t, err)
}

func TestPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid update", &TaskUpdatePayload{TaskID: "T1", Progress: 0.5, Status: TaskStatusInProgress}, false},
		{"progress out of range", &TaskUpdatePayload{TaskID: "T1", Progress: 1.5, Status: TaskStatusInProgress}, true},
		{"completed without full progress", &TaskUpdatePayload{TaskID: "T1", Progress: 0.9, Status: TaskStatusCompleted}, true},
		{"handoff to self", &HandoffRequestPayload{TaskID: "T1", Reason: HandoffLoadBalancing, SourceAgent: "a", TargetAgent: "a"}, true},
		{"valid handoff", &HandoffRequestPayload{TaskID: "T1", Reason: HandoffLoadBalancing, SourceAgent: "a", TargetAgent: "b"}, false},
		{"ack without target", &AckPayload{Status: AckReceived, Timestamp: Now()}, true},
		{"nack without reason", &NackPayload{RejectedMessageID: "msg_20260824_120000_a1", Timestamp: Now()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestProtocolErrorFormat(t *testing.T) {
	e := NewError(CodeMissingField, "priority is required")
	e.Field = "priority"
	assert.Contains(t, e.Error(), "MISSING_FIELD")
	assert.Contains(t, e.Error(), "priority")
}
