package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcomm/protocol"
)

func validEnvelope() *protocol.Envelope {
	return &protocol.Envelope{
		ProtocolVersion: protocol.Version,
		MessageID:       protocol.NewMessageID(),
		CorrelationID:   protocol.NewCorrelationID(),
		Timestamp:       protocol.Now(),
		Sender:          protocol.AgentRef{AgentID: "manager", Type: protocol.AgentManager},
		Receiver:        protocol.AgentRef{AgentID: "impl_1", Type: protocol.AgentImplementation},
		Type:            protocol.TypeTaskAssignment,
		Priority:        protocol.PriorityHigh,
		Payload: &protocol.TaskAssignmentPayload{
			TaskID:        "T1",
			TaskRef:       "plan.md#T1",
			Description:   "do the thing",
			MemoryLogPath: "memory/T1.md",
			ExecutionType: protocol.ExecutionSingleStep,
		},
	}
}

func TestSyntaxLevel(t *testing.T) {
	v := New(nil)

	tests := []struct {
		name  string
		input string
		valid bool
	}{
		{"valid json", `{"a": 1}`, true},
		{"empty", ``, false},
		{"not json", `{not json`, false},
		{"bad utf8", "{\"a\": \"\xff\xfe\"}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, result := v.ValidateBytes([]byte(tt.input), LevelSyntax)
			assert.Equal(t, tt.valid, result.Valid)
			if !tt.valid {
				require.NotEmpty(t, result.Errors)
				assert.Equal(t, protocol.CodeMalformedMessage, result.FirstError().Code)
			}
		})
	}
}

func TestSchemaLevelMissingFields(t *testing.T) {
	v := New(nil)

	_, result := v.ValidateBytes([]byte(`{"messageType": "ACK"}`), LevelSchema)
	require.False(t, result.Valid)

	var fields []string
	for _, e := range result.Errors {
		assert.Equal(t, protocol.CodeMissingField, e.Code)
		fields = append(fields, e.Field)
	}
	joined := strings.Join(fields, ",")
	assert.Contains(t, joined, "messageId")
	assert.Contains(t, joined, "timestamp")
}

func TestSchemaLevelInvalidEnum(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Priority = protocol.Priority("URGENT")
	result := v.ValidateEnvelope(env, LevelSchema)
	require.False(t, result.Valid)

	found := false
	for _, e := range result.Errors {
		if e.Code == protocol.CodeInvalidEnumValue && e.Field == "priority" {
			found = true
		}
	}
	assert.True(t, found, "expected INVALID_ENUM_VALUE for priority, got %+v", result.Errors)
}

func TestSchemaLevelSizeExceeded(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	assignment := env.Payload.(*protocol.TaskAssignmentPayload)
	assignment.Description = strings.Repeat("x", protocol.MaxMessageSize+1)

	result := v.ValidateEnvelope(env, LevelSchema)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeSizeExceeded, result.FirstError().Code)
}

func TestSchemaLevelLargeMessageWarning(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	assignment := env.Payload.(*protocol.TaskAssignmentPayload)
	assignment.Description = strings.Repeat("x", protocol.LargeMessageWarning+1)

	result := v.ValidateEnvelope(env, LevelSchema)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
}

func TestSemanticVersionRejected(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.ProtocolVersion = "2.0.0"
	result := v.ValidateEnvelope(env, LevelSemantic)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeVersionUnsupported, result.FirstError().Code)
	assert.False(t, result.FirstError().Recoverable)
}

func TestSemanticMessageID(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.MessageID = "not-a-message-id"
	result := v.ValidateEnvelope(env, LevelSemantic)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeInvalidMessageID, result.FirstError().Code)
}

func TestSemanticMissingCorrelation(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.CorrelationID = ""
	result := v.ValidateEnvelope(env, LevelSemantic)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeMissingCorrelation, result.FirstError().Code)
}

func TestSemanticAckWithoutCorrelationIsWarning(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Type = protocol.TypeAck
	env.CorrelationID = ""
	env.Payload = &protocol.AckPayload{
		AcknowledgedMessageID: protocol.NewMessageID(),
		Status:                protocol.AckReceived,
		Timestamp:             protocol.Now(),
	}
	result := v.ValidateEnvelope(env, LevelSemantic)
	assert.True(t, result.Valid, "errors: %+v", result.Errors)
	assert.NotEmpty(t, result.Warnings)
}

func TestSemanticTaskUpdateRules(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Type = protocol.TypeTaskUpdate
	env.CorrelationID = ""
	env.Payload = &protocol.TaskUpdatePayload{
		TaskID:   "T1",
		Progress: 0.4,
		Status:   protocol.TaskStatusCompleted,
	}
	result := v.ValidateEnvelope(env, LevelSemantic)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeBusinessRule, result.FirstError().Code)
}

func TestSemanticBlockedWithoutBlockersWarns(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Type = protocol.TypeTaskUpdate
	env.CorrelationID = ""
	env.Payload = &protocol.TaskUpdatePayload{
		TaskID:   "T1",
		Progress: 0.4,
		Status:   protocol.TaskStatusBlocked,
	}
	result := v.ValidateEnvelope(env, LevelSemantic)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
}

func TestSemanticNackWarnings(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Type = protocol.TypeNack
	env.Payload = &protocol.NackPayload{
		RejectedMessageID: protocol.NewMessageID(),
		Reason:            "permanent schema failure",
		Timestamp:         protocol.Now(),
		CanRetry:          true,
	}
	result := v.ValidateEnvelope(env, LevelSemantic)
	assert.True(t, result.Valid, "errors: %+v", result.Errors)
	// Missing suggestedFix plus canRetry/permanent contradiction.
	assert.Len(t, result.Warnings, 2)
}

func TestSemanticHandoffSelfTarget(t *testing.T) {
	v := New(nil)

	env := validEnvelope()
	env.Type = protocol.TypeHandoffRequest
	env.Payload = &protocol.HandoffRequestPayload{
		TaskID:      "T1",
		Reason:      protocol.HandoffLoadBalancing,
		SourceAgent: "impl_1",
		TargetAgent: "impl_1",
	}
	result := v.ValidateEnvelope(env, LevelSemantic)
	require.False(t, result.Valid)
	assert.Equal(t, protocol.CodeBusinessRule, result.FirstError().Code)
}

func TestValidEnvelopePassesAllLevels(t *testing.T) {
	v := New(nil)

	result := v.ValidateEnvelope(validEnvelope(), LevelSemantic)
	assert.True(t, result.Valid, "errors: %+v", result.Errors)
	assert.Empty(t, result.Errors)
}
