package codec

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/agentcomm/protocol"
)

func sampleEnvelope(descriptionSize int) *protocol.Envelope {
	return &protocol.Envelope{
		ProtocolVersion: protocol.Version,
		MessageID:       "msg_20260824_120000_abc123",
		CorrelationID:   "req_1724500000_abcdef",
		Timestamp:       "2026-08-24T12:00:00.000Z",
		Sender:          protocol.AgentRef{AgentID: "manager", Type: protocol.AgentManager},
		Receiver:        protocol.AgentRef{AgentID: "impl_1", Type: protocol.AgentImplementation},
		Type:            protocol.TypeTaskAssignment,
		Priority:        protocol.PriorityNormal,
		Payload: &protocol.TaskAssignmentPayload{
			TaskID:        "T1",
			TaskRef:       "plan.md#T1",
			Description:   strings.Repeat("a", descriptionSize),
			MemoryLogPath: "memory/T1.md",
			ExecutionType: protocol.ExecutionSingleStep,
		},
	}
}

func TestRecordRoundTrip(t *testing.T) {
	c := New(nil, nil)
	env := sampleEnvelope(64)
	meta := QueueMetadata{
		QueuedAt:   "2026-08-24T12:00:00.000Z",
		Priority:   protocol.PriorityNormal,
		RetryCount: 2,
		EntryID:    "entry-1",
	}

	line, err := c.EncodeRecord(env, meta)
	require.NoError(t, err)
	assert.NotContains(t, string(line), "\n", "record must be a single line")

	decoded, err := c.DecodeRecord(line)
	require.NoError(t, err)
	assert.Equal(t, env, decoded.Message)
	assert.Equal(t, meta, decoded.QueueMetadata)
}

func TestEnvelopeRoundTripCompressed(t *testing.T) {
	c := New(nil, nil)
	env := sampleEnvelope(protocol.CompressionThreshold * 2)

	line, err := c.EncodeEnvelope(env)
	require.NoError(t, err)

	var marker map[string]any
	require.NoError(t, json.Unmarshal(line, &marker))
	assert.Equal(t, true, marker["__compressed"], "large line should carry the compression marker")
	assert.Less(t, len(line), protocol.CompressionThreshold*2, "compressed line should shrink")

	decoded, err := c.DecodeEnvelope(line)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.CompressedLines)
	assert.Greater(t, stats.AvgCompressionRate, 0.0)
	assert.Less(t, stats.AvgCompressionRate, 1.0)
}

func TestSmallLineNotCompressed(t *testing.T) {
	c := New(nil, nil)

	line, err := c.EncodeEnvelope(sampleEnvelope(32))
	require.NoError(t, err)
	assert.NotContains(t, string(line), "__compressed")
}

func TestEncodeRejectsOversized(t *testing.T) {
	c := New(nil, nil)
	env := sampleEnvelope(protocol.MaxMessageSize + 1)

	_, err := c.EncodeEnvelope(env)
	require.Error(t, err)
	var pe *protocol.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, protocol.CodeSizeExceeded, pe.Code)
}

func TestDecodeMalformed(t *testing.T) {
	c := New(nil, nil)

	tests := []struct {
		name string
		line string
		code protocol.ErrorCode
	}{
		{"not json", `{not json`, protocol.CodeMalformedMessage},
		{"empty", ``, protocol.CodeMalformedMessage},
		{"blank", `   `, protocol.CodeMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.DecodeEnvelope([]byte(tt.line))
			require.Error(t, err)
			var pe *protocol.Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
		})
	}

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.DecodeFailures)
}

func TestDecodeRecordStructuralChecks(t *testing.T) {
	c := New(nil, nil)

	_, err := c.DecodeRecord([]byte(`{"queueMetadata": {"queuedAt": "2026-08-24T12:00:00.000Z", "priority": "LOW", "retryCount": 0}}`))
	assert.Error(t, err, "record without message must be rejected")

	_, err = c.DecodeRecord([]byte(`{"message": {"messageType": "ACK"}}`))
	assert.Error(t, err, "record without queueMetadata must be rejected")
}

func TestDecodeRejectsBadCompressedData(t *testing.T) {
	c := New(nil, nil)

	_, err := c.DecodeEnvelope([]byte(`{"__compressed": true, "data": "not base64!!!"}`))
	assert.Error(t, err)

	_, err = c.DecodeEnvelope([]byte(`{"__compressed": true, "data": "aGVsbG8="}`))
	assert.Error(t, err, "valid base64 of non-gzip bytes must fail")
}

func TestStatsRollingAverages(t *testing.T) {
	c := New(nil, nil)
	env := sampleEnvelope(64)

	for i := 0; i < 150; i++ {
		_, err := c.EncodeEnvelope(env)
		require.NoError(t, err)
	}

	stats := c.Stats()
	assert.Equal(t, int64(150), stats.Encodes)
	assert.Greater(t, stats.AvgOriginalBytes, 0.0)
	assert.Equal(t, stats.AvgOriginalBytes, stats.AvgFinalBytes, "uncompressed lines keep their size")
}
