// Package protocol defines the wire-level message protocol exchanged between
// agents: the envelope, the closed set of payload types, the enums they draw
// from, and the pure predicates the validator builds on.
//
// The protocol is versioned with semver. A receiver rejects any message whose
// major version differs from its own.
package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version this build speaks.
const Version = "1.0.0"

const (
	// MaxMessageSize is the maximum serialized envelope size in bytes (1 MiB).
	MaxMessageSize = 1 << 20

	// CompressionThreshold is the UTF-8 byte length above which a serialized
	// line is compressed (10 KiB).
	CompressionThreshold = 10 * 1024

	// LargeMessageWarning is the size above which the validator emits a
	// warning (100 KiB).
	LargeMessageWarning = 100 * 1024
)

// MessageType discriminates the payload union.
type MessageType string

// The closed set of message types.
const (
	TypeTaskAssignment MessageType = "TASK_ASSIGNMENT"
	TypeTaskUpdate     MessageType = "TASK_UPDATE"
	TypeStateSync      MessageType = "STATE_SYNC"
	TypeErrorReport    MessageType = "ERROR_REPORT"
	TypeHandoffRequest MessageType = "HANDOFF_REQUEST"
	TypeAck            MessageType = "ACK"
	TypeNack           MessageType = "NACK"
)

// MessageTypes lists every valid message type in declaration order.
func MessageTypes() []MessageType {
	return []MessageType{
		TypeTaskAssignment,
		TypeTaskUpdate,
		TypeStateSync,
		TypeErrorReport,
		TypeHandoffRequest,
		TypeAck,
		TypeNack,
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeTaskAssignment, TypeTaskUpdate, TypeStateSync,
		TypeErrorReport, TypeHandoffRequest, TypeAck, TypeNack:
		return true
	}
	return false
}

// Priority orders messages at dequeue time.
type Priority string

// Priorities, highest first.
const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

// Priorities lists every priority, highest first. Dequeue walks this order.
func Priorities() []Priority {
	return []Priority{PriorityHigh, PriorityNormal, PriorityLow}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// AgentType is the role of an agent.
type AgentType string

// Agent roles. Wildcard addresses every agent (broadcast).
const (
	AgentManager        AgentType = "Manager"
	AgentImplementation AgentType = "Implementation"
	AgentAdHoc          AgentType = "AdHoc"
	AgentWildcard       AgentType = "*"
)

// Valid reports whether t is a known agent type.
func (t AgentType) Valid() bool {
	switch t {
	case AgentManager, AgentImplementation, AgentAdHoc, AgentWildcard:
		return true
	}
	return false
}

// AgentRef identifies a message sender or receiver.
type AgentRef struct {
	AgentID string    `json:"agentId" validate:"required"`
	Type    AgentType `json:"type" validate:"required,oneof=Manager Implementation AdHoc *"`
}

func (r AgentRef) String() string {
	return string(r.Type) + "/" + r.AgentID
}

// Metadata carries optional envelope metadata.
type Metadata struct {
	RetryCount int      `json:"retryCount,omitempty"`
	TTL        int64    `json:"ttl,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

var (
	messageIDPattern = regexp.MustCompile(`^msg_\d{8}_\d{6}_[a-zA-Z0-9]+$`)
	agentIDPattern   = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
	timestampPattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)
)

// randomSuffix takes the first n characters of a fresh UUID with the
// hyphens stripped; the hex alphabet satisfies the ID patterns.
func randomSuffix(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// NewMessageID generates a fresh message identifier of the form
// msg_{YYYYMMDD}_{HHMMSS}_{alnum}.
func NewMessageID() string {
	now := time.Now().UTC()
	return fmt.Sprintf("msg_%s_%s_%s",
		now.Format("20060102"), now.Format("150405"), randomSuffix(6))
}

// NewCorrelationID generates a correlation identifier of the form
// req_{ts}_{alnum}, used when pairing a reply to a request.
func NewCorrelationID() string {
	return fmt.Sprintf("req_%d_%s", time.Now().UTC().UnixMilli(), randomSuffix(6))
}

// Timestamp formats t as an ISO-8601 UTC timestamp with millisecond
// precision, the wire representation used throughout the protocol.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// Now returns the current time as a wire timestamp.
func Now() string {
	return Timestamp(time.Now())
}

// ParseTimestamp parses a wire timestamp back to a time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// ValidMessageID reports whether id matches the message ID pattern.
func ValidMessageID(id string) bool {
	return messageIDPattern.MatchString(id)
}

// ValidTimestamp reports whether s is a well-formed ISO-8601 timestamp.
func ValidTimestamp(s string) bool {
	if !timestampPattern.MatchString(s) {
		return false
	}
	_, err := ParseTimestamp(s)
	return err == nil
}

// ValidateAgentID reports whether id is a well-formed agent identifier:
// alphanumeric/underscore, or "*" for broadcast.
func ValidateAgentID(id string) bool {
	return id == "*" || agentIDPattern.MatchString(id)
}

// ValidateProtocolVersion checks v against the host protocol version. The
// major component must match; minor and patch may differ freely.
func ValidateProtocolVersion(v string) error {
	major, err := majorVersion(v)
	if err != nil {
		return fmt.Errorf("parse protocol version %q: %w", v, err)
	}
	hostMajor, _ := majorVersion(Version)
	if major != hostMajor {
		return fmt.Errorf("protocol major version %d incompatible with host %d", major, hostMajor)
	}
	return nil
}

func majorVersion(v string) (int, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("not a semver string")
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("non-numeric major component")
	}
	return major, nil
}

// RequiresCorrelation reports whether the message type requires a
// correlationId on the envelope.
func RequiresCorrelation(t MessageType) bool {
	switch t {
	case TypeTaskAssignment, TypeHandoffRequest, TypeAck, TypeNack:
		return true
	}
	return false
}

// ValidateTaskProgress reports whether p is a valid progress fraction.
func ValidateTaskProgress(p float64) bool {
	return p >= 0.0 && p <= 1.0
}

// ValidateCompletedStatus enforces that a completed task update reports full
// progress.
func ValidateCompletedStatus(status TaskStatus, progress float64) error {
	if status == TaskStatusCompleted && progress != 1.0 {
		return fmt.Errorf("status completed requires progress 1.0, got %v", progress)
	}
	return nil
}

// ValidateHandoffTarget enforces that a handoff names two distinct agents.
func ValidateHandoffTarget(source, target string) error {
	if source == target {
		return fmt.Errorf("handoff source and target are both %q", source)
	}
	return nil
}
