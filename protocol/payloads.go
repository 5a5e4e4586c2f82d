package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every message payload. Kind returns the
// discriminating message type; Validate checks the payload's own semantic
// rules (cross-field rules live in the validator).
type Payload interface {
	Kind() MessageType
	Validate() error
}

// Envelope is the outer message record carrying routing, versioning, and
// typing around a payload.
type Envelope struct {
	ProtocolVersion string      `json:"protocolVersion" validate:"required"`
	MessageID       string      `json:"messageId" validate:"required"`
	CorrelationID   string      `json:"correlationId,omitempty"`
	Timestamp       string      `json:"timestamp" validate:"required"`
	Sender          AgentRef    `json:"sender"`
	Receiver        AgentRef    `json:"receiver"`
	Type            MessageType `json:"messageType" validate:"required,oneof=TASK_ASSIGNMENT TASK_UPDATE STATE_SYNC ERROR_REPORT HANDOFF_REQUEST ACK NACK"`
	Priority        Priority    `json:"priority" validate:"required,oneof=HIGH NORMAL LOW"`
	Payload         Payload     `json:"payload" validate:"required"`
	Metadata        *Metadata   `json:"metadata,omitempty"`
}

// envelopeAlias mirrors Envelope with a raw payload for two-phase decoding.
type envelopeAlias struct {
	ProtocolVersion string          `json:"protocolVersion"`
	MessageID       string          `json:"messageId"`
	CorrelationID   string          `json:"correlationId,omitempty"`
	Timestamp       string          `json:"timestamp"`
	Sender          AgentRef        `json:"sender"`
	Receiver        AgentRef        `json:"receiver"`
	Type            MessageType     `json:"messageType"`
	Priority        Priority        `json:"priority"`
	Payload         json.RawMessage `json:"payload"`
	Metadata        *Metadata       `json:"metadata,omitempty"`
}

// UnmarshalJSON decodes the envelope and then the payload according to the
// messageType tag, so Payload always holds the concrete type.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var alias envelopeAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	e.ProtocolVersion = alias.ProtocolVersion
	e.MessageID = alias.MessageID
	e.CorrelationID = alias.CorrelationID
	e.Timestamp = alias.Timestamp
	e.Sender = alias.Sender
	e.Receiver = alias.Receiver
	e.Type = alias.Type
	e.Priority = alias.Priority
	e.Metadata = alias.Metadata

	if len(alias.Payload) == 0 || string(alias.Payload) == "null" {
		e.Payload = nil
		return nil
	}

	payload, err := DecodePayload(alias.Type, alias.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// DecodePayload decodes raw payload JSON into the concrete type named by t.
func DecodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	var payload Payload
	switch t {
	case TypeTaskAssignment:
		payload = &TaskAssignmentPayload{}
	case TypeTaskUpdate:
		payload = &TaskUpdatePayload{}
	case TypeStateSync:
		payload = &StateSyncPayload{}
	case TypeErrorReport:
		payload = &ErrorReportPayload{}
	case TypeHandoffRequest:
		payload = &HandoffRequestPayload{}
	case TypeAck:
		payload = &AckPayload{}
	case TypeNack:
		payload = &NackPayload{}
	default:
		return nil, fmt.Errorf("unknown message type %q", t)
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return payload, nil
}

// ---------------------------------------------------------------------------
// Payload types
// ---------------------------------------------------------------------------

// ExecutionType distinguishes single-step from multi-step task execution.
type ExecutionType string

// Execution types.
const (
	ExecutionSingleStep ExecutionType = "single-step"
	ExecutionMultiStep  ExecutionType = "multi-step"
)

// TaskAssignmentPayload assigns a task to an implementation agent.
type TaskAssignmentPayload struct {
	TaskID        string         `json:"taskId" validate:"required"`
	TaskRef       string         `json:"taskRef" validate:"required"`
	Description   string         `json:"description" validate:"required"`
	MemoryLogPath string         `json:"memoryLogPath" validate:"required"`
	ExecutionType ExecutionType  `json:"executionType" validate:"required,oneof=single-step multi-step"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	Context       map[string]any `json:"context,omitempty"`
}

// Kind implements Payload.
func (p *TaskAssignmentPayload) Kind() MessageType { return TypeTaskAssignment }

// Validate implements Payload.
func (p *TaskAssignmentPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if p.ExecutionType != ExecutionSingleStep && p.ExecutionType != ExecutionMultiStep {
		return fmt.Errorf("invalid executionType %q", p.ExecutionType)
	}
	return nil
}

// TaskStatus is the lifecycle state reported by a task update.
type TaskStatus string

// Task statuses.
const (
	TaskStatusInProgress    TaskStatus = "in_progress"
	TaskStatusBlocked       TaskStatus = "blocked"
	TaskStatusPendingReview TaskStatus = "pending_review"
	TaskStatusCompleted     TaskStatus = "completed"
	TaskStatusFailed        TaskStatus = "failed"
)

// TaskUpdatePayload reports task progress back to the manager.
type TaskUpdatePayload struct {
	TaskID      string     `json:"taskId" validate:"required"`
	Progress    float64    `json:"progress" validate:"gte=0,lte=1"`
	Status      TaskStatus `json:"status" validate:"required,oneof=in_progress blocked pending_review completed failed"`
	CurrentStep string     `json:"currentStep,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	Files       []string   `json:"files,omitempty"`
	Blockers    []string   `json:"blockers,omitempty"`
	ETA         string     `json:"eta,omitempty"`
}

// Kind implements Payload.
func (p *TaskUpdatePayload) Kind() MessageType { return TypeTaskUpdate }

// Validate implements Payload.
func (p *TaskUpdatePayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if !ValidateTaskProgress(p.Progress) {
		return fmt.Errorf("progress %v outside [0,1]", p.Progress)
	}
	return ValidateCompletedStatus(p.Status, p.Progress)
}

// EntityType names the kind of entity a state sync describes.
type EntityType string

// Entity types.
const (
	EntityAgent         EntityType = "agent"
	EntityTask          EntityType = "task"
	EntityMemoryLog     EntityType = "memory_log"
	EntityConfiguration EntityType = "configuration"
)

// SyncOperation is the mutation a state sync carries.
type SyncOperation string

// Sync operations.
const (
	SyncCreate SyncOperation = "create"
	SyncUpdate SyncOperation = "update"
	SyncDelete SyncOperation = "delete"
)

// StateSyncPayload replicates an entity state change to another agent.
type StateSyncPayload struct {
	EntityType    EntityType     `json:"entityType" validate:"required,oneof=agent task memory_log configuration"`
	EntityID      string         `json:"entityId" validate:"required"`
	Operation     SyncOperation  `json:"operation" validate:"required,oneof=create update delete"`
	State         map[string]any `json:"state" validate:"required"`
	PreviousState map[string]any `json:"previousState,omitempty"`
	SyncTimestamp string         `json:"syncTimestamp" validate:"required"`
}

// Kind implements Payload.
func (p *StateSyncPayload) Kind() MessageType { return TypeStateSync }

// Validate implements Payload.
func (p *StateSyncPayload) Validate() error {
	if p.EntityID == "" {
		return fmt.Errorf("entityId is required")
	}
	return nil
}

// Severity grades an error report.
type Severity string

// Severities.
const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ErrorReportPayload reports a failure encountered by an agent.
type ErrorReportPayload struct {
	ErrorType       string         `json:"errorType" validate:"required"`
	ErrorCode       string         `json:"errorCode,omitempty"`
	ErrorMessage    string         `json:"errorMessage" validate:"required"`
	Severity        Severity       `json:"severity" validate:"required,oneof=critical high medium low"`
	Context         map[string]any `json:"context,omitempty"`
	StackTrace      string         `json:"stackTrace,omitempty"`
	Recoverable     bool           `json:"recoverable"`
	SuggestedAction string         `json:"suggestedAction,omitempty"`
}

// Kind implements Payload.
func (p *ErrorReportPayload) Kind() MessageType { return TypeErrorReport }

// Validate implements Payload.
func (p *ErrorReportPayload) Validate() error {
	if p.ErrorType == "" {
		return fmt.Errorf("errorType is required")
	}
	return nil
}

// HandoffReason explains why a task is being handed to another agent.
type HandoffReason string

// Handoff reasons.
const (
	HandoffContextWindowLimit     HandoffReason = "context_window_limit"
	HandoffSpecializationRequired HandoffReason = "specialization_required"
	HandoffLoadBalancing          HandoffReason = "load_balancing"
)

// HandoffContext carries the working state transferred with a handoff.
type HandoffContext struct {
	CompletedSteps []string       `json:"completedSteps,omitempty"`
	RemainingSteps []string       `json:"remainingSteps,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	State          map[string]any `json:"state,omitempty"`
}

// HandoffRequestPayload asks another agent to take over a task.
type HandoffRequestPayload struct {
	TaskID         string         `json:"taskId" validate:"required"`
	Reason         HandoffReason  `json:"reason" validate:"required,oneof=context_window_limit specialization_required load_balancing"`
	SourceAgent    string         `json:"sourceAgent" validate:"required"`
	TargetAgent    string         `json:"targetAgent" validate:"required"`
	HandoffContext HandoffContext `json:"handoffContext"`
}

// Kind implements Payload.
func (p *HandoffRequestPayload) Kind() MessageType { return TypeHandoffRequest }

// Validate implements Payload.
func (p *HandoffRequestPayload) Validate() error {
	if p.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	return ValidateHandoffTarget(p.SourceAgent, p.TargetAgent)
}

// AckStatus reports how far the acknowledged message got.
type AckStatus string

// Ack statuses.
const (
	AckReceived  AckStatus = "received"
	AckProcessed AckStatus = "processed"
	AckQueued    AckStatus = "queued"
)

// AckPayload acknowledges receipt or processing of a message.
type AckPayload struct {
	AcknowledgedMessageID string    `json:"acknowledgedMessageId" validate:"required"`
	Status                AckStatus `json:"status" validate:"required,oneof=received processed queued"`
	Timestamp             string    `json:"timestamp" validate:"required"`
	ProcessingTime        int64     `json:"processingTime,omitempty"`
	Notes                 string    `json:"notes,omitempty"`
}

// Kind implements Payload.
func (p *AckPayload) Kind() MessageType { return TypeAck }

// Validate implements Payload.
func (p *AckPayload) Validate() error {
	if p.AcknowledgedMessageID == "" {
		return fmt.Errorf("acknowledgedMessageId is required")
	}
	return nil
}

// NackPayload rejects a message, optionally indicating whether a retry can
// succeed and how the sender might fix the problem.
type NackPayload struct {
	RejectedMessageID string `json:"rejectedMessageId" validate:"required"`
	Reason            string `json:"reason" validate:"required"`
	Timestamp         string `json:"timestamp" validate:"required"`
	ErrorCode         string `json:"errorCode,omitempty"`
	CanRetry          bool   `json:"canRetry"`
	SuggestedFix      string `json:"suggestedFix,omitempty"`
}

// Kind implements Payload.
func (p *NackPayload) Kind() MessageType { return TypeNack }

// Validate implements Payload.
func (p *NackPayload) Validate() error {
	if p.RejectedMessageID == "" {
		return fmt.Errorf("rejectedMessageId is required")
	}
	if p.Reason == "" {
		return fmt.Errorf("reason is required")
	}
	return nil
}
