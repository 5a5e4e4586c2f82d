// Package validate implements three-level message validation: syntax (bytes
// are parseable UTF-8 JSON), schema (all fields present with correct types
// and enum values, size within limits), and semantic (protocol version,
// identifier formats, correlation requirements, and per-message-type business
// rules). Levels are cumulative: validating at Semantic runs Syntax and
// Schema first.
package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/c360studio/agentcomm/protocol"
)

// Level selects how deep validation goes.
type Level int

// Validation levels, shallowest first.
const (
	LevelSyntax Level = iota + 1
	LevelSchema
	LevelSemantic
)

func (l Level) String() string {
	switch l {
	case LevelSyntax:
		return "syntax"
	case LevelSchema:
		return "schema"
	case LevelSemantic:
		return "semantic"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Result is the outcome of a validation run. Valid is true when no errors
// were recorded; warnings never affect validity.
type Result struct {
	Valid    bool              `json:"valid"`
	Level    Level             `json:"level"`
	Errors   []*protocol.Error `json:"errors"`
	Warnings []string          `json:"warnings"`
}

func (r *Result) addError(e *protocol.Error) {
	r.Errors = append(r.Errors, e)
	r.Valid = false
}

func (r *Result) addWarning(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// FirstError returns the first recorded error, or nil.
func (r *Result) FirstError() *protocol.Error {
	if len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// Validator validates raw lines and decoded envelopes.
type Validator struct {
	structs *validator.Validate
	logger  *slog.Logger
}

// New creates a validator. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	// Report json tag names rather than Go field names in error records.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{structs: v, logger: logger}
}

// ValidateBytes validates a raw message line up to the requested level and
// returns the decoded envelope when decoding succeeded. The envelope may be
// non-nil even for an invalid result (semantic failures still decode).
func (v *Validator) ValidateBytes(data []byte, level Level) (*protocol.Envelope, *Result) {
	result := &Result{Valid: true, Level: level}

	v.checkSyntax(data, result)
	if !result.Valid || level < LevelSchema {
		return nil, result
	}

	env := v.checkSchema(data, result)
	if env == nil || !result.Valid || level < LevelSemantic {
		return env, result
	}

	v.checkSemantics(env, result)
	return env, result
}

// ValidateEnvelope validates an already-decoded envelope at schema and
// semantic levels (syntax does not apply to in-memory messages).
func (v *Validator) ValidateEnvelope(env *protocol.Envelope, level Level) *Result {
	result := &Result{Valid: true, Level: level}
	if level < LevelSchema {
		return result
	}

	data, err := json.Marshal(env)
	if err != nil {
		result.addError(&protocol.Error{
			Code:     protocol.CodeSchemaMismatch,
			Message:  fmt.Sprintf("envelope not serializable: %v", err),
			Severity: protocol.SeverityHigh,
		})
		return result
	}

	v.checkSize(len(data), result)
	v.checkStruct(env, result)
	if !result.Valid || level < LevelSemantic {
		return result
	}

	v.checkSemantics(env, result)
	return result
}

// ---------------------------------------------------------------------------
// Level 1: syntax
// ---------------------------------------------------------------------------

func (v *Validator) checkSyntax(data []byte, result *Result) {
	if len(data) == 0 {
		result.addError(&protocol.Error{
			Code:        protocol.CodeMalformedMessage,
			Message:     "empty message",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
			Suggestions: []string{"ensure the sender writes one JSON value per line"},
		})
		return
	}
	if !utf8.Valid(data) {
		result.addError(&protocol.Error{
			Code:        protocol.CodeMalformedMessage,
			Message:     "message is not valid UTF-8",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
		})
		return
	}
	if !json.Valid(data) {
		result.addError(&protocol.Error{
			Code:        protocol.CodeMalformedMessage,
			Message:     "message is not parseable JSON",
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
			Suggestions: []string{"check for truncated writes or interleaved log lines"},
		})
	}
}

// ---------------------------------------------------------------------------
// Level 2: schema
// ---------------------------------------------------------------------------

func (v *Validator) checkSchema(data []byte, result *Result) *protocol.Envelope {
	v.checkSize(len(data), result)

	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			result.addError(&protocol.Error{
				Code:     protocol.CodeInvalidFieldType,
				Message:  fmt.Sprintf("field has wrong type: %v", err),
				Severity: protocol.SeverityHigh,
				Field:    typeErr.Field,
				Expected: typeErr.Type.String(),
				Actual:   typeErr.Value,
			})
		} else {
			result.addError(&protocol.Error{
				Code:     protocol.CodeSchemaMismatch,
				Message:  fmt.Sprintf("envelope does not match schema: %v", err),
				Severity: protocol.SeverityHigh,
			})
		}
		return nil
	}

	v.checkStruct(&env, result)
	return &env
}

func (v *Validator) checkSize(size int, result *Result) {
	if size > protocol.MaxMessageSize {
		result.addError(&protocol.Error{
			Code:        protocol.CodeSizeExceeded,
			Message:     fmt.Sprintf("serialized envelope is %d bytes, limit is %d", size, protocol.MaxMessageSize),
			Severity:    protocol.SeverityHigh,
			Recoverable: false,
			Expected:    protocol.MaxMessageSize,
			Actual:      size,
			Suggestions: []string{"move large context to a file and reference its path"},
		})
		return
	}
	if size > protocol.LargeMessageWarning {
		result.addWarning("message is %d bytes; messages over %d bytes degrade queue throughput",
			size, protocol.LargeMessageWarning)
	}
}

// checkStruct runs tag-driven structural validation and maps field errors to
// discrete protocol error records.
func (v *Validator) checkStruct(env *protocol.Envelope, result *Result) {
	err := v.structs.Struct(env)
	if err == nil {
		return
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		result.addError(&protocol.Error{
			Code:     protocol.CodeSchemaMismatch,
			Message:  err.Error(),
			Severity: protocol.SeverityHigh,
		})
		return
	}

	for _, fe := range fieldErrs {
		result.addError(fieldError(fe))
	}
}

func fieldError(fe validator.FieldError) *protocol.Error {
	field := strings.TrimPrefix(fe.Namespace(), "Envelope.")
	switch fe.Tag() {
	case "required":
		return &protocol.Error{
			Code:        protocol.CodeMissingField,
			Message:     fmt.Sprintf("required field %s is missing", field),
			Severity:    protocol.SeverityHigh,
			Field:       field,
			Suggestions: []string{fmt.Sprintf("set %s before sending", field)},
		}
	case "oneof":
		return &protocol.Error{
			Code:     protocol.CodeInvalidEnumValue,
			Message:  fmt.Sprintf("field %s has value outside its enum", field),
			Severity: protocol.SeverityHigh,
			Field:    field,
			Expected: fe.Param(),
			Actual:   fe.Value(),
		}
	case "gte", "lte":
		return &protocol.Error{
			Code:     protocol.CodeBusinessRule,
			Message:  fmt.Sprintf("field %s violates bound %s=%s", field, fe.Tag(), fe.Param()),
			Severity: protocol.SeverityMedium,
			Field:    field,
			Expected: fe.Tag() + " " + fe.Param(),
			Actual:   fe.Value(),
		}
	default:
		return &protocol.Error{
			Code:     protocol.CodeSchemaMismatch,
			Message:  fmt.Sprintf("field %s failed %s validation", field, fe.Tag()),
			Severity: protocol.SeverityMedium,
			Field:    field,
			Actual:   fe.Value(),
		}
	}
}

// ---------------------------------------------------------------------------
// Level 3: semantics
// ---------------------------------------------------------------------------

func (v *Validator) checkSemantics(env *protocol.Envelope, result *Result) {
	if err := protocol.ValidateProtocolVersion(env.ProtocolVersion); err != nil {
		result.addError(&protocol.Error{
			Code:        protocol.CodeVersionUnsupported,
			Message:     err.Error(),
			Severity:    protocol.SeverityCritical,
			Recoverable: false,
			Field:       "protocolVersion",
			Expected:    protocol.Version,
			Actual:      env.ProtocolVersion,
		})
	}

	if !protocol.ValidMessageID(env.MessageID) {
		result.addError(&protocol.Error{
			Code:     protocol.CodeInvalidMessageID,
			Message:  fmt.Sprintf("message ID %q does not match msg_{YYYYMMDD}_{HHMMSS}_{alnum}", env.MessageID),
			Severity: protocol.SeverityHigh,
			Field:    "messageId",
			Actual:   env.MessageID,
		})
	}

	if !protocol.ValidTimestamp(env.Timestamp) {
		result.addError(&protocol.Error{
			Code:     protocol.CodeInvalidTimestamp,
			Message:  fmt.Sprintf("timestamp %q is not ISO-8601", env.Timestamp),
			Severity: protocol.SeverityMedium,
			Field:    "timestamp",
			Actual:   env.Timestamp,
		})
	}

	for _, ref := range []struct {
		field string
		ref   protocol.AgentRef
	}{
		{"sender", env.Sender},
		{"receiver", env.Receiver},
	} {
		if !protocol.ValidateAgentID(ref.ref.AgentID) {
			result.addError(&protocol.Error{
				Code:     protocol.CodeInvalidAgentID,
				Message:  fmt.Sprintf("%s agent ID %q is not alphanumeric/underscore", ref.field, ref.ref.AgentID),
				Severity: protocol.SeverityHigh,
				Field:    ref.field + ".agentId",
				Actual:   ref.ref.AgentID,
			})
		}
	}

	v.checkCorrelation(env, result)
	v.checkPayloadRules(env, result)
}

// checkCorrelation enforces correlation requirements. A missing correlation
// on an ACK is downgraded to a warning: acknowledgments remain useful via
// acknowledgedMessageId alone.
func (v *Validator) checkCorrelation(env *protocol.Envelope, result *Result) {
	if !protocol.RequiresCorrelation(env.Type) || env.CorrelationID != "" {
		return
	}
	if env.Type == protocol.TypeAck {
		result.addWarning("ACK without correlationId; reply pairing will rely on acknowledgedMessageId")
		return
	}
	result.addError(&protocol.Error{
		Code:        protocol.CodeMissingCorrelation,
		Message:     fmt.Sprintf("%s messages require a correlationId", env.Type),
		Severity:    protocol.SeverityHigh,
		Field:       "correlationId",
		Suggestions: []string{"generate one with protocol.NewCorrelationID"},
	})
}

func (v *Validator) checkPayloadRules(env *protocol.Envelope, result *Result) {
	switch p := env.Payload.(type) {
	case *protocol.TaskUpdatePayload:
		if !protocol.ValidateTaskProgress(p.Progress) {
			result.addError(&protocol.Error{
				Code:     protocol.CodeBusinessRule,
				Message:  fmt.Sprintf("progress %v outside [0.0, 1.0]", p.Progress),
				Severity: protocol.SeverityMedium,
				Field:    "payload.progress",
				Expected: "[0.0, 1.0]",
				Actual:   p.Progress,
			})
		}
		if err := protocol.ValidateCompletedStatus(p.Status, p.Progress); err != nil {
			result.addError(&protocol.Error{
				Code:     protocol.CodeBusinessRule,
				Message:  err.Error(),
				Severity: protocol.SeverityMedium,
				Field:    "payload.progress",
				Expected: 1.0,
				Actual:   p.Progress,
			})
		}
		if p.Status == protocol.TaskStatusBlocked && len(p.Blockers) == 0 {
			result.addWarning("blocked task update without blockers; the manager cannot unblock what it cannot see")
		}

	case *protocol.HandoffRequestPayload:
		if err := protocol.ValidateHandoffTarget(p.SourceAgent, p.TargetAgent); err != nil {
			result.addError(&protocol.Error{
				Code:     protocol.CodeBusinessRule,
				Message:  err.Error(),
				Severity: protocol.SeverityHigh,
				Field:    "payload.targetAgent",
				Actual:   p.TargetAgent,
			})
		}
		if len(p.HandoffContext.CompletedSteps) == 0 {
			result.addWarning("handoff with empty completedSteps; receiving agent starts without context")
		}

	case *protocol.NackPayload:
		if p.SuggestedFix == "" {
			result.addWarning("NACK without suggestedFix")
		}
		if p.CanRetry && strings.Contains(strings.ToLower(p.Reason), "permanent") {
			result.addWarning("NACK marked canRetry=true but reason %q suggests a permanent failure", p.Reason)
		}
	}

	if env.Payload != nil {
		if err := env.Payload.Validate(); err != nil {
			// Payload-local rules not already reported above.
			if !hasBusinessRuleError(result) {
				result.addError(&protocol.Error{
					Code:     protocol.CodeBusinessRule,
					Message:  err.Error(),
					Severity: protocol.SeverityMedium,
					Field:    "payload",
				})
			}
		}
	}
}

func hasBusinessRuleError(result *Result) bool {
	for _, e := range result.Errors {
		if e.Code == protocol.CodeBusinessRule {
			return true
		}
	}
	return false
}
