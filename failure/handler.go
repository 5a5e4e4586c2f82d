// Package failure decides what happens when a send or receive goes wrong:
// retry with backoff per message-type policy, or dead-letter with a reason.
// A circuit breaker per handler sheds load once a receiver fails
// consecutively, and a recovery pass can fix a handful of well-known
// protocol mistakes before giving up on a message.
package failure

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/c360studio/agentcomm/dlq"
	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
)

// Defaults.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerTimeout   = 60 * time.Second
)

// RetryPolicy controls send retries for one message type.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// delay returns the backoff before the given attempt (0-based), capped at
// MaxDelay.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(p.BackoffMultiplier, float64(attempt)))
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// defaultPolicies maps message types to their send retry policies. ACK and
// NACK are never retried.
var defaultPolicies = map[protocol.MessageType]RetryPolicy{
	protocol.TypeTaskAssignment: {MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second, BackoffMultiplier: 2},
	protocol.TypeTaskUpdate:     {MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second, BackoffMultiplier: 2},
	protocol.TypeStateSync:      {MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second, BackoffMultiplier: 2},
	protocol.TypeErrorReport:    {MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 8 * time.Second, BackoffMultiplier: 2},
	protocol.TypeHandoffRequest: {MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 8 * time.Second, BackoffMultiplier: 2},
	protocol.TypeAck:            {BackoffMultiplier: 1},
	protocol.TypeNack:           {BackoffMultiplier: 1},
}

// DeadLetterer receives messages the handler gives up on. *dlq.Store
// satisfies it.
type DeadLetterer interface {
	Add(msg *protocol.Envelope, meta dlq.Metadata) error
}

// Config controls handler behavior.
type Config struct {
	// ArtifactDir is where failed_ and malformed_ artefact files land.
	ArtifactDir string
	// EnableRetries gates the retry path; when false every send failure
	// is dead-lettered on first sight.
	EnableRetries    bool
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// RetryPolicies overrides the per-type defaults.
	RetryPolicies map[protocol.MessageType]RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = DefaultBreakerTimeout
	}
	return c
}

// Handler classifies send and receive failures for one agent.
type Handler struct {
	mu sync.Mutex

	agentID string
	cfg     Config
	logger  *slog.Logger
	breaker *Breaker
	dead    DeadLetterer

	// attempts counts send failures per message ID for the retry budget.
	attempts map[string]int

	// sleep and now are swappable in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// New builds a failure handler routing terminal failures to dead.
func New(agentID string, cfg Config, dead DeadLetterer, logger *slog.Logger, m *metrics.Metrics) (*Handler, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ArtifactDir != "" {
		if err := os.MkdirAll(cfg.ArtifactDir, 0o755); err != nil {
			return nil, fmt.Errorf("create artifact dir: %w", err)
		}
	}

	logger = logger.With(slog.String("component", "failure"), slog.String("agent", agentID))
	return &Handler{
		agentID:  agentID,
		cfg:      cfg,
		logger:   logger,
		breaker:  NewBreaker(agentID, cfg.BreakerThreshold, cfg.BreakerTimeout, logger, m),
		dead:     dead,
		attempts: make(map[string]int),
		sleep:    time.Sleep,
		now:      time.Now,
	}, nil
}

// Breaker exposes the handler's circuit breaker for observability.
func (h *Handler) Breaker() *Breaker {
	return h.breaker
}

// HandleSendFailure decides whether a failed send should be retried. It
// returns false after routing the message to the DLQ; a true return means
// the backoff sleep has already elapsed and the caller should re-send.
func (h *Handler) HandleSendFailure(msg *protocol.Envelope, sendErr error) (bool, error) {
	if !h.breaker.Allow() {
		h.logger.Warn("circuit open, dead-lettering without attempt",
			slog.String("message_id", msg.MessageID))
		return false, h.deadLetter(msg, sendErr, dlq.ReasonCircuitBreakerOpen)
	}
	h.breaker.Record(sendErr)

	if !protocol.Recoverable(sendErr) {
		return false, h.deadLetter(msg, sendErr, dlq.ReasonPermanentProtocolError)
	}

	policy := h.policyFor(msg.Type)
	h.mu.Lock()
	attempt := h.attempts[msg.MessageID]
	if !h.cfg.EnableRetries || attempt >= policy.MaxRetries {
		delete(h.attempts, msg.MessageID)
		h.mu.Unlock()
		return false, h.deadLetter(msg, sendErr, dlq.ReasonMaxRetriesExceeded)
	}
	h.attempts[msg.MessageID] = attempt + 1
	h.mu.Unlock()

	delay := policy.delay(attempt)
	h.logger.Info("send failed, backing off",
		slog.String("message_id", msg.MessageID),
		slog.Int("attempt", attempt+1),
		slog.Duration("delay", delay),
		slog.String("error", sendErr.Error()))
	h.sleep(delay)
	return true, nil
}

// RecordSendSuccess clears the retry budget for a message and feeds the
// breaker a success.
func (h *Handler) RecordSendSuccess(messageID string) {
	h.breaker.Record(nil)
	h.mu.Lock()
	delete(h.attempts, messageID)
	h.mu.Unlock()
}

// HandleReceiveFailure records an undecodable inbound line as a
// malformed_<ts>.json artefact and returns its path. No delivery state is
// created for the line.
func (h *Handler) HandleReceiveFailure(rawLine []byte, recvErr error) (string, error) {
	var perr *protocol.Error
	if !errors.As(recvErr, &perr) {
		perr = protocol.NewError(protocol.CodeMalformedMessage, recvErr.Error())
		perr.Severity = protocol.SeverityHigh
		perr.Recoverable = false
	}

	artefact := struct {
		ReceivedAt string          `json:"receivedAt"`
		Error      *protocol.Error `json:"error"`
		RawLine    string          `json:"rawLine"`
	}{
		ReceivedAt: protocol.Timestamp(h.now()),
		Error:      perr,
		RawLine:    string(rawLine),
	}

	path := filepath.Join(h.cfg.ArtifactDir, fmt.Sprintf("malformed_%d.json", h.now().UnixMilli()))
	if err := h.writeArtifact(path, &artefact); err != nil {
		return "", err
	}
	h.logger.Error("malformed inbound line",
		slog.String("error_code", string(perr.Code)),
		slog.String("artifact", path))
	return path, nil
}

// AttemptRecovery returns a corrected copy of the message for a small set
// of fixable mistakes, and whether anything was corrected.
func (h *Handler) AttemptRecovery(msg *protocol.Envelope) (*protocol.Envelope, bool) {
	fixed := *msg
	changed := false

	if !fixed.Priority.Valid() {
		fixed.Priority = protocol.PriorityNormal
		changed = true
	}
	if fixed.Metadata == nil {
		fixed.Metadata = &protocol.Metadata{}
		changed = true
	}
	if _, err := protocol.ParseTimestamp(fixed.Timestamp); err != nil {
		fixed.Timestamp = protocol.Now()
		changed = true
	}
	if fixed.CorrelationID == "" && protocol.RequiresCorrelation(fixed.Type) {
		fixed.CorrelationID = protocol.NewCorrelationID()
		changed = true
	}

	if changed {
		h.logger.Info("recovered message", slog.String("message_id", fixed.MessageID))
	}
	return &fixed, changed
}

func (h *Handler) policyFor(t protocol.MessageType) RetryPolicy {
	if p, ok := h.cfg.RetryPolicies[t]; ok {
		return p
	}
	if p, ok := defaultPolicies[t]; ok {
		return p
	}
	return RetryPolicy{MaxRetries: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second, BackoffMultiplier: 2}
}

// deadLetter routes the message to the DLQ and drops a failed_ artefact
// next to the queue files.
func (h *Handler) deadLetter(msg *protocol.Envelope, sendErr error, reason string) error {
	meta := dlq.Metadata{
		FailureReason:       reason,
		FailureMessage:      sendErr.Error(),
		FailedAt:            h.now(),
		ReceiverID:          msg.Receiver.AgentID,
		CircuitBreakerState: h.breaker.State(),
	}
	var perr *protocol.Error
	if errors.As(sendErr, &perr) {
		meta.ErrorCode = string(perr.Code)
	}

	if err := h.dead.Add(msg, meta); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.MessageID, err)
	}

	artefact := struct {
		Message  *protocol.Envelope `json:"message"`
		Metadata dlq.Metadata       `json:"metadata"`
	}{Message: msg, Metadata: meta}
	path := filepath.Join(h.cfg.ArtifactDir,
		fmt.Sprintf("failed_%s_%d.json", msg.MessageID, h.now().UnixMilli()))
	if err := h.writeArtifact(path, &artefact); err != nil {
		h.logger.Error("write failed artifact", slog.String("error", err.Error()))
	}

	h.logger.Error("message dead-lettered",
		slog.String("message_id", msg.MessageID),
		slog.String("reason", reason))
	return nil
}

func (h *Handler) writeArtifact(path string, v any) error {
	if h.cfg.ArtifactDir == "" {
		return nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	return nil
}
