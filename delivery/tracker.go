// Package delivery tracks in-flight messages awaiting acknowledgment. Each
// tracked message carries a message-type-specific ack timeout; on timeout or
// recoverable NACK the tracker schedules retries with exponential backoff,
// and on exhaustion or a terminal NACK it reports failure so the caller can
// move the message to the dead letter queue.
//
// State is snapshotted to disk on every change and restored on startup, so a
// restarted agent resumes its timers where it left off.
package delivery

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
)

// Defaults.
const (
	DefaultMaxRetries     = 3
	DefaultBaseRetryDelay = 1 * time.Second
	DefaultMaxRetryDelay  = 4 * time.Second
)

// defaultTimeouts maps message types to their ack timeouts. ACK and NACK are
// fire-and-forget and never tracked.
var defaultTimeouts = map[protocol.MessageType]time.Duration{
	protocol.TypeTaskAssignment: 60 * time.Second,
	protocol.TypeTaskUpdate:     30 * time.Second,
	protocol.TypeStateSync:      30 * time.Second,
	protocol.TypeErrorReport:    10 * time.Second,
	protocol.TypeHandoffRequest: 60 * time.Second,
}

// Config controls tracker behavior.
type Config struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	// StateDir is where the snapshot file lives.
	StateDir string
	// Timeouts overrides the per-type ack timeouts.
	Timeouts map[protocol.MessageType]time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = DefaultBaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return c
}

// TimeoutFor returns the ack timeout for a message type, honoring overrides.
func (c Config) TimeoutFor(t protocol.MessageType) time.Duration {
	if d, ok := c.Timeouts[t]; ok {
		return d
	}
	if d, ok := defaultTimeouts[t]; ok {
		return d
	}
	return 30 * time.Second
}

// EventType names a delivery lifecycle event.
type EventType string

// Delivery events.
const (
	EventMessageSent         EventType = "MESSAGE_SENT"
	EventMessageAcknowledged EventType = "MESSAGE_ACKNOWLEDGED"
	EventMessageRetry        EventType = "MESSAGE_RETRY"
	EventMessageFailed       EventType = "MESSAGE_FAILED"
)

// Event describes one delivery lifecycle transition.
type Event struct {
	Type          EventType
	MessageID     string
	CorrelationID string
	MessageType   protocol.MessageType
	Timestamp     time.Time
	RetryCount    int
	FailureReason string
	AckStatus     protocol.AckStatus
	NackErrorCode string
	// Message is the tracked envelope; callers re-send it on MESSAGE_RETRY
	// and dead-letter it on MESSAGE_FAILED.
	Message *protocol.Envelope
	// RetryHistory lists the timestamps of emitted retries, populated on
	// MESSAGE_FAILED.
	RetryHistory []time.Time
}

// Failure reasons reported in MESSAGE_FAILED events.
const (
	ReasonMaxRetriesExceeded = "max_retries_exceeded"
	ReasonNackNotRecoverable = "nack_not_recoverable"
)

// State is the persisted record of one in-flight message.
type State struct {
	Message      *protocol.Envelope `json:"message"`
	SentAt       time.Time          `json:"sentAt"`
	RetryCount   int                `json:"retryCount"`
	NextRetryAt  *time.Time         `json:"nextRetryAt,omitempty"`
	TimeoutAt    time.Time          `json:"timeoutAt"`
	RetryHistory []time.Time        `json:"retryHistory,omitempty"`
}

// Tracker tracks in-flight messages for one agent. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	agentID string
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	deliveries map[string]*State
	// timerSeq guards against a cancelled timer's callback running: every
	// arm bumps the sequence and the callback re-checks it under mu.
	timerSeq map[string]uint64
	timers   map[string]*time.Timer

	handlers []func(Event)
	started  bool
	closed   bool

	// now is swappable in tests.
	now func() time.Time
}

// New creates a tracker and loads any persisted state. Timers are not armed
// until Start, so callers can Subscribe first.
func New(agentID string, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Tracker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	t := &Tracker{
		agentID:    agentID,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "delivery"), slog.String("agent", agentID)),
		metrics:    m,
		deliveries: make(map[string]*State),
		timerSeq:   make(map[string]uint64),
		timers:     make(map[string]*time.Timer),
		now:        time.Now,
	}

	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// Subscribe registers a handler for delivery events. Handlers are invoked
// outside the tracker lock, sequentially per event.
func (t *Tracker) Subscribe(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// Start arms timers for restored state. A restored delivery whose deadline
// already passed is re-evaluated exactly as if its timer had fired.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started || t.closed {
		t.mu.Unlock()
		return
	}
	t.started = true

	var expired []string
	now := t.now()
	for id, st := range t.deliveries {
		switch {
		case st.NextRetryAt != nil:
			delay := st.NextRetryAt.Sub(now)
			if delay < 0 {
				delay = 0
			}
			t.armLocked(id, delay, t.onRetryTimer)
		case now.Before(st.TimeoutAt):
			t.armLocked(id, st.TimeoutAt.Sub(now), t.onTimeoutTimer)
		default:
			expired = append(expired, id)
		}
	}
	t.mu.Unlock()

	for _, id := range expired {
		t.onTimeoutTimer(id)
	}
}

// TrackSentMessage records a delivery state for the message and arms its ack
// timeout. ACK and NACK messages are fire-and-forget and ignored.
func (t *Tracker) TrackSentMessage(env *protocol.Envelope) error {
	if env.Type == protocol.TypeAck || env.Type == protocol.TypeNack {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("tracker closed")
	}
	if _, exists := t.deliveries[env.MessageID]; exists {
		t.mu.Unlock()
		t.logger.Warn("message already tracked", slog.String("message_id", env.MessageID))
		return nil
	}

	now := t.now()
	st := &State{
		Message:   env,
		SentAt:    now,
		TimeoutAt: now.Add(t.cfg.TimeoutFor(env.Type)),
	}
	t.deliveries[env.MessageID] = st
	t.persistLocked()
	t.armLocked(env.MessageID, t.cfg.TimeoutFor(env.Type), t.onTimeoutTimer)
	ev := t.eventLocked(EventMessageSent, st, "")
	t.mu.Unlock()

	t.emit(ev)
	return nil
}

// HandleAck cancels tracking for the acknowledged message. Duplicate or
// unknown ACKs are logged and otherwise ignored.
func (t *Tracker) HandleAck(ack *protocol.AckPayload) {
	t.mu.Lock()
	st, ok := t.deliveries[ack.AcknowledgedMessageID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("ACK for untracked message",
			slog.String("message_id", ack.AcknowledgedMessageID),
			slog.String("status", string(ack.Status)))
		return
	}

	t.cancelLocked(ack.AcknowledgedMessageID)
	delete(t.deliveries, ack.AcknowledgedMessageID)
	t.persistLocked()
	ev := t.eventLocked(EventMessageAcknowledged, st, "")
	ev.AckStatus = ack.Status
	t.mu.Unlock()

	t.emit(ev)
}

// HandleNack processes a rejection. Non-recoverable rejections fail the
// delivery immediately; recoverable ones follow the retry schedule.
func (t *Tracker) HandleNack(nack *protocol.NackPayload) {
	t.mu.Lock()
	st, ok := t.deliveries[nack.RejectedMessageID]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("NACK for untracked message", slog.String("message_id", nack.RejectedMessageID))
		return
	}

	if !nack.CanRetry {
		ev := t.failLocked(nack.RejectedMessageID, st, ReasonNackNotRecoverable)
		ev.NackErrorCode = nack.ErrorCode
		t.mu.Unlock()
		t.emit(ev)
		return
	}

	ev := t.retryOrFailLocked(nack.RejectedMessageID, st)
	ev.NackErrorCode = nack.ErrorCode
	t.mu.Unlock()
	if ev.Type != "" {
		t.emit(ev)
	}
}

// InFlight returns the number of tracked messages.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deliveries)
}

// Get returns a copy of the delivery state for a message.
func (t *Tracker) Get(messageID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.deliveries[messageID]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// Shutdown cancels all timers and performs a final persistence flush.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id := range t.timers {
		t.cancelLocked(id)
	}
	t.persistLocked()
	t.logger.Info("delivery tracker shut down", slog.Int("in_flight", len(t.deliveries)))
}

// ---------------------------------------------------------------------------
// Timer plumbing
// ---------------------------------------------------------------------------

// armLocked schedules fn(id) after delay, replacing any existing timer for
// id. The caller holds t.mu.
func (t *Tracker) armLocked(id string, delay time.Duration, fn func(string)) {
	t.timerSeq[id]++
	seq := t.timerSeq[id]
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	t.timers[id] = time.AfterFunc(delay, func() {
		t.mu.Lock()
		if t.closed || t.timerSeq[id] != seq {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()
		fn(id)
	})
}

// cancelLocked stops any pending timer for id and invalidates its callback.
func (t *Tracker) cancelLocked(id string) {
	t.timerSeq[id]++
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// onTimeoutTimer handles an ack-timeout firing.
func (t *Tracker) onTimeoutTimer(id string) {
	t.mu.Lock()
	st, ok := t.deliveries[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	ev := t.retryOrFailLocked(id, st)
	t.mu.Unlock()
	if ev.Type != "" {
		t.emit(ev)
	}
}

// retryOrFailLocked applies the shared retry/fail decision used by both
// timeouts and recoverable NACKs. It returns the event to emit after the
// lock is released; a retry *schedules* the MESSAGE_RETRY for later, so the
// returned event is zero-valued in that case.
func (t *Tracker) retryOrFailLocked(id string, st *State) Event {
	if st.RetryCount >= t.cfg.MaxRetries {
		return t.failLocked(id, st, ReasonMaxRetriesExceeded)
	}

	delay := t.retryDelay(st.RetryCount)
	st.RetryCount++
	next := t.now().Add(delay)
	st.NextRetryAt = &next
	t.persistLocked()
	t.armLocked(id, delay, t.onRetryTimer)

	t.logger.Debug("retry scheduled",
		slog.String("message_id", id),
		slog.Int("retry_count", st.RetryCount),
		slog.Duration("delay", delay))
	return Event{}
}

// retryDelay is min(baseDelay * 2^retryCount, maxDelay).
func (t *Tracker) retryDelay(retryCount int) time.Duration {
	delay := t.cfg.BaseRetryDelay
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= t.cfg.MaxRetryDelay {
			return t.cfg.MaxRetryDelay
		}
	}
	if delay > t.cfg.MaxRetryDelay {
		return t.cfg.MaxRetryDelay
	}
	return delay
}

// onRetryTimer fires a scheduled retry: the caller re-sends the message and
// a fresh ack timeout opens.
func (t *Tracker) onRetryTimer(id string) {
	t.mu.Lock()
	st, ok := t.deliveries[id]
	if !ok {
		t.mu.Unlock()
		return
	}

	now := t.now()
	st.NextRetryAt = nil
	st.TimeoutAt = now.Add(t.cfg.TimeoutFor(st.Message.Type))
	st.RetryHistory = append(st.RetryHistory, now)
	t.persistLocked()
	t.armLocked(id, t.cfg.TimeoutFor(st.Message.Type), t.onTimeoutTimer)
	t.metrics.IncRetry()
	ev := t.eventLocked(EventMessageRetry, st, "")
	t.mu.Unlock()

	t.emit(ev)
}

// failLocked drops tracking and builds the MESSAGE_FAILED event.
func (t *Tracker) failLocked(id string, st *State, reason string) Event {
	t.cancelLocked(id)
	delete(t.deliveries, id)
	t.persistLocked()
	t.metrics.IncDeliveryFailed()
	ev := t.eventLocked(EventMessageFailed, st, reason)
	ev.RetryHistory = append([]time.Time(nil), st.RetryHistory...)
	return ev
}

func (t *Tracker) eventLocked(typ EventType, st *State, reason string) Event {
	return Event{
		Type:          typ,
		MessageID:     st.Message.MessageID,
		CorrelationID: st.Message.CorrelationID,
		MessageType:   st.Message.Type,
		Timestamp:     t.now(),
		RetryCount:    st.RetryCount,
		FailureReason: reason,
		Message:       st.Message,
	}
}

func (t *Tracker) emit(ev Event) {
	t.mu.Lock()
	handlers := append(([]func(Event))(nil), t.handlers...)
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
