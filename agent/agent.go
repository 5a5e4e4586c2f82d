// Package agent assembles the messaging core for one agent: outbound
// messages flow validate → track → wire, inbound lines flow decode →
// validate → queue → handler → ACK/NACK, and every terminal failure lands
// in the dead letter queue.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360studio/agentcomm/channel"
	"github.com/c360studio/agentcomm/codec"
	"github.com/c360studio/agentcomm/config"
	"github.com/c360studio/agentcomm/delivery"
	"github.com/c360studio/agentcomm/dlq"
	"github.com/c360studio/agentcomm/failure"
	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
	"github.com/c360studio/agentcomm/queue"
	"github.com/c360studio/agentcomm/validate"
)

// Handler processes one inbound message. A nil error produces an ACK with
// status processed; an error produces a NACK.
type Handler func(env *protocol.Envelope) error

// dedupeLimit bounds the processed-ID set; past it the set resets. Receivers
// are idempotent on messageId, so a reset only risks duplicate handler runs.
const dedupeLimit = 8192

// Agent is one messaging endpoint: a queue, a delivery tracker, a failure
// handler, a DLQ, and the file channel, wired together.
type Agent struct {
	id     string
	typ    protocol.AgentType
	logger *slog.Logger

	codec     *codec.Codec
	validator *validate.Validator
	queue     *queue.Queue
	tracker   *delivery.Tracker
	dead      *dlq.Store
	failer    *failure.Handler
	outbox    *channel.Outbox
	inbox     *channel.Inbox

	mu        sync.Mutex
	handlers  map[protocol.MessageType]Handler
	processed map[string]struct{}

	wake   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an agent from configuration. Call RegisterHandler for each
// message type, then Start.
func New(agentID string, agentType protocol.AgentType, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("agent", agentID))

	a := &Agent{
		id:        agentID,
		typ:       agentType,
		logger:    logger,
		codec:     codec.New(logger, m),
		validator: validate.New(logger),
		handlers:  make(map[protocol.MessageType]Handler),
		processed: make(map[string]struct{}),
		wake:      make(chan struct{}, 1),
	}

	var err error
	a.queue, err = queue.New(agentID, cfg.QueueSettings(), a.codec, logger, m)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a.dead, err = dlq.New(agentID, cfg.DLQSettings(), logger, m)
	if err != nil {
		a.queue.Shutdown()
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a.failer, err = failure.New(agentID, cfg.FailureSettings(), a.dead, logger, m)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a.tracker, err = delivery.New(agentID, cfg.DeliverySettings(), logger, m)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a.outbox, err = channel.NewOutbox(cfg.Root, a.codec, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}
	a.inbox, err = channel.NewInbox(agentID, cfg.Root, a.codec, a.onInbound, a.onInboundError,
		channel.InboxOptions{PollInterval: cfg.PollInterval()}, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("agent %s: %w", agentID, err)
	}

	a.tracker.Subscribe(a.onDeliveryEvent)
	return a, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Queue exposes the inbound queue for inspection tools.
func (a *Agent) Queue() *queue.Queue { return a.queue }

// Tracker exposes the delivery tracker.
func (a *Agent) Tracker() *delivery.Tracker { return a.tracker }

// DLQ exposes the dead letter queue.
func (a *Agent) DLQ() *dlq.Store { return a.dead }

// Failures exposes the failure handler.
func (a *Agent) Failures() *failure.Handler { return a.failer }

// RegisterHandler sets the handler for a message type. Must be called
// before Start.
func (a *Agent) RegisterHandler(t protocol.MessageType, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[t] = h
}

// Start begins receiving and dispatching.
func (a *Agent) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.tracker.Start()
	if err := a.inbox.Start(); err != nil {
		cancel()
		return fmt.Errorf("agent %s: %w", a.id, err)
	}

	a.wg.Add(1)
	go a.dispatchLoop(ctx)

	a.logger.Info("agent started", slog.String("type", string(a.typ)))
	return nil
}

// Shutdown stops receiving, drains nothing, and flushes all state.
func (a *Agent) Shutdown() {
	if a.cancel != nil {
		a.inbox.Stop()
		a.cancel()
		a.wg.Wait()
	}
	a.close()
	a.logger.Info("agent stopped")
}

func (a *Agent) close() {
	if a.tracker != nil {
		a.tracker.Shutdown()
	}
	if a.queue != nil {
		a.queue.Shutdown()
	}
	if a.dead != nil {
		a.dead.Shutdown()
	}
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send validates and ships one message, tracking it for acknowledgment.
// Envelope routing fields left blank are filled in from the agent identity.
func (a *Agent) Send(env *protocol.Envelope) error {
	a.prepare(env)

	if result := a.validator.ValidateEnvelope(env, validate.LevelSemantic); !result.Valid {
		return fmt.Errorf("send %s: %w", env.MessageID, result.FirstError())
	}

	for {
		err := a.outbox.Send(env)
		if err == nil {
			a.failer.RecordSendSuccess(env.MessageID)
			return a.tracker.TrackSentMessage(env)
		}

		retry, herr := a.failer.HandleSendFailure(env, err)
		if herr != nil {
			return fmt.Errorf("send %s: %w", env.MessageID, herr)
		}
		if !retry {
			return fmt.Errorf("send %s: %w", env.MessageID, err)
		}
	}
}

// prepare fills identity and protocol defaults on an outbound envelope.
func (a *Agent) prepare(env *protocol.Envelope) {
	if env.ProtocolVersion == "" {
		env.ProtocolVersion = protocol.Version
	}
	if env.MessageID == "" {
		env.MessageID = protocol.NewMessageID()
	}
	if env.Timestamp == "" {
		env.Timestamp = protocol.Now()
	}
	if env.Sender.AgentID == "" {
		env.Sender = protocol.AgentRef{AgentID: a.id, Type: a.typ}
	}
	if env.Priority == "" {
		env.Priority = protocol.PriorityNormal
	}
	if env.CorrelationID == "" && protocol.RequiresCorrelation(env.Type) {
		env.CorrelationID = protocol.NewCorrelationID()
	}
}

// onDeliveryEvent re-sends on retry and dead-letters on terminal failure.
func (a *Agent) onDeliveryEvent(ev delivery.Event) {
	switch ev.Type {
	case delivery.EventMessageRetry:
		if err := a.outbox.Send(ev.Message); err != nil {
			// The ack timeout is already re-armed; the next firing
			// retries or fails the delivery.
			a.logger.Warn("retry send failed",
				slog.String("message_id", ev.MessageID),
				slog.String("error", err.Error()))
		}
	case delivery.EventMessageFailed:
		meta := dlq.Metadata{
			FailureReason: ev.FailureReason,
			FailureMessage: fmt.Sprintf("delivery failed after %d retries: %s",
				ev.RetryCount, ev.FailureReason),
			RetryHistory: ev.RetryHistory,
			FailedAt:     ev.Timestamp,
			ReceiverID:   ev.Message.Receiver.AgentID,
		}
		if ev.FailureReason == delivery.ReasonNackNotRecoverable {
			meta.ErrorCode = ev.NackErrorCode
		} else {
			meta.ErrorCode = string(protocol.CodeDeliveryTimeout)
		}
		if err := a.dead.Add(ev.Message, meta); err != nil {
			a.logger.Error("dead-letter failed delivery",
				slog.String("message_id", ev.MessageID),
				slog.String("error", err.Error()))
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

func (a *Agent) onInbound(env *protocol.Envelope) {
	// Replies short-circuit the queue: they resolve tracked deliveries.
	switch env.Type {
	case protocol.TypeAck:
		if p, ok := env.Payload.(*protocol.AckPayload); ok {
			a.tracker.HandleAck(p)
		}
		return
	case protocol.TypeNack:
		if p, ok := env.Payload.(*protocol.NackPayload); ok {
			a.tracker.HandleNack(p)
		}
		return
	}

	// At-least-once delivery: a replay of an already-processed message is
	// acknowledged again without re-running the handler.
	if a.alreadyProcessed(env.MessageID) {
		a.logger.Debug("duplicate message re-acknowledged", slog.String("message_id", env.MessageID))
		a.sendAck(env, protocol.AckProcessed)
		return
	}

	if result := a.validator.ValidateEnvelope(env, validate.LevelSemantic); !result.Valid {
		// Local recovery: defaultable fields (priority, metadata,
		// timestamp, correlation) are repaired before giving up.
		recovered := false
		if fixed, ok := a.failer.AttemptRecovery(env); ok {
			if r := a.validator.ValidateEnvelope(fixed, validate.LevelSemantic); r.Valid {
				a.logger.Info("inbound message recovered",
					slog.String("message_id", fixed.MessageID))
				env = fixed
				recovered = true
			}
		}
		if !recovered {
			first := result.FirstError()
			a.logger.Warn("inbound message rejected",
				slog.String("message_id", env.MessageID),
				slog.String("error_code", string(first.Code)))
			a.sendNack(env, first)
			return
		}
	}

	if err := a.queue.Enqueue(env); err != nil {
		a.logger.Error("enqueue inbound message",
			slog.String("message_id", env.MessageID),
			slog.String("error", err.Error()))
		nerr := protocol.NewError(protocol.CodeChannelUnavailable, err.Error())
		a.sendNack(env, nerr)
		return
	}

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) onInboundError(rawLine []byte, err error) {
	if _, aerr := a.failer.HandleReceiveFailure(rawLine, err); aerr != nil {
		a.logger.Error("record malformed line", slog.String("error", aerr.Error()))
	}
}

func (a *Agent) alreadyProcessed(messageID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.processed[messageID]
	return ok
}

// markProcessed records a successfully handled message ID.
func (a *Agent) markProcessed(messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.processed) >= dedupeLimit {
		a.processed = make(map[string]struct{})
	}
	a.processed[messageID] = struct{}{}
}

func (a *Agent) dispatchLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		a.drain()
		select {
		case <-ctx.Done():
			return
		case <-a.wake:
		case <-ticker.C:
		}
	}
}

func (a *Agent) drain() {
	for {
		entry, ok := a.queue.Dequeue()
		if !ok {
			return
		}
		a.process(entry.Message)
	}
}

func (a *Agent) process(env *protocol.Envelope) {
	a.mu.Lock()
	handler, ok := a.handlers[env.Type]
	a.mu.Unlock()

	if !ok {
		nerr := protocol.NewError(protocol.CodeUnexpectedType,
			fmt.Sprintf("no handler for %s", env.Type))
		nerr.Recoverable = false
		a.sendNack(env, nerr)
		return
	}

	if err := handler(env); err != nil {
		perr := protocol.NewError(protocol.CodeTaskExecutionFailed, err.Error())
		a.sendNack(env, perr)
		return
	}
	a.markProcessed(env.MessageID)
	a.sendAck(env, protocol.AckProcessed)
}

func (a *Agent) sendAck(orig *protocol.Envelope, status protocol.AckStatus) {
	ack := &protocol.Envelope{
		CorrelationID: replyCorrelation(orig),
		Receiver:      orig.Sender,
		Type:          protocol.TypeAck,
		Priority:      protocol.PriorityHigh,
		Payload: &protocol.AckPayload{
			AcknowledgedMessageID: orig.MessageID,
			Status:                status,
			Timestamp:             protocol.Now(),
		},
	}
	if err := a.Send(ack); err != nil {
		a.logger.Warn("send ack", slog.String("error", err.Error()))
	}
}

func (a *Agent) sendNack(orig *protocol.Envelope, perr *protocol.Error) {
	nack := &protocol.Envelope{
		CorrelationID: replyCorrelation(orig),
		Receiver:      orig.Sender,
		Type:          protocol.TypeNack,
		Priority:      protocol.PriorityHigh,
		Payload: &protocol.NackPayload{
			RejectedMessageID: orig.MessageID,
			Reason:            perr.Message,
			Timestamp:         protocol.Now(),
			ErrorCode:         string(perr.Code),
			CanRetry:          perr.Recoverable,
		},
	}
	if err := a.Send(nack); err != nil {
		a.logger.Warn("send nack", slog.String("error", err.Error()))
	}
}

// replyCorrelation pairs a reply with its request.
func replyCorrelation(orig *protocol.Envelope) string {
	if orig.CorrelationID != "" {
		return orig.CorrelationID
	}
	return protocol.NewCorrelationID()
}
