package failure

import (
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/c360studio/agentcomm/metrics"
)

// Breaker states as reported to callers and DLQ metadata.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// Breaker guards sends to one receiver: after a run of consecutive failures
// it opens and sends are dead-lettered without touching the receiver; after
// the timeout one probe is allowed through and its outcome re-closes or
// re-opens the circuit.
type Breaker struct {
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Metrics
}

// NewBreaker builds a breaker that opens after threshold consecutive
// failures and probes again after timeout.
func NewBreaker(name string, threshold int, timeout time.Duration, logger *slog.Logger, m *metrics.Metrics) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Breaker{metrics: m}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			state := stateName(to)
			m.SetBreakerState(strings.ToLower(strings.ReplaceAll(state, "_", "-")))
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", stateName(from)),
				slog.String("to", state))
		},
	})
	return b
}

// Allow reports whether a send may be attempted.
func (b *Breaker) Allow() bool {
	return b.cb.State() != gobreaker.StateOpen
}

// Record feeds one send outcome into the breaker.
func (b *Breaker) Record(err error) {
	_, _ = b.cb.Execute(func() (any, error) { return nil, err })
}

// State returns the current breaker state name.
func (b *Breaker) State() string {
	return stateName(b.cb.State())
}

func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}
