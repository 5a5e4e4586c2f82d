// Package queue implements the per-agent three-priority message queue with
// append-only NDJSON persistence and periodic compaction. Within a priority
// dequeue order is FIFO; across priorities HIGH strictly precedes NORMAL
// strictly precedes LOW.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentcomm/codec"
	"github.com/c360studio/agentcomm/metrics"
	"github.com/c360studio/agentcomm/protocol"
)

// Defaults.
const (
	DefaultMaxSize            = 10000
	DefaultCompactionInterval = 60 * time.Second

	// warnFraction of capacity at which enqueue starts warning.
	warnFraction = 0.9
)

// ErrQueueFull is returned when the overflow policy cannot make room for an
// incoming message.
var ErrQueueFull = errors.New("queue full")

// ErrClosed is returned by operations on a shut-down queue.
var ErrClosed = errors.New("queue closed")

// Config controls queue behavior.
type Config struct {
	// MaxSize is the total capacity across all priorities.
	MaxSize int
	// Dir is where the durable log lives.
	Dir string
	// CompactionInterval is how often the log is rewritten to live entries.
	CompactionInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxSize <= 0 {
		c.MaxSize = DefaultMaxSize
	}
	if c.CompactionInterval <= 0 {
		c.CompactionInterval = DefaultCompactionInterval
	}
	return c
}

// Entry is a queued message plus its queue metadata.
type Entry struct {
	EntryID    string
	Message    *protocol.Envelope
	QueuedAt   time.Time
	Priority   protocol.Priority
	RetryCount int
}

func (e *Entry) metadata() codec.QueueMetadata {
	return codec.QueueMetadata{
		QueuedAt:   protocol.Timestamp(e.QueuedAt),
		Priority:   e.Priority,
		RetryCount: e.RetryCount,
		EntryID:    e.EntryID,
	}
}

// Metrics is a point-in-time snapshot of queue statistics.
type Metrics struct {
	TotalEnqueued   int64
	TotalDequeued   int64
	TotalDropped    int64
	DepthByPriority map[protocol.Priority]int
	MeanWait        time.Duration
	OldestAge       time.Duration
}

// Queue is a durable three-priority FIFO queue owned by one agent. Safe for
// concurrent use.
type Queue struct {
	mu sync.Mutex

	agentID string
	cfg     Config
	codec   *codec.Codec
	logger  *slog.Logger
	metrics *metrics.Metrics

	lists map[protocol.Priority][]*Entry
	live  map[string]struct{}

	logPath string
	logFile *os.File

	totalEnqueued int64
	totalDequeued int64
	totalDropped  int64
	waitSamples   []time.Duration
	waitNext      int
	waitFull      bool

	stopCompaction chan struct{}
	wg             sync.WaitGroup
	closed         bool
}

// waitWindow is the number of dequeue wait samples the mean covers.
const waitWindow = 100

// New opens (or creates) the durable queue for agentID under cfg.Dir,
// replays the log, and starts the compaction loop.
func New(agentID string, cfg Config, c *codec.Codec, logger *slog.Logger, m *metrics.Metrics) (*Queue, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if c == nil {
		c = codec.New(logger, m)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		agentID: agentID,
		cfg:     cfg,
		codec:   c,
		logger:  logger.With(slog.String("component", "queue"), slog.String("agent", agentID)),
		metrics: m,
		lists: map[protocol.Priority][]*Entry{
			protocol.PriorityHigh:   nil,
			protocol.PriorityNormal: nil,
			protocol.PriorityLow:    nil,
		},
		live:           make(map[string]struct{}),
		logPath:        filepath.Join(cfg.Dir, agentID+"-queue.ndjson"),
		waitSamples:    make([]time.Duration, waitWindow),
		stopCompaction: make(chan struct{}),
	}

	if err := q.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(q.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open queue log: %w", err)
	}
	q.logFile = f

	q.wg.Add(1)
	go q.compactionLoop()

	q.logger.Info("queue ready",
		slog.Int("replayed", q.sizeLocked()),
		slog.Int("max_size", cfg.MaxSize))
	return q, nil
}

// Enqueue adds a message at its envelope priority.
func (q *Queue) Enqueue(env *protocol.Envelope) error {
	return q.EnqueueWithPriority(env, env.Priority)
}

// EnqueueWithPriority adds a message at an explicit priority, applying the
// overflow policy at capacity.
func (q *Queue) EnqueueWithPriority(env *protocol.Envelope, priority protocol.Priority) error {
	if !priority.Valid() {
		priority = protocol.PriorityNormal
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	if q.sizeLocked() >= q.cfg.MaxSize {
		if err := q.makeRoomLocked(priority); err != nil {
			return err
		}
	}

	entry := &Entry{
		EntryID:    uuid.NewString(),
		Message:    env,
		QueuedAt:   time.Now(),
		Priority:   priority,
		RetryCount: retryCount(env),
	}

	if err := q.appendLocked(entry); err != nil {
		return err
	}

	q.lists[priority] = append(q.lists[priority], entry)
	q.live[entry.EntryID] = struct{}{}
	q.totalEnqueued++
	q.metrics.IncEnqueued()
	q.metrics.SetQueueDepth(string(priority), len(q.lists[priority]))

	if size := q.sizeLocked(); float64(size) > warnFraction*float64(q.cfg.MaxSize) {
		q.logger.Warn("queue approaching capacity",
			slog.Int("size", size),
			slog.Int("max_size", q.cfg.MaxSize))
	}
	return nil
}

func retryCount(env *protocol.Envelope) int {
	if env.Metadata != nil {
		return env.Metadata.RetryCount
	}
	return 0
}

// makeRoomLocked applies the overflow policy: drop the oldest LOW; failing
// that, a HIGH arrival may displace the oldest NORMAL; anything else is
// rejected.
func (q *Queue) makeRoomLocked(incoming protocol.Priority) error {
	if dropped := q.dropOldestLocked(protocol.PriorityLow); dropped != nil {
		q.warnDropped(dropped, incoming)
		return nil
	}
	if incoming == protocol.PriorityHigh {
		if dropped := q.dropOldestLocked(protocol.PriorityNormal); dropped != nil {
			q.warnDropped(dropped, incoming)
			return nil
		}
	}
	return fmt.Errorf("%w: size %d, incoming priority %s", ErrQueueFull, q.sizeLocked(), incoming)
}

func (q *Queue) dropOldestLocked(priority protocol.Priority) *Entry {
	list := q.lists[priority]
	if len(list) == 0 {
		return nil
	}
	dropped := list[0]
	q.lists[priority] = list[1:]
	delete(q.live, dropped.EntryID)
	q.totalDropped++
	q.metrics.IncDropped()
	q.metrics.SetQueueDepth(string(priority), len(q.lists[priority]))
	return dropped
}

func (q *Queue) warnDropped(dropped *Entry, incoming protocol.Priority) {
	q.logger.Warn("overflow policy dropped message",
		slog.String("dropped_message_id", dropped.Message.MessageID),
		slog.String("dropped_priority", string(dropped.Priority)),
		slog.String("incoming_priority", string(incoming)))
}

// Dequeue removes and returns the oldest message of the highest non-empty
// priority. The second return is false when the queue is empty.
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, false
	}

	for _, p := range protocol.Priorities() {
		list := q.lists[p]
		if len(list) == 0 {
			continue
		}
		entry := list[0]
		q.lists[p] = list[1:]
		delete(q.live, entry.EntryID)
		q.totalDequeued++

		wait := time.Since(entry.QueuedAt)
		q.waitSamples[q.waitNext] = wait
		q.waitNext = (q.waitNext + 1) % waitWindow
		if q.waitNext == 0 {
			q.waitFull = true
		}
		q.metrics.IncDequeued(wait)
		q.metrics.SetQueueDepth(string(p), len(q.lists[p]))
		return entry, true
	}
	return nil, false
}

// Peek returns the entry Dequeue would return, without removing it.
func (q *Queue) Peek() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range protocol.Priorities() {
		if list := q.lists[p]; len(list) > 0 {
			return list[0], true
		}
	}
	return nil, false
}

// Size returns the total number of queued messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sizeLocked()
}

func (q *Queue) sizeLocked() int {
	n := 0
	for _, list := range q.lists {
		n += len(list)
	}
	return n
}

// SizeByPriority returns the depth of each priority level.
func (q *Queue) SizeByPriority() map[protocol.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	sizes := make(map[protocol.Priority]int, 3)
	for p, list := range q.lists {
		sizes[p] = len(list)
	}
	return sizes
}

// IsEmpty reports whether no messages are queued.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// Clear drops every queued message and truncates the log.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	for p := range q.lists {
		q.lists[p] = nil
		q.metrics.SetQueueDepth(string(p), 0)
	}
	q.live = make(map[string]struct{})
	return q.rewriteLogLocked()
}

// Metrics returns a snapshot of queue statistics.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := make(map[protocol.Priority]int, 3)
	var oldest time.Time
	for p, list := range q.lists {
		depth[p] = len(list)
		if len(list) > 0 && (oldest.IsZero() || list[0].QueuedAt.Before(oldest)) {
			oldest = list[0].QueuedAt
		}
	}

	var oldestAge time.Duration
	if !oldest.IsZero() {
		oldestAge = time.Since(oldest)
	}

	n := q.waitNext
	if q.waitFull {
		n = waitWindow
	}
	var meanWait time.Duration
	if n > 0 {
		var sum time.Duration
		for i := 0; i < n; i++ {
			sum += q.waitSamples[i]
		}
		meanWait = sum / time.Duration(n)
	}

	return Metrics{
		TotalEnqueued:   q.totalEnqueued,
		TotalDequeued:   q.totalDequeued,
		TotalDropped:    q.totalDropped,
		DepthByPriority: depth,
		MeanWait:        meanWait,
		OldestAge:       oldestAge,
	}
}

// Compact rewrites the log to contain exactly the live entries.
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return q.rewriteLogLocked()
}

// Shutdown stops compaction, performs a final compaction, and closes the
// log. The queue is unusable afterwards.
func (q *Queue) Shutdown() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stopCompaction)
	q.mu.Unlock()

	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.rewriteLogLocked()
	if cerr := q.logFile.Close(); err == nil {
		err = cerr
	}
	q.logger.Info("queue shut down", slog.Int("remaining", q.sizeLocked()))
	return err
}

func (q *Queue) compactionLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.CompactionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.stopCompaction:
			return
		case <-ticker.C:
			if err := q.Compact(); err != nil && !errors.Is(err, ErrClosed) {
				q.logger.Error("compaction failed", slog.String("error", err.Error()))
			}
		}
	}
}
