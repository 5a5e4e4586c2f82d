// Package coordinator manages cross-agent handoffs: for every dependency
// edge that crosses an agent boundary it tracks a handoff through the
// Pending, Ready, Completed, and Failed states, and tells each agent which
// of its tasks are blocked on another agent's output.
package coordinator

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/agentcomm/taskgraph"
)

// HandoffState is the lifecycle state of one handoff.
type HandoffState string

// Handoff states. Completed and Failed are terminal.
const (
	HandoffPending   HandoffState = "Pending"
	HandoffReady     HandoffState = "Ready"
	HandoffCompleted HandoffState = "Completed"
	HandoffFailed    HandoffState = "Failed"
)

// Handoff is a directed dependency between a requesting task on one agent
// and a providing task on another.
type Handoff struct {
	ID              string       `json:"id"`
	RequestingTask  string       `json:"requestingTask"`
	DependencyTask  string       `json:"dependencyTask"`
	RequestingAgent string       `json:"requestingAgent"`
	ProvidingAgent  string       `json:"providingAgent"`
	State           HandoffState `json:"state"`
	CreatedAt       time.Time    `json:"createdAt"`
	ReadyAt         *time.Time   `json:"readyAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	FailedAt        *time.Time   `json:"failedAt,omitempty"`
	FailureReason   string       `json:"failureReason,omitempty"`
}

// Coordination event types.
const (
	EventHandoffCreated   = "handoff-created"
	EventHandoffReady     = "handoff-ready"
	EventHandoffCompleted = "handoff-completed"
	EventHandoffFailed    = "handoff-failed"
	EventTaskUnblocked    = "task-unblocked"
)

// Event is one entry in the coordination history.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	HandoffID string    `json:"handoffId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Details   string    `json:"details,omitempty"`
}

// AgentState summarizes coordination from one agent's point of view.
type AgentState struct {
	AgentID string `json:"agentId"`
	// BlockedTasks are the agent's tasks waiting on another agent.
	BlockedTasks []string `json:"blockedTasks"`
	// CompletedOutputs are the agent's completed tasks that other agents
	// depend on.
	CompletedOutputs []string `json:"completedOutputs"`
	// PendingHandoffs are handoffs the agent is waiting to receive.
	PendingHandoffs []Handoff `json:"pendingHandoffs"`
	// ProvidingHandoffs are handoffs the agent owes to others.
	ProvidingHandoffs []Handoff `json:"providingHandoffs"`
}

// Coordinator tracks handoffs for one task graph. Safe for concurrent use.
type Coordinator struct {
	mu sync.Mutex

	graph  *taskgraph.Graph
	logger *slog.Logger

	handoffs  map[string]*Handoff
	completed map[string]bool
	history   []Event
	listeners []func(Event)

	// now is swappable in tests.
	now func() time.Time
}

// New creates a coordinator over the graph. Call Initialize before use.
func New(graph *taskgraph.Graph, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		graph:     graph,
		logger:    logger.With(slog.String("component", "coordinator")),
		handoffs:  make(map[string]*Handoff),
		completed: make(map[string]bool),
		now:       time.Now,
	}
}

// HandoffID derives the identity of the handoff carrying depTask's output
// to reqTask. One cross-agent edge maps to exactly one handoff.
func HandoffID(depTask, reqTask string) string {
	return depTask + "->" + reqTask
}

// Subscribe registers a listener for coordination events.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Initialize creates one handoff per cross-agent dependency whose requesting
// task has not completed yet. Handoffs whose providing task already
// completed start Ready.
func (c *Coordinator) Initialize(completedTasks []string) {
	c.mu.Lock()
	for _, id := range completedTasks {
		c.completed[id] = true
	}

	var events []Event
	for _, dep := range c.graph.CrossAgentDependencies() {
		if c.completed[dep.TaskID] {
			continue
		}
		id := HandoffID(dep.DependencyID, dep.TaskID)
		if _, exists := c.handoffs[id]; exists {
			continue
		}
		h := &Handoff{
			ID:              id,
			RequestingTask:  dep.TaskID,
			DependencyTask:  dep.DependencyID,
			RequestingAgent: dep.TaskAgent,
			ProvidingAgent:  dep.DependencyAgent,
			State:           HandoffPending,
			CreatedAt:       c.now(),
		}
		if c.completed[dep.DependencyID] {
			h.State = HandoffReady
			readyAt := c.now()
			h.ReadyAt = &readyAt
		}
		c.handoffs[h.ID] = h
		events = append(events, c.recordLocked(EventHandoffCreated, h, ""))
	}
	c.logger.Info("coordination initialized",
		slog.Int("handoffs", len(c.handoffs)),
		slog.Int("completed_tasks", len(c.completed)))
	c.mu.Unlock()

	c.emit(events)
}

// MarkTaskCompleted records a completion and promotes every pending handoff
// waiting on the task. Requesting tasks that become unblocked are announced.
func (c *Coordinator) MarkTaskCompleted(taskID, agentID string) {
	c.mu.Lock()
	c.completed[taskID] = true

	var events []Event
	unblocked := make(map[string]bool)
	for _, h := range c.sortedHandoffsLocked() {
		if h.State != HandoffPending || h.DependencyTask != taskID {
			continue
		}
		h.State = HandoffReady
		readyAt := c.now()
		h.ReadyAt = &readyAt
		events = append(events, c.recordLocked(EventHandoffReady, h, ""))

		if !unblocked[h.RequestingTask] && c.canProceedLocked(h.RequestingTask) {
			unblocked[h.RequestingTask] = true
			events = append(events, c.recordLocked(EventTaskUnblocked, h, ""))
		}
	}
	c.logger.Info("task completed",
		slog.String("task", taskID),
		slog.String("agent", agentID),
		slog.Int("unblocked", len(unblocked)))
	c.mu.Unlock()

	c.emit(events)
}

// MarkTaskFailed fails every pending handoff waiting on the task.
func (c *Coordinator) MarkTaskFailed(taskID, agentID, reason string) {
	c.mu.Lock()
	var events []Event
	for _, h := range c.sortedHandoffsLocked() {
		if h.State != HandoffPending || h.DependencyTask != taskID {
			continue
		}
		h.State = HandoffFailed
		failedAt := c.now()
		h.FailedAt = &failedAt
		h.FailureReason = reason
		events = append(events, c.recordLocked(EventHandoffFailed, h, reason))
	}
	c.logger.Warn("task failed",
		slog.String("task", taskID),
		slog.String("agent", agentID),
		slog.String("reason", reason))
	c.mu.Unlock()

	c.emit(events)
}

// CompleteHandoff transitions a Ready handoff to Completed.
func (c *Coordinator) CompleteHandoff(handoffID string) error {
	c.mu.Lock()
	h, ok := c.handoffs[handoffID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("handoff %s not found", handoffID)
	}
	if h.State != HandoffReady {
		c.mu.Unlock()
		return fmt.Errorf("handoff %s is %s, not %s", handoffID, h.State, HandoffReady)
	}
	h.State = HandoffCompleted
	completedAt := c.now()
	h.CompletedAt = &completedAt
	ev := c.recordLocked(EventHandoffCompleted, h, "")
	c.mu.Unlock()

	c.emit([]Event{ev})
	return nil
}

// CanTaskProceed reports whether every handoff addressed to the task is
// Ready or Completed.
func (c *Coordinator) CanTaskProceed(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canProceedLocked(taskID)
}

// GetHandoff returns a copy of one handoff.
func (c *Coordinator) GetHandoff(handoffID string) (Handoff, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.handoffs[handoffID]
	if !ok {
		return Handoff{}, false
	}
	return *h, true
}

// Handoffs returns all handoffs, ordered by requesting then dependency task.
func (c *Coordinator) Handoffs() []Handoff {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Handoff, 0, len(c.handoffs))
	for _, h := range c.sortedHandoffsLocked() {
		out = append(out, *h)
	}
	return out
}

// GetBlockedTasks returns the agent's tasks waiting on another agent.
func (c *Coordinator) GetBlockedTasks(agentID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockedTasksLocked(agentID)
}

// GetBlockingDependencies returns the dependency tasks still blocking one
// requesting task.
func (c *Coordinator) GetBlockingDependencies(taskID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for _, h := range c.sortedHandoffsLocked() {
		if h.RequestingTask == taskID && h.State != HandoffReady && h.State != HandoffCompleted {
			out = append(out, h.DependencyTask)
		}
	}
	return out
}

// GetAgentCoordinationState summarizes coordination for one agent.
func (c *Coordinator) GetAgentCoordinationState(agentID string) AgentState {
	c.mu.Lock()
	defer c.mu.Unlock()

	state := AgentState{
		AgentID:      agentID,
		BlockedTasks: c.blockedTasksLocked(agentID),
	}

	seen := make(map[string]bool)
	for _, h := range c.sortedHandoffsLocked() {
		if h.RequestingAgent == agentID && h.State == HandoffPending {
			state.PendingHandoffs = append(state.PendingHandoffs, *h)
		}
		if h.ProvidingAgent == agentID {
			state.ProvidingHandoffs = append(state.ProvidingHandoffs, *h)
			if c.completed[h.DependencyTask] && !seen[h.DependencyTask] {
				seen[h.DependencyTask] = true
				state.CompletedOutputs = append(state.CompletedOutputs, h.DependencyTask)
			}
		}
	}
	sort.Strings(state.CompletedOutputs)
	return state
}

// History returns all coordination events in order.
func (c *Coordinator) History() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.history...)
}

// HistoryForTask returns events touching one task.
func (c *Coordinator) HistoryForTask(taskID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for _, ev := range c.history {
		if ev.TaskID == taskID {
			out = append(out, ev)
		}
	}
	return out
}

// HistoryForAgent returns events touching one agent.
func (c *Coordinator) HistoryForAgent(agentID string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Event
	for _, ev := range c.history {
		if ev.AgentID == agentID {
			out = append(out, ev)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Coordinator) canProceedLocked(taskID string) bool {
	for _, h := range c.handoffs {
		if h.RequestingTask != taskID {
			continue
		}
		if h.State != HandoffReady && h.State != HandoffCompleted {
			return false
		}
	}
	return true
}

func (c *Coordinator) blockedTasksLocked(agentID string) []string {
	blocked := make(map[string]bool)
	for _, h := range c.handoffs {
		if h.RequestingAgent != agentID {
			continue
		}
		if h.State != HandoffReady && h.State != HandoffCompleted {
			blocked[h.RequestingTask] = true
		}
	}
	out := make([]string, 0, len(blocked))
	for id := range blocked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sortedHandoffsLocked returns handoffs in a stable order so event emission
// is deterministic.
func (c *Coordinator) sortedHandoffsLocked() []*Handoff {
	out := make([]*Handoff, 0, len(c.handoffs))
	for _, h := range c.handoffs {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestingTask != out[j].RequestingTask {
			return out[i].RequestingTask < out[j].RequestingTask
		}
		return out[i].DependencyTask < out[j].DependencyTask
	})
	return out
}

// recordLocked appends an event to the history and returns it.
func (c *Coordinator) recordLocked(eventType string, h *Handoff, details string) Event {
	ev := Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		HandoffID: h.ID,
		TaskID:    h.RequestingTask,
		AgentID:   h.RequestingAgent,
		Timestamp: c.now(),
		Details:   details,
	}
	c.history = append(c.history, ev)
	return ev
}

func (c *Coordinator) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	listeners := append(([]func(Event))(nil), c.listeners...)
	c.mu.Unlock()
	for _, ev := range events {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}
