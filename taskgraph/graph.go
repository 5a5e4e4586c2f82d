// Package taskgraph resolves task dependency graphs: topological execution
// order, parallel execution batches, cycle detection, and the cross-agent
// dependencies the coordinator turns into handoffs.
package taskgraph

import (
	"fmt"
	"log/slog"
	"sort"
)

// Task is one node in the dependency graph.
type Task struct {
	Dependencies    []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	AgentAssignment string   `json:"agentAssignment" yaml:"agentAssignment"`
	Phase           string   `json:"phase,omitempty" yaml:"phase,omitempty"`
}

// CrossAgentDependency is an edge whose two tasks run on different agents.
type CrossAgentDependency struct {
	TaskID          string `json:"taskId"`
	DependencyID    string `json:"dependencyId"`
	TaskAgent       string `json:"taskAgent"`
	DependencyAgent string `json:"dependencyAgent"`
}

// Analysis is the full resolver output for a graph.
type Analysis struct {
	RootTasks               []string               `json:"rootTasks"`
	LeafTasks               []string               `json:"leafTasks"`
	ExecutionOrder          []string               `json:"executionOrder"`
	HasCircularDependencies bool                   `json:"hasCircularDependencies"`
	Cycles                  [][]string             `json:"cycles,omitempty"`
	Batches                 [][]string             `json:"batches,omitempty"`
	CrossAgentDependencies  []CrossAgentDependency `json:"crossAgentDependencies,omitempty"`
}

// Graph is an immutable dependency graph over a task set.
type Graph struct {
	tasks      map[string]Task
	dependents map[string][]string
	// ids holds the task IDs sorted, so every traversal is deterministic.
	ids    []string
	logger *slog.Logger
}

// New builds the graph. Dependencies on unknown tasks are rejected.
func New(tasks map[string]Task, logger *slog.Logger) (*Graph, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Graph{
		tasks:      make(map[string]Task, len(tasks)),
		dependents: make(map[string][]string),
		logger:     logger.With(slog.String("component", "taskgraph")),
	}
	for id, t := range tasks {
		g.tasks[id] = t
		g.ids = append(g.ids, id)
	}
	sort.Strings(g.ids)

	for _, id := range g.ids {
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", id, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for dep := range g.dependents {
		sort.Strings(g.dependents[dep])
	}
	return g, nil
}

// Size returns the number of tasks.
func (g *Graph) Size() int {
	return len(g.tasks)
}

// Task returns the task for an ID.
func (g *Graph) Task(id string) (Task, bool) {
	t, ok := g.tasks[id]
	return t, ok
}

// Analyze computes roots, leaves, the execution order, batches, cycles, and
// cross-agent dependencies. A cyclic graph yields an empty execution order.
func (g *Graph) Analyze() Analysis {
	a := Analysis{
		RootTasks:              []string{},
		LeafTasks:              []string{},
		CrossAgentDependencies: g.CrossAgentDependencies(),
	}

	for _, id := range g.ids {
		if len(g.tasks[id].Dependencies) == 0 {
			a.RootTasks = append(a.RootTasks, id)
		}
		if len(g.dependents[id]) == 0 {
			a.LeafTasks = append(a.LeafTasks, id)
		}
	}

	order, cycles := g.topoSort()
	if len(cycles) > 0 {
		a.HasCircularDependencies = true
		a.Cycles = cycles
		g.logger.Warn("dependency graph has cycles", slog.Int("cycles", len(cycles)))
		return a
	}

	a.ExecutionOrder = order
	a.Batches = g.batches()
	return a
}

// Visit colours for the DFS.
const (
	white = iota // unvisited
	gray         // on the current DFS path
	black        // done
)

// topoSort runs a three-colour DFS. The returned order lists every
// dependency before its dependents; each back edge contributes one cycle.
func (g *Graph) topoSort() (order []string, cycles [][]string) {
	colour := make(map[string]int, len(g.tasks))
	var path []string

	var visit func(id string)
	visit = func(id string) {
		colour[id] = gray
		path = append(path, id)

		for _, dep := range g.tasks[id].Dependencies {
			switch colour[dep] {
			case white:
				visit(dep)
			case gray:
				// Back edge: the cycle is the path segment from dep to id.
				for i, p := range path {
					if p == dep {
						cycle := append([]string(nil), path[i:]...)
						cycles = append(cycles, cycle)
						break
					}
				}
			}
		}

		path = path[:len(path)-1]
		colour[id] = black
		order = append(order, id)
	}

	for _, id := range g.ids {
		if colour[id] == white {
			visit(id)
		}
	}
	if len(cycles) > 0 {
		return nil, cycles
	}
	return order, nil
}

// batches groups tasks into waves that can run in parallel: each wave holds
// every remaining task whose dependencies are all in earlier waves. A stall
// with tasks remaining means a cycle; the partial result is returned.
func (g *Graph) batches() [][]string {
	completed := make(map[string]bool, len(g.tasks))
	var out [][]string

	for len(completed) < len(g.tasks) {
		var batch []string
		for _, id := range g.ids {
			if completed[id] {
				continue
			}
			if g.depsSatisfied(id, completed) {
				batch = append(batch, id)
			}
		}
		if len(batch) == 0 {
			g.logger.Warn("batch computation stalled",
				slog.Int("remaining", len(g.tasks)-len(completed)))
			break
		}
		for _, id := range batch {
			completed[id] = true
		}
		out = append(out, batch)
	}
	return out
}

// CrossAgentDependencies lists every edge whose endpoints are assigned to
// different agents.
func (g *Graph) CrossAgentDependencies() []CrossAgentDependency {
	var out []CrossAgentDependency
	for _, id := range g.ids {
		t := g.tasks[id]
		for _, dep := range t.Dependencies {
			dt := g.tasks[dep]
			if t.AgentAssignment != dt.AgentAssignment {
				out = append(out, CrossAgentDependency{
					TaskID:          id,
					DependencyID:    dep,
					TaskAgent:       t.AgentAssignment,
					DependencyAgent: dt.AgentAssignment,
				})
			}
		}
	}
	return out
}

// GetReadyTasks returns tasks that are not completed, not in progress, and
// whose dependencies are all completed.
func (g *Graph) GetReadyTasks(completed, inProgress map[string]bool) []string {
	var out []string
	for _, id := range g.ids {
		if completed[id] || inProgress[id] {
			continue
		}
		if g.depsSatisfied(id, completed) {
			out = append(out, id)
		}
	}
	return out
}

// IsTaskReady reports whether every dependency of the task is completed.
func (g *Graph) IsTaskReady(taskID string, completed map[string]bool) bool {
	if _, ok := g.tasks[taskID]; !ok {
		return false
	}
	return g.depsSatisfied(taskID, completed)
}

func (g *Graph) depsSatisfied(taskID string, completed map[string]bool) bool {
	for _, dep := range g.tasks[taskID].Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}
