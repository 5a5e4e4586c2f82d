package taskgraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondTasks() map[string]Task {
	return map[string]Task{
		"A": {AgentAssignment: "agent_x"},
		"B": {Dependencies: []string{"A"}, AgentAssignment: "agent_y"},
		"C": {Dependencies: []string{"A"}, AgentAssignment: "agent_y"},
		"D": {Dependencies: []string{"B", "C"}, AgentAssignment: "agent_x"},
	}
}

func TestRootsAndLeaves(t *testing.T) {
	g, err := New(diamondTasks(), nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.Equal(t, []string{"A"}, a.RootTasks)
	assert.Equal(t, []string{"D"}, a.LeafTasks)
	assert.False(t, a.HasCircularDependencies)
}

func TestExecutionOrderRespectsDependencies(t *testing.T) {
	tasks := diamondTasks()
	g, err := New(tasks, nil)
	require.NoError(t, err)

	a := g.Analyze()
	require.Len(t, a.ExecutionOrder, len(tasks))

	position := make(map[string]int, len(a.ExecutionOrder))
	for i, id := range a.ExecutionOrder {
		position[id] = i
	}
	for id, task := range tasks {
		for _, dep := range task.Dependencies {
			assert.Less(t, position[dep], position[id],
				"%s must precede its dependent %s", dep, id)
		}
	}
}

func TestBatches(t *testing.T) {
	g, err := New(diamondTasks(), nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}, {"D"}}, a.Batches)
}

func TestCrossAgentDependencies(t *testing.T) {
	g, err := New(map[string]Task{
		"A": {AgentAssignment: "agent_x"},
		"B": {Dependencies: []string{"A"}, AgentAssignment: "agent_y"},
		"C": {Dependencies: []string{"A"}, AgentAssignment: "agent_y"},
	}, nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.Equal(t, [][]string{{"A"}, {"B", "C"}}, a.Batches)
	require.Len(t, a.CrossAgentDependencies, 2)
	assert.Equal(t, CrossAgentDependency{
		TaskID: "B", DependencyID: "A", TaskAgent: "agent_y", DependencyAgent: "agent_x",
	}, a.CrossAgentDependencies[0])
	assert.Equal(t, "C", a.CrossAgentDependencies[1].TaskID)
}

func TestSameAgentEdgesAreNotCrossAgent(t *testing.T) {
	g, err := New(map[string]Task{
		"A": {AgentAssignment: "agent_x"},
		"B": {Dependencies: []string{"A"}, AgentAssignment: "agent_x"},
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, g.CrossAgentDependencies())
}

func TestCycleDetection(t *testing.T) {
	g, err := New(map[string]Task{
		"A": {Dependencies: []string{"C"}, AgentAssignment: "agent_x"},
		"B": {Dependencies: []string{"A"}, AgentAssignment: "agent_x"},
		"C": {Dependencies: []string{"B"}, AgentAssignment: "agent_x"},
	}, nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.True(t, a.HasCircularDependencies)
	assert.Empty(t, a.ExecutionOrder)
	require.Len(t, a.Cycles, 1)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, a.Cycles[0])
}

func TestMultipleCycles(t *testing.T) {
	g, err := New(map[string]Task{
		"A": {Dependencies: []string{"B"}, AgentAssignment: "agent_x"},
		"B": {Dependencies: []string{"A"}, AgentAssignment: "agent_x"},
		"C": {Dependencies: []string{"D"}, AgentAssignment: "agent_y"},
		"D": {Dependencies: []string{"C"}, AgentAssignment: "agent_y"},
	}, nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.True(t, a.HasCircularDependencies)
	assert.Len(t, a.Cycles, 2)
}

func TestSelfDependencyIsACycle(t *testing.T) {
	g, err := New(map[string]Task{
		"A": {Dependencies: []string{"A"}, AgentAssignment: "agent_x"},
	}, nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.True(t, a.HasCircularDependencies)
	require.Len(t, a.Cycles, 1)
	assert.Equal(t, []string{"A"}, a.Cycles[0])
}

func TestUnknownDependencyRejected(t *testing.T) {
	_, err := New(map[string]Task{
		"A": {Dependencies: []string{"missing"}, AgentAssignment: "agent_x"},
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestGetReadyTasks(t *testing.T) {
	g, err := New(diamondTasks(), nil)
	require.NoError(t, err)

	ready := g.GetReadyTasks(map[string]bool{}, map[string]bool{})
	assert.Equal(t, []string{"A"}, ready)

	ready = g.GetReadyTasks(map[string]bool{"A": true}, map[string]bool{})
	assert.Equal(t, []string{"B", "C"}, ready)

	ready = g.GetReadyTasks(map[string]bool{"A": true}, map[string]bool{"B": true})
	assert.Equal(t, []string{"C"}, ready)

	ready = g.GetReadyTasks(map[string]bool{"A": true, "B": true, "C": true}, map[string]bool{})
	assert.Equal(t, []string{"D"}, ready)
}

func TestIsTaskReady(t *testing.T) {
	g, err := New(diamondTasks(), nil)
	require.NoError(t, err)

	assert.True(t, g.IsTaskReady("A", map[string]bool{}))
	assert.False(t, g.IsTaskReady("D", map[string]bool{"B": true}))
	assert.True(t, g.IsTaskReady("D", map[string]bool{"B": true, "C": true}))
	assert.False(t, g.IsTaskReady("missing", map[string]bool{}))
}

func TestEmptyGraph(t *testing.T) {
	g, err := New(map[string]Task{}, nil)
	require.NoError(t, err)

	a := g.Analyze()
	assert.Empty(t, a.RootTasks)
	assert.Empty(t, a.ExecutionOrder)
	assert.Empty(t, a.Batches)
	assert.False(t, a.HasCircularDependencies)
}
