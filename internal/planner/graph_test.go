package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/planmesh/core/internal/fault"
)

func task(id, agent string, deps ...string) TaskSpec {
	return TaskSpec{ID: id, Action: "run", Agent: agent, DependsOn: deps}
}

func TestBuildGraphLayersDiamond(t *testing.T) {
	g, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("d", "w", "b", "c"),
		task("a", "w"),
		task("b", "w", "a"),
		task("c", "w", "a"),
	}})
	require.NoError(t, err)

	require.Len(t, g.waves, 3)
	assert.Equal(t, []string{"a"}, waveIDs(g, 0))
	assert.ElementsMatch(t, []string{"b", "c"}, waveIDs(g, 1))
	assert.Equal(t, []string{"d"}, waveIDs(g, 2))
}

func TestBuildGraphIndependentTasksShareWave(t *testing.T) {
	g, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("a", "w"), task("b", "w"), task("c", "w"),
	}})
	require.NoError(t, err)
	require.Len(t, g.waves, 1)
	assert.Len(t, g.waves[0], 3)
}

func TestBuildGraphRejectsCycle(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("a", "w", "c"),
		task("b", "w", "a"),
		task("c", "w", "b"),
	}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuildGraphRejectsSelfDependency(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{task("a", "w", "a")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestBuildGraphRejectsDuplicateID(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{task("a", "w"), task("a", "w")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestBuildGraphRejectsUnknownDependency(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{task("a", "w", "ghost")}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestBuildGraphRejectsEmptyPlan(t *testing.T) {
	_, err := buildGraph(PlanSpec{})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestBuildGraphRejectsTaskWithoutTarget(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{{ID: "a", Action: "run"}}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestBuildGraphRejectsBadPriority(t *testing.T) {
	_, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		{ID: "a", Action: "run", Agent: "w", Priority: "URGENT"},
	}})
	require.Error(t, err)
	assert.Equal(t, fault.CodePlanInvalid, fault.CodeOf(err))
}

func TestSkipDependentsCascadesTransitively(t *testing.T) {
	g, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("a", "w"),
		task("b", "w", "a"),
		task("c", "w", "b"),
		task("side", "w"),
	}})
	require.NoError(t, err)

	skipped := g.skipDependents(g.index["a"], "dependency failed")
	assert.Equal(t, 2, skipped)
	assert.Equal(t, TaskSkipped, g.nodes[g.index["b"]].state)
	assert.Equal(t, TaskSkipped, g.nodes[g.index["c"]].state)
	assert.Equal(t, TaskPending, g.nodes[g.index["side"]].state)
}

func TestSkipDependentsLeavesTerminalAlone(t *testing.T) {
	g, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("a", "w"),
		task("b", "w", "a"),
	}})
	require.NoError(t, err)

	g.nodes[g.index["b"]].state = TaskCompleted
	assert.Equal(t, 0, g.skipDependents(g.index["a"], "x"))
	assert.Equal(t, TaskCompleted, g.nodes[g.index["b"]].state)
}

func TestRelayerDropsTerminalNodes(t *testing.T) {
	g, err := buildGraph(PlanSpec{Tasks: []TaskSpec{
		task("a", "w"),
		task("b", "w", "a"),
		task("c", "w", "b"),
	}})
	require.NoError(t, err)
	require.Len(t, g.waves, 3)

	g.nodes[g.index["a"]].state = TaskCompleted
	require.NoError(t, g.relayer())

	require.Len(t, g.waves, 2)
	assert.Equal(t, []string{"b"}, waveIDs(g, 0))
	assert.Equal(t, []string{"c"}, waveIDs(g, 1))
}

func waveIDs(g *taskGraph, wave int) []string {
	var ids []string
	for _, i := range g.waves[wave] {
		ids = append(ids, g.nodes[i].id)
	}
	return ids
}

// ============================================================================
// CHECKPOINT HASHING
// ============================================================================

func TestTaskFingerprintTracksActionAndInputs(t *testing.T) {
	fp := taskFingerprint("summarize", []byte(`{"doc":1}`))
	assert.Len(t, fp, fingerprintLen)
	assert.Equal(t, fp, taskFingerprint("summarize", []byte(`{"doc":1}`)))
	assert.NotEqual(t, fp, taskFingerprint("summarize", []byte(`{"doc":2}`)))
	assert.NotEqual(t, fp, taskFingerprint("translate", []byte(`{"doc":1}`)))
}

func TestCheckpointHashCarriesFingerprint(t *testing.T) {
	fp := taskFingerprint("summarize", []byte("in"))
	hash := checkpointHash(fp, []byte("out"))

	assert.True(t, matchesFingerprint(hash, fp))
	assert.False(t, matchesFingerprint(hash, taskFingerprint("summarize", []byte("other"))))
	assert.False(t, matchesFingerprint("nocolon", fp))
}
