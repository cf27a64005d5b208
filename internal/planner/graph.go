// Package planner executes task DAGs against the agent fleet: it layers
// a submitted plan into parallel waves, dispatches each wave through the
// fabric, checkpoints completed tasks, and applies the plan's failure
// policy when agents fail or disappear.
package planner

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/planmesh/core/internal/fault"
	"github.com/planmesh/core/internal/protocol"
)

// ============================================================================
// PLAN AND TASK SPECIFICATIONS
// ============================================================================

// Failure policy modes.
const (
	PolicyFailFast = "fail-fast"
	PolicySkip     = "skip"
	PolicyRetry    = "retry"
)

// FailurePolicy decides what a task failure does to the rest of the plan.
type FailurePolicy struct {
	Mode string `json:"mode" yaml:"mode"`

	// MaxAttempts and Backoff apply to the retry mode.
	MaxAttempts int           `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Backoff     time.Duration `json:"backoff,omitempty" yaml:"backoff"`
}

// TaskSpec is one node of a submitted plan. A task names either an agent
// directly or a capability the registry resolves at dispatch time.
type TaskSpec struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	Agent      string          `json:"agent,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	DependsOn  []string        `json:"depends_on,omitempty"`
	Priority   string          `json:"priority,omitempty"`
}

// PlanSpec is a submitted task graph.
type PlanSpec struct {
	Name   string        `json:"name"`
	Tasks  []TaskSpec    `json:"tasks"`
	Policy FailurePolicy `json:"policy"`

	// MinAgents is the capacity floor below which the plan replans.
	MinAgents int `json:"min_agents,omitempty"`
}

// Task states.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
	TaskDeferred  TaskState = "deferred"
)

func (s TaskState) terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// ============================================================================
// TASK GRAPH
// ============================================================================

// taskNode is the execution state of one task, held in the graph's
// parallel node array and addressed by index.
type taskNode struct {
	id         string
	action     string
	agent      string // explicit assignment, empty for capability tasks
	capability string
	inputs     json.RawMessage
	priority   protocol.Priority

	deps       []int
	dependents []int

	state      TaskState
	assignedTo string
	attempts   int
	errText    string
	resultHash string
}

// taskGraph is a validated plan DAG with its Kahn wave layering.
type taskGraph struct {
	nodes []*taskNode
	index map[string]int
	waves [][]int
}

// buildGraph validates a plan's tasks and layers them into waves. Cycles,
// duplicate ids, unknown dependencies, and tasks with neither an agent
// nor a capability all reject the plan.
func buildGraph(spec PlanSpec) (*taskGraph, error) {
	if len(spec.Tasks) == 0 {
		return nil, fault.New(fault.CodePlanInvalid, "plan has no tasks")
	}

	g := &taskGraph{
		nodes: make([]*taskNode, 0, len(spec.Tasks)),
		index: make(map[string]int, len(spec.Tasks)),
	}

	for _, t := range spec.Tasks {
		id := strings.TrimSpace(t.ID)
		if id == "" {
			return nil, fault.New(fault.CodePlanInvalid, "task with empty id")
		}
		if _, dup := g.index[id]; dup {
			return nil, fault.New(fault.CodePlanInvalid, "duplicate task id %q", id)
		}
		if t.Action == "" {
			return nil, fault.New(fault.CodePlanInvalid, "task %q has no action", id)
		}
		if t.Agent == "" && t.Capability == "" {
			return nil, fault.New(fault.CodePlanInvalid, "task %q names neither an agent nor a capability", id)
		}
		priority, err := protocol.ParsePriority(t.Priority)
		if err != nil {
			return nil, fault.New(fault.CodePlanInvalid, "task %q: %v", id, err)
		}
		g.index[id] = len(g.nodes)
		g.nodes = append(g.nodes, &taskNode{
			id:         id,
			action:     t.Action,
			agent:      t.Agent,
			capability: t.Capability,
			inputs:     t.Inputs,
			priority:   priority,
			state:      TaskPending,
		})
	}

	for i, t := range spec.Tasks {
		node := g.nodes[i]
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, fault.New(fault.CodePlanInvalid, "task %q depends on unknown task %q", node.id, dep)
			}
			if j == i {
				return nil, fault.New(fault.CodePlanInvalid, "task %q depends on itself", node.id)
			}
			node.deps = append(node.deps, j)
			g.nodes[j].dependents = append(g.nodes[j].dependents, i)
		}
	}

	waves, err := layerWaves(g.nodes, nil)
	if err != nil {
		return nil, err
	}
	g.waves = waves
	return g, nil
}

// layerWaves computes Kahn-style wave layering: wave k holds the tasks
// whose unsatisfied dependencies all sit in waves below k. Nodes in the
// done set count as satisfied and are left out of the layering. A
// non-empty remainder means a cycle.
func layerWaves(nodes []*taskNode, done map[int]bool) ([][]int, error) {
	indegree := make([]int, len(nodes))
	remaining := 0
	for i, n := range nodes {
		if done[i] {
			indegree[i] = -1
			continue
		}
		remaining++
		for _, d := range n.deps {
			if !done[d] {
				indegree[i]++
			}
		}
	}

	var waves [][]int
	layered := 0
	for layered < remaining {
		var wave []int
		for i, deg := range indegree {
			if deg == 0 {
				wave = append(wave, i)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for i, deg := range indegree {
				if deg > 0 {
					stuck = append(stuck, nodes[i].id)
				}
			}
			return nil, fault.New(fault.CodePlanInvalid, "dependency cycle among tasks: %s", strings.Join(stuck, ", "))
		}
		for _, i := range wave {
			indegree[i] = -1
			for _, dep := range nodes[i].dependents {
				if indegree[dep] > 0 {
					indegree[dep]--
				}
			}
		}
		layered += len(wave)
		waves = append(waves, wave)
	}
	return waves, nil
}

// relayer recomputes the wave layering over the tasks that are not yet
// terminal, treating completed dependencies as satisfied. Used by the
// replan path.
func (g *taskGraph) relayer() error {
	done := make(map[int]bool)
	for i, n := range g.nodes {
		if n.state.terminal() {
			done[i] = true
		}
	}
	waves, err := layerWaves(g.nodes, done)
	if err != nil {
		return err
	}
	g.waves = waves
	return nil
}

// skipDependents marks every transitive dependent of node i skipped,
// unless it already reached a terminal state.
func (g *taskGraph) skipDependents(i int, reason string) int {
	skipped := 0
	stack := append([]int(nil), g.nodes[i].dependents...)
	for len(stack) > 0 {
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := g.nodes[j]
		if n.state.terminal() {
			continue
		}
		n.state = TaskSkipped
		n.errText = reason
		skipped++
		stack = append(stack, n.dependents...)
	}
	return skipped
}

// counts tallies node states.
func (g *taskGraph) counts() map[TaskState]int {
	c := make(map[TaskState]int)
	for _, n := range g.nodes {
		c[n.state]++
	}
	return c
}

// depsCompleted reports whether every dependency of node i completed.
func (g *taskGraph) depsCompleted(i int) bool {
	for _, d := range g.nodes[i].deps {
		if g.nodes[d].state != TaskCompleted {
			return false
		}
	}
	return true
}

func (g *taskGraph) String() string {
	return fmt.Sprintf("graph(%d tasks, %d waves)", len(g.nodes), len(g.waves))
}
