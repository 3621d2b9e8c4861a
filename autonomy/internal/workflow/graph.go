// Package workflow validates and runs workflow graphs.
package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zettelhub/platform/autonomy/internal/actions"
	"github.com/zettelhub/platform/autonomy/internal/models"
)

var (
	ErrNoTrigger     = errors.New("workflow has no trigger node")
	ErrCycle         = errors.New("workflow graph contains a cycle")
	ErrUnknownAction = errors.New("unknown action")
)

// ValidationError lists every problem found in a graph.
type ValidationError struct {
	Problems []string
	// causes holds ErrNoTrigger or ErrCycle for errors.Is.
	causes []error
}

func (e *ValidationError) Error() string {
	return "invalid workflow graph: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool {
	for _, c := range e.causes {
		if c == target {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks g's structure. It returns nil or a *ValidationError.
func Validate(g models.WorkflowGraph) error {
	verr := &ValidationError{}
	nodes := make(map[string]models.Node, len(g.Nodes))
	var triggers []string

	for i, n := range g.Nodes {
		if n.ID == "" {
			verr.add("node %d has no id", i)
			continue
		}
		if _, dup := nodes[n.ID]; dup {
			verr.add("duplicate node id %q", n.ID)
			continue
		}
		nodes[n.ID] = n
		switch n.Type {
		case models.NodeTrigger:
			triggers = append(triggers, n.ID)
		case models.NodeCondition:
			validateCondition(verr, n)
		case models.NodeAction:
			validateAction(verr, n)
		case models.NodeDelay:
			if _, err := delayDuration(n.Config); err != nil {
				verr.add("node %q: %v", n.ID, err)
			}
		default:
			verr.add("node %q has unknown type %q", n.ID, n.Type)
		}
	}

	switch len(triggers) {
	case 0:
		verr.add("%v", ErrNoTrigger)
		verr.causes = append(verr.causes, ErrNoTrigger)
	case 1:
	default:
		verr.add("workflow has %d trigger nodes, expected one", len(triggers))
	}

	for i, e := range g.Edges {
		if _, ok := nodes[e.Source]; !ok {
			verr.add("edge %d references unknown source %q", i, e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			verr.add("edge %d references unknown target %q", i, e.Target)
		}
		for _, t := range triggers {
			if e.Target == t {
				verr.add("trigger %q has an incoming edge from %q", t, e.Source)
			}
		}
	}

	if len(verr.Problems) == 0 {
		if _, err := TopologicalOrder(g); err != nil {
			verr.add("%v", err)
			verr.causes = append(verr.causes, ErrCycle)
		}
	}

	if len(verr.Problems) > 0 {
		return verr
	}
	return nil
}

func validateCondition(verr *ValidationError, n models.Node) {
	cond, _ := n.Config["condition"].(string)
	if strings.TrimSpace(cond) == "" {
		verr.add("condition %q has no condition path", n.ID)
	}
	op, _ := n.Config["operator"].(string)
	if !Operator(op).Valid() {
		verr.add("condition %q has unknown operator %q", n.ID, op)
	}
}

func validateAction(verr *ValidationError, n models.Node) {
	kind, _ := n.Config["action"].(string)
	if kind == "" {
		verr.add("action %q has no action kind", n.ID)
		return
	}
	if !actions.Kind(kind).Supported() {
		verr.add("action %q: unsupported action %q", n.ID, kind)
	}
	if p, ok := n.Config["params"]; ok && p != nil {
		if _, ok := p.(map[string]any); !ok {
			verr.add("action %q: params must be an object", n.ID)
		}
	}
}

// TopologicalOrder returns node ids in dependency order (Kahn's algorithm,
// ties broken by declaration order). It returns ErrCycle when some nodes can
// never be scheduled.
func TopologicalOrder(g models.WorkflowGraph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	out := successorIndex(g)
	for _, e := range g.Edges {
		if _, ok := indegree[e.Target]; ok {
			indegree[e.Target]++
		}
	}

	queue := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if indegree[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}
	order := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, e := range out[id] {
			if _, ok := indegree[e.Target]; !ok {
				continue
			}
			indegree[e.Target]--
			if indegree[e.Target] == 0 {
				queue = append(queue, e.Target)
			}
		}
	}
	if len(order) != len(indegree) {
		var stuck []string
		for _, n := range g.Nodes {
			if indegree[n.ID] > 0 {
				stuck = append(stuck, n.ID)
			}
		}
		return order, fmt.Errorf("%w through %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return order, nil
}

// successorIndex groups edges by source, keeping declaration order.
func successorIndex(g models.WorkflowGraph) map[string][]models.Edge {
	out := make(map[string][]models.Edge, len(g.Nodes))
	for _, e := range g.Edges {
		out[e.Source] = append(out[e.Source], e)
	}
	return out
}

func triggerNode(g models.WorkflowGraph) (models.Node, bool) {
	for _, n := range g.Nodes {
		if n.Type == models.NodeTrigger {
			return n, true
		}
	}
	return models.Node{}, false
}
