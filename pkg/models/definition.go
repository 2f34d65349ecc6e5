package models

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidDefinition indicates a malformed automation graph.
var ErrInvalidDefinition = errors.New("invalid definition")

// FailurePolicy decides what a terminal non-optional node failure does to its run.
type FailurePolicy string

const (
	FailurePolicyFailFast   FailurePolicy = "fail_fast"   // Close the run as soon as a node fails
	FailurePolicyBestEffort FailurePolicy = "best_effort" // Keep running independent branches, fail at the end
)

var definitionValidator = validator.New(validator.WithRequiredStructEnabled())

// Definition is the node graph of an automation version.
type Definition struct {
	Nodes         []*DefinitionNode `json:"nodes"                    validate:"required,min=1,dive,required"`
	Edges         []*Edge           `json:"edges"                    validate:"dive,required"`
	FailurePolicy FailurePolicy     `json:"failure_policy,omitempty" validate:"omitempty,oneof=fail_fast best_effort"`
}

// DefinitionNode is a unit of work in the graph.
type DefinitionNode struct {
	ID                      string         `json:"id"                                   validate:"required"`
	Type                    string         `json:"type"                                 validate:"required"`
	Name                    string         `json:"name,omitempty"`
	Config                  map[string]any `json:"config,omitempty"`
	Optional                bool           `json:"optional,omitempty"`                   // Failure does not fail the run
	RunOnPredecessorFailure bool           `json:"run_on_predecessor_failure,omitempty"` // Dispatch once predecessors are terminal, whatever their outcome
	MaxAttempts             int            `json:"max_attempts,omitempty"               validate:"gte=0"`
	TimeoutSeconds          int            `json:"timeout_seconds,omitempty"            validate:"gte=0"`
}

// Timeout returns the per-dispatch timeout, or fallback when the node does not set one.
func (n *DefinitionNode) Timeout(fallback time.Duration) time.Duration {
	if n.TimeoutSeconds > 0 {
		return time.Duration(n.TimeoutSeconds) * time.Second
	}

	return fallback
}

// Attempts returns the node's attempt budget, or fallback when the node does not set one.
func (n *DefinitionNode) Attempts(fallback int) int {
	if n.MaxAttempts > 0 {
		return n.MaxAttempts
	}

	if fallback < 1 {
		return 1
	}

	return fallback
}

// Edge expresses "Source produces input for Target".
type Edge struct {
	Source string `json:"source" validate:"required"`
	Target string `json:"target" validate:"required"`
}

// DefinitionError describes why a definition was rejected.
type DefinitionError struct {
	Reason string
	NodeID string
}

func (e *DefinitionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%v: node %s: %s", ErrInvalidDefinition, e.NodeID, e.Reason)
	}

	return fmt.Sprintf("%v: %s", ErrInvalidDefinition, e.Reason)
}

func (e *DefinitionError) Unwrap() error {
	return ErrInvalidDefinition
}

// IsInvalidDefinition checks if an error indicates a malformed definition.
func IsInvalidDefinition(err error) bool {
	return errors.Is(err, ErrInvalidDefinition)
}

// Validate checks the definition is a well-formed DAG.
func (d *Definition) Validate() error {
	_, err := d.Compile()

	return err
}

// Compile validates the definition and builds its adjacency structure.
func (d *Definition) Compile() (*Graph, error) {
	err := definitionValidator.Struct(d)
	if err != nil {
		return nil, &DefinitionError{Reason: err.Error()}
	}

	graph := &Graph{
		nodes:        make(map[string]*DefinitionNode, len(d.Nodes)),
		successors:   make(map[string][]string, len(d.Nodes)),
		predecessors: make(map[string][]string, len(d.Nodes)),
		position:     make(map[string]int, len(d.Nodes)),
	}

	for i, node := range d.Nodes {
		if _, exists := graph.nodes[node.ID]; exists {
			return nil, &DefinitionError{NodeID: node.ID, Reason: "duplicate node id"}
		}

		graph.nodes[node.ID] = node
		graph.position[node.ID] = i
	}

	seen := make(map[Edge]bool, len(d.Edges))

	for _, edge := range d.Edges {
		if _, ok := graph.nodes[edge.Source]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("edge references unknown source node %q", edge.Source)}
		}

		if _, ok := graph.nodes[edge.Target]; !ok {
			return nil, &DefinitionError{Reason: fmt.Sprintf("edge references unknown target node %q", edge.Target)}
		}

		if edge.Source == edge.Target {
			return nil, &DefinitionError{NodeID: edge.Source, Reason: "node depends on itself"}
		}

		if seen[*edge] {
			return nil, &DefinitionError{Reason: fmt.Sprintf("duplicate edge %s -> %s", edge.Source, edge.Target)}
		}

		seen[*edge] = true
		graph.successors[edge.Source] = append(graph.successors[edge.Source], edge.Target)
		graph.predecessors[edge.Target] = append(graph.predecessors[edge.Target], edge.Source)
	}

	for _, node := range d.Nodes {
		if len(graph.predecessors[node.ID]) == 0 {
			graph.entries = append(graph.entries, node.ID)
		}
	}

	if len(graph.entries) == 0 {
		return nil, &DefinitionError{Reason: "graph has no entry node"}
	}

	err = graph.sort()
	if err != nil {
		return nil, err
	}

	return graph, nil
}

// Graph is the compiled, read-only form of a definition.
type Graph struct {
	nodes        map[string]*DefinitionNode
	successors   map[string][]string
	predecessors map[string][]string
	position     map[string]int
	entries      []string
	order        []string
}

// sort computes a topological order (Kahn), stable with respect to declaration order.
func (g *Graph) sort() error {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.predecessors[id])
	}

	queue := append([]string(nil), g.entries...)
	order := make([]string, 0, len(g.nodes))

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)

		for _, next := range g.successors[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(g.nodes) {
		cyclic := make([]string, 0)

		for id, degree := range inDegree {
			if degree > 0 {
				cyclic = append(cyclic, id)
			}
		}

		sort.Slice(cyclic, func(i, j int) bool { return g.position[cyclic[i]] < g.position[cyclic[j]] })

		return &DefinitionError{Reason: "cycle detected among nodes " + strings.Join(cyclic, ", ")}
	}

	g.order = order

	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*DefinitionNode, bool) {
	node, ok := g.nodes[id]

	return node, ok
}

// Nodes returns every node in topological order.
func (g *Graph) Nodes() []*DefinitionNode {
	nodes := make([]*DefinitionNode, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id])
	}

	return nodes
}

// EntryNodes returns the ids of nodes without incoming edges, in declaration order.
func (g *Graph) EntryNodes() []string {
	return append([]string(nil), g.entries...)
}

// Successors returns the ids of nodes consuming the given node's output.
func (g *Graph) Successors(id string) []string {
	return g.successors[id]
}

// Predecessors returns the ids of nodes producing input for the given node.
func (g *Graph) Predecessors(id string) []string {
	return g.predecessors[id]
}
