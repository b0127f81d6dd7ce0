package flow

import (
	"fmt"
	"sort"
)

// Plan is the derived, ephemeral execution ordering for one run: a layered
// partial order over the definition's nodes. Layer 0 holds nodes with no
// dependencies; every node's dependencies live in strictly earlier layers.
// Nodes within a layer are mutually independent and sorted by ascending id
// for determinism.
//
// A Plan is owned by the orchestrator for a run's lifetime and is never
// persisted.
type Plan struct {
	Layers [][]string

	predecessors map[string][]string
	successors   map[string][]string
	inbound      map[string][]EdgeSpec
	order        map[string]int // position in flattened plan order
}

// NewPlan validates the definition and computes the layered plan. It is
// pure and side-effect-free; retrying is always safe. The first structural
// error is returned wrapped around its sentinel (ErrCycleDetected,
// ErrDanglingEdge, ErrUnreachableInput, ...).
func NewPlan(def *FlowDefinition) (*Plan, error) {
	if def == nil {
		return nil, ErrEmptyFlow
	}
	if diags := def.Validate(); HasErrors(diags) {
		return nil, FirstError(diags)
	}

	p := &Plan{
		predecessors: make(map[string][]string, len(def.Nodes)),
		successors:   make(map[string][]string, len(def.Nodes)),
		inbound:      make(map[string][]EdgeSpec, len(def.Nodes)),
		order:        make(map[string]int, len(def.Nodes)),
	}

	inDegree := make(map[string]int, len(def.Nodes))
	for _, node := range def.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range def.Edges {
		p.successors[edge.Source] = append(p.successors[edge.Source], edge.Target)
		p.predecessors[edge.Target] = append(p.predecessors[edge.Target], edge.Source)
		p.inbound[edge.Target] = append(p.inbound[edge.Target], edge)
		inDegree[edge.Target]++
	}

	// Layered Kahn: peel off all zero in-degree nodes per round.
	frontier := make([]string, 0, len(def.Nodes))
	for _, node := range def.Nodes {
		if inDegree[node.ID] == 0 {
			frontier = append(frontier, node.ID)
		}
	}

	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)
		layer := frontier
		frontier = nil

		for _, id := range layer {
			p.order[id] = placed
			placed++
			for _, succ := range p.successors[id] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					frontier = append(frontier, succ)
				}
			}
		}
		p.Layers = append(p.Layers, layer)
	}

	// Validate already rejected cycles; this guards the invariant.
	if placed != len(def.Nodes) {
		return nil, fmt.Errorf("%w: %d of %d nodes unplaced", ErrCycleDetected, len(def.Nodes)-placed, len(def.Nodes))
	}

	return p, nil
}

// Predecessors returns the ids of nodes the given node depends on.
func (p *Plan) Predecessors(nodeID string) []string {
	return p.predecessors[nodeID]
}

// Successors returns the ids of nodes depending on the given node.
func (p *Plan) Successors(nodeID string) []string {
	return p.successors[nodeID]
}

// InboundEdges returns the edges targeting the given node.
func (p *Plan) InboundEdges(nodeID string) []EdgeSpec {
	return p.inbound[nodeID]
}

// Order returns the node's position in the flattened plan order
// (layer-major, ascending id within a layer). Used as the deterministic
// tie-break for fan-in merges.
func (p *Plan) Order(nodeID string) int {
	return p.order[nodeID]
}

// NodeCount returns the number of planned nodes.
func (p *Plan) NodeCount() int {
	return len(p.order)
}

// NodeIDs returns every planned node id in plan order.
func (p *Plan) NodeIDs() []string {
	ids := make([]string, 0, len(p.order))
	for _, layer := range p.Layers {
		ids = append(ids, layer...)
	}
	return ids
}
