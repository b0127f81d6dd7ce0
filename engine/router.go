package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/prompthouse/flowkit/flow"
)

// ErrUnresolvedDependency indicates the scheduler offered a node whose
// upstream outputs were not all present. The plan guarantees this cannot
// happen; seeing it means an engine bug, and the run fails.
var ErrUnresolvedDependency = errors.New("internal: node scheduled before its dependencies resolved")

// resolveInputs computes a node's input bindings from its inbound edges
// and the outputs completed upstream nodes have published. Multiple edges
// into the same port merge per the node's declared fan-in policy, ordered
// by plan position.
func resolveInputs(p *flow.Plan, spec flow.NodeSpec, published map[string]map[string]any) (map[string]any, error) {
	edges := p.InboundEdges(spec.ID)
	if len(edges) == 0 {
		return map[string]any{}, nil
	}

	type binding struct {
		source string
		value  any
	}
	byPort := make(map[string][]binding)

	for _, edge := range edges {
		outputs, ok := published[edge.Source]
		if !ok {
			return nil, fmt.Errorf("%w: node %s waiting on %s", ErrUnresolvedDependency, spec.ID, edge.Source)
		}
		port := edge.ResolvedSourcePort()
		value, ok := outputs[port]
		if !ok {
			return nil, fmt.Errorf("%w: node %s: upstream %s has no output port %q",
				ErrUnresolvedDependency, spec.ID, edge.Source, port)
		}
		target := edge.ResolvedTargetPort()
		byPort[target] = append(byPort[target], binding{source: edge.Source, value: value})
	}

	inputs := make(map[string]any, len(byPort))
	for port, bindings := range byPort {
		if len(bindings) == 1 {
			inputs[port] = bindings[0].value
			continue
		}

		sort.Slice(bindings, func(i, j int) bool {
			oi, oj := p.Order(bindings[i].source), p.Order(bindings[j].source)
			if oi != oj {
				return oi < oj
			}
			return bindings[i].source < bindings[j].source
		})

		switch spec.FanIn() {
		case flow.FanInLastWriter:
			inputs[port] = bindings[len(bindings)-1].value
		case flow.FanInCollect:
			values := make([]any, len(bindings))
			for i, b := range bindings {
				values[i] = b.value
			}
			inputs[port] = values
		default:
			// The validator rejects undeclared fan-in; reaching this is
			// an engine bug on par with a missing dependency.
			return nil, fmt.Errorf("%w: node %s port %q has %d writers with no fan-in policy",
				ErrUnresolvedDependency, spec.ID, port, len(bindings))
		}
	}
	return inputs, nil
}
