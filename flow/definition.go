// Package flow defines the immutable flow definition model and its
// structural validation and planning.
//
// A FlowDefinition is produced by the definition store (or the visual
// editor's copy-on-save boundary) and handed to the engine as a whole; the
// engine never mutates one.
package flow

import (
	"errors"
	"fmt"
	"sort"
)

// Validation errors surfaced by Plan and by stores that refuse to persist
// broken definitions.
var (
	ErrEmptyFlow          = errors.New("flow has no nodes")
	ErrDuplicateNode      = errors.New("duplicate node ID")
	ErrDanglingEdge       = errors.New("edge references unknown node")
	ErrCycleDetected      = errors.New("cycle detected in flow")
	ErrUnreachableInput   = errors.New("node has no resolvable inbound edges")
	ErrIllegalFanIn       = errors.New("multiple edges into a port that does not accept fan-in")
	ErrNoOutputNode       = errors.New("flow has no output node")
	ErrUnknownNodeKind    = errors.New("unknown node kind")
	ErrMissingNodeName    = errors.New("node is missing a declared name")
	ErrInvalidEdgePort    = errors.New("edge references an invalid port")
	ErrVersionMismatch    = errors.New("flow version mismatch")
	ErrDefinitionArchived = errors.New("flow definition is archived")
)

// NodeKind identifies the type of a node. The built-in set is intentionally
// small; new kinds register executors without touching the engine.
type NodeKind string

const (
	NodeKindInput  NodeKind = "input"
	NodeKindPrompt NodeKind = "prompt"
	NodeKindLLM    NodeKind = "llm"
	NodeKindPython NodeKind = "python"
	NodeKindOutput NodeKind = "output"
)

// String returns the string representation of the NodeKind.
func (k NodeKind) String() string {
	return string(k)
}

// builtinKinds holds the kinds the structural validator knows about.
// Kinds outside this set are only rejected when strict kind checking is
// requested (the engine's registry is the authority at run time).
var builtinKinds = map[NodeKind]bool{
	NodeKindInput:  true,
	NodeKindPrompt: true,
	NodeKindLLM:    true,
	NodeKindPython: true,
	NodeKindOutput: true,
}

// FlowStatus is the lifecycle status of a stored definition.
type FlowStatus string

const (
	FlowStatusDraft    FlowStatus = "draft"
	FlowStatusActive   FlowStatus = "active"
	FlowStatusArchived FlowStatus = "archived"
)

// FanInPolicy controls how a node port merges multiple upstream values.
type FanInPolicy string

const (
	// FanInReject rejects multiple edges into the same port (default).
	FanInReject FanInPolicy = ""
	// FanInLastWriter keeps the value from the upstream node latest in
	// plan order.
	FanInLastWriter FanInPolicy = "last"
	// FanInCollect gathers all upstream values into a list, ordered by
	// plan order.
	FanInCollect FanInPolicy = "collect"
)

// FlowDefinition is the serializable, immutable representation of a flow
// graph: typed nodes, typed edges, per-node configuration.
type FlowDefinition struct {
	ID          string     `json:"id" yaml:"id"`
	Version     string     `json:"version" yaml:"version"`
	Name        string     `json:"name,omitempty" yaml:"name,omitempty"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Status      FlowStatus `json:"status,omitempty" yaml:"status,omitempty"`
	Nodes       []NodeSpec `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec `json:"edges" yaml:"edges"`
}

// NodeSpec is a serializable node within a FlowDefinition. Config is
// kind-specific and opaque to the router; Position is presentational and
// ignored by the engine.
type NodeSpec struct {
	ID       string             `json:"id" yaml:"id"`
	Kind     NodeKind           `json:"kind" yaml:"kind"`
	Config   map[string]any     `json:"config,omitempty" yaml:"config,omitempty"`
	Position map[string]float64 `json:"position,omitempty" yaml:"position,omitempty"`
}

// FanIn returns the node's declared fan-in policy from its config.
func (n NodeSpec) FanIn() FanInPolicy {
	if n.Config == nil {
		return FanInReject
	}
	s, _ := n.Config["fan_in"].(string)
	return FanInPolicy(s)
}

// ConfigString returns a string config value, or the fallback when absent.
func (n NodeSpec) ConfigString(key, fallback string) string {
	if n.Config == nil {
		return fallback
	}
	if s, ok := n.Config[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

// EdgeSpec is a directed data dependency from one node's output port to
// another node's input port. Empty ports select the defaults: "output" on
// the source side, the source node id on the target side.
type EdgeSpec struct {
	Source     string `json:"source" yaml:"source"`
	Target     string `json:"target" yaml:"target"`
	SourcePort string `json:"sourcePort,omitempty" yaml:"sourcePort,omitempty"`
	TargetPort string `json:"targetPort,omitempty" yaml:"targetPort,omitempty"`
}

// DefaultOutputPort is the port name used when an edge omits SourcePort.
const DefaultOutputPort = "output"

// ResolvedSourcePort returns the edge's source port, defaulted.
func (e EdgeSpec) ResolvedSourcePort() string {
	if e.SourcePort != "" {
		return e.SourcePort
	}
	return DefaultOutputPort
}

// ResolvedTargetPort returns the edge's target port. When omitted the value
// binds under the upstream node's id, matching handle-less editor
// connections.
func (e EdgeSpec) ResolvedTargetPort() string {
	if e.TargetPort != "" {
		return e.TargetPort
	}
	return e.Source
}

// NodeByID retrieves a node spec by id.
func (d *FlowDefinition) NodeByID(id string) (NodeSpec, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeSpec{}, false
}

// InputNodes returns the input-kind nodes in declaration order.
func (d *FlowDefinition) InputNodes() []NodeSpec {
	return d.nodesOfKind(NodeKindInput)
}

// OutputNodes returns the output-kind nodes in declaration order.
func (d *FlowDefinition) OutputNodes() []NodeSpec {
	return d.nodesOfKind(NodeKindOutput)
}

func (d *FlowDefinition) nodesOfKind(kind NodeKind) []NodeSpec {
	var out []NodeSpec
	for _, n := range d.Nodes {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// Diagnostic represents a validation error or warning for a definition.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "FL-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
	Err      error  `json:"-"`              // matching sentinel, if any
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// FirstError returns the sentinel behind the first error diagnostic, or nil.
func FirstError(diags []Diagnostic) error {
	for _, d := range diags {
		if d.Severity != SeverityError {
			continue
		}
		if d.Err != nil {
			return fmt.Errorf("%w: %s", d.Err, d.Message)
		}
		return errors.New(d.Message)
	}
	return nil
}

// Validate checks the structural invariants of the definition:
//
//   - FL-001: edge source/target reference existing nodes (ErrDanglingEdge)
//   - FL-002: duplicate node ids (ErrDuplicateNode)
//   - FL-003: acyclicity (ErrCycleDetected)
//   - FL-004: every non-input node has at least one inbound edge
//     (ErrUnreachableInput)
//   - FL-005: multi-edges into one target port require a declared fan-in
//     policy (ErrIllegalFanIn)
//   - FL-006: node kinds are known (ErrUnknownNodeKind)
//   - FL-007: at least one output node (ErrNoOutputNode)
//   - FL-008: orphan nodes (warning)
//
// Validation is pure; it never mutates the definition.
func (d *FlowDefinition) Validate() []Diagnostic {
	var diags []Diagnostic

	if len(d.Nodes) == 0 {
		return []Diagnostic{{
			Code:     "FL-000",
			Severity: SeverityError,
			Message:  "flow must have at least one node",
			Err:      ErrEmptyFlow,
		}}
	}

	nodeIDs := make(map[string]bool, len(d.Nodes))
	for i, node := range d.Nodes {
		if nodeIDs[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("duplicate node ID %q", node.ID),
				Path:     fmt.Sprintf("nodes[%d].id", i),
				Err:      ErrDuplicateNode,
			})
		}
		nodeIDs[node.ID] = true

		if !builtinKinds[node.Kind] {
			diags = append(diags, Diagnostic{
				Code:     "FL-006",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q has non-builtin kind %q; an executor must be registered for it", node.ID, node.Kind),
				Path:     fmt.Sprintf("nodes[%d].kind", i),
			})
		}
	}

	danglingEdges := false
	for i, edge := range d.Edges {
		if !nodeIDs[edge.Source] {
			danglingEdges = true
			diags = append(diags, Diagnostic{
				Code:     "FL-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge source %q references unknown node", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
				Err:      ErrDanglingEdge,
			})
		}
		if !nodeIDs[edge.Target] {
			danglingEdges = true
			diags = append(diags, Diagnostic{
				Code:     "FL-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge target %q references unknown node", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
				Err:      ErrDanglingEdge,
			})
		}
	}

	// Downstream checks assume edges reference real nodes.
	if !danglingEdges {
		diags = append(diags, d.validateReachability(nodeIDs)...)
		diags = append(diags, d.validateFanIn()...)

		if cycle := d.detectCycle(); cycle != "" {
			diags = append(diags, Diagnostic{
				Code:     "FL-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("flow contains a cycle: %s", cycle),
				Err:      ErrCycleDetected,
			})
		}
	}

	if len(d.OutputNodes()) == 0 {
		diags = append(diags, Diagnostic{
			Code:     "FL-007",
			Severity: SeverityError,
			Message:  "flow must declare at least one output node",
			Err:      ErrNoOutputNode,
		})
	}

	return diags
}

// validateReachability flags non-input nodes with no inbound edges (FL-004)
// and nodes with neither inbound nor outbound edges (FL-008, warning).
func (d *FlowDefinition) validateReachability(nodeIDs map[string]bool) []Diagnostic {
	var diags []Diagnostic

	hasInbound := make(map[string]bool)
	hasOutbound := make(map[string]bool)
	for _, edge := range d.Edges {
		hasOutbound[edge.Source] = true
		hasInbound[edge.Target] = true
	}

	for i, node := range d.Nodes {
		if node.Kind != NodeKindInput && !hasInbound[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("node %q (%s) has no inbound edges", node.ID, node.Kind),
				Path:     fmt.Sprintf("nodes[%d]", i),
				Err:      ErrUnreachableInput,
			})
		}
		if len(d.Nodes) > 1 && !hasInbound[node.ID] && !hasOutbound[node.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FL-008",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("node %q has no inbound or outbound edges", node.ID),
				Path:     fmt.Sprintf("nodes[%d]", i),
			})
		}
	}

	return diags
}

// validateFanIn rejects multiple edges into the same (target, port) pair
// unless the target node declares a fan-in policy.
func (d *FlowDefinition) validateFanIn() []Diagnostic {
	var diags []Diagnostic

	type portKey struct {
		node string
		port string
	}
	counts := make(map[portKey]int)
	for _, edge := range d.Edges {
		counts[portKey{edge.Target, edge.ResolvedTargetPort()}]++
	}

	flagged := make(map[string]bool)
	for key, n := range counts {
		if n < 2 || flagged[key.node] {
			continue
		}
		node, ok := d.NodeByID(key.node)
		if !ok {
			continue
		}
		switch node.FanIn() {
		case FanInLastWriter, FanInCollect:
			continue
		}
		flagged[key.node] = true
		diags = append(diags, Diagnostic{
			Code:     "FL-005",
			Severity: SeverityError,
			Message:  fmt.Sprintf("node %q port %q receives %d edges but declares no fan-in policy", key.node, key.port, n),
			Err:      ErrIllegalFanIn,
		})
	}

	return diags
}

// detectCycle uses Kahn's algorithm. Returns a description of the nodes
// stuck on a cycle, or empty string when acyclic.
func (d *FlowDefinition) detectCycle() string {
	inDegree := make(map[string]int, len(d.Nodes))
	successors := make(map[string][]string)
	for _, node := range d.Nodes {
		inDegree[node.ID] = 0
	}
	for _, edge := range d.Edges {
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	queue := make([]string, 0, len(d.Nodes))
	for _, node := range d.Nodes {
		if inDegree[node.ID] == 0 {
			queue = append(queue, node.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, succ := range successors[current] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited < len(d.Nodes) {
		var cycleNodes []string
		for _, node := range d.Nodes {
			if inDegree[node.ID] > 0 {
				cycleNodes = append(cycleNodes, node.ID)
			}
		}
		sort.Strings(cycleNodes)
		return fmt.Sprintf("nodes involved: %v", cycleNodes)
	}
	return ""
}
