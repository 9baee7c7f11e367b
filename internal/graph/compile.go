package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// Resolver maps a manifest node_type + runtime_hint to a factory, its
// declared param schema, and its declared I/O (spec §4.3 "Registry").
type Resolver interface {
	Resolve(nodeType string, hint manifest.RuntimeHint) (NodeFactory, *manifest.CompiledSchema, IOSpec, RetryPolicy, error)
}

// EdgeConfig configures the channel backing every edge in the compiled
// graph. A single config applies graph-wide; per-edge overrides are not
// part of the manifest schema (spec §3.2) and so are not modeled here.
type EdgeConfig = channel.Config

// DefaultEdgeConfig mirrors the channel defaults of spec §3.4.
func DefaultEdgeConfig() EdgeConfig {
	return EdgeConfig{Capacity: 16, Backpressure: channel.PolicyBlock}
}

// compiledNode is one node's resolved, not-yet-instantiated compilation record.
type compiledNode struct {
	id          string
	nodeType    string
	params      []byte
	hint        manifest.RuntimeHint
	factory     NodeFactory
	schema      *manifest.CompiledSchema
	io          IOSpec
	retry       RetryPolicy
	inputEdges  map[string][]edgeRef // input_key -> producer endpoints
	outputKeys  map[string]bool      // output keys actually wired to at least one consumer
}

type edgeRef struct {
	nodeID string
	key    string
}

// Graph is a compiled, executable DAG (spec §4.2 "Compilation").
type Graph struct {
	Manifest *manifest.Manifest
	nodes    map[string]*compiledNode
	order    []string // topological order (Kahn)
	edgeCfg  EdgeConfig
}

// NodeIDs returns every node id in topological order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Sources returns node ids with no inbound connections — candidates for the
// orchestrator to feed external input into (spec §4.5 streaming).
func (g *Graph) Sources() []string {
	var out []string
	for _, id := range g.order {
		if len(g.nodes[id].inputEdges) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Sinks returns node ids whose outputs feed no other node — candidates for
// the orchestrator to forward to output_stream.
func (g *Graph) Sinks() []string {
	consumed := map[string]bool{}
	for _, n := range g.nodes {
		for _, producers := range n.inputEdges {
			for _, p := range producers {
				consumed[p.nodeID] = true
			}
		}
	}
	var out []string
	for _, id := range g.order {
		if !consumed[id] {
			out = append(out, id)
		}
	}
	return out
}

// Compile validates and compiles a manifest into an executable Graph (spec
// §4.2). Returns a batch of manifest.Issue (never a single one) when params
// fail validation — no node is initialized in that case (spec §8.1
// "Validation atomicity"). Graph-shape problems (duplicate id, unknown
// node_type, dangling edge, cycle, illegal fan-in) return a GraphError.
func Compile(m *manifest.Manifest, resolver Resolver, edgeCfg EdgeConfig) (*Graph, []manifest.Issue, error) {
	if edgeCfg.Capacity <= 0 {
		edgeCfg = DefaultEdgeConfig()
	}

	nodes := make(map[string]*compiledNode, len(m.Nodes))
	for _, n := range m.Nodes {
		if _, dup := nodes[n.ID]; dup {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "duplicate node id %q", n.ID).
				WithContext("kind", "duplicate_id", "node_id", n.ID)
		}
		factory, schema, io, retry, err := resolver.Resolve(n.NodeType, n.RuntimeHint)
		if err != nil {
			return nil, nil, taxonomy.Wrapf(taxonomy.KindGraph, err,
				"node %q: node_type %q is not available", n.ID, n.NodeType).
				WithNode(n.ID, n.NodeType).WithContext("kind", "node_not_available")
		}
		nodes[n.ID] = &compiledNode{
			id: n.ID, nodeType: n.NodeType, params: n.Params, hint: n.RuntimeHint,
			factory: factory, schema: schema, io: io, retry: retry,
			inputEdges: map[string][]edgeRef{}, outputKeys: map[string]bool{},
		}
	}

	seenConn := map[string]bool{}
	for _, c := range m.Connections {
		from, to := nodes[c.From.Node], nodes[c.To.Node]
		if from == nil {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "connection references unknown node %q", c.From.Node).
				WithContext("kind", "dangling_edge", "node_id", c.From.Node)
		}
		if to == nil {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "connection references unknown node %q", c.To.Node).
				WithContext("kind", "dangling_edge", "node_id", c.To.Node)
		}
		if !from.io.hasOutput(c.From.Key) {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "node %q has no declared output %q", c.From.Node, c.From.Key).
				WithNode(c.From.Node, from.nodeType).WithContext("kind", "unknown_output_key")
		}
		if !to.io.hasInput(c.To.Key) {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "node %q has no declared input %q", c.To.Node, c.To.Key).
				WithNode(c.To.Node, to.nodeType).WithContext("kind", "unknown_input_key")
		}
		connKey := fmt.Sprintf("%s/%s->%s/%s", c.From.Node, c.From.Key, c.To.Node, c.To.Key)
		if seenConn[connKey] {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph, "duplicate connection %s", connKey).
				WithContext("kind", "parallel_edge")
		}
		seenConn[connKey] = true

		existing := to.inputEdges[c.To.Key]
		if len(existing) > 0 && !to.io.allowsFanIn(c.To.Key) {
			return nil, nil, taxonomy.Newf(taxonomy.KindGraph,
				"node %q input %q receives more than one edge but does not declare fan-in merging",
				c.To.Node, c.To.Key).WithNode(c.To.Node, to.nodeType).WithContext("kind", "input_key_collision")
		}
		to.inputEdges[c.To.Key] = append(existing, edgeRef{nodeID: c.From.Node, key: c.From.Key})
		from.outputKeys[c.From.Key] = true
	}

	order, err := topologicalOrder(nodes)
	if err != nil {
		return nil, nil, err
	}

	var issues []manifest.Issue
	nodeIDsSorted := make([]string, 0, len(nodes))
	for id := range nodes {
		nodeIDsSorted = append(nodeIDsSorted, id)
	}
	sort.Strings(nodeIDsSorted)
	for _, id := range nodeIDsSorted {
		n := nodes[id]
		issues = append(issues, n.schema.Validate(n.id, n.nodeType, n.params)...)
	}
	if len(issues) > 0 {
		return nil, issues, nil
	}

	return &Graph{Manifest: m, nodes: nodes, order: order, edgeCfg: edgeCfg}, nil, nil
}

// topologicalOrder runs Kahn's algorithm over node-level adjacency derived
// from inputEdges. On a cycle, it reports the cycle path (spec §8.1
// "Graph acyclicity").
func topologicalOrder(nodes map[string]*compiledNode) ([]string, error) {
	indegree := make(map[string]int, len(nodes))
	adjacency := make(map[string][]string, len(nodes))
	for id := range nodes {
		indegree[id] = 0
	}
	for id, n := range nodes {
		producers := map[string]bool{}
		for _, refs := range n.inputEdges {
			for _, r := range refs {
				producers[r.nodeID] = true
			}
		}
		for p := range producers {
			adjacency[p] = append(adjacency[p], id)
			indegree[id]++
		}
	}

	var ready []string
	for id := range nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	var order []string
	for len(ready) > 0 {
		sort.Strings(ready)
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		next := adjacency[id]
		sort.Strings(next)
		for _, d := range next {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(nodes) {
		path := findCycle(nodes, adjacency)
		return nil, taxonomy.Newf(taxonomy.KindGraph, "cycle detected: %s", path).
			WithContext("kind", "cycle", "path", path)
	}
	return order, nil
}

// findCycle does a DFS from every unvisited node looking for a back-edge,
// returning a human-readable "A → B → C → A" path.
func findCycle(nodes map[string]*compiledNode, adjacency map[string][]string) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var stack []string
	var cyclePath []string

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		next := append([]string(nil), adjacency[id]...)
		sort.Strings(next)
		for _, d := range next {
			switch color[d] {
			case white:
				if visit(d) {
					return true
				}
			case gray:
				// found the back-edge: extract the cycle portion of stack
				start := 0
				for i, s := range stack {
					if s == d {
						start = i
						break
					}
				}
				cyclePath = append(append([]string(nil), stack[start:]...), d)
				return true
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if visit(id) {
				return strings.Join(cyclePath, " → ")
			}
		}
	}
	return "(cycle)"
}
