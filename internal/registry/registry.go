// Package registry implements the process-wide, construction-time node-type
// registry of spec §4.3: an append-only table mapping node_type to its
// declared param schema, declared I/O, retry policy, and its available
// executors (native in-process, or worker-bridged out-of-process), plus the
// executor-selection algorithm and the shared, reference-counted model cache.
package registry

import (
	"sync"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// Registration is one node type's full declaration (spec §4.3 "Registry").
// At least one of Native or Worker must be set.
type Registration struct {
	NodeType string
	Params   manifest.Descriptor
	IO       graph.IOSpec
	Retry    graph.RetryPolicy

	// Native constructs an in-process NodeHandle. Absent if the node type is
	// only available as a worker-bridged implementation.
	Native graph.NodeFactory
	// Worker constructs a NodeHandle that bridges Process calls to an
	// out-of-process worker via internal/worker (spec §4.4). Absent if the
	// node type only runs natively.
	Worker graph.NodeFactory
}

type compiledRegistration struct {
	Registration
	schema *manifest.CompiledSchema
}

// Registry is the process-wide node-type table. Safe for concurrent use:
// Register is expected at process start-up (or plugin load), Resolve on
// every Compile call.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*compiledRegistration
	cache *ModelCache
}

// New creates an empty registry backed by its own model cache.
func New(metrics *taxonomy.Metrics) *Registry {
	return &Registry{
		types: make(map[string]*compiledRegistration),
		cache: NewModelCache(metrics),
	}
}

// Cache returns the registry's shared model cache (spec §4.5 "Immutable
// caches... shared across sessions via reference-counted handles held by the
// registry").
func (r *Registry) Cache() *ModelCache { return r.cache }

// Register adds a node type declaration. Returns an error if the type is
// already registered (the table is append-only — spec §4.3) or if neither
// executor is provided, or if the descriptor does not compile.
func (r *Registry) Register(reg Registration) error {
	if reg.NodeType == "" {
		return taxonomy.New(taxonomy.KindInternal, "registry: node type must not be empty")
	}
	if reg.Native == nil && reg.Worker == nil {
		return taxonomy.Newf(taxonomy.KindInternal, "registry: %q declares no executor", reg.NodeType)
	}
	schema, err := manifest.Compile(reg.NodeType, reg.Params)
	if err != nil {
		return taxonomy.Wrapf(taxonomy.KindInternal, err, "registry: %q descriptor invalid", reg.NodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[reg.NodeType]; dup {
		return taxonomy.Newf(taxonomy.KindInternal, "registry: %q already registered", reg.NodeType)
	}
	if reg.Retry.MaxAttempts <= 0 {
		reg.Retry = graph.DefaultRetryPolicy()
	}
	r.types[reg.NodeType] = &compiledRegistration{Registration: reg, schema: schema}
	return nil
}

// NodeTypes returns every registered node type name.
func (r *Registry) NodeTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	return out
}

// Resolve implements graph.Resolver: the 4-step executor-selection algorithm
// of spec §4.3 —
//  1. unknown node_type → NodeNotAvailable.
//  2. runtime_hint == "native" → use the native executor, or
//     NodeNotAvailable if none is registered.
//  3. runtime_hint == "worker" → use the worker-bridged executor, or
//     NodeNotAvailable if none is registered.
//  4. runtime_hint == "auto" (or unset) → prefer native, fall back to
//     worker, NodeNotAvailable if neither exists.
func (r *Registry) Resolve(nodeType string, hint manifest.RuntimeHint) (graph.NodeFactory, *manifest.CompiledSchema, graph.IOSpec, graph.RetryPolicy, error) {
	r.mu.RLock()
	reg, ok := r.types[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, graph.IOSpec{}, graph.RetryPolicy{}, nodeNotAvailable(nodeType, "node type is not registered")
	}

	switch hint {
	case manifest.HintNative:
		if reg.Native == nil {
			return nil, nil, graph.IOSpec{}, graph.RetryPolicy{}, nodeNotAvailable(nodeType, "no native executor registered")
		}
		return reg.Native, reg.schema, reg.IO, reg.Retry, nil
	case manifest.HintWorker:
		if reg.Worker == nil {
			return nil, nil, graph.IOSpec{}, graph.RetryPolicy{}, nodeNotAvailable(nodeType, "no worker executor registered")
		}
		return reg.Worker, reg.schema, reg.IO, reg.Retry, nil
	case manifest.HintAuto, "":
		if reg.Native != nil {
			return reg.Native, reg.schema, reg.IO, reg.Retry, nil
		}
		if reg.Worker != nil {
			return reg.Worker, reg.schema, reg.IO, reg.Retry, nil
		}
		return nil, nil, graph.IOSpec{}, graph.RetryPolicy{}, nodeNotAvailable(nodeType, "no executor registered")
	default:
		return nil, nil, graph.IOSpec{}, graph.RetryPolicy{}, taxonomy.Newf(taxonomy.KindGraph, "unknown runtime_hint %q", hint)
	}
}

func nodeNotAvailable(nodeType, reason string) error {
	return taxonomy.Newf(taxonomy.KindGraph, "node type %q not available: %s", nodeType, reason).
		WithContext("kind", "node_not_available", "node_type", nodeType)
}
