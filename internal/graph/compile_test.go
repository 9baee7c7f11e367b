package graph

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

// passthroughHandle is a minimal NodeHandle used across graph tests: it
// forwards its single "in" input to its single "out" output unchanged.
type passthroughHandle struct {
	initErr error
	procErr error
}

func (h *passthroughHandle) Initialize(ctx context.Context, params json.RawMessage) error {
	return h.initErr
}

func (h *passthroughHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	if h.procErr != nil {
		return nil, h.procErr
	}
	out := make(map[string]*runtimedata.Envelope, len(inputs))
	for k, v := range inputs {
		out[strings.Replace(k, "in", "out", 1)] = v
	}
	if _, ok := out["out"]; !ok {
		if v, ok2 := inputs["in"]; ok2 {
			out["out"] = v
		}
	}
	return out, nil
}

func (h *passthroughHandle) Cleanup(ctx context.Context) error { return nil }

// testResolver implements Resolver over a static map, for compile tests.
type testResolver struct {
	io map[string]IOSpec
}

func (r testResolver) Resolve(nodeType string, hint manifest.RuntimeHint) (NodeFactory, *manifest.CompiledSchema, IOSpec, RetryPolicy, error) {
	io, ok := r.io[nodeType]
	if !ok {
		return nil, nil, IOSpec{}, RetryPolicy{}, errUnknownType(nodeType)
	}
	schema, _ := manifest.Compile(nodeType, manifest.Descriptor{})
	return func() NodeHandle { return &passthroughHandle{} }, schema, io, DefaultRetryPolicy(), nil
}

type errUnknownType string

func (e errUnknownType) Error() string { return "unknown node type: " + string(e) }

func passthroughIO() IOSpec {
	return IOSpec{Inputs: []string{"in"}, Outputs: []string{"out"}}
}

func sourceIO() IOSpec {
	return IOSpec{Outputs: []string{"out"}}
}

func fanInIO() IOSpec {
	return IOSpec{Inputs: []string{"in"}, Outputs: []string{"out"}, FanIn: []string{"in"}}
}

func mustManifest(t *testing.T, raw string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("manifest.Parse: %v", err)
	}
	return m
}

func TestCompileLinearGraph(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Source","params":{}},
			{"id":"b","node_type":"Pass","params":{}},
			{"id":"c","node_type":"Pass","params":{}}
		],
		"connections": [{"from":"a","to":"b"},{"from":"b","to":"c"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Source": sourceIO(), "Pass": passthroughIO()}}
	g, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}
	order := g.NodeIDs()
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Fatalf("topological order wrong: %v", order)
	}
	if got := g.Sources(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("Sources() = %v, want [a]", got)
	}
	if got := g.Sinks(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("Sinks() = %v, want [c]", got)
	}
}

// TestCompileCycleDetection matches spec §8.2 scenario S3: a graph with a
// cycle is rejected with the offending path reported.
func TestCompileCycleDetection(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Pass","params":{}},
			{"id":"b","node_type":"Pass","params":{}},
			{"id":"c","node_type":"Pass","params":{}}
		],
		"connections": [{"from":"a","to":"b"},{"from":"b","to":"c"},{"from":"c","to":"a"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Pass": passthroughIO()}}
	_, _, err := Compile(m, resolver, DefaultEdgeConfig())
	if err == nil {
		t.Fatal("expected a cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error does not mention cycle: %v", err)
	}
}

func TestCompileDuplicateNodeID(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Pass","params":{}},
			{"id":"a","node_type":"Pass","params":{}}
		],
		"connections": []
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Pass": passthroughIO()}}
	_, _, err := Compile(m, resolver, DefaultEdgeConfig())
	if err == nil {
		t.Fatal("expected a duplicate id error")
	}
}

func TestCompileDanglingEdge(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [{"id":"a","node_type":"Pass","params":{}}],
		"connections": [{"from":"a","to":"ghost"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Pass": passthroughIO()}}
	_, _, err := Compile(m, resolver, DefaultEdgeConfig())
	if err == nil {
		t.Fatal("expected a dangling edge error")
	}
}

func TestCompileUnknownNodeType(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [{"id":"a","node_type":"Ghost","params":{}}],
		"connections": []
	}`)
	resolver := testResolver{io: map[string]IOSpec{}}
	_, _, err := Compile(m, resolver, DefaultEdgeConfig())
	if err == nil {
		t.Fatal("expected a node-not-available error")
	}
}

func TestCompileInputKeyCollisionWithoutFanIn(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Source","params":{}},
			{"id":"b","node_type":"Source","params":{}},
			{"id":"c","node_type":"Pass","params":{}}
		],
		"connections": [{"from":"a","to":"c"},{"from":"b","to":"c"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Source": sourceIO(), "Pass": passthroughIO()}}
	_, _, err := Compile(m, resolver, DefaultEdgeConfig())
	if err == nil {
		t.Fatal("expected an input key collision error")
	}
}

func TestCompileInputKeyCollisionAllowedWithFanIn(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Source","params":{}},
			{"id":"b","node_type":"Source","params":{}},
			{"id":"c","node_type":"Merge","params":{}}
		],
		"connections": [{"from":"a","to":"c"},{"from":"b","to":"c"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Source": sourceIO(), "Merge": fanInIO()}}
	_, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(issues) != 0 {
		t.Fatalf("unexpected issues: %+v", issues)
	}
}

// TestCompileValidationAtomicity matches spec §8.1 "Validation atomicity":
// every node's param issues are accumulated, and no Graph is returned when
// any exist.
func TestCompileValidationAtomicity(t *testing.T) {
	min := 0.0
	desc := manifest.Descriptor{Properties: map[string]manifest.Property{
		"rate": {Type: "number", Minimum: &min},
	}}
	schema, err := manifest.Compile("Pass", desc)
	if err != nil {
		t.Fatal(err)
	}
	resolver := validatingResolver{schema: schema, io: passthroughIO()}
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Pass","params":{"rate":-1}},
			{"id":"b","node_type":"Pass","params":{"rate":-2}}
		],
		"connections": [{"from":"a","to":"b"}]
	}`)
	g, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil {
		t.Fatalf("unexpected structural error: %v", err)
	}
	if g != nil {
		t.Fatal("expected no graph when validation issues exist")
	}
	if len(issues) != 2 {
		t.Fatalf("want 2 accumulated issues, got %d: %+v", len(issues), issues)
	}
}

type validatingResolver struct {
	schema *manifest.CompiledSchema
	io     IOSpec
}

func (r validatingResolver) Resolve(nodeType string, hint manifest.RuntimeHint) (NodeFactory, *manifest.CompiledSchema, IOSpec, RetryPolicy, error) {
	return func() NodeHandle { return &passthroughHandle{} }, r.schema, r.io, DefaultRetryPolicy(), nil
}
