package graph

import (
	"context"
	"testing"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

func textEnvelope(v string) *runtimedata.Envelope {
	return &runtimedata.Envelope{
		Tag:  runtimedata.TagText,
		Text: &runtimedata.Text{Value: v},
	}
}

func TestExecuteUnaryLinearPipeline(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"a","node_type":"Source","params":{}},
			{"id":"b","node_type":"Pass","params":{}}
		],
		"connections": [{"from":"a","to":"b"}]
	}`)
	resolver := testResolver{io: map[string]IOSpec{"Source": sourceIO(), "Pass": passthroughIO()}}
	g, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil || len(issues) != 0 {
		t.Fatalf("compile failed: err=%v issues=%+v", err, issues)
	}

	ext := map[string]map[string]*runtimedata.Envelope{
		"a": {},
	}
	// Source node "a" has no declared inputs, so hand it an external envelope
	// under the key "out"; the test then checks that "b" produced its "out"
	// output from what "a" passed along.
	ext = map[string]map[string]*runtimedata.Envelope{
		"a": {"out": textEnvelope("hello")},
	}
	res, err := ExecuteUnary(context.Background(), g, ext, nil)
	if err != nil {
		t.Fatalf("ExecuteUnary: %v", err)
	}
	out, ok := res.Outputs["b"]["out"]
	if !ok {
		t.Fatal("expected node b to have produced \"out\"")
	}
	if out.Text.Value != "hello" {
		t.Fatalf("got %q, want %q", out.Text.Value, "hello")
	}
	if _, ok := res.Metrics["a"]; !ok {
		t.Fatal("expected a metrics record for node a")
	}
	if _, ok := res.Metrics["b"]; !ok {
		t.Fatal("expected a metrics record for node b")
	}
}

func TestExecuteUnaryPropagatesNodeError(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [{"id":"a","node_type":"Pass","params":{}}],
		"connections": []
	}`)
	failErr := errUnknownType("boom")
	resolver := failingResolver{io: passthroughIO(), err: failErr}
	g, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil || len(issues) != 0 {
		t.Fatalf("compile failed: err=%v issues=%+v", err, issues)
	}
	ext := map[string]map[string]*runtimedata.Envelope{"a": {"in": textEnvelope("x")}}
	_, err = ExecuteUnary(context.Background(), g, ext, nil)
	if err == nil {
		t.Fatal("expected node process error to propagate")
	}
}

type failingResolver struct {
	io  IOSpec
	err error
}

func (r failingResolver) Resolve(nodeType string, hint manifest.RuntimeHint) (NodeFactory, *manifest.CompiledSchema, IOSpec, RetryPolicy, error) {
	schema, _ := manifest.Compile(nodeType, manifest.Descriptor{})
	return func() NodeHandle { return &passthroughHandle{procErr: r.err} }, schema, r.io, DefaultRetryPolicy(), nil
}
