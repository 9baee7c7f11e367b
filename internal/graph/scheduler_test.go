package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// counterSourceHandle emits up to n envelopes then returns a ChannelClosed
// error to signal EOF, per the scheduler's source-node termination contract.
type counterSourceHandle struct {
	n, emitted int
}

func (h *counterSourceHandle) Initialize(ctx context.Context, params json.RawMessage) error {
	return nil
}

func (h *counterSourceHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	if h.emitted >= h.n {
		return nil, taxonomy.New(taxonomy.KindChannelClosed, "source exhausted")
	}
	h.emitted++
	return map[string]*runtimedata.Envelope{"out": textEnvelope("tick")}, nil
}

func (h *counterSourceHandle) Cleanup(ctx context.Context) error { return nil }

type collectSinkHandle struct {
	received *[]string
}

func (h *collectSinkHandle) Initialize(ctx context.Context, params json.RawMessage) error {
	return nil
}

func (h *collectSinkHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	if env, ok := inputs["in"]; ok {
		*h.received = append(*h.received, env.Text.Value)
	}
	return map[string]*runtimedata.Envelope{}, nil
}

func (h *collectSinkHandle) Cleanup(ctx context.Context) error { return nil }

// schedulerTestResolver is a Resolver keyed by node_type with real manifest
// schema compilation, matching the production Resolver contract exactly.
type schedulerTestResolver struct {
	factories map[string]NodeFactory
	io        map[string]IOSpec
}

func (r schedulerTestResolver) Resolve(nodeType string, hint manifest.RuntimeHint) (NodeFactory, *manifest.CompiledSchema, IOSpec, RetryPolicy, error) {
	factory, ok := r.factories[nodeType]
	if !ok {
		return nil, nil, IOSpec{}, RetryPolicy{}, errUnknownType(nodeType)
	}
	schema, _ := manifest.Compile(nodeType, manifest.Descriptor{})
	return factory, schema, r.io[nodeType], DefaultRetryPolicy(), nil
}

func TestSchedulerRunsSourceToSink(t *testing.T) {
	var received []string
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [
			{"id":"src","node_type":"Source","params":{}},
			{"id":"sink","node_type":"Sink","params":{}}
		],
		"connections": [{"from":"src","to":"sink"}]
	}`)

	counter := &counterSourceHandle{n: 3}
	resolver := schedulerTestResolver{
		factories: map[string]NodeFactory{
			"Source": func() NodeHandle { return counter },
			"Sink":   func() NodeHandle { return &collectSinkHandle{received: &received} },
		},
		io: map[string]IOSpec{"Source": sourceIO(), "Sink": passthroughIO()},
	}

	g, issues, err := Compile(m, resolver, channel.Config{Capacity: 4, Backpressure: channel.PolicyBlock})
	if err != nil || len(issues) != 0 {
		t.Fatalf("compile failed: err=%v issues=%+v", err, issues)
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelFn()
	cancel := taxonomy.NewCancelToken(ctx, 1*time.Second)
	sched := NewScheduler(g, cancel, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("scheduler run failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("scheduler did not terminate")
	}

	if len(received) != 3 {
		t.Fatalf("sink received %d envelopes, want 3: %v", len(received), received)
	}
}

func TestSchedulerCancellationTerminatesWithinDeadline(t *testing.T) {
	m := mustManifest(t, `{
		"version": "v1",
		"nodes": [{"id":"src","node_type":"Source","params":{}}],
		"connections": []
	}`)
	resolver := schedulerTestResolver{
		factories: map[string]NodeFactory{"Source": func() NodeHandle { return &blockingSourceHandle{} }},
		io:        map[string]IOSpec{"Source": sourceIO()},
	}
	g, issues, err := Compile(m, resolver, DefaultEdgeConfig())
	if err != nil || len(issues) != 0 {
		t.Fatalf("compile failed: err=%v issues=%+v", err, issues)
	}

	cancel := taxonomy.NewCancelToken(context.Background(), 200*time.Millisecond)
	sched := NewScheduler(g, cancel, nil, nil, nil)

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	cancel.Trip()

	select {
	case <-done:
		if elapsed := time.Since(start); elapsed > 1*time.Second {
			t.Fatalf("took too long to terminate after cancellation: %v", elapsed)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("scheduler did not terminate within the cleanup deadline + slack")
	}
}

// blockingSourceHandle blocks in Process until the context is cancelled,
// exercising the cancellation-bound invariant of spec §8.1.
type blockingSourceHandle struct{}

func (h *blockingSourceHandle) Initialize(ctx context.Context, params json.RawMessage) error {
	return nil
}

func (h *blockingSourceHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *blockingSourceHandle) Cleanup(ctx context.Context) error { return nil }
