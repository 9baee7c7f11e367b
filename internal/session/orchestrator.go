package session

import (
	"context"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/registry"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// Orchestrator owns the registry and session table and exposes the
// transport-agnostic core invocation API of spec §6.2: execute, stream, and
// session/peer management. cmd/runtimed wires one Orchestrator per process
// and hangs transport adapters (HTTP, websocket, peer signaling) off it.
type Orchestrator struct {
	Registry *registry.Registry
	Sessions *Manager
	Metrics  *taxonomy.Metrics

	DefaultEdgeConfig channel.Config
	DefaultMaxPeers   int
	DefaultCleanup    time.Duration
}

// NewOrchestrator wires a fresh session table on top of an already-populated
// registry (spec §4.5 "the registry is the only process-wide shared state").
func NewOrchestrator(reg *registry.Registry, metrics *taxonomy.Metrics) *Orchestrator {
	return &Orchestrator{
		Registry:          reg,
		Sessions:          NewManager(metrics),
		Metrics:           metrics,
		DefaultEdgeConfig: graph.DefaultEdgeConfig(),
		DefaultMaxPeers:   10,
		DefaultCleanup:    5 * time.Second,
	}
}

// ExecuteOpts configures one unary invocation (spec §6.2 `execute(manifest,
// inputs, opts)`).
type ExecuteOpts struct {
	SessionID   string
	MaxDuration time.Duration
}

// ExecuteResult is the unary invocation outcome: `{ outputs, metrics } |
// errors[]` (spec §6.2).
type ExecuteResult struct {
	Outputs  map[string]map[string]*runtimedata.Envelope
	Metrics  taxonomy.SessionMetrics
	Issues   []manifest.Issue
}

// Execute runs manifest exactly once against inputs and tears the session
// down before returning (spec §4.5 "Unary").
func (o *Orchestrator) Execute(ctx context.Context, m *manifest.Manifest, inputs map[string]map[string]*runtimedata.Envelope, opts ExecuteOpts) (*ExecuteResult, error) {
	sess, err := o.Sessions.Create(ctx, CreateOptions{
		SessionID:       opts.SessionID,
		MaxDuration:     opts.MaxDuration,
		CleanupDeadline: o.DefaultCleanup,
		MaxPeers:        o.DefaultMaxPeers,
	})
	if err != nil {
		return nil, err
	}
	defer o.Sessions.Remove(sess.ID)
	defer sess.Terminate(context.Background())

	g, issues, err := graph.Compile(m, o.Registry, o.DefaultEdgeConfig)
	if err != nil {
		sess.MarkErrored(err)
		return nil, err
	}
	if len(issues) > 0 {
		return &ExecuteResult{Issues: issues}, nil
	}

	sess.AttachGraph(g, nil)
	sess.MarkRunning()

	result, err := graph.ExecuteUnary(sess.Cancel.Context(), g, inputs, o.Metrics)
	if err != nil {
		sess.MarkErrored(err)
		return nil, err
	}
	for _, inv := range result.Metrics {
		sess.Metrics.Record(inv)
	}
	return &ExecuteResult{Outputs: result.Outputs, Metrics: sess.Metrics.Snapshot()}, nil
}

// StreamOpts configures a streaming invocation (spec §6.2 `stream(manifest,
// input_stream) -> output_stream`).
type StreamOpts struct {
	SessionID   string
	MaxDuration time.Duration
	EdgeConfig  channel.Config
}

// StreamHandle is a running streaming session: the orchestrator has started
// the scheduler as a long-running task and wired the graph's declared sources
// and sinks to the returned channels.
type StreamHandle struct {
	Session *Session

	// Inputs lets the caller publish into each source node's default input
	// key manifest.DefaultInputKey (node_id -> input_key -> Publisher); other
	// declared input keys are not wired.
	Inputs map[string]map[string]*channel.Publisher
	// Outputs lets the caller drain each sink node's default output key
	// manifest.DefaultOutputKey (node_id -> output_key -> Subscriber); other
	// declared output keys are not wired.
	Outputs map[string]map[string]*channel.Subscriber

	done chan error
}

// Done returns a channel that receives the scheduler's terminal error (nil on
// clean shutdown) once Run completes.
func (h *StreamHandle) Done() <-chan error { return h.done }

// Stream compiles manifest, wires the graph's source/sink nodes to fresh
// channels the caller owns, and starts the scheduler running in the
// background (spec §4.5 "Streaming"). On client disconnect, callers should
// call Cancel; on fatal graph error it surfaces on Done().
func (o *Orchestrator) Stream(ctx context.Context, m *manifest.Manifest, opts StreamOpts) (*StreamHandle, error) {
	edgeCfg := opts.EdgeConfig
	if edgeCfg.Capacity <= 0 {
		edgeCfg = o.DefaultEdgeConfig
	}

	sess, err := o.Sessions.Create(ctx, CreateOptions{
		SessionID:       opts.SessionID,
		MaxDuration:     opts.MaxDuration,
		CleanupDeadline: o.DefaultCleanup,
		MaxPeers:        o.DefaultMaxPeers,
	})
	if err != nil {
		return nil, err
	}

	g, issues, err := graph.Compile(m, o.Registry, edgeCfg)
	if err != nil {
		sess.MarkErrored(err)
		o.Sessions.Remove(sess.ID)
		return nil, err
	}
	if len(issues) > 0 {
		o.Sessions.Remove(sess.ID)
		return nil, taxonomy.New(taxonomy.KindValidation, "stream: manifest params failed validation").
			WithContext("issues", issues)
	}

	endpoints := &graph.StreamEndpoints{
		Inputs:  make(map[string]map[string]*channel.Subscriber),
		Outputs: make(map[string]map[string]*channel.Publisher),
	}
	handle := &StreamHandle{
		Session: sess,
		Inputs:  make(map[string]map[string]*channel.Publisher),
		Outputs: make(map[string]map[string]*channel.Subscriber),
		done:    make(chan error, 1),
	}

	for _, id := range g.Sources() {
		ch := channel.New(edgeCfg)
		pub, err := ch.AcquirePublisher()
		if err != nil {
			o.Sessions.Remove(sess.ID)
			return nil, taxonomy.Wrap(taxonomy.KindInternal, err, "stream: failed to wire source channel")
		}
		key := manifest.DefaultInputKey
		endpoints.Inputs[id] = map[string]*channel.Subscriber{key: ch.Subscribe(false)}
		handle.Inputs[id] = map[string]*channel.Publisher{key: pub}
		handle.Session.AddResource(func() error { return pub.Close() })
	}
	for _, id := range g.Sinks() {
		ch := channel.New(edgeCfg)
		sub := ch.Subscribe(false)
		pub, err := ch.AcquirePublisher()
		if err != nil {
			o.Sessions.Remove(sess.ID)
			return nil, taxonomy.Wrap(taxonomy.KindInternal, err, "stream: failed to wire sink channel")
		}
		key := manifest.DefaultOutputKey
		endpoints.Outputs[id] = map[string]*channel.Publisher{key: pub}
		handle.Outputs[id] = map[string]*channel.Subscriber{key: sub}
		handle.Session.AddResource(func() error { sub.Close(); return nil })
	}

	sched := graph.NewScheduler(g, sess.Cancel, o.Metrics, sess.Metrics, endpoints)
	sess.AttachGraph(g, sched)

	go func() {
		err := sched.Run(sess.Cancel.Context())
		if err != nil && !taxonomy.IsCancelled(err) {
			sess.MarkErrored(err)
		} else {
			_ = sess.Terminate(context.Background())
		}
		o.Sessions.Remove(sess.ID)
		handle.done <- err
		close(handle.done)
	}()

	return handle, nil
}

// Cancel stops a running stream, tripping cooperative cancellation bounded by
// the session's configured cleanup_deadline (spec §5 "Cancellation
// semantics").
func (h *StreamHandle) Cancel() {
	h.Session.Cancel.Trip()
}
