package graph

import (
	"context"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// UnaryResult is the outcome of one ExecuteUnary call (spec §6.2
// `execute(manifest, inputs, opts) -> {outputs, metrics}`).
type UnaryResult struct {
	Outputs map[string]map[string]*runtimedata.Envelope // node_id -> output_key -> envelope
	Metrics map[string]taxonomy.NodeInvocation           // node_id -> invocation record

}

// ExecuteUnary runs the graph exactly once: compute the topological order,
// stage each node's output in memory, gather downstream inputs from that
// staged map, and complete when every sink has produced output (spec §4.2
// "Unary execution"). External inputs are supplied per source node id.
func ExecuteUnary(ctx context.Context, g *Graph, externalInputs map[string]map[string]*runtimedata.Envelope, metrics *taxonomy.Metrics) (*UnaryResult, error) {
	instances := make(map[string]NodeHandle, len(g.nodes))
	staged := make(map[string]map[string]*runtimedata.Envelope, len(g.nodes))
	invocations := make(map[string]taxonomy.NodeInvocation, len(g.nodes))

	cleanup := func() {
		for _, h := range instances {
			cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = h.Cleanup(cctx)
			cancel()
		}
	}
	defer cleanup()

	for _, id := range g.order {
		n := g.nodes[id]
		handle := n.factory()
		if err := handle.Initialize(ctx, n.params); err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindNodeExecution, err, "initialize failed").
				WithNode(n.id, n.nodeType)
		}
		instances[id] = handle
	}

	for _, id := range g.order {
		if err := ctx.Err(); err != nil {
			return nil, taxonomy.Wrap(taxonomy.KindCancelled, err, "execution cancelled").WithNode(id, g.nodes[id].nodeType)
		}
		n := g.nodes[id]
		inputs := make(map[string]*runtimedata.Envelope, len(n.inputEdges))
		for key, producers := range n.inputEdges {
			// Unary mode takes the first producer's staged output per key;
			// true fan-in merging across ticks only applies in streaming mode.
			p := producers[0]
			out, ok := staged[p.nodeID]
			if !ok {
				return nil, taxonomy.Newf(taxonomy.KindGraph, "node %q has no staged output from %q", id, p.nodeID).
					WithNode(id, n.nodeType)
			}
			env, ok := out[p.key]
			if !ok {
				return nil, taxonomy.Newf(taxonomy.KindGraph, "node %q output %q was never produced", p.nodeID, p.key).
					WithNode(id, n.nodeType)
			}
			inputs[key] = env
		}
		if ext, ok := externalInputs[id]; ok {
			for k, v := range ext {
				inputs[k] = v
			}
		}

		started := time.Now()
		outputs, err := runWithRetry(ctx, n, instances[id], inputs)
		finished := time.Now()
		inv := taxonomy.NodeInvocation{
			NodeID: id, NodeType: n.nodeType,
			StartedAt: started, FinishedAt: finished,
			DurationUs: finished.Sub(started).Microseconds(),
		}
		if err != nil {
			inv.ErrorKind = taxonomy.KindOf(err)
		}
		invocations[id] = inv
		if metrics != nil {
			metrics.NodeDuration.WithLabelValues(n.nodeType).Observe(finished.Sub(started).Seconds())
			if err != nil {
				metrics.NodeErrors.WithLabelValues(n.nodeType, string(taxonomy.KindOf(err))).Inc()
			}
		}
		if err != nil {
			return nil, err
		}
		staged[id] = outputs
	}

	return &UnaryResult{Outputs: staged, Metrics: invocations}, nil
}

// runWithRetry invokes Process once, retrying retryable errors per the
// node's declared RetryPolicy with exponential backoff and jitter (spec
// §4.2 "Retry policy", §7 local recovery rules).
func runWithRetry(ctx context.Context, n *compiledNode, h NodeHandle, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	policy := n.retry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(policy, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "cancelled during retry backoff").WithNode(n.id, n.nodeType)
			}
		}
		outputs, err := h.Process(ctx, inputs)
		if err == nil {
			return outputs, nil
		}
		lastErr = wrapNodeErr(n, err)
		if !taxonomy.IsRetryable(lastErr) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func wrapNodeErr(n *compiledNode, err error) error {
	if _, ok := taxonomy.As(err); ok {
		return err
	}
	return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "node process failed").WithNode(n.id, n.nodeType)
}

// backoffDelay computes base·2^attempt with ±jitterFrac jitter, deterministic
// in direction (attempt-seeded) so retries are not perfectly synchronized.
func backoffDelay(policy RetryPolicy, attempt int) time.Duration {
	base := time.Duration(policy.BaseDelayMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		base *= 2
	}
	jitter := float64(base) * policy.JitterFrac
	sign := 1.0
	if attempt%2 == 0 {
		sign = -1.0
	}
	return time.Duration(float64(base) + sign*jitter)
}
