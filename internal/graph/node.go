// Package graph implements the manifest → DAG compiler and the two
// execution modes of spec §4.2: a topological unary executor and a
// cooperative-task streaming scheduler, each driving per-node state
// machines with declarative retry and cooperative cancellation.
package graph

import (
	"context"
	"encoding/json"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

// NodeHandle is the uniform per-node-instance contract of spec §3.5/§4.3.
// A concrete handle may run the body natively in-process or bridge it to an
// out-of-process worker (internal/registry, internal/worker); graph itself
// is agnostic to which.
type NodeHandle interface {
	// Initialize is called exactly once, before any Process call.
	Initialize(ctx context.Context, params json.RawMessage) error
	// Process consumes one merged batch of inputs (keyed by input_key) and
	// produces one batch of outputs (keyed by output_key). In streaming mode
	// the scheduler calls this once per arriving batch; in unary mode, once.
	Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error)
	// Cleanup is called exactly once at teardown, regardless of how the node
	// task ended (EOF, error, or cancellation).
	Cleanup(ctx context.Context) error
}

// NodeFactory constructs a fresh NodeHandle for one node instance.
type NodeFactory func() NodeHandle

// IOSpec is a node type's declared input/output ports (spec §3.2 "keys must
// match node's declared I/O") and fan-in policy (spec §4.2 compilation step
// 3: "input-key collision ... unless the node declares fan-in merging").
type IOSpec struct {
	Inputs  []string
	Outputs []string
	// FanIn lists input keys that accept more than one producer edge. Any
	// input key not listed here may have at most one producer.
	FanIn []string
}

func (s IOSpec) hasInput(key string) bool {
	for _, k := range s.Inputs {
		if k == key {
			return true
		}
	}
	return false
}

func (s IOSpec) hasOutput(key string) bool {
	for _, k := range s.Outputs {
		if k == key {
			return true
		}
	}
	return false
}

func (s IOSpec) allowsFanIn(key string) bool {
	for _, k := range s.FanIn {
		if k == key {
			return true
		}
	}
	return false
}

// RetryPolicy is the per-node retry declaration of spec §4.2 "Retry policy".
type RetryPolicy struct {
	BaseDelayMs int
	MaxAttempts int
	JitterFrac  float64 // e.g. 0.2 for ±20%
}

// DefaultRetryPolicy is the spec-mandated default: exponential backoff
// base·2^attempt, max_attempts=3, jitter ±20%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelayMs: 100, MaxAttempts: 3, JitterFrac: 0.2}
}
