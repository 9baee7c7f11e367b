package worker

import (
	"context"
	"encoding/json"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// NodeHandle adapts a Supervisor-managed worker process to the uniform
// graph.NodeHandle contract (spec §4.3 "executor bridge"), so the graph
// package never has to know whether a node is native or worker-bridged.
type NodeHandle struct {
	cfg Config
	sup *Supervisor
}

// NewNodeHandle returns a graph.NodeFactory that spawns a fresh worker
// process per node instance, configured per cfg.
func NewNodeHandle(cfg Config) graph.NodeFactory {
	return func() graph.NodeHandle {
		return &NodeHandle{cfg: cfg}
	}
}

func (h *NodeHandle) Initialize(ctx context.Context, params json.RawMessage) error {
	h.sup = NewSupervisor(h.cfg)
	if err := h.sup.Start(ctx); err != nil {
		return err
	}
	return h.sup.Init(params)
}

func (h *NodeHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	wireIn, err := encodeEnvelopes(inputs)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindNodeExecution, err, "worker: failed to encode inputs")
	}
	wireOut, err := h.sup.Exchange(ctx, wireIn)
	if err != nil {
		return nil, err
	}
	return decodeEnvelopes(wireOut)
}

func (h *NodeHandle) Cleanup(ctx context.Context) error {
	if h.sup == nil {
		return nil
	}
	return h.sup.Stop(ctx)
}
