package graph

import (
	"sort"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

// pending accumulates arrived envelopes for one node's input keys until a
// full batch (one envelope per declared input key) is ready to dispatch to
// Process. Fan-in keys (IOSpec.FanIn) merge by arrival order — spec §4.2
// "default: interleave by arrival time" — rather than waiting for every
// producer on that key.
type pending struct {
	io       IOSpec
	fanIn    map[string]bool
	queues   map[string][]*runtimedata.Envelope // per input key, FIFO of arrived envelopes
}

func newPending(io IOSpec) *pending {
	fanIn := make(map[string]bool, len(io.FanIn))
	for _, k := range io.FanIn {
		fanIn[k] = true
	}
	return &pending{io: io, fanIn: fanIn, queues: make(map[string][]*runtimedata.Envelope)}
}

// push records an arriving envelope on the given input key.
func (p *pending) push(key string, env *runtimedata.Envelope) {
	p.queues[key] = append(p.queues[key], env)
}

// tryTake attempts to assemble one complete batch: exactly one envelope per
// declared input key (fan-in keys merge by first-arrived). Returns ok=false
// if any key has no queued envelope yet.
func (p *pending) tryTake() (map[string]*runtimedata.Envelope, bool) {
	if len(p.io.Inputs) == 0 {
		// source node: no inputs required, always "ready" exactly once per
		// call via the caller's own bookkeeping.
		return map[string]*runtimedata.Envelope{}, true
	}
	for _, key := range p.io.Inputs {
		if len(p.queues[key]) == 0 {
			return nil, false
		}
	}
	batch := make(map[string]*runtimedata.Envelope, len(p.io.Inputs))
	for _, key := range p.io.Inputs {
		batch[key] = p.queues[key][0]
		p.queues[key] = p.queues[key][1:]
	}
	return batch, true
}

// depth returns the total number of queued, unconsumed envelopes across all
// input keys — used by tests and diagnostics to observe merge backlog.
func (p *pending) depth() int {
	n := 0
	keys := make([]string, 0, len(p.queues))
	for k := range p.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		n += len(p.queues[k])
	}
	return n
}
