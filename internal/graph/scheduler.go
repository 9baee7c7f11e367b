package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// NodeState is a node task's position in the FSM of spec §4.2:
// Uninitialized → Ready → Processing ⇄ (retry) → Terminated/Error, with
// Draining reachable from any state on cancellation.
type NodeState int32

const (
	StateUninitialized NodeState = iota
	StateReady
	StateProcessing
	StateDraining
	StateTerminated
	StateError
)

func (s NodeState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateDraining:
		return "draining"
	case StateTerminated:
		return "terminated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEndpoints lets the orchestrator feed external input into a source
// node and drain external output from a sink node (spec §6.2
// `stream(manifest, input_stream) -> output_stream`).
type StreamEndpoints struct {
	// Inputs maps a source node's declared input key to the subscriber
	// reading the orchestrator's external input_stream.
	Inputs map[string]map[string]*channel.Subscriber
	// Outputs maps a sink node's declared output key to the publisher the
	// orchestrator reads from to produce output_stream.
	Outputs map[string]map[string]*channel.Publisher
}

// nodeTask is one running node's scheduler-owned state.
type nodeTask struct {
	node    *compiledNode
	handle  NodeHandle
	state   atomic.Int32
	pend    *pending
	inSubs  map[string][]*channel.Subscriber // input key -> subscribers (one per edge, plus external)
	outPubs map[string][]*channel.Publisher  // output key -> publishers (one per declared output, may be nil if unconnected)
}

func (t *nodeTask) setState(s NodeState) { t.state.Store(int32(s)) }
func (t *nodeTask) getState() NodeState  { return NodeState(t.state.Load()) }

// Scheduler drives the streaming execution mode of spec §4.2: one
// cooperative task per node, connected by internal/channel edges, bound to a
// session-wide taxonomy.CancelToken.
type Scheduler struct {
	g       *Graph
	cancel  *taxonomy.CancelToken
	metrics *taxonomy.Metrics
	sess    *taxonomy.SessionMetrics

	mu    sync.Mutex
	tasks map[string]*nodeTask
}

// NewScheduler wires internal channel edges for every connection in g and
// prepares per-node tasks, ready for Run.
func NewScheduler(g *Graph, cancel *taxonomy.CancelToken, metrics *taxonomy.Metrics, sess *taxonomy.SessionMetrics, endpoints *StreamEndpoints) *Scheduler {
	s := &Scheduler{g: g, cancel: cancel, metrics: metrics, sess: sess, tasks: make(map[string]*nodeTask, len(g.nodes))}

	for id, n := range g.nodes {
		s.tasks[id] = &nodeTask{
			node:    n,
			pend:    newPending(n.io),
			inSubs:  make(map[string][]*channel.Subscriber),
			outPubs: make(map[string][]*channel.Publisher),
		}
	}

	// One channel per producing (node, output key) pair, shared by every
	// consumer of that output (spec §3.4 "multi-subscriber").
	type edgeKey struct {
		node string
		key  string
	}
	edges := make(map[edgeKey]*channel.Channel)
	edgeFor := func(node, key string) *channel.Channel {
		k := edgeKey{node, key}
		ch, ok := edges[k]
		if !ok {
			ch = channel.New(g.edgeCfg)
			edges[k] = ch
		}
		return ch
	}

	for id, n := range g.nodes {
		task := s.tasks[id]
		for inputKey, producers := range n.inputEdges {
			for _, p := range producers {
				ch := edgeFor(p.nodeID, p.key)
				task.inSubs[inputKey] = append(task.inSubs[inputKey], ch.Subscribe(false))
				srcTask := s.tasks[p.nodeID]
				srcTask.outPubs[p.key] = append(srcTask.outPubs[p.key], mustPublisher(ch))
			}
		}
	}

	if endpoints != nil {
		for nodeID, byKey := range endpoints.Inputs {
			task := s.tasks[nodeID]
			if task == nil {
				continue
			}
			for key, sub := range byKey {
				task.inSubs[key] = append(task.inSubs[key], sub)
			}
		}
		for nodeID, byKey := range endpoints.Outputs {
			task := s.tasks[nodeID]
			if task == nil {
				continue
			}
			for key, pub := range byKey {
				task.outPubs[key] = append(task.outPubs[key], pub)
			}
		}
	}

	return s
}

// mustPublisher acquires the channel's single publisher slot. Scheduler
// construction is single-threaded and each channel has exactly one producer
// (its source node), so AcquirePublisher cannot fail here.
func mustPublisher(ch *channel.Channel) *channel.Publisher {
	pub, err := ch.AcquirePublisher()
	if err != nil {
		panic("graph: internal edge channel already has a publisher: " + err.Error())
	}
	return pub
}

// Run drives every node task to completion (EOF on all inputs), error, or
// cancellation, using golang.org/x/sync/errgroup to fan out and propagate the
// first fatal failure (spec §4.2 streaming scheduler, §7 "fatal vs.
// recoverable").
func (s *Scheduler) Run(parent context.Context) error {
	ctx := s.cancel.Context()
	group, gctx := errgroup.WithContext(ctx)
	_ = parent

	for id := range s.tasks {
		id := id
		group.Go(func() error {
			return s.runNode(gctx, id)
		})
	}

	err := group.Wait()
	if err != nil && taxonomy.IsFatal(err) {
		s.cancel.Trip()
	}
	return err
}

// runNode drives one node's FSM: Uninitialized → Ready → Processing loop →
// Terminated, or → Error on a fatal failure, or → Draining → Terminated on
// cancellation.
func (s *Scheduler) runNode(ctx context.Context, id string) error {
	t := s.tasks[id]
	n := t.node

	t.handle = n.factory()
	if err := t.handle.Initialize(ctx, n.params); err != nil {
		t.setState(StateError)
		return taxonomy.Wrap(taxonomy.KindNodeExecution, err, "initialize failed").WithNode(n.id, n.nodeType)
	}
	t.setState(StateReady)

	defer func() {
		dctx, cancel := s.cancel.DeadlineContext()
		_ = t.handle.Cleanup(dctx)
		cancel()
		for _, pubs := range t.outPubs {
			for _, p := range pubs {
				p.Close()
			}
		}
	}()

	arrivals := make(chan arrival, 8)
	var wg sync.WaitGroup
	subCtx, stopReaders := context.WithCancel(ctx)
	defer stopReaders()

	for key, subs := range t.inSubs {
		for _, sub := range subs {
			wg.Add(1)
			go func(key string, sub *channel.Subscriber) {
				defer wg.Done()
				readSubscriber(subCtx, key, sub, arrivals)
			}(key, sub)
		}
	}
	go func() {
		wg.Wait()
		close(arrivals)
	}()

	liveProducers := 0
	for _, subs := range t.inSubs {
		liveProducers += len(subs)
	}
	isSource := len(n.io.Inputs) == 0

	if isSource {
		return s.runSourceNode(ctx, t)
	}

	for liveProducers > 0 {
		select {
		case <-ctx.Done():
			t.setState(StateDraining)
			return taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "cancelled").WithNode(n.id, n.nodeType)
		case a, ok := <-arrivals:
			if !ok {
				t.setState(StateTerminated)
				return nil
			}
			if a.eof {
				liveProducers--
				continue
			}
			t.pend.push(a.key, a.env)
			for {
				batch, ready := t.pend.tryTake()
				if !ready {
					break
				}
				t.setState(StateProcessing)
				if err := s.process(ctx, t, batch); err != nil {
					t.setState(StateError)
					return err
				}
				t.setState(StateReady)
			}
		}
	}
	t.setState(StateTerminated)
	return nil
}

// runSourceNode drives a node with no declared inputs: it calls Process
// repeatedly with an empty batch until the node returns a ChannelClosed error
// (a normal end) or the context ends; any other error, Cancelled included,
// ends the node in StateError.
func (s *Scheduler) runSourceNode(ctx context.Context, t *nodeTask) error {
	n := t.node
	for {
		select {
		case <-ctx.Done():
			t.setState(StateDraining)
			return taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "cancelled").WithNode(n.id, n.nodeType)
		default:
		}
		t.setState(StateProcessing)
		if err := s.process(ctx, t, map[string]*runtimedata.Envelope{}); err != nil {
			if taxonomy.KindOf(err) == taxonomy.KindChannelClosed {
				t.setState(StateTerminated)
				return nil
			}
			t.setState(StateError)
			return err
		}
		t.setState(StateReady)
	}
}

// process invokes the node once on batch, publishing any produced outputs
// downstream and recording metrics, applying the node's retry policy to
// transient failures.
func (s *Scheduler) process(ctx context.Context, t *nodeTask, batch map[string]*runtimedata.Envelope) error {
	n := t.node
	started := time.Now()
	outputs, err := runWithRetry(ctx, n, t.handle, batch)
	finished := time.Now()

	inv := taxonomy.NodeInvocation{
		NodeID: n.id, NodeType: n.nodeType,
		StartedAt: started, FinishedAt: finished,
		DurationUs: finished.Sub(started).Microseconds(),
	}
	if err != nil {
		inv.ErrorKind = taxonomy.KindOf(err)
	}
	if s.sess != nil {
		s.sess.Record(inv)
	}
	if s.metrics != nil {
		s.metrics.NodeDuration.WithLabelValues(n.nodeType).Observe(finished.Sub(started).Seconds())
		if err != nil {
			s.metrics.NodeErrors.WithLabelValues(n.nodeType, string(taxonomy.KindOf(err))).Inc()
		}
	}
	if err != nil {
		return err
	}

	for key, env := range outputs {
		pubs := t.outPubs[key]
		for _, p := range pubs {
			if perr := p.Publish(ctx, env); perr != nil {
				return taxonomy.Wrap(taxonomy.KindChannelClosed, perr, "publish failed").WithNode(n.id, n.nodeType)
			}
		}
	}
	return nil
}

type arrival struct {
	key string
	env *runtimedata.Envelope
	eof bool
}

// readSubscriber pumps one subscriber's envelopes into arrivals until it
// hits EOF, the context ends, or the channel is closed out from under it.
func readSubscriber(ctx context.Context, key string, sub *channel.Subscriber, arrivals chan<- arrival) {
	defer sub.Close()
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			select {
			case arrivals <- arrival{key: key, eof: true}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case arrivals <- arrival{key: key, env: env}:
		case <-ctx.Done():
			return
		}
	}
}
