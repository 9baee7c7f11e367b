// Package channel implements the bounded pub/sub FIFO of spec §3.4/§4.1: a
// single-publisher, multi-subscriber queue of RuntimeData envelopes, with
// declared backpressure policy, late-join replay window, and per-sample
// loan accounting. The same type backs both in-process edges (both
// endpoints native) and shared-memory edges (an endpoint is a worker) —
// spec §4.1 deliberately abstracts over the concrete shared-memory
// primitive, so this implementation stands in for both: callers that need
// the cross-boundary wire form call runtimedata.Serialize/Deserialize at
// the executor bridge (internal/worker), not here.
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// Policy is the declared backpressure policy of spec §3.4/§4.1.
type Policy string

const (
	PolicyBlock      Policy = "block"
	PolicyDropNewest Policy = "drop_newest"
	PolicyDropOldest Policy = "drop_oldest"
)

// DefaultLivenessTimeout is how long a subscriber may go without renewing its
// liveness token (i.e. calling Recv) before it is considered dead and its
// slot is freed (spec §4.1 "Failure model").
const DefaultLivenessTimeout = 10 * time.Second

// Config describes a channel's declared attributes (spec §3.4).
type Config struct {
	Capacity        int   // messages, >= 1
	MaxPayloadSize  int64 // bytes, 0 = unbounded
	Backpressure    Policy
	HistorySize     int // late-join replay window, 0 = no replay
	LivenessTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Capacity < 1 {
		c.Capacity = 1
	}
	if c.Backpressure == "" {
		c.Backpressure = PolicyBlock
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	return c
}

type entry struct {
	seq     uint64
	handle  *runtimedata.Handle
	pending int // subscribers that still need to consume this entry
}

// Channel is a bounded FIFO of envelopes (spec §3.4). Zero value is not
// usable; construct with New.
type Channel struct {
	cfg Config

	mu      sync.Mutex
	entries map[uint64]*entry
	nextSeq uint64
	minSeq  uint64 // oldest sequence still referenced by any live subscriber

	closed    bool
	hasPub    bool
	drops     atomic.Int64
	subs      map[uint64]*Subscriber
	nextSubID uint64

	// notify is closed and replaced every time state changes (an entry is
	// added/removed, or the channel closes). Waiters snapshot it under the
	// lock, release the lock, then select on it alongside ctx.Done() — this
	// avoids the races inherent in pairing sync.Cond with a cancellable wait.
	notify chan struct{}
}

// New creates a channel with the given configuration.
func New(cfg Config) *Channel {
	return &Channel{
		cfg:     cfg.normalized(),
		entries: make(map[uint64]*entry),
		subs:    make(map[uint64]*Subscriber),
		notify:  make(chan struct{}),
	}
}

// broadcastLocked wakes every current waiter. Caller must hold c.mu.
func (c *Channel) broadcastLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Drops returns the total number of samples dropped under drop_newest/drop_oldest.
func (c *Channel) Drops() int64 { return c.drops.Load() }

// depthLocked returns the number of entries currently buffered, not yet fully
// consumed by every live subscriber (caller must hold c.mu).
func (c *Channel) depthLocked() int {
	return len(c.entries)
}

// Publisher is the exclusive-write handle to a channel (spec §3.4: "exactly
// one publisher per channel at a time").
type Publisher struct {
	ch          *Channel
	outstanding atomic.Int64
	closed      bool
}

// AcquirePublisher claims exclusive publish rights on ch. Fails if another
// publisher already holds them.
func (c *Channel) AcquirePublisher() (*Publisher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPub {
		return nil, taxonomy.New(taxonomy.KindInternal, "channel: a publisher is already attached")
	}
	if c.closed {
		return nil, taxonomy.New(taxonomy.KindChannelClosed, "channel: already closed")
	}
	c.hasPub = true
	return &Publisher{ch: c}, nil
}

// Publish commits env to the channel, applying the configured backpressure
// policy when full (spec §4.1 "Channel semantics").
func (p *Publisher) Publish(ctx context.Context, env *runtimedata.Envelope) error {
	return p.ch.publish(ctx, runtimedata.NewHandle(env))
}

// Loan is an outstanding, not-yet-resolved reference to a zero-copy sample
// (spec GLOSSARY "Loan"). It must be resolved via Send or Release exactly
// once; the publisher's Close verifies none remain outstanding (spec §8.1
// "Loan accounting").
type Loan struct {
	pub      *Publisher
	handle   *runtimedata.Handle
	resolved bool
	mu       sync.Mutex
}

// NewLoan creates an outstanding loan wrapping env, without publishing it yet.
func (p *Publisher) NewLoan(env *runtimedata.Envelope) *Loan {
	p.outstanding.Add(1)
	h := runtimedata.NewHandle(env)
	h.Loan()
	return &Loan{pub: p, handle: h}
}

// Send publishes the loaned sample and resolves the loan.
func (l *Loan) Send(ctx context.Context) error {
	l.mu.Lock()
	if l.resolved {
		l.mu.Unlock()
		return taxonomy.New(taxonomy.KindInternal, "channel: loan already resolved")
	}
	l.resolved = true
	l.mu.Unlock()
	l.handle.Unloan()
	l.pub.outstanding.Add(-1)
	return l.pub.ch.publish(ctx, l.handle)
}

// Release resolves the loan without publishing (sample discarded).
func (l *Loan) Release() {
	l.mu.Lock()
	if l.resolved {
		l.mu.Unlock()
		return
	}
	l.resolved = true
	l.mu.Unlock()
	l.handle.Unloan()
	l.pub.outstanding.Add(-1)
}

func (c *Channel) publish(ctx context.Context, h *runtimedata.Handle) error {
	if c.cfg.MaxPayloadSize > 0 {
		if sz := payloadSize(h.Envelope()); sz > c.cfg.MaxPayloadSize {
			return taxonomy.Newf(taxonomy.KindResourceLimit,
				"channel: payload size %d exceeds max_payload_size %d", sz, c.cfg.MaxPayloadSize)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.closed {
			return taxonomy.New(taxonomy.KindChannelClosed, "channel: publisher closed")
		}
		if c.depthLocked() < c.cfg.Capacity {
			break
		}
		switch c.cfg.Backpressure {
		case PolicyDropNewest:
			c.drops.Add(1)
			return nil
		case PolicyDropOldest:
			c.evictOldestLocked()
		default: // block
			waitCh := c.notify
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				c.mu.Lock()
				return taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "channel: publish cancelled while blocked")
			case <-waitCh:
				c.mu.Lock()
			}
		}
	}

	c.appendLocked(h)
	c.broadcastLocked()
	return nil
}

// appendLocked assumes c.mu is held and there is room (or the caller accepted
// going over capacity, e.g. after an eviction).
func (c *Channel) appendLocked(h *runtimedata.Handle) {
	seq := c.nextSeq
	c.nextSeq++
	pending := 0
	for _, s := range c.subs {
		if !s.dead {
			pending++
		}
	}
	c.entries[seq] = &entry{seq: seq, handle: h, pending: pending}
	if pending == 0 && c.cfg.HistorySize == 0 {
		// no one will ever read it and no replay window retains it
		delete(c.entries, seq)
	}
}

// evictOldestLocked drops the oldest buffered entry and advances every
// subscriber cursor sitting at or before it, incrementing their per-
// subscriber drop counters (spec §8.1 "Channel FIFO ... modulo explicit drops").
func (c *Channel) evictOldestLocked() {
	if len(c.entries) == 0 {
		return
	}
	oldest := c.minSeq
	for oldest < c.nextSeq {
		if _, ok := c.entries[oldest]; ok {
			break
		}
		oldest++
	}
	delete(c.entries, oldest)
	c.drops.Add(1)
	for _, s := range c.subs {
		if s.cursor <= oldest {
			s.dropped++
			s.cursor = oldest + 1
		}
	}
	c.advanceMinSeqLocked()
}

func (c *Channel) advanceMinSeqLocked() {
	for c.minSeq < c.nextSeq {
		if _, ok := c.entries[c.minSeq]; ok {
			break
		}
		c.minSeq++
	}
}

// Close drains the channel and marks EOF on all subscribers (spec §4.1
// "Failure model"). Returns an Internal error if loans remain outstanding
// (spec §8.1 "Loan accounting") — the channel is still closed regardless,
// so callers don't leak a stuck channel on a programmer error.
func (p *Publisher) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	outstanding := p.outstanding.Load()

	p.ch.mu.Lock()
	p.ch.closed = true
	p.ch.hasPub = false
	p.ch.broadcastLocked()
	p.ch.mu.Unlock()

	if outstanding != 0 {
		return taxonomy.Newf(taxonomy.KindInternal,
			"channel: publisher closed with %d outstanding loan(s)", outstanding)
	}
	return nil
}

// Subscriber reads envelopes from a channel in publish order (spec §3.4).
type Subscriber struct {
	id        uint64
	ch        *Channel
	cursor    uint64
	dropped   uint64
	lastLive  time.Time
	dead      bool
}

// ErrEOF is returned by Recv once the publisher has closed and every
// buffered entry has been consumed.
var ErrEOF = fmt.Errorf("channel: EOF")

// Subscribe attaches a new subscriber. If replay is true and the channel has
// a configured history window, the subscriber starts from up to
// HistorySize entries in the past instead of only seeing future publishes
// (spec §3.4 "history_size (for late-join replay)").
func (c *Channel) Subscribe(replay bool) *Subscriber {
	c.mu.Lock()
	defer c.mu.Unlock()

	cursor := c.nextSeq
	if replay && c.cfg.HistorySize > 0 {
		start := c.minSeq
		if c.nextSeq > uint64(c.cfg.HistorySize) && c.nextSeq-uint64(c.cfg.HistorySize) > start {
			start = c.nextSeq - uint64(c.cfg.HistorySize)
		}
		cursor = start
	}

	s := &Subscriber{ch: c, cursor: cursor, lastLive: time.Now()}
	c.nextSubID++
	s.id = c.nextSubID
	c.subs[s.id] = s
	return s
}

// Recv blocks until the next envelope is available, the channel hits EOF, or
// ctx is cancelled. Each call renews the subscriber's liveness token.
func (s *Subscriber) Recv(ctx context.Context) (*runtimedata.Envelope, error) {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if s.dead {
			return nil, taxonomy.New(taxonomy.KindInternal, "channel: subscriber marked dead")
		}
		if s.cursor < c.minSeq {
			// entries between cursor and minSeq were evicted before we read them.
			skipped := c.minSeq - s.cursor
			s.dropped += skipped
			s.cursor = c.minSeq
		}
		if e, ok := c.entries[s.cursor]; ok {
			s.cursor++
			s.lastLive = time.Now()
			e.pending--
			if e.pending <= 0 {
				within := c.nextSeq-e.seq <= uint64(c.cfg.HistorySize)
				if !within {
					delete(c.entries, e.seq)
				}
			}
			if e.seq == c.minSeq {
				c.advanceMinSeqLocked()
			}
			c.broadcastLocked() // publisher may now have room
			return e.handle.Envelope(), nil
		}
		if c.closed {
			return nil, ErrEOF
		}
		waitCh := c.notify
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			c.mu.Lock()
			return nil, taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "channel: recv cancelled")
		case <-waitCh:
			c.mu.Lock()
		}
	}
}

// Dropped reports how many samples this subscriber has missed due to
// drop_newest/drop_oldest eviction.
func (s *Subscriber) Dropped() uint64 {
	s.ch.mu.Lock()
	defer s.ch.mu.Unlock()
	return s.dropped
}

// CheckLiveness marks the subscriber dead if it hasn't renewed its token
// (via Recv) within the channel's configured timeout, freeing its slot so it
// no longer holds back retention or publisher backpressure (spec §4.1
// "Crashed peer detection via liveness token expiry").
func (s *Subscriber) CheckLiveness() bool {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.dead {
		return false
	}
	if time.Since(s.lastLive) > c.cfg.LivenessTimeout {
		s.dead = true
		delete(c.subs, s.id)
		for seq := s.cursor; seq < c.nextSeq; seq++ {
			if e, ok := c.entries[seq]; ok {
				e.pending--
				if e.pending <= 0 && c.nextSeq-e.seq > uint64(c.cfg.HistorySize) {
					delete(c.entries, seq)
				}
			}
		}
		c.advanceMinSeqLocked()
		c.broadcastLocked()
		return false
	}
	return true
}

// Close frees this subscriber's cursor (spec §4.1 "subscriber close frees
// its cursor").
func (s *Subscriber) Close() {
	c := s.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.dead {
		return
	}
	s.dead = true
	delete(c.subs, s.id)
	c.advanceMinSeqLocked()
	c.broadcastLocked()
}

func payloadSize(e *runtimedata.Envelope) int64 {
	switch e.Tag {
	case runtimedata.TagAudio:
		return int64(len(e.Audio.Samples))
	case runtimedata.TagVideo:
		return int64(len(e.Video.Buffer))
	case runtimedata.TagTensor:
		return int64(len(e.Tensor.Bytes))
	case runtimedata.TagNumpy:
		return int64(len(e.Numpy.Bytes))
	case runtimedata.TagText:
		return int64(len(e.Text.Value))
	default:
		return 0
	}
}
