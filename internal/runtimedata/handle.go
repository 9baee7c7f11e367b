package runtimedata

import "sync/atomic"

// Handle is the in-process form of an envelope (spec §4.1): a
// reference-counted pointer to the variant payload. Passing a Handle
// downstream clones only the handle — the underlying Envelope is never
// copied in-process.
type Handle struct {
	env    *Envelope
	refs   *atomic.Int64
	loaned *atomic.Int64 // outstanding loans against this handle's publisher
}

// NewHandle wraps env in a fresh handle with one reference.
func NewHandle(env *Envelope) *Handle {
	refs := &atomic.Int64{}
	refs.Store(1)
	return &Handle{env: env, refs: refs, loaned: &atomic.Int64{}}
}

// Envelope returns the wrapped envelope. Callers must not mutate it — the
// same pointer is shared across every clone.
func (h *Handle) Envelope() *Envelope { return h.env }

// Clone increments the refcount and returns a new Handle value sharing the
// same underlying envelope and counters. This is the "clone the handle only"
// operation spec §4.1 calls for on the fast, in-process path.
func (h *Handle) Clone() *Handle {
	h.refs.Add(1)
	return &Handle{env: h.env, refs: h.refs, loaned: h.loaned}
}

// Release decrements the refcount. Returns true if this was the last
// reference (the envelope may now be freed/reused by the publisher).
func (h *Handle) Release() bool {
	return h.refs.Add(-1) == 0
}

// RefCount reports the current reference count (diagnostic/test use).
func (h *Handle) RefCount() int64 { return h.refs.Load() }

// Loan marks this sample as loaned out by the publisher (spec §4.1: "Loaned
// (zero-copy outgoing) samples must be either send()-ed or release()-d
// exactly once"). Returns the new outstanding-loan count.
func (h *Handle) Loan() int64 { return h.loaned.Add(1) }

// Unloan records that a loan was resolved (sent or released). Returns the new
// outstanding-loan count; a publisher closing cleanly requires this to reach
// zero (spec §8.1 "Loan accounting").
func (h *Handle) Unloan() int64 { return h.loaned.Add(-1) }

// OutstandingLoans reports the current outstanding loan count shared by every
// clone of this handle's lineage.
func (h *Handle) OutstandingLoans() int64 { return h.loaned.Load() }
