package taxonomy

import (
	"context"
	"sync"
	"time"
)

// CancelToken is the session-level cooperative cancellation token described
// in spec §4.2/§5. It reaches every node task through the context each task
// suspends on, and carries the configured cleanup deadline so tasks know how
// long they have to drain in-flight work before forced termination.
type CancelToken struct {
	ctx             context.Context
	cancel          context.CancelFunc
	cleanupDeadline time.Duration

	mu        sync.Mutex
	trippedAt time.Time
}

// NewCancelToken creates a token bound to parent, with the given cleanup
// deadline (spec default 5s, overridable per session).
func NewCancelToken(parent context.Context, cleanupDeadline time.Duration) *CancelToken {
	if cleanupDeadline <= 0 {
		cleanupDeadline = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel, cleanupDeadline: cleanupDeadline}
}

// Context returns the context node tasks should select on as a suspension point.
func (t *CancelToken) Context() context.Context { return t.ctx }

// Done returns the channel closed when the token trips.
func (t *CancelToken) Done() <-chan struct{} { return t.ctx.Done() }

// Tripped reports whether cancellation has been requested.
func (t *CancelToken) Tripped() bool {
	select {
	case <-t.ctx.Done():
		return true
	default:
		return false
	}
}

// CleanupDeadline returns the configured cleanup deadline.
func (t *CancelToken) CleanupDeadline() time.Duration { return t.cleanupDeadline }

// Trip requests cancellation. Idempotent; records the first trip time so
// callers can measure the cancellation bound invariant (spec §8.1).
func (t *CancelToken) Trip() {
	t.mu.Lock()
	if t.trippedAt.IsZero() {
		t.trippedAt = time.Now()
	}
	t.mu.Unlock()
	t.cancel()
}

// TrippedAt returns the time Trip was first called, or the zero time if it
// never was.
func (t *CancelToken) TrippedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trippedAt
}

// DeadlineContext derives a context bounded by the cleanup deadline from the
// moment Trip was called (or from now, if not yet tripped) — used by tasks
// to bound their drain-and-cleanup phase.
func (t *CancelToken) DeadlineContext() (context.Context, context.CancelFunc) {
	base := t.TrippedAt()
	if base.IsZero() {
		base = time.Now()
	}
	return context.WithDeadline(context.Background(), base.Add(t.cleanupDeadline))
}
