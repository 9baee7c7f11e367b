// Package session implements the session and peer orchestrator of spec §4.5:
// the end-to-end lifecycle of one pipeline invocation (unary, streaming, or
// peer-to-peer duplex), the process-wide session table, and the real-time
// peer/group model layered on top of it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/logging"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// Status is a session's lifecycle position (spec §3.3).
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusRunning      Status = "running"
	StatusDraining     Status = "draining"
	StatusTerminating  Status = "terminating"
	StatusTerminated   Status = "terminated"
	StatusErrored      Status = "errored"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// ValidID reports whether id meets spec §3.3's session_id shape (8-64 chars,
// alnum + "_-").
func ValidID(id string) bool { return sessionIDPattern.MatchString(id) }

// resourceSet tracks everything a session owns exclusively (spec §3.3 "owned
// resources") so Terminate/MarkErrored can release it deterministically and
// exactly once. Closers run LIFO, mirroring construction order.
type resourceSet struct {
	mu      sync.Mutex
	closers []func() error
}

func (r *resourceSet) add(fn func() error) {
	r.mu.Lock()
	r.closers = append(r.closers, fn)
	r.mu.Unlock()
}

func (r *resourceSet) releaseAll() []error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Session is the scoped, process-wide state of spec §3.3. One Session backs
// exactly one pipeline invocation — unary, streaming, or peer-bound.
type Session struct {
	ID          string
	CreatedAt   time.Time
	MaxDuration time.Duration // 0 = unbounded

	Cancel  *taxonomy.CancelToken
	Metrics *taxonomy.SessionMetrics

	logger *slog.Logger

	res   resourceSet
	peers *PeerTable

	mu      sync.Mutex
	status  Status
	err     error
	graph   *graph.Graph
	sched   *graph.Scheduler
}

// Graph returns the session's compiled graph, if one has been attached via
// AttachGraph.
func (s *Session) Graph() *graph.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// Scheduler returns the session's running streaming scheduler, if any.
func (s *Session) Scheduler() *graph.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sched
}

// AttachGraph records the compiled graph and scheduler the orchestrator built
// for this session, and transitions Ready → Running.
func (s *Session) AttachGraph(g *graph.Graph, sched *graph.Scheduler) {
	s.mu.Lock()
	s.graph = g
	s.sched = sched
	if s.status == StatusReady {
		s.status = StatusRunning
	}
	s.mu.Unlock()
}

// Peers returns the session's peer table (spec §3.6, §4.5 "peer table").
func (s *Session) Peers() *PeerTable { return s.peers }

// AddResource registers a close function to run when the session tears down.
// Safe to call any time before Terminate/MarkErrored.
func (s *Session) AddResource(close func() error) { s.res.add(close) }

// Status returns the session's current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the error that moved the session to Errored, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// setStatus transitions status, refusing to move out of a terminal state.
func (s *Session) setStatus(status Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated || s.status == StatusErrored {
		return false
	}
	s.status = status
	return true
}

// MarkRunning transitions Ready → Running (spec §3.3 status enum).
func (s *Session) MarkRunning() { s.setStatus(StatusRunning) }

// MarkReady transitions Initializing → Ready.
func (s *Session) MarkReady() { s.setStatus(StatusReady) }

// Terminate drains and releases every owned resource, transitioning the
// session through Draining → Terminating → Terminated. Idempotent: calling it
// more than once is a no-op after the first call completes. Always releases
// resources even if the session was already Errored (spec §3.3 "all resources
// owned by a session are released when its status reaches Terminated or
// Errored").
func (s *Session) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusTerminated {
		s.mu.Unlock()
		return nil
	}
	wasErrored := s.status == StatusErrored
	if !wasErrored {
		s.status = StatusDraining
	}
	s.mu.Unlock()

	if s.Cancel != nil {
		s.Cancel.Trip()
	}

	if !wasErrored {
		s.setStatus(StatusTerminating)
	}

	errs := s.res.releaseAll()

	s.mu.Lock()
	s.status = StatusTerminated
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("session terminated", "released_resources_errors", len(errs))
	}
	if len(errs) > 0 {
		return fmt.Errorf("session: %d resource(s) failed to release: %w", len(errs), errs[0])
	}
	return nil
}

// MarkErrored transitions the session to Errored, records cause, trips
// cancellation, and releases owned resources (spec §3.3, §4.6 "a fatal error
// transitions the session to Errored and cancels all tasks").
func (s *Session) MarkErrored(cause error) {
	s.mu.Lock()
	if s.status == StatusTerminated || s.status == StatusErrored {
		s.mu.Unlock()
		return
	}
	s.status = StatusErrored
	s.err = cause
	s.mu.Unlock()

	if s.Cancel != nil {
		s.Cancel.Trip()
	}
	s.res.releaseAll()
	if s.logger != nil {
		s.logger.Error("session errored", "error", cause)
	}
}

// Manager owns the process-wide session table (spec §3.3: "a session's
// session_id is never reused"). It is the registry's sibling: the registry is
// read-only shared state across sessions; Manager is the bookkeeping that
// enforces uniqueness and exposes lookup for the peer/signaling APIs.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session
	everUsed map[string]bool

	metrics *taxonomy.Metrics
}

// NewManager creates an empty session table.
func NewManager(metrics *taxonomy.Metrics) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		everUsed: make(map[string]bool),
		metrics:  metrics,
	}
}

// CreateOptions configures a new session (spec §6.2 `create_session(opts)`).
type CreateOptions struct {
	// SessionID, if set, must be unique (never used before by this manager)
	// and match ValidID. If empty, a uuid is generated.
	SessionID       string
	MaxDuration     time.Duration
	CleanupDeadline time.Duration
	MaxPeers        int
}

// Create allocates a new Session, enforcing the never-reused session_id
// invariant, and puts it in Initializing status.
func (m *Manager) Create(parent context.Context, opts CreateOptions) (*Session, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if !ValidID(id) {
		return nil, taxonomy.Newf(taxonomy.KindValidation, "session: invalid session_id %q (must be 8-64 chars, alnum + \"_-\")", id)
	}

	m.mu.Lock()
	if m.everUsed[id] {
		m.mu.Unlock()
		return nil, taxonomy.Newf(taxonomy.KindResourceLimit, "session: session_id %q has already been used", id)
	}
	m.everUsed[id] = true
	m.mu.Unlock()

	cancel := taxonomy.NewCancelToken(parent, opts.CleanupDeadline)
	sess := &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		MaxDuration: opts.MaxDuration,
		Cancel:      cancel,
		Metrics:     taxonomy.NewSessionMetrics(),
		logger:      newLogger(id),
		peers:       NewPeerTable(opts.MaxPeers),
		status:      StatusInitializing,
	}

	if opts.MaxDuration > 0 {
		go sess.enforceMaxDuration(opts.MaxDuration)
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsActive.Inc()
	}
	sess.MarkReady()
	return sess, nil
}

// enforceMaxDuration terminates the session once its max_duration elapses
// (spec §3.3 "optional max_duration", §5 "per-session max duration (optional)").
func (s *Session) enforceMaxDuration(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		_ = s.Terminate(context.Background())
	case <-s.Cancel.Done():
	}
}

// Get returns the session for id, if it is currently tracked (not yet
// released from the table).
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Remove drops id from the live table after it has terminated, but keeps it
// in everUsed so the id can never be reissued. Callers should call this after
// Session.Terminate/MarkErrored to bound table growth.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed && m.metrics != nil {
		m.metrics.SessionsActive.Dec()
	}
}

// Count returns the number of sessions currently tracked (not yet removed).
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// newLogger builds a session-scoped logger via internal/logging's With-chain
// convention.
func newLogger(sessionID string) *slog.Logger {
	return logging.WithSession(logging.Logger(), sessionID)
}
