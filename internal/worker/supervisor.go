package worker

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/logging"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/util"
)

// crashHistorySize bounds how many recent crash/exit events a Supervisor
// keeps for diagnostics (read back through History).
const crashHistorySize = 8

// State is a worker process's lifecycle position (spec §4.4).
type State int32

const (
	StateStarting State = iota
	StateReady
	StateShuttingDown
	StateStopped
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Config configures one worker's spawn and lifecycle timing (spec §4.4,
// ambient defaults from internal/config).
type Config struct {
	Command         string
	Args            []string
	InitTimeout     time.Duration // default 30s
	CleanupDeadline time.Duration // default 5s
	// RespawnLimiter paces repeated respawn attempts after a crash so a
	// persistently failing worker doesn't spin the host CPU (spec §4.4
	// "Resource caps"); nil disables pacing (single-shot supervisors).
	RespawnLimiter *rate.Limiter
}

func (c Config) normalized() Config {
	if c.InitTimeout <= 0 {
		c.InitTimeout = 30 * time.Second
	}
	if c.CleanupDeadline <= 0 {
		c.CleanupDeadline = 5 * time.Second
	}
	return c
}

// Supervisor owns one spawned worker process: its pipes, handshake, and
// teardown. It is not safe for concurrent Process calls — callers serialize
// access (the scheduler calls one node task at a time per instance).
type Supervisor struct {
	cfg Config

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	fw    frameWriter
	fr    frameReader

	state   atomic.Int32
	exitErr error

	history *util.RingBuffer[string]
}

// NewSupervisor constructs an unspawned supervisor.
func NewSupervisor(cfg Config) *Supervisor {
	s := &Supervisor{cfg: cfg.normalized(), history: util.NewRingBuffer[string](crashHistorySize)}
	s.state.Store(int32(StateStarting))
	return s
}

// History returns the supervisor's most recent crash/exit diagnostics,
// oldest first (spec §4.4 "Observability"). cmd/runtimed's /healthz does not
// read it.
func (s *Supervisor) History() []string { return s.history.Snapshot() }

func (s *Supervisor) recordHistory(event string) {
	s.history.Push(fmt.Sprintf("%s: %s", time.Now().Format(time.RFC3339), event))
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() State { return State(s.state.Load()) }

// Start spawns the worker process and blocks until it reports Ready or
// ctx/init_timeout elapses, whichever first — a timed-out handshake leaves
// the worker Crashed (spec §4.4 "init timeout → Crashed → session Errored
// fail-fast").
func (s *Supervisor) Start(ctx context.Context) error {
	if s.cfg.RespawnLimiter != nil {
		if err := s.cfg.RespawnLimiter.Wait(ctx); err != nil {
			return taxonomy.Wrap(taxonomy.KindCancelled, err, "worker: respawn rate limit wait cancelled")
		}
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindWorkerCrashed, err, "worker: failed to open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return taxonomy.Wrap(taxonomy.KindWorkerCrashed, err, "worker: failed to open stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return taxonomy.Wrap(taxonomy.KindWorkerCrashed, err, "worker: failed to spawn")
	}

	s.mu.Lock()
	s.cmd = cmd
	s.stdin = stdin
	s.fw = frameWriter{w: stdin}
	s.fr = newFrameReader(stdout)
	s.mu.Unlock()

	handshake := make(chan error, 1)
	go func() {
		m, err := s.fr.readMessage()
		if err != nil {
			handshake <- taxonomy.Wrap(taxonomy.KindWorkerCrashed, err, "worker: handshake read failed")
			return
		}
		if m.Kind != msgReady {
			handshake <- taxonomy.Newf(taxonomy.KindWorkerCrashed, "worker: expected ready handshake, got %q", m.Kind)
			return
		}
		handshake <- nil
	}()

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
	defer cancel()
	select {
	case err := <-handshake:
		if err != nil {
			s.state.Store(int32(StateCrashed))
			s.recordHistory("handshake failed: " + err.Error())
			_ = cmd.Process.Kill()
			return err
		}
		s.state.Store(int32(StateReady))
		logging.Logger().Info("worker ready", "command", s.cfg.Command)
		return nil
	case <-initCtx.Done():
		s.state.Store(int32(StateCrashed))
		s.recordHistory("init_timeout exceeded")
		_ = cmd.Process.Kill()
		return taxonomy.Newf(taxonomy.KindWorkerCrashed, "worker: handshake did not complete within init_timeout %s", s.cfg.InitTimeout)
	}
}

// Init sends the node's params to the worker.
func (s *Supervisor) Init(params []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fw.writeMessage(message{Kind: msgInit, Params: params})
}

// Exchange sends one batch of named input envelopes and blocks for the
// worker's corresponding output batch (spec §4.4 steady-state bridging).
func (s *Supervisor) Exchange(ctx context.Context, inputsWire map[string][]byte) (map[string][]byte, error) {
	s.mu.Lock()
	if s.State() != StateReady {
		s.mu.Unlock()
		return nil, taxonomy.New(taxonomy.KindWorkerCrashed, "worker: not ready")
	}
	if err := s.fw.writeMessage(message{Kind: msgProcess, Inputs: inputsWire}); err != nil {
		s.mu.Unlock()
		s.state.Store(int32(StateCrashed))
		s.recordHistory("write failed: " + err.Error())
		return nil, taxonomy.Wrap(taxonomy.KindWorkerCrashed, err, "worker: write failed")
	}
	s.mu.Unlock()

	type result struct {
		m   message
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		m, err := s.fr.readMessage()
		resultCh <- result{m: m, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, taxonomy.Wrap(taxonomy.KindCancelled, ctx.Err(), "worker: exchange cancelled")
	case r := <-resultCh:
		if r.err != nil {
			s.state.Store(int32(StateCrashed))
			s.recordHistory("read failed: " + r.err.Error())
			return nil, taxonomy.Wrap(taxonomy.KindWorkerCrashed, r.err, "worker: read failed")
		}
		switch r.m.Kind {
		case msgOutput:
			return r.m.Outputs, nil
		case msgError:
			return nil, taxonomy.New(taxonomy.KindTransientWorker, r.m.ErrorMessage).WithContext("worker_error_kind", r.m.ErrorKind)
		default:
			return nil, taxonomy.Newf(taxonomy.KindWorkerCrashed, "worker: unexpected message kind %q", r.m.Kind)
		}
	}
}

// Stop tears the worker down: EOF control message, wait up to
// cleanup_deadline, then SIGTERM, then SIGKILL (spec §4.4 "Shutdown").
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.State() == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state.Store(int32(StateShuttingDown))
	_ = s.fw.writeMessage(message{Kind: msgShutdown})
	_ = s.stdin.Close()
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil {
		s.state.Store(int32(StateStopped))
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		s.state.Store(int32(StateStopped))
		s.exitErr = err
		return nil
	case <-time.After(s.cfg.CleanupDeadline):
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case err := <-done:
		s.state.Store(int32(StateStopped))
		s.exitErr = err
		return nil
	case <-time.After(s.cfg.CleanupDeadline):
	}

	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-done
	s.state.Store(int32(StateStopped))
	return nil
}

// ExitErr returns the worker process's exit error, if Stop already ran.
func (s *Supervisor) ExitErr() error { return s.exitErr }
