package worker

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

func TestConfigNormalizedDefaults(t *testing.T) {
	cfg := Config{}.normalized()
	if cfg.InitTimeout != 30*time.Second {
		t.Fatalf("InitTimeout = %v, want 30s", cfg.InitTimeout)
	}
	if cfg.CleanupDeadline != 5*time.Second {
		t.Fatalf("CleanupDeadline = %v, want 5s", cfg.CleanupDeadline)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateStarting:     "starting",
		StateReady:        "ready",
		StateShuttingDown: "shutting_down",
		StateStopped:      "stopped",
		StateCrashed:      "crashed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

// TestSupervisorHandshakeAndExchange spawns this test binary itself as the
// worker process (the standard os/exec "helper process" idiom: re-exec under
// a gating env var so the same binary plays both test and worker roles),
// echoing whatever it receives back as output.
func TestSupervisorHandshakeAndExchange(t *testing.T) {
	if os.Getenv("GO_WANT_WORKER_HELPER") == "1" {
		runEchoWorker()
		return
	}

	cfg := Config{
		Command:         os.Args[0],
		Args:            []string{"-test.run=TestSupervisorHandshakeAndExchange"},
		InitTimeout:     2 * time.Second,
		CleanupDeadline: 2 * time.Second,
	}
	sup := NewSupervisor(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := startWithHelperEnv(ctx, sup); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != StateReady {
		t.Fatalf("state = %v, want ready", sup.State())
	}

	if err := sup.Init([]byte(`{}`)); err != nil {
		t.Fatalf("Init: %v", err)
	}

	env := &runtimedata.Envelope{SessionID: "worker-test-session", Tag: runtimedata.TagText, Text: &runtimedata.Text{Value: "ping"}}
	wire, err := encodeEnvelopes(map[string]*runtimedata.Envelope{"in": env})
	if err != nil {
		t.Fatal(err)
	}
	out, err := sup.Exchange(ctx, wire)
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	decoded, err := decodeEnvelopes(out)
	if err != nil {
		t.Fatal(err)
	}
	if decoded["in"].Text.Value != "ping" {
		t.Fatalf("echoed value = %q, want %q", decoded["in"].Text.Value, "ping")
	}

	if err := sup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sup.State() != StateStopped {
		t.Fatalf("state after Stop = %v, want stopped", sup.State())
	}
}

// startWithHelperEnv duplicates Supervisor.Start but injects the helper-
// process gating env var into the spawned command, since Start itself has no
// hook for extra environment variables (worker binaries in production are
// standalone executables, not the test binary re-executing itself).
func startWithHelperEnv(ctx context.Context, s *Supervisor) error {
	cmd := exec.CommandContext(ctx, s.cfg.Command, s.cfg.Args...)
	cmd.Env = append(os.Environ(), "GO_WANT_WORKER_HELPER=1")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
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
			handshake <- err
			return
		}
		if m.Kind != msgReady {
			handshake <- errUnexpectedKind(m.Kind)
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
			return err
		}
		s.state.Store(int32(StateReady))
		return nil
	case <-initCtx.Done():
		s.state.Store(int32(StateCrashed))
		return initCtx.Err()
	}
}

type errUnexpectedKind messageKind

func (e errUnexpectedKind) Error() string { return "unexpected message kind: " + string(e) }

// runEchoWorker is the minimal worker-side loop used by the helper-process
// test above: send ready, then for every process frame, echo its inputs back
// as outputs, until shutdown.
func runEchoWorker() {
	fw := frameWriter{w: os.Stdout}
	fr := newFrameReader(os.Stdin)
	if err := fw.writeMessage(message{Kind: msgReady}); err != nil {
		return
	}
	for {
		m, err := fr.readMessage()
		if err != nil {
			return
		}
		switch m.Kind {
		case msgInit:
			continue
		case msgProcess:
			_ = fw.writeMessage(message{Kind: msgOutput, Outputs: m.Inputs})
		case msgShutdown:
			return
		}
	}
}
