package session

import (
	"context"
	"testing"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

func TestValidID(t *testing.T) {
	cases := map[string]bool{
		"short":                   false, // < 8 chars
		"exactly8":                true,
		"has spaces not allowed!": false,
		"valid_session-id_123":    true,
	}
	for id, want := range cases {
		if got := ValidID(id); got != want {
			t.Errorf("ValidID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestManagerCreateRejectsReuse(t *testing.T) {
	m := NewManager(nil)

	sess, err := m.Create(context.Background(), CreateOptions{SessionID: "reused-session-id"})
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	m.Remove(sess.ID)

	if _, err := m.Create(context.Background(), CreateOptions{SessionID: "reused-session-id"}); err == nil {
		t.Fatal("expected error reusing a session_id after Remove")
	}
}

func TestManagerCreateRejectsInvalidID(t *testing.T) {
	m := NewManager(nil)
	if _, err := m.Create(context.Background(), CreateOptions{SessionID: "bad id!"}); err == nil {
		t.Fatal("expected validation error for malformed session_id")
	}
}

func TestManagerCreateGeneratesIDWhenEmpty(t *testing.T) {
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID == "" {
		t.Fatal("expected a generated session_id")
	}
	if _, ok := m.Get(sess.ID); !ok {
		t.Fatal("expected session to be tracked after Create")
	}
}

func TestSessionTerminateReleasesResourcesOnce(t *testing.T) {
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{SessionID: "terminate-release-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	released := 0
	sess.AddResource(func() error { released++; return nil })
	sess.AddResource(func() error { released++; return nil })

	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if released != 2 {
		t.Fatalf("released = %d, want 2", released)
	}
	if sess.Status() != StatusTerminated {
		t.Fatalf("status = %v, want Terminated", sess.Status())
	}

	// Calling Terminate again must not re-run resource closers.
	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if released != 2 {
		t.Fatalf("released after second Terminate = %d, want 2 (idempotent)", released)
	}
}

func TestSessionMarkErroredReleasesResourcesAndRecordsCause(t *testing.T) {
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{SessionID: "mark-errored-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	released := false
	sess.AddResource(func() error { released = true; return nil })

	cause := taxonomy.New(taxonomy.KindNodeExecution, "boom")
	sess.MarkErrored(cause)

	if !released {
		t.Fatal("expected resources released on MarkErrored")
	}
	if sess.Status() != StatusErrored {
		t.Fatalf("status = %v, want Errored", sess.Status())
	}
	if sess.Err() != cause {
		t.Fatalf("Err() = %v, want %v", sess.Err(), cause)
	}

	// Terminate after Errored still releases (idempotently, nothing left to
	// release) and moves the status on to Terminated.
	if err := sess.Terminate(context.Background()); err != nil {
		t.Fatalf("Terminate after MarkErrored: %v", err)
	}
	if sess.Status() != StatusTerminated {
		t.Fatalf("status after Terminate-following-Errored = %v, want Terminated", sess.Status())
	}
}

func TestSessionMaxDurationTerminatesAutomatically(t *testing.T) {
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{
		SessionID:   "max-duration-test",
		MaxDuration: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sess.Status() != StatusTerminated {
		select {
		case <-deadline:
			t.Fatalf("session did not terminate within max_duration, status = %v", sess.Status())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestManagerRemoveDoesNotClearEverUsed(t *testing.T) {
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{SessionID: "remove-everused-test"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", m.Count())
	}
	m.Remove(sess.ID)
	if m.Count() != 0 {
		t.Fatalf("Count() after Remove = %d, want 0", m.Count())
	}
	if _, err := m.Create(context.Background(), CreateOptions{SessionID: sess.ID}); err == nil {
		t.Fatal("expected session_id reuse to be rejected after Remove")
	}
}
