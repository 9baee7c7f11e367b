package registry

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

type stubHandle struct{}

func (stubHandle) Initialize(ctx context.Context, params json.RawMessage) error { return nil }
func (stubHandle) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	return nil, nil
}
func (stubHandle) Cleanup(ctx context.Context) error { return nil }

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := New(nil)
	reg := Registration{NodeType: "Foo", Native: func() graph.NodeHandle { return stubHandle{} }}
	if err := r.Register(reg); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegisterRequiresAnExecutor(t *testing.T) {
	r := New(nil)
	if err := r.Register(Registration{NodeType: "Foo"}); err == nil {
		t.Fatal("expected registration with no executor to fail")
	}
}

func TestResolveUnknownNodeType(t *testing.T) {
	r := New(nil)
	_, _, _, _, err := r.Resolve("Ghost", manifest.HintAuto)
	if err == nil {
		t.Fatal("expected NodeNotAvailable for an unregistered type")
	}
}

func TestResolveHintNativeFallsBackNever(t *testing.T) {
	r := New(nil)
	err := r.Register(Registration{
		NodeType: "WorkerOnly",
		Worker:   func() graph.NodeHandle { return stubHandle{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	_, _, _, _, err = r.Resolve("WorkerOnly", manifest.HintNative)
	if err == nil {
		t.Fatal("expected hint=native to fail when only a worker executor is registered")
	}
}

func TestResolveAutoPrefersNative(t *testing.T) {
	r := New(nil)
	nativeCalled := false
	workerCalled := false
	err := r.Register(Registration{
		NodeType: "Both",
		Native:   func() graph.NodeHandle { nativeCalled = true; return stubHandle{} },
		Worker:   func() graph.NodeHandle { workerCalled = true; return stubHandle{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	factory, _, _, _, err := r.Resolve("Both", manifest.HintAuto)
	if err != nil {
		t.Fatal(err)
	}
	factory()
	if !nativeCalled || workerCalled {
		t.Fatal("expected auto hint to select the native executor")
	}
}

func TestResolveWorkerHintSelectsWorkerEvenWhenNativeExists(t *testing.T) {
	r := New(nil)
	workerCalled := false
	err := r.Register(Registration{
		NodeType: "Both",
		Native:   func() graph.NodeHandle { return stubHandle{} },
		Worker:   func() graph.NodeHandle { workerCalled = true; return stubHandle{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	factory, _, _, _, err := r.Resolve("Both", manifest.HintWorker)
	if err != nil {
		t.Fatal(err)
	}
	factory()
	if !workerCalled {
		t.Fatal("expected worker hint to select the worker executor")
	}
}

func TestModelCacheSharesAcrossAcquisitions(t *testing.T) {
	c := NewModelCache(nil)
	constructed := 0
	create := func() (any, func() error, error) {
		constructed++
		return "model-bytes", nil, nil
	}
	h1, err := c.Acquire("model-a", create)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Acquire("model-a", create)
	if err != nil {
		t.Fatal(err)
	}
	if constructed != 1 {
		t.Fatalf("want exactly 1 construction, got %d", constructed)
	}
	if c.Len() != 1 {
		t.Fatalf("want 1 cache entry, got %d", c.Len())
	}
	if err := h1.Release(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 {
		t.Fatal("entry should survive while h2 still holds a reference")
	}
	if err := h2.Release(); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 0 {
		t.Fatal("entry should be evicted once the last handle releases")
	}
}

func TestModelCacheClosesOnLastRelease(t *testing.T) {
	c := NewModelCache(nil)
	closed := false
	h, err := c.Acquire("model-b", func() (any, func() error, error) {
		return 42, func() error { closed = true; return nil }, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if !closed {
		t.Fatal("expected close func to run on last release")
	}
}

func TestModelCacheReleaseIsIdempotent(t *testing.T) {
	c := NewModelCache(nil)
	h, err := c.Acquire("model-c", func() (any, func() error, error) { return 1, nil, nil })
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Fatal(err)
	}
	if err := h.Release(); err != nil {
		t.Fatal("second release should be a no-op, not an error")
	}
}
