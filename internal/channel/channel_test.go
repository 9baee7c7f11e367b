package channel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
)

func textEnvelope(session string, seq uint64) *runtimedata.Envelope {
	return &runtimedata.Envelope{
		Tag:         runtimedata.TagText,
		Text:        &runtimedata.Text{Value: "hello"},
		SessionID:   session,
		TimestampNs: time.Now().UnixNano(),
		Sequence:    &seq,
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	ch := New(Config{Capacity: 4, Backpressure: PolicyBlock})
	pub, err := ch.AcquirePublisher()
	if err != nil {
		t.Fatal(err)
	}
	sub := ch.Subscribe(false)

	ctx := context.Background()
	for i := uint64(0); i < 10; i++ {
		if err := pub.Publish(ctx, textEnvelope("s1", i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	for i := uint64(0); i < 10; i++ {
		env, err := sub.Recv(ctx)
		if err != nil {
			t.Fatalf("recv %d: %v", i, err)
		}
		if *env.Sequence != i {
			t.Fatalf("out of order: want %d got %d", i, *env.Sequence)
		}
	}
}

func TestSecondPublisherRejected(t *testing.T) {
	ch := New(Config{Capacity: 2})
	if _, err := ch.AcquirePublisher(); err != nil {
		t.Fatal(err)
	}
	if _, err := ch.AcquirePublisher(); err == nil {
		t.Fatal("expected exclusive-publisher error")
	}
}

func TestBlockBackpressureResumesOnDrain(t *testing.T) {
	ch := New(Config{Capacity: 2, Backpressure: PolicyBlock})
	pub, _ := ch.AcquirePublisher()
	sub := ch.Subscribe(false)
	ctx := context.Background()

	for i := uint64(0); i < 2; i++ {
		if err := pub.Publish(ctx, textEnvelope("s1", i)); err != nil {
			t.Fatal(err)
		}
	}

	published := make(chan struct{})
	go func() {
		_ = pub.Publish(ctx, textEnvelope("s1", 2))
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should have blocked while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := sub.Recv(ctx); err != nil {
		t.Fatal(err)
	}

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish did not resume after drain")
	}
}

func TestDropNewestIncrementsCounter(t *testing.T) {
	ch := New(Config{Capacity: 1, Backpressure: PolicyDropNewest})
	pub, _ := ch.AcquirePublisher()
	sub := ch.Subscribe(false)
	ctx := context.Background()

	_ = pub.Publish(ctx, textEnvelope("s1", 0))
	_ = pub.Publish(ctx, textEnvelope("s1", 1)) // dropped, queue full

	if got := ch.Drops(); got != 1 {
		t.Fatalf("want 1 drop, got %d", got)
	}
	env, err := sub.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if *env.Sequence != 0 {
		t.Fatalf("expected first sample to survive, got seq %d", *env.Sequence)
	}
}

func TestMultipleSubscribersEachSeeEverySample(t *testing.T) {
	ch := New(Config{Capacity: 8, Backpressure: PolicyBlock})
	pub, _ := ch.AcquirePublisher()
	subA := ch.Subscribe(false)
	subB := ch.Subscribe(false)
	ctx := context.Background()

	for i := uint64(0); i < 5; i++ {
		_ = pub.Publish(ctx, textEnvelope("s1", i))
	}

	var wg sync.WaitGroup
	count := func(s *Subscriber) int {
		n := 0
		for i := 0; i < 5; i++ {
			if _, err := s.Recv(ctx); err != nil {
				t.Error(err)
				return n
			}
			n++
		}
		return n
	}
	wg.Add(2)
	var gotA, gotB int
	go func() { defer wg.Done(); gotA = count(subA) }()
	go func() { defer wg.Done(); gotB = count(subB) }()
	wg.Wait()
	if gotA != 5 || gotB != 5 {
		t.Fatalf("want both subscribers to see 5 samples, got %d and %d", gotA, gotB)
	}
}

func TestPublisherCloseDrainsAndSignalsEOF(t *testing.T) {
	ch := New(Config{Capacity: 4})
	pub, _ := ch.AcquirePublisher()
	sub := ch.Subscribe(false)
	ctx := context.Background()

	_ = pub.Publish(ctx, textEnvelope("s1", 0))
	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := sub.Recv(ctx); err != nil {
		t.Fatalf("first sample should still be readable after close: %v", err)
	}
	if _, err := sub.Recv(ctx); err != ErrEOF {
		t.Fatalf("want ErrEOF, got %v", err)
	}
}

func TestLoanLeakDetectedAtClose(t *testing.T) {
	ch := New(Config{Capacity: 4})
	pub, _ := ch.AcquirePublisher()

	loan := pub.NewLoan(textEnvelope("s1", 0))
	_ = loan // never Send() or Release()d: a leaked loan

	if err := pub.Close(); err == nil {
		t.Fatal("expected loan-leak error from Close")
	}
}

func TestLoanResolvedCleanly(t *testing.T) {
	ch := New(Config{Capacity: 4})
	pub, _ := ch.AcquirePublisher()
	sub := ch.Subscribe(false)
	ctx := context.Background()

	loan := pub.NewLoan(textEnvelope("s1", 0))
	if err := loan.Send(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := sub.Recv(ctx); err != nil {
		t.Fatal(err)
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("clean loan resolution must not error at close: %v", err)
	}
}

func TestLivenessExpiryFreesSubscriberSlot(t *testing.T) {
	ch := New(Config{Capacity: 1, Backpressure: PolicyBlock, LivenessTimeout: time.Millisecond})
	pub, _ := ch.AcquirePublisher()
	sub := ch.Subscribe(false)
	ctx := context.Background()

	_ = pub.Publish(ctx, textEnvelope("s1", 0))
	// consume so the slot empties, then let the subscriber go stale.
	if _, err := sub.Recv(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if alive := sub.CheckLiveness(); alive {
		t.Fatal("expected subscriber to be marked dead after liveness timeout")
	}

	// Publisher should not be blocked by the now-dead subscriber.
	done := make(chan struct{})
	go func() {
		_ = pub.Publish(ctx, textEnvelope("s1", 1))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a dead subscriber")
	}
}
