package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// newTestStreamHandle builds a standalone StreamHandle wired to one sink
// channel, bypassing graph.Compile/Scheduler entirely so the adapter's
// websocket framing can be exercised without a live pipeline.
func newTestStreamHandle(t *testing.T) (*StreamHandle, *channel.Publisher, chan error) {
	t.Helper()
	m := NewManager(nil)
	sess, err := m.Create(context.Background(), CreateOptions{SessionID: "stream-adapter-test-session"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	ch := channel.New(channel.Config{Capacity: 16})
	pub, err := ch.AcquirePublisher()
	if err != nil {
		t.Fatalf("AcquirePublisher: %v", err)
	}
	sub := ch.Subscribe(false)

	done := make(chan error, 1)
	handle := &StreamHandle{
		Session: sess,
		Inputs:  map[string]map[string]*channel.Publisher{},
		Outputs: map[string]map[string]*channel.Subscriber{"sink": {"out": sub}},
		done:    done,
	}
	return handle, pub, done
}

// TestStreamAdapterEmitsErrorFrameBeforeClose pins spec.md:244/278 (scenario
// S4): on a fatal scheduler error the client must see every already-produced
// sample, then exactly one error frame, then the socket closes.
func TestStreamAdapterEmitsErrorFrameBeforeClose(t *testing.T) {
	handle, pub, done := newTestStreamHandle(t)
	adapter := NewStreamAdapter(handle)

	srv := httptest.NewServer(adapter)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	for i := 0; i < 3; i++ {
		env := &runtimedata.Envelope{
			Tag:         runtimedata.TagText,
			Text:        &runtimedata.Text{Value: "sample"},
			SessionID:   handle.Session.ID,
			TimestampNs: int64(i),
		}
		if err := pub.Publish(context.Background(), env); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	cause := taxonomy.New(taxonomy.KindWorkerCrashed, "worker exited").
		WithNode("encoder", "ffmpeg_worker").
		WithContext("exit_code", 137)

	var frames []wsFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var f wsFrame
		if jerr := json.Unmarshal(raw, &f); jerr != nil {
			t.Fatalf("unmarshal frame: %v", jerr)
		}
		frames = append(frames, f)
		if f.Error != nil {
			break
		}
		if len(frames) == 3 {
			// Exactly 3 samples were published; signal the scheduler failure
			// once they've all been observed so the error frame is known to
			// come after them rather than racing ahead of delivery.
			done <- cause
		}
	}

	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4 (3 samples + 1 error): %+v", len(frames), frames)
	}
	for i, f := range frames[:3] {
		if f.Error != nil {
			t.Fatalf("frame %d carried an error before all samples were delivered", i)
		}
	}
	errFrame := frames[3]
	if errFrame.Error == nil {
		t.Fatal("expected the 4th frame to carry the error envelope")
	}
	if errFrame.Error.Kind != string(taxonomy.KindWorkerCrashed) {
		t.Fatalf("error kind = %q, want %q", errFrame.Error.Kind, taxonomy.KindWorkerCrashed)
	}
	if errFrame.Error.NodeID != "encoder" {
		t.Fatalf("error node_id = %q, want %q", errFrame.Error.NodeID, "encoder")
	}
	if got, ok := errFrame.Error.Context["exit_code"]; !ok || got != float64(137) {
		t.Fatalf("error context[exit_code] = %v, want 137", got)
	}

	// The connection must close immediately after the error frame: the next
	// read should fail rather than yield another data frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected connection to close after the error frame")
	}
}
