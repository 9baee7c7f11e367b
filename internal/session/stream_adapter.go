package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/channel"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/logging"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

// wsFrame is the wire envelope of spec §6.2's "wire envelope format": a
// node/key-addressed RuntimeData sample carried over the websocket
// connection in both directions. A frame carries either Data (a normal
// sample) or Error (the terminal error envelope spec.md:244 requires be
// emitted immediately before EOF on a failed stream) — never both.
type wsFrame struct {
	Node  string          `json:"node"`
	Key   string          `json:"key,omitempty"`
	Data  []byte          `json:"data,omitempty"` // runtimedata.Serialize output
	Error *wsErrorPayload `json:"error,omitempty"`
}

// wsErrorPayload mirrors taxonomy.Error's {kind, node_id, node_type, message,
// context} shape (spec §4.6) for the one terminal error frame a stream emits
// before closing (spec.md:244, scenario S4 at spec.md:278).
type wsErrorPayload struct {
	Kind     string         `json:"kind"`
	NodeID   string         `json:"node_id,omitempty"`
	NodeType string         `json:"node_type,omitempty"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
}

// newWSErrorPayload converts err into the wire error shape, falling back to
// KindInternal for errors that never passed through the taxonomy package.
func newWSErrorPayload(err error) *wsErrorPayload {
	if te, ok := taxonomy.As(err); ok {
		return &wsErrorPayload{
			Kind:     string(te.Kind),
			NodeID:   te.NodeID,
			NodeType: te.NodeType,
			Message:  te.Message,
			Context:  te.Context,
		}
	}
	return &wsErrorPayload{Kind: string(taxonomy.KindInternal), Message: err.Error()}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// StreamAdapter bridges a StreamHandle's node-addressed input/output
// channels to a single websocket connection, implementing the transport half
// of spec §6.2 `stream(manifest, input_stream) -> output_stream`. Input
// frames name which source node/key they feed; output frames are tagged with
// the sink node/key they came from, so one connection can drive a graph with
// multiple sources and sinks (spec §4.5 "Streaming").
type StreamAdapter struct {
	handle *StreamHandle
	logger *slog.Logger
}

// NewStreamAdapter wraps handle for websocket transport.
func NewStreamAdapter(handle *StreamHandle) *StreamAdapter {
	return &StreamAdapter{
		handle: handle,
		logger: logging.WithSession(logging.Logger(), handle.Session.ID),
	}
}

// ServeHTTP upgrades the request to a websocket connection and pumps frames
// until the client disconnects or the stream terminates, whichever comes
// first. On return, the underlying stream session has been cancelled.
func (a *StreamAdapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	defer a.handle.Cancel()

	readerDone := make(chan struct{})
	go a.pumpInbound(conn, readerDone)
	a.pumpOutbound(conn, readerDone)
}

// pumpInbound reads client frames and publishes them onto the matching
// source node's input channel, until the socket closes.
func (a *StreamAdapter) pumpInbound(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			a.logger.Warn("stream: malformed inbound frame", "error", err)
			continue
		}
		keys, ok := a.handle.Inputs[frame.Node]
		if !ok {
			a.logger.Warn("stream: inbound frame for unknown source node", "node", frame.Node)
			continue
		}
		pub, ok := keys[frame.Key]
		if !ok {
			a.logger.Warn("stream: inbound frame for unknown input key", "node", frame.Node, "key", frame.Key)
			continue
		}
		env, err := runtimedata.Deserialize(frame.Data)
		if err != nil {
			a.logger.Warn("stream: failed to decode inbound envelope", "node", frame.Node, "error", err)
			continue
		}
		if err := pub.Publish(a.handle.Session.Cancel.Context(), env); err != nil {
			if !taxonomy.IsCancelled(err) {
				a.logger.Error("stream: publish failed", "node", frame.Node, "error", err)
			}
			return
		}
	}
}

type outboundSample struct {
	node, key string
	env       *runtimedata.Envelope
}

// pumpOutbound runs one goroutine per sink channel that drains it onto a
// shared results channel, and a single writer loop that serializes frames
// onto the connection — gorilla/websocket connections are not safe for
// concurrent writers, so only this loop ever calls WriteMessage.
func (a *StreamAdapter) pumpOutbound(conn *websocket.Conn, readerDone <-chan struct{}) {
	results := make(chan outboundSample, 64)
	stop := make(chan struct{})
	var stopOnce closeOnce

	for node, keys := range a.handle.Outputs {
		for key, sub := range keys {
			go drainSink(a.handle.Session.Cancel.Context(), node, key, sub, results, stop)
		}
	}

	done := a.handle.Done()
	for {
		select {
		case o := <-results:
			if !a.writeSample(conn, o) {
				stopOnce.close(stop)
				return
			}
		case err := <-done:
			stopOnce.close(stop)
			// Drain whatever samples are already queued so the error envelope
			// lands after every sample the scheduler actually produced (spec
			// §8.1 scenario S4: "exactly N outputs ..., then one error
			// envelope ..., then EOF").
			a.drainPending(conn, results)
			if err != nil {
				a.logger.Info("stream: terminated", "error", err)
				frame, merr := json.Marshal(wsFrame{Error: newWSErrorPayload(err)})
				if merr != nil {
					a.logger.Error("stream: failed to marshal error frame", "error", merr)
				} else {
					conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
					if werr := conn.WriteMessage(websocket.TextMessage, frame); werr != nil {
						return
					}
				}
			}
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case <-readerDone:
			stopOnce.close(stop)
			return
		}
	}
}

// writeSample serializes and writes one outbound sample, returning false if
// the write failed (the caller must stop the writer loop in that case).
func (a *StreamAdapter) writeSample(conn *websocket.Conn, o outboundSample) bool {
	data, err := runtimedata.Serialize(o.env)
	if err != nil {
		a.logger.Error("stream: failed to encode outbound envelope", "node", o.node, "error", err)
		return true
	}
	frame, err := json.Marshal(wsFrame{Node: o.node, Key: o.key, Data: data})
	if err != nil {
		a.logger.Error("stream: failed to marshal frame", "error", err)
		return true
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, frame) == nil
}

// drainPending flushes every sample already buffered in results without
// blocking, so a stream's final samples aren't dropped or reordered after
// the error/EOF frame.
func (a *StreamAdapter) drainPending(conn *websocket.Conn, results <-chan outboundSample) {
	for {
		select {
		case o := <-results:
			if !a.writeSample(conn, o) {
				return
			}
		default:
			return
		}
	}
}

// drainSink forwards every envelope sub yields onto results until ctx is
// cancelled, the channel hits EOF, or stop closes.
func drainSink(ctx context.Context, node, key string, sub *channel.Subscriber, results chan<- outboundSample, stop <-chan struct{}) {
	for {
		env, err := sub.Recv(ctx)
		if err != nil {
			return
		}
		select {
		case results <- outboundSample{node: node, key: key, env: env}:
		case <-stop:
			return
		}
	}
}

// closeOnce closes a channel at most once; the scheduler goroutine and the
// done-signal case can both race to tear down the writer loop.
type closeOnce struct {
	done bool
}

func (c *closeOnce) close(ch chan struct{}) {
	if c.done {
		return
	}
	c.done = true
	close(ch)
}
