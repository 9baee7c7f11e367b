// Command runtimed is the core execution substrate's process entrypoint: it
// wires the node registry and the session orchestrator, exposes the unary
// and streaming invocation surfaces over HTTP (spec §6.2), and serves
// prometheus metrics. SIGTERM/SIGINT trip a process-wide cancellation that
// every in-flight session observes cooperatively (spec §5 "Cancellation
// semantics").
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/codec"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/config"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/graph"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/logging"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/manifest"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/registry"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/runtimedata"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/session"
	"github.com/matbeedotcom/remotemedia-sdk-sub010/internal/taxonomy"
)

func main() {
	configPath := flag.String("config", "runtimed.json", "path to runtime config (created with defaults if missing)")
	httpAddr := flag.String("http.addr", ":8080", "address to serve the invocation API on")
	flag.Parse()

	logger := logging.Logger()

	cfg, created, err := config.Ensure(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if created {
		logger.Info("wrote default config", "path", *configPath)
	}

	reg := prometheus.NewRegistry()
	metrics := taxonomy.NewMetrics(reg)

	nodeRegistry := registry.New(metrics)
	registerBuiltinNodeTypes(nodeRegistry)

	orch := session.NewOrchestrator(nodeRegistry, metrics)
	orch.DefaultEdgeConfig = cfg.EdgeConfig()
	orch.DefaultMaxPeers = cfg.Session.MaxPeers
	orch.DefaultCleanup = time.Duration(cfg.Session.CleanupDeadlineSecs) * time.Second

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/v1/execute", executeHandler(orch, cfg))
	mux.Handle("/v1/stream", streamHandler(orch, cfg))

	srv := &http.Server{Addr: *httpAddr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// Request contexts derive from ctx, so a signal cancels every session
	// created from a request.
	srv.BaseContext = func(net.Listener) context.Context { return ctx }

	go func() {
		logger.Info("runtimed listening", "addr", *httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.EdgeConfig().LivenessTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// registerBuiltinNodeTypes registers the only node type this runtime ships
// natively: a raw passthrough (spec §1 "concrete codecs are out of scope" —
// any other node type has to be added through registry.Register, for
// example with a worker-bridged factory; none is baked into this binary).
func registerBuiltinNodeTypes(reg *registry.Registry) {
	err := reg.Register(registry.Registration{
		NodeType: "passthrough",
		Params:   manifest.Descriptor{},
		IO:       graph.IOSpec{Inputs: []string{manifest.DefaultInputKey}, Outputs: []string{manifest.DefaultOutputKey}},
		Retry:    graph.DefaultRetryPolicy(),
		Native:   func() graph.NodeHandle { return &passthroughNode{codec: codec.NewPassthrough()} },
	})
	if err != nil {
		logging.Logger().Error("failed to register builtin node type", "node_type", "passthrough", "error", err)
	}
}

// passthroughNode forwards its single input to its single output unchanged,
// via codec.Passthrough's Resample (an identity transform) — useful as a
// manifest no-op stage and in tests that need a minimal real node type.
type passthroughNode struct {
	codec *codec.Passthrough
}

func (n *passthroughNode) Initialize(ctx context.Context, params json.RawMessage) error { return nil }

func (n *passthroughNode) Process(ctx context.Context, inputs map[string]*runtimedata.Envelope) (map[string]*runtimedata.Envelope, error) {
	in, ok := inputs[manifest.DefaultInputKey]
	if !ok {
		return nil, taxonomy.New(taxonomy.KindNodeExecution, "passthrough: missing input")
	}
	out, err := n.codec.Resample(in)
	if err != nil {
		return nil, taxonomy.Wrap(taxonomy.KindNodeExecution, err, "passthrough: resample failed")
	}
	return map[string]*runtimedata.Envelope{manifest.DefaultOutputKey: out}, nil
}

func (n *passthroughNode) Cleanup(ctx context.Context) error { return n.codec.Close() }

// executeRequest/executeResponse are the HTTP JSON bodies for spec §6.2's
// unary `execute(manifest, inputs)` invocation.
type executeRequest struct {
	Manifest json.RawMessage                      `json:"manifest"`
	Inputs   map[string]map[string]json.RawMessage `json:"inputs"`
}

func executeHandler(orch *session.Orchestrator, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		m, err := manifest.Parse(req.Manifest)
		if err != nil {
			http.Error(w, "invalid manifest: "+err.Error(), http.StatusBadRequest)
			return
		}

		inputs, err := decodeInputEnvelopes(req.Inputs)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := orch.Execute(r.Context(), m, inputs, session.ExecuteOpts{
			MaxDuration: time.Duration(cfg.Session.MaxDurationSecs) * time.Second,
		})
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func streamHandler(orch *session.Orchestrator, cfg config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		manifestJSON := []byte(r.URL.Query().Get("manifest"))
		m, err := manifest.Parse(manifestJSON)
		if err != nil {
			http.Error(w, "invalid manifest: "+err.Error(), http.StatusBadRequest)
			return
		}

		handle, err := orch.Stream(r.Context(), m, session.StreamOpts{
			MaxDuration: time.Duration(cfg.Session.MaxDurationSecs) * time.Second,
			EdgeConfig:  cfg.EdgeConfig(),
		})
		if err != nil {
			writeTaxonomyError(w, err)
			return
		}

		session.NewStreamAdapter(handle).ServeHTTP(w, r)
	}
}

func decodeInputEnvelopes(raw map[string]map[string]json.RawMessage) (map[string]map[string]*runtimedata.Envelope, error) {
	out := make(map[string]map[string]*runtimedata.Envelope, len(raw))
	for nodeID, keys := range raw {
		out[nodeID] = make(map[string]*runtimedata.Envelope, len(keys))
		for key, data := range keys {
			var env runtimedata.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				return nil, taxonomy.Wrapf(taxonomy.KindValidation, err, "inputs[%s][%s]: malformed envelope", nodeID, key)
			}
			out[nodeID][key] = &env
		}
	}
	return out, nil
}

func writeTaxonomyError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch taxonomy.KindOf(err) {
	case taxonomy.KindValidation, taxonomy.KindGraph:
		status = http.StatusBadRequest
	case taxonomy.KindResourceLimit:
		status = http.StatusTooManyRequests
	case taxonomy.KindCancelled:
		status = http.StatusRequestTimeout
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
