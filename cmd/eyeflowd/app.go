// Command eyeflowd is the compiled-workflow runtime process: it loads
// eyeflowd's configuration, wires every component (C1-C10 in spec terms)
// together, and exposes a small cobra CLI (serve/deploy/replay) over them —
// following C360Studio-semspec's cmd/semspec App-struct wiring pattern and
// its signal.NotifyContext-driven main.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mbathe/eyeflow/approval"
	"github.com/mbathe/eyeflow/connector"
	"github.com/mbathe/eyeflow/dispatch"
	"github.com/mbathe/eyeflow/fsm"
	"github.com/mbathe/eyeflow/fsmstate"
	"github.com/mbathe/eyeflow/graph"
	"github.com/mbathe/eyeflow/graph/emit"
	"github.com/mbathe/eyeflow/graph/model"
	"github.com/mbathe/eyeflow/graph/model/anthropic"
	"github.com/mbathe/eyeflow/graph/model/google"
	"github.com/mbathe/eyeflow/graph/model/openai"
	"github.com/mbathe/eyeflow/graph/tool"
	"github.com/mbathe/eyeflow/internal/config"
	"github.com/mbathe/eyeflow/llm"
	"github.com/mbathe/eyeflow/llmpipeline"
	"github.com/mbathe/eyeflow/pipeline"
	"github.com/mbathe/eyeflow/sandbox"
	"github.com/mbathe/eyeflow/trigger"
	"github.com/mbathe/eyeflow/window"

	natsgo "github.com/nats-io/nats.go"
)

// App wires together every component built for this runtime. NewApp
// constructs every component; Start adds the NATS connection and the HTTP
// server.
type App struct {
	cfg config.Config

	Emitter     emit.Emitter
	Sandbox     *sandbox.Sandbox
	Window      *window.Manager
	Approval    *approval.Coordinator
	Store       *fsmstate.Store
	Connector   *connector.Dispatcher
	Caller      *llm.Caller
	LLMPipe     *llmpipeline.Runner
	Executor    *pipeline.Executor
	Dispatch    *dispatch.Dispatcher
	Runtime     *fsm.Runtime
	CostTracker *graph.CostTracker
	Metrics     *graph.PrometheusMetrics

	metricsRegistry *prometheus.Registry
	natsConn        *natsgo.Conn
	httpSrv         *http.Server
}

// NewApp builds every component from cfg but does not start any
// goroutines or network listeners — that happens in Start.
func NewApp(cfg config.Config) (*App, error) {
	a := &App{cfg: cfg}
	a.Emitter = emit.NewLogEmitter(os.Stderr, true)
	a.Sandbox = sandbox.New()
	a.Window = window.New()
	a.Approval = approval.New(a.Emitter)

	backend, err := a.stateBackend()
	if err != nil {
		return nil, fmt.Errorf("app: state backend: %w", err)
	}
	a.Store = fsmstate.New(backend, a.Emitter)

	registry := llm.NewProviderRegistry()
	if cfg.OpenAIAPIKey != "" {
		registry.Register("openai", cfg.OpenAIAPIKey, func(apiKey, modelName string) model.ChatModel {
			return openai.NewChatModel(apiKey, modelName)
		})
	}
	if cfg.AnthropicAPIKey != "" {
		registry.Register("anthropic", cfg.AnthropicAPIKey, func(apiKey, modelName string) model.ChatModel {
			return anthropic.NewChatModel(apiKey, modelName)
		})
	}
	if cfg.GoogleAPIKey != "" {
		registry.Register("google", cfg.GoogleAPIKey, func(apiKey, modelName string) model.ChatModel {
			return google.NewChatModel(apiKey, modelName)
		})
	}
	a.metricsRegistry = prometheus.NewRegistry()
	a.Metrics = graph.NewPrometheusMetrics(a.metricsRegistry)
	a.CostTracker = graph.NewCostTracker("eyeflowd", "USD")

	a.Caller = llm.New(registry, a.CostTracker, a.Emitter)
	a.LLMPipe = llmpipeline.New(a.Caller, a.Emitter, a.Metrics)

	connRegistry := connector.NewStaticRegistry()
	a.Connector = connector.New(connRegistry, staticVault{}, tool.NewHTTPTool(), a.Emitter)

	a.Executor = pipeline.New(a.Sandbox, a.Connector, a.Caller, a.LLMPipe, a.Approval, a.Emitter)
	a.Dispatch = dispatch.New(nil, a.Executor, a.Sandbox, a.Emitter)
	a.Runtime = fsm.New(a.Window, a.Approval, a.Store, a.Dispatch, a.Emitter)
	a.Runtime.Remote = a.Dispatch
	a.Runtime.Caller = a.Caller
	a.Runtime.Connector = a.Connector

	return a, nil
}

func (a *App) stateBackend() (fsmstate.Backend, error) {
	if a.cfg.StateStoreDSN == "" {
		return fsmstate.NewMemBackend(), nil
	}
	return fsmstate.NewSQLiteBackend(a.cfg.StateStoreDSN)
}

type staticVault struct{}

func (staticVault) Decrypt(ctx context.Context, connectorID, principalID string) (connector.Credentials, error) {
	return connector.Credentials{}, nil
}

// Start connects to NATS, subscribes the trigger source, and serves the
// approval REST API until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	conn, err := natsgo.Connect(a.cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("app: connect nats: %w", err)
	}
	a.natsConn = conn

	src := trigger.NewNATSSource(trigger.WrapNatsConn(conn), a.cfg.TriggerSubject, a.Emitter)
	go func() {
		if err := src.Run(ctx, a.Runtime.HandleTriggerEvent); err != nil && ctx.Err() == nil {
			a.Emitter.Emit(emit.Event{Msg: "trigger_source_stopped", Meta: map[string]interface{}{"error": err.Error()}})
		}
	}()

	mux := chi.NewRouter()
	mux.Mount("/approvals", approval.Router(a.Approval))
	mux.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	a.httpSrv = &http.Server{Addr: a.cfg.HTTPAddr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- a.httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return a.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	}
}

// Shutdown closes the HTTP listener, NATS connection, and window timers.
func (a *App) Shutdown(ctx context.Context) error {
	if a.httpSrv != nil {
		_ = a.httpSrv.Shutdown(ctx)
	}
	if a.natsConn != nil {
		a.natsConn.Drain()
	}
	a.Window.Shutdown()
	return nil
}
