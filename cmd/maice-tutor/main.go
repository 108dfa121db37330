// Command maice-tutor wires every MAICE agent onto the bus, starts a
// demo HTTP/SSE front door over the Router, and serves Prometheus
// metrics — the same wiring shape as the teacher's `cmd/hector serve`
// (load config, build the agent graph, start transports, wait for
// signal or error, shut down with a bounded timeout), generalized from
// hector's gRPC/REST/JSON-RPC A2A server trio to MAICE's single
// chat-over-SSE endpoint. The real front door is an external
// collaborator per spec §1 Non-goals; this binary exists to prove the
// orchestration core actually runs end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/maice-tutor/orchestrator/pkg/answerer"
	"github.com/maice-tutor/orchestrator/pkg/bus"
	"github.com/maice-tutor/orchestrator/pkg/clarifier"
	"github.com/maice-tutor/orchestrator/pkg/classifier"
	"github.com/maice-tutor/orchestrator/pkg/config"
	"github.com/maice-tutor/orchestrator/pkg/contextassembler"
	"github.com/maice-tutor/orchestrator/pkg/llm"
	"github.com/maice-tutor/orchestrator/pkg/logger"
	"github.com/maice-tutor/orchestrator/pkg/metrics"
	"github.com/maice-tutor/orchestrator/pkg/observer"
	"github.com/maice-tutor/orchestrator/pkg/prompt"
	"github.com/maice-tutor/orchestrator/pkg/router"
	"github.com/maice-tutor/orchestrator/pkg/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	logger.Init(level, os.Stdout, cfg.LogFormat)
	lg := logger.GetLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := bus.NewRedis(ctx, cfg.BusURL)
	if err != nil {
		log.Fatalf("connect bus: %v", err)
	}

	pool, err := pgxpool.New(ctx, cfg.RepositoryURL)
	if err != nil {
		log.Fatalf("connect repository: %v", err)
	}
	defer pool.Close()
	repo := session.NewPostgresRepository(pool)

	metricsCfg := &metrics.Config{Enabled: cfg.MetricsEnabled, Endpoint: cfg.MetricsEndpoint}
	metricsCfg.SetDefaults()
	m, err := metrics.New(metricsCfg)
	if err != nil {
		log.Fatalf("init metrics: %v", err)
	}

	assembler, err := contextassembler.New(repo, b, cfg.LLM.AnswerModel)
	if err != nil {
		log.Fatalf("init context assembler: %v", err)
	}

	classifierLLM, clarifierLLM, answerLLM, observerLLM, err := buildProviders(ctx, cfg, m)
	if err != nil {
		log.Fatalf("init LLM providers: %v", err)
	}

	classifierCfg, err := prompt.Load(filepath.Join(cfg.PromptDir, "classifier.yaml"))
	if err != nil {
		log.Fatalf("load classifier prompts: %v", err)
	}
	clarifierCfg, err := prompt.Load(filepath.Join(cfg.PromptDir, "clarifier.yaml"))
	if err != nil {
		log.Fatalf("load clarifier prompts: %v", err)
	}
	answererCfg, err := prompt.Load(filepath.Join(cfg.PromptDir, "answerer.yaml"))
	if err != nil {
		log.Fatalf("load answerer prompts: %v", err)
	}
	observerCfg, err := prompt.Load(filepath.Join(cfg.PromptDir, "observer.yaml"))
	if err != nil {
		log.Fatalf("load observer prompts: %v", err)
	}

	c4 := &classifier.Classifier{
		Bus: b, Repo: repo, LLM: classifierLLM, Config: classifierCfg,
		Model: cfg.LLM.ClassifierModel, Timeout: cfg.ClassifierLLMTimeout, Retries: 3,
	}
	c5 := clarifier.New(b, clarifierLLM, clarifierCfg, cfg.LLM.ClarifierModel, cfg.ClarifierLLMTimeout, cfg.MaxClarifications)
	c6 := &answerer.Answerer{
		Bus: b, LLM: answerLLM, Config: answererCfg,
		Model: cfg.LLM.AnswerModel, Timeout: cfg.AnswerLLMTimeout, Retries: cfg.ChunkSendRetries,
	}
	c7 := &observer.Observer{
		Bus: b, Repo: repo, LLM: observerLLM, Config: observerCfg,
		Model: cfg.LLM.ObserverModel, Timeout: cfg.ObserverLLMTimeout,
	}

	r := router.New(b, repo, assembler)
	r.Clarifier = c5
	r.Metrics = m
	r.PhaseTimeout = cfg.RelayTimeout

	agentErrCh := make(chan error, 4)
	runAgent := func(name string, run func(context.Context) error) {
		go func() {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				agentErrCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}
	runAgent("classifier", c4.Run)
	runAgent("clarifier", c5.Run)
	runAgent("answerer", c6.Run)
	runAgent("observer", c7.Run)

	srv := newServer(cfg.HTTPAddr, r, m)
	httpErrCh := make(chan error, 1)
	go func() {
		lg.Info("http front door listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		lg.Info("shutting down")
	case err := <-agentErrCh:
		lg.Error("agent loop exited", "error", err)
	case err := <-httpErrCh:
		lg.Error("http server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown error", "error", err)
	}
	cancel()
}

func buildProviders(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (classifierLLM, clarifierLLM, answerLLM, observerLLM llm.Provider, err error) {
	classifierLLM, err = llm.New(ctx, cfg.LLM.ClassifierProvider, cfg.LLM)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("classifier provider: %w", err)
	}
	clarifierLLM, err = llm.New(ctx, cfg.LLM.ClarifierProvider, cfg.LLM)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("clarifier provider: %w", err)
	}
	answerLLM, err = llm.New(ctx, cfg.LLM.AnswerProvider, cfg.LLM)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("answer provider: %w", err)
	}
	observerLLM, err = llm.New(ctx, cfg.LLM.ObserverProvider, cfg.LLM)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("observer provider: %w", err)
	}

	classifierLLM = llm.WithMetrics(classifierLLM, m)
	clarifierLLM = llm.WithMetrics(clarifierLLM, m)
	answerLLM = llm.WithMetrics(answerLLM, m)
	observerLLM = llm.WithMetrics(observerLLM, m)
	return classifierLLM, clarifierLLM, answerLLM, observerLLM, nil
}
