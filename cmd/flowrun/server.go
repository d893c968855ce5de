package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/config"
	"github.com/BaSui01/flowrun/internal/dispatch"
	"github.com/BaSui01/flowrun/internal/facade"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/internal/server"
	"github.com/BaSui01/flowrun/internal/store"
	"github.com/BaSui01/flowrun/llm"
	"github.com/BaSui01/flowrun/objectstore"
	"github.com/BaSui01/flowrun/tools"
	"github.com/BaSui01/flowrun/workflow/nodes"
)

// Server wires the whole runtime: the session store, an in-process worker,
// the dispatcher and the client-facing HTTP surface.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store      *store.Store
	worker     *dispatch.Worker
	dispatcher *dispatch.Dispatcher
	collector  *metrics.Collector

	httpManager *server.Manager

	workerCancel context.CancelFunc
	workerDone   chan struct{}
	limitCancel  context.CancelFunc
}

// NewServer builds all components from the configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	st, err := store.New(cfg.Redis, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect session store: %w", err)
	}

	clients, err := buildClients(cfg, logger)
	if err != nil {
		return nil, err
	}
	worker, err := dispatch.NewWorker(cfg.Worker, st, nodes.DefaultRegistry(), clients, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build worker: %w", err)
	}

	collector := metrics.NewCollector(cfg.Metrics.Namespace, logger)
	return &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		worker:     worker.WithMetrics(collector),
		dispatcher: dispatch.NewDispatcher(st, logger).WithMetrics(collector),
		collector:  collector,
	}, nil
}

// buildClients assembles the external service clients shared by all node
// runners on this worker.
func buildClients(cfg *config.Config, logger *zap.Logger) (*nodes.Clients, error) {
	clients := &nodes.Clients{
		Tools: tools.DefaultRegistry(),
	}

	if cfg.LLM.APIKey != "" {
		clients.LLM = llm.NewOpenAI(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model)
		logger.Info("LLM provider initialized", zap.String("model", cfg.LLM.Model))
	} else {
		logger.Warn("No LLM API key configured, llm nodes will fail")
	}

	switch cfg.ObjectStore.Provider {
	case "cos":
		objects, err := objectstore.NewCOS(cfg.ObjectStore.BucketURL, cfg.ObjectStore.SecretID, cfg.ObjectStore.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("failed to build object store: %w", err)
		}
		clients.Objects = objects
	default:
		clients.Objects = objectstore.NewMemory()
	}
	return clients, nil
}

// definitionSource serves stored workflows from the configured directory,
// or nil when only inline definitions are accepted.
func definitionSource(cfg *config.Config) facade.DefinitionSource {
	if cfg.Facade.WorkflowDir == "" {
		return nil
	}
	return facade.NewDirSource(cfg.Facade.WorkflowDir)
}

// Start launches the worker loop and the HTTP facade.
func (s *Server) Start() error {
	workerCtx, cancel := context.WithCancel(context.Background())
	s.workerCancel = cancel
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		if err := s.worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			s.logger.Error("worker exited", zap.Error(err))
		}
	}()

	limitCtx, limitCancel := context.WithCancel(context.Background())
	s.limitCancel = limitCancel

	mux := http.NewServeMux()
	mux.Handle("/api/v1/workflow/invoke",
		facade.NewInvokeHandler(s.store, s.dispatcher, definitionSource(s.cfg), s.cfg.Facade.InvokeWait, s.logger))
	mux.Handle("/api/v1/workflow/ws",
		facade.NewWSHandler(s.store, s.dispatcher, s.cfg.Facade.WSPoll, s.logger))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle(s.cfg.Metrics.Path, promhttp.Handler())

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
	}
	if s.cfg.Facade.RateLimit > 0 {
		middlewares = append(middlewares,
			RateLimiter(limitCtx, s.cfg.Facade.RateLimit, s.cfg.Facade.RateBurst, s.logger))
	}
	handler := Chain(mux, middlewares...)

	s.httpManager = server.NewManager(handler, s.cfg.Server, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("flowrun started",
		zap.String("addr", s.cfg.Server.Addr),
		zap.String("worker_id", s.cfg.Worker.ID),
	)
	return nil
}

// WaitForShutdown blocks until a signal, then stops in dependency order:
// facade first so no new sessions arrive, then the worker, then the store.
func (s *Server) WaitForShutdown() {
	s.httpManager.WaitForShutdown()

	s.limitCancel()
	s.workerCancel()
	<-s.workerDone
	s.worker.Close()

	if err := s.store.Close(); err != nil {
		s.logger.Warn("store close failed", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Client().Ping(ctx).Err(); err != nil {
		facade.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"redis":  err.Error(),
		})
		return
	}
	facade.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	facade.WriteJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}
