package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/testpilot-ai/testpilot/pkg/events"
	"github.com/testpilot-ai/testpilot/pkg/impact"
	"github.com/testpilot-ai/testpilot/pkg/knowledge"
	"github.com/testpilot-ai/testpilot/pkg/llm"
	"github.com/testpilot-ai/testpilot/pkg/orchestrator"
	"github.com/testpilot-ai/testpilot/pkg/status"
	"github.com/testpilot-ai/testpilot/pkg/storage"
	"github.com/testpilot-ai/testpilot/pkg/trigger"
)

// Deps wires the server to the core components. Launcher, tracker and the
// stores are required; the rest degrade gracefully when nil.
type Deps struct {
	Launcher   *orchestrator.Launcher
	Tracker    *status.Tracker
	Knowledge  knowledge.Store
	Embedder   knowledge.Embedder
	LLM        llm.Client
	Impact     *impact.Analyser
	Dispatcher *trigger.Dispatcher
	Triggers   *storage.TriggerStore
	Runs       *storage.RunStore
	Suites     *storage.SuiteStore
	Bus        *events.Bus
	Log        *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
}

// New builds the server and registers all routes.
func New(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(deps.Log), recovery(deps.Log))

	s := &Server{deps: deps, engine: engine}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.engine

	e.GET("/health", s.handleHealth)

	e.POST("/runs", s.handleStartRun)
	e.GET("/runs", s.handleListRuns)
	e.GET("/runs/:runId", s.handleGetRun)
	e.POST("/runs/:runId/cancel", s.handleCancelRun)

	e.POST("/suites", s.handleSaveSuite)
	e.GET("/suites", s.handleListSuites)
	e.GET("/suites/:suiteId", s.handleGetSuite)
	e.POST("/suites/:suiteId/run", s.handleRunSuite)
	e.GET("/suites/:suiteId/status", s.handleSuiteStatus)
	e.GET("/suites/:suiteId/runs/:suiteRunId", s.handleSuiteRunResult)
	e.POST("/suites/:suiteId/runs/:suiteRunId/cancel", s.handleCancelSuiteRun)

	e.POST("/knowledge/store", s.handleKnowledgeStore)
	e.POST("/knowledge/query", s.handleKnowledgeQuery)
	e.GET("/knowledge/similar/:runId", s.handleKnowledgeSimilar)
	e.POST("/knowledge/impact", s.handleKnowledgeImpact)
	e.GET("/knowledge/stats", s.handleKnowledgeStats)

	e.POST("/triggers", s.handleCreateTrigger)
	e.GET("/triggers", s.handleListTriggers)
	e.GET("/triggers/:triggerId", s.handleGetTrigger)
	e.PUT("/triggers/:triggerId", s.handleUpdateTrigger)
	e.DELETE("/triggers/:triggerId", s.handleDeleteTrigger)
	e.POST("/triggers/:triggerId/fire", s.handleFireTrigger)
	e.GET("/triggers/:triggerId/executions", s.handleTriggerExecutions)

	e.POST("/webhooks/:provider", s.handleWebhook)

	e.GET("/ws", s.handleWebsocket)
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on the given port until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info("HTTP server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
