// Package controlserver exposes the loopback-only control surface the
// desktop client and scripting SDK talk to. It composes the connection
// manager, execution manager, asset cache and credential store behind a
// small JSON HTTP API. The server binds exclusively to the loopback
// interface; it is a trusted local boundary with no authentication layer.
package controlserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/config"
	"github.com/driftworks/outpost/internal/execution"
	"github.com/driftworks/outpost/internal/orchestrator"
)

// Connection drives the orchestrator session on behalf of local clients.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Snapshot() orchestrator.Session
}

// Executions is the slice of the execution manager the control surface uses.
type Executions interface {
	StartExecution(ctx context.Context, job execution.Job) (string, error)
	CancelExecution(ctx context.Context, executionID string) error
	GetExecution(executionID string) (execution.Snapshot, bool)
	Output(executionID string, tail int) ([]execution.OutputLine, bool)
	HasActiveExecutions() bool
}

// Assets reads and refreshes the orchestrator asset cache.
type Assets interface {
	GetAsset(ctx context.Context, key string) (string, error)
	GetAllKeys(ctx context.Context) ([]string, error)
	Sync(ctx context.Context) error
}

// Credentials manages the stored machine credential.
type Credentials interface {
	HasCredential() bool
	Set(value string) error
	Clear() error
}

// Server is the local control server.
type Server struct {
	conn    Connection
	execs   Executions
	assets  Assets
	creds   Credentials
	store   *config.Store
	logger  *logger.Logger
	started time.Time

	mu          sync.RWMutex
	cfg         *config.Config
	machineName string

	httpServer *http.Server
}

// NewServer creates the control server. The configuration snapshot is
// owned by the server once constructed; updates go through the config
// endpoint and persist via the store.
func NewServer(cfg *config.Config, store *config.Store, conn Connection, execs Executions, assets Assets, creds Credentials, log *logger.Logger) *Server {
	s := &Server{
		conn:    conn,
		execs:   execs,
		assets:  assets,
		creds:   creds,
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("control-server"),
		started: time.Now(),
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	s.httpServer = &http.Server{
		// Loopback only. Not configurable; the port is.
		Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	return s
}

// SetMachineName records the display name learned during the handshake.
func (s *Server) SetMachineName(name string) {
	s.mu.Lock()
	s.machineName = name
	s.mu.Unlock()
}

// SetBackendURL records the backend address discovered during the
// handshake and persists it, so a restarted agent dials the backend
// directly. The server owns the config snapshot; all mutation goes
// through its lock.
func (s *Server) SetBackendURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if url == "" || url == s.cfg.Orchestrator.BackendURL {
		return
	}
	s.cfg.Orchestrator.BackendURL = url
	if err := s.store.Save(s.cfg); err != nil {
		s.logger.Warn("failed to persist discovered backend address", zap.Error(err))
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Router exposes the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/status", s.handleStatus)
	router.GET("/info", s.handleInfo)

	router.GET("/config", s.handleGetConfig)
	router.POST("/config", s.handleUpdateConfig)

	router.GET("/assets", s.handleListAssets)
	router.GET("/assets/:key", s.handleGetAsset)
	router.POST("/assets/sync", s.handleSyncAssets)

	router.POST("/execution/start", s.handleStartExecution)
	router.GET("/execution/:id", s.handleGetExecution)
	router.POST("/execution/:id/stop", s.handleStopExecution)
	router.GET("/execution/:id/output", s.handleExecutionOutput)

	router.GET("/registration/status", s.handleRegistrationStatus)
	router.POST("/registration", s.handleRegister)
	router.DELETE("/registration", s.handleDeregister)

	router.POST("/connect", s.handleConnect)
	router.POST("/disconnect", s.handleDisconnect)
}

// Start runs the HTTP server until the context is cancelled, then drains
// in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
