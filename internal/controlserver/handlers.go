package controlserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/config"
	"github.com/driftworks/outpost/internal/execution"
	"github.com/driftworks/outpost/internal/orchestrator"
)

// Version is stamped at build time.
var Version = "dev"

func respondError(c *gin.Context, err error) {
	appErr := apperrors.AsAppError(err)
	c.JSON(appErr.HTTPStatus, appErr)
}

// handleHealth is the liveness probe.
// GET /health
func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "Healthy")
}

// handleStatus returns the connection and availability snapshot.
// GET /status
func (s *Server) handleStatus(c *gin.Context) {
	connected := s.conn.IsConnected()
	status := orchestrator.StatusDisconnected
	if connected {
		status = orchestrator.StatusAvailable
		if s.execs.HasActiveExecutions() {
			status = orchestrator.StatusBusy
		}
	}
	c.JSON(http.StatusOK, StatusResponse{
		IsConnected: connected,
		AgentStatus: string(status),
	})
}

// handleInfo describes the running agent.
// GET /info
func (s *Server) handleInfo(c *gin.Context) {
	s.mu.RLock()
	name := s.machineName
	dataDir := s.cfg.Agent.DataDir
	port := s.cfg.Server.Port
	s.mu.RUnlock()

	c.JSON(http.StatusOK, InfoResponse{
		Version:     Version,
		MachineName: name,
		DataDir:     dataDir,
		Port:        port,
		UptimeSecs:  int64(time.Since(s.started).Seconds()),
	})
}

// handleGetConfig returns the operator-facing configuration view.
// GET /config
func (s *Server) handleGetConfig(c *gin.Context) {
	s.mu.RLock()
	view := ConfigView{
		OrchestratorURL:   s.cfg.Orchestrator.URL,
		BackendURL:        s.cfg.Orchestrator.BackendURL,
		Port:              s.cfg.Server.Port,
		AutoConnect:       s.cfg.Agent.AutoConnect,
		LogLevel:          s.cfg.Logging.Level,
		HeartbeatInterval: s.cfg.Orchestrator.HeartbeatInterval,
		CancelGracePeriod: s.cfg.Agent.CancelGracePeriod,
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, view)
}

// handleUpdateConfig applies a partial configuration update and persists
// the result. The in-memory snapshot only changes after a successful
// validation and write.
// POST /config
func (s *Server) handleUpdateConfig(c *gin.Context) {
	var req ConfigUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid config body: "+err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := *s.cfg
	if req.OrchestratorURL != nil {
		updated.Orchestrator.URL = *req.OrchestratorURL
	}
	if req.AutoConnect != nil {
		updated.Agent.AutoConnect = *req.AutoConnect
	}
	if req.LogLevel != nil {
		updated.Logging.Level = *req.LogLevel
	}
	if req.HeartbeatInterval != nil {
		updated.Orchestrator.HeartbeatInterval = *req.HeartbeatInterval
	}
	if req.CancelGracePeriod != nil {
		updated.Agent.CancelGracePeriod = *req.CancelGracePeriod
	}

	if err := config.Validate(&updated); err != nil {
		respondError(c, apperrors.BadRequest(err.Error()))
		return
	}
	if err := s.store.Save(&updated); err != nil {
		s.logger.Error("failed to persist config", zap.Error(err))
		respondError(c, apperrors.InternalError("failed to persist configuration", err))
		return
	}

	*s.cfg = updated
	s.logger.Info("configuration updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// handleListAssets lists asset keys: fresh when connected, cached otherwise.
// GET /assets
func (s *Server) handleListAssets(c *gin.Context) {
	keys, err := s.assets.GetAllKeys(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AssetKeysResponse{Keys: keys, Count: len(keys)})
}

// handleGetAsset fetches one asset by key.
// GET /assets/:key
func (s *Server) handleGetAsset(c *gin.Context) {
	key := c.Param("key")
	value, err := s.assets.GetAsset(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AssetResponse{Key: key, Value: value})
}

// handleSyncAssets replaces the cache with a fresh orchestrator snapshot.
// POST /assets/sync
func (s *Server) handleSyncAssets(c *gin.Context) {
	if err := s.assets.Sync(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced"})
}

// handleStartExecution starts an automation job.
// POST /execution/start
func (s *Server) handleStartExecution(c *gin.Context) {
	var req StartExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.InvalidJob("invalid job body: "+err.Error()))
		return
	}

	job := execution.Job{
		Name:    req.Name,
		Command: req.Command,
		Args:    req.Args,
		WorkDir: req.WorkDir,
		Env:     req.Env,
	}

	id, err := s.execs.StartExecution(c.Request.Context(), job)
	if err != nil {
		s.logger.Error("failed to start execution",
			zap.String("command", req.Command), zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, StartExecutionResponse{ExecutionID: id})
}

// handleGetExecution returns the status of a tracked execution.
// GET /execution/:id
func (s *Server) handleGetExecution(c *gin.Context) {
	id := c.Param("id")
	snap, ok := s.execs.GetExecution(id)
	if !ok {
		respondError(c, apperrors.NotFound("execution", id))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// handleStopExecution requests cancellation of a running execution.
// POST /execution/:id/stop
func (s *Server) handleStopExecution(c *gin.Context) {
	id := c.Param("id")
	if err := s.execs.CancelExecution(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// handleExecutionOutput returns the retained output, optionally limited
// to the last n lines with ?tail=n.
// GET /execution/:id/output
func (s *Server) handleExecutionOutput(c *gin.Context) {
	id := c.Param("id")

	tail := 0
	if raw := c.Query("tail"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(c, apperrors.BadRequest("tail must be a positive integer"))
			return
		}
		tail = n
	}

	lines, ok := s.execs.Output(id, tail)
	if !ok {
		respondError(c, apperrors.NotFound("execution", id))
		return
	}
	c.JSON(http.StatusOK, OutputResponse{ExecutionID: id, Lines: lines, Count: len(lines)})
}

// handleRegistrationStatus reports whether a machine credential is stored.
// GET /registration/status
func (s *Server) handleRegistrationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, RegistrationStatusResponse{
		Registered:  s.creds.HasCredential(),
		IsConnected: s.conn.IsConnected(),
	})
}

// handleRegister stores the machine credential issued by the orchestrator.
// POST /registration
func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.BadRequest("invalid registration body: "+err.Error()))
		return
	}
	if req.Credential == "" {
		respondError(c, apperrors.BadRequest("credential is required"))
		return
	}

	if err := s.creds.Set(req.Credential); err != nil {
		s.logger.Error("failed to store credential", zap.Error(err))
		respondError(c, apperrors.InternalError("failed to store credential", err))
		return
	}
	s.logger.Info("machine credential stored")
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

// handleDeregister removes the stored credential. An established session
// keeps running until it is disconnected; new sessions need a new
// registration.
// DELETE /registration
func (s *Server) handleDeregister(c *gin.Context) {
	if err := s.creds.Clear(); err != nil {
		s.logger.Error("failed to clear credential", zap.Error(err))
		respondError(c, apperrors.InternalError("failed to clear credential", err))
		return
	}
	s.logger.Info("machine credential cleared")
	c.JSON(http.StatusOK, gin.H{"registered": false})
}

// handleConnect drives the state machine toward Connected.
// POST /connect
func (s *Server) handleConnect(c *gin.Context) {
	if err := s.conn.Connect(c.Request.Context()); err != nil {
		s.logger.Warn("connect failed", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.conn.Snapshot().State)})
}

// handleDisconnect drives the state machine toward Disconnected.
// POST /disconnect
func (s *Server) handleDisconnect(c *gin.Context) {
	if err := s.conn.Disconnect(c.Request.Context()); err != nil {
		// Disconnect is best-effort toward the network but the local state
		// transition always happens; only local failures surface here.
		s.logger.Warn("disconnect reported error", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"state": string(s.conn.Snapshot().State)})
}
