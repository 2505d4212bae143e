package controlserver

import "github.com/driftworks/outpost/internal/execution"

// StatusResponse is the connection + availability snapshot.
type StatusResponse struct {
	IsConnected bool   `json:"isConnected"`
	AgentStatus string `json:"agentStatus"`
}

// InfoResponse describes the running agent.
type InfoResponse struct {
	Version     string `json:"version"`
	MachineName string `json:"machineName,omitempty"`
	DataDir     string `json:"dataDir"`
	Port        int    `json:"port"`
	UptimeSecs  int64  `json:"uptimeSecs"`
}

// ConfigView is the operator-facing configuration snapshot. Secrets and
// internal tuning knobs stay out of it.
type ConfigView struct {
	OrchestratorURL   string `json:"orchestratorUrl"`
	BackendURL        string `json:"backendUrl"`
	Port              int    `json:"port"`
	AutoConnect       bool   `json:"autoConnect"`
	LogLevel          string `json:"logLevel"`
	HeartbeatInterval int    `json:"heartbeatInterval"`
	CancelGracePeriod int    `json:"cancelGracePeriod"`
}

// ConfigUpdateRequest carries a partial configuration update. Nil fields
// are left unchanged.
type ConfigUpdateRequest struct {
	OrchestratorURL   *string `json:"orchestratorUrl,omitempty"`
	AutoConnect       *bool   `json:"autoConnect,omitempty"`
	LogLevel          *string `json:"logLevel,omitempty"`
	HeartbeatInterval *int    `json:"heartbeatInterval,omitempty"`
	CancelGracePeriod *int    `json:"cancelGracePeriod,omitempty"`
}

// StartExecutionRequest is the job descriptor accepted by the control surface.
type StartExecutionRequest struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	WorkDir string            `json:"workDir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// StartExecutionResponse carries the allocated execution id.
type StartExecutionResponse struct {
	ExecutionID string `json:"executionId"`
}

// AssetKeysResponse lists asset keys.
type AssetKeysResponse struct {
	Keys  []string `json:"keys"`
	Count int      `json:"count"`
}

// AssetResponse is a single asset value.
type AssetResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RegistrationStatusResponse reports whether a machine credential is stored.
type RegistrationStatusResponse struct {
	Registered  bool `json:"registered"`
	IsConnected bool `json:"isConnected"`
}

// RegisterRequest carries the machine credential issued by the orchestrator.
type RegisterRequest struct {
	Credential string `json:"credential"`
}

// OutputResponse is the retained output tail of an execution.
type OutputResponse struct {
	ExecutionID string                 `json:"executionId"`
	Lines       []execution.OutputLine `json:"lines"`
	Count       int                    `json:"count"`
}
