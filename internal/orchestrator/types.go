// Package orchestrator owns the session toward the remote orchestrator:
// the request/response API client, the push channel for execution status,
// and the connection state machine with heartbeat and reconnect handling.
package orchestrator

import "time"

// SessionState is the connection state toward the orchestrator.
type SessionState string

const (
	StateDisconnected SessionState = "Disconnected"
	StateConnecting   SessionState = "Connecting"
	StateConnected    SessionState = "Connected"
)

// AgentStatus is the availability the agent reports upstream. It is
// derived outside this package, from the execution manager's view of
// active work.
type AgentStatus string

const (
	StatusAvailable    AgentStatus = "Available"
	StatusBusy         AgentStatus = "Busy"
	StatusDisconnected AgentStatus = "Disconnected"
)

// Session is a snapshot of the connection session.
type Session struct {
	State         SessionState `json:"state"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
	LastStatus    AgentStatus  `json:"lastStatus"`
}

// HandshakeResult is what the orchestrator returns on a successful connect.
type HandshakeResult struct {
	// BackendURL is the backend address the machine should talk to from
	// now on; the orchestrator address may only be a discovery endpoint.
	BackendURL string `json:"backendUrl"`

	// PushURL is the websocket endpoint for the execution-status channel.
	PushURL string `json:"pushUrl"`

	// MachineName is the display name the orchestrator has on record.
	MachineName string `json:"machineName"`
}

// CredentialSource supplies the machine credential for authenticating
// calls to the orchestrator.
type CredentialSource interface {
	HasCredential() bool
	Get() (string, error)
}
