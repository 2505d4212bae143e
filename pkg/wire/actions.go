package wire

// Action constants for push-channel messages
const (
	// Notification actions (agent -> orchestrator). The push channel carries
	// execution status exclusively.
	ActionExecutionStatus = "execution.status"

	// Control actions (orchestrator -> agent acknowledgements)
	ActionAck = "ack"
)

// ExecutionStatusPayload is the payload for ActionExecutionStatus notifications.
type ExecutionStatusPayload struct {
	ExecutionID string `json:"executionId"`
	State       string `json:"state"`
	Message     string `json:"message,omitempty"`
	ExitCode    *int   `json:"exitCode,omitempty"`
}
