package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/events/bus"
	"github.com/driftworks/outpost/pkg/wire"
)

// API is the request/response surface of the orchestrator the connection
// manager depends on. Satisfied by *Client.
type API interface {
	Handshake(ctx context.Context) (*HandshakeResult, error)
	Heartbeat(ctx context.Context) error
	ReportStatus(ctx context.Context, status AgentStatus, executionID string) error
	Disconnect(ctx context.Context) error
	Credential() (string, error)
	SetBaseURL(baseURL string)
}

// Push is the status push channel. Satisfied by *PushChannel.
type Push interface {
	Connect(ctx context.Context, url, token string) error
	Notify(action string, payload interface{}) error
	Close() error
	OnClose(fn func())
}

// Options tunes the connection manager's cadence and reconnect policy.
type Options struct {
	// HeartbeatInterval is how often heartbeat and status are reported.
	// Intentionally coarse to keep network chatter down.
	HeartbeatInterval time.Duration

	// PollInterval is the wakeup cadence of Run's loop; it only checks
	// whether HeartbeatInterval has elapsed, so shutdown stays responsive.
	PollInterval time.Duration

	// ReconnectMaxRetries bounds the reconnect attempt sequence.
	ReconnectMaxRetries int

	// ReconnectBaseDelay is the first reconnect delay; it doubles per attempt.
	ReconnectBaseDelay time.Duration
}

// ConnectionManager owns the session state machine toward the
// orchestrator. It is the only writer of the session; everyone else
// observes it through State, Snapshot, and OnStateChange.
type ConnectionManager struct {
	api      API
	push     Push
	creds    CredentialSource
	events   bus.EventBus
	statusFn func() AgentStatus
	logger   *logger.Logger
	opts     Options

	mu             sync.RWMutex
	session        Session
	backendURL     string
	stateListeners []func(SessionState)
	handshakeHooks []func(*HandshakeResult)
	runCtx         context.Context

	// cycleMu serializes connect/disconnect cycles so state transitions
	// stay monotonic within a cycle.
	cycleMu sync.Mutex

	reconnectMu  sync.Mutex
	reconnecting bool
}

// NewConnectionManager creates a connection manager. statusFn derives the
// agent's availability externally (from the execution manager); the
// session never computes it.
func NewConnectionManager(
	api API,
	push Push,
	creds CredentialSource,
	events bus.EventBus,
	statusFn func() AgentStatus,
	opts Options,
	log *logger.Logger,
) *ConnectionManager {
	c := &ConnectionManager{
		api:      api,
		push:     push,
		creds:    creds,
		events:   events,
		statusFn: statusFn,
		opts:     opts,
		logger:   log.WithComponent("connection-manager"),
		session:  Session{State: StateDisconnected, LastStatus: StatusDisconnected},
	}
	push.OnClose(c.pushLost)
	return c
}

// State returns the current session state.
func (c *ConnectionManager) State() SessionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.State
}

// IsConnected reports whether the session is established.
func (c *ConnectionManager) IsConnected() bool {
	return c.State() == StateConnected
}

// Snapshot returns a copy of the current session.
func (c *ConnectionManager) Snapshot() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// BackendURL returns the backend address discovered during the last handshake.
func (c *ConnectionManager) BackendURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backendURL
}

// OnStateChange registers a listener invoked after every state transition.
func (c *ConnectionManager) OnStateChange(fn func(SessionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// OnHandshake registers a hook invoked after every successful handshake,
// e.g. to persist the discovered backend address.
func (c *ConnectionManager) OnHandshake(fn func(*HandshakeResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshakeHooks = append(c.handshakeHooks, fn)
}

// Connect establishes a session: handshake, then the push channel.
// Requires a stored credential. On any failure the state returns to
// Disconnected and the error is reported to the caller.
func (c *ConnectionManager) Connect(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.State() == StateConnected {
		return nil
	}
	if !c.creds.HasCredential() {
		return apperrors.CredentialUnavailable()
	}

	c.setState(StateConnecting)

	hs, err := c.api.Handshake(ctx)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("handshake: %w", err)
	}

	if hs.BackendURL != "" {
		c.api.SetBaseURL(hs.BackendURL)
	}

	token, err := c.api.Credential()
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}

	if hs.PushURL != "" {
		if err := c.push.Connect(ctx, hs.PushURL, token); err != nil {
			c.setState(StateDisconnected)
			return fmt.Errorf("push channel: %w", err)
		}
	}

	status := c.statusFn()

	c.mu.Lock()
	c.backendURL = hs.BackendURL
	c.session.LastHeartbeat = time.Now()
	c.session.LastStatus = status
	hooks := append([]func(*HandshakeResult){}, c.handshakeHooks...)
	c.mu.Unlock()

	c.setState(StateConnected)
	c.logger.Info("connected to orchestrator",
		zap.String("machine", hs.MachineName),
		zap.String("backend_url", hs.BackendURL))

	for _, fn := range hooks {
		fn(hs)
	}
	return nil
}

// Disconnect notifies the orchestrator best-effort and tears the session
// down. The state always ends up Disconnected, regardless of network outcome.
func (c *ConnectionManager) Disconnect(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if c.State() == StateDisconnected {
		return nil
	}

	if err := c.api.Disconnect(ctx); err != nil {
		c.logger.Warn("disconnect notification failed", zap.Error(err))
	}
	if err := c.push.Close(); err != nil {
		c.logger.Debug("push channel close", zap.Error(err))
	}

	c.mu.Lock()
	c.session.LastStatus = StatusDisconnected
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.logger.Info("disconnected from orchestrator")
	return nil
}

// SendHeartbeat reports liveness. Only meaningful while connected. A
// failure drops the session and kicks off the bounded reconnect sequence.
func (c *ConnectionManager) SendHeartbeat(ctx context.Context) error {
	if !c.IsConnected() {
		return apperrors.NotConnected()
	}

	if err := c.api.Heartbeat(ctx); err != nil {
		c.logger.Warn("heartbeat failed, dropping session", zap.Error(err))
		c.markLost()
		go c.reconnect(c.runContext())
		return err
	}

	c.mu.Lock()
	c.session.LastHeartbeat = time.Now()
	c.mu.Unlock()
	return nil
}

// UpdateStatus pushes the agent's availability, derived externally.
func (c *ConnectionManager) UpdateStatus(ctx context.Context, status AgentStatus, executionID string) error {
	if !c.IsConnected() {
		return apperrors.NotConnected()
	}

	if err := c.api.ReportStatus(ctx, status, executionID); err != nil {
		return fmt.Errorf("report status: %w", err)
	}

	c.mu.Lock()
	c.session.LastStatus = status
	c.mu.Unlock()
	return nil
}

// PushExecutionStatus delivers an execution status notification on the
// push channel. Fails with NotConnected while the session is down.
func (c *ConnectionManager) PushExecutionStatus(ctx context.Context, payload wire.ExecutionStatusPayload) error {
	if !c.IsConnected() {
		return apperrors.NotConnected()
	}
	return c.push.Notify(wire.ActionExecutionStatus, payload)
}

// Run drives the heartbeat/status cadence until ctx is cancelled. The
// loop wakes every PollInterval but only talks to the orchestrator when
// HeartbeatInterval has elapsed.
func (c *ConnectionManager) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *ConnectionManager) tick(ctx context.Context) {
	if !c.IsConnected() {
		return
	}

	c.mu.RLock()
	due := time.Since(c.session.LastHeartbeat) >= c.opts.HeartbeatInterval
	c.mu.RUnlock()
	if !due {
		return
	}

	if err := c.SendHeartbeat(ctx); err != nil {
		return
	}

	status := c.statusFn()
	if err := c.UpdateStatus(ctx, status, ""); err != nil {
		c.logger.Warn("status update failed", zap.Error(err))
	}
}

// pushLost reacts to the push channel dying underneath an established
// session. Heartbeats may still succeed over HTTP, but without the push
// channel no execution status can be delivered, so the session is
// dropped and rebuilt rather than left half-alive.
func (c *ConnectionManager) pushLost() {
	if !c.IsConnected() {
		return
	}
	c.logger.Warn("push channel lost, dropping session")
	c.markLost()
	go c.reconnect(c.runContext())
}

// markLost tears down the session after a transport failure, without the
// best-effort goodbye Disconnect sends.
func (c *ConnectionManager) markLost() {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	if err := c.push.Close(); err != nil {
		c.logger.Debug("push channel close", zap.Error(err))
	}

	c.mu.Lock()
	c.session.LastStatus = StatusDisconnected
	c.mu.Unlock()

	c.setState(StateDisconnected)
}

// reconnect runs the bounded, backoff-governed reconnect sequence. Only
// one sequence runs at a time; ctx cancellation interrupts any pending delay.
func (c *ConnectionManager) reconnect(ctx context.Context) {
	c.reconnectMu.Lock()
	if c.reconnecting {
		c.reconnectMu.Unlock()
		return
	}
	c.reconnecting = true
	c.reconnectMu.Unlock()

	defer func() {
		c.reconnectMu.Lock()
		c.reconnecting = false
		c.reconnectMu.Unlock()
	}()

	delay := c.opts.ReconnectBaseDelay
	for attempt := 1; attempt <= c.opts.ReconnectMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			c.logger.Info("reconnect interrupted by shutdown")
			return
		case <-time.After(delay):
		}

		c.logger.Info("reconnect attempt",
			zap.Int("attempt", attempt),
			zap.Int("max", c.opts.ReconnectMaxRetries))

		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("reconnect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			delay *= 2
			continue
		}
		return
	}

	c.logger.Error("reconnect attempts exhausted; staying disconnected")
}

func (c *ConnectionManager) runContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}

// setState records a transition and fans it out to listeners and the
// event bus. No-op when the state is unchanged.
func (c *ConnectionManager) setState(state SessionState) {
	c.mu.Lock()
	if c.session.State == state {
		c.mu.Unlock()
		return
	}
	prev := c.session.State
	c.session.State = state
	listeners := append([]func(SessionState){}, c.stateListeners...)
	c.mu.Unlock()

	c.logger.Debug("session state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(state)))

	if c.events != nil {
		event := bus.NewEvent("connection.state.changed", "connection-manager", map[string]interface{}{
			"from": string(prev),
			"to":   string(state),
		})
		if err := c.events.Publish(context.Background(), bus.SubjectConnectionState, event); err != nil {
			c.logger.Debug("event publish failed", zap.Error(err))
		}
	}

	for _, fn := range listeners {
		fn(state)
	}
}
