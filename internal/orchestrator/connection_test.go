package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/pkg/wire"
)

func wireStatusPayload(id string) wire.ExecutionStatusPayload {
	return wire.ExecutionStatusPayload{ExecutionID: id, State: "Completed", Message: "exit code 0"}
}

type fakeAPI struct {
	mu            sync.Mutex
	handshakeErr  error
	heartbeatErr  error
	handshake     HandshakeResult
	heartbeats    int
	disconnects   int
	statusReports []AgentStatus
	baseURL       string
}

func (f *fakeAPI) Handshake(ctx context.Context) (*HandshakeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handshakeErr != nil {
		return nil, f.handshakeErr
	}
	hs := f.handshake
	return &hs, nil
}

func (f *fakeAPI) Heartbeat(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return f.heartbeatErr
}

func (f *fakeAPI) ReportStatus(ctx context.Context, status AgentStatus, executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusReports = append(f.statusReports, status)
	return nil
}

func (f *fakeAPI) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeAPI) Credential() (string, error) { return "test-credential", nil }

func (f *fakeAPI) SetBaseURL(baseURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseURL = baseURL
}

func (f *fakeAPI) setHandshakeErr(err error) {
	f.mu.Lock()
	f.handshakeErr = err
	f.mu.Unlock()
}

func (f *fakeAPI) setHeartbeatErr(err error) {
	f.mu.Lock()
	f.heartbeatErr = err
	f.mu.Unlock()
}

type fakePush struct {
	mu       sync.Mutex
	connects []string
	notifies []string
	closes   int
	onClose  func()
}

func (f *fakePush) Connect(ctx context.Context, url, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, url)
	return nil
}

func (f *fakePush) OnClose(fn func()) {
	f.mu.Lock()
	f.onClose = fn
	f.mu.Unlock()
}

// fireClose simulates the websocket dying underneath the channel.
func (f *fakePush) fireClose() {
	f.mu.Lock()
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakePush) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

func (f *fakePush) Notify(action string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, action)
	return nil
}

func (f *fakePush) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type fakeCredSource struct{ has bool }

func (f *fakeCredSource) HasCredential() bool { return f.has }
func (f *fakeCredSource) Get() (string, error) {
	if !f.has {
		return "", errors.New("no credential")
	}
	return "test-credential", nil
}

func newTestConnManager(api *fakeAPI, push *fakePush, hasCred bool) *ConnectionManager {
	return NewConnectionManager(api, push, &fakeCredSource{has: hasCred}, nil,
		func() AgentStatus { return StatusAvailable },
		Options{
			HeartbeatInterval:   time.Hour,
			PollInterval:        time.Hour,
			ReconnectMaxRetries: 3,
			ReconnectBaseDelay:  10 * time.Millisecond,
		}, logger.NewNop())
}

func waitForState(t *testing.T, c *ConnectionManager, want SessionState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not reached within %v; current %s", want, timeout, c.State())
}

func TestConnectRequiresCredential(t *testing.T) {
	c := newTestConnManager(&fakeAPI{}, &fakePush{}, false)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeCredentialUnavailable, apperrors.AsAppError(err).Code)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectEstablishesSession(t *testing.T) {
	api := &fakeAPI{handshake: HandshakeResult{
		BackendURL:  "http://backend.internal:9000",
		PushURL:     "ws://backend.internal:9000/push",
		MachineName: "build-agent-7",
	}}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	var transitions []SessionState
	var mu sync.Mutex
	c.OnStateChange(func(s SessionState) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, "http://backend.internal:9000", c.BackendURL())
	assert.Equal(t, "http://backend.internal:9000", api.baseURL)
	assert.Equal(t, []string{"ws://backend.internal:9000/push"}, push.connects)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []SessionState{StateConnecting, StateConnected}, transitions)
}

func TestConnectIsIdempotentWhileConnected(t *testing.T) {
	api := &fakeAPI{}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Connect(context.Background()))
	assert.Len(t, push.connects, 1)
}

func TestConnectFailureReturnsToDisconnected(t *testing.T) {
	api := &fakeAPI{handshakeErr: errors.New("orchestrator unreachable")}
	c := newTestConnManager(api, &fakePush{}, true)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestDisconnectAlwaysEndsDisconnected(t *testing.T) {
	api := &fakeAPI{}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, api.disconnects)
	assert.Equal(t, 1, push.closes)
	assert.Equal(t, StatusDisconnected, c.Snapshot().LastStatus)
}

func TestHeartbeatRequiresConnection(t *testing.T) {
	c := newTestConnManager(&fakeAPI{}, &fakePush{}, true)

	err := c.SendHeartbeat(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.AsAppError(err).Code)
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	api := &fakeAPI{}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	require.NoError(t, c.Connect(context.Background()))

	api.setHeartbeatErr(errors.New("connection reset"))
	err := c.SendHeartbeat(context.Background())
	require.Error(t, err)

	// the session drops first, then the backoff sequence re-establishes it
	api.setHeartbeatErr(nil)
	waitForState(t, c, StateConnected, 2*time.Second)
}

func TestPushChannelLossDropsSessionAndReconnects(t *testing.T) {
	api := &fakeAPI{handshake: HandshakeResult{
		PushURL: "ws://backend.internal:9000/push",
	}}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	// before any session exists the close callback is a no-op
	push.fireClose()
	assert.Equal(t, StateDisconnected, c.State())

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, 1, push.connectCount())

	// the websocket dies while heartbeats would still succeed; the
	// session must drop and the push channel be re-dialed
	push.fireClose()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if push.connectCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.GreaterOrEqual(t, push.connectCount(), 2, "push channel was not re-dialed")
	waitForState(t, c, StateConnected, 2*time.Second)
}

func TestConnectDerivesInitialStatus(t *testing.T) {
	api := &fakeAPI{}
	push := &fakePush{}
	c := NewConnectionManager(api, push, &fakeCredSource{has: true}, nil,
		func() AgentStatus { return StatusBusy },
		Options{
			HeartbeatInterval:   time.Hour,
			PollInterval:        time.Hour,
			ReconnectMaxRetries: 3,
			ReconnectBaseDelay:  10 * time.Millisecond,
		}, logger.NewNop())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, StatusBusy, c.Snapshot().LastStatus)
}

func TestReconnectGivesUpAfterMaxRetries(t *testing.T) {
	api := &fakeAPI{}
	push := &fakePush{}
	c := newTestConnManager(api, push, true)

	require.NoError(t, c.Connect(context.Background()))

	api.setHeartbeatErr(errors.New("connection reset"))
	api.setHandshakeErr(errors.New("still down"))
	_ = c.SendHeartbeat(context.Background())

	// 3 retries at 10/20/40ms; well past that it must have given up
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestUpdateStatusRecordsLastStatus(t *testing.T) {
	api := &fakeAPI{}
	c := newTestConnManager(api, &fakePush{}, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.UpdateStatus(context.Background(), StatusBusy, "exec-1"))

	assert.Equal(t, StatusBusy, c.Snapshot().LastStatus)
	assert.Equal(t, []AgentStatus{StatusBusy}, api.statusReports)
}

func TestPushExecutionStatusRequiresConnection(t *testing.T) {
	c := newTestConnManager(&fakeAPI{}, &fakePush{}, true)

	err := c.PushExecutionStatus(context.Background(), wireStatusPayload("e1"))
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeNotConnected, apperrors.AsAppError(err).Code)
}

func TestPushExecutionStatusNotifies(t *testing.T) {
	push := &fakePush{}
	c := newTestConnManager(&fakeAPI{}, push, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.PushExecutionStatus(context.Background(), wireStatusPayload("e1")))
	assert.Len(t, push.notifies, 1)
}
