package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/execution"
	"github.com/driftworks/outpost/internal/orchestrator"
	"github.com/driftworks/outpost/pkg/wire"
)

type fakeConnection struct {
	mu        sync.Mutex
	connected bool
	pushErr   error
	pushed    []wire.ExecutionStatusPayload
}

func (f *fakeConnection) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConnection) PushExecutionStatus(ctx context.Context, payload wire.ExecutionStatusPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, payload)
	return nil
}

func (f *fakeConnection) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeConnection) setPushErr(err error) {
	f.mu.Lock()
	f.pushErr = err
	f.mu.Unlock()
}

func (f *fakeConnection) pushedPayloads() []wire.ExecutionStatusPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.ExecutionStatusPayload, len(f.pushed))
	copy(out, f.pushed)
	return out
}

func waitForPushed(t *testing.T, conn *fakeConnection, n int) []wire.ExecutionStatusPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := conn.pushedPayloads(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d pushed payloads, got %d", n, len(conn.pushedPayloads()))
	return nil
}

func update(id string, state execution.State) execution.StatusUpdate {
	return execution.StatusUpdate{ExecutionID: id, State: state, Message: string(state)}
}

func TestPublishWhileConnected(t *testing.T) {
	conn := &fakeConnection{connected: true}
	b := NewBroadcaster(conn, logger.NewNop())

	b.Publish(update("e1", execution.StateRunning))
	b.Publish(update("e1", execution.StateCompleted))

	pushed := conn.pushedPayloads()
	require.Len(t, pushed, 2)
	assert.Equal(t, "Running", pushed[0].State)
	assert.Equal(t, "Completed", pushed[1].State)
	assert.Equal(t, 0, b.PendingCount())
}

func TestIntermediateDroppedWhileDisconnected(t *testing.T) {
	conn := &fakeConnection{connected: false}
	b := NewBroadcaster(conn, logger.NewNop())

	b.Publish(update("e1", execution.StateQueued))
	b.Publish(update("e1", execution.StateRunning))

	assert.Empty(t, conn.pushedPayloads())
	assert.Equal(t, 0, b.PendingCount())
}

func TestTerminalQueuedWhileDisconnected(t *testing.T) {
	conn := &fakeConnection{connected: false}
	b := NewBroadcaster(conn, logger.NewNop())

	b.Publish(update("e1", execution.StateFailed))
	assert.Empty(t, conn.pushedPayloads())
	assert.Equal(t, 1, b.PendingCount())
}

func TestTerminalFlushedOnReconnect(t *testing.T) {
	conn := &fakeConnection{connected: false}
	b := NewBroadcaster(conn, logger.NewNop())

	var listener func(orchestrator.SessionState)
	b.WatchConnection(func(fn func(orchestrator.SessionState)) {
		listener = fn
	})
	require.NotNil(t, listener)

	b.Publish(update("e1", execution.StateCompleted))
	b.Publish(update("e2", execution.StateCancelled))
	require.Equal(t, 2, b.PendingCount())

	conn.setConnected(true)
	listener(orchestrator.StateConnected)

	pushed := waitForPushed(t, conn, 2)
	assert.Equal(t, "e1", pushed[0].ExecutionID)
	assert.Equal(t, "e2", pushed[1].ExecutionID)
	assert.Equal(t, 0, b.PendingCount())
}

func TestTerminalRequeuedOnSendFailure(t *testing.T) {
	conn := &fakeConnection{connected: true, pushErr: errors.New("broken pipe")}
	b := NewBroadcaster(conn, logger.NewNop())

	b.Publish(update("e1", execution.StateCompleted))
	assert.Equal(t, 1, b.PendingCount())

	// intermediate failures are not retried
	b.Publish(update("e2", execution.StateRunning))
	assert.Equal(t, 1, b.PendingCount())

	conn.setPushErr(nil)
	var listener func(orchestrator.SessionState)
	b.WatchConnection(func(fn func(orchestrator.SessionState)) { listener = fn })
	listener(orchestrator.StateConnected)

	pushed := waitForPushed(t, conn, 1)
	assert.Equal(t, "e1", pushed[0].ExecutionID)
	assert.Equal(t, "Completed", pushed[0].State)
}

func TestFlushFailureKeepsRemainder(t *testing.T) {
	conn := &fakeConnection{connected: false}
	b := NewBroadcaster(conn, logger.NewNop())

	b.Publish(update("e1", execution.StateCompleted))
	b.Publish(update("e2", execution.StateFailed))
	require.Equal(t, 2, b.PendingCount())

	// the flush itself fails; everything must survive for the next reconnect
	conn.setConnected(true)
	conn.setPushErr(errors.New("still broken"))

	var listener func(orchestrator.SessionState)
	b.WatchConnection(func(fn func(orchestrator.SessionState)) { listener = fn })
	listener(orchestrator.StateConnected)

	// give the async flush time to fail and requeue
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, b.PendingCount())
	assert.Empty(t, conn.pushedPayloads())
}
