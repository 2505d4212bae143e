// Package broadcast forwards execution status events to the orchestrator
// over the push channel, dropping what the orchestrator can rediscover
// and retrying what it cannot.
package broadcast

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/execution"
	"github.com/driftworks/outpost/internal/orchestrator"
	"github.com/driftworks/outpost/pkg/wire"
)

// Connection is the slice of the connection manager the broadcaster uses.
type Connection interface {
	IsConnected() bool
	PushExecutionStatus(ctx context.Context, payload wire.ExecutionStatusPayload) error
}

// Broadcaster delivers execution status updates to the orchestrator.
// Intermediate states (Queued, Running) are best-effort: when the
// session is down they are dropped, since the orchestrator recovers the
// current state from the next successful terminal report or poll.
// Terminal states are queued and flushed once the session comes back.
type Broadcaster struct {
	conn   Connection
	logger *logger.Logger

	mu      sync.Mutex
	pending []wire.ExecutionStatusPayload
}

// NewBroadcaster creates a broadcaster. Wire WatchConnection into the
// connection manager's state listeners to get reconnect flushes.
func NewBroadcaster(conn Connection, log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		conn:   conn,
		logger: log.WithComponent("status-broadcaster"),
	}
}

// WatchConnection registers the reconnect flush hook. Call once during
// startup, before the connection manager runs.
func (b *Broadcaster) WatchConnection(register func(func(orchestrator.SessionState))) {
	register(func(state orchestrator.SessionState) {
		if state == orchestrator.StateConnected {
			go b.flush()
		}
	})
}

// Publish implements execution.StatusPublisher. It is called on the
// execution manager's goroutines and must not block on the network for
// intermediate states longer than one send attempt.
func (b *Broadcaster) Publish(update execution.StatusUpdate) {
	payload := wire.ExecutionStatusPayload{
		ExecutionID: update.ExecutionID,
		State:       string(update.State),
		Message:     update.Message,
		ExitCode:    update.ExitCode,
	}

	terminal := update.State.Terminal()

	if !b.conn.IsConnected() {
		if terminal {
			b.enqueue(payload)
		} else {
			b.logger.Debug("dropping status while disconnected",
				zap.String("execution_id", payload.ExecutionID),
				zap.String("state", payload.State))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.conn.PushExecutionStatus(ctx, payload); err != nil {
		if terminal {
			b.logger.Warn("terminal status send failed, queued for retry",
				zap.String("execution_id", payload.ExecutionID),
				zap.String("state", payload.State),
				zap.Error(err))
			b.enqueue(payload)
		} else {
			b.logger.Debug("status send failed",
				zap.String("execution_id", payload.ExecutionID),
				zap.String("state", payload.State),
				zap.Error(err))
		}
	}
}

// PendingCount reports how many terminal statuses await retry.
func (b *Broadcaster) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Broadcaster) enqueue(payload wire.ExecutionStatusPayload) {
	b.mu.Lock()
	b.pending = append(b.pending, payload)
	b.mu.Unlock()
}

// flush resends queued terminal statuses in arrival order. A failure
// puts the remainder back and waits for the next reconnect.
func (b *Broadcaster) flush() {
	b.mu.Lock()
	queued := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(queued) == 0 {
		return
	}
	b.logger.Info("flushing queued terminal statuses", zap.Int("count", len(queued)))

	for i, payload := range queued {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := b.conn.PushExecutionStatus(ctx, payload)
		cancel()
		if err != nil {
			b.logger.Warn("flush interrupted, requeueing remainder",
				zap.Int("remaining", len(queued)-i),
				zap.Error(err))
			b.mu.Lock()
			b.pending = append(queued[i:], b.pending...)
			b.mu.Unlock()
			return
		}
	}
}
