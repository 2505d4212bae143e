package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/pkg/wire"
)

// PushChannel is the persistent websocket used exclusively to deliver
// execution status to the orchestrator. Local consumers never ride on it.
type PushChannel struct {
	logger *logger.Logger

	connMu    sync.RWMutex
	conn      *websocket.Conn
	connected bool
	onClose   func()

	writeMu sync.Mutex
}

// NewPushChannel creates an unconnected push channel.
func NewPushChannel(log *logger.Logger) *PushChannel {
	return &PushChannel{
		logger: log.WithComponent("push-channel"),
	}
}

// OnClose registers a callback invoked when the channel dies without a
// local Close. The connection manager uses it to drop the session so
// queued statuses are not stranded behind a dead socket.
func (p *PushChannel) OnClose(fn func()) {
	p.connMu.Lock()
	p.onClose = fn
	p.connMu.Unlock()
}

// Connect dials the push endpoint, authenticating with the machine credential.
func (p *PushChannel) Connect(ctx context.Context, url, token string) error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if p.connected {
		return nil
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("dial push channel: %w", err)
	}

	p.conn = conn
	p.connected = true
	p.logger.Info("push channel connected", zap.String("url", url))
	go p.readLoop(conn)
	return nil
}

// Close closes the channel. Safe to call when not connected.
func (p *PushChannel) Close() error {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	if !p.connected {
		return nil
	}
	p.connected = false
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// IsConnected reports the channel state.
func (p *PushChannel) IsConnected() bool {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.connected
}

// Notify sends a notification message. Returns an error when the channel
// is down or the write fails; the caller decides whether to queue.
func (p *PushChannel) Notify(action string, payload interface{}) error {
	p.connMu.RLock()
	conn, connected := p.conn, p.connected
	p.connMu.RUnlock()
	if !connected || conn == nil {
		return fmt.Errorf("push channel not connected")
	}

	msg, err := wire.NewNotification(action, payload)
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	msg.ID = uuid.New().String()

	p.writeMu.Lock()
	err = conn.WriteJSON(msg)
	p.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}

	p.logger.Debug("sent notification", zap.String("action", action), zap.String("id", msg.ID))
	return nil
}

// readLoop drains inbound frames. The orchestrator only sends
// acknowledgements on this channel; the loop exists to detect closure.
func (p *PushChannel) readLoop(conn *websocket.Conn) {
	for {
		var msg wire.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("push channel read error", zap.Error(err))
			}
			p.connMu.Lock()
			unexpected := p.connected && p.conn == conn
			if p.conn == conn {
				p.connected = false
				p.conn = nil
			}
			onClose := p.onClose
			p.connMu.Unlock()
			if unexpected && onClose != nil {
				onClose()
			}
			return
		}
		if msg.Type == wire.MessageTypeError {
			var errPayload wire.ErrorPayload
			if err := msg.ParsePayload(&errPayload); err != nil {
				p.logger.Warn("orchestrator rejected a notification",
					zap.String("id", msg.ID),
					zap.ByteString("payload", msg.Payload))
			} else {
				p.logger.Warn("orchestrator rejected a notification",
					zap.String("id", msg.ID),
					zap.String("code", errPayload.Code),
					zap.String("message", errPayload.Message))
			}
		} else if msg.Action == wire.ActionAck {
			p.logger.Debug("notification acknowledged", zap.String("id", msg.ID))
		}
	}
}
