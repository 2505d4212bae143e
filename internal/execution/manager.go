// Package execution tracks spawned automation job processes through their
// lifecycle and reports every transition to the status publisher.
package execution

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/driftworks/outpost/internal/common/errors"
	"github.com/driftworks/outpost/internal/common/logger"
	"github.com/driftworks/outpost/internal/events/bus"
)

// StatusUpdate describes one lifecycle transition of one execution.
type StatusUpdate struct {
	ExecutionID string
	State       State
	Message     string
	ExitCode    *int
}

// StatusPublisher receives every lifecycle transition, in order, exactly
// once per transition. Satisfied by the status broadcaster.
type StatusPublisher interface {
	Publish(update StatusUpdate)
}

// Options tunes the execution manager.
type Options struct {
	// CancelGracePeriod is how long a cancelled process gets after the
	// graceful stop signal before it is killed.
	CancelGracePeriod time.Duration

	// OutputBufferSize is the number of output lines retained per execution.
	OutputBufferSize int
}

// Manager owns the execution-tracking table: the single source of truth
// for live job processes. Records are inserted before their process is
// spawned, so even a process that exits immediately is observed.
type Manager struct {
	publisher StatusPublisher
	events    bus.EventBus
	logger    *logger.Logger
	opts      Options

	mu      sync.Mutex
	records map[string]*record
}

// NewManager creates an execution manager.
func NewManager(publisher StatusPublisher, events bus.EventBus, opts Options, log *logger.Logger) *Manager {
	if opts.OutputBufferSize <= 0 {
		opts.OutputBufferSize = 1000
	}
	return &Manager{
		publisher: publisher,
		events:    events,
		logger:    log.WithComponent("execution-manager"),
		opts:      opts,
		records:   make(map[string]*record),
	}
}

// StartExecution validates the job, registers a Queued record, then
// spawns the process. The record is in the table before the process
// exists; a spawn refusal moves it straight to Failed.
func (m *Manager) StartExecution(ctx context.Context, job Job) (string, error) {
	if err := job.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	r := &record{
		id:        id,
		job:       job,
		state:     StateQueued,
		startedAt: time.Now(),
		output:    NewOutputBuffer(m.opts.OutputBufferSize),
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.records[id] = r
	m.mu.Unlock()

	m.emit(r, StateQueued, "queued", nil)

	// Intentionally not exec.CommandContext: the control request's context
	// must not kill the job when the request completes.
	cmd := exec.Command(job.Command, job.Args...)
	cmd.Dir = job.WorkDir
	if len(job.Env) > 0 {
		env := os.Environ()
		for k, v := range job.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.finalize(r, StateFailed, nil, fmt.Sprintf("stdout pipe: %v", err))
		return "", apperrors.SpawnFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.finalize(r, StateFailed, nil, fmt.Sprintf("stderr pipe: %v", err))
		return "", apperrors.SpawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		m.logger.WithExecutionID(id).Error("spawn refused", zap.Error(err))
		m.finalize(r, StateFailed, nil, fmt.Sprintf("spawn: %v", err))
		return "", apperrors.SpawnFailure(err)
	}

	m.mu.Lock()
	r.cmd = cmd
	r.state = StateRunning
	cancelled := r.cancelRequested
	m.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readStream(r, "stdout", stdout, &readers)
	go m.readStream(r, "stderr", stderr, &readers)

	m.emit(r, StateRunning, "running", nil)
	m.logger.WithExecutionID(id).Info("job process started",
		zap.String("command", job.Command),
		zap.Int("pid", cmd.Process.Pid))

	go m.waitForExit(r, &readers)

	// Cancellation arrived in the window between registration and spawn.
	if cancelled {
		m.signalStop(r)
	}

	return id, nil
}

// CancelExecution requests graceful termination, escalating to a kill
// after the grace period. Idempotent; a second cancel is a no-op.
func (m *Manager) CancelExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	r, ok := m.records[executionID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFound("execution", executionID)
	}
	if r.state.Terminal() || r.cancelRequested {
		m.mu.Unlock()
		return nil
	}
	r.cancelRequested = true
	m.mu.Unlock()

	m.logger.WithExecutionID(executionID).Info("cancellation requested")
	m.signalStop(r)
	return nil
}

// HasActiveExecutions reports whether any execution is Queued or Running.
func (m *Manager) HasActiveExecutions() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.state == StateQueued || r.state == StateRunning {
			return true
		}
	}
	return false
}

// GetExecution returns a snapshot of a tracked execution.
func (m *Manager) GetExecution(executionID string) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[executionID]
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Output returns the retained output of a tracked execution, limited to
// the last tail lines when tail is positive.
func (m *Manager) Output(executionID string, tail int) ([]OutputLine, bool) {
	m.mu.Lock()
	r, ok := m.records[executionID]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if tail > 0 {
		return r.output.GetLast(tail), true
	}
	return r.output.GetAll(), true
}

// signalStop sends the graceful stop signal and arms the kill escalation.
func (m *Manager) signalStop(r *record) {
	m.mu.Lock()
	cmd := r.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := terminateProcess(cmd.Process); err != nil {
		m.logger.WithExecutionID(r.id).Debug("stop signal failed", zap.Error(err))
	}
	go m.escalate(r)
}

// escalate kills the process when it outlives the cancel grace period.
func (m *Manager) escalate(r *record) {
	select {
	case <-r.done:
		return
	case <-time.After(m.opts.CancelGracePeriod):
	}

	m.mu.Lock()
	cmd := r.cmd
	m.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	m.logger.WithExecutionID(r.id).Warn("grace period elapsed, killing job process")
	if err := cmd.Process.Kill(); err != nil {
		m.logger.WithExecutionID(r.id).Debug("kill failed", zap.Error(err))
	}
}

// readStream drains one output pipe into the ring buffer.
func (m *Manager) readStream(r *record, stream string, pipe io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()

	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		r.output.Add(OutputLine{
			Timestamp: time.Now(),
			Stream:    stream,
			Content:   scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		m.logger.WithExecutionID(r.id).Debug("output reader error",
			zap.String("stream", stream), zap.Error(err))
	}
}

// waitForExit observes the process exit on a dedicated goroutine. A
// panic anywhere in this path is caught and logged; a fault here must
// never take down the agent.
func (m *Manager) waitForExit(r *record, readers *sync.WaitGroup) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.WithExecutionID(r.id).Error("panic in exit handler",
				zap.Any("panic", rec))
		}
	}()

	// The pipes must be fully drained before Wait releases them.
	readers.Wait()
	err := r.cmd.Wait()
	close(r.done)

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	m.mu.Lock()
	cancelled := r.cancelRequested
	m.mu.Unlock()

	var final State
	var message string
	switch {
	case cancelled:
		final = StateCancelled
		message = "cancelled"
	case exitCode == 0:
		final = StateCompleted
		message = "exit code 0"
	default:
		final = StateFailed
		message = fmt.Sprintf("exit code %d", exitCode)
	}

	m.finalize(r, final, &exitCode, message)
}

// finalize records a terminal state, emits its status event exactly
// once, and removes the record from the tracking table.
func (m *Manager) finalize(r *record, state State, exitCode *int, message string) {
	m.mu.Lock()
	if r.state.Terminal() {
		m.mu.Unlock()
		return
	}
	r.state = state
	r.endedAt = time.Now()
	if exitCode != nil {
		r.exitCode = *exitCode
		r.hasExit = true
	}
	m.mu.Unlock()

	m.emit(r, state, message, exitCode)

	m.mu.Lock()
	delete(m.records, r.id)
	m.mu.Unlock()

	m.logger.WithExecutionID(r.id).Info("execution finished",
		zap.String("state", string(state)),
		zap.String("message", message))
}

// emit delivers one status event to the publisher and mirrors it on the
// event bus for local observers.
func (m *Manager) emit(r *record, state State, message string, exitCode *int) {
	if m.publisher != nil {
		m.publisher.Publish(StatusUpdate{
			ExecutionID: r.id,
			State:       state,
			Message:     message,
			ExitCode:    exitCode,
		})
	}

	if m.events != nil {
		event := bus.NewEvent("execution.state.changed", "execution-manager", map[string]interface{}{
			"executionId": r.id,
			"state":       string(state),
			"message":     message,
		})
		subject := bus.SubjectExecutionState + "." + r.id
		if err := m.events.Publish(context.Background(), subject, event); err != nil {
			m.logger.Debug("event publish failed", zap.Error(err))
		}
	}
}
