package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownState is the lifecycle state of a ShutdownManager.
type ShutdownState string

const (
	StateIdle       ShutdownState = "idle"
	StateInitiated  ShutdownState = "initiated"
	StateInProgress ShutdownState = "in_progress"
	StateCompleted  ShutdownState = "completed"
	StateFailed     ShutdownState = "failed"
)

// Priority controls the order components are drained in: lower values shut
// down first.
const (
	PriorityHighest = 0
	PriorityHigh    = 10
	PriorityLow     = 90
	PriorityLowest  = 100
)

// Common per-component shutdown timeouts.
const (
	TimeoutTestFast   = 50 * time.Millisecond
	TimeoutQuick      = 5 * time.Second
	TimeoutCompletion = 30 * time.Second
)

// CompletedComponent records the outcome of shutting down one registered
// component.
type CompletedComponent struct {
	Name     string        `json:"name"`
	Status   string        `json:"status"` // success | error | timeout
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// ShutdownStatus is a point-in-time snapshot of a ShutdownManager, safe to
// serialize as JSON for a status endpoint.
type ShutdownStatus struct {
	IsShuttingDown      bool                 `json:"isShuttingDown"`
	State               string               `json:"state"`
	ShutdownInitiated   *time.Time           `json:"shutdownInitiated,omitempty"`
	Message             string               `json:"message,omitempty"`
	ActiveComponents    []string             `json:"activeComponents,omitempty"`
	CompletedComponents []CompletedComponent `json:"completedComponents,omitempty"`
}

type registeredComponent struct {
	name     string
	priority int
	timeout  time.Duration
	fn       func(ctx context.Context) error
}

// ShutdownManager tracks a priority-ordered, per-component graceful
// shutdown and exposes its progress so a /readyz-style endpoint can report
// it while a drain is in flight.
type ShutdownManager struct {
	log         logrus.FieldLogger
	serviceName string

	mu                  sync.RWMutex
	state               ShutdownState
	components          []registeredComponent
	shutdownInitiated   *time.Time
	activeComponents    []string
	completedComponents []CompletedComponent
	message             string
}

// NewShutdownManager returns an idle ShutdownManager.
func NewShutdownManager(log logrus.FieldLogger) *ShutdownManager {
	return &ShutdownManager{
		log:   log,
		state: StateIdle,
	}
}

// SetServiceName records the owning service's name. Neither the log
// entries nor ShutdownStatus include it.
func (m *ShutdownManager) SetServiceName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceName = name
}

// Register adds a component to be drained during Shutdown. Components drain
// in ascending priority order (lower value first); within the same
// priority, registration order is preserved.
func (m *ShutdownManager) Register(name string, priority int, timeout time.Duration, fn func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, registeredComponent{
		name:     name,
		priority: priority,
		timeout:  timeout,
		fn:       fn,
	})
}

// Shutdown drains every registered component in priority order, respecting
// each component's own timeout, and records the outcome of each. It returns
// an error if any component failed or timed out, but always runs every
// component regardless of prior failures.
func (m *ShutdownManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return errors.New("shutdown already in progress")
	}
	now := time.Now()
	m.state = StateInitiated
	m.shutdownInitiated = &now
	ordered := m.orderedComponentsLocked()
	m.mu.Unlock()

	m.mu.Lock()
	m.state = StateInProgress
	m.mu.Unlock()

	var failures int
	for _, c := range ordered {
		m.mu.Lock()
		m.activeComponents = []string{c.name}
		m.mu.Unlock()

		start := time.Now()
		componentCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.fn(componentCtx)
		cancel()
		duration := time.Since(start)

		status := "success"
		errMsg := ""
		switch {
		case err == nil:
			status = "success"
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
			errMsg = "component shutdown timed out"
			failures++
		default:
			status = "error"
			errMsg = err.Error()
			failures++
		}

		if m.log != nil {
			entry := m.log.WithField("component", c.name).WithField("status", status)
			if errMsg != "" {
				entry = entry.WithField("error", errMsg)
			}
			entry.Debug("component shutdown complete")
		}

		m.mu.Lock()
		m.completedComponents = append(m.completedComponents, CompletedComponent{
			Name:     c.name,
			Status:   status,
			Duration: duration,
			Error:    errMsg,
		})
		m.activeComponents = nil
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if failures > 0 {
		m.state = StateFailed
		m.message = fmt.Sprintf("Shutdown failed: %d of %d component(s) failed", failures, len(ordered))
		return errors.New(m.message)
	}
	m.state = StateCompleted
	return nil
}

func (m *ShutdownManager) orderedComponentsLocked() []registeredComponent {
	ordered := make([]registeredComponent, len(m.components))
	copy(ordered, m.components)
	for i := 1; i < len(ordered); i++ {
		for j := i; j > 0 && ordered[j].priority < ordered[j-1].priority; j-- {
			ordered[j], ordered[j-1] = ordered[j-1], ordered[j]
		}
	}
	return ordered
}

// GetShutdownStatus returns a snapshot of the manager's current state.
func (m *ShutdownManager) GetShutdownStatus() ShutdownStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	completed := make([]CompletedComponent, len(m.completedComponents))
	copy(completed, m.completedComponents)

	active := make([]string, len(m.activeComponents))
	copy(active, m.activeComponents)

	return ShutdownStatus{
		IsShuttingDown:      m.state == StateInitiated || m.state == StateInProgress,
		State:               string(m.state),
		ShutdownInitiated:   m.shutdownInitiated,
		Message:             m.message,
		ActiveComponents:    active,
		CompletedComponents: completed,
	}
}
