// Package shutdown coordinates graceful process termination across the
// long-running servers and background loops that make up one of this
// project's binaries.
//
// Two complementary pieces live here: Manager runs a set of top-level
// servers to completion and unwinds a LIFO cleanup stack when any of them
// stops (Run); ShutdownManager tracks the priority-ordered, timed shutdown
// of individual in-process components and exposes that progress as JSON for
// a /readyz-style endpoint (Shutdown, GetShutdownStatus).
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
)

// Server is anything with a blocking Run that returns when it stops, either
// because of an internal error or because ctx was cancelled.
type Server interface {
	Run(ctx context.Context) error
}

// ServerFunc adapts a plain function to Server.
type ServerFunc func(ctx context.Context) error

// Run implements Server.
func (f ServerFunc) Run(ctx context.Context) error { return f(ctx) }

// NewServerFunc wraps fn as a Server.
func NewServerFunc(fn func(ctx context.Context) error) Server {
	return ServerFunc(fn)
}

// CloseErrFunc adapts a func() error (e.g. io.Closer.Close) into a cleanup
// function for AddCleanup.
func CloseErrFunc(fn func() error) func() error {
	return fn
}

// StopWaitFunc builds a cleanup function for components exposing separate
// Stop() and Wait() methods (e.g. queues.Provider): Stop is called to signal
// shutdown, then Wait is called to block until drained.
func StopWaitFunc(name string, stop func(), wait func()) func() error {
	return func() error {
		stop()
		wait()
		return nil
	}
}

// ServerError wraps an error returned by a named Server.
type ServerError struct {
	ServerName string
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s server: %s", e.ServerName, e.Err)
}

func (e *ServerError) Unwrap() error { return e.Err }

type namedServer struct {
	name   string
	server Server
}

type namedCleanup struct {
	name string
	fn   func() error
}

// Manager runs a fixed set of top-level servers in parallel, listens for OS
// signals to cancel them, and unwinds registered cleanup functions in
// reverse (LIFO) order once every server has returned.
type Manager struct {
	log       *logrus.Logger
	servers   []namedServer
	cleanups  []namedCleanup
	signals   []os.Signal
	forceStop func()
}

// NewManager returns a Manager with the default termination signals
// (SIGTERM, SIGINT, SIGQUIT).
func NewManager(log *logrus.Logger) *Manager {
	return &Manager{
		log:     log,
		signals: []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT},
	}
}

// AddServer registers a named server to run under Run.
func (m *Manager) AddServer(name string, server Server) *Manager {
	m.servers = append(m.servers, namedServer{name: name, server: server})
	return m
}

// AddCleanup registers a named cleanup function, run in reverse registration
// order after all servers have returned.
func (m *Manager) AddCleanup(name string, fn func() error) *Manager {
	m.cleanups = append(m.cleanups, namedCleanup{name: name, fn: fn})
	return m
}

// WithSignals overrides the default termination signal set.
func (m *Manager) WithSignals(sigs ...os.Signal) *Manager {
	m.signals = sigs
	return m
}

// WithForceStop registers a function called as soon as any server returns a
// non-nil, non-context.Canceled error, before that server's siblings have
// necessarily noticed the cancellation.
func (m *Manager) WithForceStop(fn func()) *Manager {
	m.forceStop = fn
	return m
}

// Run starts signal handling, runs every registered server in parallel, and
// once they have all returned, runs cleanups LIFO. The first non-nil,
// non-context.Canceled server error is returned; context.Canceled (the
// normal result of a signal-triggered shutdown) is treated as success.
func (m *Manager) Run(ctx context.Context) error {
	if len(m.servers) == 0 {
		return errors.New("no servers configured")
	}

	ctx, stop := signal.NotifyContext(ctx, m.signals...)
	defer stop()

	var (
		mu      sync.Mutex
		firstErr error
		wg      sync.WaitGroup
	)

	for _, ns := range m.servers {
		wg.Add(1)
		go func(ns namedServer) {
			defer wg.Done()
			err := ns.server.Run(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}

			wrapped := &ServerError{ServerName: ns.name, Err: err}
			mu.Lock()
			if firstErr == nil {
				firstErr = wrapped
			}
			mu.Unlock()

			if m.log != nil {
				m.log.WithError(err).WithField("server", ns.name).Error("server exited with error")
			}
			if m.forceStop != nil {
				m.forceStop()
			}
			stop()
		}(ns)
	}

	wg.Wait()

	m.runCleanups()

	mu.Lock()
	defer mu.Unlock()
	return firstErr
}

func (m *Manager) runCleanups() {
	for i := len(m.cleanups) - 1; i >= 0; i-- {
		c := m.cleanups[i]
		if err := c.fn(); err != nil && m.log != nil {
			m.log.WithError(err).WithField("cleanup", c.name).Warn("cleanup returned error")
		}
	}
}
