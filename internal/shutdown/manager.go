// Package shutdown coordinates graceful shutdown of the mountrix daemon.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the current shutdown state.
type State string

const (
	// StateRunning indicates the daemon accepts new operations.
	StateRunning State = "running"
	// StateDraining indicates the daemon refuses new operations and waits
	// for running ones to finish.
	StateDraining State = "draining"
	// StateComplete indicates shutdown is complete.
	StateComplete State = "complete"
)

// ErrOperationsRunning is returned by Shutdown when operations were still
// running at the deadline.
var ErrOperationsRunning = errors.New("operations still running at shutdown deadline")

// Status represents the current shutdown status.
type Status struct {
	State             State         `json:"state"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	TimeRemaining     time.Duration `json:"time_remaining,omitempty"`
	RunningOperations int           `json:"running_operations"`
	Accepting         bool          `json:"accepting"`
	Message           string        `json:"message,omitempty"`
}

// Config holds configuration for the shutdown manager.
type Config struct {
	// Timeout is the maximum time to wait for running operations.
	Timeout time.Duration
	// PollInterval is how often progress is logged while waiting.
	PollInterval time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		PollInterval: time.Second,
	}
}

// Manager tracks running table operations and lets them finish before the
// process exits. An operation interrupted between backup and rollback
// would leave the table half written.
type Manager struct {
	config    Config
	logger    zerolog.Logger
	mu        sync.Mutex
	state     State
	startedAt *time.Time
	running   int
	idle      chan struct{}
	doneCh    chan struct{}
	once      sync.Once
	now       func() time.Time
}

// NewManager creates a new shutdown manager.
func NewManager(config Config, logger zerolog.Logger) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	return &Manager{
		config: config,
		logger: logger.With().Str("component", "shutdown_manager").Logger(),
		state:  StateRunning,
		doneCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Acquire registers a new operation. It returns false once shutdown has
// started. The returned release func must be called when the operation ends.
func (m *Manager) Acquire() (release func(), ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateRunning {
		return nil, false
	}
	m.running++

	var once sync.Once
	return func() { once.Do(m.release) }, true
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	if m.running == 0 && m.idle != nil {
		close(m.idle)
		m.idle = nil
	}
}

// IsAccepting reports whether new operations are accepted.
func (m *Manager) IsAccepting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateRunning
}

// GetState returns the current shutdown state.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetStatus returns the current shutdown status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := Status{
		State:             m.state,
		StartedAt:         m.startedAt,
		RunningOperations: m.running,
		Accepting:         m.state == StateRunning,
	}

	if m.startedAt != nil {
		remaining := m.config.Timeout - m.now().Sub(*m.startedAt)
		if remaining > 0 && m.state != StateComplete {
			status.TimeRemaining = remaining
		}
	}

	switch m.state {
	case StateRunning:
		status.Message = "Accepting operations"
	case StateDraining:
		status.Message = "Waiting for running operations, not accepting new ones"
	case StateComplete:
		status.Message = "Shutdown complete"
	}

	return status
}

// Shutdown stops accepting operations and waits for running ones until
// they finish, the configured timeout passes, or ctx is done. Only the
// first call does any work.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	m.once.Do(func() {
		err = m.doShutdown(ctx)
	})
	return err
}

func (m *Manager) doShutdown(ctx context.Context) error {
	start := m.now()

	m.mu.Lock()
	m.startedAt = &start
	m.state = StateDraining
	running := m.running
	idle := make(chan struct{})
	if running == 0 {
		close(idle)
	} else {
		m.idle = idle
	}
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.config.Timeout).
		Int("running_operations", running).
		Msg("initiating graceful shutdown")

	err := m.waitIdle(ctx, idle)

	m.mu.Lock()
	m.state = StateComplete
	m.mu.Unlock()
	close(m.doneCh)

	if err != nil {
		m.logger.Warn().Int("running_operations", m.runningCount()).Msg("shutdown deadline reached with operations still running")
		return err
	}
	m.logger.Info().Dur("duration", m.now().Sub(start)).Msg("graceful shutdown complete")
	return nil
}

func (m *Manager) waitIdle(ctx context.Context, idle <-chan struct{}) error {
	waitCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-idle:
			return nil
		case <-waitCtx.Done():
			return ErrOperationsRunning
		case <-ticker.C:
			m.logger.Info().
				Int("running_operations", m.runningCount()).
				Msg("waiting for running operations to complete")
		}
	}
}

func (m *Manager) runningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
