package delivery

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/szibis/membrane-bridge/internal/logging"
)

const (
	// MinCapacity is the smallest queue the manager will allocate.
	MinCapacity = 1000
	// DefaultInitialBackoff is the backoff base restored after every successful delivery.
	DefaultInitialBackoff = 100 * time.Millisecond
	// DefaultMaxBackoff caps a single backoff interval.
	DefaultMaxBackoff = 30 * time.Second
	// DefaultMaxRetries is the number of retries after which an item is dropped.
	DefaultMaxRetries = 10
	// DefaultInboxSize is the buffer of the enqueue channel feeding the worker.
	DefaultInboxSize = 1024
	// DefaultCloseTimeout bounds how long Close waits for an in-flight sink call.
	DefaultCloseTimeout = 5 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithCapacity sets the queue capacity. Values below MinCapacity are raised to it.
func WithCapacity(n int) Option {
	return func(m *Manager) {
		if n < MinCapacity {
			n = MinCapacity
		}
		m.capacity = n
	}
}

// WithInitialBackoff sets the backoff base.
func WithInitialBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.initialBackoff = d
		}
	}
}

// WithMaxBackoff caps the backoff delay.
func WithMaxBackoff(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxBackoff = d
		}
	}
}

// WithMaxRetries sets the retry ceiling.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithLogger sets the logger. Defaults to logging.Default().
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock replaces the wall clock used for backoff timers and flush deadlines.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithInboxSize sets the enqueue channel buffer.
func WithInboxSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.inboxSize = n
		}
	}
}

// WithCloseTimeout bounds how long Close waits for an in-flight sink call.
func WithCloseTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.closeTimeout = d
		}
	}
}
