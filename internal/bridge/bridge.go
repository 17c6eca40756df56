// Package bridge connects the event intake to the delivery manager and owns
// the shutdown sequence.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/szibis/membrane-bridge/internal/delivery"
	"github.com/szibis/membrane-bridge/internal/health"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/mapping"
)

// DefaultFlushTimeout bounds the shutdown flush.
const DefaultFlushTimeout = 5 * time.Second

// ErrFlushIncomplete is wrapped by Shutdown when items were lost during the
// final flush.
var ErrFlushIncomplete = errors.New("flush incomplete")

// Client is the downstream Membrane connection.
type Client interface {
	delivery.Sink
	Close() error
}

// Config configures a Bridge.
type Config struct {
	// DefaultSensitivity applies to events with no stronger signal.
	DefaultSensitivity string
	FlushTimeout       time.Duration
	Logger             *logging.Logger
	// Clock stamps mapped payloads. Defaults to the wall clock.
	Clock clock.Clock
}

// Bridge maps host events to ingest calls and queues them for delivery.
type Bridge struct {
	cfg     Config
	client  Client
	manager *delivery.Manager
	logger  *logging.Logger
	clock   clock.Clock

	received atomic.Int64
	ignored  atomic.Int64

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Bridge delivering through client. opts are applied to the
// delivery manager after the bridge's own logger option.
func New(cfg Config, client Client, opts ...delivery.Option) *Bridge {
	if cfg.DefaultSensitivity == "" {
		cfg.DefaultSensitivity = mapping.SensitivityLow
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultFlushTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	managerOpts := append([]delivery.Option{delivery.WithLogger(cfg.Logger)}, opts...)
	return &Bridge{
		cfg:     cfg,
		client:  client,
		manager: delivery.New(client, managerOpts...),
		logger:  cfg.Logger,
		clock:   cfg.Clock,
	}
}

// Manager returns the underlying delivery manager.
func (b *Bridge) Manager() *delivery.Manager {
	return b.manager
}

// HandleEvent maps ev and enqueues it. It reports false for event types with
// no mapping. It never blocks on delivery.
func (b *Bridge) HandleEvent(ev mapping.Event) bool {
	sensitivity := mapping.Sensitivity(ev, b.cfg.DefaultSensitivity)
	mapped, ok := mapping.Map(ev, sensitivity, b.clock.Now())
	if !ok {
		b.ignored.Add(1)
		b.logger.Debug("ignoring unmapped event", logging.F("type", ev.Type))
		return false
	}
	b.received.Add(1)

	b.logger.Info("received event", logging.F(
		"type", ev.Type,
		"method", string(mapped.Method),
		"sensitivity", sensitivity,
	))
	b.manager.Enqueue(mapped.Method, mapped.Payload)
	return true
}

// Stats returns the number of mapped and ignored events since start.
func (b *Bridge) Stats() (received, ignored int64) {
	return b.received.Load(), b.ignored.Load()
}

// StartPeriodicLogging logs event and queue counters every interval until
// ctx is done.
func (b *Bridge) StartPeriodicLogging(ctx context.Context, interval time.Duration) {
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received, ignored := b.Stats()
			b.logger.Info("stats", logging.F(
				"events_received", received,
				"events_ignored", ignored,
				"queue_size", b.manager.Len(),
				"queue_capacity", b.manager.Capacity(),
				"state", b.manager.State().String(),
			))
		}
	}
}

// RegisterHealth adds readiness checks for queue fill and manager state.
func (b *Bridge) RegisterHealth(c *health.Checker, maxFill float64) {
	c.RegisterReadiness("delivery_queue", health.QueueFill(b.manager.Len, b.manager.Capacity(), maxFill))
	c.RegisterReadiness("delivery_manager", func() error {
		if state := b.manager.State(); state == delivery.StateClosed {
			return fmt.Errorf("delivery manager %s", state)
		}
		return nil
	})
}

// Shutdown flushes queued items within the flush timeout, then closes the
// manager and the client. ctx may cut the flush short. Later calls return the
// first result.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.shutdownOnce.Do(func() {
		b.shutdownErr = b.shutdown(ctx)
	})
	return b.shutdownErr
}

func (b *Bridge) shutdown(ctx context.Context) error {
	timeout := b.cfg.FlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = max(remaining, 0)
		}
	}

	b.logger.Info("shutting down, flushing buffer", logging.F(
		"queued", b.manager.Len(),
		"timeout", timeout.String(),
	))

	report := b.manager.Flush(timeout)

	var err error
	if report.Dropped > 0 || report.Abandoned > 0 {
		err = multierr.Append(err, fmt.Errorf("flush lost %d items (%d failed, %d abandoned): %w",
			report.Dropped+report.Abandoned, report.Dropped, report.Abandoned, ErrFlushIncomplete))
	}
	err = multierr.Append(err, b.manager.Close())
	if cerr := b.client.Close(); cerr != nil {
		err = multierr.Append(err, fmt.Errorf("closing membrane client: %w", cerr))
	}
	return err
}
