// Package delivery moves enqueued ingest items into a sink in FIFO order,
// retrying transient failures with a global exponential backoff and offering a
// deadline-bounded flush for shutdown.
package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/szibis/membrane-bridge/internal/logging"
	"github.com/szibis/membrane-bridge/internal/queue"
)

// Sink delivers a single item. Implementations should honor ctx cancellation.
type Sink interface {
	Deliver(ctx context.Context, item *queue.Item) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, item *queue.Item) error

// Deliver calls f(ctx, item).
func (f SinkFunc) Deliver(ctx context.Context, item *queue.Item) error {
	return f(ctx, item)
}

// State is the activity of the delivery worker.
type State int32

const (
	StateIdle State = iota
	StateDraining
	StateBackingOff
	StateFlushing
	StateClosed
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDraining:
		return "draining"
	case StateBackingOff:
		return "backing_off"
	case StateFlushing:
		return "flushing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FlushReport summarizes one flush.
type FlushReport struct {
	// Delivered counts items the flush delivered.
	Delivered int
	// Dropped counts items whose single flush attempt failed.
	Dropped int
	// Abandoned counts items still queued when the deadline elapsed.
	Abandoned int
	// Elapsed is the flush duration measured on the manager's clock.
	Elapsed time.Duration
	// TimedOut is set when the deadline elapsed before the queue emptied.
	TimedOut bool
}

// attemptResult carries the flush run that started the attempt, nil for the
// drain loop. Results are only accounted against that run.
type attemptResult struct {
	item *queue.Item
	run  *flushRun
	err  error
}

type flushRequest struct {
	timeout time.Duration
	reply   chan FlushReport
}

type flushRun struct {
	started  time.Time
	deadline time.Time
	timer    *clock.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	report   FlushReport
	waiters  []chan FlushReport
	// expired is set once the deadline passed with this run's attempt in flight.
	expired bool
}

// Manager owns the queue and the delivery worker. All queue mutations happen
// on the worker goroutine; producers talk to it through channels, so Enqueue
// never waits on a sink call or a backoff.
type Manager struct {
	sink           Sink
	clock          clock.Clock
	logger         *logging.Logger
	capacity       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxRetries     int
	inboxSize      int
	closeTimeout   time.Duration

	inbox   chan *queue.Item
	flushes chan flushRequest
	lenReq  chan chan int
	results chan attemptResult
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	state     atomic.Int32

	// Owned by the worker goroutine.
	ctx         context.Context
	cancel      context.CancelFunc
	q           *queue.Ring
	backoffBase time.Duration
	backoff     *clock.Timer
	inFlight    bool
	attemptRun  *flushRun
	flush       *flushRun
}

// New creates a Manager delivering to sink and starts its worker.
func New(sink Sink, opts ...Option) *Manager {
	m := &Manager{
		sink:           sink,
		clock:          clock.New(),
		logger:         logging.Default(),
		capacity:       MinCapacity,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		maxRetries:     DefaultMaxRetries,
		inboxSize:      DefaultInboxSize,
		closeTimeout:   DefaultCloseTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.inbox = make(chan *queue.Item, m.inboxSize)
	m.flushes = make(chan flushRequest)
	m.lenReq = make(chan chan int)
	m.results = make(chan attemptResult, 1)
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.q = queue.New(m.capacity)
	m.backoffBase = m.initialBackoff
	setStateMetric(StateIdle)

	go m.run()
	return m
}

// Capacity returns the queue capacity after the minimum is applied.
func (m *Manager) Capacity() int {
	return m.capacity
}

// State returns the current worker state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Enqueue hands an item to the worker. It never blocks on delivery and never
// fails; if the queue is full the oldest item is evicted. Items enqueued after
// Close are discarded.
func (m *Manager) Enqueue(method queue.Method, payload map[string]any) {
	item := queue.NewItem(method, payload, m.clock.Now())

	select {
	case <-m.done:
		m.discardClosed(item)
		return
	default:
	}

	select {
	case m.inbox <- item:
	case <-m.done:
		m.discardClosed(item)
	}
}

func (m *Manager) discardClosed(item *queue.Item) {
	recordDrop(ErrClosed, 1)
	m.logger.Debug("delivery manager closed, item discarded", logging.F(
		"method", string(item.Method),
		"item_id", item.ID,
	))
}

// Len returns the number of queued items, excluding any attempt in flight.
func (m *Manager) Len() int {
	reply := make(chan int, 1)
	select {
	case m.lenReq <- reply:
	case <-m.done:
		return 0
	}
	select {
	case n := <-reply:
		return n
	case <-m.done:
		return 0
	}
}

// Flush gives every queued item, including all items enqueued before the call,
// a single delivery attempt without backoff until the queue is empty or
// timeout elapses. A pending backoff is cancelled.
// Items left when the deadline elapses are discarded and reported as
// abandoned. A Flush issued while another is running joins it.
func (m *Manager) Flush(timeout time.Duration) FlushReport {
	reply := make(chan FlushReport, 1)
	select {
	case m.flushes <- flushRequest{timeout: timeout, reply: reply}:
	case <-m.done:
		return FlushReport{}
	}
	select {
	case r := <-reply:
		return r
	case <-m.done:
		// Shutdown answers waiters before done is closed.
		select {
		case r := <-reply:
			return r
		default:
			return FlushReport{}
		}
	}
}

// Close stops the worker. Queued items are discarded and counted. An in-flight
// sink call is cancelled and awaited for at most the close timeout. Close is
// idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
	return nil
}

func (m *Manager) setState(s State) {
	if State(m.state.Swap(int32(s))) != s {
		setStateMetric(s)
	}
}

func (m *Manager) run() {
	defer close(m.done)

	for {
		m.schedule()

		var backoffC, deadlineC <-chan time.Time
		if m.backoff != nil {
			backoffC = m.backoff.C
		}
		if m.flush != nil {
			deadlineC = m.flush.timer.C
		}

		select {
		case item := <-m.inbox:
			m.push(item)
		case res := <-m.results:
			m.handleResult(res)
		case <-backoffC:
			m.backoff = nil
			deliveryBackoffSeconds.Set(0)
		case req := <-m.flushes:
			m.beginFlush(req)
		case <-deadlineC:
			m.flushDeadline()
		case reply := <-m.lenReq:
			reply <- m.q.Len()
		case <-m.stop:
			m.shutdown()
			return
		}
	}
}

// schedule starts the next attempt when none is in flight and the worker is
// not backing off. A running flush takes precedence over the drain loop.
func (m *Manager) schedule() {
	if m.inFlight {
		return
	}

	if f := m.flush; f != nil {
		if m.q.Len() == 0 {
			m.drainInbox()
		}
		if !f.expired && m.q.Len() > 0 && m.clock.Now().Before(f.deadline) {
			item, _ := m.q.Pop()
			m.startAttempt(item, f)
			return
		}
		m.finishFlush()
	}

	if m.backoff != nil {
		m.setState(StateBackingOff)
		return
	}

	item, ok := m.q.Pop()
	if !ok {
		m.setState(StateIdle)
		return
	}
	m.setState(StateDraining)
	m.startAttempt(item, nil)
}

// startAttempt runs one sink call. run is the flush the attempt belongs to,
// nil for the drain loop.
func (m *Manager) startAttempt(item *queue.Item, run *flushRun) {
	ctx, mode := m.ctx, "drain"
	if run != nil {
		ctx, mode = run.ctx, "flush"
	}
	m.inFlight = true
	m.attemptRun = run
	deliveryAttemptsTotal.WithLabelValues(mode).Inc()
	go func() {
		err := m.sink.Deliver(ctx, item)
		m.results <- attemptResult{item: item, run: run, err: err}
	}()
}

// drainInbox moves items already handed to Enqueue into the queue. A flush
// must see every item enqueued before it was requested.
func (m *Manager) drainInbox() {
	for {
		select {
		case item := <-m.inbox:
			m.push(item)
		default:
			return
		}
	}
}

func (m *Manager) push(item *queue.Item) {
	if evicted := m.q.Push(item); evicted != nil {
		recordDrop(ErrEvicted, 1)
		m.logger.Debug("delivery queue full, oldest item evicted", logging.F(
			"method", string(evicted.Method),
			"item_id", evicted.ID,
			"retries", evicted.Retries,
			"capacity", m.q.Cap(),
		))
	}
}

func (m *Manager) handleResult(res attemptResult) {
	m.inFlight = false
	m.attemptRun = nil
	item := res.item
	// A result whose flush already finished was reported as abandoned.
	late := res.run != nil && res.run != m.flush

	if res.err == nil {
		deliverySuccessTotal.WithLabelValues(string(item.Method)).Inc()
		if res.run != nil {
			if !late {
				res.run.report.Delivered++
			}
			return
		}
		m.backoffBase = m.initialBackoff
		return
	}

	derr := newDeliveryError(item, res.err)
	deliveryFailureTotal.WithLabelValues(string(derr.Type)).Inc()

	if late {
		m.logger.Debug("abandoned flush delivery failed", logging.F(
			"method", string(item.Method),
			"item_id", item.ID,
			"error", derr.Error(),
		))
		return
	}
	if res.run != nil {
		res.run.report.Dropped++
		recordDrop(ErrFlushFailed, 1)
		m.logger.Warn("flush delivery failed, item dropped", logging.F(
			"method", string(item.Method),
			"item_id", item.ID,
			"error", derr.Error(),
			"error_type", string(derr.Type),
		))
		return
	}

	m.logger.Warn("delivery failed", logging.F(
		"method", string(item.Method),
		"item_id", item.ID,
		"retries", item.Retries,
		"error", derr.Error(),
		"error_type", string(derr.Type),
	))

	item.Retries++
	if item.Retries > m.maxRetries {
		recordDrop(ErrRetryExhausted, 1)
		m.logger.Warn("dropping item after max retries", logging.F(
			"method", string(item.Method),
			"item_id", item.ID,
			"max_retries", m.maxRetries,
			"reason", ErrRetryExhausted.Error(),
		))
		return
	}

	m.push(item)

	// A running flush retries the item itself, without backoff.
	if m.flush != nil {
		return
	}
	m.startBackoff(m.backoffDelay(item.Retries))
}

// backoffDelay returns min(base * 2^retries, max).
func (m *Manager) backoffDelay(retries int) time.Duration {
	delay := m.backoffBase
	if delay <= 0 {
		return 0
	}
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= m.maxBackoff || delay <= 0 {
			return m.maxBackoff
		}
	}
	if delay > m.maxBackoff {
		return m.maxBackoff
	}
	return delay
}

func (m *Manager) startBackoff(delay time.Duration) {
	m.backoff = m.clock.Timer(delay)
	deliveryBackoffSeconds.Set(delay.Seconds())
	m.setState(StateBackingOff)
	m.logger.Debug("delivery backing off", logging.F(
		"delay", delay.String(),
		"queue_size", m.q.Len(),
	))
}

func (m *Manager) stopBackoff() {
	if m.backoff == nil {
		return
	}
	m.backoff.Stop()
	m.backoff = nil
	deliveryBackoffSeconds.Set(0)
}

func (m *Manager) beginFlush(req flushRequest) {
	if m.flush != nil {
		m.flush.waiters = append(m.flush.waiters, req.reply)
		return
	}

	if m.backoff != nil {
		m.stopBackoff()
		m.logger.Debug("backoff cancelled by flush")
	}

	timeout := req.timeout
	if timeout < 0 {
		timeout = 0
	}
	now := m.clock.Now()
	ctx, cancel := context.WithCancel(m.ctx)
	m.flush = &flushRun{
		started:  now,
		deadline: now.Add(timeout),
		timer:    m.clock.Timer(timeout),
		ctx:      ctx,
		cancel:   cancel,
		waiters:  []chan FlushReport{req.reply},
	}
	m.drainInbox()
	m.setState(StateFlushing)
	m.logger.Info("flushing delivery queue", logging.F(
		"queue_size", m.q.Len(),
		"timeout", timeout.String(),
	))
}

// flushDeadline ends the running flush. When one of its attempts is still in
// flight, the attempt is cancelled and given up to the close timeout to report.
func (m *Manager) flushDeadline() {
	f := m.flush
	if f == nil {
		return
	}
	if f.expired || !m.inFlight || m.attemptRun != f {
		m.finishFlush()
		return
	}
	f.expired = true
	f.cancel()
	f.timer = m.clock.Timer(m.closeTimeout)
	m.logger.Debug("flush deadline reached, waiting for in-flight delivery", logging.F(
		"timeout", m.closeTimeout.String(),
	))
}

func (m *Manager) finishFlush() {
	f := m.flush
	if f == nil {
		return
	}
	m.flush = nil
	f.timer.Stop()
	f.cancel()

	abandoned := len(m.q.Drain())
	if m.inFlight && m.attemptRun == f {
		abandoned++
	}
	now := m.clock.Now()
	f.report.Abandoned = abandoned
	f.report.Elapsed = now.Sub(f.started)
	f.report.TimedOut = abandoned > 0 || f.expired || !now.Before(f.deadline)
	flushDuration.Observe(f.report.Elapsed.Seconds())

	if abandoned > 0 {
		recordDrop(ErrFlushAbandoned, abandoned)
		m.logger.Warn("flush deadline reached, items abandoned", logging.F(
			"abandoned", abandoned,
			"reason", ErrFlushAbandoned.Error(),
		))
	}
	m.logger.Info("flush complete", logging.F(
		"delivered", f.report.Delivered,
		"dropped", f.report.Dropped,
		"abandoned", abandoned,
		"elapsed", f.report.Elapsed.String(),
	))

	if m.inFlight {
		m.setState(StateDraining)
	} else {
		m.setState(StateIdle)
	}
	for _, w := range f.waiters {
		w <- f.report
	}
}

func (m *Manager) shutdown() {
	m.cancel()
	m.finishFlush()
	m.stopBackoff()

	if m.inFlight {
		select {
		case res := <-m.results:
			m.inFlight = false
			if res.err == nil {
				deliverySuccessTotal.WithLabelValues(string(res.item.Method)).Inc()
			} else if res.run == nil {
				// Flush attempts were already counted as abandoned.
				recordDrop(ErrClosed, 1)
			}
		case <-m.clock.After(m.closeTimeout):
			m.logger.Warn("sink call still running at close", logging.F(
				"timeout", m.closeTimeout.String(),
			))
		}
	}

	discarded := len(m.q.Drain())
	for {
		select {
		case <-m.inbox:
			discarded++
			continue
		default:
		}
		break
	}

	if discarded > 0 {
		recordDrop(ErrClosed, discarded)
		m.logger.Warn("delivery manager closed with queued items", logging.F(
			"discarded", discarded,
		))
	}
	m.setState(StateClosed)
}
