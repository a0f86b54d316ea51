// Package notify delivers committed booking events to external sinks without blocking callers.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	defaultAttempts  = 3
	defaultBackoff   = 200 * time.Millisecond
	defaultRate      = 20
)

// Sink delivers one event. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event booking.Event) error
}

// Dispatcher is a bounded worker pool implementing booking.EventPublisher. Events are queued and
// delivered to every sink with retries; a full queue drops the event with a warning.
type Dispatcher struct {
	sinks     []Sink
	workers   int
	queue     chan booking.Event
	limiter   *rate.Limiter
	attempts  int
	backoff   time.Duration
	logger    *zap.Logger
	sleepFn   func(ctx context.Context, wait time.Duration) error
	mutex     sync.RWMutex
	started   bool
	closed    bool
	runCtx    context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the number of delivery goroutines.
func WithWorkers(workers int) Option {
	return func(dispatcher *Dispatcher) {
		if workers > 0 {
			dispatcher.workers = workers
		}
	}
}

// WithQueueSize bounds how many undelivered events are buffered.
func WithQueueSize(size int) Option {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.queue = make(chan booking.Event, size)
		}
	}
}

// WithRate limits deliveries per second across all workers.
func WithRate(perSecond float64) Option {
	return func(dispatcher *Dispatcher) {
		if perSecond > 0 {
			burst := int(perSecond)
			if burst < 1 {
				burst = 1
			}
			dispatcher.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithAttempts sets how many times each sink is tried per event.
func WithAttempts(attempts int) Option {
	return func(dispatcher *Dispatcher) {
		if attempts > 0 {
			dispatcher.attempts = attempts
		}
	}
}

// WithBackoff sets the first wait between attempts; later waits double.
func WithBackoff(backoff time.Duration) Option {
	return func(dispatcher *Dispatcher) {
		if backoff >= 0 {
			dispatcher.backoff = backoff
		}
	}
}

// WithLogger wires the logger used for drops and delivery failures.
func WithLogger(logger *zap.Logger) Option {
	return func(dispatcher *Dispatcher) {
		if logger != nil {
			dispatcher.logger = logger
		}
	}
}

// NewDispatcher builds a dispatcher over sinks. Call Start before publishing.
func NewDispatcher(sinks []Sink, options ...Option) (*Dispatcher, error) {
	if len(sinks) == 0 {
		return nil, errors.New("notify: at least one sink is required")
	}
	for _, sink := range sinks {
		if sink == nil {
			return nil, errors.New("notify: nil sink")
		}
	}
	dispatcher := &Dispatcher{
		sinks:    sinks,
		workers:  defaultWorkers,
		queue:    make(chan booking.Event, defaultQueueSize),
		limiter:  rate.NewLimiter(rate.Limit(defaultRate), defaultRate),
		attempts: defaultAttempts,
		backoff:  defaultBackoff,
		logger:   zap.NewNop(),
		sleepFn:  sleepContext,
	}
	for _, option := range options {
		if option != nil {
			option(dispatcher)
		}
	}
	dispatcher.logger = dispatcher.logger.Named("notify")
	return dispatcher, nil
}

// Start launches the workers. Deliveries stop when ctx is cancelled.
func (dispatcher *Dispatcher) Start(ctx context.Context) {
	dispatcher.mutex.Lock()
	defer dispatcher.mutex.Unlock()
	if dispatcher.started || dispatcher.closed {
		return
	}
	dispatcher.started = true
	dispatcher.runCtx, dispatcher.cancel = context.WithCancel(ctx)
	for index := 0; index < dispatcher.workers; index++ {
		dispatcher.waitGroup.Add(1)
		go dispatcher.work(index)
	}
}

// Publish queues event for delivery and returns immediately. It never reports delivery failures.
func (dispatcher *Dispatcher) Publish(ctx context.Context, event booking.Event) error {
	dispatcher.mutex.RLock()
	defer dispatcher.mutex.RUnlock()
	if dispatcher.closed {
		dispatcher.logger.Warn("event dropped after close", zap.String("event", event.Key()))
		return nil
	}
	select {
	case dispatcher.queue <- event:
		if spanContext := trace.SpanContextFromContext(ctx); spanContext.IsValid() {
			dispatcher.logger.Debug("event queued", zap.String("event", event.Key()), zap.String("trace_id", spanContext.TraceID().String()))
		}
	default:
		dispatcher.logger.Warn("event queue full, dropping event", zap.String("event", event.Key()), zap.Int("capacity", cap(dispatcher.queue)))
	}
	return nil
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (dispatcher *Dispatcher) Close(ctx context.Context) error {
	dispatcher.mutex.Lock()
	if dispatcher.closed {
		dispatcher.mutex.Unlock()
		return nil
	}
	dispatcher.closed = true
	close(dispatcher.queue)
	started := dispatcher.started
	dispatcher.mutex.Unlock()
	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		dispatcher.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
		dispatcher.cancel()
		return nil
	case <-ctx.Done():
		dispatcher.cancel()
		<-done
		return ctx.Err()
	}
}

func (dispatcher *Dispatcher) work(index int) {
	defer dispatcher.waitGroup.Done()
	for event := range dispatcher.queue {
		if err := dispatcher.limiter.Wait(dispatcher.runCtx); err != nil {
			dispatcher.logger.Warn("event dropped on shutdown", zap.Int("worker", index), zap.String("event", event.Key()))
			continue
		}
		for _, sink := range dispatcher.sinks {
			dispatcher.deliver(sink, event)
		}
	}
}

func (dispatcher *Dispatcher) deliver(sink Sink, event booking.Event) {
	wait := dispatcher.backoff
	var err error
	for attempt := 1; attempt <= dispatcher.attempts; attempt++ {
		err = sink.Deliver(dispatcher.runCtx, event)
		if err == nil {
			return
		}
		if attempt == dispatcher.attempts {
			break
		}
		if sleepErr := dispatcher.sleepFn(dispatcher.runCtx, wait); sleepErr != nil {
			err = sleepErr
			break
		}
		wait *= 2
	}
	dispatcher.logger.Error("event delivery failed",
		zap.String("sink", sink.Name()),
		zap.String("event", event.Key()),
		zap.Int("attempts", dispatcher.attempts),
		zap.Error(err),
	)
}

func sleepContext(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
