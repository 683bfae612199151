// Package dispatch runs generation jobs on a fixed worker pool fed by a
// bounded three-level priority queue. Each job reports its progress on its
// own event channel; transient failures are retried with exponential
// backoff and jobs that give up land in a dead-letter store.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alfredjeanlab/convgraph/internal/generation"
	"github.com/alfredjeanlab/convgraph/internal/idgen"
	"github.com/alfredjeanlab/convgraph/internal/model"
)

var (
	// ErrQueueFull is returned by Submit when the queue is at capacity.
	ErrQueueFull = &model.Error{Kind: model.KindCapacity, Message: "generation queue is full"}
	// ErrStopped is returned by Submit after Shutdown.
	ErrStopped = &model.Error{Kind: model.KindCapacity, Message: "dispatcher is shut down"}
)

// EventType names a job event.
type EventType string

const (
	EventAccepted  EventType = "accepted"
	EventChunk     EventType = "chunk"
	EventRetry     EventType = "retry"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one step of a job. Chunk events carry Delta; a retry event means
// any text streamed so far must be discarded. Completed carries the finish
// reason and usage, failed carries Err.
type Event struct {
	Type         EventType
	JobID        string
	NodeID       string
	Attempt      int
	Delta        string
	FinishReason string
	Usage        *model.Usage
	Delay        time.Duration
	Err          error
}

// Ticket is handed back by Submit.
type Ticket struct {
	JobID string
	// Events is closed after the terminal event, or without one when the job
	// is cancelled or the dispatcher shuts down before it ran.
	Events <-chan Event
}

// Config configures a Dispatcher. Zero values get defaults.
type Config struct {
	Workers       int
	QueueCapacity int
	MaxAttempts   int
	BaseDelay     time.Duration
	// RateLimit caps provider calls per second across all workers. Zero
	// disables limiting.
	RateLimit float64
	// BreakerFailures consecutive transient failures open the provider
	// circuit for BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	DeadLetters     DeadLetterStore
	Metrics         *Metrics
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.DeadLetters == nil {
		c.DeadLetters = NewMemoryDeadLetters(256)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type job struct {
	id       string
	nodeID   string
	priority Priority
	req      *generation.Request
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan Event
}

// Dispatcher owns the queue and the worker pool.
type Dispatcher struct {
	gen     generation.Generator
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter

	mu      sync.Mutex
	q       queue
	byNode  map[string]*job
	running int
	started bool
	stopped bool
	wake    chan struct{}

	// jobsCtx parents every job context; it is only cancelled when Shutdown
	// gives up waiting. stopLoops ends the worker loops.
	jobsCtx   context.Context
	abortJobs context.CancelFunc
	stopLoops context.CancelFunc
	group     *errgroup.Group
}

// New returns a dispatcher around gen. Call Start to launch the workers.
func New(gen generation.Generator, cfg Config) *Dispatcher {
	cfg.defaults()
	d := &Dispatcher{
		gen:     gen,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		byNode:  make(map[string]*job),
		wake:    make(chan struct{}, cfg.QueueCapacity),
	}
	d.jobsCtx, d.abortJobs = context.WithCancel(context.Background())
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "generation",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !generation.IsRetryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("generation circuit changed state", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return d
}

// Start launches the worker pool. Jobs submitted earlier start running.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	loopCtx, stop := context.WithCancel(ctx)
	d.stopLoops = stop
	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.worker(gctx)
			return nil
		})
	}
	d.group = g
	d.logger.Info("dispatcher started", "workers", d.cfg.Workers, "queue_capacity", d.cfg.QueueCapacity)
	return nil
}

// Shutdown stops accepting jobs, drops queued ones and waits for running
// jobs to finish. If ctx expires first the running jobs are cancelled.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	var dropped int
	for j := d.q.pop(); j != nil; j = d.q.pop() {
		delete(d.byNode, j.nodeID)
		j.cancel()
		close(j.events)
		dropped++
	}
	d.metrics.Queued.Set(0)
	g, stop := d.group, d.stopLoops
	d.mu.Unlock()

	if g == nil {
		d.abortJobs()
		return nil
	}
	stop()
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.abortJobs()
		d.logger.Info("dispatcher stopped", "dropped", dropped)
		return nil
	case <-ctx.Done():
		d.abortJobs()
		<-done
		d.logger.Warn("dispatcher shutdown interrupted running jobs", "dropped", dropped)
		return ctx.Err()
	}
}

// Submit queues a generation for nodeID. It never blocks: a full queue
// fails with ErrQueueFull. A node with a job already queued or running has
// that job cancelled first.
func (d *Dispatcher) Submit(nodeID string, p Priority, req *generation.Request) (*Ticket, error) {
	if !p.valid() {
		p = PriorityNormal
	}
	id, err := idgen.New(idgen.KindJob)
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil, ErrStopped
	}
	if old, ok := d.byNode[nodeID]; ok {
		d.cancelLocked(old)
	}
	if d.q.len() >= d.cfg.QueueCapacity {
		d.metrics.Rejected.Inc()
		return nil, ErrQueueFull
	}

	ctx, cancel := context.WithCancel(d.jobsCtx)
	j := &job{
		id:       id,
		nodeID:   nodeID,
		priority: p,
		req:      req,
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan Event, 64),
	}
	j.events <- Event{Type: EventAccepted, JobID: id, NodeID: nodeID}
	d.q.push(j)
	d.byNode[nodeID] = j
	d.metrics.Submitted.Inc()
	d.metrics.Queued.Set(float64(d.q.len()))

	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.logger.Debug("job queued", "job", id, "node", nodeID, "priority", p.String())
	return &Ticket{JobID: id, Events: j.events}, nil
}

// Cancel stops the job for nodeID, if any. A queued job is removed; a
// running one has its context cancelled and its later results discarded.
func (d *Dispatcher) Cancel(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.byNode[nodeID]
	if !ok {
		return false
	}
	d.cancelLocked(j)
	return true
}

func (d *Dispatcher) cancelLocked(j *job) {
	delete(d.byNode, j.nodeID)
	j.cancel()
	if d.q.remove(j) {
		close(j.events)
		d.metrics.Queued.Set(float64(d.q.len()))
	}
	d.logger.Debug("job cancelled", "job", j.id, "node", j.nodeID)
}

// Active reports whether nodeID has a queued or running job.
func (d *Dispatcher) Active(nodeID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.byNode[nodeID]
	return ok
}

// Stats is a point-in-time view of the dispatcher.
type Stats struct {
	Workers int  `json:"workers"`
	Queued  int  `json:"queued"`
	Running int  `json:"running"`
	Started bool `json:"started"`
	Stopped bool `json:"stopped"`
}

// Stats returns current queue and pool occupancy.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		Workers: d.cfg.Workers,
		Queued:  d.q.len(),
		Running: d.running,
		Started: d.started,
		Stopped: d.stopped,
	}
}

// DeadLetters returns the store failed jobs are recorded in.
func (d *Dispatcher) DeadLetters() DeadLetterStore {
	return d.cfg.DeadLetters
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		}
		for j := d.next(); j != nil; j = d.next() {
			d.run(j)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (d *Dispatcher) next() *job {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return nil
	}
	j := d.q.pop()
	if j != nil {
		d.running++
		d.metrics.Queued.Set(float64(d.q.len()))
		d.metrics.Running.Inc()
	}
	return j
}

func (d *Dispatcher) finish(j *job) {
	d.mu.Lock()
	if d.byNode[j.nodeID] == j {
		delete(d.byNode, j.nodeID)
	}
	d.running--
	d.mu.Unlock()
	d.metrics.Running.Dec()
	j.cancel()
	close(j.events)
}

// emit delivers ev unless the job has been cancelled.
func (d *Dispatcher) emit(j *job, ev Event) bool {
	ev.JobID = j.id
	ev.NodeID = j.nodeID
	select {
	case j.events <- ev:
		return true
	case <-j.ctx.Done():
		return false
	}
}

// backoff returns the wait before the retry that follows failed attempt n
// (1-based): BaseDelay, 2*BaseDelay, 4*BaseDelay, ...
func (d *Dispatcher) backoff(n int) time.Duration {
	return d.cfg.BaseDelay << (n - 1)
}

func (d *Dispatcher) run(j *job) {
	defer d.finish(j)
	start := time.Now()

	var (
		lastErr  error
		attempts int
	)
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.backoff(attempt - 1)
			d.metrics.Retries.Inc()
			d.logger.Info("retrying generation", "job", j.id, "node", j.nodeID, "attempt", attempt, "delay", delay, "error", lastErr)
			if !d.emit(j, Event{Type: EventRetry, Attempt: attempt, Delay: delay, Err: lastErr}) {
				return
			}
			select {
			case <-time.After(delay):
			case <-j.ctx.Done():
				return
			}
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(j.ctx); err != nil {
				return
			}
		}

		attempts = attempt
		final, err := d.attempt(j, attempt)
		if j.ctx.Err() != nil {
			d.metrics.Finished.WithLabelValues("cancelled").Inc()
			return
		}
		if err == nil {
			d.emit(j, Event{Type: EventCompleted, Attempt: attempt, FinishReason: final.FinishReason, Usage: final.Usage})
			d.metrics.Finished.WithLabelValues("completed").Inc()
			d.metrics.Duration.Observe(time.Since(start).Seconds())
			return
		}
		lastErr = err
		if !generation.IsRetryable(err) {
			break
		}
	}

	d.metrics.Finished.WithLabelValues("failed").Inc()
	d.metrics.Duration.Observe(time.Since(start).Seconds())
	d.deadLetter(j, attempts, lastErr)
	d.emit(j, Event{Type: EventFailed, Attempt: attempts, Err: lastErr})
}

// attempt runs one generation call through the circuit breaker, forwarding
// chunks as they arrive.
func (d *Dispatcher) attempt(j *job, n int) (*generation.Chunk, error) {
	out, err := d.breaker.Execute(func() (any, error) {
		return d.stream(j, n)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, generation.Transient("circuit_open", err, "provider circuit is open")
	}
	if err != nil {
		return nil, err
	}
	return out.(*generation.Chunk), nil
}

func (d *Dispatcher) stream(j *job, n int) (final *generation.Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("generator panicked", "job", j.id, "panic", r)
			final, err = nil, generation.Fatal("panic", nil, "generator panicked: %v", r)
		}
	}()

	ch, err := d.gen.Generate(j.ctx, j.req)
	if err != nil {
		return nil, err
	}
	for c := range ch {
		switch {
		case c.Err != nil:
			return nil, c.Err
		case c.Done:
			return &c, nil
		case c.Delta != "":
			if !d.emit(j, Event{Type: EventChunk, Attempt: n, Delta: c.Delta}) {
				return nil, j.ctx.Err()
			}
		}
	}
	if err := j.ctx.Err(); err != nil {
		return nil, err
	}
	return nil, generation.Transient("stream_closed", nil, "stream closed without a final chunk")
}

func (d *Dispatcher) deadLetter(j *job, attempts int, err error) {
	dl := DeadLetter{
		JobID:    j.id,
		NodeID:   j.nodeID,
		Model:    j.req.Model,
		Attempts: attempts,
		Code:     FailureCode(err),
		FailedAt: time.Now().UTC(),
	}
	if err != nil {
		dl.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if aerr := d.cfg.DeadLetters.Add(ctx, dl); aerr != nil {
		d.logger.Error("recording dead letter", "job", j.id, "error", aerr)
	}
	d.logger.Warn("generation failed", "job", j.id, "node", j.nodeID, "attempts", attempts, "code", dl.Code, "error", err)
}

// FailureCode maps a failed job's error onto a node error code: retryable
// errors mean attempts ran out, anything else was fatal.
func FailureCode(err error) string {
	if generation.IsRetryable(err) {
		return model.ErrCodeExhausted
	}
	return model.ErrCodeFatal
}
