// Package workers provides a worker pool for converting several exports
// concurrently. It supports job queuing, retries of transient failures,
// per-job timeouts and graceful shutdown, and reports through the
// structured logging and metrics packages.
package workers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
)

// Job represents a unit of work to be executed by a worker.
type Job interface {
	// Execute performs the job and returns an error if it fails.
	Execute(ctx context.Context) error
	// ID returns a unique identifier for the job.
	ID() string
	// Type returns the job type for metrics and logging.
	Type() string
}

// Result represents the result of executing a job.
type Result struct {
	JobID    string
	JobType  string
	Error    error
	Duration time.Duration
	Retries  int
}

// Config holds configuration for the worker pool.
type Config struct {
	// Size is the number of worker goroutines to create.
	Size int
	// QueueSize is the maximum number of jobs that can be queued.
	QueueSize int
	// MaxRetries is the maximum number of retries for retryable failures.
	MaxRetries int
	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
	// JobTimeout bounds a single attempt (0 = no limit).
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for workers to finish.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a default worker pool configuration.
func DefaultConfig() Config {
	return Config{
		Size:            4,
		QueueSize:       100,
		MaxRetries:      2,
		RetryDelay:      time.Second,
		JobTimeout:      10 * time.Minute,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool manages a pool of worker goroutines for concurrent job execution.
type Pool struct {
	config   Config
	jobs     chan Job
	results  chan Result
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	recorder metrics.Recorder
	logger   *logging.Logger

	startOnce sync.Once
	mu        sync.RWMutex // guards closed and sends on jobs
	closed    bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithRecorder reports finished jobs to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Pool) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a new worker pool with the given configuration.
func New(config Config, opts ...Option) *Pool {
	if config.Size <= 0 {
		config.Size = 1
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &Pool{
		config:   config,
		jobs:     make(chan Job, config.QueueSize),
		results:  make(chan Result, config.QueueSize+config.Size),
		ctx:      ctx,
		cancel:   cancel,
		recorder: metrics.Nop{},
		logger:   logging.Default().WithComponent("workers"),
	}
	for _, opt := range opts {
		opt(pool)
	}
	return pool
}

// Start begins the worker pool operations.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("Starting worker pool",
			"worker_count", p.config.Size,
			"queue_size", p.config.QueueSize)

		for i := 0; i < p.config.Size; i++ {
			p.wg.Add(1)
			go p.run(i)
		}
	})
}

// Submit adds a job to the queue without blocking.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted", "job_id", job.ID(), "job_type", job.Type())
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// SubmitWait adds a job to the queue, waiting for room until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("worker pool is shut down")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case p.jobs <- job:
		p.logger.Debug("Job submitted", "job_id", job.ID(), "job_type", job.Type())
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return fmt.Errorf("worker pool is shutting down")
	}
}

// Results returns the channel of finished jobs. It is closed by Shutdown
// once every worker has exited.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Shutdown stops accepting jobs, lets the workers drain the queue and
// closes the results channel. Jobs still running after ShutdownTimeout
// are canceled.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.logger.Info("Shutting down worker pool")

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		p.logger.Info("Worker pool shutdown completed")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timeout, canceling running jobs")
		p.cancel()
		<-done
		err = errors.NewPipelineError(errors.CodeTimeout, "worker pool shutdown timed out")
	}

	p.cancel()
	close(p.results)
	return err
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	p.logger.Debug("Worker started", "worker_id", id)
	defer p.logger.Debug("Worker stopped", "worker_id", id)

	for job := range p.jobs {
		if p.ctx.Err() != nil {
			p.deliver(Result{JobID: job.ID(), JobType: job.Type(), Error: p.ctx.Err()})
			continue
		}
		p.deliver(p.execute(id, job))
	}
}

// deliver hands a result to the consumer, giving up once the pool is canceled.
func (p *Pool) deliver(r Result) {
	select {
	case p.results <- r:
	case <-p.ctx.Done():
	}
}

// execute runs a job, retrying failures the errors package marks retryable.
func (p *Pool) execute(workerID int, job Job) Result {
	start := time.Now()
	result := Result{JobID: job.ID(), JobType: job.Type()}

	for attempt := 0; ; attempt++ {
		err := p.attempt(job)
		result.Error = err
		result.Retries = attempt

		if err == nil || attempt >= p.config.MaxRetries || !errors.IsRetryable(err) {
			break
		}

		p.logger.Debug("Job failed, retrying",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"attempt", attempt+1,
			"max_retries", p.config.MaxRetries,
			"error", err)

		select {
		case <-time.After(p.config.RetryDelay):
		case <-p.ctx.Done():
			result.Error = p.ctx.Err()
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	p.recorder.ObserveJob(job.Type(), metrics.ErrorLabel(result.Error), result.Duration)

	if result.Error != nil {
		p.logger.Error("Job failed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"retries", result.Retries,
			"worker_id", workerID,
			"error", result.Error)
	} else {
		p.logger.Debug("Job completed",
			"job_id", job.ID(),
			"job_type", job.Type(),
			"duration", result.Duration,
			"worker_id", workerID)
	}
	return result
}

func (p *Pool) attempt(job Job) error {
	ctx := p.ctx
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}
	return job.Execute(ctx)
}

// RunAll executes jobs on a temporary pool and returns their results in
// submission order. Job IDs must be unique. Canceling ctx stops queuing
// further jobs; those jobs report ctx's error.
func RunAll(ctx context.Context, config Config, jobs []Job, opts ...Option) []Result {
	pool := New(config, opts...)
	pool.Start()

	index := make(map[string]int, len(jobs))
	results := make([]Result, len(jobs))
	for i, job := range jobs {
		index[job.ID()] = i
		results[i] = Result{
			JobID:   job.ID(),
			JobType: job.Type(),
			Error:   errors.NewPipelineError(errors.CodeCanceled, "job did not run"),
		}
	}

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range pool.Results() {
			if i, ok := index[r.JobID]; ok {
				results[i] = r
			}
		}
	}()

	for i, job := range jobs {
		if err := pool.SubmitWait(ctx, job); err != nil {
			for _, skipped := range jobs[i:] {
				results[index[skipped.ID()]].Error = err
			}
			break
		}
	}

	_ = pool.Shutdown()
	<-collected
	return results
}

// Func adapts a function to the Job interface.
type Func struct {
	JobID   string
	JobType string
	Fn      func(ctx context.Context) error
}

// Execute implements the Job interface.
func (f Func) Execute(ctx context.Context) error {
	return f.Fn(ctx)
}

// ID implements the Job interface.
func (f Func) ID() string {
	return f.JobID
}

// Type implements the Job interface.
func (f Func) Type() string {
	return f.JobType
}
