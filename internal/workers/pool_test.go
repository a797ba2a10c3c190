package workers

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/metrics"
)

// MockJob implements the Job interface for testing
type MockJob struct {
	id       string
	jobType  string
	duration time.Duration
	errs     []error
	executed int32
}

func NewMockJob(id, jobType string, duration time.Duration, errs ...error) *MockJob {
	return &MockJob{
		id:       id,
		jobType:  jobType,
		duration: duration,
		errs:     errs,
	}
}

// Execute returns the queued errors one per call, then nil.
func (m *MockJob) Execute(ctx context.Context) error {
	n := atomic.AddInt32(&m.executed, 1)
	if m.duration > 0 {
		select {
		case <-time.After(m.duration):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if int(n) <= len(m.errs) {
		return m.errs[n-1]
	}
	return nil
}

func (m *MockJob) ID() string {
	return m.id
}

func (m *MockJob) Type() string {
	return m.jobType
}

func (m *MockJob) ExecutedCount() int32 {
	return atomic.LoadInt32(&m.executed)
}

type jobRecorder struct {
	metrics.Nop
	mu       sync.Mutex
	statuses []string
}

func (r *jobRecorder) ObserveJob(jobType, status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, jobType+":"+status)
}

func testConfig() Config {
	return Config{
		Size:            2,
		QueueSize:       10,
		MaxRetries:      2,
		RetryDelay:      10 * time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestNewPool(t *testing.T) {
	t.Run("creates pool with valid configuration", func(t *testing.T) {
		config := testConfig()

		pool := New(config)

		require.NotNil(t, pool)
		assert.Equal(t, config.QueueSize, cap(pool.jobs))
		assert.Equal(t, config.QueueSize+config.Size, cap(pool.results))
	})

	t.Run("zero configuration gets one worker", func(t *testing.T) {
		pool := New(Config{})

		assert.Equal(t, 1, pool.config.Size)
		assert.Equal(t, DefaultConfig().ShutdownTimeout, pool.config.ShutdownTimeout)
	})
}

func TestPoolLifecycle(t *testing.T) {
	t.Run("executes submitted jobs and closes results", func(t *testing.T) {
		rec := &jobRecorder{}
		pool := New(testConfig(), WithRecorder(rec))
		pool.Start()
		pool.Start()

		job := NewMockJob("test-1", "convert", 5*time.Millisecond)
		require.NoError(t, pool.Submit(job))
		require.NoError(t, pool.Shutdown())

		var results []Result
		for r := range pool.Results() {
			results = append(results, r)
		}

		require.Len(t, results, 1)
		assert.Equal(t, "test-1", results[0].JobID)
		assert.NoError(t, results[0].Error)
		assert.Equal(t, int32(1), job.ExecutedCount())
		assert.Equal(t, []string{"convert:success"}, rec.statuses)
	})

	t.Run("rejects submissions after shutdown", func(t *testing.T) {
		pool := New(testConfig())
		pool.Start()
		require.NoError(t, pool.Shutdown())
		require.NoError(t, pool.Shutdown())

		err := pool.Submit(NewMockJob("late", "convert", 0))
		assert.Error(t, err)
		assert.Error(t, pool.SubmitWait(context.Background(), NewMockJob("late", "convert", 0)))
	})

	t.Run("reports a full queue", func(t *testing.T) {
		pool := New(Config{Size: 1, QueueSize: 1})

		require.NoError(t, pool.Submit(NewMockJob("a", "convert", 0)))
		assert.Error(t, pool.Submit(NewMockJob("b", "convert", 0)))

		pool.Start()
		require.NoError(t, pool.Shutdown())
	})
}

func TestRetries(t *testing.T) {
	transient := errors.NewPipelineError(errors.CodeScannerUnavailable, "scanner busy")
	permanent := errors.NewPipelineError(errors.CodeParseFailed, "not xml")

	tests := []struct {
		name        string
		errs        []error
		wantRuns    int32
		wantRetries int
		wantErr     error
	}{
		{"success first time", nil, 1, 0, nil},
		{"transient then success", []error{transient}, 2, 1, nil},
		{"transient until retries exhausted", []error{transient, transient, transient}, 3, 2, transient},
		{"permanent is not retried", []error{permanent}, 1, 0, permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewMockJob("job", "export", 0, tt.errs...)

			results := RunAll(context.Background(), testConfig(), []Job{job})

			require.Len(t, results, 1)
			assert.Equal(t, tt.wantRuns, job.ExecutedCount())
			assert.Equal(t, tt.wantRetries, results[0].Retries)
			if tt.wantErr == nil {
				assert.NoError(t, results[0].Error)
			} else {
				assert.ErrorIs(t, results[0].Error, tt.wantErr)
			}
		})
	}
}

func TestJobTimeout(t *testing.T) {
	config := testConfig()
	config.MaxRetries = 0
	config.JobTimeout = 20 * time.Millisecond

	results := RunAll(context.Background(), config, []Job{NewMockJob("slow", "export", time.Second)})

	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Error, context.DeadlineExceeded)
}

func TestRunAllKeepsSubmissionOrder(t *testing.T) {
	var jobs []Job
	for i := 0; i < 20; i++ {
		// Later jobs finish first.
		jobs = append(jobs, NewMockJob(fmt.Sprintf("job-%02d", i), "convert", time.Duration(20-i)*time.Millisecond))
	}

	results := RunAll(context.Background(), Config{Size: 4, QueueSize: 2}, jobs)

	require.Len(t, results, len(jobs))
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("job-%02d", i), r.JobID)
		assert.NoError(t, r.Error)
	}
}

func TestRunAllCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := RunAll(ctx, Config{Size: 1, QueueSize: 0}, []Job{
		NewMockJob("a", "convert", 0),
		NewMockJob("b", "convert", 0),
	})

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Error(t, r.Error)
	}
}

func TestShutdownTimeoutCancelsJobs(t *testing.T) {
	pool := New(Config{Size: 1, QueueSize: 1, ShutdownTimeout: 20 * time.Millisecond})
	pool.Start()

	job := NewMockJob("stuck", "export", 5*time.Second)
	require.NoError(t, pool.Submit(job))
	time.Sleep(5 * time.Millisecond)

	err := pool.Shutdown()

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
	for r := range pool.Results() {
		assert.True(t, stderrors.Is(r.Error, context.Canceled))
	}
}

func TestFuncJob(t *testing.T) {
	called := false
	job := Func{JobID: "f", JobType: "schedule", Fn: func(context.Context) error {
		called = true
		return nil
	}}

	assert.Equal(t, "f", job.ID())
	assert.Equal(t, "schedule", job.Type())
	require.NoError(t, job.Execute(context.Background()))
	assert.True(t, called)
}
