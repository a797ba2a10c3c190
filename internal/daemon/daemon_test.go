package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/workers"
)

// syncBuffer is a bytes.Buffer safe for the signal goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestDaemon(t *testing.T, cfg *config.Config) (*Daemon, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	logger := logging.NewWithWriter(logging.Config{Level: logging.LevelInfo, Format: logging.FormatText}, out)
	d := New(cfg,
		WithLogger(logger),
		WithMetrics(metrics.NewPrometheusMetrics()),
		WithVersion("1.2.3"),
		WithHealthInterval(10*time.Millisecond))
	return d, out
}

func apiConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.API.Enabled = true
	cfg.API.ListenAddr = "127.0.0.1"
	cfg.API.Port = 0
	return cfg
}

func mockDatabase(t *testing.T) (*db.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &db.DB{DB: sqlx.NewDb(conn, "sqlmock")}, mock
}

func TestNew(t *testing.T) {
	cfg := config.Default()

	d := New(cfg)
	require.NotNil(t, d)
	assert.Same(t, cfg, d.GetConfig())
	assert.Equal(t, "dev", d.version)
	assert.Equal(t, defaultHealthInterval, d.healthInterval)
	assert.NotNil(t, d.logger)
	assert.Same(t, metrics.GetGlobalMetrics(), d.metrics)
	assert.True(t, d.IsRunning())
	assert.False(t, d.IsDebugMode())

	d.Stop()
	assert.False(t, d.IsRunning())
}

func TestRun_NothingEnabled(t *testing.T) {
	cfg := config.Default()
	cfg.API.Enabled = false
	cfg.Schedule.Enabled = false

	d, _ := newTestDaemon(t, cfg)
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to run")
}

func TestRun_APIUntilCanceled(t *testing.T) {
	d, out := newTestDaemon(t, apiConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return bytes.Contains([]byte(out.String()), []byte("nesspipe started"))
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, d.apiServer)
	assert.Nil(t, d.scheduler)
	require.NotNil(t, d.slots)
	assert.Equal(t, 4, d.slots.Stats().Capacity)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Contains(t, out.String(), "nesspipe stopped")
}

func TestRun_InvalidCron(t *testing.T) {
	cfg := config.Default()
	cfg.Output.Directory = t.TempDir()
	cfg.Schedule.Enabled = true
	cfg.Schedule.Cron = "every tuesday"

	d, _ := newTestDaemon(t, cfg)
	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestRun_UnknownOutputFormat(t *testing.T) {
	cfg := apiConfig(t)
	cfg.Output.Format = "xlsx"

	d, _ := newTestDaemon(t, cfg)
	assert.Error(t, d.Run(context.Background()))
}

func TestRunOnce(t *testing.T) {
	t.Run("requires schedule", func(t *testing.T) {
		d, _ := newTestDaemon(t, config.Default())
		_, err := d.RunOnce(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schedule.enabled")
	})

	t.Run("first pass records finished scans", func(t *testing.T) {
		var loggedOut atomic.Bool
		mux := http.NewServeMux()
		mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"token": "t0k"})
		})
		mux.HandleFunc("DELETE /session", func(w http.ResponseWriter, r *http.Request) {
			loggedOut.Store(true)
		})
		mux.HandleFunc("GET /scans", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if r.Header.Get("X-Cookie") != "token=t0k" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid Credentials"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"scans": []map[string]any{
				{"id": 5, "name": "weekly", "status": "completed", "last_modification_date": 1700003600},
				{"id": 7, "name": "monthly", "status": "completed", "last_modification_date": 1700503600},
				{"id": 8, "name": "adhoc", "status": "running", "last_modification_date": 1700900000},
			}})
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		cfg := config.Default()
		cfg.Output.Directory = t.TempDir()
		cfg.Nessus.URL = server.URL
		cfg.Nessus.Username = "reader"
		cfg.Nessus.Password = "secret"
		cfg.Schedule.Enabled = true
		cfg.Schedule.Cron = "@hourly"

		d, _ := newTestDaemon(t, cfg)
		summary, err := d.RunOnce(context.Background())
		require.NoError(t, err)

		assert.Equal(t, 3, summary.Listed)
		assert.Equal(t, 2, summary.Skipped)
		assert.Zero(t, summary.Processed)
		assert.True(t, loggedOut.Load(), "scanner session should be closed")
	})
}

func TestPerformHealthCheck(t *testing.T) {
	t.Run("no database", func(t *testing.T) {
		d, _ := newTestDaemon(t, config.Default())
		assert.True(t, d.performHealthCheck(context.Background()))
	})

	t.Run("database reachable", func(t *testing.T) {
		d, _ := newTestDaemon(t, config.Default())
		database, mock := mockDatabase(t)
		d.database = database
		mock.ExpectPing()

		assert.True(t, d.performHealthCheck(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database down", func(t *testing.T) {
		d, out := newTestDaemon(t, config.Default())
		database, mock := mockDatabase(t)
		d.database = database
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		assert.False(t, d.performHealthCheck(context.Background()))
		assert.Contains(t, out.String(), "Database health check failed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestHandleSignal(t *testing.T) {
	t.Run("USR1 dumps status", func(t *testing.T) {
		d, out := newTestDaemon(t, config.Default())
		d.handleSignal(syscall.SIGUSR1)

		assert.Contains(t, out.String(), "msg=Status")
		assert.Contains(t, out.String(), "database=\"not configured\"")
		assert.Contains(t, out.String(), "goroutines=")
	})

	t.Run("USR1 reports conversion slots", func(t *testing.T) {
		d, out := newTestDaemon(t, config.Default())
		d.slots = workers.NewSlots(2)
		require.NoError(t, d.slots.Acquire(context.Background(), "upload"))

		d.handleSignal(syscall.SIGUSR1)
		assert.Contains(t, out.String(), "conversions_active=1")
		assert.Contains(t, out.String(), "conversions_available=1")
	})

	t.Run("USR2 toggles debug logging", func(t *testing.T) {
		cfg := config.Default()
		cfg.Logging.Level = "info"
		d, out := newTestDaemon(t, cfg)

		d.handleSignal(syscall.SIGUSR2)
		assert.True(t, d.IsDebugMode())
		d.logger.Debug("verbose detail")
		assert.Contains(t, out.String(), "verbose detail")

		d.handleSignal(syscall.SIGUSR2)
		assert.False(t, d.IsDebugMode())
		d.logger.Debug("quiet detail")
		assert.NotContains(t, out.String(), "quiet detail")
	})

	t.Run("HUP without scheduler", func(t *testing.T) {
		d, out := newTestDaemon(t, config.Default())
		d.handleSignal(syscall.SIGHUP)

		assert.Eventually(t, func() bool {
			return bytes.Contains([]byte(out.String()), []byte("ignoring run request"))
		}, time.Second, 10*time.Millisecond)
		assert.True(t, d.IsRunning())
	})

	t.Run("TERM stops", func(t *testing.T) {
		d, _ := newTestDaemon(t, config.Default())
		d.handleSignal(syscall.SIGTERM)
		assert.False(t, d.IsRunning())
	})
}

func TestDebugModeConcurrency(t *testing.T) {
	d, _ := newTestDaemon(t, config.Default())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.toggleDebugMode()
			_ = d.IsDebugMode()
		}()
	}
	wg.Wait()

	assert.False(t, d.IsDebugMode(), "an even number of toggles restores the original mode")
}

func TestAPIDeps(t *testing.T) {
	d, _ := newTestDaemon(t, apiConfig(t))
	require.NoError(t, d.initProcessor())

	deps := d.apiDeps()
	assert.NotNil(t, deps.Converter)
	assert.Equal(t, "1.2.3", deps.Version)
	assert.Nil(t, deps.Imports)
	assert.Nil(t, deps.Database)
	assert.Nil(t, deps.Scheduler)

	database, _ := mockDatabase(t)
	d.database = database
	d.store = db.NewStore(database.DB, nil)

	deps = d.apiDeps()
	assert.NotNil(t, deps.Imports)
	assert.NotNil(t, deps.Database)
}
