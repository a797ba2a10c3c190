// Package daemon runs nesspipe as a long-lived service. It owns the
// database connection, the scanner session, the export scheduler and the
// HTTP API, and ties their lifetime to process signals.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anstrom/nesspipe/internal/api"
	"github.com/anstrom/nesspipe/internal/client"
	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/pipeline"
	"github.com/anstrom/nesspipe/internal/scheduler"
	"github.com/anstrom/nesspipe/internal/workers"
)

const (
	defaultHealthInterval = 30 * time.Second
	healthCheckTimeout    = 5 * time.Second
)

// Daemon represents the main service process.
type Daemon struct {
	config  *config.Config
	version string
	logger  *logging.Logger
	metrics *metrics.PrometheusMetrics

	database  *db.DB
	store     *db.Store
	processor *pipeline.Processor
	scanner   *client.Client
	scheduler *scheduler.Scheduler
	apiServer *api.Server
	slots     *workers.Slots

	healthInterval time.Duration
	signals        chan os.Signal

	ctx       context.Context
	cancel    context.CancelFunc
	debugMode bool
	mu        sync.RWMutex
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithVersion sets the version reported by the API.
func WithVersion(version string) Option {
	return func(d *Daemon) { d.version = version }
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Daemon) { d.logger = l }
}

// WithMetrics replaces the process-wide metrics.
func WithMetrics(m *metrics.PrometheusMetrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithHealthInterval sets how often the database is pinged.
func WithHealthInterval(interval time.Duration) Option {
	return func(d *Daemon) { d.healthInterval = interval }
}

// New creates a new daemon instance. Nothing is connected until Run or
// RunOnce.
func New(cfg *config.Config, opts ...Option) *Daemon {
	d := &Daemon{
		config:         cfg,
		version:        "dev",
		logger:         logging.Default(),
		healthInterval: defaultHealthInterval,
		signals:        make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.GetGlobalMetrics()
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d
}

// Run starts the configured services and blocks until ctx is canceled, a
// termination signal arrives or a service fails.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.config.API.Enabled && !d.config.Schedule.Enabled {
		return fmt.Errorf("nothing to run: enable the api or the schedule")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()
	defer d.cleanup()

	if err := d.init(d.ctx, true); err != nil {
		return err
	}

	d.setupSignalHandlers()
	defer signal.Stop(d.signals)

	d.logger.InfoDaemon("nesspipe started",
		"version", d.version,
		"pid", os.Getpid(),
		"api", d.apiServer != nil,
		"schedule", d.scheduler != nil,
		"database", d.database != nil)

	err := d.run()
	d.logger.InfoDaemon("nesspipe stopped")
	return err
}

// RunOnce performs a single scheduler pass and returns its summary.
func (d *Daemon) RunOnce(ctx context.Context) (scheduler.Summary, error) {
	if !d.config.Schedule.Enabled {
		return scheduler.Summary{}, fmt.Errorf("a single run needs schedule.enabled")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	defer d.cancel()
	defer d.cleanup()

	if err := d.init(d.ctx, false); err != nil {
		return scheduler.Summary{}, err
	}
	return d.scheduler.RunOnce(d.ctx)
}

// Stop requests shutdown of a running daemon.
func (d *Daemon) Stop() {
	d.cancel()
}

// init connects the configured collaborators. A failure part way leaves
// the opened ones for cleanup.
func (d *Daemon) init(ctx context.Context, withAPI bool) error {
	if err := d.initDatabase(ctx); err != nil {
		return err
	}
	if err := d.initProcessor(); err != nil {
		return err
	}
	if err := d.initScheduler(); err != nil {
		return err
	}
	if withAPI {
		return d.initAPIServer()
	}
	return nil
}

func (d *Daemon) initDatabase(ctx context.Context) error {
	if !d.config.Database.Enabled {
		return nil
	}
	d.logger.InfoDatabase("Connecting to database",
		"host", d.config.Database.Host, "database", d.config.Database.Database)

	database, err := db.ConnectAndMigrate(ctx, &d.config.Database.Config)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	d.database = database
	d.store = db.NewStore(database.DB, d.metrics)
	return nil
}

func (d *Daemon) initProcessor() error {
	format, err := export.ParseFormat(d.config.Output.Format)
	if err != nil {
		return err
	}
	opts := []pipeline.Option{
		pipeline.WithRecorder(d.metrics),
		pipeline.WithLogger(d.logger.WithComponent("pipeline")),
	}
	if d.store != nil {
		opts = append(opts, pipeline.WithStore(d.store))
	}
	d.processor = pipeline.New(pipeline.Config{
		Formats:   []export.Format{format},
		Directory: d.config.Output.Directory,
		Prefix:    d.config.Output.Prefix,
		Header:    d.config.Output.Header,
	}, opts...)
	return nil
}

func (d *Daemon) initScheduler() error {
	if !d.config.Schedule.Enabled {
		return nil
	}
	scanner, err := client.New(d.config.Nessus,
		client.WithRecorder(d.metrics),
		client.WithLogger(d.logger.WithComponent("client")))
	if err != nil {
		return err
	}
	d.scanner = scanner

	d.scheduler, err = scheduler.New(scanner, d.processor, scheduler.Config{
		Cron:       d.config.Schedule.Cron,
		Backfill:   d.config.Schedule.Backfill,
		RunTimeout: d.config.Workers.JobTimeout,
	})
	return err
}

func (d *Daemon) initAPIServer() error {
	if !d.config.API.Enabled {
		return nil
	}
	if d.config.API.MaxConcurrent > 0 {
		d.slots = workers.NewSlots(d.config.API.MaxConcurrent)
	}
	server, err := api.New(d.config.API, d.apiDeps())
	if err != nil {
		return fmt.Errorf("API server creation failed: %w", err)
	}
	d.apiServer = server
	return nil
}

// apiDeps leaves optional collaborators as nil interfaces when absent.
func (d *Daemon) apiDeps() api.Deps {
	deps := api.Deps{
		Converter: d.processor,
		Metrics:   d.metrics,
		Slots:     d.slots,
		Logger:    d.logger,
		Version:   d.version,
	}
	if d.store != nil {
		deps.Imports = d.store
		deps.Database = d.database
	}
	if d.scheduler != nil {
		deps.Scheduler = d.scheduler
	}
	return deps
}

// setupSignalHandlers handles TERM and INT as shutdown, HUP as an
// immediate export run, USR1 as a status dump and USR2 as debug toggle.
func (d *Daemon) setupSignalHandlers() {
	signal.Notify(d.signals,
		syscall.SIGTERM,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGUSR1,
		syscall.SIGUSR2,
	)

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case sig := <-d.signals:
				d.handleSignal(sig)
			}
		}
	}()
}

func (d *Daemon) handleSignal(sig os.Signal) {
	d.logger.InfoDaemon("Received signal", "signal", sig.String())

	switch sig {
	case syscall.SIGTERM, syscall.SIGINT:
		d.logger.InfoDaemon("Initiating graceful shutdown")
		d.cancel()
	case syscall.SIGHUP:
		go d.runNow()
	case syscall.SIGUSR1:
		d.dumpStatus()
	case syscall.SIGUSR2:
		d.toggleDebugMode()
	}
}

// runNow performs an export pass outside the schedule.
func (d *Daemon) runNow() {
	if d.scheduler == nil {
		d.logger.InfoDaemon("No scheduler configured, ignoring run request")
		return
	}
	summary, err := d.scheduler.RunOnce(d.ctx)
	if err != nil {
		d.logger.ErrorDaemon("Requested export run failed", err)
		return
	}
	d.logger.InfoDaemon("Requested export run finished",
		"listed", summary.Listed,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
}

// run executes the main daemon loop.
func (d *Daemon) run() error {
	g, gctx := errgroup.WithContext(d.ctx)

	if d.apiServer != nil {
		g.Go(func() error {
			d.logger.InfoDaemon("Starting API server", "address", d.apiServer.GetAddress())
			return d.apiServer.Start(gctx)
		})
	}

	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			d.scheduler.Stop()
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(d.healthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				d.performHealthCheck(gctx)
			}
		}
	})

	return g.Wait()
}

// performHealthCheck pings the database. The connection pool reconnects
// on its own, so a failure is only reported.
func (d *Daemon) performHealthCheck(ctx context.Context) bool {
	if d.database == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := d.database.PingContext(ctx); err != nil {
		d.logger.ErrorDatabase("Database health check failed", err)
		return false
	}
	return true
}

// cleanup releases the conversion slots, the scanner session and the
// database connection.
func (d *Daemon) cleanup() {
	if d.slots != nil {
		_ = d.slots.Close()
	}

	if d.scanner != nil && d.scanner.Authenticated() {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		if err := d.scanner.Logout(ctx); err != nil {
			d.logger.Warn("Failed to close scanner session", "error", err)
		}
		cancel()
	}

	if d.database != nil {
		if err := d.database.Close(); err != nil {
			d.logger.ErrorDatabase("Error closing database", err)
		}
		d.database = nil
	}
}

// dumpStatus writes the current daemon status to the log.
func (d *Daemon) dumpStatus() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	fields := []any{
		"pid", os.Getpid(),
		"debug", d.IsDebugMode(),
		"goroutines", runtime.NumGoroutine(),
		"alloc_kb", m.Alloc / 1024,
		"sys_kb", m.Sys / 1024,
		"num_gc", m.NumGC,
	}

	switch {
	case d.database == nil:
		fields = append(fields, "database", "not configured")
	case d.performHealthCheck(d.ctx):
		fields = append(fields, "database", "connected")
	default:
		fields = append(fields, "database", "disconnected")
	}

	if d.scheduler != nil {
		fields = append(fields, "next_run", d.scheduler.NextRun().Format(time.RFC3339))
	}
	if d.apiServer != nil {
		fields = append(fields, "api", d.apiServer.GetAddress())
	}
	if d.slots != nil {
		stats := d.slots.Stats()
		fields = append(fields,
			"conversions_active", stats.Active,
			"conversions_available", stats.Available,
			"oldest_conversion", stats.Oldest.Round(time.Millisecond).String())
	}

	d.logger.InfoDaemon("Status", fields...)
}

// toggleDebugMode switches the log level between debug and the
// configured level.
func (d *Daemon) toggleDebugMode() {
	d.mu.Lock()
	d.debugMode = !d.debugMode
	enabled := d.debugMode
	d.mu.Unlock()

	if enabled {
		d.logger.SetLevel(logging.LevelDebug)
	} else {
		d.logger.SetLevel(logging.LogLevel(d.config.Logging.Level))
	}
	d.logger.InfoDaemon("Debug mode toggled", "enabled", enabled)
}

// IsDebugMode returns the current debug mode state.
func (d *Daemon) IsDebugMode() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.debugMode
}

// IsRunning reports whether the daemon has not been stopped.
func (d *Daemon) IsRunning() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}
