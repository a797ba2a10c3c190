// Package scheduler periodically exports finished scans from the scanner
// and hands each new export to the pipeline. A scan is processed again
// only when its last modification date changes.
package scheduler

//go:generate mockgen -source=scheduler.go -destination=mocks/mock_scheduler.go -package=mocks

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/nesspipe/internal/client"
	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/pipeline"
)

// ExportSource is the part of the scanner API the scheduler needs.
type ExportSource interface {
	Login(ctx context.Context) error
	ListScans(ctx context.Context) ([]client.ScanInfo, error)
	ExportScan(ctx context.Context, scanID int) ([]byte, error)
}

// Processor converts one exported document.
type Processor interface {
	Process(ctx context.Context, src pipeline.Source) (*pipeline.Result, error)
}

// Config controls the schedule.
type Config struct {
	// Cron is a standard five-field expression or a descriptor like @hourly.
	Cron string
	// Backfill processes scans that were already finished on the first run.
	// Without it the first run only records them.
	Backfill bool
	// RunTimeout bounds one scheduled run (0 = no limit).
	RunTimeout time.Duration
}

// Summary reports what one run did.
type Summary struct {
	Listed    int
	Processed int
	Skipped   int
	Failed    int
}

// Scheduler manages the periodic export job.
type Scheduler struct {
	source    ExportSource
	processor Processor
	config    Config
	schedule  cron.Schedule
	cron      *cron.Cron
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc

	// runMu serializes RunOnce; seen and primed belong to it.
	runMu  sync.Mutex
	seen   map[int]int64
	primed bool
}

// New creates a scheduler. The cron expression is validated here.
func New(source ExportSource, processor Processor, config Config) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(config.Cron)
	if err != nil {
		return nil, errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid cron expression: %v", err), "schedule.cron", config.Cron)
	}

	logger := logging.Default().WithComponent("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		source:    source,
		processor: processor,
		config:    config,
		schedule:  schedule,
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger{logger}),
			cron.SkipIfStillRunning(cronLogger{logger}),
		)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[int]int64),
	}, nil
}

// Start begins the scheduler.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Schedule(s.schedule, cron.FuncJob(s.tick))
	s.cron.Start()
	s.running = true

	s.logger.InfoDaemon("Scheduler started", "cron", s.config.Cron, "next_run", s.NextRun())
	return nil
}

// Stop stops the scheduler and waits for a run in progress to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cancel()
	<-s.cron.Stop().Done()
	s.running = false

	s.logger.InfoDaemon("Scheduler stopped")
}

// NextRun returns the next scheduled run time.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(time.Now())
}

func (s *Scheduler) tick() {
	ctx := s.ctx
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	summary, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.ErrorDaemon("Scheduled export run failed", err)
		return
	}
	s.logger.InfoDaemon("Scheduled export run finished",
		"listed", summary.Listed,
		"processed", summary.Processed,
		"skipped", summary.Skipped,
		"failed", summary.Failed)
}

// RunOnce lists the scans and processes every completed scan whose
// modification date has not been processed yet, oldest first. A scan that
// fails with a retryable error is tried again on the next run. Fatal
// errors abort the run.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	var summary Summary
	scans, err := s.listScans(ctx)
	if err != nil {
		return summary, err
	}
	summary.Listed = len(scans)

	completed := make([]client.ScanInfo, 0, len(scans))
	for _, scan := range scans {
		if scan.Completed() {
			completed = append(completed, scan)
		}
	}
	sort.SliceStable(completed, func(i, j int) bool {
		return completed[i].LastModificationDate < completed[j].LastModificationDate
	})

	if !s.primed {
		s.primed = true
		if !s.config.Backfill {
			for _, scan := range completed {
				s.seen[scan.ID] = scan.LastModificationDate
			}
			summary.Skipped = len(completed)
			s.logger.Info("Recorded finished scans without exporting", "scans", len(completed))
			return summary, nil
		}
	}

	for _, scan := range completed {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		if modified, ok := s.seen[scan.ID]; ok && modified == scan.LastModificationDate {
			summary.Skipped++
			continue
		}

		err := s.processScan(ctx, scan)
		if err == nil || !errors.IsRetryable(err) {
			s.seen[scan.ID] = scan.LastModificationDate
		}
		if err != nil {
			summary.Failed++
			s.logger.Error("Failed to process scan",
				"scan_id", scan.ID, "scan_name", scan.Name, "error", err)
			if errors.IsFatal(err) {
				return summary, err
			}
			continue
		}
		summary.Processed++
	}

	return summary, nil
}

// listScans logs in again once if the session expired.
func (s *Scheduler) listScans(ctx context.Context) ([]client.ScanInfo, error) {
	scans, err := s.source.ListScans(ctx)
	if errors.IsCode(err, errors.CodeAuthentication) {
		s.logger.Info("Scanner session rejected, logging in")
		if loginErr := s.source.Login(ctx); loginErr != nil {
			return nil, loginErr
		}
		scans, err = s.source.ListScans(ctx)
	}
	return scans, err
}

func (s *Scheduler) processScan(ctx context.Context, scan client.ScanInfo) error {
	data, err := s.source.ExportScan(ctx, scan.ID)
	if err != nil {
		return err
	}

	result, err := s.processor.Process(ctx, pipeline.Source{
		Name:   scan.Name,
		ScanID: scan.ID,
		Reader: bytes.NewReader(data),
	})
	if err != nil {
		return err
	}

	s.logger.Info("Processed scan export",
		"scan_id", scan.ID,
		"scan_name", scan.Name,
		"rows", result.Table.Len(),
		"files", len(result.Files))
	return nil
}

// cronLogger adapts the logger to cron's logging interface.
type cronLogger struct {
	logger *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
