// Package pipeline turns one export document into its flattened table and
// delivers it to the configured sinks: output files and, optionally, the
// import store.
package pipeline

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/nessus"
	"github.com/anstrom/nesspipe/internal/workers"
)

// Source is one export document to process.
type Source struct {
	// Name identifies the document in logs, file names and the store.
	Name string
	// ScanID is the scanner's scan id, or 0 when the document did not come
	// from the scanner API.
	ScanID int
	Reader io.Reader
}

// Result describes a processed document.
type Result struct {
	Table    *nessus.Table
	Stats    nessus.Stats
	Files    []string
	ImportID uuid.UUID
}

// TableStore persists converted tables.
type TableStore interface {
	SaveTable(ctx context.Context, source string, scannerScanID int, table *nessus.Table) (uuid.UUID, error)
}

// Config selects the output files written for every document.
type Config struct {
	// Formats lists one output file per format. Empty writes no files.
	Formats   []export.Format
	Directory string
	Prefix    string
	Header    bool
}

// Processor runs documents through parse, metrics, serializers and store.
// It is safe for concurrent use; every call parses with its own assembler.
type Processor struct {
	config   Config
	store    TableStore
	recorder metrics.Recorder
	logger   *logging.Logger
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithStore saves every converted table.
func WithStore(s TableStore) Option {
	return func(p *Processor) {
		p.store = s
	}
}

// WithRecorder reports parse and export measurements to r.
func WithRecorder(r metrics.Recorder) Option {
	return func(p *Processor) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger replaces the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a processor.
func New(config Config, opts ...Option) *Processor {
	p := &Processor{
		config:   config,
		recorder: metrics.Nop{},
		logger:   logging.Default().WithComponent("pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Convert parses src and projects it into a table without touching any
// sink. A document that fails to parse yields a PARSE_FAILED error and no
// table, even if some hosts were assembled before the failure.
func (p *Processor) Convert(ctx context.Context, src Source) (*nessus.Table, nessus.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, nessus.Stats{}, err
	}

	logger := p.logger.WithSource(src.Name)
	start := time.Now()
	scan, err := nessus.Parse(src.Reader, nessus.WithLogger(logger.WithComponent("nessus")))
	p.recorder.ObserveParse(scan.Stats, time.Since(start), err)

	if err != nil {
		logger.ErrorParse("Failed to parse export", src.Name, err, "hosts_before_failure", len(scan.Hosts))
		return nil, scan.Stats, errors.ErrParseFailed(src.Name, err)
	}

	table := nessus.Project(scan)
	logger.InfoParse("Parsed export", src.Name,
		"hosts", scan.Stats.HostsAssembled,
		"hosts_dropped", scan.Stats.HostsDropped,
		"rows", table.Len())
	return table, scan.Stats, nil
}

// Process converts src and writes the table to every configured sink.
// Nothing is written when parsing fails.
func (p *Processor) Process(ctx context.Context, src Source) (*Result, error) {
	table, stats, err := p.Convert(ctx, src)
	if err != nil {
		return &Result{Stats: stats}, err
	}

	result := &Result{Table: table, Stats: stats}
	now := p.now()
	label := fileLabel(src)

	for _, format := range p.config.Formats {
		path := filepath.Join(p.config.Directory, export.FileName(p.config.Prefix, label, format, now))
		if err := export.WriteFile(path, table, export.Options{Format: format, Header: p.config.Header}); err != nil {
			p.logger.ErrorExport("Failed to write table", path, err)
			return result, err
		}
		p.recorder.AddExportRows(format.String(), table.Len())
		p.logger.InfoExport("Wrote table", path, "format", format.String(), "rows", table.Len())
		result.Files = append(result.Files, path)
	}

	if p.store != nil {
		id, err := p.store.SaveTable(ctx, src.Name, src.ScanID, table)
		if err != nil {
			p.logger.ErrorDatabase("Failed to store table", err, "source", src.Name)
			return result, err
		}
		result.ImportID = id
		p.logger.InfoDatabase("Stored table", "source", src.Name, "import_id", id.String())
	}

	return result, nil
}

// fileLabel distinguishes output files of documents processed together:
// the scan id for scanner exports, the input file stem otherwise.
func fileLabel(src Source) string {
	if src.ScanID > 0 {
		return strconv.Itoa(src.ScanID)
	}
	base := filepath.Base(src.Name)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "." || stem == string(filepath.Separator) {
		return ""
	}
	return stem
}

// FileJob wraps the processing of one file as a worker pool job. The
// path "-" reads standard input. A non-nil sink receives the result.
func (p *Processor) FileJob(path string, sink func(*Result)) workers.Job {
	return workers.Func{
		JobID:   path,
		JobType: "convert",
		Fn: func(ctx context.Context) error {
			src := Source{Name: path, Reader: os.Stdin}
			if path == "-" {
				src.Name = "stdin"
			} else {
				// #nosec G304 - operator supplied input path
				f, err := os.Open(path)
				if err != nil {
					code := errors.CodeFilePermission
					if os.IsNotExist(err) {
						code = errors.CodeNotFound
					}
					return errors.WrapPipelineError(code, "cannot open export", path, err)
				}
				defer func() { _ = f.Close() }()
				src.Reader = f
			}

			result, err := p.Process(ctx, src)
			if sink != nil && result != nil {
				sink(result)
			}
			return err
		},
	}
}
