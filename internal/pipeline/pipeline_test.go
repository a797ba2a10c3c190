package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/nesspipe/internal/errors"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/nessus"
	"github.com/anstrom/nesspipe/internal/workers"
)

const samplePath = "testdata/weekly.nessus"

var fixedNow = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	id      uuid.UUID
	err     error
	sources []string
	scanIDs []int
	rows    []int
}

func (s *fakeStore) SaveTable(_ context.Context, source string, scanID int, table *nessus.Table) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
	s.scanIDs = append(s.scanIDs, scanID)
	s.rows = append(s.rows, table.Len())
	return s.id, s.err
}

type recordingMetrics struct {
	metrics.Nop
	mu        sync.Mutex
	parses    []nessus.Stats
	parseErrs []error
	rows      map[string]int
}

func (r *recordingMetrics) ObserveParse(stats nessus.Stats, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parses = append(r.parses, stats)
	r.parseErrs = append(r.parseErrs, err)
}

func (r *recordingMetrics) AddExportRows(format string, rows int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rows == nil {
		r.rows = map[string]int{}
	}
	r.rows[format] += rows
}

func openSample(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Open(samplePath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newProcessor(cfg Config, opts ...Option) *Processor {
	p := New(cfg, opts...)
	p.now = func() time.Time { return fixedNow }
	return p
}

func TestConvert(t *testing.T) {
	rec := &recordingMetrics{}
	p := newProcessor(Config{}, WithRecorder(rec))

	table, stats, err := p.Convert(context.Background(), Source{Name: "weekly.nessus", Reader: openSample(t)})

	require.NoError(t, err)
	require.Equal(t, 3, table.Len())
	assert.Equal(t, "web1", table.Rows[0].DNS)
	assert.Equal(t, "2020-11-02", table.Rows[0].PluginModDate.String())
	assert.Equal(t, "db1", table.Rows[2].DNS)
	assert.Equal(t, 2, stats.HostsAssembled)
	assert.Equal(t, 3, stats.FindingsAttached)
	require.Len(t, rec.parses, 1)
	assert.NoError(t, rec.parseErrs[0])
}

func TestProcessWritesEveryFormat(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingMetrics{}
	store := &fakeStore{id: uuid.New()}
	p := newProcessor(Config{
		Formats:   []export.Format{export.FormatCSV, export.FormatLog},
		Directory: dir,
		Prefix:    "nessus",
		Header:    true,
	}, WithRecorder(rec), WithStore(store))

	result, err := p.Process(context.Background(), Source{Name: "weekly.nessus", ScanID: 42, Reader: openSample(t)})

	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "nessus_42_20240301-123000.csv"),
		filepath.Join(dir, "nessus_42_20240301-123000.log"),
	}, result.Files)
	assert.Equal(t, store.id, result.ImportID)
	assert.Equal(t, []string{"weekly.nessus"}, store.sources)
	assert.Equal(t, []int{42}, store.scanIDs)
	assert.Equal(t, []int{3}, store.rows)
	assert.Equal(t, map[string]int{"csv": 3, "log": 3}, rec.rows)

	data, err := os.ReadFile(result.Files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "scan_date,ip,dns,cve,cvss,exploit,plugin_name,plugin_mod_date", lines[0])
	assert.Equal(t, "2023-11-14T22:13:20Z,10.0.0.5,web1,CVE-2016-2183,5.0,false,SSL Medium Strength Cipher Suites Supported,2020-11-02", lines[1])
}

func TestProcessParseFailureWritesNothing(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingMetrics{}
	store := &fakeStore{}
	p := newProcessor(Config{
		Formats:   []export.Format{export.FormatCSV},
		Directory: dir,
		Prefix:    "nessus",
	}, WithRecorder(rec), WithStore(store))

	truncated := `<?xml version="1.0" ?><NessusClientData_v2><Report name="x">` +
		`<ReportHost name="a"><HostProperties><tag name="host-ip">10.0.0.1</tag>` +
		`<tag name="HOST_END_TIMESTAMP">1700000000</tag></HostProperties>` +
		`<ReportItem port="1" protocol="tcp"><plugin_name>p</plugin_name></ReportItem></ReportHost>` +
		`<ReportHost name="b"><HostPro`

	result, err := p.Process(context.Background(), Source{Name: "broken.nessus", Reader: strings.NewReader(truncated)})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeParseFailed))
	assert.Nil(t, result.Table)
	assert.Equal(t, 1, result.Stats.HostsAssembled)
	assert.Empty(t, store.sources)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	require.Len(t, rec.parseErrs, 1)
	assert.Error(t, rec.parseErrs[0])
}

func TestProcessEmptyScanStillWrites(t *testing.T) {
	dir := t.TempDir()
	p := newProcessor(Config{Formats: []export.Format{export.FormatJSON}, Directory: dir, Prefix: "empty"})

	doc := `<?xml version="1.0" ?><NessusClientData_v2><Report name="x"></Report></NessusClientData_v2>`
	result, err := p.Process(context.Background(), Source{Name: "stdin", Reader: strings.NewReader(doc)})

	require.NoError(t, err)
	assert.Equal(t, 0, result.Table.Len())
	require.Len(t, result.Files, 1)
	data, err := os.ReadFile(result.Files[0])
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))
	assert.Equal(t, uuid.Nil, result.ImportID)
}

func TestProcessStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.ErrDatabaseConnection(assert.AnError)}
	p := newProcessor(Config{}, WithStore(store))

	_, err := p.Process(context.Background(), Source{Name: "weekly.nessus", Reader: openSample(t)})

	assert.True(t, errors.IsCode(err, errors.CodeDatabaseConnection))
}

func TestProcessCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newProcessor(Config{}).Process(ctx, Source{Name: "x", Reader: strings.NewReader("")})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileLabel(t *testing.T) {
	tests := []struct {
		src  Source
		want string
	}{
		{Source{Name: "weekly.nessus", ScanID: 7}, "7"},
		{Source{Name: "/exports/weekly.nessus"}, "weekly"},
		{Source{Name: "stdin"}, "stdin"},
		{Source{Name: ""}, ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, fileLabel(tt.src), tt.src.Name)
	}
}

func TestFileJobsOnPool(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{id: uuid.New()}
	p := newProcessor(Config{
		Formats:   []export.Format{export.FormatCSV},
		Directory: dir,
		Prefix:    "batch",
		Header:    true,
	}, WithStore(store))

	second := filepath.Join(t.TempDir(), "monthly.nessus")
	data, err := os.ReadFile(samplePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(second, data, 0600))

	var mu sync.Mutex
	var files []string
	sink := func(r *Result) {
		mu.Lock()
		defer mu.Unlock()
		files = append(files, r.Files...)
	}

	results := workers.RunAll(context.Background(), workers.Config{Size: 2, QueueSize: 3}, []workers.Job{
		p.FileJob(samplePath, sink),
		p.FileJob(second, sink),
		p.FileJob(filepath.Join(dir, "missing.nessus"), sink),
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Error)
	assert.NoError(t, results[1].Error)
	assert.True(t, errors.IsCode(results[2].Error, errors.CodeNotFound))
	assert.ElementsMatch(t, []string{
		filepath.Join(dir, "batch_weekly_20240301-123000.csv"),
		filepath.Join(dir, "batch_monthly_20240301-123000.csv"),
	}, files)
	assert.Len(t, store.sources, 2)
}
