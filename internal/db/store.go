package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/nessus"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Store persists converted tables.
type Store struct {
	db       *sqlx.DB
	recorder metrics.Recorder
	now      func() time.Time
}

// NewStore creates a store on an open connection. A nil recorder discards
// query counts.
func NewStore(db *sqlx.DB, recorder metrics.Recorder) *Store {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return &Store{db: db, recorder: recorder, now: time.Now}
}

// SaveTable stores table as a new import in one transaction and returns its
// id. scannerScanID <= 0 marks an import that did not come from the scanner API.
func (s *Store) SaveTable(ctx context.Context, source string, scannerScanID int, table *nessus.Table) (id uuid.UUID, err error) {
	defer func() { s.recorder.IncrementDatabaseQueries("save_table", metrics.ErrorLabel(err)) }()

	if table == nil {
		table = nessus.Project(nil)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, sanitizeDBError("begin save table", err)
	}
	defer func() { _ = tx.Rollback() }()

	id = uuid.New()
	insertImport := `
		INSERT INTO imports (id, source, scanner_scan_id, imported_at, host_count, finding_count)
		VALUES ($1, $2, $3, $4, $5, $6)`
	scanID := sql.NullInt64{Int64: int64(scannerScanID), Valid: scannerScanID > 0}
	if _, err := tx.ExecContext(ctx, insertImport,
		id, source, scanID, s.now().UTC(), distinctHosts(table), table.Len()); err != nil {
		return uuid.Nil, sanitizeDBError("insert import", err)
	}

	if table.Len() > 0 {
		stmt, err := tx.PreparexContext(ctx, `
			INSERT INTO findings (import_id, position, scan_date, ip, dns, cve, cvss, exploit, plugin_name, plugin_mod_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`)
		if err != nil {
			return uuid.Nil, sanitizeDBError("prepare findings insert", err)
		}
		defer func() { _ = stmt.Close() }()

		for i, row := range table.Rows {
			if _, err := stmt.ExecContext(ctx,
				id, i, row.ScanDate.UTC(), row.IP, row.DNS,
				nullText(row.CVE), nullText(row.CVSS), nullText(row.Exploit),
				nullText(row.PluginName), nullText(row.PluginModDate),
			); err != nil {
				return uuid.Nil, sanitizeDBError("insert finding", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, sanitizeDBError("commit save table", err)
	}
	return id, nil
}

// distinctHosts counts the addresses that contributed at least one row.
func distinctHosts(table *nessus.Table) int {
	seen := make(map[string]struct{})
	for _, row := range table.Rows {
		seen[row.IP] = struct{}{}
	}
	return len(seen)
}

// ListImports returns the most recent imports, newest first.
func (s *Store) ListImports(ctx context.Context, limit int) (imports []Import, err error) {
	defer func() { s.recorder.IncrementDatabaseQueries("list_imports", metrics.ErrorLabel(err)) }()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `
		SELECT id, source, scanner_scan_id, imported_at, host_count, finding_count
		FROM imports
		ORDER BY imported_at DESC
		LIMIT $1`
	if err := s.db.SelectContext(ctx, &imports, query, limit); err != nil {
		return nil, sanitizeDBError("list imports", err)
	}
	return imports, nil
}

// LoadTable rebuilds the stored table of one import in its original row order.
func (s *Store) LoadTable(ctx context.Context, id uuid.UUID) (table *nessus.Table, err error) {
	defer func() { s.recorder.IncrementDatabaseQueries("load_table", metrics.ErrorLabel(err)) }()

	var exists bool
	if err := s.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM imports WHERE id = $1)`, id); err != nil {
		return nil, sanitizeDBError("get import", err)
	}
	if !exists {
		return nil, sanitizeDBError("get import", sql.ErrNoRows)
	}

	var records []FindingRecord
	query := `
		SELECT import_id, position, scan_date, ip, dns, cve, cvss, exploit, plugin_name, plugin_mod_date
		FROM findings
		WHERE import_id = $1
		ORDER BY position`
	if err := s.db.SelectContext(ctx, &records, query, id); err != nil {
		return nil, sanitizeDBError("load findings", err)
	}

	table = nessus.Project(nil)
	for _, r := range records {
		table.Rows = append(table.Rows, r.Row())
	}
	return table, nil
}
