package db

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/nesspipe/internal/nessus"
)

// Addr wraps netip.Addr to implement the PostgreSQL INET type.
type Addr struct {
	netip.Addr
}

// Scan implements sql.Scanner for PostgreSQL INET type.
func (a *Addr) Scan(value interface{}) error {
	if value == nil {
		a.Addr = netip.Addr{}
		return nil
	}

	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into Addr", value)
	}

	// INET columns render host addresses with a /32 or /128 suffix in some drivers.
	if prefix, err := netip.ParsePrefix(s); err == nil {
		a.Addr = prefix.Addr()
		return nil
	}
	parsed, err := netip.ParseAddr(s)
	if err != nil {
		return fmt.Errorf("failed to parse IP address: %w", err)
	}
	a.Addr = parsed
	return nil
}

// Value implements driver.Valuer for PostgreSQL INET type.
func (a Addr) Value() (driver.Value, error) {
	if !a.IsValid() {
		return nil, nil
	}
	return a.String(), nil
}

// Import is one converted export.
type Import struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Source        string        `db:"source" json:"source"`
	ScannerScanID sql.NullInt64 `db:"scanner_scan_id" json:"-"`
	ImportedAt    time.Time     `db:"imported_at" json:"imported_at"`
	HostCount     int           `db:"host_count" json:"host_count"`
	FindingCount  int           `db:"finding_count" json:"finding_count"`
}

// ScanID returns the scanner's scan id, or 0 for file imports.
func (i Import) ScanID() int {
	if !i.ScannerScanID.Valid {
		return 0
	}
	return int(i.ScannerScanID.Int64)
}

// FindingRecord is one stored table row.
type FindingRecord struct {
	ImportID      uuid.UUID      `db:"import_id"`
	Position      int            `db:"position"`
	ScanDate      time.Time      `db:"scan_date"`
	IP            Addr           `db:"ip"`
	DNS           string         `db:"dns"`
	CVE           sql.NullString `db:"cve"`
	CVSS          sql.NullString `db:"cvss"`
	Exploit       sql.NullString `db:"exploit"`
	PluginName    sql.NullString `db:"plugin_name"`
	PluginModDate sql.NullString `db:"plugin_mod_date"`
}

func nullText(t nessus.Text) sql.NullString {
	v, ok := t.Get()
	return sql.NullString{String: v, Valid: ok}
}

func textOf(ns sql.NullString) nessus.Text {
	if !ns.Valid {
		return nessus.Absent()
	}
	return nessus.NewText(ns.String)
}

// Row converts the record back into a table row.
func (r FindingRecord) Row() nessus.Row {
	return nessus.Row{
		ScanDate:      r.ScanDate.UTC(),
		IP:            r.IP.String(),
		DNS:           r.DNS,
		CVE:           textOf(r.CVE),
		CVSS:          textOf(r.CVSS),
		Exploit:       textOf(r.Exploit),
		PluginName:    textOf(r.PluginName),
		PluginModDate: textOf(r.PluginModDate),
	}
}
