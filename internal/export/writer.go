package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/anstrom/nesspipe/internal/nessus"
)

// Options controls serialization.
type Options struct {
	Format Format

	// Header emits the column-name row in CSV output. The table format
	// always has a header; log and JSON carry names on every record.
	Header bool
}

// Write serializes table to w in the requested format.
func Write(w io.Writer, table *nessus.Table, opts Options) error {
	if table == nil {
		table = nessus.Project(nil)
	}
	switch opts.Format {
	case FormatCSV:
		return writeCSV(w, table, opts.Header)
	case FormatLog:
		return writeLog(w, table)
	case FormatJSON:
		return writeJSON(w, table)
	case FormatTable:
		return writeTable(w, table)
	default:
		return fmt.Errorf("unsupported output format %q", opts.Format)
	}
}

func writeCSV(w io.Writer, table *nessus.Table, header bool) error {
	cw := csv.NewWriter(w)
	if header {
		if err := cw.Write(table.Header); err != nil {
			return err
		}
	}
	for _, row := range table.Rows {
		if err := cw.Write(row.Values()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatLogLine renders one row as 'key'='value' pairs joined by ", ".
// Absent values render as None.
func FormatLogLine(row nessus.Row) string {
	cells := row.Cells()
	parts := make([]string, len(cells))
	for i, c := range cells {
		parts[i] = fmt.Sprintf("'%s'='%s'", c.Name, c.Value.String())
	}
	return strings.Join(parts, ", ")
}

func writeLog(w io.Writer, table *nessus.Table) error {
	bw := bufio.NewWriter(w)
	for _, row := range table.Rows {
		if _, err := bw.WriteString(FormatLogLine(row)); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// jsonRow keeps column order stable in the encoded object.
type jsonRow struct {
	ScanDate      string  `json:"scan_date"`
	IP            string  `json:"ip"`
	DNS           string  `json:"dns"`
	CVE           *string `json:"cve"`
	CVSS          *string `json:"cvss"`
	Exploit       *string `json:"exploit"`
	PluginName    *string `json:"plugin_name"`
	PluginModDate *string `json:"plugin_mod_date"`
}

func optional(t nessus.Text) *string {
	if v, ok := t.Get(); ok {
		return &v
	}
	return nil
}

func writeJSON(w io.Writer, table *nessus.Table) error {
	rows := make([]jsonRow, 0, len(table.Rows))
	for _, row := range table.Rows {
		rows = append(rows, jsonRow{
			ScanDate:      row.ScanDate.UTC().Format(nessus.DateLayout),
			IP:            row.IP,
			DNS:           row.DNS,
			CVE:           optional(row.CVE),
			CVSS:          optional(row.CVSS),
			Exploit:       optional(row.Exploit),
			PluginName:    optional(row.PluginName),
			PluginModDate: optional(row.PluginModDate),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func writeTable(w io.Writer, table *nessus.Table) error {
	tw := tablewriter.NewWriter(w)
	header := make([]any, len(table.Header))
	for i, h := range table.Header {
		header[i] = h
	}
	tw.Header(header...)

	for _, row := range table.Rows {
		if err := tw.Append(row.Values()); err != nil {
			return err
		}
	}
	return tw.Render()
}
