// Package export renders projected scan tables as CSV, log lines, JSON or a
// human-readable table, to any writer or to files on disk.
package export

import (
	"fmt"
	"strings"
)

// Format identifies an output serialization.
type Format string

const (
	// FormatCSV writes comma-separated rows.
	FormatCSV Format = "csv"

	// FormatLog writes one 'key'='value' line per finding.
	FormatLog Format = "log"

	// FormatJSON writes an array of row objects.
	FormatJSON Format = "json"

	// FormatTable writes an aligned text table for terminals.
	FormatTable Format = "table"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatCSV, FormatLog, FormatJSON, FormatTable}
}

// ParseFormat converts a user-supplied name into a Format.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if !f.IsValid() {
		return "", fmt.Errorf("unsupported output format %q (want one of csv, log, json, table)", s)
	}
	return f, nil
}

// IsValid returns true if the format is supported.
func (f Format) IsValid() bool {
	switch f {
	case FormatCSV, FormatLog, FormatJSON, FormatTable:
		return true
	default:
		return false
	}
}

// String returns the string representation of the format.
func (f Format) String() string {
	return string(f)
}

// FileExtension returns the file extension for the format.
func (f Format) FileExtension() string {
	switch f {
	case FormatCSV:
		return ".csv"
	case FormatLog:
		return ".log"
	case FormatJSON:
		return ".json"
	case FormatTable:
		return ".txt"
	default:
		return ""
	}
}

// MimeType returns the MIME type for the format.
func (f Format) MimeType() string {
	switch f {
	case FormatCSV:
		return "text/csv; charset=utf-8"
	case FormatLog, FormatTable:
		return "text/plain; charset=utf-8"
	case FormatJSON:
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
