package nessus

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// noValue is how an absent Text renders in log lines.
const noValue = "None"

// Text is an optional value reported by the scanner. The zero value is absent.
type Text struct {
	value string
	valid bool
}

// NewText returns a present Text holding s. An empty string is still present.
func NewText(s string) Text {
	return Text{value: s, valid: true}
}

// Absent returns a Text with no value.
func Absent() Text {
	return Text{}
}

// Get returns the value and whether it is present.
func (t Text) Get() (string, bool) {
	return t.value, t.valid
}

// Valid reports whether the value is present.
func (t Text) Valid() bool {
	return t.valid
}

// OrEmpty returns the value, or "" when absent.
func (t Text) OrEmpty() string {
	return t.value
}

// String returns the value, or "None" when absent.
func (t Text) String() string {
	if !t.valid {
		return noValue
	}
	return t.value
}

// Host is one scanned network asset with a validated address.
type Host struct {
	// Address is the validated host-ip property.
	Address netip.Addr
	// FQDN is the ReportHost name attribute as declared by the scanner.
	FQDN string
	// RDNS is the host-rdns property, if reported.
	RDNS Text
	// OperatingSystem is the operating-system property, if reported.
	OperatingSystem Text
	// Findings are attached in first-seen order.
	Findings []Finding

	scanDate time.Time
}

// ShortName returns the first label of the declared host name.
func (h *Host) ShortName() string {
	name, _, _ := strings.Cut(h.FQDN, ".")
	return name
}

// ScanDate returns the end-of-scan timestamp reported for the host.
// It is zero when the scanner reported none.
func (h *Host) ScanDate() time.Time {
	return h.scanDate
}

// Finding is one reported item against a host.
type Finding struct {
	Port                   Text
	Protocol               Text
	Description            Text
	CVE                    Text
	CVSSBaseScore          Text
	ExploitAvailable       Text
	PluginName             Text
	PluginModificationDate Text

	// ScanDate is stamped from the owning host when the finding is attached.
	ScanDate time.Time
}

// Fingerprint concatenates every field of the finding. Two findings with
// the same fingerprint are the same finding.
func (f *Finding) Fingerprint() string {
	var b strings.Builder
	for _, t := range []Text{
		f.Port, f.Protocol, f.Description, f.CVE, f.CVSSBaseScore,
		f.ExploitAvailable, f.PluginName, f.PluginModificationDate,
	} {
		if t.valid {
			b.WriteByte('+')
			b.WriteString(t.value)
		} else {
			b.WriteByte('-')
		}
		b.WriteByte(0x1f)
	}
	b.WriteString(f.ScanDate.UTC().Format(time.RFC3339Nano))
	return b.String()
}

// Stats counts what the assembler kept and dropped while parsing.
type Stats struct {
	HostsSeen         int
	HostsAssembled    int
	HostsDropped      int
	FindingsAttached  int
	FindingsDuplicate int
	FindingsOrphaned  int
	FindingsUndated   int
}

// Scan is the result of parsing one export document.
type Scan struct {
	// Hosts are kept in the order their ReportHost scope closed.
	Hosts []*Host
	Stats Stats
}

// FindingCount returns the number of findings attached across all hosts.
func (s *Scan) FindingCount() int {
	n := 0
	for _, h := range s.Hosts {
		n += len(h.Findings)
	}
	return n
}

// ParseError reports a stream-level failure. Hosts closed before the
// failure remain available in the Scan returned alongside it.
type ParseError struct {
	Op     string // Operation that failed
	Offset int64  // Input offset at which the failure was detected
	Err    error  // Original error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s failed at offset %d: %v", e.Op, e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
