package nessus

import (
	"encoding/xml"
	"errors"
	"io"
	"time"

	"golang.org/x/net/html/charset"

	"github.com/anstrom/nesspipe/internal/logging"
)

var errEmptyDocument = errors.New("document has no root element")

// state tracks where the assembler is relative to a ReportHost scope.
type state int

const (
	stateIdle      state = iota // no ReportHost open
	stateInHost                 // ReportHost open, host not built
	stateHostKnown              // host built and timestamp captured
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateInHost:
		return "in_host"
	case stateHostKnown:
		return "host_known"
	default:
		return "unknown"
	}
}

// scope is the per-ReportHost context.
type scope struct {
	state        state
	declaredName string
	propsSeen    bool
	host         *Host
	timestamp    time.Time
	seen         map[string]struct{}
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the logger used for dropped hosts and findings.
func WithLogger(logger *logging.Logger) Option {
	return func(a *Assembler) {
		a.logger = logger
	}
}

// Assembler walks the element stream of one export document and builds
// hosts and their findings. An Assembler must not be used by more than
// one goroutine at a time; each Parse call starts from a clean state.
type Assembler struct {
	logger *logging.Logger
	scope  scope
	scan   *Scan
}

// NewAssembler returns an assembler configured with opts.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.Default().WithComponent("nessus")
	}
	return a
}

// Parse reads one export document from r with a fresh Assembler.
func Parse(r io.Reader, opts ...Option) (*Scan, error) {
	return NewAssembler(opts...).Parse(r)
}

// Parse consumes r until the end of the document. The returned Scan is
// never nil: on a *ParseError it holds every host whose ReportHost scope
// closed before the failure. The caller owns r.
func (a *Assembler) Parse(r io.Reader) (*Scan, error) {
	a.scan = &Scan{Hosts: make([]*Host, 0)}
	a.scope = scope{}

	d := xml.NewDecoder(r)
	d.CharsetReader = charset.NewReaderLabel

	sawRoot := false
	for {
		tok, err := d.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return a.scan, &ParseError{Op: "read token", Offset: d.InputOffset(), Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawRoot = true
			if err := a.handleStart(d, t); err != nil {
				return a.scan, err
			}
		case xml.EndElement:
			if t.Name.Local == tagReportHost {
				a.closeHost()
			}
		}
	}

	if !sawRoot {
		return a.scan, &ParseError{Op: "read document", Offset: d.InputOffset(), Err: errEmptyDocument}
	}
	return a.scan, nil
}

func (a *Assembler) handleStart(d *xml.Decoder, start xml.StartElement) error {
	switch start.Name.Local {
	case tagReportHost:
		a.openHost(start)
	case tagHostProperties:
		var el Element
		if err := d.DecodeElement(&el, &start); err != nil {
			return &ParseError{Op: "decode " + tagHostProperties, Offset: d.InputOffset(), Err: err}
		}
		a.closeHostProperties(el)
	case tagReportItem:
		var el Element
		if err := d.DecodeElement(&el, &start); err != nil {
			return &ParseError{Op: "decode " + tagReportItem, Offset: d.InputOffset(), Err: err}
		}
		a.closeReportItem(start.Attr, el)
	}
	return nil
}

func (a *Assembler) openHost(start xml.StartElement) {
	if a.scope.state != stateIdle {
		a.logger.Warn("ReportHost opened inside another host scope",
			"host", a.scope.declaredName)
		a.closeHost()
	}

	name, _ := attrValue(start.Attr, "name")
	a.scope = scope{
		state:        stateInHost,
		declaredName: name,
		seen:         make(map[string]struct{}),
	}
	a.scan.Stats.HostsSeen++
}

func (a *Assembler) closeHostProperties(el Element) {
	if a.scope.state == stateIdle {
		a.logger.Debug("Dropping HostProperties outside of a host scope")
		return
	}
	if a.scope.propsSeen {
		a.logger.Debug("Ignoring repeated HostProperties", "host", a.scope.declaredName)
		return
	}
	a.scope.propsSeen = true

	host, ok := BuildHost(ExtractLast(el, hostProperties), a.scope.declaredName)
	if !ok {
		a.logger.Debug("Host has no usable address, dropping its findings",
			"host", a.scope.declaredName)
		return
	}

	a.scope.host = host
	a.scope.timestamp = host.scanDate
	a.scope.state = stateHostKnown
}

func (a *Assembler) closeReportItem(open []xml.Attr, el Element) {
	finding := BuildFinding(open, el)

	if a.scope.state != stateHostKnown {
		a.scan.Stats.FindingsOrphaned++
		a.logger.Debug("Dropping finding without a known host",
			"host", a.scope.declaredName,
			"state", a.scope.state.String(),
			"plugin_name", finding.PluginName.String())
		return
	}
	if a.scope.timestamp.IsZero() {
		a.scan.Stats.FindingsUndated++
		a.logger.Debug("Dropping finding of host without scan timestamp",
			"host", a.scope.declaredName,
			"plugin_name", finding.PluginName.String())
		return
	}

	finding.ScanDate = a.scope.timestamp
	key := finding.Fingerprint()
	if _, dup := a.scope.seen[key]; dup {
		a.scan.Stats.FindingsDuplicate++
		return
	}
	a.scope.seen[key] = struct{}{}
	a.scope.host.Findings = append(a.scope.host.Findings, finding)
	a.scan.Stats.FindingsAttached++
}

func (a *Assembler) closeHost() {
	if a.scope.state == stateIdle {
		return
	}
	switch {
	case a.scope.host == nil:
		a.scan.Stats.HostsDropped++
	case a.scope.timestamp.IsZero():
		// An undated host cannot carry any row.
		a.scan.Stats.HostsDropped++
	default:
		a.scan.Hosts = append(a.scan.Hosts, a.scope.host)
		a.scan.Stats.HostsAssembled++
	}
	a.scope = scope{}
}
