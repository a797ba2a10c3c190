package nessus

// Elements of the export document the assembler reacts to.
const (
	tagReportHost     = "ReportHost"
	tagHostProperties = "HostProperties"
	tagReportItem     = "ReportItem"
)

// Host property keys, carried as <tag name="..."> children of HostProperties.
const (
	PropHostIP           = "host-ip"
	PropHostRDNS         = "host-rdns"
	PropOperatingSystem  = "operating-system"
	PropHostEndTimestamp = "HOST_END_TIMESTAMP"
	PropHostEnd          = "HOST_END"
)

// Finding keys. Port and protocol are ReportItem attributes, the rest
// are ReportItem children.
const (
	KeyPort                   = "port"
	KeyProtocol               = "protocol"
	KeyDescription            = "description"
	KeyCVE                    = "cve"
	KeyPluginName             = "plugin_name"
	KeyCVSSBaseScore          = "cvss_base_score"
	KeyExploitAvailable       = "exploit_available"
	KeyPluginModificationDate = "plugin_modification_date"
)

// Output columns, in table order.
const (
	ColScanDate      = "scan_date"
	ColIP            = "ip"
	ColDNS           = "dns"
	ColCVE           = "cve"
	ColCVSS          = "cvss"
	ColExploit       = "exploit"
	ColPluginName    = "plugin_name"
	ColPluginModDate = "plugin_mod_date"
)

// hostEndLayout is the scanner's HOST_END date text.
const hostEndLayout = "Mon Jan _2 15:04:05 2006"

var (
	hostProperties = []string{
		PropHostIP,
		PropHostRDNS,
		PropOperatingSystem,
		PropHostEndTimestamp,
		PropHostEnd,
	}

	findingAttributes = []string{
		KeyPort,
		KeyProtocol,
	}

	findingChildren = []string{
		KeyDescription,
		KeyCVE,
		KeyPluginName,
		KeyCVSSBaseScore,
		KeyExploitAvailable,
		KeyPluginModificationDate,
	}
)

// Columns returns the table header in output order.
func Columns() []string {
	return []string{
		ColScanDate,
		ColIP,
		ColDNS,
		ColCVE,
		ColCVSS,
		ColExploit,
		ColPluginName,
		ColPluginModDate,
	}
}
