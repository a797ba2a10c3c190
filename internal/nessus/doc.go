// Package nessus turns a Nessus XML export into a flat table of findings.
//
// The export nests findings under hosts:
//
//	NessusClientData_v2
//	  Report
//	    ReportHost name="host1.example.com"
//	      HostProperties
//	        <tag name="host-ip">10.0.0.5</tag>
//	        <tag name="HOST_END_TIMESTAMP">1700000000</tag>
//	      ReportItem port="443" protocol="tcp" ...
//	        <plugin_name>...</plugin_name>
//	        <cve>...</cve>
//
// The Assembler reads the document as a stream of open and close events and
// only reacts to ReportHost, HostProperties and ReportItem. A host is built
// when its HostProperties block closes and carries a valid host-ip. Each
// ReportItem that closes while the host is known is stamped with the host's
// HOST_END_TIMESTAMP and attached to it, unless an identical finding is
// already attached to the same host. Findings seen without a known host are
// dropped.
//
// Project flattens a Scan into a Table with the columns
//
//	scan_date, ip, dns, cve, cvss, exploit, plugin_name, plugin_mod_date
//
// in a deterministic order: hosts as they appeared in the document, and
// findings as they were attached.
//
// Only stream-level failures are errors. A truncated or non-well-formed
// document yields a *ParseError together with the hosts that were fully
// closed before the failure.
package nessus
