package nessus

import (
	"encoding/xml"
	"strings"
)

// BuildFinding turns a closed ReportItem into a Finding. Port and protocol
// come from the open-tag attributes, everything else from the children.
// ScanDate is left zero; the assembler stamps it on attachment.
func BuildFinding(open []xml.Attr, el Element) Finding {
	attrs := ExtractAttrs(open, findingAttributes)
	children := Extract(el, findingChildren)

	return Finding{
		Port:                   attrs.Get(KeyPort),
		Protocol:               attrs.Get(KeyProtocol),
		Description:            children.Get(KeyDescription),
		CVE:                    children.Get(KeyCVE),
		CVSSBaseScore:          children.Get(KeyCVSSBaseScore),
		ExploitAvailable:       children.Get(KeyExploitAvailable),
		PluginName:             children.Get(KeyPluginName),
		PluginModificationDate: normalizeDate(children.Get(KeyPluginModificationDate)),
	}
}

// normalizeDate rewrites the scanner's slash-separated dates with dashes.
func normalizeDate(t Text) Text {
	v, ok := t.Get()
	if !ok {
		return t
	}
	return NewText(strings.ReplaceAll(v, "/", "-"))
}
