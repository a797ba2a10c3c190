package nessus

import (
	"fmt"
	"strings"
)

func nessusDoc(hosts ...string) string {
	return `<?xml version="1.0" ?>` +
		`<NessusClientData_v2><Policy><policyName>basic</policyName></Policy>` +
		`<Report name="test">` + strings.Join(hosts, "") + `</Report></NessusClientData_v2>`
}

func reportHost(name string, body ...string) string {
	return fmt.Sprintf(`<ReportHost name=%q>%s</ReportHost>`, name, strings.Join(body, ""))
}

// hostProps renders a HostProperties block from key/value pairs.
func hostProps(kv ...string) string {
	var b strings.Builder
	b.WriteString("<HostProperties>")
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, `<tag name=%q>%s</tag>`, kv[i], kv[i+1])
	}
	b.WriteString("</HostProperties>")
	return b.String()
}

func reportItem(port, protocol string, children ...string) string {
	return fmt.Sprintf(`<ReportItem port=%q svc_name="www" protocol=%q severity="2" pluginID="10">%s</ReportItem>`,
		port, protocol, strings.Join(children, ""))
}

func child(tag, text string) string {
	return fmt.Sprintf("<%s>%s</%s>", tag, text, tag)
}
