package nessus

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectNil(t *testing.T) {
	table := Project(nil)

	require.NotNil(t, table)
	assert.Equal(t, 0, table.Len())
	assert.Equal(t, []string{
		"scan_date", "ip", "dns", "cve", "cvss", "exploit", "plugin_name", "plugin_mod_date",
	}, table.Header)
}

func TestProjectOrder(t *testing.T) {
	date := time.Unix(1700000000, 0).UTC()
	scan := &Scan{Hosts: []*Host{
		{
			Address: netip.MustParseAddr("10.0.0.2"),
			FQDN:    "second.example.com",
			Findings: []Finding{
				{PluginName: NewText("b1"), ScanDate: date},
				{PluginName: NewText("b2"), ScanDate: date},
			},
		},
		{
			Address:  netip.MustParseAddr("10.0.0.1"),
			FQDN:     "first.example.com",
			Findings: []Finding{{PluginName: NewText("a1"), ScanDate: date}},
		},
	}}

	table := Project(scan)

	require.Equal(t, 3, table.Len())
	names := []string{}
	for _, row := range table.Rows {
		names = append(names, row.PluginName.String())
	}
	assert.Equal(t, []string{"b1", "b2", "a1"}, names)
	assert.Equal(t, "second", table.Rows[0].DNS)
	assert.Equal(t, "first", table.Rows[2].DNS)
}

func TestRowCellsAndValues(t *testing.T) {
	row := Row{
		ScanDate:   time.Unix(1700000000, 0),
		IP:         "10.0.0.5",
		DNS:        "host1",
		CVE:        NewText("CVE-2016-2183"),
		CVSS:       NewText(""),
		PluginName: NewText("SSL"),
	}

	cells := row.Cells()
	require.Len(t, cells, len(Columns()))
	for i, name := range Columns() {
		assert.Equal(t, name, cells[i].Name)
	}
	assert.Equal(t, "None", cells[5].Value.String())

	assert.Equal(t, []string{
		"2023-11-14T22:13:20Z", "10.0.0.5", "host1", "CVE-2016-2183", "", "", "SSL", "",
	}, row.Values())
}

func TestScanFindingCount(t *testing.T) {
	scan := &Scan{Hosts: []*Host{
		{Findings: make([]Finding, 2)},
		{},
		{Findings: make([]Finding, 3)},
	}}
	assert.Equal(t, 5, scan.FindingCount())
}
