package nessus

import (
	"time"
)

// DateLayout is how scan dates are rendered in every output format.
const DateLayout = time.RFC3339

// Row is one finding flattened together with its host.
type Row struct {
	ScanDate      time.Time
	IP            string
	DNS           string
	CVE           Text
	CVSS          Text
	Exploit       Text
	PluginName    Text
	PluginModDate Text
}

// Cell is one named value of a row.
type Cell struct {
	Name  string
	Value Text
}

// Cells returns the row's values paired with their column names, in
// column order.
func (r Row) Cells() []Cell {
	return []Cell{
		{Name: ColScanDate, Value: NewText(r.ScanDate.UTC().Format(DateLayout))},
		{Name: ColIP, Value: NewText(r.IP)},
		{Name: ColDNS, Value: NewText(r.DNS)},
		{Name: ColCVE, Value: r.CVE},
		{Name: ColCVSS, Value: r.CVSS},
		{Name: ColExploit, Value: r.Exploit},
		{Name: ColPluginName, Value: r.PluginName},
		{Name: ColPluginModDate, Value: r.PluginModDate},
	}
}

// Values returns the row as strings in column order. Absent values are
// empty strings.
func (r Row) Values() []string {
	cells := r.Cells()
	values := make([]string, len(cells))
	for i, c := range cells {
		values[i] = c.Value.OrEmpty()
	}
	return values
}

// Table is the flattened, ordered projection of a Scan.
type Table struct {
	Header []string
	Rows   []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.Rows)
}

// Project flattens scan into one row per finding. Hosts are visited in
// the order they were assembled and findings in the order they were
// attached, so the same document always yields the same table.
func Project(scan *Scan) *Table {
	table := &Table{
		Header: Columns(),
		Rows:   make([]Row, 0),
	}
	if scan == nil {
		return table
	}

	for _, host := range scan.Hosts {
		ip := host.Address.String()
		dns := host.ShortName()
		for i := range host.Findings {
			f := &host.Findings[i]
			table.Rows = append(table.Rows, Row{
				ScanDate:      f.ScanDate,
				IP:            ip,
				DNS:           dns,
				CVE:           f.CVE,
				CVSS:          f.CVSSBaseScore,
				Exploit:       f.ExploitAvailable,
				PluginName:    f.PluginName,
				PluginModDate: f.PluginModificationDate,
			})
		}
	}
	return table
}
