package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/nesspipe/internal/client"
	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/pipeline"
)

const scanDateLayout = "2006-01-02 15:04"

var (
	scansFormats       []string
	scansCompletedOnly bool
)

// scansCmd represents the scans command.
var scansCmd = &cobra.Command{
	Use:   "scans",
	Short: "Work with scans on the scanner",
	Long: `List scans on the configured Nessus scanner, export finished scans
into flat tables, and launch, pause, resume or stop scans.`,
	Example: `  nesspipe scans list
  nesspipe scans export 42 --format csv,log
  nesspipe scans latest
  nesspipe scans launch 42`,
}

var scansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scans",
	Args:  cobra.NoArgs,
	RunE:  runScansList,
}

var scansExportCmd = &cobra.Command{
	Use:   "export [scan-id]",
	Short: "Export a finished scan and convert it",
	Args:  cobra.ExactArgs(1),
	RunE:  runScansExport,
}

var scansLatestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Export and convert the newest completed scan",
	Args:  cobra.NoArgs,
	RunE:  runScansLatest,
}

// scanControl is a scanner action taking only a scan id.
type scanControl func(ctx context.Context, c *client.Client, out io.Writer, scanID int) error

func init() {
	rootCmd.AddCommand(scansCmd)
	scansCmd.AddCommand(scansListCmd, scansExportCmd, scansLatestCmd)

	scansListCmd.Flags().BoolVar(&scansCompletedOnly, "completed", false, "only show completed scans")
	for _, cmd := range []*cobra.Command{scansExportCmd, scansLatestCmd} {
		cmd.Flags().StringSliceVarP(&scansFormats, "format", "f", nil,
			"output formats: csv, log, json, table (default from config)")
	}

	scansCmd.AddCommand(
		controlCommand("launch", "Launch a scan", func(ctx context.Context, c *client.Client, out io.Writer, id int) error {
			runUUID, err := c.Launch(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Launched scan %d (run %s)\n", id, runUUID)
			return nil
		}),
		controlCommand("pause", "Pause a running scan", simpleControl("Paused", (*client.Client).Pause)),
		controlCommand("resume", "Resume a paused scan", simpleControl("Resumed", (*client.Client).Resume)),
		controlCommand("stop", "Stop a running scan", simpleControl("Stopped", (*client.Client).Stop)),
	)
}

func simpleControl(done string, action func(*client.Client, context.Context, int) error) scanControl {
	return func(ctx context.Context, c *client.Client, out io.Writer, id int) error {
		if err := action(c, ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s scan %d\n", done, id)
		return nil
	}
}

func controlCommand(use, short string, control scanControl) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [scan-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			scanID, err := parseScanID(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := commandContext(cmd)
			return withClient(ctx, cfg, metrics.Nop{}, func(c *client.Client) error {
				return control(ctx, c, cmd.OutOrStdout(), scanID)
			})
		},
	}
}

func parseScanID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid scan id %q: must be a positive integer", arg)
	}
	return id, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func runScansList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	return withClient(ctx, cfg, metrics.Nop{}, func(c *client.Client) error {
		scans, err := c.ListScans(ctx)
		if err != nil {
			return err
		}
		return renderScans(cmd.OutOrStdout(), scans, scansCompletedOnly)
	})
}

// renderScans prints scans newest first as an aligned table.
func renderScans(out io.Writer, scans []client.ScanInfo, completedOnly bool) error {
	shown := make([]client.ScanInfo, 0, len(scans))
	for _, s := range scans {
		if completedOnly && !s.Completed() {
			continue
		}
		shown = append(shown, s)
	}
	if len(shown) == 0 {
		_, err := fmt.Fprintln(out, "No scans found.")
		return err
	}
	sort.SliceStable(shown, func(i, j int) bool {
		return shown[i].LastModificationDate > shown[j].LastModificationDate
	})

	tw := tablewriter.NewWriter(out)
	tw.Header("ID", "Name", "Status", "Created", "Modified")
	for _, s := range shown {
		if err := tw.Append([]string{
			strconv.Itoa(s.ID),
			s.Name,
			s.Status,
			formatScanTime(s.Created()),
			formatScanTime(s.Modified()),
		}); err != nil {
			return err
		}
	}
	return tw.Render()
}

func formatScanTime(t time.Time) string {
	if t.IsZero() || t.Unix() == 0 {
		return "-"
	}
	return t.UTC().Format(scanDateLayout)
}

func runScansExport(cmd *cobra.Command, args []string) error {
	scanID, err := parseScanID(args[0])
	if err != nil {
		return err
	}
	return exportScan(cmd, func(ctx context.Context, c *client.Client) (client.ScanInfo, []byte, error) {
		data, err := c.ExportScan(ctx, scanID)
		return client.ScanInfo{ID: scanID, Name: fmt.Sprintf("scan-%d", scanID)}, data, err
	})
}

func runScansLatest(cmd *cobra.Command, _ []string) error {
	return exportScan(cmd, func(ctx context.Context, c *client.Client) (client.ScanInfo, []byte, error) {
		return c.ExportLatest(ctx)
	})
}

// exportScan downloads one export and runs it through the processor.
func exportScan(cmd *cobra.Command, fetch func(context.Context, *client.Client) (client.ScanInfo, []byte, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formats, err := scanFormatList(cfg)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	return withClient(ctx, cfg, metrics.Nop{}, func(c *client.Client) error {
		scan, data, err := fetch(ctx, c)
		if err != nil {
			return err
		}

		result, err := newProcessor(cfg, formats).Process(ctx, pipeline.Source{
			Name:   scan.Name,
			ScanID: scan.ID,
			Reader: bytes.NewReader(data),
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Scan %d (%s): %d rows\n", scan.ID, scan.Name, result.Table.Len())
		for _, file := range result.Files {
			fmt.Fprintf(out, "  %s\n", file)
		}
		return nil
	})
}

func scanFormatList(cfg *config.Config) ([]export.Format, error) {
	if len(scansFormats) == 0 {
		return parseFormats([]string{cfg.Output.Format})
	}
	return parseFormats(scansFormats)
}
