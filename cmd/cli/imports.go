package cli

import (
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/export"
)

const importTimeLayout = "2006-01-02 15:04:05"

var (
	importsLimit  int
	importsFormat string
)

// importsCmd represents the imports command.
var importsCmd = &cobra.Command{
	Use:   "imports",
	Short: "Read tables stored in the database",
	Long: `List the imports stored by 'convert --store' and the scheduler, and
print a stored table again in any output format.`,
	Example: `  nesspipe imports list --limit 10
  nesspipe imports show 7f1d7a0e-6f55-4a4e-9b1e-1c2d3e4f5a6b --format csv`,
}

var importsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored imports, newest first",
	Args:  cobra.NoArgs,
	RunE:  runImportsList,
}

var importsShowCmd = &cobra.Command{
	Use:   "show [import-id]",
	Short: "Print a stored table",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportsShow,
}

func init() {
	rootCmd.AddCommand(importsCmd)
	importsCmd.AddCommand(importsListCmd, importsShowCmd)

	importsListCmd.Flags().IntVarP(&importsLimit, "limit", "n", 0, "maximum number of imports to list (0 = default)")
	importsShowCmd.Flags().StringVarP(&importsFormat, "format", "f", "table", "output format: csv, log, json, table")
}

func runImportsList(cmd *cobra.Command, _ []string) error {
	if importsLimit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	return withDatabase(ctx, cfg, func(database *db.DB) error {
		imports, err := db.NewStore(database.DB, nil).ListImports(ctx, importsLimit)
		if err != nil {
			return err
		}
		return renderImports(cmd.OutOrStdout(), imports)
	})
}

func renderImports(out io.Writer, imports []db.Import) error {
	if len(imports) == 0 {
		_, err := fmt.Fprintln(out, "No imports stored.")
		return err
	}

	tw := tablewriter.NewWriter(out)
	tw.Header("ID", "Source", "Scan", "Imported", "Hosts", "Findings")
	for _, imp := range imports {
		scan := "-"
		if id := imp.ScanID(); id > 0 {
			scan = strconv.Itoa(id)
		}
		if err := tw.Append([]string{
			imp.ID.String(),
			imp.Source,
			scan,
			imp.ImportedAt.UTC().Format(importTimeLayout),
			strconv.Itoa(imp.HostCount),
			strconv.Itoa(imp.FindingCount),
		}); err != nil {
			return err
		}
	}
	return tw.Render()
}

func runImportsShow(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid import id %q: %w", args[0], err)
	}
	format, err := export.ParseFormat(importsFormat)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)
	return withDatabase(ctx, cfg, func(database *db.DB) error {
		table, err := db.NewStore(database.DB, nil).LoadTable(ctx, id)
		if err != nil {
			return err
		}
		return export.Write(cmd.OutOrStdout(), table, export.Options{Format: format, Header: cfg.Output.Header})
	})
}
