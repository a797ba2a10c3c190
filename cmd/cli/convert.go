package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/pipeline"
	"github.com/anstrom/nesspipe/internal/workers"
)

// stdoutOutput as --output renders to standard output instead of files.
const stdoutOutput = "-"

var (
	convertFormats []string
	convertStore   bool
)

// convertCmd represents the convert command.
var convertCmd = &cobra.Command{
	Use:   "convert [file|-]...",
	Short: "Convert exports into flat tables",
	Long: `Convert one or more Nessus v2 XML exports into one row per finding.

Each input produces one file per requested format in the output directory,
named <prefix>_<input stem>_<timestamp><ext>. Several inputs are converted
concurrently. Use - to read standard input and --output - to print the
table instead of writing files.`,
	Example: `  nesspipe convert weekly.nessus
  nesspipe convert --format csv,log --output ./reports *.nessus
  cat weekly.nessus | nesspipe convert --format table --output - -
  nesspipe convert --store weekly.nessus`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringSliceVarP(&convertFormats, "format", "f", nil,
		"output formats: csv, log, json, table (default from config)")
	convertCmd.Flags().StringP("output", "o", "", "output directory, or - for standard output")
	convertCmd.Flags().Bool("header", true, "write the csv header row")
	convertCmd.Flags().BoolVar(&convertStore, "store", false, "also store the tables in the database")
	convertCmd.Flags().IntP("workers", "w", 0, "number of files converted concurrently")

	bindFlags(convertCmd.Flags(), map[string]string{
		"output.directory": "output",
		"output.header":    "header",
		"workers.count":    "workers",
	})
}

func runConvert(cmd *cobra.Command, args []string) error {
	if viper.GetString("output.directory") == stdoutOutput {
		return convertToWriter(cmd, args)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formats, err := convertFormatList(cfg)
	if err != nil {
		return err
	}

	ctx := commandContext(cmd)

	if !convertStore {
		return convertFiles(ctx, cmd.OutOrStdout(), cfg, newProcessor(cfg, formats), args, false)
	}
	return withDatabase(ctx, cfg, func(database *db.DB) error {
		store := db.NewStore(database.DB, nil)
		return convertFiles(ctx, cmd.OutOrStdout(), cfg, newProcessor(cfg, formats, pipeline.WithStore(store)), args, true)
	})
}

func convertFormatList(cfg *config.Config) ([]export.Format, error) {
	if len(convertFormats) == 0 {
		return parseFormats([]string{cfg.Output.Format})
	}
	return parseFormats(convertFormats)
}

// uniqueInputs drops repeated arguments; each input is converted once.
func uniqueInputs(args []string) []string {
	seen := make(map[string]bool, len(args))
	inputs := make([]string, 0, len(args))
	for _, arg := range args {
		if !seen[arg] {
			seen[arg] = true
			inputs = append(inputs, arg)
		}
	}
	return inputs
}

// convertFiles runs one pool job per input and prints a line per result.
// It fails when any input failed, after every input has been attempted.
func convertFiles(ctx context.Context, out io.Writer, cfg *config.Config, processor *pipeline.Processor,
	args []string, stored bool) error {
	inputs := uniqueInputs(args)

	var (
		mu      sync.Mutex
		results = make(map[string]*pipeline.Result, len(inputs))
	)
	jobs := make([]workers.Job, 0, len(inputs))
	for _, path := range inputs {
		jobs = append(jobs, processor.FileJob(path, func(r *pipeline.Result) {
			mu.Lock()
			defer mu.Unlock()
			results[path] = r
		}))
	}

	poolConfig := workers.DefaultConfig()
	poolConfig.Size = min(cfg.Workers.Count, len(jobs))
	poolConfig.JobTimeout = cfg.Workers.JobTimeout
	poolConfig.MaxRetries = 0

	failed := 0
	for _, r := range workers.RunAll(ctx, poolConfig, jobs, workers.WithLogger(logging.Default())) {
		if r.Error != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s: %v\n", r.JobID, r.Error)
			continue
		}
		mu.Lock()
		result := results[r.JobID]
		mu.Unlock()
		fmt.Fprintf(out, "OK   %s: %d rows, %d hosts dropped\n", r.JobID, result.Table.Len(), result.Stats.HostsDropped)
		for _, file := range result.Files {
			fmt.Fprintf(out, "     %s\n", file)
		}
		if stored {
			fmt.Fprintf(out, "     stored as import %s\n", result.ImportID)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d inputs failed", failed, len(inputs))
	}
	return nil
}

// convertToWriter renders each input to standard output in one format.
func convertToWriter(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	formats, err := convertFormatList(cfg)
	if err != nil {
		return err
	}
	if len(formats) != 1 {
		return fmt.Errorf("--output - takes exactly one format, got %d", len(formats))
	}

	ctx := commandContext(cmd)
	processor := newProcessor(cfg, nil)
	opts := export.Options{Format: formats[0], Header: cfg.Output.Header}

	for _, path := range uniqueInputs(args) {
		if err := renderInput(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), processor, path, opts); err != nil {
			return err
		}
		// Only the first table carries a header.
		opts.Header = false
	}
	return nil
}

func renderInput(ctx context.Context, stdin io.Reader, out io.Writer, processor *pipeline.Processor,
	path string, opts export.Options) error {
	src := pipeline.Source{Name: "stdin", Reader: stdin}
	if path != "-" {
		// #nosec G304 - operator supplied input path
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("cannot open export %s: %w", path, err)
		}
		defer func() { _ = f.Close() }()
		src = pipeline.Source{Name: path, Reader: f}
	}

	table, _, err := processor.Convert(ctx, src)
	if err != nil {
		return err
	}
	return export.Write(out, table, opts)
}
