package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anstrom/nesspipe/internal/daemon"
)

var serveOnce bool

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the export scheduler",
	Long: `Run the HTTP API and, when schedule.enabled is set, the scheduler that
exports every newly finished scan from the scanner. Converted tables are
written to the output directory and, when database.enabled is set, stored
in PostgreSQL. Runs until interrupted.

Signals: SIGHUP runs an export pass now, SIGUSR1 logs a status summary and
SIGUSR2 toggles debug logging.`,
	Example: `  nesspipe serve
  nesspipe serve --port 9090
  nesspipe serve --once`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveOnce, "once", false, "run one scheduler pass and exit")
	serveCmd.Flags().String("listen", "", "override api.listen_addr")
	serveCmd.Flags().Int("port", 0, "override api.port")

	bindFlags(serveCmd.Flags(), map[string]string{
		"api.listen_addr": "listen",
		"api.port":        "port",
	})
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.API.Enabled && !cfg.Schedule.Enabled {
		// Without anything configured, serve means the API.
		cfg.API.Enabled = true
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d := daemon.New(cfg, daemon.WithVersion(version))
	if !serveOnce {
		return d.Run(ctx)
	}

	summary, err := d.RunOnce(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Listed %d, processed %d, skipped %d, failed %d\n",
		summary.Listed, summary.Processed, summary.Skipped, summary.Failed)
	return err
}
