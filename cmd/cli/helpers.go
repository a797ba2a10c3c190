package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/anstrom/nesspipe/internal/client"
	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/db"
	"github.com/anstrom/nesspipe/internal/export"
	"github.com/anstrom/nesspipe/internal/logging"
	"github.com/anstrom/nesspipe/internal/metrics"
	"github.com/anstrom/nesspipe/internal/pipeline"
)

// DatabaseOperation represents a function that operates on a database connection.
type DatabaseOperation func(*db.DB) error

// withDatabase connects to the configured database, applies pending
// migrations and runs operation. The connection is closed afterwards.
func withDatabase(ctx context.Context, cfg *config.Config, operation DatabaseOperation) error {
	database, err := db.ConnectAndMigrate(ctx, &cfg.Database.Config)
	if err != nil {
		return fmt.Errorf("error connecting to database: %w", err)
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}()

	return operation(database)
}

// withClient logs in to the scanner, runs operation and logs out.
func withClient(ctx context.Context, cfg *config.Config, recorder metrics.Recorder,
	operation func(*client.Client) error) error {
	c, err := client.New(cfg.Nessus, client.WithRecorder(recorder), client.WithLogger(logging.Default().WithComponent("client")))
	if err != nil {
		return err
	}
	if err := c.Login(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Logout(context.WithoutCancel(ctx)); err != nil {
			logging.Warn("Failed to close scanner session", "error", err)
		}
	}()

	return operation(c)
}

// parseFormats turns flag values, each possibly comma separated, into
// distinct formats in first-seen order.
func parseFormats(values []string) ([]export.Format, error) {
	var formats []export.Format
	seen := make(map[export.Format]bool)
	for _, value := range values {
		for _, name := range strings.Split(value, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			format, err := export.ParseFormat(name)
			if err != nil {
				return nil, err
			}
			if !seen[format] {
				seen[format] = true
				formats = append(formats, format)
			}
		}
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("at least one output format is required")
	}
	return formats, nil
}

// newProcessor builds the processor writing cfg.Output in the given formats.
func newProcessor(cfg *config.Config, formats []export.Format, opts ...pipeline.Option) *pipeline.Processor {
	return pipeline.New(pipeline.Config{
		Formats:   formats,
		Directory: cfg.Output.Directory,
		Prefix:    cfg.Output.Prefix,
		Header:    cfg.Output.Header,
	}, append([]pipeline.Option{pipeline.WithLogger(logging.Default())}, opts...)...)
}

// bindFlags binds each config key to the named flag of flags. A flag only
// overrides the config when it was set on the command line.
func bindFlags(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		flag := flags.Lookup(name)
		if flag == nil {
			fmt.Fprintf(os.Stderr, "Warning: no %s flag to bind to %s\n", name, key)
			continue
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", name, err)
		}
	}
}
