// Package cli provides the nesspipe command-line interface: converting
// Nessus exports into flat tables, pulling exports from the scanner API,
// reading stored imports and running the API server with its scheduler.
package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anstrom/nesspipe/internal/config"
	"github.com/anstrom/nesspipe/internal/logging"
)

const envPrefix = "NESSPIPE"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "nesspipe",
	Short: "Flatten Nessus scan exports into tables",
	Long: `nesspipe converts Nessus v2 XML exports into one row per finding
(scan date, address, short DNS name, CVE, CVSS, exploit availability,
plugin name and plugin modification date) and writes them as CSV,
log lines, JSON or a terminal table.

Exports can be read from files, standard input or pulled directly from
the scanner's REST API, optionally stored in PostgreSQL, and served over
HTTP.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig locates the config file and wires environment variables.
// NESSPIPE_NESSUS_URL overrides nessus.url, and so on.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// configFilePath returns the file to load, empty when none was found.
func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// envOverrides lists the settings that environment variables and bound
// flags may override after the file is loaded.
var envOverrides = map[string]func(*config.Config, *viper.Viper, string){
	"nessus.url":         func(c *config.Config, v *viper.Viper, k string) { c.Nessus.URL = v.GetString(k) },
	"nessus.username":    func(c *config.Config, v *viper.Viper, k string) { c.Nessus.Username = v.GetString(k) },
	"nessus.password":    func(c *config.Config, v *viper.Viper, k string) { c.Nessus.Password = v.GetString(k) },
	"nessus.verify_tls":  func(c *config.Config, v *viper.Viper, k string) { c.Nessus.VerifyTLS = v.GetBool(k) },
	"output.format":      func(c *config.Config, v *viper.Viper, k string) { c.Output.Format = v.GetString(k) },
	"output.directory":   func(c *config.Config, v *viper.Viper, k string) { c.Output.Directory = v.GetString(k) },
	"output.prefix":      func(c *config.Config, v *viper.Viper, k string) { c.Output.Prefix = v.GetString(k) },
	"output.header":      func(c *config.Config, v *viper.Viper, k string) { c.Output.Header = v.GetBool(k) },
	"database.enabled":   func(c *config.Config, v *viper.Viper, k string) { c.Database.Enabled = v.GetBool(k) },
	"database.host":      func(c *config.Config, v *viper.Viper, k string) { c.Database.Host = v.GetString(k) },
	"database.port":      func(c *config.Config, v *viper.Viper, k string) { c.Database.Port = v.GetInt(k) },
	"database.database":  func(c *config.Config, v *viper.Viper, k string) { c.Database.Database = v.GetString(k) },
	"database.username":  func(c *config.Config, v *viper.Viper, k string) { c.Database.Username = v.GetString(k) },
	"database.password":  func(c *config.Config, v *viper.Viper, k string) { c.Database.Password = v.GetString(k) },
	"workers.count":      func(c *config.Config, v *viper.Viper, k string) { c.Workers.Count = v.GetInt(k) },
	"api.listen_addr":    func(c *config.Config, v *viper.Viper, k string) { c.API.ListenAddr = v.GetString(k) },
	"api.port":           func(c *config.Config, v *viper.Viper, k string) { c.API.Port = v.GetInt(k) },
	"api.max_concurrent": func(c *config.Config, v *viper.Viper, k string) { c.API.MaxConcurrent = v.GetInt(k) },
	"logging.level":      func(c *config.Config, v *viper.Viper, k string) { c.Logging.Level = v.GetString(k) },
}

// applyOverrides copies every override key set in v onto cfg.
func applyOverrides(cfg *config.Config, v *viper.Viper) {
	for key, apply := range envOverrides {
		if v.IsSet(key) {
			apply(cfg, v, key)
		}
	}
}

// loadConfig reads the config file, applies environment and flag
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	path := configFilePath()
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyOverrides(cfg, viper.GetViper())
	if verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Debug("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}
