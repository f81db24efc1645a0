package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jbweber/cistern/internal/backend"
	"github.com/jbweber/cistern/internal/backend/dir"
	"github.com/jbweber/cistern/internal/conf"
	"github.com/jbweber/cistern/internal/config"
	"github.com/jbweber/cistern/internal/output"
	"github.com/jbweber/cistern/internal/storage"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath   string
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cistern",
	Short: "Cistern - storage pool and volume management tool",
	Long: `Cistern manages storage pools and the volumes they contain on a
virtualization host.

Pools are defined with libvirt storage pool XML and persisted between
invocations; volumes are created, cloned, resized, wiped, uploaded, and
downloaded through the pool's storage backend.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/cistern/config.yaml",
		"Path to the cistern configuration file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table",
		"Output format: table, yaml, or json")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"Omit headers in table output")

	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(volCmd)
	rootCmd.AddCommand(chainCmd)
}

// newDriver loads the configuration and assembles a driver with the
// registered backends and all persisted pools.
func newDriver() (*storage.Driver, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(level)

	backends := backend.NewRegistry()
	backends.Register(conf.PoolTypeDir, dir.New())

	d := storage.New(storage.Config{
		Backends: backends,
		Store:    conf.NewStore(cfg.StateDir),
		Logger:   logger,
	})

	if err := d.LoadAll(); err != nil {
		return nil, fmt.Errorf("failed to load pool definitions: %w", err)
	}
	if *cfg.Autostart {
		d.Autostart()
	}
	return d, nil
}

func newFormatter() (output.Formatter, error) {
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}
