// Package main is the entry point for the board harvester CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alqutdigital/board-harvester/internal/config"
	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/shutdown"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// globalOptions override configuration for every subcommand.
type globalOptions struct {
	OutputDir string
	SitesDir  string
	LogLevel  string
	LogFormat string
}

// app is the state shared by subcommands once configuration is loaded.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	shutdown *shutdown.Handler

	portOverride int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	a := &app{}
	err := newRootCmd(a).ExecuteContext(context.Background())
	// Cleanups run on failure too; cobra skips post-run hooks when RunE errors.
	if a.shutdown != nil {
		err = errors.Join(err, a.shutdown.Shutdown())
	}
	return err
}

func newRootCmd(a *app) *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "harvester",
		Short:         "Incremental crawler for public announcement boards",
		Long:          "Crawls paginated announcement boards newest first, saving each new post with its attachments until a cutoff date is reached.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.OutputDir, "output", "o", "", "Output directory for records (overrides HARVEST_OUTPUT_DIR)")
	flags.StringVar(&opts.SitesDir, "sites-dir", "", "Directory of site YAML files (overrides HARVEST_SITES_DIR)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log format: json or text")

	rootCmd.AddCommand(newHarvestCmd(a))
	rootCmd.AddCommand(newSitesCmd(a))
	rootCmd.AddCommand(newStatusCmd(a))
	rootCmd.AddCommand(newRunsCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newScheduleCmd(a))
	rootCmd.AddCommand(newExportCmd(a))

	return rootCmd
}

func (a *app) init(opts *globalOptions) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.OutputDir != "" {
		cfg.Crawler.OutputDir = opts.OutputDir
	}
	if opts.SitesDir != "" {
		cfg.Crawler.SitesDir = opts.SitesDir
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Log.Format = opts.LogFormat
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()

	a.cfg = cfg
	a.log = log
	a.shutdown = shutdown.New(log, cfg.Server.ShutdownTimeout)
	return nil
}

func (a *app) orchestrator(ctx context.Context) (*Orchestrator, error) {
	o, err := NewOrchestrator(ctx, a.cfg, a.log, a.shutdown)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return o, nil
}
