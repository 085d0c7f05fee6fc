package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/alqutdigital/board-harvester/internal/api"
	"github.com/alqutdigital/board-harvester/internal/api/middleware"
	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/models"
	"github.com/alqutdigital/board-harvester/internal/report"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
)

// harvestFlags holds flags for the harvest and schedule commands.
type harvestFlags struct {
	Site       string
	All        bool
	Cutoff     string
	Year       int
	StartPage  int
	MaxPages   int
	Force      bool
	Headful    bool
	NoProgress bool
}

func (f *harvestFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.Site, "site", "s", "", "Site code to crawl")
	cmd.Flags().BoolVar(&f.All, "all", false, "Crawl every configured site in turn")
	cmd.Flags().StringVar(&f.Cutoff, "cutoff", "", "Stop at posts older than this date (YYYY-MM-DD, inclusive)")
	cmd.Flags().IntVar(&f.Year, "year", 0, "Collect only posts from this year")
	cmd.Flags().IntVar(&f.StartPage, "start-page", 1, "First listing page to fetch")
	cmd.Flags().IntVar(&f.MaxPages, "max-pages", 0, "Stop after this many listing pages (0 = no limit)")
	cmd.Flags().BoolVarP(&f.Force, "force", "f", false, "Save posts even when a record with the same title exists")
	cmd.Flags().BoolVar(&f.Headful, "headful", false, "Show the browser window")
	cmd.Flags().BoolVar(&f.NoProgress, "no-progress", false, "Disable the progress spinner")
}

// newHarvestCmd creates the harvest subcommand.
func newHarvestCmd(a *app) *cobra.Command {
	f := &harvestFlags{}

	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Crawl a board for new posts",
		Long:  "Pages through a board newest first and saves every post not already on disk, stopping at the cutoff, the end of the listing, or after repeated page failures.",
		Example: `  # Collect everything published since 1 March 2024
  harvester harvest --site=egov-notice --cutoff=2024-03-01

  # Collect the 2023 posts only
  harvester harvest --site=egov-notice --year=2023

  # Refresh every configured board, at most 3 pages each
  harvester harvest --all --max-pages=3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHarvest(cmd.Context(), a, f)
		},
	}
	f.bind(cmd)

	return cmd
}

// runHarvest executes the harvest command. It fails only when a run could not
// start or ended fatally.
func runHarvest(ctx context.Context, a *app, f *harvestFlags) error {
	cutoff, err := parseCutoff(f.Cutoff, f.Year)
	if err != nil {
		return err
	}

	o, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	sites, err := selectSites(o.Sites(), f.Site, f.All)
	if err != nil {
		return err
	}

	ctx, stop := a.shutdown.NotifyContext(ctx)
	defer stop()

	return harvestSites(ctx, a, o, sites, f, cutoff)
}

func harvestSites(ctx context.Context, a *app, o *Orchestrator, sites []*site.Config, f *harvestFlags, cutoff crawler.Cutoff) error {
	var errs []error
	for _, cfg := range sites {
		if ctx.Err() != nil {
			break
		}
		opts := HarvestOptions{
			Cutoff:    cutoff,
			StartPage: f.StartPage,
			MaxPages:  f.MaxPages,
			Force:     f.Force,
			Headful:   f.Headful,
		}
		if !f.NoProgress {
			opts.Progress = newProgressObserver(os.Stderr, cfg.Code)
		}

		res, err := o.Harvest(ctx, cfg, opts)
		if res.RunID == "" {
			a.log.WithError(err).Error("harvest not started", "site", cfg.Code)
			errs = append(errs, fmt.Errorf("%s: %w", cfg.Code, err))
			continue
		}
		report.RenderResult(os.Stdout, res)
		if res.Status.Fatal() {
			errs = append(errs, fmt.Errorf("%s: run ended with %s", cfg.Code, res.Status))
		}
	}
	return errors.Join(errs...)
}

// parseCutoff builds a cutoff from the --cutoff and --year flags; at most one
// may be set.
func parseCutoff(date string, year int) (crawler.Cutoff, error) {
	switch {
	case date != "" && year != 0:
		return crawler.Cutoff{}, errors.New("--cutoff and --year are mutually exclusive")
	case date != "":
		t, err := time.Parse(models.DateLayout, date)
		if err != nil {
			return crawler.Cutoff{}, fmt.Errorf("invalid --cutoff %q: expected YYYY-MM-DD", date)
		}
		return crawler.Cutoff{Date: &t}, nil
	case year != 0:
		if year < 1900 || year > 9999 {
			return crawler.Cutoff{}, fmt.Errorf("invalid --year %d", year)
		}
		return crawler.Cutoff{Year: year}, nil
	}
	return crawler.Cutoff{}, nil
}

// selectSites resolves --site / --all against the registry.
func selectSites(reg *site.Registry, code string, all bool) ([]*site.Config, error) {
	switch {
	case all && code != "":
		return nil, errors.New("--site and --all are mutually exclusive")
	case all:
		sites := reg.List()
		if len(sites) == 0 {
			return nil, errors.New("no sites configured")
		}
		return sites, nil
	case code == "":
		return nil, errors.New("--site or --all is required")
	}
	cfg, err := reg.Get(code)
	if err != nil {
		return nil, err
	}
	return []*site.Config{cfg}, nil
}

// newSitesCmd creates the sites subcommand.
func newSitesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List configured boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			report.RenderSiteConfigs(os.Stdout, o.Sites().List())
			return nil
		},
	}
}

// newStatusCmd creates the status subcommand.
func newStatusCmd(a *app) *cobra.Command {
	var code string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show what has been harvested",
		Long:  "Display record counts, the next ordinal and the last run for each board.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), a, code, jsonOutput)
		},
	}

	cmd.Flags().StringVarP(&code, "site", "s", "", "Filter by site")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")

	return cmd
}

// runStatus executes the status command.
func runStatus(ctx context.Context, a *app, code string, jsonOutput bool) error {
	o, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	sites := o.Sites().List()
	if code != "" {
		if sites, err = selectSites(o.Sites(), code, false); err != nil {
			return err
		}
	}

	statuses := make([]report.SiteStatus, 0, len(sites))
	for _, cfg := range sites {
		st, err := o.Status(ctx, cfg)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.Code, err)
		}
		statuses = append(statuses, report.SiteStatus{
			Code:     cfg.Code,
			Name:     cfg.Name,
			Mode:     report.Mode(cfg),
			Records:  st.Records,
			NextSeq:  st.NextSeq,
			Newest:   baseName(st.Newest),
			LastRun:  st.LastRun,
			LockedBy: st.LockedBy,
		})
	}

	if jsonOutput {
		data, err := json.MarshalIndent(statuses, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	report.RenderSites(os.Stdout, statuses)
	return nil
}

func baseName(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Base(p)
}

// newRunsCmd creates the runs subcommand.
func newRunsCmd(a *app) *cobra.Command {
	var code, runID string
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show run history or the failures of one run",
		Example: `  # Last 10 runs of one board
  harvester runs --site=egov-notice --limit=10

  # Everything that went wrong in a run
  harvester runs --run=6f1c2a0e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			runLog := o.RunLog()
			if runLog == nil {
				return errors.New("run log is disabled (DB_DRIVER=none or database unavailable)")
			}
			if runID != "" {
				failures, err := runLog.Failures(cmd.Context(), runID)
				if err != nil {
					return err
				}
				report.RenderFailures(os.Stdout, failures)
				return nil
			}
			runs, err := runLog.RecentRuns(cmd.Context(), code, limit)
			if err != nil {
				return err
			}
			report.RenderRuns(os.Stdout, runs)
			return nil
		},
	}

	cmd.Flags().StringVarP(&code, "site", "s", "", "Filter by site")
	cmd.Flags().StringVar(&runID, "run", "", "Show the failures of this run")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")

	return cmd
}

// newServeCmd creates the serve subcommand.
func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve harvested records and run history over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			o.EnableLive(true)
			ctx, stop := a.shutdown.NotifyContext(cmd.Context())
			defer stop()
			return serve(ctx, a, o)
		},
	}
	cmd.Flags().IntVarP(&a.portOverride, "port", "p", 0, "Listen port (overrides PORT)")
	return cmd
}

// serve runs the API until ctx is cancelled.
func serve(ctx context.Context, a *app, o *Orchestrator) error {
	srv := api.NewServer(o.Router(a), a.serverConfig(), a.log)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Router builds the API handler over the orchestrator's backends.
func (o *Orchestrator) Router(a *app) http.Handler {
	deps := api.Dependencies{
		Logger:   a.log,
		Sites:    o.sites,
		Records:  o.files,
		Health:   o.health(),
		Gatherer: o.registry,
	}
	if o.runLog != nil {
		deps.Runs = o.runLog
	}
	if o.lock != nil {
		deps.Locks = o.lock
	}
	if o.redis != nil {
		deps.RateLimitStore = middleware.NewRedisRateLimitStore(o.redis, "harvester:ratelimit:")
	}
	if o.live != nil {
		deps.Live = o.live
	}

	rc := api.DefaultRouterConfig()
	rc.AllowedOrigins = a.cfg.Server.AllowedOrigins
	rc.RequestTimeout = a.cfg.Server.RequestTimeout
	rc.Version = Version
	rc.EnableRateLimiting = a.cfg.Server.RateLimit
	return api.NewRouter(deps, rc)
}

func (a *app) serverConfig() api.ServerConfig {
	sc := api.DefaultServerConfig()
	sc.Host = a.cfg.Server.Host
	sc.Port = a.cfg.Server.Port
	if a.portOverride != 0 {
		sc.Port = a.portOverride
	}
	sc.ShutdownTimeout = a.cfg.Server.ShutdownTimeout
	return sc
}

// newScheduleCmd creates the schedule subcommand.
func newScheduleCmd(a *app) *cobra.Command {
	f := &harvestFlags{}
	var spec string
	var withAPI bool

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Harvest on a cron schedule",
		Long:  "Runs harvest on a five-field cron schedule until interrupted. A tick is skipped while the previous one is still running.",
		Example: `  # Every morning at 06:00, all boards, with the API alongside
  harvester schedule --all --cron="0 6 * * *" --serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cutoff, err := parseCutoff(f.Cutoff, f.Year)
			if err != nil {
				return err
			}
			if spec == "" {
				spec = a.cfg.Crawler.Schedule
			}
			o, err := a.orchestrator(cmd.Context())
			if err != nil {
				return err
			}
			sites, err := selectSites(o.Sites(), f.Site, f.All)
			if err != nil {
				return err
			}
			f.NoProgress = true
			if withAPI {
				// Runs are observed in-process, so the stream is not relayed.
				o.EnableLive(false)
			}

			ctx, stop := a.shutdown.NotifyContext(cmd.Context())
			defer stop()
			return schedule(ctx, a, spec, withAPI, func(ctx context.Context) {
				if err := harvestSites(ctx, a, o, sites, f, cutoff); err != nil {
					a.log.WithError(err).Error("scheduled harvest failed")
				}
			}, o)
		},
	}
	f.bind(cmd)
	cmd.Flags().StringVar(&spec, "cron", "", "Cron expression (overrides HARVEST_SCHEDULE)")
	cmd.Flags().BoolVar(&withAPI, "serve", false, "Serve the HTTP API while scheduling")

	return cmd
}

// schedule runs job on spec until ctx is cancelled, then waits for a running
// job to finish.
func schedule(ctx context.Context, a *app, spec string, withAPI bool, job func(context.Context), o *Orchestrator) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(spec, func() { job(ctx) }); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", spec, err)
	}

	c.Start()
	a.log.Info("scheduler started", "cron", spec)

	var err error
	if withAPI {
		err = serve(ctx, a, o)
	} else {
		<-ctx.Done()
	}

	<-c.Stop().Done()
	a.log.Info("scheduler stopped")
	return err
}

// newExportCmd creates the export subcommand.
func newExportCmd(a *app) *cobra.Command {
	var code, file string
	var runLimit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export harvested records to an Excel workbook",
		Example: `  harvester export --file=records.xlsx
  harvester export --site=egov-notice --file=notices.xlsx`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd.Context(), a, code, file, runLimit)
		},
	}

	cmd.Flags().StringVarP(&code, "site", "s", "", "Export a single site")
	cmd.Flags().StringVar(&file, "file", "records.xlsx", "Workbook path")
	cmd.Flags().IntVar(&runLimit, "runs", 100, "Number of recent runs to include (0 = none)")

	return cmd
}

// runExport executes the export command.
func runExport(ctx context.Context, a *app, code, file string, runLimit int) error {
	o, err := a.orchestrator(ctx)
	if err != nil {
		return err
	}
	sites := o.Sites().List()
	if code != "" {
		if sites, err = selectSites(o.Sites(), code, false); err != nil {
			return err
		}
	}

	groups := make([]report.SiteRecords, 0, len(sites))
	total := 0
	for _, cfg := range sites {
		records, err := o.Files().Records(cfg.Code)
		if err != nil {
			return fmt.Errorf("%s: %w", cfg.Code, err)
		}
		groups = append(groups, report.SiteRecords{Site: cfg.Code, Records: records})
		total += len(records)
	}

	var runs []storage.RunRow
	if o.RunLog() != nil && runLimit > 0 {
		if runs, err = o.RunLog().RecentRuns(ctx, code, runLimit); err != nil {
			return err
		}
	}

	out, err := os.Create(file)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", file, err)
	}
	if err := report.WriteWorkbook(out, groups, runs); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}

	a.log.Info("export written", "file", file, "records", total, "runs", len(runs))
	return nil
}
