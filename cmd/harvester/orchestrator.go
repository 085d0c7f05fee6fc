package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/alqutdigital/board-harvester/internal/api/handlers"
	"github.com/alqutdigital/board-harvester/internal/browser"
	"github.com/alqutdigital/board-harvester/internal/config"
	"github.com/alqutdigital/board-harvester/internal/crawler"
	"github.com/alqutdigital/board-harvester/internal/events"
	"github.com/alqutdigital/board-harvester/internal/live"
	"github.com/alqutdigital/board-harvester/internal/metrics"
	"github.com/alqutdigital/board-harvester/internal/site"
	"github.com/alqutdigital/board-harvester/internal/storage"
	"github.com/alqutdigital/board-harvester/pkg/logger"
	"github.com/alqutdigital/board-harvester/pkg/retry"
	"github.com/alqutdigital/board-harvester/pkg/shutdown"
)

// HarvestOptions holds options for one harvest run.
type HarvestOptions struct {
	Cutoff    crawler.Cutoff
	StartPage int
	MaxPages  int
	Force     bool
	Headful   bool
	// Progress receives crawl events for terminal feedback; may be nil.
	Progress crawler.Observer
}

// Orchestrator owns the long-lived collaborators of the CLI. Optional backends
// (run log, Redis, NATS, MinIO) that fail to connect are logged and skipped.
type Orchestrator struct {
	cfg      *config.Config
	log      *logger.Logger
	sites    *site.Registry
	files    *storage.FileStore
	db       *sqlx.DB
	runLog   *storage.RunLog
	redis    *redis.Client
	lock     *storage.RunLock
	objects  *storage.MinIOStorage
	mirror   *storage.Mirror
	events   *events.Client
	live     *live.Hub
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	shutdown *shutdown.Handler
}

// NewOrchestrator connects the configured backends and registers their
// cleanup with sh.
func NewOrchestrator(ctx context.Context, cfg *config.Config, log *logger.Logger, sh *shutdown.Handler) (*Orchestrator, error) {
	sites, err := site.Load(cfg.Crawler.SitesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load sites: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o := &Orchestrator{
		cfg:      cfg,
		log:      log,
		sites:    sites,
		files:    storage.NewFileStore(cfg.Crawler.OutputDir),
		registry: registry,
		metrics:  metrics.New(registry),
		shutdown: sh,
	}

	if cfg.Database.Enabled() {
		db, err := storage.OpenDatabase(ctx, storage.DatabaseConfig{
			Driver:       cfg.Database.Driver,
			DSN:          cfg.Database.ConnString(),
			MaxOpenConns: cfg.Database.MaxOpenConns,
			MaxIdleConns: cfg.Database.MaxIdleConns,
		})
		if err != nil {
			log.WithError(err).Warn("failed to open run log, continuing without")
		} else {
			runLog := storage.NewRunLog(db, log)
			if err := runLog.Migrate(ctx); err != nil {
				db.Close()
				log.WithError(err).Warn("failed to migrate run log, continuing without")
			} else {
				o.db, o.runLog = db, runLog
				sh.RegisterNamed("database", func(context.Context) error { return db.Close() })
			}
		}
	}

	if cfg.Redis.Enabled() {
		client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			log.WithError(err).Warn("failed to connect to Redis, runs will not be locked")
		} else {
			o.redis = client
			o.lock = storage.NewRunLock(client, cfg.Redis.LockTTL)
			sh.RegisterNamed("redis", func(context.Context) error { return client.Close() })
		}
	}

	if cfg.NATS.Enabled() {
		ncfg := events.DefaultConfig()
		ncfg.URL, ncfg.Name = cfg.NATS.URL, cfg.NATS.Name
		client, err := events.Connect(ncfg, log)
		if err == nil {
			err = client.SetupStream(ctx)
			if err != nil {
				client.Close()
			}
		}
		if err != nil {
			log.WithError(err).Warn("failed to set up NATS, events disabled")
		} else {
			o.events = client
			sh.RegisterNamed("nats", func(context.Context) error { return client.Close() })
		}
	}

	if cfg.Storage.Enabled() {
		store, err := storage.NewMinIOStorage(storage.MinIOConfig{
			Endpoint:        cfg.Storage.Endpoint,
			AccessKeyID:     cfg.Storage.AccessKeyID,
			SecretAccessKey: cfg.Storage.SecretAccessKey,
			BucketName:      cfg.Storage.BucketName,
			UseSSL:          cfg.Storage.UseSSL,
			Region:          cfg.Storage.Region,
		})
		if err == nil {
			err = store.InitBucket(ctx)
		}
		if err != nil {
			log.WithError(err).Warn("failed to initialize object storage, mirror disabled")
		} else {
			o.objects = store
			o.mirror = storage.NewMirror(store, log)
			// Closed first; drains queued uploads.
			sh.RegisterNamed("mirror", func(context.Context) error { o.mirror.Close(); return nil })
		}
	}

	return o, nil
}

// EnableLive starts the websocket hub served at /api/v1/live. With relay set
// it also forwards the NATS harvest stream, for runs made by other processes.
func (o *Orchestrator) EnableLive(relay bool) *live.Hub {
	if o.live != nil {
		return o.live
	}
	lcfg := live.DefaultConfig()
	lcfg.AllowedOrigins = o.cfg.Server.AllowedOrigins
	o.live = live.NewHub(lcfg, o.log)
	if relay && o.events != nil {
		if err := o.live.Follow(o.events.JetStream()); err != nil {
			o.log.WithError(err).Warn("failed to relay harvest stream")
		}
	}
	o.shutdown.RegisterNamed("live", func(context.Context) error { return o.live.Close() })
	return o.live
}

// Sites returns the site registry.
func (o *Orchestrator) Sites() *site.Registry { return o.sites }

// Files returns the record store.
func (o *Orchestrator) Files() *storage.FileStore { return o.files }

// RunLog returns the run log, or nil when no database is configured.
func (o *Orchestrator) RunLog() *storage.RunLog { return o.runLog }

// Harvest runs one crawl of cfg. The returned error is non-nil when the run
// could not start or ended fatally; the Result is populated whenever a run
// took place.
func (o *Orchestrator) Harvest(ctx context.Context, cfg *site.Config, opts HarvestOptions) (crawler.Result, error) {
	runID := uuid.NewString()
	ctx = logger.WithRun(ctx, runID, cfg.Code)
	log := o.log.WithContext(ctx)

	if o.lock != nil {
		if err := o.lock.Acquire(ctx, cfg.Code, runID); err != nil {
			return crawler.Result{}, err
		}
		defer func() {
			if err := o.lock.Release(context.WithoutCancel(ctx), cfg.Code, runID); err != nil {
				log.WithError(err).Warn("failed to release run lock")
			}
		}()
	}

	insecure := cfg.InsecureTLS || o.cfg.Browser.InsecureTLS
	client := crawler.NewHTTPClient(cfg.Timeouts.Download.Std(), insecure)

	bopts := browser.DefaultOptions()
	bopts.Headless = o.cfg.Browser.Headless && !opts.Headful
	bopts.ExecPath = o.cfg.Browser.ExecPath
	if o.cfg.Browser.UserAgent != "" {
		bopts.UserAgent = o.cfg.Browser.UserAgent
	}
	bopts.InsecureTLS = insecure
	bopts.NavigationsPerSecond = o.cfg.Crawler.RateLimit

	if cfg.RespectRobots {
		if err := crawler.CheckRobots(ctx, client, cfg, bopts.UserAgent); err != nil {
			return crawler.Result{}, err
		}
	}

	// Chrome starts on first use so a startup failure ends the run as
	// session_failed through the controller.
	sess := browser.New(ctx, bopts, log)
	defer sess.Close()

	policy := retry.Policy{
		MaxAttempts: o.cfg.Crawler.RetryAttempts,
		Backoff:     retry.Linear(o.cfg.Crawler.RetryDelay),
	}

	var pages crawler.PageFetcher
	if cfg.ListURL == "" && cfg.FeedURL != "" {
		pages = crawler.NewFeedFetcher(cfg, client, bopts.UserAgent, policy, log)
	} else {
		pages = crawler.NewListFetcher(cfg, sess, policy, log)
	}

	downloader := crawler.NewDownloader(cfg, sess, crawler.DownloaderConfig{
		Client:            client,
		UserAgent:         bopts.UserAgent,
		RequestsPerSecond: o.cfg.Crawler.RateLimit,
		VerifyPDF:         o.cfg.Crawler.VerifyPDF,
	}, log)

	deps := crawler.Deps{
		Pages:      pages,
		Resolver:   crawler.NewResolver(cfg, sess, log),
		Details:    crawler.NewDetailLoader(cfg, sess, crawler.NewExtractor(cfg), policy, log),
		Downloader: downloader,
		Store:      o.files,
		Observer:   o.observers(runID, log, opts.Progress),
	}
	if o.runLog != nil {
		deps.Failures = o.runLog
	}

	maxPages := opts.MaxPages
	if maxPages == 0 {
		maxPages = o.cfg.Crawler.MaxPages
	}

	return crawler.NewController(deps, log).Run(ctx, crawler.Params{
		Site:        cfg.Code,
		Cutoff:      opts.Cutoff,
		StartPage:   opts.StartPage,
		MaxPages:    maxPages,
		Force:       opts.Force,
		RunID:       runID,
		DateLayouts: cfg.DateLayouts,
	})
}

func (o *Orchestrator) observers(runID string, log *logger.Logger, progress crawler.Observer) crawler.Observers {
	obs := crawler.Observers{o.metrics}
	if o.runLog != nil {
		obs = append(obs, o.runLog)
	}
	if o.mirror != nil {
		obs = append(obs, o.mirror)
	}
	if o.events != nil {
		obs = append(obs, events.NewPublisher(o.events, runID, log))
	}
	if o.live != nil {
		obs = append(obs, o.live)
	}
	if progress != nil {
		obs = append(obs, progress)
	}
	return obs
}

// Status collects the local and recorded state of one site.
func (o *Orchestrator) Status(ctx context.Context, cfg *site.Config) (siteState, error) {
	st := siteState{Config: cfg}
	dirs, err := o.files.Dirs(cfg.Code)
	if err != nil {
		return st, err
	}
	scan, err := o.files.Scan(cfg.Code)
	if err != nil {
		return st, err
	}
	st.NextSeq = scan.NextSeq
	for _, d := range dirs {
		if d.Complete {
			st.Records++
			st.Newest = d.Path
		} else {
			st.Incomplete++
		}
	}
	if o.runLog != nil {
		if st.LastRun, err = o.runLog.LastRun(ctx, cfg.Code); err != nil {
			o.log.WithError(err).Warn("failed to read last run", "site", cfg.Code)
		}
	}
	if o.lock != nil {
		if st.LockedBy, err = o.lock.Holder(ctx, cfg.Code); err != nil {
			o.log.WithError(err).Warn("failed to read run lock", "site", cfg.Code)
		}
	}
	return st, nil
}

type siteState struct {
	Config     *site.Config
	Records    int
	Incomplete int
	NextSeq    int
	Newest     string
	LastRun    *storage.RunRow
	LockedBy   string
}

// health lists the readiness checks of the connected backends. Disabled
// backends are reported as not configured.
func (o *Orchestrator) health() map[string]handlers.HealthChecker {
	checks := map[string]handlers.HealthChecker{
		"output": handlers.HealthFunc(func(context.Context) error {
			_, err := os.Stat(o.files.Root())
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}),
		"database": nil,
		"redis":    nil,
		"nats":     nil,
		"storage":  nil,
	}
	if o.db != nil {
		checks["database"] = handlers.HealthFunc(func(ctx context.Context) error { return o.db.PingContext(ctx) })
	}
	if o.redis != nil {
		checks["redis"] = handlers.HealthFunc(func(ctx context.Context) error { return o.redis.Ping(ctx).Err() })
	}
	if o.events != nil {
		checks["nats"] = handlers.HealthFunc(func(context.Context) error {
			if !o.events.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		})
	}
	if o.objects != nil {
		checks["storage"] = o.objects
	}
	return checks
}
