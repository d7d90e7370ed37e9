// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/api"
	"github.com/JakeFAU/scrape-gateway/internal/artifact"
	"github.com/JakeFAU/scrape-gateway/internal/clock/system"
	"github.com/JakeFAU/scrape-gateway/internal/config"
	"github.com/JakeFAU/scrape-gateway/internal/egress"
	"github.com/JakeFAU/scrape-gateway/internal/executor"
	"github.com/JakeFAU/scrape-gateway/internal/extract"
	collyfetcher "github.com/JakeFAU/scrape-gateway/internal/fetcher/colly"
	"github.com/JakeFAU/scrape-gateway/internal/fetcher/headless"
	"github.com/JakeFAU/scrape-gateway/internal/gateway"
	"github.com/JakeFAU/scrape-gateway/internal/hash/sha256"
	"github.com/JakeFAU/scrape-gateway/internal/id/uuid"
	"github.com/JakeFAU/scrape-gateway/internal/identity"
	"github.com/JakeFAU/scrape-gateway/internal/logging"
	"github.com/JakeFAU/scrape-gateway/internal/metrics"
	"github.com/JakeFAU/scrape-gateway/internal/pipeline"
	"github.com/JakeFAU/scrape-gateway/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-gateway/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-gateway/internal/quota"
	gcsstorage "github.com/JakeFAU/scrape-gateway/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-gateway/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-gateway/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-gateway/internal/storage/postgres"
	redisstore "github.com/JakeFAU/scrape-gateway/internal/storage/redis"
	s3storage "github.com/JakeFAU/scrape-gateway/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/scrape-gateway/internal/storage/sqlite"
	"github.com/JakeFAU/scrape-gateway/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg            *config.Config
	logger         *zap.Logger
	apiServer      *api.Server
	usageStore     gateway.UsageStore
	storage        *storage.Client
	pubsub         *gcppublisher.Publisher
	renderer       *headless.Renderer
	geo            *identity.GeoIPResolver
	tracerShutdown func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) *App {
	logger.Info("creating application",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("device_id", cfg.Device.ID),
		zap.String("quota_backend", cfg.Quota.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
	)
	return &App{
		cfg:    cfg,
		logger: logger,
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close releases every client the App opened.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.geo != nil {
		if err := a.geo.Close(); err != nil {
			a.logger.Warn("geoip database close failed", zap.Error(err))
		}
	}
	if a.usageStore != nil {
		if err := a.usageStore.Close(); err != nil {
			a.logger.Warn("usage store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	// Sync on a console logger returns EINVAL on some platforms; nothing to do about it.
	_ = a.logger.Sync()
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := NewApp(cfg, logger)
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	metrics.Init()

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("tracer init failed: %w", err)
		}
		a.tracerShutdown = tp.Shutdown
	}

	clock := system.New()

	usageStore, err := OpenUsageStore(ctx, cfg, a.logger)
	if err != nil {
		return err
	}
	a.usageStore = usageStore
	ledger := NewLedger(cfg, usageStore, a.logger)

	blobs, err := setupStorage(ctx, a, clock)
	if err != nil {
		return err
	}
	stager := artifact.NewStager(
		artifact.Config{
			Prefix:      cfg.Storage.Prefix,
			ContentType: cfg.Storage.ContentType,
			TTL:         cfg.Storage.PresignTTL,
		},
		blobs.store,
		blobs.presigner,
		uuid.NewRandom(),
		sha256.New(),
		clock,
		a.logger.Named("artifact"),
	)

	sampler, err := setupIdentity(a)
	if err != nil {
		return err
	}

	exec, err := setupExecutor(a, sampler)
	if err != nil {
		return err
	}

	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}

	egressCtl := NewEgressController(cfg, a.logger)
	pipe := pipeline.New(
		pipeline.Config{
			DeviceID: cfg.Device.ID,
			Topic:    cfg.PubSub.TopicName,
		},
		ledger,
		egressCtl,
		exec,
		sampler,
		stager,
		publisher,
		clock,
		a.logger.Named("pipeline"),
	)

	a.apiServer = api.NewServer(
		api.Config{
			DeviceID:       cfg.Device.ID,
			RequestTimeout: cfg.Server.RequestTimeout,
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			QuotaLimit:     ledger.Limit(),
		},
		api.Dependencies{
			Pipeline:  pipe,
			Keys:      ledger,
			Egress:    egressCtl,
			Prober:    sampler,
			Artifacts: blobs.reader,
			Verifier:  blobs.verifier,
			Ready:     usageStore.Ping,
			Clock:     clock,
			IDs:       uuid.New(),
		},
		a.logger.Named("api"),
	)
	return nil
}

// OpenUsageStore opens the quota backend named by quota.backend. Postgres
// migrations run first when database.run_migrations is set.
func OpenUsageStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (gateway.UsageStore, error) {
	switch cfg.Quota.Backend {
	case "postgres":
		if cfg.Database.RunMigrations {
			if err := pgstore.RunMigrations(cfg.Database.DSN); err != nil {
				return nil, fmt.Errorf("usage migrations failed: %w", err)
			}
			logger.Info("usage migrations applied")
		}
		store, err := pgstore.NewUsageStore(ctx, pgstore.Config{
			DSN:             cfg.Database.DSN,
			Table:           cfg.Database.Table,
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres usage store init failed: %w", err)
		}
		logger.Info("using postgres usage store", zap.String("table", cfg.Database.Table))
		return store, nil
	case "sqlite":
		store, err := sqlitestore.NewUsageStore(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite usage store init failed: %w", err)
		}
		logger.Info("using sqlite usage store", zap.String("path", cfg.SQLite.Path))
		return store, nil
	case "redis":
		store, err := redisstore.NewUsageStore(ctx, redisstore.Config{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis usage store init failed: %w", err)
		}
		logger.Info("using redis usage store", zap.String("addr", cfg.Redis.Addr))
		return store, nil
	default:
		logger.Warn("using in-memory usage store; quota resets on restart")
		return memorystorage.NewUsageStore(), nil
	}
}

// NewLedger builds the quota ledger over store.
func NewLedger(cfg *config.Config, store gateway.UsageStore, logger *zap.Logger) *quota.Ledger {
	return quota.New(store, quota.Config{
		DailyLimit:     cfg.Quota.DailyLimit,
		MaxCASAttempts: cfg.Quota.MaxCASAttempts,
	}, logger.Named("quota"))
}

// NewEgressController builds the VPN controller over the local utility.
func NewEgressController(cfg *config.Config, logger *zap.Logger) *egress.Controller {
	return egress.New(egress.Config{
		Binary:         cfg.Egress.Binary,
		DisconnectArgs: cfg.Egress.DisconnectArgs,
		ConnectArgs:    cfg.Egress.ConnectArgs,
		StatusArgs:     cfg.Egress.StatusArgs,
		Settle:         cfg.Egress.Settle,
		CommandTimeout: cfg.Egress.CommandTimeout,
	}, nil, logger.Named("egress"))
}

type blobSetup struct {
	store     gateway.BlobStore
	presigner gateway.Presigner
	reader    gateway.ObjectReader
	verifier  api.ArtifactVerifier
}

func setupStorage(ctx context.Context, app *App, clock gateway.Clock) (blobSetup, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return blobSetup{}, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:              cfg.Bucket,
			ServiceAccountEmail: cfg.GCS.ServiceAccountEmail,
			PrivateKeyPath:      cfg.GCS.PrivateKeyPath,
		})
		if err != nil {
			return blobSetup{}, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		return blobSetup{store: store, presigner: store}, nil
	case "s3":
		store, err := s3storage.New(s3storage.Config{
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Region:    cfg.S3.Region,
			UseSSL:    cfg.S3.UseSSL,
			Bucket:    cfg.Bucket,
		})
		if err != nil {
			return blobSetup{}, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return blobSetup{}, fmt.Errorf("s3 bucket check failed: %w", err)
		}
		app.logger.Info("using S3 storage backend",
			zap.String("endpoint", cfg.S3.Endpoint),
			zap.String("bucket", cfg.Bucket),
		)
		return blobSetup{store: store, presigner: store}, nil
	}

	signer, err := newSigner(app, clock)
	if err != nil {
		return blobSetup{}, err
	}
	if cfg.Backend == "local" {
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return blobSetup{}, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		return blobSetup{store: store, presigner: signer, reader: store, verifier: signer}, nil
	}
	app.logger.Info("using in-memory storage backend")
	store := memorystorage.NewBlobStore()
	return blobSetup{store: store, presigner: signer, reader: store, verifier: signer}, nil
}

func newSigner(app *App, clock gateway.Clock) (*artifact.Signer, error) {
	key := []byte(app.cfg.Storage.SigningKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		app.logger.Warn("storage.signing_key not set; artifact handles will not survive a restart")
	}
	signer, err := artifact.NewSigner(key, app.cfg.Storage.PublicBaseURL, clock)
	if err != nil {
		return nil, fmt.Errorf("artifact signer init failed: %w", err)
	}
	return signer, nil
}

func setupIdentity(app *App) (*identity.Sampler, error) {
	cfg := app.cfg.Identity
	var opts []identity.Option
	if cfg.GeoIPDatabasePath != "" {
		geo, err := identity.OpenGeoIP(cfg.GeoIPDatabasePath)
		if err != nil {
			return nil, fmt.Errorf("geoip database init failed: %w", err)
		}
		app.geo = geo
		opts = append(opts, identity.WithGeoResolver(geo))
		app.logger.Info("using local geoip database", zap.String("path", cfg.GeoIPDatabasePath))
	}
	return identity.New(identity.Config{
		FallbackUserAgent: cfg.FallbackUserAgent,
		IPEchoURL:         cfg.IPEchoURL,
		GeoLookupURL:      cfg.GeoLookupURL,
		ReachabilityURL:   cfg.ReachabilityURL,
		Timeout:           cfg.Timeout,
	}, app.logger.Named("identity"), opts...), nil
}

func setupExecutor(app *App, sampler *identity.Sampler) (*executor.Executor, error) {
	cfg := app.cfg
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Identity.FallbackUserAgent,
		Timeout:      cfg.Fetch.Timeout,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	})

	var renderer gateway.Renderer = headless.NewNoop()
	if cfg.Headless.Enabled {
		r, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Headless.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Settle:            cfg.Headless.Settle,
			ExecPath:          cfg.Headless.ExecPath,
		}, app.logger.Named("headless"))
		if err != nil {
			return nil, fmt.Errorf("headless renderer init failed: %w", err)
		}
		app.renderer = r
		renderer = r
		app.logger.Info("using headless renderer", zap.Int("max_parallel", cfg.Headless.MaxParallel))
	} else {
		app.logger.Warn("headless rendering disabled; /search will fail")
	}

	var limiter gateway.Limiter
	if cfg.Fetch.PerHostRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.Fetch.PerHostRPS,
			DefaultBurst: cfg.Fetch.PerHostBurst,
		})
		app.logger.Info("per-host rate limiter enabled",
			zap.Float64("rps", cfg.Fetch.PerHostRPS),
			zap.Int("burst", cfg.Fetch.PerHostBurst),
		)
	}

	return executor.New(
		executor.Config{
			DirectoryURL:      cfg.Identity.UserAgentDirectoryURL,
			FallbackUserAgent: cfg.Identity.FallbackUserAgent,
			SearchURL:         cfg.Headless.SearchURL,
		},
		sampler,
		fetcher,
		renderer,
		extract.New(cfg.Headless.ResultSelector),
		limiter,
		app.logger.Named("executor"),
	), nil
}

func setupPublisher(ctx context.Context, app *App) (gateway.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultCapacity), nil
	}
	publisher, err := gcppublisher.NewFromProject(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsub = publisher
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return publisher, nil
}
