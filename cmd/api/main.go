package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"golang.org/x/time/rate"

	"mediagen/internal/actor"
	"mediagen/internal/actor/statestore"
	"mediagen/internal/artifact"
	"mediagen/internal/canonical"
	"mediagen/internal/dispatch"
	"mediagen/internal/domain"
	"mediagen/internal/http/handlers"
	httpapi "mediagen/internal/http/httpapi"
	"mediagen/internal/infra"
	"mediagen/internal/infra/credentials"
	"mediagen/internal/projection"
	"mediagen/internal/providers/fal"
	"mediagen/internal/providers/runware"
	"mediagen/internal/storage"
	"mediagen/internal/timer"
	"mediagen/internal/webhook"
)

func main() {
	// Muat .env (opsional)
	_ = godotenv.Load()

	// Konfigurasi & logger
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB pool (pgxpool)
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()
	runner := infra.NewSQLRunner(dbpool, logger)

	creds := credentials.NewStore(runner)
	if err := creds.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare credential table")
	}

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize blob storage")
	}

	backend, err := statestore.FromDSN(cfg.StateBackendDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("dsn_scheme", schemeOf(cfg.StateBackendDSN)).Msg("failed to open state backend")
	}
	defer backend.Close()

	tasks := infra.NewTasks(logger)

	// Registry is assigned below; the projection hook only fires after startup.
	var registry *actor.Registry
	projOpts := []projection.Option{}
	if cfg.ProjectionSurfaceErrors {
		projOpts = append(projOpts, projection.WithFailureHook(func(ctx context.Context, id string, err error) {
			reqErr := &domain.RequestError{Code: domain.RequestErrorProjectionFailed, Message: err.Error()}
			written, setErr := registry.SetErrorIfUnset(ctx, id, reqErr)
			switch {
			case setErr != nil:
				logger.Error().Err(setErr).Str("request_id", id).Msg("failed to surface projection error")
			case !written:
				logger.Debug().Str("request_id", id).Msg("projection error not surfaced; request already failed")
			}
		}))
	}
	proj := projection.NewWriter(runner, logger, projOpts...)
	if err := proj.EnsureSchema(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare projection schema")
	}

	// Timer backend
	var (
		scheduler actor.Scheduler
		local     *timer.Local
		temporal  client.Client
	)
	switch cfg.TimerBackend {
	case "temporal":
		temporal, err = client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect temporal")
		}
		defer temporal.Close()
		scheduler = timer.NewTemporal(temporal, cfg.TemporalTaskQueue)
	default:
		local = timer.NewLocal(logger)
		defer local.Stop()
		scheduler = local
	}

	registry, err = actor.NewRegistry(actor.Config{
		Backend:    backend,
		Scheduler:  scheduler,
		Validator:  canonical.MustValidator(),
		Logger:     logger,
		Partitions: cfg.ActorPartitions,
		Window:     cfg.RequestTimeout,
		OnTimeout: func(ctx context.Context, state *domain.RequestState) {
			tasks.Go("project-timeout", func(ctx context.Context) { proj.RecordTimeout(ctx, state) })
		},
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start actor registry")
	}
	defer registry.Close()

	if local != nil {
		local.Bind(registry)
	}
	if temporal != nil {
		w := worker.New(temporal, cfg.TemporalTaskQueue, worker.Options{})
		timer.Register(w, registry)
		if err := w.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start temporal worker")
		}
		defer w.Stop()
	}

	recovered, err := registry.Recover(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to recover pending requests")
	}
	logger.Info().Int("pending", recovered).Msg("actor registry recovered")

	// Providers
	httpClient := &http.Client{Timeout: cfg.FetchTimeout}
	runwareClient := runware.NewClient(runware.Options{
		BaseURL:    cfg.RunwareBaseURL,
		APIKey:     func(ctx context.Context) (string, error) { return creds.Resolve(ctx, credentials.ProviderRunware, cfg.RunwareAPIKey) },
		HTTPClient: httpClient,
		Logger:     logger,
	})
	falClient := fal.NewClient(fal.Options{
		BaseURL:    cfg.FalBaseURL,
		APIKey:     func(ctx context.Context) (string, error) { return creds.Resolve(ctx, credentials.ProviderFal, cfg.FalAPIKey) },
		HTTPClient: httpClient,
		Logger:     logger,
	})
	falKeys := fal.NewKeySet(cfg.FalJWKSURL, cfg.JWKSCacheTTL, httpClient)

	dispatcher, err := dispatch.New(dispatch.Config{
		Providers:    []dispatch.Provider{runwareClient, falClient},
		Actor:        registry,
		Projection:   proj,
		Tasks:        tasks,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.DispatchRatePerSecond), cfg.DispatchBurst),
		CallbackBase: cfg.PublicBaseURL,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build dispatcher")
	}

	pipeline := artifact.NewPipeline(artifact.Config{
		Store:        blobs,
		Actor:        registry,
		Projection:   proj,
		Tasks:        tasks,
		HTTPClient:   &http.Client{},
		FetchTimeout: cfg.FetchTimeout,
		Logger:       logger,
	})
	receiver := webhook.NewReceiver(registry, pipeline, tasks, logger,
		runware.NewAdapter(),
		fal.NewAdapter(fal.NewVerifier(falKeys, cfg.WebhookTolerance)),
	)

	app := &handlers.App{
		Generator: dispatcher,
		States:    registry,
		Artifacts: proj,
		Store:     blobs,
		SQL:       runner,
		Logger:    logger,
	}
	router := httpapi.NewRouter(app, httpapi.Options{
		Webhook:         receiver.Handle,
		Logger:          logger,
		RateLimitPerMin: cfg.RateLimitPerMin,
		CORSOrigins:     cfg.CORSOrigins,
	})

	// HTTP server wrapper dari infra
	server := infra.NewHTTPServer(cfg, router).WithBaseContext(context.WithoutCancel(ctx))

	// Start async
	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := tasks.Wait(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("background tasks abandoned")
	}
	logger.Info().Msg("server stopped")
}

func newBlobStore(ctx context.Context, cfg *infra.Config) (storage.BlobStore, error) {
	if cfg.StorageDriver != "s3" {
		fs, err := storage.NewFileStore(cfg.StoragePath)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	store, err := storage.NewS3Store(storage.S3Config{
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		UseSSL:          cfg.S3UseSSL,
		Prefix:          cfg.S3Prefix,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := store.EnsureBucket(ctx, cfg.S3Region); err != nil {
		return nil, err
	}
	return store, nil
}

func schemeOf(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "file"
}
