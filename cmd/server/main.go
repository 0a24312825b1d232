package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/masshaul/masshaul/internal/api"
	"github.com/masshaul/masshaul/internal/auth"
	"github.com/masshaul/masshaul/internal/breaker"
	"github.com/masshaul/masshaul/internal/cache"
	"github.com/masshaul/masshaul/internal/config"
	"github.com/masshaul/masshaul/internal/coordinator"
	"github.com/masshaul/masshaul/internal/db"
	"github.com/masshaul/masshaul/internal/deadletter"
	apperrors "github.com/masshaul/masshaul/internal/errors"
	"github.com/masshaul/masshaul/internal/health"
	"github.com/masshaul/masshaul/internal/logger"
	"github.com/masshaul/masshaul/internal/metrics"
	"github.com/masshaul/masshaul/internal/middleware"
	"github.com/masshaul/masshaul/internal/models"
	"github.com/masshaul/masshaul/internal/progress"
	"github.com/masshaul/masshaul/internal/ratelimit"
	"github.com/masshaul/masshaul/internal/resource"
	"github.com/masshaul/masshaul/internal/scheduler"
	"github.com/masshaul/masshaul/internal/storage"
	"github.com/masshaul/masshaul/internal/validators"
	"github.com/masshaul/masshaul/internal/websocket"
	"github.com/masshaul/masshaul/internal/ytdlp"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.Load()

	logger.SetDefault(logger.New(os.Stdout, logger.ParseLevel(cfg.LogLevel), ""))
	httpLog := logger.Default().WithComponent("http")

	database, err := db.New(cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	jobRepo := db.NewJobRepository(database)
	channelRepo := db.NewChannelRepository(database)
	itemRepo := db.NewItemRepository(database)
	progressRepo := db.NewProgressRepository(database)

	// Redis carries the dead-letter queue, the discovery cache and the
	// progress fan-out between replicas. Jobs still run without it.
	var discoveryCache *cache.DiscoveryCache
	dlq, err := deadletter.NewQueue(cfg.RedisURL)
	if err != nil {
		log.Printf("Redis unavailable, running without dead letters, discovery cache and progress fan-out: %v", err)
		dlq = nil
	} else {
		defer dlq.Close()
		discoveryCache = cache.NewWithClient(dlq.Client(), cfg.DiscoveryCacheTTL)
	}

	met := metrics.Default()

	limiters := ratelimit.NewPerService()
	limiters.Register(ytdlp.ServiceDiscovery, cfg.DiscoveryRate, cfg.DiscoveryBurst)
	limiters.Register(ytdlp.ServiceTransfer, cfg.TransferRate, cfg.TransferBurst)

	newTransfer := func(mode string) (*ytdlp.Service, error) {
		return ytdlp.New(&ytdlp.Config{
			YtdlpPath:   cfg.YtdlpPath,
			Format:      cfg.YtdlpFormat,
			Mode:        mode,
			WorkDir:     cfg.WorkDir,
			DownloadDir: cfg.DownloadDir,
		}, limiters, discoveryCache)
	}
	defaultTransfer, err := newTransfer(cfg.DownloadMode)
	if err != nil {
		log.Fatalf("Failed to set up yt-dlp: %v", err)
	}

	resources := resource.NewMonitor(resource.Limits{
		MaxCPUPercent:    cfg.MaxCPUPercent,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
		CheckInterval:    cfg.ResourceCheckInterval,
	}, nil)
	resources.OnSample = func(s resource.Snapshot) {
		met.SetResourceUsage(s.CPUPercent, s.MemoryPercent)
	}
	resources.Start()
	defer resources.Stop()

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		HalfOpenRequests: cfg.BreakerHalfOpenRequests,
		OnStateChange: func(name, _, to string) {
			met.SetBreakerState(name, to)
		},
	})

	monitor := progress.NewMonitor(progress.Config{
		FlushInterval: cfg.ProgressFlushInterval,
		FlushEvery:    cfg.ProgressFlushEvery,
		ETAWindow:     cfg.ProgressETAWindow,
	})

	hub := websocket.NewHub(met)
	go hub.Run()
	monitor.AddCallback(websocket.ProgressCallback(hub))

	var bridge *websocket.Bridge
	if dlq != nil {
		bridge = websocket.NewBridge(dlq.Client(), hub)
		bridge.Start()
		defer bridge.Stop()
		monitor.AddCallback(bridge.Publisher())
	}

	// Sinks are built on first use and shared across jobs. A job picks
	// its backend in its config snapshot; everything else about the sink
	// comes from the server environment.
	var (
		sinkMu sync.Mutex
		sinks  = map[string]storage.Sink{}
	)
	sinkFor := func(backend string) (storage.Sink, error) {
		sinkMu.Lock()
		defer sinkMu.Unlock()
		if s, ok := sinks[backend]; ok {
			return s, nil
		}
		sinkCfg := *cfg
		sinkCfg.StorageBackend = backend
		s, err := storage.NewSink(&sinkCfg)
		if err != nil {
			return nil, err
		}
		sinks[backend] = s
		return s, nil
	}

	transferRetry := apperrors.DefaultRetryConfig()
	transferRetry.InitialBackoff = cfg.RetryInitialDelay
	transferRetry.MaxBackoff = cfg.RetryMaxDelay
	transferRetry.BackoffFactor = cfg.RetryBase

	newRunner := func(job *models.Job) (coordinator.Runner, error) {
		transfer := defaultTransfer
		if job.Config.DownloadMode != cfg.DownloadMode {
			t, err := newTransfer(job.Config.DownloadMode)
			if err != nil {
				return nil, err
			}
			transfer = t
		}

		deps := scheduler.Deps{
			Channels:      channelRepo,
			Items:         itemRepo,
			Discoverer:    transfer,
			Transferrer:   transfer,
			Breakers:      breakers,
			Admitter:      resources,
			Events:        monitor,
			Metrics:       met,
			TransferRetry: transferRetry,
		}
		if dlq != nil {
			deps.DeadLetters = dlq
		}
		if job.Config.DownloadMode != models.ModeLocalOnly {
			sink, err := sinkFor(job.Config.StorageBackend)
			if err != nil {
				return nil, err
			}
			deps.Sink = sink
		}
		return scheduler.New(deps, job.Config), nil
	}

	registry := validators.DefaultRegistry()

	coord := coordinator.New(coordinator.Options{
		Jobs:      jobRepo,
		Channels:  channelRepo,
		Items:     itemRepo,
		Progress:  progressRepo,
		Validator: registry,
		Monitor:   monitor,
		Breakers:  breakers,
		Resources: resources,
		Metrics:   met,
		NewRunner: newRunner,
		Defaults: coordinator.Defaults{
			MaxItemsPerChannel:           cfg.MaxItemsPerChannel,
			MaxConcurrentChannels:        cfg.MaxConcurrentChannels,
			MaxConcurrentItemsPerChannel: cfg.MaxConcurrentItemsPerChannel,
			MaxConcurrentItems:           cfg.MaxConcurrentItems,
			MaxRetries:                   cfg.MaxRetries,
			DownloadMode:                 cfg.DownloadMode,
			StorageBackend:               cfg.StorageBackend,
			ChannelTimeout:               cfg.ChannelTimeout,
		},
	})

	// All callbacks are registered, the flush loop may start.
	monitor.Start()
	defer monitor.Stop()

	authSvc, err := auth.NewService(auth.Credentials{
		Operator:     cfg.OperatorUser,
		Password:     cfg.OperatorPassword,
		PasswordHash: cfg.OperatorPasswordHash,
		JWTSecret:    cfg.JWTSecret,
	})
	if err != nil {
		log.Fatalf("Failed to configure operator auth: %v", err)
	}

	healthCfg := &health.CheckerConfig{
		DB:      database.DB,
		Version: version,
	}
	if dlq != nil {
		healthCfg.Redis = dlq.Client()
	}
	if cfg.DownloadMode == models.ModeLocalOnly {
		// No object store in the loop; the download directory stands in.
		healthCfg.StorageCheck = func(context.Context) error {
			info, err := os.Stat(cfg.DownloadDir)
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", cfg.DownloadDir)
			}
			return nil
		}
	} else {
		healthCfg.StorageCheck = func(ctx context.Context) error {
			sink, err := sinkFor(cfg.StorageBackend)
			if err != nil {
				return err
			}
			return sink.Ping(ctx)
		}
	}

	var failures api.FailureLister
	if dlq != nil {
		failures = dlq
	}

	router := api.NewRouter(api.RouterConfig{
		AuthHandlers:      auth.NewHandlers(authSvc),
		AuthService:       authSvc,
		Jobs:              api.NewJobHandlers(coord, itemRepo, failures, cfg.DefaultJobConfig()),
		ValidatorHandlers: validators.NewHandlers(registry),
		WS:                websocket.NewHandler(hub, authSvc),
		Health:            health.NewHandler(health.NewChecker(healthCfg)),
		Metrics:           met,
	})

	handler := middleware.Chain(router,
		middleware.RequestID,
		middleware.Recoverer(httpLog),
		middleware.Logging(httpLog),
		metrics.MetricsMiddleware(met),
		middleware.Timing,
		middleware.Gzip,
		middleware.ETag,
	)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting server on %s", cfg.ServerAddr)
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-stop:
		log.Printf("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown: %v", err)
	}

	// Active runs are interrupted, not cancelled. Their jobs stay
	// running in the database and can be resumed after restart.
	if err := coord.Close(shutdownCtx); err != nil {
		log.Printf("Coordinator shutdown: %v", err)
	}
}
