// Command relaycast runs the bulk live streaming service: the HTTP API, the
// job orchestrator, and its admission and health loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/grafana/pyroscope-go"

	"relaycast/internal/api"
	"relaycast/internal/config"
	"relaycast/internal/events"
	"relaycast/internal/hwaccel"
	"relaycast/internal/media"
	"relaycast/internal/observability/logging"
	"relaycast/internal/observability/metrics"
	"relaycast/internal/orchestrator"
	"relaycast/internal/pipeline"
	"relaycast/internal/platform"
	"relaycast/internal/server"
	"relaycast/internal/serverutil"
	"relaycast/internal/storage"
	"relaycast/internal/vault"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("relaycast exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	profiler, err := startProfiler(cfg.Profiling, logger)
	if err != nil {
		return err
	}
	if profiler != nil {
		defer func() {
			if err := profiler.Stop(); err != nil {
				logger.Warn("stop profiler", "error", err)
			}
		}()
	}

	recorder := metrics.Default()

	store, err := openRepository(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	logger.Info("datastore ready", "driver", cfg.Storage.Driver)

	cipher, err := vault.New(cfg.Vault.Passphrase, cfg.Vault.Salt)
	if err != nil {
		_ = store.Close(ctx)
		return fmt.Errorf("configure vault: %w", err)
	}

	publisher, err := newPublisher(ctx, cfg.Events, logger)
	if err != nil {
		_ = store.Close(ctx)
		return fmt.Errorf("configure events: %w", err)
	}

	resolver, err := media.NewResolver(media.S3Config{
		Endpoint:   cfg.Media.S3.Endpoint,
		AccessKey:  cfg.Media.S3.AccessKey,
		SecretKey:  cfg.Media.S3.SecretKey,
		Region:     cfg.Media.S3.Region,
		UseSSL:     cfg.Media.S3.UseSSL,
		PresignTTL: cfg.Media.S3.PresignTTL,
	}, logging.WithComponent(logger, "media"))
	if err != nil {
		_ = publisher.Close()
		_ = store.Close(ctx)
		return fmt.Errorf("configure media resolver: %w", err)
	}

	detector := hwaccel.NewDetector(cfg.FFmpeg.Path, logging.WithComponent(logger, "hwaccel"))
	compiler := pipeline.NewCompiler(detector, pipeline.WithVideoBitrate(cfg.FFmpeg.VideoBitrate))

	client := platform.New(platform.Config{
		BaseURL:       cfg.Platform.BaseURL,
		APIVersion:    cfg.Platform.APIVersion,
		AppID:         cfg.Platform.AppID,
		AppSecret:     cfg.Platform.AppSecret,
		Timeout:       cfg.Platform.Timeout,
		Logger:        logging.WithComponent(logger, "platform"),
		Metrics:       recorder,
		MaxAttempts:   cfg.Platform.MaxAttempts,
		RetryInterval: cfg.Platform.RetryInterval,
	})

	orch, err := orchestrator.New(orchestrator.Config{
		Store:             store,
		Platform:          client,
		Cipher:            cipher,
		Compiler:          compiler,
		Launcher:          orchestrator.NewExecLauncher(cfg.FFmpeg.Path),
		Resolver:          resolver,
		Publisher:         publisher,
		Metrics:           recorder,
		Logger:            logging.WithComponent(logger, "orchestrator"),
		MaxConcurrent:     cfg.Orchestrator.MaxConcurrent,
		AdmissionInterval: cfg.Orchestrator.AdmissionInterval,
		PollInterval:      cfg.Orchestrator.PollInterval,
		MaxAttempts:       cfg.Orchestrator.MaxRecoveryAttempts,
		BreakerThreshold:  cfg.Orchestrator.CircuitBreakerThreshold,
		CommentDelay:      cfg.Orchestrator.CommentDelay,
		StopGrace:         cfg.Orchestrator.StopGrace,
	})
	if err != nil {
		_ = publisher.Close()
		_ = store.Close(ctx)
		return fmt.Errorf("configure orchestrator: %w", err)
	}

	handler := api.NewHandler(api.Config{
		Orchestrator: orch,
		Store:        store,
		Compiler:     compiler,
		Metrics:      recorder,
		Logger:       logger,
		FFmpegPath:   cfg.FFmpeg.Path,
	})
	routerCfg := api.RouterConfig{JWTSecret: cfg.HTTP.JWTSecret}
	if cfg.HTTP.AuditLog {
		routerCfg.AuditLogger = logging.WithComponent(logger, "audit")
	}
	if cfg.HTTP.JWTSecret == "" {
		logger.Warn("http.jwt_secret is empty; the API accepts unauthenticated requests")
	}

	srv, err := server.New(api.NewRouter(handler, routerCfg), server.Config{
		Addr: cfg.HTTP.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.HTTP.TLSCert, KeyFile: cfg.HTTP.TLSKey},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:      cfg.HTTP.RateLimit.GlobalRPS,
			GlobalBurst:    cfg.HTTP.RateLimit.GlobalBurst,
			MutationLimit:  cfg.HTTP.RateLimit.MutationLimit,
			MutationWindow: cfg.HTTP.RateLimit.MutationWindow,
			RedisAddr:      cfg.HTTP.RateLimit.RedisAddr,
			RedisPassword:  cfg.HTTP.RateLimit.RedisPassword,
			RedisTimeout:   cfg.HTTP.RateLimit.RedisTimeout,
		},
		CORS:    server.CORSConfig{AllowedOrigins: cfg.HTTP.CORSOrigins},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		_ = publisher.Close()
		_ = store.Close(ctx)
		return fmt.Errorf("configure http server: %w", err)
	}

	if err := orch.Start(ctx); err != nil {
		_ = publisher.Close()
		_ = store.Close(ctx)
		return fmt.Errorf("start orchestrator: %w", err)
	}
	logger.Info("relaycast ready", "addr", cfg.HTTP.Addr, "encoder", detector.Info().BestEncoder())

	return srv.Run(ctx, server.RunOptions{
		ShutdownTimeout: cfg.Orchestrator.ShutdownTimeout,
		OnShutdown: []serverutil.ShutdownHook{
			orch.Shutdown,
			func(context.Context) error { return publisher.Close() },
			store.Close,
		},
	})
}

// openRepository selects the job store backend.
func openRepository(ctx context.Context, cfg config.StorageConfig) (storage.Repository, error) {
	switch cfg.Driver {
	case "json", "":
		return storage.NewStorage(cfg.Path)
	case "sqlite":
		return storage.NewSQLiteRepository(cfg.Path)
	case "postgres":
		var opts []storage.Option
		if cfg.Postgres.MaxConns > 0 || cfg.Postgres.MinConns > 0 {
			opts = append(opts, storage.WithPostgresPoolLimits(cfg.Postgres.MaxConns, cfg.Postgres.MinConns))
		}
		if cfg.Postgres.AcquireTimeout > 0 {
			opts = append(opts, storage.WithPostgresAcquireTimeout(cfg.Postgres.AcquireTimeout))
		}
		if cfg.Postgres.ApplicationName != "" {
			opts = append(opts, storage.WithPostgresApplicationName(cfg.Postgres.ApplicationName))
		}
		return storage.NewPostgresRepository(ctx, cfg.Postgres.DSN, opts...)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// newPublisher selects the lifecycle event sink.
func newPublisher(ctx context.Context, cfg config.EventsConfig, logger *slog.Logger) (events.Publisher, error) {
	switch cfg.Driver {
	case "none", "":
		return events.NewNoopPublisher(), nil
	case "redis":
		return events.NewRedisStreamPublisher(ctx, events.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Username:   cfg.Redis.Username,
			Password:   cfg.Redis.Password,
			Stream:     cfg.Redis.Stream,
			MaxLen:     cfg.Redis.MaxLen,
			MasterName: cfg.Redis.MasterName,
			TLS:        events.RedisTLSConfig{Enabled: cfg.Redis.TLS, CAFile: cfg.Redis.CAFile},
			Logger:     logging.WithComponent(logger, "events"),
		})
	case "kafka":
		return events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
	default:
		return nil, fmt.Errorf("unsupported events driver %q", cfg.Driver)
	}
}

// startProfiler starts continuous profiling when a server address is set.
func startProfiler(cfg config.ProfilingConfig, logger *slog.Logger) (*pyroscope.Profiler, error) {
	if cfg.ServerAddress == "" {
		return nil, nil
	}
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("start profiler: %w", err)
	}
	logger.Info("continuous profiling enabled", "server", cfg.ServerAddress)
	return profiler, nil
}
