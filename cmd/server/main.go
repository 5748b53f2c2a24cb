// Command server runs the marketplace live-update service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	_ "go.uber.org/automaxprocs"

	"marketplace-live/internal/auth"
	"marketplace-live/internal/bus"
	"marketplace-live/internal/config"
	"marketplace-live/internal/observability/logging"
	"marketplace-live/internal/observability/metrics"
	"marketplace-live/internal/realtime"
	"marketplace-live/internal/server"
	"marketplace-live/internal/serverutil"
	"marketplace-live/internal/storage"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file read before the environment (missing files are ignored)")
	addr := flag.String("addr", "", "HTTP listen address (overrides "+config.Prefix+"ADDR)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	storeDriver := flag.String("store", "", "replay and retry store driver (memory, redis or postgres)")
	busDriver := flag.String("bus", "", "update bus driver (memory, redis or nats)")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	cfg.Addr = firstNonEmpty(*addr, cfg.Addr)
	cfg.LogLevel = firstNonEmpty(*logLevel, cfg.LogLevel)
	cfg.StoreDriver = strings.ToLower(firstNonEmpty(*storeDriver, cfg.StoreDriver))
	cfg.BusDriver = strings.ToLower(firstNonEmpty(*busDriver, cfg.BusDriver))
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting marketplace live", "gomaxprocs", runtime.GOMAXPROCS(0), "store", cfg.StoreDriver, "bus", cfg.BusDriver)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// backends holds the stores, bus and the clients they share. close releases
// whatever was opened, in reverse order.
type backends struct {
	replay  realtime.ReplayStore
	retry   realtime.RetryStore
	bus     realtime.Bus
	health  server.HealthCheck
	closers []func() error
}

func (b *backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

func (b *backends) close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.Default()

	b, err := openBackends(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to close backends", "error", err)
		}
	}()

	rt := cfg.Realtime
	hub, err := realtime.NewHub(realtime.Config{
		Replay:            b.replay,
		Retry:             b.retry,
		Bus:               b.bus,
		EntityTypes:       rt.EntityTypes,
		ReplayCap:         rt.ReplayCap,
		Retention:         rt.Retention,
		MaxAttempts:       rt.MaxAttempts,
		HeartbeatInterval: rt.HeartbeatInterval,
		SweepInterval:     rt.SweepInterval,
		SweepConcurrency:  rt.SweepConcurrency,
		StoreTimeout:      rt.StoreTimeout,
		Logger:            logging.WithComponent(logger, "realtime"),
		Metrics:           recorder,
	})
	if err != nil {
		return fmt.Errorf("configure realtime hub: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.JWTIssuer,
		Audience: cfg.Auth.JWTAudience,
		Leeway:   cfg.Auth.JWTLeeway,
	})
	if err != nil {
		return fmt.Errorf("configure token verifier: %w", err)
	}
	producerKey, err := auth.NewProducerKey(cfg.Auth.ProducerKeyHash)
	if err != nil {
		return fmt.Errorf("configure producer key: %w", err)
	}
	if producerKey == nil {
		logger.Warn("producer key not configured, /v1/updates is disabled")
	}

	gateway, err := realtime.NewGateway(realtime.GatewayConfig{
		Hub:               hub,
		Authenticator:     auth.NewAuthenticator(verifier, cfg.Auth.AllowQueryToken),
		Logger:            logging.WithComponent(logger, "gateway"),
		Metrics:           recorder,
		AllowedOrigins:    cfg.AllowedOrigins,
		SendBuffer:        rt.SendBuffer,
		HeartbeatInterval: rt.HeartbeatInterval,
		PongWait:          rt.PongWait,
		MaxMessageSize:    rt.MaxMessageSize,
	})
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}

	srv, err := server.New(server.Config{
		Addr:           cfg.Addr,
		Hub:            hub,
		Gateway:        gateway,
		ProducerKey:    producerKey,
		Health:         b.health,
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit: server.RateLimitConfig{
			HandshakeRate:  cfg.HandshakeRate,
			HandshakeBurst: cfg.HandshakeBurst,
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: recorder,
	})
	if err != nil {
		return fmt.Errorf("configure server: %w", err)
	}

	ready := make(chan struct{})
	go func() {
		select {
		case <-ready:
			logger.Info("marketplace live listening", "addr", cfg.Addr, "tls", cfg.TLSCertFile != "")
		case <-ctx.Done():
		}
	}()
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Workers:         []serverutil.Worker{hub.Run},
		Ready:           ready,
	})
}

func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	fail := func(err error) (*backends, error) {
		if closeErr := b.close(); closeErr != nil {
			logger.Warn("failed to release backends", "error", closeErr)
		}
		return nil, err
	}

	var (
		redisClient redis.UniversalClient
		checks      []func(context.Context) error
	)
	needsRedis := cfg.StoreDriver == config.DriverRedis || cfg.BusDriver == config.DriverRedis
	if needsRedis {
		client, err := storage.NewRedisClient(redisClientConfig(cfg.Redis))
		if err != nil {
			return fail(fmt.Errorf("configure redis: %w", err))
		}
		redisClient = client
		b.onClose(client.Close)
		checks = append(checks, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	switch cfg.StoreDriver {
	case config.DriverMemory:
		b.replay = realtime.NewMemoryReplayStore()
		b.retry = realtime.NewMemoryRetryStore()
		logger.Warn("using in-memory stores, replay and retries are lost on restart")
	case config.DriverRedis:
		storeCfg := storage.RedisStoreConfig{Client: redisClient, Namespace: cfg.Redis.Namespace}
		replay, err := storage.NewRedisReplayStore(storeCfg)
		if err != nil {
			return fail(err)
		}
		retry, err := storage.NewRedisRetryStore(storeCfg)
		if err != nil {
			return fail(err)
		}
		b.replay, b.retry = replay, retry
	case config.DriverPostgres:
		pool, err := storage.NewPostgresPool(ctx, postgresPoolConfig(cfg.Postgres))
		if err != nil {
			return fail(fmt.Errorf("open postgres: %w", err))
		}
		b.onClose(closePool(pool))
		if err := storage.EnsureSchema(ctx, pool); err != nil {
			return fail(err)
		}
		replay, err := storage.NewPostgresReplayStore(pool)
		if err != nil {
			return fail(err)
		}
		retry, err := storage.NewPostgresRetryStore(pool)
		if err != nil {
			return fail(err)
		}
		b.replay, b.retry = replay, retry
		checks = append(checks, replay.Ping)
	default:
		return fail(fmt.Errorf("unsupported store driver %q", cfg.StoreDriver))
	}

	busLogger := logging.WithComponent(logger, "bus")
	switch cfg.BusDriver {
	case config.DriverMemory:
		b.bus = realtime.NewMemoryBus(0)
	case config.DriverRedis:
		redisBus, err := bus.NewRedisBus(bus.RedisConfig{Client: redisClient, Channel: cfg.Redis.Channel, Logger: busLogger})
		if err != nil {
			return fail(err)
		}
		b.bus = redisBus
	case config.DriverNATS:
		conn, err := bus.ConnectNATS(bus.NATSConnConfig{
			URL:           cfg.NATS.URL,
			Name:          "marketplace-live",
			MaxReconnects: cfg.NATS.MaxReconnects,
			ReconnectWait: cfg.NATS.ReconnectWait,
			Logger:        busLogger,
		})
		if err != nil {
			return fail(err)
		}
		b.onClose(drainNATS(conn))
		natsBus, err := bus.NewNATSBus(bus.NATSConfig{Conn: conn, Subject: cfg.NATS.Subject, Logger: busLogger})
		if err != nil {
			return fail(err)
		}
		b.bus = natsBus
		checks = append(checks, func(context.Context) error {
			if !conn.IsConnected() {
				return fmt.Errorf("nats: %s", conn.Status())
			}
			return nil
		})
	default:
		return fail(fmt.Errorf("unsupported bus driver %q", cfg.BusDriver))
	}
	b.onClose(b.bus.Close)

	b.health = func(ctx context.Context) error {
		var errs []error
		for _, check := range checks {
			if err := check(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return b, nil
}

func redisClientConfig(cfg config.RedisConfig) storage.RedisConfig {
	return storage.RedisConfig{
		Addr:       cfg.Addr,
		Addrs:      cfg.Addrs,
		Username:   cfg.Username,
		Password:   cfg.Password,
		DB:         cfg.DB,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
		TLS: storage.RedisTLSConfig{
			CAFile:             cfg.TLSCAFile,
			CertFile:           cfg.TLSCertFile,
			KeyFile:            cfg.TLSKeyFile,
			ServerName:         cfg.TLSServerName,
			InsecureSkipVerify: cfg.TLSInsecure,
		},
	}
}

func postgresPoolConfig(cfg config.PostgresConfig) storage.PostgresConfig {
	return storage.PostgresConfig{
		DSN:             cfg.DSN,
		MaxConnections:  cfg.MaxConnections,
		MinConnections:  cfg.MinConnections,
		AcquireTimeout:  cfg.AcquireTimeout,
		ApplicationName: cfg.ApplicationName,
	}
}

func closePool(pool *pgxpool.Pool) func() error {
	return func() error {
		pool.Close()
		return nil
	}
}

func drainNATS(conn *nats.Conn) func() error {
	return func() error {
		if err := conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		return nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
