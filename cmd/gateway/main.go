package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"

	"scg/pkg/actuator"
	"scg/pkg/audit"
	"scg/pkg/auth"
	"scg/pkg/config"
	"scg/pkg/gateway"
	"scg/pkg/hardening"
	"scg/pkg/metrics"
	"scg/pkg/ratelimit"
	"scg/pkg/replay"
	"scg/pkg/store"
	"scg/pkg/stream"
	"scg/pkg/telemetry"
)

type gatewayDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type gatewayDBCloser interface {
	gatewayDB
	Ping(ctx context.Context) error
	Close()
}

type (
	gatewayInitTelemetryFunc func(context.Context, string) (func(context.Context) error, error)
	gatewayOpenDBFunc        func(context.Context) (gatewayDBCloser, error)
	gatewayOpenRedisFunc     func(context.Context) (*redis.Client, error)
	gatewayListenFunc        func(*http.Server) error
	gatewayStartLoopsFunc    func(context.Context, *Server)
)

// Testable variables for main()
var (
	logFatalf      = log.Fatalf
	initTelemetryG = telemetry.Init
	openDBFnG      = func(ctx context.Context) (gatewayDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnG   = store.NewRedis
	listenFnG      = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFnG  = func(ctx context.Context, s *Server) {
		if s.MemoryLedger != nil {
			go s.MemoryLedger.Run(ctx, s.Settings.NonceSweepInterval, s.Log, s.Metrics.SetLedgerEntries)
		}
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runGateway(initTelemetryG, openDBFnG, openRedisFnG, listenFnG, startLoopsFnG); err != nil {
		logFatalf("scg: %v", err)
	}
}

func runGateway(
	initTelemetry gatewayInitTelemetryFunc,
	openDB gatewayOpenDBFunc,
	openRedis gatewayOpenRedisFunc,
	listen gatewayListenFunc,
	startLoops gatewayStartLoopsFunc,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := config.Load()
	logger := config.NewLogger(os.Stderr, settings.LogLevel, settings.LogFormat)

	shutdown, err := initTelemetry(ctx, "scg")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	s := &Server{
		Settings: settings,
		Log:      logger,
		Metrics:  metrics.NewRegistry(),
		Events:   stream.NewHub(),
		Pingers:  map[string]func(context.Context) error{},
	}
	defer s.closeAll()

	httpClient := telemetry.InstrumentClient(&http.Client{})
	trust, err := loadTrust(ctx, settings, httpClient)
	if err != nil {
		return err
	}
	s.Trust = trust

	if err := hardening.ValidateProduction(hardening.Options{
		Service:                "scg",
		Environment:            settings.Environment,
		StrictProdSecurity:     settings.StrictProdSecurity,
		AuditSink:              settings.AuditSink,
		DatabaseRequireTLS:     config.Env("DATABASE_REQUIRE_TLS", ""),
		NonceBackend:           settings.NonceBackend,
		RedisAddr:              config.Env("REDIS_ADDR", ""),
		RedisRequireTLS:        config.Env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:       config.Env("REDIS_TLS_INSECURE", ""),
		RedisAllowInsecureTLS:  config.Env("REDIS_ALLOW_INSECURE_TLS", ""),
		AdminAuthMode:          settings.AdminAuthMode,
		StreamOrigins:          settings.StreamOrigins,
		Identities:             trust.Keys.Len(),
		RequiredServiceSecrets: requiredSecrets(settings),
	}); err != nil {
		return err
	}

	redisClient, err := connectRedis(ctx, settings, openRedis, logger)
	if err != nil {
		return err
	}
	if redisClient != nil {
		s.closers = append(s.closers, redisClient.Close)
		s.Pingers["redis"] = store.NewRedisCache(redisClient).Ping
	}

	ledger, err := s.buildLedger(redisClient)
	if err != nil {
		return err
	}
	sink, err := s.buildAuditSink(ctx, openDB)
	if err != nil {
		return err
	}
	var limiter ratelimit.Limiter
	if settings.RateLimitEnabled {
		if redisClient != nil {
			rl := ratelimit.NewRedis(redisClient, settings.RateLimitWindow)
			rl.Log = logger
			limiter = rl
		} else {
			limiter = ratelimit.NewInMemory(settings.RateLimitWindow)
		}
	}

	window := trust.FreshnessWindow
	if settings.FreshnessWindow > 0 {
		window = settings.FreshnessWindow
	}
	s.Pipeline = &gateway.Pipeline{
		Keys:      trust.Keys,
		Policy:    trust.Policy,
		Freshness: replay.FreshnessGuard{Window: window},
		Ledger:    ledger,
		Executor:  actuator.NewHTTPExecutor(httpClient, settings.RobotURL, settings.ForwardTimeout),
		Audit:     sink,
		Hub:       s.Events,
		Metrics:   s.Metrics,
		Log:       logger,
		Tracer:    telemetry.Tracer("scg/gateway"),
	}

	handler := s.routes(limiter)
	if startLoops != nil {
		startLoops(ctx, s)
	}

	server := &http.Server{
		Addr:              settings.Addr,
		Handler:           handler,
		ReadHeaderTimeout: settings.ReadHeaderTimeout,
		ReadTimeout:       settings.ReadTimeout,
		WriteTimeout:      settings.WriteTimeout,
		IdleTimeout:       settings.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	s.ready.Store(true)
	logger.Info("scg listening",
		"addr", settings.Addr,
		"robot_url", settings.RobotURL,
		"identities", trust.Keys.Len(),
		"nonce_backend", settings.NonceBackend,
		"audit_sink", settings.AuditSink,
		"freshness_window", window.String(),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- listen(server) }()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.ready.Store(false)
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func loadTrust(ctx context.Context, settings config.Settings, client *http.Client) (*config.Trust, error) {
	tf, err := config.LoadTrustFile(settings.PolicyFile)
	if err != nil {
		return nil, err
	}
	var vault auth.KeyStore
	if settings.VaultAddr != "" {
		vault = auth.VaultTransitKeyStore{
			Client:    client,
			Addr:      settings.VaultAddr,
			Token:     settings.VaultToken,
			Namespace: settings.VaultNamespace,
			Transit:   settings.VaultTransitMount,
			KeyPrefix: settings.VaultKeyPrefix,
			Timeout:   settings.VaultTimeout,
		}
	}
	trust, err := tf.Resolve(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("trust store: %w", err)
	}
	return trust, nil
}

func requiredSecrets(s config.Settings) []hardening.EnvRequirement {
	var out []hardening.EnvRequirement
	if s.AdminAuthMode == "hs256" {
		out = append(out, hardening.EnvRequirement{Name: "ADMIN_JWT_SECRET", Value: s.AdminJWTSecret})
	}
	if s.AuditRedact {
		out = append(out, hardening.EnvRequirement{Name: "AUDIT_HASH_SALT", Value: s.AuditHashSalt})
	}
	return out
}

// connectRedis fails hard for the redis nonce backend. Otherwise Redis only
// backs the rate limiter and its absence is logged.
func connectRedis(ctx context.Context, s config.Settings, openRedis gatewayOpenRedisFunc, logger *slog.Logger) (*redis.Client, error) {
	needed := s.NonceBackend == "redis"
	wanted := s.RateLimitEnabled && config.Env("REDIS_ADDR", "") != ""
	if !needed && !wanted {
		return nil, nil
	}
	var (
		client *redis.Client
		err    error
	)
	if openRedis != nil {
		client, err = openRedis(ctx)
	}
	if err == nil && client == nil {
		err = errors.New("no redis connection configured")
	}
	if err != nil {
		if needed {
			return nil, fmt.Errorf("redis: %w", err)
		}
		logger.Warn("redis unavailable, rate limiting in memory", "err", err)
		return nil, nil
	}
	return client, nil
}

func (s *Server) buildLedger(client *redis.Client) (replay.Ledger, error) {
	switch s.Settings.NonceBackend {
	case "", "memory":
		s.MemoryLedger = replay.NewMemoryLedger()
		return s.MemoryLedger, nil
	case "redis":
		return replay.CacheLedger{Cache: store.NewRedisCache(client)}, nil
	default:
		return nil, fmt.Errorf("unsupported NONCE_BACKEND %q", s.Settings.NonceBackend)
	}
}

func (s *Server) buildAuditSink(ctx context.Context, openDB gatewayOpenDBFunc) (audit.Sink, error) {
	var sink audit.Sink
	switch s.Settings.AuditSink {
	case "", "file":
		fs, err := audit.OpenFile(s.Settings.AuditLogPath, s.Settings.AuditFsync)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, fs.Close)
		sink = fs
	case "postgres":
		if openDB == nil {
			return nil, errors.New("db: no opener")
		}
		pool, err := openDB(ctx)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		s.Pingers["postgres"] = pool.Ping
		pg := &audit.PostgresSink{DB: pool}
		schemaCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pg.EnsureSchema(schemaCtx); err != nil {
			return nil, fmt.Errorf("db schema: %w", err)
		}
		s.AuditReader = pg
		sink = pg
	case "kafka":
		ks, err := audit.NewKafkaSink(audit.KafkaConfig{Brokers: s.Settings.KafkaBrokers, Topic: s.Settings.KafkaAuditTopic})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, ks.Close)
		sink = ks
	default:
		return nil, fmt.Errorf("unsupported AUDIT_SINK %q", s.Settings.AuditSink)
	}
	if s.Settings.AuditRedact {
		sink = audit.RedactingSink{Next: sink, Salt: []byte(s.Settings.AuditHashSalt)}
	}
	return sink, nil
}
