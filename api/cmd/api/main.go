package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sos-mesh-relay/api/internal/devices"
	"sos-mesh-relay/api/internal/fanout"
	"sos-mesh-relay/api/internal/httpapi"
	"sos-mesh-relay/api/internal/middleware"
	"sos-mesh-relay/api/internal/realtime"
	"sos-mesh-relay/api/internal/relay"
	"sos-mesh-relay/api/internal/repos"
	"sos-mesh-relay/api/internal/sos"
	"sos-mesh-relay/api/internal/store"
	"sos-mesh-relay/api/internal/verify"
	"sos-mesh-relay/shared/authx"
	"sos-mesh-relay/shared/cachex"
	"sos-mesh-relay/shared/config"
	"sos-mesh-relay/shared/dbx"
	"sos-mesh-relay/shared/httpx"
	"sos-mesh-relay/shared/lockx"
	"sos-mesh-relay/shared/logx"
	"sos-mesh-relay/shared/metricsx"
	"sos-mesh-relay/shared/observability"
)

type statusResponse struct {
	Status  string          `json:"status"`
	Service string          `json:"service"`
	Env     string          `json:"env,omitempty"`
	Version string          `json:"version,omitempty"`
	Store   string          `json:"store,omitempty"`
	Conns   *realtime.Counts `json:"connections,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	shutdownTracer := func(context.Context) error { return nil }
	if tc, ok := observability.FromConfig(cfg, version); ok {
		fn, err := observability.InitTracer(ctx, tc)
		if err != nil {
			logger.Warn(ctx, "otel_init_failed", "tracing disabled",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		} else {
			shutdownTracer = fn
		}
	}

	usePostgres := cfg.AlertStore == config.StorePostgres
	if usePostgres && cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required when ALERT_STORE=postgres"})
	}

	var dbPool *pgxpool.Pool
	if usePostgres && cfg.DatabaseURL != "" {
		if cfg.DBAutoMigrate {
			if err := dbx.MigrateUp(cfg.DatabaseURL); err != nil {
				readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "schema migration failed"})
				logger.Error(ctx, "db_migrate_failed", "schema migration failed",
					slog.String("error_code", "FAILED_PRECONDITION"),
					slog.String("error", err.Error()),
				)
			}
		}
		var err error
		dbPool, err = dbx.NewPool(ctx, cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(ctx, "db_init_failed", "database init failed",
				slog.String("error_code", "FAILED_PRECONDITION"),
				slog.String("error", err.Error()),
			)
		}
	}

	var (
		alertStore  store.AlertStore
		deviceStore store.DeviceStore
		auditRepo   *repos.AuditRepo
		outboxRepo  *repos.OutboxRepo
	)
	if dbPool != nil {
		alertStore = repos.NewAlertsRepo(dbPool)
		deviceStore = repos.NewDevicesRepo(dbPool)
		auditRepo = repos.NewAuditRepo(dbPool)
		outboxRepo = repos.NewOutboxRepo(dbPool)
	} else {
		alertStore = store.NewMemoryAlerts()
		deviceStore = store.NewMemoryDevices()
	}

	var cache *cachex.Client
	if cfg.RedisAddr != "" {
		var err error
		cache, err = cachex.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "REDIS_ADDR", Message: "failed to initialize redis client"})
		}
	}
	if cfg.LockBackend == config.LockRedis && cache == nil {
		readyProblems = append(readyProblems, config.Problem{Field: "LOCK_BACKEND", Message: "LOCK_BACKEND=redis requires REDIS_ADDR"})
	}

	var locker sos.Locker = lockx.NewKeyedMutex()
	if cfg.LockBackend == config.LockRedis && cache != nil {
		locker = lockx.NewRedisLocker(cache.Client(), "", cfg.LockTTL(), cfg.LockWait())
	}

	var tokens *authx.DeviceTokens
	if cfg.DeviceJWTSecret != "" {
		var err error
		tokens, err = authx.NewDeviceTokens(cfg.DeviceJWTSecret, cfg.DeviceTokenTTL())
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DEVICE_JWT_SECRET", Message: "failed to initialize device tokens"})
		}
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "DEVICE_JWT_SECRET", Message: "DEVICE_JWT_SECRET is required"})
	}

	var operators middleware.OperatorVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		verifier, err := authx.NewJWTVerifier(ctx, cfg.OIDCIssuer, cfg.OIDCAudience, cfg.OIDCJWKSURL, cfg.JWKSTTLSeconds, cfg.JWTClockSkewSec)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			operators = verifier
		}
	}

	directory := devices.NewDirectory(deviceStore, time.Duration(cfg.DeviceCacheTTLSec)*time.Second)
	sigVerifier := verify.New(cfg.AppSignatureSecret, cfg.AppBundleIDs, cfg.AlertTTL)

	var hubTokens realtime.TokenVerifier
	if tokens != nil {
		hubTokens = tokens
	}
	hub := realtime.NewHub(realtime.Config{
		Tokens:          hubTokens,
		DashboardAPIKey: cfg.DashboardAPIKey,
		Heartbeat:       time.Duration(cfg.WSHeartbeatSec) * time.Second,
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		Logger:          logger,
	})

	sinks := []fanout.Sink{{Name: "websocket", Notifier: hub}}
	var bridge *fanout.RedisBridge
	if cache != nil {
		bridge = fanout.NewRedisBridge(cache.Client(), logger)
		sinks = append(sinks, fanout.Sink{Name: "redis", Notifier: bridge})
	}
	if outboxRepo != nil {
		sinks = append(sinks, fanout.Sink{Name: "outbox", Notifier: fanout.NewOutboxNotifier(outboxRepo)})
	}

	sosOpts := sos.Options{
		Store:         alertStore,
		Verifier:      sigVerifier,
		Tracker:       relay.NewTracker(directory),
		Locker:        locker,
		Notifier:      fanout.NewMulti(sinks...),
		Keys:          directory,
		StatsTTL:      time.Duration(cfg.StatsCacheTTLSec) * time.Second,
		Logger:        logger,
		TTL:           cfg.AlertTTL,
		NotifyTimeout: cfg.NotifyTimeout(),
	}
	if cache != nil {
		sosOpts.StatsCache = cache
	}
	sosService := sos.New(sosOpts)

	deviceService := devices.NewService(devices.Options{
		Store:     deviceStore,
		Tokens:    tokens,
		Signer:    sigVerifier,
		BundleID:  firstBundle(cfg.AppBundleIDs),
		Directory: directory,
		Logger:    logger,
	})

	if bridge != nil {
		go func() {
			if err := bridge.Run(ctx, hub); err != nil {
				logger.Error(ctx, "fanout_bridge_failed", "redis bridge stopped",
					slog.String("error_code", "UNAVAILABLE"),
					slog.String("error", err.Error()),
				)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		counts := hub.Counts()
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
			Store:   cfg.AlertStore,
			Conns:   &counts,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(
				w,
				r,
				http.StatusServiceUnavailable,
				"FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if usePostgres {
			if err := dbx.Ping(r.Context(), dbPool); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: database unavailable", map[string]any{"problem": "db_ping_failed"})
				return
			}
		}
		if cache != nil {
			if err := cache.Ping(r.Context()); err != nil {
				httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
					"service not ready: redis unavailable", map[string]any{"problem": "redis_ping_failed"})
				return
			}
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
			Store:   cfg.AlertStore,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	api := &httpapi.Handler{
		SOS:      sosService,
		Devices:  deviceService,
		Realtime: hub,
		Logger:   logger,
	}
	api.Register(mux)

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	probe := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DBRequiredMiddleware{
		Required: usePostgres,
		Pool:     dbPool,
		Skip:     probe,
	}.Wrap(handler)
	var deviceTokens middleware.DeviceTokenVerifier
	if tokens != nil {
		deviceTokens = tokens
	}
	handler = middleware.AuthMiddleware{
		Devices:   deviceTokens,
		Operators: operators,
		Active:    directory,
		Skip:      httpapi.IsPublic,
	}.Wrap(handler)
	var auditWriter middleware.AuditWriter
	if auditRepo != nil {
		auditWriter = auditRepo
	}
	handler = middleware.AuditMiddleware{
		Enabled: cfg.AuditEnabled,
		Repo:    auditWriter,
		Logger:  logger,
		Skip: func(r *http.Request) bool {
			return probe(r) || r.URL.Path == "/ws"
		},
	}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{
		Limiter: middleware.NewIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 0),
		Skip:    probe,
	}.Wrap(handler)
	handler = middleware.CORSMiddleware{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		MaxAge:         10 * time.Minute,
	}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, map[string]bool{"/ws": true}, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	if cfg.OtelEnabled {
		handler = otelhttp.NewHandler(handler, cfg.ServiceName)
	}

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.String("alert_store", cfg.AlertStore),
			slog.String("lock_backend", cfg.LockBackend),
			slog.Int("request_timeout_ms", cfg.RequestTimeoutMS),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(ctx, "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "server_failed", "server failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "shutdown_failed", "shutdown failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Warn(shutdownCtx, "otel_shutdown_failed", "tracer shutdown failed", slog.String("error", err.Error()))
	}
	if cache != nil {
		_ = cache.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(shutdownCtx, "service_stop", "service stopped")
}

func firstBundle(ids []string) string {
	if len(ids) > 0 {
		return ids[0]
	}
	return devices.DefaultBundleID
}
