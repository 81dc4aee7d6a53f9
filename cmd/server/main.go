// Command server starts the Lectern media gateway and its transcode worker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lectern/internal/api"
	"lectern/internal/auth"
	"lectern/internal/observability/logging"
	"lectern/internal/observability/metrics"
	"lectern/internal/queue"
	"lectern/internal/server"
	"lectern/internal/storage"
	"lectern/internal/transcode"
	"lectern/internal/worker"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")

	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	blobRoot := flag.String("blob-root", "", "root directory for raw uploads and HLS output")

	queueDriver := flag.String("queue-driver", "", "transcode queue driver (memory or redis)")
	queueRedisAddr := flag.String("queue-redis-addr", "", "Redis address for the transcode queue")
	queueRedisAddrs := flag.String("queue-redis-addrs", "", "comma separated Redis addresses for the transcode queue")
	queueRedisUsername := flag.String("queue-redis-username", "", "Redis username for the transcode queue")
	queueRedisPassword := flag.String("queue-redis-password", "", "Redis password for the transcode queue")
	queueRedisStream := flag.String("queue-redis-stream", "", "Redis stream key for transcode jobs")
	queueRedisGroup := flag.String("queue-redis-group", "", "Redis consumer group for transcode jobs")
	queueRedisMasterName := flag.String("queue-redis-sentinel-master", "", "Redis sentinel master name for the transcode queue")
	queueRedisPoolSize := flag.Int("queue-redis-pool-size", 0, "maximum Redis connections for the transcode queue")
	queueRedisTLSCA := flag.String("queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the transcode queue")
	queueRedisTLSCert := flag.String("queue-redis-tls-cert", "", "path to Redis TLS client certificate for the transcode queue")
	queueRedisTLSKey := flag.String("queue-redis-tls-key", "", "path to Redis TLS client key for the transcode queue")
	queueRedisTLSServerName := flag.String("queue-redis-tls-server-name", "", "override Redis TLS server name for the transcode queue")
	queueRedisTLSSkipVerify := flag.Bool("queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the transcode queue")

	workerConcurrency := flag.Int("worker-concurrency", 0, "maximum transcode jobs processed in parallel")
	jobTimeout := flag.Duration("job-timeout", 0, "per-job transcode deadline")
	retryAttempts := flag.Int("retry-max-attempts", 0, "delivery attempts before a transcode job is parked")
	retryBaseDelay := flag.Duration("retry-base-delay", 0, "backoff before the first redelivery, doubled per attempt")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	segmentSeconds := flag.Int("segment-seconds", 0, "target HLS segment duration in seconds")

	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "session lifetime")

	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")

	adminOrigins := flag.String("cors-admin-origins", "", "comma separated origins allowed for the instructor dashboard")
	playerOrigins := flag.String("cors-player-origins", "", "comma separated origins allowed for the course player")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LECTERN_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LECTERN_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("LECTERN_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("LECTERN_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver, err := resolveStorageDriver(*storageDriver, os.Getenv("LECTERN_STORAGE_DRIVER"), postgresDefaultDSN)
	if err != nil {
		logger.Error("failed to resolve storage driver", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" && driver != "postgres" {
		logger.Error("production mode requires the postgres datastore driver", "driver", driver)
		os.Exit(1)
	}

	var store storage.Repository
	switch driver {
	case "json":
		dataFile := resolveDataPath(*dataPath, os.Getenv("LECTERN_DATA"))
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if postgresDefaultDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(storage.PostgresConfig{
			DSN:             postgresDefaultDSN,
			ApplicationName: "lectern",
		})
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	blobs, err := storage.NewFileBlobStore(resolveBlobRoot(*blobRoot, os.Getenv("LECTERN_BLOB_ROOT")))
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	retryPolicy := queue.RetryPolicy{
		MaxAttempts: resolveInt(*retryAttempts, "LECTERN_RETRY_MAX_ATTEMPTS"),
		BaseDelay:   resolveDuration(*retryBaseDelay, "LECTERN_RETRY_BASE_DELAY", 0),
	}
	queueCfg := queue.RedisQueueConfig{
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("LECTERN_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("LECTERN_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("LECTERN_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("LECTERN_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("LECTERN_QUEUE_REDIS_STREAM")),
		Group:      firstNonEmpty(*queueRedisGroup, os.Getenv("LECTERN_QUEUE_REDIS_GROUP")),
		MasterName: firstNonEmpty(*queueRedisMasterName, os.Getenv("LECTERN_QUEUE_REDIS_SENTINEL_MASTER")),
		PoolSize:   resolveInt(*queueRedisPoolSize, "LECTERN_QUEUE_REDIS_POOL_SIZE"),
		Policy:     retryPolicy,
		Logger:     logging.WithComponent(logger, "queue"),
		TLS: queue.RedisTLSConfig{
			CAFile:             firstNonEmpty(*queueRedisTLSCA, os.Getenv("LECTERN_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*queueRedisTLSCert, os.Getenv("LECTERN_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*queueRedisTLSKey, os.Getenv("LECTERN_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*queueRedisTLSServerName, os.Getenv("LECTERN_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*queueRedisTLSSkipVerify, "LECTERN_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	jobs, err := configureJobQueue(firstNonEmpty(*queueDriver, os.Getenv("LECTERN_QUEUE_DRIVER")), queueCfg, retryPolicy)
	if err != nil {
		logger.Error("failed to configure transcode queue", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("LECTERN_SESSION_STORE"),
		driver,
		postgresDefaultDSN,
		*sessionPostgresDSN,
		os.Getenv("LECTERN_SESSION_POSTGRES_DSN"),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = func(ctx context.Context) error { return pgStore.Close(ctx) }
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	ttl := resolveDuration(*sessionTTL, "LECTERN_SESSION_TTL", 7*24*time.Hour)
	sessions := auth.NewSessionManager(ttl, auth.WithStore(sessionStore))

	handler := api.NewHandler(store, blobs, jobs, sessions)
	handler.Logger = logging.WithComponent(logger, "api")
	if serverMode == "production" {
		handler.SessionCookiePolicy = api.SessionCookiePolicy{
			SameSite:   http.SameSiteLaxMode,
			SecureMode: api.SessionCookieSecureAlways,
		}
	}

	encoder := transcode.NewFFmpegEncoder(
		firstNonEmpty(*ffmpegBinary, os.Getenv("LECTERN_FFMPEG")),
		logging.WithComponent(logger, "ffmpeg"),
	)
	pipeline, err := transcode.NewPipeline(transcode.PipelineConfig{
		Blobs:          blobs,
		Encoder:        encoder,
		Logger:         logging.WithComponent(logger, "transcode"),
		SegmentSeconds: resolveInt(*segmentSeconds, "LECTERN_SEGMENT_SECONDS"),
	})
	if err != nil {
		logger.Error("failed to configure transcode pipeline", "error", err)
		os.Exit(1)
	}

	transcodeWorker := worker.New(worker.Config{
		Queue:       jobs,
		Store:       store,
		Pipeline:    pipeline,
		Metrics:     recorder,
		Logger:      logging.WithComponent(logger, "worker"),
		Policy:      retryPolicy,
		Concurrency: int64(resolveInt(*workerConcurrency, "LECTERN_WORKER_CONCURRENCY")),
		JobTimeout:  resolveDuration(*jobTimeout, "LECTERN_JOB_TIMEOUT", 0),
	})
	transcodeWorker.Start()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	sessionPurgeStop := startSessionPurgeWorker(workerCtx, logging.WithComponent(logger, "session-purger"), sessions, 15*time.Minute)
	defer sessionPurgeStop()

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("LECTERN_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("LECTERN_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "LECTERN_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "LECTERN_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "LECTERN_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "LECTERN_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("LECTERN_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("LECTERN_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "LECTERN_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AdminOrigins:  splitAndTrim(firstNonEmpty(*adminOrigins, os.Getenv("LECTERN_CORS_ADMIN_ORIGINS"))),
			PlayerOrigins: splitAndTrim(firstNonEmpty(*playerOrigins, os.Getenv("LECTERN_CORS_PLAYER_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("Lectern media gateway listening", "addr", listenAddr, "mode", serverMode)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sessionPurgeStop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	// Let in-flight transcodes finish before the queue connection drops so
	// completed work is acknowledged rather than redelivered.
	if err := transcodeWorker.Shutdown(ctx); err != nil {
		logger.Warn("failed to stop transcode worker", "error", err)
	}
	if err := jobs.Close(); err != nil {
		logger.Warn("failed to close transcode queue", "error", err)
	}

	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	if sessionCloser != nil {
		if err := sessionCloser(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func configureJobQueue(driver string, cfg queue.RedisQueueConfig, policy queue.RetryPolicy) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the transcode queue")
		}
		return queue.NewRedisQueue(cfg)
	case "", "memory":
		return queue.NewMemoryQueue(policy), nil
	default:
		return nil, fmt.Errorf("unsupported transcode queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver, nil
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver, nil
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres", nil
	}
	return "json", nil
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolveBlobRoot(flagValue, envValue string) string {
	if root := firstNonEmpty(flagValue, envValue); root != "" {
		return root
	}
	return "data/blobs"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("LECTERN_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
