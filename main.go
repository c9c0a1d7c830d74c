package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pms-board/api"
	"pms-board/backend"
	"pms-board/board"
	"pms-board/internal/env"
	"pms-board/outbox"
	"pms-board/storage"
)

func main() {
	debug, err := env.Bool("DEBUG", false)
	if err != nil {
		log.Fatal(err)
	}
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backendURL := env.String("BACKEND_URL", "")
	if backendURL == "" {
		log.Fatal("missing BACKEND_URL")
	}
	client, err := backend.New(backendURL, logger,
		backend.WithTimeout(positiveDur("BACKEND_TIMEOUT", 10*time.Second)),
		backend.WithBearer(env.String("BACKEND_TOKEN", "")),
	)
	if err != nil {
		log.Fatalf("backend: %v", err)
	}

	broker := api.NewBroker()
	registry := board.NewRegistry(positiveDur("BOARD_SESSION_TTL", 30*time.Minute))
	deps := api.Deps{
		Backend:  client,
		Tasks:    client,
		Registry: registry,
		Broker:   broker,
		Logger:   logger,
	}
	syncer := &api.Syncer{Registry: registry, Broker: broker, Logger: logger}

	if redisConn := env.String("REDIS_CONNECTION_STRING", ""); redisConn != "" {
		rc := redis.NewClient(redisOptions(redisConn))
		defer rc.Close()

		cache := storage.NewCache(client, rc, positiveDur("TASKS_CACHE_TTL", 30*time.Second))
		deps.Tasks = cache
		syncer.Cache = cache
		deps.Deduper = api.NewRedisDeduper(rc, positiveDur("DEDUPER_TTL", 24*time.Hour))

		notifier := storage.NewNotifier(rc, env.String("BOARD_UPDATES_CHANNEL", "board-updates"), logger)
		syncer.Publisher = notifier
		go notifier.Subscribe(ctx, broker.Notify)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set, running without cache, idempotency or cross-instance updates")
	}

	if connStr := env.String("STORAGE_CONNECTION_STRING", ""); connStr != "" {
		layoutTable := env.String("LAYOUT_TABLE", "BoardLayouts")
		failedQueue := env.String("FAILED_UPDATES_QUEUE", "failed-status-updates")
		store, err := storage.New(connStr, layoutTable, failedQueue)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		deps.Layouts = store
		syncer.DeadLetters = store
	}

	deps.Auth = newAuth()

	obCfg, err := outbox.ConfigFromEnv()
	if err != nil {
		log.Fatalf("outbox config: %v", err)
	}
	ob, err := outbox.Open(obCfg, client, logger, syncer.Handle)
	if err != nil {
		log.Fatalf("outbox: %v", err)
	}
	deps.Outbox = ob

	go api.SweepSessions(ctx, registry, positiveDur("BOARD_SWEEP_INTERVAL", time.Minute), logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: strings.Split(env.String("CORS_ALLOW_ORIGINS", "*"), ","),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "Idempotency-Key"},
	}))
	e.Use(api.DecompressRequests())
	if debug {
		pprof.Register(e)
	}
	api.Register(e, deps)

	listenAddr := ":" + env.String("LISTEN_PORT", "8080")
	if val, ok := os.LookupEnv("FUNCTIONS_CUSTOMHANDLER_PORT"); ok {
		listenAddr = ":" + val
	}

	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	if err := ob.Close(); err != nil {
		logger.WithError(err).Error("outbox close")
	}
}

func newAuth() *api.Auth {
	cfg := api.AuthConfig{KeyCacheTTL: positiveDur("JWKS_CACHE_TTL", api.DefaultJWKSCacheTTL)}
	if env.String("AUTH0_TEST_MODE", "") == "1" {
		secret := env.String("TEST_JWT_SECRET", "")
		if secret == "" {
			log.Fatal("AUTH0_TEST_MODE requires TEST_JWT_SECRET")
		}
		cfg.TestSecret = []byte(secret)
		return api.NewAuth(nil, cfg)
	}

	audience := env.String("AUTH0_AUDIENCE", "")
	domain := env.String("AUTH0_DOMAIN", "")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Error("jwks refresh failed")
		},
	})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	cfg.Audience = audience
	cfg.Issuer = "https://" + domain + "/"
	return api.NewAuth(jwks, cfg)
}

// redisOptions accepts a redis:// URL or the "host:port,password=...,ssl=True"
// form used by Azure Cache for Redis.
func redisOptions(conn string) *redis.Options {
	opts, err := redis.ParseURL(conn)
	if err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts
}

func positiveDur(key string, def time.Duration) time.Duration {
	d, err := env.Dur(key, def)
	if err != nil {
		log.Fatal(err)
	}
	if d <= 0 {
		log.Fatalf("invalid %s: must be greater than zero", key)
	}
	return d
}
