package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mediavault/internal/api"
	"mediavault/internal/archive"
	"mediavault/internal/artifact"
	"mediavault/internal/auth"
	"mediavault/internal/config"
	"mediavault/internal/foldersize"
	"mediavault/internal/job"
	"mediavault/internal/notify"
	"mediavault/internal/pathguard"
)

func main() {

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())

	resolver, err := pathguard.NewResolver(cfg.StorageRoot)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.StorageRoot).Msg("invalid storage root")
	}
	store, err := artifact.New(artifact.Options{Dir: cfg.TempDir, Expiry: cfg.ZipExpiry})
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.TempDir).Msg("prepare zip dir")
	}

	authenticator := buildAuthenticator(cfg)
	notifier, natsConn := buildNotifier(cfg)
	estimator := foldersize.NewEstimator(cfg.SizeParallelism)
	registry := buildRegistry(cfg, store, estimator, notifier)

	router := setupRouter()
	api.NewAPI(resolver, registry, store, estimator, authenticator).RegisterRoutes(router)

	baseCtx, baseCancel := context.WithCancel(context.Background())
	registry.SetBaseContext(baseCtx)
	go store.Run(baseCtx)

	const (
		readHeaderTimeout = 5 * time.Second
		shutdownTimeout   = 10 * time.Second
	)

	srv := newHTTPServer(cfg.Port, router, readHeaderTimeout)

	go func() {
		log.Info().Int("port", cfg.Port).Str("storage_root", resolver.Root()).Str("temp_dir", store.Dir()).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()

	gracefulShutdown(srv, baseCancel, registry, natsConn, shutdownTimeout)
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.RequestID())
	r.Use(api.ZerologLogger())
	return r
}

func buildAuthenticator(cfg config.Config) *auth.Authenticator {
	hash := cfg.Auth.PasswordHash
	if cfg.Auth.Password != "" {
		var err error
		if hash, err = auth.HashPassword(cfg.Auth.Password); err != nil {
			log.Fatal().Err(err).Msg("hash admin password")
		}
	}
	authenticator, err := auth.New(auth.Config{
		Secret:       cfg.Auth.JWTSecret,
		Username:     cfg.Auth.Username,
		PasswordHash: hash,
		TokenTTL:     cfg.Auth.TokenTTL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("auth setup")
	}
	return authenticator
}

func buildNotifier(cfg config.Config) (job.Notifier, *nats.Conn) {
	if cfg.NATS.URL == "" {
		return notify.Log{}, nil
	}
	publisher, nc, err := notify.Connect(cfg.NATS.URL, notify.Config{
		Name:          cfg.NATS.Name,
		MaxReconnects: -1,
		Subject:       cfg.NATS.Subject,
	})
	if err != nil {
		log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("nats unavailable, job events are only logged")
		return notify.Log{}, nil
	}
	log.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("publishing job events to nats")
	return notify.Multi{notify.Log{}, publisher}, nc
}

func buildRegistry(cfg config.Config, store *artifact.Store, estimator *foldersize.Estimator, notifier job.Notifier) *job.Registry {
	builder := archive.NewBuilder(archive.Options{
		Level:            cfg.CompressionLevel,
		ProgressInterval: cfg.ProgressInterval,
	})
	return job.NewRegistry(store, job.Options{
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		MaxArchiveSize:      cfg.MaxZipSize,
		Build:               builder.Build,
		EstimateSize:        estimator.Estimate,
		Notifier:            notifier,
	})
}

func newHTTPServer(port int, handler http.Handler, readHeaderTimeout time.Duration) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, registry *job.Registry, nc *nats.Conn, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	// running builds are cancelled and their partial files removed
	cancelBase()
	done := registry.WaitAll(ctx)
	if !done {
		log.Warn().Msg("zip builders did not finish before timeout")
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("nats drain failed")
		}
	}
	log.Info().Msg("server exited cleanly")
}
