package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"genwatch/internal/adapter/repo"
	"genwatch/internal/http/handlers"
	httpapi "genwatch/internal/http/httpapi"
	"genwatch/internal/hub"
	"genwatch/internal/infra"
	"genwatch/internal/infra/geoip"
	"genwatch/internal/middleware"
	"genwatch/internal/storage"
)

func main() {
	// Muat .env (opsional)
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	jobs := repo.NewJobStatusRepo(infra.NewSQLRunner(dbpool, logger), cfg.StorageBaseURL)

	streamHub := hub.New(hub.Options{
		Jobs:         jobs,
		Logger:       &logger,
		Metrics:      hub.NewMetrics(reg),
		PingInterval: cfg.StreamPing,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.OriginAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	})
	defer streamHub.Close()

	listener := infra.NewListener(cfg, jobs, streamHub, logger)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("job listener stopped")
		}
	}()

	routerOpts := httpapi.Options{
		Logger:          logger,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		RateLimitPerMin: cfg.RateLimitPerMin,
		RateLimitBurst:  cfg.RateLimitBurst,
	}
	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	if resolver != nil {
		defer resolver.Close()
		routerOpts.CountryLookup = resolver.CountryCode
	}
	if cfg.StorageDir != "" {
		store, err := storage.NewFileStore(cfg.StorageDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open storage dir")
		}
		routerOpts.Static = store
	}

	app := handlers.NewApp(jobs, streamHub, dbpool.Ping, reg, logger)
	router := httpapi.NewRouter(app, routerOpts)

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	streamHub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
