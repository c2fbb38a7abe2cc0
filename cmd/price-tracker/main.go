package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/maltedev/price-tracker/internal/analytics"
	"github.com/maltedev/price-tracker/internal/api"
	"github.com/maltedev/price-tracker/internal/browser"
	"github.com/maltedev/price-tracker/internal/cache"
	"github.com/maltedev/price-tracker/internal/config"
	"github.com/maltedev/price-tracker/internal/domainrate"
	"github.com/maltedev/price-tracker/internal/monitor"
	"github.com/maltedev/price-tracker/internal/proxy"
	"github.com/maltedev/price-tracker/internal/scheduler"
	"github.com/maltedev/price-tracker/internal/scraper"
	"github.com/maltedev/price-tracker/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := storage.NewDB(ctx, storage.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	products := storage.NewProductStore(db)
	history := storage.NewPriceHistoryStore(db)
	alerts := storage.NewAlertStore(db)
	scrapeLogs := storage.NewScrapeLogStore(db)

	// Cache backend: Redis when configured, in-process LRU otherwise.
	var backend cache.Backend
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		backend = cache.NewRedisBackend(redisClient)
	} else {
		logger.Info("no Redis configured, using in-process cache")
		backend = cache.NewMemoryBackend()
	}
	appCache := cache.New(backend, logger)

	// Selector profiles
	profiles := scraper.DefaultProfiles()
	if cfg.Scraper.ProfilesPath != "" {
		profiles, err = scraper.LoadProfiles(cfg.Scraper.ProfilesPath)
		if err != nil {
			logger.Error("failed to load selector profiles", "path", cfg.Scraper.ProfilesPath, "error", err)
			os.Exit(1)
		}
	}

	// Browser fallback for javascript-rendered storefronts
	var renderer scraper.BrowserFetcher
	if cfg.Browser.Enabled {
		b, err := browser.New(&browser.Options{
			Headless:       cfg.Browser.Headless,
			Timeout:        cfg.Browser.Timeout,
			ViewportWidth:  cfg.Browser.ViewportWidth,
			ViewportHeight: cfg.Browser.ViewportHeight,
			Locale:         cfg.Browser.Locale,
			TimezoneID:     cfg.Browser.TimezoneID,
			ProxyServer:    cfg.Browser.ProxyServer,
		})
		if err != nil {
			logger.Error("failed to initialize browser", "error", err)
			os.Exit(1)
		}
		defer b.Close()
		renderer = browser.NewPageScraper(b, logger)
	} else {
		logger.Info("browser disabled, dynamic storefronts will be skipped")
	}

	proxies := proxy.NewManager(cfg.Scraper.Proxies, logger)
	domains := domainrate.NewManager(logger)
	metrics := scraper.NewMetrics()

	scr := scraper.New(scraper.Options{
		Proxies:  proxies,
		Domains:  domains,
		Profiles: profiles,
		Browser:  renderer,
		Metrics:  metrics,
		Client:   &http.Client{Timeout: cfg.Scraper.Timeout},
	}, logger)

	sched := scheduler.New(scheduler.Options{
		Scraper:     scr,
		Products:    products,
		History:     history,
		Alerts:      alerts,
		Logs:        scrapeLogs,
		Cache:       appCache,
		Concurrency: cfg.Scheduler.Concurrency,
	}, logger)
	sched.StartWorkers(ctx)
	sched.StartDailySchedule(ctx, cfg.Scheduler.SweepInterval, cfg.Scheduler.BatchSize)
	defer sched.Stop()

	handlers := api.NewHandlers(api.Options{
		Scraper:   scr,
		Updater:   sched,
		Analytics: analytics.New(products, history, appCache, logger),
		Reporter:  monitor.New(scrapeLogs, logger),
		Products:  products,
		Proxies:   proxies,
		Domains:   domains,
		BatchSize: cfg.Scheduler.BatchSize,
		CheckURL:  cfg.Scraper.ProxyCheckURL,
	}, logger)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, metrics.Registry),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
