package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/efreitasn/tradecore/internal/config"
	"github.com/efreitasn/tradecore/internal/domain"
	"github.com/efreitasn/tradecore/internal/engine"
	"github.com/efreitasn/tradecore/internal/events"
	"github.com/efreitasn/tradecore/internal/feed"
	"github.com/efreitasn/tradecore/internal/handler"
	"github.com/efreitasn/tradecore/internal/position"
	"github.com/efreitasn/tradecore/internal/service"
	"github.com/efreitasn/tradecore/internal/store"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store opened", slog.String("backend", cfg.StoreBackend))

	// Event sinks.
	webhookSvc := service.NewWebhookService(store.NewWebhookStore(), st, cfg.WebhookTimeout, logger)
	hub := events.NewHub(logger)
	bus := events.NewBus(webhookSvc, hub)

	// Engine.
	fd := feed.New(cfg.PriceStaleAfter, logger)
	book := engine.NewBook()
	positions := position.NewService(st)
	matcher := engine.NewMatcher(st, fd, book, positions, bus, logger)
	fd.Subscribe(matcher.OnPriceTick)
	scheduler := engine.NewScheduler(cfg.SweepInterval, cfg.RetentionDaysTrades, st, book, bus, logger)

	if cfg.RebuildBookOnStart {
		n, err := matcher.RebuildBook(ctx)
		if err != nil {
			return fmt.Errorf("rebuild order book: %w", err)
		}
		logger.Info("order book rebuilt", slog.Int("orders", n))
	}

	// Services.
	marketSvc := service.NewMarketService(st, fd, book)
	restored, err := marketSvc.RestorePrices(ctx)
	if err != nil {
		return fmt.Errorf("restore prices: %w", err)
	}
	logger.Info("prices restored", slog.Int("symbols", restored))
	orderSvc := service.NewOrderService(st, matcher, fd, positions, bus, service.OrderLimits{
		MaxOrderQty:          domain.Quantity(cfg.MaxOrderQty),
		MaxOpenOrdersPerUser: cfg.MaxOpenOrdersPerUser,
	})
	router := handler.NewRouter(handler.Services{
		Accounts: service.NewAccountService(st, bus),
		Orders:   orderSvc,
		Market:   marketSvc,
		Webhooks: webhookSvc,
		Hub:      hub,
	}, cfg.CORSAllowedOrigins, logger)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return webhookSvc.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Graceful shutdown: stop HTTP server; the workers stop with gctx.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	return g.Wait()
}

// openStore builds the configured backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendPebble:
		p, err := store.OpenPebble(cfg.PebblePath)
		if err != nil {
			return nil, fmt.Errorf("open pebble at %s: %w", cfg.PebblePath, err)
		}
		return p, nil
	case config.BackendPostgres:
		p, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := p.Migrate(ctx); err != nil {
			p.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return p, nil
	default:
		return store.NewMemory(), nil
	}
}
