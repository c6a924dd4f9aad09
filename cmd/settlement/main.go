package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"vendorpay/internal/api"
	"vendorpay/internal/commission"
	"vendorpay/internal/common/database"
	"vendorpay/internal/common/middleware"
	"vendorpay/internal/common/money"
	natsclient "vendorpay/internal/common/nats"
	"vendorpay/internal/gateway"
	"vendorpay/internal/notify"
	"vendorpay/internal/orders"
	"vendorpay/internal/payout"
	"vendorpay/internal/vendor"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"SETTLEMENT_PORT" default:"8086"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Platform rate configuration. TierRates is "tier:decimal" pairs, e.g.
	// "standard:0.10,premium:0.07". DefaultRate applies when nothing else
	// resolves; empty means unconfigured vendors block accrual.
	TierRates   string `envconfig:"COMMISSION_TIER_RATES" default:""`
	DefaultRate string `envconfig:"COMMISSION_DEFAULT_RATE" default:""`

	Database  database.Config
	NATS      natsclient.Config
	Gateway   gateway.Config
	Scheduler payout.SchedulerConfig
	Processor payout.ProcessorConfig
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	tierRates, defaultRate, err := parseRateConfig(cfg.TierRates, cfg.DefaultRate)
	if err != nil {
		logger.Error("invalid rate configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	nc, err := natsclient.New(ctx, cfg.NATS, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig("SETTLEMENT", []string{"settlement.events.>"})); err != nil {
		logger.Error("failed to ensure settlement stream", "error", err)
		os.Exit(1)
	}
	if _, err := nc.EnsureStream(ctx, natsclient.DefaultStreamConfig("ORDERS", []string{"orders.events.>"})); err != nil {
		logger.Error("failed to ensure orders stream", "error", err)
		os.Exit(1)
	}
	orderConsumer, err := nc.EnsureConsumer(ctx, natsclient.DefaultConsumerConfig("settlement-orders", "ORDERS", "orders.events.>"))
	if err != nil {
		logger.Error("failed to ensure order consumer", "error", err)
		os.Exit(1)
	}

	publisher := natsclient.NewPublisher(nc, logger)

	// Stores.
	commissionStore := commission.NewPostgresStore(db)
	vendorStore := vendor.NewStore(db)
	payoutStore := payout.NewPostgresStore(db, commissionStore, vendorStore)

	// Commission side.
	resolver := commission.NewResolver(commission.NewRateTable(tierRates, nil, defaultRate))
	calculator := commission.NewCalculator(resolver)
	ledger := commission.NewLedger(commissionStore, calculator, resolver, vendorStore, publisher, tierRates, defaultRate, logger)
	if err := ledger.ReloadRates(ctx); err != nil {
		logger.Error("failed to load rate rules", "error", err)
		os.Exit(1)
	}

	// Payout side.
	railAdapter := gateway.NewAdapter(cfg.Gateway, nc.Conn(), logger)
	dispatcher := notify.NewDispatcher(publisher, logger)
	scheduler := payout.NewScheduler(payoutStore, vendorStore, commissionStore, publisher, cfg.Scheduler, logger)
	processor := payout.NewProcessor(payoutStore, vendorStore, railAdapter, publisher, dispatcher, cfg.Processor, logger)

	go scheduler.Run(ctx)
	go processor.Run(ctx)

	// Inbound order events.
	subscriber := natsclient.NewSubscriber(nc, orderConsumer, logger)
	consumer := orders.NewConsumer(ledger, logger)
	go func() {
		if err := subscriber.Start(ctx, consumer.Handle); err != nil && ctx.Err() == nil {
			logger.Error("order subscription stopped", "error", err)
			cancel()
		}
	}()

	handler := api.NewHandler(ledger, scheduler, processor, payoutStore, logger)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.OperatorExtractor)
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		if err := nc.HealthCheck(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1/settlement", func(r chi.Router) {
		r.Mount("/", handler.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting settlement service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// parseRateConfig turns the env-level rate strings into resolver inputs.
func parseRateConfig(tierSpec, defaultSpec string) (map[string]money.Rate, *money.Rate, error) {
	tierRates := make(map[string]money.Rate)
	if tierSpec != "" {
		for _, pair := range strings.Split(tierSpec, ",") {
			tier, dec, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found || tier == "" {
				return nil, nil, fmt.Errorf("malformed tier rate %q", pair)
			}
			f, err := strconv.ParseFloat(dec, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("tier %s: %w", tier, err)
			}
			rate, err := money.NewRateFromDecimal(f)
			if err != nil {
				return nil, nil, fmt.Errorf("tier %s: %w", tier, err)
			}
			tierRates[tier] = rate
		}
	}

	var defaultRate *money.Rate
	if defaultSpec != "" {
		f, err := strconv.ParseFloat(defaultSpec, 64)
		if err != nil {
			return nil, nil, fmt.Errorf("default rate: %w", err)
		}
		rate, err := money.NewRateFromDecimal(f)
		if err != nil {
			return nil, nil, fmt.Errorf("default rate: %w", err)
		}
		defaultRate = &rate
	}

	return tierRates, defaultRate, nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
