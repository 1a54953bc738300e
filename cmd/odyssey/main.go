package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/fulfillment/internal/app"
	"github.com/odyssey-erp/fulfillment/internal/delivery"
	"github.com/odyssey-erp/fulfillment/internal/inventory"
	"github.com/odyssey-erp/fulfillment/internal/locations"
	"github.com/odyssey-erp/fulfillment/internal/observability"
	"github.com/odyssey-erp/fulfillment/internal/payments"
	"github.com/odyssey-erp/fulfillment/internal/platform/cache"
	"github.com/odyssey-erp/fulfillment/internal/platform/db"
	"github.com/odyssey-erp/fulfillment/internal/procurement"
	"github.com/odyssey-erp/fulfillment/internal/shared"
	"github.com/odyssey-erp/fulfillment/internal/tenant"
	"github.com/odyssey-erp/fulfillment/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, db.PoolConfig{
		DSN:             cfg.PGDSN,
		MaxConns:        cfg.PGMaxConns,
		MinConns:        cfg.PGMinConns,
		MaxConnLifetime: cfg.PGMaxConnLifetime,
	})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// The position cache is optional; reads fall through to Postgres without it.
	var redisClient *redis.Client
	if client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}); err != nil {
		logger.Warn("redis unavailable, position cache disabled", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	handlers := buildHandlers(cfg, logger, tenant.NewGate(pool), redisClient, metrics.Registerer())
	defer handlers.close(logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		KeyStore:           handlers.keys,
		InventoryHandler:   handlers.inventory,
		ProcurementHandler: handlers.procurement,
		DeliveryHandler:    handlers.delivery,
		PaymentsHandler:    handlers.payments,
		LocationsHandler:   handlers.locations,
		JobHandler:         handlers.jobs,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

type apiHandlers struct {
	keys        tenant.KeyStore
	inventory   *inventory.Handler
	procurement *procurement.Handler
	delivery    *delivery.Handler
	payments    *payments.Handler
	locations   *locations.Handler
	jobs        *jobs.Handler

	jobsClient *jobs.Client
	inspector  *asynq.Inspector
}

func buildHandlers(cfg *app.Config, logger *slog.Logger, gate *tenant.Gate, redisClient *redis.Client, registerer prometheus.Registerer) *apiHandlers {
	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobsClient := jobs.NewClient(redisOpts)
	inspector := asynq.NewInspector(redisOpts)

	auditLogger := shared.NewAuditLogger(gate)
	idempotency := shared.NewIdempotencyStore(gate)
	directory := locations.NewDirectory(locations.NewRepository(gate))

	inventoryMetrics := inventory.NewMetrics(registerer)
	var positionCache *inventory.PositionCache
	if redisClient != nil {
		positionCache = inventory.NewPositionCache(redisClient, cfg.PositionCacheTTL)
	}
	lowStock := inventory.NewLowStockNotifier(jobsClient, logger)
	// Receipts and deliveries commit outside inventory.Service, so they get the same observers.
	observers := inventory.Observers{positionCache, inventoryMetrics, lowStock}

	inventoryRepo := inventory.NewRepository(gate)
	inventoryService := inventory.NewService(inventoryRepo, auditLogger, idempotency, inventory.ServiceConfig{
		Locations: directory,
		Cache:     positionCache,
		Metrics:   inventoryMetrics,
		Observers: inventory.Observers{lowStock},
	})

	procurementService := procurement.NewService(procurement.NewRepository(gate), directory, auditLogger, idempotency, procurement.ServiceConfig{
		Observer: observers,
		Metrics:  inventoryMetrics,
	})

	deliveryService := delivery.NewService(delivery.NewRepository(gate), delivery.NewInventoryAdapter(inventoryRepo), directory, delivery.Config{
		Audit:       auditLogger,
		Idempotency: idempotency,
		Observer:    observers,
		Metrics:     inventoryMetrics,
	})

	paymentsService := payments.NewService(payments.NewRepository(gate), payments.Config{
		Audit:       auditLogger,
		Idempotency: idempotency,
		Rejections:  inventoryMetrics,
	})

	return &apiHandlers{
		keys:        tenant.NewPGKeyStore(gate),
		inventory:   inventory.NewHandler(logger, inventoryService),
		procurement: procurement.NewHandler(logger, procurementService),
		delivery:    delivery.NewHandler(logger, deliveryService),
		payments:    payments.NewHandler(logger, paymentsService),
		locations:   locations.NewHandler(logger, directory),
		jobs:        jobs.NewHandler(inspector, logger),
		jobsClient:  jobsClient,
		inspector:   inspector,
	}
}

func (h *apiHandlers) close(logger *slog.Logger) {
	if err := h.inspector.Close(); err != nil {
		logger.Warn("inspector close", slog.Any("error", err))
	}
	if err := h.jobsClient.Close(); err != nil {
		logger.Warn("jobs client close", slog.Any("error", err))
	}
}
