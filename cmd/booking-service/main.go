package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"ms-booking/internal/api"
	"ms-booking/internal/booking"
	"ms-booking/internal/catalog"
	"ms-booking/internal/config"
	"ms-booking/internal/database"
	"ms-booking/internal/database/migrations"
	"ms-booking/internal/idempotency"
	"ms-booking/internal/inventory"
	"ms-booking/internal/kafka"
	"ms-booking/internal/logger"
	"ms-booking/internal/metrics"
	"ms-booking/internal/reaper"
	"ms-booking/internal/sse"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"
)

const reaperLeaseKey = "booking:reaper:lease"

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log, err := logger.NewLogger(logger.Options{
		Dir:     cfg.Log.Dir,
		Service: "booking-service",
		Level:   logger.ParseLevel(cfg.Log.Level),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", fmt.Sprintf("Invalid configuration: %v", err))
	}

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		runMigrations(cfg, log, os.Args[2:])
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Connection failed: %v", err))
	}
	defer db.Close()
	prepareSchema(ctx, cfg, db, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics("booking", reg)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("REDIS", fmt.Sprintf("Redis at %s unreachable, running without cache and lease: %v", cfg.Redis.Addr, err))
			_ = rdb.Close()
			rdb = nil
		} else {
			log.Info("REDIS", fmt.Sprintf("Connected to %s", cfg.Redis.Addr))
			defer rdb.Close()
		}
	}

	store := catalog.NewStore(db)
	events := sse.NewAvailabilityEmitter()
	holdOpts := []inventory.Option{
		inventory.WithChangeNotifier(events),
		inventory.WithHoldTTL(cfg.Reservation.HoldTTL),
		inventory.WithSweepBeforeCheck(cfg.Reservation.SweepBeforeCheck),
		inventory.WithLogger(log),
		inventory.WithMetrics(m),
	}
	if rdb != nil {
		holdOpts = append(holdOpts, inventory.WithCache(inventory.NewRedisCache(rdb, cfg.Reservation.AvailabilityTTL)))
	}
	holds := inventory.NewManager(db, store, holdOpts...)

	coord := idempotency.NewCoordinator(db,
		idempotency.WithDefaultTTL(cfg.Idempotency.DefaultTTL),
		idempotency.WithLogger(log),
		idempotency.WithMetrics(m),
	)

	svcOpts := []booking.Option{booking.WithLogger(log), booking.WithMetrics(m)}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.BookingCreated, cfg.Kafka.Topics.HoldReleased, cfg.Kafka.Topics.PaymentCaptured}
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics, log)
		defer producer.Close()
		svcOpts = append(svcOpts, booking.WithPublisher(producer))
	}
	svc := booking.NewService(db, holds, coord, svcOpts...)

	reaperOpts := []reaper.Option{
		reaper.WithInterval(cfg.Reaper.Interval),
		reaper.WithLogger(log),
		reaper.WithMetrics(m),
	}
	if rdb != nil {
		reaperOpts = append(reaperOpts, reaper.WithLease(reaper.NewRedisLease(rdb, reaperLeaseKey, cfg.Reaper.LeaseTTL)))
	}
	sweeper := reaper.New(holds, coord, reaperOpts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	if cfg.Kafka.Enabled {
		consumer := kafka.NewPaymentConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.PaymentCaptured, cfg.Kafka.GroupID, svc, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer consumer.Close()
			if err := consumer.Run(ctx); err != nil {
				log.Error("KAFKA", fmt.Sprintf("Payment consumer stopped: %v", err))
			}
		}()
	}

	handler := &api.Handler{
		DB:          db,
		Catalog:     store,
		Holds:       holds,
		Bookings:    svc,
		Idempotency: coord,
		Reaper:      sweeper,
		Events:      events,
		Logger:      log,
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("AUTH", "JWT_SECRET not set, bearer tokens will be rejected")
	}
	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      api.NewRouter(handler, api.RouterOptions{JWTSecret: cfg.Auth.JWTSecret, Gatherer: reg}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Booking Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
	}
	wg.Wait()
	log.Info("APP", "Booking Service shutdown complete")
}

// prepareSchema migrates PostgreSQL, or creates the tables directly on SQLite.
func prepareSchema(ctx context.Context, cfg *config.Config, db *bun.DB, log *logger.Logger) {
	if !database.IsPostgres(db) {
		if err := database.CreateSchema(ctx, db); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Schema creation failed: %v", err))
		}
		log.Info("DATABASE", "SQLite schema ready")
		return
	}
	if !cfg.Database.AutoMigrate {
		log.Info("DATABASE", "Auto-migration disabled")
		return
	}
	runMigrations(cfg, log, []string{"up"})
}

func runMigrations(cfg *config.Config, log *logger.Logger, args []string) {
	if database.IsSQLiteDSN(cfg.Database.DSN) {
		log.Fatal("MIGRATION", "Migrations target PostgreSQL only")
	}
	direction := "up"
	if len(args) > 0 {
		direction = args[0]
	}

	runner := migrations.NewRunner(cfg.Database.DSN, log)
	if err := runner.Initialize(); err != nil {
		log.Fatal("MIGRATION", fmt.Sprintf("Initialization failed: %v", err))
	}
	defer runner.Close()

	switch direction {
	case "up":
		if err := runner.Up(); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Up failed: %v", err))
		}
	case "down":
		if err := runner.Down(); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Down failed: %v", err))
		}
	case "force":
		if len(args) < 2 {
			log.Fatal("MIGRATION", "Usage: migrate force <version>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Invalid version %q: %v", args[1], err))
		}
		if err := runner.Force(version); err != nil {
			log.Fatal("MIGRATION", fmt.Sprintf("Force failed: %v", err))
		}
	default:
		log.Fatal("MIGRATION", fmt.Sprintf("Unknown command %q, want up, down or force", direction))
	}
}
