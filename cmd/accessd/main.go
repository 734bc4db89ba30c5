package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"makerspace-backend/config"
	"makerspace-backend/internal/api"
	"makerspace-backend/internal/clock"
	"makerspace-backend/internal/coordinator"
	"makerspace-backend/internal/db"
	"makerspace-backend/internal/ingress"
	"makerspace-backend/internal/mw"
	"makerspace-backend/internal/notification"
	"makerspace-backend/internal/store"
	"makerspace-backend/internal/transport"
)

func main() {
	logger := log.New(os.Stdout, "makerspace-backend ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Printf("failed to read .env: %v", err)
	}

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the YAML configuration file")
	flag.Parse()
	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath == "" {
		configPath = "./config/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatalf("failed to load configuration from %s: %v", configPath, err)
	}
	logger.Printf("configuration loaded successfully from %s", configPath)

	gormDB, err := db.Init(&cfg.Database)
	if err != nil {
		logger.Fatalf("failed to initialize database: %v", err)
	}
	logger.Println("database initialized successfully")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	appStore := store.NewGormStore(gormDB)

	var dedup ingress.Deduper
	switch cfg.Dedup.Backend {
	case "redis":
		redisDedup, err := ingress.NewRedisDeduper(ctx, cfg.Dedup.RedisAddr, cfg.Dedup.RedisPassword, cfg.Dedup.Window)
		if err != nil {
			logger.Fatalf("failed to connect dedup window to redis: %v", err)
		}
		defer redisDedup.Close()
		dedup = redisDedup
	default:
		dedup = ingress.NewMemoryDeduper(cfg.Dedup.Window)
	}
	logger.Printf("dedup window %s kept in %s", cfg.Dedup.Window, cfg.Dedup.Backend)

	webpushOptions := &webpush.Options{
		VAPIDPublicKey:  cfg.Push.PublicKey,
		VAPIDPrivateKey: cfg.Push.PrivateKey,
		Subscriber:      cfg.Push.Subject,
		TTL:             cfg.Push.TTL,
	}
	var notifier coordinator.Notifier
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, gormDB, webpushOptions)
		pool.Start(ctx)
		notifier = pool
	} else {
		logger.Println("VAPID keys are not configured; maintenance alerts are disabled")
	}

	clk := clock.Real()
	coord := coordinator.New(&cfg.Coordinator, appStore, dedup, clk, notifier)
	if err := coord.Load(ctx); err != nil {
		logger.Fatalf("failed to load working set: %v", err)
	}
	go coord.Run(ctx)

	limiter := mw.NewKeyedLimiter(rate.Limit(cfg.Ingress.EndpointRatePerSec), cfg.Ingress.EndpointBurst, 0)
	mqttTransport := transport.New(cfg.MQTT, coord, limiter, clk)
	if err := mqttTransport.Connect(ctx); err != nil {
		logger.Fatalf("failed to start MQTT transport: %v", err)
	}

	handler := api.NewHandler(appStore, coord, clk, cfg.Coordinator.Location, webpushOptions)
	router := api.NewRouter(handler, cfg.Server)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Printf("HTTP server starting on port %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Println("Shutdown signal received, stopping services...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP server Shutdown: %v", err)
	}
	cancel()
	mqttTransport.Close()

	logger.Println("Server gracefully stopped")
}
