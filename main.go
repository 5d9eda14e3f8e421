package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/malwarebo/courier/api"
	"github.com/malwarebo/courier/cache"
	"github.com/malwarebo/courier/config"
	"github.com/malwarebo/courier/db"
	"github.com/malwarebo/courier/middleware"
	"github.com/malwarebo/courier/monitoring"
	"github.com/malwarebo/courier/providers"
	"github.com/malwarebo/courier/services"
	"github.com/malwarebo/courier/stores"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func printBanner() {
	fmt.Printf("%s%s", colorCyan, colorBold)
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                                                              ║")
	fmt.Println("║  📨 Courier Newsletter Delivery Service                      ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Idempotent publishing with durable delivery                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
	fmt.Printf("%s", colorReset)
}

func printStep(step, message string) {
	fmt.Printf("%s[%s]%s %s%s%s\n", colorBlue, step, colorReset, colorBold, message, colorReset)
}

func printSuccess(message string) {
	fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, message)
}

func printWarning(message string) {
	fmt.Printf("%s⚠%s %s\n", colorYellow, colorReset, message)
}

func printError(message string) {
	fmt.Printf("%s✗%s %s\n", colorRed, colorReset, message)
}

func main() {
	printBanner()
	fmt.Println()

	printStep("1/7", "Loading configuration...")
	cfg, err := config.LoadConfig()
	if err != nil {
		printError(fmt.Sprintf("Failed to load configuration: %v", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		printError(fmt.Sprintf("Configuration validation failed: %v", err))
		os.Exit(1)
	}
	printSuccess("Configuration loaded")

	printStep("2/7", "Connecting to database...")
	database, err := db.Connect(db.PoolConfig{
		PrimaryDSN:   cfg.GetDatabaseURL(),
		ReplicaDSNs:  cfg.Database.ReplicaDSNs,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
		MaxIdleTime:  cfg.Database.MaxIdleTime,
	})
	if err != nil {
		printError(fmt.Sprintf("Failed to connect to database: %v", err))
		os.Exit(1)
	}
	defer db.Close(database)
	printSuccess(fmt.Sprintf("Connected to PostgreSQL at %s:%d", cfg.Database.Host, cfg.Database.Port))

	printStep("3/7", "Running migrations...")
	migrator, err := db.CreateMigrator(database)
	if err != nil {
		printError(fmt.Sprintf("Failed to load migrations: %v", err))
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		printError(fmt.Sprintf("Failed to apply migrations: %v", err))
		os.Exit(1)
	}
	printSuccess("Schema is up to date")

	printStep("4/7", "Connecting to Redis...")
	var responseCache *cache.ResponseCache
	redisCache, err := cache.CreateRedisCache(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      cfg.Redis.TTL,
	})
	if err != nil {
		printWarning(fmt.Sprintf("Failed to connect to Redis: %v (continuing without replay cache)", err))
	} else {
		defer redisCache.Close()
		responseCache = cache.CreateResponseCache(redisCache)
		printSuccess(fmt.Sprintf("Connected to Redis at %s:%d", cfg.Redis.Host, cfg.Redis.Port))
	}

	printStep("5/7", "Initializing stores and services...")
	metrics := monitoring.CreateMetricsCollector()
	emailProvider := providers.CreatePostmarkProvider(cfg.Email.BaseURL, cfg.Email.ServerToken, cfg.Email.Sender, cfg.Email.Timeout)

	idempotencyStore := stores.CreateIdempotencyStore(database, cfg.Delivery.ClaimTTL)
	issueStore := stores.CreateIssueStore(database)
	subscriberStore := stores.CreateSubscriberStore(database)

	var publishService *services.PublishService
	if responseCache != nil {
		publishService = services.CreatePublishServiceWithCache(idempotencyStore, issueStore, responseCache, metrics)
	} else {
		publishService = services.CreatePublishService(idempotencyStore, issueStore, metrics)
	}
	subscriptionService := services.CreateSubscriptionService(subscriberStore, emailProvider, "http://localhost:"+cfg.Server.Port)
	printSuccess("Services initialized")

	printStep("6/7", "Setting up HTTP server...")
	newsletterHandler := api.CreateNewsletterHandler(publishService)
	subscriptionHandler := api.CreateSubscriptionHandler(subscriptionService)
	healthHandler := api.CreateHealthHandler(database, metrics)

	router := mux.NewRouter()
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.CorrelationIDMiddleware)
	router.Use(middleware.RecoveryMiddleware)
	router.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))

	router.HandleFunc("/health", healthHandler.HandleHealth).Methods("GET")
	router.HandleFunc("/metrics", healthHandler.HandleMetrics).Methods("GET")
	router.HandleFunc("/subscriptions", subscriptionHandler.HandleSubscribe).Methods("POST")
	router.HandleFunc("/subscriptions/confirm", subscriptionHandler.HandleConfirm).Methods("GET")
	router.HandleFunc("/admin/newsletters", newsletterHandler.HandlePublish).Methods("POST")

	server := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        router,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		IdleTimeout:    cfg.Server.IdleTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}
	printSuccess("HTTP server configured")

	printStep("7/7", "Starting...")
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			printError(fmt.Sprintf("Server failed to start: %v", err))
			os.Exit(1)
		}
	}()

	fmt.Println()
	fmt.Printf("%s%s🎉 Courier is ready on port %s%s\n", colorGreen, colorBold, cfg.Server.Port, colorReset)
	fmt.Printf("%sRun courier-worker to drain the delivery queue.%s\n", colorYellow, colorReset)
	fmt.Println()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println()
	printWarning("Shutting down Courier server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		printError(fmt.Sprintf("Server forced to shutdown: %v", err))
		os.Exit(1)
	}

	printSuccess("Courier server stopped gracefully")
}
