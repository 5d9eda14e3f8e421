package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/malwarebo/courier/config"
	"github.com/malwarebo/courier/db"
	"github.com/malwarebo/courier/monitoring"
	"github.com/malwarebo/courier/providers"
	"github.com/malwarebo/courier/services"
	"github.com/malwarebo/courier/stores"
	"github.com/malwarebo/courier/utils"
)

func main() {
	fmt.Println("Courier delivery worker")

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation failed: %v\n", err)
		os.Exit(1)
	}

	database, err := db.Connect(db.PoolConfig{
		PrimaryDSN:   cfg.GetDatabaseURL(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  cfg.Database.MaxLifetime,
		MaxIdleTime:  cfg.Database.MaxIdleTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close(database)

	metrics := monitoring.CreateMetricsCollector()
	emailProvider := providers.CreatePostmarkProvider(cfg.Email.BaseURL, cfg.Email.ServerToken, cfg.Email.Sender, cfg.Email.Timeout)

	deliveryStore := stores.CreateDeliveryStore(database)
	issueStore := stores.CreateIssueStore(database)
	idempotencyStore := stores.CreateIdempotencyStore(database, cfg.Delivery.ClaimTTL)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < cfg.Delivery.Workers; i++ {
		worker := services.CreateDeliveryWorker(deliveryStore, issueStore, emailProvider, cfg.Delivery, metrics)
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}
	fmt.Printf("Started %d delivery workers (poll interval %s, max attempts %d)\n",
		cfg.Delivery.Workers, cfg.Delivery.PollInterval, cfg.Delivery.MaxAttempts)

	// Abandoned in-progress claims are reaped on a slow cadence so a crashed
	// publisher can never lock an idempotency key out forever.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(cfg.Delivery.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reaped, err := idempotencyStore.ReapExpired(ctx)
				if err != nil {
					utils.LogError(ctx, err, "Failed to reap expired claims", nil)
					continue
				}
				if reaped > 0 {
					for i := int64(0); i < reaped; i++ {
						metrics.IncrementCounter(monitoring.MetricClaimsReaped)
					}
					utils.Warn(ctx, "Reaped expired idempotency claims", map[string]interface{}{
						"count": reaped,
					})
				}
			}
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	fmt.Println("Shutting down delivery workers...")
	cancel()
	wg.Wait()
	fmt.Println("Delivery workers stopped")
}
