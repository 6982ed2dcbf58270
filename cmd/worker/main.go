package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/parcelpost/relay/internal/audit"
	"github.com/parcelpost/relay/internal/config"
	"github.com/parcelpost/relay/internal/delivery"
	"github.com/parcelpost/relay/internal/dkim"
	"github.com/parcelpost/relay/internal/mailmsg"
	"github.com/parcelpost/relay/internal/processor"
	"github.com/parcelpost/relay/internal/queue"
	"github.com/parcelpost/relay/internal/ratelimit"
	"github.com/parcelpost/relay/internal/tenant"
)

const sweepInterval = 2 * time.Minute

func main() {
	log.Println("Starting Parcelpost Relay delivery worker...")

	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Redis connection
	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	log.Println("Connected to Redis")

	// Delivery engine
	engine := delivery.NewEngine(cfg.Delivery)
	defer engine.Close()
	if cfg.Delivery.DevRelay != "" {
		log.Printf("Dev relay mode: all mail routed to %s", cfg.Delivery.DevRelay)
	}

	// Alerting
	var alerter audit.Alerter = audit.NopAlerter{}
	if cfg.Alerting.WebhookURL != "" {
		alerter = audit.NewWebhookAlerter(cfg.Alerting.WebhookURL, cfg.Alerting.Timeout())
		log.Println("Alert webhook configured")
	}

	// Processor wiring
	provider := tenant.NewProvider(tenant.NewPostgresRepository(db), cfg.Tenant.CacheTTL())
	proc := processor.New(
		provider,
		ratelimit.NewLimiter(rdb),
		mailmsg.NewBuilder(mailmsg.NewTemplateService()),
		dkim.NewSigner(),
		engine,
		audit.NewPostgresRecorder(db),
		alerter,
	)

	manager := queue.NewManager(rdb)
	if err := proc.Register(manager); err != nil {
		log.Fatalf("Failed to register processor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager.Start(ctx)
	log.Println("Queue manager started")

	// Maintenance sweeps: requeue stale claims, trim retention sets.
	sweeper := queue.NewSweeper(rdb)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sweeper.Run(ctx); err != nil {
					log.Printf("Sweep error: %v", err)
				}
			}
		}
	}()
	log.Printf("Maintenance sweeper started (every %s)", sweepInterval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	manager.Stop()
	log.Println("Worker stopped")
}
