// Package main provides the main entry point for the Kotodama campaign messaging service
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amirphl/Kotodama/app/handlers"
	"github.com/amirphl/Kotodama/app/middleware"
	"github.com/amirphl/Kotodama/app/router"
	"github.com/amirphl/Kotodama/app/scheduler"
	"github.com/amirphl/Kotodama/app/services"
	businessflow "github.com/amirphl/Kotodama/business_flow"
	"github.com/amirphl/Kotodama/config"
	"github.com/amirphl/Kotodama/models"
	"github.com/amirphl/Kotodama/repository"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Application represents the main application structure
type Application struct {
	router     router.Router
	config     *config.ProductionConfig
	server     *fiber.App
	dispatcher *businessflow.Dispatcher
	stopFuncs  []func()
	closers    []io.Closer
}

func main() {
	log.Println("Starting Kotodama...")

	cfg, err := config.LoadProductionConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	app, err := initializeApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	app.router.SetupRoutes()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		address := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		if err := app.router.Start(address); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-sigChan
	log.Println("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// stop accepting dispatch triggers before draining runs
	if err := app.server.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}

	for _, fn := range app.stopFuncs {
		fn()
	}

	drained := make(chan struct{})
	go func() {
		app.dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Println("Dispatch runs still in flight at shutdown; their campaigns stay in sending")
	}

	for _, c := range app.closers {
		_ = c.Close()
	}

	log.Println("Server stopped")
}

// initializeDatabase initializes the database connection with connection pooling
func initializeDatabase(cfg config.DatabaseConfig, w io.Writer) (*gorm.DB, error) {
	gormLogger := logger.New(log.New(w, "gorm ", log.LstdFlags|log.LUTC), logger.Config{
		SlowThreshold:             cfg.SlowQueryTime,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := db.AutoMigrate(models.All()...); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	log.Printf("Database connection established with %d max open connections, %d max idle connections",
		cfg.MaxOpenConns, cfg.MaxIdleConns)

	return db, nil
}

// initializeCache initializes the Redis client and verifies connectivity
func initializeCache(cfg config.CacheConfig) (*redis.Client, error) {
	if !cfg.Enabled || cfg.Provider != "redis" {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opt.DB = cfg.RedisDB

	rc := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log.Printf("Redis connection established (db=%d)", cfg.RedisDB)
	return rc, nil
}

// startCacheHealthMonitor periodically pings Redis. The returned function stops it.
func startCacheHealthMonitor(parent context.Context, client *redis.Client, interval time.Duration) func() {
	monitorCtx, cancel := context.WithCancel(parent)
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-monitorCtx.Done():
				return
			case <-ticker.C:
				ctx, c := context.WithTimeout(context.Background(), 3*time.Second)
				if err := client.Ping(ctx).Err(); err != nil {
					log.Printf("Redis healthcheck failed: %v", err)
				}
				c()
			}
		}
	}()
	return cancel
}

// initializeApplication initializes the main application components
func initializeApplication(cfg *config.ProductionConfig) (*Application, error) {
	var stopFuncs []func()
	var closers []io.Closer

	logWriter, logCloser := services.NewLogWriter(&cfg.Logging)
	closers = append(closers, logCloser)
	log.SetOutput(logWriter)

	db, err := initializeDatabase(cfg.Database, logWriter)
	if err != nil {
		return nil, err
	}

	rc, err := initializeCache(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if rc != nil {
		stopFuncs = append(stopFuncs, startCacheHealthMonitor(context.Background(), rc, cfg.Cache.HealthInterval))
		closers = append(closers, rc)
	}

	// Repositories
	campaignRepo := repository.NewCampaignRepository(db)
	messageRepo := repository.NewMessageRepository(db)
	incomingRepo := repository.NewIncomingMessageRepository(db)
	consultantRepo := repository.NewConsultantRepository(db)

	// Services
	channel := services.NewMessagingChannel(&cfg.WhatsApp)
	receipts := services.NewReceiptCache(&cfg.Cache, rc)
	notifier := services.NewNotificationService(&cfg.Notification, services.NewComponentLogger(logWriter, "alert"))

	tokenService, err := services.NewTokenService(
		cfg.JWT.AccessTokenTTL,
		cfg.JWT.RefreshTokenTTL,
		cfg.JWT.Issuer,
		cfg.JWT.Audience,
		cfg.JWT.UseRSAKeys,
		cfg.JWT.PrivateKey,
		cfg.JWT.PublicKey,
		cfg.JWT.SecretKey,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize token service: %w", err)
	}
	log.Printf("Token service initialized with issuer: %s, audience: %s", cfg.JWT.Issuer, cfg.JWT.Audience)

	// Flows
	dispatcher := businessflow.NewDispatcher(
		campaignRepo,
		messageRepo,
		channel,
		receipts,
		notifier,
		cfg.Dispatch,
		cfg.WhatsApp.SendTimeout,
		services.NewComponentLogger(logWriter, "dispatch"),
	)
	stats := businessflow.NewStatsAggregator(messageRepo)
	resolver := businessflow.NewRecipientResolver(consultantRepo)
	flowLogger := services.NewComponentLogger(logWriter, "flow")

	campaignFlow := businessflow.NewCampaignFlow(campaignRepo, messageRepo, resolver, stats, dispatcher, db, flowLogger)
	reportFlow := businessflow.NewReportFlow(campaignRepo, messageRepo, stats)
	deliveryFlow := businessflow.NewDeliveryStatusFlow(messageRepo, receipts, services.NewComponentLogger(logWriter, "ingest"))
	replyFlow := businessflow.NewInboundReplyFlow(incomingRepo, messageRepo, services.NewComponentLogger(logWriter, "inbound"))

	// Handlers
	campaignHandler := handlers.NewCampaignHandler(campaignFlow, reportFlow)
	replyHandler := handlers.NewReplyHandler(replyFlow)
	webhookHandler := handlers.NewWebhookHandler(deliveryFlow, replyFlow, cfg.WhatsApp)
	authHandler := handlers.NewAuthHandler(tokenService, cfg.JWT.AccessTokenTTL)
	authMiddleware := middleware.NewAuthMiddleware(tokenService)

	appRouter := router.NewFiberRouter(cfg, campaignHandler, replyHandler, webhookHandler, authHandler, authMiddleware)

	if cfg.Scheduler.Enabled {
		sched := scheduler.NewCampaignScheduler(
			campaignRepo,
			dispatcher,
			services.NewComponentLogger(logWriter, "scheduler"),
			cfg.Scheduler.Interval,
			cfg.Scheduler.BatchSize,
		)
		stopFuncs = append(stopFuncs, sched.Start(context.Background()))
	}

	return &Application{
		router:     appRouter,
		config:     cfg,
		server:     appRouter.GetApp(),
		dispatcher: dispatcher,
		stopFuncs:  stopFuncs,
		closers:    closers,
	}, nil
}
