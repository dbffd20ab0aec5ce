package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"nestio/config"
	"nestio/engine"
	"nestio/mailer"
	"nestio/middleware"
	"nestio/routes"
	"nestio/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "NESTIO: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Error reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("⚠️ Sentry init failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Core components: delivery pipeline, scoring, funnel state machine
	mail := mailer.NewMailer(config.DB, &config.AppConfig, log.New(os.Stdout, "MAILER: ", log.LstdFlags))
	scoring := engine.NewScoringEngine(config.DB, log.New(os.Stdout, "SCORING: ", log.LstdFlags))
	funnels := engine.NewFunnelEngine(config.DB, log.New(os.Stdout, "FUNNEL: ", log.LstdFlags), mail, scoring)

	// Background workers: step advancement and outbox retries
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	funnelWorker := worker.NewFunnelWorker(config.DB, funnels, log.New(os.Stdout, "FUNNEL-WORKER: ", log.LstdFlags), config.AppConfig.FunnelTickInterval)
	go funnelWorker.Start(ctx)

	outboxWorker := worker.NewOutboxWorker(config.DB, mail, log.New(os.Stdout, "OUTBOX-WORKER: ", log.LstdFlags), config.AppConfig.OutboxTickInterval)
	go outboxWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, config.DB, &config.AppConfig, funnels, scoring, mail)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
