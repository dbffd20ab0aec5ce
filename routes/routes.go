package routes

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	"nestio/config"
	controller "nestio/controllers"
	"nestio/engine"
	"nestio/mailer"
	"nestio/middleware"
)

// SetupTrackingRoutes registers the public endpoints hit by mail clients
// and provider webhooks. No auth, rate limited per IP.
func SetupTrackingRoutes(app *fiber.App, cfg *config.Config, tc *controller.TrackingController) {
	trackLogger := log.New(os.Stdout, "TRACK: ", log.LstdFlags)

	track := app.Group("/api/track", middleware.TrackingRateLimiter(cfg, trackLogger), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	track.Get("/email/open/:messageId", tc.TrackOpen)
	track.Get("/email/click/:messageId", tc.TrackClick)
	track.Get("/email/unsubscribe/:messageId", tc.Unsubscribe)
	track.Post("/email/bounce", tc.BounceWebhook)

	trackLogger.Println("Tracking routes initialized successfully")
}

// SetupAPIRoutes registers the authenticated CRM surface.
func SetupAPIRoutes(app *fiber.App, db *gorm.DB, fe *engine.FunnelEngine, se *engine.ScoringEngine, m *mailer.Mailer) {
	funnelController := controller.NewFunnelController(db, fe)
	leadController := controller.NewLeadController(db, fe, se)
	outboxController := controller.NewOutboxController(db, m)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Funnel routes
	funnel := api.Group("/funnels")
	funnel.Get("/", funnelController.ListFunnels)
	funnel.Post("/assign", funnelController.AssignFunnel)
	funnel.Post("/advance", funnelController.AdvanceStep)
	funnel.Get("/:id/metrics", funnelController.GetStepMetrics)
	funnel.Get("/progress/:leadId", funnelController.GetProgress)
	funnel.Post("/exit/:leadId", funnelController.ExitFunnel)

	// Engagement events
	api.Post("/events", funnelController.ProcessEvent)

	// Lead routes
	lead := api.Group("/leads")
	lead.Post("/", leadController.CreateLead)
	lead.Get("/", leadController.ListLeads)
	lead.Get("/:id", leadController.GetLead)
	lead.Get("/:id/score", leadController.GetLeadScore)
	lead.Post("/:id/score/recalculate", leadController.RecalculateScore)

	// Outbox routes, admin only
	outbox := api.Group("/outbox", middleware.AdminOnly())
	outbox.Get("/", outboxController.ListOutbox)
	outbox.Post("/:id/retry", outboxController.RetryOutbox)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, cfg *config.Config, fe *engine.FunnelEngine, se *engine.ScoringEngine, m *mailer.Mailer) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Public tracking endpoints
	SetupTrackingRoutes(app, cfg, controller.NewTrackingController(db, fe))

	// Authenticated API
	SetupAPIRoutes(app, db, fe, se, m)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
