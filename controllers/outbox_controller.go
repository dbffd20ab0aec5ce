package controllers

import (
	"errors"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"nestio/mailer"
	"nestio/models"
	"nestio/utils"
)

// OutboxController exposes the dead-letter queue to operators: inspect
// what failed and retry it on demand.
type OutboxController struct {
	DB     *gorm.DB
	Mailer *mailer.Mailer
	Logger *log.Logger
}

func NewOutboxController(db *gorm.DB, m *mailer.Mailer) *OutboxController {
	return &OutboxController{
		DB:     db,
		Mailer: m,
		Logger: log.New(os.Stdout, "OUTBOX: ", log.LstdFlags),
	}
}

// ListOutbox returns outbox entries, newest first, optionally filtered
// by status.
func (oc *OutboxController) ListOutbox(c *fiber.Ctx) error {
	status := c.Query("status", models.OutboxQueued)
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var entries []models.OutboxEmail
	query := oc.DB.Order("id desc").Limit(limit)
	if status != "all" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&entries).Error; err != nil {
		oc.Logger.Printf("❌ List outbox: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list outbox", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(entries))
}

// RetryOutbox re-attempts delivery of one entry immediately.
func (oc *OutboxController) RetryOutbox(c *fiber.Ctx) error {
	id := utils.ParseUint(c.Params("id"))

	var entry models.OutboxEmail
	err := oc.DB.First(&entry, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Outbox entry not found", nil)
	}
	if err != nil {
		oc.Logger.Printf("❌ Load outbox %d: %v", id, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load outbox entry", nil)
	}
	if entry.Status == models.OutboxSent {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Entry already sent", nil)
	}

	sent := oc.Mailer.DeliverOutbox(&entry)
	if err := oc.DB.First(&entry, id).Error; err != nil {
		oc.Logger.Printf("⚠️ Reload outbox %d: %v", id, err)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{
		"sent":  sent,
		"entry": entry,
	}))
}
