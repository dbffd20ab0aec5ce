package controllers

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"nestio/engine"
	"nestio/models"
	"nestio/utils"
)

// 1x1 transparent GIF served by the open pixel.
var trackingPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackingController serves the public pixel, click, unsubscribe, and
// bounce endpoints. These are hit by mail clients and provider webhooks,
// so they always answer with their artifact (pixel, redirect) no matter
// what went wrong internally.
type TrackingController struct {
	DB     *gorm.DB
	Engine *engine.FunnelEngine
	Logger *log.Logger
}

func NewTrackingController(db *gorm.DB, fe *engine.FunnelEngine) *TrackingController {
	return &TrackingController{
		DB:     db,
		Engine: fe,
		Logger: log.New(os.Stdout, "TRACK: ", log.LstdFlags),
	}
}

func (tc *TrackingController) findTracking(messageID string) *models.EmailTracking {
	var rec models.EmailTracking
	err := tc.DB.Where("message_id = ?", messageID).First(&rec).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			tc.Logger.Printf("❌ Tracking lookup %s: %v", messageID, err)
		}
		return nil
	}
	return &rec
}

// TrackOpen records an email open and returns the pixel.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	if rec := tc.findTracking(messageID); rec != nil {
		now := time.Now()
		if err := tc.DB.Model(rec).Updates(map[string]interface{}{
			"open_count":     gorm.Expr("open_count + ?", 1),
			"last_opened_at": &now,
		}).Error; err != nil {
			tc.Logger.Printf("❌ Record open for %s: %v", messageID, err)
		}
		if err := tc.Engine.ProcessEvent(rec.LeadID, "open", rec.FunnelStepID); err != nil {
			tc.Logger.Printf("⚠️ Open event for lead %d: %v", rec.LeadID, err)
		}
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Status(fiber.StatusOK).Send(trackingPixel)
}

// TrackClick records a click and redirects to the original destination.
// Only http(s) destinations are redirected; anything else falls back to
// the app root so the endpoint cannot be used as an open redirect to
// arbitrary schemes.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	destination := c.Query("url")

	if rec := tc.findTracking(messageID); rec != nil {
		now := time.Now()
		if err := tc.DB.Model(rec).Updates(map[string]interface{}{
			"click_count":     gorm.Expr("click_count + ?", 1),
			"last_clicked_at": &now,
		}).Error; err != nil {
			tc.Logger.Printf("❌ Record click for %s: %v", messageID, err)
		}
		if err := tc.Engine.ProcessEvent(rec.LeadID, "click", rec.FunnelStepID); err != nil {
			tc.Logger.Printf("⚠️ Click event for lead %d: %v", rec.LeadID, err)
		}
	}

	if !strings.HasPrefix(destination, "http://") && !strings.HasPrefix(destination, "https://") {
		destination = "/"
	}
	return c.Redirect(destination, fiber.StatusFound)
}

// Unsubscribe flags the lead, exits their funnels, and shows a small
// confirmation page.
func (tc *TrackingController) Unsubscribe(c *fiber.Ctx) error {
	messageID := c.Params("messageId")
	if rec := tc.findTracking(messageID); rec != nil {
		if err := tc.Engine.ProcessEvent(rec.LeadID, "unsubscribe", rec.FunnelStepID); err != nil {
			tc.Logger.Printf("⚠️ Unsubscribe event for lead %d: %v", rec.LeadID, err)
		}
	}
	c.Set("Content-Type", "text/html; charset=utf-8")
	return c.Status(fiber.StatusOK).SendString(
		`<html><body style="font-family: Arial, sans-serif; text-align: center; padding-top: 80px;">` +
			`<h2>You have been unsubscribed.</h2><p>You will not receive further emails from us.</p>` +
			`</body></html>`)
}

type BounceWebhookRequest struct {
	MessageID string `json:"message_id"`
	Email     string `json:"email"`
}

// BounceWebhook handles provider bounce callbacks, keyed by our message
// ID when available or by recipient address otherwise.
func (tc *TrackingController) BounceWebhook(c *fiber.Ctx) error {
	var req BounceWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	if req.MessageID != "" {
		if rec := tc.findTracking(req.MessageID); rec != nil {
			if err := tc.Engine.ProcessEvent(rec.LeadID, "bounce", rec.FunnelStepID); err != nil {
				tc.Logger.Printf("⚠️ Bounce event for lead %d: %v", rec.LeadID, err)
			}
			return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{"processed": true}))
		}
	}

	if req.Email != "" {
		var leads []models.Lead
		if err := tc.DB.Where("email = ?", req.Email).Find(&leads).Error; err != nil {
			tc.Logger.Printf("❌ Bounce lookup by email: %v", err)
		}
		for _, lead := range leads {
			if err := tc.Engine.ProcessEvent(lead.ID, "bounce", nil); err != nil {
				tc.Logger.Printf("⚠️ Bounce event for lead %d: %v", lead.ID, err)
			}
		}
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{"processed": true}))
}
