package controllers

import (
	"errors"
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"nestio/engine"
	"nestio/models"
	"nestio/utils"
)

type FunnelController struct {
	DB     *gorm.DB
	Engine *engine.FunnelEngine
	Logger *log.Logger
}

func NewFunnelController(db *gorm.DB, fe *engine.FunnelEngine) *FunnelController {
	return &FunnelController{
		DB:     db,
		Engine: fe,
		Logger: log.New(os.Stdout, "FUNNEL: ", log.LstdFlags),
	}
}

type AssignFunnelRequest struct {
	LeadID     uint   `json:"lead_id" validate:"required"`
	FunnelType string `json:"funnel_type" validate:"required"`
}

// AssignFunnel enrolls a lead and fires the first step.
func (fc *FunnelController) AssignFunnel(c *fiber.Ctx) error {
	var req AssignFunnelRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	progress, err := fc.Engine.AssignFunnel(req.LeadID, req.FunnelType)
	if err != nil {
		if errors.Is(err, engine.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead or funnel not found", err)
		}
		fc.Logger.Printf("❌ Assign funnel: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to assign funnel", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(progress))
}

type AdvanceStepRequest struct {
	LeadID   uint `json:"lead_id" validate:"required"`
	FunnelID uint `json:"funnel_id" validate:"required"`
}

// AdvanceStep moves an active lead to the next funnel step.
func (fc *FunnelController) AdvanceStep(c *fiber.Ctx) error {
	var req AdvanceStepRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := fc.Engine.AdvanceStep(req.LeadID, req.FunnelID); err != nil {
		fc.Logger.Printf("❌ Advance step: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to advance step", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{"advanced": true}))
}

// ExitFunnel marks every active funnel for the lead as exited.
func (fc *FunnelController) ExitFunnel(c *fiber.Ctx) error {
	leadID := utils.ParseUint(c.Params("leadId"))
	if leadID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", nil)
	}
	if err := fc.Engine.ExitFunnel(leadID); err != nil {
		fc.Logger.Printf("❌ Exit funnel: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to exit funnels", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{"exited": true}))
}

type ProcessEventRequest struct {
	LeadID       uint   `json:"lead_id" validate:"required"`
	EventType    string `json:"event_type" validate:"required"`
	FunnelStepID *uint  `json:"funnel_step_id"`
}

// ProcessEvent records an engagement event (page_view, chat_reply,
// booking, ...) against a lead.
func (fc *FunnelController) ProcessEvent(c *fiber.Ctx) error {
	var req ProcessEventRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if err := fc.Engine.ProcessEvent(req.LeadID, req.EventType, req.FunnelStepID); err != nil {
		fc.Logger.Printf("❌ Process event: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to process event", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{"processed": true}))
}

// ListFunnels returns the funnels visible to the authenticated agent:
// their own plus the shared defaults.
func (fc *FunnelController) ListFunnels(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)

	var funnels []models.Funnel
	if err := fc.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("step_index asc")
	}).Where("agent_id = ? OR agent_id IS NULL", agent.ID).Find(&funnels).Error; err != nil {
		fc.Logger.Printf("❌ List funnels: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list funnels", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(funnels))
}

// GetProgress returns a lead's funnel progress rows.
func (fc *FunnelController) GetProgress(c *fiber.Ctx) error {
	leadID := utils.ParseUint(c.Params("leadId"))
	if leadID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead id", nil)
	}

	var progress []models.FunnelProgress
	if err := fc.DB.Where("lead_id = ?", leadID).Find(&progress).Error; err != nil {
		fc.Logger.Printf("❌ Get progress: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load progress", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(progress))
}

// GetStepMetrics returns delivery and engagement counters per step of a
// funnel.
func (fc *FunnelController) GetStepMetrics(c *fiber.Ctx) error {
	funnelID := utils.ParseUint(c.Params("id"))
	if funnelID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid funnel id", nil)
	}

	var steps []models.FunnelStep
	if err := fc.DB.Preload("Metric").Where("funnel_id = ?", funnelID).
		Order("step_index asc").Find(&steps).Error; err != nil {
		fc.Logger.Printf("❌ Get step metrics: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load metrics", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(steps))
}
