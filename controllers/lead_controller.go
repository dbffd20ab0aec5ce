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

type LeadController struct {
	DB      *gorm.DB
	Engine  *engine.FunnelEngine
	Scoring *engine.ScoringEngine
	Logger  *log.Logger
}

func NewLeadController(db *gorm.DB, fe *engine.FunnelEngine, se *engine.ScoringEngine) *LeadController {
	return &LeadController{
		DB:      db,
		Engine:  fe,
		Scoring: se,
		Logger:  log.New(os.Stdout, "LEAD: ", log.LstdFlags),
	}
}

type CreateLeadRequest struct {
	Name       string `json:"name" validate:"required,max=200"`
	FirstName  string `json:"first_name" validate:"max=100"`
	Email      string `json:"email" validate:"required,email"`
	Phone      string `json:"phone" validate:"max=32"`
	Source     string `json:"source" validate:"max=100"`
	FunnelType string `json:"funnel_type"`
}

// CreateLead registers a lead under the authenticated agent and, when a
// funnel type is given, enrolls it immediately.
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)

	var req CreateLeadRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	lead := models.Lead{
		AgentID:   agent.ID,
		Name:      req.Name,
		FirstName: req.FirstName,
		Email:     req.Email,
		Phone:     req.Phone,
		Source:    req.Source,
		ScoreTier: models.TierCold,
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		lc.Logger.Printf("❌ Create lead: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", nil)
	}

	// Initial score from demographics alone.
	if _, err := lc.Scoring.RecalculateLeadScore(lead.ID, ""); err != nil {
		lc.Logger.Printf("⚠️ Initial score for lead %d: %v", lead.ID, err)
	}

	if req.FunnelType != "" {
		if _, err := lc.Engine.AssignFunnel(lead.ID, req.FunnelType); err != nil {
			lc.Logger.Printf("⚠️ Auto-assign lead %d to %s: %v", lead.ID, req.FunnelType, err)
		}
	}

	// Reload so the response carries the freshly computed score.
	_ = lc.DB.First(&lead, lead.ID).Error
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
}

// GetLead returns one lead with its progress rows.
func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	err := lc.DB.Preload("Progress").Where("id = ? AND agent_id = ?", leadID, agent.ID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		lc.Logger.Printf("❌ Get lead %d: %v", leadID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lead", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(lead))
}

// ListLeads returns the agent's leads, hottest first.
func (lc *LeadController) ListLeads(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)

	var leads []models.Lead
	query := lc.DB.Where("agent_id = ?", agent.ID)
	if tier := c.Query("tier"); tier != "" {
		query = query.Where("score_tier = ?", tier)
	}
	if err := query.Order("score desc").Limit(200).Find(&leads).Error; err != nil {
		lc.Logger.Printf("❌ List leads: %v", err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to list leads", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(leads))
}

// GetLeadScore returns the lead's score, tier, breakdown, and history.
func (lc *LeadController) GetLeadScore(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	err := lc.DB.Where("id = ? AND agent_id = ?", leadID, agent.ID).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		lc.Logger.Printf("❌ Get lead score %d: %v", leadID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load lead", nil)
	}

	var history []models.ScoreHistory
	if err := lc.DB.Where("lead_id = ?", lead.ID).Order("id desc").Limit(50).Find(&history).Error; err != nil {
		lc.Logger.Printf("⚠️ Score history for lead %d: %v", lead.ID, err)
	}

	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(fiber.Map{
		"lead_id":   lead.ID,
		"score":     lead.Score,
		"tier":      lead.ScoreTier,
		"breakdown": lead.Breakdown(),
		"history":   history,
	}))
}

type RecalculateRequest struct {
	Trigger string `json:"trigger"`
}

// RecalculateScore forces a score recomputation, optionally applying a
// trigger as the newest event.
func (lc *LeadController) RecalculateScore(c *fiber.Ctx) error {
	agent := c.Locals("agent").(*models.Agent)
	leadID := utils.ParseUint(c.Params("id"))

	var lead models.Lead
	if err := lc.DB.Where("id = ? AND agent_id = ?", leadID, agent.ID).First(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}

	var req RecalculateRequest
	_ = c.BodyParser(&req)

	result, err := lc.Scoring.RecalculateLeadScore(lead.ID, req.Trigger)
	if err != nil {
		lc.Logger.Printf("❌ Recalculate lead %d: %v", lead.ID, err)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to recalculate score", nil)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(result))
}
