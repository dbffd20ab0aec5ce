package engine

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"nestio/mailer"
	"nestio/models"
)

// EmailSender is the slice of the mail pipeline the funnel engine needs.
type EmailSender interface {
	SendEmail(req mailer.EmailRequest) mailer.SendResult
}

// FunnelEngine drives leads through sales funnels: assignment, step
// execution, advancement, engagement events, and exit. Step execution is
// best-effort; a failed email never stalls the funnel itself.
type FunnelEngine struct {
	DB      *gorm.DB
	Logger  *log.Logger
	Mailer  EmailSender
	Scoring *ScoringEngine

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func NewFunnelEngine(db *gorm.DB, logger *log.Logger, sender EmailSender, scoring *ScoringEngine) *FunnelEngine {
	return &FunnelEngine{
		DB:      db,
		Logger:  logger,
		Mailer:  sender,
		Scoring: scoring,
		locks:   make(map[uint]*sync.Mutex),
	}
}

// leadLock serializes assignment per lead so concurrent assigns cannot
// create duplicate progress rows.
func (fe *FunnelEngine) leadLock(leadID uint) *sync.Mutex {
	fe.mu.Lock()
	defer fe.mu.Unlock()
	l, ok := fe.locks[leadID]
	if !ok {
		l = &sync.Mutex{}
		fe.locks[leadID] = l
	}
	return l
}

// normalizeFunnelKey maps loose persona labels onto canonical funnel keys.
func normalizeFunnelKey(funnelType string) string {
	key := strings.ToLower(strings.TrimSpace(funnelType))
	switch {
	case strings.Contains(key, "realtor"), strings.Contains(key, "agent"):
		return "realtor_funnel"
	case strings.Contains(key, "broker"), strings.Contains(key, "recruiter"):
		return "broker_funnel"
	default:
		return key
	}
}

// funnelCandidates returns the lookup keys tried when resolving a funnel,
// most specific first.
func funnelCandidates(funnelType string) []string {
	normalized := normalizeFunnelKey(funnelType)
	raw := strings.ToLower(strings.TrimSpace(funnelType))
	if raw == "" || raw == normalized {
		return []string{normalized}
	}
	return []string{normalized, raw}
}

// AssignFunnel enrolls a lead into the funnel matching funnelType and
// fires step 1 immediately. Re-assigning a lead to the same funnel is a
// no-op and returns the existing progress.
func (fe *FunnelEngine) AssignFunnel(leadID uint, funnelType string) (*models.FunnelProgress, error) {
	lock := fe.leadLock(leadID)
	lock.Lock()
	defer lock.Unlock()

	var lead models.Lead
	if err := fe.DB.First(&lead, leadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
		}
		return nil, fmt.Errorf("load lead %d: %w", leadID, err)
	}

	candidates := funnelCandidates(funnelType)
	var funnels []models.Funnel
	if err := fe.DB.Where("funnel_key IN ? OR funnel_type IN ?", candidates, candidates).Find(&funnels).Error; err != nil {
		return nil, fmt.Errorf("load funnels for %q: %w", funnelType, err)
	}
	if len(funnels) == 0 {
		return nil, fmt.Errorf("no funnel matches %q: %w", funnelType, ErrNotFound)
	}

	funnel := pickFunnel(funnels, lead.AgentID)

	var existing models.FunnelProgress
	err := fe.DB.Where("lead_id = ? AND funnel_id = ?", leadID, funnel.ID).First(&existing).Error
	if err == nil {
		fe.Logger.Printf("Lead %d already in funnel %s (status %s)", leadID, funnel.FunnelKey, existing.Status)
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check funnel progress: %w", err)
	}

	now := time.Now()
	progress := models.FunnelProgress{
		LeadID:           leadID,
		FunnelID:         funnel.ID,
		CurrentStepIndex: 1,
		Status:           models.ProgressActive,
		EnteredAt:        now,
	}
	if err := fe.DB.Create(&progress).Error; err != nil {
		// A concurrent assign may have won the unique index race.
		if fe.DB.Where("lead_id = ? AND funnel_id = ?", leadID, funnel.ID).First(&existing).Error == nil {
			return &existing, nil
		}
		return nil, fmt.Errorf("create funnel progress: %w", err)
	}

	fe.Logger.Printf("🎯 Lead %d assigned to %s, executing step 1", leadID, funnel.FunnelKey)
	fe.ExecuteStep(progress.ID, funnel.ID, 1)
	return &progress, nil
}

// pickFunnel prefers a funnel owned by the lead's agent, then the default
// funnel, then whatever is left.
func pickFunnel(funnels []models.Funnel, agentID uint) models.Funnel {
	for _, f := range funnels {
		if f.AgentID != nil && *f.AgentID == agentID {
			return f
		}
	}
	for _, f := range funnels {
		if f.IsDefault {
			return f
		}
	}
	return funnels[0]
}

// ExecuteStep runs one funnel step. The absence of a step at the index is
// the completion signal. All step-level failures are logged and swallowed;
// the caller never sees them.
func (fe *FunnelEngine) ExecuteStep(progressID, funnelID uint, stepIndex int) {
	var step models.FunnelStep
	err := fe.DB.Where("funnel_id = ? AND step_index = ?", funnelID, stepIndex).First(&step).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fe.completeFunnel(progressID)
		return
	}
	if err != nil {
		fe.Logger.Printf("❌ Load step %d of funnel %d: %v", stepIndex, funnelID, err)
		return
	}

	var progress models.FunnelProgress
	if err := fe.DB.First(&progress, progressID).Error; err != nil {
		fe.Logger.Printf("❌ Funnel progress %d missing, skipping step %d: %v", progressID, stepIndex, err)
		return
	}
	if progress.Status != models.ProgressActive {
		fe.Logger.Printf("Funnel progress %d is %s, not executing step %d", progressID, progress.Status, stepIndex)
		return
	}

	fe.IncrementMetric(step.ID, "sent_count")

	switch step.ActionType {
	case models.ActionEmail:
		fe.executeEmailStep(&progress, &step)
	default:
		// Calls and texts have no delivery channel here; they surface as
		// tasks for the agent and the step is recorded as simulated.
		fe.Logger.Printf("📋 Simulated %s step %d for lead %d: %s", step.ActionType, stepIndex, progress.LeadID, step.Subject)
	}

	now := time.Now()
	if err := fe.DB.Model(&models.FunnelProgress{}).Where("id = ?", progressID).
		Updates(map[string]interface{}{"current_step_index": stepIndex, "last_step_at": &now}).Error; err != nil {
		fe.Logger.Printf("❌ Stamp step %d on progress %d: %v", stepIndex, progressID, err)
	}
}

func (fe *FunnelEngine) executeEmailStep(progress *models.FunnelProgress, step *models.FunnelStep) {
	var lead models.Lead
	if err := fe.DB.First(&lead, progress.LeadID).Error; err != nil {
		fe.Logger.Printf("❌ Load lead %d for step %d: %v", progress.LeadID, step.StepIndex, err)
		return
	}
	if lead.IsUnsubscribed || lead.IsBounced {
		fe.Logger.Printf("Lead %d is unsubscribed or bounced, skipping email step %d", lead.ID, step.StepIndex)
		return
	}

	var funnel models.Funnel
	if err := fe.DB.First(&funnel, progress.FunnelID).Error; err != nil {
		fe.Logger.Printf("❌ Load funnel %d: %v", progress.FunnelID, err)
		return
	}

	var agent models.Agent
	if err := fe.DB.First(&agent, lead.AgentID).Error; err != nil {
		fe.Logger.Printf("⚠️ No agent %d for lead %d, sending with defaults", lead.AgentID, lead.ID)
	}

	subject := mergeTokens(step.Subject, &lead, &agent)
	body := mergeTokens(step.Content, &lead, &agent)
	html := renderEmailHTML(body, funnel.Signature)

	stepID := step.ID
	result := fe.Mailer.SendEmail(mailer.EmailRequest{
		To:      lead.Email,
		Subject: subject,
		HTML:    html,
		Tags: mailer.Tags{
			AgentID:      lead.AgentID,
			LeadID:       lead.ID,
			FunnelType:   funnel.FunnelType,
			FunnelStepID: &stepID,
		},
	})
	switch {
	case result.Sent:
		fe.Logger.Printf("📧 Step %d email to %s sent via %s", step.StepIndex, lead.Email, result.Provider)
	case result.Queued:
		fe.Logger.Printf("📥 Step %d email to %s queued for retry: %s", step.StepIndex, lead.Email, result.Reason)
	default:
		fe.Logger.Printf("❌ Step %d email to %s failed: %s", step.StepIndex, lead.Email, result.Reason)
	}
}

// mergeTokens substitutes the {{...}} personalization tokens a step's
// subject and body may carry.
func mergeTokens(text string, lead *models.Lead, agent *models.Agent) string {
	replacer := strings.NewReplacer(
		"{{first_name}}", lead.GivenName(),
		"{{lead.first_name}}", lead.GivenName(),
		"{{lead.name}}", lead.Name,
		"{{lead.email}}", lead.Email,
		"{{agent.name}}", agent.DisplayName(),
		"{{agent.first_name}}", agent.FirstName,
		"{{agency_name}}", agent.AgencyName,
	)
	return replacer.Replace(text)
}

// renderEmailHTML wraps plain step content in the standard message
// envelope and appends the funnel signature when there is one.
func renderEmailHTML(body, signature string) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family: Arial, sans-serif; font-size: 14px; line-height: 1.6; color: #333333; max-width: 600px; margin: 0 auto; padding: 12px;">`)
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(para, "\n", "<br>"))
		b.WriteString("</p>")
	}
	if signature != "" {
		b.WriteString(`<p style="margin-top: 24px;">`)
		b.WriteString(strings.ReplaceAll(signature, "\n", "<br>"))
		b.WriteString("</p>")
	}
	b.WriteString("</div>")
	return b.String()
}

// AdvanceStep moves an active funnel to the next step and executes it.
// Inactive or missing progress is a logged no-op.
func (fe *FunnelEngine) AdvanceStep(leadID, funnelID uint) error {
	var progress models.FunnelProgress
	err := fe.DB.Where("lead_id = ? AND funnel_id = ?", leadID, funnelID).First(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		fe.Logger.Printf("No funnel progress for lead %d in funnel %d", leadID, funnelID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load progress for lead %d funnel %d: %w", leadID, funnelID, err)
	}
	if progress.Status != models.ProgressActive {
		fe.Logger.Printf("Funnel progress %d is %s, not advancing", progress.ID, progress.Status)
		return nil
	}

	next := progress.CurrentStepIndex + 1
	if err := fe.DB.Model(&models.FunnelProgress{}).Where("id = ?", progress.ID).
		Update("current_step_index", next).Error; err != nil {
		return fmt.Errorf("advance progress %d: %w", progress.ID, err)
	}
	fe.ExecuteStep(progress.ID, funnelID, next)
	return nil
}

// ProcessEvent records an engagement event against the lead: rescoring,
// step metrics, and funnel exit on unsubscribe or bounce.
func (fe *FunnelEngine) ProcessEvent(leadID uint, eventType string, funnelStepID *uint) error {
	trigger, metric := classifyEvent(eventType)
	if trigger == "" && metric == "" {
		fe.Logger.Printf("Ignoring unknown event %q for lead %d", eventType, leadID)
		return nil
	}

	if trigger != "" && fe.Scoring != nil {
		if _, err := fe.Scoring.RecalculateLeadScore(leadID, trigger); err != nil {
			// Scoring is eventually consistent; a failed write here must
			// not break tracking or webhooks.
			fe.Logger.Printf("⚠️ Rescore lead %d on %s: %v", leadID, trigger, err)
		}
	}

	if metric != "" && funnelStepID != nil {
		fe.IncrementMetric(*funnelStepID, metric)
	}

	switch strings.ToLower(eventType) {
	case "unsubscribe":
		if err := fe.DB.Model(&models.Lead{}).Where("id = ?", leadID).Update("is_unsubscribed", true).Error; err != nil {
			fe.Logger.Printf("❌ Flag lead %d unsubscribed: %v", leadID, err)
		}
		return fe.ExitFunnel(leadID)
	case "bounce":
		if err := fe.DB.Model(&models.Lead{}).Where("id = ?", leadID).Update("is_bounced", true).Error; err != nil {
			fe.Logger.Printf("❌ Flag lead %d bounced: %v", leadID, err)
		}
		return fe.ExitFunnel(leadID)
	}
	return nil
}

// classifyEvent maps an inbound event name to its scoring trigger and the
// step metric column it bumps. Either may be empty.
func classifyEvent(eventType string) (trigger, metric string) {
	switch strings.ToLower(strings.TrimSpace(eventType)) {
	case "open", "email_open":
		return TriggerEmailOpen, "opens"
	case "click", "email_click":
		return TriggerEmailClick, "clicks"
	case "page_view":
		return TriggerPageView, ""
	case "chat_reply":
		return TriggerChatReply, ""
	case "booking":
		return TriggerBooking, ""
	case "unsubscribe":
		return TriggerUnsubscribe, "unsubscribes"
	case "bounce":
		return TriggerBounce, "bounces"
	default:
		return "", ""
	}
}

// ExitFunnel marks every active funnel the lead is in as exited.
func (fe *FunnelEngine) ExitFunnel(leadID uint) error {
	res := fe.DB.Model(&models.FunnelProgress{}).
		Where("lead_id = ? AND status = ?", leadID, models.ProgressActive).
		Update("status", models.ProgressExited)
	if res.Error != nil {
		return fmt.Errorf("exit funnels for lead %d: %w", leadID, res.Error)
	}
	if res.RowsAffected > 0 {
		fe.Logger.Printf("🚪 Lead %d exited %d active funnel(s)", leadID, res.RowsAffected)
	}
	return nil
}

func (fe *FunnelEngine) completeFunnel(progressID uint) {
	if err := fe.DB.Model(&models.FunnelProgress{}).Where("id = ? AND status = ?", progressID, models.ProgressActive).
		Update("status", models.ProgressCompleted).Error; err != nil {
		fe.Logger.Printf("❌ Complete funnel progress %d: %v", progressID, err)
		return
	}
	fe.Logger.Printf("🏁 Funnel progress %d completed", progressID)
}

// IncrementMetric bumps one counter on a step's metric row, creating the
// row on first touch. The increment runs in SQL so concurrent events
// never lose updates.
func (fe *FunnelEngine) IncrementMetric(stepID uint, column string) {
	switch column {
	case "sent_count", "opens", "clicks", "unsubscribes", "bounces":
	default:
		fe.Logger.Printf("❌ Unknown step metric column %q", column)
		return
	}
	var metric models.StepMetric
	if err := fe.DB.FirstOrCreate(&metric, models.StepMetric{FunnelStepID: stepID}).Error; err != nil {
		fe.Logger.Printf("❌ Ensure metric row for step %d: %v", stepID, err)
		return
	}
	if err := fe.DB.Model(&models.StepMetric{}).Where("funnel_step_id = ?", stepID).
		Update(column, gorm.Expr(column+" + ?", 1)).Error; err != nil {
		fe.Logger.Printf("❌ Increment %s for step %d: %v", column, stepID, err)
	}
}
