package mailer

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"nestio/config"
	"nestio/models"
	"nestio/utils"
)

// Tags carries the CRM context of a message. Tracking setup and identity
// resolution only run when both AgentID and LeadID are set.
type Tags struct {
	AgentID      uint   `json:"agent_id,omitempty"`
	LeadID       uint   `json:"lead_id,omitempty"`
	FunnelType   string `json:"funnel_type,omitempty"`
	FunnelStepID *uint  `json:"funnel_step_id,omitempty"`
}

// EmailRequest is a single outbound send.
type EmailRequest struct {
	To      string
	CC      []string
	Subject string
	HTML    string
	Tags    Tags
}

// SendResult reports what happened to a request. Exactly one of Sent and
// Queued is true unless the message was dropped outright.
type SendResult struct {
	Sent      bool   `json:"sent"`
	Queued    bool   `json:"queued"`
	Provider  string `json:"provider,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// OutboundMessage is a fully resolved message handed to a provider.
type OutboundMessage struct {
	To          string
	CC          []string
	Subject     string
	HTML        string
	FromName    string
	FromAddress string
	ReplyTo     string
}

// Provider status values returned by each cascade member.
type ProviderStatus int

const (
	ProviderSent ProviderStatus = iota
	ProviderNotConfigured
	ProviderFailed
)

// ProviderResult is the discriminated outcome of one provider attempt.
type ProviderResult struct {
	Status ProviderStatus
	Err    error
}

// Provider is one member of the delivery cascade.
type Provider interface {
	Name() string
	Send(msg *OutboundMessage) ProviderResult
}

// PersonalChannel routes a message through an agent's own connected
// mailbox instead of the shared cascade.
type PersonalChannel interface {
	HasConnection(agentID uint) bool
	Send(agentID uint, msg *OutboundMessage) error
}

// Notifier raises operator alerts. Implementations must be safe to call
// from goroutines.
type Notifier interface {
	Notify(message string)
}

// Mailer is the outbound delivery pipeline: tracking instrumentation,
// sender identity resolution, the personal-mailbox override, the provider
// cascade, and the outbox fallback. SendEmail never returns an error; the
// worst outcome is a queued message and an operator alert.
type Mailer struct {
	DB        *gorm.DB
	Config    *config.Config
	Logger    *log.Logger
	Log       *logrus.Logger
	Providers []Provider
	Personal  PersonalChannel
	Notifier  Notifier
}

func NewMailer(db *gorm.DB, cfg *config.Config, logger *log.Logger) *Mailer {
	m := &Mailer{
		DB:     db,
		Config: cfg,
		Logger: logger,
		Log:    logrus.New(),
		Providers: []Provider{
			newMailgunProvider(&cfg.Providers),
			newResendProvider(&cfg.Providers),
			newPostmarkProvider(&cfg.Providers),
			newSendgridProvider(&cfg.Providers),
			newSMTPProvider(&cfg.Providers),
		},
		Notifier: NewSlackNotifier(cfg, logger),
	}
	if cfg.Google.ClientID != "" {
		m.Personal = NewGmailChannel(db, cfg, logger)
	}
	return m
}

// SendEmail runs the full pipeline. It never returns an error and never
// panics out to the caller; anything undeliverable lands in the outbox.
func (m *Mailer) SendEmail(req EmailRequest) (result SendResult) {
	defer func() {
		if r := recover(); r != nil {
			m.Logger.Printf("❌ Mail pipeline panic for %s: %v", req.To, r)
			sentry.CaptureMessage(fmt.Sprintf("mail pipeline panic: %v", r))
			result = m.queueFallback(req, "", fmt.Sprintf("pipeline panic: %v", r))
		}
	}()

	if !utils.ValidEmail(req.To) {
		return m.queueFallback(req, "", fmt.Sprintf("invalid recipient address %q", req.To))
	}

	// Tracking setup: only funnel mail carries full tags.
	messageID := ""
	if req.Tags.AgentID != 0 && req.Tags.LeadID != 0 {
		messageID = utils.GenerateMessageID()
		req.HTML = utils.InjectTracking(req.HTML, m.Config.AppBaseURL, messageID)
		go m.createTrackingRecord(messageID, &req)
	}

	msg := m.resolveIdentity(&req)

	// Personal-mailbox override: when the agent has a connected mailbox the
	// whole send routes through it, success or failure.
	if m.Personal != nil && req.Tags.AgentID != 0 && m.Personal.HasConnection(req.Tags.AgentID) {
		if err := m.Personal.Send(req.Tags.AgentID, msg); err != nil {
			m.Log.WithFields(logrus.Fields{"agent_id": req.Tags.AgentID, "to": req.To}).
				WithError(err).Error("gmail send failed")
			return m.queueFallback(req, messageID, fmt.Sprintf("gmail: %v", err))
		}
		m.Logger.Printf("📧 Sent to %s via agent %d's Gmail", req.To, req.Tags.AgentID)
		return SendResult{Sent: true, Provider: "gmail", MessageID: messageID}
	}

	if provider, reason := m.runCascade(msg); provider != "" {
		return SendResult{Sent: true, Provider: provider, MessageID: messageID}
	} else {
		return m.queueFallback(req, messageID, reason)
	}
}

// runCascade tries each configured provider in order, continuing past
// failures. Returns the winning provider's name, or "" with the collected
// failure reasons.
func (m *Mailer) runCascade(msg *OutboundMessage) (provider, reason string) {
	reasons := []string{}
	configured := 0
	for _, p := range m.Providers {
		res := p.Send(msg)
		switch res.Status {
		case ProviderSent:
			m.Logger.Printf("📧 Sent to %s via %s", msg.To, p.Name())
			return p.Name(), ""
		case ProviderNotConfigured:
			continue
		case ProviderFailed:
			configured++
			m.Log.WithFields(logrus.Fields{"provider": p.Name(), "to": msg.To}).
				WithError(res.Err).Error("provider send failed")
			reasons = append(reasons, fmt.Sprintf("%s: %v", p.Name(), res.Err))
		}
	}
	if configured == 0 {
		return "", "no email provider configured"
	}
	sentry.CaptureMessage(fmt.Sprintf("all email providers failed for %s: %s", msg.To, strings.Join(reasons, "; ")))
	return "", strings.Join(reasons, "; ")
}

// resolveIdentity fills in the message's sender fields. Lookup failures
// fall back to the configured defaults and never abort the send.
func (m *Mailer) resolveIdentity(req *EmailRequest) *OutboundMessage {
	msg := &OutboundMessage{
		To:          req.To,
		CC:          req.CC,
		Subject:     req.Subject,
		HTML:        req.HTML,
		FromName:    m.Config.FromName,
		FromAddress: m.Config.FromAddress,
	}
	if req.Tags.AgentID == 0 {
		return msg
	}
	var agent models.Agent
	if err := m.DB.First(&agent, req.Tags.AgentID).Error; err != nil {
		m.Logger.Printf("⚠️ Agent %d lookup failed, using default sender: %v", req.Tags.AgentID, err)
		return msg
	}
	if agent.SenderName != "" {
		msg.FromName = agent.SenderName
	} else if agent.DisplayName() != "" {
		msg.FromName = agent.DisplayName()
	}
	if agent.SenderEmail != "" {
		msg.FromAddress = agent.SenderEmail
	}
	msg.ReplyTo = agent.ReplyAddress(m.Config.ReplyDomain)
	return msg
}

// queueFallback writes the message to the outbox for the retry worker and
// fires an operator alert in the background.
func (m *Mailer) queueFallback(req EmailRequest, messageID, reason string) SendResult {
	tags, _ := json.Marshal(req.Tags)
	entry := models.OutboxEmail{
		ToEmail:       req.To,
		CC:            strings.Join(req.CC, ","),
		Subject:       req.Subject,
		Body:          req.HTML,
		Tags:          string(tags),
		SendAfter:     time.Now().Add(5 * time.Minute),
		Status:        models.OutboxQueued,
		FailureReason: reason,
	}
	if err := m.DB.Create(&entry).Error; err != nil {
		m.Logger.Printf("❌ Outbox write failed for %s: %v (original failure: %s)", req.To, err, reason)
		sentry.CaptureException(fmt.Errorf("outbox write failed for %s: %w", req.To, err))
		return SendResult{Reason: reason}
	}
	m.Logger.Printf("📥 Queued mail to %s in outbox: %s", req.To, reason)
	if m.Notifier != nil {
		go m.Notifier.Notify(fmt.Sprintf("Email to %s could not be delivered and was queued (outbox #%d): %s", req.To, entry.ID, reason))
	}
	return SendResult{Queued: true, MessageID: messageID, Reason: reason}
}

// createTrackingRecord persists the delivery record behind a message ID.
// Failures are logged only; tracking must never block delivery.
func (m *Mailer) createTrackingRecord(messageID string, req *EmailRequest) {
	rec := models.EmailTracking{
		MessageID:      messageID,
		AgentID:        req.Tags.AgentID,
		LeadID:         req.Tags.LeadID,
		FunnelType:     req.Tags.FunnelType,
		FunnelStepID:   req.Tags.FunnelStepID,
		Subject:        req.Subject,
		RecipientEmail: req.To,
		SentAt:         time.Now(),
	}
	if err := m.DB.Create(&rec).Error; err != nil {
		m.Logger.Printf("⚠️ Tracking record for %s failed: %v", messageID, err)
	}
}

// DeliverOutbox re-attempts one queued outbox entry through the cascade.
// On success the entry is marked sent; otherwise its attempt counter and
// failure reason are updated and it stays queued.
func (m *Mailer) DeliverOutbox(entry *models.OutboxEmail) bool {
	var tags Tags
	if entry.Tags != "" {
		_ = json.Unmarshal([]byte(entry.Tags), &tags)
	}
	req := EmailRequest{
		To:      entry.ToEmail,
		Subject: entry.Subject,
		HTML:    entry.Body,
		Tags:    tags,
	}
	if entry.CC != "" {
		req.CC = strings.Split(entry.CC, ",")
	}

	msg := m.resolveIdentity(&req)
	provider, reason := m.runCascade(msg)
	now := time.Now()
	if provider != "" {
		if err := m.DB.Model(entry).Updates(map[string]interface{}{
			"status":          models.OutboxSent,
			"attempts":        gorm.Expr("attempts + ?", 1),
			"last_attempt_at": &now,
			"failure_reason":  "",
		}).Error; err != nil {
			m.Logger.Printf("❌ Mark outbox #%d sent: %v", entry.ID, err)
		}
		return true
	}
	if err := m.DB.Model(entry).Updates(map[string]interface{}{
		"attempts":        gorm.Expr("attempts + ?", 1),
		"last_attempt_at": &now,
		"failure_reason":  reason,
	}).Error; err != nil {
		m.Logger.Printf("❌ Update outbox #%d: %v", entry.ID, err)
	}
	return false
}
