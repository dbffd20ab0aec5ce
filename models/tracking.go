package models

import (
	"time"

	"gorm.io/gorm"
)

// Outbox entry statuses.
const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
	OutboxFailed = "failed"
)

// EmailTracking is the per-sent-message record behind the open/click
// instrumentation. One row per minted message ID.
type EmailTracking struct {
	gorm.Model
	MessageID string `gorm:"not null;uniqueIndex" json:"message_id"`

	AgentID      uint   `gorm:"index" json:"agent_id"`
	LeadID       uint   `gorm:"index" json:"lead_id"`
	FunnelType   string `json:"funnel_type"`
	FunnelStepID *uint  `json:"funnel_step_id,omitempty"`

	Subject        string    `json:"subject"`
	RecipientEmail string    `gorm:"not null" json:"recipient_email"`
	SentAt         time.Time `gorm:"not null" json:"sent_at"`

	OpenCount     int        `gorm:"default:0" json:"open_count"`
	ClickCount    int        `gorm:"default:0" json:"click_count"`
	LastOpenedAt  *time.Time `json:"last_opened_at"`
	LastClickedAt *time.Time `json:"last_clicked_at"`
}

// OutboxEmail is a message that failed every delivery attempt. It is a
// durable retry queue; entries are never auto-expired.
type OutboxEmail struct {
	gorm.Model

	ToEmail string `gorm:"not null" json:"to_email"`
	CC      string `json:"cc"` // comma-separated
	Subject string `json:"subject"`
	Body    string `gorm:"type:text" json:"body"`
	Tags    string `gorm:"type:text" json:"tags"` // JSON map

	SendAfter     time.Time  `gorm:"not null;index" json:"send_after"`
	Status        string     `gorm:"not null;default:'queued';index" json:"status"`
	FailureReason string     `json:"failure_reason"`
	Attempts      int        `gorm:"default:0" json:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at"`
}
