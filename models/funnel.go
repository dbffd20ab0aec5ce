package models

import (
	"time"

	"gorm.io/gorm"
)

// Funnel progress statuses. Completed and exited are terminal.
const (
	ProgressActive    = "active"
	ProgressCompleted = "completed"
	ProgressExited    = "exited"
)

// Funnel step action types.
const (
	ActionEmail     = "email"
	ActionCall      = "call"
	ActionText      = "text"
	ActionSimulated = "simulated"
)

// Funnel is a named, ordered sequence of automated touchpoints applied to a
// lead. A funnel may be scoped to one agent or marked as the shared default
// for its key. Steps are immutable once progress rows reference the funnel;
// edits create new steps.
type Funnel struct {
	gorm.Model
	AgentID *uint `gorm:"index" json:"agent_id"` // nil for shared/default funnels

	FunnelKey  string `gorm:"not null;index" json:"funnel_key"` // realtor_funnel, broker_funnel, ...
	FunnelType string `gorm:"index" json:"funnel_type"`         // legacy alias matched alongside the key
	Name       string `gorm:"not null" json:"name"`
	IsDefault  bool   `gorm:"default:false" json:"is_default"`

	// Signature appended to rendered email bodies for this funnel.
	Signature string `gorm:"type:text" json:"signature"`

	// Relations
	Steps []FunnelStep `gorm:"foreignKey:FunnelID" json:"steps,omitempty"`
}

// FunnelStep is one touchpoint in a funnel, ordered by StepIndex (1-based).
type FunnelStep struct {
	gorm.Model
	FunnelID uint `gorm:"not null;index:idx_funnel_step,unique" json:"funnel_id"`

	StepIndex  int    `gorm:"not null;index:idx_funnel_step,unique" json:"step_index"`
	StepKey    string `json:"step_key"`
	StepName   string `json:"step_name"`
	ActionType string `gorm:"not null;default:'email'" json:"action_type"`

	Subject string `json:"subject"`
	Content string `gorm:"type:text" json:"content"`

	// Delay before this step runs, measured from the previous step.
	DelayDays    int `gorm:"default:0" json:"delay_days"`
	DelayMinutes int `gorm:"default:0" json:"delay_minutes"`

	// Relations
	Funnel Funnel      `json:"-"`
	Metric *StepMetric `gorm:"foreignKey:FunnelStepID" json:"metric,omitempty"`
}

// Delay returns the step's total delay.
func (s *FunnelStep) Delay() time.Duration {
	return time.Duration(s.DelayDays)*24*time.Hour + time.Duration(s.DelayMinutes)*time.Minute
}

// FunnelProgress records where a specific lead is within a specific funnel.
// At most one row exists per (lead, funnel); assignment is idempotent.
type FunnelProgress struct {
	gorm.Model
	LeadID   uint `gorm:"not null;index:idx_lead_funnel,unique" json:"lead_id"`
	FunnelID uint `gorm:"not null;index:idx_lead_funnel,unique" json:"funnel_id"`

	CurrentStepIndex int        `gorm:"not null;default:1" json:"current_step_index"`
	Status           string     `gorm:"not null;default:'active';index" json:"status"`
	EnteredAt        time.Time  `gorm:"not null" json:"entered_at"`
	LastStepAt       *time.Time `json:"last_step_at"`

	// Relations
	Lead   Lead   `json:"-"`
	Funnel Funnel `json:"-"`
}

// StepMetric holds per-step delivery and engagement counters, created lazily
// on first increment.
type StepMetric struct {
	gorm.Model
	FunnelStepID uint `gorm:"not null;uniqueIndex" json:"funnel_step_id"`

	SentCount    int `gorm:"default:0" json:"sent_count"`
	Opens        int `gorm:"default:0" json:"opens"`
	Clicks       int `gorm:"default:0" json:"clicks"`
	Unsubscribes int `gorm:"default:0" json:"unsubscribes"`
	Bounces      int `gorm:"default:0" json:"bounces"`
}
