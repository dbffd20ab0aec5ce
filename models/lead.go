package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Lead score tiers, coldest to hottest.
const (
	TierCold       = "Cold"
	TierWarm       = "Warm"
	TierHot        = "Hot"
	TierSalesReady = "Sales Ready"
)

// Lead represents a single contact owned by an agent
type Lead struct {
	gorm.Model
	AgentID uint `gorm:"index" json:"agent_id"`

	Name      string `json:"name"`
	FirstName string `json:"first_name"`
	Email     string `gorm:"not null;index" json:"email"`
	Phone     string `json:"phone"`
	Source    string `json:"source"` // listing page, qr, csv import, etc.

	// Scoring state, mutated only by the scoring engine
	Score          int        `gorm:"default:0" json:"score"`
	ScoreTier      string     `gorm:"default:'Cold'" json:"score_tier"`
	ScoreBreakdown string     `gorm:"type:text" json:"score_breakdown"` // JSON []ScoreLine
	LastBehaviorAt *time.Time `json:"last_behavior_at"`

	// Status
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`

	// Relations
	Progress     []FunnelProgress `gorm:"foreignKey:LeadID" json:"progress,omitempty"`
	ScoreHistory []ScoreHistory   `gorm:"foreignKey:LeadID" json:"score_history,omitempty"`
}

// GivenName returns the lead's first name, falling back to the first word of
// the full name.
func (l *Lead) GivenName() string {
	if l.FirstName != "" {
		return l.FirstName
	}
	for i := 0; i < len(l.Name); i++ {
		if l.Name[i] == ' ' {
			return l.Name[:i]
		}
	}
	return l.Name
}

// ScoreLine is one entry of a lead's score breakdown.
type ScoreLine struct {
	Rule   string `json:"rule"`
	Points int    `json:"points"`
	Count  int    `json:"count,omitempty"`
}

// SetBreakdown serializes the breakdown onto the lead.
func (l *Lead) SetBreakdown(lines []ScoreLine) {
	raw, err := json.Marshal(lines)
	if err != nil {
		return
	}
	l.ScoreBreakdown = string(raw)
}

// Breakdown deserializes the stored breakdown; empty on parse failure.
func (l *Lead) Breakdown() []ScoreLine {
	var lines []ScoreLine
	if l.ScoreBreakdown == "" {
		return lines
	}
	_ = json.Unmarshal([]byte(l.ScoreBreakdown), &lines)
	return lines
}

// ScoreHistory is the append-only log of score changes. It is the replay
// source for cap enforcement and is never mutated or deleted.
type ScoreHistory struct {
	gorm.Model
	LeadID uint `gorm:"not null;index" json:"lead_id"`

	PreviousScore  int    `json:"previous_score"`
	NewScore       int    `json:"new_score"`
	EventTrigger   string `gorm:"not null;index" json:"event_trigger"` // e.g. EMAIL_OPEN
	ScoringVersion string `gorm:"default:'v2.0'" json:"scoring_version"`

	// Relations
	Lead Lead `json:"-"`
}
