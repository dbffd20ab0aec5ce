package models

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Agent represents a real-estate agent account in the system
type Agent struct {
	gorm.Model

	Email     string `gorm:"uniqueIndex;not null" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Slug      string `gorm:"index" json:"slug"` // used for the fallback reply-to address

	// Sender identity used for outbound mail on this agent's behalf
	SenderName   string `json:"sender_name"`
	SenderEmail  string `json:"sender_email"`
	ReplyToEmail string `json:"reply_to_email"`
	AgencyName   string `json:"agency_name"`

	// Account status
	IsActive bool `gorm:"default:true" json:"is_active"`
	IsAdmin  bool `gorm:"default:false" json:"is_admin"`

	TokenVersion int `gorm:"default:0" json:"-"`

	// Relations
	Leads   []Lead   `gorm:"foreignKey:AgentID" json:"leads,omitempty"`
	Funnels []Funnel `gorm:"foreignKey:AgentID" json:"funnels,omitempty"`
}

// DisplayName returns the agent's full name, falling back to the email local part.
func (a *Agent) DisplayName() string {
	name := strings.TrimSpace(a.FirstName + " " + a.LastName)
	if name != "" {
		return name
	}
	if at := strings.Index(a.Email, "@"); at > 0 {
		return a.Email[:at]
	}
	return a.Email
}

// ReplyAddress resolves the reply-to for this agent: explicit setting first,
// then a slug-derived address on the shared reply domain.
func (a *Agent) ReplyAddress(replyDomain string) string {
	if a.ReplyToEmail != "" {
		return a.ReplyToEmail
	}
	if a.Slug != "" && replyDomain != "" {
		return fmt.Sprintf("%s@%s", a.Slug, replyDomain)
	}
	return ""
}

// GmailConnection stores a per-agent OAuth-linked personal mailbox.
// When present and authorized, outbound mail for the agent routes through
// their own Gmail instead of the shared provider cascade.
type GmailConnection struct {
	gorm.Model
	AgentID uint `gorm:"not null;uniqueIndex" json:"agent_id"`

	Email        string     `gorm:"not null" json:"email"`
	AccessToken  string     `gorm:"not null" json:"-"`
	RefreshToken string     `json:"-"`
	TokenType    string     `gorm:"default:'Bearer'" json:"token_type"`
	Scope        string     `json:"scope"`
	ExpiresAt    *time.Time `json:"expires_at"`

	// Relations
	Agent Agent `json:"-"`
}

// Expired reports whether the stored access token needs a refresh.
func (g *GmailConnection) Expired() bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(time.Now())
}
