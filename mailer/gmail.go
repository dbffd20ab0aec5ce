package mailer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"nestio/config"
	"nestio/models"
)

const gmailSendEndpoint = "https://gmail.googleapis.com/gmail/v1/users/me/messages/send"

// GmailChannel sends on behalf of an agent through their OAuth-connected
// Gmail account. Tokens are refreshed lazily and the refreshed token is
// written back so the next send starts warm.
type GmailChannel struct {
	DB     *gorm.DB
	Logger *log.Logger
	OAuth  *oauth2.Config
	Client *http.Client
}

func NewGmailChannel(db *gorm.DB, cfg *config.Config, logger *log.Logger) *GmailChannel {
	return &GmailChannel{
		DB:     db,
		Logger: logger,
		OAuth: &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			RedirectURL:  cfg.Google.RedirectURI,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.send"},
			Endpoint:     google.Endpoint,
		},
		Client: &http.Client{Timeout: 15 * time.Second},
	}
}

// HasConnection reports whether the agent has a linked mailbox.
func (g *GmailChannel) HasConnection(agentID uint) bool {
	var count int64
	if err := g.DB.Model(&models.GmailConnection{}).Where("agent_id = ?", agentID).Count(&count).Error; err != nil {
		g.Logger.Printf("⚠️ Gmail connection lookup for agent %d: %v", agentID, err)
		return false
	}
	return count > 0
}

// Send delivers the message through the agent's mailbox.
func (g *GmailChannel) Send(agentID uint, msg *OutboundMessage) error {
	var conn models.GmailConnection
	if err := g.DB.Where("agent_id = ?", agentID).First(&conn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("agent %d has no gmail connection", agentID)
		}
		return fmt.Errorf("load gmail connection: %w", err)
	}

	token, err := g.freshToken(&conn)
	if err != nil {
		return err
	}

	raw := buildRawMessage(conn.Email, msg)
	payload, _ := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw),
	})

	req, err := http.NewRequest(http.MethodPost, gmailSendEndpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(req)
	if err != nil {
		return fmt.Errorf("gmail send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("gmail send: status %d: %s", resp.StatusCode, readBodySnippet(resp.Body))
	}
	return nil
}

// freshToken returns a usable access token, refreshing through the OAuth
// endpoint when the stored one has expired and persisting the result.
func (g *GmailChannel) freshToken(conn *models.GmailConnection) (*oauth2.Token, error) {
	token := &oauth2.Token{
		AccessToken:  conn.AccessToken,
		RefreshToken: conn.RefreshToken,
		TokenType:    conn.TokenType,
	}
	if conn.ExpiresAt != nil {
		token.Expiry = *conn.ExpiresAt
	}
	if !conn.Expired() {
		return token, nil
	}
	if conn.RefreshToken == "" {
		return nil, fmt.Errorf("gmail token for agent %d expired and no refresh token stored", conn.AgentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	refreshed, err := g.OAuth.TokenSource(ctx, token).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh gmail token for agent %d: %w", conn.AgentID, err)
	}

	if refreshed.AccessToken != conn.AccessToken {
		updates := map[string]interface{}{
			"access_token": refreshed.AccessToken,
			"expires_at":   refreshed.Expiry,
		}
		if refreshed.RefreshToken != "" {
			updates["refresh_token"] = refreshed.RefreshToken
		}
		if err := g.DB.Model(conn).Updates(updates).Error; err != nil {
			g.Logger.Printf("⚠️ Persist refreshed gmail token for agent %d: %v", conn.AgentID, err)
		}
	}
	return refreshed, nil
}

// buildRawMessage assembles the RFC 2822 message Gmail expects in the
// raw field.
func buildRawMessage(fromEmail string, msg *OutboundMessage) []byte {
	var b bytes.Buffer
	if msg.FromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", msg.FromName, fromEmail)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", fromEmail)
	}
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	for _, cc := range msg.CC {
		fmt.Fprintf(&b, "Cc: %s\r\n", cc)
	}
	if msg.ReplyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", msg.ReplyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.HTML)
	return b.Bytes()
}
