package mailer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"nestio/config"
)

// Shared HTTP client for the REST providers. A hung provider must not
// hold the cascade hostage.
var providerClient = &http.Client{Timeout: 10 * time.Second}

func formatFrom(msg *OutboundMessage) string {
	if msg.FromName == "" {
		return msg.FromAddress
	}
	return fmt.Sprintf("%s <%s>", msg.FromName, msg.FromAddress)
}

// readBodySnippet keeps provider error bodies short enough to log.
func readBodySnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}

// --- Mailgun ---

type mailgunProvider struct {
	cfg *config.ProviderConfig
}

func newMailgunProvider(cfg *config.ProviderConfig) *mailgunProvider {
	return &mailgunProvider{cfg: cfg}
}

func (p *mailgunProvider) Name() string { return "mailgun" }

func (p *mailgunProvider) Send(msg *OutboundMessage) ProviderResult {
	if p.cfg.MailgunAPIKey == "" || p.cfg.MailgunDomain == "" {
		return ProviderResult{Status: ProviderNotConfigured}
	}

	form := url.Values{}
	form.Set("from", formatFrom(msg))
	form.Set("to", msg.To)
	for _, cc := range msg.CC {
		form.Add("cc", cc)
	}
	form.Set("subject", msg.Subject)
	form.Set("html", msg.HTML)
	if msg.ReplyTo != "" {
		form.Set("h:Reply-To", msg.ReplyTo)
	}

	endpoint := fmt.Sprintf("https://api.mailgun.net/v3/%s/messages", p.cfg.MailgunDomain)
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	req.SetBasicAuth("api", p.cfg.MailgunAPIKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := providerClient.Do(req)
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProviderResult{Status: ProviderFailed, Err: fmt.Errorf("mailgun %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}
	return ProviderResult{Status: ProviderSent}
}

// --- Resend ---

type resendProvider struct {
	cfg *config.ProviderConfig
}

func newResendProvider(cfg *config.ProviderConfig) *resendProvider {
	return &resendProvider{cfg: cfg}
}

func (p *resendProvider) Name() string { return "resend" }

func (p *resendProvider) Send(msg *OutboundMessage) ProviderResult {
	if p.cfg.ResendAPIKey == "" {
		return ProviderResult{Status: ProviderNotConfigured}
	}

	payload := map[string]interface{}{
		"from":    formatFrom(msg),
		"to":      []string{msg.To},
		"subject": msg.Subject,
		"html":    msg.HTML,
	}
	if len(msg.CC) > 0 {
		payload["cc"] = msg.CC
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = msg.ReplyTo
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, "https://api.resend.com/emails", bytes.NewReader(body))
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.ResendAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := providerClient.Do(req)
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProviderResult{Status: ProviderFailed, Err: fmt.Errorf("resend %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}
	return ProviderResult{Status: ProviderSent}
}

// --- Postmark ---

type postmarkProvider struct {
	cfg *config.ProviderConfig
}

func newPostmarkProvider(cfg *config.ProviderConfig) *postmarkProvider {
	return &postmarkProvider{cfg: cfg}
}

func (p *postmarkProvider) Name() string { return "postmark" }

func (p *postmarkProvider) Send(msg *OutboundMessage) ProviderResult {
	if p.cfg.PostmarkToken == "" {
		return ProviderResult{Status: ProviderNotConfigured}
	}

	payload := map[string]interface{}{
		"From":     formatFrom(msg),
		"To":       msg.To,
		"Subject":  msg.Subject,
		"HtmlBody": msg.HTML,
	}
	if len(msg.CC) > 0 {
		payload["Cc"] = strings.Join(msg.CC, ",")
	}
	if msg.ReplyTo != "" {
		payload["ReplyTo"] = msg.ReplyTo
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, "https://api.postmarkapp.com/email", bytes.NewReader(body))
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	req.Header.Set("X-Postmark-Server-Token", p.cfg.PostmarkToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := providerClient.Do(req)
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProviderResult{Status: ProviderFailed, Err: fmt.Errorf("postmark %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}
	return ProviderResult{Status: ProviderSent}
}

// --- SendGrid ---

type sendgridProvider struct {
	cfg *config.ProviderConfig
}

func newSendgridProvider(cfg *config.ProviderConfig) *sendgridProvider {
	return &sendgridProvider{cfg: cfg}
}

func (p *sendgridProvider) Name() string { return "sendgrid" }

func (p *sendgridProvider) Send(msg *OutboundMessage) ProviderResult {
	if p.cfg.SendgridAPIKey == "" {
		return ProviderResult{Status: ProviderNotConfigured}
	}

	to := []map[string]string{{"email": msg.To}}
	personalization := map[string]interface{}{"to": to}
	if len(msg.CC) > 0 {
		cc := make([]map[string]string, 0, len(msg.CC))
		for _, addr := range msg.CC {
			cc = append(cc, map[string]string{"email": addr})
		}
		personalization["cc"] = cc
	}
	payload := map[string]interface{}{
		"personalizations": []interface{}{personalization},
		"from":             map[string]string{"email": msg.FromAddress, "name": msg.FromName},
		"subject":          msg.Subject,
		"content":          []map[string]string{{"type": "text/html", "value": msg.HTML}},
	}
	if msg.ReplyTo != "" {
		payload["reply_to"] = map[string]string{"email": msg.ReplyTo}
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, "https://api.sendgrid.com/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.SendgridAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := providerClient.Do(req)
	if err != nil {
		return ProviderResult{Status: ProviderFailed, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ProviderResult{Status: ProviderFailed, Err: fmt.Errorf("sendgrid %d: %s", resp.StatusCode, readBodySnippet(resp.Body))}
	}
	return ProviderResult{Status: ProviderSent}
}

// --- SMTP ---

// smtpProvider is the last cascade member, for self-hosted relays.
type smtpProvider struct {
	cfg *config.ProviderConfig
}

func newSMTPProvider(cfg *config.ProviderConfig) *smtpProvider {
	return &smtpProvider{cfg: cfg}
}

func (p *smtpProvider) Name() string { return "smtp" }

func (p *smtpProvider) Send(msg *OutboundMessage) ProviderResult {
	if p.cfg.SMTPHost == "" {
		return ProviderResult{Status: ProviderNotConfigured}
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", msg.FromAddress, msg.FromName)
	m.SetHeader("To", msg.To)
	if len(msg.CC) > 0 {
		m.SetHeader("Cc", msg.CC...)
	}
	if msg.ReplyTo != "" {
		m.SetHeader("Reply-To", msg.ReplyTo)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/html", msg.HTML)

	d := gomail.NewDialer(p.cfg.SMTPHost, p.cfg.SMTPPort, p.cfg.SMTPUsername, p.cfg.SMTPPassword)
	if err := d.DialAndSend(m); err != nil {
		return ProviderResult{Status: ProviderFailed, Err: fmt.Errorf("smtp: %w", err)}
	}
	return ProviderResult{Status: ProviderSent}
}
