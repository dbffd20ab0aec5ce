package mailer

import (
	"log"

	"github.com/slack-go/slack"

	"nestio/config"
)

// SlackNotifier posts delivery-failure alerts to the ops channel. With no
// bot token configured it degrades to a log line.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *log.Logger
}

func NewSlackNotifier(cfg *config.Config, logger *log.Logger) *SlackNotifier {
	n := &SlackNotifier{channel: cfg.SlackChannel, logger: logger}
	if cfg.SlackToken != "" {
		n.client = slack.New(cfg.SlackToken)
	}
	return n
}

// Notify is fire-and-forget: errors are logged, never returned.
func (n *SlackNotifier) Notify(message string) {
	if n.client == nil {
		n.logger.Printf("🔔 (slack disabled) %s", message)
		return
	}
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(message, false))
	if err != nil {
		n.logger.Printf("⚠️ Slack notification failed: %v", err)
	}
}
