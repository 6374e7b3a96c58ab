// Package notify posts operational notifications to Slack. The notifier is
// a noop when no bot token is configured.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier sends scaling notifications to a Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// noop (logging only).
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a Slack client and a channel.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// ScaleFailure posts a batch-fatal scaling error to the configured channel.
func (n *Notifier) ScaleFailure(ctx context.Context, batchSize int, err error) {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping scale failure post", "error", err)
		return
	}

	text := fmt.Sprintf(":rotating_light: runner scale-up failed fatally for a batch of %d message(s): %v", batchSize, err)
	_, _, perr := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if perr != nil {
		n.logger.Error("posting scale failure to slack", "error", perr)
		return
	}
	n.logger.Info("posted scale failure to slack", "channel", n.channel)
}
