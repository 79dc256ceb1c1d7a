package catalog

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to an ops channel on hard catalog sync failure.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a SlackNotifier. token is a bot token with
// chat:write scope; channel is a channel ID or name the bot has joined.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

// NotifyCatalogSyncFailure posts a one-line alert naming the failed step.
func (n *SlackNotifier) NotifyCatalogSyncFailure(ctx context.Context, err error) error {
	text := fmt.Sprintf(":rotating_light: catalog sync failed: %v", err)
	_, _, postErr := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	return postErr
}
