package notify

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackNotifier posts to one Slack channel with a bot token.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

// NewSlackNotifier creates a notifier. Extra options are passed to the
// slack client, for example slack.OptionAPIURL in tests.
func NewSlackNotifier(botToken, channelID string, opts ...slack.Option) *SlackNotifier {
	return &SlackNotifier{client: slack.New(botToken, opts...), channelID: channelID}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Notify(ctx context.Context, msg *Message) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channelID,
		slack.MsgOptionText(msg.Text(), false),
		slack.MsgOptionUsername("agentflow"),
	)
	return err
}
