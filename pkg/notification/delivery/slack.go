// Package delivery sends operator notifications. The only shipped channel
// is Slack; Service is the seam a deployment swaps for pager or file
// delivery.
package delivery

import (
	"context"

	"github.com/slack-go/slack"

	sharederrors "github.com/ridgeback/gatekeeper/pkg/shared/errors"
)

// Service delivers one already-sanitized notification.
type Service interface {
	Deliver(ctx context.Context, subject, body string) error
}

// slackPoster is the subset of the slack-go client the service uses,
// narrowed for test fakes.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackDeliveryService posts notifications to a fixed channel.
type SlackDeliveryService struct {
	client  slackPoster
	channel string
}

// NewSlackDeliveryService creates a delivery service posting to channel
// with the given bot token.
func NewSlackDeliveryService(token, channel string) *SlackDeliveryService {
	return &SlackDeliveryService{client: slack.New(token), channel: channel}
}

// NewSlackDeliveryServiceWithClient injects a client, for tests.
func NewSlackDeliveryServiceWithClient(client slackPoster, channel string) *SlackDeliveryService {
	return &SlackDeliveryService{client: client, channel: channel}
}

// Deliver posts subject and body as a single message.
func (s *SlackDeliveryService) Deliver(ctx context.Context, subject, body string) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText("*"+subject+"*\n"+body, false),
	)
	if err != nil {
		return sharederrors.NetworkError("post slack message", s.channel, err)
	}
	return nil
}
