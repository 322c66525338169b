package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Notifier delivers operator alerts. Implementations must be safe for
// concurrent use and must not block the caller beyond their own timeout.
type Notifier interface {
	Alert(ctx context.Context, title, message string) error
}

// Noop discards alerts. Used when no webhook is configured.
type Noop struct{}

func (Noop) Alert(context.Context, string, string) error { return nil }

// Slack posts alerts to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	client     *resty.Client
	logger     *logrus.Logger
}

var _ Notifier = (*Slack)(nil)
var _ Notifier = Noop{}

// NewSlack creates a Slack notifier. Returns Noop when webhookURL is empty.
func NewSlack(webhookURL string, logger *logrus.Logger) Notifier {
	if webhookURL == "" {
		return Noop{}
	}
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)
	return &Slack{webhookURL: webhookURL, client: client, logger: logger}
}

func (s *Slack) Alert(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"text": fmt.Sprintf("*%s*\n%s", title, message),
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.webhookURL)
	if err != nil {
		s.logger.WithError(err).Warn("slack alert delivery failed")
		return err
	}
	if resp.IsError() {
		err := fmt.Errorf("slack webhook returned %d", resp.StatusCode())
		s.logger.WithError(err).Warn("slack alert rejected")
		return err
	}
	return nil
}
