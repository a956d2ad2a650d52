package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/spec-kit/sla-service/internal/config"
	"github.com/spec-kit/sla-service/internal/events"
	apperrors "github.com/spec-kit/sla-service/pkg/util"
)

// Notifier is the outbound notification collaborator. Delivery is
// best-effort: callers log failures and move on.
type Notifier interface {
	SendEmail(ctx context.Context, recipients []string, subject, body string) error
	SendSlack(ctx context.Context, recipients []string, message string) error
}

// NotificationService routes escalation notifications to email and Slack
// and logs SLA events published on the dispatcher.
type NotificationService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
	cfg        config.NotificationConfig
	slack      *slack.Client
	httpClient *http.Client
}

// NewNotificationService creates the service. The Slack client is only
// constructed when a token is configured; without one SendSlack degrades to
// a logged no-op.
func NewNotificationService(dispatcher events.Dispatcher, logger *zap.Logger, cfg config.NotificationConfig) *NotificationService {
	var client *slack.Client
	if cfg.SlackToken != "" {
		client = slack.New(cfg.SlackToken)
	}
	return &NotificationService{
		dispatcher: dispatcher,
		logger:     logger,
		cfg:        cfg,
		slack:      client,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// RegisterHandlers subscribes to SLA events for the observability stream.
func (n *NotificationService) RegisterHandlers() {
	if n.dispatcher == nil {
		return
	}
	n.dispatcher.Subscribe(events.EventEscalationFired, n.handleEscalationFired)
	n.dispatcher.Subscribe(events.EventTicketReassigned, n.handleTicketReassigned)
	n.dispatcher.Subscribe(events.EventPriorityIncreased, n.handlePriorityIncreased)
	n.dispatcher.Subscribe(events.EventSlaReportGenerated, n.handleReportGenerated)
}

// SendEmail emits the message to the configured webhook endpoint. The mail
// relay itself lives outside this service; the webhook hand-off is the
// delivery boundary here, mirroring how ticket events leave the system.
func (n *NotificationService) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	if strings.TrimSpace(n.cfg.WebhookURL) == "" {
		n.logger.Debug("email webhook not configured; logging notification",
			zap.Strings("recipients", recipients),
			zap.String("subject", subject))
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"from":    n.cfg.EmailFrom,
		"to":      recipients,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return apperrors.NewDeliveryError("email", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return apperrors.NewDeliveryError("email", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return apperrors.NewDeliveryError("email", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperrors.NewDeliveryError("email", fmt.Errorf("webhook returned %d", resp.StatusCode))
	}
	return nil
}

// SendSlack posts the message to the configured channel, mentioning any
// per-rule recipients.
func (n *NotificationService) SendSlack(ctx context.Context, recipients []string, message string) error {
	if n.slack == nil {
		n.logger.Debug("slack not configured; logging notification",
			zap.Strings("recipients", recipients),
			zap.String("message", message))
		return nil
	}

	text := message
	if len(recipients) > 0 {
		mentions := make([]string, 0, len(recipients))
		for _, r := range recipients {
			mentions = append(mentions, "<@"+r+">")
		}
		text = strings.Join(mentions, " ") + " " + message
	}

	_, _, err := n.slack.PostMessageContext(ctx, n.cfg.SlackChannel,
		slack.MsgOptionText(text, false))
	if err != nil {
		return apperrors.NewDeliveryError("slack", err)
	}
	return nil
}

func (n *NotificationService) handleEscalationFired(ctx context.Context, event events.Event) error {
	n.logger.Info("EscalationFired", zap.String("ticket_id", event.TicketID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleTicketReassigned(ctx context.Context, event events.Event) error {
	n.logger.Info("TicketReassigned", zap.String("ticket_id", event.TicketID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handlePriorityIncreased(ctx context.Context, event events.Event) error {
	n.logger.Info("PriorityIncreased", zap.String("ticket_id", event.TicketID), zap.Any("payload", event.Payload))
	return nil
}

func (n *NotificationService) handleReportGenerated(ctx context.Context, event events.Event) error {
	n.logger.Info("SlaReportGenerated", zap.Any("payload", event.Payload))
	return nil
}
