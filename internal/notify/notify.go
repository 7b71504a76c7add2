// Package notify delivers Slack alerts and dispatches remediation plan
// generation for resolved incidents.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/models"
)

type EventType string

const (
	EventIncidentOpened   EventType = "incident_opened"
	EventIncidentResolved EventType = "incident_resolved"
	EventActionExecuted   EventType = "action_executed"
	EventActionRolledBack EventType = "action_rolled_back"
)

// Notification is an alert to be delivered.
type Notification struct {
	Type      EventType
	Title     string
	Message   string
	Severity  models.Severity
	Fields    map[string]string
	Timestamp time.Time
}

// Service sends notifications. Delivery failures are logged, never
// propagated to the security pipeline.
type Service struct {
	cfg    config.NotificationsConfig
	logger *slog.Logger
	client *http.Client
}

func NewService(cfg config.NotificationsConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers the notification to every enabled channel.
func (s *Service) Send(ctx context.Context, notif *Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now()
	}
	if s.cfg.Slack.Enabled && shouldNotify(notif.Severity, models.Severity(s.cfg.Slack.MinSeverity)) {
		if err := s.sendSlack(ctx, notif); err != nil {
			s.logger.Error("slack notification failed", "type", notif.Type, "error", err)
		}
	}
}

func shouldNotify(actual, minimum models.Severity) bool {
	order := map[models.Severity]int{
		models.SeverityLow:      1,
		models.SeverityMedium:   2,
		models.SeverityHigh:     3,
		models.SeverityCritical: 4,
	}
	return order[actual] >= order[minimum]
}

// SlackMessage is the webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	fields := make([]SlackField, 0, len(notif.Fields))
	for title, value := range notif.Fields {
		fields = append(fields, SlackField{Title: title, Value: value, Short: true})
	}

	msg := SlackMessage{
		Channel:  s.cfg.Slack.Channel,
		Username: "sentinelsoc",
		Attachments: []SlackAttachment{
			{
				Color:     severityColor(notif.Severity),
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "SentinelSOC",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}
	return nil
}

func severityColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000"
	case models.SeverityHigh:
		return "#FFA500"
	case models.SeverityMedium:
		return "#FFFF00"
	default:
		return "#36A64F"
	}
}
