package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/amirphl/Kotodama/config"
	"github.com/amirphl/Kotodama/utils"
)

// CampaignAlert is raised when a campaign ends in a state an operator must act on
type CampaignAlert struct {
	CampaignUUID string    `json:"campaign_uuid"`
	CampaignName string    `json:"campaign_name"`
	Status       string    `json:"status"`
	Reason       string    `json:"reason"`
	FailedCount  int64     `json:"failed_count"`
	RaisedAt     time.Time `json:"raised_at"`
}

// NotificationService tells operators about campaigns that need manual attention
type NotificationService interface {
	NotifyCampaign(ctx context.Context, alert CampaignAlert) error
}

// NewNotificationService posts alerts to a webhook when one is configured and logs them otherwise
func NewNotificationService(cfg *config.NotificationConfig, logger *log.Logger) NotificationService {
	if cfg.AlertWebhookURL == "" {
		return &LogNotificationService{logger: logger}
	}
	return &WebhookNotificationService{
		url:    cfg.AlertWebhookURL,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// WebhookNotificationService posts alerts as JSON
type WebhookNotificationService struct {
	url    string
	client *http.Client
	logger *log.Logger
}

func (s *WebhookNotificationService) NotifyCampaign(ctx context.Context, alert CampaignAlert) error {
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = utils.UTCNow()
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotificationService writes alerts to the log
type LogNotificationService struct {
	logger *log.Logger
}

func (s *LogNotificationService) NotifyCampaign(_ context.Context, alert CampaignAlert) error {
	logger := s.logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("alert: campaign %s (%s) is %s: %s", alert.CampaignUUID, alert.CampaignName, alert.Status, alert.Reason)
	return nil
}
