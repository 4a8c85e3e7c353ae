package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/config"
)

// WebhookNotifier implements port.Notifier by posting notification events
// to a configured webhook. With no URL configured notifications are
// logged and dropped, which keeps NOTIFICATION actions harmless in
// development setups.
type WebhookNotifier struct {
	cfg    config.WebhookConfig
	client *http.Client
	logger *zap.Logger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(cfg config.WebhookConfig, logger *zap.Logger) port.Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Notify delivers one notification event
func (n *WebhookNotifier) Notify(ctx context.Context, userIDs []string, message string, data map[string]any) error {
	if n.cfg.URL == "" {
		n.logger.Info("Notification (no webhook configured)",
			zap.Strings("user_ids", userIDs),
			zap.String("message", message))
		return nil
	}

	payload, err := json.Marshal(map[string]any{
		"user_ids": userIDs,
		"message":  message,
		"data":     data,
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("Notification webhook failed", zap.Error(err))
		return fmt.Errorf("notification webhook failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("notification webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Verify interface compliance
var _ port.Notifier = (*WebhookNotifier)(nil)
