package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// webhookBody is the JSON contract of the notification service.
type webhookBody struct {
	FCMToken    string `json:"fcmToken"`
	MessageType string `json:"messageType"`
	ClientCode  string `json:"clientCode"`
}

// Webhook posts a wake-up request to an external notification service for
// each message queued while the recipient has no session anywhere.
type Webhook struct {
	url         string
	messageType string
	client      *http.Client
	tokens      TokenLookup
	logger      zerolog.Logger
}

// NewWebhook creates a webhook push notifier. tokens resolves connection
// ids to device registrations; connections without one are skipped.
func NewWebhook(url, messageType string, tokens TokenLookup, logger zerolog.Logger) *Webhook {
	return &Webhook{
		url:         url,
		messageType: messageType,
		client:      &http.Client{Timeout: 10 * time.Second},
		tokens:      tokens,
		logger:      logger.With().Str("component", "push-webhook").Logger(),
	}
}

// Notify looks up the recipient's device and posts the notification.
// Errors are returned for the caller to log and swallow; a failed wake-up
// never fails the enqueue that triggered it.
func (w *Webhook) Notify(ctx context.Context, connectionID, messageID string) error {
	device, err := w.tokens(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("device lookup for %s: %w", connectionID, err)
	}
	if device == nil || device.Token == "" {
		w.logger.Debug().Str("connection_id", connectionID).Msg("no device token registered, skipping push")
		return nil
	}

	body, err := json.Marshal(webhookBody{
		FCMToken:    device.Token,
		MessageType: w.messageType,
		ClientCode:  device.ClientCode,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push webhook for %s: %w", connectionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push webhook for %s: unexpected status %d", connectionID, resp.StatusCode)
	}

	w.logger.Debug().
		Str("connection_id", connectionID).
		Str("message_id", messageID).
		Msg("push notification sent")
	return nil
}
