package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/factflow/internal/models"
)

// WebhookEvent represents the payload sent to webhook URLs.
type WebhookEvent struct {
	Event          string `json:"event"`
	VerificationID string `json:"verification_id"`
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
}

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs       []string
	MaxRetries int
	Backoff    time.Duration
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := *cfg
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
	return &WebhookNotifier{
		config: &c,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// NotifyVerification sends a verification.<status> event to every URL.
// Delivery runs asynchronously.
func (wn *WebhookNotifier) NotifyVerification(ctx context.Context, v *models.Verification) {
	if wn == nil || v == nil {
		return
	}

	event := &WebhookEvent{
		Event:          "verification." + string(v.Status),
		VerificationID: v.ID,
		Status:         string(v.Status),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	ctx = context.WithoutCancel(ctx)
	wn.wg.Add(1)
	go func() {
		defer wn.wg.Done()
		wn.send(ctx, event)
	}()
}

// Wait blocks until pending deliveries finish.
func (wn *WebhookNotifier) Wait() {
	if wn == nil {
		return
	}
	wn.wg.Wait()
}

// send delivers the webhook event to all configured URLs.
func (wn *WebhookNotifier) send(ctx context.Context, event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range wn.config.URLs {
		if err := wn.post(ctx, url, data); err != nil {
			wn.logger.Warn("webhook: delivery failed", "url", url, "verification_id", event.VerificationID, "error", err)
		} else {
			wn.logger.Debug("webhook: delivered", "url", url, "event", event.Event)
		}
	}
}

// post sends a single webhook POST, retrying network errors and 5xx replies.
func (wn *WebhookNotifier) post(ctx context.Context, url string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= wn.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * wn.config.Backoff)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "factflow/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr // don't retry 4xx
		}
	}
	return lastErr
}
