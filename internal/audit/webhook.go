package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kilupskalvis/rewind/internal/models"
)

// WebhookConfig holds the list of configured webhook URLs.
type WebhookConfig struct {
	URLs []string
}

// WebhookSink sends HTTP POST notifications to configured webhook URLs.
// Delivery is asynchronous; call Flush before the process exits.
type WebhookSink struct {
	config *WebhookConfig
	client *http.Client
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWebhookSink creates a webhook sink. Returns nil if no URLs are configured.
func NewWebhookSink(cfg *WebhookConfig, logger *slog.Logger) *WebhookSink {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookSink{
		config: cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Emit queues the event for delivery to all configured URLs.
// Runs asynchronously and does not block the caller.
func (ws *WebhookSink) Emit(_ context.Context, event models.Event) {
	if ws == nil {
		return
	}
	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		ws.send(event)
	}()
}

// Flush waits for queued deliveries or until ctx is done.
func (ws *WebhookSink) Flush(ctx context.Context) error {
	if ws == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers the event to all configured URLs.
func (ws *WebhookSink) send(event models.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		ws.logger.Error("webhook: marshal event", "error", err)
		return
	}

	for _, url := range ws.config.URLs {
		if err := ws.post(url, data); err != nil {
			ws.logger.Warn("webhook: delivery failed", "url", url, "error", err)
		} else {
			ws.logger.Debug("webhook: delivered", "url", url, "event", event.Type)
		}
	}
}

// post sends a single webhook POST with retry (up to 2 retries).
func (ws *WebhookSink) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest("POST", url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "rewind/1.0")

		resp, err := ws.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * time.Second)
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
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}

	return lastErr
}
