package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"psamonitor/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// AlarmWebhookPayload is posted to the external alarm endpoint
type AlarmWebhookPayload struct {
	Event     *models.AlarmEvent `json:"evento"`
	Severity  string             `json:"severidad"`
	AlertType string             `json:"tipo"`
}

// AlarmWebhookService forwards alarm events to an HTTP endpoint (sirens,
// building management systems)
type AlarmWebhookService struct {
	client *resty.Client
	url    string
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAlarmWebhookService(url string, timeout time.Duration, logger *zap.Logger) *AlarmWebhookService {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "psamonitor/1.0")

	return &AlarmWebhookService{
		client: client,
		url:    url,
		logger: logger,
	}
}

// Publish posts the event in the background.
func (h *AlarmWebhookService) Publish(ctx context.Context, event *models.AlarmEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := h.Send(context.WithoutCancel(ctx), event); err != nil {
			h.logger.Error("Failed to send alarm webhook",
				zap.String("event_id", event.ID),
				zap.Error(err))
		}
	}()
}

// Send posts one event and waits for the response.
func (h *AlarmWebhookService) Send(ctx context.Context, event *models.AlarmEvent) error {
	payload := AlarmWebhookPayload{
		Event:     event,
		Severity:  webhookSeverity(event.To),
		AlertType: "psa_alarm",
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(h.url)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alarm webhook returned %s", resp.Status())
	}

	h.logger.Info("Alarm webhook sent",
		zap.String("event_id", event.ID),
		zap.String("severity", payload.Severity),
		zap.Int("status_code", resp.StatusCode()))
	return nil
}

func webhookSeverity(level models.AlarmLevel) string {
	switch level {
	case models.LevelCritical:
		return "critical"
	case models.LevelUnknown:
		return "high"
	case models.LevelWarning:
		return "medium"
	default:
		return "info"
	}
}

// Close stops accepting events and waits for pending posts until ctx expires.
func (h *AlarmWebhookService) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("alarm webhook drain: %w", ctx.Err())
	}
}
