package metering

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/atlasops/bizgateway/internal/config"
)

// WebhookSink delivers budget alerts to tenant-configured HTTP endpoints.
type WebhookSink struct {
	client     *http.Client
	maxRetries int
	logger     *slog.Logger
}

func NewWebhookSink(cfg config.WebhookConfig, logger *slog.Logger) AlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	return &WebhookSink{
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		logger:     logger,
	}
}

func (s *WebhookSink) Notify(ctx context.Context, payload AlertPayload) error {
	if s == nil {
		return nil
	}
	urls := payload.Channels.Webhooks
	if len(urls) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		TenantID:     payload.TenantID.String(),
		Tenant:       payload.TenantSlug,
		Level:        string(payload.Level),
		UsedCredits:  FromMicro(payload.Status.UsedMicro).String(),
		LimitCredits: FromMicro(payload.Status.LimitMicro).String(),
		Fraction:     payload.Status.Fraction,
		Warning:      payload.Status.Warning,
		Exceeded:     payload.Status.Exceeded,
		APIKeyPrefix: payload.APIKeyPrefix,
		ProviderType: payload.ProviderType,
		Timestamp:    payload.Timestamp.UTC(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, target := range urls {
		if strings.TrimSpace(target) == "" {
			continue
		}
		if err := s.postWithRetries(ctx, target, body); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
		}
	}
	return errors.Join(errs...)
}

func (s *WebhookSink) postWithRetries(ctx context.Context, url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := s.post(ctx, url, body); err != nil {
			lastErr = err
			delay := time.Duration(attempt) * 250 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (s *WebhookSink) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type webhookPayload struct {
	TenantID     string    `json:"tenant_id"`
	Tenant       string    `json:"tenant"`
	Level        string    `json:"level"`
	UsedCredits  string    `json:"used_credits"`
	LimitCredits string    `json:"limit_credits"`
	Fraction     float64   `json:"fraction"`
	Warning      bool      `json:"warning"`
	Exceeded     bool      `json:"exceeded"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	ProviderType string    `json:"provider_type"`
	Timestamp    time.Time `json:"timestamp"`
}
