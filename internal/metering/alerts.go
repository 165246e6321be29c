package metering

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type AlertLevel string

const (
	AlertLevelNone     AlertLevel = "none"
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type AlertChannels struct {
	Emails   []string
	Webhooks []string
}

type AlertPayload struct {
	TenantID     uuid.UUID
	TenantSlug   string
	Level        AlertLevel
	Status       BudgetStatus
	Channels     AlertChannels
	Timestamp    time.Time
	APIKeyPrefix string
	ProviderType string
}

type AlertSink interface {
	Notify(ctx context.Context, payload AlertPayload) error
}

type LogAlertSink struct {
	logger *slog.Logger
}

func NewLogAlertSink(logger *slog.Logger) *LogAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) Notify(ctx context.Context, payload AlertPayload) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.WarnContext(ctx, "budget alert",
		slog.String("tenant_id", payload.TenantID.String()),
		slog.String("tenant", payload.TenantSlug),
		slog.String("level", string(payload.Level)),
		slog.String("used_credits", FromMicro(payload.Status.UsedMicro).String()),
		slog.String("limit_credits", FromMicro(payload.Status.LimitMicro).String()),
		slog.Float64("fraction", payload.Status.Fraction),
		slog.Bool("warning", payload.Status.Warning),
		slog.Bool("exceeded", payload.Status.Exceeded),
		slog.String("api_key_prefix", payload.APIKeyPrefix),
		slog.String("provider_type", payload.ProviderType),
		slog.Time("timestamp", payload.Timestamp.UTC()),
	)
	return nil
}
