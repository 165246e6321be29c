package metering

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/requestctx"
)

// AlertDispatcher coordinates per-tenant cooldown so a tenant hovering around
// a threshold does not get an alert on every request. A higher severity always
// breaks through the cooldown.
type AlertDispatcher struct {
	sink AlertSink

	stateMu sync.Mutex
	state   map[uuid.UUID]alertSnapshot
}

type alertSnapshot struct {
	Level AlertLevel
	Sent  time.Time
}

func NewAlertDispatcher(sink AlertSink) *AlertDispatcher {
	if sink == nil {
		sink = NewLogAlertSink(nil)
	}
	return &AlertDispatcher{
		sink:  sink,
		state: make(map[uuid.UUID]alertSnapshot),
	}
}

func (a *AlertDispatcher) Dispatch(ctx context.Context, rc *requestctx.Context, status BudgetStatus, providerType string, ts time.Time) error {
	if rc == nil {
		return nil
	}

	level := AlertLevelNone
	if status.Exceeded {
		level = AlertLevelExceeded
	} else if status.Warning {
		level = AlertLevelWarning
	} else {
		a.storeState(rc.TenantID, alertSnapshot{})
		return nil
	}

	if !rc.AlertsEnabled {
		return nil
	}

	cooldown := rc.AlertCooldown
	if cooldown <= 0 {
		cooldown = time.Hour
	}
	state := a.loadState(rc.TenantID)
	if !state.Sent.IsZero() {
		elapsed := ts.Sub(state.Sent)
		if elapsed < cooldown && severity(level) <= severity(state.Level) {
			return nil
		}
	}

	payload := AlertPayload{
		TenantID:   rc.TenantID,
		TenantSlug: rc.TenantSlug,
		Level:      level,
		Status:     status,
		Channels: AlertChannels{
			Emails:   rc.AlertEmails,
			Webhooks: rc.AlertWebhooks,
		},
		Timestamp:    ts,
		APIKeyPrefix: rc.APIKeyPrefix,
		ProviderType: providerType,
	}
	if err := a.sink.Notify(ctx, payload); err != nil {
		return err
	}

	a.storeState(rc.TenantID, alertSnapshot{Level: level, Sent: ts})
	return nil
}

func (a *AlertDispatcher) loadState(tenantID uuid.UUID) alertSnapshot {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state[tenantID]
}

func (a *AlertDispatcher) storeState(tenantID uuid.UUID, snapshot alertSnapshot) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()

	if snapshot.Level == AlertLevelNone || snapshot.Sent.IsZero() {
		delete(a.state, tenantID)
		return
	}
	a.state[tenantID] = snapshot
}

func severity(level AlertLevel) int {
	switch level {
	case AlertLevelExceeded:
		return 2
	case AlertLevelWarning:
		return 1
	default:
		return 0
	}
}
