package metering

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/requestctx"
)

type stubSink struct {
	err      error
	calls    int
	payloads []AlertPayload
}

func (s *stubSink) Notify(ctx context.Context, payload AlertPayload) error {
	s.calls++
	s.payloads = append(s.payloads, payload)
	return s.err
}

func TestCompositeSinkNotify(t *testing.T) {
	okSink := &stubSink{}
	errSink := &stubSink{err: errors.New("boom")}

	sink := NewCompositeSink(okSink, errSink).(*CompositeSink)
	if err := sink.Notify(context.Background(), AlertPayload{}); err == nil {
		t.Fatalf("expected error from composite sink")
	}
	if okSink.calls != 1 || errSink.calls != 1 {
		t.Fatalf("expected sinks to be invoked once each")
	}
}

func TestCompositeSinkSkipsNil(t *testing.T) {
	if sink := NewCompositeSink(nil); sink != nil {
		t.Fatalf("expected nil sink when no entries provided")
	}
}

func TestWebhookSinkNotify(t *testing.T) {
	var received webhookPayload
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	sink := NewWebhookSink(config.WebhookConfig{Timeout: time.Second, MaxRetries: 1}, nil)
	payload := AlertPayload{
		TenantID:   uuid.New(),
		TenantSlug: "acme",
		Level:      AlertLevelWarning,
		Status:     BudgetStatus{LimitMicro: 2_000_000_000, UsedMicro: 1_600_000_000, Fraction: 0.8, Warning: true, Threshold: 0.75},
		Channels:   AlertChannels{Webhooks: []string{ts.URL}},
		Timestamp:  time.Now(),
	}
	if err := sink.Notify(context.Background(), payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.TenantID != payload.TenantID.String() {
		t.Fatalf("tenant mismatch")
	}
	if received.Level != string(payload.Level) {
		t.Fatalf("level mismatch")
	}
	if received.UsedCredits != "1600" || received.LimitCredits != "2000" {
		t.Fatalf("credit totals mismatch: %s / %s", received.UsedCredits, received.LimitCredits)
	}
}

func TestDispatcherCooldownSuppressesRepeats(t *testing.T) {
	sink := &stubSink{}
	dispatcher := NewAlertDispatcher(sink)

	rc := &requestctx.Context{
		TenantID:      uuid.New(),
		AlertsEnabled: true,
		AlertCooldown: time.Hour,
	}
	warning := BudgetStatus{UsedMicro: 800, LimitMicro: 1000, Fraction: 0.8, Warning: true, Threshold: 0.75}
	base := time.Now()

	if err := dispatcher.Dispatch(context.Background(), rc, warning, "crm", base); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if err := dispatcher.Dispatch(context.Background(), rc, warning, "crm", base.Add(time.Minute)); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if sink.calls != 1 {
		t.Fatalf("expected cooldown to suppress repeat warning, got %d calls", sink.calls)
	}

	// Escalation to exceeded breaks through the cooldown.
	exceeded := BudgetStatus{UsedMicro: 1000, LimitMicro: 1000, Fraction: 1, Exceeded: true, Threshold: 1}
	if err := dispatcher.Dispatch(context.Background(), rc, exceeded, "crm", base.Add(2*time.Minute)); err != nil {
		t.Fatalf("escalated dispatch: %v", err)
	}
	if sink.calls != 2 {
		t.Fatalf("expected escalation to be delivered, got %d calls", sink.calls)
	}
	if sink.payloads[1].Level != AlertLevelExceeded {
		t.Fatalf("expected exceeded payload, got %s", sink.payloads[1].Level)
	}

	// After the cooldown expires the same level is delivered again.
	if err := dispatcher.Dispatch(context.Background(), rc, exceeded, "crm", base.Add(2*time.Hour)); err != nil {
		t.Fatalf("post-cooldown dispatch: %v", err)
	}
	if sink.calls != 3 {
		t.Fatalf("expected post-cooldown delivery, got %d calls", sink.calls)
	}
}

func TestDispatcherRespectsDisabledAlerts(t *testing.T) {
	sink := &stubSink{}
	dispatcher := NewAlertDispatcher(sink)

	rc := &requestctx.Context{TenantID: uuid.New(), AlertsEnabled: false}
	warning := BudgetStatus{UsedMicro: 800, LimitMicro: 1000, Fraction: 0.8, Warning: true}

	if err := dispatcher.Dispatch(context.Background(), rc, warning, "crm", time.Now()); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if sink.calls != 0 {
		t.Fatalf("disabled tenant should get no alerts, got %d calls", sink.calls)
	}
}
