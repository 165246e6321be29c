// Package governor drives each request through the governance pipeline:
// authentication, rate limiting, budget gating, idempotency, provider
// invocation, metering, and auditing. Failure at any stage short-circuits the
// rest; the audit entry is written exactly once either way.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/audit"
	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/idempotency"
	"github.com/atlasops/bizgateway/internal/limits"
	"github.com/atlasops/bizgateway/internal/metering"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/requestctx"
)

var (
	// ErrUnauthenticated rejects requests with no resolved tenant identity.
	ErrUnauthenticated = errors.New("request not authenticated")

	// ErrIdempotencyKeyRequired rejects unsafe operations sent without a key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key required for unsafe operation")
)

// Audit statuses. One of these is recorded per request.
const (
	StatusSucceeded      = "succeeded"
	StatusReplayed       = "replayed"
	StatusRateLimited    = "rate_limited"
	StatusBudgetExceeded = "budget_exceeded"
	StatusNotConfigured  = "not_configured"
	StatusKeyReuse       = "key_reuse"
	StatusConflict       = "conflict"
	StatusProviderError  = "provider_error"
	StatusTimeout        = "timeout"
	StatusCancelled      = "cancelled"
	StatusRejected       = "rejected"
)

// Limiter admits or rejects a request across all rate scopes.
type Limiter interface {
	Allow(ctx context.Context, tenantID, clientIP string, quota limits.Quota) error
}

// DedupStore runs the idempotency claim protocol.
type DedupStore interface {
	Begin(ctx context.Context, tenantID, key, fingerprint string) (*idempotency.Claim, *idempotency.Record, error)
	Complete(ctx context.Context, claim *idempotency.Claim, statusCode int, body []byte) error
	Fail(ctx context.Context, claim *idempotency.Claim, statusCode int, body []byte, transient bool) error
}

// Meter charges usage and evaluates budgets.
type Meter interface {
	Check(ctx context.Context, rc *requestctx.Context, now time.Time) (metering.BudgetStatus, error)
	Gate(status metering.BudgetStatus, rc *requestctx.Context) error
	Charge(ctx context.Context, rc *requestctx.Context, input metering.ChargeInput) (int64, error)
}

// AlertNotifier fans budget events out to the tenant's channels.
type AlertNotifier interface {
	Dispatch(ctx context.Context, rc *requestctx.Context, status metering.BudgetStatus, providerType string, ts time.Time) error
}

// AuditWriter persists one entry per request.
type AuditWriter interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// AdapterResolver maps (tenant, provider type) to a ready adapter.
type AdapterResolver interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, providerType string) (providers.Adapter, error)
}

// Request is the inbound envelope after transport decoding.
type Request struct {
	ProviderType   string
	Operation      string
	Params         providers.Params
	IdempotencyKey string
	ClientIP       string
	Timeout        time.Duration
}

// Response is what the transport layer renders back to the caller.
type Response struct {
	StatusCode    int
	Body          json.RawMessage
	CorrelationID uuid.UUID
	Replayed      bool
	ChargedMicro  int64
}

type Governor struct {
	limiter  Limiter
	dedup    DedupStore
	meter    Meter
	alerts   AlertNotifier
	auditor  AuditWriter
	resolver AdapterResolver
	retry    config.RetryConfig
	logger   *slog.Logger
	now      func() time.Time
}

func New(limiter Limiter, dedup DedupStore, meter Meter, alerts AlertNotifier, auditor AuditWriter, resolver AdapterResolver, retryCfg config.RetryConfig, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{
		limiter:  limiter,
		dedup:    dedup,
		meter:    meter,
		alerts:   alerts,
		auditor:  auditor,
		resolver: resolver,
		retry:    retryCfg,
		logger:   logger,
		now:      time.Now,
	}
}

// outcome accumulates what the deferred audit write records.
type outcome struct {
	status string
	detail map[string]any
}

// Execute runs one request through every gate. The returned error is one of
// the taxonomy sentinels or a classified *providers.Error; the transport layer
// maps them to HTTP codes.
func (g *Governor) Execute(ctx context.Context, req Request) (Response, error) {
	started := g.now()
	correlationID := uuid.New()

	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		// Nothing to audit against without a tenant; the transport layer logs
		// authentication failures separately.
		return Response{CorrelationID: correlationID}, ErrUnauthenticated
	}

	out := &outcome{status: StatusRejected, detail: map[string]any{}}
	defer g.writeAudit(ctx, rc, req, correlationID, started, out)

	resp, err := g.execute(ctx, rc, req, correlationID, out)
	resp.CorrelationID = correlationID
	return resp, err
}

func (g *Governor) execute(ctx context.Context, rc *requestctx.Context, req Request, correlationID uuid.UUID, out *outcome) (Response, error) {
	// RateChecked. A rejection here is never metered.
	quota := limits.Quota{
		TenantPerWindow: rc.RequestsPerWindow,
		ClientPerWindow: rc.ClientPerWindow,
		IPAllowListed:   rc.IPAllowListed,
	}
	if err := g.limiter.Allow(ctx, rc.TenantID.String(), req.ClientIP, quota); err != nil {
		if errors.Is(err, limits.ErrLimitExceeded) {
			out.status = StatusRateLimited
			var limitErr *limits.LimitExceededError
			if errors.As(err, &limitErr) {
				out.detail["scope"] = limitErr.Scope
				out.detail["retry_after_ms"] = limitErr.RetryAfter.Milliseconds()
			}
			return Response{}, err
		}
		return Response{}, err
	}

	// Budget gate. An exhausted enforced plan is turned away before any
	// provider or idempotency work, so the rejection itself costs nothing.
	budget, err := g.meter.Check(ctx, rc, g.now())
	if err != nil {
		return Response{}, err
	}
	if err := g.meter.Gate(budget, rc); err != nil {
		out.status = StatusBudgetExceeded
		out.detail["used_micro"] = budget.UsedMicro
		out.detail["limit_micro"] = budget.LimitMicro
		g.dispatchAlerts(ctx, rc, budget, req.ProviderType)
		return Response{}, err
	}

	adapter, err := g.resolver.Resolve(ctx, rc.TenantID, req.ProviderType)
	if err != nil {
		if errors.Is(err, providers.ErrNotConfigured) {
			out.status = StatusNotConfigured
		}
		return Response{}, err
	}

	// IdempotencyChecked. Unsafe operations must carry a key; a key on a safe
	// operation is honored too.
	var claim *idempotency.Claim
	unsafe := adapter.IdempotencyClass(req.Operation) == providers.ClassUnsafe
	if req.IdempotencyKey == "" && unsafe {
		out.status = StatusRejected
		out.detail["reason"] = "missing_idempotency_key"
		return Response{}, ErrIdempotencyKeyRequired
	}
	if req.IdempotencyKey != "" {
		fingerprint := idempotency.Fingerprint(rc.TenantID.String(), req.Operation, req.Params)
		var record *idempotency.Record
		claim, record, err = g.dedup.Begin(ctx, rc.TenantID.String(), req.IdempotencyKey, fingerprint)
		switch {
		case errors.Is(err, idempotency.ErrKeyReuse):
			out.status = StatusKeyReuse
			return Response{}, err
		case errors.Is(err, idempotency.ErrPendingTimeout):
			out.status = StatusConflict
			return Response{}, err
		case err != nil:
			return Response{}, err
		case record != nil:
			// A finished execution exists for this key; replay it without
			// touching the provider or charging again.
			out.status = StatusReplayed
			out.detail["stored_status"] = string(record.Status)
			return Response{
				StatusCode: record.StatusCode,
				Body:       record.Body,
				Replayed:   true,
			}, nil
		}
	}

	// ProviderInvoked.
	result, execErr := invokeWithRetry(ctx, g.retry, func(ctx context.Context) (providers.Result, error) {
		return adapter.Execute(ctx, req.Operation, req.Params, providers.ExecOptions{Timeout: req.Timeout})
	})
	// Cleanup runs on a detached context so a client disconnect cannot
	// skip it.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	// A failure raised before any network call left the gateway is a
	// rejection, not provider usage: no charge, no usage row, and the key is
	// released like a transient failure so a corrected request can reuse it.
	if execErr != nil && providers.IsPreFlight(execErr) {
		out.status = StatusRejected
		var pe *providers.Error
		if errors.As(execErr, &pe) {
			out.detail["error_code"] = pe.Code
		}
		if claim != nil {
			if err := g.dedup.Fail(cleanupCtx, claim, 400, []byte("{}"), true); err != nil {
				g.logger.WarnContext(cleanupCtx, "idempotency release failed", slog.Any("error", err))
			}
		}
		return Response{}, execErr
	}

	// Metered/Audited. The request reached the provider, so a usage row is
	// written whatever the outcome.
	meterOutcome, status := classifyExecution(ctx, execErr)
	out.status = status

	credits := adapter.CostModel(req.Operation, req.Params, result)
	charged, chargeErr := g.meter.Charge(cleanupCtx, rc, metering.ChargeInput{
		ProviderType:   req.ProviderType,
		Operation:      req.Operation,
		Outcome:        meterOutcome,
		Credits:        credits,
		Units:          result.Units,
		CorrelationID:  correlationID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if chargeErr != nil {
		g.logger.ErrorContext(cleanupCtx, "usage charge failed",
			slog.String("tenant_id", rc.TenantID.String()),
			slog.String("correlation_id", correlationID.String()),
			slog.Any("error", chargeErr))
	}
	out.detail["charged_micro"] = charged

	if execErr != nil {
		g.settleFailure(cleanupCtx, claim, execErr, out)
		return Response{ChargedMicro: charged}, execErr
	}

	body, err := json.Marshal(result.Body)
	if err != nil {
		body = []byte("{}")
	}
	if claim != nil {
		if err := g.dedup.Complete(cleanupCtx, claim, result.StatusCode, body); err != nil {
			g.logger.WarnContext(cleanupCtx, "idempotency complete failed",
				slog.String("correlation_id", correlationID.String()),
				slog.Any("error", err))
		}
	}

	if budget, err := g.meter.Check(cleanupCtx, rc, g.now()); err == nil {
		g.dispatchAlerts(cleanupCtx, rc, budget, req.ProviderType)
	}

	out.status = StatusSucceeded
	return Response{
		StatusCode:   result.StatusCode,
		Body:         body,
		ChargedMicro: charged,
	}, nil
}

// settleFailure decides what the stored idempotency record looks like after a
// failed execution. Transient failures release the key (subject to the
// configured fail mode) so the caller can retry; permanent failures are stored
// and replayed like completions.
func (g *Governor) settleFailure(ctx context.Context, claim *idempotency.Claim, execErr error, out *outcome) {
	out.detail["error_class"] = string(providers.Classify(execErr))
	var pe *providers.Error
	if errors.As(execErr, &pe) {
		out.detail["error_code"] = pe.Code
	}

	if claim == nil {
		return
	}
	snapshot, err := json.Marshal(map[string]any{"error": execErr.Error()})
	if err != nil {
		snapshot = []byte("{}")
	}
	statusCode := 502
	transient := providers.IsTransient(execErr) || out.status == StatusTimeout || out.status == StatusCancelled
	if err := g.dedup.Fail(ctx, claim, statusCode, snapshot, transient); err != nil {
		g.logger.WarnContext(ctx, "idempotency fail transition failed", slog.Any("error", err))
	}
}

// classifyExecution maps an execution error onto the metering outcome and the
// audit status. Cancellations and timeouts both use the timeout charge policy:
// the provider may have done the work even though the gateway stopped waiting.
func classifyExecution(ctx context.Context, execErr error) (metering.Outcome, string) {
	if execErr == nil {
		return metering.OutcomeSuccess, StatusSucceeded
	}
	if errors.Is(execErr, context.Canceled) || ctx.Err() == context.Canceled {
		return metering.OutcomeTimeout, StatusCancelled
	}
	if errors.Is(execErr, context.DeadlineExceeded) {
		return metering.OutcomeTimeout, StatusTimeout
	}
	var pe *providers.Error
	if errors.As(execErr, &pe) && pe.Code == "timeout" {
		return metering.OutcomeTimeout, StatusTimeout
	}
	return metering.OutcomeProviderError, StatusProviderError
}

func (g *Governor) dispatchAlerts(ctx context.Context, rc *requestctx.Context, budget metering.BudgetStatus, providerType string) {
	if g.alerts == nil {
		return
	}
	if err := g.alerts.Dispatch(ctx, rc, budget, providerType, g.now()); err != nil {
		g.logger.WarnContext(ctx, "budget alert dispatch failed",
			slog.String("tenant_id", rc.TenantID.String()),
			slog.Any("error", err))
	}
}

// writeAudit records the single audit entry for this request. It runs on a
// detached context so cancellation cannot suppress it.
func (g *Governor) writeAudit(ctx context.Context, rc *requestctx.Context, req Request, correlationID uuid.UUID, started time.Time, out *outcome) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	entry := audit.Entry{
		TenantID:      rc.TenantID,
		Actor:         rc.APIKeyPrefix,
		ProviderType:  req.ProviderType,
		Operation:     req.Operation,
		Status:        out.status,
		LatencyMS:     int(g.now().Sub(started).Milliseconds()),
		CorrelationID: correlationID,
		Timestamp:     started.UTC(),
		Detail:        out.detail,
	}
	if err := g.auditor.Record(auditCtx, entry); err != nil {
		g.logger.ErrorContext(auditCtx, "audit write failed",
			slog.String("tenant_id", rc.TenantID.String()),
			slog.String("correlation_id", correlationID.String()),
			slog.Any("error", err))
	}
}
