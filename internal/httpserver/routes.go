package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/app"
	"github.com/atlasops/bizgateway/internal/audit"
	"github.com/atlasops/bizgateway/internal/governor"
	"github.com/atlasops/bizgateway/internal/httpserver/httputil"
	"github.com/atlasops/bizgateway/internal/idempotency"
	"github.com/atlasops/bizgateway/internal/limits"
	"github.com/atlasops/bizgateway/internal/metering"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/requestctx"
)

const headerIdempotencyKey = "Idempotency-Key"

type gatewayHandler struct {
	container *app.Container
}

// registerAPIRoutes wires up the tenant-facing API behind key auth.
func registerAPIRoutes(app *fiber.App, container *app.Container) {
	group := app.Group("/v1", apiKeyAuth(container))
	handler := &gatewayHandler{container: container}
	group.Post("/providers/:provider/:operation", handler.invoke)
	group.Get("/usage", handler.usage)
	group.Get("/audit", handler.auditList)
}

func (h *gatewayHandler) invoke(c *fiber.Ctx) error {
	ctx := c.UserContext()

	providerType := strings.TrimSpace(c.Params("provider"))
	operation := strings.TrimSpace(c.Params("operation"))
	if providerType == "" || operation == "" {
		return httputil.WriteError(c, fiber.StatusBadRequest, "provider and operation are required")
	}

	params := providers.Params{}
	if body := c.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "request body must be a JSON object")
		}
	}

	start := time.Now()
	resp, err := h.container.Governor.Execute(ctx, governor.Request{
		ProviderType:   providerType,
		Operation:      operation,
		Params:         params,
		IdempotencyKey: strings.TrimSpace(c.Get(headerIdempotencyKey)),
		ClientIP:       c.IP(),
		Timeout:        h.container.Config.Server.ProviderTimeout,
	})
	h.recordMetrics(ctx, providerType, operation, resp, err, time.Since(start))
	if err != nil {
		return writeGovernorError(c, resp, err)
	}

	c.Set("X-Correlation-Id", resp.CorrelationID.String())
	if resp.Replayed {
		c.Set("X-Idempotent-Replay", "true")
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(resp.StatusCode).Send(resp.Body)
}

// writeGovernorError maps the governance taxonomy onto HTTP statuses. Every
// rejection carries the correlation id of its audit entry.
func writeGovernorError(c *fiber.Ctx, resp governor.Response, err error) error {
	correlationID := ""
	if resp.CorrelationID != uuid.Nil {
		correlationID = resp.CorrelationID.String()
	}

	var limitErr *limits.LimitExceededError
	switch {
	case errors.Is(err, governor.ErrUnauthenticated):
		return httputil.WriteError(c, fiber.StatusUnauthorized, "request not authenticated")
	case errors.As(err, &limitErr):
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(retryAfterSeconds(limitErr.RetryAfter)))
		return httputil.WriteTracedError(c, fiber.StatusTooManyRequests, limitErr.Error(), correlationID)
	case errors.Is(err, metering.ErrBudgetExceeded):
		return httputil.WriteTracedError(c, fiber.StatusPaymentRequired, "plan credits exhausted for the current period", correlationID)
	case errors.Is(err, governor.ErrIdempotencyKeyRequired):
		return httputil.WriteTracedError(c, fiber.StatusBadRequest, err.Error(), correlationID)
	case errors.Is(err, idempotency.ErrKeyReuse):
		return httputil.WriteTracedError(c, fiber.StatusConflict, "idempotency key was already used with different parameters", correlationID)
	case errors.Is(err, idempotency.ErrPendingTimeout):
		return httputil.WriteTracedError(c, fiber.StatusConflict, "an identical request is still in flight, retry later", correlationID)
	case errors.Is(err, providers.ErrNotConfigured):
		return httputil.WriteTracedError(c, fiber.StatusNotFound, "provider is not configured for this tenant", correlationID)
	case errors.Is(err, context.DeadlineExceeded):
		return httputil.WriteTracedError(c, fiber.StatusGatewayTimeout, "provider call timed out", correlationID)
	}

	var provErr *providers.Error
	if errors.As(err, &provErr) {
		if provErr.PreFlight {
			return httputil.WriteTracedError(c, fiber.StatusBadRequest, provErr.Error(), correlationID)
		}
		return httputil.WriteTracedError(c, fiber.StatusBadGateway, provErr.Error(), correlationID)
	}

	return httputil.WriteTracedError(c, fiber.StatusInternalServerError, "internal error", correlationID)
}

func (h *gatewayHandler) recordMetrics(ctx context.Context, providerType, operation string, resp governor.Response, err error, elapsed time.Duration) {
	obs := h.container.Observability
	if obs == nil {
		return
	}
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return
	}

	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case resp.Replayed:
		status = "replayed"
	}
	obs.RecordProviderCall(rc.TenantSlug, providerType, operation, status, elapsed)
	obs.RecordCredits(rc.TenantSlug, providerType, status, metering.FromMicro(resp.ChargedMicro).InexactFloat64())
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type usageResponse struct {
	Period       string                   `json:"period"`
	UsedCredits  string                   `json:"used_credits"`
	LimitCredits string                   `json:"limit_credits"`
	Fraction     float64                  `json:"fraction"`
	Warning      bool                     `json:"warning"`
	Exceeded     bool                     `json:"exceeded"`
	Providers    []metering.ProviderTotal `json:"providers"`
}

func (h *gatewayHandler) usage(c *fiber.Ctx) error {
	ctx := c.UserContext()
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}

	status, totals, err := h.container.Meter.Summary(ctx, rc, time.Now().UTC())
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "usage summary failed")
	}
	if totals == nil {
		totals = []metering.ProviderTotal{}
	}

	return c.JSON(usageResponse{
		Period:       status.Period,
		UsedCredits:  metering.FromMicro(status.UsedMicro).String(),
		LimitCredits: metering.FromMicro(status.LimitMicro).String(),
		Fraction:     status.Fraction,
		Warning:      status.Warning,
		Exceeded:     status.Exceeded,
		Providers:    totals,
	})
}

type auditEntryResponse struct {
	ID            uuid.UUID      `json:"id"`
	Actor         string         `json:"actor"`
	ProviderType  string         `json:"provider_type"`
	Operation     string         `json:"operation"`
	Status        string         `json:"status"`
	LatencyMS     int            `json:"latency_ms"`
	CorrelationID uuid.UUID      `json:"correlation_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Detail        map[string]any `json:"detail,omitempty"`
}

func (h *gatewayHandler) auditList(c *fiber.Ctx) error {
	ctx := c.UserContext()
	rc, ok := requestctx.FromContext(ctx)
	if !ok || rc == nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "request context missing")
	}

	filter := audit.Filter{
		TenantID:     rc.TenantID,
		ProviderType: strings.TrimSpace(c.Query("provider")),
		Status:       strings.TrimSpace(c.Query("status")),
		Limit:        int32(c.QueryInt("limit", 50)),
		Offset:       int32(c.QueryInt("offset", 0)),
	}
	if raw := strings.TrimSpace(c.Query("correlation_id")); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusBadRequest, "correlation_id must be a uuid")
		}
		filter.CorrelationID = id
	}

	entries, err := h.container.Audit.List(ctx, filter)
	if err != nil {
		return httputil.WriteError(c, fiber.StatusInternalServerError, "audit lookup failed")
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, auditEntryResponse{
			ID:            entry.ID,
			Actor:         entry.Actor,
			ProviderType:  entry.ProviderType,
			Operation:     entry.Operation,
			Status:        entry.Status,
			LatencyMS:     entry.LatencyMS,
			CorrelationID: entry.CorrelationID,
			Timestamp:     entry.Timestamp,
			Detail:        entry.Detail,
		})
	}

	return c.JSON(fiber.Map{"data": out})
}
