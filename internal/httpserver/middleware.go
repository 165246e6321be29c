package httpserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/atlasops/bizgateway/internal/app"
	"github.com/atlasops/bizgateway/internal/audit"
	"github.com/atlasops/bizgateway/internal/auth"
	"github.com/atlasops/bizgateway/internal/httpserver/httputil"
	"github.com/atlasops/bizgateway/internal/requestctx"
	"github.com/atlasops/bizgateway/internal/storage"
)

const (
	authBearerPrefix = "bearer "
	statusAuthFailed = "auth_failed"
)

type auditWriter interface {
	Record(ctx context.Context, entry audit.Entry) error
}

// apiKeyAuth validates the Authorization bearer token and injects the
// resolved tenant context for the rest of the request lifecycle. Every
// rejection leaves an audit entry and returns its correlation id.
func apiKeyAuth(container *app.Container) fiber.Handler {
	return apiKeyAuthWith(container, container.Audit)
}

func apiKeyAuthWith(container *app.Container, auditor auditWriter) fiber.Handler {
	reject := func(c *fiber.Ctx, status int, msg, actor string, tenantID uuid.UUID) error {
		correlationID := uuid.New()
		entry := audit.Entry{
			TenantID:      tenantID,
			Actor:         actor,
			Operation:     c.Method() + " " + c.Path(),
			Status:        statusAuthFailed,
			CorrelationID: correlationID,
			Detail:        map[string]any{"reason": msg, "client_ip": c.IP()},
		}
		// Detached so a cancelled request cannot suppress the entry.
		auditCtx, cancel := context.WithTimeout(context.WithoutCancel(userContext(c)), 5*time.Second)
		defer cancel()
		if err := auditor.Record(auditCtx, entry); err != nil {
			container.Logger.WarnContext(auditCtx, "auth audit write failed", "error", err)
		}
		return httputil.WriteTracedError(c, status, msg, correlationID.String())
	}

	return func(c *fiber.Ctx) error {
		raw := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if raw == "" {
			return reject(c, fiber.StatusUnauthorized, "authorization header required", "", uuid.Nil)
		}

		if !strings.HasPrefix(strings.ToLower(raw), authBearerPrefix) {
			return reject(c, fiber.StatusUnauthorized, "bearer token required", "", uuid.Nil)
		}

		token := strings.TrimSpace(raw[len(authBearerPrefix):])
		prefix, secret, err := auth.SplitAPIKey(token)
		if err != nil {
			return reject(c, fiber.StatusUnauthorized, err.Error(), "", uuid.Nil)
		}

		ctx := userContext(c)
		key, err := container.Store.GetAPIKeyByPrefix(ctx, prefix)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return reject(c, fiber.StatusUnauthorized, "invalid api key", prefix, uuid.Nil)
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, "api key lookup failed")
		}

		if key.RevokedAt != nil {
			return reject(c, fiber.StatusUnauthorized, "api key revoked", prefix, key.TenantID)
		}

		match, err := auth.VerifySecret(secret, key.SecretHash)
		if err != nil {
			return httputil.WriteError(c, fiber.StatusInternalServerError, "api key verification failed")
		}
		if !match {
			return reject(c, fiber.StatusUnauthorized, "invalid api key", prefix, key.TenantID)
		}

		tenant, err := container.Store.GetTenant(ctx, key.TenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return reject(c, fiber.StatusUnauthorized, "tenant not found", prefix, key.TenantID)
			}
			return httputil.WriteError(c, fiber.StatusInternalServerError, "tenant lookup failed")
		}
		if tenant.Status != storage.TenantStatusActive {
			return reject(c, fiber.StatusForbidden, "tenant is not active", prefix, tenant.ID)
		}

		rc := app.BuildRequestContext(container.Config, tenant, key)

		// Best effort; a missed last-used timestamp never blocks a request.
		if err := container.Store.TouchAPIKey(ctx, key.ID); err != nil {
			container.Logger.WarnContext(ctx, "failed to update key usage", "error", err)
		}

		c.Locals(requestctx.FiberLocalsKey(), rc)
		c.SetUserContext(requestctx.WithContext(ctx, rc))

		return c.Next()
	}
}

func userContext(c *fiber.Ctx) context.Context {
	if c == nil {
		return context.Background()
	}
	if uc := c.UserContext(); uc != nil {
		return uc
	}
	return context.Background()
}
