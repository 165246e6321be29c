package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/bizgateway/internal/app"
	"github.com/atlasops/bizgateway/internal/audit"
)

type captureAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *captureAuditor) Record(_ context.Context, entry audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func (a *captureAuditor) all() []audit.Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.Entry(nil), a.entries...)
}

func newAuthTestApp(auditor auditWriter) *fiber.App {
	container := &app.Container{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	fa := fiber.New()
	fa.Use(apiKeyAuthWith(container, auditor))
	fa.Post("/v1/providers/:provider/:operation", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	return fa
}

func TestAuthRejectionIsAuditedWithCorrelationID(t *testing.T) {
	auditor := &captureAuditor{}
	fa := newAuthTestApp(auditor)

	cases := []struct {
		name   string
		header string
		reason string
	}{
		{name: "missing header", header: "", reason: "authorization header required"},
		{name: "not a bearer token", header: "Basic abc", reason: "bearer token required"},
		{name: "malformed token", header: "Bearer sk-wrong.scheme", reason: "api key must start with bg-"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := len(auditor.all())

			req := httptest.NewRequest(fiber.MethodPost, "/v1/providers/crm/create_contact", nil)
			if tc.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tc.header)
			}
			resp, err := fa.Test(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

			var body struct {
				Error         string `json:"error"`
				CorrelationID string `json:"correlation_id"`
			}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			require.Equal(t, tc.reason, body.Error)
			require.NotEmpty(t, body.CorrelationID)

			entries := auditor.all()
			require.Len(t, entries, before+1)
			entry := entries[len(entries)-1]
			require.Equal(t, statusAuthFailed, entry.Status)
			require.Equal(t, uuid.Nil, entry.TenantID)
			require.Equal(t, body.CorrelationID, entry.CorrelationID.String())
			require.Equal(t, tc.reason, entry.Detail["reason"])
			require.Equal(t, "POST /v1/providers/crm/create_contact", entry.Operation)
		})
	}
}

type failingAuditor struct{}

func (failingAuditor) Record(context.Context, audit.Entry) error {
	return audit.ErrServiceUnavailable
}

func TestAuthRejectionSurvivesAuditFailure(t *testing.T) {
	fa := newAuthTestApp(failingAuditor{})

	req := httptest.NewRequest(fiber.MethodPost, "/v1/providers/crm/create_contact", nil)
	resp, err := fa.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	var body struct {
		CorrelationID string `json:"correlation_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.CorrelationID)
}
