package requestctx

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type contextKey string

const fiberLocalsKey = "requestctx"

// Key is the typed context key used for storing the request context.
var Key contextKey = "bizgateway/requestctx"

// Context captures the caller identity, plan, and policy overrides resolved
// from the API key. It is read-only for the rest of the request lifecycle.
type Context struct {
	TenantID     uuid.UUID
	TenantSlug   string
	APIKeyID     uuid.UUID
	APIKeyPrefix string

	PlanCreditsMicro int64
	BudgetEnforced   bool
	RefreshSchedule  string

	RequestsPerWindow int
	ClientPerWindow   int
	IPAllowListed     bool

	TimeoutCharge   string
	TimeoutFraction float64

	AlertsEnabled bool
	AlertEmails   []string
	AlertWebhooks []string
	AlertCooldown time.Duration
}

// WithContext embeds the request context into the parent context.
func WithContext(parent context.Context, rc *Context) context.Context {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithValue(parent, Key, rc)
}

// FromContext retrieves the request context if present.
func FromContext(ctx context.Context) (*Context, bool) {
	if ctx == nil {
		return nil, false
	}
	rc, ok := ctx.Value(Key).(*Context)
	return rc, ok
}

// FiberLocalsKey returns the key used in fiber.Locals for request context storage.
func FiberLocalsKey() string {
	return fiberLocalsKey
}
