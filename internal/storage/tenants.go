package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	TenantStatusActive    = "active"
	TenantStatusSuspended = "suspended"
)

// Tenant is the identity boundary for quotas, credentials, and usage.
// Tenants are never deleted; Disable soft-disables them so audit and billing
// history stays intact.
type Tenant struct {
	ID               uuid.UUID
	Slug             string
	Name             string
	Plan             string
	Status           string
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

	CreatedAt  time.Time
	UpdatedAt  time.Time
	DisabledAt *time.Time
}

const tenantColumns = `id, slug, name, plan, status, plan_credits_micro, budget_enforced,
	refresh_schedule, requests_per_window, client_per_window, ip_allow_listed,
	timeout_charge, timeout_fraction, alerts_enabled, alert_emails, alert_webhooks,
	created_at, updated_at, disabled_at`

func (s *Store) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (slug, name, plan, status, plan_credits_micro, budget_enforced,
			refresh_schedule, requests_per_window, client_per_window, ip_allow_listed,
			timeout_charge, timeout_fraction, alerts_enabled, alert_emails, alert_webhooks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING `+tenantColumns,
		t.Slug, t.Name, t.Plan, t.Status, t.PlanCreditsMicro, t.BudgetEnforced,
		t.RefreshSchedule, t.RequestsPerWindow, t.ClientPerWindow, t.IPAllowListed,
		t.TimeoutCharge, t.TimeoutFraction, t.AlertsEnabled, t.AlertEmails, t.AlertWebhooks,
	)
	out, err := scanTenant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return Tenant{}, ErrAlreadyExists
		}
		return Tenant{}, err
	}
	return out, nil
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	return tenantOrNotFound(scanTenant(row))
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug)
	return tenantOrNotFound(scanTenant(row))
}

// DisableTenant marks the tenant suspended without removing its history.
func (s *Store) DisableTenant(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET status = $2, disabled_at = now(), updated_at = now()
		WHERE id = $1`, id, TenantStatusSuspended)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantPlan applies a plan change (tier, included credits, enforcement).
func (s *Store) UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan string, creditsMicro int64, enforced bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tenants SET plan = $2, plan_credits_micro = $3, budget_enforced = $4, updated_at = now()
		WHERE id = $1`, id, plan, creditsMicro, enforced)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func tenantOrNotFound(t Tenant, err error) (Tenant, error) {
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, ErrNotFound
		}
		return Tenant{}, err
	}
	return t, nil
}

func scanTenant(row pgx.Row) (Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.ID, &t.Slug, &t.Name, &t.Plan, &t.Status, &t.PlanCreditsMicro, &t.BudgetEnforced,
		&t.RefreshSchedule, &t.RequestsPerWindow, &t.ClientPerWindow, &t.IPAllowListed,
		&t.TimeoutCharge, &t.TimeoutFraction, &t.AlertsEnabled, &t.AlertEmails, &t.AlertWebhooks,
		&t.CreatedAt, &t.UpdatedAt, &t.DisabledAt,
	)
	return t, err
}
