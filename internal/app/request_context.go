package app

import (
	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/requestctx"
	"github.com/atlasops/bizgateway/internal/storage"
)

// BuildRequestContext translates a tenant row and the authenticated API key
// into the runtime request context carried through the pipeline. Tenant-level
// overrides win; zero values fall back to the configured defaults.
func BuildRequestContext(cfg *config.Config, tenant storage.Tenant, key storage.APIKey) *requestctx.Context {
	rc := &requestctx.Context{
		TenantID:     tenant.ID,
		TenantSlug:   tenant.Slug,
		APIKeyID:     key.ID,
		APIKeyPrefix: key.Prefix,

		PlanCreditsMicro: tenant.PlanCreditsMicro,
		BudgetEnforced:   tenant.BudgetEnforced,
		RefreshSchedule:  tenant.RefreshSchedule,

		RequestsPerWindow: tenant.RequestsPerWindow,
		ClientPerWindow:   tenant.ClientPerWindow,
		IPAllowListed:     tenant.IPAllowListed,

		TimeoutCharge:   tenant.TimeoutCharge,
		TimeoutFraction: tenant.TimeoutFraction,

		AlertsEnabled: tenant.AlertsEnabled,
		AlertEmails:   tenant.AlertEmails,
		AlertWebhooks: tenant.AlertWebhooks,
		AlertCooldown: cfg.Budgets.Alert.Cooldown,
	}

	if rc.RefreshSchedule == "" {
		rc.RefreshSchedule = cfg.Budgets.RefreshSchedule
	}
	if !rc.AlertsEnabled && cfg.Budgets.Alert.Enabled {
		// Platform-wide alerting covers tenants that have not opted out but
		// have no channels of their own.
		if len(rc.AlertEmails) == 0 && len(rc.AlertWebhooks) == 0 {
			rc.AlertsEnabled = cfg.Budgets.Alert.Enabled
			rc.AlertEmails = cfg.Budgets.Alert.Emails
			rc.AlertWebhooks = cfg.Budgets.Alert.Webhooks
		}
	}
	return rc
}
