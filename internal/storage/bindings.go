package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ProviderBinding relates a tenant and provider type to a concrete adapter
// configuration. Read on every request resolution.
type ProviderBinding struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	ProviderType string
	Adapter      string
	BaseURL      string
	APIKey       string
	Settings     map[string]string
	Enabled      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (s *Store) UpsertProviderBinding(ctx context.Context, b ProviderBinding) (ProviderBinding, error) {
	settings, err := json.Marshal(orEmpty(b.Settings))
	if err != nil {
		return ProviderBinding{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO provider_bindings (tenant_id, provider_type, adapter, base_url, api_key, settings, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, provider_type) DO UPDATE SET
			adapter = EXCLUDED.adapter,
			base_url = EXCLUDED.base_url,
			api_key = EXCLUDED.api_key,
			settings = EXCLUDED.settings,
			enabled = EXCLUDED.enabled,
			updated_at = now()
		RETURNING id, tenant_id, provider_type, adapter, base_url, api_key, settings, enabled, created_at, updated_at`,
		b.TenantID, b.ProviderType, b.Adapter, b.BaseURL, b.APIKey, settings, b.Enabled,
	)
	return scanBinding(row)
}

func (s *Store) GetProviderBinding(ctx context.Context, tenantID uuid.UUID, providerType string) (ProviderBinding, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, provider_type, adapter, base_url, api_key, settings, enabled, created_at, updated_at
		FROM provider_bindings
		WHERE tenant_id = $1 AND provider_type = $2 AND enabled`, tenantID, providerType)
	binding, err := scanBinding(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ProviderBinding{}, ErrNotFound
		}
		return ProviderBinding{}, err
	}
	return binding, nil
}

func (s *Store) ListProviderBindings(ctx context.Context, tenantID uuid.UUID) ([]ProviderBinding, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, provider_type, adapter, base_url, api_key, settings, enabled, created_at, updated_at
		FROM provider_bindings WHERE tenant_id = $1 ORDER BY provider_type`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []ProviderBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

func scanBinding(row pgx.Row) (ProviderBinding, error) {
	var b ProviderBinding
	var settings []byte
	err := row.Scan(&b.ID, &b.TenantID, &b.ProviderType, &b.Adapter, &b.BaseURL, &b.APIKey,
		&settings, &b.Enabled, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return ProviderBinding{}, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &b.Settings); err != nil {
			return ProviderBinding{}, err
		}
	}
	return b, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
