package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKey authenticates a caller and resolves it to a tenant.
type APIKey struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Prefix     string
	SecretHash string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

func (s *Store) CreateAPIKey(ctx context.Context, tenantID uuid.UUID, name, prefix, secretHash string) (APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (tenant_id, name, prefix, secret_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, tenant_id, name, prefix, secret_hash, created_at, last_used_at, revoked_at`,
		tenantID, name, prefix, secretHash,
	)
	key, err := scanAPIKey(row)
	if err != nil {
		if isUniqueViolation(err) {
			return APIKey{}, ErrAlreadyExists
		}
		return APIKey{}, err
	}
	return key, nil
}

func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (APIKey, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, prefix, secret_hash, created_at, last_used_at, revoked_at
		FROM api_keys WHERE prefix = $1`, prefix)
	key, err := scanAPIKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, ErrNotFound
		}
		return APIKey{}, err
	}
	return key, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE id = $1`, id)
	return err
}

func (s *Store) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row pgx.Row) (APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.TenantID, &k.Name, &k.Prefix, &k.SecretHash, &k.CreatedAt, &k.LastUsedAt, &k.RevokedAt)
	return k, err
}
