// Package audit records one immutable entry per governed request and exposes
// filtered reads over them.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrServiceUnavailable = errors.New("audit service not initialized")

// Service writes and lists audit entries.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Entry is one audit row. Detail carries outcome-specific context such as the
// error class or replay marker. TenantID is uuid.Nil for rejections recorded
// before authentication resolved a tenant.
type Entry struct {
	ID            uuid.UUID
	TenantID      uuid.UUID
	Actor         string
	ProviderType  string
	Operation     string
	Status        string
	LatencyMS     int
	CorrelationID uuid.UUID
	Timestamp     time.Time
	Detail        map[string]any
}

// Record inserts one entry. Every request gets exactly one: the governor
// writes it for governed requests, the auth middleware for rejected ones.
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if s == nil || s.pool == nil {
		return ErrServiceUnavailable
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil || entry.Detail == nil {
		detail = []byte("{}")
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_entries (
			tenant_id, actor, provider_type, operation, status,
			latency_ms, correlation_id, ts, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		nullableUUID(entry.TenantID),
		entry.Actor,
		entry.ProviderType,
		entry.Operation,
		entry.Status,
		entry.LatencyMS,
		pgtype.UUID{Bytes: entry.CorrelationID, Valid: true},
		pgtype.Timestamptz{Time: ts, Valid: true},
		detail,
	)
	return err
}

// Filter controls audit listing. Zero values are unfiltered.
type Filter struct {
	TenantID      uuid.UUID
	ProviderType  string
	Status        string
	CorrelationID uuid.UUID
	Limit         int32
	Offset        int32
}

func (s *Service) List(ctx context.Context, filter Filter) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrServiceUnavailable
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, actor, provider_type, operation, status,
		       latency_ms, correlation_id, ts, detail
		FROM audit_entries
		WHERE ($1::uuid IS NULL OR tenant_id = $1)
		  AND ($2::text IS NULL OR provider_type = $2)
		  AND ($3::text IS NULL OR status = $3)
		  AND ($4::uuid IS NULL OR correlation_id = $4)
		ORDER BY ts DESC
		OFFSET $5 LIMIT $6`,
		nullableUUID(filter.TenantID),
		nullableText(filter.ProviderType),
		nullableText(filter.Status),
		nullableUUID(filter.CorrelationID),
		filter.Offset,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var (
			entry         Entry
			id, tenant    pgtype.UUID
			correlationID pgtype.UUID
			ts            pgtype.Timestamptz
			detail        []byte
		)
		if err := rows.Scan(&id, &tenant, &entry.Actor, &entry.ProviderType, &entry.Operation,
			&entry.Status, &entry.LatencyMS, &correlationID, &ts, &detail); err != nil {
			return nil, err
		}
		entry.ID = uuid.UUID(id.Bytes)
		entry.TenantID = uuid.UUID(tenant.Bytes)
		entry.CorrelationID = uuid.UUID(correlationID.Bytes)
		entry.Timestamp = ts.Time
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &entry.Detail)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func nullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}

func nullableText(val string) pgtype.Text {
	if strings.TrimSpace(val) == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: val, Valid: true}
}
