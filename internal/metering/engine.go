// Package metering owns usage accounting: converting adapter cost into
// micro-credits, persisting usage rows, and evaluating plan budgets.
package metering

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/requestctx"
	"github.com/atlasops/bizgateway/internal/timeutil"
)

// ErrBudgetExceeded rejects a request before it reaches the provider when the
// tenant's enforced plan is exhausted.
var ErrBudgetExceeded = errors.New("plan credits exhausted")

type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeTimeout       Outcome = "timeout"
	OutcomeProviderError Outcome = "provider_error"
)

// Engine computes charges and evaluates budgets against the usage table.
type Engine struct {
	pool    *pgxpool.Pool
	budgets config.BudgetConfig
	policy  config.MeteringConfig
	loc     *time.Location
	now     func() time.Time
}

// NewEngine builds the metering engine. Billing period boundaries fall at
// midnight in the reporting timezone; an unknown zone falls back to UTC.
func NewEngine(pool *pgxpool.Pool, budgets config.BudgetConfig, policy config.MeteringConfig, reporting config.ReportingConfig) *Engine {
	loc, err := time.LoadLocation(reporting.Timezone)
	if err != nil {
		loc = nil
	}
	return &Engine{
		pool:    pool,
		budgets: budgets,
		policy:  policy,
		loc:     timeutil.EnsureLocation(loc),
		now:     time.Now,
	}
}

// ChargeInput describes one provider invocation to be metered.
type ChargeInput struct {
	ProviderType   string
	Operation      string
	Outcome        Outcome
	Credits        decimal.Decimal
	Units          int64
	LatencyMS      int
	CorrelationID  uuid.UUID
	IdempotencyKey string
}

// Charge applies the timeout policy, persists a usage row, and returns the
// micro-credits actually charged. Every request that reached a provider gets a
// row, success or not.
func (e *Engine) Charge(ctx context.Context, rc *requestctx.Context, input ChargeInput) (int64, error) {
	if rc == nil {
		return 0, errors.New("metering: request context missing")
	}

	charged := ToMicro(e.chargeableCredits(rc, input.Credits, input.Outcome))

	metadata, err := json.Marshal(map[string]any{"units": input.Units})
	if err != nil {
		metadata = []byte("{}")
	}

	_, err = e.pool.Exec(ctx, `
		INSERT INTO usage_records (
			tenant_id, api_key_id, ts, provider_type, operation,
			credits_micro, outcome, latency_ms, correlation_id, idempotency_key, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		pgUUID(rc.TenantID),
		pgNullableUUID(rc.APIKeyID),
		pgtype.Timestamptz{Time: e.now().UTC(), Valid: true},
		input.ProviderType,
		input.Operation,
		charged,
		string(input.Outcome),
		input.LatencyMS,
		pgUUID(input.CorrelationID),
		input.IdempotencyKey,
		metadata,
	)
	if err != nil {
		return 0, err
	}
	return charged, nil
}

// chargeableCredits scales the adapter's cost for requests that timed out at
// the gateway. The provider may have done the work even though we gave up
// waiting, so the charge policy is explicit rather than all-or-nothing.
func (e *Engine) chargeableCredits(rc *requestctx.Context, credits decimal.Decimal, outcome Outcome) decimal.Decimal {
	if outcome != OutcomeTimeout {
		return credits
	}
	policy := e.policy.TimeoutCharge
	fraction := e.policy.TimeoutFraction
	if rc.TimeoutCharge != "" {
		policy = rc.TimeoutCharge
		fraction = rc.TimeoutFraction
	}
	switch policy {
	case "none":
		return decimal.Zero
	case "full":
		return credits
	default:
		if fraction <= 0 || fraction > 1 {
			fraction = 0.5
		}
		return credits.Mul(decimal.NewFromFloat(fraction))
	}
}

// BudgetStatus reports current-period usage against the tenant's plan.
type BudgetStatus struct {
	UsedMicro  int64
	LimitMicro int64
	Fraction   float64
	Threshold  float64
	Warning    bool
	Exceeded   bool
	Period     string
}

// Check sums current-period usage and compares it against the effective plan
// ceiling. Called before execution to gate exhausted tenants and after each
// charge to drive warning alerts.
func (e *Engine) Check(ctx context.Context, rc *requestctx.Context, now time.Time) (BudgetStatus, error) {
	if rc == nil {
		return BudgetStatus{}, errors.New("metering: request context missing")
	}

	limit := rc.PlanCreditsMicro
	if limit <= 0 {
		limit = ToMicro(decimal.NewFromFloat(e.budgets.DefaultCredits))
	}
	if limit <= 0 {
		return BudgetStatus{}, errors.New("metering: no plan ceiling configured")
	}

	schedule := rc.RefreshSchedule
	if schedule == "" {
		schedule = e.budgets.RefreshSchedule
	}
	schedule = config.NormalizeRefreshSchedule(schedule)
	start, end := timeutil.PeriodBounds(now, schedule, e.loc)

	var used int64
	err := e.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(credits_micro), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND ts >= $2 AND ts < $3`,
		pgUUID(rc.TenantID),
		pgtype.Timestamptz{Time: start, Valid: true},
		pgtype.Timestamptz{Time: end, Valid: true},
	).Scan(&used)
	if err != nil {
		return BudgetStatus{}, err
	}

	return evaluate(used, limit, e.budgets.WarningThresholds, schedule), nil
}

// Gate rejects the request when the plan is exhausted and enforcement is on.
// Zero credits are spent on a request turned away here.
func (e *Engine) Gate(status BudgetStatus, rc *requestctx.Context) error {
	if status.Exceeded && rc != nil && rc.BudgetEnforced {
		return ErrBudgetExceeded
	}
	return nil
}

func evaluate(used, limit int64, thresholds []float64, period string) BudgetStatus {
	status := BudgetStatus{
		UsedMicro:  used,
		LimitMicro: limit,
		Fraction:   float64(used) / float64(limit),
		Period:     period,
	}
	if used >= limit {
		status.Exceeded = true
		status.Threshold = 1
		return status
	}
	for _, threshold := range thresholds {
		if threshold <= 0 || threshold >= 1 {
			continue
		}
		if status.Fraction >= threshold && threshold > status.Threshold {
			status.Warning = true
			status.Threshold = threshold
		}
	}
	return status
}

// ProviderTotal is one row of the usage summary surfaced to tenants.
type ProviderTotal struct {
	ProviderType string `json:"provider_type"`
	Operation    string `json:"operation"`
	Requests     int64  `json:"requests"`
	CreditsMicro int64  `json:"credits_micro"`
}

// Summary aggregates current-period usage by provider and operation.
func (e *Engine) Summary(ctx context.Context, rc *requestctx.Context, now time.Time) (BudgetStatus, []ProviderTotal, error) {
	status, err := e.Check(ctx, rc, now)
	if err != nil {
		return BudgetStatus{}, nil, err
	}

	start, end := timeutil.PeriodBounds(now, status.Period, e.loc)
	rows, err := e.pool.Query(ctx, `
		SELECT provider_type, operation, COUNT(*), COALESCE(SUM(credits_micro), 0)
		FROM usage_records
		WHERE tenant_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY provider_type, operation
		ORDER BY provider_type, operation`,
		pgUUID(rc.TenantID),
		pgtype.Timestamptz{Time: start, Valid: true},
		pgtype.Timestamptz{Time: end, Valid: true},
	)
	if err != nil {
		return BudgetStatus{}, nil, err
	}
	defer rows.Close()

	var totals []ProviderTotal
	for rows.Next() {
		var row ProviderTotal
		if err := rows.Scan(&row.ProviderType, &row.Operation, &row.Requests, &row.CreditsMicro); err != nil {
			return BudgetStatus{}, nil, err
		}
		totals = append(totals, row)
	}
	return status, totals, rows.Err()
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func pgNullableUUID(id uuid.UUID) pgtype.UUID {
	if id == uuid.Nil {
		return pgtype.UUID{}
	}
	return pgUUID(id)
}
