// Package idempotency implements the at-most-once dedup protocol for unsafe
// provider operations. Records live in Redis so every gateway instance sees
// the same claim state.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atlasops/bizgateway/internal/config"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrKeyReuse marks a client programming error: the same idempotency key
	// arrived with a different request payload.
	ErrKeyReuse = errors.New("idempotency key reused with different request")

	// ErrPendingTimeout is returned when an identical request is still in
	// flight after the bounded wait. Callers should retry shortly.
	ErrPendingTimeout = errors.New("identical request still in flight")

	// ErrClaimLost is returned when a completion races a stale-claim reclaim.
	// The reclaiming caller's snapshot prevails.
	ErrClaimLost = errors.New("idempotency claim no longer held")
)

// Record is the stored dedup state for one idempotency key.
type Record struct {
	Fingerprint string          `json:"fingerprint"`
	Status      Status          `json:"status"`
	StatusCode  int             `json:"status_code,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
	Owner       string          `json:"owner,omitempty"`
}

// Claim is the execution right for one key. Exactly one caller holds it at a
// time; the holder must finish with Complete or Fail.
type Claim struct {
	key string
	raw string
}

// swapIfCurrent replaces the record only when the stored value is exactly the
// one the caller observed, so a claim stolen by reclaim cannot be overwritten.
var swapIfCurrent = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// deleteIfCurrent releases a claim, making the key immediately reusable.
var deleteIfCurrent = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if raw ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
return 1
`)

type Store struct {
	client *redis.Client
	cfg    config.IdempotencyConfig
	now    func() time.Time
}

func NewStore(client *redis.Client, cfg config.IdempotencyConfig) *Store {
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.PendingReclaim <= 0 {
		cfg.PendingReclaim = 30 * time.Second
	}
	if cfg.PendingWait <= 0 {
		cfg.PendingWait = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Store{client: client, cfg: cfg, now: time.Now}
}

// Fingerprint hashes the tenant, operation, and canonicalized params. Map keys
// are sorted by the JSON encoder, so equivalent payloads produce the same
// digest regardless of field order.
func Fingerprint(tenantID, operation string, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin runs the claim protocol for one key. Exactly one of claim and record
// is non-nil on success: a claim means the caller won and must execute, a
// record means a finished execution should be replayed to the caller.
func (s *Store) Begin(ctx context.Context, tenantID, key, fingerprint string) (*Claim, *Record, error) {
	redisKey := s.redisKey(tenantID, key)
	deadline := s.now().Add(s.cfg.PendingWait)

	for {
		claim, err := s.tryClaim(ctx, redisKey, fingerprint)
		if err != nil {
			return nil, nil, err
		}
		if claim != nil {
			return claim, nil, nil
		}

		record, err := s.read(ctx, redisKey)
		if err != nil {
			return nil, nil, err
		}
		if record == nil {
			// Released or expired between the failed claim and the read.
			continue
		}
		if record.Fingerprint != fingerprint {
			return nil, nil, ErrKeyReuse
		}

		switch record.Status {
		case StatusCompleted, StatusFailed:
			return nil, record, nil
		case StatusPending:
			if s.stale(record) {
				claim, err := s.reclaim(ctx, redisKey, record, fingerprint)
				if err != nil {
					return nil, nil, err
				}
				if claim != nil {
					return claim, nil, nil
				}
				// Someone else reclaimed first; observe the new state.
				continue
			}
			if s.now().After(deadline) {
				return nil, nil, ErrPendingTimeout
			}
			if err := sleepCtx(ctx, s.cfg.PollInterval); err != nil {
				return nil, nil, err
			}
		default:
			return nil, nil, fmt.Errorf("idempotency record %s has unknown status %q", key, record.Status)
		}
	}
}

// Complete stores the response snapshot and transitions pending to completed.
func (s *Store) Complete(ctx context.Context, claim *Claim, statusCode int, body []byte) error {
	return s.finish(ctx, claim, StatusCompleted, statusCode, body)
}

// Fail records the outcome of a failed execution. Transient failures release
// the key when fail_mode is "release" so the caller can retry with the same
// key; permanent failures are stored and replayed like completions.
func (s *Store) Fail(ctx context.Context, claim *Claim, statusCode int, body []byte, transient bool) error {
	if transient && s.cfg.FailMode != "keep" {
		return s.release(ctx, claim)
	}
	return s.finish(ctx, claim, StatusFailed, statusCode, body)
}

func (s *Store) tryClaim(ctx context.Context, redisKey, fingerprint string) (*Claim, error) {
	now := s.now().UnixMilli()
	record := Record{
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		Owner:       uuid.NewString(),
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	ok, err := s.client.SetNX(ctx, redisKey, raw, s.cfg.Retention).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Claim{key: redisKey, raw: string(raw)}, nil
}

func (s *Store) read(ctx context.Context, redisKey string) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &record, nil
}

// reclaim takes over a pending record whose owner crashed before finishing.
// The swap only succeeds against the exact bytes we observed, so two reclaim
// attempts cannot both win.
func (s *Store) reclaim(ctx context.Context, redisKey string, observed *Record, fingerprint string) (*Claim, error) {
	observedRaw, err := json.Marshal(observed)
	if err != nil {
		return nil, err
	}
	now := s.now().UnixMilli()
	next := Record{
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   observed.CreatedAt,
		UpdatedAt:   now,
		Owner:       uuid.NewString(),
	}
	nextRaw, err := json.Marshal(next)
	if err != nil {
		return nil, err
	}
	won, err := swapIfCurrent.Run(ctx, s.client, []string{redisKey},
		string(observedRaw), string(nextRaw), s.cfg.Retention.Milliseconds()).Int()
	if err != nil {
		return nil, err
	}
	if won == 0 {
		return nil, nil
	}
	return &Claim{key: redisKey, raw: string(nextRaw)}, nil
}

func (s *Store) finish(ctx context.Context, claim *Claim, status Status, statusCode int, body []byte) error {
	var record Record
	if err := json.Unmarshal([]byte(claim.raw), &record); err != nil {
		return fmt.Errorf("decode held claim: %w", err)
	}
	record.Status = status
	record.StatusCode = statusCode
	record.Body = body
	record.UpdatedAt = s.now().UnixMilli()
	record.Owner = ""
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	won, err := swapIfCurrent.Run(ctx, s.client, []string{claim.key},
		claim.raw, string(raw), s.cfg.Retention.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if won == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *Store) release(ctx context.Context, claim *Claim) error {
	won, err := deleteIfCurrent.Run(ctx, s.client, []string{claim.key}, claim.raw).Int()
	if err != nil {
		return err
	}
	if won == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *Store) stale(record *Record) bool {
	age := s.now().Sub(time.UnixMilli(record.UpdatedAt))
	return age > s.cfg.PendingReclaim
}

func (s *Store) redisKey(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
