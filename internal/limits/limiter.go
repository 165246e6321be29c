package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atlasops/bizgateway/internal/config"
)

// ErrLimitExceeded is the sentinel every scope rejection unwraps to.
var ErrLimitExceeded = errors.New("rate limit exceeded")

const bucketSize = time.Second

// Scope labels, most specific first. A request is admitted only when every
// applicable scope has headroom.
const (
	ScopeClient = "client"
	ScopeTenant = "tenant"
	ScopeGlobal = "global"
)

// LimitExceededError reports which scope rejected the request and how long the
// caller should wait before the oldest counted bucket ages out of the window.
type LimitExceededError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded on %s scope, retry after %s", e.Scope, e.RetryAfter)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// Quota carries the ceilings resolved for the authenticated tenant. Zero
// values fall back to the configured defaults.
type Quota struct {
	TenantPerWindow int
	ClientPerWindow int
	IPAllowListed   bool
}

// RateLimiter enforces sliding-window request ceilings over fixed one-second
// buckets kept in Redis, so the count stays consistent across process
// instances.
type RateLimiter struct {
	client   *redis.Client
	window   time.Duration
	defaults config.RateLimitConfig
	now      func() time.Time
}

func NewRateLimiter(client *redis.Client, cfg config.RateLimitConfig) *RateLimiter {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window < bucketSize {
		window = bucketSize
	}
	return &RateLimiter{
		client:   client,
		window:   window,
		defaults: cfg,
		now:      time.Now,
	}
}

type scopeCheck struct {
	name    string
	key     string
	ceiling int
}

// Allow admits the request when the client, tenant, and global scopes all have
// headroom. Buckets are incremented before checking; a rejection rolls back
// every increment taken for this call so rejected requests never consume
// window capacity. Allow-listed tenants skip only the client scope.
func (l *RateLimiter) Allow(ctx context.Context, tenantID, clientIP string, quota Quota) error {
	if l == nil || l.client == nil {
		return nil
	}

	checks := make([]scopeCheck, 0, 3)
	if !quota.IPAllowListed && clientIP != "" {
		checks = append(checks, scopeCheck{
			name:    ScopeClient,
			key:     fmt.Sprintf("client:%s:%s", tenantID, clientIP),
			ceiling: ceilingOr(quota.ClientPerWindow, l.defaults.DefaultClientPerWindow),
		})
	}
	checks = append(checks,
		scopeCheck{
			name:    ScopeTenant,
			key:     "tenant:" + tenantID,
			ceiling: ceilingOr(quota.TenantPerWindow, l.defaults.DefaultTenantPerWindow),
		},
		scopeCheck{
			name:    ScopeGlobal,
			key:     "global",
			ceiling: l.defaults.GlobalPerWindow,
		},
	)

	taken := make([]string, 0, len(checks))
	for _, chk := range checks {
		bucketKey, total, oldest, err := l.take(ctx, chk.key)
		if err != nil {
			l.rollback(ctx, taken)
			return err
		}
		taken = append(taken, bucketKey)
		if total > int64(chk.ceiling+l.defaults.BurstAllowance) {
			l.rollback(ctx, taken)
			if l.defaults.ViolationAlertsEnabled {
				slog.WarnContext(ctx, "rate limit violation",
					slog.String("scope", chk.name),
					slog.String("tenant_id", tenantID),
					slog.String("client_ip", clientIP),
					slog.Int("ceiling", chk.ceiling),
				)
			}
			return &LimitExceededError{Scope: chk.name, RetryAfter: l.retryAfter(oldest)}
		}
	}
	return nil
}

// take increments the current bucket for the scope and returns the bucket key,
// the window total after the increment, and the timestamp of the oldest bucket
// that contributed to the total.
func (l *RateLimiter) take(ctx context.Context, scopeKey string) (string, int64, time.Time, error) {
	bucket := l.now().UTC().Truncate(bucketSize)
	bucketKey := rateKey(scopeKey, bucket)

	cnt, err := l.client.Incr(ctx, bucketKey).Result()
	if err != nil {
		return "", 0, time.Time{}, err
	}
	if cnt == 1 {
		// Buckets outlive the window by one slot so a sum started late in a
		// second still sees them.
		l.client.Expire(ctx, bucketKey, l.window+bucketSize)
	}

	buckets := int(l.window / bucketSize)
	pipe := l.client.Pipeline()
	reads := make([]*redis.StringCmd, buckets)
	for i := 1; i < buckets; i++ {
		reads[i] = pipe.Get(ctx, rateKey(scopeKey, bucket.Add(-time.Duration(i)*bucketSize)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return bucketKey, 0, time.Time{}, err
	}

	total := cnt
	oldest := bucket
	for i := 1; i < buckets; i++ {
		v, err := reads[i].Int64()
		if err != nil {
			continue
		}
		total += v
		oldest = bucket.Add(-time.Duration(i) * bucketSize)
	}
	return bucketKey, total, oldest, nil
}

func (l *RateLimiter) rollback(ctx context.Context, bucketKeys []string) {
	for _, key := range bucketKeys {
		l.client.Decr(ctx, key)
	}
}

// retryAfter estimates how long until the oldest counted bucket slides out of
// the window. Never less than one bucket so callers do not busy-retry.
func (l *RateLimiter) retryAfter(oldest time.Time) time.Duration {
	wait := oldest.Add(l.window).Sub(l.now().UTC())
	if wait < bucketSize {
		wait = bucketSize
	}
	return wait
}

func rateKey(scopeKey string, bucket time.Time) string {
	return fmt.Sprintf("rate:%s:%d", scopeKey, bucket.Unix())
}

func ceilingOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
