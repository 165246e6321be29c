package limits

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/atlasops/bizgateway/internal/config"
)

func newTestLimiter(t *testing.T, cfg config.RateLimitConfig) (*RateLimiter, *redis.Client, func()) {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	limiter := NewRateLimiter(client, cfg)
	cleanup := func() {
		client.Close()
		server.Close()
	}
	return limiter, client, cleanup
}

func TestAllowEnforcesTenantCeiling(t *testing.T) {
	limiter, _, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 2,
		DefaultClientPerWindow: 100,
		GlobalPerWindow:        100,
	})
	defer cleanup()

	ctx := context.Background()
	quota := Quota{}

	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("second request should pass: %v", err)
	}

	err := limiter.Allow(ctx, "t1", "10.0.0.1", quota)
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %T", err)
	}
	if limitErr.Scope != ScopeTenant {
		t.Fatalf("expected tenant scope rejection, got %s", limitErr.Scope)
	}
	if limitErr.RetryAfter <= 0 || limitErr.RetryAfter > 61*time.Second {
		t.Fatalf("retry after out of range: %s", limitErr.RetryAfter)
	}
}

func TestAllowChecksClientScopeFirst(t *testing.T) {
	limiter, _, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 100,
		DefaultClientPerWindow: 1,
		GlobalPerWindow:        100,
	})
	defer cleanup()

	ctx := context.Background()
	quota := Quota{}

	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}

	var limitErr *LimitExceededError
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); !errors.As(err, &limitErr) || limitErr.Scope != ScopeClient {
		t.Fatalf("expected client scope rejection, got %v", err)
	}

	// A different IP under the same tenant has its own client bucket.
	if err := limiter.Allow(ctx, "t1", "10.0.0.2", quota); err != nil {
		t.Fatalf("other client should pass: %v", err)
	}
}

func TestAllowListBypassesOnlyClientScope(t *testing.T) {
	limiter, _, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 2,
		DefaultClientPerWindow: 1,
		GlobalPerWindow:        100,
	})
	defer cleanup()

	ctx := context.Background()
	quota := Quota{IPAllowListed: true}

	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	// Would be rejected at the client scope without the allow-list.
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("second request should bypass client scope: %v", err)
	}

	// The tenant ceiling still applies.
	var limitErr *LimitExceededError
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); !errors.As(err, &limitErr) || limitErr.Scope != ScopeTenant {
		t.Fatalf("expected tenant scope rejection, got %v", err)
	}
}

func TestAllowQuotaOverridesDefaults(t *testing.T) {
	limiter, _, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 1,
		DefaultClientPerWindow: 100,
		GlobalPerWindow:        100,
	})
	defer cleanup()

	ctx := context.Background()
	quota := Quota{TenantPerWindow: 3}

	for i := 0; i < 3; i++ {
		if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
			t.Fatalf("request %d should pass under override: %v", i+1, err)
		}
	}
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit error after override exhausted, got %v", err)
	}
}

func TestAllowRollsBackRejectedIncrements(t *testing.T) {
	limiter, client, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 1,
		DefaultClientPerWindow: 100,
		GlobalPerWindow:        100,
	})
	defer cleanup()

	ctx := context.Background()
	quota := Quota{}

	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "t1", "10.0.0.1", quota); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected limit error, got %v", err)
	}

	// The rejected call must not leave its increments behind in any scope.
	bucket := time.Now().UTC().Truncate(time.Second)
	for _, scopeKey := range []string{"client:t1:10.0.0.1", "tenant:t1", "global"} {
		count := windowTotal(t, client, scopeKey, bucket, 60)
		if count != 1 {
			t.Fatalf("scope %s: expected window total 1 after rollback, got %d", scopeKey, count)
		}
	}
}

func TestAllowGlobalCeilingSharedAcrossTenants(t *testing.T) {
	limiter, _, cleanup := newTestLimiter(t, config.RateLimitConfig{
		WindowSeconds:          60,
		DefaultTenantPerWindow: 100,
		DefaultClientPerWindow: 100,
		GlobalPerWindow:        2,
	})
	defer cleanup()

	ctx := context.Background()

	if err := limiter.Allow(ctx, "t1", "10.0.0.1", Quota{}); err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if err := limiter.Allow(ctx, "t2", "10.0.0.2", Quota{}); err != nil {
		t.Fatalf("second request should pass: %v", err)
	}

	var limitErr *LimitExceededError
	if err := limiter.Allow(ctx, "t3", "10.0.0.3", Quota{}); !errors.As(err, &limitErr) || limitErr.Scope != ScopeGlobal {
		t.Fatalf("expected global scope rejection, got %v", err)
	}
}

func windowTotal(t *testing.T, client *redis.Client, scopeKey string, bucket time.Time, buckets int) int64 {
	t.Helper()
	ctx := context.Background()
	var total int64
	for i := 0; i < buckets; i++ {
		v, err := client.Get(ctx, rateKey(scopeKey, bucket.Add(-time.Duration(i)*time.Second))).Int64()
		if err != nil {
			continue
		}
		total += v
	}
	return total
}
