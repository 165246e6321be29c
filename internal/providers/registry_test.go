package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/storage"
)

type stubAdapter struct {
	id int
}

func (s *stubAdapter) Execute(ctx context.Context, op string, params Params, opts ExecOptions) (Result, error) {
	return Result{StatusCode: 200}, nil
}

func (s *stubAdapter) CostModel(op string, params Params, result Result) decimal.Decimal {
	return decimal.NewFromInt(1)
}

func (s *stubAdapter) IdempotencyClass(op string) IdempotencyClass {
	return ClassSafe
}

type stubBindings struct {
	bindings map[string]storage.ProviderBinding
}

func (s *stubBindings) GetProviderBinding(ctx context.Context, tenantID uuid.UUID, providerType string) (storage.ProviderBinding, error) {
	b, ok := s.bindings[providerType]
	if !ok {
		return storage.ProviderBinding{}, storage.ErrNotFound
	}
	return b, nil
}

func TestRegistryResolveUnknownType(t *testing.T) {
	reg := NewRegistry(&config.Config{}, &stubBindings{})
	_, err := reg.Resolve(context.Background(), uuid.New(), "crm")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRegistryResolveMissingBinding(t *testing.T) {
	reg := NewRegistry(&config.Config{}, &stubBindings{})
	reg.Register("crm", func(cfg *config.Config, binding storage.ProviderBinding) (Adapter, error) {
		return &stubAdapter{}, nil
	})
	_, err := reg.Resolve(context.Background(), uuid.New(), "crm")
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestRegistryCachesInstanceUntilBindingChanges(t *testing.T) {
	bindingID := uuid.New()
	updated := time.Now().UTC()
	source := &stubBindings{bindings: map[string]storage.ProviderBinding{
		"crm": {ID: bindingID, ProviderType: "crm", Adapter: "rest", UpdatedAt: updated},
	}}

	builds := 0
	reg := NewRegistry(&config.Config{}, source)
	reg.Register("crm", func(cfg *config.Config, binding storage.ProviderBinding) (Adapter, error) {
		builds++
		return &stubAdapter{id: builds}, nil
	})

	tenantID := uuid.New()
	first, err := reg.Resolve(context.Background(), tenantID, "crm")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := reg.Resolve(context.Background(), tenantID, "crm")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if first != second || builds != 1 {
		t.Fatalf("expected cached instance, builds=%d", builds)
	}

	// Credential rotation bumps updated_at and must produce a fresh instance.
	b := source.bindings["crm"]
	b.UpdatedAt = updated.Add(time.Second)
	source.bindings["crm"] = b

	third, err := reg.Resolve(context.Background(), tenantID, "crm")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if third == first || builds != 2 {
		t.Fatalf("expected rebuilt instance, builds=%d", builds)
	}
}

func TestClassFromStatus(t *testing.T) {
	cases := map[int]Class{
		401: ClassAuthFailed,
		403: ClassAuthFailed,
		429: ClassRateLimited,
		500: ClassTransient,
		503: ClassTransient,
		400: ClassPermanent,
		422: ClassPermanent,
	}
	for status, want := range cases {
		if got := ClassFromStatus(status); got != want {
			t.Fatalf("status %d: got %s want %s", status, got, want)
		}
	}
}
