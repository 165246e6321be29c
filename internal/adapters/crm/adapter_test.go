package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

func newTestAdapter(t *testing.T, handler http.Handler) providers.Adapter {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{}
	cfg.Providers.HTTPTimeout = 5 * time.Second
	adapter, err := Factory(cfg, storage.ProviderBinding{
		ProviderType: providers.TypeCRM,
		BaseURL:      server.URL,
		APIKey:       "backend-key",
	})
	require.NoError(t, err)
	return adapter
}

func TestExecuteCreateContact(t *testing.T) {
	t.Parallel()

	var gotAuth, gotMethod, gotPath string
	var gotBody map[string]any
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "c-1", "email": "a@example.com"})
	}))

	result, err := adapter.Execute(context.Background(), "create_contact",
		providers.Params{"email": "a@example.com"}, providers.ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, result.StatusCode)
	require.Equal(t, "c-1", result.Body["id"])
	require.Equal(t, "Bearer backend-key", gotAuth)
	require.Equal(t, http.MethodPost, gotMethod)
	require.Equal(t, "/contacts", gotPath)
	require.Equal(t, "a@example.com", gotBody["email"])
}

func TestExecutePathParam(t *testing.T) {
	t.Parallel()

	var gotPath string
	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]any{"id": "c-7"})
	}))

	_, err := adapter.Execute(context.Background(), "get_contact",
		providers.Params{"contact_id": "c-7"}, providers.ExecOptions{})
	require.NoError(t, err)
	require.Equal(t, "/contacts/c-7", gotPath)

	_, err = adapter.Execute(context.Background(), "get_contact", providers.Params{}, providers.ExecOptions{})
	var provErr *providers.Error
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, providers.ClassPermanent, provErr.Class)
	require.Equal(t, "bad_params", provErr.Code)
}

func TestExecuteUnknownOperation(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be reached")
	}))

	_, err := adapter.Execute(context.Background(), "delete_everything", providers.Params{}, providers.ExecOptions{})
	var provErr *providers.Error
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "unknown_operation", provErr.Code)
}

func TestExecuteClassifiesDownstreamStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		class  providers.Class
	}{
		{"server error", http.StatusBadGateway, providers.ClassTransient},
		{"throttled", http.StatusTooManyRequests, providers.ClassRateLimited},
		{"bad credentials", http.StatusUnauthorized, providers.ClassAuthFailed},
		{"validation", http.StatusUnprocessableEntity, providers.ClassPermanent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				json.NewEncoder(w).Encode(map[string]any{"error": "backend said no"})
			}))

			_, err := adapter.Execute(context.Background(), "list_deals", providers.Params{}, providers.ExecOptions{})
			var provErr *providers.Error
			require.ErrorAs(t, err, &provErr)
			require.Equal(t, tc.class, provErr.Class)
			require.Contains(t, provErr.Message, "backend said no")
		})
	}
}

func TestExecuteHonorsCallTimeout(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	start := time.Now()
	_, err := adapter.Execute(context.Background(), "list_deals", providers.Params{},
		providers.ExecOptions{Timeout: 50 * time.Millisecond})
	require.Less(t, time.Since(start), time.Second)

	var provErr *providers.Error
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, providers.ClassTransient, provErr.Class)
	require.Equal(t, "timeout", provErr.Code)
}

func TestCostAndIdempotencyTables(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, http.NewServeMux())

	require.True(t, decimal.NewFromInt(2).Equal(adapter.CostModel("create_contact", nil, providers.Result{})))
	require.True(t, decimal.NewFromInt(1).Equal(adapter.CostModel("get_contact", nil, providers.Result{})))
	require.True(t, decimal.Zero.Equal(adapter.CostModel("nope", nil, providers.Result{})))

	require.Equal(t, providers.ClassUnsafe, adapter.IdempotencyClass("create_deal"))
	require.Equal(t, providers.ClassSafe, adapter.IdempotencyClass("search_contacts"))
	// Unknown operations default to unsafe so they always demand a key.
	require.Equal(t, providers.ClassUnsafe, adapter.IdempotencyClass("nope"))
}
