package llm

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

func TestFactoryKeyFallback(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}

	_, err := Factory(cfg, storage.ProviderBinding{})
	require.ErrorContains(t, err, "no api key")

	// Binding without a key uses the platform credentials.
	cfg.Providers.OpenAIKey = "platform-key"
	adapter, err := Factory(cfg, storage.ProviderBinding{})
	require.NoError(t, err)
	require.NotNil(t, adapter)

	// A tenant-supplied key still wins.
	adapter, err = Factory(cfg, storage.ProviderBinding{APIKey: "tenant-key"})
	require.NoError(t, err)
	require.NotNil(t, adapter)
}

func TestFactoryRejectsBadRate(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	_, err := Factory(cfg, storage.ProviderBinding{
		APIKey:   "k",
		Settings: map[string]string{"credits_per_1k_tokens": "lots"},
	})
	require.ErrorContains(t, err, "invalid credits_per_1k_tokens")

	_, err = Factory(cfg, storage.ProviderBinding{
		APIKey:   "k",
		Settings: map[string]string{"credits_per_1k_tokens": "-1"},
	})
	require.ErrorContains(t, err, "invalid credits_per_1k_tokens")
}

func TestCostModelScalesWithTokens(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	adapter, err := Factory(cfg, storage.ProviderBinding{
		APIKey:   "k",
		Settings: map[string]string{"credits_per_1k_tokens": "2"},
	})
	require.NoError(t, err)

	// 1500 tokens at 2 credits per 1k.
	got := adapter.CostModel(opChatCompletion, nil, providers.Result{Units: 1500})
	require.True(t, decimal.NewFromInt(3).Equal(got), "got %s", got)

	// Zero-usage responses floor at the minimum charge.
	got = adapter.CostModel(opChatCompletion, nil, providers.Result{})
	require.True(t, decimal.New(1, -2).Equal(got), "got %s", got)
}

func TestParamDecoding(t *testing.T) {
	t.Parallel()

	_, err := chatMessagesFrom(providers.Params{})
	require.ErrorContains(t, err, "messages required")

	_, err = chatMessagesFrom(providers.Params{"messages": []any{
		map[string]any{"role": "user", "content": ""},
	}})
	require.ErrorContains(t, err, "content required")

	msgs, err := chatMessagesFrom(providers.Params{"messages": []any{
		map[string]any{"role": "system", "content": "be brief"},
		map[string]any{"content": "hello"},
	}})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	inputs, err := embedInputsFrom(providers.Params{"input": "text"})
	require.NoError(t, err)
	require.Equal(t, []string{"text"}, inputs)

	_, err = embedInputsFrom(providers.Params{"input": []any{"a", 7}})
	require.ErrorContains(t, err, "must be a non-empty string")
}
