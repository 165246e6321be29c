package email

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atlasops/bizgateway/internal/config"
	"github.com/atlasops/bizgateway/internal/providers"
	"github.com/atlasops/bizgateway/internal/storage"
)

func TestFactoryValidatesBinding(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}

	_, err := Factory(cfg, storage.ProviderBinding{Settings: map[string]string{"from": "noreply@example.com"}})
	require.ErrorContains(t, err, "smtp host required")

	_, err = Factory(cfg, storage.ProviderBinding{Settings: map[string]string{"host": "mail.example.com"}})
	require.ErrorContains(t, err, "from address required")

	_, err = Factory(cfg, storage.ProviderBinding{Settings: map[string]string{
		"host": "mail.example.com", "from": "noreply@example.com", "port": "smtp",
	}})
	require.ErrorContains(t, err, "invalid smtp port")

	adapter, err := Factory(cfg, storage.ProviderBinding{Settings: map[string]string{
		"host": "mail.example.com", "from": "noreply@example.com",
	}})
	require.NoError(t, err)
	require.Equal(t, providers.ClassUnsafe, adapter.IdempotencyClass(opSendMessage))
}

func TestRecipientsFrom(t *testing.T) {
	t.Parallel()

	got, err := recipientsFrom(providers.Params{"to": "one@example.com"})
	require.NoError(t, err)
	require.Equal(t, []string{"one@example.com"}, got)

	// JSON bodies decode lists as []any.
	got, err = recipientsFrom(providers.Params{"to": []any{"one@example.com", " two@example.com ", ""}})
	require.NoError(t, err)
	require.Equal(t, []string{"one@example.com", "two@example.com"}, got)

	_, err = recipientsFrom(providers.Params{})
	require.ErrorContains(t, err, "to required")

	_, err = recipientsFrom(providers.Params{"to": []any{""}})
	require.ErrorContains(t, err, "at least one recipient")
}

func TestCostModelPerRecipient(t *testing.T) {
	t.Parallel()

	adapter := &Adapter{}
	require.True(t, decimal.NewFromInt(3).Equal(adapter.CostModel(opSendMessage, nil, providers.Result{Units: 3})))
	require.True(t, decimal.NewFromInt(1).Equal(adapter.CostModel(opSendMessage, nil, providers.Result{})))
	require.True(t, decimal.Zero.Equal(adapter.CostModel("other", nil, providers.Result{Units: 3})))
}

func TestBuildMessageHeaders(t *testing.T) {
	t.Parallel()

	msg := string(buildMessage("noreply@example.com", []string{"a@example.com", "b@example.com"}, "Invoice", "ready"))
	require.Contains(t, msg, "From: noreply@example.com\r\n")
	require.Contains(t, msg, "To: a@example.com,b@example.com\r\n")
	require.Contains(t, msg, "Subject: Invoice\r\n")
	require.Contains(t, msg, "\r\n\r\nready\r\n")
}
