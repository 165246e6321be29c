package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratedKeyRoundTrips(t *testing.T) {
	prefix, secret, token, err := GenerateAPIKey()
	require.NoError(t, err)
	require.Len(t, prefix, apiKeyPrefixLength)
	require.Len(t, secret, apiKeySecretLength)
	require.True(t, strings.HasPrefix(token, apiKeyScheme))

	gotPrefix, gotSecret, err := SplitAPIKey(token)
	require.NoError(t, err)
	require.Equal(t, prefix, gotPrefix)
	require.Equal(t, secret, gotSecret)

	hash, err := HashSecret(secret)
	require.NoError(t, err)

	ok, err := VerifySecret(secret, hash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = VerifySecret(secret+"x", hash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSplitAPIKeyRejectsMalformedTokens(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"wrong scheme":   "sk-abc.def",
		"no separator":   "bg-abcdef",
		"empty prefix":   "bg-.secret",
		"empty secret":   "bg-prefix.",
		"missing secret": "bg-prefix",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := SplitAPIKey(token)
			require.Error(t, err)
		})
	}
}

func TestGeneratedKeysAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 32; i++ {
		prefix, _, _, err := GenerateAPIKey()
		require.NoError(t, err)
		require.False(t, seen[prefix], "duplicate prefix %s", prefix)
		seen[prefix] = true
	}
}

func TestHashSecretSaltsEachCall(t *testing.T) {
	first, err := HashSecret("topsecret")
	require.NoError(t, err)
	second, err := HashSecret("topsecret")
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	for _, hash := range []string{first, second} {
		ok, err := VerifySecret("topsecret", hash)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestVerifySecretRejectsBadEncodings(t *testing.T) {
	_, err := VerifySecret("secret", "not-a-hash")
	require.Error(t, err)

	_, err = VerifySecret("", "argon2id$v=19$m=1,t=1,p=1$AA$AA")
	require.Error(t, err)
}
