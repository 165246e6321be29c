package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const (
	apiKeyPrefixLength = 10
	apiKeySecretLength = 48
	apiKeyScheme       = "bg-"
	alphabet           = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateAPIKey returns the random prefix, secret, and encoded token for a new API key.
func GenerateAPIKey() (string, string, string, error) {
	prefix, err := randomString(apiKeyPrefixLength)
	if err != nil {
		return "", "", "", err
	}
	secret, err := randomString(apiKeySecretLength)
	if err != nil {
		return "", "", "", err
	}
	token := fmt.Sprintf("%s%s.%s", apiKeyScheme, prefix, secret)
	return prefix, secret, token, nil
}

// SplitAPIKey decomposes an inbound bearer token into its prefix and secret.
func SplitAPIKey(token string) (string, string, error) {
	if token == "" {
		return "", "", errors.New("api key required")
	}

	withoutScheme := strings.TrimPrefix(token, apiKeyScheme)
	if withoutScheme == token {
		return "", "", fmt.Errorf("api key must start with %s", apiKeyScheme)
	}

	parts := strings.SplitN(withoutScheme, ".", 2)
	if len(parts) != 2 {
		return "", "", errors.New("api key format invalid")
	}

	prefix := parts[0]
	secret := strings.TrimSpace(parts[1])
	if prefix == "" || secret == "" {
		return "", "", errors.New("api key format invalid")
	}

	return prefix, secret, nil
}

func randomString(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
