package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSettings(t *testing.T) {
	out, err := parseSettings("region=us-east, api_version=2024-01")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"region": "us-east", "api_version": "2024-01"}, out)

	out, err = parseSettings("  ")
	require.NoError(t, err)
	require.Nil(t, out)

	_, err = parseSettings("no-equals-sign")
	require.Error(t, err)

	_, err = parseSettings("=value")
	require.Error(t, err)
}
