package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c50bossio/hybrid-payments/internal/middleware"
	"github.com/c50bossio/hybrid-payments/internal/service"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--merchant", "m1", "--ttl", "5m")
	require.NoError(t, err)

	claims := &middleware.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte("cli-secret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", claims.MerchantID)
	assert.Equal(t, middleware.RoleMerchant, claims.Role)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := run(t, "token", "--merchant", "m1")
	assert.ErrorContains(t, err, "JWT_SECRET")
}

func TestCollectionsRun_MemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")

	out, err := run(t, "collections", "run", "--as-of", "2026-01-31T00:00:00Z")
	require.NoError(t, err)
	var sum service.RunSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum), out)
	assert.Zero(t, sum.Created)

	_, err = run(t, "collections", "run", "--as-of", "last tuesday")
	assert.ErrorContains(t, err, "--as-of")
}

func TestSeed_RequiresPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")
	_, err := run(t, "seed")
	assert.ErrorContains(t, err, "STORE_DRIVER=postgres")
}
