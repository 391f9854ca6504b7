package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/reportsync/internal/server"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append(args, "--env-file", ""))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestToken(t *testing.T) {
	t.Setenv("REPORTSYNC_JWT_SECRET", "s3cret")

	out, err := run(t, "token", "device-1")
	require.NoError(t, err)

	claims, err := server.NewAuthenticator("s3cret", time.Hour, "").VerifyToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "device-1", claims.DeviceID)
}

func TestToken_requiresSecret(t *testing.T) {
	_, err := run(t, "token", "device-1")
	assert.ErrorContains(t, err, "jwt_secret")
}

func TestHashKey(t *testing.T) {
	out, err := run(t, "hash-key", "classroom-key-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "$2a$"))

	_, err = run(t, "hash-key", "short")
	assert.Error(t, err)
}
