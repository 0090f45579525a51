package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSignedURLRoundTrip(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)

	token, expires, err := signer.Generate("esc-1", "2025/esc-1.pdf")
	require.NoError(t, err)
	require.True(t, expires.After(time.Now()))

	recordID, relPath, _, err := signer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "esc-1", recordID)
	require.Equal(t, "2025/esc-1.pdf", relPath)
}

func TestSignedURLRejectsTampering(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	token, _, err := signer.Generate("esc-1", "2025/esc-1.pdf")
	require.NoError(t, err)

	_, _, _, err = signer.Parse(token + "x")
	require.Error(t, err)

	other := NewSignedURLSigner("different", time.Minute)
	_, _, _, err = other.Parse(token)
	require.Error(t, err)
}

func TestSignedURLRejectsExpired(t *testing.T) {
	signer := NewSignedURLSigner("secret", time.Minute)
	signer.ttl = -time.Minute
	token, _, err := signer.Generate("esc-1", "2025/esc-1.pdf")
	require.NoError(t, err)

	_, _, _, err = signer.Parse(token)
	require.Error(t, err)
}
