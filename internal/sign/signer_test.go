// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sign

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	payload := "ZS-AAAA-BBBB-CCCC-DDDD42abc2026-01-01T00:00:00Z"
	signature, err := signer.Sign(payload)
	require.NoError(t, err)

	assert.True(t, signer.Verify(payload, signature))
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	signer, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	signature, err := signer.Sign("original payload")
	require.NoError(t, err)

	assert.False(t, signer.Verify("tampered payload", signature))
}

func TestVerifyRejectsGarbageSignature(t *testing.T) {
	signer, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	assert.False(t, signer.Verify("payload", "not-base64!!"))
	assert.False(t, signer.Verify("payload", ""))
}

func TestLoadOrCreatePersistsKeypair(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreate(dir)
	require.NoError(t, err)

	signature, err := first.Sign("payload")
	require.NoError(t, err)

	// A second load must pick up the same keypair, not generate a new one.
	second, err := LoadOrCreate(dir)
	require.NoError(t, err)

	assert.True(t, second.Verify("payload", signature))
}

func TestPrivateKeyFilePermissions(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "private_key.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestProofString(t *testing.T) {
	expiry := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	got := ProofString("ZS-AAAA-BBBB-CCCC-DDDD", 42, "fp", expiry)

	assert.Equal(t, "ZS-AAAA-BBBB-CCCC-DDDD42fp2026-03-15T10:30:00Z", got)
}

func TestProofStringNormalizesTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	local := time.Date(2026, 3, 15, 13, 30, 0, 0, loc)
	utc := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

	assert.Equal(t, ProofString("K", 1, "fp", utc), ProofString("K", 1, "fp", local))
}
