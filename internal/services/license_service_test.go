// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstok/keygate/internal/database"
	"github.com/zstok/keygate/internal/models"
	"github.com/zstok/keygate/internal/sign"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type testEnv struct {
	licenses    *LicenseService
	trials      *TrialService
	activations *models.ActivationStore
	signer      *sign.Signer
	clock       *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := sign.LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	conn := db.Conn()
	licenseStore := models.NewLicenseStore(conn)
	customerStore := models.NewCustomerStore(conn)
	activationStore := models.NewActivationStore(conn)

	clock := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}

	licenses, err := NewLicenseService(licenseStore, customerStore, activationStore, signer, "test-salt")
	require.NoError(t, err)
	licenses.WithClock(clock.Now)

	trials := NewTrialService(activationStore, "test-salt").WithClock(clock.Now)

	return &testEnv{
		licenses:    licenses,
		trials:      trials,
		activations: activationStore,
		signer:      signer,
		clock:       clock,
	}
}

func (e *testEnv) issue(t *testing.T, maxActivations int) *models.License {
	t.Helper()

	licenses, _, err := e.licenses.Issue(context.Background(), IssueRequest{
		CustomerName:   "Acme Corp",
		CustomerEmail:  "buyer@acme.test",
		ExpiryDays:     365,
		Edition:        models.EditionProfessional,
		MaxActivations: maxActivations,
	})
	require.NoError(t, err)
	require.Len(t, licenses, 1)

	return licenses[0]
}

func TestActivateHappyPath(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	result, err := env.licenses.Activate(context.Background(), ActivateRequest{
		LicenseKey: license.Key,
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeLicenseValid, result.Code)
	require.NotNil(t, result.Proof)

	proof := result.Proof
	assert.Equal(t, license.Key, proof.LicenseKey)
	assert.Equal(t, "buyer@acme.test", proof.CustomerEmail)
	assert.Equal(t, models.EditionProfessional, proof.Edition)
	assert.Contains(t, proof.Features, models.FeatureBasic)
	assert.Contains(t, proof.Features, models.FeatureAdvanced)
	assert.Equal(t, 365, proof.DaysRemaining)
	assert.False(t, proof.NeedsRenewal)

	// The proof signature must verify against the canonical payload.
	payload := sign.ProofString(proof.LicenseKey, proof.CustomerID, proof.HardwareFingerprint, proof.ExpiresAt)
	assert.True(t, env.signer.Verify(payload, proof.Signature))
}

func TestActivateUnknownKey(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.licenses.Activate(context.Background(), ActivateRequest{
		LicenseKey: "ZS-NOPE-NOPE-NOPE-NOPE",
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeInvalidLicense, result.Code)
	assert.Nil(t, result.Proof)
}

func TestActivateOwnerMismatch(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	result, err := env.licenses.Activate(context.Background(), ActivateRequest{
		LicenseKey: license.Key,
		Email:      "intruder@other.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeOwnerMismatch, result.Code)
}

func TestActivateEmailCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	result, err := env.licenses.Activate(context.Background(), ActivateRequest{
		LicenseKey: license.Key,
		Email:      "  Buyer@Acme.Test ",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeLicenseValid, result.Code)
}

func TestActivationCeilingAndDeactivateCycle(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)
	ctx := context.Background()

	activate := func(hardwareID string) *ActivateResult {
		result, err := env.licenses.Activate(ctx, ActivateRequest{
			LicenseKey: license.Key,
			Email:      "buyer@acme.test",
			HardwareID: hardwareID,
		})
		require.NoError(t, err)
		return result
	}

	assert.Equal(t, CodeLicenseValid, activate("HW-1").Code)
	assert.Equal(t, CodeMaxActivationsReached, activate("HW-2").Code)

	// Same hardware re-activating is idempotent, not another seat.
	assert.Equal(t, CodeLicenseValid, activate("HW-1").Code)

	deactivated, err := env.licenses.Deactivate(ctx, license.Key, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeLicenseValid, deactivated.Code)

	assert.Equal(t, CodeLicenseValid, activate("HW-2").Code)
}

func TestActivateExpiredLicense(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	env.clock.Advance(366 * 24 * time.Hour)

	result, err := env.licenses.Activate(context.Background(), ActivateRequest{
		LicenseKey: license.Key,
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeLicenseExpired, result.Code)
}

func TestValidateLifecycle(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)
	ctx := context.Background()

	// Not yet activated on this hardware.
	result, err := env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey: license.Key,
		HardwareID: "HW-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeHardwareNotActivated, result.Code)

	_, err = env.licenses.Activate(ctx, ActivateRequest{
		LicenseKey: license.Key,
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	result, err = env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey: license.Key,
		HardwareID: "HW-1",
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, CodeLicenseValid, result.Code)
	assert.Equal(t, 365, result.DaysRemaining)

	// Different hardware stays unbound.
	result, err = env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey: license.Key,
		HardwareID: "HW-2",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeHardwareNotActivated, result.Code)
}

func TestValidateSignatureShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	result, err := env.licenses.Validate(context.Background(), ValidateRequest{
		LicenseKey:       license.Key,
		HardwareID:       "HW-1",
		Signature:        "bm90IGEgcmVhbCBzaWduYXR1cmU=",
		ValidationString: "whatever",
	})
	require.NoError(t, err)

	assert.Equal(t, CodeInvalidSignature, result.Code)
	assert.False(t, result.Valid)
}

func TestValidateVerifiesGoodSignature(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)
	ctx := context.Background()

	activated, err := env.licenses.Activate(ctx, ActivateRequest{
		LicenseKey: license.Key,
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)
	proof := activated.Proof

	payload := sign.ProofString(proof.LicenseKey, proof.CustomerID, proof.HardwareFingerprint, proof.ExpiresAt)

	result, err := env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey:       license.Key,
		HardwareID:       "HW-1",
		Signature:        proof.Signature,
		ValidationString: payload,
	})
	require.NoError(t, err)
	assert.True(t, result.Valid)
}

func TestRevokeBlocksValidationUntilExtended(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)
	ctx := context.Background()

	_, err := env.licenses.Activate(ctx, ActivateRequest{
		LicenseKey: license.Key,
		Email:      "buyer@acme.test",
		HardwareID: "HW-1",
	})
	require.NoError(t, err)

	require.NoError(t, env.licenses.Revoke(ctx, license.Key))

	result, err := env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey: license.Key,
		HardwareID: "HW-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeLicenseRevoked, result.Code)

	// Extension reinstates a revoked license.
	extended, err := env.licenses.Extend(ctx, license.Key, 30)
	require.NoError(t, err)
	assert.True(t, extended.IsActive)

	// Revocation released the activation, so the hardware must re-activate.
	result, err = env.licenses.Validate(ctx, ValidateRequest{
		LicenseKey: license.Key,
		HardwareID: "HW-1",
	})
	require.NoError(t, err)
	assert.Equal(t, CodeHardwareNotActivated, result.Code)
}

func TestDeactivateMissingActivation(t *testing.T) {
	env := newTestEnv(t)
	license := env.issue(t, 1)

	result, err := env.licenses.Deactivate(context.Background(), license.Key, "HW-1", nil)
	require.NoError(t, err)

	assert.Equal(t, CodeActivationNotFound, result.Code)
}

func TestIssueBatch(t *testing.T) {
	env := newTestEnv(t)

	licenses, customer, err := env.licenses.Issue(context.Background(), IssueRequest{
		CustomerName:   "Acme Corp",
		CustomerEmail:  "buyer@acme.test",
		ExpiryDays:     30,
		Edition:        models.EditionStandard,
		MaxActivations: 1,
		Count:          5,
	})
	require.NoError(t, err)

	assert.Len(t, licenses, 5)
	seen := make(map[string]bool)
	for _, license := range licenses {
		assert.Equal(t, customer.ID, license.CustomerID)
		assert.False(t, seen[license.Key], "duplicate key %s", license.Key)
		seen[license.Key] = true
	}
}

func TestIssueBatchCapped(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.licenses.Issue(context.Background(), IssueRequest{
		CustomerName:   "Acme Corp",
		CustomerEmail:  "buyer@acme.test",
		ExpiryDays:     30,
		Edition:        models.EditionStandard,
		MaxActivations: 1,
		Count:          101,
	})
	assert.Error(t, err)
}

func TestIssueReusesExistingCustomer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, first, err := env.licenses.Issue(ctx, IssueRequest{
		CustomerName:   "Acme Corp",
		CustomerEmail:  "buyer@acme.test",
		ExpiryDays:     30,
		Edition:        models.EditionStandard,
		MaxActivations: 1,
	})
	require.NoError(t, err)

	// Second issue for the same email needs no name; the customer exists.
	_, second, err := env.licenses.Issue(ctx, IssueRequest{
		CustomerEmail:  "buyer@acme.test",
		ExpiryDays:     30,
		Edition:        models.EditionStandard,
		MaxActivations: 1,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
}
