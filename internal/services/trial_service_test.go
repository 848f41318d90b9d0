// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstok/keygate/internal/hwid"
)

func TestTrialEligibilityFreshHardware(t *testing.T) {
	env := newTestEnv(t)

	status, err := env.trials.CheckEligibility(context.Background(), "HW-1", nil)
	require.NoError(t, err)

	assert.True(t, status.Eligible)
	assert.Equal(t, CodeTrialEligible, status.Code)
}

func TestTrialStartAndValidate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	status, err := env.trials.Start(ctx, "HW-1", nil, "10.0.0.1", "client/1.0")
	require.NoError(t, err)

	assert.Equal(t, CodeTrialStarted, status.Code)
	assert.True(t, status.Valid)
	assert.Equal(t, TrialDays, status.DaysRemaining)
	require.NotNil(t, status.EndsAt)
	assert.WithinDuration(t, env.clock.Now().Add(TrialDays*24*time.Hour), *status.EndsAt, time.Second)

	status, err = env.trials.Validate(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeTrialValid, status.Code)
	assert.True(t, status.Valid)
}

func TestTrialDaysRemainingDecrease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	env.clock.Advance(2*24*time.Hour + time.Hour)

	status, err := env.trials.Validate(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, status.DaysRemaining)
}

func TestTrialStartTwiceKeepsWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	env.clock.Advance(3 * 24 * time.Hour)

	// Restarting must not reset the window.
	second, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	assert.Equal(t, CodeTrialActive, second.Code)
	assert.Equal(t, *first.EndsAt, *second.EndsAt)
	assert.Equal(t, 4, second.DaysRemaining)
}

func TestTrialExpiresAfterWindow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	env.clock.Advance(TrialDays*24*time.Hour + time.Minute)

	status, err := env.trials.Validate(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeTrialExpired, status.Code)
	assert.False(t, status.Valid)

	// Expiry was persisted lazily on that validation.
	hash := hwid.Fingerprint("HW-1", nil, "test-salt")
	trial, err := env.activations.GetTrialByHash(ctx, hash)
	require.NoError(t, err)
	assert.False(t, trial.IsActive)
}

func TestExpiredTrialNeverEligibleAgain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	env.clock.Advance((TrialDays + 1) * 24 * time.Hour)

	status, err := env.trials.CheckEligibility(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.False(t, status.Eligible)
	assert.Equal(t, CodeTrialExpired, status.Code)

	// Starting again reports the same permanent expiry.
	status, err = env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)
	assert.Equal(t, CodeTrialExpired, status.Code)

	// Even a year later the answer does not change.
	env.clock.Advance(365 * 24 * time.Hour)
	status, err = env.trials.CheckEligibility(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeTrialExpired, status.Code)
}

func TestTrialExpiryExactBoundary(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	// Exactly at the end of the window the trial is over.
	env.clock.Advance(TrialDays * 24 * time.Hour)

	status, err := env.trials.Validate(ctx, "HW-1", nil)
	require.NoError(t, err)
	assert.Equal(t, CodeTrialExpired, status.Code)
}

func TestTrialValidateUnknownHardware(t *testing.T) {
	env := newTestEnv(t)

	status, err := env.trials.Validate(context.Background(), "HW-UNKNOWN", nil)
	require.NoError(t, err)

	assert.Equal(t, CodeTrialNotFound, status.Code)
}

func TestTrialDistinctHardwareIndependent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.trials.Start(ctx, "HW-1", nil, "", "")
	require.NoError(t, err)

	env.clock.Advance((TrialDays + 1) * 24 * time.Hour)

	// HW-1 is expired, but HW-2 has never had a trial.
	status, err := env.trials.CheckEligibility(ctx, "HW-2", nil)
	require.NoError(t, err)
	assert.True(t, status.Eligible)
}
