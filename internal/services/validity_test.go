// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zstok/keygate/internal/models"
)

func TestEvaluateLicenseOrderedChecks(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	// Revoked wins even when the license is also expired.
	revokedAndExpired := &models.License{
		IsActive:  false,
		ExpiresAt: now.Add(-24 * time.Hour),
	}
	v := EvaluateLicense(revokedAndExpired, now)
	assert.False(t, v.Valid)
	assert.Equal(t, CodeLicenseRevoked, v.Code)

	expired := &models.License{
		IsActive:  true,
		ExpiresAt: now.Add(-time.Minute),
	}
	v = EvaluateLicense(expired, now)
	assert.False(t, v.Valid)
	assert.Equal(t, CodeLicenseExpired, v.Code)

	valid := &models.License{
		IsActive:  true,
		ExpiresAt: now.Add(100 * 24 * time.Hour),
	}
	v = EvaluateLicense(valid, now)
	assert.True(t, v.Valid)
	assert.Equal(t, CodeLicenseValid, v.Code)
}

func TestEvaluateLicenseDaysRemainingFloors(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	license := &models.License{
		IsActive:  true,
		ExpiresAt: now.Add(5*24*time.Hour + 23*time.Hour),
	}

	v := EvaluateLicense(license, now)
	assert.Equal(t, 5, v.DaysRemaining)
}

func TestEvaluateLicenseRenewalWindow(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		until time.Duration
		want  bool
	}{
		{"well before the window", 90 * 24 * time.Hour, false},
		{"just outside", 31 * 24 * time.Hour, false},
		{"on the boundary", 30 * 24 * time.Hour, true},
		{"inside", 10 * 24 * time.Hour, true},
		{"last day", 12 * time.Hour, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			license := &models.License{IsActive: true, ExpiresAt: now.Add(tt.until)}
			v := EvaluateLicense(license, now)
			assert.True(t, v.Valid)
			assert.Equal(t, tt.want, v.NeedsRenewal)
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindOK, KindOf(CodeLicenseValid))
	assert.Equal(t, KindNotFound, KindOf(CodeInvalidLicense))
	assert.Equal(t, KindForbidden, KindOf(CodeLicenseRevoked))

	// A full license is a refusal like any other failed check.
	assert.Equal(t, KindForbidden, KindOf(CodeMaxActivationsReached))
}
