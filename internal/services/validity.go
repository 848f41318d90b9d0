// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"time"

	"github.com/zstok/keygate/internal/models"
)

// renewalWindowDays is how close to expiry a license must be before clients
// are told to renew.
const renewalWindowDays = 30

type Validity struct {
	Valid         bool      `json:"valid"`
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	DaysRemaining int       `json:"days_remaining"`
	NeedsRenewal  bool      `json:"needs_renewal"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// EvaluateLicense runs the ordered validity checks: revoked first, then
// expired. The first failing check wins. The hardware-binding check is
// applied by callers that know the fingerprint, after these two.
func EvaluateLicense(license *models.License, now time.Time) Validity {
	if !license.IsActive {
		return Validity{
			Code:      CodeLicenseRevoked,
			Message:   "this license is no longer active",
			ExpiresAt: license.ExpiresAt,
		}
	}

	if license.ExpiresAt.Before(now) {
		return Validity{
			Code:      CodeLicenseExpired,
			Message:   "license has expired",
			ExpiresAt: license.ExpiresAt,
		}
	}

	days := daysBetween(now, license.ExpiresAt)

	return Validity{
		Valid:         true,
		Code:          CodeLicenseValid,
		Message:       "license is valid",
		DaysRemaining: days,
		NeedsRenewal:  days <= renewalWindowDays,
		ExpiresAt:     license.ExpiresAt,
	}
}

// daysBetween is the whole number of days from now until then, floored.
func daysBetween(now, then time.Time) int {
	if then.Before(now) {
		return 0
	}
	return int(then.Sub(now) / (24 * time.Hour))
}
