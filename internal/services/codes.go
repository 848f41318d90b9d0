// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

// Reason codes returned to clients. These are part of the wire contract;
// every operation result carries one so callers never have to interpret a
// bare boolean.
const (
	CodeLicenseValid          = "LICENSE_VALID"
	CodeLicenseRevoked        = "LICENSE_REVOKED"
	CodeLicenseExpired        = "LICENSE_EXPIRED"
	CodeHardwareNotActivated  = "HARDWARE_NOT_ACTIVATED"
	CodeInvalidLicense        = "INVALID_LICENSE"
	CodeOwnerMismatch         = "OWNER_MISMATCH"
	CodeMaxActivationsReached = "MAX_ACTIVATIONS_REACHED"
	CodeInvalidSignature      = "INVALID_SIGNATURE"
	CodeActivationNotFound    = "ACTIVATION_NOT_FOUND"

	CodeTrialEligible = "TRIAL_ELIGIBLE"
	CodeTrialActive   = "TRIAL_ACTIVE"
	CodeTrialStarted  = "TRIAL_STARTED"
	CodeTrialValid    = "TRIAL_VALID"
	CodeTrialExpired  = "TRIAL_EXPIRED"
	CodeTrialNotFound = "TRIAL_NOT_FOUND"
)

// Kind classifies a reason code for transport mapping. Domain failures are
// expected outcomes; only infrastructure errors surface as Go errors.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindForbidden
	KindConflict
)

var codeKinds = map[string]Kind{
	CodeLicenseValid:          KindOK,
	CodeTrialEligible:         KindOK,
	CodeTrialActive:           KindOK,
	CodeTrialStarted:          KindOK,
	CodeTrialValid:            KindOK,
	CodeInvalidLicense:        KindNotFound,
	CodeActivationNotFound:    KindNotFound,
	CodeTrialNotFound:         KindNotFound,
	CodeLicenseRevoked:        KindForbidden,
	CodeLicenseExpired:        KindForbidden,
	CodeHardwareNotActivated:  KindForbidden,
	CodeOwnerMismatch:         KindForbidden,
	CodeInvalidSignature:      KindForbidden,
	CodeTrialExpired:          KindForbidden,
	// A full license is refused, not contested: the atomic ceiling check
	// makes "already full" and "two racers overshooting" the same outcome.
	CodeMaxActivationsReached: KindForbidden,
}

// KindOf returns the taxonomy kind for a reason code.
func KindOf(code string) Kind {
	return codeKinds[code]
}
