// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zstok/keygate/internal/hwid"
	"github.com/zstok/keygate/internal/models"
)

// TrialDays is the fixed trial window length.
const TrialDays = 7

// TrialService manages anonymous time-limited trials keyed by hardware hash.
// One trial per machine, ever: an expired trial never becomes eligible again.
type TrialService struct {
	activations *models.ActivationStore
	salt        string
	now         Clock
}

func NewTrialService(activations *models.ActivationStore, salt string) *TrialService {
	return &TrialService{
		activations: activations,
		salt:        salt,
		now:         time.Now,
	}
}

// WithClock replaces the service's time source. Test hook.
func (s *TrialService) WithClock(now Clock) *TrialService {
	s.now = now
	return s
}

type TrialStatus struct {
	Eligible       bool       `json:"eligible"`
	Valid          bool       `json:"valid"`
	Code           string     `json:"code"`
	Message        string     `json:"message"`
	DaysRemaining  int        `json:"days_remaining"`
	HoursRemaining int        `json:"hours_remaining"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndsAt         *time.Time `json:"ends_at,omitempty"`
}

// CheckEligibility reports whether this hardware may start a trial. Expiry is
// detected lazily: if the stored trial's window has elapsed, the record is
// flipped inactive here and the hardware is permanently ineligible.
func (s *TrialService) CheckEligibility(ctx context.Context, hardwareID string, systemInfo map[string]any) (*TrialStatus, error) {
	now := s.now()
	hash := hwid.Fingerprint(hardwareID, systemInfo, s.salt)

	trial, err := s.activations.GetTrialByHash(ctx, hash)
	if errors.Is(err, models.ErrActivationNotFound) {
		return &TrialStatus{
			Eligible: true,
			Code:     CodeTrialEligible,
			Message:  "hardware is eligible for a trial",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return s.statusOf(ctx, trial, now)
}

// Start begins the trial for this hardware. Starting while a trial is
// already running returns the running trial unchanged; the window is never
// reset. Expired or consumed trials report TRIAL_EXPIRED.
func (s *TrialService) Start(ctx context.Context, hardwareID string, systemInfo map[string]any, ipAddress, userAgent string) (*TrialStatus, error) {
	status, err := s.CheckEligibility(ctx, hardwareID, systemInfo)
	if err != nil {
		return nil, err
	}
	if !status.Eligible || status.Code == CodeTrialActive {
		return status, nil
	}

	now := s.now()
	hash := hwid.Fingerprint(hardwareID, systemInfo, s.salt)
	info, err := encodeSystemInfo(systemInfo)
	if err != nil {
		return nil, err
	}

	trial, err := s.activations.CreateTrial(ctx, hash, hash, info, ipAddress, userAgent, now)
	if err != nil {
		return nil, err
	}

	endsAt := trialEnd(trial)

	log.Info().Time("endsAt", endsAt).Msg("Trial started")

	return &TrialStatus{
		Eligible:       true,
		Valid:          true,
		Code:           CodeTrialStarted,
		Message:        "trial started",
		DaysRemaining:  daysBetween(now, endsAt),
		HoursRemaining: hoursBetween(now, endsAt),
		StartedAt:      trial.TrialStartedAt,
		EndsAt:         &endsAt,
	}, nil
}

// Validate checks a running trial and refreshes its last-seen timestamp.
func (s *TrialService) Validate(ctx context.Context, hardwareID string, systemInfo map[string]any) (*TrialStatus, error) {
	now := s.now()
	hash := hwid.Fingerprint(hardwareID, systemInfo, s.salt)

	trial, err := s.activations.GetTrialByHash(ctx, hash)
	if errors.Is(err, models.ErrActivationNotFound) {
		return &TrialStatus{
			Code:    CodeTrialNotFound,
			Message: "no trial found for this hardware",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	status, err := s.statusOf(ctx, trial, now)
	if err != nil {
		return nil, err
	}

	if status.Code == CodeTrialActive {
		if err := s.activations.TouchLastSeen(ctx, trial.ID, now); err != nil {
			log.Error().Err(err).Msg("Failed to update trial last-seen")
		}
		status.Code = CodeTrialValid
		status.Message = "trial is valid"
	}

	return status, nil
}

// statusOf classifies an existing trial record, persisting expiry when the
// window has elapsed. Once expired, the record stays inactive for good.
func (s *TrialService) statusOf(ctx context.Context, trial *models.Activation, now time.Time) (*TrialStatus, error) {
	endsAt := trialEnd(trial)

	expired := !trial.IsActive || !now.Before(endsAt)
	if expired {
		if trial.IsActive {
			if err := s.activations.ExpireTrial(ctx, trial.ID); err != nil {
				return nil, err
			}
			log.Info().Time("endedAt", endsAt).Msg("Trial expired")
		}
		return &TrialStatus{
			Code:      CodeTrialExpired,
			Message:   "trial period has ended",
			StartedAt: trial.TrialStartedAt,
			EndsAt:    &endsAt,
		}, nil
	}

	return &TrialStatus{
		Eligible:       true,
		Valid:          true,
		Code:           CodeTrialActive,
		Message:        "trial is active",
		DaysRemaining:  daysBetween(now, endsAt),
		HoursRemaining: hoursBetween(now, endsAt),
		StartedAt:      trial.TrialStartedAt,
		EndsAt:         &endsAt,
	}, nil
}

func trialEnd(trial *models.Activation) time.Time {
	started := trial.ActivatedAt
	if trial.TrialStartedAt != nil {
		started = *trial.TrialStartedAt
	}
	return started.Add(TrialDays * 24 * time.Hour)
}

func hoursBetween(now, then time.Time) int {
	if then.Before(now) {
		return 0
	}
	return int(then.Sub(now) / time.Hour)
}
