// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrActivationNotFound = errors.New("activation not found")
	ErrCeilingReached     = errors.New("activation ceiling reached")
)

// Activation binds a license (or a trial, when LicenseID is nil) to one
// piece of client hardware. Rows are never deleted; deactivation flips
// IsActive so history stays auditable.
type Activation struct {
	ID                  int64      `json:"id"`
	LicenseID           *int64     `json:"license_id,omitempty"`
	HardwareFingerprint string     `json:"hardware_fingerprint"`
	SystemInfo          *string    `json:"system_info,omitempty"`
	IPAddress           string     `json:"ip_address,omitempty"`
	UserAgent           string     `json:"user_agent,omitempty"`
	IsActive            bool       `json:"is_active"`
	IsTrial             bool       `json:"is_trial"`
	TrialStartedAt      *time.Time `json:"trial_started_at,omitempty"`
	TrialHardwareHash   *string    `json:"trial_hardware_hash,omitempty"`
	ActivatedAt         time.Time  `json:"activated_at"`
	LastSeenAt          time.Time  `json:"last_seen_at"`
}

type ActivationStore struct {
	db *sql.DB
}

func NewActivationStore(db *sql.DB) *ActivationStore {
	return &ActivationStore{db: db}
}

const activationColumns = `id, license_id, hardware_fingerprint, system_info, COALESCE(ip_address, ''), COALESCE(user_agent, ''), is_active, is_trial, trial_started_at, trial_hardware_hash, activated_at, last_seen_at`

// Activate performs the ceiling-checked activation of a license on a piece
// of hardware. The count-compare-write runs in a single write transaction so
// two concurrent activations at ceiling-1 cannot both succeed.
//
// Re-activating an already active (license, hardware) pair is idempotent: it
// refreshes last-seen and metadata without counting against the ceiling. An
// inactive existing row is re-activated subject to the ceiling; otherwise a
// new row is inserted, also subject to the ceiling. The first activation of
// a license stamps the license's activated_at once.
//
// Returns ErrCeilingReached when the ceiling would be exceeded.
func (s *ActivationStore) Activate(ctx context.Context, license *License, fingerprint string, systemInfo *string, ipAddress, userAgent string, now time.Time) (*Activation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Touch the license row first so the transaction holds the write lock
	// before the seat count is read. Without this, two deferred transactions
	// could both read ceiling-1 and both commit.
	if _, err := tx.ExecContext(ctx,
		"UPDATE licenses SET updated_at = updated_at WHERE id = ?", license.ID); err != nil {
		return nil, err
	}

	existing, err := scanActivationFrom(tx.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = ? AND hardware_fingerprint = ?`,
		license.ID, fingerprint))
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if existing != nil && existing.IsActive {
		// Idempotent refresh; no seat consumed.
		activation, err := scanActivationFrom(tx.QueryRowContext(ctx, `
			UPDATE activations
			SET last_seen_at = ?, system_info = COALESCE(?, system_info), ip_address = ?, user_agent = ?
			WHERE id = ?
			RETURNING `+activationColumns,
			now.UTC(), systemInfo, ipAddress, userAgent, existing.ID))
		if err != nil {
			return nil, err
		}
		return activation, tx.Commit()
	}

	var activeCount int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activations WHERE license_id = ? AND is_active = 1", license.ID).Scan(&activeCount)
	if err != nil {
		return nil, err
	}
	if activeCount >= license.MaxActivations {
		return nil, ErrCeilingReached
	}

	var activation *Activation
	if existing != nil {
		activation, err = scanActivationFrom(tx.QueryRowContext(ctx, `
			UPDATE activations
			SET is_active = 1, activated_at = ?, last_seen_at = ?, system_info = COALESCE(?, system_info), ip_address = ?, user_agent = ?
			WHERE id = ?
			RETURNING `+activationColumns,
			now.UTC(), now.UTC(), systemInfo, ipAddress, userAgent, existing.ID))
	} else {
		activation, err = scanActivationFrom(tx.QueryRowContext(ctx, `
			INSERT INTO activations (license_id, hardware_fingerprint, system_info, ip_address, user_agent, is_active, activated_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
			RETURNING `+activationColumns,
			license.ID, fingerprint, systemInfo, ipAddress, userAgent, now.UTC(), now.UTC()))
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE licenses SET activated_at = ? WHERE id = ? AND activated_at IS NULL", now.UTC(), license.ID); err != nil {
		return nil, err
	}

	return activation, tx.Commit()
}

// GetActive returns the active activation for a (license, hardware) pair.
func (s *ActivationStore) GetActive(ctx context.Context, licenseID int64, fingerprint string) (*Activation, error) {
	activation, err := scanActivationFrom(s.db.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = ? AND hardware_fingerprint = ? AND is_active = 1`,
		licenseID, fingerprint))
	if err == sql.ErrNoRows {
		return nil, ErrActivationNotFound
	}
	return activation, err
}

func (s *ActivationStore) CountActive(ctx context.Context, licenseID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM activations WHERE license_id = ? AND is_active = 1", licenseID).Scan(&count)
	return count, err
}

// TouchLastSeen updates the last-seen timestamp on re-validation. Losing a
// race here is harmless; the column is monotonic in practice.
func (s *ActivationStore) TouchLastSeen(ctx context.Context, activationID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE activations SET last_seen_at = ? WHERE id = ?", now.UTC(), activationID)
	return err
}

// Deactivate flips the matching active activation to inactive, freeing one
// ceiling slot. No matching active row is an error so callers can detect
// stale state, not a no-op.
func (s *ActivationStore) Deactivate(ctx context.Context, licenseID int64, fingerprint string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE activations SET is_active = 0 WHERE license_id = ? AND hardware_fingerprint = ? AND is_active = 1",
		licenseID, fingerprint)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrActivationNotFound
	}
	return nil
}

func (s *ActivationStore) ListForLicense(ctx context.Context, licenseID int64) ([]*Activation, error) {
	return s.list(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE license_id = ? ORDER BY activated_at DESC`, licenseID)
}

// GetTrialByHash looks a trial up by its salted hardware hash. The hash, not
// the raw hardware id, is the deduplication key.
func (s *ActivationStore) GetTrialByHash(ctx context.Context, hardwareHash string) (*Activation, error) {
	activation, err := scanActivationFrom(s.db.QueryRowContext(ctx,
		`SELECT `+activationColumns+` FROM activations WHERE trial_hardware_hash = ? AND is_trial = 1`,
		hardwareHash))
	if err == sql.ErrNoRows {
		return nil, ErrActivationNotFound
	}
	return activation, err
}

// CreateTrial inserts a trial activation. If a concurrent request already
// created the trial for this hash, the existing row is returned instead of
// a duplicate.
func (s *ActivationStore) CreateTrial(ctx context.Context, fingerprint, hardwareHash string, systemInfo *string, ipAddress, userAgent string, now time.Time) (*Activation, error) {
	activation, err := scanActivationFrom(s.db.QueryRowContext(ctx, `
		INSERT INTO activations (hardware_fingerprint, system_info, ip_address, user_agent, is_active, is_trial, trial_started_at, trial_hardware_hash, activated_at, last_seen_at)
		VALUES (?, ?, ?, ?, 1, 1, ?, ?, ?, ?)
		RETURNING `+activationColumns,
		fingerprint, systemInfo, ipAddress, userAgent, now.UTC(), hardwareHash, now.UTC(), now.UTC()))
	if isUniqueViolation(err, "activations.trial_hardware_hash") {
		return s.GetTrialByHash(ctx, hardwareHash)
	}
	return activation, err
}

// ExpireTrial persists the lazily detected end of a trial window.
func (s *ActivationStore) ExpireTrial(ctx context.Context, activationID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE activations SET is_active = 0 WHERE id = ? AND is_trial = 1", activationID)
	return err
}

type ActivationFilter struct {
	LicenseID *int64
	IsActive  *bool
	TrialOnly bool
}

func (s *ActivationStore) ListFiltered(ctx context.Context, filter ActivationFilter) ([]*Activation, error) {
	query := `SELECT ` + activationColumns + ` FROM activations WHERE 1=1`
	var args []any

	if filter.LicenseID != nil {
		query += " AND license_id = ?"
		args = append(args, *filter.LicenseID)
	}
	if filter.IsActive != nil {
		query += " AND is_active = ?"
		args = append(args, *filter.IsActive)
	}
	if filter.TrialOnly {
		query += " AND is_trial = 1"
	}
	query += " ORDER BY activated_at DESC"

	return s.list(ctx, query, args...)
}

func (s *ActivationStore) list(ctx context.Context, query string, args ...any) ([]*Activation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activations []*Activation
	for rows.Next() {
		activation, err := scanActivationFrom(rows)
		if err != nil {
			return nil, err
		}
		activations = append(activations, activation)
	}
	return activations, rows.Err()
}

func scanActivationFrom(row rowScanner) (*Activation, error) {
	activation := &Activation{}
	err := row.Scan(
		&activation.ID,
		&activation.LicenseID,
		&activation.HardwareFingerprint,
		&activation.SystemInfo,
		&activation.IPAddress,
		&activation.UserAgent,
		&activation.IsActive,
		&activation.IsTrial,
		&activation.TrialStartedAt,
		&activation.TrialHardwareHash,
		&activation.ActivatedAt,
		&activation.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return activation, nil
}
