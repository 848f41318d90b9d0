// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

var (
	ErrLicenseNotFound = errors.New("license not found")
	ErrDuplicateKey    = errors.New("license key already exists")
)

// Edition tiers. Each tier implies every feature of the tiers below it.
const (
	EditionStandard     = "standard"
	EditionProfessional = "professional"
	EditionEnterprise   = "enterprise"
)

// Feature tags implied by edition tiers.
const (
	FeatureBasic    = "basic_features"
	FeatureAdvanced = "advanced_features"
	FeaturePremium  = "premium_features"
)

var editionFloors = map[string][]string{
	EditionStandard:     {FeatureBasic},
	EditionProfessional: {FeatureBasic, FeatureAdvanced},
	EditionEnterprise:   {FeatureBasic, FeatureAdvanced, FeaturePremium},
}

// ValidEdition reports whether edition names a known tier.
func ValidEdition(edition string) bool {
	_, ok := editionFloors[edition]
	return ok
}

type License struct {
	ID             int64      `json:"id"`
	Key            string     `json:"license_key"`
	CustomerID     int64      `json:"customer_id"`
	ActivatedAt    *time.Time `json:"activated_at,omitempty"`
	ExpiresAt      time.Time  `json:"expires_at"`
	Edition        string     `json:"edition"`
	Features       []string   `json:"features"`
	MaxActivations int        `json:"max_activations"`
	IsActive       bool       `json:"is_active"`
	Notes          string     `json:"notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EffectiveFeatures returns the edition floor unioned with the explicitly
// stored features, deduplicated. Explicit features only ever add
// capabilities; they cannot remove the edition's guarantees.
func (l *License) EffectiveFeatures() []string {
	features := slices.Clone(editionFloors[l.Edition])
	for _, f := range l.Features {
		if !slices.Contains(features, f) {
			features = append(features, f)
		}
	}
	return features
}

const keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var keyPattern = regexp.MustCompile(`^ZS(-[A-Z0-9]{4}){4}$`)

// GenerateLicenseKey produces a ZS-XXXX-XXXX-XXXX-XXXX key. Uniqueness is
// enforced by the licenses.license_key constraint, not here; callers retry
// on collision.
func GenerateLicenseKey() string {
	parts := make([]string, 0, 5)
	parts = append(parts, "ZS")
	for range 4 {
		var b strings.Builder
		for range 4 {
			b.WriteByte(keyAlphabet[rand.IntN(len(keyAlphabet))])
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "-")
}

// ValidLicenseKey reports whether key has the issued-key format.
func ValidLicenseKey(key string) bool {
	return keyPattern.MatchString(key)
}

type LicenseStore struct {
	db *sql.DB
}

func NewLicenseStore(db *sql.DB) *LicenseStore {
	return &LicenseStore{db: db}
}

const licenseColumns = `id, license_key, customer_id, activated_at, expires_at, edition, features, max_activations, is_active, COALESCE(notes, ''), created_at, updated_at`

// Create issues a new license with a generated key. The store's uniqueness
// constraint backs key uniqueness; generation is retried a few times on
// collision before giving up.
func (s *LicenseStore) Create(ctx context.Context, customerID int64, expiresAt time.Time, edition string, features []string, maxActivations int, notes string) (*License, error) {
	if !ValidEdition(edition) {
		return nil, fmt.Errorf("unknown edition %q", edition)
	}

	featuresJSON, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode features: %w", err)
	}
	if features == nil {
		featuresJSON = []byte("[]")
	}

	query := `
		INSERT INTO licenses (license_key, customer_id, expires_at, edition, features, max_activations, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + licenseColumns

	const maxAttempts = 3
	var lastErr error
	for range maxAttempts {
		key := GenerateLicenseKey()

		license, err := scanLicense(s.db.QueryRowContext(ctx, query,
			key, customerID, expiresAt.UTC(), edition, string(featuresJSON), maxActivations, notes))
		if err == nil {
			return license, nil
		}
		if isUniqueViolation(err, "licenses.license_key") {
			lastErr = ErrDuplicateKey
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("failed to generate unique license key: %w", lastErr)
}

func (s *LicenseStore) GetByKey(ctx context.Context, key string) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE license_key = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, key))
}

func (s *LicenseStore) GetByID(ctx context.Context, id int64) (*License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses WHERE id = ?`
	return scanLicense(s.db.QueryRowContext(ctx, query, id))
}

// Revoke marks the license inactive and deactivates every activation under
// it in the same transaction, so a revoked license never retains live seats.
func (s *LicenseStore) Revoke(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var licenseID int64
	err = tx.QueryRowContext(ctx, "SELECT id FROM licenses WHERE license_key = ?", key).Scan(&licenseID)
	if err == sql.ErrNoRows {
		return ErrLicenseNotFound
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE licenses SET is_active = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?", licenseID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE activations SET is_active = 0 WHERE license_id = ?", licenseID); err != nil {
		return err
	}

	return tx.Commit()
}

// Extend moves the expiry forward by days and re-activates the license.
// Extension is the designed reinstate path for revoked licenses, so the
// active flag is always reset. An expired license extends from now; an
// unexpired one extends from its current expiry.
func (s *LicenseStore) Extend(ctx context.Context, key string, days int, now time.Time) (*License, error) {
	license, err := s.GetByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	base := license.ExpiresAt
	if base.Before(now) {
		base = now
	}
	newExpiry := base.Add(time.Duration(days) * 24 * time.Hour).UTC()

	query := `
		UPDATE licenses
		SET expires_at = ?, is_active = 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
		RETURNING ` + licenseColumns

	return scanLicense(s.db.QueryRowContext(ctx, query, newExpiry, license.ID))
}

type LicenseFilter struct {
	Search   string // fuzzy match on license key
	Edition  string
	IsActive *bool
	Limit    int
	Offset   int
}

func (s *LicenseStore) List(ctx context.Context, filter LicenseFilter) ([]*License, int, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses`
	var conditions []string
	var args []any

	if filter.Edition != "" {
		conditions = append(conditions, "edition = ?")
		args = append(args, filter.Edition)
	}
	if filter.IsActive != nil {
		conditions = append(conditions, "is_active = ?")
		args = append(args, *filter.IsActive)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var licenses []*License
	for rows.Next() {
		license, err := scanLicenseRows(rows)
		if err != nil {
			return nil, 0, err
		}
		licenses = append(licenses, license)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if filter.Search != "" {
		var filtered []*License
		for _, license := range licenses {
			if fuzzy.MatchFold(filter.Search, license.Key) {
				filtered = append(filtered, license)
			}
		}
		licenses = filtered
	}

	total := len(licenses)
	licenses = paginate(licenses, filter.Limit, filter.Offset)

	return licenses, total, nil
}

func isUniqueViolation(err error, constraint string) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: "+constraint)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicenseFrom(row rowScanner) (*License, error) {
	license := &License{}
	var featuresJSON string
	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.CustomerID,
		&license.ActivatedAt,
		&license.ExpiresAt,
		&license.Edition,
		&featuresJSON,
		&license.MaxActivations,
		&license.IsActive,
		&license.Notes,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(featuresJSON), &license.Features); err != nil {
		// Loosely typed legacy data; an unreadable feature list means no
		// explicit features, never a failed lookup.
		license.Features = nil
	}

	return license, nil
}

func scanLicense(row *sql.Row) (*License, error) {
	license, err := scanLicenseFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrLicenseNotFound
	}
	return license, err
}

func scanLicenseRows(rows *sql.Rows) (*License, error) {
	return scanLicenseFrom(rows)
}
