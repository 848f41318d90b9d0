// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/zstok/keygate/internal/models"
)

// StatsService computes dashboard aggregates and reports straight from SQL;
// nothing here is on a request hot path.
type StatsService struct {
	db  *sql.DB
	now Clock
}

func NewStatsService(db *sql.DB) *StatsService {
	return &StatsService{db: db, now: time.Now}
}

// WithClock replaces the service's time source. Test hook.
func (s *StatsService) WithClock(now Clock) *StatsService {
	s.now = now
	return s
}

type TrialStats struct {
	Total          int     `json:"total"`
	Active         int     `json:"active"`
	Converted      int     `json:"converted"`
	ConversionRate float64 `json:"conversion_rate"`
}

type DashboardStats struct {
	TotalCustomers      int            `json:"total_customers"`
	TotalLicenses       int            `json:"total_licenses"`
	ActiveLicenses      int            `json:"active_licenses"`
	ExpiredLicenses     int            `json:"expired_licenses"`
	ExpiringSoon        int            `json:"expiring_soon"`
	TotalActivations    int            `json:"total_activations"`
	ActiveActivations   int            `json:"active_activations"`
	NewLicenses30d      int            `json:"new_licenses_30d"`
	NewCustomers30d     int            `json:"new_customers_30d"`
	NewActivations30d   int            `json:"new_activations_30d"`
	EditionDistribution map[string]int `json:"edition_distribution"`
	Trials              TrialStats     `json:"trials"`
}

// Dashboard gathers the admin overview counters in one pass.
func (s *StatsService) Dashboard(ctx context.Context) (*DashboardStats, error) {
	now := s.now().UTC()
	cutoff30d := now.AddDate(0, 0, -30)
	renewalCutoff := now.Add(renewalWindowDays * 24 * time.Hour)

	stats := &DashboardStats{
		EditionDistribution: make(map[string]int),
	}

	counters := []struct {
		dest  *int
		query string
		args  []any
	}{
		{&stats.TotalCustomers, "SELECT COUNT(*) FROM customers", nil},
		{&stats.TotalLicenses, "SELECT COUNT(*) FROM licenses", nil},
		{&stats.ActiveLicenses, "SELECT COUNT(*) FROM licenses WHERE is_active = 1 AND expires_at > ?", []any{now}},
		{&stats.ExpiredLicenses, "SELECT COUNT(*) FROM licenses WHERE expires_at <= ?", []any{now}},
		{&stats.ExpiringSoon, "SELECT COUNT(*) FROM licenses WHERE is_active = 1 AND expires_at > ? AND expires_at <= ?", []any{now, renewalCutoff}},
		{&stats.TotalActivations, "SELECT COUNT(*) FROM activations WHERE is_trial = 0", nil},
		{&stats.ActiveActivations, "SELECT COUNT(*) FROM activations WHERE is_trial = 0 AND is_active = 1", nil},
		{&stats.NewLicenses30d, "SELECT COUNT(*) FROM licenses WHERE created_at >= ?", []any{cutoff30d}},
		{&stats.NewCustomers30d, "SELECT COUNT(*) FROM customers WHERE created_at >= ?", []any{cutoff30d}},
		{&stats.NewActivations30d, "SELECT COUNT(*) FROM activations WHERE is_trial = 0 AND activated_at >= ?", []any{cutoff30d}},
		{&stats.Trials.Total, "SELECT COUNT(*) FROM activations WHERE is_trial = 1", nil},
		{&stats.Trials.Active, "SELECT COUNT(*) FROM activations WHERE is_trial = 1 AND is_active = 1 AND trial_started_at > ?", []any{now.Add(-TrialDays * 24 * time.Hour)}},
	}

	for _, c := range counters {
		if err := s.db.QueryRowContext(ctx, c.query, c.args...).Scan(c.dest); err != nil {
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT edition, COUNT(*) FROM licenses GROUP BY edition")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var edition string
		var count int
		if err := rows.Scan(&edition, &count); err != nil {
			return nil, err
		}
		stats.EditionDistribution[edition] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	converted, err := s.convertedTrials(ctx)
	if err != nil {
		return nil, err
	}
	stats.Trials.Converted = converted
	if stats.Trials.Total > 0 {
		stats.Trials.ConversionRate = float64(converted) / float64(stats.Trials.Total)
	}

	return stats, nil
}

// convertedTrials counts trial machines that later activated a full license.
// Each piece of hardware counts once no matter how many licenses it
// activated.
func (s *StatsService) convertedTrials(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT t.hardware_fingerprint)
		FROM activations t
		WHERE t.is_trial = 1
		  AND EXISTS (
			SELECT 1 FROM activations a
			WHERE a.is_trial = 0 AND a.hardware_fingerprint = t.hardware_fingerprint
		  )
	`).Scan(&count)
	return count, err
}

type ExpiringLicense struct {
	LicenseKey    string    `json:"license_key"`
	CustomerName  string    `json:"customer_name"`
	CustomerEmail string    `json:"customer_email"`
	Edition       string    `json:"edition"`
	ExpiresAt     time.Time `json:"expires_at"`
	DaysRemaining int       `json:"days_remaining"`
}

// ExpiringLicenses lists active licenses expiring within the given number of
// days, soonest first.
func (s *StatsService) ExpiringLicenses(ctx context.Context, withinDays int) ([]ExpiringLicense, error) {
	now := s.now().UTC()
	cutoff := now.Add(time.Duration(withinDays) * 24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `
		SELECT l.license_key, c.name, c.email, l.edition, l.expires_at
		FROM licenses l
		JOIN customers c ON c.id = l.customer_id
		WHERE l.is_active = 1 AND l.expires_at > ? AND l.expires_at <= ?
		ORDER BY l.expires_at ASC
	`, now, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var expiring []ExpiringLicense
	for rows.Next() {
		var e ExpiringLicense
		if err := rows.Scan(&e.LicenseKey, &e.CustomerName, &e.CustomerEmail, &e.Edition, &e.ExpiresAt); err != nil {
			return nil, err
		}
		e.DaysRemaining = daysBetween(now, e.ExpiresAt)
		expiring = append(expiring, e)
	}
	return expiring, rows.Err()
}

type LicenseReportRow struct {
	LicenseKey        string     `json:"license_key"`
	CustomerName      string     `json:"customer_name"`
	CustomerEmail     string     `json:"customer_email"`
	CustomerCompany   string     `json:"customer_company,omitempty"`
	ActivatedAt       *time.Time `json:"activated_at,omitempty"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Edition           string     `json:"edition"`
	Features          []string   `json:"features"`
	IsActive          bool       `json:"is_active"`
	ActiveActivations int        `json:"active_activations"`
	MaxActivations    int        `json:"max_activations"`
	CreatedAt         time.Time  `json:"created_at"`
}

// LicenseReport lists licenses with owner and seat usage. reportType narrows
// to "active", "expired", or "expiring_soon"; anything else means all.
func (s *StatsService) LicenseReport(ctx context.Context, reportType string) ([]LicenseReportRow, error) {
	now := s.now().UTC()

	query := `
		SELECT l.license_key, c.name, c.email, COALESCE(c.company, ''),
			l.activated_at, l.expires_at, l.edition, l.features, l.is_active,
			l.max_activations, l.created_at,
			(SELECT COUNT(*) FROM activations a WHERE a.license_id = l.id AND a.is_active = 1)
		FROM licenses l
		JOIN customers c ON c.id = l.customer_id
	`
	var args []any
	switch reportType {
	case "active":
		query += " WHERE l.is_active = 1"
	case "expired":
		query += " WHERE l.expires_at < ?"
		args = append(args, now)
	case "expiring_soon":
		query += " WHERE l.is_active = 1 AND l.expires_at > ? AND l.expires_at < ?"
		args = append(args, now, now.Add(renewalWindowDays*24*time.Hour))
	}
	query += " ORDER BY l.created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []LicenseReportRow
	for rows.Next() {
		var row LicenseReportRow
		var featuresJSON string
		if err := rows.Scan(&row.LicenseKey, &row.CustomerName, &row.CustomerEmail,
			&row.CustomerCompany, &row.ActivatedAt, &row.ExpiresAt, &row.Edition,
			&featuresJSON, &row.IsActive, &row.MaxActivations, &row.CreatedAt,
			&row.ActiveActivations); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(featuresJSON), &row.Features); err != nil {
			row.Features = nil
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

type ActivationReportRow struct {
	ID                  int64          `json:"id"`
	LicenseKey          string         `json:"license_key"`
	CustomerName        string         `json:"customer_name"`
	CustomerEmail       string         `json:"customer_email"`
	HardwareFingerprint string         `json:"hardware_fingerprint"`
	ActivatedAt         time.Time      `json:"activated_at"`
	LastSeenAt          time.Time      `json:"last_seen_at"`
	IsActive            bool           `json:"is_active"`
	IPAddress           string         `json:"ip_address,omitempty"`
	UserAgent           string         `json:"user_agent,omitempty"`
	SystemInfo          map[string]any `json:"system_info,omitempty"`
}

// ActivationReport lists non-trial activations, optionally narrowed to one
// license key. An unknown key is ErrLicenseNotFound so callers can 404.
// reportType narrows to "active" or "inactive"; anything else means all.
func (s *StatsService) ActivationReport(ctx context.Context, reportType, licenseKey string) ([]ActivationReportRow, error) {
	query := `
		SELECT a.id, l.license_key, c.name, c.email, a.hardware_fingerprint,
			a.activated_at, a.last_seen_at, a.is_active,
			COALESCE(a.ip_address, ''), COALESCE(a.user_agent, ''), a.system_info
		FROM activations a
		JOIN licenses l ON l.id = a.license_id
		JOIN customers c ON c.id = l.customer_id
		WHERE a.is_trial = 0
	`
	var args []any
	if licenseKey != "" {
		var licenseID int64
		err := s.db.QueryRowContext(ctx,
			"SELECT id FROM licenses WHERE license_key = ?", licenseKey).Scan(&licenseID)
		if err == sql.ErrNoRows {
			return nil, models.ErrLicenseNotFound
		}
		if err != nil {
			return nil, err
		}
		query += " AND a.license_id = ?"
		args = append(args, licenseID)
	}
	switch reportType {
	case "active":
		query += " AND a.is_active = 1"
	case "inactive":
		query += " AND a.is_active = 0"
	}
	query += " ORDER BY a.activated_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []ActivationReportRow
	for rows.Next() {
		var row ActivationReportRow
		var systemInfo *string
		if err := rows.Scan(&row.ID, &row.LicenseKey, &row.CustomerName,
			&row.CustomerEmail, &row.HardwareFingerprint, &row.ActivatedAt,
			&row.LastSeenAt, &row.IsActive, &row.IPAddress, &row.UserAgent,
			&systemInfo); err != nil {
			return nil, err
		}
		row.SystemInfo = decodeSystemInfo(systemInfo)
		report = append(report, row)
	}
	return report, rows.Err()
}

type TrialReportRow struct {
	ID            int64          `json:"id"`
	HardwareHash  string         `json:"hardware_hash"`
	StartedAt     time.Time      `json:"started_at"`
	EndsAt        time.Time      `json:"ends_at"`
	DaysRemaining int            `json:"days_remaining"`
	IsActive      bool           `json:"is_active"`
	IsExpired     bool           `json:"is_expired"`
	LastSeenAt    time.Time      `json:"last_seen_at"`
	IPAddress     string         `json:"ip_address,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SystemInfo    map[string]any `json:"system_info,omitempty"`
}

// TrialReport lists trial records with their computed window state.
// reportType narrows to "active", "expired", or "expiring_soon" (ending
// within two days); anything else means all.
func (s *StatsService) TrialReport(ctx context.Context, reportType string) ([]TrialReportRow, error) {
	now := s.now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(trial_hardware_hash, hardware_fingerprint),
			trial_started_at, is_active, last_seen_at,
			COALESCE(ip_address, ''), COALESCE(user_agent, ''), system_info
		FROM activations
		WHERE is_trial = 1
		ORDER BY trial_started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []TrialReportRow
	for rows.Next() {
		var row TrialReportRow
		var startedAt *time.Time
		var systemInfo *string
		if err := rows.Scan(&row.ID, &row.HardwareHash, &startedAt, &row.IsActive,
			&row.LastSeenAt, &row.IPAddress, &row.UserAgent, &systemInfo); err != nil {
			return nil, err
		}
		if startedAt != nil {
			row.StartedAt = *startedAt
		}
		row.EndsAt = row.StartedAt.Add(TrialDays * 24 * time.Hour)
		row.IsExpired = !now.Before(row.EndsAt)
		row.DaysRemaining = daysBetween(now, row.EndsAt)
		row.SystemInfo = decodeSystemInfo(systemInfo)

		switch reportType {
		case "active":
			if !row.IsActive || row.IsExpired {
				continue
			}
		case "expired":
			if !row.IsExpired {
				continue
			}
		case "expiring_soon":
			if !row.IsActive || row.IsExpired || row.EndsAt.After(now.Add(2*24*time.Hour)) {
				continue
			}
		}
		report = append(report, row)
	}
	return report, rows.Err()
}

// decodeSystemInfo parses stored system info JSON; unreadable data is
// reported as absent, never as a failed report.
func decodeSystemInfo(raw *string) map[string]any {
	if raw == nil {
		return nil
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(*raw), &info); err != nil {
		return nil
	}
	return info
}

type CustomerReportRow struct {
	CustomerID     int64  `json:"customer_id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	Company        string `json:"company,omitempty"`
	TotalLicenses  int    `json:"total_licenses"`
	ActiveLicenses int    `json:"active_licenses"`
}

// CustomerReport summarizes license holdings per customer.
func (s *StatsService) CustomerReport(ctx context.Context) ([]CustomerReportRow, error) {
	now := s.now().UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.email, COALESCE(c.company, ''),
			COUNT(l.id),
			COUNT(CASE WHEN l.is_active = 1 AND l.expires_at > ? THEN 1 END)
		FROM customers c
		LEFT JOIN licenses l ON l.customer_id = c.id
		GROUP BY c.id
		ORDER BY c.created_at DESC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var report []CustomerReportRow
	for rows.Next() {
		var row CustomerReportRow
		if err := rows.Scan(&row.CustomerID, &row.Name, &row.Email, &row.Company, &row.TotalLicenses, &row.ActiveLicenses); err != nil {
			return nil, err
		}
		report = append(report, row)
	}
	return report, rows.Err()
}
