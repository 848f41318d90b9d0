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
)

func newStatsEnv(t *testing.T) (*StatsService, *models.LicenseStore, *models.CustomerStore, *models.ActivationStore) {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	conn := db.Conn()
	return NewStatsService(conn),
		models.NewLicenseStore(conn),
		models.NewCustomerStore(conn),
		models.NewActivationStore(conn)
}

func TestDashboardCounts(t *testing.T) {
	stats, licenses, customers, activations := newStatsEnv(t)
	ctx := context.Background()
	now := time.Now()

	customer, err := customers.Create(ctx, "Acme", "acme@example.com", "", "")
	require.NoError(t, err)

	active, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionEnterprise, nil, 5, "")
	require.NoError(t, err)
	_, err = licenses.Create(ctx, customer.ID, now.Add(-24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)
	_, err = licenses.Create(ctx, customer.ID, now.Add(10*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)

	_, err = activations.Activate(ctx, active, "fp-1", nil, "", "", now)
	require.NoError(t, err)

	dashboard, err := stats.Dashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, dashboard.TotalCustomers)
	assert.Equal(t, 3, dashboard.TotalLicenses)
	assert.Equal(t, 2, dashboard.ActiveLicenses)
	assert.Equal(t, 1, dashboard.ExpiredLicenses)
	assert.Equal(t, 1, dashboard.ExpiringSoon)
	assert.Equal(t, 1, dashboard.ActiveActivations)
	assert.Equal(t, 2, dashboard.EditionDistribution[models.EditionStandard])
	assert.Equal(t, 1, dashboard.EditionDistribution[models.EditionEnterprise])
}

func TestTrialConversionCountsHardwareOnce(t *testing.T) {
	stats, licenses, customers, activations := newStatsEnv(t)
	ctx := context.Background()
	now := time.Now()

	customer, err := customers.Create(ctx, "Acme", "acme@example.com", "", "")
	require.NoError(t, err)

	first, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)
	second, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)

	// Two trial machines; one buys twice, the other never converts.
	_, err = activations.CreateTrial(ctx, "converted-fp", "converted-fp", nil, "", "", now)
	require.NoError(t, err)
	_, err = activations.CreateTrial(ctx, "lost-fp", "lost-fp", nil, "", "", now)
	require.NoError(t, err)

	_, err = activations.Activate(ctx, first, "converted-fp", nil, "", "", now)
	require.NoError(t, err)
	_, err = activations.Activate(ctx, second, "converted-fp", nil, "", "", now)
	require.NoError(t, err)

	dashboard, err := stats.Dashboard(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, dashboard.Trials.Total)
	assert.Equal(t, 1, dashboard.Trials.Converted)
	assert.InDelta(t, 0.5, dashboard.Trials.ConversionRate, 0.001)
}

func TestLicenseReportFilters(t *testing.T) {
	stats, licenses, customers, activations := newStatsEnv(t)
	ctx := context.Background()
	now := time.Now()

	customer, err := customers.Create(ctx, "Acme", "acme@example.com", "", "Acme Corp")
	require.NoError(t, err)

	current, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionProfessional, nil, 3, "")
	require.NoError(t, err)
	expired, err := licenses.Create(ctx, customer.ID, now.Add(-24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)
	expiringSoon, err := licenses.Create(ctx, customer.ID, now.Add(10*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)

	_, err = activations.Activate(ctx, current, "fp-1", nil, "", "", now)
	require.NoError(t, err)
	_, err = activations.Activate(ctx, current, "fp-2", nil, "", "", now)
	require.NoError(t, err)

	all, err := stats.LicenseReport(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	expiredOnly, err := stats.LicenseReport(ctx, "expired")
	require.NoError(t, err)
	require.Len(t, expiredOnly, 1)
	assert.Equal(t, expired.Key, expiredOnly[0].LicenseKey)

	soonOnly, err := stats.LicenseReport(ctx, "expiring_soon")
	require.NoError(t, err)
	require.Len(t, soonOnly, 1)
	assert.Equal(t, expiringSoon.Key, soonOnly[0].LicenseKey)

	for _, row := range all {
		if row.LicenseKey == current.Key {
			assert.Equal(t, 2, row.ActiveActivations)
			assert.Equal(t, 3, row.MaxActivations)
			assert.Equal(t, "Acme", row.CustomerName)
			assert.Equal(t, "acme@example.com", row.CustomerEmail)
		}
	}
}

func TestActivationReportFilters(t *testing.T) {
	stats, licenses, customers, activations := newStatsEnv(t)
	ctx := context.Background()
	now := time.Now()

	customer, err := customers.Create(ctx, "Acme", "acme@example.com", "", "")
	require.NoError(t, err)

	first, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionStandard, nil, 2, "")
	require.NoError(t, err)
	second, err := licenses.Create(ctx, customer.ID, now.Add(365*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)

	_, err = activations.Activate(ctx, first, "fp-1", nil, "", "", now)
	require.NoError(t, err)
	_, err = activations.Activate(ctx, first, "fp-2", nil, "", "", now)
	require.NoError(t, err)
	require.NoError(t, activations.Deactivate(ctx, first.ID, "fp-2"))
	_, err = activations.Activate(ctx, second, "fp-3", nil, "", "", now)
	require.NoError(t, err)

	all, err := stats.ActivationReport(ctx, "all", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	firstOnly, err := stats.ActivationReport(ctx, "all", first.Key)
	require.NoError(t, err)
	assert.Len(t, firstOnly, 2)

	inactive, err := stats.ActivationReport(ctx, "inactive", first.Key)
	require.NoError(t, err)
	require.Len(t, inactive, 1)
	assert.Equal(t, "fp-2", inactive[0].HardwareFingerprint)

	_, err = stats.ActivationReport(ctx, "all", "ZS-NOPE-NOPE-NOPE-NOPE")
	assert.ErrorIs(t, err, models.ErrLicenseNotFound)
}

func TestTrialReportComputesWindowState(t *testing.T) {
	stats, _, _, activations := newStatsEnv(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	stats.WithClock(func() time.Time { return now })

	_, err := activations.CreateTrial(ctx, "fresh-fp", "fresh-fp", nil, "", "", now.Add(-24*time.Hour))
	require.NoError(t, err)
	_, err = activations.CreateTrial(ctx, "ending-fp", "ending-fp", nil, "", "", now.Add(-6*24*time.Hour))
	require.NoError(t, err)
	_, err = activations.CreateTrial(ctx, "expired-fp", "expired-fp", nil, "", "", now.Add(-8*24*time.Hour))
	require.NoError(t, err)

	all, err := stats.TrialReport(ctx, "all")
	require.NoError(t, err)
	require.Len(t, all, 3)

	byHash := make(map[string]TrialReportRow)
	for _, row := range all {
		byHash[row.HardwareHash] = row
	}

	assert.Equal(t, 6, byHash["fresh-fp"].DaysRemaining)
	assert.False(t, byHash["fresh-fp"].IsExpired)
	assert.True(t, byHash["expired-fp"].IsExpired)
	assert.Zero(t, byHash["expired-fp"].DaysRemaining)

	active, err := stats.TrialReport(ctx, "active")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	expired, err := stats.TrialReport(ctx, "expired")
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "expired-fp", expired[0].HardwareHash)

	endingSoon, err := stats.TrialReport(ctx, "expiring_soon")
	require.NoError(t, err)
	require.Len(t, endingSoon, 1)
	assert.Equal(t, "ending-fp", endingSoon[0].HardwareHash)
}

func TestExpiringLicensesReport(t *testing.T) {
	stats, licenses, customers, _ := newStatsEnv(t)
	ctx := context.Background()
	now := time.Now()

	customer, err := customers.Create(ctx, "Acme", "acme@example.com", "", "")
	require.NoError(t, err)

	soon, err := licenses.Create(ctx, customer.ID, now.Add(5*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)
	_, err = licenses.Create(ctx, customer.ID, now.Add(300*24*time.Hour),
		models.EditionStandard, nil, 1, "")
	require.NoError(t, err)

	expiring, err := stats.ExpiringLicenses(ctx, 30)
	require.NoError(t, err)

	require.Len(t, expiring, 1)
	assert.Equal(t, soon.Key, expiring[0].LicenseKey)
	assert.Equal(t, "acme@example.com", expiring[0].CustomerEmail)
	assert.LessOrEqual(t, expiring[0].DaysRemaining, 5)
}
