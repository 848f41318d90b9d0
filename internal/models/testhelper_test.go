// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zstok/keygate/internal/database"
	"github.com/zstok/keygate/internal/models"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db.Conn()
}

func createTestCustomer(t *testing.T, db *sql.DB) *models.Customer {
	t.Helper()

	customer, err := models.NewCustomerStore(db).Create(
		context.Background(), "Test Customer", "customer@example.com", "", "")
	require.NoError(t, err)

	return customer
}

func createTestLicense(t *testing.T, db *sql.DB, customerID int64, maxActivations int) *models.License {
	t.Helper()

	license, err := models.NewLicenseStore(db).Create(
		context.Background(), customerID,
		time.Now().Add(365*24*time.Hour), models.EditionStandard, nil, maxActivations, "")
	require.NoError(t, err)

	return license
}
