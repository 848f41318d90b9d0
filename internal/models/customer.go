// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

var ErrCustomerNotFound = errors.New("customer not found")

type Customer struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	Company   string    `json:"company,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type CustomerStore struct {
	db *sql.DB
}

func NewCustomerStore(db *sql.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

func (s *CustomerStore) Create(ctx context.Context, name, email, phone, company string) (*Customer, error) {
	query := `
		INSERT INTO customers (name, email, phone, company)
		VALUES (?, ?, ?, ?)
		RETURNING id, name, email, phone, company, COALESCE(notes, ''), created_at, updated_at
	`

	customer := &Customer{}
	err := s.db.QueryRowContext(ctx, query, name, strings.ToLower(email), phone, company).Scan(
		&customer.ID,
		&customer.Name,
		&customer.Email,
		&customer.Phone,
		&customer.Company,
		&customer.Notes,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return customer, nil
}

func (s *CustomerStore) GetByID(ctx context.Context, id int64) (*Customer, error) {
	query := `
		SELECT id, name, email, COALESCE(phone, ''), COALESCE(company, ''), COALESCE(notes, ''), created_at, updated_at
		FROM customers
		WHERE id = ?
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, id))
}

// GetByEmail looks a customer up case-insensitively; emails are stored
// lowercased but older rows may predate that.
func (s *CustomerStore) GetByEmail(ctx context.Context, email string) (*Customer, error) {
	query := `
		SELECT id, name, email, COALESCE(phone, ''), COALESCE(company, ''), COALESCE(notes, ''), created_at, updated_at
		FROM customers
		WHERE email = ? COLLATE NOCASE
	`

	return s.scanOne(s.db.QueryRowContext(ctx, query, email))
}

// List returns customers ordered newest first. When search is non-empty the
// result is narrowed by a fuzzy match on name, email, and company.
func (s *CustomerStore) List(ctx context.Context, search string, limit, offset int) ([]*Customer, int, error) {
	query := `
		SELECT id, name, email, COALESCE(phone, ''), COALESCE(company, ''), COALESCE(notes, ''), created_at, updated_at
		FROM customers
		ORDER BY created_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		customer := &Customer{}
		if err := rows.Scan(
			&customer.ID,
			&customer.Name,
			&customer.Email,
			&customer.Phone,
			&customer.Company,
			&customer.Notes,
			&customer.CreatedAt,
			&customer.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if search != "" {
		var filtered []*Customer
		for _, customer := range customers {
			haystack := customer.Name + " " + customer.Email + " " + customer.Company
			if fuzzy.MatchFold(search, haystack) {
				filtered = append(filtered, customer)
			}
		}
		customers = filtered
	}

	total := len(customers)
	customers = paginate(customers, limit, offset)

	return customers, total, nil
}

// CountActiveLicenses returns how many active licenses a customer holds.
func (s *CustomerStore) CountActiveLicenses(ctx context.Context, customerID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM licenses WHERE customer_id = ? AND is_active = 1", customerID).Scan(&count)
	return count, err
}

func (s *CustomerStore) scanOne(row *sql.Row) (*Customer, error) {
	customer := &Customer{}
	err := row.Scan(
		&customer.ID,
		&customer.Name,
		&customer.Email,
		&customer.Phone,
		&customer.Company,
		&customer.Notes,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrCustomerNotFound
	}
	if err != nil {
		return nil, err
	}
	return customer, nil
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
