// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package auth handles the single admin account, browser sessions, and API
// keys for automation. Public license endpoints are unauthenticated; only
// the admin surface goes through here.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/rs/zerolog/log"

	"github.com/zstok/keygate/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSetupAlreadyDone   = errors.New("setup has already been completed")
)

const sessionMaxAge = 7 * 24 * time.Hour

type Service struct {
	users    *models.UserStore
	apiKeys  *models.APIKeyStore
	sessions *sessions.CookieStore
}

func NewService(users *models.UserStore, apiKeys *models.APIKeyStore, sessionSecret string, secureCookies bool) *Service {
	store := sessions.NewCookieStore([]byte(sessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(sessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   secureCookies,
		SameSite: http.SameSiteLaxMode,
	}

	return &Service{
		users:    users,
		apiKeys:  apiKeys,
		sessions: store,
	}
}

func (s *Service) GetSessionStore() *sessions.CookieStore {
	return s.sessions
}

// IsSetupComplete reports whether the admin account exists yet.
func (s *Service) IsSetupComplete(ctx context.Context) (bool, error) {
	_, err := s.users.Get(ctx)
	if errors.Is(err, models.ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetupAdmin creates the one admin account. Fails once an account exists.
func (s *Service) SetupAdmin(ctx context.Context, username, password string) (*models.User, error) {
	done, err := s.IsSetupComplete(ctx)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrSetupAlreadyDone
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}

	user, err := s.users.Create(ctx, username, hash)
	if err != nil {
		return nil, err
	}

	log.Info().Str("username", username).Msg("Admin account created")
	return user, nil
}

// Login verifies the admin credentials. Unknown username and wrong password
// are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username, password string) (*models.User, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if errors.Is(err, models.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !match {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

// ChangePassword rotates the admin password after verifying the current one.
func (s *Service) ChangePassword(ctx context.Context, currentPassword, newPassword string) error {
	user, err := s.users.Get(ctx)
	if err != nil {
		return err
	}

	match, err := VerifyPassword(currentPassword, user.PasswordHash)
	if err != nil {
		return err
	}
	if !match {
		return ErrInvalidCredentials
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	return s.users.UpdatePassword(ctx, hash)
}

// SetPassword overwrites the admin password without the current one. CLI
// recovery path only.
func (s *Service) SetPassword(ctx context.Context, newPassword string) error {
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.users.UpdatePassword(ctx, hash)
}

// CreateAPIKey mints a named API key, returning the raw key exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, name string) (*models.APIKey, string, error) {
	return s.apiKeys.Create(ctx, name)
}

// ValidateAPIKey resolves a raw API key to its record and stamps last-used.
func (s *Service) ValidateAPIKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	apiKey, err := s.apiKeys.GetByHash(ctx, models.HashAPIKey(rawKey))
	if err != nil {
		return nil, err
	}

	if err := s.apiKeys.TouchLastUsed(ctx, apiKey.ID); err != nil {
		log.Error().Err(err).Msg("Failed to update API key last-used")
	}

	return apiKey, nil
}

func (s *Service) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	return s.apiKeys.List(ctx)
}

func (s *Service) DeleteAPIKey(ctx context.Context, id int) error {
	return s.apiKeys.Delete(ctx, id)
}
