// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apimiddleware "github.com/zstok/keygate/internal/api/middleware"
	"github.com/zstok/keygate/internal/auth"
	"github.com/zstok/keygate/internal/models"
)

type AuthHandler struct {
	service *auth.Service
}

func NewAuthHandler(service *auth.Service) *AuthHandler {
	return &AuthHandler{service: service}
}

// PublicRoutes are reachable before login.
func (h *AuthHandler) PublicRoutes(r chi.Router) {
	r.Get("/check-setup", h.CheckSetup)
	r.Post("/setup", h.Setup)
	r.Post("/login", h.Login)
}

// ProtectedRoutes require an authenticated session or API key.
func (h *AuthHandler) ProtectedRoutes(r chi.Router) {
	r.Post("/logout", h.Logout)
	r.Get("/verify", h.Verify)
	r.Post("/change-password", h.ChangePassword)
	r.Get("/api-keys", h.ListAPIKeys)
	r.Post("/api-keys", h.CreateAPIKey)
	r.Delete("/api-keys/{id}", h.DeleteAPIKey)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *AuthHandler) CheckSetup(w http.ResponseWriter, r *http.Request) {
	done, err := h.service.IsSetupComplete(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to check setup status")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]bool{"setup_complete": done})
}

func (h *AuthHandler) Setup(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || len(req.Password) < 8 {
		RespondError(w, http.StatusBadRequest, "username and a password of at least 8 characters are required")
		return
	}

	user, err := h.service.SetupAdmin(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrSetupAlreadyDone) || errors.Is(err, models.ErrUserAlreadyExists) {
		RespondError(w, http.StatusConflict, "setup has already been completed")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to create admin account")
		return
	}

	h.saveSession(w, r, user.Username)
	RespondJSON(w, http.StatusCreated, map[string]string{"username": user.Username})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.service.Login(r.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		RespondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	h.saveSession(w, r, user.Username)
	RespondJSON(w, http.StatusOK, map[string]string{"username": user.Username})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSessionStore().Get(r, apimiddleware.SessionName)
	if err == nil {
		session.Options.MaxAge = -1
		if err := session.Save(r, w); err != nil {
			log.Error().Err(err).Msg("Failed to clear session")
		}
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, map[string]bool{"authenticated": true})
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.NewPassword) < 8 {
		RespondError(w, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	err := h.service.ChangePassword(r.Context(), req.CurrentPassword, req.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		RespondError(w, http.StatusUnauthorized, "current password is incorrect")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

func (h *AuthHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		RespondError(w, http.StatusBadRequest, "name is required")
		return
	}

	apiKey, rawKey, err := h.service.CreateAPIKey(r.Context(), req.Name)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to create API key")
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]any{
		"api_key": apiKey,
		"key":     rawKey,
	})
}

func (h *AuthHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.service.ListAPIKeys(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to list API keys")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"api_keys": keys})
}

func (h *AuthHandler) DeleteAPIKey(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid API key id")
		return
	}

	err = h.service.DeleteAPIKey(r.Context(), id)
	if errors.Is(err, models.ErrAPIKeyNotFound) {
		RespondError(w, http.StatusNotFound, "API key not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to delete API key")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *AuthHandler) saveSession(w http.ResponseWriter, r *http.Request, username string) {
	session, err := h.service.GetSessionStore().Get(r, apimiddleware.SessionName)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get session")
		return
	}

	session.Values["authenticated"] = true
	session.Values["username"] = username
	if err := session.Save(r, w); err != nil {
		log.Error().Err(err).Msg("Failed to save session")
	}
}
