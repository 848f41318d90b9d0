// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zstok/keygate/internal/services"
	"github.com/zstok/keygate/internal/sign"
)

// LicenseHandler serves the public, unauthenticated license endpoints that
// client applications call.
type LicenseHandler struct {
	service *services.LicenseService
	signer  *sign.Signer
}

func NewLicenseHandler(service *services.LicenseService, signer *sign.Signer) *LicenseHandler {
	return &LicenseHandler{service: service, signer: signer}
}

func (h *LicenseHandler) Routes(r chi.Router) {
	r.Post("/activate", h.Activate)
	r.Post("/validate", h.Validate)
	r.Post("/deactivate", h.Deactivate)
	r.Get("/public-key", h.PublicKey)
}

func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req services.ActivateRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LicenseKey == "" || req.Email == "" || req.HardwareID == "" {
		RespondError(w, http.StatusBadRequest, "license_key, email, and hardware_id are required")
		return
	}

	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()

	result, err := h.service.Activate(r.Context(), req)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "activation failed")
		return
	}

	if result.Proof == nil {
		RespondJSON(w, statusForCode(result.Code), map[string]any{
			"status":  "error",
			"code":    result.Code,
			"message": result.Message,
		})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"code":    result.Code,
		"message": result.Message,
		"license": result.Proof,
	})
}

func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req services.ValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LicenseKey == "" || req.HardwareID == "" {
		RespondError(w, http.StatusBadRequest, "license_key and hardware_id are required")
		return
	}

	result, err := h.service.Validate(r.Context(), req)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "validation failed")
		return
	}

	RespondJSON(w, statusForCode(result.Code), result)
}

type deactivateRequest struct {
	LicenseKey string         `json:"license_key"`
	HardwareID string         `json:"hardware_id"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	var req deactivateRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LicenseKey == "" || req.HardwareID == "" {
		RespondError(w, http.StatusBadRequest, "license_key and hardware_id are required")
		return
	}

	result, err := h.service.Deactivate(r.Context(), req.LicenseKey, req.HardwareID, req.SystemInfo)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "deactivation failed")
		return
	}

	status := "success"
	if services.KindOf(result.Code) != services.KindOK {
		status = "error"
	}
	RespondJSON(w, statusForCode(result.Code), map[string]any{
		"status":  status,
		"code":    result.Code,
		"message": result.Message,
	})
}

// PublicKey serves the PEM verification key clients use to check proof
// signatures offline.
func (h *LicenseHandler) PublicKey(w http.ResponseWriter, r *http.Request) {
	pem, err := h.signer.PublicKeyPEM()
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to encode public key")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"public_key": pem})
}
