// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zstok/keygate/internal/services"
)

type TrialHandler struct {
	service *services.TrialService
}

func NewTrialHandler(service *services.TrialService) *TrialHandler {
	return &TrialHandler{service: service}
}

func (h *TrialHandler) Routes(r chi.Router) {
	r.Post("/trial/check", h.Check)
	r.Post("/trial/start", h.Start)
	r.Post("/trial/validate", h.Validate)
}

type trialRequest struct {
	HardwareID string         `json:"hardware_id"`
	SystemInfo map[string]any `json:"system_info,omitempty"`
}

func (h *TrialHandler) Check(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	status, err := h.service.CheckEligibility(r.Context(), req.HardwareID, req.SystemInfo)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "trial check failed")
		return
	}

	h.respond(w, status)
}

func (h *TrialHandler) Start(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	status, err := h.service.Start(r.Context(), req.HardwareID, req.SystemInfo, clientIP(r), r.UserAgent())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to start trial")
		return
	}

	h.respond(w, status)
}

func (h *TrialHandler) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	status, err := h.service.Validate(r.Context(), req.HardwareID, req.SystemInfo)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "trial validation failed")
		return
	}

	h.respond(w, status)
}

func (h *TrialHandler) decode(w http.ResponseWriter, r *http.Request) (*trialRequest, bool) {
	var req trialRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if req.HardwareID == "" {
		RespondError(w, http.StatusBadRequest, "hardware_id is required")
		return nil, false
	}
	return &req, true
}

func (h *TrialHandler) respond(w http.ResponseWriter, status *services.TrialStatus) {
	RespondJSON(w, statusForCode(status.Code), status)
}
