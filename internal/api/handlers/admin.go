// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/zstok/keygate/internal/models"
	"github.com/zstok/keygate/internal/services"
)

// AdminHandler serves the authenticated management API: issuing, revoking,
// extending licenses, browsing customers and activations, and reports.
type AdminHandler struct {
	licenses     *services.LicenseService
	stats        *services.StatsService
	licenseStore *models.LicenseStore
	customers    *models.CustomerStore
	activations  *models.ActivationStore
}

func NewAdminHandler(licenses *services.LicenseService, stats *services.StatsService, licenseStore *models.LicenseStore, customers *models.CustomerStore, activations *models.ActivationStore) *AdminHandler {
	return &AdminHandler{
		licenses:     licenses,
		stats:        stats,
		licenseStore: licenseStore,
		customers:    customers,
		activations:  activations,
	}
}

func (h *AdminHandler) Routes(r chi.Router) {
	r.Post("/licenses/generate", h.GenerateLicenses)
	r.Get("/licenses", h.ListLicenses)
	r.Get("/licenses/{key}", h.GetLicense)
	r.Post("/licenses/{key}/revoke", h.RevokeLicense)
	r.Post("/licenses/{key}/extend", h.ExtendLicense)
	r.Get("/customers", h.ListCustomers)
	r.Get("/customers/{id}", h.GetCustomer)
	r.Get("/activations", h.ListActivations)
	r.Get("/stats", h.Stats)
	r.Get("/reports/expiring", h.ExpiringReport)
	r.Get("/reports/customers", h.CustomerReport)
	r.Get("/reports/licenses", h.LicenseReport)
	r.Get("/reports/activations", h.ActivationReport)
	r.Get("/reports/trials", h.TrialReport)
}

func (h *AdminHandler) GenerateLicenses(w http.ResponseWriter, r *http.Request) {
	var req services.IssueRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	licenses, customer, err := h.licenses.Issue(r.Context(), req)
	if err != nil {
		RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	RespondJSON(w, http.StatusCreated, map[string]any{
		"customer": customer,
		"licenses": licenses,
	})
}

func (h *AdminHandler) ListLicenses(w http.ResponseWriter, r *http.Request) {
	filter := models.LicenseFilter{
		Search:  r.URL.Query().Get("search"),
		Edition: r.URL.Query().Get("edition"),
		Limit:   queryInt(r, "limit", 50),
		Offset:  queryInt(r, "offset", 0),
	}
	if active := r.URL.Query().Get("active"); active != "" {
		isActive := active == "true"
		filter.IsActive = &isActive
	}

	licenses, total, err := h.licenseStore.List(r.Context(), filter)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to list licenses")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"licenses": licenses,
		"total":    total,
	})
}

func (h *AdminHandler) GetLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	license, err := h.licenseStore.GetByKey(r.Context(), key)
	if errors.Is(err, models.ErrLicenseNotFound) {
		RespondError(w, http.StatusNotFound, "license not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to load license")
		return
	}

	customer, err := h.customers.GetByID(r.Context(), license.CustomerID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to load customer")
		return
	}

	activations, err := h.activations.ListForLicense(r.Context(), license.ID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to load activations")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"license":     license,
		"customer":    customer,
		"activations": activations,
		"features":    license.EffectiveFeatures(),
	})
}

func (h *AdminHandler) RevokeLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	err := h.licenses.Revoke(r.Context(), key)
	if errors.Is(err, models.ErrLicenseNotFound) {
		RespondError(w, http.StatusNotFound, "license not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to revoke license")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

type extendRequest struct {
	Days int `json:"days"`
}

func (h *AdminHandler) ExtendLicense(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req extendRequest
	if err := decodeJSON(r, &req); err != nil {
		RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Days <= 0 {
		RespondError(w, http.StatusBadRequest, "days must be positive")
		return
	}

	license, err := h.licenses.Extend(r.Context(), key, req.Days)
	if errors.Is(err, models.ErrLicenseNotFound) {
		RespondError(w, http.StatusNotFound, "license not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to extend license")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"license": license})
}

func (h *AdminHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, total, err := h.customers.List(r.Context(),
		r.URL.Query().Get("search"), queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to list customers")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"customers": customers,
		"total":     total,
	})
}

func (h *AdminHandler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondError(w, http.StatusBadRequest, "invalid customer id")
		return
	}

	customer, err := h.customers.GetByID(r.Context(), id)
	if errors.Is(err, models.ErrCustomerNotFound) {
		RespondError(w, http.StatusNotFound, "customer not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to load customer")
		return
	}

	activeLicenses, err := h.customers.CountActiveLicenses(r.Context(), customer.ID)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to count licenses")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"customer":        customer,
		"active_licenses": activeLicenses,
	})
}

func (h *AdminHandler) ListActivations(w http.ResponseWriter, r *http.Request) {
	filter := models.ActivationFilter{
		TrialOnly: r.URL.Query().Get("trials") == "true",
	}
	if licenseID := r.URL.Query().Get("license_id"); licenseID != "" {
		id, err := strconv.ParseInt(licenseID, 10, 64)
		if err != nil {
			RespondError(w, http.StatusBadRequest, "invalid license_id")
			return
		}
		filter.LicenseID = &id
	}
	if active := r.URL.Query().Get("active"); active != "" {
		isActive := active == "true"
		filter.IsActive = &isActive
	}

	activations, err := h.activations.ListFiltered(r.Context(), filter)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to list activations")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"activations": activations})
}

func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Dashboard(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	RespondJSON(w, http.StatusOK, stats)
}

func (h *AdminHandler) ExpiringReport(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)

	expiring, err := h.stats.ExpiringLicenses(r.Context(), days)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"expiring": expiring, "within_days": days})
}

func (h *AdminHandler) CustomerReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.stats.CustomerReport(r.Context())
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"customers": report})
}

func (h *AdminHandler) LicenseReport(w http.ResponseWriter, r *http.Request) {
	reportType := reportTypeParam(r)

	report, err := h.stats.LicenseReport(r.Context(), reportType)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	respondReport(w, reportType, len(report), report)
}

func (h *AdminHandler) ActivationReport(w http.ResponseWriter, r *http.Request) {
	reportType := reportTypeParam(r)
	licenseKey := r.URL.Query().Get("license_key")

	report, err := h.stats.ActivationReport(r.Context(), reportType, licenseKey)
	if errors.Is(err, models.ErrLicenseNotFound) {
		RespondError(w, http.StatusNotFound, "license not found")
		return
	}
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	respondReport(w, reportType, len(report), report)
}

func (h *AdminHandler) TrialReport(w http.ResponseWriter, r *http.Request) {
	reportType := reportTypeParam(r)

	report, err := h.stats.TrialReport(r.Context(), reportType)
	if err != nil {
		RespondError(w, http.StatusInternalServerError, "failed to build report")
		return
	}

	respondReport(w, reportType, len(report), report)
}

func reportTypeParam(r *http.Request) string {
	if reportType := r.URL.Query().Get("type"); reportType != "" {
		return reportType
	}
	return "all"
}

func respondReport(w http.ResponseWriter, reportType string, total int, data any) {
	RespondJSON(w, http.StatusOK, map[string]any{
		"report_type":   reportType,
		"generated_at":  time.Now().UTC(),
		"total_records": total,
		"data":          data,
	})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
