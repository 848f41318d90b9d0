// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/zstok/keygate/internal/api/handlers"
	apimiddleware "github.com/zstok/keygate/internal/api/middleware"
	"github.com/zstok/keygate/internal/auth"
	"github.com/zstok/keygate/internal/config"
	"github.com/zstok/keygate/internal/database"
	"github.com/zstok/keygate/internal/metrics"
	"github.com/zstok/keygate/internal/models"
	"github.com/zstok/keygate/internal/services"
	"github.com/zstok/keygate/internal/sign"
)

// Dependencies carries everything the router wires together.
type Dependencies struct {
	Config          *config.AppConfig
	DB              *database.DB
	AuthService     *auth.Service
	LicenseService  *services.LicenseService
	TrialService    *services.TrialService
	StatsService    *services.StatsService
	Signer          *sign.Signer
	LicenseStore    *models.LicenseStore
	CustomerStore   *models.CustomerStore
	ActivationStore *models.ActivationStore
	MetricsManager  *metrics.Manager
}

// NewRouter assembles the HTTP surface: unauthenticated client endpoints
// under /api/v1, the admin API under /api/admin, plus health and optional
// metrics.
func NewRouter(deps Dependencies) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Compress(5))
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(apimiddleware.Logger)

	r.Get("/health", healthHandler(deps.DB))

	if deps.MetricsManager != nil {
		r.Handle("/metrics", deps.MetricsManager.Handler())
	}

	licenseHandler := handlers.NewLicenseHandler(deps.LicenseService, deps.Signer)
	trialHandler := handlers.NewTrialHandler(deps.TrialService)
	authHandler := handlers.NewAuthHandler(deps.AuthService)
	adminHandler := handlers.NewAdminHandler(
		deps.LicenseService, deps.StatsService,
		deps.LicenseStore, deps.CustomerStore, deps.ActivationStore)

	r.Route("/api/v1", func(r chi.Router) {
		licenseHandler.Routes(r)
		trialHandler.Routes(r)
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			authHandler.PublicRoutes(r)

			r.Group(func(r chi.Router) {
				r.Use(apimiddleware.RequireAuth(deps.AuthService))
				authHandler.ProtectedRoutes(r)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(apimiddleware.RequireSetup(deps.AuthService))
			r.Use(apimiddleware.RequireAuth(deps.AuthService))
			adminHandler.Routes(r)
		})
	})

	return r
}

func healthHandler(db *database.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Conn().PingContext(r.Context()); err != nil {
			handlers.RespondError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
		handlers.RespondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
