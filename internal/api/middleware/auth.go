// Copyright (c) 2025, the zstok contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/zstok/keygate/internal/auth"
)

// SessionName is the admin session cookie name.
const SessionName = "keygate_session"

// RequireAuth guards admin routes. An X-API-Key header wins over the session
// cookie so automation never depends on cookie state.
func RequireAuth(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rawKey := r.Header.Get("X-API-Key"); rawKey != "" {
				if _, err := authService.ValidateAPIKey(r.Context(), rawKey); err == nil {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w, "invalid API key")
				return
			}

			session, err := authService.GetSessionStore().Get(r, SessionName)
			if err != nil {
				unauthorized(w, "invalid session")
				return
			}

			if authenticated, ok := session.Values["authenticated"].(bool); !ok || !authenticated {
				unauthorized(w, "authentication required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireSetup rejects admin requests until the admin account exists, so
// nothing behind login is reachable on a fresh install.
func RequireSetup(authService *auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			done, err := authService.IsSetupComplete(r.Context())
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "failed to check setup status"})
				return
			}
			if !done {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "setup required"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
