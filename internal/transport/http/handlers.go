// Copyright 2026 The TrustGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/cache"
	"github.com/trustgate/trustgate/internal/exchange"
	"github.com/trustgate/trustgate/internal/observability/logger"
	obsmetrics "github.com/trustgate/trustgate/internal/observability/metrics"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/token"
)

// Handler holds HTTP handlers and dependencies
type Handler struct {
	exchange    *exchange.Service
	minter      *token.Minter
	decider     exchange.Decider
	invalidator cache.Invalidator
	auditLogger audit.Logger
	metrics     *obsmetrics.ExchangeMetrics
}

// NewHandler creates a new HTTP handler
func NewHandler(
	exchangeService *exchange.Service,
	minter *token.Minter,
	decider exchange.Decider,
	invalidator cache.Invalidator,
	auditLogger audit.Logger,
	exchangeMetrics *obsmetrics.ExchangeMetrics,
) *Handler {
	if auditLogger == nil {
		auditLogger = audit.NewSlogLogger()
	}
	return &Handler{
		exchange:    exchangeService,
		minter:      minter,
		decider:     decider,
		invalidator: invalidator,
		auditLogger: auditLogger,
		metrics:     exchangeMetrics,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RateLimitMiddleware(rateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check
	r.Get("/health", h.HealthCheck)

	// Verification key discovery for downstream services
	r.Get("/.well-known/jwks.json", h.JWKS)

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Token endpoints authenticate via the assertion or credential in the
		// request body, not via the Authorization header.
		r.Post("/token/exchange", h.Exchange)
		r.Post("/token/validate", h.Validate)
		r.Post("/token/introspect", h.Introspect)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(h.AuthMiddleware)

			r.Get("/tenants/{tenantID}/users/{userID}/roles", h.GetResolvedRoles)
			r.Post("/sessions/revoke", h.RevokeSession)
		})
	})

	// Internal operations plane
	r.Route("/internal/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		r.Post("/cache/invalidate", h.InvalidateCache)
	})

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "trustgate",
	})
}

// JWKS publishes the credential verification keys.
func (h *Handler) JWKS(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.minter.JWKS())
}

// Exchange converts an identity assertion into a tenant-scoped access
// credential.
func (h *Handler) Exchange(w http.ResponseWriter, r *http.Request) {
	var req exchange.ExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start := time.Now()
	resp, err := h.exchange.Exchange(r.Context(), req)
	h.recordExchange(r, err, time.Since(start))
	if err != nil {
		respondExchangeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// ValidateRequest carries a credential for validation or introspection.
type ValidateRequest struct {
	Token string `json:"token"`
}

// Validate checks a scoped credential, including the revocation registry.
func (h *Handler) Validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims, err := h.exchange.Validate(r.Context(), req.Token)
	h.recordValidation(r, err)
	if err != nil {
		respondExchangeError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"valid":  true,
		"claims": claims,
	})
}

// Introspect reports credential liveness. Invalid, expired and revoked
// credentials all produce {active:false} with status 200.
func (h *Handler) Introspect(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	respondJSON(w, http.StatusOK, h.exchange.Introspect(r.Context(), req.Token))
}

// GetResolvedRoles returns the resolved role snapshot for a user in a tenant.
func (h *Handler) GetResolvedRoles(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	userID := chi.URLParam(r, "userID")
	actor := GetSubject(r.Context())

	snap, err := h.exchange.GetResolvedRoles(r.Context(), actor, userID, tenantID)
	if err != nil {
		respondExchangeError(w, err)
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeRolesRead,
		TenantID:  tenantID,
		ActorID:   actor.UserID,
		IPAddress: getIPAddress(r),
		Metadata:  map[string]any{"target_user_id": userID},
	})

	respondJSON(w, http.StatusOK, snap)
}

// RevokeSessionRequest names the session to revoke. An empty session_id
// revokes the caller's own session.
type RevokeSessionRequest struct {
	SessionID string `json:"session_id"`
}

// RevokeSession marks a session revoked across all instances.
func (h *Handler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	var req RevokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	claims := GetClaims(r.Context())
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = claims.SessionID
	}

	err := h.exchange.Revoke(r.Context(), GetSubject(r.Context()), claims.SessionID, sessionID)
	if err != nil {
		respondExchangeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.Revocations.Add(r.Context(), 1)
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "session revoked",
	})
}

// InvalidateCacheRequest selects which snapshots to drop.
type InvalidateCacheRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	All      bool   `json:"all"`
}

// InvalidateCache drops cached role snapshots. Platform admin only.
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	var req InvalidateCacheRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !req.All && (req.UserID == "" || req.TenantID == "") {
		respondError(w, http.StatusBadRequest, "user_id and tenant_id are required unless all is set")
		return
	}

	actor := GetSubject(r.Context())
	input := policy.Input{Action: policy.ActionCacheInvalidate, Scope: policy.GlobalScope()}
	if err := h.decider.Decide(r.Context(), actor, input); err != nil {
		if errors.Is(err, policy.ErrForbidden) {
			respondError(w, http.StatusForbidden, "cache invalidation requires platform admin")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "policy evaluation failed")
		return
	}

	var err error
	if req.All {
		err = h.invalidator.InvalidateAll(r.Context())
	} else {
		err = h.invalidator.InvalidateSubjectTenant(r.Context(), req.UserID, req.TenantID)
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "cache invalidation failed", logger.Error(err))
		respondError(w, http.StatusServiceUnavailable, "cache invalidation failed")
		return
	}

	h.auditLogger.Log(r.Context(), audit.Event{
		Type:      audit.TypeCacheInvalidated,
		TenantID:  req.TenantID,
		ActorID:   actor.UserID,
		IPAddress: getIPAddress(r),
		Metadata:  map[string]any{"all": req.All, "target_user_id": req.UserID},
	})

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "cache invalidated",
	})
}

func (h *Handler) recordExchange(r *http.Request, err error, elapsed time.Duration) {
	if h.metrics == nil {
		return
	}
	outcome := metric.WithAttributes(attribute.String("outcome", outcomeFor(err)))
	h.metrics.Exchanges.Add(r.Context(), 1, outcome)
	h.metrics.ExchangeLatency.Record(r.Context(), float64(elapsed.Milliseconds()), outcome)
}

func (h *Handler) recordValidation(r *http.Request, err error) {
	if h.metrics == nil {
		return
	}
	h.metrics.Validations.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("outcome", outcomeFor(err))))
}

func outcomeFor(err error) string {
	if err == nil {
		return "success"
	}
	var exErr *exchange.Error
	if errors.As(err, &exErr) {
		return exErr.Code
	}
	return "error"
}

// respondExchangeError maps stable exchange error codes onto HTTP statuses.
func respondExchangeError(w http.ResponseWriter, err error) {
	var exErr *exchange.Error
	if !errors.As(err, &exErr) {
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch exErr.Code {
	case exchange.CodeUnauthenticated:
		status = http.StatusUnauthorized
	case exchange.CodeNotMember, exchange.CodeForbidden:
		status = http.StatusForbidden
	case exchange.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case exchange.CodeInvalidRequest:
		status = http.StatusBadRequest
	}

	respondJSON(w, status, exErr)
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	// Check X-Real-IP header
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
