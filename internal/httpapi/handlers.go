package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"paperwurks.org/internal/identity"
	"paperwurks.org/internal/obs"
)

// ReadyProbe checks readiness dependencies (DB ping and Redis ping when
// configured).
type ReadyProbe struct {
	DB   *sql.DB
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Ping != nil {
		return rp.Ping(ctx)
	}
	return nil
}

// API is the HTTP surface of the identity service.
type API struct {
	mux        *http.ServeMux
	auth       *identity.Service
	entities   *identity.EntityService
	readyProbe ReadyProbe
	version    string
}

func New(auth *identity.Service, entities *identity.EntityService, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		auth:       auth,
		entities:   entities,
		readyProbe: rp,
		version:    version,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/identity/register", a.handleRegister)
	a.mux.HandleFunc("/v1/identity/login", a.handleLogin)
	a.mux.HandleFunc("/v1/identity/refresh", a.handleRefresh)
	a.mux.HandleFunc("/v1/identity/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/identity/forgot-password", a.handleForgotPassword)
	a.mux.HandleFunc("/v1/identity/reset-password", a.handleResetPassword)
	a.mux.HandleFunc("/v1/identity/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/identity/verify-email", a.handleVerifyEmail)
	a.mux.HandleFunc("/v1/identity/resend-verification", a.handleResendVerification)
	a.mux.HandleFunc("/v1/identity/me", a.handleMe)

	a.mux.HandleFunc("/v1/entities", a.handleEntitiesCollection)
	a.mux.HandleFunc("/v1/entities/", a.handleEntityResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "paperwurks-identity",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleIdentityError maps the domain error taxonomy onto HTTP status
// codes. Unexpected failures become an opaque 500 with the detail kept in
// the log, never the response.
func handleIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *identity.ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, identity.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, "email already registered")
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrNotVerified):
		writeError(w, r, http.StatusForbidden, "email not verified")
	case errors.Is(err, identity.ErrInactive):
		writeError(w, r, http.StatusForbidden, "account deactivated")
	case errors.Is(err, identity.ErrInvalidToken), errors.Is(err, identity.ErrInvalidTokenType),
		errors.Is(err, identity.ErrAlreadyVerified):
		writeError(w, r, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, identity.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		obs.LogRequest(map[string]any{
			"level":      "error",
			"msg":        "request failed",
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
			"error":      err.Error(),
		})
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
