package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/unikey-gateway/internal/crypto"
	"github.com/kenneth/unikey-gateway/internal/metrics"
	"github.com/kenneth/unikey-gateway/internal/provider"
	"github.com/kenneth/unikey-gateway/internal/proxy"
	"github.com/kenneth/unikey-gateway/internal/usage"
	"github.com/kenneth/unikey-gateway/internal/vault"
)

// Handler exposes the vault, proxy and usage operations over HTTP. The
// upstream auth layer authenticates the caller and injects the owner ID
// and vault passphrase as headers; this layer never does login logic.
type Handler struct {
	store      vault.Store
	dispatcher *proxy.Dispatcher
	ledger     *usage.Ledger
	logger     *logrus.Logger
	metrics    *metrics.Metrics
	readyCheck func(r *http.Request) error

	mu       sync.RWMutex
	registry *provider.Registry
}

// NewHandler creates a new API handler.
func NewHandler(store vault.Store, registry *provider.Registry, dispatcher *proxy.Dispatcher, ledger *usage.Ledger, logger *logrus.Logger, m *metrics.Metrics) *Handler {
	return &Handler{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		ledger:     ledger,
		logger:     logger,
		metrics:    m,
	}
}

// SetRegistry swaps the adapter registry. Used by config reload while
// request handlers keep reading concurrently.
func (h *Handler) SetRegistry(r *provider.Registry) {
	h.mu.Lock()
	h.registry = r
	h.mu.Unlock()
}

func (h *Handler) currentRegistry() *provider.Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/keys", h.handleCreateKey).Methods("POST")
	v1.HandleFunc("/keys", h.handleListKeys).Methods("GET")
	v1.HandleFunc("/keys/{slug}/rotate", h.handleRotateKey).Methods("POST")
	v1.HandleFunc("/keys/{slug}/revoke", h.handleRevokeKey).Methods("POST")
	v1.HandleFunc("/keys/{slug}", h.handleDeleteKey).Methods("DELETE")
	v1.HandleFunc("/proxy/{provider}/{slug}", h.handleProxy).Methods("POST")
	v1.HandleFunc("/usage", h.handleUsage).Methods("GET")
	v1.HandleFunc("/usage/records", h.handleUsageRecords).Methods("GET")
}

// identity extracts the authenticated owner and passphrase injected by the
// upstream auth layer.
func identity(r *http.Request) (owner, passphrase string, err error) {
	owner = r.Header.Get("X-Owner-ID")
	passphrase = r.Header.Get("X-Vault-Passphrase")
	if owner == "" {
		return "", "", errors.New("missing X-Owner-ID header")
	}
	return owner, passphrase, nil
}

// errorResponse is the uniform error payload. It carries the stable error
// class only; secrets and internals never appear here.
type errorResponse struct {
	Error      string `json:"error"`
	ErrorClass string `json:"error_class,omitempty"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg, class string) {
	h.writeJSON(w, status, errorResponse{Error: msg, ErrorClass: class})
}

// writeVaultError maps vault/crypto errors onto HTTP statuses.
func (h *Handler) writeVaultError(w http.ResponseWriter, err error) {
	class := proxy.Classify(err)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "key not found", class)
	case errors.Is(err, vault.ErrDuplicateSlug):
		h.writeError(w, http.StatusConflict, "slug already in use", class)
	case errors.Is(err, vault.ErrExpired):
		h.writeError(w, http.StatusForbidden, "key expired", class)
	case errors.Is(err, vault.ErrRevoked):
		h.writeError(w, http.StatusForbidden, "key revoked", class)
	case errors.Is(err, crypto.ErrIntegrity):
		h.metrics.RecordCryptoFailure()
		h.writeError(w, http.StatusBadRequest, "decryption failed: wrong passphrase or corrupted data", class)
	case errors.Is(err, provider.ErrUnsupportedProvider):
		h.writeError(w, http.StatusBadRequest, err.Error(), class)
	default:
		h.logger.WithError(err).Error("Vault operation failed")
		h.writeError(w, http.StatusInternalServerError, "internal error", "")
	}
}

type createKeyRequest struct {
	Slug      string     `json:"slug"`
	Provider  string     `json:"provider,omitempty"`
	Secret    string     `json:"secret"`
	BaseURL   string     `json:"base_url,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type createKeyResponse struct {
	vault.Meta
	DetectedProvider bool `json:"detected_provider,omitempty"`
}

// handleCreateKey stores a new credential. When the provider is omitted it
// is inferred from the secret's prefix; an explicit provider always wins.
func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, passphrase, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}

	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if req.Slug == "" || req.Secret == "" {
		h.writeError(w, http.StatusBadRequest, "slug and secret are required", "")
		return
	}
	if passphrase == "" {
		h.writeError(w, http.StatusUnauthorized, "missing X-Vault-Passphrase header", "")
		return
	}

	registry := h.currentRegistry()
	detected := false
	if req.Provider == "" {
		name, ok := registry.Detect(req.Secret)
		if !ok {
			h.writeError(w, http.StatusBadRequest, "could not detect provider from key prefix; pass provider explicitly", usage.ErrorClassUnsupportedProvider)
			return
		}
		req.Provider = name
		detected = true
	}

	if _, err := registry.Resolve(req.Provider); err != nil {
		h.writeVaultError(w, err)
		return
	}

	entry, err := h.store.Create(r.Context(), vault.CreateParams{
		OwnerID:   owner,
		Slug:      req.Slug,
		Provider:  req.Provider,
		Secret:    req.Secret,
		BaseURL:   req.BaseURL,
		ExpiresAt: req.ExpiresAt,
	}, passphrase)
	if err != nil {
		h.metrics.RecordVaultOperation("create", "error")
		h.writeVaultError(w, err)
		return
	}

	h.metrics.RecordVaultOperation("create", "ok")
	h.metrics.RecordHTTPRequest("POST", "/v1/keys", http.StatusCreated, time.Since(start))
	h.writeJSON(w, http.StatusCreated, createKeyResponse{Meta: entry.Meta(), DetectedProvider: detected})
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, _, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}

	metas, err := h.store.List(r.Context(), owner)
	if err != nil {
		h.writeVaultError(w, err)
		return
	}

	h.metrics.RecordHTTPRequest("GET", "/v1/keys", http.StatusOK, time.Since(start))
	h.writeJSON(w, http.StatusOK, metas)
}

type rotateKeyRequest struct {
	Secret string `json:"secret"`
}

func (h *Handler) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	owner, passphrase, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	slug := mux.Vars(r)["slug"]

	var req rotateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Secret == "" {
		h.writeError(w, http.StatusBadRequest, "secret is required", "")
		return
	}

	entry, err := h.store.Rotate(r.Context(), owner, slug, req.Secret, passphrase)
	if err != nil {
		h.metrics.RecordVaultOperation("rotate", "error")
		h.writeVaultError(w, err)
		return
	}

	h.metrics.RecordVaultOperation("rotate", "ok")
	h.writeJSON(w, http.StatusOK, entry.Meta())
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	owner, _, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	slug := mux.Vars(r)["slug"]

	if err := h.store.Revoke(r.Context(), owner, slug); err != nil {
		h.metrics.RecordVaultOperation("revoke", "error")
		h.writeVaultError(w, err)
		return
	}

	h.metrics.RecordVaultOperation("revoke", "ok")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	owner, _, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	slug := mux.Vars(r)["slug"]

	if err := h.store.Delete(r.Context(), owner, slug); err != nil {
		h.metrics.RecordVaultOperation("delete", "error")
		h.writeVaultError(w, err)
		return
	}

	h.metrics.RecordVaultOperation("delete", "ok")
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleProxy executes one unified call:
// POST /v1/proxy/{provider}/{slug} with a canonical request body.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	owner, passphrase, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}
	if passphrase == "" {
		h.writeError(w, http.StatusUnauthorized, "missing X-Vault-Passphrase header", "")
		return
	}

	vars := mux.Vars(r)
	providerName := vars["provider"]
	slug := vars["slug"]

	var req provider.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body", "")
		return
	}
	if req.Capability == "" {
		req.Capability = provider.CapabilityChat
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), owner, providerName, slug, passphrase, &req)
	status := http.StatusOK
	if err != nil {
		status = h.proxyErrorStatus(err)
	}

	h.metrics.RecordHTTPRequest("POST", "/v1/proxy", status, time.Since(start))
	h.writeJSON(w, status, resp)
}

// proxyErrorStatus maps a dispatch failure onto an HTTP status. The
// canonical response body still carries the stable error class.
func (h *Handler) proxyErrorStatus(err error) int {
	var provErr *proxy.ProviderError
	if errors.As(err, &provErr) {
		return provErr.StatusCode
	}

	switch proxy.Classify(err) {
	case usage.ErrorClassNotFound:
		return http.StatusNotFound
	case usage.ErrorClassExpired, usage.ErrorClassRevoked:
		return http.StatusForbidden
	case usage.ErrorClassIntegrity:
		h.metrics.RecordCryptoFailure()
		return http.StatusBadRequest
	case usage.ErrorClassUnsupportedProvider:
		return http.StatusBadRequest
	case usage.ErrorClassRetriesExhausted:
		return http.StatusBadGateway
	case usage.ErrorClassNormalization:
		return http.StatusBadGateway
	case usage.ErrorClassCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleUsage aggregates the caller's usage into time buckets.
// Query params: slug (glob, optional), window (duration, default 24h),
// bucket (duration, default 1h).
func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	owner, _, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid window duration", "")
			return
		}
		window = d
	}

	bucket := time.Hour
	if v := r.URL.Query().Get("bucket"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid bucket duration", "")
			return
		}
		bucket = d
	}

	to := time.Now().UTC()
	from := to.Add(-window)

	buckets, err := h.ledger.Aggregate(r.Context(), owner, r.URL.Query().Get("slug"), from, to, bucket)
	if err != nil {
		h.logger.WithError(err).Error("Usage aggregation failed")
		h.writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if buckets == nil {
		buckets = []usage.Bucket{}
	}

	h.writeJSON(w, http.StatusOK, buckets)
}

// handleUsageRecords returns raw usage records for the caller.
func (h *Handler) handleUsageRecords(w http.ResponseWriter, r *http.Request) {
	owner, _, err := identity(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, err.Error(), "")
		return
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid window duration", "")
			return
		}
		window = d
	}

	to := time.Now().UTC()
	records, err := h.ledger.Recent(r.Context(), owner, to.Add(-window), to)
	if err != nil {
		h.logger.WithError(err).Error("Usage query failed")
		h.writeError(w, http.StatusInternalServerError, "internal error", "")
		return
	}
	if records == nil {
		records = []usage.Record{}
	}

	h.writeJSON(w, http.StatusOK, records)
}

// SetReadyCheck installs a readiness probe dependency check.
func (h *Handler) SetReadyCheck(check func(r *http.Request) error) {
	h.readyCheck = check
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics.HealthHandler()(w, r)
}

// handleReady handles readiness check requests.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.readyCheck != nil {
		if err := h.readyCheck(r); err != nil {
			h.writeError(w, http.StatusServiceUnavailable, "not ready", "")
			return
		}
	}
	metrics.ReadinessHandler(nil)(w, r)
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	metrics.LivenessHandler()(w, r)
}
