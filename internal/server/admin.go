package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/okondo/gaasgw/internal"
)

// maxAdminBody is the maximum allowed admin request body size (1 MB).
const maxAdminBody = 1 << 20

// decodeJSON limits body size, decodes JSON into v, and writes a 400 on error.
// Returns true if decoding succeeded.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return false
	}
	return true
}

// writeAdminError logs the full error server-side and returns a sanitized
// message to the client to avoid leaking internal details (e.g. SQLite errors).
func writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	switch {
	case errors.Is(err, gateway.ErrNotFound):
		writeJSON(w, status, errorResponse("not found"))
	case errors.Is(err, gateway.ErrBadRequest):
		writeJSON(w, status, errorResponse(err.Error()))
	default:
		slog.LogAttrs(r.Context(), slog.LevelError, "admin error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error"))
	}
}

// pathID parses a positive int64 path parameter. Writes 404 and returns
// false when the segment is not a number.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return 0, false
	}
	return id, true
}

// --- Service registration ---

type registerServiceRequest struct {
	Name      string `json:"name"`
	TargetURL string `json:"target_url"`
}

type registerServiceResponse struct {
	Service *gateway.Service `json:"service"`
	// BootstrapSecret is the owner's credential, present only on the
	// response that created the owner account.
	BootstrapSecret string `json:"bootstrap_secret,omitempty"`
}

func (s *server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var req registerServiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.TargetURL == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("name and target_url are required"))
		return
	}
	if u, err := url.Parse(req.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("target_url must be an absolute http or https URL"))
		return
	}

	ctx := r.Context()
	owner, bootstrap, err := s.ensureOwner(r)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	svc := &gateway.Service{
		Name:         req.Name,
		TargetURL:    req.TargetURL,
		OwnerID:      owner.ID,
		BotThreshold: gateway.DefaultBotThreshold,
	}
	if err := s.deps.Store.CreateService(ctx, svc); err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerServiceResponse{Service: svc, BootstrapSecret: bootstrap})
}

// ensureOwner returns the first registered owner, creating one on first use.
// The bootstrap secret is non-empty only on the call that created the account.
func (s *server) ensureOwner(r *http.Request) (*gateway.User, string, error) {
	ctx := r.Context()
	owner, err := s.deps.Store.FirstUser(ctx)
	if err == nil {
		return owner, "", nil
	}
	if !errors.Is(err, gateway.ErrNotFound) {
		return nil, "", err
	}

	secret := gateway.NewSecret()
	owner = &gateway.User{Name: "owner", APIKey: secret}
	if err := s.deps.Store.CreateUser(ctx, owner); err != nil {
		return nil, "", err
	}
	if err := s.deps.Store.MarkKeyRevealed(ctx, owner.ID); err != nil {
		return nil, "", err
	}
	slog.LogAttrs(ctx, slog.LevelInfo, "owner account created",
		slog.Int64("user_id", owner.ID),
	)
	return owner, secret, nil
}

func (s *server) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := s.deps.Store.ListServices(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": services})
}

func (s *server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	if err := s.deps.Store.DeleteService(r.Context(), id); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateService(id)
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "service_id": id})
}

// --- API keys ---

type keyResponse struct {
	*gateway.APIKey
	// Key holds the raw secret on creation, or the masked form in listings.
	Key string `json:"key"`
}

func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetService(ctx, serviceID); err != nil {
		writeAdminError(w, r, err)
		return
	}

	key := &gateway.APIKey{
		Secret:          gateway.NewSecret(),
		ServiceID:       serviceID,
		IsActive:        true,
		PricePerRequest: gateway.DefaultPricePerRequest,
	}
	if err := s.deps.Store.CreateKey(ctx, key); err != nil {
		writeAdminError(w, r, err)
		return
	}
	// The raw secret is shown exactly once; listings only return the mask.
	writeJSON(w, http.StatusCreated, keyResponse{APIKey: key, Key: key.Secret})
}

func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetService(ctx, serviceID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	keys, err := s.deps.Store.ListServiceKeys(ctx, serviceID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]keyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyResponse{APIKey: k, Key: gateway.MaskSecret(k.Secret)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (s *server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	keyID, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}
	ctx := r.Context()
	key, err := s.deps.Store.GetKeyByID(ctx, keyID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	if key.ServiceID != serviceID {
		writeJSON(w, http.StatusNotFound, errorResponse("not found"))
		return
	}
	if err := s.deps.Store.RevokeKey(ctx, keyID); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateKey(keyID)
	writeJSON(w, http.StatusOK, map[string]any{"revoked": true, "key_id": keyID})
}

type rateLimitRequest struct {
	Requests      int `json:"requests"`
	WindowSeconds int `json:"window_seconds"`
}

func (s *server) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	keyID, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}
	var req rateLimitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	// An override is only valid as a complete pair.
	if req.Requests <= 0 || req.WindowSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("requests and window_seconds must both be positive"))
		return
	}
	if err := s.deps.Store.SetRateLimit(r.Context(), keyID, req.Requests, req.WindowSeconds); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateKey(keyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":         keyID,
		"requests":       req.Requests,
		"window_seconds": req.WindowSeconds,
	})
}

type pricingRequest struct {
	PricePerRequest float64 `json:"price_per_request"`
}

func (s *server) handleSetPricing(w http.ResponseWriter, r *http.Request) {
	keyID, ok := pathID(w, r, "keyID")
	if !ok {
		return
	}
	var req pricingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PricePerRequest < 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse("price_per_request must not be negative"))
		return
	}
	if err := s.deps.Store.SetPrice(r.Context(), keyID, req.PricePerRequest); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateKey(keyID)
	writeJSON(w, http.StatusOK, map[string]any{
		"key_id":            keyID,
		"price_per_request": req.PricePerRequest,
	})
}

// --- Per-service toggles ---

type watermarkingRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *server) handleSetWatermarking(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	var req watermarkingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.deps.Store.SetWatermarking(r.Context(), serviceID, req.Enabled); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateService(serviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id":           serviceID,
		"watermarking_enabled": req.Enabled,
	})
}

func (s *server) handleGetWatermarking(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	svc, err := s.deps.Store.GetService(r.Context(), serviceID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id":           svc.ID,
		"watermarking_enabled": svc.WatermarkingEnabled,
	})
}

type botBlockingRequest struct {
	Enabled   bool     `json:"enabled"`
	Threshold *float64 `json:"threshold,omitempty"`
}

func (s *server) handleSetBotBlocking(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	var req botBlockingRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	threshold := gateway.DefaultBotThreshold
	if req.Threshold != nil {
		if *req.Threshold < 0 || *req.Threshold > 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse("threshold must be between 0 and 1"))
			return
		}
		threshold = *req.Threshold
	}
	if err := s.deps.Store.SetBotBlocking(r.Context(), serviceID, req.Enabled, threshold); err != nil {
		writeAdminError(w, r, err)
		return
	}
	s.deps.Directory.InvalidateService(serviceID)
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id":           serviceID,
		"bot_blocking_enabled": req.Enabled,
		"bot_threshold":        threshold,
	})
}
