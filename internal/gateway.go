// Package gateway defines domain types and interfaces for the gaasgw API
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"
)

// --- Services and keys ---

// Service is an upstream HTTP service registered with the gateway.
type Service struct {
	ID                  int64     `json:"id"`
	Name                string    `json:"name"`
	TargetURL           string    `json:"target_url"`
	OwnerID             int64     `json:"owner_id"`
	WatermarkingEnabled bool      `json:"watermarking_enabled"`
	BotBlockingEnabled  bool      `json:"bot_blocking_enabled"`
	BotThreshold        float64   `json:"bot_threshold"` // blocking threshold in [0,1]
	CreatedAt           time.Time `json:"created_at"`
}

// DefaultBotThreshold is the blocking threshold applied when a service has
// none configured.
const DefaultBotThreshold = 0.7

// APIKey is a scope-bound credential for exactly one service.
type APIKey struct {
	ID        int64     `json:"id"`
	Secret    string    `json:"-"` // raw secret, returned to the caller exactly once
	ServiceID int64     `json:"service_id"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`

	// Rate-limit override; valid only when both fields are set.
	RateLimitRequests      *int `json:"rate_limit_requests,omitempty"`
	RateLimitWindowSeconds *int `json:"rate_limit_window_seconds,omitempty"`

	PricePerRequest float64 `json:"price_per_request"`
	TotalCost       float64 `json:"total_cost"`
}

// HasRateOverride reports whether the key carries a complete rate-limit
// override (both fields present and positive).
func (k *APIKey) HasRateOverride() bool {
	return k.RateLimitRequests != nil && k.RateLimitWindowSeconds != nil &&
		*k.RateLimitRequests > 0 && *k.RateLimitWindowSeconds > 0
}

// User is a service owner. Its bootstrap secret is a transitional credential
// returned once at creation; the data plane authenticates service keys only.
type User struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	APIKey         string `json:"-"`
	APIKeyRevealed bool   `json:"api_key_revealed"`
}

// DefaultPricePerRequest is the billing rate for keys created without an
// explicit price.
const DefaultPricePerRequest = 0.001

// --- Usage and bot logs ---

// UsageEntry records one successful (2xx) proxied request.
type UsageEntry struct {
	ID        int64     `json:"id"`
	ServiceID int64     `json:"service_id"`
	KeySecret string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

// Traffic classifications produced by the bot detector.
const (
	TrafficHuman      = "human"
	TrafficSuspicious = "suspicious"
	TrafficBot        = "bot"
)

// Actions taken on a classified request.
const (
	ActionAllowed = "allowed"
	ActionFlagged = "flagged"
	ActionBlocked = "blocked"
)

// BotDetection records one classification decision.
type BotDetection struct {
	ID             int64     `json:"id"`
	ServiceID      int64     `json:"service_id"`
	KeySecret      string    `json:"-"`
	BotScore       float64   `json:"bot_score"`
	Classification string    `json:"classification"`
	UserAgent      string    `json:"user_agent"`
	Action         string    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
}

// --- Transparency ---

// RequestHash is the per-request commitment row. Once MerkleBatchID is set
// the row is immutable.
type RequestHash struct {
	ID             int64     `json:"id"`
	ServiceID      int64     `json:"service_id"`
	APIKeyID       int64     `json:"api_key_id"`
	Timestamp      time.Time `json:"timestamp"`
	RequestPath    string    `json:"request_path"`
	ResponseStatus int       `json:"response_status"`
	Hash           string    `json:"hash"` // 64-char lowercase hex
	MerkleBatchID  *int64    `json:"merkle_batch_id,omitempty"`
}

// MerkleRoot is one closed batch of RequestHash rows.
type MerkleRoot struct {
	ID           int64      `json:"batch_id"`
	Root         string     `json:"merkle_root"` // 64-char lowercase hex
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	RequestCount int        `json:"request_count"`
	CreatedAt    time.Time  `json:"created_at"`
	IsAnchored   bool       `json:"is_anchored"`
	TxHash       *string    `json:"tx_hash,omitempty"`
	BlockNumber  *int64     `json:"block_number,omitempty"`
	AnchoredAt   *time.Time `json:"anchored_at,omitempty"`
}

// --- Secrets ---

// NewSecret returns a URL-safe random key secret with 32 bytes of entropy.
func NewSecret() string {
	var b [32]byte
	rand.Read(b[:]) // never fails per crypto/rand contract
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// MaskSecret returns the first 8 characters of a secret followed by "...",
// for listings and attribution strings.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return s + "..."
	}
	return s[:8] + "..."
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID from context, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
