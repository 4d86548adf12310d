// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okondo/gaasgw/internal/auth"
	"github.com/okondo/gaasgw/internal/blockchain"
	"github.com/okondo/gaasgw/internal/proxy"
	"github.com/okondo/gaasgw/internal/storage"
	"github.com/okondo/gaasgw/internal/telemetry"
	"github.com/okondo/gaasgw/internal/transparency"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// ChainReader reads anchoring state from the registry contract.
// Implemented by blockchain.Anchorer.
type ChainReader interface {
	Record(ctx context.Context, batchID int64) (*blockchain.OnChainRecord, error)
	IsBatchAnchored(ctx context.Context, batchID int64) (bool, error)
	TotalAnchors(ctx context.Context) (int64, error)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store      storage.Store
	Engine     *proxy.Engine
	Directory  *auth.KeyDirectory
	TLog       *transparency.Log
	Chain      ChainReader            // nil = anchoring disabled
	Metrics    *telemetry.Metrics
	Registry   *prometheus.Registry   // nil = no /metrics endpoint
	ReadyCheck ReadyChecker           // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	r.Use(s.measure)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	// Data plane. Key auth happens inside the engine so commitment and bot
	// logging see the resolved identity.
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		r.Method(method, "/proxy/{serviceID}", http.HandlerFunc(s.handleProxy))
		r.Method(method, "/proxy/{serviceID}/*", http.HandlerFunc(s.handleProxy))
	}

	// Control plane
	r.Post("/register-api", s.handleRegisterService)
	r.Get("/services/list", s.handleListServices)
	r.Delete("/services/{serviceID}", s.handleDeleteService)
	r.Post("/services/{serviceID}/keys", s.handleCreateKey)
	r.Get("/services/{serviceID}/keys", s.handleListKeys)
	r.Patch("/services/{serviceID}/keys/{keyID}/revoke", s.handleRevokeKey)
	r.Put("/api-keys/{keyID}/rate-limit", s.handleSetRateLimit)
	r.Put("/api-keys/{keyID}/pricing", s.handleSetPricing)
	r.Post("/services/{serviceID}/watermarking", s.handleSetWatermarking)
	r.Get("/services/{serviceID}/watermarking", s.handleGetWatermarking)
	r.Put("/services/{serviceID}/bot-blocking", s.handleSetBotBlocking)

	// Reporting
	r.Get("/usage/{serviceID}", s.handleUsage)
	r.Get("/billing/summary", s.handleBillingSummary)
	r.Get("/billing/api-keys", s.handleBillingKeys)
	r.Get("/security/bot-activity", s.handleBotActivity)
	r.Get("/security/bot-stats", s.handleBotStats)

	// Transparency
	r.Post("/watermark/verify", s.handleWatermarkVerify)
	r.Get("/transparency/merkle-latest", s.handleMerkleLatest)
	r.Get("/transparency/merkle-history", s.handleMerkleHistory)
	r.Get("/transparency/verify/{batchID}", s.handleMerkleVerify)
	r.Get("/transparency/blockchain/{batchID}", s.handleBlockchainStatus)

	return r
}

type server struct {
	deps Deps
}
