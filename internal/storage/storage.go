// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
)

// UserStore manages service-owner persistence.
type UserStore interface {
	CreateUser(ctx context.Context, u *gateway.User) error
	FirstUser(ctx context.Context) (*gateway.User, error)
	GetUser(ctx context.Context, id int64) (*gateway.User, error)
	MarkKeyRevealed(ctx context.Context, id int64) error
}

// ServiceStore manages service persistence.
type ServiceStore interface {
	CreateService(ctx context.Context, s *gateway.Service) error
	GetService(ctx context.Context, id int64) (*gateway.Service, error)
	ListServices(ctx context.Context) ([]*gateway.Service, error)
	SetWatermarking(ctx context.Context, id int64, enabled bool) error
	SetBotBlocking(ctx context.Context, id int64, enabled bool, threshold float64) error
	// DeleteService removes the service and cascades to keys, usage,
	// bot logs, and request hashes.
	DeleteService(ctx context.Context, id int64) error
}

// APIKeyStore manages API key persistence. Secrets are stored as presented;
// lookups by secret return the row regardless of active state so callers can
// distinguish revoked from unknown.
type APIKeyStore interface {
	CreateKey(ctx context.Context, k *gateway.APIKey) error
	GetKeyBySecret(ctx context.Context, secret string) (*gateway.APIKey, error)
	GetKeyByID(ctx context.Context, id int64) (*gateway.APIKey, error)
	ListServiceKeys(ctx context.Context, serviceID int64) ([]*gateway.APIKey, error)
	ListKeys(ctx context.Context) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id int64) error
	SetRateLimit(ctx context.Context, id int64, requests, windowSeconds int) error
	SetPrice(ctx context.Context, id int64, price float64) error
}

// UsageStore manages usage and billing persistence.
type UsageStore interface {
	// RecordUsage appends a usage row and adds price to the key's total
	// cost in one transaction.
	RecordUsage(ctx context.Context, serviceID, keyID int64, keySecret string, price float64, ts time.Time) error
	CountRecentUsage(ctx context.Context, keySecret string, since time.Time) (int, error)
	// CountServiceUsage counts usage rows for a service; a zero since
	// counts all rows.
	CountServiceUsage(ctx context.Context, serviceID int64, since time.Time) (int, error)
	BillingSummary(ctx context.Context) (*BillingSummary, error)
}

// BotStats aggregates bot detection log counts.
type BotStats struct {
	Total      int `json:"total"`
	Human      int `json:"human"`
	Suspicious int `json:"suspicious"`
	Bot        int `json:"bot"`
	Allowed    int `json:"allowed"`
	Flagged    int `json:"flagged"`
	Blocked    int `json:"blocked"`
}

// BillingSummary aggregates billing totals across all keys.
type BillingSummary struct {
	TotalCost     float64 `json:"total_cost"`
	TotalRequests int     `json:"total_requests"`
	KeyCount      int     `json:"key_count"`
}

// BotLogStore manages bot detection log persistence.
type BotLogStore interface {
	InsertBotDetection(ctx context.Context, d *gateway.BotDetection) error
	ListBotDetections(ctx context.Context, limit int) ([]*gateway.BotDetection, error)
	BotStats(ctx context.Context) (*BotStats, error)
}

// TransparencyStore manages request commitments and Merkle batches.
type TransparencyStore interface {
	InsertRequestHash(ctx context.Context, h *gateway.RequestHash) error
	// CloseMerkleBatch claims the oldest batchSize unbatched hashes
	// (ordered by timestamp then id) in one transaction, computes their
	// root with buildRoot, and stamps the rows. Returns (nil, nil) when
	// fewer than batchSize unbatched hashes exist.
	CloseMerkleBatch(ctx context.Context, batchSize int, buildRoot func(hashes []string) string) (*gateway.MerkleRoot, error)
	LatestMerkleRoot(ctx context.Context) (*gateway.MerkleRoot, error)
	ListMerkleRoots(ctx context.Context, offset, limit int) ([]*gateway.MerkleRoot, error)
	CountMerkleRoots(ctx context.Context) (int, error)
	GetMerkleRoot(ctx context.Context, batchID int64) (*gateway.MerkleRoot, error)
	BatchHashes(ctx context.Context, batchID int64) ([]string, error)
	MarkAnchored(ctx context.Context, batchID int64, txHash string, blockNumber int64, at time.Time) error
	ListUnanchored(ctx context.Context, limit int) ([]*gateway.MerkleRoot, error)
}

// Store combines all storage interfaces.
type Store interface {
	UserStore
	ServiceStore
	APIKeyStore
	UsageStore
	BotLogStore
	TransparencyStore
	Ping(ctx context.Context) error
	Close() error
}
