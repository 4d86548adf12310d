// Package auth resolves API key secrets to key and service records.
// Resolutions are cached in a W-TinyLFU cache for fast hot-path lookups.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up key revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment
)

// Resolution is an authenticated key with its owning service.
type Resolution struct {
	Key     *gateway.APIKey
	Service *gateway.Service
}

// KeyDirectory resolves raw key secrets against the store.
type KeyDirectory struct {
	keys     storage.APIKeyStore
	services storage.ServiceStore
	cache    *otter.Cache[string, *Resolution]
	idToKey  sync.Map // keyID -> secret, for invalidation by key ID
}

// NewKeyDirectory returns a KeyDirectory backed by the given stores.
func NewKeyDirectory(keys storage.APIKeyStore, services storage.ServiceStore) (*KeyDirectory, error) {
	c, err := otter.New(&otter.Options[string, *Resolution]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *Resolution](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &KeyDirectory{keys: keys, services: services, cache: c}, nil
}

// Resolve authenticates a raw secret. Unknown and revoked secrets both
// return ErrUnauthenticated; callers cannot distinguish them.
func (d *KeyDirectory) Resolve(ctx context.Context, secret string) (*Resolution, error) {
	if secret == "" {
		return nil, gateway.ErrUnauthenticated
	}

	if res, ok := d.cache.GetIfPresent(secret); ok {
		if !res.Key.IsActive {
			return nil, gateway.ErrUnauthenticated
		}
		return res, nil
	}

	key, err := d.keys.GetKeyBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrUnauthenticated
		}
		return nil, err
	}

	// Belt-and-suspenders: constant-time comparison of the stored secret
	// against the presented one. The DB lookup already matched, but this
	// guards against SQL collation or encoding surprises.
	if subtle.ConstantTimeCompare([]byte(key.Secret), []byte(secret)) != 1 {
		return nil, gateway.ErrUnauthenticated
	}

	if !key.IsActive {
		return nil, gateway.ErrUnauthenticated
	}

	svc, err := d.services.GetService(ctx, key.ServiceID)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			// Key survived its service; treat as revoked.
			return nil, gateway.ErrUnauthenticated
		}
		return nil, err
	}

	res := &Resolution{Key: key, Service: svc}
	d.cache.Set(secret, res)
	d.idToKey.Store(key.ID, secret)
	return res, nil
}

// Authorize checks that the resolved key is scoped to serviceID.
func (d *KeyDirectory) Authorize(res *Resolution, serviceID int64) error {
	if res.Key.ServiceID != serviceID {
		return gateway.ErrForbidden
	}
	return nil
}

// InvalidateKey drops a cached resolution after an admin mutation (revoke,
// rate-limit or price change) so the change takes effect immediately.
func (d *KeyDirectory) InvalidateKey(keyID int64) {
	if secret, ok := d.idToKey.LoadAndDelete(keyID); ok {
		d.cache.Invalidate(secret.(string))
	}
}

// InvalidateService drops all cached resolutions for a service, used when
// service flags change or the service is deleted.
func (d *KeyDirectory) InvalidateService(serviceID int64) {
	d.idToKey.Range(func(id, secret any) bool {
		if res, ok := d.cache.GetIfPresent(secret.(string)); ok && res.Service.ID == serviceID {
			d.cache.Invalidate(secret.(string))
			d.idToKey.Delete(id)
		}
		return true
	})
}
