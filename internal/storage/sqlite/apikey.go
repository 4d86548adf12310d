package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/okondo/gaasgw/internal"
)

const apiKeyColumns = `id, secret, service_id, is_active, created_at,
	rate_limit_requests, rate_limit_window_seconds, price_per_request, total_cost`

// CreateKey inserts a new API key and populates its ID.
func (s *Store) CreateKey(ctx context.Context, k *gateway.APIKey) error {
	if k.PricePerRequest == 0 {
		k.PricePerRequest = gateway.DefaultPricePerRequest
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (secret, service_id, is_active, created_at,
		 rate_limit_requests, rate_limit_window_seconds, price_per_request, total_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		k.Secret, k.ServiceID, boolToInt(k.IsActive), timeToStr(k.CreatedAt),
		k.RateLimitRequests, k.RateLimitWindowSeconds, k.PricePerRequest, k.TotalCost,
	)
	if err != nil {
		return err
	}
	k.ID, err = res.LastInsertId()
	return err
}

// GetKeyBySecret retrieves an API key by its raw secret, regardless of
// active state.
func (s *Store) GetKeyBySecret(ctx context.Context, secret string) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE secret = ?`, secret)
	return scanKey(row)
}

// GetKeyByID retrieves an API key by its ID.
func (s *Store) GetKeyByID(ctx context.Context, id int64) (*gateway.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// ListServiceKeys returns all keys bound to a service, newest first.
func (s *Store) ListServiceKeys(ctx context.Context, serviceID int64) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE service_id = ? ORDER BY id DESC`,
		serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// ListKeys returns all keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*gateway.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// RevokeKey deactivates a key. Revocation is permanent; there is no
// corresponding activate operation.
func (s *Store) RevokeKey(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET is_active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "api key")
}

// SetRateLimit sets the per-key rate limit override. Both fields are set
// together; the override is only meaningful as a pair.
func (s *Store) SetRateLimit(ctx context.Context, id int64, requests, windowSeconds int) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET rate_limit_requests = ?, rate_limit_window_seconds = ? WHERE id = ?`,
		requests, windowSeconds, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "api key")
}

// SetPrice updates the per-request billing rate.
func (s *Store) SetPrice(ctx context.Context, id int64, price float64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET price_per_request = ? WHERE id = ?`, price, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "api key")
}

func collectKeys(rows *sql.Rows) ([]*gateway.APIKey, error) {
	var out []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func scanKey(sc scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var active int
	var createdAt string
	var reqs, window sql.NullInt64
	err := sc.Scan(&k.ID, &k.Secret, &k.ServiceID, &active, &createdAt,
		&reqs, &window, &k.PricePerRequest, &k.TotalCost)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.IsActive = active != 0
	k.CreatedAt = parseTime(createdAt)
	if reqs.Valid {
		v := int(reqs.Int64)
		k.RateLimitRequests = &v
	}
	if window.Valid {
		v := int(window.Int64)
		k.RateLimitWindowSeconds = &v
	}
	return &k, nil
}
