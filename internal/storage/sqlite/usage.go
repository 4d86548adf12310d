package sqlite

import (
	"context"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/storage"
)

// RecordUsage appends a usage row and increments the key's total cost in a
// single transaction, so billing never drifts from the usage log.
func (s *Store) RecordUsage(ctx context.Context, serviceID, keyID int64, keySecret string, price float64, ts time.Time) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_logs (service_id, api_key_secret, timestamp) VALUES (?, ?, ?)`,
		serviceID, keySecret, timeToStr(ts),
	); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE api_keys SET total_cost = total_cost + ? WHERE id = ?`,
		price, keyID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "api key"); err != nil {
		return err
	}
	return tx.Commit()
}

// CountRecentUsage counts usage rows for a key secret since the given time.
// Feeds the bot detector's rolling rate signal.
func (s *Store) CountRecentUsage(ctx context.Context, keySecret string, since time.Time) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs WHERE api_key_secret = ? AND timestamp >= ?`,
		keySecret, timeToStr(since),
	).Scan(&n)
	return n, err
}

// CountServiceUsage counts usage rows for a service; a zero since counts all.
func (s *Store) CountServiceUsage(ctx context.Context, serviceID int64, since time.Time) (int, error) {
	var n int
	var err error
	if since.IsZero() {
		err = s.read.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM usage_logs WHERE service_id = ?`, serviceID,
		).Scan(&n)
	} else {
		err = s.read.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM usage_logs WHERE service_id = ? AND timestamp >= ?`,
			serviceID, timeToStr(since),
		).Scan(&n)
	}
	return n, err
}

// BillingSummary aggregates accumulated cost and request counts across keys.
func (s *Store) BillingSummary(ctx context.Context) (*storage.BillingSummary, error) {
	var sum storage.BillingSummary
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_cost), 0), COUNT(*) FROM api_keys`,
	).Scan(&sum.TotalCost, &sum.KeyCount)
	if err != nil {
		return nil, err
	}
	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM usage_logs`,
	).Scan(&sum.TotalRequests)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}

// InsertBotDetection appends a bot detection log row.
func (s *Store) InsertBotDetection(ctx context.Context, d *gateway.BotDetection) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO bot_detection_logs
		 (service_id, api_key_secret, bot_score, classification, user_agent, action, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ServiceID, d.KeySecret, d.BotScore, d.Classification,
		d.UserAgent, d.Action, timeToStr(d.Timestamp),
	)
	if err != nil {
		return err
	}
	d.ID, err = res.LastInsertId()
	return err
}

// ListBotDetections returns recent bot detection rows, newest first.
func (s *Store) ListBotDetections(ctx context.Context, limit int) ([]*gateway.BotDetection, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, service_id, api_key_secret, bot_score, classification, user_agent, action, timestamp
		 FROM bot_detection_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.BotDetection
	for rows.Next() {
		var d gateway.BotDetection
		var ts string
		if err := rows.Scan(&d.ID, &d.ServiceID, &d.KeySecret, &d.BotScore,
			&d.Classification, &d.UserAgent, &d.Action, &ts); err != nil {
			return nil, err
		}
		d.Timestamp = parseTime(ts)
		out = append(out, &d)
	}
	return out, rows.Err()
}

// BotStats aggregates classification and action counts over the whole log.
func (s *Store) BotStats(ctx context.Context) (*storage.BotStats, error) {
	var st storage.BotStats
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*),
		 COALESCE(SUM(classification = 'human'), 0),
		 COALESCE(SUM(classification = 'suspicious'), 0),
		 COALESCE(SUM(classification = 'bot'), 0),
		 COALESCE(SUM(action = 'allowed'), 0),
		 COALESCE(SUM(action = 'flagged'), 0),
		 COALESCE(SUM(action = 'blocked'), 0)
		 FROM bot_detection_logs`,
	).Scan(&st.Total, &st.Human, &st.Suspicious, &st.Bot,
		&st.Allowed, &st.Flagged, &st.Blocked)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
