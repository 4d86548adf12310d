package sqlite

import (
	"context"

	gateway "github.com/okondo/gaasgw/internal"
)

const serviceColumns = `id, name, target_url, owner_id, watermarking_enabled,
	bot_blocking_enabled, bot_threshold, created_at`

// CreateService inserts a new service and populates its ID.
func (s *Store) CreateService(ctx context.Context, svc *gateway.Service) error {
	if svc.BotThreshold == 0 {
		svc.BotThreshold = gateway.DefaultBotThreshold
	}
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO services (name, target_url, owner_id, watermarking_enabled,
		 bot_blocking_enabled, bot_threshold, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		svc.Name, svc.TargetURL, svc.OwnerID,
		boolToInt(svc.WatermarkingEnabled), boolToInt(svc.BotBlockingEnabled),
		svc.BotThreshold, timeToStr(svc.CreatedAt),
	)
	if err != nil {
		return err
	}
	svc.ID, err = res.LastInsertId()
	return err
}

// GetService retrieves a service by ID.
func (s *Store) GetService(ctx context.Context, id int64) (*gateway.Service, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = ?`, id)
	return scanService(row)
}

// ListServices returns all services ordered by ID.
func (s *Store) ListServices(ctx context.Context) ([]*gateway.Service, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+serviceColumns+` FROM services ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// SetWatermarking toggles watermark injection for a service.
func (s *Store) SetWatermarking(ctx context.Context, id int64, enabled bool) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE services SET watermarking_enabled = ? WHERE id = ?`,
		boolToInt(enabled), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "service")
}

// SetBotBlocking toggles bot blocking and sets the blocking threshold.
func (s *Store) SetBotBlocking(ctx context.Context, id int64, enabled bool, threshold float64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE services SET bot_blocking_enabled = ?, bot_threshold = ? WHERE id = ?`,
		boolToInt(enabled), threshold, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "service")
}

// DeleteService removes a service and cascades to its keys, usage logs,
// bot logs, and request hashes in one transaction.
func (s *Store) DeleteService(ctx context.Context, id int64) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM api_keys WHERE service_id = ?`,
		`DELETE FROM usage_logs WHERE service_id = ?`,
		`DELETE FROM bot_detection_logs WHERE service_id = ?`,
		`DELETE FROM request_hashes WHERE service_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "service"); err != nil {
		return err
	}
	return tx.Commit()
}

func scanService(sc scanner) (*gateway.Service, error) {
	var svc gateway.Service
	var wm, bb int
	var createdAt string
	err := sc.Scan(&svc.ID, &svc.Name, &svc.TargetURL, &svc.OwnerID,
		&wm, &bb, &svc.BotThreshold, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	svc.WatermarkingEnabled = wm != 0
	svc.BotBlockingEnabled = bb != 0
	svc.CreatedAt = parseTime(createdAt)
	return &svc, nil
}
