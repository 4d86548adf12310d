package sqlite

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
)

const merkleRootColumns = `id, root, start_time, end_time, request_count,
	created_at, is_anchored, tx_hash, block_number, anchored_at`

// InsertRequestHash appends a commitment row and populates its ID.
func (s *Store) InsertRequestHash(ctx context.Context, h *gateway.RequestHash) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO request_hashes
		 (service_id, api_key_id, timestamp, request_path, response_status, hash, merkle_batch_id)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		h.ServiceID, h.APIKeyID, timeToStr(h.Timestamp),
		h.RequestPath, h.ResponseStatus, h.Hash,
	)
	if err != nil {
		return err
	}
	h.ID, err = res.LastInsertId()
	return err
}

// CloseMerkleBatch claims the oldest batchSize unbatched commitment rows,
// computes their root, and stamps them -- all in one write transaction, so
// two concurrent closers can never claim the same rows. Returns (nil, nil)
// when fewer than batchSize unbatched rows exist.
func (s *Store) CloseMerkleBatch(ctx context.Context, batchSize int, buildRoot func(hashes []string) string) (*gateway.MerkleRoot, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, timestamp, hash FROM request_hashes
		 WHERE merkle_batch_id IS NULL
		 ORDER BY timestamp ASC, id ASC LIMIT ?`, batchSize)
	if err != nil {
		return nil, err
	}

	var (
		ids    []int64
		hashes []string
		stamps []string
	)
	for rows.Next() {
		var id int64
		var ts, hash string
		if err := rows.Scan(&id, &ts, &hash); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		stamps = append(stamps, ts)
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(ids) < batchSize {
		return nil, nil
	}

	now := time.Now().UTC()
	root := &gateway.MerkleRoot{
		Root:         buildRoot(hashes),
		StartTime:    parseTime(stamps[0]),
		EndTime:      parseTime(stamps[len(stamps)-1]),
		RequestCount: len(ids),
		CreatedAt:    now,
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO merkle_roots (root, start_time, end_time, request_count, created_at, is_anchored)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		root.Root, stamps[0], stamps[len(stamps)-1], root.RequestCount, timeToStr(now))
	if err != nil {
		return nil, err
	}
	root.ID, err = res.LastInsertId()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE request_hashes SET merkle_batch_id = ? WHERE id = ? AND merkle_batch_id IS NULL`,
			root.ID, id)
		if err != nil {
			return nil, err
		}
		// A zero count here means another writer stamped the row; the
		// single-writer connection makes that impossible, but the guard
		// keeps the invariant explicit.
		if err := checkRowsAffected(res, "request hash"); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return root, nil
}

// LatestMerkleRoot returns the most recently closed batch.
func (s *Store) LatestMerkleRoot(ctx context.Context) (*gateway.MerkleRoot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+merkleRootColumns+` FROM merkle_roots ORDER BY id DESC LIMIT 1`)
	return scanMerkleRoot(row)
}

// ListMerkleRoots returns closed batches newest first.
func (s *Store) ListMerkleRoots(ctx context.Context, offset, limit int) ([]*gateway.MerkleRoot, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+merkleRootColumns+` FROM merkle_roots ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMerkleRoots(rows)
}

// CountMerkleRoots returns the total number of closed batches.
func (s *Store) CountMerkleRoots(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM merkle_roots`).Scan(&n)
	return n, err
}

// GetMerkleRoot retrieves a batch by ID.
func (s *Store) GetMerkleRoot(ctx context.Context, batchID int64) (*gateway.MerkleRoot, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+merkleRootColumns+` FROM merkle_roots WHERE id = ?`, batchID)
	return scanMerkleRoot(row)
}

// BatchHashes returns the leaf hashes of a batch in insertion order, the same
// order the root was computed over.
func (s *Store) BatchHashes(ctx context.Context, batchID int64) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT hash FROM request_hashes WHERE merkle_batch_id = ?
		 ORDER BY timestamp ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// MarkAnchored records a successful on-chain anchor for a batch.
func (s *Store) MarkAnchored(ctx context.Context, batchID int64, txHash string, blockNumber int64, at time.Time) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE merkle_roots SET is_anchored = 1, tx_hash = ?, block_number = ?, anchored_at = ?
		 WHERE id = ?`,
		txHash, blockNumber, timeToStr(at), batchID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "merkle batch")
}

// ListUnanchored returns batches not yet anchored, oldest first.
func (s *Store) ListUnanchored(ctx context.Context, limit int) ([]*gateway.MerkleRoot, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+merkleRootColumns+` FROM merkle_roots WHERE is_anchored = 0
		 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMerkleRoots(rows)
}

func collectMerkleRoots(rows *sql.Rows) ([]*gateway.MerkleRoot, error) {
	var out []*gateway.MerkleRoot
	for rows.Next() {
		r, err := scanMerkleRoot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanMerkleRoot(sc scanner) (*gateway.MerkleRoot, error) {
	var r gateway.MerkleRoot
	var start, end, created string
	var anchored int
	var txHash sql.NullString
	var blockNumber sql.NullInt64
	var anchoredAt sql.NullString
	err := sc.Scan(&r.ID, &r.Root, &start, &end, &r.RequestCount,
		&created, &anchored, &txHash, &blockNumber, &anchoredAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.StartTime = parseTime(start)
	r.EndTime = parseTime(end)
	r.CreatedAt = parseTime(created)
	r.IsAnchored = anchored != 0
	if txHash.Valid {
		r.TxHash = &txHash.String
	}
	if blockNumber.Valid {
		r.BlockNumber = &blockNumber.Int64
	}
	r.AnchoredAt = nullTimeToPtr(anchoredAt)
	return &r, nil
}
