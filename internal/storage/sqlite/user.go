package sqlite

import (
	"context"

	gateway "github.com/okondo/gaasgw/internal"
)

// CreateUser inserts a new user and populates its ID.
func (s *Store) CreateUser(ctx context.Context, u *gateway.User) error {
	res, err := s.write.ExecContext(ctx,
		`INSERT INTO users (name, api_key, api_key_revealed) VALUES (?, ?, ?)`,
		u.Name, u.APIKey, boolToInt(u.APIKeyRevealed),
	)
	if err != nil {
		return err
	}
	u.ID, err = res.LastInsertId()
	return err
}

// FirstUser returns the oldest user, or ErrNotFound when none exist.
func (s *Store) FirstUser(ctx context.Context) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, api_key, api_key_revealed FROM users ORDER BY id ASC LIMIT 1`)
	return scanUser(row)
}

// GetUser retrieves a user by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*gateway.User, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT id, name, api_key, api_key_revealed FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// MarkKeyRevealed records that the user's bootstrap secret has been shown.
func (s *Store) MarkKeyRevealed(ctx context.Context, id int64) error {
	res, err := s.write.ExecContext(ctx,
		`UPDATE users SET api_key_revealed = 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "user")
}

func scanUser(sc scanner) (*gateway.User, error) {
	var u gateway.User
	var revealed int
	if err := sc.Scan(&u.ID, &u.Name, &u.APIKey, &revealed); err != nil {
		return nil, notFoundErr(err)
	}
	u.APIKeyRevealed = revealed != 0
	return &u, nil
}
