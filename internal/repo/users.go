package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Handle, &u.Tier, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO users(id,handle,tier,created_at,updated_at) VALUES (?,?,?,?,?)`,
		u.ID, u.Handle, u.Tier, u.CreatedAt, u.UpdatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,handle,tier,created_at,updated_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserTx(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	return scanUser(tx.QueryRowContext(ctx, `SELECT id,handle,tier,created_at,updated_at FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByHandle(ctx context.Context, handle string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,handle,tier,created_at,updated_at FROM users WHERE handle=?`, handle))
}

func (r Repo) ListUsers(ctx context.Context, tier string, limit int) ([]domain.User, error) {
	query := `SELECT id,handle,tier,created_at,updated_at FROM users`
	var args []any
	if tier != "" {
		query += " WHERE tier=?"
		args = append(args, tier)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUserTier(ctx context.Context, tx *sql.Tx, id, tier, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE users SET tier=?, updated_at=? WHERE id=?`, tier, updatedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
