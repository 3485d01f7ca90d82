package repo

import (
	"context"
	"database/sql"
	"strings"

	"forgeline/internal/domain"
)

func (r Repo) InsertFeedback(ctx context.Context, tx *sql.Tx, f domain.FeedbackItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO feedback(id,staged_app_id,author_id,kind,message,priority,created_at) VALUES (?,?,?,?,?,?,?)`,
		f.ID, f.StagedAppID, f.AuthorID, f.Kind, f.Message, f.Priority, f.CreatedAt)
	return err
}

type FeedbackFilters struct {
	StagedAppID     string
	Kind            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListFeedback(ctx context.Context, f FeedbackFilters) ([]domain.FeedbackItem, error) {
	clauses := []string{"staged_app_id=?"}
	args := []any{f.StagedAppID}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT id,staged_app_id,author_id,kind,message,priority,created_at FROM feedback WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.FeedbackItem
	for rows.Next() {
		var f domain.FeedbackItem
		if err := rows.Scan(&f.ID, &f.StagedAppID, &f.AuthorID, &f.Kind, &f.Message, &f.Priority, &f.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// CountFeedback recounts feedback rows for a staged app inside the
// caller's transaction.
func (r Repo) CountFeedback(ctx context.Context, tx *sql.Tx, stagedAppID string) (int, error) {
	row := tx.QueryRowContext(ctx, `SELECT count(*) FROM feedback WHERE staged_app_id=?`, stagedAppID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
