package repo

import (
	"context"
	"database/sql"
	"strings"

	"forgeline/internal/domain"
)

const stagedAppCols = `id,request_id,artifact_ref,title,category,upvotes,downvotes,feedback_count,eligible,status,publish_intent_id,created_at,updated_at`

func scanStagedApp(row rowScanner) (domain.StagedApp, error) {
	var s domain.StagedApp
	var eligible int
	var intentID sql.NullString
	err := row.Scan(&s.ID, &s.RequestID, &s.ArtifactRef, &s.Title, &s.Category, &s.Upvotes, &s.Downvotes,
		&s.FeedbackCount, &eligible, &s.Status, &intentID, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Eligible = eligible != 0
	if intentID.Valid {
		s.PublishIntentID = &intentID.String
	}
	return s, nil
}

func (r Repo) InsertStagedApp(ctx context.Context, tx *sql.Tx, s domain.StagedApp) error {
	eligible := 0
	if s.Eligible {
		eligible = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO staged_apps(id,request_id,artifact_ref,title,category,upvotes,downvotes,feedback_count,eligible,status,publish_intent_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.RequestID, s.ArtifactRef, s.Title, s.Category, s.Upvotes, s.Downvotes, s.FeedbackCount,
		eligible, s.Status, nullableStringPtr(s.PublishIntentID), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) UpdateStagedApp(ctx context.Context, tx *sql.Tx, s domain.StagedApp) error {
	eligible := 0
	if s.Eligible {
		eligible = 1
	}
	_, err := tx.ExecContext(ctx, `UPDATE staged_apps SET title=?, category=?, upvotes=?, downvotes=?, feedback_count=?, eligible=?, status=?, publish_intent_id=?, updated_at=? WHERE id=?`,
		s.Title, s.Category, s.Upvotes, s.Downvotes, s.FeedbackCount, eligible, s.Status,
		nullableStringPtr(s.PublishIntentID), s.UpdatedAt, s.ID)
	return err
}

func (r Repo) GetStagedApp(ctx context.Context, id string) (domain.StagedApp, error) {
	return scanStagedApp(r.DB.QueryRowContext(ctx, `SELECT `+stagedAppCols+` FROM staged_apps WHERE id=?`, id))
}

func (r Repo) GetStagedAppTx(ctx context.Context, tx *sql.Tx, id string) (domain.StagedApp, error) {
	return scanStagedApp(tx.QueryRowContext(ctx, `SELECT `+stagedAppCols+` FROM staged_apps WHERE id=?`, id))
}

type StagedAppFilters struct {
	Status          string
	Category        string
	Eligible        *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListStagedApps(ctx context.Context, f StagedAppFilters) ([]domain.StagedApp, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Category != "" {
		clauses = append(clauses, "category=?")
		args = append(args, f.Category)
	}
	if f.Eligible != nil {
		eligible := 0
		if *f.Eligible {
			eligible = 1
		}
		clauses = append(clauses, "eligible=?")
		args = append(args, eligible)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + stagedAppCols + ` FROM staged_apps ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StagedApp
	for rows.Next() {
		s, err := scanStagedApp(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountStagedByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM staged_apps GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
