package repo

import (
	"context"
	"database/sql"

	"forgeline/internal/domain"
)

func (r Repo) GetVote(ctx context.Context, tx *sql.Tx, actorID, targetKind, targetID string) (domain.Vote, error) {
	row := tx.QueryRowContext(ctx, `SELECT actor_id,target_kind,target_id,direction,created_at,updated_at FROM votes WHERE actor_id=? AND target_kind=? AND target_id=?`,
		actorID, targetKind, targetID)
	var v domain.Vote
	err := row.Scan(&v.ActorID, &v.TargetKind, &v.TargetID, &v.Direction, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	return v, nil
}

func (r Repo) UpsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(actor_id,target_kind,target_id,direction,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(actor_id,target_kind,target_id) DO UPDATE SET direction=excluded.direction, updated_at=excluded.updated_at`,
		v.ActorID, v.TargetKind, v.TargetID, v.Direction, v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) DeleteVote(ctx context.Context, tx *sql.Tx, actorID, targetKind, targetID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE actor_id=? AND target_kind=? AND target_id=?`,
		actorID, targetKind, targetID)
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

// TallyVotes recounts the ledger for a target. It never reads cached
// counters, so a tally is correct even after crashes mid-update.
func (r Repo) TallyVotes(ctx context.Context, tx *sql.Tx, targetKind, targetID string) (domain.Tally, error) {
	t := domain.Tally{TargetKind: targetKind, TargetID: targetID}
	rows, err := tx.QueryContext(ctx, `SELECT direction, count(*) FROM votes WHERE target_kind=? AND target_id=? GROUP BY direction`,
		targetKind, targetID)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var direction string
		var count int
		if err := rows.Scan(&direction, &count); err != nil {
			return t, err
		}
		switch direction {
		case "up":
			t.Up = count
		case "down":
			t.Down = count
		}
	}
	return t, rows.Err()
}
