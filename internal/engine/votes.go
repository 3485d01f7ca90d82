package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/engine/guard"
	"forgeline/internal/events"
	"forgeline/internal/repo"
)

// VoteResult reports what a ledger mutation did and the recounted tally.
type VoteResult struct {
	Outcome string       `json:"outcome" enum:"cast,flipped,unchanged,removed"`
	Tally   domain.Tally `json:"tally"`
}

// checkVoteTarget loads the target inside the transaction and rejects
// mutations against terminal targets rather than accepting them into the
// void.
func (e Engine) checkVoteTarget(ctx context.Context, tx *sql.Tx, op, targetKind, targetID string) error {
	switch targetKind {
	case "request":
		a, err := e.Repo.GetAppRequestTx(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if terminalRequestStatus(a.Status) {
			return InvalidStateError{Kind: "request", ID: a.ID, Status: a.Status, Op: op}
		}
	case "staged_app":
		s, err := e.Repo.GetStagedAppTx(ctx, tx, targetID)
		if err != nil {
			return err
		}
		if s.Status == "promoted" || s.Status == "retired" {
			return InvalidStateError{Kind: "staged_app", ID: s.ID, Status: s.Status, Op: op}
		}
	default:
		return fmt.Errorf("unknown target kind %s", targetKind)
	}
	return nil
}

// refreshStagedApp recounts the ledger and feedback log for a staged app
// and rewrites the cached tally columns plus the derived eligibility flag
// inside the caller's transaction.
func (e Engine) refreshStagedApp(ctx context.Context, tx *sql.Tx, stagedAppID string) (domain.StagedApp, error) {
	s, err := e.Repo.GetStagedAppTx(ctx, tx, stagedAppID)
	if err != nil {
		return s, err
	}
	tally, err := e.Repo.TallyVotes(ctx, tx, "staged_app", s.ID)
	if err != nil {
		return s, err
	}
	count, err := e.Repo.CountFeedback(ctx, tx, s.ID)
	if err != nil {
		return s, err
	}
	s.Upvotes = tally.Up
	s.Downvotes = tally.Down
	s.FeedbackCount = count
	s.Eligible = e.deriveEligible(tally.Up, tally.Down, count)
	s.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateStagedApp(ctx, tx, s); err != nil {
		return s, err
	}
	return s, nil
}

// CastVote records one actor's current direction on a target. The same
// direction twice is a no-op; the opposite direction flips the existing
// vote in place. The returned tally is recounted from the committed ledger.
func (e Engine) CastVote(ctx context.Context, actorID, tier, targetKind, targetID, direction string) (VoteResult, error) {
	if e.Config == nil {
		return VoteResult{}, errors.New("config not loaded")
	}
	if err := guard.Allow(tier, "vote"); err != nil {
		return VoteResult{}, err
	}
	if direction != "up" && direction != "down" {
		return VoteResult{}, fmt.Errorf("invalid direction %s", direction)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteResult{}, err
	}
	defer tx.Rollback()

	if err := e.checkVoteTarget(ctx, tx, "vote on", targetKind, targetID); err != nil {
		return VoteResult{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	outcome := "cast"
	existing, err := e.Repo.GetVote(ctx, tx, actorID, targetKind, targetID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		v := domain.Vote{ActorID: actorID, TargetKind: targetKind, TargetID: targetID, Direction: direction, CreatedAt: now, UpdatedAt: now}
		if err := e.Repo.UpsertVote(ctx, tx, v); err != nil {
			return VoteResult{}, err
		}
	case err != nil:
		return VoteResult{}, err
	case existing.Direction == direction:
		outcome = "unchanged"
	default:
		outcome = "flipped"
		existing.Direction = direction
		existing.UpdatedAt = now
		if err := e.Repo.UpsertVote(ctx, tx, existing); err != nil {
			return VoteResult{}, err
		}
	}
	tally, err := e.Repo.TallyVotes(ctx, tx, targetKind, targetID)
	if err != nil {
		return VoteResult{}, err
	}
	if targetKind == "staged_app" && outcome != "unchanged" {
		if _, err := e.refreshStagedApp(ctx, tx, targetID); err != nil {
			return VoteResult{}, err
		}
	}
	if outcome != "unchanged" {
		evtType := "vote_cast"
		if outcome == "flipped" {
			evtType = "vote_flipped"
		}
		if err := e.Events.Append(ctx, tx, evtType, targetKind, targetID, actorID, events.EventPayload{
			"direction": direction,
			"up":        tally.Up,
			"down":      tally.Down,
		}); err != nil {
			return VoteResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return VoteResult{}, err
	}
	return VoteResult{Outcome: outcome, Tally: tally}, nil
}

// RemoveVote deletes the actor's vote on a target if one exists.
func (e Engine) RemoveVote(ctx context.Context, actorID, tier, targetKind, targetID string) (VoteResult, error) {
	if e.Config == nil {
		return VoteResult{}, errors.New("config not loaded")
	}
	if err := guard.Allow(tier, "vote"); err != nil {
		return VoteResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteResult{}, err
	}
	defer tx.Rollback()

	if err := e.checkVoteTarget(ctx, tx, "remove vote from", targetKind, targetID); err != nil {
		return VoteResult{}, err
	}
	if err := e.Repo.DeleteVote(ctx, tx, actorID, targetKind, targetID); err != nil {
		return VoteResult{}, err
	}
	tally, err := e.Repo.TallyVotes(ctx, tx, targetKind, targetID)
	if err != nil {
		return VoteResult{}, err
	}
	if targetKind == "staged_app" {
		if _, err := e.refreshStagedApp(ctx, tx, targetID); err != nil {
			return VoteResult{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "vote_removed", targetKind, targetID, actorID, events.EventPayload{
		"up":   tally.Up,
		"down": tally.Down,
	}); err != nil {
		return VoteResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return VoteResult{}, err
	}
	return VoteResult{Outcome: "removed", Tally: tally}, nil
}

// Tally recounts the committed ledger for a target.
func (e Engine) Tally(ctx context.Context, targetKind, targetID string) (domain.Tally, error) {
	tx, err := e.DB.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return domain.Tally{}, err
	}
	defer tx.Rollback()
	switch targetKind {
	case "request":
		if _, err := e.Repo.GetAppRequestTx(ctx, tx, targetID); err != nil {
			return domain.Tally{}, err
		}
	case "staged_app":
		if _, err := e.Repo.GetStagedAppTx(ctx, tx, targetID); err != nil {
			return domain.Tally{}, err
		}
	default:
		return domain.Tally{}, fmt.Errorf("unknown target kind %s", targetKind)
	}
	return e.Repo.TallyVotes(ctx, tx, targetKind, targetID)
}

// SubmitFeedback appends one feedback item to a staged app's log and
// refreshes the derived eligibility flag.
func (e Engine) SubmitFeedback(ctx context.Context, actorID, tier, stagedAppID, kind, message, priority string) (domain.FeedbackItem, error) {
	if e.Config == nil {
		return domain.FeedbackItem{}, errors.New("config not loaded")
	}
	if err := guard.Allow(tier, "feedback"); err != nil {
		return domain.FeedbackItem{}, err
	}
	switch kind {
	case "bug", "feature", "general":
	default:
		return domain.FeedbackItem{}, fmt.Errorf("invalid feedback kind %s", kind)
	}
	if priority == "" {
		priority = "medium"
	}
	switch priority {
	case "low", "medium", "high":
	default:
		return domain.FeedbackItem{}, fmt.Errorf("invalid priority %s", priority)
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return domain.FeedbackItem{}, errors.New("message is required")
	}
	if len(message) > 5000 {
		return domain.FeedbackItem{}, errors.New("message exceeds 5000 characters")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.FeedbackItem{}, err
	}
	defer tx.Rollback()

	if err := e.checkVoteTarget(ctx, tx, "add feedback to", "staged_app", stagedAppID); err != nil {
		return domain.FeedbackItem{}, err
	}
	item := domain.FeedbackItem{
		ID:          uuid.New().String(),
		StagedAppID: stagedAppID,
		AuthorID:    actorID,
		Kind:        kind,
		Message:     message,
		Priority:    priority,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertFeedback(ctx, tx, item); err != nil {
		return item, fmt.Errorf("insert feedback: %w", err)
	}
	if _, err := e.refreshStagedApp(ctx, tx, stagedAppID); err != nil {
		return item, err
	}
	if err := e.Events.Append(ctx, tx, "feedback_submitted", "staged_app", stagedAppID, actorID, events.EventPayload{
		"feedback_id": item.ID,
		"kind":        kind,
		"priority":    priority,
	}); err != nil {
		return item, err
	}
	if err := tx.Commit(); err != nil {
		return item, err
	}
	return item, nil
}
