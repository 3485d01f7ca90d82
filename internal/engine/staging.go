package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/engine/guard"
	"forgeline/internal/events"
)

// PromoteStagedApp requests promotion of a staged app. Eligibility is
// re-derived from fresh vote and feedback scans inside the transaction,
// never trusted from the cached flag. With override the eligibility
// threshold is bypassed (admin only) and the action is logged distinctly;
// the safety checkpoint is never bypassed because promotion is reachable
// only from a staged app, which only a passing verdict creates.
func (e Engine) PromoteStagedApp(ctx context.Context, actorID, tier, stagedAppID string, override bool) (domain.StagedApp, domain.PublishIntent, error) {
	if e.Config == nil {
		return domain.StagedApp{}, domain.PublishIntent{}, errors.New("config not loaded")
	}
	action := "promote"
	if override {
		action = "admin_override"
	}
	if err := guard.Allow(tier, action); err != nil {
		return domain.StagedApp{}, domain.PublishIntent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedApp{}, domain.PublishIntent{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStagedAppTx(ctx, tx, stagedAppID)
	if err != nil {
		return s, domain.PublishIntent{}, err
	}
	switch s.Status {
	case "promoted":
		return s, intentFromStaged(s), nil
	case "promotion_pending":
		return s, domain.PublishIntent{}, ConflictError{RequestID: s.RequestID, Reason: "promotion already pending acknowledgment"}
	case "retired":
		return s, domain.PublishIntent{}, InvalidStateError{Kind: "staged_app", ID: s.ID, Status: s.Status, Op: "promote"}
	}

	tally, err := e.Repo.TallyVotes(ctx, tx, "staged_app", s.ID)
	if err != nil {
		return s, domain.PublishIntent{}, err
	}
	count, err := e.Repo.CountFeedback(ctx, tx, s.ID)
	if err != nil {
		return s, domain.PublishIntent{}, err
	}
	eligible := e.deriveEligible(tally.Up, tally.Down, count)
	if !eligible && !override {
		return s, domain.PublishIntent{}, InvalidStateError{
			Kind: "staged_app", ID: s.ID, Status: s.Status, Op: "promote",
			Reason: fmt.Sprintf("not eligible: net %d (threshold %d), %d feedback (cap %d)",
				tally.Up-tally.Down, e.Config.Voting.PromotionThreshold, count, e.Config.Voting.FeedbackRejectionCap),
		}
	}

	a, err := e.fetchRequestExpecting(ctx, tx, s.RequestID, "wild_west")
	if err != nil {
		return s, domain.PublishIntent{}, err
	}
	if err := ensureRequestTransition(a.Status, "promotion_pending"); err != nil {
		return s, domain.PublishIntent{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	intent := domain.PublishIntent{
		ID:          uuid.New().String(),
		StagedAppID: s.ID,
		RequestID:   s.RequestID,
		ArtifactRef: s.ArtifactRef,
		CreatedAt:   now,
	}
	s.Status = "promotion_pending"
	s.PublishIntentID = &intent.ID
	s.Upvotes = tally.Up
	s.Downvotes = tally.Down
	s.FeedbackCount = count
	s.Eligible = eligible
	s.UpdatedAt = now
	if err := e.Repo.UpdateStagedApp(ctx, tx, s); err != nil {
		return s, intent, err
	}
	a.Status = "promotion_pending"
	a.UpdatedAt = now
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return s, intent, err
	}
	evtType := "staged_app_promotion_requested"
	if override {
		evtType = "staged_app_promoted_override"
	}
	if err := e.Events.Append(ctx, tx, evtType, "staged_app", s.ID, actorID, events.EventPayload{
		"intent_id": intent.ID,
		"net":       tally.Up - tally.Down,
		"feedback":  count,
		"eligible":  eligible,
	}); err != nil {
		return s, intent, err
	}
	if err := e.Events.Append(ctx, tx, "publish_intent", "staged_app", s.ID, actorID, events.EventPayload{
		"intent_id":    intent.ID,
		"request_id":   intent.RequestID,
		"artifact_ref": intent.ArtifactRef,
		"title":        s.Title,
		"category":     s.Category,
	}); err != nil {
		return s, intent, err
	}
	if err := tx.Commit(); err != nil {
		return s, intent, err
	}
	return s, intent, nil
}

func intentFromStaged(s domain.StagedApp) domain.PublishIntent {
	intent := domain.PublishIntent{
		StagedAppID: s.ID,
		RequestID:   s.RequestID,
		ArtifactRef: s.ArtifactRef,
		CreatedAt:   s.UpdatedAt,
	}
	if s.PublishIntentID != nil {
		intent.ID = *s.PublishIntentID
	}
	return intent
}

// RetireStagedApp takes a staged or promotion-pending app out of the wild
// west. Repeating a retire returns the terminal status unchanged.
func (e Engine) RetireStagedApp(ctx context.Context, actorID, tier, stagedAppID, reason string) (domain.StagedApp, error) {
	if err := guard.Allow(tier, "reject"); err != nil {
		return domain.StagedApp{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedApp{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStagedAppTx(ctx, tx, stagedAppID)
	if err != nil {
		return s, err
	}
	if s.Status == "retired" {
		return s, nil
	}
	if s.Status == "promoted" {
		return s, InvalidStateError{Kind: "staged_app", ID: s.ID, Status: s.Status, Op: "retire"}
	}
	a, err := e.fetchRequestExpecting(ctx, tx, s.RequestID, "wild_west", "promotion_pending")
	if err != nil {
		return s, err
	}
	if err := ensureRequestTransition(a.Status, "retired"); err != nil {
		return s, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.Status = "retired"
	s.UpdatedAt = now
	if err := e.Repo.UpdateStagedApp(ctx, tx, s); err != nil {
		return s, err
	}
	a.Status = "retired"
	a.RejectionReason = optionalString(reason)
	a.UpdatedAt = now
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "staged_app_retired", "staged_app", s.ID, actorID, events.EventPayload{
		"request_id": s.RequestID,
		"reason":     reason,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

// ConfirmPublish is the Catalog Publisher's acknowledgment. The intent id
// must match the one emitted at promotion time; promotion_pending never
// becomes promoted without it. The acknowledgment is a collaborator
// contract, so tier gating happens at the surfaces that stand in for the
// publisher, not here.
func (e Engine) ConfirmPublish(ctx context.Context, actorID, stagedAppID, intentID string) (domain.StagedApp, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.StagedApp{}, err
	}
	defer tx.Rollback()

	s, err := e.Repo.GetStagedAppTx(ctx, tx, stagedAppID)
	if err != nil {
		return s, err
	}
	if s.Status == "promoted" {
		if s.PublishIntentID != nil && *s.PublishIntentID == intentID {
			return s, nil
		}
		return s, ConflictError{RequestID: s.RequestID, Reason: "publish intent does not match"}
	}
	if s.Status != "promotion_pending" {
		return s, InvalidStateError{Kind: "staged_app", ID: s.ID, Status: s.Status, Op: "confirm publish"}
	}
	if s.PublishIntentID == nil || *s.PublishIntentID != intentID {
		return s, ConflictError{RequestID: s.RequestID, Reason: "publish intent does not match"}
	}
	a, err := e.fetchRequestExpecting(ctx, tx, s.RequestID, "promotion_pending")
	if err != nil {
		return s, err
	}
	if err := ensureRequestTransition(a.Status, "promoted"); err != nil {
		return s, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	s.Status = "promoted"
	s.UpdatedAt = now
	if err := e.Repo.UpdateStagedApp(ctx, tx, s); err != nil {
		return s, err
	}
	a.Status = "promoted"
	a.UpdatedAt = now
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "staged_app_promoted", "staged_app", s.ID, actorID, events.EventPayload{
		"intent_id":  intentID,
		"request_id": s.RequestID,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}
