package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeline/internal/domain"
	"forgeline/internal/events"
)

// ApplyVerdict records a safety verdict for a request in safety_review.
// A passing verdict stages the artifact in the wild west; this is the only
// way a StagedApp comes into existence. A failing verdict terminates the
// request with the violation list attached for the requester. Verdicts are
// immutable; resubmission means a new attempt, a new artifact and a new
// verdict.
func (e Engine) ApplyVerdict(ctx context.Context, requestID string, verdict domain.SafetyVerdict) (domain.AppRequest, error) {
	if e.Config == nil {
		return domain.AppRequest{}, errors.New("config not loaded")
	}
	if verdict.ArtifactRef == "" {
		return domain.AppRequest{}, errors.New("artifact_ref required")
	}
	if !verdict.Pass && len(verdict.Violations) == 0 {
		return domain.AppRequest{}, errors.New("failing verdict requires violations")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.fetchRequestExpecting(ctx, tx, requestID, "safety_review")
	if err != nil {
		return a, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	if verdict.ID == "" {
		verdict.ID = uuid.New().String()
	}
	verdict.RequestID = a.ID
	verdict.CreatedAt = now
	if err := e.Repo.InsertSafetyVerdict(ctx, tx, verdict); err != nil {
		return a, fmt.Errorf("insert verdict: %w", err)
	}
	codes := make([]string, 0, len(verdict.Violations))
	for _, v := range verdict.Violations {
		codes = append(codes, v.Code)
	}
	if err := e.Events.Append(ctx, tx, "verdict_recorded", "request", a.ID, "screener", events.EventPayload{
		"verdict_id":   verdict.ID,
		"artifact_ref": verdict.ArtifactRef,
		"pass":         verdict.Pass,
		"codes":        codes,
	}); err != nil {
		return a, err
	}
	a.VerdictID = &verdict.ID
	a.UpdatedAt = now

	if verdict.Pass {
		if err := ensureRequestTransition(a.Status, "wild_west"); err != nil {
			return a, err
		}
		staged := domain.StagedApp{
			ID:          uuid.New().String(),
			RequestID:   a.ID,
			ArtifactRef: verdict.ArtifactRef,
			Title:       a.Title,
			Category:    a.Category,
			Eligible:    e.deriveEligible(0, 0, 0),
			Status:      "staged",
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertStagedApp(ctx, tx, staged); err != nil {
			return a, fmt.Errorf("insert staged app: %w", err)
		}
		a.Status = "wild_west"
		a.StagedAppID = &staged.ID
		if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, "staged_app_created", "staged_app", staged.ID, "screener", events.EventPayload{
			"request_id":   a.ID,
			"artifact_ref": staged.ArtifactRef,
		}); err != nil {
			return a, err
		}
	} else {
		if err := ensureRequestTransition(a.Status, "rejected"); err != nil {
			return a, err
		}
		a.Status = "rejected"
		a.RejectionReason = optionalString(violationSummary(verdict.Violations))
		if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, "request_rejected", "request", a.ID, "screener", events.EventPayload{
			"verdict_id": verdict.ID,
			"codes":      codes,
		}); err != nil {
			return a, err
		}
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

func violationSummary(violations []domain.Violation) string {
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, fmt.Sprintf("%s: %s", v.Code, v.Reason))
	}
	return strings.Join(parts, "; ")
}

// deriveEligible is the one formula for promotion eligibility. Both
// constants come from configuration.
func (e Engine) deriveEligible(up, down, feedbackCount int) bool {
	return (up-down) >= e.Config.Voting.PromotionThreshold &&
		feedbackCount < e.Config.Voting.FeedbackRejectionCap
}
