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
	"forgeline/internal/repo"
)

// BeginGeneration claims a queued request for generation. It is called by
// the runner's workers; two workers racing the same request leave exactly
// one generating and hand the other a Conflict.
func (e Engine) BeginGeneration(ctx context.Context, requestID string) (domain.AppRequest, domain.GenerationJob, error) {
	if e.Config == nil {
		return domain.AppRequest{}, domain.GenerationJob{}, errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, domain.GenerationJob{}, err
	}
	defer tx.Rollback()

	a, err := e.fetchRequestExpecting(ctx, tx, requestID, "queued")
	if err != nil {
		return a, domain.GenerationJob{}, err
	}
	now := e.now().UTC()
	if a.NotBefore != nil {
		due, perr := time.Parse(time.RFC3339, *a.NotBefore)
		if perr == nil && now.Before(due) {
			return a, domain.GenerationJob{}, ConflictError{RequestID: a.ID, Reason: fmt.Sprintf("backoff pending until %s", *a.NotBefore)}
		}
	}
	if _, err := e.Repo.RunningJob(ctx, tx, a.ID); err == nil {
		return a, domain.GenerationJob{}, ConflictError{RequestID: a.ID, Reason: "a job is already running"}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return a, domain.GenerationJob{}, err
	}
	if err := ensureRequestTransition(a.Status, "generating"); err != nil {
		return a, domain.GenerationJob{}, err
	}
	a.Attempts++
	nowStr := now.Format(time.RFC3339)
	job := domain.GenerationJob{
		ID:        uuid.New().String(),
		RequestID: a.ID,
		Attempt:   a.Attempts,
		Status:    "running",
		StartedAt: nowStr,
	}
	if err := e.Repo.InsertGenerationJob(ctx, tx, job); err != nil {
		return a, job, fmt.Errorf("insert job: %w", err)
	}
	a.Status = "generating"
	a.LatestJobID = &job.ID
	a.NotBefore = nil
	a.UpdatedAt = nowStr
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return a, job, err
	}
	if err := e.Events.Append(ctx, tx, "generation_started", "request", a.ID, "runner", events.EventPayload{
		"job_id":  job.ID,
		"attempt": job.Attempt,
	}); err != nil {
		return a, job, err
	}
	if err := tx.Commit(); err != nil {
		return a, job, err
	}
	return a, job, nil
}

// CompletionResult is the labeled outcome of one generation attempt.
type CompletionResult struct {
	JobID       string
	Status      string // succeeded, failed or timed_out
	ArtifactRef string
	FailureKind string
	FailureNote string
	BuildLog    string
}

// CompleteGeneration applies the terminal-for-this-attempt outcome. The
// attempt number fences stale results: a completion whose attempt or job id
// no longer matches the request is discarded (and audited), never applied.
func (e Engine) CompleteGeneration(ctx context.Context, requestID string, attempt int, res CompletionResult) (domain.AppRequest, error) {
	if e.Config == nil {
		return domain.AppRequest{}, errors.New("config not loaded")
	}
	switch res.Status {
	case "succeeded", "failed", "timed_out":
	default:
		return domain.AppRequest{}, fmt.Errorf("invalid completion status %s", res.Status)
	}
	if res.Status == "succeeded" && res.ArtifactRef == "" {
		return domain.AppRequest{}, errors.New("artifact_ref required on success")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AppRequest{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.GetAppRequestTx(ctx, tx, requestID)
	if err != nil {
		return a, err
	}
	stale := a.Status != "generating" || a.Attempts != attempt ||
		a.LatestJobID == nil || *a.LatestJobID != res.JobID
	if stale {
		if err := e.Events.Append(ctx, tx, "stale_completion_discarded", "request", a.ID, "runner", events.EventPayload{
			"job_id":          res.JobID,
			"attempt":         attempt,
			"current_attempt": a.Attempts,
			"current_status":  a.Status,
		}); err != nil {
			return a, err
		}
		if err := tx.Commit(); err != nil {
			return a, err
		}
		return a, nil
	}

	job, err := e.Repo.GetGenerationJobTx(ctx, tx, res.JobID)
	if err != nil {
		return a, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	job.Status = res.Status
	job.BuildLog = res.BuildLog
	job.EndedAt = &nowStr
	if res.Status == "succeeded" {
		job.ArtifactRef = &res.ArtifactRef
	} else {
		job.FailureKind = optionalString(res.FailureKind)
		job.FailureNote = optionalString(res.FailureNote)
	}
	if err := e.Repo.UpdateGenerationJob(ctx, tx, job); err != nil {
		return a, err
	}

	switch res.Status {
	case "succeeded":
		if err := ensureRequestTransition(a.Status, "safety_review"); err != nil {
			return a, err
		}
		a.Status = "safety_review"
		a.UpdatedAt = nowStr
		if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
			return a, err
		}
		if err := e.Events.Append(ctx, tx, "generation_completed", "request", a.ID, "runner", events.EventPayload{
			"job_id":       job.ID,
			"attempt":      job.Attempt,
			"artifact_ref": res.ArtifactRef,
		}); err != nil {
			return a, err
		}
	default:
		if a.Attempts < e.Config.Generation.MaxAttempts {
			if err := ensureRequestTransition(a.Status, "queued"); err != nil {
				return a, err
			}
			delay := e.Config.Generation.Backoff(a.Attempts)
			nb := now.Add(delay).Format(time.RFC3339)
			a.Status = "queued"
			a.NotBefore = &nb
			a.UpdatedAt = nowStr
			if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
				return a, err
			}
			if err := e.Events.Append(ctx, tx, "generation_retry_scheduled", "request", a.ID, "runner", events.EventPayload{
				"job_id":     job.ID,
				"attempt":    job.Attempt,
				"failure":    res.Status,
				"kind":       res.FailureKind,
				"not_before": nb,
			}); err != nil {
				return a, err
			}
		} else {
			if err := ensureRequestTransition(a.Status, "failed"); err != nil {
				return a, err
			}
			a.Status = "failed"
			a.NotBefore = nil
			a.UpdatedAt = nowStr
			if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
				return a, err
			}
			if err := e.Events.Append(ctx, tx, "generation_exhausted", "request", a.ID, "runner", events.EventPayload{
				"job_id":   job.ID,
				"attempts": a.Attempts,
				"failure":  res.Status,
				"kind":     res.FailureKind,
			}); err != nil {
				return a, err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// CancelGeneration pulls a generating request out of the automated flow.
// The job is marked cancelled locally whether or not the capability
// acknowledged; any late result is fenced off by attempt number. The
// request returns to submitted so a moderator can reject or re-enqueue it.
func (e Engine) CancelGeneration(ctx context.Context, actorID, tier, requestID string) (domain.GenerationJob, error) {
	if err := guard.Allow(tier, "reject"); err != nil {
		return domain.GenerationJob{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GenerationJob{}, err
	}
	defer tx.Rollback()

	a, err := e.fetchRequestExpecting(ctx, tx, requestID, "generating")
	if err != nil {
		return domain.GenerationJob{}, err
	}
	if a.LatestJobID == nil {
		return domain.GenerationJob{}, InvalidStateError{Kind: "request", ID: a.ID, Status: a.Status, Op: "cancel", Reason: "no job recorded"}
	}
	job, err := e.Repo.GetGenerationJobTx(ctx, tx, *a.LatestJobID)
	if err != nil {
		return job, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	job.Status = "cancelled"
	job.EndedAt = &now
	if err := e.Repo.UpdateGenerationJob(ctx, tx, job); err != nil {
		return job, err
	}
	if err := ensureRequestTransition(a.Status, "submitted"); err != nil {
		return job, err
	}
	a.Status = "submitted"
	a.NotBefore = nil
	a.UpdatedAt = now
	if err := e.Repo.UpdateAppRequest(ctx, tx, a); err != nil {
		return job, err
	}
	if err := e.Events.Append(ctx, tx, "generation_cancelled", "request", a.ID, actorID, events.EventPayload{
		"job_id":  job.ID,
		"attempt": job.Attempt,
	}); err != nil {
		return job, err
	}
	if err := tx.Commit(); err != nil {
		return job, err
	}
	return job, nil
}
