package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/engine/guard"
	"forgeline/internal/migrate"
	"forgeline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("forgeline-test")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	seed := "2024-01-01T00:00:00Z"
	for _, u := range []domain.User{
		{ID: "alice", Handle: "alice", Tier: "limited", CreatedAt: seed, UpdatedAt: seed},
		{ID: "mod", Handle: "mod", Tier: "promoted", CreatedAt: seed, UpdatedAt: seed},
		{ID: "root", Handle: "root", Tier: "admin", CreatedAt: seed, UpdatedAt: seed},
	} {
		if err := eng.Repo.InsertUser(ctx, nil, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

// submitGenerating walks a fresh request to generating and returns it with
// the running job.
func submitGenerating(t *testing.T, env testEnv, title string) (domain.AppRequest, domain.GenerationJob) {
	t.Helper()
	a, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: title, Category: "games"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := env.Engine.EnqueueRequest(env.Ctx, "alice", "limited", a.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	a, job, err := env.Engine.BeginGeneration(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return a, job
}

// stageApp drives a request through generation and a passing verdict and
// returns the staged app it produced.
func stageApp(t *testing.T, env testEnv, title string) (domain.StagedApp, domain.AppRequest) {
	t.Helper()
	a, job := submitGenerating(t, env, title)
	artifact := "stub://artifacts/" + a.ID + "/1"
	a, err := env.Engine.CompleteGeneration(env.Ctx, a.ID, job.Attempt, engine.CompletionResult{JobID: job.ID, Status: "succeeded", ArtifactRef: artifact, BuildLog: "ok"})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	a, err = env.Engine.ApplyVerdict(env.Ctx, a.ID, domain.SafetyVerdict{ArtifactRef: artifact, Pass: true})
	if err != nil {
		t.Fatalf("verdict: %v", err)
	}
	s, err := env.Engine.Repo.GetStagedApp(env.Ctx, *a.StagedAppID)
	if err != nil {
		t.Fatalf("get staged: %v", err)
	}
	return s, a
}

func TestRequestLifecycleToWildWest(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{
		ActorID:     "alice",
		Tier:        "limited",
		Title:       "Metronome",
		Description: "A metronome with tap tempo",
		Category:    "utilities",
	})
	if err != nil || a.Status != "submitted" {
		t.Fatalf("submit: %v (status %s)", err, a.Status)
	}
	a, err = env.Engine.EnqueueRequest(env.Ctx, "alice", "limited", a.ID)
	if err != nil || a.Status != "queued" {
		t.Fatalf("enqueue: %v (status %s)", err, a.Status)
	}
	a, job, err := env.Engine.BeginGeneration(env.Ctx, a.ID)
	if err != nil || a.Status != "generating" || a.Attempts != 1 {
		t.Fatalf("begin: %v (status %s attempts %d)", err, a.Status, a.Attempts)
	}
	if job.Status != "running" || job.Attempt != 1 {
		t.Fatalf("unexpected job %+v", job)
	}
	if a.LatestJobID == nil || *a.LatestJobID != job.ID {
		t.Fatalf("expected latest job recorded")
	}
	a, err = env.Engine.CompleteGeneration(env.Ctx, a.ID, job.Attempt, engine.CompletionResult{
		JobID: job.ID, Status: "succeeded", ArtifactRef: "stub://artifacts/m/1", BuildLog: "ok",
	})
	if err != nil || a.Status != "safety_review" {
		t.Fatalf("complete: %v (status %s)", err, a.Status)
	}
	a, err = env.Engine.ApplyVerdict(env.Ctx, a.ID, domain.SafetyVerdict{ArtifactRef: "stub://artifacts/m/1", Pass: true})
	if err != nil || a.Status != "wild_west" {
		t.Fatalf("verdict: %v (status %s)", err, a.Status)
	}
	if a.StagedAppID == nil {
		t.Fatalf("expected staged app id on request")
	}
	s, err := env.Engine.Repo.GetStagedApp(env.Ctx, *a.StagedAppID)
	if err != nil || s.Status != "staged" || s.Title != "Metronome" {
		t.Fatalf("staged: %v (%+v)", err, s)
	}
	if s.Eligible {
		t.Fatalf("expected fresh staged app below threshold")
	}
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	var denied guard.DeniedError
	_, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "ghost", Tier: "anonymous", Title: "Sketchpad", Category: "creative"})
	if !errors.As(err, &denied) || denied.Action != "submit" {
		t.Fatalf("expected anonymous denial, got %v", err)
	}
	if _, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: "Sketchpad", Category: "astrology"}); err == nil {
		t.Fatalf("expected unknown category error")
	}
	if _, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: "   ", Category: "creative"}); err == nil {
		t.Fatalf("expected blank title error")
	}
	if _, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: strings.Repeat("x", 201), Category: "creative"}); err == nil {
		t.Fatalf("expected title length error")
	}
}

func TestEnqueuePermissions(t *testing.T) {
	env := newTestEnv(t)
	seed := "2024-01-01T00:00:00Z"
	if err := env.Engine.Repo.InsertUser(env.Ctx, nil, domain.User{ID: "bob", Handle: "bob", Tier: "limited", CreatedAt: seed, UpdatedAt: seed}); err != nil {
		t.Fatal(err)
	}
	a, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: "Flashcards", Category: "education"})
	if err != nil {
		t.Fatal(err)
	}
	// a limited actor who is not the requester needs approve
	var denied guard.DeniedError
	_, err = env.Engine.EnqueueRequest(env.Ctx, "bob", "limited", a.ID)
	if !errors.As(err, &denied) || denied.Action != "approve" {
		t.Fatalf("expected approve denial, got %v", err)
	}
	a, err = env.Engine.ApproveRequest(env.Ctx, "mod", "promoted", a.ID)
	if err != nil || a.Status != "queued" {
		t.Fatalf("approve: %v (status %s)", err, a.Status)
	}
	var conflict engine.ConflictError
	_, err = env.Engine.ApproveRequest(env.Ctx, "mod", "promoted", a.ID)
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict on second approve, got %v", err)
	}
}

func TestRejectModeration(t *testing.T) {
	env := newTestEnv(t)
	a, err := env.Engine.SubmitRequest(env.Ctx, engine.SubmitOptions{ActorID: "alice", Tier: "limited", Title: "Chess clone", Category: "games"})
	if err != nil {
		t.Fatal(err)
	}
	var denied guard.DeniedError
	if _, err := env.Engine.RejectRequest(env.Ctx, "alice", "limited", a.ID, "nope"); !errors.As(err, &denied) {
		t.Fatalf("expected limited reject denial, got %v", err)
	}
	a, err = env.Engine.RejectRequest(env.Ctx, "mod", "promoted", a.ID, "duplicate of an existing app")
	if err != nil || a.Status != "rejected" {
		t.Fatalf("reject: %v (status %s)", err, a.Status)
	}
	if a.RejectionReason == nil || *a.RejectionReason != "duplicate of an existing app" {
		t.Fatalf("expected reason recorded, got %v", a.RejectionReason)
	}
	// repeating a reject is the terminal no-op
	a, err = env.Engine.RejectRequest(env.Ctx, "mod", "promoted", a.ID, "again")
	if err != nil || a.Status != "rejected" {
		t.Fatalf("re-reject: %v (status %s)", err, a.Status)
	}
	// a generating request must be cancelled before rejection
	gen, _ := submitGenerating(t, env, "Weather radar")
	var conflict engine.ConflictError
	_, err = env.Engine.RejectRequest(env.Ctx, "mod", "promoted", gen.ID, "mid-flight")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected generating conflict, got %v", err)
	}
}

func TestGenerationRetryBackoff(t *testing.T) {
	env := newTestEnv(t)
	a, job := submitGenerating(t, env, "Planet viewer")
	a, err := env.Engine.CompleteGeneration(env.Ctx, a.ID, job.Attempt, engine.CompletionResult{JobID: job.ID, Status: "timed_out", FailureKind: "timeout"})
	if err != nil || a.Status != "queued" {
		t.Fatalf("retry schedule: %v (status %s)", err, a.Status)
	}
	if a.NotBefore == nil || *a.NotBefore != "2024-01-01T00:00:05Z" {
		t.Fatalf("expected backoff stamp, got %v", a.NotBefore)
	}
	// the clock has not reached the backoff stamp yet
	var conflict engine.ConflictError
	_, _, err = env.Engine.BeginGeneration(env.Ctx, a.ID)
	if !errors.As(err, &conflict) {
		t.Fatalf("expected backoff conflict, got %v", err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 10, 0, time.UTC) }
	a, job, err = env.Engine.BeginGeneration(env.Ctx, a.ID)
	if err != nil || a.Attempts != 2 || job.Attempt != 2 {
		t.Fatalf("second attempt: %v (attempts %d)", err, a.Attempts)
	}
	if a.NotBefore != nil {
		t.Fatalf("expected backoff cleared on claim")
	}
	a, err = env.Engine.CompleteGeneration(env.Ctx, a.ID, 2, engine.CompletionResult{JobID: job.ID, Status: "succeeded", ArtifactRef: "stub://artifacts/p/2"})
	if err != nil || a.Status != "safety_review" {
		t.Fatalf("second completion: %v (status %s)", err, a.Status)
	}
}

func TestGenerationExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Generation.MaxAttempts = 2
	env.Engine.Config.Generation.BackoffBaseSeconds = 0
	a, job := submitGenerating(t, env, "Maze builder")
	a, err := env.Engine.CompleteGeneration(env.Ctx, a.ID, 1, engine.CompletionResult{JobID: job.ID, Status: "failed", FailureKind: "build_error", FailureNote: "syntax error"})
	if err != nil || a.Status != "queued" {
		t.Fatalf("first failure: %v (status %s)", err, a.Status)
	}
	a, job, err = env.Engine.BeginGeneration(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	a, err = env.Engine.CompleteGeneration(env.Ctx, a.ID, 2, engine.CompletionResult{JobID: job.ID, Status: "failed", FailureKind: "build_error"})
	if err != nil || a.Status != "failed" {
		t.Fatalf("exhaustion: %v (status %s)", err, a.Status)
	}
	if a.NotBefore != nil {
		t.Fatalf("expected no backoff on terminal failure")
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='generation_exhausted' AND entity_id=?`, a.ID)
	if err := row.Scan(&count); err != nil || count != 1 {
		t.Fatalf("expected one exhaustion event, got %d (%v)", count, err)
	}
}

func TestStaleCompletionDiscarded(t *testing.T) {
	env := newTestEnv(t)
	a, job := submitGenerating(t, env, "Star chart")
	// wrong attempt number: fenced off, state untouched
	got, err := env.Engine.CompleteGeneration(env.Ctx, a.ID, 7, engine.CompletionResult{JobID: job.ID, Status: "succeeded", ArtifactRef: "stub://late"})
	if err != nil || got.Status != "generating" {
		t.Fatalf("stale attempt: %v (status %s)", err, got.Status)
	}
	// wrong job id: same fence
	got, err = env.Engine.CompleteGeneration(env.Ctx, a.ID, 1, engine.CompletionResult{JobID: "phantom", Status: "failed"})
	if err != nil || got.Status != "generating" {
		t.Fatalf("phantom job: %v (status %s)", err, got.Status)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='stale_completion_discarded' AND entity_id=?`, a.ID)
	if err := row.Scan(&count); err != nil || count != 2 {
		t.Fatalf("expected two discard events, got %d (%v)", count, err)
	}
	// the live job still completes normally
	got, err = env.Engine.CompleteGeneration(env.Ctx, a.ID, job.Attempt, engine.CompletionResult{JobID: job.ID, Status: "succeeded", ArtifactRef: "stub://artifacts/s/1"})
	if err != nil || got.Status != "safety_review" {
		t.Fatalf("live completion: %v (status %s)", err, got.Status)
	}
}

func TestCancelGeneration(t *testing.T) {
	env := newTestEnv(t)
	a, job := submitGenerating(t, env, "Notes widget")
	// the request is claimed; a second claim conflicts
	var conflict engine.ConflictError
	if _, _, err := env.Engine.BeginGeneration(env.Ctx, a.ID); !errors.As(err, &conflict) {
		t.Fatalf("expected claim conflict, got %v", err)
	}
	var denied guard.DeniedError
	if _, err := env.Engine.CancelGeneration(env.Ctx, "alice", "limited", a.ID); !errors.As(err, &denied) {
		t.Fatalf("expected limited cancel denial, got %v", err)
	}
	cancelled, err := env.Engine.CancelGeneration(env.Ctx, "mod", "promoted", a.ID)
	if err != nil || cancelled.Status != "cancelled" {
		t.Fatalf("cancel: %v (status %s)", err, cancelled.Status)
	}
	if cancelled.ID != job.ID || cancelled.EndedAt == nil {
		t.Fatalf("expected the running job closed out, got %+v", cancelled)
	}
	got, err := env.Engine.Repo.GetAppRequest(env.Ctx, a.ID)
	if err != nil || got.Status != "submitted" {
		t.Fatalf("after cancel: %v (status %s)", err, got.Status)
	}
	// nothing generating anymore
	if _, err := env.Engine.CancelGeneration(env.Ctx, "mod", "promoted", a.ID); err == nil {
		t.Fatalf("expected conflict on second cancel")
	}
}

func TestFailingVerdictRejectsRequest(t *testing.T) {
	env := newTestEnv(t)
	a, job := submitGenerating(t, env, "Screen peeker")
	a, err := env.Engine.CompleteGeneration(env.Ctx, a.ID, job.Attempt, engine.CompletionResult{JobID: job.ID, Status: "succeeded", ArtifactRef: "stub://artifacts/peeker"})
	if err != nil {
		t.Fatal(err)
	}
	// failing verdicts must carry violations
	_, err = env.Engine.ApplyVerdict(env.Ctx, a.ID, domain.SafetyVerdict{ArtifactRef: "stub://artifacts/peeker", Pass: false})
	if err == nil {
		t.Fatalf("expected violations required error")
	}
	a, err = env.Engine.ApplyVerdict(env.Ctx, a.ID, domain.SafetyVerdict{
		ArtifactRef: "stub://artifacts/peeker",
		Pass:        false,
		Violations:  []domain.Violation{{Code: "SURVEILLANCE_CAPTURE", Severity: "critical", Reason: "records user input or screen content"}},
	})
	if err != nil || a.Status != "rejected" {
		t.Fatalf("failing verdict: %v (status %s)", err, a.Status)
	}
	if a.RejectionReason == nil || !strings.Contains(*a.RejectionReason, "SURVEILLANCE_CAPTURE") {
		t.Fatalf("expected violation summary, got %v", a.RejectionReason)
	}
	// verdicts apply only in safety_review
	var conflict engine.ConflictError
	_, err = env.Engine.ApplyVerdict(env.Ctx, a.ID, domain.SafetyVerdict{ArtifactRef: "stub://artifacts/peeker", Pass: true})
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestVoteOutcomes(t *testing.T) {
	env := newTestEnv(t)
	s, _ := stageApp(t, env, "Metronome")
	res, err := env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "up")
	if err != nil || res.Outcome != "cast" || res.Tally.Up != 1 {
		t.Fatalf("cast: %v (%+v)", err, res)
	}
	res, err = env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "up")
	if err != nil || res.Outcome != "unchanged" {
		t.Fatalf("repeat cast: %v (%+v)", err, res)
	}
	res, err = env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "down")
	if err != nil || res.Outcome != "flipped" || res.Tally.Up != 0 || res.Tally.Down != 1 {
		t.Fatalf("flip: %v (%+v)", err, res)
	}
	got, err := env.Engine.Repo.GetStagedApp(env.Ctx, s.ID)
	if err != nil || got.Upvotes != 0 || got.Downvotes != 1 {
		t.Fatalf("cached tally: %v (%d/%d)", err, got.Upvotes, got.Downvotes)
	}
	res, err = env.Engine.RemoveVote(env.Ctx, "alice", "limited", "staged_app", s.ID)
	if err != nil || res.Outcome != "removed" || res.Tally.Down != 0 {
		t.Fatalf("remove: %v (%+v)", err, res)
	}
	if _, err := env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "sideways"); err == nil {
		t.Fatalf("expected direction error")
	}
	var denied guard.DeniedError
	if _, err := env.Engine.CastVote(env.Ctx, "ghost", "anonymous", "staged_app", s.ID, "up"); !errors.As(err, &denied) {
		t.Fatalf("expected anonymous vote denial, got %v", err)
	}
}

func TestFeedbackRules(t *testing.T) {
	env := newTestEnv(t)
	s, _ := stageApp(t, env, "Recipe box")
	item, err := env.Engine.SubmitFeedback(env.Ctx, "alice", "limited", s.ID, "bug", "crashes when the list is empty", "")
	if err != nil || item.Priority != "medium" {
		t.Fatalf("feedback: %v (priority %s)", err, item.Priority)
	}
	got, err := env.Engine.Repo.GetStagedApp(env.Ctx, s.ID)
	if err != nil || got.FeedbackCount != 1 {
		t.Fatalf("count: %v (%d)", err, got.FeedbackCount)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, "alice", "limited", s.ID, "rant", "bad", ""); err == nil {
		t.Fatalf("expected kind error")
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, "alice", "limited", s.ID, "bug", "   ", ""); err == nil {
		t.Fatalf("expected message error")
	}
	var denied guard.DeniedError
	if _, err := env.Engine.SubmitFeedback(env.Ctx, "ghost", "anonymous", s.ID, "bug", "broken", ""); !errors.As(err, &denied) {
		t.Fatalf("expected anonymous feedback denial, got %v", err)
	}
}

func TestPromotionFlow(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Voting.PromotionThreshold = 1
	s, _ := stageApp(t, env, "Metronome")
	// below threshold
	var invalid engine.InvalidStateError
	_, _, err := env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if !errors.As(err, &invalid) || !strings.Contains(invalid.Reason, "not eligible") {
		t.Fatalf("expected eligibility failure, got %v", err)
	}
	if _, err := env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "up"); err != nil {
		t.Fatal(err)
	}
	s2, intent, err := env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if err != nil || s2.Status != "promotion_pending" || intent.ID == "" {
		t.Fatalf("promote: %v (status %s)", err, s2.Status)
	}
	// a second promotion while pending conflicts
	var conflict engine.ConflictError
	_, _, err = env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if !errors.As(err, &conflict) {
		t.Fatalf("expected pending conflict, got %v", err)
	}
	// acknowledgment must carry the matching intent
	_, err = env.Engine.ConfirmPublish(env.Ctx, "publisher", s.ID, "bogus")
	if !errors.As(err, &conflict) {
		t.Fatalf("expected intent mismatch, got %v", err)
	}
	s3, err := env.Engine.ConfirmPublish(env.Ctx, "publisher", s.ID, intent.ID)
	if err != nil || s3.Status != "promoted" {
		t.Fatalf("confirm: %v (status %s)", err, s3.Status)
	}
	a, err := env.Engine.Repo.GetAppRequest(env.Ctx, s.RequestID)
	if err != nil || a.Status != "promoted" {
		t.Fatalf("request after publish: %v (status %s)", err, a.Status)
	}
	// promoting a promoted app is a no-op returning the same intent
	s4, again, err := env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if err != nil || s4.Status != "promoted" || again.ID != intent.ID {
		t.Fatalf("repeat promote: %v (intent %s)", err, again.ID)
	}
	// promoted apps never retire
	_, err = env.Engine.RetireStagedApp(env.Ctx, "mod", "promoted", s.ID, "too late")
	if !errors.As(err, &invalid) {
		t.Fatalf("expected retire rejection, got %v", err)
	}
	// repeated acknowledgment with the same intent stays promoted
	s5, err := env.Engine.ConfirmPublish(env.Ctx, "publisher", s.ID, intent.ID)
	if err != nil || s5.Status != "promoted" {
		t.Fatalf("re-confirm: %v (status %s)", err, s5.Status)
	}
}

func TestPromoteOverride(t *testing.T) {
	env := newTestEnv(t)
	s, _ := stageApp(t, env, "Pixel doodle pad")
	var denied guard.DeniedError
	_, _, err := env.Engine.PromoteStagedApp(env.Ctx, "alice", "limited", s.ID, false)
	if !errors.As(err, &denied) || denied.Action != "promote" {
		t.Fatalf("expected promote denial, got %v", err)
	}
	_, _, err = env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, true)
	if !errors.As(err, &denied) || denied.Action != "admin_override" {
		t.Fatalf("expected override denial, got %v", err)
	}
	s2, intent, err := env.Engine.PromoteStagedApp(env.Ctx, "root", "admin", s.ID, true)
	if err != nil || s2.Status != "promotion_pending" || intent.ID == "" {
		t.Fatalf("override: %v (status %s)", err, s2.Status)
	}
	var count int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM events WHERE type='staged_app_promoted_override' AND entity_id=?`, s.ID)
	if err := row.Scan(&count); err != nil || count != 1 {
		t.Fatalf("expected override event, got %d (%v)", count, err)
	}
}

func TestRetireStagedApp(t *testing.T) {
	env := newTestEnv(t)
	s, a := stageApp(t, env, "Soundboard")
	s2, err := env.Engine.RetireStagedApp(env.Ctx, "mod", "promoted", s.ID, "abandoned by requester")
	if err != nil || s2.Status != "retired" {
		t.Fatalf("retire: %v (status %s)", err, s2.Status)
	}
	got, err := env.Engine.Repo.GetAppRequest(env.Ctx, a.ID)
	if err != nil || got.Status != "retired" {
		t.Fatalf("request after retire: %v (status %s)", err, got.Status)
	}
	if got.RejectionReason == nil || *got.RejectionReason != "abandoned by requester" {
		t.Fatalf("expected reason, got %v", got.RejectionReason)
	}
	// retiring twice is the terminal no-op
	s3, err := env.Engine.RetireStagedApp(env.Ctx, "mod", "promoted", s.ID, "once more")
	if err != nil || s3.Status != "retired" {
		t.Fatalf("re-retire: %v (status %s)", err, s3.Status)
	}
	// retired targets accept no more votes or promotions
	var invalid engine.InvalidStateError
	if _, err := env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "up"); !errors.As(err, &invalid) {
		t.Fatalf("expected vote rejection, got %v", err)
	}
	_, _, err = env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if !errors.As(err, &invalid) {
		t.Fatalf("expected promote rejection, got %v", err)
	}
}

func TestFeedbackCapBlocksEligibility(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Voting.PromotionThreshold = 1
	env.Engine.Config.Voting.FeedbackRejectionCap = 1
	s, _ := stageApp(t, env, "Timer")
	if _, err := env.Engine.CastVote(env.Ctx, "alice", "limited", "staged_app", s.ID, "up"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetStagedApp(env.Ctx, s.ID)
	if err != nil || !got.Eligible {
		t.Fatalf("expected eligible after vote: %v (%+v)", err, got)
	}
	if _, err := env.Engine.SubmitFeedback(env.Ctx, "mod", "promoted", s.ID, "bug", "the timer drifts badly", "high"); err != nil {
		t.Fatal(err)
	}
	got, err = env.Engine.Repo.GetStagedApp(env.Ctx, s.ID)
	if err != nil || got.Eligible {
		t.Fatalf("expected feedback cap to block eligibility: %v (%+v)", err, got)
	}
	var invalid engine.InvalidStateError
	_, _, err = env.Engine.PromoteStagedApp(env.Ctx, "mod", "promoted", s.ID, false)
	if !errors.As(err, &invalid) {
		t.Fatalf("expected promote rejection, got %v", err)
	}
}

func TestEventAppendAcrossPipeline(t *testing.T) {
	env := newTestEnv(t)
	_, a := stageApp(t, env, "Metronome")
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT type FROM events WHERE entity_id=?`, a.ID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	seen := map[string]bool{}
	for rows.Next() {
		var typ string
		if err := rows.Scan(&typ); err != nil {
			t.Fatal(err)
		}
		seen[typ] = true
	}
	for _, want := range []string{"request_submitted", "request_enqueued", "generation_started", "generation_completed", "verdict_recorded"} {
		if !seen[want] {
			t.Fatalf("missing %s in event trail (have %v)", want, seen)
		}
	}
}

func TestUserAndKeyAdministration(t *testing.T) {
	env := newTestEnv(t)
	ctx := env.Ctx

	if _, err := env.Engine.CreateUser(ctx, "mod", "promoted", "newbie", "limited"); err == nil {
		t.Fatal("non-admin must not create users")
	}
	u, err := env.Engine.CreateUser(ctx, "root", "admin", "newbie", "limited")
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateUser(ctx, "root", "admin", "newbie", "promoted")
	if err == nil || !strings.Contains(err.Error(), "already taken") {
		t.Fatalf("expected duplicate handle error, got %v", err)
	}
	if _, err := env.Engine.CreateUser(ctx, "root", "admin", "weirdo", "superuser"); err == nil {
		t.Fatal("unknown tier must be rejected")
	}

	bumped, err := env.Engine.SetUserTier(ctx, "root", "admin", u.ID, "promoted")
	if err != nil || bumped.Tier != "promoted" {
		t.Fatalf("set tier: %v (tier %s)", err, bumped.Tier)
	}
	again, err := env.Engine.SetUserTier(ctx, "root", "admin", u.ID, "promoted")
	if err != nil || again.Tier != "promoted" {
		t.Fatalf("same-tier set must be a no-op: %v", err)
	}
	row := env.Engine.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE type='user_tier_changed' AND entity_id=?`, u.ID)
	var changes int
	if err := row.Scan(&changes); err != nil {
		t.Fatal(err)
	}
	if changes != 1 {
		t.Fatalf("user_tier_changed events = %d, want 1", changes)
	}

	key, raw, err := env.Engine.CreateAPIKey(ctx, "root", "admin", u.ID, "ci")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(raw, "fl_") {
		t.Fatalf("unexpected key format %q", raw)
	}
	stored, err := env.Engine.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil || stored.ID != key.ID {
		t.Fatalf("lookup by hash: %v", err)
	}

	if _, err := env.Engine.RevokeAPIKey(ctx, "mod", "promoted", key.ID); err == nil {
		t.Fatal("non-admin must not revoke keys")
	}
	revoked, err := env.Engine.RevokeAPIKey(ctx, "root", "admin", key.ID)
	if err != nil || revoked.UserID != u.ID {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("key must be gone after revocation, got %v", err)
	}
	if _, err := env.Engine.RevokeAPIKey(ctx, "root", "admin", key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second revoke must report not found, got %v", err)
	}

	row = env.Engine.DB.QueryRowContext(ctx, `SELECT count(*) FROM events WHERE type='api_key_revoked' AND entity_id=?`, u.ID)
	var revocations int
	if err := row.Scan(&revocations); err != nil {
		t.Fatal(err)
	}
	if revocations != 1 {
		t.Fatalf("api_key_revoked events = %d, want 1", revocations)
	}
}
