package runner

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
	"forgeline/internal/safety"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestRunner(t *testing.T, capability Capability, mutate func(*config.Config)) (*Runner, engine.Engine) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("forgeline-test")
	if mutate != nil {
		mutate(cfg)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return testClock }
	user := domain.User{ID: "alice", Handle: "alice", Tier: "limited", CreatedAt: "2025-06-01T00:00:00Z", UpdatedAt: "2025-06-01T00:00:00Z"}
	if err := e.Repo.InsertUser(context.Background(), nil, user); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	screener, err := safety.New(cfg.Safety)
	if err != nil {
		t.Fatalf("new screener: %v", err)
	}
	r := New(e, capability, screener, log.New(io.Discard, "", 0))
	r.Now = func() time.Time { return testClock }
	return r, e
}

func queuedRequest(t *testing.T, e engine.Engine, title, description string) domain.AppRequest {
	t.Helper()
	ctx := context.Background()
	a, err := e.SubmitRequest(ctx, engine.SubmitOptions{
		ActorID:     "alice",
		Tier:        "limited",
		Title:       title,
		Description: description,
		Category:    "games",
	})
	if err != nil {
		t.Fatalf("submit request: %v", err)
	}
	a, err = e.EnqueueRequest(ctx, "alice", "limited", a.ID)
	if err != nil {
		t.Fatalf("enqueue request: %v", err)
	}
	return a
}

type failingCapability struct {
	err error
}

func (c failingCapability) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	return GenerateResult{}, c.err
}

func (c failingCapability) Cancel(ctx context.Context, jobID string) error { return nil }

type blockingCapability struct {
	started chan string
}

func (c *blockingCapability) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if c.started != nil {
		c.started <- req.JobID
	}
	<-ctx.Done()
	return GenerateResult{}, ctx.Err()
}

func (c *blockingCapability) Cancel(ctx context.Context, jobID string) error { return nil }

func TestProcessStagesCleanRequest(t *testing.T) {
	r, e := newTestRunner(t, StubCapability{}, nil)
	ctx := context.Background()
	a := queuedRequest(t, e, "Sudoku Trainer", "Daily sudoku puzzles with hints.")

	r.process(ctx, a.ID)

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "wild_west" {
		t.Fatalf("expected wild_west, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.StagedAppID == nil {
		t.Fatalf("expected staged app id")
	}
	staged, err := e.Repo.GetStagedApp(ctx, *got.StagedAppID)
	if err != nil {
		t.Fatalf("get staged app: %v", err)
	}
	if staged.Status != "staged" {
		t.Fatalf("expected staged, got %s", staged.Status)
	}
	if staged.ArtifactRef == "" {
		t.Fatalf("expected artifact ref on staged app")
	}
	jobs, err := e.Repo.ListGenerationJobs(ctx, a.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "succeeded" {
		t.Fatalf("expected one succeeded job, got %+v", jobs)
	}
}

func TestProcessRejectsUnsafeRequest(t *testing.T) {
	r, e := newTestRunner(t, StubCapability{}, nil)
	ctx := context.Background()
	a := queuedRequest(t, e, "Keyboard Stats", "Tiny keylogger that reports typing speed.")

	r.process(ctx, a.ID)

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "rejected" {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	if got.RejectionReason == nil {
		t.Fatalf("expected rejection reason")
	}
	verdict, err := e.Repo.LatestVerdictForRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("latest verdict: %v", err)
	}
	if verdict.Pass {
		t.Fatalf("expected failing verdict")
	}
	if len(verdict.Violations) == 0 {
		t.Fatalf("expected violations on failing verdict")
	}
}

func TestProcessSchedulesRetryOnFailure(t *testing.T) {
	r, e := newTestRunner(t, failingCapability{err: errors.New("builder crashed")}, nil)
	ctx := context.Background()
	a := queuedRequest(t, e, "Chess Clock", "Simple two player chess clock.")

	r.process(ctx, a.ID)

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected queued for retry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.Attempts)
	}
	if got.NotBefore == nil {
		t.Fatalf("expected backoff timestamp")
	}
	nb, err := time.Parse(time.RFC3339, *got.NotBefore)
	if err != nil {
		t.Fatalf("parse not_before: %v", err)
	}
	want := testClock.Add(e.Config.Generation.Backoff(1))
	if !nb.Equal(want) {
		t.Fatalf("expected not_before %s, got %s", want, nb)
	}
}

func TestProcessMarksExternalUnavailable(t *testing.T) {
	cause := engine.ExternalUnavailableError{Capability: "generation", Err: errors.New("connection refused")}
	r, e := newTestRunner(t, failingCapability{err: cause}, nil)
	ctx := context.Background()
	a := queuedRequest(t, e, "Flashcards", "Spaced repetition flashcards.")

	r.process(ctx, a.ID)

	jobs, err := e.Repo.ListGenerationJobs(ctx, a.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if jobs[0].Status != "failed" {
		t.Fatalf("expected failed job, got %s", jobs[0].Status)
	}
	if jobs[0].FailureKind == nil || *jobs[0].FailureKind != "external_unavailable" {
		t.Fatalf("expected external_unavailable failure kind, got %v", jobs[0].FailureKind)
	}
}

func TestProcessExhaustsAttempts(t *testing.T) {
	r, e := newTestRunner(t, failingCapability{err: errors.New("builder crashed")}, func(c *config.Config) {
		c.Generation.MaxAttempts = 1
	})
	ctx := context.Background()
	a := queuedRequest(t, e, "Metronome", "Adjustable tempo metronome.")

	r.process(ctx, a.ID)

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "failed" {
		t.Fatalf("expected terminal failed, got %s", got.Status)
	}
}

func TestProcessTimesOut(t *testing.T) {
	r, e := newTestRunner(t, &blockingCapability{}, func(c *config.Config) {
		c.Generation.TimeoutSeconds = 1
	})
	ctx := context.Background()
	a := queuedRequest(t, e, "Timer", "Countdown timer with alarms.")

	r.process(ctx, a.ID)

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "queued" {
		t.Fatalf("expected retry after timeout, got %s", got.Status)
	}
	jobs, err := e.Repo.ListGenerationJobs(ctx, a.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "timed_out" {
		t.Fatalf("expected timed_out job, got %+v", jobs)
	}
}

func TestCancelStopsInflightJob(t *testing.T) {
	capability := &blockingCapability{started: make(chan string, 1)}
	r, e := newTestRunner(t, capability, func(c *config.Config) {
		c.Generation.TimeoutSeconds = 60
	})
	ctx := context.Background()
	a := queuedRequest(t, e, "Doodle Pad", "Freehand drawing pad.")

	done := make(chan struct{})
	go func() {
		r.process(ctx, a.ID)
		close(done)
	}()

	select {
	case <-capability.started:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never started")
	}
	if _, err := e.CancelGeneration(ctx, "mod", "promoted", a.ID); err != nil {
		t.Fatalf("cancel generation: %v", err)
	}
	if !r.Cancel(a.ID) {
		t.Fatalf("expected in-flight job to be found")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("worker never returned after cancel")
	}

	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.Status != "submitted" {
		t.Fatalf("expected submitted after cancel, got %s", got.Status)
	}
	jobs, err := e.Repo.ListGenerationJobs(ctx, a.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != "cancelled" {
		t.Fatalf("expected cancelled job, got %+v", jobs)
	}
	if r.Cancel(a.ID) {
		t.Fatalf("expected no in-flight job after completion")
	}
}

func TestReapStaleRunningJob(t *testing.T) {
	r, e := newTestRunner(t, StubCapability{}, nil)
	ctx := context.Background()
	a := queuedRequest(t, e, "Puzzle Box", "Logic puzzles in a box.")

	// Claim the request as a crashed worker would have, then move the clock
	// past the reap horizon.
	_, job, err := e.BeginGeneration(ctx, a.ID)
	if err != nil {
		t.Fatalf("begin generation: %v", err)
	}
	horizon := e.Config.Generation.Timeout() + e.Config.Generation.CancelGrace()
	r.Now = func() time.Time { return testClock.Add(horizon + time.Minute) }

	r.reapStale(ctx)

	got, err := e.Repo.GetGenerationJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if got.Status != "timed_out" {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}
	req, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != "queued" {
		t.Fatalf("expected requeue after reap, got %s", req.Status)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	r, e := newTestRunner(t, StubCapability{}, func(c *config.Config) {
		c.Generation.PollIntervalSeconds = 1
		c.Generation.Workers = 2
	})
	a := queuedRequest(t, e, "Piano Roll", "Tap out simple melodies.")
	b := queuedRequest(t, e, "Star Map", "Tonight's constellations overhead.")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.After(10 * time.Second)
	for {
		ra, err := e.Repo.GetAppRequest(context.Background(), a.ID)
		if err != nil {
			t.Fatalf("get request: %v", err)
		}
		rb, err := e.Repo.GetAppRequest(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("get request: %v", err)
		}
		if ra.Status == "wild_west" && rb.Status == "wild_west" {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("queue not drained: %s=%s %s=%s", a.ID, ra.Status, b.ID, rb.Status)
		case <-time.After(50 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runner did not stop")
	}
}
