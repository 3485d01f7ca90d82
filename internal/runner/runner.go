// Package runner drives queued requests through generation. A dispatcher
// goroutine claims due work and hands it to a bounded worker pool; workers
// hold no lock while the capability runs and report results back through the
// engine, which fences stale attempts.
package runner

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/safety"
)

const staleReapBatch = 50

type inflightJob struct {
	jobID  string
	cancel context.CancelFunc
}

// Runner owns the generation loop for one process. Engine, Capability and
// Screener are required; Logger and Now default when nil.
type Runner struct {
	Engine     engine.Engine
	Capability Capability
	Screener   *safety.Screener
	Logger     *log.Logger
	Now        func() time.Time

	mu       sync.Mutex
	inflight map[string]inflightJob
}

func New(e engine.Engine, capability Capability, screener *safety.Screener, logger *log.Logger) *Runner {
	return &Runner{
		Engine:     e,
		Capability: capability,
		Screener:   screener,
		Logger:     logger,
		inflight:   make(map[string]inflightJob),
	}
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Runner) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

func (r *Runner) workers() int {
	if n := r.Engine.Config.Generation.Workers; n > 0 {
		return n
	}
	return 1
}

// Run blocks until ctx is cancelled, ticking the dispatcher at the configured
// poll interval. In-flight workers are waited for before returning.
func (r *Runner) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(r.workers())
	interval := r.Engine.Config.Generation.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.reapStale(ctx)
		r.dispatch(ctx, &g)
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel asks the capability to stop the in-flight job for a request and
// aborts the local wait. The caller marks the job cancelled through the
// engine first; this only chases the running work. Reports whether an
// in-flight job was found.
func (r *Runner) Cancel(requestID string) bool {
	r.mu.Lock()
	entry, ok := r.inflight[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	go func() {
		grace := r.Engine.Config.Generation.CancelGrace()
		if grace <= 0 {
			grace = time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := r.Capability.Cancel(ctx, entry.jobID); err != nil {
			r.logf("runner: cancel job %s not acknowledged: %v", entry.jobID, err)
		}
	}()
	entry.cancel()
	return true
}

func (r *Runner) track(requestID, jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[requestID] = inflightJob{jobID: jobID, cancel: cancel}
	r.mu.Unlock()
}

func (r *Runner) untrack(requestID string) {
	r.mu.Lock()
	delete(r.inflight, requestID)
	r.mu.Unlock()
}

func (r *Runner) tracking(requestID string) bool {
	r.mu.Lock()
	_, ok := r.inflight[requestID]
	r.mu.Unlock()
	return ok
}

func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group) {
	now := r.now().UTC().Format(time.RFC3339)
	due, err := r.Engine.Repo.DispatchDue(ctx, now, r.workers()*2)
	if err != nil {
		r.logf("runner: scan queued requests: %v", err)
		return
	}
	for _, a := range due {
		req := a
		if r.tracking(req.ID) {
			continue
		}
		started := g.TryGo(func() error {
			r.process(ctx, req.ID)
			return nil
		})
		if !started {
			return
		}
	}
}

func (r *Runner) process(ctx context.Context, requestID string) {
	a, job, err := r.Engine.BeginGeneration(ctx, requestID)
	if err != nil {
		var conflict engine.ConflictError
		if errors.As(err, &conflict) {
			// Claimed by another worker or still backing off.
			return
		}
		r.logf("runner: begin generation %s: %v", requestID, err)
		return
	}

	jobCtx, jobCancel := context.WithCancel(ctx)
	r.track(a.ID, job.ID, jobCancel)
	genCtx, genCancel := context.WithTimeout(jobCtx, r.Engine.Config.Generation.Timeout())
	res, genErr := r.Capability.Generate(genCtx, GenerateRequest{
		RequestID:   a.ID,
		JobID:       job.ID,
		Attempt:     job.Attempt,
		Title:       a.Title,
		Description: a.Description,
		Category:    a.Category,
	})
	interrupted := jobCtx.Err() != nil
	genCancel()
	r.untrack(a.ID)
	jobCancel()

	timedOut := errors.Is(genErr, context.DeadlineExceeded)
	if interrupted && !timedOut {
		// Cancelled by operator or shutdown. The engine already recorded the
		// outcome, or the stale reaper will; a late label here is discarded
		// by the attempt fence anyway.
		r.logf("runner: job %s interrupted", job.ID)
		return
	}

	result := engine.CompletionResult{JobID: job.ID, BuildLog: res.BuildLog}
	switch {
	case genErr == nil:
		result.Status = "succeeded"
		result.ArtifactRef = res.ArtifactRef
	case timedOut:
		result.Status = "timed_out"
		result.FailureKind = "timeout"
		result.FailureNote = "no completion before deadline"
	default:
		result.Status = "failed"
		result.FailureKind = failureKind(genErr)
		result.FailureNote = genErr.Error()
	}

	updated, err := r.Engine.CompleteGeneration(ctx, a.ID, job.Attempt, result)
	if err != nil {
		r.logf("runner: complete job %s: %v", job.ID, err)
		return
	}
	if result.Status != "succeeded" {
		r.logf("runner: job %s attempt %d %s (%s)", job.ID, job.Attempt, result.Status, result.FailureKind)
		return
	}
	if updated.Status != "safety_review" {
		// Fenced as stale; another attempt owns the request now.
		return
	}
	r.screen(ctx, updated, res)
}

func (r *Runner) screen(ctx context.Context, a domain.AppRequest, res GenerateResult) {
	if r.Screener == nil {
		return
	}
	text := a.Title + "\n" + a.Description
	if res.Summary != "" {
		text += "\n" + res.Summary
	}
	verdict := r.Screener.Evaluate(ctx, safety.Artifact{Ref: res.ArtifactRef, Text: text})
	if _, err := r.Engine.ApplyVerdict(ctx, a.ID, verdict); err != nil {
		r.logf("runner: apply verdict for %s: %v", a.ID, err)
		return
	}
	if verdict.Pass {
		r.logf("runner: request %s staged (%s)", a.ID, res.ArtifactRef)
	} else {
		r.logf("runner: request %s rejected by safety screen", a.ID)
	}
}

// reapStale labels running jobs that outlived the generation deadline plus
// the cancel grace as timed out. Jobs this process is still waiting on are
// skipped; everything else is an orphan from a crashed worker.
func (r *Runner) reapStale(ctx context.Context) {
	horizon := r.Engine.Config.Generation.Timeout() + r.Engine.Config.Generation.CancelGrace()
	cutoff := r.now().UTC().Add(-horizon).Format(time.RFC3339)
	jobs, err := r.Engine.Repo.StaleRunningJobs(ctx, cutoff, staleReapBatch)
	if err != nil {
		r.logf("runner: scan stale jobs: %v", err)
		return
	}
	for _, j := range jobs {
		if r.tracking(j.RequestID) {
			continue
		}
		res := engine.CompletionResult{
			JobID:       j.ID,
			Status:      "timed_out",
			FailureKind: "timeout",
			FailureNote: "orphaned running job reaped",
		}
		if _, err := r.Engine.CompleteGeneration(ctx, j.RequestID, j.Attempt, res); err != nil {
			r.logf("runner: reap job %s: %v", j.ID, err)
			continue
		}
		r.logf("runner: reaped stale job %s (request %s attempt %d)", j.ID, j.RequestID, j.Attempt)
	}
}

func failureKind(err error) string {
	var unavailable engine.ExternalUnavailableError
	if errors.As(err, &unavailable) {
		return "external_unavailable"
	}
	return "capability_error"
}
