package publish

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/db"
	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/migrate"
)

var testClock = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, catalogURL string) engine.Engine {
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
	cfg.Publisher.CatalogURL = catalogURL
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return testClock }
	for _, u := range []domain.User{
		{ID: "alice", Handle: "alice", Tier: "limited", CreatedAt: "2025-06-01T00:00:00Z", UpdatedAt: "2025-06-01T00:00:00Z"},
		{ID: "root", Handle: "root", Tier: "admin", CreatedAt: "2025-06-01T00:00:00Z", UpdatedAt: "2025-06-01T00:00:00Z"},
	} {
		if err := e.Repo.InsertUser(context.Background(), nil, u); err != nil {
			t.Fatalf("seed user %s: %v", u.ID, err)
		}
	}
	return e
}

// pendingIntent walks a request through generation, screening and an
// override promotion, leaving a staged app awaiting acknowledgment.
func pendingIntent(t *testing.T, e engine.Engine) (domain.StagedApp, domain.PublishIntent) {
	t.Helper()
	ctx := context.Background()
	a, err := e.SubmitRequest(ctx, engine.SubmitOptions{
		ActorID:     "alice",
		Tier:        "limited",
		Title:       "Recipe Wheel",
		Description: "Spin for tonight's dinner idea.",
		Category:    "entertainment",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := e.EnqueueRequest(ctx, "alice", "limited", a.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, job, err := e.BeginGeneration(ctx, a.ID)
	if err != nil {
		t.Fatalf("begin generation: %v", err)
	}
	if _, err := e.CompleteGeneration(ctx, a.ID, job.Attempt, engine.CompletionResult{
		JobID:       job.ID,
		Status:      "succeeded",
		ArtifactRef: "stub://artifacts/" + a.ID + "/1",
	}); err != nil {
		t.Fatalf("complete generation: %v", err)
	}
	if _, err := e.ApplyVerdict(ctx, a.ID, domain.SafetyVerdict{
		ArtifactRef: "stub://artifacts/" + a.ID + "/1",
		Pass:        true,
	}); err != nil {
		t.Fatalf("apply verdict: %v", err)
	}
	got, err := e.Repo.GetAppRequest(ctx, a.ID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if got.StagedAppID == nil {
		t.Fatalf("expected staged app")
	}
	staged, intent, err := e.PromoteStagedApp(ctx, "root", "admin", *got.StagedAppID, true)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	return staged, intent
}

func TestDispatchDeliversAndConfirms(t *testing.T) {
	var hits atomic.Int32
	var gotIntent atomic.Value
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		gotIntent.Store(r.Header.Get("X-Forgeline-Intent"))
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Errorf("bad intent payload: %v", err)
		}
		if ref, _ := payload["artifact_ref"].(string); ref == "" {
			t.Errorf("intent payload missing artifact_ref: %s", body)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer catalog.Close()

	e := newTestEngine(t, catalog.URL)
	staged, intent := pendingIntent(t, e)
	p := New(e, log.New(io.Discard, "", 0))

	p.dispatchPending(context.Background())

	if hits.Load() != 1 {
		t.Fatalf("expected one delivery, got %d", hits.Load())
	}
	if got := gotIntent.Load(); got != intent.ID {
		t.Fatalf("expected intent header %s, got %v", intent.ID, got)
	}
	final, err := e.Repo.GetStagedApp(context.Background(), staged.ID)
	if err != nil {
		t.Fatalf("get staged app: %v", err)
	}
	if final.Status != "promoted" {
		t.Fatalf("expected promoted, got %s", final.Status)
	}
	req, err := e.Repo.GetAppRequest(context.Background(), staged.RequestID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != "promoted" {
		t.Fatalf("expected promoted request, got %s", req.Status)
	}

	// Nothing pending on the second pass.
	p.dispatchPending(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("expected no redelivery, got %d", hits.Load())
	}
}

func TestDispatchLeavesPendingOnCatalogError(t *testing.T) {
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "ingest offline", http.StatusServiceUnavailable)
	}))
	defer catalog.Close()

	e := newTestEngine(t, catalog.URL)
	staged, _ := pendingIntent(t, e)
	p := New(e, log.New(io.Discard, "", 0))

	p.dispatchPending(context.Background())

	got, err := e.Repo.GetStagedApp(context.Background(), staged.ID)
	if err != nil {
		t.Fatalf("get staged app: %v", err)
	}
	if got.Status != "promotion_pending" {
		t.Fatalf("expected promotion_pending after failed delivery, got %s", got.Status)
	}
}

func TestRunIsNoopWithoutCatalogURL(t *testing.T) {
	e := newTestEngine(t, "")
	p := New(e, log.New(io.Discard, "", 0))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher did not stop")
	}
}
