// Package publish delivers publish intents to the external catalog ingest
// endpoint and acknowledges them back through the engine. Delivery is
// at-least-once: the worklist is the set of staged apps still awaiting
// acknowledgment, so a crash or a failed POST simply retries next tick.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/engine"
	"forgeline/internal/repo"
)

const deliveryBatch = 50

// Actor recorded on events written by the publisher loop.
const actorID = "publisher"

type Publisher struct {
	Engine engine.Engine
	Client *http.Client
	Logger *log.Logger
}

func New(e engine.Engine, logger *log.Logger) *Publisher {
	return &Publisher{
		Engine: e,
		Client: &http.Client{Timeout: e.Config.Publisher.Timeout()},
		Logger: logger,
	}
}

func (p *Publisher) logf(format string, args ...any) {
	if p.Logger != nil {
		p.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run blocks until ctx is cancelled. With no catalog URL configured the loop
// is a no-op; operators acknowledge intents by hand instead.
func (p *Publisher) Run(ctx context.Context) error {
	if strings.TrimSpace(p.Engine.Config.Publisher.CatalogURL) == "" {
		<-ctx.Done()
		return ctx.Err()
	}
	interval := p.Engine.Config.Publisher.PollInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.dispatchPending(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Publisher) dispatchPending(ctx context.Context) {
	pending, err := p.Engine.Repo.ListStagedApps(ctx, repo.StagedAppFilters{
		Status: "promotion_pending",
		Limit:  deliveryBatch,
	})
	if err != nil {
		p.logf("publish: scan pending intents: %v", err)
		return
	}
	for _, s := range pending {
		if s.PublishIntentID == nil {
			continue
		}
		if err := p.deliver(ctx, s); err != nil {
			p.logf("publish: deliver intent %s: %v", *s.PublishIntentID, err)
			return
		}
	}
}

type intentPayload struct {
	IntentID    string `json:"intent_id"`
	StagedAppID string `json:"staged_app_id"`
	RequestID   string `json:"request_id"`
	ArtifactRef string `json:"artifact_ref"`
	Title       string `json:"title"`
	Category    string `json:"category"`
}

func (p *Publisher) deliver(ctx context.Context, s domain.StagedApp) error {
	intentID := *s.PublishIntentID
	if err := p.postIntent(ctx, s, intentID); err != nil {
		return err
	}
	if _, err := p.Engine.ConfirmPublish(ctx, actorID, s.ID, intentID); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	p.logf("publish: %s promoted (intent %s)", s.ID, intentID)
	return nil
}

func (p *Publisher) postIntent(ctx context.Context, s domain.StagedApp, intentID string) error {
	body := intentPayload{
		IntentID:    intentID,
		StagedAppID: s.ID,
		RequestID:   s.RequestID,
		ArtifactRef: s.ArtifactRef,
		Title:       s.Title,
		Category:    s.Category,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Engine.Config.Publisher.CatalogURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forgeline-Intent", intentID)
	req.Header.Set("X-Forgeline-Catalog", p.Engine.Config.Catalog.ID)
	res, err := p.Client.Do(req)
	if err != nil {
		return engine.ExternalUnavailableError{Capability: "catalog", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("catalog status %d: %s", res.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
