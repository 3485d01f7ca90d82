package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"forgeline/internal/config"
	"forgeline/internal/engine"
)

// GenerateRequest carries the prompt and the attempt token handed to the
// generation capability. JobID doubles as the token a late or duplicate
// completion is fenced with.
type GenerateRequest struct {
	RequestID   string `json:"request_id"`
	JobID       string `json:"job_id"`
	Attempt     int    `json:"attempt"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type GenerateResult struct {
	ArtifactRef string `json:"artifact_ref"`
	Summary     string `json:"summary,omitempty"`
	BuildLog    string `json:"build_log,omitempty"`
}

// Capability produces an app artifact from a request prompt. Generate blocks
// until the artifact is ready, the context expires, or the build fails.
// Cancel asks the capability to stop a running job; it is advisory and the
// caller does not depend on it succeeding.
type Capability interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error)
	Cancel(ctx context.Context, jobID string) error
}

// NewCapability selects the capability implementation for the configured
// generation mode.
func NewCapability(cfg config.GenerationConfig) Capability {
	if cfg.Mode == "http" {
		return &HTTPCapability{
			Endpoint: cfg.Endpoint,
			Client:   &http.Client{Timeout: cfg.Timeout()},
		}
	}
	return StubCapability{}
}

// StubCapability is a deterministic in-process generator used in stub mode
// and in tests. It never fails on its own; only context cancellation stops it.
type StubCapability struct{}

func (StubCapability) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	if err := ctx.Err(); err != nil {
		return GenerateResult{}, err
	}
	ref := fmt.Sprintf("stub://artifacts/%s/%d", req.RequestID, req.Attempt)
	summary := fmt.Sprintf("%s: %s", req.Title, firstLine(req.Description))
	log := fmt.Sprintf("plan %s\nassemble %s attempt %d\npackage %s\n", req.Category, req.RequestID, req.Attempt, ref)
	return GenerateResult{ArtifactRef: ref, Summary: summary, BuildLog: log}, nil
}

func (StubCapability) Cancel(ctx context.Context, jobID string) error { return nil }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// HTTPCapability posts the prompt to an external generation service.
type HTTPCapability struct {
	Endpoint string
	Client   *http.Client
}

func (c *HTTPCapability) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *HTTPCapability) Generate(ctx context.Context, req GenerateRequest) (GenerateResult, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(data))
	if err != nil {
		return GenerateResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.client().Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return GenerateResult{}, ctx.Err()
		}
		return GenerateResult{}, engine.ExternalUnavailableError{Capability: "generation", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return GenerateResult{}, fmt.Errorf("generation endpoint status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out GenerateResult
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return GenerateResult{}, fmt.Errorf("decode generation response: %w", err)
	}
	if out.ArtifactRef == "" {
		return GenerateResult{}, fmt.Errorf("generation endpoint returned no artifact_ref")
	}
	return out, nil
}

func (c *HTTPCapability) Cancel(ctx context.Context, jobID string) error {
	payload, err := json.Marshal(map[string]string{"job_id": jobID})
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(c.Endpoint, "/") + "/cancel"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.client().Do(httpReq)
	if err != nil {
		return engine.ExternalUnavailableError{Capability: "generation", Err: err}
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("cancel endpoint status %d", res.StatusCode)
	}
	return nil
}
