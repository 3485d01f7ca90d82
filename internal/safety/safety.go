// Package safety screens generated artifacts against the configured policy
// set before anything reaches the wild west. A verdict is fail-closed: any
// doubt (evaluator timeout, transport failure) fails the artifact, never
// passes it by default.
package safety

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"forgeline/internal/config"
	"forgeline/internal/domain"
)

// Artifact is the unit of evaluation: the reference the runner produced
// plus the text the policies scan (prompt and generated summary).
type Artifact struct {
	Ref  string
	Text string
}

type compiledPattern struct {
	re       *regexp.Regexp
	code     string
	severity string
	reason   string
}

type policySet struct {
	keywords []string
	patterns []compiledPattern
	endpoint string
	timeout  time.Duration
}

// Screener holds the active policy set. Policies swap atomically under the
// mutex on hot reload; verdicts already issued are never revisited.
type Screener struct {
	mu       sync.RWMutex
	policies policySet

	Client *http.Client
	Logger *log.Logger
}

func New(cfg config.SafetyConfig) (*Screener, error) {
	pol, err := compile(cfg)
	if err != nil {
		return nil, err
	}
	return &Screener{policies: pol, Client: &http.Client{}}, nil
}

// SetPolicies replaces the active policy set. Used by the config watcher.
func (s *Screener) SetPolicies(cfg config.SafetyConfig) error {
	pol, err := compile(cfg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policies = pol
	s.mu.Unlock()
	return nil
}

func compile(cfg config.SafetyConfig) (policySet, error) {
	pol := policySet{
		endpoint: cfg.EvaluatorEndpoint,
		timeout:  cfg.Timeout(),
	}
	for _, kw := range cfg.BlockedKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			pol.keywords = append(pol.keywords, kw)
		}
	}
	for _, p := range cfg.ReviewPatterns {
		re, err := regexp.Compile("(?i)" + p.Pattern)
		if err != nil {
			return pol, fmt.Errorf("review pattern %s: %w", p.Code, err)
		}
		pol.patterns = append(pol.patterns, compiledPattern{
			re:       re,
			code:     p.Code,
			severity: p.Severity,
			reason:   p.Reason,
		})
	}
	return pol, nil
}

func severityRank(severity string) int {
	switch severity {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	}
	return 0
}

// Evaluate runs the policy stages in order: blocked keywords, review
// patterns, then the optional external evaluator. It always returns a
// verdict; evaluator trouble becomes a failing EVALUATOR_UNAVAILABLE
// violation. Violations are ordered most severe first.
func (s *Screener) Evaluate(ctx context.Context, artifact Artifact) domain.SafetyVerdict {
	s.mu.RLock()
	pol := s.policies
	s.mu.RUnlock()

	var violations []domain.Violation
	lower := strings.ToLower(artifact.Text)
	for _, kw := range pol.keywords {
		if strings.Contains(lower, kw) {
			violations = append(violations, domain.Violation{
				Code:     "BLOCKED_KEYWORD",
				Severity: "critical",
				Reason:   fmt.Sprintf("contains blocked keyword %q", kw),
			})
		}
	}
	for _, p := range pol.patterns {
		if p.re.MatchString(artifact.Text) {
			violations = append(violations, domain.Violation{
				Code:     p.code,
				Severity: p.severity,
				Reason:   p.reason,
			})
		}
	}
	if pol.endpoint != "" {
		external, err := s.callEvaluator(ctx, pol, artifact)
		if err != nil {
			s.logf("safety evaluator unavailable: %v", err)
			violations = append(violations, domain.Violation{
				Code:     "EVALUATOR_UNAVAILABLE",
				Severity: "critical",
				Reason:   fmt.Sprintf("external policy evaluator did not answer: %v", err),
			})
		} else {
			violations = append(violations, external...)
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return severityRank(violations[i].Severity) > severityRank(violations[j].Severity)
	})
	return domain.SafetyVerdict{
		ArtifactRef: artifact.Ref,
		Pass:        len(violations) == 0,
		Violations:  violations,
	}
}

type evaluatorRequest struct {
	ArtifactRef string `json:"artifact_ref"`
	Text        string `json:"text"`
}

type evaluatorResponse struct {
	Pass       bool               `json:"pass"`
	Violations []domain.Violation `json:"violations"`
}

func (s *Screener) callEvaluator(ctx context.Context, pol policySet, artifact Artifact) ([]domain.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, pol.timeout)
	defer cancel()
	body, err := json.Marshal(evaluatorRequest{ArtifactRef: artifact.Ref, Text: artifact.Text})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, pol.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("evaluator returned %s", resp.Status)
	}
	var out evaluatorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode evaluator response: %w", err)
	}
	if out.Pass {
		return nil, nil
	}
	if len(out.Violations) == 0 {
		out.Violations = []domain.Violation{{
			Code:     "POLICY_VIOLATION",
			Severity: "high",
			Reason:   "external evaluator failed the artifact without detail",
		}}
	}
	return out.Violations, nil
}

func (s *Screener) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}
