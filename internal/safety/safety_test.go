package safety_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"forgeline/internal/config"
	"forgeline/internal/safety"
)

func newScreener(t *testing.T, cfg config.SafetyConfig) *safety.Screener {
	t.Helper()
	s, err := safety.New(cfg)
	if err != nil {
		t.Fatalf("new screener: %v", err)
	}
	return s
}

func TestBlockedKeywordFailsClosed(t *testing.T) {
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5, BlockedKeywords: []string{"keylogger"}})
	v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: "A friendly KeyLogger for your family"})
	if v.Pass {
		t.Fatalf("expected fail verdict")
	}
	if len(v.Violations) != 1 || v.Violations[0].Code != "BLOCKED_KEYWORD" || v.Violations[0].Severity != "critical" {
		t.Fatalf("unexpected violations %+v", v.Violations)
	}
	clean := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://b", Text: "A friendly metronome"})
	if !clean.Pass || len(clean.Violations) != 0 {
		t.Fatalf("expected pass verdict, got %+v", clean)
	}
}

func TestReviewPatternCaseInsensitive(t *testing.T) {
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5, ReviewPatterns: []config.ReviewPattern{
		{Pattern: "record.*keystrokes?", Code: "SURVEILLANCE_CAPTURE", Severity: "critical", Reason: "records user input"},
	}})
	v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: "This app will Record ALL Keystrokes"})
	if v.Pass || len(v.Violations) != 1 || v.Violations[0].Code != "SURVEILLANCE_CAPTURE" {
		t.Fatalf("expected pattern hit, got %+v", v)
	}
}

func TestViolationsOrderedBySeverity(t *testing.T) {
	// the medium pattern is listed (and discovered) first; the verdict
	// still leads with the critical one
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5, ReviewPatterns: []config.ReviewPattern{
		{Pattern: "collect.*email", Code: "PERSONAL_DATA_REQUEST", Severity: "medium", Reason: "collects personal information"},
		{Pattern: "disable.*antivirus", Code: "SECURITY_BYPASS", Severity: "critical", Reason: "defeats a security control"},
	}})
	v := s.Evaluate(context.Background(), safety.Artifact{
		Ref:  "stub://a",
		Text: "collect the user's email, then disable the antivirus",
	})
	if v.Pass || len(v.Violations) != 2 {
		t.Fatalf("expected two violations, got %+v", v)
	}
	if v.Violations[0].Code != "SECURITY_BYPASS" || v.Violations[1].Code != "PERSONAL_DATA_REQUEST" {
		t.Fatalf("unexpected order %+v", v.Violations)
	}
}

func TestEvaluatorUnavailableFailsClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close()
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 1, EvaluatorEndpoint: endpoint})
	v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: "harmless"})
	if v.Pass {
		t.Fatalf("expected fail-closed verdict")
	}
	if len(v.Violations) != 1 || v.Violations[0].Code != "EVALUATOR_UNAVAILABLE" || v.Violations[0].Severity != "critical" {
		t.Fatalf("unexpected violations %+v", v.Violations)
	}
}

func TestEvaluatorVerdictMerged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pass":false,"violations":[{"code":"POLICY_X","severity":"high","reason":"flagged by evaluator"}]}`))
	}))
	defer srv.Close()
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5, EvaluatorEndpoint: srv.URL})
	v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: "harmless"})
	if v.Pass || len(v.Violations) != 1 || v.Violations[0].Code != "POLICY_X" {
		t.Fatalf("expected evaluator violation, got %+v", v)
	}
}

func TestSetPoliciesHotSwap(t *testing.T) {
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5, BlockedKeywords: []string{"malware"}})
	text := "definitely not malware"
	if v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: text}); v.Pass {
		t.Fatalf("expected fail before swap")
	}
	if err := s.SetPolicies(config.SafetyConfig{TimeoutSeconds: 5, BlockedKeywords: []string{"ransomware"}}); err != nil {
		t.Fatalf("set policies: %v", err)
	}
	if v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: text}); !v.Pass {
		t.Fatalf("expected pass after swap, got %+v", v)
	}
	if v := s.Evaluate(context.Background(), safety.Artifact{Ref: "stub://a", Text: "bundle of ransomware"}); v.Pass {
		t.Fatalf("expected new keyword to fail")
	}
}

func TestBadPatternRejected(t *testing.T) {
	bad := config.SafetyConfig{TimeoutSeconds: 5, ReviewPatterns: []config.ReviewPattern{
		{Pattern: "(", Code: "BROKEN", Severity: "low", Reason: "unbalanced"},
	}}
	if _, err := safety.New(bad); err == nil {
		t.Fatalf("expected compile error")
	}
	s := newScreener(t, config.SafetyConfig{TimeoutSeconds: 5})
	if err := s.SetPolicies(bad); err == nil {
		t.Fatalf("expected compile error on swap")
	}
}
