package config_test

import (
	"os"
	"strings"
	"testing"
	"time"

	"forgeline/internal/config"
)

func TestDefaultTemplateValidates(t *testing.T) {
	cfg, err := config.FromYAML([]byte(config.GenerateDefault("forgeline")))
	if err != nil {
		t.Fatalf("default template: %v", err)
	}
	if cfg.Catalog.ID != "forgeline" {
		t.Fatalf("catalog id %s", cfg.Catalog.ID)
	}
	if cfg.Generation.Mode != "stub" || cfg.Generation.MaxAttempts != 3 {
		t.Fatalf("unexpected generation defaults %+v", cfg.Generation)
	}
	if cfg.Voting.PromotionThreshold != 10 || cfg.Voting.FeedbackRejectionCap != 25 {
		t.Fatalf("unexpected voting defaults %+v", cfg.Voting)
	}
	if !cfg.ValidCategory("games") || cfg.ValidCategory("astrology") {
		t.Fatalf("unexpected categories %v", cfg.Categories)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad version", func(c *config.Config) { c.Version = 2 }},
		{"missing catalog id", func(c *config.Config) { c.Catalog.ID = "" }},
		{"bad mode", func(c *config.Config) { c.Generation.Mode = "magic" }},
		{"http without endpoint", func(c *config.Config) { c.Generation.Mode = "http"; c.Generation.Endpoint = "" }},
		{"zero timeout", func(c *config.Config) { c.Generation.TimeoutSeconds = 0 }},
		{"zero attempts", func(c *config.Config) { c.Generation.MaxAttempts = 0 }},
		{"negative backoff", func(c *config.Config) { c.Generation.BackoffBaseSeconds = -1 }},
		{"zero workers", func(c *config.Config) { c.Generation.Workers = 0 }},
		{"zero safety timeout", func(c *config.Config) { c.Safety.TimeoutSeconds = 0 }},
		{"empty keyword", func(c *config.Config) { c.Safety.BlockedKeywords = []string{""} }},
		{"broken pattern", func(c *config.Config) { c.Safety.ReviewPatterns[0].Pattern = "(" }},
		{"bad severity", func(c *config.Config) { c.Safety.ReviewPatterns[0].Severity = "fatal" }},
		{"zero threshold", func(c *config.Config) { c.Voting.PromotionThreshold = 0 }},
		{"zero feedback cap", func(c *config.Config) { c.Voting.FeedbackRejectionCap = 0 }},
		{"no categories", func(c *config.Config) { c.Categories = nil }},
	}
	for _, tc := range cases {
		cfg := config.Default("forgeline")
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if cfg, err := config.LoadOptional(dir); err != nil || cfg != nil {
		t.Fatalf("expected nil config for empty workspace, got %v (%v)", cfg, err)
	}
	_, err := config.Load(dir)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if err := os.WriteFile(config.Path(dir), []byte(config.GenerateDefault("my-catalog")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(dir)
	if err != nil || cfg.Catalog.ID != "my-catalog" {
		t.Fatalf("load: %v (%+v)", err, cfg)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	g := config.GenerationConfig{BackoffBaseSeconds: 5, BackoffMaxSeconds: 40}
	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 40 * time.Second},
	}
	for _, w := range want {
		if got := g.Backoff(w.attempt); got != w.delay {
			t.Fatalf("attempt %d: got %s want %s", w.attempt, got, w.delay)
		}
	}
}
