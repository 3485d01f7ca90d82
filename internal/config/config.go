package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models forgeline.yml.
type Config struct {
	Version int `yaml:"version"`
	Catalog struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"catalog"`
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Generation GenerationConfig `yaml:"generation"`
	Safety     SafetyConfig     `yaml:"safety"`
	Voting     VotingConfig     `yaml:"voting"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Categories []string         `yaml:"categories"`
}

type GenerationConfig struct {
	Mode                string `yaml:"mode"`
	Endpoint            string `yaml:"endpoint"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
	MaxAttempts         int    `yaml:"max_attempts"`
	BackoffBaseSeconds  int    `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds   int    `yaml:"backoff_max_seconds"`
	CancelGraceSeconds  int    `yaml:"cancel_grace_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	Workers             int    `yaml:"workers"`
}

func (g GenerationConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutSeconds) * time.Second
}

func (g GenerationConfig) CancelGrace() time.Duration {
	return time.Duration(g.CancelGraceSeconds) * time.Second
}

func (g GenerationConfig) PollInterval() time.Duration {
	return time.Duration(g.PollIntervalSeconds) * time.Second
}

// Backoff returns the delay before re-dispatching after the given failed
// attempt: base doubled per attempt, capped at the configured maximum.
func (g GenerationConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(g.BackoffBaseSeconds) * time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	max := time.Duration(g.BackoffMaxSeconds) * time.Second
	if max > 0 && delay > max {
		delay = max
	}
	return delay
}

type ReviewPattern struct {
	Pattern  string `yaml:"pattern"`
	Code     string `yaml:"code"`
	Severity string `yaml:"severity"`
	Reason   string `yaml:"reason"`
}

type SafetyConfig struct {
	EvaluatorEndpoint string          `yaml:"evaluator_endpoint"`
	TimeoutSeconds    int             `yaml:"timeout_seconds"`
	BlockedKeywords   []string        `yaml:"blocked_keywords"`
	ReviewPatterns    []ReviewPattern `yaml:"review_patterns"`
}

func (s SafetyConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

type VotingConfig struct {
	PromotionThreshold   int `yaml:"promotion_threshold"`
	FeedbackRejectionCap int `yaml:"feedback_rejection_cap"`
}

type PublisherConfig struct {
	CatalogURL          string `yaml:"catalog_url"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	TimeoutSeconds      int    `yaml:"timeout_seconds"`
}

func (p PublisherConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

func (p PublisherConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run fl init or fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

var validSeverities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("config.version must be 1")
	}
	if c.Catalog.ID == "" {
		return fmt.Errorf("config.catalog.id is required")
	}
	switch c.Generation.Mode {
	case "stub":
	case "http":
		if c.Generation.Endpoint == "" {
			return fmt.Errorf("config.generation.endpoint is required for http mode")
		}
	default:
		return fmt.Errorf("config.generation.mode must be 'stub' or 'http'")
	}
	if c.Generation.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.generation.timeout_seconds must be positive")
	}
	if c.Generation.MaxAttempts <= 0 {
		return fmt.Errorf("config.generation.max_attempts must be positive")
	}
	if c.Generation.BackoffBaseSeconds < 0 || c.Generation.BackoffMaxSeconds < 0 {
		return fmt.Errorf("config.generation backoff values must not be negative")
	}
	if c.Generation.CancelGraceSeconds < 0 {
		return fmt.Errorf("config.generation.cancel_grace_seconds must not be negative")
	}
	if c.Generation.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.generation.poll_interval_seconds must be positive")
	}
	if c.Generation.Workers <= 0 {
		return fmt.Errorf("config.generation.workers must be positive")
	}
	if c.Safety.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.safety.timeout_seconds must be positive")
	}
	for i, kw := range c.Safety.BlockedKeywords {
		if kw == "" {
			return fmt.Errorf("config.safety.blocked_keywords[%d] is empty", i)
		}
	}
	for i, rp := range c.Safety.ReviewPatterns {
		if rp.Pattern == "" {
			return fmt.Errorf("config.safety.review_patterns[%d].pattern is empty", i)
		}
		if _, err := regexp.Compile(rp.Pattern); err != nil {
			return fmt.Errorf("config.safety.review_patterns[%d]: %w", i, err)
		}
		if rp.Code == "" {
			return fmt.Errorf("config.safety.review_patterns[%d].code is empty", i)
		}
		if !validSeverities[rp.Severity] {
			return fmt.Errorf("config.safety.review_patterns[%d].severity must be critical, high, medium or low", i)
		}
	}
	if c.Voting.PromotionThreshold < 1 {
		return fmt.Errorf("config.voting.promotion_threshold must be at least 1")
	}
	if c.Voting.FeedbackRejectionCap < 1 {
		return fmt.Errorf("config.voting.feedback_rejection_cap must be at least 1")
	}
	if c.Publisher.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config.publisher.poll_interval_seconds must be positive")
	}
	if c.Publisher.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.publisher.timeout_seconds must be positive")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories must list at least one category")
	}
	for i, cat := range c.Categories {
		if cat == "" {
			return fmt.Errorf("config.categories[%d] is empty", i)
		}
	}
	return nil
}

// ValidCategory reports whether the category is in the configured list.
func (c *Config) ValidCategory(category string) bool {
	for _, cat := range c.Categories {
		if cat == category {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "forgeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(catalogID string) string {
	return fmt.Sprintf(defaultTemplate, catalogID)
}

// Default returns the default Config struct for a catalog.
func Default(catalogID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, catalogID))).Decode(&cfg)
	cfg.Catalog.ID = catalogID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `version: 1

catalog:
  id: %s
  name: Community Catalog

server:
  host: 127.0.0.1
  port: 8080

auth:
  jwt_secret: ""          # or set FORGELINE_JWT_SECRET
  allow_legacy_actor_header: false

generation:
  mode: stub            # stub | http
  endpoint: ""          # required for http mode
  timeout_seconds: 120
  max_attempts: 3
  backoff_base_seconds: 5
  backoff_max_seconds: 300
  cancel_grace_seconds: 10
  poll_interval_seconds: 2
  workers: 4

safety:
  evaluator_endpoint: ""   # optional external policy evaluator
  timeout_seconds: 15
  blocked_keywords:
    - malware
    - ransomware
    - keylogger
    - trojan
    - rootkit
    - botnet
    - phishing
    - spyware
    - backdoor
    - cryptominer
    - password cracker
    - credential harvester
  review_patterns:
    - pattern: "send.*(data|information).*(server|remote)"
      code: UNSAFE_NETWORK_ACCESS
      severity: high
      reason: "sends data to an external server"
    - pattern: "record.*keystrokes?|capture.*screen"
      code: SURVEILLANCE_CAPTURE
      severity: critical
      reason: "records user input or screen content"
    - pattern: "access.*(camera|microphone)"
      code: DEVICE_SENSOR_ACCESS
      severity: high
      reason: "requests camera or microphone access"
    - pattern: "(delete|encrypt).*files?"
      code: DESTRUCTIVE_FILE_ACCESS
      severity: high
      reason: "modifies files outside its own data"
    - pattern: "(bypass|disable).*(security|antivirus|filter)"
      code: SECURITY_BYPASS
      severity: critical
      reason: "attempts to defeat a security control"
    - pattern: "(elevate|admin|root).*(privileges?|access)"
      code: PRIVILEGE_ESCALATION
      severity: high
      reason: "asks for elevated system access"
    - pattern: "(collect|ask for).*(name|address|phone|email)"
      code: PERSONAL_DATA_REQUEST
      severity: medium
      reason: "collects personal information"
    - pattern: "(embed|load).*(iframe|external (site|page))"
      code: EXTERNAL_CONTENT_EMBED
      severity: medium
      reason: "embeds uncontrolled external content"

voting:
  promotion_threshold: 10      # net upvotes required for eligibility
  feedback_rejection_cap: 25   # too much feedback blocks promotion

publisher:
  catalog_url: ""              # publish intents POST here; empty = manual confirm
  poll_interval_seconds: 5
  timeout_seconds: 10

categories:
  - games
  - education
  - productivity
  - entertainment
  - utilities
  - creative
  - other
`
