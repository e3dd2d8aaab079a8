// Package config loads and validates the grantradar.yml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level grantradar.yml configuration.
type Config struct {
	Version  string `yaml:"version"`
	Instance string `yaml:"instance"`

	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`

	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`

	Curation CurationConfig `yaml:"curation,omitempty"`
	Matching MatchingConfig `yaml:"matching,omitempty"`
	Alerting AlertingConfig `yaml:"alerting,omitempty"`

	Discovery    DiscoveryConfig    `yaml:"discovery,omitempty"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`
}

// RedisConfig points at the event bus.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// PostgresConfig points at the entity store.
type PostgresConfig struct {
	URL      string `yaml:"url"`
	MinConns int32  `yaml:"min_conns,omitempty"` // default 2
	MaxConns int32  `yaml:"max_conns,omitempty"` // default 10
}

// ProviderConfig describes one LLM endpoint.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	URL       string        `yaml:"url"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens,omitempty"` // default 2048
	Timeout   time.Duration `yaml:"timeout,omitempty"`    // default 60s
}

// LLMConfig holds the primary and fallback chat providers.
type LLMConfig struct {
	Primary          ProviderConfig `yaml:"primary"`
	Fallback         ProviderConfig `yaml:"fallback"`
	MaxContextChars  int            `yaml:"max_context_chars,omitempty"`  // default 32000
	FailureThreshold int            `yaml:"failure_threshold,omitempty"`  // default 3
	RecoveryTimeout  time.Duration  `yaml:"recovery_timeout,omitempty"`   // default 60s
	SlowCallMean     time.Duration  `yaml:"slow_call_mean,omitempty"`     // default 10s
	LatencyWindow    int            `yaml:"latency_window_size,omitempty"` // default 10
}

// EmbeddingConfig describes the embedding endpoint.
type EmbeddingConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout,omitempty"` // default 30s
}

// CurationConfig holds the curation thresholds.
type CurationConfig struct {
	QualityThreshold float64 `yaml:"quality_threshold,omitempty"` // default 70
	BatchSize        int64   `yaml:"batch_size,omitempty"`        // default 10
}

// MatchingConfig holds the matcher thresholds.
type MatchingConfig struct {
	VectorThreshold     float64 `yaml:"vector_threshold,omitempty"`      // default 0.6
	TopCandidates       int     `yaml:"top_candidates,omitempty"`        // default 50
	LLMRerankLimit      int     `yaml:"llm_rerank_limit,omitempty"`      // default 20
	LLMBatchSize        int     `yaml:"llm_batch_size,omitempty"`        // default 5
	FinalMatchThreshold float64 `yaml:"final_match_threshold,omitempty"` // default 70
}

// EmailConfig describes the SendGrid-style email provider.
type EmailConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key,omitempty"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name,omitempty"`
}

// SMSConfig describes the Twilio-style SMS provider.
type SMSConfig struct {
	URL            string `yaml:"url"`
	AccountSID     string `yaml:"account_sid,omitempty"`
	AuthToken      string `yaml:"auth_token,omitempty"`
	FromNumber     string `yaml:"from_number"`
	StatusCallback string `yaml:"status_callback,omitempty"`
}

// AlertingConfig holds alerter settings and channel providers.
type AlertingConfig struct {
	Email EmailConfig `yaml:"email"`
	SMS   SMSConfig   `yaml:"sms"`

	DigestMaxItems       int `yaml:"digest_max_items,omitempty"`       // default 10
	MediumBatchThreshold int `yaml:"medium_batch_threshold,omitempty"` // default 3
}

// SourceConfig describes one discovery source endpoint.
type SourceConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	APIKey       string        `yaml:"api_key,omitempty"`
	RateInterval time.Duration `yaml:"rate_interval,omitempty"` // min delay between requests
	PageSize     int           `yaml:"page_size,omitempty"`
}

// DiscoveryConfig holds per-source settings.
type DiscoveryConfig struct {
	NSF         SourceConfig `yaml:"nsf,omitempty"`
	NIHReporter SourceConfig `yaml:"nih_reporter,omitempty"`
	GrantsGov   SourceConfig `yaml:"grants_gov,omitempty"`
	NIHWatch    SourceConfig `yaml:"nih_watch,omitempty"`
}

// OrchestratorConfig holds orchestrator settings.
type OrchestratorConfig struct {
	ServerAddr        string        `yaml:"server_addr,omitempty"`        // default :8080
	ProbeInterval     time.Duration `yaml:"probe_interval,omitempty"`     // default 30s
	StallThreshold    time.Duration `yaml:"stall_threshold,omitempty"`    // default 300s
	VisibilityTimeout time.Duration `yaml:"visibility_timeout,omitempty"` // default 5m
	MaxStallRetries   int           `yaml:"max_stall_retries,omitempty"`  // default 3
	ScaleUpDepth      int64         `yaml:"scale_up_depth,omitempty"`     // default 100
	ScaleDownDepth    int64         `yaml:"scale_down_depth,omitempty"`   // default 20
	MinWorkers        int           `yaml:"min_workers,omitempty"`        // default 2

	// OnCallWebhookURL receives on-call alert payloads; empty disables paging.
	OnCallWebhookURL string `yaml:"oncall_webhook_url,omitempty"`
}

// Load reads, parses, and validates a grantradar.yml file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills unset fields with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Postgres.MinConns == 0 {
		c.Postgres.MinConns = 2
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = 10
	}
	if c.LLM.Primary.MaxTokens == 0 {
		c.LLM.Primary.MaxTokens = 2048
	}
	if c.LLM.Fallback.MaxTokens == 0 {
		c.LLM.Fallback.MaxTokens = 2048
	}
	if c.LLM.Primary.Timeout == 0 {
		c.LLM.Primary.Timeout = 60 * time.Second
	}
	if c.LLM.Fallback.Timeout == 0 {
		c.LLM.Fallback.Timeout = 60 * time.Second
	}
	if c.LLM.MaxContextChars == 0 {
		c.LLM.MaxContextChars = 32000
	}
	if c.LLM.FailureThreshold == 0 {
		c.LLM.FailureThreshold = 3
	}
	if c.LLM.RecoveryTimeout == 0 {
		c.LLM.RecoveryTimeout = 60 * time.Second
	}
	if c.LLM.SlowCallMean == 0 {
		c.LLM.SlowCallMean = 10 * time.Second
	}
	if c.LLM.LatencyWindow == 0 {
		c.LLM.LatencyWindow = 10
	}
	if c.Embedding.Timeout == 0 {
		c.Embedding.Timeout = 30 * time.Second
	}
	if c.Curation.QualityThreshold == 0 {
		c.Curation.QualityThreshold = 70
	}
	if c.Curation.BatchSize == 0 {
		c.Curation.BatchSize = 10
	}
	if c.Matching.VectorThreshold == 0 {
		c.Matching.VectorThreshold = 0.6
	}
	if c.Matching.TopCandidates == 0 {
		c.Matching.TopCandidates = 50
	}
	if c.Matching.LLMRerankLimit == 0 {
		c.Matching.LLMRerankLimit = 20
	}
	if c.Matching.LLMBatchSize == 0 {
		c.Matching.LLMBatchSize = 5
	}
	if c.Matching.FinalMatchThreshold == 0 {
		c.Matching.FinalMatchThreshold = 70
	}
	if c.Alerting.DigestMaxItems == 0 {
		c.Alerting.DigestMaxItems = 10
	}
	if c.Alerting.MediumBatchThreshold == 0 {
		c.Alerting.MediumBatchThreshold = 3
	}
	if c.Discovery.GrantsGov.RateInterval == 0 {
		// Grants.gov requires at most one detail request per second.
		c.Discovery.GrantsGov.RateInterval = time.Second
	}
	if c.Orchestrator.ServerAddr == "" {
		c.Orchestrator.ServerAddr = ":8080"
	}
	if c.Orchestrator.ProbeInterval == 0 {
		c.Orchestrator.ProbeInterval = 30 * time.Second
	}
	if c.Orchestrator.StallThreshold == 0 {
		c.Orchestrator.StallThreshold = 300 * time.Second
	}
	if c.Orchestrator.VisibilityTimeout == 0 {
		c.Orchestrator.VisibilityTimeout = 5 * time.Minute
	}
	if c.Orchestrator.MaxStallRetries == 0 {
		c.Orchestrator.MaxStallRetries = 3
	}
	if c.Orchestrator.ScaleUpDepth == 0 {
		c.Orchestrator.ScaleUpDepth = 100
	}
	if c.Orchestrator.ScaleDownDepth == 0 {
		c.Orchestrator.ScaleDownDepth = 20
	}
	if c.Orchestrator.MinWorkers == 0 {
		c.Orchestrator.MinWorkers = 2
	}
}

// Validate performs strict validation on the configuration.
func (c *Config) Validate() error {
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}
	if c.Instance == "" {
		return fmt.Errorf("instance name is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres.url is required")
	}
	if c.LLM.Primary.URL == "" || c.LLM.Primary.Model == "" {
		return fmt.Errorf("llm.primary url and model are required")
	}
	if c.LLM.Fallback.URL == "" || c.LLM.Fallback.Model == "" {
		return fmt.Errorf("llm.fallback url and model are required")
	}
	if c.Embedding.URL == "" || c.Embedding.Model == "" {
		return fmt.Errorf("embedding url and model are required")
	}
	if c.Curation.QualityThreshold < 0 || c.Curation.QualityThreshold > 100 {
		return fmt.Errorf("curation.quality_threshold must be in [0,100]")
	}
	if c.Matching.VectorThreshold < 0 || c.Matching.VectorThreshold > 1 {
		return fmt.Errorf("matching.vector_threshold must be in [0,1]")
	}
	for _, src := range []struct {
		name string
		cfg  SourceConfig
	}{
		{"nsf", c.Discovery.NSF},
		{"nih_reporter", c.Discovery.NIHReporter},
		{"grants_gov", c.Discovery.GrantsGov},
		{"nih_watch", c.Discovery.NIHWatch},
	} {
		if src.cfg.Enabled && src.cfg.URL == "" {
			return fmt.Errorf("discovery.%s: url is required when enabled", src.name)
		}
	}
	return nil
}
