package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
version: "1.0"
instance: test
redis:
  url: redis://localhost:6379/0
postgres:
  url: postgres://gr:gr@localhost:5432/grantradar
llm:
  primary:
    name: openai
    url: https://api.openai.com/v1/chat/completions
    model: gpt-4o
  fallback:
    name: anthropic
    url: https://api.anthropic.com/v1/messages
    model: claude-sonnet
embedding:
  url: https://api.openai.com/v1/embeddings
  model: text-embedding-3-small
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "grantradar.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Instance)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	t.Run("defaults are applied", func(t *testing.T) {
		assert.Equal(t, float64(70), cfg.Curation.QualityThreshold)
		assert.Equal(t, 0.6, cfg.Matching.VectorThreshold)
		assert.Equal(t, 50, cfg.Matching.TopCandidates)
		assert.Equal(t, 20, cfg.Matching.LLMRerankLimit)
		assert.Equal(t, 5, cfg.Matching.LLMBatchSize)
		assert.Equal(t, float64(70), cfg.Matching.FinalMatchThreshold)
		assert.Equal(t, 10, cfg.Alerting.DigestMaxItems)
		assert.Equal(t, 3, cfg.Alerting.MediumBatchThreshold)
		assert.Equal(t, 32000, cfg.LLM.MaxContextChars)
		assert.Equal(t, 60*time.Second, cfg.LLM.Primary.Timeout)
		assert.Equal(t, ":8080", cfg.Orchestrator.ServerAddr)
		assert.Equal(t, 300*time.Second, cfg.Orchestrator.StallThreshold)
		assert.Equal(t, 5*time.Minute, cfg.Orchestrator.VisibilityTimeout)
		assert.Equal(t, 3, cfg.Orchestrator.MaxStallRetries)
		assert.Equal(t, time.Second, cfg.Discovery.GrantsGov.RateInterval)
	})
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML+`
curation:
  quality_threshold: 80
matching:
  vector_threshold: 0.75
orchestrator:
  stall_threshold: 10m
  oncall_webhook_url: https://hooks.example.com/oncall
`))
	require.NoError(t, err)
	assert.Equal(t, float64(80), cfg.Curation.QualityThreshold)
	assert.Equal(t, 0.75, cfg.Matching.VectorThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Orchestrator.StallThreshold)
	assert.Equal(t, "https://hooks.example.com/oncall", cfg.Orchestrator.OnCallWebhookURL)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mangle  func(string) string
		wantErr string
	}{
		{
			name:    "wrong version",
			mangle:  func(s string) string { return replaceLine(s, `version: "1.0"`, `version: "2.0"`) },
			wantErr: "unsupported version",
		},
		{
			name:    "missing instance",
			mangle:  func(s string) string { return replaceLine(s, "instance: test", "instance: \"\"") },
			wantErr: "instance name is required",
		},
		{
			name:    "missing redis url",
			mangle:  func(s string) string { return replaceLine(s, "  url: redis://localhost:6379/0", "  url: \"\"") },
			wantErr: "redis.url is required",
		},
		{
			name:    "enabled source without url",
			mangle:  func(s string) string { return s + "\ndiscovery:\n  nsf:\n    enabled: true\n" },
			wantErr: "discovery.nsf",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mangle(minimalYAML)))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Load(writeConfig(t, "version: [unclosed"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func replaceLine(s, old, new string) string {
	out := ""
	for _, line := range splitLines(s) {
		if line == old {
			out += new + "\n"
		} else {
			out += line + "\n"
		}
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
