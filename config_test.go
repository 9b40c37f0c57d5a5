package keywarden_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	kw "github.com/pielabs/keywarden"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keywarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("KW_TEST_SECRET", "sk-from-env")

	path := writeConfig(t, `
credentials:
  - id: free-1
    secret: ${KW_TEST_SECRET}
  - id: paid-1
    secret: sk-paid
    prepaid_balance: 25.0
chains:
  - capability: vision
    models: [vis-a, vis-b]
request_timeout: 45s
`)

	cfg, err := kw.LoadConfig(path)
	require.NoError(t, err)

	require.Len(t, cfg.Credentials, 2)
	assert.Equal(t, "sk-from-env", cfg.Credentials[0].Secret)

	// A credential without a prepaid balance gets the free-tier cap; one
	// with balance over the threshold gets the higher cap.
	assert.Equal(t, int64(kw.DefaultDailyCap), cfg.Credentials[0].DailyCap)
	assert.Equal(t, int64(kw.DefaultPrepaidDailyCap), cfg.Credentials[1].DailyCap)
	assert.Equal(t, int64(kw.DefaultPerMinuteCap), cfg.Credentials[0].PerMinuteCap)

	assert.Equal(t, int64(kw.DefaultRotationThreshold), cfg.RotationThreshold)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL.Std())
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
}

func TestLoadConfig_ExplicitCapsWin(t *testing.T) {
	path := writeConfig(t, `
credentials:
  - id: k1
    secret: sk-1
    daily_cap: 200
    per_minute_cap: 5
chains:
  - capability: reasoning
    models: [rsn-a]
`)

	cfg, err := kw.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(200), cfg.Credentials[0].DailyCap)
	assert.Equal(t, int64(5), cfg.Credentials[0].PerMinuteCap)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
credentials:
  - id: k1
    secret: sk-1
chains:
  - capability: vision
    models: [a]
request_timeout: soon
`)

	_, err := kw.LoadConfig(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := func() kw.Config {
		return kw.Config{
			Credentials: []kw.CredentialConfig{{ID: "k1", Secret: "sk-1"}},
			Chains: []kw.ChainConfig{
				{Capability: kw.CapabilityVision, Models: []string{"a"}},
			},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*kw.Config)
		wantErr bool
	}{
		{"valid", func(c *kw.Config) {}, false},
		{"no credentials", func(c *kw.Config) { c.Credentials = nil }, true},
		{"missing id", func(c *kw.Config) { c.Credentials[0].ID = "" }, true},
		{"missing secret", func(c *kw.Config) { c.Credentials[0].Secret = "" }, true},
		{"duplicate id", func(c *kw.Config) {
			c.Credentials = append(c.Credentials, kw.CredentialConfig{ID: "k1", Secret: "sk-2"})
		}, true},
		{"no chains", func(c *kw.Config) { c.Chains = nil }, true},
		{"empty chain", func(c *kw.Config) { c.Chains[0].Models = nil }, true},
		{"duplicate chain", func(c *kw.Config) {
			c.Chains = append(c.Chains, kw.ChainConfig{Capability: kw.CapabilityVision, Models: []string{"b"}})
		}, true},
		{"negative threshold", func(c *kw.Config) { c.RotationThreshold = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
