package keywarden

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for provider-imposed caps and the rotation policy.
const (
	DefaultDailyCap          = 50
	DefaultPrepaidDailyCap   = 1000
	DefaultPerMinuteCap      = 20
	DefaultRotationThreshold = 40

	// Prepaid balance that unlocks the higher daily cap.
	DefaultBalanceThreshold = 10.0
)

// Config is the top-level manager configuration.
type Config struct {
	BaseURL     string             `yaml:"base_url"`
	Credentials []CredentialConfig `yaml:"credentials"`
	Chains      []ChainConfig      `yaml:"chains"`

	// RotationThreshold is the soft usage count at or above which a new
	// instance is assigned a different credential than the last handed out.
	RotationThreshold int64 `yaml:"rotation_threshold"`

	// BalanceThreshold is the prepaid balance above which a credential gets
	// the higher default daily cap.
	BalanceThreshold float64 `yaml:"balance_threshold"`

	// CountFailedAttempts records 5xx/network attempts in the usage ledger.
	// Nil means true: most providers count such attempts against the daily
	// quota.
	CountFailedAttempts *bool `yaml:"count_failed_attempts"`

	Retry          RetryConfig `yaml:"retry"`
	RequestTimeout Duration    `yaml:"request_timeout"`
	LeaseTTL       Duration    `yaml:"lease_ttl"`
}

// CredentialConfig configures one credential in the pool.
type CredentialConfig struct {
	ID             string  `yaml:"id"`
	Secret         string  `yaml:"secret"`
	DailyCap       int64   `yaml:"daily_cap"`
	PerMinuteCap   int64   `yaml:"per_minute_cap"`
	PrepaidBalance float64 `yaml:"prepaid_balance"`
	Disabled       bool    `yaml:"disabled"`
}

// ChainConfig is the ordered fallback chain for one capability.
type ChainConfig struct {
	Capability Capability `yaml:"capability"`
	Models     []string   `yaml:"models"`
}

// RetryConfig bounds the 429 backoff loop.
type RetryConfig struct {
	MaxRetries int      `yaml:"max_retries"`
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
}

// Duration parses YAML strings like "30s" or "2m" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("keywarden: config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing,
// so secrets can live outside the file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("keywarden: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("keywarden: parse config: %w", err)
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Normalize fills in defaults for unset fields. NewManager calls this, so
// hand-built configs only need the fields they care about.
func (c *Config) Normalize() {
	if c.RotationThreshold == 0 {
		c.RotationThreshold = DefaultRotationThreshold
	}
	if c.BalanceThreshold == 0 {
		c.BalanceThreshold = DefaultBalanceThreshold
	}
	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = Duration(time.Second)
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = Duration(time.Minute)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(30 * time.Second)
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = Duration(2 * time.Minute)
	}
	for i := range c.Credentials {
		cc := &c.Credentials[i]
		if cc.DailyCap == 0 {
			if cc.PrepaidBalance >= c.BalanceThreshold {
				cc.DailyCap = DefaultPrepaidDailyCap
			} else {
				cc.DailyCap = DefaultDailyCap
			}
		}
		if cc.PerMinuteCap == 0 {
			cc.PerMinuteCap = DefaultPerMinuteCap
		}
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Credentials) == 0 {
		return fmt.Errorf("keywarden: config: at least one credential is required")
	}

	ids := make(map[string]bool, len(c.Credentials))
	for i, cc := range c.Credentials {
		if cc.ID == "" {
			return fmt.Errorf("keywarden: config: credentials[%d]: id is required", i)
		}
		if cc.Secret == "" {
			return fmt.Errorf("keywarden: config: credentials[%d] (%s): secret is required", i, cc.ID)
		}
		if ids[cc.ID] {
			return fmt.Errorf("keywarden: config: duplicate credential id %q", cc.ID)
		}
		ids[cc.ID] = true
	}

	if len(c.Chains) == 0 {
		return fmt.Errorf("keywarden: config: at least one capability chain is required")
	}
	caps := make(map[Capability]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.Capability == "" {
			return fmt.Errorf("keywarden: config: chains[%d]: capability is required", i)
		}
		if len(ch.Models) == 0 {
			return fmt.Errorf("keywarden: config: chains[%d] (%s): at least one model is required", i, ch.Capability)
		}
		if caps[ch.Capability] {
			return fmt.Errorf("keywarden: config: duplicate chain for capability %q", ch.Capability)
		}
		caps[ch.Capability] = true
	}

	if c.RotationThreshold < 0 {
		return fmt.Errorf("keywarden: config: rotation_threshold must not be negative")
	}

	return nil
}

// credentials converts the config entries into pool credentials, applying the
// prepaid cap rule.
func (c Config) credentials() []Credential {
	out := make([]Credential, 0, len(c.Credentials))
	for _, cc := range c.Credentials {
		out = append(out, Credential{
			ID:           cc.ID,
			Secret:       cc.Secret,
			DailyCap:     cc.DailyCap,
			PerMinuteCap: cc.PerMinuteCap,
			Prepaid:      cc.PrepaidBalance >= c.BalanceThreshold,
		})
	}
	return out
}

func (c Config) countFailedAttempts() bool {
	if c.CountFailedAttempts == nil {
		return true
	}
	return *c.CountFailedAttempts
}
