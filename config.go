package reqtrace

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the environment-sourced configuration surface the core consumes.
type Config struct {
	// Origin is the current origin of the instrumented application, e.g.
	// "https://app.example.com".
	Origin string `envconfig:"REQTRACE_ORIGIN"`

	// AllowedOrigins lists literal origins propagation headers may be sent
	// to cross-origin.
	AllowedOrigins []string `envconfig:"REQTRACE_ALLOWED_ORIGINS"`

	// AllowPattern, when set, is a regular expression matched against the
	// full target URL instead of the literal list.
	AllowPattern string `envconfig:"REQTRACE_ALLOW_PATTERN"`

	MaxTimingWait time.Duration `envconfig:"REQTRACE_MAX_TIMING_WAIT" default:"300ms"`
	PollInterval  time.Duration `envconfig:"REQTRACE_POLL_INTERVAL" default:"50ms"`
}

// ConfigFromEnv loads Config from REQTRACE_* environment variables.
func ConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// Rule builds the cross-origin allow rule. A pattern takes precedence over
// the literal list when both are set; neither set means nil, i.e. never
// inject cross-origin.
func (c *Config) Rule() (AllowRule, error) {
	if c.AllowPattern != "" {
		return NewAllowPattern(c.AllowPattern)
	}
	if len(c.AllowedOrigins) > 0 {
		return AllowedOrigins(c.AllowedOrigins), nil
	}
	return nil, nil
}

// EngineOptions translates the config into options for NewEngine.
func (c *Config) EngineOptions() ([]EngineOption, error) {
	origin, err := ParseOrigin(c.Origin)
	if err != nil {
		return nil, err
	}
	rule, err := c.Rule()
	if err != nil {
		return nil, err
	}

	opts := []EngineOption{
		WithCurrentOrigin(origin),
		WithMaxTimingWait(c.MaxTimingWait),
		WithPollInterval(c.PollInterval),
	}
	if rule != nil {
		opts = append(opts, WithAllowRule(rule))
	}
	return opts, nil
}
