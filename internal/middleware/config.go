package middleware

import (
	"context"
	"log/slog"

	"github.com/aixgo-dev/orchestra/pkg/security"
)

// Config selects and configures the built-in interceptors.
type Config struct {
	// MaxInputLength bounds user input in characters.
	MaxInputLength int `yaml:"max_input_length" json:"max_input_length"`

	// InjectionSensitivity is low, medium, high or off.
	InjectionSensitivity string `yaml:"injection_sensitivity" json:"injection_sensitivity"`

	// RequestsPerSecond per session; zero disables rate limiting.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`

	// PolicyFile is a rego module; empty disables policy checks unless
	// DefaultPolicy is set.
	PolicyFile    string `yaml:"policy_file,omitempty" json:"policy_file,omitempty"`
	PolicyPackage string `yaml:"policy_package,omitempty" json:"policy_package,omitempty"`
	DefaultPolicy bool   `yaml:"default_policy" json:"default_policy"`
}

// FromConfig builds the standard chain: logging, metrics, rate limit,
// validation, policy.
func FromConfig(ctx context.Context, cfg Config, logger *slog.Logger) (*Chain, error) {
	interceptors := []Interceptor{NewLogging(logger), NewMetrics()}

	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		interceptors = append(interceptors, NewRateLimit(cfg.RequestsPerSecond, burst))
	}

	var detector *security.InjectionDetector
	if cfg.InjectionSensitivity != "off" {
		detector = security.NewInjectionDetector(security.ParseSensitivity(cfg.InjectionSensitivity))
	}
	interceptors = append(interceptors, NewValidation(cfg.MaxInputLength, detector))

	switch {
	case cfg.PolicyFile != "":
		p, err := NewPolicyFromFile(ctx, cfg.PolicyPackage, cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		interceptors = append(interceptors, p)
	case cfg.DefaultPolicy:
		p, err := NewPolicy(ctx, DefaultPolicyPackage, DefaultPolicy)
		if err != nil {
			return nil, err
		}
		interceptors = append(interceptors, p)
	}

	return NewChain(interceptors...), nil
}
