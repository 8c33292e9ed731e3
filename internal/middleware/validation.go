package middleware

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/security"
)

// DefaultMaxInputLength bounds the user input of one invocation, in runes.
const DefaultMaxInputLength = 32 * 1024

// Validation rejects empty, oversized and prompt-injection inputs.
type Validation struct {
	maxLength int
	detector  *security.InjectionDetector
}

// NewValidation creates a validation interceptor. maxLength <= 0 uses
// DefaultMaxInputLength; a nil detector disables injection screening.
func NewValidation(maxLength int, detector *security.InjectionDetector) *Validation {
	if maxLength <= 0 {
		maxLength = DefaultMaxInputLength
	}
	return &Validation{maxLength: maxLength, detector: detector}
}

// Name implements Interceptor.
func (v *Validation) Name() string { return "validation" }

// Intercept implements Interceptor.
func (v *Validation) Intercept(ctx context.Context, inv *agent.Invocation, next Next) (*agent.Response, error) {
	if strings.TrimSpace(inv.Input) == "" {
		return nil, v.reject("empty input")
	}
	if !utf8.ValidString(inv.Input) || !utf8.ValidString(inv.Answer) {
		return nil, v.reject("input is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(inv.Input) + utf8.RuneCountInString(inv.Answer); n > v.maxLength {
		return nil, v.reject(fmt.Sprintf("input too long: %d > %d characters", n, v.maxLength))
	}
	if v.detector != nil {
		for _, text := range []string{inv.Input, inv.Answer} {
			if text == "" {
				continue
			}
			if d := v.detector.Detect(text); d.Detected {
				return nil, v.reject(fmt.Sprintf("possible prompt injection (%s)", d.Category))
			}
		}
	}
	return next(ctx, inv)
}

func (v *Validation) reject(reason string) error {
	return &SecurityViolation{Interceptor: v.Name(), Reason: reason}
}
