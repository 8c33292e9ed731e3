// Package security provides input screening for agent invocations: prompt
// injection detection, per-client rate limiting and size-limited YAML parsing.
package security

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// Sensitivity selects which detection patterns are active.
type Sensitivity int

const (
	// SensitivityLow catches obvious injection attempts.
	SensitivityLow Sensitivity = iota
	// SensitivityMedium adds weaker signals.
	SensitivityMedium
	// SensitivityHigh enables everything; expect more false positives.
	SensitivityHigh
)

// ParseSensitivity maps "low", "medium" or "high" to a Sensitivity.
func ParseSensitivity(s string) Sensitivity {
	switch strings.ToLower(s) {
	case "low":
		return SensitivityLow
	case "high":
		return SensitivityHigh
	default:
		return SensitivityMedium
	}
}

// Category names the kind of injection detected.
type Category string

const (
	CategorySystemOverride     Category = "system_override"
	CategoryRoleHijacking      Category = "role_hijacking"
	CategoryDelimiterInjection Category = "delimiter_injection"
	CategoryEncodingAttack     Category = "encoding_attack"
	CategoryJailbreak          Category = "jailbreak"
)

// Detection is the outcome of screening one input.
type Detection struct {
	Detected   bool     `json:"detected"`
	Confidence float64  `json:"confidence"`
	Category   Category `json:"category,omitempty"`
	Matched    []string `json:"matched,omitempty"`
}

type pattern struct {
	re       *regexp.Regexp
	category Category
	weight   float64
	name     string
	level    Sensitivity
}

var injectionPatterns = []pattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(the\s+)?previous\s+instructions?`), CategorySystemOverride, 1.0, "ignore previous instructions", SensitivityLow},
	{regexp.MustCompile(`(?i)disregard\s+(your\s+|all\s+)?instructions?`), CategorySystemOverride, 1.0, "disregard instructions", SensitivityLow},
	{regexp.MustCompile(`(?i)forget\s+(everything|all|your\s+instructions?)`), CategorySystemOverride, 1.0, "forget everything", SensitivityLow},
	{regexp.MustCompile(`(?i)override\s+(your\s+)?(system|instructions?|programming)`), CategorySystemOverride, 0.9, "override system", SensitivityLow},
	{regexp.MustCompile(`(?i)new\s+instructions?:`), CategorySystemOverride, 0.7, "new instructions", SensitivityMedium},

	{regexp.MustCompile(`(?i)you\s+are\s+now\s+a`), CategoryRoleHijacking, 1.0, "you are now a", SensitivityLow},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), CategoryRoleHijacking, 0.9, "pretend to be", SensitivityLow},
	{regexp.MustCompile(`(?i)roleplay\s+as`), CategoryRoleHijacking, 0.7, "roleplay as", SensitivityMedium},

	{regexp.MustCompile(`(?im)^system:\s*`), CategoryDelimiterInjection, 1.0, "system: prefix", SensitivityLow},
	{regexp.MustCompile(`(?i)\[/?INST\]`), CategoryDelimiterInjection, 1.0, "[INST] tag", SensitivityLow},
	{regexp.MustCompile(`<\|?(system|im_start|im_end)\|?>`), CategoryDelimiterInjection, 1.0, "chat template tag", SensitivityLow},
	{regexp.MustCompile(`(?i)###\s*(system|instruction)`), CategoryDelimiterInjection, 0.9, "### delimiter", SensitivityLow},

	{regexp.MustCompile(`(?i)\bDAN\s+(mode|prompt)`), CategoryJailbreak, 0.9, "DAN jailbreak", SensitivityLow},
	{regexp.MustCompile(`(?i)bypass\s+(your\s+)?(filter|restriction|safety)`), CategoryJailbreak, 0.9, "bypass filters", SensitivityLow},
	{regexp.MustCompile(`(?i)developer\s+mode`), CategoryJailbreak, 0.7, "developer mode", SensitivityMedium},
	{regexp.MustCompile(`(?i)jailbreak`), CategoryJailbreak, 0.6, "jailbreak keyword", SensitivityHigh},
}

var (
	base64Candidate = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)
	zeroWidth       = strings.NewReplacer("\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\u00ad", "", "\u2060", "")
)

// MaxScanSize caps how much of an input is scanned.
const MaxScanSize = 16 * 1024

// InjectionDetector screens text for prompt injection attempts.
type InjectionDetector struct {
	sensitivity Sensitivity
	patterns    []pattern
}

// NewInjectionDetector creates a detector with the given sensitivity.
func NewInjectionDetector(s Sensitivity) *InjectionDetector {
	d := &InjectionDetector{sensitivity: s}
	for _, p := range injectionPatterns {
		if p.level <= s {
			d.patterns = append(d.patterns, p)
		}
	}
	return d
}

// Detect screens input.
func (d *InjectionDetector) Detect(input string) Detection {
	if len(input) > MaxScanSize {
		input = input[:MaxScanSize]
	}
	text := zeroWidth.Replace(input)

	if res := d.match(text); res.Detected {
		return res
	}

	// Encoded payloads are decoded once and screened with the same patterns.
	for _, candidate := range base64Candidate.FindAllString(text, 8) {
		decoded, err := base64.StdEncoding.DecodeString(candidate)
		if err != nil {
			continue
		}
		if res := d.match(string(decoded)); res.Detected {
			res.Category = CategoryEncodingAttack
			res.Confidence = 0.95
			return res
		}
	}
	return Detection{}
}

func (d *InjectionDetector) match(text string) Detection {
	var res Detection
	for _, p := range d.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		res.Matched = append(res.Matched, p.name)
		if p.weight > res.Confidence {
			res.Confidence = p.weight
			res.Category = p.category
		}
	}
	if len(res.Matched) > 0 {
		res.Detected = true
		res.Confidence = min(1.0, res.Confidence+0.1*float64(len(res.Matched)-1))
	}
	return res
}
