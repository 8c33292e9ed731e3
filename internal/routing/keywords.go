package routing

import (
	"strings"
	"unicode"

	"github.com/aixgo-dev/orchestra/agent"
)

// prefixMinLen is the shortest keyword that also matches as a word prefix,
// so "deploy" matches "deployment" but "go" does not match "good".
const prefixMinLen = 4

// message is a message prepared for keyword matching.
type message struct {
	raw    string
	tokens []string
}

func newMessage(s string) message {
	lower := strings.ToLower(s)
	return message{raw: lower, tokens: tokenize(lower)}
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// keywords returns the distinct, lower-cased capability keywords of d plus
// the longer words of its name.
func keywords(d agent.Descriptor) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(k string) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, c := range d.Capabilities {
		add(c)
	}
	for _, w := range tokenize(strings.ToLower(d.Name)) {
		if len(w) >= prefixMinLen {
			add(w)
		}
	}
	return out
}

// matches returns the keywords found in m.
func (m message) matches(kws []string) []string {
	var hits []string
	for _, k := range kws {
		if m.contains(k) {
			hits = append(hits, k)
		}
	}
	return hits
}

func (m message) contains(keyword string) bool {
	parts := tokenize(keyword)
	switch len(parts) {
	case 0:
		// Symbol keywords such as "+" match anywhere in the raw text.
		return strings.Contains(m.raw, keyword)
	case 1:
		for _, t := range m.tokens {
			if t == parts[0] || (len(parts[0]) >= prefixMinLen && strings.HasPrefix(t, parts[0])) {
				return true
			}
		}
		return false
	default:
		return containsPhrase(m.tokens, parts)
	}
}

func containsPhrase(tokens, phrase []string) bool {
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		match := true
		for j, p := range phrase {
			if tokens[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
