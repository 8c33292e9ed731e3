package security

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// YAMLLimits bounds the resources a YAML document may consume. Persona
// directories and config files are operator supplied, so every document is
// checked before it is decoded.
type YAMLLimits struct {
	MaxFileSize  int64
	MaxDepth     int
	MaxNodes     int
	MaxKeyLength int
	MaxValueSize int64
}

// DefaultYAMLLimits returns the limits used for config and persona files.
func DefaultYAMLLimits() YAMLLimits {
	return YAMLLimits{
		MaxFileSize:  1 << 20,
		MaxDepth:     16,
		MaxNodes:     10000,
		MaxKeyLength: 256,
		MaxValueSize: 256 << 10,
	}
}

// SafeYAMLParser decodes YAML after validating it against YAMLLimits.
type SafeYAMLParser struct {
	limits YAMLLimits
}

// NewSafeYAMLParser creates a parser enforcing limits.
func NewSafeYAMLParser(limits YAMLLimits) *SafeYAMLParser {
	return &SafeYAMLParser{limits: limits}
}

// Unmarshal validates data and decodes it into v. Unknown fields are rejected
// when strict is true.
func (p *SafeYAMLParser) Unmarshal(data []byte, v any, strict bool) error {
	if int64(len(data)) > p.limits.MaxFileSize {
		return fmt.Errorf("yaml document is %d bytes, limit is %d", len(data), p.limits.MaxFileSize)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("yaml parse error: %w", err)
	}
	w := &nodeWalker{limits: p.limits}
	if err := w.walk(&root, 0); err != nil {
		return err
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(strict)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("yaml decode error: %w", err)
	}
	return nil
}

// UnmarshalFile reads path with the size limit applied before reading it fully.
func (p *SafeYAMLParser) UnmarshalFile(path string, v any, strict bool) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, p.limits.MaxFileSize+1))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return p.Unmarshal(data, v, strict)
}

type nodeWalker struct {
	limits YAMLLimits
	count  int
}

func (w *nodeWalker) walk(n *yaml.Node, depth int) error {
	if depth > w.limits.MaxDepth {
		return fmt.Errorf("yaml nesting depth exceeds %d", w.limits.MaxDepth)
	}
	w.count++
	if w.count > w.limits.MaxNodes {
		return fmt.Errorf("yaml node count exceeds %d", w.limits.MaxNodes)
	}

	switch n.Kind {
	case yaml.ScalarNode:
		if int64(len(n.Value)) > w.limits.MaxValueSize {
			return fmt.Errorf("yaml value of %d bytes exceeds %d", len(n.Value), w.limits.MaxValueSize)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if len(n.Content[i].Value) > w.limits.MaxKeyLength {
				return fmt.Errorf("yaml key of %d bytes exceeds %d", len(n.Content[i].Value), w.limits.MaxKeyLength)
			}
		}
	case yaml.AliasNode:
		// Aliases are expanded by the decoder; count the target again so alias
		// bombs hit the node limit.
		if n.Alias != nil {
			return w.walk(n.Alias, depth+1)
		}
		return nil
	}

	next := depth + 1
	if n.Kind == yaml.DocumentNode {
		next = depth
	}
	for _, c := range n.Content {
		if err := w.walk(c, next); err != nil {
			return err
		}
	}
	return nil
}
