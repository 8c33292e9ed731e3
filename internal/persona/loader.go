// Package persona loads agent descriptors from a directory of YAML files.
//
// Each file holds one descriptor. A file may instead hold a list under the
// top-level "agents" key. Files are read once, in lexical order, so the
// resulting descriptor order (and therefore routing tie-breaks) is stable.
package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/security"
)

// Source provides raw descriptor documents keyed by name.
type Source interface {
	// List returns document names in load order.
	List() ([]string, error)
	// Read returns the raw document.
	Read(name string) ([]byte, error)
}

// DirSource reads *.yaml and *.yml files from a directory.
type DirSource struct {
	Dir string
}

// List implements Source.
func (s DirSource) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Read implements Source.
func (s DirSource) Read(name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid descriptor name %q", name)
	}
	return os.ReadFile(filepath.Join(s.Dir, name))
}

// Loader parses descriptors from a Source.
type Loader struct {
	parser *security.SafeYAMLParser
}

// NewLoader creates a loader with the default YAML limits.
func NewLoader() *Loader {
	return &Loader{parser: security.NewSafeYAMLParser(security.DefaultYAMLLimits())}
}

// LoadDir loads all descriptors in dir.
func LoadDir(dir string) ([]agent.Descriptor, error) {
	return NewLoader().Load(DirSource{Dir: dir})
}

type document struct {
	agent.Descriptor `yaml:",inline"`
	Agents           []agent.Descriptor `yaml:"agents,omitempty"`
}

// Load reads and validates every document of src. Any malformed descriptor
// or duplicate key fails the whole load with an *agent.LoadError.
func (l *Loader) Load(src Source) ([]agent.Descriptor, error) {
	names, err := src.List()
	if err != nil {
		return nil, &agent.LoadError{Source: "persona source", Err: err}
	}
	if len(names) == 0 {
		return nil, &agent.LoadError{Source: "persona source", Err: errors.New("no descriptors found")}
	}

	var out []agent.Descriptor
	seen := make(map[string]string)
	for _, name := range names {
		descs, err := l.parse(src, name)
		if err != nil {
			return nil, &agent.LoadError{Source: name, Err: err}
		}
		for _, d := range descs {
			if err := d.Validate(); err != nil {
				return nil, &agent.LoadError{Source: name, Err: err}
			}
			if prev, dup := seen[d.Key]; dup {
				return nil, &agent.LoadError{Source: name, Err: fmt.Errorf("duplicate agent key %q (first defined in %s)", d.Key, prev)}
			}
			seen[d.Key] = name
			out = append(out, normalize(d))
		}
	}
	return out, nil
}

func (l *Loader) parse(src Source, name string) ([]agent.Descriptor, error) {
	data, err := src.Read(name)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := l.parser.Unmarshal(data, &doc, true); err != nil {
		return nil, err
	}
	if len(doc.Agents) > 0 {
		if doc.Key != "" {
			return nil, errors.New("file mixes a top-level descriptor with an agents list")
		}
		return doc.Agents, nil
	}
	if doc.Key == "" {
		// Single-descriptor files may omit the key; derive it from the file name.
		doc.Key = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return []agent.Descriptor{doc.Descriptor}, nil
}

// normalize lower-cases capability keywords and trims whitespace.
func normalize(d agent.Descriptor) agent.Descriptor {
	d = d.Clone()
	d.Instructions = strings.TrimSpace(d.Instructions)
	for i, c := range d.Capabilities {
		d.Capabilities[i] = strings.ToLower(strings.TrimSpace(c))
	}
	for i, t := range d.Tools {
		d.Tools[i] = strings.TrimSpace(t)
	}
	return d
}
