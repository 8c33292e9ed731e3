// Package embeddings turns text into vectors for semantic recall and routing.
//
// Two backends ship with the package: "hash", an offline feature-hashing
// embedder, and "openai". Further backends plug in through Register.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
)

// ErrUnknownProvider is returned by New for a backend nobody registered.
var ErrUnknownProvider = errors.New("unknown embedding provider")

// EmbeddingService maps text to fixed-width vectors. Vectors from one
// service are comparable with CosineSimilarity.
type EmbeddingService interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	ModelName() string
	Close() error
}

// Config selects and configures a backend. Only the block matching
// Provider is read.
type Config struct {
	Provider string `yaml:"provider" json:"provider"`

	Hash   *HashConfig   `yaml:"hash,omitempty" json:"hash,omitempty"`
	OpenAI *OpenAIConfig `yaml:"openai,omitempty" json:"openai,omitempty"`
}

// HashConfig configures the local hashing embedder.
type HashConfig struct {
	Dimensions int `yaml:"dimensions" json:"dimensions"`
}

// OpenAIConfig configures the OpenAI embeddings endpoint.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimensions truncates text-embedding-3 vectors; zero keeps the model width.
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// Validate reports a missing provider or missing credentials.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return errors.New("embeddings provider is required")
	}
	if c.Provider == "openai" && (c.OpenAI == nil || c.OpenAI.APIKey == "") {
		return errors.New("embeddings.openai.api_key is required")
	}
	if !IsRegistered(c.Provider) {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, c.Provider)
	}
	return nil
}

// ProviderFactory builds a service from its config block.
type ProviderFactory func(config Config) (EmbeddingService, error)

var factories = struct {
	sync.RWMutex
	m map[string]ProviderFactory
}{m: make(map[string]ProviderFactory)}

// Register makes a backend available to New. It panics on a nil factory
// or a name registered twice, both of which are programming errors.
func Register(name string, factory ProviderFactory) {
	factories.Lock()
	defer factories.Unlock()
	if factory == nil {
		panic("embeddings: nil factory for " + name)
	}
	if _, ok := factories.m[name]; ok {
		panic("embeddings: duplicate provider " + name)
	}
	factories.m[name] = factory
}

// New validates config and builds the selected backend.
func New(config Config) (EmbeddingService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("embeddings: %w (have %v)", err, ListProviders())
	}
	factories.RLock()
	factory := factories.m[config.Provider]
	factories.RUnlock()
	return factory(config)
}

// ListProviders returns the registered backend names in sorted order.
func ListProviders() []string {
	factories.RLock()
	defer factories.RUnlock()
	return slices.Sorted(maps.Keys(factories.m))
}

// IsRegistered reports whether name has a factory.
func IsRegistered(name string) bool {
	factories.RLock()
	defer factories.RUnlock()
	_, ok := factories.m[name]
	return ok
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
