package routing

import (
	"context"
	"strings"
	"sync"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/embeddings"
)

// EmbeddingScorer scores agents by cosine similarity between the message and
// the agent's name, instructions and capabilities, scaled by Weight. Agent
// embeddings are computed once and cached by key.
type EmbeddingScorer struct {
	Embedder embeddings.EmbeddingService
	Weight   float64

	mu    sync.Mutex
	cache map[string][]float32
}

// NewEmbeddingScorer creates a scorer with the given weight.
func NewEmbeddingScorer(e embeddings.EmbeddingService, weight float64) *EmbeddingScorer {
	return &EmbeddingScorer{Embedder: e, Weight: weight, cache: make(map[string][]float32)}
}

// Score implements Scorer. Negative similarities count as zero.
func (s *EmbeddingScorer) Score(ctx context.Context, message string, d agent.Descriptor) (float64, error) {
	if strings.TrimSpace(message) == "" {
		return 0, nil
	}
	target, err := s.agentVector(ctx, d)
	if err != nil {
		return 0, err
	}
	q, err := s.Embedder.Embed(ctx, message)
	if err != nil {
		return 0, err
	}
	return max(0, embeddings.CosineSimilarity(q, target)) * s.Weight, nil
}

func (s *EmbeddingScorer) agentVector(ctx context.Context, d agent.Descriptor) ([]float32, error) {
	s.mu.Lock()
	v, ok := s.cache[d.Key]
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	text := d.Name + "\n" + strings.Join(d.Capabilities, " ") + "\n" + d.Instructions
	v, err := s.Embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[string][]float32)
	}
	s.cache[d.Key] = v
	s.mu.Unlock()
	return v, nil
}
