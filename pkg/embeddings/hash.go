package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultHashDimensions is the vector size of the hashing embedder.
const DefaultHashDimensions = 256

func init() {
	Register("hash", NewHash)
}

// HashEmbeddings is a deterministic, offline embedder. Each lower-cased word
// and word bigram is hashed into a signed bucket; the vector is L2
// normalized. Texts sharing vocabulary get a high cosine similarity.
type HashEmbeddings struct {
	dims int
}

// NewHash creates a hashing embedder from config.
func NewHash(config Config) (EmbeddingService, error) {
	dims := DefaultHashDimensions
	if config.Hash != nil && config.Hash.Dimensions > 0 {
		dims = config.Hash.Dimensions
	}
	return NewHashEmbeddings(dims), nil
}

// NewHashEmbeddings creates a hashing embedder with dims buckets.
func NewHashEmbeddings(dims int) *HashEmbeddings {
	if dims <= 0 {
		dims = DefaultHashDimensions
	}
	return &HashEmbeddings{dims: dims}
}

// Embed implements EmbeddingService.
func (h *HashEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	vec := make([]float32, h.dims)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for i, w := range words {
		h.add(vec, w, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (h *HashEmbeddings) add(vec []float32, feature string, weight float32) {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	sum := f.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch implements EmbeddingService.
func (h *HashEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := h.Embed(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions implements EmbeddingService.
func (h *HashEmbeddings) Dimensions() int { return h.dims }

// ModelName implements EmbeddingService.
func (h *HashEmbeddings) ModelName() string { return fmt.Sprintf("hash-%d", h.dims) }

// Close implements EmbeddingService.
func (h *HashEmbeddings) Close() error { return nil }
