package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashEmbeddingsDeterministic(t *testing.T) {
	h := NewHashEmbeddings(64)
	a, err := h.Embed(context.Background(), "Deploy the service to production")
	require.NoError(t, err)
	b, err := h.Embed(context.Background(), "deploy the SERVICE to production!")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, CosineSimilarity(a, b), 1e-6)
}

func TestHashEmbeddingsSimilarity(t *testing.T) {
	h := NewHashEmbeddings(DefaultHashDimensions)
	ctx := context.Background()
	q, _ := h.Embed(ctx, "what is the capital of france")
	near, _ := h.Embed(ctx, "the capital of france is paris")
	far, _ := h.Embed(ctx, "kubernetes rollout failed")

	assert.Greater(t, CosineSimilarity(q, near), CosineSimilarity(q, far))
}

func TestHashEmbeddingsErrors(t *testing.T) {
	h := NewHashEmbeddings(0)
	assert.Equal(t, DefaultHashDimensions, h.Dimensions())

	_, err := h.Embed(context.Background(), "   ")
	assert.Error(t, err)
	_, err = h.EmbedBatch(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.Embed(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCosineSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 2}))
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
}

func TestNewFromConfig(t *testing.T) {
	svc, err := New(Config{Provider: "hash", Hash: &HashConfig{Dimensions: 32}})
	require.NoError(t, err)
	assert.Equal(t, 32, svc.Dimensions())
	assert.Equal(t, "hash-32", svc.ModelName())

	_, err = New(Config{})
	assert.Error(t, err)
	_, err = New(Config{Provider: "openai"})
	assert.Error(t, err)
	_, err = New(Config{Provider: "word2vec"})
	assert.Error(t, err)

	assert.Equal(t, []string{"hash", "openai"}, ListProviders())
}

func TestOpenAIEmbeddings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req struct {
			Input      []string `json:"input"`
			Model      string   `json:"model"`
			Dimensions int      `json:"dimensions"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			// reversed order to exercise index placement
			idx := len(req.Input) - 1 - i
			data[i] = map[string]any{"object": "embedding", "index": idx, "embedding": []float32{float32(idx), 0, 1}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data, "model": req.Model})
	}))
	defer srv.Close()

	svc, err := New(Config{Provider: "openai", OpenAI: &OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Dimensions: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, svc.Dimensions())

	vecs, err := svc.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0, 1}, {1, 0, 1}}, vecs)

	one, err := svc.Embed(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1}, one)
}

func TestOpenAIEmbeddingsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	svc, err := NewOpenAI(Config{OpenAI: &OpenAIConfig{APIKey: "k", BaseURL: srv.URL}})
	require.NoError(t, err)
	_, err = svc.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestOpenAICustomDimensionsRequireV3(t *testing.T) {
	_, err := NewOpenAI(Config{OpenAI: &OpenAIConfig{APIKey: "k", Model: "text-embedding-ada-002", Dimensions: 10}})
	assert.Error(t, err)
}
