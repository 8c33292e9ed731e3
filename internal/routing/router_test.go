package routing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/pkg/embeddings"
)

func stub(key string, tier int, def bool, caps ...string) agent.Agent {
	return &agent.Func{
		Desc: agent.Descriptor{Key: key, Name: key, Instructions: "x", Tier: tier, Capabilities: caps, Default: def},
		Fn: func(context.Context, *agent.Invocation) (*agent.Response, error) {
			return &agent.Response{Content: key}, nil
		},
	}
}

func team() []agent.Agent {
	return []agent.Agent{
		stub("general", 0, true, "general", "help"),
		stub("deployer", 2, false, "deploy", "production", "release", "rollback"),
		stub("math", 1, false, "math", "arithmetic", "calculate", "multiply", "+", "*"),
		stub("writer", 1, false, "write", "blog post", "summary"),
	}
}

func TestSelectBestAgentDeployScenario(t *testing.T) {
	r := New()
	a, err := r.SelectBestAgent(context.Background(), "deploy this service to production", team())
	require.NoError(t, err)
	assert.Equal(t, "deployer", a.Key())
}

func TestSelectBestAgentMath(t *testing.T) {
	r := New()
	for _, msg := range []string{"What's 2+2?", "Multiply by 10", "please CALCULATE this"} {
		a, err := r.SelectBestAgent(context.Background(), msg, team())
		require.NoError(t, err)
		assert.Equal(t, "math", a.Key(), msg)
	}
}

func TestSelectBestAgentFallsBackToDefault(t *testing.T) {
	r := New()
	a, err := r.SelectBestAgent(context.Background(), "tell me a joke about cats", team())
	require.NoError(t, err)
	assert.Equal(t, "general", a.Key())
}

func TestSelectBestAgentExplicitDefault(t *testing.T) {
	r := New(WithDefaultAgent("writer"))
	a, err := r.SelectBestAgent(context.Background(), "nothing matches here", team())
	require.NoError(t, err)
	assert.Equal(t, "writer", a.Key())

	_, err = New(WithDefaultAgent("ghost")).SelectBestAgent(context.Background(), "nothing", team())
	assert.True(t, IsRoutingError(err))
}

func TestSelectBestAgentNoDefault(t *testing.T) {
	agents := []agent.Agent{stub("math", 1, false, "math")}
	_, err := New().SelectBestAgent(context.Background(), "hello there", agents)

	var re *RoutingError
	require.True(t, errors.As(err, &re))
	assert.Contains(t, re.Error(), "no default")

	_, err = New().SelectBestAgent(context.Background(), "hello", nil)
	assert.True(t, IsRoutingError(err))
}

func TestTieBreaks(t *testing.T) {
	agents := []agent.Agent{
		stub("first", 1, false, "report"),
		stub("senior", 3, false, "report"),
		stub("second", 1, false, "report"),
	}
	ranked := New().Rank(context.Background(), "write a report", agents)
	keys := []string{ranked[0].Agent.Key(), ranked[1].Agent.Key(), ranked[2].Agent.Key()}
	assert.Equal(t, []string{"senior", "first", "second"}, keys)
}

func TestSelectRelevantAgents(t *testing.T) {
	r := New()
	msg := "calculate the release numbers and write it up"

	got, err := r.SelectRelevantAgents(context.Background(), msg, team(), 3)
	require.NoError(t, err)
	keys := make([]string, len(got))
	for i, a := range got {
		keys[i] = a.Key()
	}
	// one hit each: tier 2 deployer first, then math before writer by registry order
	assert.Equal(t, []string{"deployer", "math", "writer"}, keys)

	got, err = r.SelectRelevantAgents(context.Background(), msg, team(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "deployer", got[0].Key())

	_, err = r.SelectRelevantAgents(context.Background(), msg, team(), 0)
	assert.True(t, IsRoutingError(err))
}

func TestSelectRelevantAgentsFallback(t *testing.T) {
	got, err := New().SelectRelevantAgents(context.Background(), "zzz", team(), 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "general", got[0].Key())
}

func TestRoutingDeterministic(t *testing.T) {
	r := New()
	msg := "deploy the math blog post to production"
	first, err := r.SelectRelevantAgents(context.Background(), msg, team(), 4)
	require.NoError(t, err)
	for range 50 {
		again, err := r.SelectRelevantAgents(context.Background(), msg, team(), 4)
		require.NoError(t, err)
		require.Equal(t, len(first), len(again))
		for i := range first {
			assert.Equal(t, first[i].Key(), again[i].Key())
		}
	}
}

func TestRoutingDoesNotMutateAgents(t *testing.T) {
	agents := team()
	before := agents[1].Descriptor()
	_, _ = New().SelectBestAgent(context.Background(), "Deploy to PRODUCTION", agents)
	assert.Equal(t, before, agents[1].Descriptor())
	assert.Equal(t, "general", agents[0].Key())
}

func TestKeywordMatching(t *testing.T) {
	m := newMessage("Kick off the deployment of the new blog post, go!")
	tests := []struct {
		keyword string
		want    bool
	}{
		{"deploy", true},
		{"blog post", true},
		{"post blog", false},
		{"go", true},
		{"good", false},
		{"kick", true},
		{"!", true},
		{"+", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.contains(tt.keyword), tt.keyword)
	}
}

func TestKeywordsIncludeNameWords(t *testing.T) {
	d := agent.Descriptor{Name: "Release Manager of CI", Capabilities: []string{"Deploy", "deploy", " ship "}}
	assert.Equal(t, []string{"deploy", "ship", "release", "manager"}, keywords(d))
}

type failingScorer struct{}

func (failingScorer) Score(context.Context, string, agent.Descriptor) (float64, error) {
	return 0, errors.New("embedder down")
}

func TestScorerFailureFallsBackToKeywords(t *testing.T) {
	a, err := New(WithScorer(failingScorer{})).SelectBestAgent(context.Background(), "deploy to production", team())
	require.NoError(t, err)
	assert.Equal(t, "deployer", a.Key())
}

func TestEmbeddingScorer(t *testing.T) {
	agents := []agent.Agent{
		&agent.Func{Desc: agent.Descriptor{Key: "chef", Name: "Chef", Instructions: "You cook pasta and bake bread."}},
		&agent.Func{Desc: agent.Descriptor{Key: "sre", Name: "SRE", Instructions: "You restart kubernetes pods and read logs."}},
	}
	scorer := NewEmbeddingScorer(embeddings.NewHashEmbeddings(256), 2)
	r := New(WithScorer(scorer), WithMinScore(0.1))

	a, err := r.SelectBestAgent(context.Background(), "how do I bake bread", agents)
	require.NoError(t, err)
	assert.Equal(t, "chef", a.Key())

	a, err = r.SelectBestAgent(context.Background(), "kubernetes pods keep crashing, read logs", agents)
	require.NoError(t, err)
	assert.Equal(t, "sre", a.Key())
	assert.Len(t, scorer.cache, 2)
}
