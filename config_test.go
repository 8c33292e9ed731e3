package orchestra

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoader_LoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     error
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "full config",
			content: `
personas: ./personas
provider:
  name: openai
  model: gpt-4o-mini
  api_key: sk-test
  temperature: 0.2
routing:
  default_agent: general
  min_score: 2
  max_agents: 4
sessions:
  store: file
  base_dir: /tmp/threads
  max_threads: 50
  idle_ttl: 2h
memory:
  store: redis
  redis:
    addr: localhost:6379
  recall_top_k: 5
checkpoint:
  store: sqlite
  path: /tmp/cp.db
  every_step: true
workflow:
  max_parallel: 8
  node_timeout: 30s
  retry:
    max_tries: 5
    initial_interval: 100ms
    max_interval: 1s
middleware:
  max_input_length: 1000
  injection_sensitivity: high
  requests_per_second: 5
  burst: 10
logging:
  level: debug
  format: json
server:
  addr: ":9090"
fallback_message: later
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "./personas", cfg.Personas)
				assert.Equal(t, "openai", cfg.Provider.Name)
				assert.Equal(t, "sk-test", cfg.Provider.APIKey)
				assert.InDelta(t, 0.2, cfg.Provider.Temperature, 1e-9)
				assert.Equal(t, "general", cfg.Routing.DefaultAgent)
				assert.Equal(t, 4, cfg.Routing.MaxAgents)
				assert.Equal(t, "file", cfg.Sessions.Store)
				assert.Equal(t, 50, cfg.Sessions.MaxThreads)
				assert.Equal(t, 2*time.Hour, cfg.Sessions.IdleTTL)
				assert.Equal(t, "localhost:6379", cfg.Memory.Redis.Addr)
				assert.Equal(t, 5, cfg.Memory.RecallTopK)
				assert.True(t, cfg.Checkpoint.EveryStep)
				assert.Equal(t, 30*time.Second, cfg.Workflow.NodeTimeout)
				assert.Equal(t, uint(5), cfg.Workflow.Retry.MaxTries)
				assert.Equal(t, 100*time.Millisecond, cfg.Workflow.Retry.InitialInterval)
				assert.Equal(t, "high", cfg.Middleware.InjectionSensitivity)
				assert.Equal(t, "json", cfg.Logging.Format)
				assert.Equal(t, ":9090", cfg.Server.Addr)
				assert.Equal(t, DefaultMaintenance, cfg.Server.Maintenance)
				assert.Equal(t, "later", cfg.FallbackMessage)
			},
		},
		{
			name:    "minimal config gets defaults",
			content: "personas: agents\n",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "echo", cfg.Provider.Name)
				assert.Equal(t, "memory", cfg.Sessions.Store)
				assert.Equal(t, "memory", cfg.Memory.Store)
				assert.Equal(t, "hash", cfg.Memory.Embeddings.Provider)
				assert.Equal(t, "memory", cfg.Checkpoint.Store)
				assert.Equal(t, DefaultCheckpointMaxAge, cfg.Checkpoint.MaxAge)
				assert.Equal(t, DefaultMaxAgents, cfg.Routing.MaxAgents)
				assert.Equal(t, DefaultServerAddr, cfg.Server.Addr)
				assert.Equal(t, DefaultFallbackMessage, cfg.FallbackMessage)
			},
		},
		{
			name:    "unknown field",
			content: "personas: agents\nsupervisor:\n  name: x\n",
			wantErr: "failed to parse config",
		},
		{
			name:    "invalid yaml",
			content: "personas: [agents\n",
			wantErr: "failed to parse config",
		},
		{
			name:    "unsupported store",
			content: "sessions:\n  store: etcd\n",
			wantErr: "sessions.store",
		},
		{
			name:    "redis without address",
			content: "memory:\n  store: redis\n",
			wantErr: "memory.redis.addr",
		},
		{
			name:    "firestore without project",
			content: "memory:\n  store: firestore\n",
			wantErr: "project_id",
		},
		{
			name:    "read error",
			err:     errors.New("permission denied"),
			wantErr: "failed to read config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("REDIS_ADDR", "")
			var fr FileReader = fstest.MapFS{"config.yaml": {Data: []byte(tt.content)}}
			if tt.err != nil {
				fr = readerFunc(func(string) ([]byte, error) { return nil, tt.err })
			}

			cfg, err := NewConfigLoader(fr).LoadConfig("config.yaml")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestConfigLoader_MissingFile(t *testing.T) {
	_, err := NewConfigLoader(fstest.MapFS{}).LoadConfig("nope.yaml")
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.ErrorContains(t, err, "failed to read config")
}

type readerFunc func(path string) ([]byte, error)

func (f readerFunc) ReadFile(path string) ([]byte, error) { return f(path) }

func TestConfigApplyEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := &Config{Provider: ProviderConfig{Name: "openai"}}
	cfg.ApplyEnv()
	assert.Equal(t, "sk-env", cfg.Provider.APIKey)
	assert.Equal(t, "redis:6379", cfg.Sessions.Redis.Addr)
	assert.Equal(t, "redis:6379", cfg.Memory.Redis.Addr)

	cfg = &Config{Provider: ProviderConfig{Name: "openai", APIKey: "sk-file"}}
	cfg.ApplyEnv()
	assert.Equal(t, "sk-file", cfg.Provider.APIKey)
}

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func writePersonas(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"general.yaml": "name: General Assistant\ninstructions: Answer anything.\ndefault: true\n",
		"deployer.yaml": "name: Release Engineer\ninstructions: Ship services safely.\ntier: 2\n" +
			"capabilities: [deploy, production]\n",
		"math.yaml": "name: Math Tutor\ninstructions: Solve arithmetic.\ncapabilities: [calculate]\ntools: [calculator]\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
	}
	return dir
}

func TestFromConfig(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultConfig()
	cfg.Personas = writePersonas(t)
	cfg.Sessions.Store = "file"
	cfg.Sessions.BaseDir = t.TempDir()
	cfg.Memory.Store = "redis"
	cfg.Memory.Redis.Addr = mr.Addr()
	cfg.Checkpoint.Store = "sqlite"
	cfg.Checkpoint.Path = ":memory:"
	cfg.Routing.EmbeddingWeight = 0.5
	require.NoError(t, cfg.Validate())

	o, err := FromConfig(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer o.Close()

	assert.Equal(t, []string{"deployer", "general", "math"}, o.Agents().Keys())

	res, err := o.Orchestrate(context.Background(), "deploy this service to production", "ops", false)
	require.NoError(t, err)
	assert.Equal(t, "deployer", res.AgentUsed)
	assert.Equal(t, "[Ship services safely.] deploy this service to production", res.Content)

	history, err := o.History(context.Background(), "ops")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.NoError(t, o.Ping(context.Background()))
}

func TestFromConfigErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Personas = filepath.Join(t.TempDir(), "missing")
	_, err := FromConfig(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.Personas = writePersonas(t)
	cfg.Provider.Name = "nope"
	_, err = FromConfig(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "provider")

	cfg = DefaultConfig()
	cfg.Personas = writePersonas(t)
	cfg.Checkpoint.Store = "sqlite"
	_, err = FromConfig(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "needs a path")
}
