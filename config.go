package orchestra

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/middleware"
	"github.com/aixgo-dev/orchestra/internal/workflow"
	"github.com/aixgo-dev/orchestra/pkg/embeddings"
	"github.com/aixgo-dev/orchestra/pkg/memory/kv"
	"github.com/aixgo-dev/orchestra/pkg/security"
	"github.com/aixgo-dev/orchestra/pkg/session"
)

// Config is the top-level configuration file.
type Config struct {
	// Personas is the directory of agent descriptor files.
	Personas   string            `yaml:"personas"`
	Provider   ProviderConfig    `yaml:"provider"`
	Routing    RoutingConfig     `yaml:"routing,omitempty"`
	Sessions   SessionConfig     `yaml:"sessions,omitempty"`
	Memory     MemoryConfig      `yaml:"memory,omitempty"`
	Checkpoint CheckpointConfig  `yaml:"checkpoint,omitempty"`
	Workflow   WorkflowConfig    `yaml:"workflow,omitempty"`
	Middleware middleware.Config `yaml:"middleware,omitempty"`
	Logging    logging.Config    `yaml:"logging,omitempty"`
	Server     ServerConfig      `yaml:"server,omitempty"`

	// FallbackMessage is returned as a degraded response when the model
	// provider stays unavailable after retries.
	FallbackMessage string `yaml:"fallback_message,omitempty"`
}

// ProviderConfig selects the chat client shared by all agents.
type ProviderConfig struct {
	// Name is "openai", "gemini", "bedrock" or "echo".
	Name      string `yaml:"name"`
	Model     string `yaml:"model,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	ProjectID string `yaml:"project_id,omitempty"`
	Location  string `yaml:"location,omitempty"`

	Temperature   float64 `yaml:"temperature,omitempty"`
	MaxTokens     int     `yaml:"max_tokens,omitempty"`
	MaxToolRounds int     `yaml:"max_tool_rounds,omitempty"`
	HistoryLimit  int     `yaml:"history_limit,omitempty"`
}

// RoutingConfig tunes agent selection.
type RoutingConfig struct {
	DefaultAgent string  `yaml:"default_agent,omitempty"`
	MinScore     float64 `yaml:"min_score,omitempty"`
	// MaxAgents bounds the pipeline length in multi-agent mode.
	MaxAgents int `yaml:"max_agents,omitempty"`
	// EmbeddingWeight adds embedding similarity to keyword scores; zero
	// disables it.
	EmbeddingWeight float64 `yaml:"embedding_weight,omitempty"`
}

// SessionConfig configures thread persistence.
type SessionConfig struct {
	// Store is "memory", "redis" or "file". Default: "memory".
	Store   string              `yaml:"store,omitempty"`
	BaseDir string              `yaml:"base_dir,omitempty"`
	Redis   session.RedisConfig `yaml:"redis,omitempty"`

	session.Config `yaml:",inline"`
}

// MemoryConfig configures long-term memory.
type MemoryConfig struct {
	// Store is "memory", "redis" or "firestore". Default: "memory".
	Store      string             `yaml:"store,omitempty"`
	Redis      kv.RedisConfig     `yaml:"redis,omitempty"`
	Firestore  kv.FirestoreConfig `yaml:"firestore,omitempty"`
	Embeddings embeddings.Config  `yaml:"embeddings,omitempty"`
	TTL        time.Duration      `yaml:"ttl,omitempty"`
	// RecallTopK is how many relevant older entries are added to agent
	// context. Zero disables recall.
	RecallTopK       int `yaml:"recall_top_k,omitempty"`
	ConcurrentEmbeds int `yaml:"concurrent_embeds,omitempty"`
}

// CheckpointConfig configures run checkpoints.
type CheckpointConfig struct {
	// Store is "none", "memory", "file" or "sqlite". Default: "memory".
	Store string `yaml:"store,omitempty"`
	// Path is the directory (file) or database file (sqlite).
	Path      string        `yaml:"path,omitempty"`
	EveryStep bool          `yaml:"every_step,omitempty"`
	MaxAge    time.Duration `yaml:"max_age,omitempty"`
}

// WorkflowConfig tunes the engine.
type WorkflowConfig struct {
	MaxParallel int                  `yaml:"max_parallel,omitempty"`
	NodeTimeout time.Duration        `yaml:"node_timeout,omitempty"`
	Retry       workflow.RetryPolicy `yaml:"retry,omitempty"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Addr string `yaml:"addr,omitempty"`
	// Maintenance is a cron spec for eviction and checkpoint purge.
	Maintenance string `yaml:"maintenance,omitempty"`
}

// Defaults.
const (
	DefaultServerAddr       = ":8080"
	DefaultMaintenance      = "@every 10m"
	DefaultCheckpointMaxAge = 7 * 24 * time.Hour
)

// DefaultConfig returns a config that runs offline with the echo provider.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Personas == "" {
		c.Personas = "personas"
	}
	if c.Provider.Name == "" {
		c.Provider.Name = "echo"
	}
	if c.Routing.MaxAgents <= 0 {
		c.Routing.MaxAgents = DefaultMaxAgents
	}
	if c.Sessions.Store == "" {
		c.Sessions.Store = "memory"
	}
	if c.Memory.Store == "" {
		c.Memory.Store = "memory"
	}
	if c.Memory.Embeddings.Provider == "" {
		c.Memory.Embeddings.Provider = "hash"
	}
	if c.Checkpoint.Store == "" {
		c.Checkpoint.Store = "memory"
	}
	if c.Checkpoint.MaxAge <= 0 {
		c.Checkpoint.MaxAge = DefaultCheckpointMaxAge
	}
	if c.Middleware.InjectionSensitivity == "" {
		c.Middleware.InjectionSensitivity = "medium"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultServerAddr
	}
	if c.Server.Maintenance == "" {
		c.Server.Maintenance = DefaultMaintenance
	}
	if c.FallbackMessage == "" {
		c.FallbackMessage = DefaultFallbackMessage
	}
}

// ApplyEnv overrides secrets and addresses from the environment.
func (c *Config) ApplyEnv() {
	if c.Provider.APIKey == "" {
		switch c.Provider.Name {
		case "openai":
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		if c.Sessions.Redis.Addr == "" {
			c.Sessions.Redis.Addr = addr
		}
		if c.Memory.Redis.Addr == "" {
			c.Memory.Redis.Addr = addr
		}
	}
	if c.Memory.Embeddings.OpenAI != nil && c.Memory.Embeddings.OpenAI.APIKey == "" {
		c.Memory.Embeddings.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
}

// Validate checks enumerated fields.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s: unsupported value %q (want one of %v)", field, value, allowed))
	}
	check("sessions.store", c.Sessions.Store, "memory", "redis", "file")
	check("memory.store", c.Memory.Store, "memory", "redis", "firestore")
	check("checkpoint.store", c.Checkpoint.Store, "none", "memory", "file", "sqlite")
	if c.Sessions.Store == "redis" && c.Sessions.Redis.Addr == "" {
		errs = append(errs, errors.New("sessions.redis.addr is required for the redis store"))
	}
	if c.Memory.Store == "redis" && c.Memory.Redis.Addr == "" {
		errs = append(errs, errors.New("memory.redis.addr is required for the redis store"))
	}
	if c.Memory.Store == "firestore" && c.Memory.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("memory.firestore.project_id is required for the firestore store"))
	}
	if err := c.Memory.Embeddings.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("memory.embeddings: %w", err))
	}
	if c.Routing.MinScore < 0 {
		errs = append(errs, errors.New("routing.min_score must not be negative"))
	}
	return errors.Join(errs...)
}

// FileReader interface for reading files (testable)
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file
type ConfigLoader struct {
	fileReader FileReader
	yamlParser *security.SafeYAMLParser
}

// NewConfigLoader creates a new config loader with default security limits
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return NewConfigLoaderWithLimits(fr, security.DefaultYAMLLimits())
}

// NewConfigLoaderWithLimits creates a new config loader with custom YAML security limits
func NewConfigLoaderWithLimits(fr FileReader, limits security.YAMLLimits) *ConfigLoader {
	if fr == nil {
		fr = &OSFileReader{}
	}
	return &ConfigLoader{
		fileReader: fr,
		yamlParser: security.NewSafeYAMLParser(limits),
	}
}

// LoadConfig reads, defaults and validates a config file. Unknown keys are
// rejected.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := cl.yamlParser.Unmarshal(data, &config, true); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	config.ApplyEnv()
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}
