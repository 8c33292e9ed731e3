package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aixgo-dev/orchestra/agents"
	"github.com/aixgo-dev/orchestra/internal/checkpoint"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/middleware"
	"github.com/aixgo-dev/orchestra/internal/persona"
	"github.com/aixgo-dev/orchestra/internal/routing"
	"github.com/aixgo-dev/orchestra/internal/workflow"
	"github.com/aixgo-dev/orchestra/pkg/embeddings"
	"github.com/aixgo-dev/orchestra/pkg/llm/provider"
	"github.com/aixgo-dev/orchestra/pkg/memory"
	"github.com/aixgo-dev/orchestra/pkg/memory/kv"
	"github.com/aixgo-dev/orchestra/pkg/session"
	"github.com/aixgo-dev/orchestra/pkg/tools"
)

// NewProvider builds the chat client named by cfg.
func NewProvider(cfg ProviderConfig) (provider.Provider, error) {
	return provider.New(cfg.Name, map[string]any{
		"api_key":    cfg.APIKey,
		"base_url":   cfg.BaseURL,
		"model":      cfg.Model,
		"project_id": cfg.ProjectID,
		"location":   cfg.Location,
	})
}

// FromConfig loads the personas and wires every backend cfg selects. Extra
// options are applied after the configured ones.
func FromConfig(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (o *Orchestrator, err error) {
	if logger == nil {
		logger = logging.Nop()
	}
	var closers []func() error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}
	}()

	client, err := NewProvider(cfg.Provider)
	if err != nil {
		return nil, fmt.Errorf("provider: %w", err)
	}
	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}
	descs, err := persona.LoadDir(cfg.Personas)
	if err != nil {
		return nil, err
	}
	agentOpts := []agents.Option{agents.WithModel(cfg.Provider.Model), agents.WithLogger(logger)}
	if cfg.Provider.Temperature > 0 {
		agentOpts = append(agentOpts, agents.WithTemperature(cfg.Provider.Temperature))
	}
	if cfg.Provider.MaxTokens > 0 {
		agentOpts = append(agentOpts, agents.WithMaxTokens(cfg.Provider.MaxTokens))
	}
	if cfg.Provider.MaxToolRounds > 0 {
		agentOpts = append(agentOpts, agents.WithMaxToolRounds(cfg.Provider.MaxToolRounds))
	}
	if cfg.Provider.HistoryLimit > 0 {
		agentOpts = append(agentOpts, agents.WithHistoryLimit(cfg.Provider.HistoryLimit))
	}
	registry, err := agents.CreateAgents(client, toolReg, descs, agentOpts...)
	if err != nil {
		return nil, err
	}

	embedder, err := embeddings.New(cfg.Memory.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}
	closers = append(closers, embedder.Close)

	routerOpts := []routing.Option{routing.WithLogger(logger)}
	if cfg.Routing.DefaultAgent != "" {
		routerOpts = append(routerOpts, routing.WithDefaultAgent(cfg.Routing.DefaultAgent))
	}
	if cfg.Routing.MinScore > 0 {
		routerOpts = append(routerOpts, routing.WithMinScore(cfg.Routing.MinScore))
	}
	if cfg.Routing.EmbeddingWeight > 0 {
		routerOpts = append(routerOpts, routing.WithScorer(routing.NewEmbeddingScorer(embedder, cfg.Routing.EmbeddingWeight)))
	}

	sessions, err := newSessions(cfg.Sessions, logger)
	if err != nil {
		return nil, err
	}
	closers = append(closers, sessions.Close)

	store, err := newKV(ctx, cfg.Memory)
	if err != nil {
		return nil, err
	}
	memOpts := []memory.Option{memory.WithEmbedder(embedder), memory.WithLogger(logger)}
	if cfg.Memory.TTL > 0 {
		memOpts = append(memOpts, memory.WithTTL(cfg.Memory.TTL))
	}
	if cfg.Memory.ConcurrentEmbeds > 0 {
		memOpts = append(memOpts, memory.WithConcurrentEmbeds(cfg.Memory.ConcurrentEmbeds))
	}
	mem := memory.New(store, memOpts...)
	closers = append(closers, mem.Close)

	checkpoints, err := newCheckpoints(cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	if checkpoints != nil {
		closers = append(closers, checkpoints.Close)
	}

	chain, err := middleware.FromConfig(ctx, cfg.Middleware, logger)
	if err != nil {
		return nil, fmt.Errorf("middleware: %w", err)
	}

	engineOpts := []workflow.Option{workflow.WithCheckpointEveryStep(cfg.Checkpoint.EveryStep)}
	if cfg.Workflow.MaxParallel > 0 {
		engineOpts = append(engineOpts, workflow.WithMaxParallel(cfg.Workflow.MaxParallel))
	}
	if cfg.Workflow.NodeTimeout > 0 {
		engineOpts = append(engineOpts, workflow.WithNodeTimeout(cfg.Workflow.NodeTimeout))
	}
	if cfg.Workflow.Retry.MaxTries > 0 {
		engineOpts = append(engineOpts, workflow.WithRetryPolicy(cfg.Workflow.Retry))
	}

	base := []Option{
		WithLogger(logger),
		WithRouter(routing.New(routerOpts...)),
		WithSessions(sessions),
		WithMemory(mem),
		WithMiddleware(chain),
		WithEngineOptions(engineOpts...),
		WithMaxAgents(cfg.Routing.MaxAgents),
		WithRecall(cfg.Memory.RecallTopK),
		WithFallbackMessage(cfg.FallbackMessage),
		WithCheckpointMaxAge(cfg.Checkpoint.MaxAge),
		WithCloser(embedder.Close),
	}
	if checkpoints != nil {
		base = append(base, WithCheckpoints(checkpoints))
	}
	o = New(registry, append(base, opts...)...)
	logger.Info("orchestrator ready",
		"agents", registry.Keys(),
		"provider", client.Name(),
		"sessions", cfg.Sessions.Store,
		"memory", cfg.Memory.Store,
		"checkpoints", cfg.Checkpoint.Store,
		"middleware", chain.Names(),
	)
	return o, nil
}

func newSessions(cfg SessionConfig, logger *slog.Logger) (*session.Manager, error) {
	var backend session.Backend
	switch cfg.Store {
	case "", "memory":
		backend = session.NewMemoryBackend()
	case "redis":
		b, err := session.NewRedisBackend(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("sessions: %w", err)
		}
		backend = b
	case "file":
		b, err := session.NewFileBackend(cfg.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("sessions: %w", err)
		}
		backend = b
	default:
		return nil, fmt.Errorf("sessions: unsupported store %q", cfg.Store)
	}
	return session.NewManager(backend, session.WithConfig(cfg.Config), session.WithLogger(logger)), nil
}

func newKV(ctx context.Context, cfg MemoryConfig) (kv.Store, error) {
	switch cfg.Store {
	case "", "memory":
		return kv.NewMemory(), nil
	case "redis":
		s, err := kv.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		return s, nil
	case "firestore":
		s, err := kv.NewFirestore(ctx, cfg.Firestore)
		if err != nil {
			return nil, fmt.Errorf("memory: %w", err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("memory: unsupported store %q", cfg.Store)
}

// newCheckpoints returns nil when checkpointing is off.
func newCheckpoints(cfg CheckpointConfig, logger *slog.Logger) (*checkpoint.Store, error) {
	var (
		backend checkpoint.Backend
		err     error
	)
	switch cfg.Store {
	case "none":
		return nil, nil
	case "", "memory":
		backend = checkpoint.NewMemoryBackend()
	case "file":
		backend, err = checkpoint.NewFileBackend(cfg.Path)
	case "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("checkpoint: sqlite store needs a path")
		}
		backend, err = checkpoint.NewSQLiteBackend(cfg.Path)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported store %q", cfg.Store)
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	return checkpoint.New(backend, checkpoint.WithLogger(logger)), nil
}
