// Package orchestra routes user messages to specialized agents and runs them
// singly, as a pipeline, or as a DAG, carrying conversation state per session.
//
// An Orchestrator ties the pieces together: the agent registry, the router,
// the session thread manager, long-term memory, the middleware chain, the
// workflow engine and an optional checkpoint store. Calls on different
// sessions run concurrently; calls on the same session are serialized.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/checkpoint"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/middleware"
	"github.com/aixgo-dev/orchestra/internal/observability"
	"github.com/aixgo-dev/orchestra/internal/routing"
	"github.com/aixgo-dev/orchestra/internal/workflow"
	"github.com/aixgo-dev/orchestra/pkg/memory"
	"github.com/aixgo-dev/orchestra/pkg/memory/kv"
	metrics "github.com/aixgo-dev/orchestra/pkg/observability"
	"github.com/aixgo-dev/orchestra/pkg/security"
	"github.com/aixgo-dev/orchestra/pkg/session"
)

// Defaults.
const (
	DefaultMaxAgents       = 3
	DefaultRecallTopK      = 3
	DefaultHistoryWindow   = 16
	DefaultRunTTL          = 24 * time.Hour
	DefaultFallbackMessage = "Sorry, I can't reach the model right now. Please try again in a moment."
)

// Orchestration modes, used as metric labels and in Result.Mode.
const (
	ModeSingle = "single"
	ModeMulti  = "multi"
	ModeDAG    = "dag"
)

// Metadata keys set on thread messages.
const (
	MetaRunID     = "run_id"
	MetaRequestID = "request_id"
	MetaSource    = "source"
)

var (
	// ErrRunNotFound is returned by Resume for an unknown or expired run.
	ErrRunNotFound = errors.New("run not found")
	// ErrCheckpointsDisabled is returned when no checkpoint store is set.
	ErrCheckpointsDisabled = errors.New("checkpoints are disabled")
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("message is empty")
)

// RunError reports a run that failed or was cancelled. Outputs holds what
// the completed nodes produced before the failure.
type RunError struct {
	RunID   string
	Reason  string
	Outputs map[string]string
	Err     error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed: %s", e.RunID, e.Reason)
}

func (e *RunError) Unwrap() error { return e.Err }

// Result is the outcome of one orchestration call.
type Result struct {
	Content string `json:"content"`
	// AgentUsed is the agent whose output is Content.
	AgentUsed  string   `json:"agent_used,omitempty"`
	AgentsUsed []string `json:"agents_used,omitempty"`
	TokensUsed int      `json:"tokens_used"`

	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Mode      string          `json:"mode"`
	Status    workflow.Status `json:"status"`

	// PendingRequests is set when the run suspended for human input.
	PendingRequests []workflow.PendingRequest `json:"pending_requests,omitempty"`
	CheckpointID    string                    `json:"checkpoint_id,omitempty"`

	// Degraded marks a fallback answer after the model stayed unavailable.
	Degraded bool `json:"degraded,omitempty"`
	// Outputs holds per-node outputs of a degraded run.
	Outputs map[string]string `json:"outputs,omitempty"`
	// Restarted marks a fresh run started because a checkpoint was unusable.
	Restarted bool `json:"restarted,omitempty"`
}

// origin remembers how a run was started so it can be resumed or restarted.
type origin struct {
	runID     string
	sessionID string
	message   string
	mode      string
	created   time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRouter sets the router.
func WithRouter(r *routing.Router) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.router = r
		}
	}
}

// WithSessions sets the session manager.
func WithSessions(m *session.Manager) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.sessions = m
		}
	}
}

// WithMemory sets the long-term memory store.
func WithMemory(m *memory.Store) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.memory = m
		}
	}
}

// WithCheckpoints enables checkpointing of suspended runs.
func WithCheckpoints(s *checkpoint.Store) Option {
	return func(o *Orchestrator) { o.checkpoints = s }
}

// WithMiddleware sets the interceptor chain every agent call passes through.
func WithMiddleware(c *middleware.Chain) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.chain = c
		}
	}
}

// WithEngineOptions passes options to the workflow engine.
func WithEngineOptions(opts ...workflow.Option) Option {
	return func(o *Orchestrator) { o.engineOpts = append(o.engineOpts, opts...) }
}

// WithMaxAgents bounds the pipeline length in multi-agent mode.
func WithMaxAgents(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxAgents = n
		}
	}
}

// WithRecall sets how many relevant older memories are added to agent
// context. Zero disables recall.
func WithRecall(topK int) Option {
	return func(o *Orchestrator) {
		if topK >= 0 {
			o.recallTopK = topK
		}
	}
}

// WithHistoryWindow sets how many recent thread messages agents see.
func WithHistoryWindow(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyWindow = n
		}
	}
}

// WithFallbackMessage sets the degraded response text.
func WithFallbackMessage(msg string) Option {
	return func(o *Orchestrator) {
		if msg != "" {
			o.fallback = msg
		}
	}
}

// WithRunTTL bounds how long a suspended run is kept in memory.
func WithRunTTL(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.runTTL = d
		}
	}
}

// WithCheckpointMaxAge sets the retention used by Maintain.
func WithCheckpointMaxAge(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.checkpointMaxAge = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCloser registers a resource released by Close.
func WithCloser(fn func() error) Option {
	return func(o *Orchestrator) { o.closers = append(o.closers, fn) }
}

// Orchestrator is the entry point for orchestration calls. It is safe for
// concurrent use.
type Orchestrator struct {
	agents      *agent.Registry
	router      *routing.Router
	sessions    *session.Manager
	memory      *memory.Store
	checkpoints *checkpoint.Store
	chain       *middleware.Chain
	engine      *workflow.Engine
	engineOpts  []workflow.Option

	maxAgents        int
	recallTopK       int
	historyWindow    int
	fallback         string
	runTTL           time.Duration
	checkpointMaxAge time.Duration
	logger           *slog.Logger

	mu           sync.Mutex
	suspended    map[string]*workflow.Run
	origins      map[string]origin
	byCheckpoint map[string]string
	// resuming holds runs with a resume in flight; ended holds runs that
	// completed or failed, with the time they did.
	resuming map[string]bool
	ended    map[string]time.Time

	closers []func() error
	now     func() time.Time
}

// New creates an orchestrator over a sealed agent registry. Unset
// collaborators default to in-memory implementations.
func New(agents *agent.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agents:           agents,
		maxAgents:        DefaultMaxAgents,
		recallTopK:       DefaultRecallTopK,
		historyWindow:    DefaultHistoryWindow,
		fallback:         DefaultFallbackMessage,
		runTTL:           DefaultRunTTL,
		checkpointMaxAge: DefaultCheckpointMaxAge,
		logger:           logging.Nop(),
		suspended:        make(map[string]*workflow.Run),
		origins:          make(map[string]origin),
		byCheckpoint:     make(map[string]string),
		resuming:         make(map[string]bool),
		ended:            make(map[string]time.Time),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.router == nil {
		o.router = routing.New(routing.WithLogger(o.logger))
	}
	if o.sessions == nil {
		o.sessions = session.NewManager(nil, session.WithLogger(o.logger))
	}
	if o.memory == nil {
		o.memory = memory.New(kv.NewMemory(), memory.WithLogger(o.logger))
	}
	if o.chain == nil {
		o.chain = middleware.NewChain(
			middleware.NewLogging(o.logger),
			middleware.NewMetrics(),
			middleware.NewValidation(0, security.NewInjectionDetector(security.SensitivityMedium)),
		)
	}

	engineOpts := []workflow.Option{workflow.WithInvoker(o.chain), workflow.WithLogger(o.logger)}
	if o.checkpoints != nil {
		engineOpts = append(engineOpts, workflow.WithCheckpointer(o.checkpoints))
	}
	o.engine = workflow.NewEngine(agents, append(engineOpts, o.engineOpts...)...)
	o.logger = logging.Component(o.logger, "orchestra")
	return o
}

// Agents returns the agent registry.
func (o *Orchestrator) Agents() *agent.Registry { return o.agents }

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Rejections returns recent middleware rejections.
func (o *Orchestrator) Rejections() []middleware.Rejection { return o.chain.Rejections() }

// turn is one orchestration call holding the session lock.
type turn struct {
	run     *workflow.Run
	thread  *session.Thread
	origin  origin
	answers []agent.Message
	start   time.Time
	release func()
}

// Orchestrate handles one user message. In single-agent mode the best
// matching agent answers; in multi-agent mode the relevant agents run as a
// pipeline in descending relevance order.
//
// A run that suspends for human input returns a Result with Status
// suspended and PendingRequests set; answer them with Resume. When the model
// stays unavailable after retries the Result is a degraded fallback and the
// error is nil. Other failures return a *RunError carrying partial outputs.
func (o *Orchestrator) Orchestrate(ctx context.Context, message, sessionID string, multiAgent bool) (res *Result, err error) {
	mode := ModeSingle
	if multiAgent {
		mode = ModeMulti
	}
	ctx, span := observability.StartSpan(ctx, "orchestra.orchestrate",
		attribute.String("session_id", sessionID),
		attribute.String("mode", mode),
	)
	defer func() { observability.EndSpan(span, err) }()

	t, err := o.begin(ctx, message, sessionID, mode, nil, false)
	if err != nil {
		return nil, err
	}
	defer t.release()

	for range o.engine.Execute(ctx, t.run) {
	}
	return o.finish(ctx, t)
}

// Run executes an explicit workflow definition for a message.
func (o *Orchestrator) Run(ctx context.Context, def workflow.Definition, message, sessionID string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestra.run",
		attribute.String("session_id", sessionID),
		attribute.String("kind", string(def.Kind)),
	)
	defer func() { observability.EndSpan(span, err) }()

	t, err := o.begin(ctx, message, sessionID, ModeDAG, &def, false)
	if err != nil {
		return nil, err
	}
	defer t.release()

	for range o.engine.Execute(ctx, t.run) {
	}
	return o.finish(ctx, t)
}

// Stream is Orchestrate as an event sequence with incremental agent output.
// Setup failures are yielded once as an error; run failures arrive as a
// WorkflowFailed event. When the model stays unavailable the failure is
// replaced by a Degraded WorkflowOutput carrying the fallback text and a
// Degraded WorkflowCompleted. Stopping the iteration cancels the run.
func (o *Orchestrator) Stream(ctx context.Context, message, sessionID string, multiAgent bool) iter.Seq2[workflow.Event, error] {
	mode := ModeSingle
	if multiAgent {
		mode = ModeMulti
	}
	return func(yield func(workflow.Event, error) bool) {
		ctx, span := observability.StartSpan(ctx, "orchestra.stream",
			attribute.String("session_id", sessionID),
			attribute.String("mode", mode),
		)
		t, err := o.begin(ctx, message, sessionID, mode, nil, true)
		if err != nil {
			observability.EndSpan(span, err)
			yield(workflow.Event{}, err)
			return
		}
		defer t.release()

		var (
			failed  *workflow.Event
			stopped bool
		)
		for ev := range o.engine.Execute(ctx, t.run) {
			if ev.Type == workflow.EventWorkflowFailed {
				// held until finish decides between failure and fallback
				failed = &ev
				continue
			}
			if !yield(ev, nil) {
				stopped = true
				break
			}
		}
		res, err := o.finish(ctx, t)
		observability.EndSpan(span, err)

		switch {
		case stopped:
		case res != nil && res.Degraded:
			fallback := workflow.Event{Type: workflow.EventWorkflowOutput, RunID: res.RunID, Text: res.Content, Outputs: res.Outputs, Degraded: true}
			if yield(fallback, nil) {
				yield(workflow.Event{Type: workflow.EventWorkflowCompleted, RunID: res.RunID, Degraded: true}, nil)
			}
		case failed != nil:
			yield(*failed, nil)
		}
	}
}

// Resume answers the pending requests of a suspended run and continues it.
// responses maps request ids to answers. Runs no longer held in memory are
// reloaded from their latest checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, runID string, responses map[string]string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestra.resume", attribute.String("run_id", runID))
	defer func() { observability.EndSpan(span, err) }()

	o.mu.Lock()
	run, ok := o.suspended[runID]
	org, known := o.origins[runID]
	_, ended := o.ended[runID]
	o.mu.Unlock()

	if ended {
		return nil, fmt.Errorf("%w: %s already ended", ErrRunNotFound, runID)
	}
	if !ok {
		if o.checkpoints == nil {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		run, err = o.checkpoints.Latest(ctx, runID)
		if err != nil {
			if errors.Is(err, checkpoint.ErrCheckpointNotFound) && !known {
				return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
			}
			if checkpoint.IsCorruption(err) && known {
				return o.restart(ctx, org, err)
			}
			return nil, err
		}
	}
	return o.resume(ctx, run, responses)
}

// ResumeFromCheckpoint restores a run from a checkpoint and continues it.
// When the checkpoint is corrupted or gone but the run that wrote it is
// known, the original message is orchestrated again from scratch and the
// Result is marked Restarted.
func (o *Orchestrator) ResumeFromCheckpoint(ctx context.Context, checkpointID string, responses map[string]string) (res *Result, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestra.resume_checkpoint", attribute.String("checkpoint_id", checkpointID))
	defer func() { observability.EndSpan(span, err) }()

	if o.checkpoints == nil {
		return nil, ErrCheckpointsDisabled
	}
	run, err := o.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		o.mu.Lock()
		runID, ok := o.byCheckpoint[checkpointID]
		org := o.origins[runID]
		o.mu.Unlock()
		if ok && checkpoint.IsCorruption(err) {
			return o.restart(ctx, org, err)
		}
		return nil, err
	}
	return o.resume(ctx, run, responses)
}

func (o *Orchestrator) restart(ctx context.Context, org origin, cause error) (*Result, error) {
	o.logger.Warn("checkpoint unusable, starting a fresh run",
		logging.KeyRun, org.runID, logging.KeySession, org.sessionID, "error", cause)
	o.forget(org.runID)

	// explicit definitions are not retained
	if org.mode == ModeDAG {
		return nil, fmt.Errorf("restart run %s: %w", org.runID, cause)
	}
	res, err := o.Orchestrate(ctx, org.message, org.sessionID, org.mode == ModeMulti)
	if res != nil {
		res.Restarted = true
	}
	return res, err
}

func (o *Orchestrator) resume(ctx context.Context, run *workflow.Run, responses map[string]string) (*Result, error) {
	thread, release, err := o.sessions.LockSession(ctx, run.SessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", run.SessionID, err)
	}
	if err := o.claim(ctx, run); err != nil {
		release()
		return nil, err
	}
	defer o.unclaim(run.ID)

	pending := run.PendingRequests()
	seq, err := o.engine.Resume(ctx, run, responses)
	if err != nil {
		release()
		return nil, err
	}

	o.mu.Lock()
	org, ok := o.origins[run.ID]
	delete(o.suspended, run.ID)
	o.mu.Unlock()
	if !ok {
		org = origin{runID: run.ID, sessionID: run.SessionID, message: run.Input, mode: modeOf(run.Definition), created: run.CreatedAt}
	}

	t := &turn{run: run, thread: thread, origin: org, start: o.now(), release: release}
	defer t.release()
	for _, p := range pending {
		t.answers = append(t.answers, agent.UserMessage(responses[p.RequestID]).
			WithMetadata(MetaRequestID, p.RequestID).
			WithMetadata(MetaRunID, run.ID))
	}

	for range seq {
	}
	return o.finish(ctx, t)
}

// claim reserves run for a single resume. It is called with the session
// lock held. A run copy is only resumable while no other resume holds it,
// the run has not ended, and it is the run's latest state: the copy held in
// memory, or a checkpoint that is still the newest of its run.
func (o *Orchestrator) claim(ctx context.Context, run *workflow.Run) error {
	o.mu.Lock()
	_, ended := o.ended[run.ID]
	busy := o.resuming[run.ID]
	live, held := o.suspended[run.ID]
	if !ended && !busy {
		o.resuming[run.ID] = true
	}
	o.mu.Unlock()

	switch {
	case ended:
		return fmt.Errorf("%w: %s already ended", ErrRunNotFound, run.ID)
	case busy:
		return fmt.Errorf("%w: %s is being resumed", ErrRunNotFound, run.ID)
	case held && live == run, o.checkpoints == nil, run.CheckpointID == "":
		return nil
	}

	latest, err := o.checkpoints.Latest(ctx, run.ID)
	if err == nil && latest.CheckpointID == run.CheckpointID {
		return nil
	}
	o.unclaim(run.ID)
	if err != nil && !errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return fmt.Errorf("check latest checkpoint of %s: %w", run.ID, err)
	}
	return fmt.Errorf("%w: checkpoint %s of run %s is superseded", ErrRunNotFound, run.CheckpointID, run.ID)
}

func (o *Orchestrator) unclaim(runID string) {
	o.mu.Lock()
	delete(o.resuming, runID)
	o.mu.Unlock()
}

// end forgets a run that completed or failed and remembers that it did.
func (o *Orchestrator) end(runID string) {
	o.forget(runID)
	o.mu.Lock()
	o.ended[runID] = o.now()
	o.mu.Unlock()
}

func modeOf(def workflow.Definition) string {
	switch {
	case def.Kind == workflow.KindDAG:
		return ModeDAG
	case len(def.Nodes) > 1:
		return ModeMulti
	default:
		return ModeSingle
	}
}

// begin locks the session, plans the run and gathers agent context.
func (o *Orchestrator) begin(ctx context.Context, message, sessionID, mode string, def *workflow.Definition, stream bool) (*turn, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyMessage
	}
	start := o.now()
	thread, release, err := o.sessions.LockSession(ctx, sessionID)
	if err != nil {
		metrics.RecordOrchestration(mode, "error", time.Since(start))
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	metrics.SetActiveThreads(o.sessions.Len())

	fail := func(err error) (*turn, error) {
		release()
		metrics.RecordOrchestration(mode, "error", time.Since(start))
		return nil, err
	}

	if def == nil {
		planned, err := o.plan(ctx, message, mode)
		if err != nil {
			return fail(err)
		}
		def = &planned
	}

	history := o.context(ctx, thread, message)
	run, err := o.engine.NewRun(*def, workflow.RunOptions{
		SessionID: sessionID,
		Input:     message,
		History:   history,
		Stream:    stream,
	})
	if err != nil {
		return fail(err)
	}

	o.logger.Debug("run planned", logging.KeyRun, run.ID, logging.KeySession, sessionID,
		"mode", mode, "agents", run.Definition.Agents(), "history", len(history))
	return &turn{
		run:     run,
		thread:  thread,
		origin:  origin{runID: run.ID, sessionID: sessionID, message: message, mode: mode, created: start},
		start:   start,
		release: release,
	}, nil
}

func (o *Orchestrator) plan(ctx context.Context, message, mode string) (workflow.Definition, error) {
	agents := o.agents.List()
	if mode == ModeSingle {
		a, err := o.router.SelectBestAgent(ctx, message, agents)
		if err != nil {
			return workflow.Definition{}, err
		}
		return workflow.Sequential(a.Key()), nil
	}

	selected, err := o.router.SelectRelevantAgents(ctx, message, agents, o.maxAgents)
	if err != nil {
		return workflow.Definition{}, err
	}
	keys := make([]string, len(selected))
	for i, a := range selected {
		keys[i] = a.Key()
	}
	return workflow.Sequential(keys...), nil
}

// context returns the recent thread window, preceded by relevant older
// memories that fell out of it.
func (o *Orchestrator) context(ctx context.Context, thread *session.Thread, message string) []agent.Message {
	msgs := thread.Messages()
	window := msgs
	if len(window) > o.historyWindow {
		window = window[len(window)-o.historyWindow:]
	}
	if o.recallTopK == 0 || len(msgs) <= len(window) {
		return window
	}

	entries, err := o.memory.QueryRelevant(ctx, thread.ID(), message, o.recallTopK)
	if err != nil {
		o.logger.Warn("memory recall failed", logging.KeySession, thread.ID(), "error", err)
		return window
	}
	inWindow := func(e memory.Entry) bool {
		return slices.ContainsFunc(window, func(m agent.Message) bool {
			return m.Role == e.Role && m.Content == e.Content
		})
	}
	var recalled []memory.Entry
	for _, e := range entries {
		if !inWindow(e) {
			recalled = append(recalled, e)
		}
	}
	slices.SortFunc(recalled, func(a, b memory.Entry) int { return int(a.Seq - b.Seq) })

	out := make([]agent.Message, 0, len(recalled)+len(window))
	for _, e := range recalled {
		m := agent.NewMessage(e.Role, e.Content).WithMetadata(MetaSource, "memory")
		m.Agent = e.Agent
		m.Timestamp = e.Timestamp
		out = append(out, m)
	}
	return append(out, window...)
}

// finish records the outcome of a drained run. Thread and memory writes
// happen only here so a rejected or cancelled turn leaves the thread as it
// was.
func (o *Orchestrator) finish(ctx context.Context, t *turn) (*Result, error) {
	run := t.run
	ctx = context.WithoutCancel(ctx)
	status := run.CurrentStatus()
	mode := t.origin.mode
	defer func() { metrics.RecordOrchestration(mode, string(status), time.Since(t.start)) }()

	res := &Result{
		RunID:        run.ID,
		SessionID:    run.SessionID,
		Mode:         mode,
		Status:       status,
		AgentsUsed:   slices.Clone(run.AgentsUsed),
		TokensUsed:   run.TokensUsed,
		CheckpointID: run.CheckpointID,
	}
	if n := len(res.AgentsUsed); n > 0 {
		res.AgentUsed = res.AgentsUsed[n-1]
	}

	switch status {
	case workflow.StatusCompleted:
		res.Content = run.Output
		o.record(ctx, t, agent.AssistantMessage(res.AgentUsed, run.Output).WithMetadata(MetaRunID, run.ID))
		o.end(run.ID)
		if o.checkpoints != nil && run.CheckpointID != "" {
			if _, err := o.checkpoints.Purge(ctx, run.ID); err != nil {
				o.logger.Warn("purge checkpoints failed", logging.KeyRun, run.ID, "error", err)
			}
		}
		return res, nil

	case workflow.StatusSuspended:
		res.PendingRequests = run.PendingRequests()
		prompts := make([]string, len(res.PendingRequests))
		questions := make([]agent.Message, len(res.PendingRequests))
		for i, p := range res.PendingRequests {
			prompts[i] = p.Prompt
			questions[i] = agent.AssistantMessage(p.Agent, p.Prompt).
				WithMetadata(MetaRunID, run.ID).
				WithMetadata(MetaRequestID, p.RequestID)
		}
		res.Content = strings.Join(prompts, "\n\n")
		o.record(ctx, t, questions...)

		o.mu.Lock()
		o.suspended[run.ID] = run
		o.origins[run.ID] = t.origin
		if run.CheckpointID != "" {
			o.byCheckpoint[run.CheckpointID] = run.ID
		}
		o.mu.Unlock()
		o.logger.Info("run awaiting input", logging.KeyRun, run.ID, logging.KeySession, run.SessionID, "pending", len(res.PendingRequests))
		return res, nil
	}

	// failed
	runErr := &RunError{RunID: run.ID, Reason: run.Error, Outputs: run.PartialOutputs(), Err: run.Err()}
	if run.Error == workflow.ReasonCancelled && runErr.Err == nil {
		runErr.Err = context.Canceled
	}
	o.end(run.ID)

	var up *agent.UpstreamError
	if errors.As(runErr.Err, &up) {
		o.logger.Warn("returning degraded response", logging.KeyRun, run.ID, logging.KeyAgent, up.Agent, "error", up)
		res.Content = o.fallback
		res.Degraded = true
		res.Outputs = runErr.Outputs
		status = "degraded"
		return res, nil
	}
	return nil, runErr
}

// record appends the user message, any answers, and replies to the thread
// and to long-term memory.
func (o *Orchestrator) record(ctx context.Context, t *turn, replies ...agent.Message) {
	var msgs []agent.Message
	if t.answers == nil {
		msgs = append(msgs, agent.UserMessage(t.origin.message).WithMetadata(MetaRunID, t.run.ID))
	}
	msgs = append(msgs, t.answers...)
	msgs = append(msgs, replies...)

	for _, m := range msgs {
		if _, err := o.sessions.Append(ctx, t.thread, m); err != nil {
			o.logger.Error("append to thread failed", logging.KeySession, t.thread.ID(), "error", err)
			return
		}
		if _, err := o.memory.StoreMessage(ctx, t.thread.ID(), m.Role, m.Content, m.Agent); err != nil {
			o.logger.Warn("store memory failed", logging.KeySession, t.thread.ID(), "error", err)
		}
	}
}

func (o *Orchestrator) forget(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.suspended, runID)
	delete(o.origins, runID)
	for cp, id := range o.byCheckpoint {
		if id == runID {
			delete(o.byCheckpoint, cp)
		}
	}
}

// History returns the messages of a session thread.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]agent.Message, error) {
	return o.sessions.Messages(ctx, sessionID)
}

// Suspended returns the ids of runs awaiting input, oldest first.
func (o *Orchestrator) Suspended() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.suspended))
	for id := range o.suspended {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return o.origins[a].created.Compare(o.origins[b].created)
	})
	return ids
}

// MaintenanceReport counts what Maintain removed.
type MaintenanceReport struct {
	EvictedThreads     int `json:"evicted_threads"`
	PurgedCheckpoints  int `json:"purged_checkpoints"`
	ExpiredSuspensions int `json:"expired_suspensions"`
}

// Maintain evicts idle threads, purges old checkpoints and drops suspended
// runs older than the run TTL. Dropped runs stay resumable from their
// checkpoint until it is purged.
func (o *Orchestrator) Maintain(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	report.EvictedThreads = o.sessions.EvictIdle()
	metrics.SetActiveThreads(o.sessions.Len())

	cutoff := o.now().Add(-o.runTTL)
	o.mu.Lock()
	for id, org := range o.origins {
		if _, ok := o.suspended[id]; ok && org.created.Before(cutoff) {
			delete(o.suspended, id)
			report.ExpiredSuspensions++
		}
	}
	o.mu.Unlock()
	for id := range o.originsBefore(o.now().Add(-o.checkpointMaxAge)) {
		o.forget(id)
	}
	o.mu.Lock()
	for id, at := range o.ended {
		if at.Before(o.now().Add(-o.checkpointMaxAge)) {
			delete(o.ended, id)
		}
	}
	o.mu.Unlock()

	var err error
	if o.checkpoints != nil {
		report.PurgedCheckpoints, err = o.checkpoints.PurgeOlderThan(ctx, o.checkpointMaxAge)
	}
	o.logger.Debug("maintenance done", "evicted", report.EvictedThreads,
		"purged", report.PurgedCheckpoints, "expired", report.ExpiredSuspensions)
	return report, err
}

func (o *Orchestrator) originsBefore(cutoff time.Time) map[string]origin {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]origin)
	for id, org := range o.origins {
		if org.created.Before(cutoff) {
			out[id] = org
		}
	}
	return out
}

// Ping checks the session backend.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.sessions.Ping(ctx)
}

// Close waits for background memory writes and releases backends.
func (o *Orchestrator) Close() error {
	errs := []error{o.memory.Close(), o.sessions.Close()}
	if o.checkpoints != nil {
		errs = append(errs, o.checkpoints.Close())
	}
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i]())
	}
	return errors.Join(errs...)
}
