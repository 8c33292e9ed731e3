// Package workflow runs agents over sequential and DAG topologies as a lazy
// event sequence, with human-in-the-loop suspension and checkpointing.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/orchestra/agent"
	"github.com/aixgo-dev/orchestra/internal/logging"
	"github.com/aixgo-dev/orchestra/internal/observability"
	metrics "github.com/aixgo-dev/orchestra/pkg/observability"
)

// Engine defaults.
const (
	DefaultMaxParallel     = 4
	DefaultNodeTimeout     = 60 * time.Second
	DefaultMaxTries        = 3
	DefaultInitialInterval = 200 * time.Millisecond
	DefaultMaxInterval     = 2 * time.Second
)

// Resolver looks agents up by key. *agent.Registry implements it.
type Resolver interface {
	Get(key string) (agent.Agent, error)
}

// Invoker calls an agent. *middleware.Chain implements it.
type Invoker interface {
	Invoke(ctx context.Context, a agent.Agent, inv *agent.Invocation) (*agent.Response, error)
}

type directInvoker struct{}

func (directInvoker) Invoke(ctx context.Context, a agent.Agent, inv *agent.Invocation) (*agent.Response, error) {
	return a.Invoke(ctx, inv)
}

// Checkpointer persists run snapshots and returns the checkpoint id.
type Checkpointer interface {
	Save(ctx context.Context, run *Run) (string, error)
}

// RetryPolicy bounds retries of retryable upstream failures.
type RetryPolicy struct {
	MaxTries        uint          `yaml:"max_tries" json:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// DefaultRetryPolicy returns 3 tries with 200ms to 2s exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxTries:        DefaultMaxTries,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	return b
}

// Option configures an Engine.
type Option func(*Engine)

// WithInvoker routes every agent call through inv.
func WithInvoker(inv Invoker) Option {
	return func(e *Engine) {
		if inv != nil {
			e.invoker = inv
		}
	}
}

// WithCheckpointer saves a checkpoint whenever a run suspends.
func WithCheckpointer(c Checkpointer) Option {
	return func(e *Engine) { e.checkpoints = c }
}

// WithCheckpointEveryStep also checkpoints after every completed node.
func WithCheckpointEveryStep(enabled bool) Option {
	return func(e *Engine) { e.everyStep = enabled }
}

// WithMaxParallel bounds concurrently running DAG nodes.
func WithMaxParallel(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithNodeTimeout bounds each agent call.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithRetryPolicy sets retry bounds. Zero fields keep their defaults.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) {
		if p.MaxTries > 0 {
			e.retry.MaxTries = p.MaxTries
		}
		if p.InitialInterval > 0 {
			e.retry.InitialInterval = p.InitialInterval
		}
		if p.MaxInterval > 0 {
			e.retry.MaxInterval = p.MaxInterval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// Engine executes runs. It holds no per-run state and is safe for
// concurrent use.
type Engine struct {
	agents      Resolver
	invoker     Invoker
	checkpoints Checkpointer
	everyStep   bool
	maxParallel int
	nodeTimeout time.Duration
	retry       RetryPolicy
	logger      *slog.Logger
}

// NewEngine creates an engine resolving agents from agents.
func NewEngine(agents Resolver, opts ...Option) *Engine {
	e := &Engine{
		agents:      agents,
		invoker:     directInvoker{},
		maxParallel: DefaultMaxParallel,
		nodeTimeout: DefaultNodeTimeout,
		retry:       DefaultRetryPolicy(),
		logger:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Component(e.logger, "workflow")
	return e
}

// RunOptions are the inputs of a new run.
type RunOptions struct {
	SessionID string
	Input     string
	History   []agent.Message
	Stream    bool
}

// NewRun validates def and creates a pending run. Unknown agents and
// malformed topologies fail with a *WorkflowError.
func (e *Engine) NewRun(def Definition, opts RunOptions) (*Run, error) {
	def = def.normalize()
	_, exit, err := def.compile()
	if err != nil {
		return nil, err
	}
	for _, n := range def.Nodes {
		if _, err := e.agents.Get(n.Agent); err != nil {
			return nil, &WorkflowError{Reason: fmt.Sprintf("node %q", n.ID), Err: err}
		}
	}

	history := make([]agent.Message, len(opts.History))
	for i, m := range opts.History {
		history[i] = m.Clone()
	}
	now := time.Now().UTC()
	return &Run{
		ID:         uuid.New().String(),
		SessionID:  opts.SessionID,
		Input:      opts.Input,
		Definition: def,
		Status:     StatusPending,
		Outputs:    make(map[string]string),
		Answers:    make(map[string]string),
		History:    history,
		CreatedAt:  now,
		UpdatedAt:  now,
		Stream:     opts.Stream,
		exit:       exit,
	}, nil
}

// Execute returns the event sequence of a pending run. The sequence is
// single-pass: it starts the run when first iterated and yields nothing on
// later iterations. Stopping the iteration early cancels the run.
func (e *Engine) Execute(ctx context.Context, run *Run) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if err := run.transition(StatusRunning); err != nil {
			return
		}
		e.drive(ctx, run, yield)
	}
}

// Resume answers the pending requests of a suspended run and returns the
// continuation. responses maps request ids to human answers; every pending
// request must be answered. A run restored from a checkpoint taken between
// steps has no pending requests and resumes with nil responses.
func (e *Engine) Resume(ctx context.Context, run *Run, responses map[string]string) (iter.Seq[Event], error) {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.Status != StatusSuspended {
		return nil, &WorkflowError{
			Reason: fmt.Sprintf("run %s is %s, not suspended", run.ID, run.Status),
			Err:    ErrIllegalTransition,
		}
	}
	known := make(map[string]PendingRequest, len(run.Pending))
	for _, p := range run.Pending {
		known[p.RequestID] = p
	}
	for id := range responses {
		if _, ok := known[id]; !ok {
			return nil, &WorkflowError{Reason: fmt.Sprintf("unknown request id %q", id)}
		}
	}
	for id := range known {
		if _, ok := responses[id]; !ok {
			return nil, &WorkflowError{Reason: fmt.Sprintf("missing response for request %q", id)}
		}
	}
	for id, p := range known {
		run.Answers[p.Node] = responses[id]
	}
	run.Pending = nil

	return func(yield func(Event) bool) {
		if err := run.transition(StatusRunning); err != nil {
			return
		}
		e.drive(ctx, run, yield)
	}, nil
}

type nodeResult struct {
	node  Node
	resp  *agent.Response
	err   error
	start time.Time
}

type message struct {
	event  *Event
	result *nodeResult
}

// drive schedules ready nodes until the run completes, fails or suspends.
// Only this goroutine yields and mutates run; node workers report back over
// a channel.
func (e *Engine) drive(parent context.Context, run *Run, yield func(Event) bool) {
	ctx, span := observability.StartSpan(parent, "workflow.run",
		attribute.String("run_id", run.ID),
		attribute.String("kind", string(run.Definition.Kind)),
	)
	metrics.AddActiveRuns(1)
	defer metrics.AddActiveRuns(-1)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := e.logger.With(logging.KeyRun, run.ID, logging.KeySession, run.SessionID)
	log.Debug("run started", "nodes", len(run.Definition.Nodes), "step", run.Step)

	var (
		g        errgroup.Group
		ch       = make(chan message, e.maxParallel)
		running  = make(map[string]bool)
		stopped  bool // consumer stopped iterating
		failErr  error
		failNode string
	)
	g.SetLimit(e.maxParallel)

	emit := func(ev Event) {
		if stopped {
			return
		}
		ev.RunID = run.ID
		if !yield(ev) {
			stopped = true
			cancel()
		}
	}

	for {
		if !stopped && failErr == nil && parent.Err() == nil {
			for _, n := range e.ready(run, running) {
				if len(running) >= e.maxParallel {
					break
				}
				emit(Event{Type: EventAgentStarted, Node: n.ID, Agent: n.Agent})
				if stopped {
					break
				}
				inv := e.invocation(run, n)
				running[n.ID] = true
				g.Go(func() error {
					ch <- message{result: e.runNode(ctx, n, inv, run.Stream, ch)}
					return nil
				})
			}
		}
		if len(running) == 0 {
			break
		}

		m := <-ch
		if m.event != nil {
			emit(*m.event)
			continue
		}

		res := m.result
		delete(running, res.node.ID)
		switch {
		case res.err != nil:
			if ctx.Err() != nil || failErr != nil {
				// cancelled sibling or consumer gone
				continue
			}
			failErr, failNode = res.err, res.node.ID
			log.Warn("node failed", "node", res.node.ID, logging.KeyAgent, res.node.Agent, "error", res.err)
			cancel()

		case res.resp.InfoNeeded != nil:
			if failErr != nil {
				continue
			}
			req := PendingRequest{
				RequestID: uuid.New().String(),
				Node:      res.node.ID,
				Agent:     res.node.Agent,
				Prompt:    res.resp.InfoNeeded.Prompt,
			}
			run.mu.Lock()
			run.Pending = append(run.Pending, req)
			run.TokensUsed += res.resp.TokensUsed
			run.mu.Unlock()
			emit(Event{Type: EventRequestInfo, Node: req.Node, Agent: req.Agent, RequestID: req.RequestID, Prompt: req.Prompt})

		default:
			run.mu.Lock()
			run.Outputs[res.node.ID] = res.resp.Content
			run.Completed = append(run.Completed, res.node.ID)
			run.Step = len(run.Completed)
			run.AgentsUsed = append(run.AgentsUsed, res.node.Agent)
			run.TokensUsed += res.resp.TokensUsed
			delete(run.Answers, res.node.ID)
			run.UpdatedAt = time.Now().UTC()
			run.mu.Unlock()
			log.Debug("node completed", "node", res.node.ID, "duration", time.Since(res.start))
			emit(Event{Type: EventAgentOutput, Node: res.node.ID, Agent: res.node.Agent, Text: res.resp.Content})
			if e.everyStep {
				e.checkpoint(ctx, run, log)
			}
		}
	}
	_ = g.Wait()

	switch {
	case stopped || (parent.Err() != nil && failErr == nil):
		e.fail(run, ReasonCancelled, context.Cause(parent), log)
		if parent.Err() == nil {
			// consumer stopped: the run is over but nothing may be yielded
			observability.EndSpan(span, errors.New(ReasonCancelled))
			return
		}
		emit(Event{Type: EventWorkflowFailed, Reason: ReasonCancelled, Outputs: run.PartialOutputs()})
		observability.EndSpan(span, parent.Err())

	case failErr != nil:
		reason := fmt.Sprintf("node %s: %v", failNode, failErr)
		e.fail(run, reason, failErr, log)
		emit(Event{Type: EventWorkflowFailed, Node: failNode, Reason: reason, Outputs: run.PartialOutputs()})
		observability.EndSpan(span, failErr)

	case len(run.PendingRequests()) > 0:
		if err := run.transition(StatusSuspended); err != nil {
			log.Error("suspend failed", "error", err)
		}
		e.checkpoint(context.WithoutCancel(parent), run, log)
		log.Info("run suspended", "pending", len(run.PendingRequests()))
		observability.EndSpan(span, nil)

	default:
		output := e.output(run)
		run.mu.Lock()
		run.Output = output
		err := run.transitionLocked(StatusCompleted)
		run.mu.Unlock()
		if err != nil {
			log.Error("complete failed", "error", err)
		}
		emit(Event{Type: EventWorkflowOutput, Text: output})
		emit(Event{Type: EventWorkflowCompleted})
		log.Info("run completed", "agents", run.AgentsUsed, "tokens", run.TokensUsed)
		observability.EndSpan(span, nil)
	}
}

func (e *Engine) fail(run *Run, reason string, err error, log *slog.Logger) {
	if err == nil {
		err = errors.New(reason)
	}
	run.mu.Lock()
	run.Error = reason
	run.err = err
	tErr := run.transitionLocked(StatusFailed)
	run.mu.Unlock()
	if tErr != nil {
		log.Error("fail transition", "error", tErr)
	}
	log.Info("run failed", "reason", reason, "completed", run.Step)
}

func (e *Engine) checkpoint(ctx context.Context, run *Run, log *slog.Logger) {
	if e.checkpoints == nil {
		return
	}
	id, err := e.checkpoints.Save(ctx, run)
	if err != nil {
		log.Warn("checkpoint failed", "error", err)
		return
	}
	run.mu.Lock()
	run.CheckpointID = id
	run.mu.Unlock()
}

// ready returns nodes whose predecessors have all completed, in
// declaration order.
func (e *Engine) ready(run *Run, running map[string]bool) []Node {
	run.mu.Lock()
	defer run.mu.Unlock()

	var out []Node
	for _, n := range run.Definition.Nodes {
		if running[n.ID] || run.isCompleted(n.ID) || run.isPending(n.ID) {
			continue
		}
		ok := true
		for _, p := range n.After {
			if !run.isCompleted(p) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, n)
		}
	}
	return out
}

func (e *Engine) invocation(run *Run, n Node) *agent.Invocation {
	run.mu.Lock()
	defer run.mu.Unlock()

	priors := make([]string, 0, len(n.After))
	for _, p := range n.After {
		if out := run.Outputs[p]; out != "" {
			priors = append(priors, out)
		}
	}
	history := make([]agent.Message, len(run.History))
	for i, m := range run.History {
		history[i] = m.Clone()
	}
	return &agent.Invocation{
		Agent:     n.Agent,
		SessionID: run.SessionID,
		RunID:     run.ID,
		NodeID:    n.ID,
		Input:     run.Input,
		Prior:     strings.Join(priors, "\n\n"),
		Answer:    run.Answers[n.ID],
		History:   history,
	}
}

// output resolves the workflow output of a completed run.
func (e *Engine) output(run *Run) string {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.Definition.Join == JoinConcat {
		var parts []string
		terminal := make(map[string]bool)
		for _, n := range run.Definition.Nodes {
			terminal[n.ID] = true
		}
		for _, n := range run.Definition.Nodes {
			for _, p := range n.After {
				terminal[p] = false
			}
		}
		for _, n := range run.Definition.Nodes {
			if terminal[n.ID] {
				parts = append(parts, run.Outputs[n.ID])
			}
		}
		return strings.Join(parts, "\n\n")
	}
	return run.Outputs[run.exit]
}

// runNode invokes one node with timeout and retry. It runs on a worker
// goroutine and must not touch the run.
func (e *Engine) runNode(ctx context.Context, n Node, inv *agent.Invocation, stream bool, ch chan<- message) *nodeResult {
	res := &nodeResult{node: n, start: time.Now()}

	ctx, span := observability.StartSpan(ctx, "workflow.node",
		attribute.String("node", n.ID),
		attribute.String("agent", n.Agent),
	)
	defer func() { observability.EndSpan(span, res.err) }()

	a, err := e.agents.Get(n.Agent)
	if err != nil {
		res.err = err
		return res
	}
	if stream {
		inv.OnChunk = func(chunk string) {
			ev := &Event{Type: EventAgentOutput, Node: n.ID, Agent: n.Agent, Text: chunk, Partial: true}
			select {
			case ch <- message{event: ev}:
			case <-ctx.Done():
			}
		}
	}

	attempts := 0
	op := func() (*agent.Response, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
		defer cancel()

		resp, err := e.invoker.Invoke(callCtx, a, inv)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if callCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			err = &agent.UpstreamError{Agent: n.Agent, Retryable: true, Err: fmt.Errorf("timed out after %s", e.nodeTimeout)}
		}
		var up *agent.UpstreamError
		if errors.As(err, &up) && up.Retryable {
			e.logger.Debug("retrying node", "node", n.ID, "attempt", attempts, "error", err)
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.retry.backOff()),
		backoff.WithMaxTries(e.retry.MaxTries),
	)
	if err != nil {
		var up *agent.UpstreamError
		if errors.As(err, &up) {
			cp := *up
			cp.Attempts = attempts
			err = &cp
		}
		res.err = err
		return res
	}
	if resp == nil {
		resp = &agent.Response{}
	}
	res.resp = resp
	return res
}

// Collect drains seq and returns its events.
func Collect(seq iter.Seq[Event]) []Event {
	var out []Event
	for ev := range seq {
		out = append(out, ev)
	}
	return out
}
