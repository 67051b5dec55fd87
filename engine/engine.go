package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/arbor-labs/arborflow/core"
	"github.com/arbor-labs/arborflow/graph"
)

// inputPlaceholder is the single substitution point in task templates.
const inputPlaceholder = "{input}"

// DispatchSelector chooses which candidate profiles an orchestrator node
// dispatches to. The returned names must be a subset of candidates;
// dispatch order follows the returned order.
type DispatchSelector interface {
	Select(ctx context.Context, candidates []string, input string) ([]string, error)
}

// AllCandidates dispatches to every candidate in declared order.
type AllCandidates struct{}

// Select implements DispatchSelector.
func (AllCandidates) Select(_ context.Context, candidates []string, _ string) ([]string, error) {
	return candidates, nil
}

// Options configures an Engine.
type Options struct {
	// Publisher receives every emitted event. Required in practice;
	// nil drops events.
	Publisher EventPublisher

	// Sessions persists session records. Required.
	Sessions SessionStore

	// Executor performs agent work for task and orchestrator nodes.
	Executor core.WorkerExecutor

	// Profiles resolves capability profile names.
	Profiles core.ProfileRegistry

	// Selector picks orchestrator dispatch targets. Defaults to
	// AllCandidates.
	Selector DispatchSelector

	// Judge answers llm-kind conditions. Nil disables them.
	Judge Judge

	// Decorators wrap the event emitter, innermost first.
	Decorators []EventEmitterDecorator

	Logger *slog.Logger
}

// Engine validates graphs, runs sessions, and owns all live session state.
type Engine struct {
	publisher  EventPublisher
	sessions   SessionStore
	executor   core.WorkerExecutor
	profiles   core.ProfileRegistry
	selector   DispatchSelector
	eval       *Evaluator
	decorators []EventEmitterDecorator
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*run
}

// run is the in-memory handle of one live session.
type run struct {
	sessMu    sync.Mutex // guards sess mutations across parallel walkers
	sess      *Session
	cancel    context.CancelFunc
	cancelled atomic.Bool
	ackOnce   sync.Once

	// emitRaw bypasses cancellation suppression. It is set before the
	// run goroutine starts and never written again, so Cancel may call
	// it without holding a lock.
	emitRaw EventEmitter

	pendingMu sync.Mutex
	pending   *PendingInput
	answerCh  chan string
}

// New creates an engine.
func New(opts Options) *Engine {
	if opts.Selector == nil {
		opts.Selector = AllCandidates{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		publisher:  opts.Publisher,
		sessions:   opts.Sessions,
		executor:   opts.Executor,
		profiles:   opts.Profiles,
		selector:   opts.Selector,
		eval:       NewEvaluator(opts.Judge),
		decorators: opts.Decorators,
		logger:     opts.Logger,
	}
}

// Submit validates the graph and, when it passes, creates a session and
// starts executing it in the background. The returned findings include
// warnings even on success. On validation errors no session is created and
// the error is a *ValidationError.
func (e *Engine) Submit(g *graph.Graph, input, startNode string) (*Session, []graph.Finding, error) {
	findings := graph.Validate(g)
	findings = append(findings, e.resolveProfiles(g)...)
	if graph.HasErrors(findings) {
		return nil, findings, &ValidationError{Findings: findings}
	}

	start := startNode
	if start == "" {
		entries := g.EntryNodes()
		if len(entries) == 0 {
			return nil, findings, &ValidationError{Findings: findings}
		}
		start = entries[0]
	}
	if _, ok := g.NodeByID(start); !ok {
		return nil, findings, fmt.Errorf("%w: start node %q", graph.ErrNodeNotFound, start)
	}

	now := time.Now()
	sess := &Session{
		ID:           uuid.NewString(),
		GraphID:      g.ID(),
		InitialInput: input,
		StartNode:    start,
		Status:       SessionRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
		Graph:        g,
	}
	if err := e.sessions.Create(sess.Clone()); err != nil {
		return nil, findings, fmt.Errorf("create session: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		sess:     sess,
		cancel:   cancel,
		answerCh: make(chan string, 1),
		emitRaw:  e.newEmitter(),
	}
	e.mu.Lock()
	if e.running == nil {
		e.running = make(map[string]*run)
	}
	e.running[sess.ID] = r
	e.mu.Unlock()

	go e.execute(ctx, r)
	return sess.Clone(), findings, nil
}

// resolveProfiles checks that every profile a node would dispatch to is
// registered. The structural validator cannot see the registry, so
// unresolved bindings are reported here, before any session exists.
func (e *Engine) resolveProfiles(g *graph.Graph) []graph.Finding {
	if e.profiles == nil {
		return nil
	}
	var findings []graph.Finding
	for _, n := range g.Nodes() {
		switch n.Type {
		case core.NodeTypeTask:
			if n.Task == nil || n.Task.Profile == "" {
				continue
			}
			if _, err := e.profiles.Get(n.Task.Profile); err != nil {
				findings = append(findings, graph.Finding{
					Code:       "unknown_profile",
					Severity:   graph.SeverityError,
					NodeID:     n.ID,
					Message:    fmt.Sprintf("task node references unregistered profile %q", n.Task.Profile),
					Suggestion: "register the profile before submitting",
				})
			}
		case core.NodeTypeOrchestrator:
			if n.Orchestrator == nil {
				continue
			}
			for _, cand := range n.Orchestrator.Candidates {
				if _, err := e.profiles.Get(cand); err != nil {
					findings = append(findings, graph.Finding{
						Code:       "unknown_profile",
						Severity:   graph.SeverityError,
						NodeID:     n.ID,
						Message:    fmt.Sprintf("orchestrator candidate %q is not registered", cand),
						Suggestion: "register the profile before submitting",
					})
				}
			}
		}
	}
	return findings
}

// GetSession returns the stored session record.
func (e *Engine) GetSession(id string) (*Session, error) {
	return e.sessions.Get(id)
}

// Sessions returns all stored session records.
func (e *Engine) Sessions() ([]*Session, error) {
	return e.sessions.List()
}

// DeleteSession removes a terminal session and is rejected for live ones.
func (e *Engine) DeleteSession(id string) error {
	e.mu.Lock()
	_, live := e.running[id]
	e.mu.Unlock()
	if live {
		return fmt.Errorf("cannot delete session %s: still running", id)
	}
	return e.sessions.Delete(id)
}

// Cancel requests cooperative cancellation of a running session. The
// session transitions to cancelled, in-flight worker calls are aborted,
// and a single workflow_cancelled acknowledgement is emitted. All other
// events from the session are suppressed from that point on.
func (e *Engine) Cancel(id string) error {
	e.mu.Lock()
	r, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		sess, err := e.sessions.Get(id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: session %s is %s", ErrSessionNotRunning, id, sess.Status)
	}

	r.cancelled.Store(true)
	r.cancel()
	r.ackOnce.Do(func() {
		r.emitRaw(NewEvent(EventWorkflowCancelled, r.sess.ID))
	})

	r.sessMu.Lock()
	r.sess.Status = SessionCancelled
	r.sess.CurrentNodeID = ""
	r.sess.PendingInput = nil
	r.sess.UpdatedAt = time.Now()
	snapshot := r.sess.Clone()
	r.sessMu.Unlock()
	if err := e.sessions.Update(snapshot); err != nil {
		e.logger.Error("persist cancelled session", "session", id, "error", err)
	}
	return nil
}

// AnswerInput resumes a session paused on a user input request.
func (e *Engine) AnswerInput(id, answer string) error {
	e.mu.Lock()
	r, ok := e.running[id]
	e.mu.Unlock()
	if !ok {
		if _, err := e.sessions.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: session %s", ErrSessionNotRunning, id)
	}

	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if r.pending == nil {
		return fmt.Errorf("%w: session %s", ErrNoPendingInput, id)
	}
	select {
	case r.answerCh <- answer:
		return nil
	default:
		return fmt.Errorf("answer already in flight for session %s", id)
	}
}

// execState carries the walk state of one session execution.
type execState struct {
	e    *Engine
	r    *run
	g    *graph.Graph
	ctx  context.Context
	ec   *ExecContext
	emit EventEmitter

	mu        sync.Mutex
	edgeTaken map[string]*bool             // edge ID -> taken/untaken, nil key = unresolved
	arrivals  map[string]map[string]string // join ID -> in-edge ID -> parent output
	joinDone  map[string]bool
}

// workItem schedules one node execution with its input.
type workItem struct {
	nodeID  string
	input   string
	viaEdge string
}

// subScope bounds a nested walk inside a repeat iteration. Edges targeting
// stopAt terminate chains; terminal outputs are collected in order.
type subScope struct {
	stopAt  string
	outputs []string
}

// newEmitter builds the decorated emitter for one run, with a fresh
// per-session sequence counter.
func (e *Engine) newEmitter() EventEmitter {
	seq := &seqGen{}
	base := func(ev Event) {
		ev.Seq = seq.Next()
		if e.publisher != nil {
			e.publisher.Publish(ev)
		}
	}
	for _, d := range e.decorators {
		base = d(base)
	}
	return base
}

func (e *Engine) execute(ctx context.Context, r *run) {
	sess := r.sess
	base := r.emitRaw

	emit := func(ev Event) {
		if r.cancelled.Load() {
			return
		}
		base(ev)
	}

	x := &execState{
		e:         e,
		r:         r,
		g:         sess.Graph,
		ctx:       ctx,
		ec:        NewExecContext(),
		emit:      emit,
		edgeTaken: make(map[string]*bool),
		arrivals:  make(map[string]map[string]string),
		joinDone:  make(map[string]bool),
	}

	err := x.walk([]workItem{{nodeID: sess.StartNode, input: sess.InitialInput}}, nil)

	e.mu.Lock()
	delete(e.running, sess.ID)
	e.mu.Unlock()

	if r.cancelled.Load() {
		// Cancel already persisted the terminal state and emitted the ack.
		return
	}

	r.sessMu.Lock()
	sess.CurrentNodeID = ""
	sess.PendingInput = nil
	sess.Context = x.ec.Snapshot()
	sess.UpdatedAt = time.Now()
	if err != nil {
		sess.Status = SessionError
		sess.Error = err.Error()
	} else {
		sess.Status = SessionCompleted
	}
	snapshot := sess.Clone()
	r.sessMu.Unlock()
	if uerr := e.sessions.Update(snapshot); uerr != nil {
		e.logger.Error("persist finished session", "session", sess.ID, "error", uerr)
	}

	if err != nil {
		e.logger.Error("session failed", "session", sess.ID, "error", err)
		emit(NewEvent(EventWorkflowComplete, sess.ID).WithPayload("status", string(SessionError)).WithPayload("error", err.Error()))
		return
	}
	emit(NewEvent(EventWorkflowComplete, sess.ID).WithPayload("status", string(SessionCompleted)))
}

// walk drains a worklist depth-first. Loops re-enter the list as new items;
// bounded counters in the execution context keep them finite.
func (x *execState) walk(items []workItem, sub *subScope) error {
	for len(items) > 0 {
		if x.ctx.Err() != nil {
			return nil
		}
		it := items[0]
		items = items[1:]
		outs, err := x.runNode(it, sub)
		if err != nil {
			return err
		}
		items = append(outs, items...)
	}
	return nil
}

// runNode executes one node and returns the follow-up work items. This is
// the only place node types are dispatched; the switch is exhaustive over
// the closed set.
func (x *execState) runNode(it workItem, sub *subScope) ([]workItem, error) {
	node, ok := x.g.NodeByID(it.nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, it.nodeID)
	}

	x.setCurrent(node.ID)

	switch node.Type {
	case core.NodeTypeEntry:
		return x.runEntry(node, it, sub)
	case core.NodeTypeTask:
		return x.runTask(node, it, sub)
	case core.NodeTypeOrchestrator:
		return x.runOrchestrator(node, it, sub)
	case core.NodeTypeBranch:
		return x.runBranch(node, it, sub)
	case core.NodeTypeRepeat:
		return x.runRepeat(node, it, sub)
	case core.NodeTypeJoin:
		return x.runJoin(node, it, sub)
	default:
		return nil, fmt.Errorf("unhandled node type %q", node.Type)
	}
}

func (x *execState) runEntry(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	input := it.input
	if input == "" && node.Entry != nil {
		input = node.Entry.Input
	}

	start := x.ec.Begin(node.ID, input)
	x.emitNode(EventNodeStart, node)
	x.ec.SetOutput(node.ID, input)
	x.ec.Complete(node.ID, time.Since(start), nil)
	x.emitNode(EventNodeComplete, node, withOutput(input))
	x.persistProgress()

	edges := x.g.Successors(node.ID)
	if node.Entry != nil && node.Entry.ParallelChildren && len(edges) > 1 && sub == nil {
		return nil, x.walkParallel(edges, input)
	}
	return x.expand(node.ID, edges, input, sub), nil
}

// walkParallel runs one walker per outgoing edge concurrently. Joins
// downstream synchronize through the shared arrival state.
func (x *execState) walkParallel(edges []core.Edge, input string) error {
	g, _ := errgroup.WithContext(x.ctx)
	for _, e := range edges {
		x.markEdge(e.ID, true)
		item := workItem{nodeID: e.Target, input: input, viaEdge: e.ID}
		g.Go(func() error {
			return x.walk([]workItem{item}, nil)
		})
	}
	return g.Wait()
}

func (x *execState) runTask(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	cfg := node.Task
	start := x.ec.Begin(node.ID, it.input)
	x.emitNode(EventNodeStart, node)

	profile, err := x.e.profiles.Get(cfg.Profile)
	if err != nil {
		return x.failNode(node, sub, err)
	}

	task := strings.ReplaceAll(cfg.Template, inputPlaceholder, it.input)
	stream, err := x.e.executor.Invoke(x.ctx, core.WorkRequest{
		Task:    task,
		Profile: profile,
		Tools:   cfg.Tools,
	})
	if err != nil {
		return x.failNode(node, sub, err)
	}

	var (
		elapsed time.Duration
		usage   *core.TokenUsage
	)
	for chunk := range stream.Chunks() {
		switch {
		case chunk.Err != nil:
			return x.failNode(node, sub, chunk.Err)

		case chunk.Question != "":
			answer, err := x.awaitAnswer(node, chunk.Question)
			if err != nil {
				return nil, nil // cancelled
			}
			if err := stream.Answer(x.ctx, answer); err != nil {
				return x.failNode(node, sub, err)
			}

		case chunk.Done:
			elapsed = chunk.Elapsed
			usage = chunk.Usage

		case chunk.Delta != "":
			x.ec.AppendOutput(node.ID, chunk.Delta)
			x.emitNode(EventNodeOutput, node, withPayload("delta", chunk.Delta))
		}
	}
	if x.ctx.Err() != nil {
		return nil, nil
	}
	if elapsed == 0 {
		elapsed = time.Since(start)
	}

	output := x.ec.Output(node.ID)
	x.ec.Complete(node.ID, elapsed, usage)
	ev := NewEvent(EventNodeComplete, x.r.sess.ID).WithNode(node.ID, node.Type).WithElapsed(elapsed).WithPayload("output", output)
	if usage != nil {
		ev = ev.WithUsage(*usage)
	}
	x.emit(ev)
	x.persistProgress()

	return x.expand(node.ID, x.g.Successors(node.ID), output, sub), nil
}

// awaitAnswer pauses the session on a user input request until an answer
// arrives or the session is cancelled.
func (x *execState) awaitAnswer(node core.Node, question string) (string, error) {
	r := x.r
	pi := &PendingInput{NodeID: node.ID, Question: question}

	r.pendingMu.Lock()
	r.pending = pi
	r.pendingMu.Unlock()

	r.sessMu.Lock()
	r.sess.PendingInput = pi
	r.sess.UpdatedAt = time.Now()
	snapshot := r.sess.Clone()
	r.sessMu.Unlock()
	if err := x.e.sessions.Update(snapshot); err != nil {
		x.e.logger.Error("persist pending input", "session", r.sess.ID, "error", err)
	}

	x.emitNode(EventUserInputRequest, node, withPayload("question", question))

	var answer string
	select {
	case answer = <-r.answerCh:
	case <-x.ctx.Done():
		return "", ErrCancelled
	}

	r.pendingMu.Lock()
	r.pending = nil
	r.pendingMu.Unlock()

	r.sessMu.Lock()
	r.sess.PendingInput = nil
	r.sess.UpdatedAt = time.Now()
	snapshot = r.sess.Clone()
	r.sessMu.Unlock()
	if err := x.e.sessions.Update(snapshot); err != nil {
		x.e.logger.Error("persist resumed input", "session", r.sess.ID, "error", err)
	}
	return answer, nil
}

func (x *execState) runOrchestrator(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	cfg := node.Orchestrator
	start := x.ec.Begin(node.ID, it.input)
	x.emitNode(EventNodeStart, node)

	selected, err := x.e.selector.Select(x.ctx, cfg.Candidates, it.input)
	if err != nil {
		return x.failNode(node, sub, err)
	}
	if len(selected) == 0 {
		return x.failNode(node, sub, errors.New("selector returned no profiles"))
	}
	// The selection is part of the audit trail, so record it before any
	// worker is invoked.
	x.emitNode(EventBranchDecision, node, withPayload("selected", selected))

	task := strings.ReplaceAll(cfg.Template, inputPlaceholder, it.input)
	outputs := make([]string, len(selected))
	var (
		usageMu sync.Mutex
		total   core.TokenUsage
	)

	g, gctx := errgroup.WithContext(x.ctx)
	for i, name := range selected {
		g.Go(func() error {
			profile, err := x.e.profiles.Get(name)
			if err != nil {
				return err
			}
			stream, err := x.e.executor.Invoke(gctx, core.WorkRequest{Task: task, Profile: profile})
			if err != nil {
				return fmt.Errorf("profile %s: %w", name, err)
			}
			var out strings.Builder
			for chunk := range stream.Chunks() {
				switch {
				case chunk.Err != nil:
					return fmt.Errorf("profile %s: %w", name, chunk.Err)
				case chunk.Done:
					if chunk.Usage != nil {
						usageMu.Lock()
						total.Add(*chunk.Usage)
						usageMu.Unlock()
					}
				case chunk.Delta != "":
					out.WriteString(chunk.Delta)
					x.emitNode(EventNodeOutput, node,
						withPayload("delta", chunk.Delta),
						withPayload("profile", name))
				}
			}
			outputs[i] = out.String()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if x.ctx.Err() != nil {
			return nil, nil
		}
		return x.failNode(node, sub, err)
	}

	output := strings.Join(outputs, "\n\n")
	elapsed := time.Since(start)
	x.ec.SetOutput(node.ID, output)
	x.ec.Complete(node.ID, elapsed, &total)
	x.emit(NewEvent(EventNodeComplete, x.r.sess.ID).
		WithNode(node.ID, node.Type).
		WithElapsed(elapsed).
		WithUsage(total).
		WithPayload("output", output))
	x.persistProgress()

	return x.expand(node.ID, x.g.Successors(node.ID), output, sub), nil
}

func (x *execState) runBranch(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	cfg := node.Branch
	start := x.ec.Begin(node.ID, it.input)
	x.emitNode(EventNodeStart, node)

	iter := x.ec.BumpIterations(node.ID)
	var result bool
	switch {
	case cfg.MaxIterations > 0 && iter > cfg.MaxIterations:
		result = true
		x.emitNode(EventBranchDecision, node,
			withPayload("result", true),
			withPayload("forced", true),
			withPayload("reason", fmt.Sprintf("iteration cap %d exceeded", cfg.MaxIterations)))
	default:
		var err error
		result, err = x.e.eval.Evaluate(x.ctx, cfg.Condition, it.input)
		if err != nil {
			if x.ctx.Err() != nil {
				return nil, nil
			}
			// Evaluation failures route to the false edge by definition.
			result = false
			x.emitNode(EventConditionWarning, node,
				withPayload("condition", cfg.Condition.String()),
				withPayload("error", err.Error()))
		}
		x.emitNode(EventBranchDecision, node,
			withPayload("result", result),
			withPayload("condition", cfg.Condition.String()),
			withPayload("iteration", iter))
	}

	// Branch passes its input through unchanged.
	x.ec.SetOutput(node.ID, it.input)
	x.ec.Complete(node.ID, time.Since(start), nil)
	x.emitNode(EventNodeComplete, node, withOutput(it.input))
	x.persistProgress()

	takenPort, untakenPort := core.PortFalse, core.PortTrue
	if result {
		takenPort, untakenPort = core.PortTrue, core.PortFalse
	}

	extra := x.dropEdges(x.g.SuccessorsPort(node.ID, untakenPort), sub)
	items := x.expand(node.ID, x.g.SuccessorsPort(node.ID, takenPort), it.input, sub)
	return append(items, extra...), nil
}

func (x *execState) runRepeat(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	cfg := node.Repeat
	start := x.ec.Begin(node.ID, it.input)
	x.emitNode(EventNodeStart, node)

	loopEdges := x.g.SuccessorsPort(node.ID, core.PortLoop)
	var outputs []string
	cur := it.input

	for i := 1; i <= cfg.MaxIterations; i++ {
		if x.ctx.Err() != nil {
			return nil, nil
		}
		x.ec.BumpIterations(node.ID)

		inner := &subScope{stopAt: node.ID}
		var items []workItem
		for _, e := range loopEdges {
			x.markEdge(e.ID, true)
			items = append(items, workItem{nodeID: e.Target, input: cur, viaEdge: e.ID})
		}
		if err := x.walk(items, inner); err != nil {
			return nil, err
		}
		if x.ctx.Err() != nil {
			return nil, nil
		}

		out := strings.Join(inner.outputs, "\n")
		outputs = append(outputs, out)
		cur = out

		if cfg.Until != nil {
			done, err := x.e.eval.Evaluate(x.ctx, *cfg.Until, out)
			if err != nil {
				if x.ctx.Err() != nil {
					return nil, nil
				}
				done = false
				x.emitNode(EventConditionWarning, node,
					withPayload("condition", cfg.Until.String()),
					withPayload("error", err.Error()))
			}
			if done {
				break
			}
		}
	}

	output := strings.Join(outputs, "")
	x.ec.SetOutput(node.ID, output)
	x.ec.Complete(node.ID, time.Since(start), nil)
	x.emitNode(EventNodeComplete, node,
		withOutput(output),
		withPayload("iterations", len(outputs)))
	x.persistProgress()

	next := append(x.g.SuccessorsPort(node.ID, core.PortDone), x.g.SuccessorsPort(node.ID, "")...)
	return x.expand(node.ID, next, output, sub), nil
}

func (x *execState) runJoin(node core.Node, it workItem, sub *subScope) ([]workItem, error) {
	x.mu.Lock()
	if x.joinDone[node.ID] {
		x.mu.Unlock()
		return nil, nil
	}
	if x.arrivals[node.ID] == nil {
		x.arrivals[node.ID] = make(map[string]string)
	}
	if it.viaEdge != "" {
		x.arrivals[node.ID][it.viaEdge] = it.input
	}
	ready := x.joinReadyLocked(node.ID)
	if ready {
		x.joinDone[node.ID] = true
	}
	x.mu.Unlock()

	if !ready {
		return nil, nil
	}
	return x.completeJoin(node, sub)
}

// joinReadyLocked reports whether every incoming edge is either resolved
// untaken or has delivered its parent output. Callers hold x.mu.
func (x *execState) joinReadyLocked(joinID string) bool {
	for _, e := range x.g.Predecessors(joinID) {
		state := x.edgeTaken[e.ID]
		switch {
		case state == nil:
			return false
		case *state:
			if _, arrived := x.arrivals[joinID][e.ID]; !arrived {
				return false
			}
		}
	}
	return true
}

// completeJoin merges the arrived parent outputs in edge declaration order
// and schedules the join's successors.
func (x *execState) completeJoin(node core.Node, sub *subScope) ([]workItem, error) {
	cfg := node.Join

	x.mu.Lock()
	var parts []string
	for _, e := range x.g.Predecessors(node.ID) {
		if out, ok := x.arrivals[node.ID][e.ID]; ok {
			parts = append(parts, out)
		}
	}
	x.mu.Unlock()

	start := x.ec.Begin(node.ID, strings.Join(parts, "\n"))
	x.emitNode(EventNodeStart, node)

	output := mergeOutputs(cfg, parts)
	x.ec.SetOutput(node.ID, output)
	x.ec.Complete(node.ID, time.Since(start), nil)
	x.emitNode(EventNodeComplete, node,
		withOutput(output),
		withPayload("parents", len(parts)),
		withPayload("strategy", string(cfg.Strategy)))
	x.persistProgress()

	return x.expand(node.ID, x.g.Successors(node.ID), output, sub), nil
}

// mergeOutputs applies the join strategy to the ordered parent outputs.
func mergeOutputs(cfg *core.JoinConfig, parts []string) string {
	if len(parts) == 0 {
		return ""
	}
	switch cfg.Strategy {
	case core.MergeFirst:
		return parts[0]
	case core.MergeLast:
		return parts[len(parts)-1]
	case core.MergeTemplate:
		out := cfg.Template
		for i, p := range parts {
			out = strings.ReplaceAll(out, fmt.Sprintf("{%d}", i+1), p)
		}
		return out
	default:
		sep := cfg.Separator
		if sep == "" {
			sep = "\n"
		}
		return strings.Join(parts, sep)
	}
}

// failNode records a node failure, emits node_error, and releases the
// node's outgoing edges as untaken so downstream joins are not starved.
// The session keeps running; only this branch halts.
func (x *execState) failNode(node core.Node, sub *subScope, err error) ([]workItem, error) {
	if x.ctx.Err() != nil {
		return nil, nil
	}
	nerr := &NodeExecutionError{NodeID: node.ID, Err: err}
	x.e.logger.Warn("node failed", "session", x.r.sess.ID, "node", node.ID, "error", err)
	x.ec.Fail(node.ID, err)
	x.emitNode(EventNodeError, node, withPayload("error", nerr.Error()))
	x.persistProgress()
	return x.dropEdges(x.g.Successors(node.ID), sub), nil
}

// expand marks the given edges taken and produces follow-up work items.
// Inside a repeat iteration, edges back to the repeat node terminate the
// chain and capture the output instead.
func (x *execState) expand(nodeID string, edges []core.Edge, output string, sub *subScope) []workItem {
	if len(edges) == 0 {
		if sub != nil {
			sub.outputs = append(sub.outputs, output)
		}
		return nil
	}
	var items []workItem
	captured := false
	for _, e := range edges {
		if sub != nil && e.Target == sub.stopAt {
			if !captured {
				sub.outputs = append(sub.outputs, output)
				captured = true
			}
			continue
		}
		x.markEdge(e.ID, true)
		items = append(items, workItem{nodeID: e.Target, input: output, viaEdge: e.ID})
	}
	return items
}

// dropEdges marks edges untaken and propagates absence: a node whose
// incoming edges are all untaken is skipped, and its own outgoing edges
// are dropped in turn. Joins that become ready through a drop are
// completed and their successors returned.
func (x *execState) dropEdges(edges []core.Edge, sub *subScope) []workItem {
	var items []workItem
	for _, e := range edges {
		x.markEdge(e.ID, false)
		items = append(items, x.propagateDrop(e.Target, sub)...)
	}
	return items
}

func (x *execState) propagateDrop(nodeID string, sub *subScope) []workItem {
	node, ok := x.g.NodeByID(nodeID)
	if !ok {
		return nil
	}

	if node.Type == core.NodeTypeJoin {
		x.mu.Lock()
		if x.arrivals[node.ID] == nil {
			x.arrivals[node.ID] = make(map[string]string)
		}
		ready := !x.joinDone[node.ID] && x.joinReadyLocked(node.ID) && len(x.arrivals[node.ID]) > 0
		if ready {
			x.joinDone[node.ID] = true
		}
		x.mu.Unlock()
		if ready {
			items, err := x.completeJoin(node, sub)
			if err != nil {
				x.e.logger.Error("join completion after drop", "node", node.ID, "error", err)
				return nil
			}
			return items
		}
		return nil
	}

	// Non-join nodes are skipped only when every incoming edge is
	// resolved untaken.
	x.mu.Lock()
	allDropped := true
	for _, e := range x.g.Predecessors(nodeID) {
		state := x.edgeTaken[e.ID]
		if state == nil || *state {
			allDropped = false
			break
		}
	}
	x.mu.Unlock()
	if !allDropped {
		return nil
	}

	x.ec.MarkSkipped(nodeID)
	return x.dropEdges(x.g.Successors(nodeID), sub)
}

func (x *execState) markEdge(edgeID string, taken bool) {
	x.mu.Lock()
	t := taken
	x.edgeTaken[edgeID] = &t
	x.mu.Unlock()
}

func (x *execState) setCurrent(nodeID string) {
	x.r.sessMu.Lock()
	x.r.sess.CurrentNodeID = nodeID
	x.r.sessMu.Unlock()
}

// persistProgress pushes the latest context snapshot to the session store
// so queries observe execution as it advances.
func (x *execState) persistProgress() {
	x.r.sessMu.Lock()
	x.r.sess.Context = x.ec.Snapshot()
	x.r.sess.UpdatedAt = time.Now()
	snapshot := x.r.sess.Clone()
	x.r.sessMu.Unlock()
	if err := x.e.sessions.Update(snapshot); err != nil {
		x.e.logger.Error("persist session progress", "session", snapshot.ID, "error", err)
	}
}

type eventOption func(Event) Event

func withPayload(key string, value any) eventOption {
	return func(e Event) Event { return e.WithPayload(key, value) }
}

func withOutput(output string) eventOption {
	return withPayload("output", output)
}

func (x *execState) emitNode(kind EventKind, node core.Node, opts ...eventOption) {
	ev := NewEvent(kind, x.r.sess.ID).WithNode(node.ID, node.Type)
	for _, opt := range opts {
		ev = opt(ev)
	}
	x.emit(ev)
}
