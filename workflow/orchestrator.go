package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/durableflow/internal/ctxkeys"
)

// Checkpoint metadata keys written by the orchestrator.
const (
	metaPhase       = "phase"
	metaStepID      = "stepId"
	metaNext        = "next"
	metaHalted      = "halted"
	metaPauseReason = "pauseReason"
	metaOutput      = "output"
	metaAttempts    = "attempts"
	metaError       = "error"
)

// JoinInfoKey is the node-local key under which a join records how it fired.
const JoinInfoKey = "_join"

type edgeState int

const (
	edgeUndecided edgeState = iota
	edgeActive
	edgeInactive
)

// PausedNode describes a node waiting for external input.
type PausedNode struct {
	NodeID string         `json:"node_id"`
	Reason string         `json:"reason,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

// RunResult is the observable outcome of Execute, Resume or RetryNode.
type RunResult struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowName string                `json:"workflow_name"`
	Status       ExecutionStatus       `json:"status"`
	Output       map[string]any        `json:"output,omitempty"`
	PausedNodes  []PausedNode          `json:"paused_nodes,omitempty"`
	NodeStates   map[string]NodeStatus `json:"node_states"`
	History      []NodeExecution       `json:"history,omitempty"`
	Error        string                `json:"error,omitempty"`
}

type nodeOutcome struct {
	nodeID  string
	status  NodeStatus
	output  map[string]any
	reason  string
	targets []string
	halted  bool
	err     error
}

// Orchestrator drives one run: it owns the run's context, state machine and
// scheduler, and is the single writer of the context between batches.
type Orchestrator struct {
	engine *Engine
	now    func() time.Time
	opMu   sync.Mutex
	unlock func()

	executionID string
	def         *Definition
	graph       *DependencyGraph
	record      *ExecutionRecord
	execCtx     *ExecutionContext
	sm          *StateMachine
	sched       *Scheduler
	checkpoints *CheckpointManager
	retry       *RetryStrategy
	navigator   *Navigator
	joins       *JoinHandler
	history     *ExecutionHistory
	logger      *zap.Logger

	edges      map[string]edgeState
	ready      map[string]bool
	paused     map[string]PausedNode
	attached     bool
	hydratedAt   time.Time
	completedCPs []*Checkpoint
}

// ExecutionID returns the id of the initialized or attached run.
func (o *Orchestrator) ExecutionID() string {
	return o.executionID
}

// Context returns the run context.
func (o *Orchestrator) Context() *ExecutionContext {
	return o.execCtx
}

// Graph returns the run graph.
func (o *Orchestrator) Graph() *DependencyGraph {
	return o.graph
}

// Initialize validates def, creates the execution record and prepares a new
// run seeded with input. It returns the execution id.
func (o *Orchestrator) Initialize(ctx context.Context, def *Definition, input map[string]any) (string, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	graph, err := o.buildGraph(def)
	if err != nil {
		return "", err
	}
	executionID := uuid.NewString()
	record := &ExecutionRecord{
		ID:           executionID,
		WorkflowName: def.Name,
		Status:       ExecutionPending,
		StartedAt:    o.now(),
		InputData:    SanitizeMap(input),
	}
	if err := o.engine.store.CreateExecution(ctx, record); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	o.setup(def, graph, record, NewExecutionContext(executionID, input, o.engine.logger))
	o.logger.Info("workflow initialized",
		zap.Int("nodes", len(graph.Nodes)),
		zap.String("entry", graph.Entry),
		zap.Strings("critical_path", graph.CriticalPath))
	return executionID, nil
}

// Attach loads an existing run of def from the store. Node states come from
// the latest checkpoint of every node; a node caught mid-execution goes back
// to pending and runs again. The context is hydrated from the most recent
// checkpoint of the run.
func (o *Orchestrator) Attach(ctx context.Context, def *Definition, executionID string) error {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	graph, err := o.buildGraph(def)
	if err != nil {
		return err
	}
	record, err := o.engine.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if record.WorkflowName != def.Name {
		return fmt.Errorf("execution %s belongs to workflow %q, not %q", executionID, record.WorkflowName, def.Name)
	}
	o.setup(def, graph, record, NewExecutionContext(executionID, record.InputData, o.engine.logger))
	o.attached = true

	latest, err := o.checkpoints.LoadAll(ctx)
	if err != nil {
		return err
	}
	var newest *Checkpoint
	for nodeID, cp := range latest {
		if _, ok := graph.Nodes[nodeID]; !ok {
			o.logger.Warn("checkpoint for unknown node ignored", zap.String("node_id", nodeID))
			continue
		}
		if newest == nil || cp.CreatedAt.After(newest.CreatedAt) {
			newest = cp
		}
		if cp.State == StatusCompleted {
			o.completedCPs = append(o.completedCPs, cp)
		}
		o.restoreNode(cp)
	}
	sort.Slice(o.completedCPs, func(i, j int) bool {
		return o.completedCPs[i].CreatedAt.Before(o.completedCPs[j].CreatedAt)
	})
	if newest != nil {
		if err := o.restoreContext(newest); err != nil {
			return err
		}
	}
	o.logger.Info("workflow attached",
		zap.String("status", string(record.Status)),
		zap.Int("checkpoints", len(latest)))
	return nil
}

func (o *Orchestrator) restoreNode(cp *Checkpoint) {
	id := cp.NodeID
	switch cp.State {
	case StatusCompleted:
		_ = o.sm.Restore(id, StatusCompleted)
		o.sched.Restore(id, SetCompleted)
		if halted, _ := cp.Metadata[metaHalted].(bool); halted {
			o.decideEdges(id, nil, true)
		} else {
			o.decideEdges(id, metadataStrings(cp.Metadata[metaNext]), false)
		}
	case StatusPaused:
		_ = o.sm.Restore(id, StatusPaused)
		o.sched.Restore(id, SetPaused)
		reason, _ := cp.Metadata[metaPauseReason].(string)
		output, _ := cp.Metadata[metaOutput].(map[string]any)
		o.paused[id] = PausedNode{NodeID: id, Reason: reason, Output: output}
	case StatusFailed:
		_ = o.sm.Restore(id, StatusFailed)
		o.sched.Restore(id, SetFailed)
	default:
		// running or earlier: executed at least once, may run again.
		_ = o.sm.Restore(id, StatusPending)
		o.sched.Restore(id, SetWaiting)
	}
}

// hydrateFor reloads the context from the paused node's checkpoint when that
// checkpoint is the newest of the run. Otherwise the context restored by
// Attach already contains everything written after the pause.
func (o *Orchestrator) hydrateFor(ctx context.Context, nodeID string) error {
	cp, err := o.checkpoints.Load(ctx, nodeID)
	if err != nil {
		return err
	}
	if cp == nil {
		o.logger.Warn("no checkpoint for resumed node, using attached context", zap.String("node_id", nodeID))
		return nil
	}
	if cp.CreatedAt.Before(o.hydratedAt) {
		return nil
	}
	return o.restoreContext(cp)
}

// restoreContext replaces the context with the one stored in cp. Checkpoints
// of one batch are taken before sibling outputs are folded in, so outputs of
// completed nodes missing from cp are merged back in completion order.
func (o *Orchestrator) restoreContext(cp *Checkpoint) error {
	if err := o.execCtx.Restore(cp.Context); err != nil {
		return &CheckpointError{ExecutionID: o.executionID, NodeID: cp.NodeID, Op: "restore", Err: err}
	}
	o.hydratedAt = cp.CreatedAt
	for _, done := range o.completedCPs {
		if len(o.execCtx.Local(done.NodeID)) > 0 {
			continue
		}
		output := o.completedOutput(done)
		if len(output) == 0 {
			continue
		}
		o.execCtx.MergeNodeOutput(done.NodeID, output)
		o.logger.Debug("completed output restored from its checkpoint", zap.String("node_id", done.NodeID))
	}
	return nil
}

// completedOutput reads a node's output from its completion checkpoint,
// falling back to the node's entry in the checkpointed context.
func (o *Orchestrator) completedOutput(cp *Checkpoint) map[string]any {
	if out, ok := cp.Metadata[metaOutput].(map[string]any); ok {
		return out
	}
	snapshot := NewExecutionContext(o.executionID, nil, o.engine.logger)
	if err := snapshot.Restore(cp.Context); err != nil {
		return nil
	}
	out := snapshot.Local(cp.NodeID)
	delete(out, JoinInfoKey)
	return out
}

func metadataStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

func (o *Orchestrator) buildGraph(def *Definition) (*DependencyGraph, error) {
	if def == nil {
		return nil, errors.New("workflow definition is nil")
	}
	graph, err := o.engine.builder.Build(def.Nodes, def.Edges)
	if err != nil {
		return nil, err
	}
	if err := o.engine.registry.ValidateGraph(graph); err != nil {
		return nil, err
	}
	return graph, nil
}

func (o *Orchestrator) setup(def *Definition, graph *DependencyGraph, record *ExecutionRecord, execCtx *ExecutionContext) {
	e := o.engine
	o.executionID = record.ID
	o.def = def
	o.graph = graph
	o.record = record
	o.execCtx = execCtx
	o.logger = e.logger.With(
		zap.String("execution_id", record.ID),
		zap.String("workflow", def.Name),
	)
	ids := graph.NodeIDs()
	o.sm = NewStateMachine(record.ID, ids, e.recorder, e.logger)
	o.sched = NewScheduler(ids, e.config.MaxParallelNodes, func(id string) bool { return o.ready[id] }, e.logger)
	o.checkpoints = NewCheckpointManager(record.ID, e.store, e.config.Checkpoint, e.metrics, e.logger)
	o.retry = NewRetryStrategy(e.config.Retry, e.logger)
	o.navigator = NewNavigator(graph, e.logger)
	o.joins = NewJoinHandler(graph, e.logger)
	o.history = NewExecutionHistory(record.ID, def.Name)
	o.edges = make(map[string]edgeState, len(graph.Edges))
	o.ready = make(map[string]bool)
	o.paused = make(map[string]PausedNode)
	o.completedCPs = nil
}

// Execute runs the loop until the run completes, fails or suspends.
// Node failures are reported through the result; the error is reserved for
// structural problems such as a checkpoint that could not be written.
func (o *Orchestrator) Execute(ctx context.Context) (*RunResult, error) {
	if err := o.lockRun(ctx); err != nil {
		return nil, err
	}
	defer o.unlockRun()

	switch o.record.Status {
	case ExecutionCompleted, ExecutionFailed:
		return o.result(), nil
	case ExecutionPending:
		o.setExecutionStatus(ctx, ExecutionRunning, EventWorkflowStarted, map[string]any{"entry": o.graph.Entry})
	}
	return o.run(ctx)
}

// Resume re-enters the run at a paused node. data is merged into the context
// before the node executes again. Resuming a node that already completed is
// a no-op.
func (o *Orchestrator) Resume(ctx context.Context, nodeID string, data map[string]any) (*RunResult, error) {
	if err := o.lockRun(ctx); err != nil {
		return nil, err
	}
	defer o.unlockRun()

	status, ok := o.sm.Status(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if status == StatusCompleted {
		o.logger.Info("resume of completed node ignored", zap.String("node_id", nodeID))
		return o.result(), nil
	}
	if !o.sm.CanApply(nodeID, EventResume) {
		return nil, &InvalidTransitionError{ExecutionID: o.executionID, NodeID: nodeID, From: status, Event: EventResume}
	}

	if o.attached {
		if err := o.hydrateFor(ctx, nodeID); err != nil {
			return nil, err
		}
	}
	if len(data) > 0 {
		o.execCtx.MergeNodeOutput(nodeID, data)
	}
	if _, err := o.sm.Apply(ctx, nodeID, EventResume, map[string]any{"keys": sortedKeys(data)}); err != nil {
		return nil, err
	}
	if err := o.sched.Resume(nodeID); err != nil {
		return nil, err
	}
	delete(o.paused, nodeID)
	o.setExecutionStatus(ctx, ExecutionRunning, EventWorkflowResumed, map[string]any{"nodeId": nodeID})

	if err := o.runBatch(ctx, []string{nodeID}); err != nil {
		return o.fail(ctx, err.Error()), err
	}
	return o.run(ctx)
}

// RetryNode moves a failed node back to pending and continues the run.
func (o *Orchestrator) RetryNode(ctx context.Context, nodeID string) (*RunResult, error) {
	if err := o.lockRun(ctx); err != nil {
		return nil, err
	}
	defer o.unlockRun()

	if _, err := o.sm.Apply(ctx, nodeID, EventRetry, nil); err != nil {
		return nil, err
	}
	o.sched.Restore(nodeID, SetWaiting)
	for _, e := range o.graph.Outgoing(nodeID) {
		o.edges[e.ID] = edgeUndecided
	}
	o.record.ErrorMessage = ""
	o.record.CompletedAt = nil
	o.setExecutionStatus(ctx, ExecutionRunning, EventWorkflowResumed, map[string]any{"nodeId": nodeID, "retry": true})
	return o.run(ctx)
}

// Result returns the current observable state of the run.
func (o *Orchestrator) Result() *RunResult {
	return o.result()
}

func (o *Orchestrator) lockRun(ctx context.Context) error {
	if o.record == nil {
		return ErrNotInitialized
	}
	o.opMu.Lock()
	unlock, err := o.engine.lock.Lock(ctx, o.executionID)
	if err != nil {
		o.opMu.Unlock()
		return fmt.Errorf("%w: %s: %v", ErrRunLocked, o.executionID, err)
	}
	o.unlock = unlock
	return nil
}

func (o *Orchestrator) unlockRun() {
	if o.unlock != nil {
		o.unlock()
		o.unlock = nil
	}
	o.opMu.Unlock()
}

// ====== loop ======

func (o *Orchestrator) run(ctx context.Context) (*RunResult, error) {
	ctx, span := o.engine.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.execution_id", o.executionID),
		attribute.String("workflow.name", o.def.Name),
	))
	defer span.End()
	ctx = ctxkeys.WithExecutionID(ctx, o.executionID)

	// From here on the live context is authoritative.
	o.attached = false
	for {
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			return o.result(), err
		}
		// A failed node leaves its outgoing edges undecided, so nothing
		// downstream is skipped and RetryNode can pick the branch up again.
		if o.sched.HasFailed() {
			res := o.fail(ctx, o.failureMessage())
			span.SetStatus(codes.Error, res.Error)
			return res, nil
		}
		if err := o.propagateSkips(ctx); err != nil {
			return o.fail(ctx, err.Error()), err
		}
		if err := o.evaluateWaiting(ctx); err != nil {
			return o.fail(ctx, err.Error()), err
		}
		if o.sched.HasFailed() {
			res := o.fail(ctx, o.failureMessage())
			span.SetStatus(codes.Error, res.Error)
			return res, nil
		}
		if o.exitsSettled() {
			if err := o.skipLeftovers(ctx); err != nil {
				return o.fail(ctx, err.Error()), err
			}
			return o.complete(ctx), nil
		}

		batch := o.sched.GetNextNodes()
		if len(batch) == 0 {
			if o.sched.IsBlocked() {
				return o.suspend(ctx), nil
			}
			if wait, ok := o.nextJoinDeadline(); ok {
				if err := sleepContext(ctx, wait); err != nil {
					return o.result(), err
				}
				continue
			}
			msg := fmt.Sprintf("workflow stalled with waiting nodes %v", o.sched.IDs(SetWaiting))
			res := o.fail(ctx, msg)
			span.SetStatus(codes.Error, msg)
			return res, nil
		}

		for _, id := range batch {
			if err := o.startNode(ctx, id); err != nil {
				return o.fail(ctx, err.Error()), err
			}
		}
		if err := o.runBatch(ctx, batch); err != nil {
			span.RecordError(err)
			return o.fail(ctx, err.Error()), err
		}
	}
}

// startNode moves a scheduled node into running.
func (o *Orchestrator) startNode(ctx context.Context, id string) error {
	if status, _ := o.sm.Status(id); status == StatusPending || status == StatusBlocked {
		if err := o.transition(ctx, id, EventMarkReady, nil); err != nil {
			return err
		}
	}
	if err := o.transition(ctx, id, EventStart, nil); err != nil {
		return err
	}
	return o.sched.MarkRunning(id)
}

// runBatch executes running nodes concurrently and then folds their outcomes
// into the context in batch order.
func (o *Orchestrator) runBatch(ctx context.Context, ids []string) error {
	outcomes := make([]*nodeOutcome, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.sched.MaxParallel())
	for i, id := range ids {
		g.Go(func() error {
			out, err := o.executeNode(gctx, id)
			outcomes[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, out := range outcomes {
		switch out.status {
		case StatusCompleted:
			o.execCtx.MergeNodeOutput(out.nodeID, out.output)
			o.execCtx.Snapshot(out.nodeID)
			o.decideEdges(out.nodeID, out.targets, out.halted)
		case StatusPaused:
			o.paused[out.nodeID] = PausedNode{NodeID: out.nodeID, Reason: out.reason, Output: out.output}
		}
	}
	return nil
}

// executeNode runs one node that is already in running. Node failures are
// part of the outcome; a returned error aborts the run.
func (o *Orchestrator) executeNode(ctx context.Context, id string) (*nodeOutcome, error) {
	gn := o.graph.Nodes[id]
	node := gn.Node
	ctx, span := o.engine.tracer.Start(ctx, "workflow.node", trace.WithAttributes(
		attribute.String("workflow.node_id", id),
		attribute.String("workflow.node_type", string(node.Type)),
	))
	defer span.End()

	stepID := uuid.NewString()
	started := o.now()
	entry := o.history.RecordNodeStart(id, node.Type, stepID)
	step := &StepRecord{
		ID:          stepID,
		ExecutionID: o.executionID,
		NodeID:      id,
		NodeType:    node.Type,
		Status:      StatusRunning,
		InputData:   SanitizeMap(o.execCtx.ResolveConfig(node)),
		StartedAt:   started,
	}
	if err := o.engine.store.CreateStep(ctx, step); err != nil {
		o.logger.Warn("failed to create step record", zap.String("node_id", id), zap.Error(err))
	}

	if err := o.checkpoint(ctx, id, StatusRunning, o.execCtx, map[string]any{
		metaPhase:  "pre_execution",
		metaStepID: stepID,
	}); err != nil {
		return nil, err
	}

	var result *NodeResult
	rm, err := o.retryFor(node).Execute(ctx, id, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			o.engine.metrics.RecordRetry(node.Type)
		}
		res, err := o.engine.registry.Dispatch(ctx, o.engine.store, o.executionID, stepID, node, o.execCtx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	attempts := 1
	if rm != nil && rm.Attempts > 0 {
		attempts = rm.Attempts
	}

	out := &nodeOutcome{nodeID: id}
	var cpCtx *ExecutionContext
	if err == nil && !result.ShouldPause {
		cpCtx = o.execCtx.Clone()
		cpCtx.MergeNodeOutput(id, result.Output)
		if result.HaltBranch {
			out.halted = true
		} else if out.targets, err = o.navigator.Targets(id, cpCtx); err != nil {
			err = fmt.Errorf("route from %s: %w", id, err)
		}
	}

	switch {
	case err != nil:
		out.status = StatusFailed
		out.err = &NodeExecutionError{NodeID: id, NodeType: node.Type, Err: err}
		if cerr := o.checkpoint(ctx, id, StatusFailed, o.execCtx, map[string]any{
			metaStepID:   stepID,
			metaAttempts: attempts,
			metaError:    err.Error(),
		}); cerr != nil {
			return nil, cerr
		}
		if terr := o.transition(ctx, id, EventFail, map[string]any{
			PayloadError:      err.Error(),
			PayloadRetryCount: attempts - 1,
		}); terr != nil {
			return nil, terr
		}
		if serr := o.sched.MarkFailed(id); serr != nil {
			return nil, serr
		}
		span.SetStatus(codes.Error, err.Error())
		o.logger.Error("node failed",
			zap.String("node_id", id),
			zap.String("node_type", string(node.Type)),
			zap.Int("attempts", attempts),
			zap.Error(err))

	case result.ShouldPause:
		out.status = StatusPaused
		out.output = result.Output
		out.reason = result.PauseReason
		if cerr := o.checkpoint(ctx, id, StatusPaused, o.execCtx, map[string]any{
			metaStepID:      stepID,
			metaPauseReason: result.PauseReason,
			metaOutput:      SanitizeMap(result.Output),
		}); cerr != nil {
			return nil, cerr
		}
		if terr := o.transition(ctx, id, EventPause, map[string]any{"reason": result.PauseReason}); terr != nil {
			return nil, terr
		}
		if serr := o.sched.MarkPaused(id); serr != nil {
			return nil, serr
		}
		o.logger.Info("node paused",
			zap.String("node_id", id),
			zap.String("reason", result.PauseReason))

	default:
		out.status = StatusCompleted
		out.output = result.Output
		if cerr := o.checkpoint(ctx, id, StatusCompleted, cpCtx, map[string]any{
			metaStepID: stepID,
			metaNext:   out.targets,
			metaHalted: out.halted,
			metaOutput: SanitizeMap(out.output),
		}); cerr != nil {
			return nil, cerr
		}
		if terr := o.transition(ctx, id, EventComplete, nil); terr != nil {
			return nil, terr
		}
		if serr := o.sched.MarkCompleted(id); serr != nil {
			return nil, serr
		}
	}

	finished := o.now()
	step.Status = out.status
	step.OutputData = SanitizeMap(out.output)
	if out.status != StatusPaused {
		step.CompletedAt = &finished
	}
	if out.err != nil {
		step.ErrorMessage = out.err.Error()
	}
	if err := o.engine.store.UpdateStep(ctx, step); err != nil {
		o.logger.Warn("failed to update step record", zap.String("node_id", id), zap.Error(err))
	}

	duration := finished.Sub(started)
	o.history.RecordNodeEnd(entry, out.status, attempts, out.err)
	o.engine.metrics.RecordNode(node.Type, out.status, duration)
	metric := &MetricRecord{
		ExecutionID: o.executionID,
		NodeID:      id,
		NodeType:    node.Type,
		DurationMs:  duration.Milliseconds(),
		Status:      out.status,
		RetryCount:  attempts - 1,
		CreatedAt:   finished,
	}
	if out.err != nil {
		metric.ErrorMessage = out.err.Error()
	}
	if err := o.engine.store.RecordMetric(ctx, metric); err != nil {
		o.logger.Warn("failed to record node metric", zap.String("node_id", id), zap.Error(err))
	}
	return out, nil
}

func (o *Orchestrator) retryFor(node *Node) *RetryStrategy {
	_, hasAttempts := node.ConfigValue("maxAttempts")
	_, hasDelay := node.ConfigValue("retryDelayMs")
	if !hasAttempts && !hasDelay {
		return o.retry
	}
	cfg := o.engine.config.Retry
	cfg.MaxAttempts = node.ConfigInt("maxAttempts", cfg.MaxAttempts)
	cfg.InitialDelay = node.ConfigMillis("retryDelayMs", cfg.InitialDelay)
	return NewRetryStrategy(cfg, o.engine.logger)
}

func (o *Orchestrator) checkpoint(ctx context.Context, nodeID string, state NodeStatus, execCtx *ExecutionContext, metadata map[string]any) error {
	if !o.engine.config.Checkpointing {
		return nil
	}
	_, err := o.checkpoints.Save(ctx, nodeID, state, execCtx, metadata)
	return err
}

func (o *Orchestrator) transition(ctx context.Context, nodeID string, event NodeEvent, payload map[string]any) error {
	before, _ := o.sm.Status(nodeID)
	state, err := o.sm.Apply(ctx, nodeID, event, payload)
	if err != nil {
		return err
	}
	o.engine.metrics.RecordTransition(before, state.Status)
	return nil
}

// ====== routing ======

// decideEdges activates the edges from nodeID to targets and deactivates the
// rest of its outgoing edges.
func (o *Orchestrator) decideEdges(nodeID string, targets []string, halted bool) {
	taken := make(map[string]bool, len(targets))
	if !halted {
		for _, t := range targets {
			taken[t] = true
		}
	}
	for _, e := range o.graph.Outgoing(nodeID) {
		if taken[e.Target] {
			o.edges[e.ID] = edgeActive
		} else {
			o.edges[e.ID] = edgeInactive
		}
	}
}

// dependencyStatus splits the dependencies of id into those that delivered
// input, those excluded by routing, and those still undecided.
func (o *Orchestrator) dependencyStatus(id string) (delivered, excluded, pending []string) {
	bySource := make(map[string][]*Edge)
	for _, e := range o.graph.Incoming(id) {
		bySource[e.Source] = append(bySource[e.Source], e)
	}
	for _, dep := range o.graph.Nodes[id].Dependencies {
		active, inactive := 0, 0
		for _, e := range bySource[dep] {
			switch o.edges[e.ID] {
			case edgeActive:
				active++
			case edgeInactive:
				inactive++
			}
		}
		switch {
		case active > 0:
			delivered = append(delivered, dep)
		case inactive == len(bySource[dep]):
			excluded = append(excluded, dep)
		default:
			pending = append(pending, dep)
		}
	}
	return delivered, excluded, pending
}

// propagateSkips skips every waiting node whose incoming edges are all
// inactive, repeating until nothing changes.
func (o *Orchestrator) propagateSkips(ctx context.Context) error {
	for changed := true; changed; {
		changed = false
		for _, id := range o.sched.IDs(SetWaiting) {
			if len(o.graph.Nodes[id].Dependencies) == 0 {
				continue
			}
			_, excluded, _ := o.dependencyStatus(id)
			if len(excluded) < len(o.graph.Nodes[id].Dependencies) {
				continue
			}
			if err := o.skipNode(ctx, id, "all incoming branches inactive"); err != nil {
				return err
			}
			changed = true
		}
	}
	return nil
}

func (o *Orchestrator) skipNode(ctx context.Context, id, reason string) error {
	if err := o.transition(ctx, id, EventSkip, map[string]any{"reason": reason}); err != nil {
		return err
	}
	if err := o.sched.MarkSkipped(id); err != nil {
		return err
	}
	o.decideEdges(id, nil, true)
	o.logger.Debug("node skipped", zap.String("node_id", id), zap.String("reason", reason))
	return nil
}

// evaluateWaiting recomputes which waiting nodes may be promoted, blocks
// joins that have partial input and fails joins whose timeout elapsed.
func (o *Orchestrator) evaluateWaiting(ctx context.Context) error {
	now := o.now()
	o.ready = make(map[string]bool)
	for _, id := range o.sched.IDs(SetWaiting) {
		gn := o.graph.Nodes[id]
		if len(gn.Dependencies) == 0 {
			o.ready[id] = true
			continue
		}
		delivered, excluded, pending := o.dependencyStatus(id)
		total := len(gn.Dependencies) - len(excluded)
		if total == 0 {
			continue
		}
		if !gn.IsJoin {
			o.ready[id] = len(pending) == 0 && len(delivered) > 0
			continue
		}

		d := o.joins.Evaluate(id, len(delivered), total, now)
		switch {
		case d.Fail:
			if err := o.failJoin(ctx, id, d); err != nil {
				return err
			}
		case d.Ready:
			o.ready[id] = true
			o.execCtx.SetLocal(id, JoinInfoKey, map[string]any{
				"strategy":  string(gn.JoinStrategy),
				"completed": d.Completed,
				"total":     d.Total,
				"partial":   d.Partial,
				"timedOut":  d.TimedOut,
				"inputs":    delivered,
			})
		case len(delivered) > 0:
			if status, _ := o.sm.Status(id); status == StatusPending {
				if err := o.transition(ctx, id, EventBlock, map[string]any{PayloadBlockedBy: pending}); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (o *Orchestrator) failJoin(ctx context.Context, id string, d JoinDecision) error {
	msg := fmt.Sprintf("join timeout: %d of %d dependencies completed", d.Completed, d.Total)
	if err := o.transition(ctx, id, EventTimeout, map[string]any{PayloadError: msg}); err != nil {
		return err
	}
	return o.sched.MarkFailed(id)
}

func (o *Orchestrator) nextJoinDeadline() (time.Duration, bool) {
	var earliest time.Time
	for _, id := range o.sched.IDs(SetWaiting) {
		if deadline, ok := o.joins.Deadline(id); ok && (earliest.IsZero() || deadline.Before(earliest)) {
			earliest = deadline
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	wait := earliest.Sub(o.now())
	if wait > o.engine.config.JoinPollInterval {
		wait = o.engine.config.JoinPollInterval
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, true
}

func (o *Orchestrator) exitsSettled() bool {
	for _, id := range o.graph.Exits {
		set, _ := o.sched.Set(id)
		if set != SetCompleted && set != SetSkipped {
			return false
		}
	}
	return true
}

// skipLeftovers skips nodes that never ran once every exit has settled,
// such as the slower branches of a first_complete join.
func (o *Orchestrator) skipLeftovers(ctx context.Context) error {
	leftovers := append(o.sched.IDs(SetWaiting), o.sched.IDs(SetReady)...)
	for _, id := range leftovers {
		if err := o.skipNode(ctx, id, "workflow finished"); err != nil {
			return err
		}
	}
	return nil
}

// ====== run status ======

func (o *Orchestrator) complete(ctx context.Context) *RunResult {
	output := o.finalOutput()
	now := o.now()
	o.record.OutputData = SanitizeMap(output)
	o.record.CompletedAt = &now
	o.setExecutionStatus(ctx, ExecutionCompleted, EventWorkflowCompleted, nil)
	o.engine.metrics.RecordExecution(o.def.Name, ExecutionCompleted, now.Sub(o.record.StartedAt))
	o.logger.Info("workflow completed", zap.Duration("duration", now.Sub(o.record.StartedAt)))
	res := o.result()
	res.Output = output
	return res
}

func (o *Orchestrator) suspend(ctx context.Context) *RunResult {
	paused := o.sched.IDs(SetPaused)
	o.setExecutionStatus(ctx, ExecutionPaused, EventWorkflowPaused, map[string]any{"pausedNodes": paused})
	o.engine.metrics.RecordExecution(o.def.Name, ExecutionPaused, o.now().Sub(o.record.StartedAt))
	o.logger.Info("workflow paused", zap.Strings("paused_nodes", paused))
	return o.result()
}

func (o *Orchestrator) fail(ctx context.Context, msg string) *RunResult {
	now := o.now()
	o.record.ErrorMessage = msg
	o.record.CompletedAt = &now
	o.setExecutionStatus(ctx, ExecutionFailed, EventWorkflowFailed, map[string]any{PayloadError: msg})
	o.engine.metrics.RecordExecution(o.def.Name, ExecutionFailed, now.Sub(o.record.StartedAt))
	o.logger.Error("workflow failed", zap.String("error", msg))
	return o.result()
}

func (o *Orchestrator) failureMessage() string {
	var parts []string
	for _, id := range o.sched.IDs(SetFailed) {
		state, _ := o.sm.State(id)
		parts = append(parts, fmt.Sprintf("node %s: %s", id, state.Error))
	}
	return strings.Join(parts, "; ")
}

func (o *Orchestrator) setExecutionStatus(ctx context.Context, status ExecutionStatus, event EventType, payload map[string]any) {
	from := o.record.Status
	o.record.Status = status
	if err := o.engine.store.UpdateExecution(ctx, o.record); err != nil {
		o.logger.Warn("failed to update execution record",
			zap.String("status", string(status)),
			zap.Error(err))
	}
	o.engine.recorder.Record(&EventRecord{
		ExecutionID: o.executionID,
		EventType:   event,
		FromState:   string(from),
		ToState:     string(status),
		Payload:     payload,
		CreatedAt:   o.now(),
	})
}

// finalOutput is the union of the outputs of completed exit nodes.
func (o *Orchestrator) finalOutput() map[string]any {
	out := make(map[string]any)
	for _, id := range o.graph.Exits {
		if status, _ := o.sm.Status(id); status != StatusCompleted {
			continue
		}
		for k, v := range o.execCtx.Local(id) {
			if k == JoinInfoKey {
				continue
			}
			out[k] = v
		}
	}
	return out
}

func (o *Orchestrator) result() *RunResult {
	res := &RunResult{
		ExecutionID:  o.executionID,
		WorkflowName: o.def.Name,
		Status:       o.record.Status,
		Output:       o.record.OutputData,
		NodeStates:   make(map[string]NodeStatus),
		History:      o.history.GetNodes(),
		Error:        o.record.ErrorMessage,
	}
	for id, st := range o.sm.States() {
		res.NodeStates[id] = st.Status
	}
	for _, id := range o.sched.IDs(SetPaused) {
		if p, ok := o.paused[id]; ok {
			res.PausedNodes = append(res.PausedNodes, p)
		} else {
			res.PausedNodes = append(res.PausedNodes, PausedNode{NodeID: id})
		}
	}
	return res
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
