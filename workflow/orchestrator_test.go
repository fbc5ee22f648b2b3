package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// formExecutor pauses until every requiredFields entry is present.
var formExecutor = NodeExecutorFunc(func(_ context.Context, _ Store, _, _ string, node *Node, execCtx *ExecutionContext) (*NodeResult, error) {
	var missing []any
	for _, f := range node.ConfigStrings("requiredFields") {
		if v, ok := execCtx.Lookup(f); !ok || v == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return &NodeResult{ShouldPause: true, PauseReason: "missing fields", Output: map[string]any{"missingFields": missing}}, nil
	}
	return &NodeResult{Output: map[string]any{"formCompleted": true}}, nil
})

// echoExecutor copies its resolved config into the output.
var echoExecutor = NodeExecutorFunc(func(_ context.Context, _ Store, _, _ string, node *Node, execCtx *ExecutionContext) (*NodeResult, error) {
	return &NodeResult{Output: execCtx.ResolveConfig(node)}, nil
})

var passExecutor = constExecutor(nil, nil)

func testRegistry() *ExecutorRegistry {
	r := NewExecutorRegistry(nil)
	r.Register(NodeTypeStart, passExecutor)
	r.Register(NodeTypeEnd, passExecutor)
	r.Register(NodeTypeForm, formExecutor)
	r.Register(NodeTypeFunction, echoExecutor)
	return r
}

func fastConfig() EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}
	cfg.JoinPollInterval = 5 * time.Millisecond
	return cfg
}

func newTestEngine(t *testing.T, registry *ExecutorRegistry, opts ...Option) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts = append([]Option{WithEngineConfig(fastConfig())}, opts...)
	engine := NewEngine(store, registry, opts...)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, store
}

func onboardingDef() *Definition {
	return &Definition{
		Name: "onboarding",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			{ID: "form", Type: NodeTypeForm, Config: map[string]any{"requiredFields": []any{"cpf"}}},
			n("end", NodeTypeEnd),
		},
		Edges: []*Edge{e("start", "form"), e("form", "end")},
	}
}

func TestEngine_PauseAndResume(t *testing.T) {
	engine, store := newTestEngine(t, testRegistry())
	ctx := context.Background()
	def := onboardingDef()

	res, err := engine.Start(ctx, def, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ExecutionPaused, res.Status)
	require.Len(t, res.PausedNodes, 1)
	assert.Equal(t, "form", res.PausedNodes[0].NodeID)
	assert.Equal(t, []any{"cpf"}, res.PausedNodes[0].Output["missingFields"])
	assert.Equal(t, StatusCompleted, res.NodeStates["start"])
	assert.Equal(t, StatusPaused, res.NodeStates["form"])
	assert.Equal(t, StatusPending, res.NodeStates["end"])

	resumed, err := engine.Resume(ctx, def, res.ExecutionID, "form", map[string]any{"cpf": "111"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, resumed.Status)
	assert.Equal(t, StatusCompleted, resumed.NodeStates["end"])
	assert.Empty(t, resumed.PausedNodes)

	rec, err := store.GetExecution(ctx, res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.NotNil(t, rec.CompletedAt)

	// resuming a completed node changes nothing
	again, err := engine.Resume(ctx, def, res.ExecutionID, "form", map[string]any{"cpf": "222"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, again.Status)

	cps, err := store.ListCheckpoints(ctx, res.ExecutionID, "form")
	require.NoError(t, err)
	versions := make([]int, len(cps))
	for i, cp := range cps {
		versions[i] = cp.Version
	}
	assert.Equal(t, []int{1, 2, 3, 4}, versions, "running, paused, running, completed")
	assert.Equal(t, StatusCompleted, cps[3].State)
}

func TestOrchestrator_ResumeInProcess(t *testing.T) {
	engine, _ := newTestEngine(t, testRegistry())
	ctx := context.Background()

	o := engine.NewOrchestrator()
	id, err := o.Initialize(ctx, onboardingDef(), nil)
	require.NoError(t, err)
	assert.Equal(t, id, o.ExecutionID())

	res, err := o.Execute(ctx)
	require.NoError(t, err)
	require.Equal(t, ExecutionPaused, res.Status)
	_, merged := o.Context().Get("missingFields")
	assert.False(t, merged, "pause output is not merged")

	_, err = o.Resume(ctx, "end", nil)
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
	_, err = o.Resume(ctx, "ghost", nil)
	assert.ErrorIs(t, err, ErrNodeNotFound)

	res, err = o.Resume(ctx, "form", map[string]any{"cpf": "111"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status)

	cpf, _ := o.Context().Lookup("node.form.cpf")
	assert.Equal(t, "111", cpf)
	done, _ := o.Context().Get("formCompleted")
	assert.Equal(t, true, done)

	// a finished run is returned as is
	res, err = o.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status)
}

func TestEngine_ConditionalRoutingSkipsBranch(t *testing.T) {
	engine, _ := newTestEngine(t, testRegistry())
	def := &Definition{
		Name: "routing",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			{ID: "vip", Type: NodeTypeFunction, Config: map[string]any{"lane": "vip"}},
			{ID: "standard", Type: NodeTypeFunction, Config: map[string]any{"lane": "standard"}},
			{ID: "notify", Type: NodeTypeFunction, Config: map[string]any{"message": "lane {lane}"}},
			n("end", NodeTypeEnd),
		},
		Edges: []*Edge{
			{Source: "start", Target: "vip", Condition: "{amount} > 1000", Priority: IntPtr(2)},
			e("start", "standard"),
			e("vip", "notify"),
			e("standard", "notify"),
			e("notify", "end"),
		},
	}

	res, err := engine.Start(context.Background(), def, map[string]any{"amount": 50})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status)
	assert.Equal(t, StatusSkipped, res.NodeStates["vip"])
	assert.Equal(t, StatusCompleted, res.NodeStates["standard"])
	assert.Equal(t, StatusCompleted, res.NodeStates["notify"])

	res, err = engine.Start(context.Background(), def, map[string]any{"amount": 5000})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.NodeStates["vip"])
	assert.Equal(t, StatusSkipped, res.NodeStates["standard"])
}

func TestEngine_ParallelBranchesAndFinalOutput(t *testing.T) {
	var inFlight, peak atomic.Int32
	slow := NodeExecutorFunc(func(_ context.Context, _ Store, _, _ string, node *Node, _ *ExecutionContext) (*NodeResult, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return &NodeResult{Output: map[string]any{node.ID + "Done": true}}, nil
	})
	registry := testRegistry()
	registry.Register(NodeTypeHTTP, slow)

	def := &Definition{
		Name: "fanout",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			n("a", NodeTypeHTTP), n("b", NodeTypeHTTP), n("c", NodeTypeHTTP),
			{ID: "summary", Type: NodeTypeFunction, Config: map[string]any{"all": "{aDone}/{bDone}/{cDone}"}},
		},
		Edges: []*Edge{
			e("start", "a"), e("start", "b"), e("start", "c"),
			e("a", "summary"), e("b", "summary"), e("c", "summary"),
		},
	}
	cfg := fastConfig()
	cfg.MaxParallelNodes = 2
	engine, store := newTestEngine(t, registry, WithEngineConfig(cfg))

	res, err := engine.Start(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, res.Status, res.Error)
	assert.Equal(t, "true/true/true", res.Output["all"])
	assert.LessOrEqual(t, peak.Load(), int32(2))

	require.NoError(t, engine.FlushEvents(context.Background()))
	events, err := store.ListEvents(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, EventWorkflowStarted, events[0].EventType)
	assert.Equal(t, EventWorkflowCompleted, events[len(events)-1].EventType)

	metrics, err := store.ListMetrics(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Len(t, metrics, 5)
	steps, _ := store.ListSteps(context.Background(), res.ExecutionID)
	assert.Len(t, steps, 5)
}

func TestEngine_WaitAnyJoinRecordsPartialInput(t *testing.T) {
	def := &Definition{
		Name: "any",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			{ID: "fast", Type: NodeTypeFunction, Config: map[string]any{"winner": "fast"}},
			{ID: "manual", Type: NodeTypeForm, Config: map[string]any{"requiredFields": []any{"never"}}},
			{ID: "join", Type: NodeTypeEnd, Config: map[string]any{ConfigJoinStrategy: "wait_any"}},
		},
		Edges: []*Edge{e("start", "fast"), e("start", "manual"), e("fast", "join"), e("manual", "join")},
	}
	engine, _ := newTestEngine(t, testRegistry())

	o := engine.NewOrchestrator()
	_, err := o.Initialize(context.Background(), def, nil)
	require.NoError(t, err)
	res, err := o.Execute(context.Background())
	require.NoError(t, err)

	// the exit completed through the fast branch; the paused form stays paused
	assert.Equal(t, StatusCompleted, res.NodeStates["join"])
	assert.Equal(t, StatusPaused, res.NodeStates["manual"])
	info := o.Context().Local("join")[JoinInfoKey].(map[string]any)
	assert.Equal(t, true, info["partial"])
	assert.Equal(t, []string{"fast"}, info["inputs"])
	_, leaked := o.Context().Get(JoinInfoKey)
	assert.False(t, leaked)
}

func TestEngine_NodeRetryAndRetryNode(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool
	registry := testRegistry()
	registry.Register(NodeTypeWebhook, NodeExecutorFunc(func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		calls.Add(1)
		if !healthy.Load() {
			return nil, errors.New("connection refused")
		}
		return &NodeResult{Output: map[string]any{"delivered": true}}, nil
	}))
	def := &Definition{
		Name: "hook",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			{ID: "hook", Type: NodeTypeWebhook, Config: map[string]any{"maxAttempts": 3, "retryDelayMs": 1}},
			n("end", NodeTypeEnd),
		},
		Edges: []*Edge{e("start", "hook"), e("hook", "end")},
	}
	engine, store := newTestEngine(t, registry)
	ctx := context.Background()

	res, err := engine.Start(ctx, def, nil)
	require.NoError(t, err, "node failures are reported in the result")
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Contains(t, res.Error, "node hook")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, StatusFailed, res.NodeStates["hook"])
	last := res.History[len(res.History)-1]
	assert.Equal(t, 3, last.Attempts)

	healthy.Store(true)
	res, err = engine.RetryNode(ctx, def, res.ExecutionID, "hook")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	assert.Equal(t, StatusCompleted, res.NodeStates["end"])
	assert.Equal(t, int32(4), calls.Load())

	rec, _ := store.GetExecution(ctx, res.ExecutionID)
	assert.Empty(t, rec.ErrorMessage)

	_, err = engine.RetryNode(ctx, def, res.ExecutionID, "hook")
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite, "only failed nodes can be retried")
}

func TestEngine_AttachRerunsInterruptedNode(t *testing.T) {
	var calls atomic.Int32
	registry := testRegistry()
	registry.Register(NodeTypeEmail, NodeExecutorFunc(func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		calls.Add(1)
		return &NodeResult{Output: map[string]any{"sent": true}}, nil
	}))
	def := &Definition{
		Name:  "mail",
		Nodes: []*Node{n("start", NodeTypeStart), n("mail", NodeTypeEmail), n("end", NodeTypeEnd)},
		Edges: []*Edge{e("start", "mail"), e("mail", "end")},
	}
	engine, store := newTestEngine(t, registry)
	ctx := context.Background()

	o := engine.NewOrchestrator()
	id, err := o.Initialize(ctx, def, map[string]any{"to": "ada@example.com"})
	require.NoError(t, err)

	// simulate a crash after mail was checkpointed as running
	cm := NewCheckpointManager(id, store, CheckpointConfig{}, nil, nil)
	_, err = cm.Save(ctx, "start", StatusCompleted, o.Context(), map[string]any{metaNext: []string{"mail"}})
	require.NoError(t, err)
	_, err = cm.Save(ctx, "mail", StatusRunning, o.Context(), map[string]any{metaPhase: "pre_execution"})
	require.NoError(t, err)

	attached := engine.NewOrchestrator()
	require.NoError(t, attached.Attach(ctx, def, id))
	res, err := attached.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status)
	assert.Equal(t, int32(1), calls.Load())
	require.Len(t, res.History, 2)
	assert.Equal(t, "mail", res.History[0].NodeID, "start is not executed again")
	to, _ := attached.Context().Get("to")
	assert.Equal(t, "ada@example.com", to)
}

func TestOrchestrator_Errors(t *testing.T) {
	engine, _ := newTestEngine(t, testRegistry())
	ctx := context.Background()

	_, err := engine.NewOrchestrator().Execute(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)

	_, err = engine.NewOrchestrator().Initialize(ctx, nil, nil)
	assert.Error(t, err)

	unknown := &Definition{Name: "x", Nodes: []*Node{n("s", NodeTypeStart), n("o", NodeTypeOCR)}, Edges: []*Edge{e("s", "o")}}
	_, err = engine.Start(ctx, unknown, nil)
	assert.ErrorIs(t, err, ErrExecutorNotFound)

	err = engine.NewOrchestrator().Attach(ctx, onboardingDef(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)

	res, err := engine.Start(ctx, onboardingDef(), nil)
	require.NoError(t, err)
	other := onboardingDef()
	other.Name = "different"
	err = engine.NewOrchestrator().Attach(ctx, other, res.ExecutionID)
	assert.ErrorContains(t, err, "belongs to workflow")
}

func TestOrchestrator_RunLock(t *testing.T) {
	lock := NewMemoryRunLock()
	engine, _ := newTestEngine(t, testRegistry(), WithRunLock(lock))
	ctx := context.Background()

	o := engine.NewOrchestrator()
	id, err := o.Initialize(ctx, onboardingDef(), nil)
	require.NoError(t, err)

	unlock, err := lock.Lock(ctx, id)
	require.NoError(t, err)
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = o.Execute(short)
	assert.ErrorIs(t, err, ErrRunLocked)

	unlock()
	res, err := o.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionPaused, res.Status)
}

type countingMetrics struct {
	nopMetrics
	mu         sync.Mutex
	executions map[ExecutionStatus]int
	nodes      int
}

func (m *countingMetrics) RecordExecution(_ string, status ExecutionStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[status]++
}

func (m *countingMetrics) RecordNode(NodeType, NodeStatus, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes++
}

func TestEngine_TracingAndMetrics(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	metrics := &countingMetrics{executions: map[ExecutionStatus]int{}}

	engine, _ := newTestEngine(t, testRegistry(), WithTracer(tp.Tracer("test")), WithMetrics(metrics))
	res, err := engine.Start(context.Background(), onboardingDef(), map[string]any{"cpf": "1"})
	require.NoError(t, err)
	require.Equal(t, ExecutionCompleted, res.Status)

	names := map[string]int{}
	for _, span := range exporter.GetSpans() {
		names[span.Name]++
	}
	assert.Equal(t, 1, names["workflow.run"])
	assert.Equal(t, 3, names["workflow.node"])
	assert.Equal(t, 1, metrics.executions[ExecutionCompleted])
	assert.Equal(t, 3, metrics.nodes)
}

func TestEngine_CheckpointingDisabled(t *testing.T) {
	cfg := fastConfig()
	cfg.Checkpointing = false
	engine, store := newTestEngine(t, testRegistry(), WithEngineConfig(cfg))

	res, err := engine.Start(context.Background(), onboardingDef(), map[string]any{"cpf": "1"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status)
	cps, err := store.ListExecutionCheckpoints(context.Background(), res.ExecutionID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

func TestOrchestrator_RetryNodeInProcess(t *testing.T) {
	var healthy atomic.Bool
	registry := testRegistry()
	registry.Register(NodeTypeWebhook, NodeExecutorFunc(func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		if !healthy.Load() {
			return nil, errors.New("503 service unavailable")
		}
		return &NodeResult{Output: map[string]any{"delivered": true}}, nil
	}))
	def := &Definition{
		Name:  "hook",
		Nodes: []*Node{n("start", NodeTypeStart), n("hook", NodeTypeWebhook), n("end", NodeTypeEnd)},
		Edges: []*Edge{e("start", "hook"), e("hook", "end")},
	}
	engine, store := newTestEngine(t, registry)
	ctx := context.Background()

	o := engine.NewOrchestrator()
	_, err := o.Initialize(ctx, def, nil)
	require.NoError(t, err)
	res, err := o.Execute(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionFailed, res.Status)
	assert.Equal(t, StatusFailed, res.NodeStates["hook"])
	assert.Equal(t, StatusPending, res.NodeStates["end"], "dependents of a failed node are not skipped")

	require.NoError(t, engine.FlushEvents(ctx))
	events, err := store.ListEvents(ctx, o.ExecutionID())
	require.NoError(t, err)
	for _, ev := range events {
		assert.NotEqual(t, EventStepSkipped, ev.EventType, ev.NodeID)
	}

	healthy.Store(true)
	res, err = o.RetryNode(ctx, "hook")
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	assert.Equal(t, StatusCompleted, res.NodeStates["hook"])
	assert.Equal(t, StatusCompleted, res.NodeStates["end"])
	delivered, _ := o.Context().Get("delivered")
	assert.Equal(t, true, delivered)
}

func TestEngine_ResumeKeepsOutputOfParallelSibling(t *testing.T) {
	registry := testRegistry()
	registry.Register(NodeTypeEmail, constExecutor(map[string]any{"customerId": "c-42"}, nil))
	registry.Register(NodeTypeApproval, NodeExecutorFunc(func(_ context.Context, _ Store, _, _ string, _ *Node, execCtx *ExecutionContext) (*NodeResult, error) {
		if _, ok := execCtx.Get("decision"); ok {
			return &NodeResult{Output: map[string]any{"approved": true}}, nil
		}
		// checkpoint after the sibling has completed
		time.Sleep(20 * time.Millisecond)
		return &NodeResult{ShouldPause: true, PauseReason: "awaiting approval"}, nil
	}))
	def := &Definition{
		Name: "credit",
		Nodes: []*Node{
			n("start", NodeTypeStart),
			n("lookup", NodeTypeEmail),
			n("approve", NodeTypeApproval),
			{ID: "end", Type: NodeTypeFunction, Config: map[string]any{"customer": "{node.lookup.customerId}"}},
		},
		Edges: []*Edge{e("start", "lookup"), e("start", "approve"), e("lookup", "end"), e("approve", "end")},
	}
	engine, _ := newTestEngine(t, registry)
	ctx := context.Background()

	res, err := engine.Start(ctx, def, nil)
	require.NoError(t, err)
	require.Equal(t, ExecutionPaused, res.Status)
	assert.Equal(t, StatusCompleted, res.NodeStates["lookup"])
	assert.Equal(t, StatusPaused, res.NodeStates["approve"])

	res, err = engine.Resume(ctx, def, res.ExecutionID, "approve", map[string]any{"decision": "ok"})
	require.NoError(t, err)
	assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
	assert.Equal(t, "c-42", res.Output["customer"])
}

func TestEngine_JoinTimeout(t *testing.T) {
	slow := NodeExecutorFunc(func(ctx context.Context, _ Store, _, _ string, node *Node, _ *ExecutionContext) (*NodeResult, error) {
		time.Sleep(25 * time.Millisecond)
		return &NodeResult{Output: map[string]any{node.ID: true}}, nil
	})
	// start -> {fast, s1 -> s2 -> s3 -> s4} -> j -> end
	def := func(action JoinTimeoutAction) *Definition {
		return &Definition{
			Name: "fan-in",
			Nodes: []*Node{
				n("start", NodeTypeStart),
				n("fast", NodeTypeFunction),
				n("s1", NodeTypeHTTP), n("s2", NodeTypeHTTP), n("s3", NodeTypeHTTP), n("s4", NodeTypeHTTP),
				{ID: "j", Type: NodeTypeFunction, Config: map[string]any{
					ConfigJoinStrategy:  string(JoinWaitAll),
					ConfigJoinTimeoutMs: 30,
					ConfigOnJoinTimeout: string(action),
				}},
				n("end", NodeTypeEnd),
			},
			Edges: []*Edge{
				e("start", "fast"), e("start", "s1"),
				e("s1", "s2"), e("s2", "s3"), e("s3", "s4"),
				e("fast", "j"), e("s4", "j"), e("j", "end"),
			},
		}
	}
	ctx := context.Background()

	t.Run("fail", func(t *testing.T) {
		registry := testRegistry()
		registry.Register(NodeTypeHTTP, slow)
		engine, _ := newTestEngine(t, registry)

		res, err := engine.Start(ctx, def(JoinTimeoutFail), nil)
		require.NoError(t, err)
		assert.Equal(t, ExecutionFailed, res.Status)
		assert.Equal(t, StatusFailed, res.NodeStates["j"])
		assert.Contains(t, res.Error, "join timeout: 1 of 2 dependencies completed")
		assert.NotEqual(t, StatusCompleted, res.NodeStates["end"])
	})

	t.Run("continue", func(t *testing.T) {
		registry := testRegistry()
		registry.Register(NodeTypeHTTP, slow)
		engine, _ := newTestEngine(t, registry)

		o := engine.NewOrchestrator()
		_, err := o.Initialize(ctx, def(JoinTimeoutContinue), nil)
		require.NoError(t, err)
		res, err := o.Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, ExecutionCompleted, res.Status, res.Error)
		assert.Equal(t, StatusCompleted, res.NodeStates["j"])

		info, ok := o.Context().Local("j")[JoinInfoKey].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, true, info["timedOut"])
		assert.Equal(t, true, info["partial"])
		assert.Equal(t, 1, info["completed"])
	})
}

func TestOrchestrator_RetryForNodeOverrides(t *testing.T) {
	cfg := fastConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2}
	engine, _ := newTestEngine(t, testRegistry(), WithEngineConfig(cfg))
	o := engine.NewOrchestrator()
	_, err := o.Initialize(context.Background(), &Definition{
		Name:  "overrides",
		Nodes: []*Node{n("start", NodeTypeStart), n("end", NodeTypeEnd)},
		Edges: []*Edge{e("start", "end")},
	}, nil)
	require.NoError(t, err)

	tests := []struct {
		name         string
		config       map[string]any
		wantAttempts int
		wantDelay    time.Duration
	}{
		{"engine default", nil, 4, time.Second},
		{"attempts only", map[string]any{"maxAttempts": 2}, 2, time.Second},
		{"delay only", map[string]any{"retryDelayMs": 5}, 4, 5 * time.Millisecond},
		{"both", map[string]any{"maxAttempts": 5, "retryDelayMs": 10}, 5, 10 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := o.retryFor(&Node{ID: "x", Type: NodeTypeHTTP, Config: tt.config})
			assert.Equal(t, tt.wantAttempts, r.Config().MaxAttempts)
			assert.Equal(t, tt.wantDelay, r.BaseDelay(2))
		})
	}
}
