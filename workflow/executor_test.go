package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constExecutor(out map[string]any, err error) NodeExecutorFunc {
	return func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		if err != nil {
			return nil, err
		}
		return &NodeResult{Output: out}, nil
	}
}

func TestExecutorRegistry_Dispatch(t *testing.T) {
	r := NewExecutorRegistry(nil)
	r.Register(NodeTypeForm, constExecutor(map[string]any{"ok": true}, nil))
	r.Register(NodeTypeEnd, NodeExecutorFunc(func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		return nil, nil
	}))

	assert.True(t, r.Has(NodeTypeForm))
	assert.Equal(t, []NodeType{NodeTypeEnd, NodeTypeForm}, r.Types())

	res, err := r.Dispatch(context.Background(), nil, "e", "s", &Node{ID: "f", Type: NodeTypeForm}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["ok"])

	res, err = r.Dispatch(context.Background(), nil, "e", "s", &Node{ID: "x", Type: NodeTypeEnd}, nil)
	require.NoError(t, err)
	assert.NotNil(t, res, "nil results are normalised")

	_, err = r.Dispatch(context.Background(), nil, "e", "s", &Node{ID: "o", Type: NodeTypeOCR}, nil)
	assert.ErrorIs(t, err, ErrExecutorNotFound)
}

func TestExecutorRegistry_ValidateGraph(t *testing.T) {
	g, err := BuildGraph(diamond())
	require.NoError(t, err)

	r := NewExecutorRegistry(nil)
	r.Register(NodeTypeStart, constExecutor(nil, nil))
	r.Register(NodeTypeEnd, constExecutor(nil, nil))
	err = r.ValidateGraph(g)
	var gve *GraphValidationError
	require.ErrorAs(t, err, &gve)
	assert.ElementsMatch(t, []string{"a", "b", "join"}, gve.NodeIDs)
	assert.ErrorIs(t, err, ErrExecutorNotFound)

	r.Register(NodeTypeFunction, constExecutor(nil, nil))
	assert.NoError(t, r.ValidateGraph(g))
}

func TestExecutorRegistry_CircuitBreaker(t *testing.T) {
	breakers := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	}, nil)
	r := NewExecutorRegistry(nil).WithCircuitBreakers(breakers)
	calls := 0
	r.Register(NodeTypeWebhook, NodeExecutorFunc(func(context.Context, Store, string, string, *Node, *ExecutionContext) (*NodeResult, error) {
		calls++
		return nil, errors.New("503")
	}))
	node := &Node{ID: "hook", Type: NodeTypeWebhook}

	for i := 0; i < 2; i++ {
		_, err := r.Dispatch(context.Background(), nil, "e", "s", node, nil)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	_, err := r.Dispatch(context.Background(), nil, "e", "s", node, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker short-circuits the executor")
	assert.Equal(t, CircuitOpen, breakers.States()["webhook"])
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("email", CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Minute}, nil)
	now := time.Now()
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen, "only one probe at a time")

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	assert.Equal(t, 2, l.Max())

	var (
		mu      sync.Mutex
		current int
		peak    int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Run(context.Background(), func(context.Context) error {
				mu.Lock()
				current++
				peak = max(peak, current)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				current--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak, 2)
	assert.Zero(t, l.InFlight())

	require.NoError(t, l.Acquire(context.Background()))
	require.NoError(t, l.Acquire(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
	l.Release()
	l.Release()
	assert.Equal(t, 1, NewLimiter(0).Max())
}
