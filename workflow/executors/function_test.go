package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/durableflow/workflow"
)

func TestCheckCode(t *testing.T) {
	tests := []struct {
		code  string
		token string
	}{
		{code: `const fs = require('fs')`, token: "require"},
		{code: `x := os.Getenv("HOME")`, token: "os"},
		{code: "//go:linkname x y", token: "//go:"},
		{code: `go func() {}()`, token: "go"},
		{code: `return nil, eval("1")`, token: "eval"},
		{code: `package main`, token: "package"},
	}
	for _, tt := range tests {
		err := CheckCode("fn", tt.code)
		var secErr *SecurityError
		require.ErrorAs(t, err, &secErr, tt.code)
		assert.Equal(t, tt.token, secErr.Token)
		assert.Equal(t, "fn", secErr.NodeID)
	}

	assert.NoError(t, CheckCode("fn", `return map[string]interface{}{"osName": input["goal"]}, nil`),
		"identifiers merely containing denied words are fine")
}

func functionNode(code string, extra map[string]any) *workflow.Node {
	cfg := map[string]any{"code": code}
	for k, v := range extra {
		cfg[k] = v
	}
	return &workflow.Node{ID: "fn", Type: workflow.NodeTypeFunction, Config: cfg}
}

func TestFunctionExecutor_RejectsUnsafeCode(t *testing.T) {
	_, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode(`const fs = require('fs'); return nil, nil`, nil),
		workflow.NewExecutionContext("exec", nil, nil))

	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "require", secErr.Token)
	assert.False(t, workflow.IsRetryable(err))
}

func TestFunctionExecutor_Runs(t *testing.T) {
	code := `
	name, _ := input["name"].(string)
	params, _ := input["params"].(map[string]interface{})
	return map[string]interface{}{
		"greeting": sandbox.Sprintf("hello %s", sandbox.Upper(name)),
		"plan":     params["plan"],
		"hasToken": input["token"] != nil,
	}, nil`
	execCtx := workflow.NewExecutionContext("exec", map[string]any{
		"name":  "ada",
		"token": "secret",
		"tier":  "gold",
	}, nil)

	res, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode(code, map[string]any{
			"params":    map[string]any{"plan": "{tier}"},
			"resultKey": "fn",
		}), execCtx)
	require.NoError(t, err)

	out := res.Output["fn"].(map[string]any)
	assert.Equal(t, "hello ADA", out["greeting"])
	assert.Equal(t, "gold", out["plan"])
	assert.Equal(t, false, out["hasToken"], "sensitive keys never reach user code")
}

func TestFunctionExecutor_ReturnedError(t *testing.T) {
	_, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode(`return nil, sandbox.Errorf("bad input %d", 7)`, nil),
		workflow.NewExecutionContext("exec", nil, nil))
	assert.ErrorContains(t, err, "bad input 7")
}

func TestFunctionExecutor_CompileErrorIsTerminal(t *testing.T) {
	_, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode(`return 1 +`, nil),
		workflow.NewExecutionContext("exec", nil, nil))
	var terminalErr *workflow.TerminalError
	assert.ErrorAs(t, err, &terminalErr)
}

func TestFunctionExecutor_Timeout(t *testing.T) {
	_, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode(`for {
	}`, map[string]any{"timeoutMs": 50}),
		workflow.NewExecutionContext("exec", nil, nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFunctionExecutor_NoCode(t *testing.T) {
	_, err := NewFunctionExecutor(0, nil).Execute(context.Background(), nil, "exec", "step",
		functionNode("  ", nil), workflow.NewExecutionContext("exec", nil, nil))
	assert.ErrorContains(t, err, "has no code")
}
