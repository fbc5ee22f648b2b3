package executors

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/durableflow/internal/ctxkeys"
	"github.com/BaSui01/durableflow/workflow"
)

// ============================================================
// email
// ============================================================

// LogMailer logs messages instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a mailer that writes to logger.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger.With(zap.String("component", "log_mailer"))}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, msg EmailMessage) error {
	fields := []zap.Field{
		zap.Strings("to", msg.To),
		zap.Strings("cc", msg.Cc),
		zap.String("subject", msg.Subject),
		zap.Int("body_bytes", len(msg.Body)),
	}
	if id, ok := ctxkeys.ExecutionID(ctx); ok {
		fields = append(fields, zap.String("execution_id", id))
	}
	m.logger.Info("email", fields...)
	return nil
}

// EmailExecutor renders "to", "cc", "subject" and "body" and hands the
// message to the mailer.
type EmailExecutor struct {
	mailer Mailer
}

// NewEmailExecutor creates an email executor.
func NewEmailExecutor(mailer Mailer) *EmailExecutor {
	return &EmailExecutor{mailer: mailer}
}

func (e *EmailExecutor) Execute(ctx context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	n := resolved(node, execCtx)
	msg := EmailMessage{
		To:      n.ConfigStrings("to"),
		Cc:      n.ConfigStrings("cc"),
		Subject: n.ConfigString("subject", ""),
		Body:    n.ConfigString("body", ""),
	}
	if len(msg.To) == 0 {
		return nil, terminal(fmt.Errorf("email node %s has no recipients", node.ID))
	}
	if err := e.mailer.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return &workflow.NodeResult{Output: map[string]any{
		"emailSent":  true,
		"recipients": len(msg.To) + len(msg.Cc),
	}}, nil
}

// ============================================================
// webhook / http
// ============================================================

// HTTPStatusError is returned for non-2xx responses. It satisfies
// workflow.StatusCoder so 5xx and 429 are retried.
type HTTPStatusError struct {
	Code int
	Body string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// StatusCode implements workflow.StatusCoder.
func (e *HTTPStatusError) StatusCode() int {
	return e.Code
}

const maxResponseBody = 1 << 20

// HTTPExecutor serves webhook and http nodes. Config: url, method (POST for
// webhook, GET for http), headers, body, timeoutMs, responseKey. With
// waitForCallback the node pauses after the call and completes once
// "callbackKey" is present in the context.
type HTTPExecutor struct {
	client *http.Client
	logger *zap.Logger
}

// NewHTTPExecutor creates an HTTP executor.
func NewHTTPExecutor(client *http.Client, logger *zap.Logger) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{client: client, logger: logger.With(zap.String("component", "http_executor"))}
}

func (e *HTTPExecutor) Execute(ctx context.Context, _ workflow.Store, executionID, stepID string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	n := resolved(node, execCtx)
	waitForCallback := n.ConfigBool("waitForCallback", false)
	callbackKey := n.ConfigString("callbackKey", "callback")
	if waitForCallback {
		if data, ok := present(execCtx, callbackKey); ok {
			return &workflow.NodeResult{Output: map[string]any{"callbackReceived": true, callbackKey: data}}, nil
		}
	}

	url := n.ConfigString("url", "")
	if url == "" {
		return nil, terminal(fmt.Errorf("%s node %s has no url", node.Type, node.ID))
	}
	defaultMethod := http.MethodGet
	if node.Type == workflow.NodeTypeWebhook {
		defaultMethod = http.MethodPost
	}
	method := strings.ToUpper(n.ConfigString("method", defaultMethod))

	var body io.Reader
	if payload, ok := n.ConfigValue("body"); ok && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, terminal(fmt.Errorf("encode request body: %w", err))
		}
		body = bytes.NewReader(data)
	}

	if timeout := n.ConfigMillis("timeoutMs", 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, terminal(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Workflow-Execution-Id", executionID)
	req.Header.Set("X-Workflow-Step-Id", stepID)
	if requestID, ok := ctxkeys.RequestID(ctx); ok {
		req.Header.Set("X-Request-ID", requestID)
	}
	for k, v := range n.ConfigMap("headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &workflow.RetryableError{Err: fmt.Errorf("%s %s: %w", method, url, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &workflow.RetryableError{Err: fmt.Errorf("read response: %w", err)}
	}
	e.logger.Debug("http call",
		zap.String("node_id", node.ID),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &HTTPStatusError{Code: resp.StatusCode, Body: truncate(string(raw), 512)}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, statusErr
		}
		return nil, terminal(statusErr)
	}

	var decoded any = string(raw)
	if len(raw) > 0 && json.Valid(raw) {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			decoded = v
		}
	}
	responseKey := n.ConfigString("responseKey", "response")
	out := map[string]any{
		"statusCode": resp.StatusCode,
		responseKey:  decoded,
	}
	if waitForCallback {
		return &workflow.NodeResult{Output: out, ShouldPause: true, PauseReason: ReasonAwaitingCallback}, nil
	}
	return &workflow.NodeResult{Output: out}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ============================================================
// ocr
// ============================================================

// ErrNoOCRProvider is returned when an ocr node runs without a provider.
var ErrNoOCRProvider = errors.New("no OCR provider configured")

// OCRExecutor extracts data from "document" and stores it under "outputKey"
// (default "ocrResult").
type OCRExecutor struct {
	provider OCRProvider
}

// NewOCRExecutor creates an OCR executor. provider may be nil.
func NewOCRExecutor(provider OCRProvider) *OCRExecutor {
	return &OCRExecutor{provider: provider}
}

func (e *OCRExecutor) Execute(ctx context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	if e.provider == nil {
		return nil, terminal(fmt.Errorf("ocr node %s: %w", node.ID, ErrNoOCRProvider))
	}
	n := resolved(node, execCtx)
	doc := n.ConfigString("document", "")
	if doc == "" {
		return nil, terminal(fmt.Errorf("ocr node %s has no document", node.ID))
	}
	data, err := e.provider.Extract(ctx, doc, n.ConfigMap("options"))
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", doc, err)
	}
	return &workflow.NodeResult{Output: map[string]any{
		n.ConfigString("outputKey", "ocrResult"): data,
	}}, nil
}

// ============================================================
// database
// ============================================================

// ErrNoDatabase is returned when a database node runs without a connection.
var ErrNoDatabase = errors.New("no database configured")

// DatabaseExecutor runs "query" with positional "params" through gorm.
// operation "query" (default) returns rows; "exec" returns rowsAffected.
// Templates are only resolved inside params, never in the SQL text.
type DatabaseExecutor struct {
	db *gorm.DB
}

// NewDatabaseExecutor creates a database executor. db may be nil.
func NewDatabaseExecutor(db *gorm.DB) *DatabaseExecutor {
	return &DatabaseExecutor{db: db}
}

func (e *DatabaseExecutor) Execute(ctx context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	if e.db == nil {
		return nil, terminal(fmt.Errorf("database node %s: %w", node.ID, ErrNoDatabase))
	}
	query := node.ConfigString("query", "")
	if strings.TrimSpace(query) == "" {
		return nil, terminal(fmt.Errorf("database node %s has no query", node.ID))
	}
	var params []any
	if raw, ok := node.ConfigValue("params"); ok {
		list, isList := execCtx.ResolveValue(raw).([]any)
		if !isList {
			return nil, terminal(fmt.Errorf("database node %s: params must be a list", node.ID))
		}
		params = list
	}

	db := e.db.WithContext(ctx)
	switch op := node.ConfigString("operation", "query"); op {
	case "query":
		rows := make([]map[string]any, 0)
		if err := db.Raw(query, params...).Scan(&rows).Error; err != nil {
			return nil, fmt.Errorf("database query: %w", err)
		}
		return &workflow.NodeResult{Output: map[string]any{
			node.ConfigString("resultKey", "rows"): rowsToAny(rows),
			"rowCount":                             len(rows),
		}}, nil
	case "exec":
		res := db.Exec(query, params...)
		if res.Error != nil {
			return nil, fmt.Errorf("database exec: %w", res.Error)
		}
		return &workflow.NodeResult{Output: map[string]any{"rowsAffected": res.RowsAffected}}, nil
	default:
		return nil, terminal(fmt.Errorf("database node %s: unknown operation %q", node.ID, op))
	}
}

func rowsToAny(rows []map[string]any) []any {
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
