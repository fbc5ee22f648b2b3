package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ErrorCode 错误码
type ErrorCode string

const (
	ErrInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrConflict        ErrorCode = "CONFLICT"
	ErrInvalidWorkflow ErrorCode = "INVALID_WORKFLOW"
	ErrNotImplemented  ErrorCode = "NOT_IMPLEMENTED"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrRateLimited     ErrorCode = "RATE_LIMITED"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// =============================================================================
// 🎯 响应辅助函数
// =============================================================================

// WriteJSON 写入 JSON 响应
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess 写入成功响应
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// WriteErrorMessage 写入错误响应
func WriteErrorMessage(w http.ResponseWriter, status int, code ErrorCode, message string) {
	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
	})
}

// WriteError maps an engine or store error onto a status code. 5xx errors
// are logged.
func WriteError(w http.ResponseWriter, err error, logger *zap.Logger) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError && logger != nil {
		logger.Error("API error", zap.String("code", string(code)), zap.Error(err))
	}
	WriteErrorMessage(w, status, code, err.Error())
}

func classify(err error) (int, ErrorCode) {
	var (
		transition *workflow.InvalidTransitionError
		graphErr   *workflow.GraphValidationError
		cycleErr   *workflow.CycleError
	)
	switch {
	case errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, workflow.ErrNodeNotFound),
		errors.Is(err, errWorkflowNotFound):
		return http.StatusNotFound, ErrNotFound
	case errors.Is(err, workflow.ErrRunLocked), errors.As(err, &transition):
		return http.StatusConflict, ErrConflict
	case errors.As(err, &graphErr), errors.As(err, &cycleErr),
		errors.Is(err, workflow.ErrNoEntryNode), errors.Is(err, workflow.ErrExecutorNotFound):
		return http.StatusUnprocessableEntity, ErrInvalidWorkflow
	default:
		return http.StatusInternalServerError, ErrInternal
	}
}

// =============================================================================
// 🛡️ 请求验证辅助函数
// =============================================================================

// DecodeJSONBody decodes a JSON body in strict mode. An empty body leaves
// dst untouched. It writes the 400 response itself and reports false.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// 📊 响应包装器（用于捕获状态码）
// =============================================================================

// ResponseWriter 包装 http.ResponseWriter 以捕获状态码
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
	Written    bool
}

// NewResponseWriter 创建新的 ResponseWriter
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
	}
}

// WriteHeader 重写 WriteHeader 以捕获状态码
func (rw *ResponseWriter) WriteHeader(code int) {
	if !rw.Written {
		rw.StatusCode = code
		rw.Written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write 重写 Write 以标记已写入
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.Written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}
