package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/api"
	"github.com/BaSui01/durableflow/workflow"
)

var errWorkflowNotFound = errors.New("workflow definition not found")

// EventReader pages audit events from a secondary sink such as the Redis
// stream.
type EventReader interface {
	ReadEvents(ctx context.Context, executionID, after string, count int64) ([]*workflow.EventRecord, string, error)
}

// ExecutionHandler exposes the engine over HTTP.
type ExecutionHandler struct {
	engine  *workflow.Engine
	catalog func() *workflow.DefinitionCatalog
	events  EventReader
	logger  *zap.Logger
}

// NewExecutionHandler creates the handler. catalog is called per request so
// a reloaded catalog is picked up without restarting. events may be nil.
func NewExecutionHandler(engine *workflow.Engine, catalog func() *workflow.DefinitionCatalog, events EventReader, logger *zap.Logger) *ExecutionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecutionHandler{
		engine:  engine,
		catalog: catalog,
		events:  events,
		logger:  logger.With(zap.String("component", "execution_api")),
	}
}

// Register mounts the routes on mux.
func (h *ExecutionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/workflows", h.HandleListWorkflows)
	mux.HandleFunc("GET /v1/workflows/{name}", h.HandleGetWorkflow)
	mux.HandleFunc("POST /v1/workflows/{name}/executions", h.HandleStart)
	mux.HandleFunc("GET /v1/executions", h.HandleListExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("POST /v1/executions/{id}/resume", h.HandleResume)
	mux.HandleFunc("POST /v1/executions/{id}/retry", h.HandleRetry)
	mux.HandleFunc("GET /v1/executions/{id}/events", h.HandleEvents)
	mux.HandleFunc("GET /v1/executions/{id}/checkpoints", h.HandleCheckpoints)
	mux.HandleFunc("GET /v1/executions/{id}/metrics", h.HandleMetrics)
}

func (h *ExecutionHandler) definition(name string) (*workflow.Definition, error) {
	catalog := h.catalog()
	if catalog == nil {
		return nil, fmt.Errorf("%w: %s", errWorkflowNotFound, name)
	}
	def, ok := catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errWorkflowNotFound, name)
	}
	return def, nil
}

// definitionFor resolves the definition an existing execution was started
// with.
func (h *ExecutionHandler) definitionFor(ctx context.Context, executionID string) (*workflow.Definition, error) {
	rec, err := h.engine.Store().GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return h.definition(rec.WorkflowName)
}

// ====== workflows ======

func (h *ExecutionHandler) HandleListWorkflows(w http.ResponseWriter, r *http.Request) {
	catalog := h.catalog()
	summaries := []api.WorkflowSummary{}
	if catalog != nil {
		for _, name := range catalog.Names() {
			if def, ok := catalog.Get(name); ok {
				summaries = append(summaries, api.Summarize(def))
			}
		}
	}
	WriteSuccess(w, http.StatusOK, summaries)
}

func (h *ExecutionHandler) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := h.definition(r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, def)
}

// ====== executions ======

func (h *ExecutionHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	def, err := h.definition(r.PathValue("name"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	var req api.StartExecutionRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	result, err := h.engine.Start(r.Context(), def, req.Input)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusCreated, result)
}

func (h *ExecutionHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	lister, ok := h.engine.Store().(workflow.ExecutionLister)
	if !ok {
		WriteErrorMessage(w, http.StatusNotImplemented, ErrNotImplemented, "store cannot list executions")
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
		return
	}
	status := workflow.ExecutionStatus(r.URL.Query().Get("status"))
	records, err := lister.ListExecutions(r.Context(), status, limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, records)
}

func (h *ExecutionHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.engine.Store().GetExecution(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	steps, err := h.engine.Store().ListSteps(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, api.ExecutionDetail{Execution: rec, Steps: steps})
}

func (h *ExecutionHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req api.ResumeRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, "node_id is required")
		return
	}
	def, err := h.definitionFor(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	result, err := h.engine.Resume(r.Context(), def, id, req.NodeID, req.Data)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, result)
}

func (h *ExecutionHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req api.RetryRequest
	if !DecodeJSONBody(w, r, &req) {
		return
	}
	if req.NodeID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, "node_id is required")
		return
	}
	def, err := h.definitionFor(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	result, err := h.engine.RetryNode(r.Context(), def, id, req.NodeID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, result)
}

// HandleEvents reads the Redis stream when one is configured and falls back
// to the store otherwise.
func (h *ExecutionHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.events != nil {
		count, err := queryInt(r, "count", 100)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, ErrInvalidRequest, err.Error())
			return
		}
		events, cursor, err := h.events.ReadEvents(r.Context(), id, r.URL.Query().Get("after"), int64(count))
		if err != nil {
			WriteError(w, err, h.logger)
			return
		}
		WriteSuccess(w, http.StatusOK, api.EventPage{Events: events, Cursor: cursor})
		return
	}
	events, err := h.engine.Store().ListEvents(r.Context(), id)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, api.EventPage{Events: events})
}

func (h *ExecutionHandler) HandleCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var (
		cps []*workflow.Checkpoint
		err error
	)
	if node := r.URL.Query().Get("node_id"); node != "" {
		cps, err = h.engine.Store().ListCheckpoints(r.Context(), id, node)
	} else {
		cps, err = h.engine.Store().ListExecutionCheckpoints(r.Context(), id)
	}
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, cps)
}

func (h *ExecutionHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	rows, err := h.engine.Store().ListMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	WriteSuccess(w, http.StatusOK, rows)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}
