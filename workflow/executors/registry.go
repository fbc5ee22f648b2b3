// Package executors provides the built-in node executors of durableflow.
//
// Every executor implements workflow.NodeExecutor and is routed by node type
// through workflow.ExecutorRegistry. External systems (mail, e-signature,
// OCR) are reached through the small interfaces declared here so that hosts
// can plug in their own providers.
package executors

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/durableflow/internal/tlsutil"
	"github.com/BaSui01/durableflow/workflow"
)

// ============================================================
// Collaborator interfaces
// ============================================================

// EmailMessage is a rendered email.
type EmailMessage struct {
	To      []string `json:"to"`
	Cc      []string `json:"cc,omitempty"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
}

// Mailer delivers email messages.
type Mailer interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SignatureRequest asks a provider to collect signatures on a document.
type SignatureRequest struct {
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	Document    string         `json:"document"`
	Signers     []string       `json:"signers"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SignatureProvider is an e-signature service.
type SignatureProvider interface {
	// Request starts a signature flow and returns the provider request id.
	Request(ctx context.Context, req SignatureRequest) (string, error)
	// Status returns pending, signed or rejected.
	Status(ctx context.Context, requestID string) (string, error)
}

// OCRProvider extracts structured data from a stored document.
type OCRProvider interface {
	Extract(ctx context.Context, documentRef string, options map[string]any) (map[string]any, error)
}

// ============================================================
// Defaults
// ============================================================

// Dependencies carries the collaborators of the built-in executors. Nil
// fields fall back to defaults where one exists; executors that need a
// missing collaborator fail with a terminal error when dispatched.
type Dependencies struct {
	DB              *gorm.DB
	Mailer          Mailer
	Signature       SignatureProvider
	OCR             OCRProvider
	HTTPClient      *http.Client
	FunctionTimeout time.Duration
	Logger          *zap.Logger
}

// RegisterDefaults registers every built-in executor on registry.
func RegisterDefaults(registry *workflow.ExecutorRegistry, deps Dependencies) {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Mailer == nil {
		deps.Mailer = NewLogMailer(logger)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = tlsutil.OutboundClient(tlsutil.OutboundOptions{Timeout: 30 * time.Second})
	}

	registry.Register(workflow.NodeTypeStart, &StartExecutor{})
	registry.Register(workflow.NodeTypeEnd, &EndExecutor{logger: logger})
	registry.Register(workflow.NodeTypeCondition, &ConditionExecutor{})
	registry.Register(workflow.NodeTypeForm, &FormExecutor{})
	registry.Register(workflow.NodeTypeApproval, &ApprovalExecutor{})
	registry.Register(workflow.NodeTypeSignature, NewSignatureExecutor(deps.Signature, logger))
	registry.Register(workflow.NodeTypeOCR, NewOCRExecutor(deps.OCR))
	registry.Register(workflow.NodeTypeEmail, NewEmailExecutor(deps.Mailer))
	httpExec := NewHTTPExecutor(deps.HTTPClient, logger)
	registry.Register(workflow.NodeTypeWebhook, httpExec)
	registry.Register(workflow.NodeTypeHTTP, httpExec)
	registry.Register(workflow.NodeTypeDatabase, NewDatabaseExecutor(deps.DB))
	registry.Register(workflow.NodeTypeLoop, NewLoopExecutor(registry, logger))
	registry.Register(workflow.NodeTypeFunction, NewFunctionExecutor(deps.FunctionTimeout, logger))
}

// terminal marks configuration errors so the retry classifier gives up.
func terminal(err error) error {
	return &workflow.TerminalError{Err: err}
}
