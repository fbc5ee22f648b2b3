package executors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/expr"
)

// Pause reasons reported by the human-in-the-loop executors.
const (
	ReasonAwaitingInput     = "awaiting_input"
	ReasonAwaitingApproval  = "awaiting_approval"
	ReasonAwaitingSignature = "awaiting_signature"
	ReasonAwaitingCallback  = "awaiting_callback"
)

// present reports whether key resolves to a non-empty value.
func present(execCtx *workflow.ExecutionContext, key string) (any, bool) {
	v, ok := execCtx.Lookup(key)
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

// ============================================================
// form
// ============================================================

// FormExecutor waits for "requiredFields" to appear in the context. While any
// is missing it pauses with missingFields; once complete it outputs formData.
type FormExecutor struct{}

func (e *FormExecutor) Execute(_ context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	required := node.ConfigStrings("requiredFields")
	optional := node.ConfigStrings("optionalFields")

	var missing []string
	data := make(map[string]any, len(required)+len(optional))
	for _, field := range required {
		v, ok := present(execCtx, field)
		if !ok {
			missing = append(missing, field)
			continue
		}
		data[field] = v
	}
	if len(missing) > 0 {
		return &workflow.NodeResult{
			Output:      map[string]any{"missingFields": missing},
			ShouldPause: true,
			PauseReason: ReasonAwaitingInput,
		}, nil
	}
	for _, field := range optional {
		if v, ok := present(execCtx, field); ok {
			data[field] = v
		}
	}
	return &workflow.NodeResult{Output: map[string]any{
		"formData":  data,
		"submitted": true,
	}}, nil
}

// ============================================================
// approval
// ============================================================

// ApprovalExecutor pauses until "decisionKey" (default "decision") is present.
// A decision is approved when it is "approved" or truthy. With
// "haltOnReject" a rejection stops the branch.
type ApprovalExecutor struct{}

func (e *ApprovalExecutor) Execute(_ context.Context, _ workflow.Store, _, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	key := node.ConfigString("decisionKey", "decision")
	decision, ok := present(execCtx, key)
	if !ok {
		return &workflow.NodeResult{
			Output: map[string]any{
				"awaiting":  key,
				"approvers": node.ConfigStrings("approvers"),
			},
			ShouldPause: true,
			PauseReason: ReasonAwaitingApproval,
		}, nil
	}

	approved := expr.Truthy(decision)
	if s, isStr := decision.(string); isStr {
		switch strings.ToLower(s) {
		case "approved", "approve", "yes":
			approved = true
		case "rejected", "reject", "no", "false":
			approved = false
		}
	}
	return &workflow.NodeResult{
		Output: map[string]any{
			"decision": decision,
			"approved": approved,
		},
		HaltBranch: !approved && node.ConfigBool("haltOnReject", false),
	}, nil
}

// ============================================================
// signature
// ============================================================

// Signature statuses.
const (
	SignaturePending  = "pending"
	SignatureSigned   = "signed"
	SignatureRejected = "rejected"
)

// ErrNoSignatureProvider is returned when a signature node runs without a
// provider.
var ErrNoSignatureProvider = errors.New("no signature provider configured")

// SignatureExecutor requests signatures and pauses until the status under
// "statusKey" is signed or rejected. A callback may deliver the status
// directly; otherwise the provider is polled with the request id found
// under "requestIdKey".
type SignatureExecutor struct {
	provider SignatureProvider
	logger   *zap.Logger
}

// NewSignatureExecutor creates a signature executor. provider may be nil.
func NewSignatureExecutor(provider SignatureProvider, logger *zap.Logger) *SignatureExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SignatureExecutor{provider: provider, logger: logger.With(zap.String("component", "signature_executor"))}
}

func (e *SignatureExecutor) Execute(ctx context.Context, _ workflow.Store, executionID, _ string, node *workflow.Node, execCtx *workflow.ExecutionContext) (*workflow.NodeResult, error) {
	n := resolved(node, execCtx)
	statusKey := n.ConfigString("statusKey", "signatureStatus")
	requestKey := n.ConfigString("requestIdKey", "signatureRequestId")

	status := ""
	if v, ok := present(execCtx, statusKey); ok {
		status = strings.ToLower(fmt.Sprint(v))
	}
	requestID := ""
	if v, ok := present(execCtx, requestKey); ok {
		requestID = fmt.Sprint(v)
	}

	if status != SignatureSigned && status != SignatureRejected {
		if e.provider == nil {
			return nil, terminal(fmt.Errorf("signature node %s: %w", node.ID, ErrNoSignatureProvider))
		}
		if requestID == "" {
			id, err := e.provider.Request(ctx, SignatureRequest{
				ExecutionID: executionID,
				NodeID:      node.ID,
				Document:    n.ConfigString("document", ""),
				Signers:     n.ConfigStrings("signers"),
				Metadata:    n.ConfigMap("metadata"),
			})
			if err != nil {
				return nil, fmt.Errorf("request signature: %w", err)
			}
			e.logger.Info("signature requested",
				zap.String("node_id", node.ID),
				zap.String("request_id", id))
			return pauseForSignature(id, SignaturePending), nil
		}
		polled, err := e.provider.Status(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("poll signature %s: %w", requestID, err)
		}
		status = strings.ToLower(polled)
		if status != SignatureSigned && status != SignatureRejected {
			return pauseForSignature(requestID, status), nil
		}
	}

	signed := status == SignatureSigned
	return &workflow.NodeResult{
		Output: map[string]any{
			"signatureStatus":    status,
			"signed":             signed,
			"signatureRequestId": requestID,
		},
		HaltBranch: !signed && n.ConfigBool("haltOnReject", false),
	}, nil
}

func pauseForSignature(requestID, status string) *workflow.NodeResult {
	return &workflow.NodeResult{
		Output: map[string]any{
			"signatureRequestId": requestID,
			"signatureStatus":    status,
		},
		ShouldPause: true,
		PauseReason: ReasonAwaitingSignature,
	}
}
