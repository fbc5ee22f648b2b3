package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckpointConfig tunes the checkpoint manager.
type CheckpointConfig struct {
	// MaxPayloadBytes logs a warning when a serialised context exceeds it.
	MaxPayloadBytes int `json:"max_payload_bytes" yaml:"max_payload_bytes"`
	// SlowWriteThreshold logs a warning when a write takes longer.
	SlowWriteThreshold time.Duration `json:"slow_write_threshold" yaml:"slow_write_threshold"`
	// SensitiveKeys replaces DefaultSensitiveKeys when not empty.
	SensitiveKeys []string `json:"sensitive_keys,omitempty" yaml:"sensitive_keys,omitempty"`
}

// DefaultCheckpointConfig returns 1 MiB / 100 ms warning thresholds.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		MaxPayloadBytes:    1 << 20,
		SlowWriteThreshold: 100 * time.Millisecond,
	}
}

// CheckpointManager writes and reads versioned checkpoints of one run.
// Save blocks until the store acknowledged the write.
type CheckpointManager struct {
	executionID string
	store       CheckpointStore
	config      CheckpointConfig
	sanitizer   *Sanitizer
	metrics     MetricsRecorder
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
}

// NewCheckpointManager creates a checkpoint manager for executionID.
func NewCheckpointManager(executionID string, store CheckpointStore, config CheckpointConfig, metrics MetricsRecorder, logger *zap.Logger) *CheckpointManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	def := DefaultCheckpointConfig()
	if config.MaxPayloadBytes <= 0 {
		config.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if config.SlowWriteThreshold <= 0 {
		config.SlowWriteThreshold = def.SlowWriteThreshold
	}
	return &CheckpointManager{
		executionID: executionID,
		store:       store,
		config:      config,
		sanitizer:   NewSanitizer(config.SensitiveKeys),
		metrics:     metrics,
		logger: logger.With(
			zap.String("component", "checkpoint_manager"),
			zap.String("execution_id", executionID),
		),
		now: time.Now,
	}
}

// Save persists the next version of (execution, node) with a sanitised copy
// of execCtx. Versions are max existing + 1.
func (m *CheckpointManager) Save(ctx context.Context, nodeID string, state NodeStatus, execCtx *ExecutionContext, metadata map[string]any) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	payload, err := json.Marshal(m.sanitizedDocument(execCtx))
	if err != nil {
		return nil, &CheckpointError{ExecutionID: m.executionID, NodeID: nodeID, Op: "encode", Err: err}
	}
	if len(payload) > m.config.MaxPayloadBytes {
		m.logger.Warn("checkpoint payload exceeds size threshold",
			zap.String("node_id", nodeID),
			zap.Int("bytes", len(payload)),
			zap.Int("threshold", m.config.MaxPayloadBytes))
	}

	start := m.now()
	latest, err := m.store.LatestCheckpointVersion(ctx, m.executionID, nodeID)
	if err != nil {
		m.metrics.RecordCheckpoint(time.Since(start), len(payload), err)
		return nil, &CheckpointError{ExecutionID: m.executionID, NodeID: nodeID, Op: "version", Err: err}
	}

	cp := &Checkpoint{
		ExecutionID: m.executionID,
		NodeID:      nodeID,
		Version:     latest + 1,
		State:       state,
		Context:     payload,
		Metadata:    m.sanitizer.Map(metadata),
		CreatedAt:   start,
	}
	err = m.store.SaveCheckpoint(ctx, cp)
	elapsed := time.Since(start)
	m.metrics.RecordCheckpoint(elapsed, len(payload), err)
	if err != nil {
		return nil, &CheckpointError{ExecutionID: m.executionID, NodeID: nodeID, Op: "save", Err: err}
	}
	if elapsed > m.config.SlowWriteThreshold {
		m.logger.Warn("slow checkpoint write",
			zap.String("node_id", nodeID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", m.config.SlowWriteThreshold))
	}

	m.logger.Debug("checkpoint saved",
		zap.String("node_id", nodeID),
		zap.Int("version", cp.Version),
		zap.String("state", string(state)))
	return cp, nil
}

// sanitizedDocument strips sensitive keys below the global and per-node
// maps; node ids themselves are kept.
func (m *CheckpointManager) sanitizedDocument(execCtx *ExecutionContext) map[string]any {
	global := map[string]any{}
	nodes := map[string]any{}
	if execCtx != nil {
		doc := execCtx.Export()
		global = m.sanitizer.Map(doc["global"].(map[string]any))
		for id, local := range doc["nodes"].(map[string]any) {
			nodes[id] = m.sanitizer.Value(local)
		}
	}
	return map[string]any{"global": global, "nodes": nodes}
}

// Load returns the highest version for nodeID. A malformed latest row is
// treated as no checkpoint: nil, nil plus a warning.
func (m *CheckpointManager) Load(ctx context.Context, nodeID string) (*Checkpoint, error) {
	list, err := m.store.ListCheckpoints(ctx, m.executionID, nodeID)
	if err != nil {
		return nil, &CheckpointError{ExecutionID: m.executionID, NodeID: nodeID, Op: "load", Err: err}
	}
	var latest *Checkpoint
	for _, cp := range list {
		if latest == nil || cp.Version > latest.Version {
			latest = cp
		}
	}
	if latest == nil {
		return nil, nil
	}
	if err := m.validate(latest); err != nil {
		m.logger.Warn("ignoring malformed checkpoint",
			zap.String("node_id", nodeID),
			zap.Int("version", latest.Version),
			zap.Error(err))
		return nil, nil
	}
	return latest, nil
}

// History returns every checkpoint of nodeID, oldest first.
func (m *CheckpointManager) History(ctx context.Context, nodeID string) ([]*Checkpoint, error) {
	list, err := m.store.ListCheckpoints(ctx, m.executionID, nodeID)
	if err != nil {
		return nil, &CheckpointError{ExecutionID: m.executionID, NodeID: nodeID, Op: "history", Err: err}
	}
	return list, nil
}

// LoadAll returns the valid latest checkpoint of every node.
func (m *CheckpointManager) LoadAll(ctx context.Context) (map[string]*Checkpoint, error) {
	list, err := m.store.ListExecutionCheckpoints(ctx, m.executionID)
	if err != nil {
		return nil, &CheckpointError{ExecutionID: m.executionID, Op: "load_all", Err: err}
	}
	latest := make(map[string]*Checkpoint)
	for _, cp := range list {
		if cur, ok := latest[cp.NodeID]; !ok || cp.Version > cur.Version {
			latest[cp.NodeID] = cp
		}
	}
	for nodeID, cp := range latest {
		if err := m.validate(cp); err != nil {
			m.logger.Warn("ignoring malformed checkpoint",
				zap.String("node_id", nodeID),
				zap.Int("version", cp.Version),
				zap.Error(err))
			delete(latest, nodeID)
		}
	}
	return latest, nil
}

var errMalformedCheckpoint = errors.New("malformed checkpoint")

func (m *CheckpointManager) validate(cp *Checkpoint) error {
	switch {
	case cp.ExecutionID == "":
		return fmt.Errorf("%w: missing execution id", errMalformedCheckpoint)
	case cp.ExecutionID != m.executionID:
		return fmt.Errorf("%w: execution id %s does not match", errMalformedCheckpoint, cp.ExecutionID)
	case cp.NodeID == "":
		return fmt.Errorf("%w: missing node id", errMalformedCheckpoint)
	case cp.Version < 1:
		return fmt.Errorf("%w: version %d", errMalformedCheckpoint, cp.Version)
	case !cp.State.Valid():
		return fmt.Errorf("%w: unknown state %q", errMalformedCheckpoint, cp.State)
	case len(cp.Context) == 0:
		return fmt.Errorf("%w: empty context", errMalformedCheckpoint)
	}
	var obj map[string]any
	if err := json.Unmarshal(cp.Context, &obj); err != nil || obj == nil {
		return fmt.Errorf("%w: context is not a JSON object", errMalformedCheckpoint)
	}
	return nil
}
