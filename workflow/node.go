package workflow

import (
	"encoding/json"
	"strconv"
	"time"
)

// NodeType is the tag the executor registry routes on.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeForm      NodeType = "form"
	NodeTypeEmail     NodeType = "email"
	NodeTypeWebhook   NodeType = "webhook"
	NodeTypeHTTP      NodeType = "http"
	NodeTypeDatabase  NodeType = "database"
	NodeTypeSignature NodeType = "signature"
	NodeTypeOCR       NodeType = "ocr"
	NodeTypeApproval  NodeType = "approval"
	NodeTypeCondition NodeType = "condition"
	NodeTypeLoop      NodeType = "loop"
	NodeTypeFunction  NodeType = "function"
)

// Node is a single workflow step. Nodes are not modified once a graph is built.
type Node struct {
	ID     string         `json:"id" yaml:"id"`
	Type   NodeType       `json:"type" yaml:"type"`
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects Source to Target. An edge with a Condition is conditional;
// Priority orders conditional edges leaving the same source.
type Edge struct {
	ID        string `json:"id,omitempty" yaml:"id,omitempty"`
	Source    string `json:"source" yaml:"source"`
	Target    string `json:"target" yaml:"target"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
	Priority  *int   `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// IsConditional reports whether the edge carries a guard.
func (e *Edge) IsConditional() bool {
	return e.Condition != ""
}

// IntPtr is a convenience for setting Edge.Priority.
func IntPtr(v int) *int {
	return &v
}

// ====== config accessors ======

// ConfigValue returns the raw config value for key.
func (n *Node) ConfigValue(key string) (any, bool) {
	if n == nil || n.Config == nil {
		return nil, false
	}
	v, ok := n.Config[key]
	return v, ok
}

// ConfigString returns a string config value or def.
func (n *Node) ConfigString(key, def string) string {
	v, ok := n.ConfigValue(key)
	if !ok {
		return def
	}
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return def
}

// ConfigInt returns an integer config value or def. Numbers decoded from
// JSON arrive as float64 and numeric strings are accepted.
func (n *Node) ConfigInt(key string, def int) int {
	v, ok := n.ConfigValue(key)
	if !ok {
		return def
	}
	if i, ok := toInt(v); ok {
		return i
	}
	return def
}

// ConfigBool returns a boolean config value or def.
func (n *Node) ConfigBool(key string, def bool) bool {
	v, ok := n.ConfigValue(key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed
		}
	}
	return def
}

// ConfigMillis reads key as a millisecond count.
func (n *Node) ConfigMillis(key string, def time.Duration) time.Duration {
	ms := n.ConfigInt(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// ConfigMap returns a nested object config value.
func (n *Node) ConfigMap(key string) map[string]any {
	v, ok := n.ConfigValue(key)
	if !ok {
		return nil
	}
	m, _ := v.(map[string]any)
	return m
}

// ConfigStrings returns a list of strings; non-string entries are skipped.
func (n *Node) ConfigStrings(key string) []string {
	v, ok := n.ConfigValue(key)
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float32:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}
