package workflow

import "strings"

// DefaultSensitiveKeys are matched case-insensitively, ignoring '_' and '-',
// against any part of a key.
var DefaultSensitiveKeys = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"apikey",
	"credential",
	"privatekey",
	"accesskey",
	"authorization",
	"cookie",
}

// Sanitizer strips sensitive keys from nested maps.
type Sanitizer struct {
	keys []string
}

// NewSanitizer creates a sanitizer; an empty list uses DefaultSensitiveKeys.
func NewSanitizer(keys []string) *Sanitizer {
	if len(keys) == 0 {
		keys = DefaultSensitiveKeys
	}
	normalized := make([]string, 0, len(keys))
	for _, k := range keys {
		if n := normalizeKey(k); n != "" {
			normalized = append(normalized, n)
		}
	}
	return &Sanitizer{keys: normalized}
}

// IsSensitive reports whether key matches the denylist.
func (s *Sanitizer) IsSensitive(key string) bool {
	n := normalizeKey(key)
	for _, k := range s.keys {
		if strings.Contains(n, k) {
			return true
		}
	}
	return false
}

// Map returns a copy of m without sensitive keys at any depth.
func (s *Sanitizer) Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s.IsSensitive(k) {
			continue
		}
		out[k] = s.Value(v)
	}
	return out
}

// Value sanitises maps nested anywhere inside v.
func (s *Sanitizer) Value(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return s.Map(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Value(item)
		}
		return out
	default:
		return v
	}
}

// SanitizeMap strips DefaultSensitiveKeys from m.
func SanitizeMap(m map[string]any) map[string]any {
	return defaultSanitizer.Map(m)
}

var defaultSanitizer = NewSanitizer(nil)

func normalizeKey(k string) string {
	k = strings.ToLower(k)
	k = strings.ReplaceAll(k, "_", "")
	return strings.ReplaceAll(k, "-", "")
}
