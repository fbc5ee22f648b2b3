package expr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// disallowedWords are rejected when they appear as whole identifiers.
var disallowedWords = []string{
	"eval",
	"Function",
	"import",
	"require",
	"__proto__",
	"constructor",
	"prototype",
	"process",
	"globalThis",
	"global",
	"window",
	"document",
	"setTimeout",
	"setInterval",
}

// disallowedFragments are rejected wherever they appear.
var disallowedFragments = []string{"=>", ";", "`", "${", "[", "]"}

var wordPattern = regexp.MustCompile(`[A-Za-z_$][A-Za-z0-9_$]*`)

// UnsafeExpressionError reports an expression rejected before evaluation.
type UnsafeExpressionError struct {
	Expression string
	Token      string
}

func (e *UnsafeExpressionError) Error() string {
	return fmt.Sprintf("expression rejected: disallowed token %q", e.Token)
}

// CheckSafe rejects expressions containing disallowed tokens. It runs on the
// raw guard text, before any variable substitution, so substituted data can
// never trip it.
func CheckSafe(expression string) error {
	for _, frag := range disallowedFragments {
		if strings.Contains(expression, frag) {
			return &UnsafeExpressionError{Expression: expression, Token: frag}
		}
	}
	for _, word := range wordPattern.FindAllString(stripTemplates(stripQuoted(expression)), -1) {
		for _, bad := range disallowedWords {
			if word == bad {
				return &UnsafeExpressionError{Expression: expression, Token: bad}
			}
		}
	}
	return nil
}

// stripQuoted blanks string literal contents so words inside them are not
// mistaken for identifiers.
func stripQuoted(s string) string {
	var sb strings.Builder
	var quote rune
	escaped := false
	for _, r := range s {
		switch {
		case quote != 0 && escaped:
			escaped = false
			sb.WriteRune(' ')
		case quote != 0 && r == '\\':
			escaped = true
			sb.WriteRune(' ')
		case quote != 0 && r == quote:
			quote = 0
			sb.WriteRune(r)
		case quote != 0:
			sb.WriteRune(' ')
		case r == '"' || r == '\'':
			quote = r
			sb.WriteRune(r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// stripTemplates keeps template tokens from being scanned as identifiers;
// {node.process.ok} is a path, not a reference to a global.
func stripTemplates(s string) string {
	return templatePattern.ReplaceAllString(s, " ")
}

var templatePattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.\-]*)\}`)

// Substitute replaces every {path} token with a literal of the value returned
// by lookup. Strings are double-quoted, composite values are JSON-encoded and
// quoted, unresolved tokens become null.
func Substitute(expression string, lookup func(path string) (any, bool)) string {
	return ReplaceTokens(expression, func(path string) (string, bool) {
		val, ok := lookup(path)
		if !ok {
			return "null", true
		}
		return Literal(val), true
	})
}

// ReplaceTokens calls replace for every {path} token in s. Tokens for which
// replace returns false are left as they are.
func ReplaceTokens(s string, replace func(path string) (string, bool)) string {
	return templatePattern.ReplaceAllStringFunc(s, func(tok string) string {
		if out, ok := replace(tok[1 : len(tok)-1]); ok {
			return out
		}
		return tok
	})
}

// SingleToken returns the path when s consists of exactly one {path} token.
func SingleToken(s string) (string, bool) {
	m := templatePattern.FindStringSubmatchIndex(s)
	if m == nil || m[0] != 0 || m[1] != len(s) {
		return "", false
	}
	return s[m[2]:m[3]], true
}

// Literal renders v as a token the grammar can read back.
func Literal(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case string:
		return quote(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val)
	case json.Number:
		return val.String()
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return quote(fmt.Sprintf("%v", val))
		}
		return quote(string(data))
	}
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
