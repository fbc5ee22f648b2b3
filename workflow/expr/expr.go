package expr

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate checks expression against the disallowed-token list and then
// evaluates it against vars, returning its truthiness.
//
// Operators: == != > < >= <= && || !
// Literals: numbers, "double" or 'single' quoted strings, true, false, null.
// Bare identifiers are dot paths into vars: result.score -> vars["result"]["score"].
func Evaluate(expression string, vars map[string]any) (bool, error) {
	if err := CheckSafe(expression); err != nil {
		return false, err
	}
	prog, err := Compile(expression)
	if err != nil {
		return false, err
	}
	return prog.Eval(vars), nil
}

// EvaluateTemplate checks the raw expression, replaces its {path} tokens with
// literals from lookup and evaluates the result. Substituted values are not
// scanned for disallowed tokens.
func EvaluateTemplate(expression string, lookup func(path string) (any, bool)) (bool, error) {
	if err := CheckSafe(expression); err != nil {
		return false, err
	}
	prog, err := Compile(Substitute(expression, lookup))
	if err != nil {
		return false, err
	}
	return prog.Eval(nil), nil
}

// Program is a parsed guard expression. The zero Program evaluates to false.
type Program struct {
	root node
}

// Compile parses expression without running the safety check.
func Compile(expression string) (*Program, error) {
	lexemes, err := scan(expression)
	if err != nil {
		return nil, err
	}
	if len(lexemes) == 0 {
		return &Program{}, nil
	}
	p := &parser{lexemes: lexemes}
	root, err := p.or()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected token %q at position %d", p.lexemes[p.pos].text, p.pos)
	}
	return &Program{root: root}, nil
}

// Eval runs the program against vars.
func (p *Program) Eval(vars map[string]any) bool {
	if p == nil || p.root == nil {
		return false
	}
	return Truthy(p.root.eval(vars))
}

// ====== AST ======

type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

func (n literal) eval(map[string]any) any { return n.v }

type ident struct{ path string }

func (n ident) eval(vars map[string]any) any { return Lookup(vars, n.path) }

type not struct{ x node }

func (n not) eval(vars map[string]any) any { return !Truthy(n.x.eval(vars)) }

type logical struct {
	and         bool
	left, right node
}

func (n logical) eval(vars map[string]any) any {
	l := Truthy(n.left.eval(vars))
	if n.and {
		return l && Truthy(n.right.eval(vars))
	}
	return l || Truthy(n.right.eval(vars))
}

type comparison struct {
	op          string
	left, right node
}

func (n comparison) eval(vars map[string]any) any {
	return compare(n.left.eval(vars), n.op, n.right.eval(vars))
}

// ====== scanner ======

type lexKind uint8

const (
	lexNumber lexKind = iota + 1
	lexString
	lexIdent
	lexOp
	lexOpen
	lexClose
)

type lexeme struct {
	kind lexKind
	text string
}

var twoCharOps = []string{"==", "!=", ">=", "<=", "&&", "||"}

func scan(src string) ([]lexeme, error) {
	rs := []rune(strings.TrimSpace(src))
	var out []lexeme
	for i := 0; i < len(rs); {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, lexeme{lexOpen, "("})
			i++
		case c == ')':
			out = append(out, lexeme{lexClose, ")"})
			i++
		case c == '"' || c == '\'':
			s, end, err := scanQuoted(rs, i)
			if err != nil {
				return nil, err
			}
			out = append(out, lexeme{lexString, s})
			i = end
		case hasOpAt(rs, i) != "":
			op := hasOpAt(rs, i)
			out = append(out, lexeme{lexOp, op})
			i += len(op)
		case c == '>' || c == '<' || c == '!':
			out = append(out, lexeme{lexOp, string(c)})
			i++
		case unicode.IsDigit(c), c == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1]) && operandExpected(out):
			end := scanNumber(rs, i)
			out = append(out, lexeme{lexNumber, string(rs[i:end])})
			i = end
		case unicode.IsLetter(c) || c == '_':
			end := i
			for end < len(rs) && identRune(rs[end]) {
				end++
			}
			out = append(out, lexeme{lexIdent, string(rs[i:end])})
			i = end
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", string(c), i)
		}
	}
	return out, nil
}

func hasOpAt(rs []rune, i int) string {
	if i+1 >= len(rs) {
		return ""
	}
	pair := string(rs[i : i+2])
	for _, op := range twoCharOps {
		if pair == op {
			return op
		}
	}
	return ""
}

func scanQuoted(rs []rune, start int) (string, int, error) {
	q := rs[start]
	var sb strings.Builder
	for i := start + 1; i < len(rs); i++ {
		switch rs[i] {
		case '\\':
			if i+1 < len(rs) {
				i++
				sb.WriteRune(rs[i])
			}
		case q:
			return sb.String(), i + 1, nil
		default:
			sb.WriteRune(rs[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string starting at position %d", start)
}

func scanNumber(rs []rune, i int) int {
	if rs[i] == '-' {
		i++
	}
	seenDot := false
	for ; i < len(rs); i++ {
		if rs[i] == '.' && !seenDot {
			seenDot = true
			continue
		}
		if !unicode.IsDigit(rs[i]) {
			break
		}
	}
	return i
}

func identRune(c rune) bool {
	return unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '.' || c == '-'
}

// operandExpected reports whether a '-' here starts a negative literal.
func operandExpected(prev []lexeme) bool {
	if len(prev) == 0 {
		return true
	}
	k := prev[len(prev)-1].kind
	return k == lexOp || k == lexOpen
}

// ====== parser ======
//
// or   := and ("||" and)*
// and  := rel ("&&" rel)*
// rel  := unary (relop unary)?
// unary:= "!" unary | primary

type parser struct {
	lexemes []lexeme
	pos     int
}

func (p *parser) done() bool { return p.pos >= len(p.lexemes) }

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.done() || p.lexemes[p.pos].kind != lexOp {
		return "", false
	}
	for _, op := range ops {
		if p.lexemes[p.pos].text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) or() (node, error) {
	return p.chain("||", p.and)
}

func (p *parser) and() (node, error) {
	return p.chain("&&", p.relation)
}

func (p *parser) chain(op string, operand func() (node, error)) (node, error) {
	left, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp(op); !ok {
			return left, nil
		}
		right, err := operand()
		if err != nil {
			return nil, err
		}
		left = logical{and: op == "&&", left: left, right: right}
	}
}

func (p *parser) relation() (node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", ">=", "<=", ">", "<")
	if !ok {
		return left, nil
	}
	right, err := p.unary()
	if err != nil {
		return nil, err
	}
	return comparison{op: op, left: left, right: right}, nil
}

func (p *parser) unary() (node, error) {
	if _, ok := p.acceptOp("!"); ok {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return not{x: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (node, error) {
	if p.done() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	lx := p.lexemes[p.pos]
	p.pos++
	switch lx.kind {
	case lexNumber:
		f, err := strconv.ParseFloat(lx.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", lx.text, err)
		}
		return literal{f}, nil
	case lexString:
		return literal{lx.text}, nil
	case lexIdent:
		switch lx.text {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil", "undefined":
			return literal{nil}, nil
		}
		return ident{lx.text}, nil
	case lexOpen:
		inner, err := p.or()
		if err != nil {
			return nil, err
		}
		if p.done() || p.lexemes[p.pos].kind != lexClose {
			return nil, fmt.Errorf("expected closing parenthesis")
		}
		p.pos++
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected token %q", lx.text)
}

// ====== values ======

// Lookup resolves a dot path against vars. Missing segments yield nil.
func Lookup(vars map[string]any, path string) any {
	var cur any = vars
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		if cur, ok = m[seg]; !ok {
			return nil
		}
	}
	return cur
}

// compare orders nil below every other value; two nils are equal. Booleans
// only support equality. Values that both read as numbers compare
// numerically, anything else by its string form.
func compare(left any, op string, right any) bool {
	lb, lbool := left.(bool)
	rb, rbool := right.(bool)
	if lbool && rbool {
		switch op {
		case "==":
			return lb == rb
		case "!=":
			return lb != rb
		}
		return false
	}

	var c int
	switch {
	case left == nil && right == nil:
		c = 0
	case left == nil:
		c = -1
	case right == nil:
		c = 1
	default:
		lf, lok := toFloat64(left)
		rf, rok := toFloat64(right)
		if lok && rok {
			c = cmp.Compare(lf, rf)
		} else {
			c = cmp.Compare(fmt.Sprint(left), fmt.Sprint(right))
		}
	}

	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">":
		return c > 0
	case "<":
		return c < 0
	case ">=":
		return c >= 0
	case "<=":
		return c <= 0
	}
	return false
}

// Truthy converts an evaluated value to a boolean.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != "" && val != "false" && val != "0"
	}
	if f, ok := toFloat64(v); ok {
		return f != 0
	}
	return true
}

func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint:
		return float64(val), true
	case uint64:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
