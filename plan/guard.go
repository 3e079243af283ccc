package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/casualjim/loom/token"
	"github.com/tidwall/gjson"
)

// Guard is a compiled guard expression. Guards gate whether an enabled
// step actually fires for a particular token binding: the expression is
// evaluated over the payloads of the bound tokens, one per input event.
//
// The language is deliberately small: comparison clauses joined by "&&".
// Each clause compares two operands with one of ==, !=, <, <=, > or >=.
// An operand is a literal (quoted string, number, true/false) or a
// reference "event.path" into the bound token for that event. The
// pseudo-path "event.$correlation" resolves to the token's correlation
// id, which is the mechanism for channel-style pairing.
type Guard struct {
	source  string
	clauses []guardClause
}

type guardClause struct {
	lhs, rhs operand
	op       string
}

type operand struct {
	// exactly one of the two is used
	ref *fieldRef
	lit value
}

type fieldRef struct {
	event       string
	path        string
	correlation bool
}

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindBool
)

type value struct {
	kind valueKind
	str  string
	num  float64
	b    bool
}

var comparators = []string{"==", "!=", "<=", ">=", "<", ">"}

// ParseGuard compiles a guard expression. References resolve against the
// step's input events, longest name first, so dotted event names bind
// whole. An empty source yields a nil guard, which always passes.
func ParseGuard(source string, on []string) (*Guard, error) {
	src := strings.TrimSpace(source)
	if src == "" {
		return nil, nil
	}
	g := &Guard{source: src}
	for _, clause := range strings.Split(src, "&&") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			return nil, fmt.Errorf("guard %q: empty clause", src)
		}
		c, err := parseClause(clause, on)
		if err != nil {
			return nil, fmt.Errorf("guard %q: %w", src, err)
		}
		g.clauses = append(g.clauses, c)
	}
	return g, nil
}

func parseClause(clause string, on []string) (guardClause, error) {
	for _, op := range comparators {
		idx := strings.Index(clause, op)
		if idx < 0 {
			continue
		}
		lhs, err := parseOperand(strings.TrimSpace(clause[:idx]), on)
		if err != nil {
			return guardClause{}, err
		}
		rhs, err := parseOperand(strings.TrimSpace(clause[idx+len(op):]), on)
		if err != nil {
			return guardClause{}, err
		}
		return guardClause{lhs: lhs, rhs: rhs, op: op}, nil
	}
	return guardClause{}, fmt.Errorf("clause %q: no comparator", clause)
}

func parseOperand(text string, on []string) (operand, error) {
	if text == "" {
		return operand{}, fmt.Errorf("empty operand")
	}
	switch {
	case strings.HasPrefix(text, `"`) || strings.HasPrefix(text, "'"):
		quote := text[:1]
		if !strings.HasSuffix(text[1:], quote) || len(text) < 2 {
			return operand{}, fmt.Errorf("operand %q: unterminated string", text)
		}
		return operand{lit: value{kind: kindString, str: text[1 : len(text)-1]}}, nil
	case text == "true" || text == "false":
		return operand{lit: value{kind: kindBool, b: text == "true"}}, nil
	}
	if n, err := strconv.ParseFloat(text, 64); err == nil {
		return operand{lit: value{kind: kindNumber, num: n}}, nil
	}
	event, path, ok := resolveEventRef(text, on)
	if !ok {
		return operand{}, fmt.Errorf("operand %q: does not reference an input event", text)
	}
	if path == "" {
		return operand{}, fmt.Errorf("operand %q: reference needs a field path", text)
	}
	ref := &fieldRef{event: event, path: path}
	if path == "$correlation" {
		ref.correlation = true
	}
	return operand{ref: ref}, nil
}

// Events returns the event names the guard references.
func (g *Guard) Events() []string {
	if g == nil {
		return nil
	}
	seen := make(map[string]bool)
	var names []string
	for _, c := range g.clauses {
		for _, o := range []operand{c.lhs, c.rhs} {
			if o.ref != nil && !seen[o.ref.event] {
				seen[o.ref.event] = true
				names = append(names, o.ref.event)
			}
		}
	}
	return names
}

// Source returns the original expression text.
func (g *Guard) Source() string {
	if g == nil {
		return ""
	}
	return g.source
}

// Eval evaluates the guard over a binding of input events to tokens. The
// error return signals an evaluation problem such as a missing payload
// field; callers treat that as guard-false, never as a fatal condition.
func (g *Guard) Eval(bound map[string]*token.Token) (bool, error) {
	if g == nil {
		return true, nil
	}
	for _, c := range g.clauses {
		lhs, err := c.lhs.resolve(bound)
		if err != nil {
			return false, err
		}
		rhs, err := c.rhs.resolve(bound)
		if err != nil {
			return false, err
		}
		ok, err := compare(lhs, rhs, c.op)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (o operand) resolve(bound map[string]*token.Token) (value, error) {
	if o.ref == nil {
		return o.lit, nil
	}
	tok, ok := bound[o.ref.event]
	if !ok {
		return value{}, fmt.Errorf("no token bound for event %s", o.ref.event)
	}
	if o.ref.correlation {
		return value{kind: kindString, str: tok.CorrelationID}, nil
	}
	res := gjson.GetBytes(tok.Payload, o.ref.path)
	if !res.Exists() {
		return value{}, fmt.Errorf("field %s not present in %s payload", o.ref.path, o.ref.event)
	}
	switch res.Type {
	case gjson.Number:
		return value{kind: kindNumber, num: res.Num}, nil
	case gjson.True, gjson.False:
		return value{kind: kindBool, b: res.Bool()}, nil
	default:
		return value{kind: kindString, str: res.String()}, nil
	}
}

func compare(lhs, rhs value, op string) (bool, error) {
	if lhs.kind == kindNumber && rhs.kind == kindNumber {
		switch op {
		case "==":
			return lhs.num == rhs.num, nil
		case "!=":
			return lhs.num != rhs.num, nil
		case "<":
			return lhs.num < rhs.num, nil
		case "<=":
			return lhs.num <= rhs.num, nil
		case ">":
			return lhs.num > rhs.num, nil
		case ">=":
			return lhs.num >= rhs.num, nil
		}
	}
	if lhs.kind == kindBool || rhs.kind == kindBool {
		if op != "==" && op != "!=" {
			return false, fmt.Errorf("operator %s not defined for booleans", op)
		}
		if lhs.kind != kindBool || rhs.kind != kindBool {
			return false, fmt.Errorf("cannot compare boolean with %v", rhs.kind)
		}
		return (lhs.b == rhs.b) == (op == "=="), nil
	}
	ls, rs := lhs.stringForm(), rhs.stringForm()
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return false, fmt.Errorf("unknown operator %s", op)
}

func (v value) stringForm() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindBool:
		return strconv.FormatBool(v.b)
	default:
		return v.str
	}
}
