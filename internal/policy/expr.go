// Package policy interprets rule conditions written as JSON expression trees
// and folds a set of prioritized rules into a single decision.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"inkstudio/internal/domain"
)

const maxDepth = 64

var (
	ErrSyntax = fmt.Errorf("%w: invalid condition", domain.ErrInvalid)
	ErrType   = fmt.Errorf("%w: operand type mismatch", domain.ErrInvalid)
)

// arity holds the accepted argument counts per operator; max < 0 means unbounded.
var arity = map[string][2]int{
	"var": {0, 2},
	"==":  {2, 2},
	"!=":  {2, 2},
	">":   {2, 2},
	">=":  {2, 2},
	"<":   {2, 3},
	"<=":  {2, 3},
	"and": {0, -1},
	"or":  {0, -1},
	"not": {1, 1},
	"!":   {1, 1},
	"in":  {2, 2},
	"if":  {0, -1},
}

// Expr is a compiled condition.
type Expr struct{ root any }

// Compile decodes and validates a condition tree.
func Compile(raw []byte) (Expr, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Expr{}, fmt.Errorf("%w: empty", ErrSyntax)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	var v any
	if err := dec.Decode(&v); err != nil {
		return Expr{}, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	if dec.More() {
		return Expr{}, fmt.Errorf("%w: trailing data", ErrSyntax)
	}
	if err := validate(v, 0); err != nil {
		return Expr{}, err
	}
	return Expr{root: v}, nil
}

// MustCompile is Compile for literals known to be valid.
func MustCompile(raw string) Expr {
	e, err := Compile([]byte(raw))
	if err != nil {
		panic(err)
	}
	return e
}

func validate(node any, depth int) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrSyntax, maxDepth)
	}
	switch n := node.(type) {
	case map[string]any:
		if len(n) != 1 {
			return fmt.Errorf("%w: operator object must have exactly one key, got %d", ErrSyntax, len(n))
		}
		for op, raw := range n {
			args := argList(raw)
			if err := checkArity(op, len(args)); err != nil {
				return err
			}
			for _, a := range args {
				if err := validate(a, depth+1); err != nil {
					return err
				}
			}
		}
	case []any:
		for _, a := range n {
			if err := validate(a, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkArity(op string, n int) error {
	bounds, ok := arity[op]
	if !ok {
		return fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
	}
	if n < bounds[0] || (bounds[1] >= 0 && n > bounds[1]) {
		return fmt.Errorf("%w: operator %q takes %s arguments, got %d", ErrSyntax, op, arityText(bounds), n)
	}
	return nil
}

func arityText(b [2]int) string {
	switch {
	case b[1] < 0:
		return "at least " + strconv.Itoa(b[0])
	case b[0] == b[1]:
		return strconv.Itoa(b[0])
	}
	return strconv.Itoa(b[0]) + " to " + strconv.Itoa(b[1])
}

func argList(raw any) []any {
	if a, ok := raw.([]any); ok {
		return a
	}
	return []any{raw}
}

// Eval evaluates the expression against data. data is never modified.
func (e Expr) Eval(data map[string]any) (any, error) { return eval(e.root, data) }

// Match evaluates the expression and reports its truthiness.
func (e Expr) Match(data map[string]any) (bool, error) {
	v, err := e.Eval(data)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

func eval(node any, data map[string]any) (any, error) {
	switch n := node.(type) {
	case map[string]any:
		for op, raw := range n {
			return apply(op, argList(raw), data)
		}
		return nil, fmt.Errorf("%w: empty operator object", ErrSyntax)
	case []any:
		out := make([]any, len(n))
		for i, a := range n {
			v, err := eval(a, data)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		return n, nil
	}
}

func evalAll(args []any, data map[string]any) ([]any, error) {
	out := make([]any, len(args))
	for i, a := range args {
		v, err := eval(a, data)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func apply(op string, args []any, data map[string]any) (any, error) {
	if err := checkArity(op, len(args)); err != nil {
		return nil, err
	}
	switch op {
	case "and":
		for _, a := range args {
			v, err := eval(a, data)
			if err != nil {
				return nil, err
			}
			if !Truthy(v) {
				return false, nil
			}
		}
		return true, nil

	case "or":
		for _, a := range args {
			v, err := eval(a, data)
			if err != nil {
				return nil, err
			}
			if Truthy(v) {
				return true, nil
			}
		}
		return false, nil

	case "if":
		i := 0
		for ; i+1 < len(args); i += 2 {
			c, err := eval(args[i], data)
			if err != nil {
				return nil, err
			}
			if Truthy(c) {
				return eval(args[i+1], data)
			}
		}
		if i < len(args) {
			return eval(args[i], data)
		}
		return nil, nil
	}

	vals, err := evalAll(args, data)
	if err != nil {
		return nil, err
	}
	switch op {
	case "var":
		path := ""
		if len(vals) > 0 && vals[0] != nil {
			path = toKey(vals[0])
		}
		if v, ok := lookup(data, path); ok {
			return v, nil
		}
		if len(vals) > 1 {
			return vals[1], nil
		}
		return nil, nil
	case "==":
		return looseEqual(vals[0], vals[1]), nil
	case "!=":
		return !looseEqual(vals[0], vals[1]), nil
	case "not", "!":
		return !Truthy(vals[0]), nil
	case "in":
		return contains(vals[1], vals[0]), nil
	case ">":
		return ordered(vals, func(c int) bool { return c > 0 })
	case ">=":
		return ordered(vals, func(c int) bool { return c >= 0 })
	case "<":
		return ordered(vals, func(c int) bool { return c < 0 })
	case "<=":
		return ordered(vals, func(c int) bool { return c <= 0 })
	}
	return nil, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
}

// ordered applies ok to each adjacent pair, so three operands form a between check.
func ordered(vals []any, ok func(int) bool) (bool, error) {
	for i := 0; i+1 < len(vals); i++ {
		if vals[i] == nil || vals[i+1] == nil {
			return false, nil
		}
		c, err := compare(vals[i], vals[i+1])
		if err != nil {
			return false, err
		}
		if !ok(c) {
			return false, nil
		}
	}
	return true, nil
}

func compare(a, b any) (int, error) {
	as, aStr := a.(string)
	bs, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(as, bs), nil
	}
	x, okA := toNumber(a)
	y, okB := toNumber(b)
	if !okA || !okB {
		return 0, fmt.Errorf("%w: cannot order %T and %T", ErrType, a, b)
	}
	switch {
	case x < y:
		return -1, nil
	case x > y:
		return 1, nil
	}
	return 0, nil
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if isNumber(a) || isNumber(b) {
		x, okA := toNumber(a)
		y, okB := toNumber(b)
		return okA && okB && x == y
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !looseEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			w, found := bv[k]
			if !found || !looseEqual(v, w) {
				return false
			}
		}
		return true
	}
	return false
}

func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		for _, v := range h {
			if looseEqual(v, needle) {
				return true
			}
		}
	case []string:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		for _, v := range h {
			if v == s {
				return true
			}
		}
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	}
	return false
}

// lookup resolves a dot path through nested objects and arrays.
func lookup(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(c) {
				return nil, false
			}
			cur = c[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func toKey(v any) string {
	switch k := v.(type) {
	case string:
		return k
	case float64:
		if k == math.Trunc(k) {
			return strconv.FormatInt(int64(k), 10)
		}
		return strconv.FormatFloat(k, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, json.Number:
		return true
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

// Truthy: false, null, 0, "" and empty arrays are falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok && isNumber(v) {
		return f != 0
	}
	return true
}
