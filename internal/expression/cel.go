// Package expression evaluates script, gateway and decision expressions
// written in CEL against a workflow data context.
package expression

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/pitabwire/weft/model"
)

var (
	identPattern      = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	undeclaredPattern = regexp.MustCompile(`undeclared reference to '([^']+)'`)
	locationPattern   = regexp.MustCompile(`<input>:(\d+):(\d+):`)
)

// reserved identifiers cannot be declared as CEL variables.
var reserved = map[string]bool{
	"true": true, "false": true, "null": true, "in": true,
	"as": true, "break": true, "const": true, "continue": true, "else": true,
	"for": true, "function": true, "if": true, "import": true, "let": true,
	"loop": true, "package": true, "namespace": true, "return": true,
	"var": true, "void": true, "while": true,
}

const defaultCacheSize = 512

// CELEvaluator implements model.Evaluator with the Common Expression
// Language. Every identifier-shaped key of the data context is declared as a
// dynamically typed variable, so references to anything else fail type
// checking and are reported as undefined names.
type CELEvaluator struct {
	mu       sync.Mutex
	programs map[string]cel.Program
	maxCache int
}

// NewCELEvaluator creates an evaluator with a bounded program cache.
func NewCELEvaluator() *CELEvaluator {
	return &CELEvaluator{
		programs: make(map[string]cel.Program),
		maxCache: defaultCacheSize,
	}
}

// Evaluate compiles expression against the keys of data and evaluates it.
// Maps and lists in the result are converted to map[string]any and []any.
func (e *CELEvaluator) Evaluate(expression string, data map[string]any) (any, error) {
	vars := declarable(data)
	prg, err := e.program(expression, vars)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(vars))
	for _, name := range vars {
		activation[name] = data[name]
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, &model.EvaluationError{
			Expression: expression,
			Message:    err.Error(),
			Cause:      err,
		}
	}
	return toNative(out), nil
}

func (e *CELEvaluator) program(expression string, vars []string) (cel.Program, error) {
	key := expression + "\x00" + strings.Join(vars, ",")

	e.mu.Lock()
	prg, ok := e.programs[key]
	e.mu.Unlock()
	if ok {
		return prg, nil
	}

	opts := make([]cel.EnvOption, 0, len(vars))
	for _, name := range vars {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, &model.EvaluationError{Expression: expression, Message: err.Error(), Cause: err}
	}

	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, compileError(expression, iss.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, &model.EvaluationError{Expression: expression, Message: err.Error(), Cause: err}
	}

	e.mu.Lock()
	if len(e.programs) >= e.maxCache {
		e.programs = make(map[string]cel.Program)
	}
	e.programs[key] = prg
	e.mu.Unlock()
	return prg, nil
}

// compileError converts CEL issues into an EvaluationError, extracting the
// first undefined name and source location.
func compileError(expression string, err error) *model.EvaluationError {
	msg := err.Error()
	ee := &model.EvaluationError{
		Expression: expression,
		Message:    firstLine(msg),
		Cause:      err,
	}
	if m := undeclaredPattern.FindStringSubmatch(msg); m != nil {
		ee.Undefined = m[1]
	}
	if m := locationPattern.FindStringSubmatch(msg); m != nil {
		ee.Line, _ = strconv.Atoi(m[1])
		ee.Column, _ = strconv.Atoi(m[2])
	}
	return ee
}

func firstLine(s string) string {
	s = strings.TrimPrefix(s, "ERROR: ")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// declarable returns the sorted data keys usable as CEL identifiers.
func declarable(data map[string]any) []string {
	names := make([]string, 0, len(data))
	for k := range data {
		if identPattern.MatchString(k) && !reserved[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	return names
}

// toNative converts a CEL value into plain Go values.
func toNative(v ref.Val) any {
	switch tv := v.(type) {
	case types.Null:
		return nil
	case traits.Mapper:
		out := make(map[string]any)
		it := tv.Iterator()
		for it.HasNext() == types.True {
			k := it.Next()
			out[fmt.Sprint(k.Value())] = toNative(tv.Get(k))
		}
		return out
	case traits.Lister:
		var out []any
		it := tv.Iterator()
		for it.HasNext() == types.True {
			out = append(out, toNative(it.Next()))
		}
		if out == nil {
			out = []any{}
		}
		return out
	}
	return v.Value()
}
