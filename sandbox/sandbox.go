// Package sandbox evaluates compiled boolean/numeric expressions and
// {{path}} templates against a scope, in isolation from host I/O, with a
// hard wall-clock timeout per call.
package sandbox

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultExprTimeout bounds expression evaluation (conditions, guards, branches).
const DefaultExprTimeout = 100 * time.Millisecond

// DefaultTemplateTimeout bounds a single {{path}} resolution inside a template.
const DefaultTemplateTimeout = 50 * time.Millisecond

// EvalError is a structured sandbox failure. Evaluation failures never
// propagate to callers as Go errors from Eval*/Render — they fail closed —
// and the Sandbox does not record them; no method here returns an EvalError.
type EvalError struct {
	Expr  string
	Cause error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("sandbox: expr %q: %v", e.Expr, e.Cause)
}

func (e *EvalError) Unwrap() error { return e.Cause }

// Sandbox compiles and runs expressions against a scope map. Programs are
// cached by source text since condition/guard expressions are evaluated
// repeatedly across FSM instances and pipeline steps.
type Sandbox struct {
	cache map[string]*vm.Program
}

// New returns a ready-to-use Sandbox.
func New() *Sandbox {
	return &Sandbox{cache: make(map[string]*vm.Program)}
}

func (sb *Sandbox) compile(source string) (*vm.Program, error) {
	if p, ok := sb.cache[source]; ok {
		return p, nil
	}
	// expr.AllowUndefinedVariables lets conditions reference scope keys that
	// may be absent on a given event without pre-declaring an env struct.
	p, err := expr.Compile(source, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	sb.cache[source] = p
	return p, nil
}

// result carries a vm.Run outcome across the timeout goroutine boundary.
type result struct {
	val any
	err error
}

// runWithTimeout executes a compiled program on its own goroutine and
// enforces timeout as a hard wall-clock deadline: if the deadline is hit
// first, the goroutine is abandoned (expr programs have no cooperative
// cancellation point) and the caller proceeds without waiting for it.
func runWithTimeout(program *vm.Program, scope map[string]any, timeout time.Duration) (any, error) {
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := expr.Run(program, scope)
		ch <- result{val: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-time.After(timeout):
		return nil, context.DeadlineExceeded
	}
}

// EvaluateBool evaluates a boolean expression against scope. On any failure
// (compile error, runtime error, timeout, or a non-bool result) it fails
// closed and returns false — sandbox errors never propagate to callers.
func (sb *Sandbox) EvaluateBool(exprSrc string, scope map[string]any, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultExprTimeout
	}
	program, err := sb.compile(exprSrc)
	if err != nil {
		return false
	}
	v, err := runWithTimeout(program, scope, timeout)
	if err != nil {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// EvaluateNumber evaluates a numeric expression against scope. On any
// failure it returns NaN.
func (sb *Sandbox) EvaluateNumber(exprSrc string, scope map[string]any, timeout time.Duration) float64 {
	if timeout <= 0 {
		timeout = DefaultExprTimeout
	}
	program, err := sb.compile(exprSrc)
	if err != nil {
		return math.NaN()
	}
	v, err := runWithTimeout(program, scope, timeout)
	if err != nil {
		return math.NaN()
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return math.NaN()
	}
}

var templatePathRE = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// RenderTemplate replaces every {{ path }} occurrence with the stringified
// result of evaluating path against scope, one sub-call per placeholder,
// each bounded by DefaultTemplateTimeout. A path that fails to resolve
// renders as the literal placeholder "<path>" (trimmed of braces/spaces).
// A template with no placeholders is returned unchanged (identity law).
func (sb *Sandbox) RenderTemplate(template string, scope map[string]any) string {
	return templatePathRE.ReplaceAllStringFunc(template, func(match string) string {
		path := templatePathRE.FindStringSubmatch(match)[1]
		program, err := sb.compile(path)
		if err != nil {
			return "<" + path + ">"
		}
		v, err := runWithTimeout(program, scope, DefaultTemplateTimeout)
		if err != nil || v == nil {
			return "<" + path + ">"
		}
		return fmt.Sprintf("%v", v)
	})
}
