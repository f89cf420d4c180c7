// Package scriptengine implements the Script Engine (spec.md §4.J): a
// goja-sandboxed execution environment exposing the quest.* API to
// collection scripts, with a 30s wall-clock budget and console capture.
//
// The engine is grounded on the channel/context timeout pattern in
// codenerd's yaegi_executor.go and the assertion semantics in falcon's
// assert.go, adapted from a Go-code interpreter and an HTTP assertion
// tool to a JavaScript sandbox because the runtime's scripts are
// authored in quest's JS-like surface (spec.md §4.J), not Go.
package scriptengine

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/vars"
)

// Timeout is the wall-clock budget a single script invocation may run
// before the engine interrupts it with a ScriptTimeout (spec.md §4.J).
const Timeout = 30 * time.Second

// ConsoleLevel names a console.* call's severity.
type ConsoleLevel string

const (
	LevelLog   ConsoleLevel = "log"
	LevelInfo  ConsoleLevel = "info"
	LevelWarn  ConsoleLevel = "warn"
	LevelError ConsoleLevel = "error"
)

// ConsoleMessage is one console.* call captured during a script run.
type ConsoleMessage struct {
	Level   ConsoleLevel
	Message string
}

// TestResult is the outcome of one quest.test(name, fn) invocation.
type TestResult struct {
	Name   string
	Passed bool
	Error  string
}

// RunResult collects everything one script invocation produced.
type RunResult struct {
	Tests   []TestResult
	Console []ConsoleMessage
}

// RequestResponse exposes the current request/response pair to a
// post-script as a plain JSON-shaped value; it is nil for pre-scripts
// and non-request scripts (spec.md §4.J "present only in post-scripts").
type RequestResponse struct {
	Request  interface{}
	Response interface{}
}

// Iteration exposes quest.iteration.{data,current,total}.
type Iteration struct {
	Data    map[string]string
	Current int
	Total   int
}

// Module is a require()-able built-in, keyed by name in the engine's
// allow-list (spec.md §4.J "restricted module imports").
type Module func(rt *goja.Runtime) goja.Value

// Engine is one script sandbox, reused across every script invocation
// in a run because the script pool's single-worker discipline means at
// most one invocation is ever in flight (spec.md §4.J "Execution
// contract").
type Engine struct {
	rt *goja.Runtime

	resolver *vars.Resolver
	jar      *scope.CookieJar

	builtinModules  map[string]Module
	externalModules map[string]interface{}

	current   *RequestResponse
	iteration Iteration
}

// New builds an Engine bound to a variable resolver and cookie jar; the
// resolver's scope stack is pushed/popped by the scheduler around each
// node, and the engine always reads/writes through it (spec.md §4.J).
func New(resolver *vars.Resolver, jar *scope.CookieJar) *Engine {
	e := &Engine{
		rt:              goja.New(),
		resolver:        resolver,
		jar:             jar,
		builtinModules:  map[string]Module{},
		externalModules: map[string]interface{}{},
	}
	registerBuiltinModules(e)
	return e
}

// SetExternalLibraries installs the External-Library Loader's
// name->module map, consulted by require() only when the built-in
// allow-list doesn't satisfy the name (spec.md §4.N).
func (e *Engine) SetExternalLibraries(modules map[string]interface{}) {
	e.externalModules = modules
}

// SetCurrentRequestResponse sets the pair a post-script's quest.request
// / quest.response resolve to. Pass nil to clear it for non-request
// scripts.
func (e *Engine) SetCurrentRequestResponse(rr *RequestResponse) {
	e.current = rr
}

// SetIteration sets the data quest.iteration.* resolves to for the
// currently running iteration.
func (e *Engine) SetIteration(it Iteration) {
	e.iteration = it
}

// Run executes script to completion or until ctx is done or Timeout
// elapses, whichever comes first. phase and path are used only to tag
// the ScriptError/ScriptTimeout this returns.
func (e *Engine) Run(ctx context.Context, script string, phase errs.ScriptPhase, path string) (*RunResult, error) {
	result := &RunResult{}
	e.bindQuestAPI(result)

	runCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := e.rt.RunString(script)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return result, &errs.ScriptError{Phase: phase, Path: path, Cause: toGoError(err)}
		}
		return result, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			e.rt.Interrupt("aborted")
			<-done
			return result, &errs.AbortError{Reason: "script interrupted by run abort"}
		}
		e.rt.Interrupt("script timed out")
		<-done // goja guarantees RunString returns promptly after Interrupt
		return result, &errs.ScriptTimeout{Phase: phase, Path: path, Timeout: Timeout.String()}
	}
}

// EvalCondition evaluates expr — a boolean JS expression, the form a
// folder or request "condition" field takes — with the same quest.*
// API and timeout discipline as Run, returning its truthiness (spec.md
// §4.L.1 "condition evaluation").
func (e *Engine) EvalCondition(ctx context.Context, expr string, path string) (bool, error) {
	result := &RunResult{}
	e.bindQuestAPI(result)

	runCtx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	type outcome struct {
		val goja.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := e.rt.RunString(expr)
		done <- outcome{v, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return false, &errs.ScriptError{Phase: errs.PhaseCondition, Path: path, Cause: toGoError(o.err)}
		}
		return o.val.ToBoolean(), nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			e.rt.Interrupt("aborted")
			<-done
			return false, &errs.AbortError{Reason: "condition evaluation interrupted by run abort"}
		}
		e.rt.Interrupt("condition timed out")
		<-done
		return false, &errs.ScriptTimeout{Phase: errs.PhaseCondition, Path: path, Timeout: Timeout.String()}
	}
}

func toGoError(err error) error {
	if jsErr, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("%s", jsErr.Value().String())
	}
	return err
}
