package scriptengine

import (
	"context"
	"fmt"

	"github.com/dop251/goja"

	"github.com/blackcoderx/runlet/pkg/scope"
)

// bindQuestAPI (re)builds the quest and console globals for one script
// invocation, capturing console/test output into result.
func (e *Engine) bindQuestAPI(result *RunResult) {
	rt := e.rt

	quest := rt.NewObject()
	_ = quest.Set("variables", e.variablesObject(rt, scope.LevelRequest))
	_ = quest.Set("collectionVariables", e.collectionVariablesObject(rt))
	_ = quest.Set("global", e.namedScope(rt, scopeGlobal))
	_ = quest.Set("environment", e.namedScope(rt, scopeEnvironment))
	_ = quest.Set("request", e.currentRequest())
	_ = quest.Set("response", e.currentResponse())
	_ = quest.Set("iteration", e.iterationObject(rt))
	_ = quest.Set("cookies", e.cookiesObject(rt))
	_ = quest.Set("test", e.testFunc(rt, result))
	_ = quest.Set("vault", e.vaultObject(rt))
	_ = quest.Set("expect", e.expectFunc(rt))

	_ = rt.Set("quest", quest)
	_ = rt.Set("console", e.consoleObject(rt, result))
	_ = rt.Set("require", e.requireFunc(rt))
}

type scopeKind int

const (
	scopeGlobal scopeKind = iota
	scopeEnvironment
)

// variablesObject builds quest.variables: reads fall through the full
// scope-stack precedence chain, writes target the innermost scope
// frame (spec.md §4.J).
func (e *Engine) variablesObject(rt *goja.Runtime, _ scope.Level) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("get", func(name string) interface{} {
		if v, ok := e.resolver.Get(name); ok {
			return v
		}
		return goja.Undefined()
	})
	_ = obj.Set("set", func(name, value string) { e.resolver.Set(name, value) })
	_ = obj.Set("has", func(name string) bool {
		_, ok := e.resolver.Get(name)
		return ok
	})
	_ = obj.Set("unset", func(name string) { delete(e.resolver.Stack.Top().Vars, name) })
	return obj
}

func (e *Engine) collectionVariablesObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("get", func(name string) interface{} {
		if v, ok := e.resolver.Stack.Collection().Vars[name]; ok {
			return v
		}
		return goja.Undefined()
	})
	_ = obj.Set("set", func(name, value string) { e.resolver.SetCollection(name, value) })
	_ = obj.Set("has", func(name string) bool {
		_, ok := e.resolver.Stack.Collection().Vars[name]
		return ok
	})
	_ = obj.Set("unset", func(name string) { delete(e.resolver.Stack.Collection().Vars, name) })
	return obj
}

func (e *Engine) namedScope(rt *goja.Runtime, kind scopeKind) *goja.Object {
	get := func(name string) (string, bool) { return e.resolver.Environment.get(name) }
	set := e.resolver.SetEnvironment
	if kind == scopeGlobal {
		get = func(name string) (string, bool) { return e.resolver.Global.get(name) }
		set = e.resolver.SetGlobal
	}

	scopeObj := rt.NewObject()
	varsObj := rt.NewObject()
	_ = varsObj.Set("get", func(name string) interface{} {
		if v, ok := get(name); ok {
			return v
		}
		return goja.Undefined()
	})
	_ = varsObj.Set("set", set)
	_ = varsObj.Set("has", func(name string) bool {
		_, ok := get(name)
		return ok
	})
	_ = scopeObj.Set("variables", varsObj)
	return scopeObj
}

func (e *Engine) currentRequest() interface{} {
	if e.current == nil || e.current.Request == nil {
		return goja.Undefined()
	}
	return e.current.Request
}

func (e *Engine) currentResponse() interface{} {
	if e.current == nil || e.current.Response == nil {
		return goja.Undefined()
	}
	return e.current.Response
}

func (e *Engine) iterationObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("data", e.iteration.Data)
	_ = obj.Set("current", e.iteration.Current)
	_ = obj.Set("total", e.iteration.Total)
	return obj
}

func (e *Engine) cookiesObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("toObject", func() map[string]string {
		if e.jar == nil {
			return map[string]string{}
		}
		return e.jar.ToObject()
	})
	return obj
}

func (e *Engine) testFunc(rt *goja.Runtime, result *RunResult) func(name string, fn goja.Callable) {
	return func(name string, fn goja.Callable) {
		tr := TestResult{Name: name, Passed: true}
		func() {
			defer func() {
				if r := recover(); r != nil {
					tr.Passed = false
					tr.Error = fmt.Sprintf("%v", r)
				}
			}()
			if _, err := fn(goja.Undefined()); err != nil {
				tr.Passed = false
				tr.Error = toGoError(err).Error()
			}
		}()
		result.Tests = append(result.Tests, tr)
	}
}

func (e *Engine) vaultObject(rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()
	_ = obj.Set("get", func(provider, key string) interface{} {
		promise, resolve, reject := rt.NewPromise()
		value, ok, err := e.resolver.CallProvider(context.Background(), provider, key)
		switch {
		case err != nil:
			reject(err.Error())
		case !ok:
			resolve(goja.Null())
		default:
			resolve(value)
		}
		return promise
	})
	return obj
}

func (e *Engine) consoleObject(rt *goja.Runtime, result *RunResult) *goja.Object {
	obj := rt.NewObject()
	capture := func(level ConsoleLevel) func(args ...interface{}) {
		return func(args ...interface{}) {
			msg := fmt.Sprint(args...)
			result.Console = append(result.Console, ConsoleMessage{Level: level, Message: msg})
		}
	}
	_ = obj.Set("log", capture(LevelLog))
	_ = obj.Set("info", capture(LevelInfo))
	_ = obj.Set("warn", capture(LevelWarn))
	_ = obj.Set("error", capture(LevelError))
	return obj
}

func (e *Engine) requireFunc(rt *goja.Runtime) func(name string) interface{} {
	return func(name string) interface{} {
		if mod, ok := e.builtinModules[name]; ok {
			return mod(rt)
		}
		if mod, ok := e.externalModules[name]; ok {
			return mod
		}
		panic(rt.NewTypeError("module %q is not allowed: add it to the built-in allow-list or load it via an external library", name))
	}
}
