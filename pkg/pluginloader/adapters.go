package pluginloader

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

func callableOf(obj *goja.Object, name string) (goja.Callable, error) {
	fn, ok := goja.AssertFunction(obj.Get(name))
	if !ok {
		return nil, fmt.Errorf("plugin export has no %q function", name)
	}
	return fn, nil
}

// protocolAdapter wraps a JS {execute(request, context, options) ->
// response, validate(request, options) -> result} object as a
// pluginapi.ProtocolPlugin (spec.md §6.1).
type protocolAdapter struct {
	mod      *pluginModule
	execute  goja.Callable
	validate goja.Callable
}

func newProtocolAdapter(mod *pluginModule, obj *goja.Object) (*protocolAdapter, error) {
	execute, err := callableOf(obj, "execute")
	if err != nil {
		return nil, err
	}
	validate, _ := callableOf(obj, "validate")
	return &protocolAdapter{mod: mod, execute: execute, validate: validate}, nil
}

func (a *protocolAdapter) Execute(ctx context.Context, request, runCtx interface{}, options map[string]interface{}, emit pluginapi.EmitEvent, log pluginapi.Logger) (*pluginapi.Response, error) {
	a.mod.mu.Lock()
	defer a.mod.mu.Unlock()
	rt := a.mod.rt

	result, err := a.execute(goja.Undefined(), rt.ToValue(request), rt.ToValue(runCtx), rt.ToValue(options))
	if err != nil {
		return nil, toGoError(err)
	}

	var resp pluginapi.Response
	raw, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("marshaling plugin response: %w", err)
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding plugin response: %w", err)
	}
	return &resp, nil
}

func (a *protocolAdapter) Validate(request, options map[string]interface{}) pluginapi.ValidationResult {
	if a.validate == nil {
		return pluginapi.ValidationResult{}
	}
	a.mod.mu.Lock()
	defer a.mod.mu.Unlock()
	rt := a.mod.rt

	result, err := a.validate(goja.Undefined(), rt.ToValue(request), rt.ToValue(options))
	if err != nil {
		return pluginapi.ValidationResult{Errors: []string{toGoError(err).Error()}}
	}
	var out pluginapi.ValidationResult
	raw, err := json.Marshal(result.Export())
	if err != nil {
		return pluginapi.ValidationResult{Errors: []string{err.Error()}}
	}
	_ = json.Unmarshal(raw, &out)
	return out
}

// authAdapter wraps a JS {apply(request, auth, options) -> request}
// object as a pluginapi.AuthPlugin (spec.md §6.2).
type authAdapter struct {
	mod   *pluginModule
	apply goja.Callable
}

func newAuthAdapter(mod *pluginModule, obj *goja.Object) (*authAdapter, error) {
	apply, err := callableOf(obj, "apply")
	if err != nil {
		return nil, err
	}
	return &authAdapter{mod: mod, apply: apply}, nil
}

func (a *authAdapter) Apply(ctx context.Context, request interface{}, auth, options map[string]interface{}, log pluginapi.Logger) (interface{}, error) {
	a.mod.mu.Lock()
	defer a.mod.mu.Unlock()
	rt := a.mod.rt

	result, err := a.apply(goja.Undefined(), rt.ToValue(request), rt.ToValue(auth), rt.ToValue(options))
	if err != nil {
		return nil, toGoError(err)
	}
	return result.Export(), nil
}

// valueAdapter wraps a JS {getValue(key, config) -> string|null} object
// as a pluginapi.ValueProvider (spec.md §6.3).
type valueAdapter struct {
	mod      *pluginModule
	getValue goja.Callable
}

func newValueAdapter(mod *pluginModule, obj *goja.Object) (*valueAdapter, error) {
	getValue, err := callableOf(obj, "getValue")
	if err != nil {
		return nil, err
	}
	return &valueAdapter{mod: mod, getValue: getValue}, nil
}

func (a *valueAdapter) GetValue(ctx context.Context, key string, config map[string]interface{}) (*string, error) {
	a.mod.mu.Lock()
	defer a.mod.mu.Unlock()
	rt := a.mod.rt

	result, err := a.getValue(goja.Undefined(), rt.ToValue(key), rt.ToValue(config))
	if err != nil {
		return nil, toGoError(err)
	}
	if goja.IsNull(result) || goja.IsUndefined(result) {
		return nil, nil
	}
	s := result.String()
	return &s, nil
}

func toGoError(err error) error {
	if jsErr, ok := err.(*goja.Exception); ok {
		return fmt.Errorf("%s", jsErr.Value().String())
	}
	return err
}
