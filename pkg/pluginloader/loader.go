// Package pluginloader implements the Plugin Loader (spec.md §4.E):
// filter the resolved plugin set down to what the collection actually
// needs, load each one's JS entry point in a sandboxed goja runtime,
// and register the exposed execute/apply/getValue functions into the
// Plugin Registry.
package pluginloader

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/analyzer"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
	"github.com/blackcoderx/runlet/pkg/registry"
)

// Load filters resolved down to the plugins reqs actually needs, then
// loads and registers each one concurrently. A plugin whose load fails
// is reported but does not abort the others (spec.md §4.E "Failure").
func Load(ctx context.Context, resolved map[string]pluginapi.ResolvedPlugin, reqs *analyzer.Requirements, reg *registry.Registry, log *zap.SugaredLogger) []error {
	needed := selectNeeded(resolved, reqs)

	var mu sync.Mutex
	var loadErrors []error
	var g errgroup.Group

	for _, plugin := range needed {
		plugin := plugin
		g.Go(func() error {
			if err := loadOne(plugin, reg, log); err != nil {
				mu.Lock()
				loadErrors = append(loadErrors, &errs.PluginLoadError{Plugin: plugin.Name, Cause: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return loadErrors
}

// selectNeeded keeps only resolved plugins that declare at least one
// capability the collection's requirements set actually uses.
func selectNeeded(resolved map[string]pluginapi.ResolvedPlugin, reqs *analyzer.Requirements) []pluginapi.ResolvedPlugin {
	var needed []pluginapi.ResolvedPlugin
	for _, p := range resolved {
		if providesAny(p.Capabilities.Provides.Protocols, reqs.Protocols) ||
			providesAny(p.Capabilities.Provides.AuthTypes, reqs.AuthTypes) ||
			providesAny(p.Capabilities.Provides.ValueTypes, reqs.ValueProviders) {
			needed = append(needed, p)
		}
	}
	return needed
}

func providesAny(provided []string, wanted map[string]struct{}) bool {
	for _, p := range provided {
		if _, ok := wanted[p]; ok {
			return true
		}
	}
	return false
}

// pluginModule is the evaluated form of a plugin's entry-point script:
// a runtime it owns plus a mutex, since a goja.Runtime may only ever be
// driven by one goroutine at a time but a loaded protocol plugin is
// called concurrently from every request-pool worker.
type pluginModule struct {
	rt *goja.Runtime
	mu sync.Mutex
}

func loadOne(plugin pluginapi.ResolvedPlugin, reg *registry.Registry, log *zap.SugaredLogger) error {
	src, err := os.ReadFile(plugin.EntryPath)
	if err != nil {
		return fmt.Errorf("reading entry point: %w", err)
	}

	rt := goja.New()
	module := rt.NewObject()
	_ = module.Set("exports", rt.NewObject())
	_ = rt.Set("module", module)
	_ = rt.Set("exports", module.Get("exports"))

	if _, err := rt.RunString(string(src)); err != nil {
		return fmt.Errorf("evaluating plugin script: %w", err)
	}

	exportsVal := module.Get("exports")
	mod := &pluginModule{rt: rt}

	var elements []*goja.Object
	if exportsObj := exportsVal.ToObject(rt); exportsObj.ClassName() == "Array" {
		length := exportsObj.Get("length").ToInteger()
		for i := int64(0); i < length; i++ {
			elements = append(elements, exportsObj.Get(fmt.Sprint(i)).ToObject(rt))
		}
	} else {
		elements = []*goja.Object{exportsObj}
	}

	switch plugin.Type {
	case pluginapi.KindProtocol:
		adapter, err := newProtocolAdapter(mod, elements[0])
		if err != nil {
			return err
		}
		for _, protocolID := range plugin.Capabilities.Provides.Protocols {
			reg.RegisterProtocol(plugin.Name, protocolID, adapter)
		}
	case pluginapi.KindAuth:
		for i, el := range elements {
			adapter, err := newAuthAdapter(mod, el)
			if err != nil {
				return err
			}
			reg.RegisterAuth(plugin.Name, authTypeFor(plugin, i), adapter)
		}
	case pluginapi.KindValue:
		adapter, err := newValueAdapter(mod, elements[0])
		if err != nil {
			return err
		}
		for _, valueType := range plugin.Capabilities.Provides.ValueTypes {
			reg.RegisterValueProvider(plugin.Name, valueType, adapter)
		}
	default:
		return fmt.Errorf("unknown plugin type %q", plugin.Type)
	}

	if log != nil {
		log.Infow("plugin loaded", "plugin", plugin.Name, "version", plugin.Version, "type", plugin.Type)
	}
	return nil
}

// authTypeFor maps the i-th element of an auth plugin's array export to
// the i-th declared authType capability, falling back to the plugin
// name when the arity doesn't line up (a malformed manifest, logged
// elsewhere rather than failing the whole load).
func authTypeFor(plugin pluginapi.ResolvedPlugin, i int) string {
	types := plugin.Capabilities.Provides.AuthTypes
	if i < len(types) {
		return types[i]
	}
	if len(types) > 0 {
		return types[0]
	}
	return plugin.Name
}
