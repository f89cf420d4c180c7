// Package registry implements the Plugin Registry (spec.md §4.F): the
// in-memory maps from protocol, auth type, and value-provider id to
// the plugin instance that handles them. Registration is idempotent
// per name, guarded by a per-name sync.Once so a second load attempt
// for the same plugin is a silent no-op (spec.md §4.E step 3).
package registry

import (
	"sync"

	"github.com/blackcoderx/runlet/pkg/builtinauth"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

// Registry is safe for concurrent reads and writes; the Plugin Loader
// populates it in parallel during startup, and the scheduler's request
// pool performs concurrent lookups during the run.
type Registry struct {
	mu sync.RWMutex

	protocols map[string]pluginapi.ProtocolPlugin
	auths     map[string]pluginapi.AuthPlugin
	values    map[string]pluginapi.ValueProvider

	loadedOnce map[string]*sync.Once
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		protocols:  map[string]pluginapi.ProtocolPlugin{},
		auths:      map[string]pluginapi.AuthPlugin{},
		values:     map[string]pluginapi.ValueProvider{},
		loadedOnce: map[string]*sync.Once{},
	}
}

// NewWithBuiltins returns a registry pre-seeded with the runtime's
// built-in, non-dynamic plugins (spec.md §3.2's "registered into the
// Plugin Registry at startup as one of the runtime's few built-in
// (non-dynamic) plugins"): oauth2, bearer, and basic auth, plus the
// env value-provider backing {{$env:KEY}} lookups.
func NewWithBuiltins() *Registry {
	r := New()
	r.RegisterAuth("builtin-oauth2", builtinauth.Name, builtinauth.OAuth2Plugin{})
	r.RegisterAuth("builtin-bearer", builtinauth.BearerName, builtinauth.BearerPlugin{})
	r.RegisterAuth("builtin-basic", builtinauth.BasicName, builtinauth.BasicPlugin{})
	r.RegisterValueProvider("builtin-env", builtinauth.EnvProviderName, builtinauth.EnvProvider{})
	return r
}

// onceFor returns the per-plugin-name Once, creating it on first use.
// Callers hold no lock across the Once itself; loadedOnce's map access
// is guarded separately from the three capability maps it gates.
func (r *Registry) onceFor(name string) *sync.Once {
	r.mu.Lock()
	defer r.mu.Unlock()
	once, ok := r.loadedOnce[name]
	if !ok {
		once = &sync.Once{}
		r.loadedOnce[name] = once
	}
	return once
}

// RegisterProtocol registers a protocol plugin under the given plugin
// name. A second call for the same name is a no-op, per spec.md §4.E.
func (r *Registry) RegisterProtocol(name, protocol string, plugin pluginapi.ProtocolPlugin) {
	r.onceFor(name).Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.protocols[protocol] = plugin
	})
}

// RegisterAuth registers an auth plugin under the given plugin name. A
// plugin module may expose an array of auth handlers; the loader calls
// this once per element, but the name-level Once still dedupes a
// repeated load of the whole plugin.
func (r *Registry) RegisterAuth(name, authType string, plugin pluginapi.AuthPlugin) {
	r.onceFor(name + ":" + authType).Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.auths[authType] = plugin
	})
}

// RegisterValueProvider registers a value-provider plugin under the
// given plugin name.
func (r *Registry) RegisterValueProvider(name, valueType string, provider pluginapi.ValueProvider) {
	r.onceFor(name + ":" + valueType).Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.values[valueType] = provider
	})
}

// Protocol looks up the plugin registered for a protocol identifier.
func (r *Registry) Protocol(protocol string) (pluginapi.ProtocolPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.protocols[protocol]
	return p, ok
}

// Auth looks up the plugin registered for an auth type.
func (r *Registry) Auth(authType string) (pluginapi.AuthPlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.auths[authType]
	return p, ok
}

// ValueProvider looks up the provider registered for a value-type id.
func (r *Registry) ValueProvider(valueType string) (pluginapi.ValueProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.values[valueType]
	return p, ok
}
