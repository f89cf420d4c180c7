// Package vars implements the template resolver described in spec.md
// §4.A: {{name}} scope lookups, {{$provider:key}} value-provider calls,
// and {{$func(args)}} built-in pseudo-variables, applied recursively to
// fixed point (or a depth cap) across nested JSON-shaped values.
package vars

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/secrets"
)

// ValueProvider resolves {{$provider:key}} lookups. It mirrors the
// value-provider plugin contract in spec.md §6.3: a nil return means
// "unknown key", an error means "provider unavailable" and is surfaced
// as a validation error by the caller, not swallowed.
type ValueProvider interface {
	GetValue(ctx context.Context, key string, config map[string]interface{}) (*string, error)
}

// PseudoFunc implements a built-in {{$func(args)}} pseudo-variable.
type PseudoFunc func(args string) (string, error)

// layer is a mutex-guarded string map used for the Environment and
// Global scopes, which (unlike the scope.Stack) are read and written
// outside the script pool's single-goroutine guarantee — Environment
// writes persist across the run and Global is process-level.
type layer struct {
	mu   sync.RWMutex
	vars map[string]string
}

func newLayer(seed map[string]string) *layer {
	l := &layer{vars: map[string]string{}}
	for k, v := range seed {
		l.vars[k] = v
	}
	return l
}

func (l *layer) get(name string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.vars[name]
	return v, ok
}

func (l *layer) set(name, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vars[name] = value
}

func (l *layer) snapshot() map[string]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]string, len(l.vars))
	for k, v := range l.vars {
		out[k] = v
	}
	return out
}

// MaxResolveDepth bounds recursive template expansion so a malformed
// collection with {{a}} -> "{{a}}" cannot hang the runtime.
const MaxResolveDepth = 10

var templateRe = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// Resolver resolves templates against the six-layer precedence chain in
// spec.md §3.2: request/folder/collection (the scope stack, highest to
// lowest), environment, global, and the read-only iteration row.
type Resolver struct {
	Stack       *scope.Stack
	Environment *layer
	Global      *layer

	iterationMu sync.RWMutex
	iteration   map[string]string

	providersMu sync.RWMutex
	providers   map[string]ValueProvider

	pseudo map[string]PseudoFunc

	secretValues *secretStore
}

// secretStore tracks the raw values of Variables marked isSecret, so
// Redact can find and mask them in strings bound for a logged event
// payload (spec.md §9: "a Variable marked isSecret never appears
// un-masked in logged event payloads"). Registration happens on the
// script pool while redaction reads happen from request-pool workers,
// so both are guarded by the same lock.
type secretStore struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func newSecretStore() *secretStore {
	return &secretStore{values: map[string]struct{}{}}
}

func (s *secretStore) register(value string) {
	if value == "" {
		return
	}
	s.mu.Lock()
	s.values[value] = struct{}{}
	s.mu.Unlock()
}

func (s *secretStore) redact(text string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for value := range s.values {
		if value != "" && strings.Contains(text, value) {
			text = strings.ReplaceAll(text, value, secrets.Mask(value))
		}
	}
	return text
}

// New builds a Resolver over the given scope stack, seeded with initial
// environment and global maps.
func New(stack *scope.Stack, environment, global map[string]string) *Resolver {
	r := &Resolver{
		Stack:        stack,
		Environment:  newLayer(environment),
		Global:       newLayer(global),
		providers:    map[string]ValueProvider{},
		pseudo:       map[string]PseudoFunc{},
		secretValues: newSecretStore(),
	}
	registerBuiltinPseudoVars(r)
	return r
}

// SnapshotResolver returns a Resolver whose Stack is frozen to snapshot
// instead of the live scope stack, sharing this resolver's Environment,
// Global, provider, and pseudo-function registrations. This is the view
// the request pool's I/O phase resolves variables through (spec.md §5
// "reads by the I/O phase ... a snapshot captured during pre-phase").
//
// Sharing r.providers and r.pseudo by reference without copying their
// guards is safe only because both are populated once during plugin
// loading, before the scheduler ever starts dispatching nodes, and never
// written to again during a run — there is no concurrent writer for the
// concurrent readers in SnapshotResolver and r to race against.
func (r *Resolver) SnapshotResolver(snapshot map[string]string) *Resolver {
	return &Resolver{
		Stack:        scope.NewFrozen(snapshot),
		Environment:  r.Environment,
		Global:       r.Global,
		providers:    r.providers,
		pseudo:       r.pseudo,
		secretValues: r.secretValues,
	}
}

// RegisterSecretValue marks value as secret: any future Redact call,
// on this Resolver or any Resolver derived from it via
// SnapshotResolver, masks it wherever it appears.
func (r *Resolver) RegisterSecretValue(value string) {
	r.secretValues.register(value)
}

// Redact masks every registered secret value appearing in text, for use
// just before a resolved string (e.g. a request URL) is attached to a
// logged Envelope.
func (r *Resolver) Redact(text string) string {
	return r.secretValues.redact(text)
}

// RegisterProvider makes a value-provider plugin available to
// {{$provider:key}} lookups, called by the Plugin Loader when it
// registers a "value" plugin into the Plugin Registry.
func (r *Resolver) RegisterProvider(name string, p ValueProvider) {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()
	r.providers[name] = p
}

// RegisterPseudoFunc adds or overrides a built-in {{$func(args)}}
// pseudo-variable.
func (r *Resolver) RegisterPseudoFunc(name string, fn PseudoFunc) {
	r.pseudo[name] = fn
}

// SetIterationRow replaces the read-only iteration-data row for the
// current iteration (spec.md §3.2 item 6, addressed via
// quest.iteration.data).
func (r *Resolver) SetIterationRow(row map[string]string) {
	r.iterationMu.Lock()
	defer r.iterationMu.Unlock()
	r.iteration = row
}

func (r *Resolver) iterationGet(name string) (string, bool) {
	r.iterationMu.RLock()
	defer r.iterationMu.RUnlock()
	v, ok := r.iteration[name]
	return v, ok
}

// Get looks a plain variable name up through the full precedence chain.
func (r *Resolver) Get(name string) (string, bool) {
	if v, ok := r.Stack.Lookup(name); ok {
		return v, ok
	}
	if v, ok := r.Environment.get(name); ok {
		return v, true
	}
	if v, ok := r.Global.get(name); ok {
		return v, true
	}
	return r.iterationGet(name)
}

// Set writes to "the innermost relevant scope" — the frame on top of
// the stack, whichever level (request, folder, or collection) currently
// owns it. This is quest.variables.set's target.
func (r *Resolver) Set(name, value string) {
	r.Stack.Top().Vars[name] = value
}

// SetCollection writes directly to the collection-scope frame, the
// target of quest.collectionVariables.set.
func (r *Resolver) SetCollection(name, value string) {
	r.Stack.Collection().Vars[name] = value
}

// SetEnvironment writes to the Environment layer. Environment writes
// persist across the run (spec.md §3.2).
func (r *Resolver) SetEnvironment(name, value string) {
	r.Environment.set(name, value)
}

// SetGlobal writes to the process-level Global layer.
func (r *Resolver) SetGlobal(name, value string) {
	r.Global.set(name, value)
}

// CallProvider invokes a registered value provider directly, the path
// quest.vault.get(provider, key) takes (spec.md §4.J) rather than going
// through template expansion.
func (r *Resolver) CallProvider(ctx context.Context, name, key string) (string, bool, error) {
	r.providersMu.RLock()
	provider, ok := r.providers[name]
	r.providersMu.RUnlock()
	if !ok {
		return "", false, fmt.Errorf("no value provider registered for %q", name)
	}
	value, err := provider.GetValue(ctx, key, nil)
	if err != nil {
		return "", false, fmt.Errorf("value provider %q: %w", name, err)
	}
	if value == nil {
		return "", false, nil
	}
	return *value, true, nil
}

// ResolveString expands all template forms in s, re-applying expansion
// until a fixed point or MaxResolveDepth is reached. A provider or
// pseudo-variable error is returned in either mode. In strict mode an
// unresolved token or an exhausted depth is also an error; otherwise an
// unresolved token is left as the literal text and an exhausted depth
// returns the last pass's result (spec.md §4.A).
func (r *Resolver) ResolveString(ctx context.Context, s string, strict bool) (string, error) {
	current := s
	for depth := 0; depth < MaxResolveDepth; depth++ {
		next, changed, err := r.resolveOnce(ctx, current, strict)
		if err != nil {
			return "", err
		}
		if !changed {
			return next, nil
		}
		current = next
	}
	if strict {
		return "", fmt.Errorf("template did not converge within %d passes: %q", MaxResolveDepth, s)
	}
	return current, nil
}

func (r *Resolver) resolveOnce(ctx context.Context, s string, strict bool) (string, bool, error) {
	changed := false
	var outerErr error

	result := templateRe.ReplaceAllStringFunc(s, func(match string) string {
		if outerErr != nil {
			return match
		}
		token := strings.TrimSpace(match[2 : len(match)-2])

		resolved, ok, err := r.resolveToken(ctx, token)
		if err != nil {
			outerErr = err
			return match
		}
		if !ok {
			if strict {
				outerErr = fmt.Errorf("unresolved variable %q", token)
			}
			return match
		}
		changed = true
		return resolved
	})

	if outerErr != nil {
		return "", false, outerErr
	}
	return result, changed, nil
}

func (r *Resolver) resolveToken(ctx context.Context, token string) (string, bool, error) {
	switch {
	case strings.HasPrefix(token, "$") && strings.Contains(token, ":"):
		parts := strings.SplitN(token[1:], ":", 2)
		name, key := parts[0], parts[1]
		r.providersMu.RLock()
		provider, ok := r.providers[name]
		r.providersMu.RUnlock()
		if !ok {
			return "", false, nil
		}
		value, err := provider.GetValue(ctx, key, nil)
		if err != nil {
			return "", false, fmt.Errorf("value provider %q: %w", name, err)
		}
		if value == nil {
			return "", false, nil
		}
		return *value, true, nil

	case strings.HasPrefix(token, "$"):
		name := token[1:]
		args := ""
		if idx := strings.Index(name, "("); idx >= 0 && strings.HasSuffix(name, ")") {
			args = name[idx+1 : len(name)-1]
			name = name[:idx]
		}
		fn, ok := r.pseudo[name]
		if !ok {
			return "", false, nil
		}
		value, err := fn(args)
		if err != nil {
			return "", false, fmt.Errorf("pseudo variable %q: %w", name, err)
		}
		return value, true, nil

	default:
		return r.Get(token)
	}
}

// ResolveValue applies ResolveString recursively across a nested
// JSON-shaped value (map, slice, string, or scalar), the form request
// URLs/headers/bodies/auth data take once decoded from JSON.
func (r *Resolver) ResolveValue(ctx context.Context, v interface{}, strict bool) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return r.ResolveString(ctx, val, strict)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			resolved, err := r.ResolveValue(ctx, inner, strict)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			resolved, err := r.ResolveValue(ctx, inner, strict)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveJSON is a convenience wrapper that round-trips raw JSON through
// ResolveValue, used to resolve a request's "data" blob in one call.
func (r *Resolver) ResolveJSON(ctx context.Context, raw json.RawMessage, strict bool) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("resolve: invalid json: %w", err)
	}
	resolved, err := r.ResolveValue(ctx, v, strict)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

// EnvironmentSnapshot and GlobalSnapshot expose copies for diagnostics
// and for the Runner to persist environment writes at run end.
func (r *Resolver) EnvironmentSnapshot() map[string]string { return r.Environment.snapshot() }
func (r *Resolver) GlobalSnapshot() map[string]string       { return r.Global.snapshot() }
