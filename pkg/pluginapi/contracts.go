// Package pluginapi defines the three plugin contracts a runtime plugin
// may implement (spec.md §6.1-6.3) and the on-disk manifest shape the
// Plugin Resolver reads (§6.5).
package pluginapi

import "context"

// EmitEvent funnels a plugin-reported event through the scheduler's
// script queue so a matching plugin-event script runs serialized with
// everything else on the script pool (spec.md §4.L.3 step 2).
type EmitEvent func(ctx context.Context, name string, data interface{}) error

// Logger is the narrow logging surface handed to plugins, satisfied by
// a *zap.SugaredLogger.
type Logger interface {
	Debugw(msg string, kv ...interface{})
	Infow(msg string, kv ...interface{})
	Warnw(msg string, kv ...interface{})
	Errorw(msg string, kv ...interface{})
}

// Request is the normalized request shape passed to protocol and auth
// plugins. Concrete plugins receive it as interface{} per spec.md
// §6.1/§6.2 and type-assert to this shape; it is the one the runtime
// itself constructs from a collection.Item.Request.
type Request struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// Response is a protocol plugin's normalized result, ProtocolResponse
// in spec.md §6.1.
type Response struct {
	Status     int
	StatusText string
	Body       []byte
	// Headers maps a header name to one or more values, preserving
	// multi-valued headers (spec.md §6.1 "sequence-of-string").
	Headers  map[string][]string
	Duration float64 // milliseconds
	Error    string
}

// ValidationResult is a protocol plugin's contribution to strict-mode
// validation (spec.md §4.H "plugin-assisted checks").
type ValidationResult struct {
	Errors []string
}

// ProtocolPlugin implements transport for one protocol identifier
// (e.g. "http", "grpc"). Request and Context are passed as
// interface{} so the contract does not fix their shape: the scheduler
// hands in a *Request and a nil run context, and plugins type assert
// to the shape documented for their protocol.
type ProtocolPlugin interface {
	Execute(ctx context.Context, request, runCtx interface{}, options map[string]interface{}, emit EmitEvent, log Logger) (*Response, error)
	Validate(request, options map[string]interface{}) ValidationResult
}

// AuthPlugin implements one auth type (e.g. "bearer", "oauth2"). Apply
// returns a possibly mutated request; the runtime substitutes the
// returned value before the I/O phase (spec.md §6.2).
type AuthPlugin interface {
	Apply(ctx context.Context, request interface{}, auth map[string]interface{}, options map[string]interface{}, log Logger) (interface{}, error)
}

// ValueProvider implements a {{$provider:key}} lookup source (spec.md
// §6.3). A nil return means "unknown key"; an error means "provider
// unavailable" and is surfaced as a validation error by the caller.
type ValueProvider interface {
	GetValue(ctx context.Context, key string, config map[string]interface{}) (*string, error)
}

// Kind classifies a plugin by the contract it implements.
type Kind string

const (
	KindProtocol Kind = "protocol"
	KindAuth     Kind = "auth"
	KindValue    Kind = "value"
)

// Provides lists what a plugin declares it can handle: the
// `capabilities.provides` block of its manifest (spec.md §6.5).
type Provides struct {
	Protocols  []string `yaml:"protocols,omitempty" json:"protocols,omitempty"`
	AuthTypes  []string `yaml:"authTypes,omitempty" json:"authTypes,omitempty"`
	ValueTypes []string `yaml:"valueTypes,omitempty" json:"valueTypes,omitempty"`
}

// Capabilities is the `capabilities` block of a plugin manifest.
type Capabilities struct {
	Provides Provides `yaml:"provides" json:"provides"`
}

// Manifest is a plugin directory's on-disk metadata file (spec.md
// §6.5): name, version, entry point, the runtime identifiers it
// supports, its kind, and declared capabilities.
type Manifest struct {
	Name    string `yaml:"name" json:"name"`
	Version string `yaml:"version" json:"version"`
	Main    string `yaml:"main" json:"main"`

	Runtime      []string     `yaml:"runtime" json:"runtime"`
	Type         Kind         `yaml:"type" json:"type"`
	Capabilities Capabilities `yaml:"capabilities" json:"capabilities"`
}

// SupportsRuntime reports whether the manifest declares support for
// the given engine identifier.
func (m Manifest) SupportsRuntime(id string) bool {
	for _, r := range m.Runtime {
		if r == id {
			return true
		}
	}
	return false
}

// ResolvedPlugin is the Plugin Resolver's output for one plugin name
// (spec.md §4.B): metadata sufficient to decide whether to load it,
// without having loaded any code yet.
type ResolvedPlugin struct {
	Name         string
	Version      string
	Type         Kind
	EntryPath    string
	Capabilities Capabilities
}
