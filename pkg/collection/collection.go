// Package collection holds the tree-shaped input document the runtime
// compiles and executes: collections, folders, requests, auth, and the
// variable records attached to them.
package collection

import "encoding/json"

// Collection is the top-level document: a header, collection-scope
// variables and lifecycle scripts, iteration data, runtime options, and
// an ordered tree of items.
type Collection struct {
	ID       string `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Protocol string `json:"protocol" yaml:"protocol"`

	Auth *Auth `json:"auth,omitempty" yaml:"auth,omitempty"`

	Variables map[string]Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	TestData  []map[string]string `json:"testData,omitempty" yaml:"testData,omitempty"`

	// TestDataSource defers TestData to an external CSV or JSON file,
	// for a data set too large to inline in the collection document
	// itself. Only consulted when TestData is empty.
	TestDataSource *DataSource `json:"testDataSource,omitempty" yaml:"testDataSource,omitempty"`

	PreScript  string `json:"collectionPreScript,omitempty" yaml:"collectionPreScript,omitempty"`
	PostScript string `json:"collectionPostScript,omitempty" yaml:"collectionPostScript,omitempty"`

	Options Options `json:"options,omitempty" yaml:"options,omitempty"`

	// Libraries lists external script libraries the collection's scripts
	// may require() beyond the built-in allow-list (spec.md §4.N). A
	// non-empty list requires Options.AllowExternalLib at run level.
	Libraries []LibraryRef `json:"libraries,omitempty" yaml:"libraries,omitempty"`

	Items []Item `json:"items" yaml:"items"`
}

// LibrarySource names where a LibraryRef's code comes from.
type LibrarySource string

const (
	LibraryPackage LibrarySource = "package" // published by name+version
	LibraryFile    LibrarySource = "file"    // local filesystem path
	LibraryURL     LibrarySource = "url"     // remote URL, fetched over HTTP
)

// LibraryRef is one entry in Collection.Libraries: the name scripts
// require() it by, and where its CommonJS source comes from.
type LibraryRef struct {
	Name    string        `json:"name" yaml:"name"`
	Source  LibrarySource `json:"source" yaml:"source"`
	Version string        `json:"version,omitempty" yaml:"version,omitempty"`
	Path    string        `json:"path,omitempty" yaml:"path,omitempty"`
	URL     string        `json:"url,omitempty" yaml:"url,omitempty"`
}

// Options carries the collection-level half of the deep-merged
// RunOptions (§4.M step 3). Zero values mean "unset" so the run-level
// overlay can tell "false" apart from "not specified".
type Options struct {
	AllowParallel    *bool `json:"allowParallel,omitempty" yaml:"allowParallel,omitempty"`
	MaxConcurrency   *int  `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	Bail             *bool `json:"bail,omitempty" yaml:"bail,omitempty"`
	DelayMs          *int  `json:"delayMs,omitempty" yaml:"delayMs,omitempty"`
	Strict           *bool `json:"strict,omitempty" yaml:"strict,omitempty"`
	Iterations       *int  `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	AllowExternalLib *bool `json:"allowExternalLibraries,omitempty" yaml:"allowExternalLibraries,omitempty"`

	Jar JarOptions `json:"jar,omitempty" yaml:"jar,omitempty"`
}

// JarOptions controls cookie jar persistence across requests.
type JarOptions struct {
	Persist *bool `json:"persist,omitempty" yaml:"persist,omitempty"`
}

// Auth is a request/folder/collection's authentication descriptor.
// Type "none" means explicitly unauthenticated; "inherit" (the
// zero-value default when Type is empty) walks up to the nearest
// ancestor with a concrete type.
type Auth struct {
	Type string                 `json:"type" yaml:"type"`
	Data map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
}

const (
	AuthNone    = "none"
	AuthInherit = "inherit"
)

// EffectiveType returns the auth's type, defaulting to "inherit" for a
// nil Auth — the walk-to-ancestor behavior the compiler relies on.
func (a *Auth) EffectiveType() string {
	if a == nil || a.Type == "" {
		return AuthInherit
	}
	return a.Type
}

// Variable is either a bare string value or a record carrying metadata
// (enabled toggle, declared type, secret flag, value-provider name).
// Both forms decode from the same JSON field, following the "tagged
// variant over loose value" modeling principle in spec.md §9.
type Variable struct {
	Value    string
	Enabled  bool
	Type     string
	IsSecret bool
	Provider string
}

// UnmarshalJSON accepts either a bare string or an object with
// {value, enabled, type, isSecret, provider}.
func (v *Variable) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Variable{Value: s, Enabled: true}
		return nil
	}

	var rec struct {
		Value    string `json:"value"`
		Enabled  *bool  `json:"enabled"`
		Type     string `json:"type"`
		IsSecret bool   `json:"isSecret"`
		Provider string `json:"provider"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	enabled := true
	if rec.Enabled != nil {
		enabled = *rec.Enabled
	}
	*v = Variable{
		Value:    rec.Value,
		Enabled:  enabled,
		Type:     rec.Type,
		IsSecret: rec.IsSecret,
		Provider: rec.Provider,
	}
	return nil
}

// MarshalJSON always emits the object form so round-tripping never
// silently drops metadata (spec.md §8.2).
func (v Variable) MarshalJSON() ([]byte, error) {
	rec := struct {
		Value    string `json:"value"`
		Enabled  bool   `json:"enabled"`
		Type     string `json:"type,omitempty"`
		IsSecret bool   `json:"isSecret,omitempty"`
		Provider string `json:"provider,omitempty"`
	}{
		Value:    v.Value,
		Enabled:  v.Enabled,
		Type:     v.Type,
		IsSecret: v.IsSecret,
		Provider: v.Provider,
	}
	return json.Marshal(rec)
}
