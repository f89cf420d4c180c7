// Package analyzer implements the Collection Analyzer (spec.md §4.G):
// a single tree walk collecting the protocol, auth, and value-provider
// requirements that drive the Plugin Loader's selection.
package analyzer

import (
	"github.com/blackcoderx/runlet/pkg/collection"
)

// Requirements is the Analyzer's output: the distinct protocols, auth
// types, and value providers a collection touches anywhere in its tree.
type Requirements struct {
	Protocols      map[string]struct{}
	AuthTypes      map[string]struct{}
	ValueProviders map[string]struct{}
}

func newRequirements() *Requirements {
	return &Requirements{
		Protocols:      map[string]struct{}{},
		AuthTypes:      map[string]struct{}{},
		ValueProviders: map[string]struct{}{},
	}
}

// ProtocolList returns the set as a slice, for callers that want a
// deterministic-enough iteration without exposing map internals.
func (r *Requirements) ProtocolList() []string      { return keys(r.Protocols) }
func (r *Requirements) AuthTypeList() []string       { return keys(r.AuthTypes) }
func (r *Requirements) ValueProviderList() []string { return keys(r.ValueProviders) }

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Analyze walks coll's tree once, recording the collection-level
// protocol, every auth whose effective type is neither "none" nor
// "inherit", and every variable record carrying a non-empty provider.
func Analyze(coll *collection.Collection) *Requirements {
	reqs := newRequirements()

	if coll.Protocol != "" {
		reqs.Protocols[coll.Protocol] = struct{}{}
	}
	recordAuth(reqs, coll.Auth)
	recordVariables(reqs, coll.Variables)

	collection.Walk(coll.Items, func(item *collection.Item, path string, ancestors []*collection.Item) bool {
		switch item.Kind {
		case collection.KindFolder:
			recordAuth(reqs, item.Folder.Auth)
			recordVariables(reqs, item.Folder.Variables)
		case collection.KindRequest:
			recordAuth(reqs, item.Request.Auth)
		}
		return true
	})

	return reqs
}

func recordAuth(reqs *Requirements, auth *collection.Auth) {
	if auth == nil {
		return
	}
	t := auth.EffectiveType()
	if t != collection.AuthNone && t != collection.AuthInherit {
		reqs.AuthTypes[t] = struct{}{}
	}
}

func recordVariables(reqs *Requirements, vars map[string]collection.Variable) {
	for _, v := range vars {
		if v.Provider != "" {
			reqs.ValueProviders[v.Provider] = struct{}{}
		}
	}
}
