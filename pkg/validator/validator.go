// Package validator implements the Collection Validator (spec.md §4.H):
// structural checks, plugin-assisted checks, and a best-effort static
// count of quest.test(...) invocations used as a progress hint.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/blackcoderx/runlet/pkg/collection"
	"github.com/blackcoderx/runlet/pkg/registry"
	"github.com/blackcoderx/runlet/pkg/secrets"
)

// documentSchema is the structural JSON Schema a collection document
// must satisfy: the minimum shape every adapter (native, Postman,
// OpenAPI) is expected to produce.
const documentSchema = `{
  "type": "object",
  "required": ["id", "name", "protocol", "items"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "protocol": {"type": "string", "minLength": 1},
    "items": {"type": "array"}
  }
}`

var documentSchemaLoader = gojsonschema.NewStringLoader(documentSchema)

// Result is the Validator's output.
type Result struct {
	Errors []string
	// ExpectedTests is a static count of quest.test(...) calls found in
	// the pre- and post-scripts at every level (collection, folder and
	// request), or -1 in non-strict mode ("dynamic").
	ExpectedTests int
}

// Valid reports whether the collection passed validation.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

var testCallRe = regexp.MustCompile(`\bquest\.test\s*\(`)

// Validate runs the validator. The structural checks and the
// protocol-plugin check run in both modes; strict adds the
// plugin-assisted checks, the hardcoded-secret scan and a real
// ExpectedTests count, which is reported as -1 when strict is false. jarPersist
// is the effective, already-merged jar.persist value (it defaults to
// true when the collection never sets it, so the jar/parallel check
// below must see that default rather than the raw collection pointer).
func Validate(coll *collection.Collection, reg *registry.Registry, strict, allowParallel, jarPersist bool) Result {
	var errs []string

	if allowParallel && jarPersist {
		errs = append(errs, "jar.persist=true is incompatible with execution.allowParallel=true: the jar is cleared after each request in parallel mode")
	}

	errs = append(errs, checkDocumentSchema(coll)...)
	errs = append(errs, checkUniqueIDs(coll)...)
	errs = append(errs, checkDependsOnReferences(coll)...)

	if coll.Protocol == "" {
		errs = append(errs, "collection.protocol must be set")
	} else if _, ok := reg.Protocol(coll.Protocol); !ok {
		errs = append(errs, fmt.Sprintf("no protocol plugin registered for %q", coll.Protocol))
	}

	testCount := -1
	if strict {
		errs = append(errs, pluginAssistedChecks(coll, reg)...)
		errs = append(errs, checkHardcodedSecrets(coll)...)
		testCount = countExpectedTests(coll)
	}

	return Result{Errors: errs, ExpectedTests: testCount}
}

// checkDocumentSchema validates the collection's own JSON shape against
// documentSchema, catching malformed input before the tree-shaped
// structural checks run.
func checkDocumentSchema(coll *collection.Collection) []string {
	raw, err := json.Marshal(coll)
	if err != nil {
		return []string{fmt.Sprintf("collection document could not be marshaled for schema validation: %v", err)}
	}
	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return []string{fmt.Sprintf("schema validation error: %v", err)}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		errs = append(errs, e.String())
	}
	return errs
}

func checkUniqueIDs(coll *collection.Collection) []string {
	seen := map[string]bool{}
	var errs []string
	collection.Walk(coll.Items, func(item *collection.Item, path string, ancestors []*collection.Item) bool {
		if item.ID == "" {
			errs = append(errs, fmt.Sprintf("item at %q has an empty id", path))
		} else if seen[item.ID] {
			errs = append(errs, fmt.Sprintf("duplicate item id %q at %q", item.ID, path))
		}
		seen[item.ID] = true
		return true
	})
	return errs
}

func checkDependsOnReferences(coll *collection.Collection) []string {
	ids := map[string]bool{}
	collection.Walk(coll.Items, func(item *collection.Item, _ string, _ []*collection.Item) bool {
		ids[item.ID] = true
		return true
	})

	var errs []string
	collection.Walk(coll.Items, func(item *collection.Item, path string, _ []*collection.Item) bool {
		for _, dep := range item.DependsOn {
			if !ids[dep] {
				errs = append(errs, fmt.Sprintf("item %q depends on unknown id %q", path, dep))
			}
		}
		return true
	})
	return errs
}

func pluginAssistedChecks(coll *collection.Collection, reg *registry.Registry) []string {
	var errs []string
	plugin, ok := reg.Protocol(coll.Protocol)
	if !ok {
		return nil
	}
	collection.Walk(coll.Items, func(item *collection.Item, path string, _ []*collection.Item) bool {
		if item.Kind != collection.KindRequest || item.Request == nil {
			return true
		}
		requestMap := map[string]interface{}{"data": string(item.Request.Data)}
		result := plugin.Validate(requestMap, nil)
		for _, e := range result.Errors {
			errs = append(errs, fmt.Sprintf("%s: %s", path, e))
		}
		return true
	})
	return errs
}

// checkHardcodedSecrets flags requests whose raw "data" document
// contains what looks like a credential outside of a {{VAR}}
// placeholder (spec.md §9: collections should carry secrets through
// variables, never inline). Strict-mode only: a non-strict run accepts
// whatever the collection hands it.
func checkHardcodedSecrets(coll *collection.Collection) []string {
	var errs []string
	collection.Walk(coll.Items, func(item *collection.Item, path string, _ []*collection.Item) bool {
		if item.Kind != collection.KindRequest || item.Request == nil {
			return true
		}
		if secrets.HasPlaintextSecret(string(item.Request.Data)) {
			errs = append(errs, fmt.Sprintf("%s: request data appears to contain a hardcoded secret, use a {{VAR}} placeholder instead", path))
		}
		return true
	})
	return errs
}

func countExpectedTests(coll *collection.Collection) int {
	count := 0
	countIn := func(script string) {
		count += len(testCallRe.FindAllString(script, -1))
	}
	countIn(coll.PreScript)
	countIn(coll.PostScript)
	collection.Walk(coll.Items, func(item *collection.Item, _ string, _ []*collection.Item) bool {
		switch item.Kind {
		case collection.KindFolder:
			countIn(item.Folder.PreScript)
			countIn(item.Folder.PostScript)
		case collection.KindRequest:
			countIn(item.Request.PreScript)
			countIn(item.Request.PostScript)
		}
		return true
	})
	return count
}
