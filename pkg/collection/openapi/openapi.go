// Package openapi implements the optional OpenAPI adapter: synthesizing
// a read-only collection.Collection (one request per operation) from an
// OpenAPI 3.x document, for smoke-testing a spec without hand-authoring
// a collection.
//
// Grounded on falcon's spec_ingester.OpenAPIParser (its ordered-map walk
// over model.Model.Paths.PathItems, fanning each path out across the
// five verbs it checks for), generalized from flattening into a
// documentation list to building one runnable request item per
// operation, with path/query/header parameters turned into collection
// variables a user fills in rather than just reported.
package openapi

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pb33f/libopenapi"
	base "github.com/pb33f/libopenapi/datamodel/high/base"
	v3 "github.com/pb33f/libopenapi/datamodel/high/v3"

	"github.com/blackcoderx/runlet/pkg/collection"
)

// Convert parses raw as an OpenAPI 3.x document and synthesizes a
// native Collection with one request item per path+verb operation. The
// result always has Protocol "http".
func Convert(id string, raw []byte) (*collection.Collection, error) {
	document, err := libopenapi.NewDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing openapi document: %w", err)
	}
	model, err := document.BuildV3Model()
	if err != nil {
		return nil, fmt.Errorf("building openapi v3 model: %w", err)
	}

	out := &collection.Collection{
		ID:       id,
		Name:     model.Model.Info.Title,
		Version:  model.Model.Info.Version,
		Protocol: "http",
		Variables: map[string]collection.Variable{
			"baseUrl": {Value: baseURL(model), Enabled: true},
		},
	}

	for pair := model.Model.Paths.PathItems.First(); pair != nil; pair = pair.Next() {
		path := pair.Key()
		pathItem := pair.Value()

		ops := []struct {
			method string
			op     *v3.Operation
		}{
			{"GET", pathItem.Get},
			{"POST", pathItem.Post},
			{"PUT", pathItem.Put},
			{"DELETE", pathItem.Delete},
			{"PATCH", pathItem.Patch},
		}

		for _, o := range ops {
			if o.op == nil {
				continue
			}
			item, params := convertOperation(path, o.method, o.op)
			out.Items = append(out.Items, item)
			for name, v := range params {
				if _, exists := out.Variables[name]; !exists {
					out.Variables[name] = v
				}
			}
		}
	}

	return out, nil
}

// baseURL picks the document's first declared server, if any, falling
// back to an empty placeholder the user fills in themselves.
func baseURL(model *libopenapi.DocumentModel[v3.Document]) string {
	if len(model.Model.Servers) == 0 {
		return ""
	}
	return model.Model.Servers[0].URL
}

// convertOperation lowers one OpenAPI operation into a request item,
// plus the collection-level variable placeholders its parameters
// introduce (one per distinct parameter name, left empty for the user
// to fill in before running).
func convertOperation(path, method string, op *v3.Operation) (collection.Item, map[string]collection.Variable) {
	name := op.Summary
	if name == "" {
		name = method + " " + path
	}

	doc := map[string]interface{}{
		"method": method,
		"url":    "{{baseUrl}}" + path,
	}

	headers := map[string][]string{}
	query := map[string]string{}
	params := map[string]collection.Variable{}
	for _, param := range op.Parameters {
		placeholder := "{{" + param.Name + "}}"
		params[param.Name] = collection.Variable{
			Enabled: true,
			Type:    requiredParamType(param.Schema),
		}

		switch strings.ToLower(param.In) {
		case "header":
			headers[param.Name] = []string{placeholder}
		case "query":
			query[param.Name] = placeholder
		case "path":
			doc["url"] = strings.Replace(doc["url"].(string), "{"+param.Name+"}", placeholder, 1)
		}
	}
	if len(headers) > 0 {
		doc["headers"] = headers
	}
	if len(query) > 0 {
		doc["query"] = query
	}
	if op.RequestBody != nil {
		doc["body"] = "{}"
	}
	data, _ := json.Marshal(doc)

	item := collection.Item{
		ID:   method + ":" + path,
		Name: name,
		Kind: collection.KindRequest,
		Request: &collection.RequestData{
			Data: data,
		},
	}
	return item, params
}

// requiredParamType reports a parameter's declared JSON schema type, or
// "unknown" when the schema is absent or unresolved. Mirrors the
// teacher's extractType exactly.
func requiredParamType(schema *base.SchemaProxy) string {
	if schema == nil || schema.Schema() == nil {
		return "unknown"
	}
	s := schema.Schema()
	if len(s.Type) > 0 {
		return s.Type[0]
	}
	return "object"
}
