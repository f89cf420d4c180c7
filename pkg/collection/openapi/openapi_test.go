package openapi

import (
	"encoding/json"
	"testing"

	"github.com/blackcoderx/runlet/pkg/collection"
)

const sampleV3 = `
openapi: "3.0.0"
info:
  title: Widget API
  version: "1.0.0"
servers:
  - url: https://api.example.com
paths:
  /widgets/{id}:
    get:
      summary: Get a widget
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
        - name: verbose
          in: query
          schema:
            type: boolean
      responses:
        "200":
          description: ok
    post:
      summary: Update a widget
      requestBody:
        content:
          application/json:
            schema:
              type: object
      responses:
        "200":
          description: ok
`

func TestConvertBuildsOneItemPerOperation(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coll.Name != "Widget API" || coll.Version != "1.0.0" {
		t.Fatalf("unexpected header: %+v", coll)
	}
	if coll.Protocol != "http" {
		t.Fatalf("expected protocol http, got %q", coll.Protocol)
	}
	if len(coll.Items) != 2 {
		t.Fatalf("expected two operations (GET, POST), got %d", len(coll.Items))
	}
}

func TestConvertSeedsBaseURLFromServers(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := coll.Variables["baseUrl"]
	if !ok || v.Value != "https://api.example.com" {
		t.Fatalf("expected baseUrl variable from servers[0], got %+v", v)
	}
}

func TestConvertSubstitutesPathAndQueryParameters(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var get collection.Item
	for _, it := range coll.Items {
		if it.ID == "GET:/widgets/{id}" {
			get = it
		}
	}
	if get.Request == nil {
		t.Fatal("expected to find the GET operation")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(get.Request.Data, &doc); err != nil {
		t.Fatalf("expected valid request data JSON: %v", err)
	}
	if doc["url"] != "{{baseUrl}}/widgets/{{id}}" {
		t.Fatalf("expected path parameter to be templated, got %v", doc["url"])
	}
	query, ok := doc["query"].(map[string]interface{})
	if !ok || query["verbose"] != "{{verbose}}" {
		t.Fatalf("expected query parameter to be templated, got %v", doc["query"])
	}
	if _, ok := coll.Variables["id"]; !ok {
		t.Fatal("expected a collection variable placeholder for the path parameter")
	}
}

func TestConvertMarksRequestBody(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV3))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var post collection.Item
	for _, it := range coll.Items {
		if it.ID == "POST:/widgets/{id}" {
			post = it
		}
	}
	if post.Request == nil {
		t.Fatal("expected to find the POST operation")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(post.Request.Data, &doc); err != nil {
		t.Fatalf("expected valid request data JSON: %v", err)
	}
	if _, ok := doc["body"]; !ok {
		t.Fatal("expected a body placeholder since the operation declares a requestBody")
	}
}

func TestConvertRejectsInvalidDocument(t *testing.T) {
	if _, err := Convert("c1", []byte("not an openapi document")); err == nil {
		t.Fatal("expected an error for invalid input")
	}
}
