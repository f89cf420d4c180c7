package postman

import (
	"encoding/json"
	"testing"

	"github.com/blackcoderx/runlet/pkg/collection"
)

const sampleV21 = `{
  "info": {
    "name": "Sample API",
    "schema": "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"
  },
  "variable": [
    {"key": "baseUrl", "value": "https://api.example.com"}
  ],
  "item": [
    {
      "name": "Users",
      "item": [
        {
          "name": "Get User",
          "event": [
            {"listen": "prerequest", "script": {"exec": ["console.log('before')"]}},
            {"listen": "test", "script": {"exec": ["pm.test('ok', function(){})"]}}
          ],
          "request": {
            "method": "GET",
            "header": [
              {"key": "Accept", "value": "application/json"}
            ],
            "url": {"raw": "{{baseUrl}}/users/1"}
          }
        },
        {
          "name": "Create User",
          "request": {
            "method": "POST",
            "header": [
              {"key": "Content-Type", "value": "application/json"}
            ],
            "body": {"mode": "raw", "raw": "{\"name\":\"new\"}"},
            "url": {"raw": "{{baseUrl}}/users"}
          }
        }
      ]
    }
  ]
}`

func TestConvertBuildsFolderTree(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV21))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if coll.Name != "Sample API" {
		t.Fatalf("expected collection name to carry over, got %q", coll.Name)
	}
	if coll.Protocol != "http" {
		t.Fatalf("expected protocol http, got %q", coll.Protocol)
	}
	if len(coll.Items) != 1 {
		t.Fatalf("expected one top-level folder, got %d", len(coll.Items))
	}
	folder := coll.Items[0]
	if folder.Kind != collection.KindFolder || folder.Folder == nil {
		t.Fatalf("expected Users to be a folder, got %+v", folder)
	}
	if len(folder.Folder.Items) != 2 {
		t.Fatalf("expected two requests under Users, got %d", len(folder.Folder.Items))
	}
}

func TestConvertMapsRequestScripts(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV21))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	getUser := coll.Items[0].Folder.Items[0]
	if getUser.Kind != collection.KindRequest || getUser.Request == nil {
		t.Fatalf("expected Get User to be a request, got %+v", getUser)
	}
	if getUser.Request.PreScript == "" {
		t.Fatal("expected prerequest script to map onto PreScript")
	}
	if getUser.Request.PostScript == "" {
		t.Fatal("expected test script to map onto PostScript")
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(getUser.Request.Data, &doc); err != nil {
		t.Fatalf("expected request data to be valid JSON: %v", err)
	}
	if doc["method"] != "GET" {
		t.Fatalf("expected method GET, got %v", doc["method"])
	}
	if doc["url"] != "{{baseUrl}}/users/1" {
		t.Fatalf("expected raw url to carry over, got %v", doc["url"])
	}
}

func TestConvertMapsRequestBody(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV21))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	createUser := coll.Items[0].Folder.Items[1]
	var doc map[string]interface{}
	if err := json.Unmarshal(createUser.Request.Data, &doc); err != nil {
		t.Fatalf("expected request data to be valid JSON: %v", err)
	}
	if doc["body"] != `{"name":"new"}` {
		t.Fatalf("expected raw body to carry over, got %v", doc["body"])
	}
	headers, ok := doc["headers"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected headers map, got %T", doc["headers"])
	}
	if _, ok := headers["Content-Type"]; !ok {
		t.Fatalf("expected Content-Type header to carry over, got %v", headers)
	}
}

func TestConvertMapsCollectionVariables(t *testing.T) {
	coll, err := Convert("c1", []byte(sampleV21))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	v, ok := coll.Variables["baseUrl"]
	if !ok {
		t.Fatal("expected baseUrl variable to carry over")
	}
	if v.Value != "https://api.example.com" || !v.Enabled {
		t.Fatalf("unexpected variable value: %+v", v)
	}
}

func TestConvertRejectsInvalidJSON(t *testing.T) {
	if _, err := Convert("c1", []byte("not json")); err == nil {
		t.Fatal("expected an error for invalid input")
	}
}
