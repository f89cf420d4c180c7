package builtinauth

import (
	"context"
	"testing"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

func TestBearerAttachesAuthorizationHeader(t *testing.T) {
	req := &pluginapi.Request{Method: "GET", URL: "https://api.example.com/widgets"}
	auth := map[string]interface{}{"token": "tok-123"}

	result, err := (BearerPlugin{}).Apply(context.Background(), req, auth, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := result.(*pluginapi.Request)
	if got := out.Headers["Authorization"]; len(got) != 1 || got[0] != "Bearer tok-123" {
		t.Fatalf("expected bearer header, got %v", out.Headers)
	}
}

func TestBearerMissingTokenErrors(t *testing.T) {
	req := &pluginapi.Request{Method: "GET", URL: "https://api.example.com/widgets"}
	if _, err := (BearerPlugin{}).Apply(context.Background(), req, map[string]interface{}{}, nil, nil); err == nil {
		t.Fatal("expected missing token to error")
	}
}
