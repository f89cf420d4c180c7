package registry

import (
	"context"
	"testing"

	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

type countingProtocolPlugin struct{ execCount int }

func (p *countingProtocolPlugin) Execute(ctx context.Context, request, runCtx interface{}, options map[string]interface{}, emit pluginapi.EmitEvent, log pluginapi.Logger) (*pluginapi.Response, error) {
	p.execCount++
	return &pluginapi.Response{Status: 200}, nil
}

func (p *countingProtocolPlugin) Validate(request, options map[string]interface{}) pluginapi.ValidationResult {
	return pluginapi.ValidationResult{}
}

func TestRegistryProtocolLookup(t *testing.T) {
	r := New()
	plugin := &countingProtocolPlugin{}
	r.RegisterProtocol("http-plugin", "http", plugin)

	got, ok := r.Protocol("http")
	if !ok || got != plugin {
		t.Fatal("expected to retrieve the registered http protocol plugin")
	}
	if _, ok := r.Protocol("grpc"); ok {
		t.Fatal("expected no plugin registered for grpc")
	}
}

func TestRegistryRegisterIsIdempotentPerName(t *testing.T) {
	r := New()
	first := &countingProtocolPlugin{}
	second := &countingProtocolPlugin{}

	r.RegisterProtocol("http-plugin", "http", first)
	r.RegisterProtocol("http-plugin", "http", second)

	got, _ := r.Protocol("http")
	if got != first {
		t.Fatal("expected second registration under the same plugin name to be a no-op")
	}
}

func TestRegistryAuthAndValueLookup(t *testing.T) {
	r := New()
	r.RegisterAuth("oauth-plugin", "oauth2", fakeAuthPlugin{})
	r.RegisterValueProvider("vault-plugin", "vault", fakeValueProvider{})

	if _, ok := r.Auth("oauth2"); !ok {
		t.Fatal("expected oauth2 auth plugin registered")
	}
	if _, ok := r.ValueProvider("vault"); !ok {
		t.Fatal("expected vault value provider registered")
	}
}

func TestNewWithBuiltinsRegistersOAuth2(t *testing.T) {
	r := NewWithBuiltins()
	if _, ok := r.Auth("oauth2"); !ok {
		t.Fatal("expected the built-in oauth2 auth plugin to be pre-registered")
	}
}

type fakeAuthPlugin struct{}

func (fakeAuthPlugin) Apply(ctx context.Context, request interface{}, auth, options map[string]interface{}, log pluginapi.Logger) (interface{}, error) {
	return request, nil
}

type fakeValueProvider struct{}

func (fakeValueProvider) GetValue(ctx context.Context, key string, config map[string]interface{}) (*string, error) {
	return nil, nil
}
