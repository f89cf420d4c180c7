package pluginloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/blackcoderx/runlet/pkg/analyzer"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
	"github.com/blackcoderx/runlet/pkg/registry"
)

func writeEntry(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadRegistersProtocolPlugin(t *testing.T) {
	dir := t.TempDir()
	entry := writeEntry(t, dir, "http.js", `
		module.exports = {
			execute: function(request, ctx, options) {
				return {Status: 200, StatusText: "OK", Body: null, Headers: {}, Duration: 1.5};
			},
			validate: function(request, options) {
				return {Errors: []};
			}
		};
	`)

	resolved := map[string]pluginapi.ResolvedPlugin{
		"http-plugin": {
			Name: "http-plugin", Version: "1.0.0", Type: pluginapi.KindProtocol, EntryPath: entry,
			Capabilities: pluginapi.Capabilities{Provides: pluginapi.Provides{Protocols: []string{"http"}}},
		},
	}
	reqs := &analyzer.Requirements{Protocols: map[string]struct{}{"http": {}}, AuthTypes: map[string]struct{}{}, ValueProviders: map[string]struct{}{}}
	reg := registry.New()

	errsOut := Load(context.Background(), resolved, reqs, reg, zap.NewNop().Sugar())
	if len(errsOut) != 0 {
		t.Fatalf("unexpected load errors: %v", errsOut)
	}

	plugin, ok := reg.Protocol("http")
	if !ok {
		t.Fatal("expected http protocol plugin registered")
	}
	resp, err := plugin.Execute(context.Background(), map[string]interface{}{"url": "https://x"}, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != 200 {
		t.Fatalf("expected status 200, got %d", resp.Status)
	}
}

func TestLoadSkipsPluginsNotNeeded(t *testing.T) {
	dir := t.TempDir()
	entry := writeEntry(t, dir, "unused.js", `module.exports = { execute: function() { return {}; } };`)

	resolved := map[string]pluginapi.ResolvedPlugin{
		"grpc-plugin": {
			Name: "grpc-plugin", Version: "1.0.0", Type: pluginapi.KindProtocol, EntryPath: entry,
			Capabilities: pluginapi.Capabilities{Provides: pluginapi.Provides{Protocols: []string{"grpc"}}},
		},
	}
	reqs := &analyzer.Requirements{Protocols: map[string]struct{}{"http": {}}, AuthTypes: map[string]struct{}{}, ValueProviders: map[string]struct{}{}}
	reg := registry.New()

	if errsOut := Load(context.Background(), resolved, reqs, reg, zap.NewNop().Sugar()); len(errsOut) != 0 {
		t.Fatalf("unexpected load errors: %v", errsOut)
	}
	if _, ok := reg.Protocol("grpc"); ok {
		t.Fatal("expected the unneeded grpc plugin to be skipped")
	}
}

func TestLoadAuthPluginArrayRegistersEachElement(t *testing.T) {
	dir := t.TempDir()
	entry := writeEntry(t, dir, "auths.js", `
		module.exports = [
			{ apply: function(request, auth, options) { request.bearerApplied = true; return request; } },
			{ apply: function(request, auth, options) { request.basicApplied = true; return request; } }
		];
	`)

	resolved := map[string]pluginapi.ResolvedPlugin{
		"multi-auth": {
			Name: "multi-auth", Version: "1.0.0", Type: pluginapi.KindAuth, EntryPath: entry,
			Capabilities: pluginapi.Capabilities{Provides: pluginapi.Provides{AuthTypes: []string{"bearer", "basic"}}},
		},
	}
	reqs := &analyzer.Requirements{Protocols: map[string]struct{}{}, AuthTypes: map[string]struct{}{"bearer": {}, "basic": {}}, ValueProviders: map[string]struct{}{}}
	reg := registry.New()

	if errsOut := Load(context.Background(), resolved, reqs, reg, zap.NewNop().Sugar()); len(errsOut) != 0 {
		t.Fatalf("unexpected load errors: %v", errsOut)
	}
	if _, ok := reg.Auth("bearer"); !ok {
		t.Fatal("expected bearer auth plugin registered")
	}
	if _, ok := reg.Auth("basic"); !ok {
		t.Fatal("expected basic auth plugin registered")
	}
}

func TestLoadPluginLoadFailureIsReportedNotFatal(t *testing.T) {
	dir := t.TempDir()
	entry := writeEntry(t, dir, "broken.js", `throw new Error("boom");`)

	resolved := map[string]pluginapi.ResolvedPlugin{
		"broken-plugin": {
			Name: "broken-plugin", Version: "1.0.0", Type: pluginapi.KindValue, EntryPath: entry,
			Capabilities: pluginapi.Capabilities{Provides: pluginapi.Provides{ValueTypes: []string{"vault"}}},
		},
	}
	reqs := &analyzer.Requirements{Protocols: map[string]struct{}{}, AuthTypes: map[string]struct{}{}, ValueProviders: map[string]struct{}{"vault": {}}}
	reg := registry.New()

	errsOut := Load(context.Background(), resolved, reqs, reg, zap.NewNop().Sugar())
	if len(errsOut) != 1 {
		t.Fatalf("expected exactly one load error, got %v", errsOut)
	}
	if _, ok := reg.ValueProvider("vault"); ok {
		t.Fatal("expected the broken plugin to not be registered")
	}
}
