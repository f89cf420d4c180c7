package pluginresolver

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writePlugin(t *testing.T, dir, name, version, manifestBody string) {
	t.Helper()
	pluginDir := filepath.Join(dir, name)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, manifestFile), []byte(manifestBody), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestResolveHighestVersionWins(t *testing.T) {
	logger := zap.NewNop().Sugar()

	dirA := t.TempDir()
	dirB := t.TempDir()

	writePlugin(t, dirA, "plugin-http", "1.0.0", `
name: http
version: 1.0.0
main: main.js
runtime: [runlet]
type: protocol
capabilities:
  provides:
    protocols: [http]
`)
	writePlugin(t, dirB, "plugin-http", "2.1.0", `
name: http
version: 2.1.0
main: main.js
runtime: [runlet]
type: protocol
`)

	resolved, err := Resolve([]string{dirA, dirB}, "runlet", logger)
	if err != nil {
		t.Fatal(err)
	}
	plugin, ok := resolved["http"]
	if !ok {
		t.Fatal("expected http plugin resolved")
	}
	if plugin.Version != "2.1.0" {
		t.Fatalf("expected higher version 2.1.0 to win, got %s", plugin.Version)
	}
}

func TestResolveSkipsUnsupportedRuntime(t *testing.T) {
	logger := zap.NewNop().Sugar()
	dir := t.TempDir()
	writePlugin(t, dir, "plugin-other", "1.0.0", `
name: other
version: 1.0.0
main: main.js
runtime: [some-other-runtime]
type: value
`)

	resolved, err := Resolve([]string{dir}, "runlet", logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := resolved["other"]; ok {
		t.Fatal("expected plugin without matching runtime to be skipped")
	}
}

func TestResolveSkipsMalformedManifest(t *testing.T) {
	logger := zap.NewNop().Sugar()
	dir := t.TempDir()
	writePlugin(t, dir, "plugin-broken", "1.0.0", `not: [valid yaml`)

	resolved, err := Resolve([]string{dir}, "runlet", logger)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 0 {
		t.Fatalf("expected malformed manifest to be skipped, got %#v", resolved)
	}
}

func TestResolveUnreadableDirectoryIsConfigError(t *testing.T) {
	logger := zap.NewNop().Sugar()
	if _, err := Resolve([]string{"/nonexistent/path/xyz"}, "runlet", logger); err == nil {
		t.Fatal("expected an error for unreadable directory")
	}
}
