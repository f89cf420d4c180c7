package libloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/collection"
)

func TestLoadRejectsWhenNotAllowed(t *testing.T) {
	l := New(Options{Allowed: false})
	_, err := l.Load(context.Background(), []collection.LibraryRef{
		{Name: "left-pad", Source: collection.LibraryFile, Path: "whatever.js"},
	})
	if err == nil {
		t.Fatal("expected an error when libraries are requested without the allow flag")
	}
	var secErr *errs.SecurityError
	if !errsAs(err, &secErr) {
		t.Fatalf("expected a SecurityError, got %T: %v", err, err)
	}
}

func TestLoadEmptyRefsNeverChecksAllowFlag(t *testing.T) {
	l := New(Options{Allowed: false})
	modules, err := l.Load(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error for empty refs: %v", err)
	}
	if len(modules) != 0 {
		t.Fatalf("expected no modules, got %v", modules)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "math.js")
	if err := os.WriteFile(path, []byte(`module.exports = { double: function(x) { return x * 2; } };`), 0o644); err != nil {
		t.Fatal(err)
	}

	l := New(Options{Allowed: true})
	modules, err := l.Load(context.Background(), []collection.LibraryRef{
		{Name: "mathlib", Source: collection.LibraryFile, Path: path},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mod, ok := modules["mathlib"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected an exported object, got %T", modules["mathlib"])
	}
	if _, ok := mod["double"]; !ok {
		t.Fatalf("expected exported object to carry a double function, got %v", mod)
	}
}

func TestLoadFromURLMemoizesFetches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte(`module.exports = { greeting: "hi" };`))
	}))
	defer srv.Close()

	l := New(Options{Allowed: true})
	refs := []collection.LibraryRef{
		{Name: "greeter", Source: collection.LibraryURL, URL: srv.URL},
	}
	if _, err := l.Load(context.Background(), refs); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.Load(context.Background(), refs); err != nil {
		t.Fatalf("unexpected error on second load: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected the second Load to reuse the memoized fetch (one HTTP fetch in all), got %d", got)
	}
}

func TestLoadUnknownSourceKind(t *testing.T) {
	l := New(Options{Allowed: true})
	_, err := l.Load(context.Background(), []collection.LibraryRef{
		{Name: "mystery", Source: "carrier-pigeon"},
	})
	if err == nil {
		t.Fatal("expected an error for an unrecognized source kind")
	}
}

func errsAs(err error, target **errs.SecurityError) bool {
	se, ok := err.(*errs.SecurityError)
	if !ok {
		return false
	}
	*target = se
	return true
}
