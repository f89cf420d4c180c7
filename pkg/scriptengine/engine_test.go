package scriptengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/vars"
)

// TestMain checks that a timed-out or externally-aborted script run
// doesn't leave its goja goroutine behind.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine() (*Engine, *vars.Resolver) {
	stack := scope.New("coll-1")
	resolver := vars.New(stack, nil, nil)
	jar := scope.NewCookieJar()
	return New(resolver, jar), resolver
}

func TestEngineVariablesGetSetRoundTrip(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.Run(context.Background(), `
		quest.variables.set("foo", "bar");
		quest.test("roundtrip", function() {
			if (quest.variables.get("foo") !== "bar") {
				throw new Error("mismatch");
			}
		});
	`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Tests) != 1 || !res.Tests[0].Passed {
		t.Fatalf("expected passing test, got %#v", res.Tests)
	}
}

func TestEngineTestFailureIsRecordedNotFatal(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.Run(context.Background(), `
		quest.test("should fail", function() {
			throw new Error("boom");
		});
	`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatalf("a failing assertion must not abort the script: %v", err)
	}
	if len(res.Tests) != 1 || res.Tests[0].Passed {
		t.Fatal("expected a single failing test result")
	}
}

func TestEngineUnhandledExceptionIsScriptError(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.Run(context.Background(), `throw new Error("kaboom");`, errs.PhasePreRequest, "req-1")
	var scriptErr *errs.ScriptError
	if !errors.As(err, &scriptErr) {
		t.Fatalf("expected a ScriptError, got %v", err)
	}
}

func TestEngineConsoleCapture(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.Run(context.Background(), `console.log("hello", 1); console.warn("careful");`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Console) != 2 {
		t.Fatalf("expected two console messages, got %#v", res.Console)
	}
	if res.Console[0].Level != LevelLog || res.Console[1].Level != LevelWarn {
		t.Fatalf("unexpected console levels: %#v", res.Console)
	}
}

func TestEngineExpectAssertions(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.Run(context.Background(), `
		quest.test("expect equal", function() { quest.expect(2 + 2).to.equal(4); });
		quest.test("expect above", function() { quest.expect(10).to.be.above(5); });
	`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range res.Tests {
		if !tr.Passed {
			t.Fatalf("expected %q to pass, got error %q", tr.Name, tr.Error)
		}
	}
}

func TestEngineScriptTimeout(t *testing.T) {
	e, _ := newTestEngine()
	start := time.Now()
	_, err := e.Run(context.Background(), `while (true) {}`, errs.PhasePreRequest, "req-1")
	var timeoutErr *errs.ScriptTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected a ScriptTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > Timeout+5*time.Second {
		t.Fatalf("timeout took too long to fire: %v", elapsed)
	}
}

func TestEngineExternalAbortDistinctFromTimeout(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := e.Run(ctx, `while (true) {}`, errs.PhasePreRequest, "req-1")
	var abortErr *errs.AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected an AbortError when the run context is canceled, got %v", err)
	}
}

func TestEngineRequireAllowListBuiltins(t *testing.T) {
	e, _ := newTestEngine()
	res, err := e.Run(context.Background(), `
		var uuid = require("uuid");
		var crypto = require("crypto");
		quest.test("uuid looks right", function() {
			var id = uuid.v4();
			if (id.length !== 36) throw new Error("bad uuid: " + id);
		});
		quest.test("sha256 is stable", function() {
			if (crypto.sha256("abc") !== crypto.sha256("abc")) throw new Error("not stable");
		});
	`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, tr := range res.Tests {
		if !tr.Passed {
			t.Fatalf("expected %q to pass, got %q", tr.Name, tr.Error)
		}
	}
}

func TestEngineRequireRejectsUnknownModule(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.Run(context.Background(), `require("fs");`, errs.PhasePreRequest, "req-1")
	if err == nil {
		t.Fatal("expected requiring a non-allow-listed module to fail")
	}
}

func TestEngineVaultGetResolvesThroughPromise(t *testing.T) {
	e, resolver := newTestEngine()
	resolver.RegisterProvider("secrets", fakeProvider{"api-key": "s3cr3t"})

	res, err := e.Run(context.Background(), `
		quest.vault.get("secrets", "api-key").then(function(v) {
			quest.test("resolved", function() {
				if (v !== "s3cr3t") throw new Error("got " + v);
			});
		});
	`, errs.PhasePreRequest, "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tests) != 1 || !res.Tests[0].Passed {
		t.Fatalf("expected vault.get to resolve, got %#v", res.Tests)
	}
}

type fakeProvider map[string]string

func (f fakeProvider) GetValue(_ context.Context, key string, _ map[string]interface{}) (*string, error) {
	v, ok := f[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}
