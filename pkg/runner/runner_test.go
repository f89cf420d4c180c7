package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/blackcoderx/runlet/pkg/collection"
	"github.com/blackcoderx/runlet/pkg/events"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
)

type countingPlugin struct {
	calls int
}

func (p *countingPlugin) Execute(ctx context.Context, request, runCtx interface{}, options map[string]interface{}, emit pluginapi.EmitEvent, log pluginapi.Logger) (*pluginapi.Response, error) {
	p.calls++
	return &pluginapi.Response{Status: 200, StatusText: "OK", Duration: 1}, nil
}

func (p *countingPlugin) Validate(request, options map[string]interface{}) pluginapi.ValidationResult {
	return pluginapi.ValidationResult{}
}

func sampleCollection() *collection.Collection {
	data, _ := json.Marshal(map[string]interface{}{"method": "GET", "url": "http://example.com/ping"})
	return &collection.Collection{
		ID:       "c1",
		Name:     "sample",
		Protocol: "fake",
		Items: []collection.Item{
			{ID: "r1", Name: "r1", Kind: collection.KindRequest, Request: &collection.RequestData{Data: data}},
		},
	}
}

func TestRunCompletesASingleIteration(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	result, err := rn.Run(context.Background(), sampleCollection(), RunOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.ValidationErrors) > 0 {
		t.Fatalf("unexpected validation errors: %v", result.ValidationErrors)
	}
	if result.Aborted {
		t.Fatalf("unexpected abort: %s", result.AbortReason)
	}
	if len(result.Iterations) != 1 {
		t.Fatalf("expected exactly one iteration, got %d", len(result.Iterations))
	}
	if plugin.calls != 1 {
		t.Fatalf("expected the protocol plugin to execute once, got %d", plugin.calls)
	}
	if !result.Passed() {
		t.Fatalf("expected the run to pass, got %+v", result.Iterations[0])
	}
}

func TestRunRespectsTestDataIterationCap(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	coll := sampleCollection()
	coll.TestData = []map[string]string{{"id": "1"}, {"id": "2"}}
	iterations := 10
	runOpts := RunOptions{Iterations: &iterations}

	result, err := rn.Run(context.Background(), coll, runOpts, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Iterations) != 2 {
		t.Fatalf("expected iterations capped at len(testData)=2, got %d", len(result.Iterations))
	}
	if plugin.calls != 2 {
		t.Fatalf("expected 2 plugin executions, got %d", plugin.calls)
	}
}

func TestRunFailsFastWithoutProtocolPlugin(t *testing.T) {
	rn := New(Config{RuntimeID: "test"})
	_, err := rn.Run(context.Background(), sampleCollection(), RunOptions{}, nil)
	if err == nil {
		t.Fatal("expected an error when no protocol plugin is registered")
	}
}

func TestRunRejectsExternalLibrariesWithoutAllowFlag(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	coll := sampleCollection()
	coll.Libraries = []collection.LibraryRef{{Name: "left-pad", Source: collection.LibraryFile, Path: "nonexistent.js"}}

	_, err := rn.Run(context.Background(), coll, RunOptions{}, nil)
	if err == nil {
		t.Fatal("expected an error when libraries are declared without the allow flag")
	}
}

func TestRunEmitsBeforeAndAfterRun(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	var names []events.Name
	bus := events.NewBus()
	bus.Subscribe(func(env events.Envelope) { names = append(names, env.Name) })

	if _, err := rn.Run(context.Background(), sampleCollection(), RunOptions{}, bus); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) == 0 || names[0] != events.BeforeRun {
		t.Fatalf("expected the first event to be beforeRun, got %v", names)
	}
	if names[len(names)-1] != events.AfterRun {
		t.Fatalf("expected the last event to be afterRun, got %v", names)
	}
}

func TestNewLoadsEnvFileIntoGlobal(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("API_KEY=from-file\nBASE_URL=from-file\n"), 0644); err != nil {
		t.Fatal(err)
	}

	rn := New(Config{RuntimeID: "test", EnvFile: path, Global: map[string]string{"BASE_URL": "explicit-override"}})

	if got := rn.cfg.Global["API_KEY"]; got != "from-file" {
		t.Fatalf("expected API_KEY loaded from env file, got %q", got)
	}
	if got := rn.cfg.Global["BASE_URL"]; got != "explicit-override" {
		t.Fatalf("expected explicit Global entry to win over the env file, got %q", got)
	}
}

func TestRunLoadsTestDataFromExternalSource(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	path := filepath.Join(t.TempDir(), "rows.csv")
	if err := os.WriteFile(path, []byte("id\n1\n2\n3\n"), 0644); err != nil {
		t.Fatal(err)
	}

	coll := sampleCollection()
	coll.TestDataSource = &collection.DataSource{Path: path}

	result, err := rn.Run(context.Background(), coll, RunOptions{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Iterations) != 3 {
		t.Fatalf("expected iterations capped at the loaded row count=3, got %d", len(result.Iterations))
	}
	if plugin.calls != 3 {
		t.Fatalf("expected 3 plugin executions, got %d", plugin.calls)
	}
}

func TestDryRunCompilesWithoutExecutingRequests(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	result, err := rn.DryRun(context.Background(), sampleCollection(), RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Passed() {
		t.Fatalf("expected dry run to pass, got %+v", result)
	}
	if result.NodeCount != 1 {
		t.Fatalf("expected one compiled node, got %d", result.NodeCount)
	}
	if plugin.calls != 0 {
		t.Fatalf("expected no requests executed during a dry run, got %d", plugin.calls)
	}
}

func TestDryRunReportsValidationErrors(t *testing.T) {
	rn := New(Config{RuntimeID: "test"})

	coll := sampleCollection()
	coll.Protocol = "unregistered"

	result, err := rn.DryRun(context.Background(), coll, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Passed() {
		t.Fatal("expected dry run to fail for an unregistered protocol")
	}
	if len(result.ValidationErrors) == 0 {
		t.Fatal("expected at least one validation error")
	}
}

func TestDryRunReportsGraphCompileErrors(t *testing.T) {
	plugin := &countingPlugin{}
	rn := New(Config{RuntimeID: "test"})
	rn.Registry().RegisterProtocol("fake-plugin", "fake", plugin)

	coll := sampleCollection()
	coll.Items[0].DependsOn = []string{coll.Items[0].ID}

	result, err := rn.DryRun(context.Background(), coll, RunOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.GraphError == "" {
		t.Fatal("expected a graph compile error for a self-dependent item")
	}
}
