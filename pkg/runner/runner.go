// Package runner implements the Collection Runner (spec.md §4.M): the
// per-run orchestrator that resolves and loads plugins, merges options,
// gates and loads external libraries, validates the collection, and
// drives the DAG Scheduler once per iteration.
//
// Grounded on falcon's tools/orchestrate.go RunTestsTool (analyze ->
// generate -> run -> analyze-failure, a fixed pipeline of named steps
// over a shared set of collaborators) generalized from a flat slice of
// independent scenarios run once to a tree compiled fresh per iteration,
// with the scope stack and environment/global variable layers carried
// forward across iterations instead of discarded per scenario.
package runner

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/analyzer"
	"github.com/blackcoderx/runlet/pkg/collection"
	"github.com/blackcoderx/runlet/pkg/events"
	"github.com/blackcoderx/runlet/pkg/filter"
	"github.com/blackcoderx/runlet/pkg/graph"
	"github.com/blackcoderx/runlet/pkg/libloader"
	"github.com/blackcoderx/runlet/pkg/pluginloader"
	"github.com/blackcoderx/runlet/pkg/pluginresolver"
	"github.com/blackcoderx/runlet/pkg/registry"
	"github.com/blackcoderx/runlet/pkg/scheduler"
	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/scriptengine"
	"github.com/blackcoderx/runlet/pkg/validator"
	"github.com/blackcoderx/runlet/pkg/vars"
)

// Config is process-wide setup shared across runs: where plugins live,
// this runtime's identity, the initial environment/global variable
// layers, and where external package libraries are fetched from.
type Config struct {
	PluginDirs     []string
	RuntimeID      string
	Environment    map[string]string
	Global         map[string]string
	// EnvFile, if set, is loaded via godotenv ahead of Global-scope
	// variable seeding, mirroring cmd/falcon/main.go's godotenv.Load().
	// Entries already present in Global take precedence over the file.
	EnvFile        string
	LibraryBaseURL string
	Logger         *zap.SugaredLogger
}

// Runner orchestrates runs against a shared Plugin Registry. A single
// Runner is reused across many Run calls so resolved/loaded plugins
// amortize across them.
type Runner struct {
	cfg Config
	reg *registry.Registry
	log *zap.SugaredLogger
}

// New builds a Runner with a fresh, builtins-seeded Plugin Registry.
func New(cfg Config) *Runner {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.EnvFile != "" {
		fileVars, err := godotenv.Read(cfg.EnvFile)
		if err != nil {
			log.Warnw("failed to load env file", "path", cfg.EnvFile, "error", err)
		} else {
			merged := make(map[string]string, len(fileVars)+len(cfg.Global))
			for k, v := range fileVars {
				merged[k] = v
			}
			for k, v := range cfg.Global {
				merged[k] = v
			}
			cfg.Global = merged
		}
	}
	return &Runner{cfg: cfg, reg: registry.NewWithBuiltins(), log: log}
}

// Registry exposes the Runner's Plugin Registry, for callers that
// register in-process plugins directly instead of (or in addition to)
// ones discovered under Config.PluginDirs.
func (r *Runner) Registry() *registry.Registry { return r.reg }

// RunOptions is the run-level half of the deep-merged options (spec.md
// §4.M step 3). A nil field means "use the collection's own setting, or
// the runtime default if that's unset too".
type RunOptions struct {
	AllowParallel    *bool
	MaxConcurrency   *int
	Bail             *bool
	DelayMs          *int
	Strict           *bool
	Iterations       *int
	AllowExternalLib *bool
	JarPersist       *bool

	FilterPattern string
	ExcludeDeps   bool
}

// IterationResult is one iteration's folded scheduler output.
type IterationResult struct {
	Index    int
	Requests []scheduler.RequestResult
	Aborted  bool
}

// Result is everything one Run produced.
type Result struct {
	ValidationErrors []string
	Iterations       []IterationResult
	Aborted          bool
	AbortReason      string
}

// Passed reports whether validation succeeded and no request failed and
// no iteration aborted.
func (r Result) Passed() bool {
	if len(r.ValidationErrors) > 0 || r.Aborted {
		return false
	}
	for _, it := range r.Iterations {
		for _, req := range it.Requests {
			if !req.Success && !req.Skipped {
				return false
			}
		}
	}
	return true
}

// DryRunResult is a compile-only run's output: Validator findings plus
// confirmation the Task Graph compiles, without a single request ever
// reaching the I/O phase.
type DryRunResult struct {
	ValidationErrors []string
	GraphError       string
	NodeCount        int
}

// Passed reports whether both validation and graph compilation
// succeeded.
func (r DryRunResult) Passed() bool {
	return len(r.ValidationErrors) == 0 && r.GraphError == ""
}

// DryRun resolves and loads plugins, validates coll, and compiles the
// Task Graph, stopping short of the Scheduler — useful for CI to fail
// fast on a malformed collection without making a single request.
func (r *Runner) DryRun(ctx context.Context, coll *collection.Collection, runOpts RunOptions) (DryRunResult, error) {
	resolved, err := pluginresolver.Resolve(r.cfg.PluginDirs, r.cfg.RuntimeID, r.log)
	if err != nil {
		return DryRunResult{}, err
	}
	reqs := analyzer.Analyze(coll)
	if loadErrs := pluginloader.Load(ctx, resolved, reqs, r.reg, r.log); len(loadErrs) > 0 {
		for _, e := range loadErrs {
			r.log.Warnw("plugin failed to load", "error", e)
		}
	}

	opts := mergeOptions(coll.Options, runOpts)
	valResult := validator.Validate(coll, r.reg, opts.Strict, opts.AllowParallel, opts.JarPersist)
	if !valResult.Valid() {
		return DryRunResult{ValidationErrors: valResult.Errors}, nil
	}

	items := filter.Apply(coll.Items, filter.Options{Pattern: runOpts.FilterPattern, ExcludeDeps: runOpts.ExcludeDeps})
	g, err := graph.Compile(coll, items, graph.Options{Sequential: !opts.AllowParallel})
	if err != nil {
		return DryRunResult{GraphError: err.Error()}, nil
	}

	return DryRunResult{NodeCount: len(g.Nodes)}, nil
}

// Run executes coll's full per-run sequence (spec.md §4.M).
func (r *Runner) Run(ctx context.Context, coll *collection.Collection, runOpts RunOptions, bus *events.Bus) (Result, error) {
	collInfo := events.CollectionInfo{ID: coll.ID, Name: coll.Name}
	publish := func(env events.Envelope) {
		env.CollectionInfo = collInfo
		if bus != nil {
			bus.Publish(env)
		}
	}

	// Step 1: resolve, analyze, load.
	resolved, err := pluginresolver.Resolve(r.cfg.PluginDirs, r.cfg.RuntimeID, r.log)
	if err != nil {
		return Result{}, err
	}
	reqs := analyzer.Analyze(coll)
	if loadErrs := pluginloader.Load(ctx, resolved, reqs, r.reg, r.log); len(loadErrs) > 0 {
		for _, e := range loadErrs {
			r.log.Warnw("plugin failed to load", "error", e)
		}
	}

	// Step 2: protocol plugin must exist.
	if _, ok := r.reg.Protocol(coll.Protocol); !ok {
		return Result{}, &errs.ConfigError{Reason: fmt.Sprintf("no protocol plugin registered for %q", coll.Protocol)}
	}

	// Step 3: merge options.
	opts := mergeOptions(coll.Options, runOpts)

	stack := scope.New(coll.ID)
	resolver := vars.New(stack, r.cfg.Environment, r.cfg.Global)
	jar := scope.NewCookieJar()
	engine := scriptengine.New(resolver, jar)

	for _, name := range reqs.ValueProviderList() {
		if provider, ok := r.reg.ValueProvider(name); ok {
			resolver.RegisterProvider(name, provider)
		}
	}
	seedVariables(ctx, resolver, stack.Collection(), coll.Variables)

	// Step 4: external libraries, gated.
	loader := libloader.New(libloader.Options{Allowed: opts.AllowExternalLib, BaseURL: r.cfg.LibraryBaseURL})
	modules, err := loader.Load(ctx, coll.Libraries)
	if err != nil {
		return Result{}, err
	}
	engine.SetExternalLibraries(modules)

	// Step 5: validate.
	valResult := validator.Validate(coll, r.reg, opts.Strict, opts.AllowParallel, opts.JarPersist)
	publish(events.Envelope{Name: events.BeforeRun, PathType: events.PathRun})
	if !valResult.Valid() {
		publish(events.Envelope{Name: events.AfterRun, PathType: events.PathRun})
		return Result{ValidationErrors: valResult.Errors}, nil
	}

	// Step 6: iteration plan.
	if len(coll.TestData) == 0 && coll.TestDataSource != nil {
		rows, err := coll.TestDataSource.Load()
		if err != nil {
			return Result{}, err
		}
		coll.TestData = rows
	}

	iterations := opts.Iterations
	capSet := coll.Options.Iterations != nil || runOpts.Iterations != nil
	if n := len(coll.TestData); n > 0 && (!capSet || n < iterations) {
		iterations = n
	}
	if iterations < 1 {
		iterations = 1
	}

	items := filter.Apply(coll.Items, filter.Options{Pattern: runOpts.FilterPattern, ExcludeDeps: runOpts.ExcludeDeps})

	publishConsole := func(msgs []scriptengine.ConsoleMessage) {
		for _, m := range msgs {
			publish(events.Envelope{
				Name: events.Console, PathType: events.PathCollection,
				Console: &events.ConsoleMessage{Level: string(m.Level), Message: m.Message},
			})
		}
	}

	// Step 7: collection pre-script, once.
	if coll.PreScript != "" {
		publish(events.Envelope{Name: events.BeforeCollectionPreScript, PathType: events.PathCollection})
		runResult, err := engine.Run(ctx, coll.PreScript, errs.PhaseCollectionPre, coll.ID)
		if runResult != nil {
			publishConsole(runResult.Console)
		}
		publish(events.Envelope{Name: events.AfterCollectionPreScript, PathType: events.PathCollection})
		if err != nil {
			return Result{Aborted: true, AbortReason: err.Error()}, nil
		}
	}

	result := Result{}
	graphOpts := graph.Options{Sequential: !opts.AllowParallel}

	// Step 8: per iteration.
	for i := 0; i < iterations; i++ {
		if len(coll.TestData) > 0 {
			resolver.SetIterationRow(coll.TestData[i])
		}

		g, err := graph.Compile(coll, items, graphOpts)
		if err != nil {
			return Result{}, err
		}

		iterStack := stack.Clone()
		resolver.Stack = iterStack

		schedOpts := scheduler.Options{
			MaxConcurrency: opts.MaxConcurrency,
			Bail:           opts.Bail,
			DelayMs:        opts.DelayMs,
			AllowParallel:  opts.AllowParallel,
			JarPersist:     opts.JarPersist,
		}
		sched := scheduler.New(g, coll, engine, resolver, iterStack, jar, r.reg, bus, collInfo, i, schedOpts)

		publish(events.Envelope{Name: events.BeforeIteration, PathType: events.PathCollection, Iteration: intPtr(i)})
		summary := sched.Run(ctx)
		publish(events.Envelope{Name: events.AfterIteration, PathType: events.PathCollection, Iteration: intPtr(i)})

		// Carry the collection-scope frame forward; request/folder frames
		// never survive a completed iteration (push/pop always balances).
		stack.Collection().Vars = iterStack.Collection().Vars

		result.Iterations = append(result.Iterations, IterationResult{
			Index: i, Requests: summary.Requests, Aborted: summary.Aborted,
		})

		if summary.Aborted {
			result.Aborted = true
			result.AbortReason = summary.AbortReason
			break
		}
	}

	// Step 9: collection post-script, once.
	if coll.PostScript != "" && !result.Aborted {
		publish(events.Envelope{Name: events.BeforeCollectionPostScript, PathType: events.PathCollection})
		runResult, err := engine.Run(ctx, coll.PostScript, errs.PhaseCollectionPost, coll.ID)
		if runResult != nil {
			publishConsole(runResult.Console)
		}
		publish(events.Envelope{Name: events.AfterCollectionPostScript, PathType: events.PathCollection})
		if err != nil {
			result.Aborted = true
			result.AbortReason = err.Error()
		}
	}

	// Step 10: done.
	publish(events.Envelope{Name: events.AfterRun, PathType: events.PathRun})
	return result, nil
}

// mergedOptions is the fully-resolved, defaulted form of the deep-merged
// collection/run options (spec.md §4.M step 3).
type mergedOptions struct {
	AllowParallel    bool
	MaxConcurrency   int
	Bail             bool
	DelayMs          int
	Strict           bool
	Iterations       int
	AllowExternalLib bool
	JarPersist       bool
}

// mergeOptions deep-merges coll's declared options with the run-level
// overlay: a run-level field set to non-nil always wins (last-write-wins
// on scalars); everything unset falls back to the collection's own
// setting, then to a runtime default.
func mergeOptions(collOpts collection.Options, run RunOptions) mergedOptions {
	m := mergedOptions{MaxConcurrency: 1, Iterations: 1, JarPersist: true}

	if collOpts.AllowParallel != nil {
		m.AllowParallel = *collOpts.AllowParallel
	}
	if collOpts.MaxConcurrency != nil {
		m.MaxConcurrency = *collOpts.MaxConcurrency
	}
	if collOpts.Bail != nil {
		m.Bail = *collOpts.Bail
	}
	if collOpts.DelayMs != nil {
		m.DelayMs = *collOpts.DelayMs
	}
	if collOpts.Strict != nil {
		m.Strict = *collOpts.Strict
	}
	if collOpts.Iterations != nil {
		m.Iterations = *collOpts.Iterations
	}
	if collOpts.AllowExternalLib != nil {
		m.AllowExternalLib = *collOpts.AllowExternalLib
	}
	if collOpts.Jar.Persist != nil {
		m.JarPersist = *collOpts.Jar.Persist
	}

	if run.AllowParallel != nil {
		m.AllowParallel = *run.AllowParallel
	}
	if run.MaxConcurrency != nil {
		m.MaxConcurrency = *run.MaxConcurrency
	}
	if run.Bail != nil {
		m.Bail = *run.Bail
	}
	if run.DelayMs != nil {
		m.DelayMs = *run.DelayMs
	}
	if run.Strict != nil {
		m.Strict = *run.Strict
	}
	if run.Iterations != nil {
		m.Iterations = *run.Iterations
	}
	if run.AllowExternalLib != nil {
		m.AllowExternalLib = *run.AllowExternalLib
	}
	if run.JarPersist != nil {
		m.JarPersist = *run.JarPersist
	}

	if m.MaxConcurrency < 1 {
		m.MaxConcurrency = 1
	}
	if m.Iterations < 1 {
		m.Iterations = 1
	}
	return m
}

// seedVariables copies a collection's declared variables into frame,
// resolving provider-backed ones through the value provider registered
// for that name. Mirrors the scheduler's folder-scope seeding (spec.md
// §4.L.1) one level up, at the collection's own bottom frame.
func seedVariables(ctx context.Context, resolver *vars.Resolver, frame *scope.Frame, declared map[string]collection.Variable) {
	for name, v := range declared {
		if !v.Enabled {
			continue
		}
		value := v.Value
		if v.Provider != "" {
			resolved, ok, err := resolver.CallProvider(ctx, v.Provider, v.Value)
			if err != nil || !ok {
				continue
			}
			value = resolved
		}
		frame.Vars[name] = value
		if v.IsSecret {
			resolver.RegisterSecretValue(value)
		}
	}
}

func intPtr(i int) *int { return &i }
