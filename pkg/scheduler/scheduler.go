// Package scheduler implements the DAG Scheduler (spec.md §4.L): the
// two disjoint worker pools that walk a compiled Task Graph to
// completion, a script pool of exactly one worker (the run's sole
// mutual-exclusion mechanism) and a request pool of up to
// maxConcurrency workers doing protocol I/O.
//
// Grounded on falcon's orchestrate.go bounded fan-out (its hand-rolled
// channel semaphore is replaced here with golang.org/x/sync/errgroup's
// SetLimit, the ecosystem's own version of the same idiom) for the
// request pool, generalized from a flat slice of independent scenarios
// to a DAG whose edges gate when a node may even be dispatched.
package scheduler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/blackcoderx/runlet/pkg/collection"
	"github.com/blackcoderx/runlet/pkg/events"
	"github.com/blackcoderx/runlet/pkg/graph"
	"github.com/blackcoderx/runlet/pkg/registry"
	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/scriptengine"
	"github.com/blackcoderx/runlet/pkg/vars"
)

// Options configures one Run over a compiled Graph (spec.md §3's
// RunOptions, the deep-merged collection/run options the Collection
// Runner hands down).
type Options struct {
	MaxConcurrency int
	Bail           bool
	DelayMs        int
	AllowParallel  bool
	JarPersist     bool
}

// RequestResult is one request node's outcome, folded into the
// Collection Runner's per-iteration aggregate (spec.md §4.L.3).
type RequestResult struct {
	ID          string
	Path        string
	Success     bool
	Skipped     bool
	ScriptError string
	Status      int
	Duration    float64
	Tests       []scriptengine.TestResult
}

// Summary is everything one Run produced.
type Summary struct {
	Requests    []RequestResult
	Aborted     bool
	AbortReason string
}

// Scheduler drives one compiled Graph to completion for one iteration.
// A fresh Scheduler must be built per iteration: it owns the iteration's
// scope stack via the resolver it was given, and its completed/predCount
// bookkeeping is not reusable across runs.
type Scheduler struct {
	graph    *graph.Graph
	coll     *collection.Collection
	engine   *scriptengine.Engine
	resolver *vars.Resolver
	stack    *scope.Stack
	jar      *scope.CookieJar
	reg      *registry.Registry
	bus      *events.Bus
	collInfo events.CollectionInfo
	iteration int

	opts Options

	limiter *rate.Limiter

	mu          sync.Mutex
	results     []RequestResult
	completed   map[string]bool
	predCount   map[string]int
	skipped     map[string]bool // nodes under a condition-false folder (markSkippedSubtree)
	abortFired  bool
	abortReason string
	firstIO     bool // true until the first request's I/O has started

	// postBailSkipPublishes counts afterRequest events already published
	// for nodes skipped because of bail/abort, dispatch-loop-local (the
	// dispatch loop is single-threaded) and bounded at maxConcurrency by
	// skipNode (spec.md §8.1).
	postBailSkipPublishes int

	executor    *scriptExecutor
	cancelAbort context.CancelFunc
}

// New builds a Scheduler for one iteration's compiled Graph.
func New(g *graph.Graph, coll *collection.Collection, engine *scriptengine.Engine, resolver *vars.Resolver, stack *scope.Stack, jar *scope.CookieJar, reg *registry.Registry, bus *events.Bus, collInfo events.CollectionInfo, iteration int, opts Options) *Scheduler {
	s := &Scheduler{
		graph:     g,
		coll:      coll,
		engine:    engine,
		resolver:  resolver,
		stack:     stack,
		jar:       jar,
		reg:       reg,
		bus:       bus,
		collInfo:  collInfo,
		iteration: iteration,
		opts:      opts,
		completed: map[string]bool{},
		predCount: map[string]int{},
		skipped:   map[string]bool{},
		firstIO:   true,
		executor:  newScriptExecutor(),
	}
	if opts.DelayMs > 0 && !opts.AllowParallel {
		s.limiter = rate.NewLimiter(rate.Every(time.Duration(opts.DelayMs)*time.Millisecond), 1)
	}
	for id, n := range g.Nodes {
		s.predCount[id] = len(n.Predecessors)
	}
	return s
}

// Run walks the graph to completion, dispatching script-queue nodes
// one at a time on the script pool and request nodes concurrently on
// the request pool, until every node has completed or the run aborts
// and both queues have drained (spec.md §4.L "Termination").
//
// ctx is the caller's own cancellation signal (spec.md §4.L.4 "external
// abort"); Run derives its own child context internally and cancels
// that one when triggerBail fires (a failed test under opts.Bail, or
// any script, condition or request error), so a caller's own context is
// never mutated by an internal bail and AbortReason can still tell the
// two causes apart.
func (s *Scheduler) Run(ctx context.Context) Summary {
	abortCtx, cancel := context.WithCancel(ctx)
	s.cancelAbort = cancel
	defer cancel()
	defer s.executor.Close()

	var scriptQ, requestQ []string
	classify := func(id string) {
		if s.graph.Nodes[id].Kind == graph.KindRequest {
			requestQ = append(requestQ, id)
		} else {
			scriptQ = append(scriptQ, id)
		}
	}
	for _, id := range s.graph.Roots {
		classify(id)
	}

	var eg errgroup.Group
	eg.SetLimit(maxInt(s.opts.MaxConcurrency, 1))
	completions := make(chan string, len(s.graph.Nodes))
	inFlight := 0
	total := len(s.graph.Nodes)
	completedCount := 0

	onNodeDone := func(id string) {
		if s.completed[id] {
			return
		}
		s.completed[id] = true
		completedCount++
		for _, succ := range s.graph.Nodes[id].Successors {
			s.predCount[succ]--
			if s.predCount[succ] == 0 {
				classify(succ)
			}
		}
	}

	drainNonBlocking := func() {
		for {
			select {
			case id := <-completions:
				inFlight--
				onNodeDone(id)
			default:
				return
			}
		}
	}

	for completedCount < total {
		aborted := abortCtx.Err() != nil

		switch {
		case len(scriptQ) > 0 && s.isSkipped(scriptQ[0]):
			id := scriptQ[0]
			scriptQ = scriptQ[1:]
			s.skipNode(id, "condition evaluated to false", false)
			onNodeDone(id)

		case len(scriptQ) > 0 && aborted:
			id := scriptQ[0]
			scriptQ = scriptQ[1:]
			s.skipNode(id, s.bailReason(), true)
			onNodeDone(id)

		case len(scriptQ) > 0:
			id := scriptQ[0]
			scriptQ = scriptQ[1:]
			s.runScriptNode(ctx, abortCtx, id)
			onNodeDone(id)
			drainNonBlocking()

		case len(requestQ) > 0 && s.isSkipped(requestQ[0]):
			id := requestQ[0]
			requestQ = requestQ[1:]
			s.skipNode(id, "condition evaluated to false", false)
			onNodeDone(id)

		case len(requestQ) > 0 && aborted:
			id := requestQ[0]
			requestQ = requestQ[1:]
			s.skipNode(id, s.bailReason(), true)
			onNodeDone(id)

		case len(requestQ) > 0:
			id := requestQ[0]
			requestQ = requestQ[1:]
			inFlight++
			eg.Go(func() error {
				s.runRequestNode(ctx, abortCtx, id)
				completions <- id
				return nil
			})

		case inFlight > 0:
			id := <-completions
			inFlight--
			onNodeDone(id)

		default:
			// Nothing ready, nothing in flight, but the graph isn't
			// fully completed: an aborted run whose remaining nodes
			// were all pruned already decremented their way to zero
			// pending predecessors. Treat as done.
			completedCount = total
		}
	}

	_ = eg.Wait() // every request goroutine returns nil; this only confirms all have exited

	s.mu.Lock()
	defer s.mu.Unlock()
	reason := s.abortReason
	if reason == "" && ctx.Err() != nil {
		reason = ctx.Err().Error()
	}
	return Summary{
		Requests:    append([]RequestResult{}, s.results...),
		Aborted:     s.abortFired || ctx.Err() != nil,
		AbortReason: reason,
	}
}

// bailReason returns the abort reason recorded by whichever code path
// cancelled abortCtx, defaulting to a generic external-abort message
// when the scheduler itself never flipped abortFired (the caller
// supplied its own already-cancelled signal, spec.md §4.L.4).
func (s *Scheduler) bailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.abortReason != "" {
		return s.abortReason
	}
	return "Skipped by bail"
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// triggerBail marks the run as bailed and cancels the scheduler's own
// internal abort context. The post-phase of a failed-test request calls
// it when opts.Bail is set (spec.md §4.L.4); every script, condition and
// request error path calls it regardless of opts.Bail. Cancelling the
// internal context rather than ctx itself means a caller-owned context
// is never mutated by an internal bail.
func (s *Scheduler) triggerBail(reason string) {
	s.mu.Lock()
	already := s.abortFired
	if !already {
		s.abortFired = true
		s.abortReason = reason
	}
	s.mu.Unlock()
	if !already {
		s.cancelAbort()
	}
}

func (s *Scheduler) addResult(r RequestResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *Scheduler) publish(env events.Envelope) {
	iteration := s.iteration
	env.Iteration = &iteration
	env.CollectionInfo = s.collInfo
	if s.bus != nil {
		s.bus.Publish(env)
	}
}

// publishConsole emits one console Envelope per captured console.*
// call, tagged by level (spec.md §4.J) and path-scoped to whichever
// node's script produced it.
func (s *Scheduler) publishConsole(path string, pathType events.PathType, msgs []scriptengine.ConsoleMessage) {
	for _, m := range msgs {
		s.publish(events.Envelope{
			Name: events.Console, Path: path, PathType: pathType,
			Console: &events.ConsoleMessage{Level: string(m.Level), Message: m.Message},
		})
	}
}

// domainPath splits a request URL into the domain/path pair the cookie
// jar is keyed by.
func domainPath(raw string) (string, string) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "/"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return u.Hostname(), path
}
