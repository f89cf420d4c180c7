package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blackcoderx/runlet/internal/errs"
	"github.com/blackcoderx/runlet/pkg/collection"
	"github.com/blackcoderx/runlet/pkg/events"
	"github.com/blackcoderx/runlet/pkg/graph"
	"github.com/blackcoderx/runlet/pkg/pluginapi"
	"github.com/blackcoderx/runlet/pkg/scope"
	"github.com/blackcoderx/runlet/pkg/scriptengine"
)

// runScriptNode dispatches a non-request node's action onto the script
// pool (spec.md §4.L.1's node actions table).
func (s *Scheduler) runScriptNode(ctx context.Context, abortCtx context.Context, id string) {
	node := s.graph.Nodes[id]
	s.executor.Do(func() {
		switch node.Kind {
		case graph.KindFolderEnter:
			s.folderEnter(abortCtx, node)
		case graph.KindFolderExit:
			s.folderExit(node)
		case graph.KindScript:
			s.runLifecycleScript(abortCtx, node)
		}
	})
}

// folderEnter evaluates the folder's condition (if any), pushes its
// scope frame and emits beforeFolder, or marks the whole subtree
// skipped if the condition is false (spec.md §4.L.1/§4.L's
// skipSubtree).
func (s *Scheduler) folderEnter(ctx context.Context, node *graph.Node) {
	if node.Condition != "" {
		ok, err := s.engine.EvalCondition(ctx, node.Condition, node.Path)
		if err != nil {
			s.triggerBail(err.Error())
			return
		}
		if !ok {
			s.markSkippedSubtree(node.ID)
			return
		}
	}

	frame := s.stack.Push(scope.LevelFolder, node.Item.ID)
	if node.Item.Folder != nil {
		s.seedVariables(ctx, frame, node.Item.Folder.Variables)
	}
	s.publish(events.Envelope{Name: events.BeforeFolder, Path: node.Path, PathType: events.PathFolder})
}

// folderExit pops the folder's scope frame and emits afterFolder, or
// no-ops if the top frame doesn't match — the folder's enter was
// skipped, so there is nothing to pop (spec.md §4.L.1).
func (s *Scheduler) folderExit(node *graph.Node) {
	if node.Item == nil {
		return
	}
	top := s.stack.Top()
	if top.Level != scope.LevelFolder || top.ID != node.Item.ID {
		return
	}
	s.stack.Pop()
	s.publish(events.Envelope{Name: events.AfterFolder, Path: node.Path, PathType: events.PathFolder})
}

// runLifecycleScript executes a folder pre/post-script node, aborting
// the run on any unhandled exception (spec.md §4.L.1, §4.L.3 "Any
// exception from any phase ... run aborted").
func (s *Scheduler) runLifecycleScript(ctx context.Context, node *graph.Node) {
	before, after := phaseEvents(node.Phase)
	s.publish(events.Envelope{Name: before, Path: node.Path, PathType: events.PathFolder})
	runResult, err := s.engine.Run(ctx, node.Script, node.Phase, node.Path)
	if runResult != nil {
		s.publishConsole(node.Path, events.PathFolder, runResult.Console)
	}
	s.publish(events.Envelope{Name: after, Path: node.Path, PathType: events.PathFolder})
	if err != nil {
		s.triggerBail(err.Error())
	}
}

func phaseEvents(phase errs.ScriptPhase) (events.Name, events.Name) {
	switch phase {
	case errs.PhaseFolderPre:
		return events.BeforePreScript, events.AfterPreScript
	case errs.PhaseFolderPost:
		return events.BeforePostScript, events.AfterPostScript
	default:
		return events.BeforePreScript, events.AfterPreScript
	}
}

// skipNode marks id complete without running its action: a no-op for
// folder/script nodes (scope was never pushed so there is nothing to
// undo), a Skipped RequestResult for a request node (spec.md §4.L
// "skipSubtree"). bailSkip marks a skip caused by bail/external abort
// rather than a condition-false subtree: its afterRequest publish is
// bounded by spec.md §8.1's "after bail fires, the number of additional
// afterRequest events emitted is ≤ maxConcurrency" (condition-false
// skips carry no such bound — every descendant still gets its event).
func (s *Scheduler) skipNode(id, reason string, bailSkip bool) {
	node := s.graph.Nodes[id]
	if node.Kind != graph.KindRequest {
		return
	}
	result := RequestResult{ID: node.ID, Path: node.Path, Skipped: true, ScriptError: reason}
	s.addResult(result)

	if bailSkip {
		if s.postBailSkipPublishes >= maxInt(s.opts.MaxConcurrency, 1) {
			return
		}
		s.postBailSkipPublishes++
	}
	s.publish(events.Envelope{
		Name: events.AfterRequest, Path: node.Path, PathType: events.PathRequest,
		Result: &events.Result{Skipped: true, ScriptError: reason},
	})
}

// markSkippedSubtree flags every node reachable from a folder-enter's
// successors, stopping at (not including) the folder's own exit node,
// so the dispatch loop treats them as skipped rather than running them
// once their turn comes (spec.md §4.L "skipSubtree(root)").
func (s *Scheduler) markSkippedSubtree(enterID string) {
	exitID := enterID[:len(enterID)-len(":enter")] + ":exit"
	visited := map[string]bool{}
	var visit func(id string)
	visit = func(id string) {
		if id == exitID || visited[id] {
			return
		}
		visited[id] = true
		s.mu.Lock()
		if s.skipped == nil {
			s.skipped = map[string]bool{}
		}
		s.skipped[id] = true
		s.mu.Unlock()
		for _, succ := range s.graph.Nodes[id].Successors {
			visit(succ)
		}
	}
	for _, succ := range s.graph.Nodes[enterID].Successors {
		visit(succ)
	}
}

func (s *Scheduler) isSkipped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.skipped[id]
}

// seedVariables copies a folder's declared variables into frame,
// resolving provider-backed ones (Variable.Provider != "") through the
// value-provider registered for that name, using Variable.Value as the
// key the provider looks up. Disabled variables are skipped.
func (s *Scheduler) seedVariables(ctx context.Context, frame *scope.Frame, declared map[string]collection.Variable) {
	for name, v := range declared {
		if !v.Enabled {
			continue
		}
		value := v.Value
		if v.Provider != "" {
			resolved, ok, err := s.resolver.CallProvider(ctx, v.Provider, v.Value)
			if err != nil || !ok {
				continue
			}
			value = resolved
		}
		frame.Vars[name] = value
		if v.IsSecret {
			s.resolver.RegisterSecretValue(value)
		}
	}
}

// runRequestNode drives one request node through its pre/I-O/post
// phases (spec.md §4.L.3). Pre and post run on the script pool via
// s.executor; I/O happens on the calling goroutine, which is already
// one of the request pool's bounded workers by the time this is called.
func (s *Scheduler) runRequestNode(ctx context.Context, abortCtx context.Context, id string) {
	node := s.graph.Nodes[id]

	type preOutcome struct {
		abort     bool
		result    *RequestResult
		snapshot  map[string]string
		tests     []scriptengine.TestResult
	}
	var pre preOutcome

	s.executor.Do(func() {
		if node.Condition != "" {
			ok, err := s.engine.EvalCondition(abortCtx, node.Condition, node.Path)
			if err != nil {
				s.triggerBail(err.Error())
				pre.abort = true
				pre.result = &RequestResult{ID: node.ID, Path: node.Path, Success: false, ScriptError: err.Error()}
				return
			}
			if !ok {
				pre.abort = true
				pre.result = &RequestResult{ID: node.ID, Path: node.Path, Skipped: true, ScriptError: "condition evaluated to false"}
				return
			}
		}

		s.stack.Push(scope.LevelRequest, node.ID)
		s.publish(events.Envelope{Name: events.BeforeItem, Path: node.Path, PathType: events.PathRequest})

		for _, script := range node.PreScripts {
			s.publish(events.Envelope{Name: events.BeforePreScript, Path: node.Path, PathType: events.PathRequest})
			runResult, err := s.engine.Run(abortCtx, script, errs.PhasePreRequest, node.Path)
			s.publish(events.Envelope{Name: events.AfterPreScript, Path: node.Path, PathType: events.PathRequest})
			if runResult != nil {
				pre.tests = append(pre.tests, runResult.Tests...)
				s.publishConsole(node.Path, events.PathRequest, runResult.Console)
			}
			if err != nil {
				s.triggerBail(err.Error())
				pre.abort = true
				pre.result = &RequestResult{ID: node.ID, Path: node.Path, Success: false, ScriptError: err.Error(), Tests: pre.tests}
				s.stack.Pop()
				return
			}
		}

		pre.snapshot = s.stack.Snapshot()
	})

	if pre.abort {
		s.addResult(*pre.result)
		s.publish(events.Envelope{
			Name: events.AfterRequest, Path: node.Path, PathType: events.PathRequest,
			Result: &events.Result{Success: pre.result.Success, Skipped: pre.result.Skipped, ScriptError: pre.result.ScriptError},
		})
		return
	}

	resp, req, duration, ioErr := s.ioPhase(ctx, node, pre.snapshot)

	var postResult RequestResult
	s.executor.Do(func() {
		postResult = s.postPhase(abortCtx, node, req, resp, duration, ioErr, pre.tests)
	})
	s.addResult(postResult)
}

// ioPhase resolves the request's variables through a snapshot-bound
// resolver, applies effective auth, applies the inter-request delay,
// and calls the protocol plugin. It never touches the live scope stack
// (spec.md §5).
func (s *Scheduler) ioPhase(ctx context.Context, node *graph.Node, snapshot map[string]string) (*pluginapi.Response, *pluginapi.Request, float64, error) {
	snapResolver := s.resolver.SnapshotResolver(snapshot)

	resolved, err := snapResolver.ResolveJSON(ctx, node.Item.Request.Data, false)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resolving request variables: %w", err)
	}

	var doc requestDoc
	if err := json.Unmarshal(resolved, &doc); err != nil {
		return nil, nil, 0, fmt.Errorf("decoding request document: %w", err)
	}

	req := &pluginapi.Request{Method: doc.Method, URL: doc.URL, Headers: map[string][]string(doc.Headers), Body: doc.Body}
	if req.Headers == nil {
		req.Headers = map[string][]string{}
	}

	if node.EffectiveAuth != nil && node.EffectiveAuth.EffectiveType() != collection.AuthNone && node.EffectiveAuth.EffectiveType() != collection.AuthInherit {
		authPlugin, ok := s.reg.Auth(node.EffectiveAuth.Type)
		if !ok {
			return nil, req, 0, &errs.MissingPluginError{Kind: "auth", Name: node.EffectiveAuth.Type}
		}
		applied, err := authPlugin.Apply(ctx, req, node.EffectiveAuth.Data, nil, nil)
		if err != nil {
			return nil, req, 0, fmt.Errorf("applying auth: %w", err)
		}
		if typed, ok := applied.(*pluginapi.Request); ok {
			req = typed
		}
	}

	domain, path := domainPath(req.URL)
	if cookieHeader := s.jar.Header(domain, path); cookieHeader != "" {
		req.Headers["Cookie"] = []string{cookieHeader}
	}

	s.waitInterRequestDelay(ctx)

	s.publish(events.Envelope{
		Name: events.BeforeRequest, Path: node.Path, PathType: events.PathRequest,
		Request: &events.RequestInfo{Method: req.Method, URL: s.resolver.Redact(req.URL)},
	})

	protocol := s.coll.Protocol
	plugin, ok := s.reg.Protocol(protocol)
	if !ok {
		return nil, req, 0, &errs.MissingPluginError{Kind: "protocol", Name: protocol}
	}

	emit := s.emitForNode(node)
	resp, err := plugin.Execute(ctx, req, nil, nil, emit, nil)
	if err != nil {
		return nil, req, 0, err
	}
	return resp, req, resp.Duration, nil
}

// waitInterRequestDelay blocks per opts.DelayMs, skipped for the first
// request this Scheduler sends and whenever AllowParallel is set
// (spec.md §4.L.3). Each iteration runs its own Scheduler, so the first
// request of every iteration goes out without a delay.
func (s *Scheduler) waitInterRequestDelay(ctx context.Context) {
	if s.limiter == nil {
		return
	}
	s.mu.Lock()
	first := s.firstIO
	s.firstIO = false
	s.mu.Unlock()
	if first {
		// Spend the limiter's initial burst token so the next request
		// waits a full DelayMs after this one.
		s.limiter.Allow()
		return
	}
	_ = s.limiter.Wait(ctx)
}

// emitForNode funnels a protocol plugin's reported event through the
// script pool to run a matching plugin-event script node, if the
// request declares one for that event name (spec.md §4.L.3 step 2).
func (s *Scheduler) emitForNode(node *graph.Node) pluginapi.EmitEvent {
	return func(ctx context.Context, name string, data interface{}) error {
		var script string
		for _, ev := range node.Item.Request.Events {
			if ev.Event == name {
				script = ev.Script
				break
			}
		}
		if script == "" {
			return nil
		}
		var runErr error
		s.executor.Do(func() {
			s.engine.SetCurrentRequestResponse(&scriptengine.RequestResponse{Request: data})
			result, err := s.engine.Run(ctx, script, errs.PhaseEvent, node.Path)
			if result != nil {
				for _, t := range result.Tests {
					s.publish(events.Envelope{
						Name: events.Assertion,
						Path: node.Path, PathType: events.PathRequest,
						Test:      &events.TestResult{Name: t.Name, Passed: t.Passed, Error: t.Error},
						EventDesc: &events.EventDescriptor{PluginEvent: name},
					})
				}
				s.publishConsole(node.Path, events.PathRequest, result.Console)
			}
			runErr = err
		})
		return runErr
	}
}

// postPhase runs inherited post-scripts, records assertion events,
// applies bail on a failed test, clears the cookie jar when
// jar.persist=false, and pops the request's scope frame.
func (s *Scheduler) postPhase(ctx context.Context, node *graph.Node, req *pluginapi.Request, resp *pluginapi.Response, duration float64, ioErr error, tests []scriptengine.TestResult) RequestResult {
	defer func() {
		top := s.stack.Top()
		if top.Level == scope.LevelRequest && top.ID == node.ID {
			s.stack.Pop()
		}
	}()

	if ioErr != nil {
		s.triggerBail(ioErr.Error())
		result := RequestResult{ID: node.ID, Path: node.Path, Success: false, ScriptError: ioErr.Error(), Duration: duration, Tests: tests}
		s.publish(events.Envelope{Name: events.AfterRequest, Path: node.Path, PathType: events.PathRequest, Result: &events.Result{ScriptError: ioErr.Error()}})
		s.publish(events.Envelope{Name: events.AfterItem, Path: node.Path, PathType: events.PathRequest})
		return result
	}

	s.publish(events.Envelope{
		Name: events.AfterRequest, Path: node.Path, PathType: events.PathRequest,
		Response: &events.ResponseInfo{Status: resp.Status, StatusText: resp.StatusText, Duration: duration},
		Duration: &duration,
	})

	s.engine.SetCurrentRequestResponse(&scriptengine.RequestResponse{Request: req, Response: resp})
	for _, script := range node.PostScripts {
		s.publish(events.Envelope{Name: events.BeforePostScript, Path: node.Path, PathType: events.PathRequest})
		runResult, err := s.engine.Run(ctx, script, errs.PhasePostRequest, node.Path)
		s.publish(events.Envelope{Name: events.AfterPostScript, Path: node.Path, PathType: events.PathRequest})
		if runResult != nil {
			tests = append(tests, runResult.Tests...)
			s.publishConsole(node.Path, events.PathRequest, runResult.Console)
		}
		if err != nil {
			s.triggerBail(err.Error())
			s.engine.SetCurrentRequestResponse(nil)
			s.publish(events.Envelope{Name: events.AfterItem, Path: node.Path, PathType: events.PathRequest})
			return RequestResult{ID: node.ID, Path: node.Path, Success: false, ScriptError: err.Error(), Duration: duration, Tests: tests}
		}
	}
	s.engine.SetCurrentRequestResponse(nil)

	allPassed := true
	for _, t := range tests {
		s.publish(events.Envelope{Name: events.Assertion, Path: node.Path, PathType: events.PathRequest, Test: &events.TestResult{Name: t.Name, Passed: t.Passed, Error: t.Error}})
		if !t.Passed {
			allPassed = false
		}
	}
	if !allPassed && s.opts.Bail {
		s.triggerBail("bail: a test failed")
	}

	if !s.opts.JarPersist {
		s.jar.Clear()
	}

	s.publish(events.Envelope{Name: events.AfterItem, Path: node.Path, PathType: events.PathRequest})

	return RequestResult{ID: node.ID, Path: node.Path, Success: allPassed, Status: resp.Status, Duration: duration, Tests: tests}
}

// requestDoc is a request item's resolved "data" blob, the generic
// protocol-agnostic shape spec.md §3.1 describes as an opaque payload
// the protocol plugin interprets; method/url/headers/body is the
// common subset the runtime itself needs to apply auth and cookies
// before handing the whole thing to the plugin.
type requestDoc struct {
	Method  string      `json:"method"`
	URL     string      `json:"url"`
	Headers flexHeaders `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// flexHeaders accepts either {"X": "v"} or {"X": ["v1","v2"]} per
// header key, since hand-authored collections commonly use the single
// string form while spec.md §6.1 models headers as sequence-of-string.
type flexHeaders map[string][]string

func (h *flexHeaders) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	out := make(map[string][]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			out[k] = []string{s}
			continue
		}
		var arr []string
		if err := json.Unmarshal(v, &arr); err == nil {
			out[k] = arr
		}
	}
	*h = out
	return nil
}
