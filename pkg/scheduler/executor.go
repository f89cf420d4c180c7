package scheduler

// scriptExecutor serializes funcs onto one dedicated goroutine: the DAG
// Scheduler's script pool, the run's sole mutual-exclusion mechanism
// for the scope stack, cookie jar, and execution history (spec.md
// §4.L/§5). Every mutation of that state — folder-enter/exit, script
// invocations, a request's pre/post phases — goes through Do so it is
// always driven by the same goroutine, never requiring its own lock.
type scriptExecutor struct {
	jobs chan func()
	done chan struct{}
}

func newScriptExecutor() *scriptExecutor {
	e := &scriptExecutor{jobs: make(chan func()), done: make(chan struct{})}
	go e.run()
	return e
}

func (e *scriptExecutor) run() {
	for fn := range e.jobs {
		fn()
	}
	close(e.done)
}

// Do submits fn and blocks until it has run on the script-pool
// goroutine, in submission order relative to every other Do call.
func (e *scriptExecutor) Do(fn func()) {
	result := make(chan struct{})
	e.jobs <- func() { fn(); close(result) }
	<-result
}

// Close stops the worker goroutine once its queue drains. Safe to call
// once Run's dispatch loop has no more work to submit.
func (e *scriptExecutor) Close() {
	close(e.jobs)
	<-e.done
}
