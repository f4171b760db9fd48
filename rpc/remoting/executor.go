package remoting

import (
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// defaultExecutorQueueSize is the queue length of the executors created by the client
const defaultExecutorQueueSize = 10000

// Executor runs tasks on a fixed number of worker goroutines.
// A panicking task is logged and does not take down its worker.
type Executor struct {
	name    string
	mu      sync.RWMutex
	tasks   chan func()
	closed  bool
	workers conc.WaitGroup
}

// NewExecutor creates an executor with the given number of workers and queue length
func NewExecutor(name string, workers, queueSize int) *Executor {
	e := &Executor{
		name:  name,
		tasks: make(chan func(), max(0, queueSize)),
	}
	for i := 0; i < max(1, workers); i++ {
		e.workers.Go(e.work)
	}
	return e
}

// Submit queues the task. Returns false if the executor is shut down or its queue is full.
func (e *Executor) Submit(task func()) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return false
	}
	select {
	case e.tasks <- task:
		return true
	default:
		return false
	}
}

// Shutdown rejects new tasks and waits until the queued tasks are done
func (e *Executor) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.tasks)
	e.mu.Unlock()

	e.workers.Wait()
}

// IsShutdown reports whether Shutdown was called
func (e *Executor) IsShutdown() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Name returns the name given on creation
func (e *Executor) Name() string {
	return e.name
}

func (e *Executor) work() {
	for task := range e.tasks {
		e.run(task)
	}
}

func (e *Executor) run(task func()) {
	var pc panics.Catcher
	pc.Try(task)
	if r := pc.Recovered(); r != nil {
		Logger.Errorf("Task of executor %s panicked: %v\n%s", e.name, r.Value, r.Stack)
	}
}
