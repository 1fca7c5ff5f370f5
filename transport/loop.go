package transport

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the initial capacity of a loop task queue.
const DefaultQueueSize = 64

// Loop is the execution context of a driver: a single goroutine that runs
// posted tasks one at a time in the order they were posted.
//
// Driver callbacks and posted user work share the same queue, so no two of
// them ever run concurrently.
type Loop struct {
	name   string
	logger Logger

	mu       sync.Mutex
	cond     *sync.Cond
	tasks    *queue[func()]
	started  bool
	stopping bool

	running atomic.Bool
	done    chan struct{}
}

// NewLoop creates a loop that is not yet running. Tasks posted before Start
// are kept and run once the loop starts.
func NewLoop(name string, size int, logger Logger) *Loop {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if size <= 0 {
		size = DefaultQueueSize
	}

	l := &Loop{
		name:   name,
		logger: logger,
		tasks:  newQueue[func()](uint64(size)),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)

	return l
}

// Name returns the loop name used in logs.
func (l *Loop) Name() string {
	return l.name
}

// Start launches the loop goroutine. It returns false if the loop was
// already started or stopped.
func (l *Loop) Start() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return false
	}
	l.started = true
	l.running.Store(true)

	go l.run()

	return true
}

// Post enqueues task for execution. It returns false once Stop was called.
func (l *Loop) Post(task func()) bool {
	if task == nil {
		return false
	}

	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return false
	}
	l.tasks.push(task)
	l.mu.Unlock()

	l.cond.Signal()

	return true
}

// Stop stops accepting new tasks. Tasks already queued still run before the
// loop goroutine exits and Done is closed. Stop does not wait and may be
// called from a task running on the loop.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return
	}
	l.stopping = true
	if !l.started {
		// never started: nothing will drain the queue.
		l.started = true
		close(l.done)
	}
	l.mu.Unlock()

	l.cond.Broadcast()
}

// Done is closed after the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// IsRunning reports whether the loop goroutine is alive.
func (l *Loop) IsRunning() bool {
	return l.running.Load()
}

// Len returns the number of tasks waiting to run.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return int(l.tasks.len())
}

func (l *Loop) run() {
	l.logger.Debugf("loop %s started", l.name)

	for {
		l.mu.Lock()
		for l.tasks.len() == 0 && !l.stopping {
			l.cond.Wait()
		}
		task, ok := l.tasks.pop()
		l.mu.Unlock()

		if !ok {
			break
		}

		l.exec(task)
	}

	l.running.Store(false)
	close(l.done)

	l.logger.Debugf("loop %s stopped", l.name)
}

func (l *Loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("loop %s: recovered panic in task: %v\n%s", l.name, r, debug.Stack())
		}
	}()

	task()
}
