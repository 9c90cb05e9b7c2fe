package homekit

import "sync"

// mutator runs every cache mutation on one goroutine.
//
// Completions, notifications, reachability reports and refresh results are
// all submitted here, so they are applied in the order they were reported
// and the cache has a single writer.
type mutator struct {
	ops    *fifo[func()]
	done   chan struct{}
	once   sync.Once
	logger Logger
}

func newMutator(logger Logger) *mutator {
	m := &mutator{
		ops:    newFIFO[func()](),
		done:   make(chan struct{}),
		logger: logger,
	}
	go func() {
		defer close(m.done)
		m.ops.run(m.exec)
	}()
	return m
}

func (m *mutator) exec(op func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("cache mutation panicked", "panic", r)
		}
	}()
	op()
}

// submit queues op. It returns false after stop.
func (m *mutator) submit(op func()) bool {
	return m.ops.push(op)
}

// submitWait queues op and waits for it to run.
// It must not be called from inside an op.
func (m *mutator) submitWait(op func()) error {
	finished := make(chan struct{})
	if !m.ops.push(func() {
		defer close(finished)
		op()
	}) {
		return ErrShutdown
	}
	<-finished
	return nil
}

// stop drains queued ops and waits for the loop to exit.
func (m *mutator) stop() {
	m.once.Do(m.ops.close)
	<-m.done
}
