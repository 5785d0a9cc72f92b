package engine

import "sync"

// task is one unit of asynchronous work enqueued onto a Stream.
type task func() error

// Stream models an accelerator execution queue as a FIFO of asynchronous
// tasks: Enqueue never blocks the caller on the task's completion, and
// Synchronize blocks until every task enqueued before it has finished. This
// is the structural device on which the swap path's "free must happen after
// copy completion" ordering rests — BlockManager never frees a swap's
// source blocks without first calling Synchronize on the stream the copy
// was issued on, so the ordering is enforced by the type rather than by
// caller discipline.
type Stream struct {
	mu      sync.Mutex
	pending []task
	tasksCh chan task
	done    chan struct{}
	wg      sync.WaitGroup
	lastErr error
}

// NewStream starts the stream's single worker goroutine.
func NewStream() *Stream {
	s := &Stream{
		tasksCh: make(chan task, 64),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	for {
		select {
		case t, ok := <-s.tasksCh:
			if !ok {
				return
			}
			err := t()
			s.mu.Lock()
			if err != nil && s.lastErr == nil {
				s.lastErr = err
			}
			s.mu.Unlock()
			s.wg.Done()
		case <-s.done:
			return
		}
	}
}

// Enqueue schedules fn to run after every previously enqueued task on this
// stream has completed, without blocking the caller.
func (s *Stream) Enqueue(fn func() error) {
	s.wg.Add(1)
	s.tasksCh <- task(fn)
}

// Synchronize blocks until all tasks enqueued so far have completed, and
// returns the first error encountered (if any), clearing it.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	s.mu.Lock()
	err := s.lastErr
	s.lastErr = nil
	s.mu.Unlock()
	return err
}

// Close stops the worker goroutine. The stream must be idle (Synchronize
// called) before Close; pending unsent tasks are not run.
func (s *Stream) Close() {
	close(s.done)
}

// Context holds the per-rank compute and collective streams a step driver
// and block manager share, plus the tensor-parallel topology. One Context
// is created per server process and threaded through the Batch Manager, the
// Step Driver, and the Block Manager.
type Context struct {
	TensorParallelSize int

	computeStreams    []*Stream
	collectiveStreams []*Stream

	// ConcurrentStages, when true, means the caller wants CONTEXT-stage and
	// DECODE-stage batches to be formed and stepped concurrently rather than
	// combined into one batch. BlockManager.SwapOut and SwapIn return
	// KindUnimplemented while it is set; batch formation and StepDriver.Step
	// do not read it and run the same way either way.
	ConcurrentStages bool
}

// NewContext builds a Context with one compute and one collective stream
// per rank.
func NewContext(tensorParallelSize int) *Context {
	c := &Context{TensorParallelSize: tensorParallelSize}
	for i := 0; i < tensorParallelSize; i++ {
		c.computeStreams = append(c.computeStreams, NewStream())
		c.collectiveStreams = append(c.collectiveStreams, NewStream())
	}
	return c
}

// BindDevice re-binds the calling goroutine to rank's accelerator before any
// device-memory touch, per spec.md §4.2: every public method that touches
// device memory must re-bind the device first, even where the binding is
// implicit, because a goroutine can be scheduled onto any OS thread between
// calls and a prior bind does not carry over. This simulated Context has no
// real device context to switch, so the bind is a no-op, but every
// device-touching method calls it anyway to keep the call graph honest about
// where a real backend would need to set its device/stream context.
func (c *Context) BindDevice(rank int) error {
	if rank < 0 || rank >= c.TensorParallelSize {
		return newErr(KindInvalidArgument, "bind device: rank %d out of range [0,%d)", rank, c.TensorParallelSize)
	}
	return nil
}

// ComputeStream returns the compute stream for rank.
func (c *Context) ComputeStream(rank int) *Stream { return c.computeStreams[rank] }

// CollectiveStream returns the collective (cross-rank reduction) stream for rank.
func (c *Context) CollectiveStream(rank int) *Stream { return c.collectiveStreams[rank] }

// Close stops every stream's worker goroutine. Callers must Synchronize all
// streams first.
func (c *Context) Close() {
	for _, s := range c.computeStreams {
		s.Close()
	}
	for _, s := range c.collectiveStreams {
		s.Close()
	}
}
