package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Sampler picks the next token id for req on rank from that step's logits.
// A real implementation reads req.LogitsBuf[rank] at req.LogitsOffset;
// kept as an injected function so tests can drive deterministic sequences
// without a real ForwardRunner.
type Sampler func(req *InferRequest, rank int) int64

// BatchManager owns the single driver thread that repeatedly schedules and
// steps the batch: classic condition-variable pattern, no async runtime.
// Enqueue wakes the driver whenever it was idle; Stop terminates it
// cleanly.
type BatchManager struct {
	scheduler *BatchScheduler
	driver    *StepDriver
	state     *BatchState
	sample    Sampler
	log       *logrus.Entry

	mu         sync.Mutex
	cond       *sync.Cond
	terminated int32
	wakeup     bool

	wg sync.WaitGroup

	// Metrics is nil-safe; set it directly after construction to observe
	// per-step latency and token throughput.
	Metrics *Metrics
}

// NewBatchManager wires a manager around an already-constructed scheduler
// and step driver sharing the same BatchState.
func NewBatchManager(scheduler *BatchScheduler, driver *StepDriver, state *BatchState, sample Sampler, log *logrus.Entry) *BatchManager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &BatchManager{scheduler: scheduler, driver: driver, state: state, sample: sample, log: log}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Start launches the driver goroutine: scheduled = Schedule(); if empty,
// wait(); else Step(scheduled); repeat.
func (m *BatchManager) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *BatchManager) run() {
	defer m.wg.Done()
	for {
		if atomic.LoadInt32(&m.terminated) != 0 {
			return
		}
		batch, err := m.scheduler.Schedule()
		if err != nil {
			m.log.WithError(err).Error("schedule failed")
			continue
		}
		if len(batch) == 0 {
			m.waitForWork()
			if atomic.LoadInt32(&m.terminated) != 0 {
				return
			}
			continue
		}

		decoding := int64(0)
		for _, req := range batch {
			if req.RemainingContextTokens() <= 0 {
				decoding++
			}
		}
		start := time.Now()
		if err := m.driver.Step(batch, m.scheduler.bm, m.sample); err != nil {
			m.log.WithError(err).Error("step failed")
			for _, req := range batch {
				if !req.Finished {
					req.Finished = true
					req.FinishReason = FinishError
				}
			}
		}
		if m.Metrics != nil {
			m.Metrics.ObserveStep(float64(time.Since(start).Milliseconds()), decoding)
		}
	}
}

func (m *BatchManager) waitForWork() {
	m.mu.Lock()
	for !m.wakeup && atomic.LoadInt32(&m.terminated) == 0 {
		m.cond.Wait()
	}
	m.wakeup = false
	m.mu.Unlock()
}

func (m *BatchManager) notify() {
	m.mu.Lock()
	m.wakeup = true
	m.cond.Signal()
	m.mu.Unlock()
}

// Enqueue wraps req into an InferRequest sized for this server's topology
// and block geometry (spec.md §4.5's "sizes its per-rank KV list"), admits
// it via the scheduler's admission gate, and wakes the driver if it was
// idle. Returns the InferRequest so the caller can inspect Finished/Notify
// once it completes.
func (m *BatchManager) Enqueue(req *Request) (*InferRequest, error) {
	if atomic.LoadInt32(&m.terminated) != 0 {
		return nil, newErr(KindStopped, "batch manager stopped")
	}
	ir := m.scheduler.bm.NewInferRequest(req)
	if err := m.scheduler.AddInferRequest(ir); err != nil {
		return ir, err
	}
	m.notify()
	return ir, nil
}

// Stop sets the terminated flag, wakes the driver, joins it, then marks
// every request still sitting in any queue finished with FinishStopped and
// notifies it exactly once (spec.md §8 scenario 5: a clean shutdown never
// interrupts an in-flight kernel, but leaves no request un-notified).
func (m *BatchManager) Stop() {
	atomic.StoreInt32(&m.terminated, 1)
	m.notify()
	m.wg.Wait()
	m.finishAllOnShutdown()
}

func (m *BatchManager) finishAllOnShutdown() {
	m.state.Lock()
	defer m.state.Unlock()
	m.state.drainBuffer()

	for _, req := range m.state.running {
		for rank := range req.KVCacheBlocks {
			m.scheduler.bm.Device(rank).FreeBlocks(req.KVCacheBlocks[rank])
		}
	}
	for _, req := range m.state.swapped {
		for rank := range req.HostBlocks {
			m.scheduler.bm.SwapDrop(req.HostBlocks[rank])
		}
	}

	for _, queue := range [][]*InferRequest{m.state.waiting, m.state.running, m.state.swapped} {
		for _, req := range queue {
			if !req.Finished {
				req.Finished = true
				req.FinishReason = FinishStopped
			}
			req.notifyOnce()
		}
	}
	m.state.waiting = nil
	m.state.running = nil
	m.state.swapped = nil
}
