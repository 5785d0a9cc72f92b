package engine

import (
	"sync"
	"sync/atomic"
)

// BatchState holds the four request queues a Batch Scheduler moves
// requests through. waitingBuffer is the only queue producers (Enqueue
// callers) ever touch directly, guarded by bufferMu; the scheduler drains
// it into waiting under mainMu at the start of each Schedule pass. The
// admission gate (BatchScheduler.AddInferRequest) briefly takes mainMu to
// read the waiting depth, so an admission call can wait on a Schedule pass
// in progress; BatchManager's shutdown sweep also holds mainMu.
type BatchState struct {
	bufferMu      sync.Mutex
	waitingBuffer []*InferRequest

	mainMu  sync.Mutex
	waiting []*InferRequest
	running []*InferRequest
	swapped []*InferRequest

	nextReqID  uint64
	nextEnqSeq uint64
}

// NewBatchState returns an empty BatchState.
func NewBatchState() *BatchState {
	return &BatchState{}
}

// NextReqID atomically allocates a new request id.
func (b *BatchState) NextReqID() uint64 {
	return atomic.AddUint64(&b.nextReqID, 1)
}

// PushWaitingBuffer appends req to the producer-side buffer. Safe to call
// concurrently with Schedule.
func (b *BatchState) PushWaitingBuffer(req *InferRequest) {
	b.bufferMu.Lock()
	req.EnqueueSeq = atomic.AddUint64(&b.nextEnqSeq, 1)
	b.waitingBuffer = append(b.waitingBuffer, req)
	b.bufferMu.Unlock()
}

// drainBuffer moves every buffered request into waiting. Caller must hold
// mainMu.
func (b *BatchState) drainBuffer() {
	b.bufferMu.Lock()
	if len(b.waitingBuffer) > 0 {
		b.waiting = append(b.waiting, b.waitingBuffer...)
		b.waitingBuffer = nil
	}
	b.bufferMu.Unlock()
}

// Lock/Unlock expose mainMu so the scheduler can hold it across an entire
// Schedule pass (intake + finish-sweep + strategy-step) while still letting
// PushWaitingBuffer run without taking it.
func (b *BatchState) Lock()   { b.mainMu.Lock() }
func (b *BatchState) Unlock() { b.mainMu.Unlock() }

// Counts returns queue lengths for metrics; caller must hold the lock or
// tolerate a racy snapshot.
func (b *BatchState) Counts() (waiting, running, swapped int) {
	return len(b.waiting), len(b.running), len(b.swapped)
}

// BufferLen reports the producer-side buffer depth without draining it.
func (b *BatchState) BufferLen() int {
	b.bufferMu.Lock()
	defer b.bufferMu.Unlock()
	return len(b.waitingBuffer)
}
