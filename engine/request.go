package engine

import (
	"sync/atomic"
	"time"
)

// InferStage is the coarse scheduling stage a request occupies.
type InferStage int

const (
	// StageContext is prefill: consuming prompt tokens, possibly chunked
	// across several steps.
	StageContext InferStage = iota
	// StageDecode is steady-state, one new token per step.
	StageDecode
)

func (s InferStage) String() string {
	if s == StageDecode {
		return "DECODE"
	}
	return "CONTEXT"
}

// FinishReason records why a request stopped producing tokens.
type FinishReason int

const (
	FinishNone FinishReason = iota
	FinishLength
	FinishEOS
	FinishCapacity
	FinishError
	// FinishStopped marks a request cancelled by its client (Abort) or
	// terminated by a clean BatchManager.Stop() shutdown — spec.md §7's
	// STOPPED kind, carried here as a finish reason since that enum has no
	// separate slot for it.
	FinishStopped
)

func (r FinishReason) String() string {
	switch r {
	case FinishLength:
		return "LENGTH"
	case FinishEOS:
		return "EOS"
	case FinishCapacity:
		return "CAPACITY"
	case FinishError:
		return "ERROR"
	case FinishStopped:
		return "STOPPED"
	default:
		return "NONE"
	}
}

// SamplingConfig groups the per-request generation parameters.
type SamplingConfig struct {
	MaxNewTokens  int64
	Temperature   float64
	TopK          int64
	TopP          float64
	StopTokenIDs  []int64
}

// InferRequest is one admitted generation request as it moves through
// CONTEXT and DECODE stages. KVCacheBlocks and LogitsBuf are indexed by
// device rank, mirroring the per-rank tensor layout the step driver
// assembles.
type InferRequest struct {
	ReqID     uint64
	ModelName string
	Sampling  SamplingConfig

	InputTokens  []int64
	OutputTokens []int64

	Stage InferStage
	// Step counts forward passes this request has participated in.
	// rotary_embedding_pos is derived from ContextTokensDone and TotalLen,
	// not from this counter.
	Step int64
	// ContextTokensDone is how many prompt tokens have already been
	// consumed by prior CONTEXT steps, for chunked prefill.
	ContextTokensDone int64

	BlockSize int64
	// KVCacheBlocks[rank] are block ids in this request's logical kv_list
	// order (block index i holds tokens [i*block_tokens, (i+1)*block_tokens)).
	KVCacheBlocks [][]int
	// Swapped is true while this request's blocks live on host, not device.
	Swapped bool
	// HostBlocks[rank] mirrors KVCacheBlocks while Swapped is true.
	HostBlocks [][]int

	Finished     bool
	FinishReason FinishReason

	// LogitsBuf[rank] is the contiguous-region id holding this request's
	// most recent output logits on that rank; LogitsOffset is the offset of
	// this request's row within the step's shared logits buffer.
	LogitsBuf    []int
	LogitsOffset int64

	// EnqueueSeq orders requests within equal priority for FIFO tie-break.
	EnqueueSeq uint64
	Priority   int

	// EnqueuedAt is when this request was admitted into the waiting buffer;
	// used only to observe queue-wait latency in Metrics.
	EnqueuedAt time.Time

	// Notify, if set, is invoked exactly once — by the scheduler's
	// finish-sweep, the admission-rejection path, a preemption whose
	// swap-out failed, or BatchManager.Stop's shutdown sweep — the first
	// time Finished observably becomes true.
	// Must not block: callers typically just close a channel or push to a
	// buffered one.
	Notify func(*InferRequest)

	notified bool
	aborted  int32
}

// notifyOnce invokes Notify exactly once for this request's lifetime.
// Callers must hold the BatchState main-queue lock (or otherwise guarantee
// single-threaded access) except at admission-rejection time, before the
// request is visible to any other goroutine.
func (r *InferRequest) notifyOnce() {
	if r.notified {
		return
	}
	r.notified = true
	if r.Notify != nil {
		r.Notify(r)
	}
}

// Abort requests cancellation of an in-flight or queued request. Safe to
// call concurrently with the driver loop; per spec.md §5 the cancellation
// only takes effect at the next Schedule() boundary, never interrupting an
// in-flight step.
func (r *InferRequest) Abort() { atomic.StoreInt32(&r.aborted, 1) }

// IsAborted reports whether Abort has been called.
func (r *InferRequest) IsAborted() bool { return atomic.LoadInt32(&r.aborted) == 1 }

// PromptLen returns the number of prompt tokens.
func (r *InferRequest) PromptLen() int64 { return int64(len(r.InputTokens)) }

// TotalLen returns prompt length plus tokens generated so far.
func (r *InferRequest) TotalLen() int64 { return r.PromptLen() + int64(len(r.OutputTokens)) }

// RemainingContextTokens returns how many prompt tokens have not yet been
// consumed by a CONTEXT step.
func (r *InferRequest) RemainingContextTokens() int64 {
	return r.PromptLen() - r.ContextTokensDone
}

// NumBlocksNeeded returns how many fixed-size blocks are required to hold
// numTokens total tokens, given this request's block size.
func (r *InferRequest) NumBlocksNeeded(numTokens int64) int64 {
	if r.BlockSize <= 0 {
		return 0
	}
	return (numTokens + r.BlockSize - 1) / r.BlockSize
}

// AllocatedBlocks returns how many blocks are currently assigned on rank.
func (r *InferRequest) AllocatedBlocks(rank int) int {
	if r.Swapped {
		return len(r.HostBlocks[rank])
	}
	return len(r.KVCacheBlocks[rank])
}

// isStopToken reports whether tok is one of sampling's configured stop ids.
func isStopToken(tok int64, stopIDs []int64) bool {
	for _, id := range stopIDs {
		if id == tok {
			return true
		}
	}
	return false
}

// Request is the inbound, external-facing description of a generation job
// (spec.md §6): everything a client supplies to BatchManager.Enqueue before
// this core assigns it a req_id and sizes its per-rank KV cache block list.
type Request struct {
	ModelName    string
	InputTokens  []int64
	Sampling     SamplingConfig
	LogitsBuf    []int
	LogitsOffset int64
	// Notify, if set, is copied onto the resulting InferRequest.
	Notify func(*InferRequest)
}
