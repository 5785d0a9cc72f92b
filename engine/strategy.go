package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"
)

// IntakeOrdering decides the order waiting requests are considered for
// admission in rule (d). Pluggable: the mandatory FIFO behavior is the
// default, but a server may prefer e.g. shortest-prompt-first.
type IntakeOrdering interface {
	Order(waiting []*InferRequest) []*InferRequest
}

// FIFOIntake admits requests in enqueue order, the spec's default.
type FIFOIntake struct{}

func (FIFOIntake) Order(waiting []*InferRequest) []*InferRequest {
	out := append([]*InferRequest(nil), waiting...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].EnqueueSeq < out[j].EnqueueSeq })
	return out
}

// PriorityPolicy scores a request for ordering purposes; higher first.
// Supplemental to the mandatory FIFO/LIFO rules — it only ever reorders
// within what the mandatory rules already allow, never bypasses a resource
// check.
type PriorityPolicy interface {
	Score(req *InferRequest) int
}

// StaticPriority returns the request's own Priority field.
type StaticPriority struct{}

func (StaticPriority) Score(req *InferRequest) int { return req.Priority }

// PriorityIntake orders waiting requests by PriorityPolicy score
// descending, FIFO (EnqueueSeq ascending) within equal score.
type PriorityIntake struct {
	Policy PriorityPolicy
}

func (p PriorityIntake) Order(waiting []*InferRequest) []*InferRequest {
	out := append([]*InferRequest(nil), waiting...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := p.Policy.Score(out[i]), p.Policy.Score(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].EnqueueSeq < out[j].EnqueueSeq
	})
	return out
}

// ScheduleStrategy decides, given the current queues and available block
// capacity, which requests participate in the next forward step and how
// the queues change as a result.
type ScheduleStrategy interface {
	// Step mutates bs's running/waiting/swapped queues in place and returns
	// the requests that should be included in the upcoming forward pass,
	// in stable order. maxBatchSize <= 0 means unlimited.
	Step(bs *BatchState, bm *BlockManager, maxBatchTokens, maxBatchSize int64) ([]*InferRequest, error)
}

// ContinuousBatchingStrategy implements spec.md §4.3's four ordered rules:
// grow running requests that need another block, preempt LIFO under
// pressure, resume swapped requests when room reopens, then admit waiting
// requests up to the per-step token budget.
type ContinuousBatchingStrategy struct {
	Intake        IntakeOrdering
	ChunkSize     int64 // max prompt tokens consumed per CONTEXT step for one request; 0 means unchunked
	PrefixCacheOn bool
	// Metrics is nil-safe; set it directly after construction to observe
	// preemptions.
	Metrics *Metrics
}

// NewContinuousBatchingStrategy returns the default strategy: FIFO intake,
// unchunked prefill, prefix-cache reuse enabled.
func NewContinuousBatchingStrategy() *ContinuousBatchingStrategy {
	return &ContinuousBatchingStrategy{Intake: FIFOIntake{}, PrefixCacheOn: true}
}

func (s *ContinuousBatchingStrategy) Step(bs *BatchState, bm *BlockManager, maxBatchTokens, maxBatchSize int64) ([]*InferRequest, error) {
	bs.drainBuffer()

	s.growRunning(bs, bm)
	s.resumeSwapped(bs, bm, maxBatchTokens, maxBatchSize)
	s.admitWaiting(bs, bm, maxBatchTokens, maxBatchSize)

	batch := append([]*InferRequest(nil), bs.running...)
	return batch, nil
}

// needsNewBlock reports whether req's next generated token would not fit in
// its currently allocated blocks on any rank.
func needsNewBlock(req *InferRequest) bool {
	nextLen := req.TotalLen() + 1
	need := req.NumBlocksNeeded(nextLen)
	for rank := range req.KVCacheBlocks {
		if int64(len(req.KVCacheBlocks[rank])) < need {
			return true
		}
	}
	return false
}

// growRunning implements rule (a)+(b): give every running request one more
// block per rank when it is about to cross a block boundary, preempting
// tail-first (LIFO: most recently admitted into running first) when device
// blocks run short.
func (s *ContinuousBatchingStrategy) growRunning(bs *BatchState, bm *BlockManager) {
	for i := 0; i < len(bs.running); i++ {
		req := bs.running[i]
		if !needsNewBlock(req) {
			continue
		}
		for !s.tryGrowOne(req, bm) {
			victim, ok := s.popLIFOVictim(bs, req)
			if !ok {
				// No one left to preempt; this request itself is preempted.
				s.preempt(bs, bm, req)
				i--
				break
			}
			s.preempt(bs, bm, victim)
		}
	}
}

// tryGrowOne allocates one more block for req on every rank, all-or-nothing
// across ranks: if any rank lacks a free block the attempt is rolled back.
func (s *ContinuousBatchingStrategy) tryGrowOne(req *InferRequest, bm *BlockManager) bool {
	newIDs := make([][]int, len(req.KVCacheBlocks))
	for rank := range req.KVCacheBlocks {
		ids, err := bm.Device(rank).AllocateBlocks(1)
		if err != nil {
			for r := 0; r < rank; r++ {
				bm.Device(r).FreeBlocks(newIDs[r])
			}
			return false
		}
		newIDs[rank] = ids
	}
	for rank := range req.KVCacheBlocks {
		req.KVCacheBlocks[rank] = append(req.KVCacheBlocks[rank], newIDs[rank]...)
	}
	return true
}

// popLIFOVictim removes and returns the most recently admitted running
// request other than spare, or false if none remains.
func (s *ContinuousBatchingStrategy) popLIFOVictim(bs *BatchState, spare *InferRequest) (*InferRequest, bool) {
	for i := len(bs.running) - 1; i >= 0; i-- {
		if bs.running[i] == spare {
			continue
		}
		victim := bs.running[i]
		bs.running = append(bs.running[:i], bs.running[i+1:]...)
		return victim, true
	}
	return nil, false
}

// preempt swaps req's device blocks out to host and moves it to swapped.
// If the swap itself fails for lack of host memory, req's device blocks
// are freed outright and it is marked finished with a device error — the
// spec's block-accounting invariant must hold even when a preemption
// cannot be completed gracefully.
func (s *ContinuousBatchingStrategy) preempt(bs *BatchState, bm *BlockManager, req *InferRequest) {
	removeFromRunning(bs, req)
	if s.Metrics != nil {
		s.Metrics.IncPreempted()
	}

	hostBlocks := make([][]int, len(req.KVCacheBlocks))
	ok := true
	for rank := range req.KVCacheBlocks {
		ids, err := bm.SwapOut(req.KVCacheBlocks[rank], rank)
		if err != nil {
			ok = false
			break
		}
		hostBlocks[rank] = ids
	}
	if !ok {
		for rank := range req.KVCacheBlocks {
			bm.Device(rank).FreeBlocks(req.KVCacheBlocks[rank])
		}
		req.Finished = true
		req.FinishReason = FinishError
		// req was already removed from running above and never reaches
		// swapped, so sweepFinished will never see it again: notify here,
		// the one place this orphan path terminates.
		req.notifyOnce()
		return
	}
	req.HostBlocks = hostBlocks
	req.KVCacheBlocks = make([][]int, len(req.KVCacheBlocks))
	req.Swapped = true
	bs.swapped = append(bs.swapped, req)
}

func removeFromRunning(bs *BatchState, req *InferRequest) {
	for i, r := range bs.running {
		if r == req {
			bs.running = append(bs.running[:i], bs.running[i+1:]...)
			return
		}
	}
}

// resumeSwapped implements rule (c): FIFO over the swapped queue, swap a
// request back in only while free device blocks cover its footprint AND the
// running set's per-step token budget has room for it — spec.md §4.3(c)'s
// "free blocks >= head requirement AND running total-token count would stay
// <= max_step_tokens", the same budget admitWaiting enforces on intake.
// maxBatchSize <= 0 means unlimited, mirroring admitWaiting's convention.
func (s *ContinuousBatchingStrategy) resumeSwapped(bs *BatchState, bm *BlockManager, maxBatchTokens, maxBatchSize int64) {
	spent := int64(0)
	for _, req := range bs.running {
		spent += s.stepTokenCost(req)
	}

	for len(bs.swapped) > 0 {
		if maxBatchSize > 0 && int64(len(bs.running)) >= maxBatchSize {
			return
		}
		req := bs.swapped[0]
		cost := s.stepTokenCost(req)
		if spent+cost > maxBatchTokens {
			return
		}
		need := int64(len(req.HostBlocks[0]))
		for rank := 0; rank < len(req.HostBlocks); rank++ {
			if bm.Device(rank).GetFreeBlockNumber() < need {
				return
			}
		}
		deviceBlocks := make([][]int, len(req.HostBlocks))
		ok := true
		for rank := range req.HostBlocks {
			ids, err := bm.SwapIn(req.HostBlocks[rank], rank)
			if err != nil {
				ok = false
				break
			}
			deviceBlocks[rank] = ids
		}
		if !ok {
			return
		}
		bs.swapped = bs.swapped[1:]
		req.KVCacheBlocks = deviceBlocks
		req.HostBlocks = nil
		req.Swapped = false
		bs.running = append(bs.running, req)
		spent += cost
	}
}

// admitWaiting implements rule (d): move waiting requests into running
// under the Intake ordering, spending a per-step token budget and device
// blocks as it goes, reusing prefix-cache-hit blocks where PrefixCacheOn.
// maxBatchSize <= 0 means unlimited; otherwise running_queue never grows
// past it, independent of the token budget (spec.md §6).
func (s *ContinuousBatchingStrategy) admitWaiting(bs *BatchState, bm *BlockManager, maxBatchTokens, maxBatchSize int64) {
	if len(bs.waiting) == 0 {
		return
	}
	spent := int64(0)
	for _, req := range bs.running {
		spent += s.stepTokenCost(req)
	}

	ordered := s.Intake.Order(bs.waiting)
	admitted := make(map[uint64]bool)

	for _, req := range ordered {
		if maxBatchSize > 0 && int64(len(bs.running)) >= maxBatchSize {
			break
		}
		chunk := s.contextChunk(req)
		if chunk <= 0 {
			continue
		}
		if spent+chunk > maxBatchTokens {
			continue
		}
		need := req.NumBlocksNeeded(req.ContextTokensDone + chunk)
		blocks, reused, err := s.allocateWithPrefixReuse(bm, req, need)
		if err != nil {
			continue
		}
		_ = reused
		req.KVCacheBlocks = blocks
		req.Stage = StageContext
		spent += chunk
		admitted[req.ReqID] = true
		bs.running = append(bs.running, req)
		if s.Metrics != nil && !req.EnqueuedAt.IsZero() {
			s.Metrics.ObserveQueueWait(float64(time.Since(req.EnqueuedAt).Milliseconds()))
		}
	}

	if len(admitted) > 0 {
		remaining := bs.waiting[:0]
		for _, req := range bs.waiting {
			if !admitted[req.ReqID] {
				remaining = append(remaining, req)
			}
		}
		bs.waiting = remaining
	}
}

// contextChunk returns how many prompt tokens req would consume this step:
// its full remaining prompt, or ChunkSize if chunking is enabled and that
// remainder is larger.
func (s *ContinuousBatchingStrategy) contextChunk(req *InferRequest) int64 {
	remaining := req.RemainingContextTokens()
	if remaining <= 0 {
		return 1 // pure decode step
	}
	if s.ChunkSize > 0 && remaining > s.ChunkSize {
		return s.ChunkSize
	}
	return remaining
}

// stepTokenCost returns how many tokens a running request consumes this step.
func (s *ContinuousBatchingStrategy) stepTokenCost(req *InferRequest) int64 {
	if req.RemainingContextTokens() > 0 {
		return s.contextChunk(req)
	}
	return 1
}

// allocateWithPrefixReuse allocates need blocks per rank for req, reusing
// any block whose content hash matches a prefix chunk already resident
// (free or used) in that rank's device allocator, per spec.md's
// supplemental prefix-cache feature. Falls back to plain allocation when
// PrefixCacheOn is false or no hash is available (hashing requires the full
// prompt token slice, known at admission time).
func (s *ContinuousBatchingStrategy) allocateWithPrefixReuse(bm *BlockManager, req *InferRequest, need int64) (blocks [][]int, reused int, err error) {
	numRanks := len(bm.dev)
	blocks = make([][]int, numRanks)

	hashes := [][]byte{}
	if s.PrefixCacheOn && req.BlockSize > 0 {
		hashes = prefixBlockHashes(req.InputTokens, req.BlockSize, need)
	}

	for rank := 0; rank < numRanks; rank++ {
		alloc := bm.Device(rank)
		ids := make([]int, need)
		filled := make([]bool, need)
		var fresh int64
		for i := int64(0); i < need; i++ {
			if int(i) < len(hashes) {
				h := hex.EncodeToString(hashes[i])
				if id, ok := alloc.LookupHash(h); ok {
					if rErr := alloc.Retain(id); rErr == nil {
						ids[i] = id
						filled[i] = true
						reused++
						continue
					}
				}
			}
			fresh++
		}
		if fresh > 0 {
			newIDs, aErr := alloc.AllocateBlocks(fresh)
			if aErr != nil {
				for rr := 0; rr < rank; rr++ {
					bm.Device(rr).FreeBlocks(blocks[rr])
				}
				reusedIDs := make([]int, 0, need)
				for i := int64(0); i < need; i++ {
					if filled[i] {
						reusedIDs = append(reusedIDs, ids[i])
					}
				}
				alloc.FreeBlocks(reusedIDs)
				return nil, 0, aErr
			}
			next := 0
			for i := int64(0); i < need; i++ {
				if !filled[i] {
					ids[i] = newIDs[next]
					next++
				}
			}
		}
		blocks[rank] = ids
	}
	return blocks, reused, nil
}

// prefixBlockHashes returns a content hash for each of the first n full
// blocks of tokens, each hash additionally keyed on the hash chain of
// preceding blocks so that two prompts sharing only a non-prefix substring
// do not collide.
func prefixBlockHashes(tokens []int64, blockSize int64, n int64) [][]byte {
	out := make([][]byte, 0, n)
	var chain []byte
	for i := int64(0); i < n; i++ {
		start := i * blockSize
		end := start + blockSize
		if end > int64(len(tokens)) {
			break
		}
		h := sha256.New()
		h.Write(chain)
		for _, t := range tokens[start:end] {
			var b [8]byte
			for k := 0; k < 8; k++ {
				b[k] = byte(t >> (8 * k))
			}
			h.Write(b[:])
		}
		sum := h.Sum(nil)
		out = append(out, sum)
		chain = sum
	}
	return out
}
