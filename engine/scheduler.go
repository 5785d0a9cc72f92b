package engine

import "github.com/sirupsen/logrus"

// SchedulerConfig groups the admission gate and step-sizing parameters.
type SchedulerConfig struct {
	MaxWaitingQueueLen int64
	MaxTokenLen        int64
	MaxBatchTokens     int64
	// MaxBatchSize hard-caps how many requests admitWaiting will ever place
	// into running_queue, independent of MaxBatchTokens (spec.md §6).
	MaxBatchSize int64
}

// BatchScheduler runs the three ordered passes spec.md §6 prescribes for
// one scheduling step: intake (drain admitted requests), finish-sweep
// (remove completed requests and reclaim their blocks), then a strategy
// step that grows/preempts/resumes/admits against remaining capacity.
type BatchScheduler struct {
	cfg      SchedulerConfig
	state    *BatchState
	bm       *BlockManager
	strategy ScheduleStrategy
	log      *logrus.Entry
	// Metrics is nil-safe: a scheduler built without one (tests, mainly)
	// simply skips every observation below.
	Metrics *Metrics
}

// NewBatchScheduler wires a scheduler over an existing queue state and
// block manager.
func NewBatchScheduler(cfg SchedulerConfig, state *BatchState, bm *BlockManager, strategy ScheduleStrategy, log *logrus.Entry) *BatchScheduler {
	if strategy == nil {
		strategy = NewContinuousBatchingStrategy()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &BatchScheduler{cfg: cfg, state: state, bm: bm, strategy: strategy, log: log}
}

// AddInferRequest validates and admits req into the waiting buffer. Returns
// EXCEED_LENGTH if the prompt is longer than MaxTokenLen, EXCEED_CAPACITY
// if the waiting queue (buffer + drained waiting) is already at capacity.
func (s *BatchScheduler) AddInferRequest(req *InferRequest) error {
	if s.cfg.MaxTokenLen > 0 && req.PromptLen() > s.cfg.MaxTokenLen {
		err := newErr(KindExceedLength, "prompt length %d exceeds max_token_len %d", req.PromptLen(), s.cfg.MaxTokenLen)
		req.Finished = true
		req.FinishReason = FinishLength
		req.notifyOnce()
		if s.Metrics != nil {
			s.Metrics.IncRejected()
		}
		return err
	}
	if s.cfg.MaxWaitingQueueLen > 0 {
		s.state.mainMu.Lock()
		depth := int64(len(s.state.waiting)) + int64(s.state.BufferLen())
		s.state.mainMu.Unlock()
		if depth >= s.cfg.MaxWaitingQueueLen {
			err := newErr(KindExceedCapacity, "waiting queue at capacity (%d)", s.cfg.MaxWaitingQueueLen)
			req.Finished = true
			req.FinishReason = FinishCapacity
			req.notifyOnce()
			if s.Metrics != nil {
				s.Metrics.IncRejected()
			}
			return err
		}
	}
	req.ReqID = s.state.NextReqID()
	s.state.PushWaitingBuffer(req)
	if s.Metrics != nil {
		s.Metrics.IncAdmitted()
	}
	return nil
}

// Schedule runs one scheduling step and returns the batch of requests to
// forward this step. Callers (the Batch Manager) must serialize calls to
// Schedule, but AddInferRequest may run concurrently with it.
func (s *BatchScheduler) Schedule() ([]*InferRequest, error) {
	s.state.Lock()
	defer s.state.Unlock()

	s.state.drainBuffer()
	s.sweepCancelled()
	s.sweepFinished()

	batch, err := s.strategy.Step(s.state, s.bm, s.cfg.MaxBatchTokens, s.cfg.MaxBatchSize)
	if err != nil {
		return nil, err
	}

	w, r, sw := s.state.Counts()
	s.log.WithFields(logrus.Fields{
		"waiting": w, "running": r, "swapped": sw, "batch": len(batch),
	}).Debug("scheduled step")
	return batch, nil
}

// sweepCancelled observes client-initiated Abort() calls at the top of the
// step (spec.md §5: "the scheduler observes it at the top of the next
// Schedule") and marks the affected requests finished with FinishStopped,
// across every queue a request might be sitting in. Caller must hold
// state.mainMu.
func (s *BatchScheduler) sweepCancelled() {
	for _, req := range s.state.waiting {
		if req.IsAborted() && !req.Finished {
			req.Finished = true
			req.FinishReason = FinishStopped
		}
	}
	for _, req := range s.state.running {
		if req.IsAborted() && !req.Finished {
			req.Finished = true
			req.FinishReason = FinishStopped
		}
	}
	for _, req := range s.state.swapped {
		if req.IsAborted() && !req.Finished {
			req.Finished = true
			req.FinishReason = FinishStopped
		}
	}
}

// sweepFinished removes finished requests from running and swapped and
// reclaims their blocks. Caller must hold state.mainMu.
func (s *BatchScheduler) sweepFinished() {
	kept := s.state.running[:0]
	for _, req := range s.state.running {
		if !req.Finished {
			kept = append(kept, req)
			continue
		}
		for rank := range req.KVCacheBlocks {
			if err := s.bm.Device(rank).FreeBlocks(req.KVCacheBlocks[rank]); err != nil {
				s.log.WithError(err).WithField("req_id", req.ReqID).Warn("free device blocks on finish")
			}
		}
		req.notifyOnce()
		if s.Metrics != nil {
			s.Metrics.IncCompleted()
		}
	}
	s.state.running = kept

	keptSwapped := s.state.swapped[:0]
	for _, req := range s.state.swapped {
		if !req.Finished {
			keptSwapped = append(keptSwapped, req)
			continue
		}
		for rank := range req.HostBlocks {
			if err := s.bm.SwapDrop(req.HostBlocks[rank]); err != nil {
				s.log.WithError(err).WithField("req_id", req.ReqID).Warn("free host blocks on finish")
			}
		}
		req.notifyOnce()
		if s.Metrics != nil {
			s.Metrics.IncCompleted()
		}
	}
	s.state.swapped = keptSwapped

	keptWaiting := s.state.waiting[:0]
	for _, req := range s.state.waiting {
		if !req.Finished {
			keptWaiting = append(keptWaiting, req)
			continue
		}
		req.notifyOnce()
		if s.Metrics != nil {
			s.Metrics.IncCompleted()
		}
	}
	s.state.waiting = keptWaiting
}

// MarkFinished sets req's terminal state. Callers typically invoke this
// from the Step Driver's completion handling, before the next Schedule
// call sweeps it.
func MarkFinished(req *InferRequest, reason FinishReason) {
	req.Finished = true
	req.FinishReason = reason
}
