package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager wires a BatchManager over a fresh BlockManager and a
// single-rank recording ForwardRunner, mirroring newTestScheduler's sizing
// conventions (blockSize=16 bytes, blockTokenNum=4).
func newTestManager(t *testing.T, deviceBlocks, hostBlocks int64, cfg SchedulerConfig, sample Sampler) (*BlockManager, *BatchManager) {
	t.Helper()
	_, bm := newTestBlockManager(t, deviceBlocks, hostBlocks)
	state := NewBatchState()
	strategy := NewContinuousBatchingStrategy()
	strategy.PrefixCacheOn = false
	sched := NewBatchScheduler(cfg, state, bm, strategy, nil)
	_, driver := newTestStepDriver(t, 1, &recordingRunner{failRank: -1})
	manager := NewBatchManager(sched, driver, state, sample, nil)
	return bm, manager
}

func TestEnqueue_SizesInferRequestFromBlockGeometryAndTopology(t *testing.T) {
	bm, manager := newTestManager(t, 4, 4, SchedulerConfig{MaxWaitingQueueLen: 10, MaxTokenLen: 100, MaxBatchTokens: 100}, nil)

	ir, err := manager.Enqueue(&Request{ModelName: "m", InputTokens: []int64{1, 2, 3, 4}})

	require.NoError(t, err)
	assert.Equal(t, bm.Host().BlockTokenNum(), ir.BlockSize)
	assert.Len(t, ir.KVCacheBlocks, 1) // one slot per device rank
	assert.False(t, ir.EnqueuedAt.IsZero())
}

func TestEnqueue_RejectionNotifiesExactlyOnceWithFinishLength(t *testing.T) {
	_, manager := newTestManager(t, 4, 4, SchedulerConfig{MaxWaitingQueueLen: 10, MaxTokenLen: 2, MaxBatchTokens: 100}, nil)

	var calls int
	var mu sync.Mutex
	notify := func(r *InferRequest) {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	ir, err := manager.Enqueue(&Request{InputTokens: []int64{1, 2, 3, 4}, Notify: notify})

	require.Error(t, err)
	assert.Equal(t, KindExceedLength, KindOf(err))
	require.NotNil(t, ir)
	assert.True(t, ir.Finished)
	assert.Equal(t, FinishLength, ir.FinishReason)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEnqueue_RejectsAfterStop(t *testing.T) {
	_, manager := newTestManager(t, 4, 4, SchedulerConfig{MaxWaitingQueueLen: 10, MaxTokenLen: 100, MaxBatchTokens: 100}, nil)
	manager.Start()
	manager.Stop()

	_, err := manager.Enqueue(&Request{InputTokens: []int64{1}})
	require.Error(t, err)
	assert.Equal(t, KindStopped, KindOf(err))
}

// TestDriverLoop_SingleRequestRunsContextThenTwoDecodeStepsAndNotifiesOnce
// covers spec.md §8 scenario 1: one request, no resource pressure, reaches
// CONTEXT then exactly MaxNewTokens DECODE steps before it is notified
// finished, and is notified exactly once.
func TestDriverLoop_SingleRequestRunsContextThenTwoDecodeStepsAndNotifiesOnce(t *testing.T) {
	sample := func(req *InferRequest, rank int) int64 { return 7 }
	_, manager := newTestManager(t, 4, 4, SchedulerConfig{MaxWaitingQueueLen: 10, MaxTokenLen: 100, MaxBatchTokens: 100}, sample)

	done := make(chan *InferRequest, 1)
	var notifyCount int32
	notify := func(r *InferRequest) {
		atomic.AddInt32(&notifyCount, 1)
		done <- r
	}

	manager.Start()
	defer manager.Stop()

	ir, err := manager.Enqueue(&Request{
		InputTokens: []int64{1, 2, 3, 4},
		Sampling:    SamplingConfig{MaxNewTokens: 2},
		Notify:      notify,
	})
	require.NoError(t, err)

	select {
	case finished := <-done:
		assert.Same(t, ir, finished)
		assert.True(t, finished.Finished)
		assert.Equal(t, FinishLength, finished.FinishReason)
		assert.Equal(t, []int64{7, 7}, finished.OutputTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("request was never notified as finished")
	}
	manager.Stop()
	assert.EqualValues(t, 1, atomic.LoadInt32(&notifyCount))
}

// TestStop_MarksInFlightRequestsStoppedAndNotifiesThem covers spec.md §8
// scenario 5: a clean shutdown never interrupts an in-flight kernel but
// leaves no request un-notified, marking each FinishStopped.
func TestStop_MarksInFlightRequestsStoppedAndNotifiesThem(t *testing.T) {
	// A sampler that always returns a non-stop token and a request with an
	// effectively unbounded MaxNewTokens never finishes on its own, so Stop
	// is the only thing that can terminate it.
	sample := func(req *InferRequest, rank int) int64 { return 1 }
	_, manager := newTestManager(t, 4, 4, SchedulerConfig{MaxWaitingQueueLen: 10, MaxTokenLen: 100, MaxBatchTokens: 100}, sample)

	done := make(chan *InferRequest, 1)
	notify := func(r *InferRequest) { done <- r }

	manager.Start()

	_, err := manager.Enqueue(&Request{
		InputTokens: []int64{1, 2, 3, 4},
		Sampling:    SamplingConfig{MaxNewTokens: 1 << 30, StopTokenIDs: []int64{99}},
		Notify:      notify,
	})
	require.NoError(t, err)

	// Let at least one step run before stopping, without relying on a sleep
	// for correctness: Stop() itself blocks until the driver loop's current
	// iteration (if any) has returned, so this race only affects whether the
	// request gets to CONTEXT or sits in waiting — either way Stop must
	// notify it exactly once with FinishStopped.
	manager.Stop()

	select {
	case finished := <-done:
		assert.True(t, finished.Finished)
		assert.Equal(t, FinishStopped, finished.FinishReason)
	default:
		t.Fatal("request was never notified after Stop")
	}
}
