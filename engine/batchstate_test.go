package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushWaitingBuffer_IsVisibleOnlyAfterDrain(t *testing.T) {
	// GIVEN a fresh batch state
	bs := NewBatchState()

	// WHEN a request is pushed to the buffer
	bs.PushWaitingBuffer(&InferRequest{ReqID: 1})

	// THEN it shows up in BufferLen but not in the waiting queue yet
	assert.Equal(t, 1, bs.BufferLen())
	w, _, _ := bs.Counts()
	assert.Equal(t, 0, w)

	// WHEN drained under the main lock
	bs.Lock()
	bs.drainBuffer()
	w, _, _ = bs.Counts()
	bs.Unlock()

	// THEN it moves into waiting and the buffer empties
	assert.Equal(t, 1, w)
	assert.Equal(t, 0, bs.BufferLen())
}

func TestNextReqID_IsMonotonicAndUnique(t *testing.T) {
	bs := NewBatchState()
	seen := map[uint64]bool{}
	for i := 0; i < 100; i++ {
		id := bs.NextReqID()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
