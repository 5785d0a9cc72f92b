package engine

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStream_Synchronize_WaitsForAllPriorTasks(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var counter int32
	for i := 0; i < 50; i++ {
		s.Enqueue(func() error {
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&counter, 1)
			return nil
		})
	}
	require.NoError(t, s.Synchronize())
	assert.EqualValues(t, 50, atomic.LoadInt32(&counter))
}

func TestStream_Synchronize_ReturnsFirstError(t *testing.T) {
	s := NewStream()
	defer s.Close()

	boom := assert.AnError
	s.Enqueue(func() error { return boom })
	s.Enqueue(func() error { return nil })

	err := s.Synchronize()
	assert.ErrorIs(t, err, boom)

	// error is cleared after observation
	assert.NoError(t, s.Synchronize())
}

func TestStream_TasksRunInFIFOOrder(t *testing.T) {
	s := NewStream()
	defer s.Close()

	var order []int
	for i := 0; i < 10; i++ {
		i := i
		s.Enqueue(func() error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, s.Synchronize())
	for i := 0; i < 10; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestContext_PerRankStreamsAreIndependent(t *testing.T) {
	ctx := NewContext(2)
	defer ctx.Close()

	assert.NotSame(t, ctx.ComputeStream(0), ctx.ComputeStream(1))
	assert.NotSame(t, ctx.ComputeStream(0), ctx.CollectiveStream(0))
}
