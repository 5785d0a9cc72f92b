package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_SnapshotReflectsRecordedCounters(t *testing.T) {
	m := NewMetrics()
	m.IncAdmitted()
	m.IncAdmitted()
	m.IncRejected()
	m.IncCompleted()
	m.ObserveStep(10, 4)
	m.ObserveStep(20, 4)

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.RequestsAdmitted)
	assert.EqualValues(t, 1, snap.RequestsRejected)
	assert.EqualValues(t, 1, snap.RequestsCompleted)
	assert.EqualValues(t, 2, snap.StepsExecuted)
	assert.EqualValues(t, 8, snap.TokensGenerated)
	assert.InDelta(t, 15, snap.StepLatencyP50MS, 10)
}

func TestMetrics_SnapshotWithNoSamples_ReturnsZeroPercentiles(t *testing.T) {
	m := NewMetrics()
	snap := m.Snapshot()
	assert.Zero(t, snap.StepLatencyP50MS)
	assert.Zero(t, snap.QueueWaitP50MS)
}
