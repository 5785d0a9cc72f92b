package engine

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// Metrics accumulates counters and latency samples for one running server.
// Percentiles are computed with gonum/stat rather than a hand-rolled
// nearest-rank routine, matching the rest of this package's preference for
// a pack library over a stdlib-only reimplementation.
type Metrics struct {
	mu sync.Mutex

	RequestsAdmitted   int64
	RequestsRejected   int64
	RequestsCompleted  int64
	RequestsPreempted  int64
	StepsExecuted      int64
	TokensGenerated    int64

	stepLatenciesMS []float64
	queueLatenciesMS []float64
}

// NewMetrics returns an empty Metrics collector.
func NewMetrics() *Metrics { return &Metrics{} }

func (m *Metrics) IncAdmitted()  { m.mu.Lock(); m.RequestsAdmitted++; m.mu.Unlock() }
func (m *Metrics) IncRejected()  { m.mu.Lock(); m.RequestsRejected++; m.mu.Unlock() }
func (m *Metrics) IncCompleted() { m.mu.Lock(); m.RequestsCompleted++; m.mu.Unlock() }
func (m *Metrics) IncPreempted() { m.mu.Lock(); m.RequestsPreempted++; m.mu.Unlock() }

// ObserveStep records one scheduling step: its wall-clock latency and how
// many tokens it produced.
func (m *Metrics) ObserveStep(latencyMS float64, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StepsExecuted++
	m.TokensGenerated += tokens
	m.stepLatenciesMS = append(m.stepLatenciesMS, latencyMS)
}

// ObserveQueueWait records how long a request waited before its first step.
func (m *Metrics) ObserveQueueWait(latencyMS float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueLatenciesMS = append(m.queueLatenciesMS, latencyMS)
}

// Snapshot is a point-in-time summary safe to export to a logging or
// metrics sink.
type Snapshot struct {
	RequestsAdmitted  int64
	RequestsRejected  int64
	RequestsCompleted int64
	RequestsPreempted int64
	StepsExecuted     int64
	TokensGenerated   int64

	StepLatencyP50MS  float64
	StepLatencyP95MS  float64
	StepLatencyP99MS  float64
	QueueWaitP50MS    float64
	QueueWaitP95MS    float64
}

// Snapshot computes percentile summaries over samples observed so far.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps := append([]float64(nil), m.stepLatenciesMS...)
	queue := append([]float64(nil), m.queueLatenciesMS...)

	snap := Snapshot{
		RequestsAdmitted:  m.RequestsAdmitted,
		RequestsRejected:  m.RequestsRejected,
		RequestsCompleted: m.RequestsCompleted,
		RequestsPreempted: m.RequestsPreempted,
		StepsExecuted:     m.StepsExecuted,
		TokensGenerated:   m.TokensGenerated,
	}
	if len(steps) > 0 {
		sort.Float64s(steps)
		snap.StepLatencyP50MS = stat.Quantile(0.50, stat.Empirical, steps, nil)
		snap.StepLatencyP95MS = stat.Quantile(0.95, stat.Empirical, steps, nil)
		snap.StepLatencyP99MS = stat.Quantile(0.99, stat.Empirical, steps, nil)
	}
	if len(queue) > 0 {
		sort.Float64s(queue)
		snap.QueueWaitP50MS = stat.Quantile(0.50, stat.Empirical, queue, nil)
		snap.QueueWaitP95MS = stat.Quantile(0.95, stat.Empirical, queue, nil)
	}
	return snap
}
