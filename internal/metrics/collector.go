// Package metrics collects runtime statistics for the pipeline and exports
// them to Prometheus.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Name        string
	Count       int64
	Failures    int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Token totals (nil if not applicable)
	TotalInputTokens  *int64
	TotalOutputTokens *int64
}

// Snapshot is the worker's statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Operations    []OperationSnapshot
}

// Operation returns the snapshot for name, or nil if it never ran.
func (s Snapshot) Operation(name string) *OperationSnapshot {
	for i := range s.Operations {
		if s.Operations[i].Name == name {
			return &s.Operations[i]
		}
	}
	return nil
}

// Operation name prefixes for the collector.
const (
	OpStagePrefix = "stage:"
	OpLLMPrefix   = "llm:"
)

// Collector aggregates in-memory runtime statistics and mirrors every
// observation to the Prometheus registry.
// All methods are thread-safe.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration, failed bool) {
	m.Count++
	m.TotalTime += duration
	if failed {
		m.Failures++
	}
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordStage records the duration and outcome of one pipeline stage run.
func (c *Collector) RecordStage(stage string, duration time.Duration, err error) {
	c.mu.Lock()
	c.getOrCreate(OpStagePrefix+stage).observe(duration, err != nil)
	c.mu.Unlock()

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
}

// RecordLLMUsage records timing and token usage for one model call.
func (c *Collector) RecordLLMUsage(stage string, duration time.Duration, inputTokens, outputTokens int64) {
	c.mu.Lock()
	m := c.getOrCreate(OpLLMPrefix + stage)
	m.observe(duration, false)
	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
	c.mu.Unlock()

	llmCallDuration.WithLabelValues(stage).Observe(duration.Seconds())
	llmTokens.WithLabelValues(stage, "input").Add(float64(inputTokens))
	llmTokens.WithLabelValues(stage, "output").Add(float64(outputTokens))
}

// RecordLLMFailure counts a model call that did not produce a usable response.
func (c *Collector) RecordLLMFailure(stage, reason string) {
	c.mu.Lock()
	c.getOrCreate(OpLLMPrefix+stage).Failures++
	c.mu.Unlock()

	llmFailures.WithLabelValues(stage, reason).Inc()
}

// RecordRetry counts one gateway retry.
func (c *Collector) RecordRetry(stage, reason string) {
	llmRetries.WithLabelValues(stage, reason).Inc()
}

// RecordJob counts a job reaching status.
func (c *Collector) RecordJob(status string) {
	jobsTotal.WithLabelValues(status).Inc()
}

// snapshotOp creates a snapshot for an operation.
func snapshotOp(name string, m *OperationMetrics) OperationSnapshot {
	snap := OperationSnapshot{
		Name:        name,
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
	}
	if m.Count > 0 {
		snap.AvgTimeMs = float64(m.TotalTime.Milliseconds()) / float64(m.Count)
		snap.MinTimeMs = m.MinTime.Milliseconds()
		snap.MaxTimeMs = m.MaxTime.Milliseconds()
	}
	if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
		totalIn := m.TotalInputTokens
		totalOut := m.TotalOutputTokens
		snap.TotalInputTokens = &totalIn
		snap.TotalOutputTokens = &totalOut
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics, sorted by name.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{UptimeSeconds: time.Since(c.startTime).Seconds()}
	for name, m := range c.ops {
		snap.Operations = append(snap.Operations, snapshotOp(name, m))
	}
	sort.Slice(snap.Operations, func(i, j int) bool {
		return snap.Operations[i].Name < snap.Operations[j].Name
	})
	return snap
}
