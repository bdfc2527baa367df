// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Document metrics (only for mutating operations)
	TotalDocuments int64
	MinDocuments   int64
	MaxDocuments   int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64
	TotalTimeMs int64
	AvgTimeMs   float64
	MinTimeMs   int64
	MaxTimeMs   int64

	// Document stats (nil if not applicable)
	TotalDocuments *int64
	AvgDocuments   *float64
	MinDocuments   *int64
	MaxDocuments   *int64
}

// Snapshot represents the full service statistics at a point in time.
type Snapshot struct {
	UptimeSeconds float64
	Cascade       *OperationSnapshot
	Rollback      *OperationSnapshot
	Cleanup       *OperationSnapshot
	Validate      *OperationSnapshot
	DBQuery       *OperationSnapshot
}

// Operation names for the collector.
const (
	OpCascade  = "cascade"
	OpRollback = "rollback"
	OpCleanup  = "cleanup"
	OpValidate = "validate"
	OpDBQuery  = "db_query"
)

// Collector aggregates in-memory runtime statistics.
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
		m = &OperationMetrics{
			MinTime:      time.Duration(math.MaxInt64),
			MinDocuments: math.MaxInt64,
		}
		c.ops[op] = m
	}
	return m
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordMutation records timing and touched-document counts for a mutating
// operation.
func (c *Collector) RecordMutation(op string, duration time.Duration, documents int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.Count++
	m.TotalTime += duration

	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}

	m.TotalDocuments += documents
	if documents < m.MinDocuments {
		m.MinDocuments = documents
	}
	if documents > m.MaxDocuments {
		m.MaxDocuments = documents
	}
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeDocuments bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeDocuments {
		total := m.TotalDocuments
		avg := float64(m.TotalDocuments) / float64(m.Count)
		minDocs := m.MinDocuments
		maxDocs := m.MaxDocuments

		// Reset sentinel values for display
		if minDocs == math.MaxInt64 {
			minDocs = 0
		}

		snap.TotalDocuments = &total
		snap.AvgDocuments = &avg
		snap.MinDocuments = &minDocs
		snap.MaxDocuments = &maxDocs
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds: time.Since(c.startTime).Seconds(),
		Cascade:       snapshotOp(c.ops[OpCascade], true),
		Rollback:      snapshotOp(c.ops[OpRollback], true),
		Cleanup:       snapshotOp(c.ops[OpCleanup], true),
		Validate:      snapshotOp(c.ops[OpValidate], false),
		DBQuery:       snapshotOp(c.ops[OpDBQuery], false),
	}
}
