// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package metrics provides performance monitoring and observability for the
// storage engine.
//
// This package implements thread-safe metrics collection using a buffered
// channel and ring buffers. It tracks transaction counts, commit phase
// latencies, page allocation sources and resource failures, which is what an
// operator needs to notice a lagging reader or a database running out of
// room before it happens.
//
// # Key Features
//
//   - Thread-safe metrics collection using a buffered channel and background processing
//   - Transaction counts (read, commit, abort)
//   - Commit latency per phase (gc, write, sync, whole) in ring buffers
//   - Page accounting: allocated from the file end, reclaimed, reused loose, retired
//   - Resource failure tracking (map full, readers full, ousted readers)
//   - Gauges for active readers and the largest reader lag
//
// # Usage Examples
//
//	m := metrics.NewMetrics()
//	defer m.Close()
//
//	m.RecordReadTxn()
//	m.RecordCommit(metrics.CommitPhases{GC: gc, Write: write, Sync: sync, Whole: whole})
//	m.RecordPages(metrics.PagesReclaimed, 12)
//	m.RecordFailure(metrics.FailureMapFull)
//	m.SetReaders(3, 17)
//
//	stats := m.GetStats()
//	fmt.Println(stats.Txns.Commits, stats.Latency.Commit.P99)
//
// # Dangers and Warnings
//
//   - **Background Goroutine**: requires cleanup with Close(). It only
//     aggregates events and never touches database files.
//   - **Event Loss**: if the buffer is full, events are dropped rather than
//     blocking a committing writer.
//   - **Stats Latency**: events are aggregated asynchronously; call Flush
//     before reading when exact counts matter.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PageSource identifies where a page came from or went to.
type PageSource int

const (
	PagesAllocated PageSource = iota
	PagesReclaimed
	PagesLoose
	PagesRetired
)

// Failure identifies a resource failure.
type Failure int

const (
	FailureMapFull Failure = iota
	FailureReadersFull
	FailureOusted
	FailureIO
)

// LatencyStats provides latency statistics
type LatencyStats struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Mean  time.Duration `json:"mean"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	P999  time.Duration `json:"p999"`
}

// TxnCounts tracks transaction counts
type TxnCounts struct {
	Reads   uint64 `json:"reads"`
	Commits uint64 `json:"commits"`
	Aborts  uint64 `json:"aborts"`
}

// PageCounts tracks page accounting
type PageCounts struct {
	Allocated uint64 `json:"allocated"`
	Reclaimed uint64 `json:"reclaimed"`
	Loose     uint64 `json:"loose"`
	Retired   uint64 `json:"retired"`
}

// FailureCounts tracks resource failures
type FailureCounts struct {
	MapFull     uint64 `json:"map_full"`
	ReadersFull uint64 `json:"readers_full"`
	Ousted      uint64 `json:"ousted"`
	IO          uint64 `json:"io"`
}

// ReaderMetrics holds reader gauges
type ReaderMetrics struct {
	Active uint64 `json:"active"`
	MaxLag uint64 `json:"max_lag"`
}

// LatencyMetrics tracks commit latencies
type LatencyMetrics struct {
	GC     LatencyStats `json:"gc"`
	Write  LatencyStats `json:"write"`
	Sync   LatencyStats `json:"sync"`
	Commit LatencyStats `json:"commit"`
}

// MetricsSnapshot provides a complete snapshot of all metrics
type MetricsSnapshot struct {
	Txns          TxnCounts      `json:"txns"`
	Pages         PageCounts     `json:"pages"`
	Failures      FailureCounts  `json:"failures"`
	Readers       ReaderMetrics  `json:"readers"`
	Latency       LatencyMetrics `json:"latency"`
	Configuration MetricsConfig  `json:"config"`
}

// CommitPhases is the latency breakdown of one commit.
type CommitPhases struct {
	GC    time.Duration
	Write time.Duration
	Sync  time.Duration
	Whole time.Duration
}

// MetricEvent represents a single metric event
type MetricEvent struct {
	Type      string
	Duration  time.Duration
	Count     uint64
	Timestamp time.Time
	done      chan struct{}
}

// DurationRingBuffer implements a thread-safe bounded ring buffer for time.Duration
type DurationRingBuffer struct {
	buffer []time.Duration
	head   int
	tail   int
	size   int
	count  int
	mu     sync.RWMutex
}

// NewDurationRingBuffer creates a new ring buffer with specified capacity
func NewDurationRingBuffer(capacity int) *DurationRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &DurationRingBuffer{
		buffer: make([]time.Duration, capacity),
		size:   capacity,
	}
}

// Push adds an item to the ring buffer
func (rb *DurationRingBuffer) Push(item time.Duration) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size

	if rb.count < rb.size {
		rb.count++
	} else {
		rb.head = (rb.head + 1) % rb.size
	}
}

// GetAverage calculates the average of time.Duration values in the buffer
func (rb *DurationRingBuffer) GetAverage() time.Duration {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if rb.count == 0 {
		return 0
	}

	var total time.Duration
	for i := 0; i < rb.count; i++ {
		idx := (rb.head + i) % rb.size
		total += rb.buffer[idx]
	}

	return total / time.Duration(rb.count)
}

// GetStats calculates latency statistics
func (rb *DurationRingBuffer) GetStats() LatencyStats {
	rb.mu.RLock()
	if rb.count == 0 {
		rb.mu.RUnlock()
		return LatencyStats{}
	}
	values := make([]time.Duration, rb.count)
	for i := 0; i < rb.count; i++ {
		values[i] = rb.buffer[(rb.head+i)%rb.size]
	}
	rb.mu.RUnlock()

	sort.Slice(values, func(i, j int) bool {
		return values[i] < values[j]
	})

	stats := LatencyStats{
		Count: uint64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
	}
	var total time.Duration
	for _, v := range values {
		total += v
	}
	stats.Mean = total / time.Duration(len(values))
	stats.P50 = percentile(values, 0.50)
	stats.P95 = percentile(values, 0.95)
	stats.P99 = percentile(values, 0.99)
	stats.P999 = percentile(values, 0.999)
	return stats
}

// percentile picks the nth percentile from sorted values
func percentile(values []time.Duration, p float64) time.Duration {
	if len(values) == 0 {
		return 0
	}
	index := int(float64(len(values)-1) * p)
	if index >= len(values) {
		index = len(values) - 1
	}
	return values[index]
}

// MetricsConfig provides configuration options for metrics collection
type MetricsConfig struct {
	BufferSize     int            `json:"buffer_size"`
	LatencyBuffers map[string]int `json:"latency_buffers"`
}

// DefaultMetricsConfig returns a default configuration
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		BufferSize: 10000,
		LatencyBuffers: map[string]int{
			"gc":     1000,
			"write":  1000,
			"sync":   1000,
			"commit": 1000,
		},
	}
}

// Metrics aggregates engine events using a buffered channel and ring buffers
type Metrics struct {
	config MetricsConfig

	eventChan chan MetricEvent
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu sync.RWMutex

	txns     TxnCounts
	pages    PageCounts
	failures FailureCounts
	readers  ReaderMetrics

	gcLatency     *DurationRingBuffer
	writeLatency  *DurationRingBuffer
	syncLatency   *DurationRingBuffer
	commitLatency *DurationRingBuffer
}

// NewMetrics creates a new metrics instance with default configuration
func NewMetrics() *Metrics {
	return NewMetricsWithConfig(DefaultMetricsConfig())
}

// NewBufferedMetrics creates a new metrics instance with configurable buffer size
func NewBufferedMetrics(bufferSize int) *Metrics {
	config := DefaultMetricsConfig()
	config.BufferSize = bufferSize
	return NewMetricsWithConfig(config)
}

// NewMetricsWithConfig creates a new metrics instance with custom configuration
func NewMetricsWithConfig(config MetricsConfig) *Metrics {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Metrics{
		config:        config,
		eventChan:     make(chan MetricEvent, config.BufferSize),
		ctx:           ctx,
		cancel:        cancel,
		gcLatency:     NewDurationRingBuffer(config.LatencyBuffers["gc"]),
		writeLatency:  NewDurationRingBuffer(config.LatencyBuffers["write"]),
		syncLatency:   NewDurationRingBuffer(config.LatencyBuffers["sync"]),
		commitLatency: NewDurationRingBuffer(config.LatencyBuffers["commit"]),
	}

	m.wg.Add(1)
	go m.processEvents()

	return m
}

// processEvents runs in background goroutine to process metric events
func (m *Metrics) processEvents() {
	defer m.wg.Done()

	for {
		select {
		case event := <-m.eventChan:
			m.processEvent(event)
		case <-m.ctx.Done():
			return
		}
	}
}

// processEvent handles a single metric event
func (m *Metrics) processEvent(event MetricEvent) {
	if event.done != nil {
		close(event.done)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch event.Type {
	case "read":
		m.txns.Reads++
	case "abort":
		m.txns.Aborts++
	case "commit":
		m.txns.Commits++
		m.commitLatency.Push(event.Duration)
	case "commit_gc":
		m.gcLatency.Push(event.Duration)
	case "commit_write":
		m.writeLatency.Push(event.Duration)
	case "commit_sync":
		m.syncLatency.Push(event.Duration)
	case "pages_allocated":
		m.pages.Allocated += event.Count
	case "pages_reclaimed":
		m.pages.Reclaimed += event.Count
	case "pages_loose":
		m.pages.Loose += event.Count
	case "pages_retired":
		m.pages.Retired += event.Count
	case "failure_map_full":
		m.failures.MapFull++
	case "failure_readers_full":
		m.failures.ReadersFull++
	case "failure_ousted":
		m.failures.Ousted++
	case "failure_io":
		m.failures.IO++
	}
}

func (m *Metrics) send(event MetricEvent) {
	if m == nil || m.closed.Load() {
		return
	}
	event.Timestamp = time.Now()
	select {
	case m.eventChan <- event:
	default:
		// Channel full, drop the event to avoid blocking
	}
}

// RecordReadTxn records the start of a read transaction
func (m *Metrics) RecordReadTxn() {
	m.send(MetricEvent{Type: "read"})
}

// RecordAbort records an aborted write transaction
func (m *Metrics) RecordAbort() {
	m.send(MetricEvent{Type: "abort"})
}

// RecordCommit records a committed write transaction and its phases
func (m *Metrics) RecordCommit(p CommitPhases) {
	m.send(MetricEvent{Type: "commit_gc", Duration: p.GC})
	m.send(MetricEvent{Type: "commit_write", Duration: p.Write})
	m.send(MetricEvent{Type: "commit_sync", Duration: p.Sync})
	m.send(MetricEvent{Type: "commit", Duration: p.Whole})
}

// RecordPages adds n pages to the counter of src
func (m *Metrics) RecordPages(src PageSource, n int) {
	if n <= 0 {
		return
	}
	var typ string
	switch src {
	case PagesAllocated:
		typ = "pages_allocated"
	case PagesReclaimed:
		typ = "pages_reclaimed"
	case PagesLoose:
		typ = "pages_loose"
	case PagesRetired:
		typ = "pages_retired"
	default:
		return
	}
	m.send(MetricEvent{Type: typ, Count: uint64(n)})
}

// RecordFailure records a resource failure
func (m *Metrics) RecordFailure(f Failure) {
	var typ string
	switch f {
	case FailureMapFull:
		typ = "failure_map_full"
	case FailureReadersFull:
		typ = "failure_readers_full"
	case FailureOusted:
		typ = "failure_ousted"
	case FailureIO:
		typ = "failure_io"
	default:
		return
	}
	m.send(MetricEvent{Type: typ})
}

// SetReaders sets the reader gauges: active readers and the largest lag in
// transactions behind the head
func (m *Metrics) SetReaders(active, maxLag uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readers = ReaderMetrics{Active: active, MaxLag: maxLag}
}

// Flush waits until every event recorded before the call is aggregated
func (m *Metrics) Flush() {
	if m == nil || m.closed.Load() {
		return
	}
	done := make(chan struct{})
	select {
	case m.eventChan <- MetricEvent{done: done}:
	case <-m.ctx.Done():
		return
	}
	select {
	case <-done:
	case <-m.ctx.Done():
	}
}

// GetStats returns a snapshot of current metrics
func (m *Metrics) GetStats() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return MetricsSnapshot{
		Txns:     m.txns,
		Pages:    m.pages,
		Failures: m.failures,
		Readers:  m.readers,
		Latency: LatencyMetrics{
			GC:     m.gcLatency.GetStats(),
			Write:  m.writeLatency.GetStats(),
			Sync:   m.syncLatency.GetStats(),
			Commit: m.commitLatency.GetStats(),
		},
		Configuration: m.config,
	}
}

// ExportPrometheus exports metrics in Prometheus text format
func (m *Metrics) ExportPrometheus() string {
	stats := m.GetStats()
	var b strings.Builder

	metric := func(name, help, typ string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, typ)
	}

	metric("cowdb_txns_total", "Total number of transactions", "counter")
	fmt.Fprintf(&b, "cowdb_txns_total{kind=\"read\"} %d\n", stats.Txns.Reads)
	fmt.Fprintf(&b, "cowdb_txns_total{kind=\"commit\"} %d\n", stats.Txns.Commits)
	fmt.Fprintf(&b, "cowdb_txns_total{kind=\"abort\"} %d\n", stats.Txns.Aborts)

	metric("cowdb_pages_total", "Pages by allocation source", "counter")
	fmt.Fprintf(&b, "cowdb_pages_total{source=\"allocated\"} %d\n", stats.Pages.Allocated)
	fmt.Fprintf(&b, "cowdb_pages_total{source=\"reclaimed\"} %d\n", stats.Pages.Reclaimed)
	fmt.Fprintf(&b, "cowdb_pages_total{source=\"loose\"} %d\n", stats.Pages.Loose)
	fmt.Fprintf(&b, "cowdb_pages_total{source=\"retired\"} %d\n", stats.Pages.Retired)

	metric("cowdb_failures_total", "Resource failures", "counter")
	fmt.Fprintf(&b, "cowdb_failures_total{kind=\"map_full\"} %d\n", stats.Failures.MapFull)
	fmt.Fprintf(&b, "cowdb_failures_total{kind=\"readers_full\"} %d\n", stats.Failures.ReadersFull)
	fmt.Fprintf(&b, "cowdb_failures_total{kind=\"ousted\"} %d\n", stats.Failures.Ousted)
	fmt.Fprintf(&b, "cowdb_failures_total{kind=\"io\"} %d\n", stats.Failures.IO)

	metric("cowdb_commit_latency_nanoseconds", "Mean commit latency by phase", "gauge")
	fmt.Fprintf(&b, "cowdb_commit_latency_nanoseconds{phase=\"gc\"} %d\n", stats.Latency.GC.Mean.Nanoseconds())
	fmt.Fprintf(&b, "cowdb_commit_latency_nanoseconds{phase=\"write\"} %d\n", stats.Latency.Write.Mean.Nanoseconds())
	fmt.Fprintf(&b, "cowdb_commit_latency_nanoseconds{phase=\"sync\"} %d\n", stats.Latency.Sync.Mean.Nanoseconds())
	fmt.Fprintf(&b, "cowdb_commit_latency_nanoseconds{phase=\"whole\"} %d\n", stats.Latency.Commit.Mean.Nanoseconds())

	metric("cowdb_readers_active", "Readers pinning a snapshot", "gauge")
	fmt.Fprintf(&b, "cowdb_readers_active %d\n", stats.Readers.Active)
	metric("cowdb_readers_max_lag", "Largest reader lag in transactions", "gauge")
	fmt.Fprintf(&b, "cowdb_readers_max_lag %d\n", stats.Readers.MaxLag)

	return b.String()
}

// ExportJSON exports metrics as JSON
func (m *Metrics) ExportJSON() []byte {
	stats := m.GetStats()
	jsonData, _ := json.MarshalIndent(stats, "", "  ")
	return jsonData
}

// Close shuts down the metrics processor
func (m *Metrics) Close() {
	if m.closed.Swap(true) {
		return
	}
	m.cancel()
	m.wg.Wait()
}
