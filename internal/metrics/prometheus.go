// Package metrics provides Prometheus metrics exposition for preforkd.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bc-dunia/preforkd/internal/types"
)

// PoolProvider provides access to the supervisor's pool state for metrics
// collection.
type PoolProvider interface {
	PoolStatus() types.StatusResponse
}

// ProcessProvider provides access to process resource samples for metrics
// collection.
type ProcessProvider interface {
	LastSample() *types.ProcessSample
}

// Collector collects and exposes preforkd metrics in Prometheus text format.
// Thread-safe for concurrent access: dispatch-path methods serialize writes
// while Expose takes a read lock.
type Collector struct {
	mu sync.RWMutex

	// Providers for data pulled at exposition time
	poolProvider    PoolProvider
	processProvider ProcessProvider

	// Dispatch-path metrics
	requestCounts    map[reqKey]int64          // (method, code) -> count
	requestDurations map[reqKey]*histogramData // (method, code) -> histogram
	handlerPanics    int64
	workerTimeouts   int64
	workerExits      map[string]int64 // reason -> count
	workerSpawns     map[string]int64 // reason -> count

	// Pulled state cached by SyncFromProviders
	workerStates  map[string]int // state -> gauge
	poolCounters  types.PoolCounters
	processSample *types.ProcessSample

	// Time function for testing
	nowFunc func() time.Time
}

// reqKey is a composite key for request metrics.
type reqKey struct {
	method string
	code   string
}

// histogramData holds histogram data for Prometheus exposition.
type histogramData struct {
	sum   float64
	count int64
}

// NewCollector creates a new metrics Collector.
func NewCollector() *Collector {
	return &Collector{
		requestCounts:    make(map[reqKey]int64),
		requestDurations: make(map[reqKey]*histogramData),
		workerExits:      make(map[string]int64),
		workerSpawns:     make(map[string]int64),
		workerStates:     make(map[string]int),
		nowFunc:          time.Now,
	}
}

// SetPoolProvider sets the supervisor-backed pool provider.
func (c *Collector) SetPoolProvider(p PoolProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolProvider = p
}

// SetProcessProvider sets the process sample provider.
func (c *Collector) SetProcessProvider(p ProcessProvider) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processProvider = p
}

// RecordRequest records one dispatched request with its response code and
// handler duration.
func (c *Collector) RecordRequest(method string, statusCode int, durationMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := reqKey{method: method, code: codeClass(statusCode)}
	c.requestCounts[key]++

	if c.requestDurations[key] == nil {
		c.requestDurations[key] = &histogramData{}
	}
	c.requestDurations[key].sum += float64(durationMs) / 1000.0
	c.requestDurations[key].count++
}

// RecordPanic records a handler panic converted to a 500.
func (c *Collector) RecordPanic() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlerPanics++
}

// RecordTimeout records a worker retired for exceeding the request timeout.
func (c *Collector) RecordTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerTimeouts++
}

// RecordWorkerExit records a worker leaving the pool, labeled by reason.
func (c *Collector) RecordWorkerExit(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerExits[reason]++
}

// RecordWorkerSpawn records a worker entering the pool, labeled by reason
// (startup, respawn, reload).
func (c *Collector) RecordWorkerSpawn(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerSpawns[reason]++
}

// SyncFromProviders refreshes pulled state from configured providers.
// Called before exposition.
func (c *Collector) SyncFromProviders() {
	c.mu.Lock()
	poolProvider := c.poolProvider
	processProvider := c.processProvider
	c.mu.Unlock()

	if poolProvider != nil {
		status := poolProvider.PoolStatus()
		states := make(map[string]int)
		for _, w := range status.Workers {
			states[w.State]++
		}
		c.mu.Lock()
		c.workerStates = states
		c.poolCounters = status.Counters
		c.mu.Unlock()
	}

	if processProvider != nil {
		sample := processProvider.LastSample()
		c.mu.Lock()
		c.processSample = sample
		c.mu.Unlock()
	}
}

// Expose returns the metrics in Prometheus text exposition format.
func (c *Collector) Expose() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var sb strings.Builder
	timestamp := c.nowFunc().UnixMilli()

	c.writeRequestsTotal(&sb, timestamp)
	c.writeRequestDuration(&sb, timestamp)
	c.writeHandlerPanics(&sb, timestamp)
	c.writeWorkerTimeouts(&sb, timestamp)
	c.writeWorkers(&sb, timestamp)
	c.writeWorkerExits(&sb, timestamp)
	c.writeWorkerSpawns(&sb, timestamp)
	c.writePoolCounters(&sb, timestamp)
	c.writeProcess(&sb, timestamp)

	return sb.String()
}

func (c *Collector) writeRequestsTotal(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_requests_total Total number of requests served\n")
	sb.WriteString("# TYPE preforkd_requests_total counter\n")

	keys := make([]reqKey, 0, len(c.requestCounts))
	for k := range c.requestCounts {
		keys = append(keys, k)
	}
	sortReqKeys(keys)
	for _, k := range keys {
		count := c.requestCounts[k]
		fmt.Fprintf(sb, "preforkd_requests_total{method=%q,code=%q} %d %d\n", k.method, k.code, count, timestamp)
	}
}

func (c *Collector) writeRequestDuration(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_request_duration_seconds Duration of handled requests in seconds\n")
	sb.WriteString("# TYPE preforkd_request_duration_seconds histogram\n")

	keys := make([]reqKey, 0, len(c.requestDurations))
	for k := range c.requestDurations {
		keys = append(keys, k)
	}
	sortReqKeys(keys)
	for _, k := range keys {
		data := c.requestDurations[k]
		fmt.Fprintf(sb, "preforkd_request_duration_seconds_sum{method=%q,code=%q} %.6f %d\n", k.method, k.code, data.sum, timestamp)
		fmt.Fprintf(sb, "preforkd_request_duration_seconds_count{method=%q,code=%q} %d %d\n", k.method, k.code, data.count, timestamp)
	}
}

func (c *Collector) writeHandlerPanics(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_handler_panics_total Total handler panics converted to 500 responses\n")
	sb.WriteString("# TYPE preforkd_handler_panics_total counter\n")
	fmt.Fprintf(sb, "preforkd_handler_panics_total %d %d\n", c.handlerPanics, timestamp)
}

func (c *Collector) writeWorkerTimeouts(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_worker_timeouts_total Total workers retired for exceeding the request timeout\n")
	sb.WriteString("# TYPE preforkd_worker_timeouts_total counter\n")
	fmt.Fprintf(sb, "preforkd_worker_timeouts_total %d %d\n", c.workerTimeouts, timestamp)
}

func (c *Collector) writeWorkers(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_workers Current worker count by state\n")
	sb.WriteString("# TYPE preforkd_workers gauge\n")

	states := make([]string, 0, len(c.workerStates))
	for s := range c.workerStates {
		states = append(states, s)
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(sb, "preforkd_workers{state=%q} %d %d\n", s, c.workerStates[s], timestamp)
	}
}

func (c *Collector) writeWorkerExits(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_worker_exits_total Total worker exits by reason\n")
	sb.WriteString("# TYPE preforkd_worker_exits_total counter\n")

	reasons := make([]string, 0, len(c.workerExits))
	for r := range c.workerExits {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(sb, "preforkd_worker_exits_total{reason=%q} %d %d\n", r, c.workerExits[r], timestamp)
	}
}

func (c *Collector) writeWorkerSpawns(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_worker_spawns_total Total worker spawns by reason\n")
	sb.WriteString("# TYPE preforkd_worker_spawns_total counter\n")

	reasons := make([]string, 0, len(c.workerSpawns))
	for r := range c.workerSpawns {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for _, r := range reasons {
		fmt.Fprintf(sb, "preforkd_worker_spawns_total{reason=%q} %d %d\n", r, c.workerSpawns[r], timestamp)
	}
}

func (c *Collector) writePoolCounters(sb *strings.Builder, timestamp int64) {
	sb.WriteString("# HELP preforkd_accepted_connections_total Total connections accepted on the data socket\n")
	sb.WriteString("# TYPE preforkd_accepted_connections_total counter\n")
	fmt.Fprintf(sb, "preforkd_accepted_connections_total %d %d\n", c.poolCounters.AcceptedConns, timestamp)

	sb.WriteString("# HELP preforkd_pool_requests_total Total requests completed across all worker generations\n")
	sb.WriteString("# TYPE preforkd_pool_requests_total counter\n")
	fmt.Fprintf(sb, "preforkd_pool_requests_total %d %d\n", c.poolCounters.RequestsServed, timestamp)
}

func (c *Collector) writeProcess(sb *strings.Builder, timestamp int64) {
	if c.processSample == nil {
		return
	}
	sb.WriteString("# HELP preforkd_process_cpu_percent Process CPU usage percentage\n")
	sb.WriteString("# TYPE preforkd_process_cpu_percent gauge\n")
	fmt.Fprintf(sb, "preforkd_process_cpu_percent %.2f %d\n", c.processSample.CPUPercent, timestamp)

	sb.WriteString("# HELP preforkd_process_resident_memory_bytes Process resident set size in bytes\n")
	sb.WriteString("# TYPE preforkd_process_resident_memory_bytes gauge\n")
	fmt.Fprintf(sb, "preforkd_process_resident_memory_bytes %d %d\n", c.processSample.MemRSS, timestamp)

	sb.WriteString("# HELP preforkd_process_open_fds Process open file descriptors\n")
	sb.WriteString("# TYPE preforkd_process_open_fds gauge\n")
	fmt.Fprintf(sb, "preforkd_process_open_fds %d %d\n", c.processSample.NumFDs, timestamp)

	sb.WriteString("# HELP preforkd_process_goroutines Runtime goroutine count\n")
	sb.WriteString("# TYPE preforkd_process_goroutines gauge\n")
	fmt.Fprintf(sb, "preforkd_process_goroutines %d %d\n", c.processSample.NumGoroutine, timestamp)
}

func sortReqKeys(keys []reqKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].method != keys[j].method {
			return keys[i].method < keys[j].method
		}
		return keys[i].code < keys[j].code
	})
}

// codeClass buckets a status code into its Prometheus label ("2xx", "5xx").
func codeClass(status int) string {
	if status >= 100 && status < 600 {
		return fmt.Sprintf("%dxx", status/100)
	}
	return "other"
}

// Reset clears all collected metrics.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestCounts = make(map[reqKey]int64)
	c.requestDurations = make(map[reqKey]*histogramData)
	c.handlerPanics = 0
	c.workerTimeouts = 0
	c.workerExits = make(map[string]int64)
	c.workerSpawns = make(map[string]int64)
	c.workerStates = make(map[string]int)
	c.poolCounters = types.PoolCounters{}
	c.processSample = nil
}
