// Package metrics exposes lock-free counters in Prometheus text exposition
// format, the way dashboards and scrapers expect.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Registry holds the counters exposed by the registry server.
type Registry struct {
	httpRequestsTotal  labeledCounters
	httpErrorsTotal    labeledCounters
	cacheHitsTotal     atomic.Int64
	cacheMissesTotal   atomic.Int64
	storageOpsTotal    labeledCounters
	artifactsTotal     labeledCounters
	requestDurationSum atomic.Int64 // nanoseconds
	requestDurationCnt atomic.Int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		httpRequestsTotal: newLabeledCounters(),
		httpErrorsTotal:   newLabeledCounters(),
		storageOpsTotal:   newLabeledCounters(),
		artifactsTotal:    newLabeledCounters(),
	}
}

// ObserveRequest records one HTTP request for method/path/status.
func (r *Registry) ObserveRequest(method, route, status string, durationNanos int64) {
	r.httpRequestsTotal.inc(method + "," + route + "," + status)
	r.requestDurationSum.Add(durationNanos)
	r.requestDurationCnt.Add(1)
	if len(status) > 0 && status[0] != '2' && status[0] != '3' {
		r.httpErrorsTotal.inc(method + "," + route + "," + status)
	}
}

// ObserveCache records a cache hit or miss.
func (r *Registry) ObserveCache(hit bool) {
	if hit {
		r.cacheHitsTotal.Add(1)
	} else {
		r.cacheMissesTotal.Add(1)
	}
}

// ObserveStorageOp records a storage backend operation (put/get/delete/...).
func (r *Registry) ObserveStorageOp(op, backend string) {
	r.storageOpsTotal.inc(op + "," + backend)
}

// ObserveArtifact records an artifact written for a given registry ecosystem.
func (r *Registry) ObserveArtifact(registry string) {
	r.artifactsTotal.inc(registry)
}

// WriteTo renders all metrics in Prometheus text exposition format.
func (r *Registry) WriteTo(w *strings.Builder) {
	writeLabeledCounter(w, "nora_http_requests_total", "Total HTTP requests", []string{"method", "route", "status"}, r.httpRequestsTotal)
	writeLabeledCounter(w, "nora_http_errors_total", "Total HTTP error responses", []string{"method", "route", "status"}, r.httpErrorsTotal)

	fmt.Fprintf(w, "# HELP nora_cache_requests_total Total cache lookups by outcome\n")
	fmt.Fprintf(w, "# TYPE nora_cache_requests_total counter\n")
	fmt.Fprintf(w, "nora_cache_requests_total{outcome=\"hit\"} %d\n", r.cacheHitsTotal.Load())
	fmt.Fprintf(w, "nora_cache_requests_total{outcome=\"miss\"} %d\n", r.cacheMissesTotal.Load())

	writeLabeledCounter(w, "nora_storage_operations_total", "Total storage backend operations", []string{"op", "backend"}, r.storageOpsTotal)
	writeLabeledCounter(w, "nora_artifacts_total", "Total artifacts written", []string{"registry"}, r.artifactsTotal)

	count := r.requestDurationCnt.Load()
	sum := r.requestDurationSum.Load()
	fmt.Fprintf(w, "# HELP nora_http_request_duration_seconds Total observed request duration\n")
	fmt.Fprintf(w, "# TYPE nora_http_request_duration_seconds summary\n")
	fmt.Fprintf(w, "nora_http_request_duration_seconds_sum %f\n", float64(sum)/1e9)
	fmt.Fprintf(w, "nora_http_request_duration_seconds_count %d\n", count)
}

// Render returns the full exposition text.
func (r *Registry) Render() string {
	var b strings.Builder
	r.WriteTo(&b)
	return b.String()
}

// labeledCounters is a mutex-guarded map of atomic counters keyed by a pre-joined
// label string (e.g. "GET,docker/v2,200").
type labeledCounters struct {
	mu     sync.Mutex
	counts map[string]*atomic.Int64
}

func newLabeledCounters() labeledCounters {
	return labeledCounters{counts: make(map[string]*atomic.Int64)}
}

func (c *labeledCounters) inc(key string) {
	c.mu.Lock()
	counter, ok := c.counts[key]
	if !ok {
		counter = &atomic.Int64{}
		c.counts[key] = counter
	}
	c.mu.Unlock()
	counter.Add(1)
}

func (c *labeledCounters) snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v.Load()
	}
	return out
}

func writeLabeledCounter(w *strings.Builder, name, help string, labelNames []string, c labeledCounters) {
	fmt.Fprintf(w, "# HELP %s %s\n", name, help)
	fmt.Fprintf(w, "# TYPE %s counter\n", name)
	snap := c.snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		parts := strings.Split(key, ",")
		var labels strings.Builder
		for i, ln := range labelNames {
			if i > 0 {
				labels.WriteByte(',')
			}
			val := ""
			if i < len(parts) {
				val = parts[i]
			}
			fmt.Fprintf(&labels, "%s=%q", ln, val)
		}
		fmt.Fprintf(w, "%s{%s} %d\n", name, labels.String(), snap[key])
	}
}
