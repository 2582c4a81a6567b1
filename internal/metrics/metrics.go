package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	reqTotal       atomic.Uint64
	reqErrors      atomic.Uint64
	rateLimited    atomic.Uint64
	unitsActive    atomic.Int64
	provisions     atomic.Uint64
	provisionFails atomic.Uint64
	expiries       atomic.Uint64
	renewals       atomic.Uint64
	removals       atomic.Uint64
	giveawaysEnded atomic.Uint64
	mu             sync.RWMutex
	pathCount      map[string]uint64
	latencyBuckets map[float64]uint64
	latencyInf     uint64
}

func New() *Registry {
	return &Registry{
		pathCount:      map[string]uint64{},
		latencyBuckets: map[float64]uint64{0.005: 0, 0.01: 0, 0.025: 0, 0.05: 0, 0.1: 0, 0.25: 0, 0.5: 0, 1: 0, 2.5: 0, 5: 0, 10: 0, 30: 0, 60: 0},
	}
}

func (r *Registry) IncRequest(path string) {
	r.reqTotal.Add(1)
	r.mu.Lock()
	r.pathCount[path]++
	r.mu.Unlock()
}
func (r *Registry) IncError()            { r.reqErrors.Add(1) }
func (r *Registry) IncRateLimited()      { r.rateLimited.Add(1) }
func (r *Registry) SetActiveUnits(v int) { r.unitsActive.Store(int64(v)) }
func (r *Registry) IncProvision()        { r.provisions.Add(1) }
func (r *Registry) IncProvisionFailed()  { r.provisionFails.Add(1) }
func (r *Registry) IncExpired()          { r.expiries.Add(1) }
func (r *Registry) IncRenewed()          { r.renewals.Add(1) }
func (r *Registry) IncRemoved()          { r.removals.Add(1) }
func (r *Registry) IncGiveawayEnded()    { r.giveawaysEnded.Add(1) }

func (r *Registry) ObserveRequestDuration(d time.Duration) {
	secs := d.Seconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	matched := false
	for b := range r.latencyBuckets {
		if secs <= b {
			r.latencyBuckets[b]++
			matched = true
		}
	}
	if !matched {
		r.latencyInf++
	}
}

func (r *Registry) RenderPrometheus() string {
	var b strings.Builder
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(&b, "# HELP %s %s\n", name, help)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		fmt.Fprintf(&b, "%s %d\n", name, v)
	}
	counter("vpsd_requests_total", "Total API requests", r.reqTotal.Load())
	counter("vpsd_request_errors_total", "Total API request errors", r.reqErrors.Load())
	counter("vpsd_rate_limited_total", "Total rate-limited requests", r.rateLimited.Load())
	counter("vpsd_provisions_total", "Total successful unit provisions", r.provisions.Load())
	counter("vpsd_provision_failures_total", "Total failed unit allocations", r.provisionFails.Load())
	counter("vpsd_expiries_total", "Total units force-expired", r.expiries.Load())
	counter("vpsd_renewals_total", "Total unit renewals", r.renewals.Load())
	counter("vpsd_removals_total", "Total unit removals", r.removals.Load())
	counter("vpsd_giveaways_ended_total", "Total giveaways swept to ended", r.giveawaysEnded.Load())

	fmt.Fprintln(&b, "# HELP vpsd_units_active Units in active status")
	fmt.Fprintln(&b, "# TYPE vpsd_units_active gauge")
	fmt.Fprintf(&b, "vpsd_units_active %d\n", r.unitsActive.Load())

	r.mu.RLock()
	keys := make([]string, 0, len(r.pathCount))
	for k := range r.pathCount {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	latencyBounds := make([]float64, 0, len(r.latencyBuckets))
	for bound := range r.latencyBuckets {
		latencyBounds = append(latencyBounds, bound)
	}
	sort.Float64s(latencyBounds)

	fmt.Fprintln(&b, "# HELP vpsd_requests_by_path_total Requests by path")
	fmt.Fprintln(&b, "# TYPE vpsd_requests_by_path_total counter")
	for _, k := range keys {
		fmt.Fprintf(&b, "vpsd_requests_by_path_total{path=%q} %d\n", k, r.pathCount[k])
	}

	fmt.Fprintln(&b, "# HELP vpsd_request_duration_seconds Request duration histogram")
	fmt.Fprintln(&b, "# TYPE vpsd_request_duration_seconds histogram")
	cumulative := uint64(0)
	for _, bound := range latencyBounds {
		cumulative += r.latencyBuckets[bound]
		fmt.Fprintf(&b, "vpsd_request_duration_seconds_bucket{le=%q} %d\n", trimFloat(bound), cumulative)
	}
	fmt.Fprintf(&b, "vpsd_request_duration_seconds_bucket{le=\"+Inf\"} %d\n", cumulative+r.latencyInf)
	fmt.Fprintf(&b, "vpsd_request_duration_seconds_count %d\n", cumulative+r.latencyInf)
	r.mu.RUnlock()
	return b.String()
}

func trimFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", v), "0"), ".")
}
