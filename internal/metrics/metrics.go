package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for HTTP requests and the grading
// lifecycle. This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	pollTicks       = make(map[string]int64)
	statusCoercions int64

	submissions = make(map[string]int64)
	cancels     = make(map[string]int64)
	recoveries  = make(map[string]int64)

	retentionRunsDeleted = make(map[string]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordPoll counts one poll-loop tick by outcome (progress, completed,
// failed, cancelled, orphaned, timeout, transport_retry).
func RecordPoll(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	pollTicks[outcome]++
}

// RecordStatusCoercion counts polls where the engine reported a
// non-terminal status with every unit already processed. A growing
// value on a healthy engine means the workaround is load-bearing.
func RecordStatusCoercion() {
	mu.Lock()
	defer mu.Unlock()
	statusCoercions++
}

// RecordSubmission counts submission attempts by outcome (accepted,
// rejected, conflict, engine_error).
func RecordSubmission(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	submissions[outcome]++
}

// RecordCancel counts cancel requests by outcome (requested,
// engine_failed).
func RecordCancel(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	cancels[outcome]++
}

// RecordRecovery counts recovery attach results by outcome (live,
// reattached, wizard_only, clean, discarded, error).
func RecordRecovery(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	recoveries[outcome]++
}

// RecordRetentionRuns increments the counter of journal rows deleted by
// TTL for a given run outcome.
func RecordRetentionRuns(outcome string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionRunsDeleted[outcome] += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP saiten_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE saiten_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "saiten_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP saiten_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE saiten_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP saiten_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE saiten_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "saiten_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, sum)
		fmt.Fprintf(&b, "saiten_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, cnt)
	}

	// Poll loop metrics
	b.WriteString("# HELP saiten_poll_ticks_total Total poll-loop ticks by outcome\n")
	b.WriteString("# TYPE saiten_poll_ticks_total counter\n")

	writeLabelledCounter(&b, "saiten_poll_ticks_total", "outcome", pollTicks)

	b.WriteString("# HELP saiten_poll_status_coercions_total Polls where a finished job still reported a non-terminal status\n")
	b.WriteString("# TYPE saiten_poll_status_coercions_total counter\n")
	fmt.Fprintf(&b, "saiten_poll_status_coercions_total %d\n", statusCoercions)

	// Lifecycle metrics
	b.WriteString("# HELP saiten_grading_submissions_total Total grading submissions by outcome\n")
	b.WriteString("# TYPE saiten_grading_submissions_total counter\n")
	writeLabelledCounter(&b, "saiten_grading_submissions_total", "outcome", submissions)

	b.WriteString("# HELP saiten_grading_cancels_total Total grading cancel requests by outcome\n")
	b.WriteString("# TYPE saiten_grading_cancels_total counter\n")
	writeLabelledCounter(&b, "saiten_grading_cancels_total", "outcome", cancels)

	b.WriteString("# HELP saiten_session_recoveries_total Total session recovery attaches by outcome\n")
	b.WriteString("# TYPE saiten_session_recoveries_total counter\n")
	writeLabelledCounter(&b, "saiten_session_recoveries_total", "outcome", recoveries)

	// Retention metrics
	b.WriteString("# HELP saiten_retention_runs_deleted_total Total journal runs deleted by TTL\n")
	b.WriteString("# TYPE saiten_retention_runs_deleted_total counter\n")
	writeLabelledCounter(&b, "saiten_retention_runs_deleted_total", "outcome", retentionRunsDeleted)

	return b.String()
}

func writeLabelledCounter(b *strings.Builder, name, label string, values map[string]int64) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s{%s=\"%s\"} %d\n", name, label, k, values[k])
	}
}
