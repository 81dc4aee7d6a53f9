package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// TranscodeJobLabel identifies a transcode lifecycle counter by terminal or
// intermediate outcome.
type TranscodeJobLabel struct {
	Outcome string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// transcode job lifecycle events, and queue activity. It coordinates
// concurrent writers via a RWMutex while exposing a thread-safe gauge for
// in-flight transcode tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	transcodeEvents map[TranscodeJobLabel]uint64
	queueEvents     map[string]uint64
	activeJobs      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		transcodeEvents: make(map[TranscodeJobLabel]uint64),
		queueEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// TranscodeJobStarted records a job claim and increments the in-flight gauge.
func (r *Recorder) TranscodeJobStarted() {
	r.recordTranscodeEvent("started")
	r.activeJobs.Add(1)
}

// TranscodeJobCompleted records a successful job and decrements the in-flight
// gauge, guarding against negative counts when concurrent updates race.
func (r *Recorder) TranscodeJobCompleted() {
	r.recordTranscodeEvent("completed")
	r.decrementGauge(&r.activeJobs)
}

// TranscodeJobFailed records a failed delivery attempt and decrements the
// in-flight gauge.
func (r *Recorder) TranscodeJobFailed() {
	r.recordTranscodeEvent("failed")
	r.decrementGauge(&r.activeJobs)
}

// TranscodeJobExhausted records a job whose retry budget ran out.
func (r *Recorder) TranscodeJobExhausted() {
	r.recordTranscodeEvent("exhausted")
}

func (r *Recorder) recordTranscodeEvent(outcome string) {
	label := TranscodeJobLabel{Outcome: outcome}
	r.mu.Lock()
	r.transcodeEvents[label]++
	r.mu.Unlock()
}

// ObserveQueueEvent accumulates queue activity counters such as enqueued,
// enqueue_failed, and redelivered.
func (r *Recorder) ObserveQueueEvent(event string) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		return
	}
	r.mu.Lock()
	r.queueEvents[normalized]++
	r.mu.Unlock()
}

// ActiveTranscodeJobs exposes the current in-flight transcode gauge.
func (r *Recorder) ActiveTranscodeJobs() int64 {
	return r.activeJobs.Load()
}

// TranscodeJobCounts returns copies of transcode job event counters and the
// current active job gauge value.
func (r *Recorder) TranscodeJobCounts() (events map[TranscodeJobLabel]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[TranscodeJobLabel]uint64, len(r.transcodeEvents))
	for k, v := range r.transcodeEvents {
		events[k] = v
	}
	return events, r.activeJobs.Load()
}

// QueueEventCounts returns a copy of the queue activity counters.
func (r *Recorder) QueueEventCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.queueEvents))
	for k, v := range r.queueEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.transcodeEvents = make(map[TranscodeJobLabel]uint64)
	r.queueEvents = make(map[string]uint64)
	r.activeJobs.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	transcodeLabels := r.sortedTranscodeJobLabels()
	queueEvents := r.sortedQueueEvents()

	fmt.Fprintln(w, "# HELP lectern_http_requests_total Total number of HTTP requests processed by the API")
	fmt.Fprintln(w, "# TYPE lectern_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "lectern_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP lectern_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE lectern_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "lectern_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP lectern_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE lectern_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "lectern_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP lectern_transcode_jobs_total Transcode job lifecycle events by outcome")
	fmt.Fprintln(w, "# TYPE lectern_transcode_jobs_total counter")
	for _, label := range transcodeLabels {
		value := r.transcodeEvents[label]
		fmt.Fprintf(w, "lectern_transcode_jobs_total{outcome=\"%s\"} %d\n", label.Outcome, value)
	}

	fmt.Fprintln(w, "# HELP lectern_active_transcode_jobs Current number of transcode jobs in flight")
	fmt.Fprintln(w, "# TYPE lectern_active_transcode_jobs gauge")
	fmt.Fprintf(w, "lectern_active_transcode_jobs %d\n", r.activeJobs.Load())

	fmt.Fprintln(w, "# HELP lectern_queue_events_total Job queue activity by event")
	fmt.Fprintln(w, "# TYPE lectern_queue_events_total counter")
	for _, event := range queueEvents {
		value := r.queueEvents[event]
		fmt.Fprintf(w, "lectern_queue_events_total{event=\"%s\"} %d\n", event, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedTranscodeJobLabels() []TranscodeJobLabel {
	labels := make([]TranscodeJobLabel, 0, len(r.transcodeEvents))
	for label := range r.transcodeEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		return labels[i].Outcome < labels[j].Outcome
	})
	return labels
}

func (r *Recorder) sortedQueueEvents() []string {
	events := make([]string, 0, len(r.queueEvents))
	for event := range r.queueEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}
