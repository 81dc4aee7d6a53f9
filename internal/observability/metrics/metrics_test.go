package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecorderTranscodeLifecycle(t *testing.T) {
	rec := New()
	rec.TranscodeJobStarted()
	if got := rec.ActiveTranscodeJobs(); got != 1 {
		t.Fatalf("active jobs = %d, want 1", got)
	}
	rec.TranscodeJobCompleted()
	if got := rec.ActiveTranscodeJobs(); got != 0 {
		t.Fatalf("active jobs after completion = %d, want 0", got)
	}
	rec.TranscodeJobStarted()
	rec.TranscodeJobFailed()
	rec.TranscodeJobExhausted()

	events, active := rec.TranscodeJobCounts()
	if active != 0 {
		t.Fatalf("active gauge = %d, want 0", active)
	}
	expect := map[string]uint64{"started": 2, "completed": 1, "failed": 1, "exhausted": 1}
	for outcome, want := range expect {
		if got := events[TranscodeJobLabel{Outcome: outcome}]; got != want {
			t.Errorf("outcome %q count = %d, want %d", outcome, got, want)
		}
	}
}

func TestRecorderGaugeNeverNegative(t *testing.T) {
	rec := New()
	rec.TranscodeJobCompleted()
	rec.TranscodeJobFailed()
	if got := rec.ActiveTranscodeJobs(); got != 0 {
		t.Fatalf("gauge = %d, want 0", got)
	}
}

func TestRecorderWriteOutput(t *testing.T) {
	rec := New()
	rec.ObserveRequest("get", "/media/manifest/lesson-12345678", 200, 25*time.Millisecond)
	rec.ObserveQueueEvent("enqueued")
	rec.ObserveQueueEvent("enqueue_failed")
	rec.TranscodeJobStarted()

	var sb strings.Builder
	rec.Write(&sb)
	out := sb.String()
	for _, want := range []string{
		"lectern_http_requests_total{method=\"GET\"",
		"status=\"200\"} 1",
		"lectern_queue_events_total{event=\"enqueue_failed\"} 1",
		"lectern_queue_events_total{event=\"enqueued\"} 1",
		"lectern_active_transcode_jobs 1",
		"lectern_transcode_jobs_total{outcome=\"started\"} 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q\n%s", want, out)
		}
	}
	if strings.Contains(out, "lesson-12345678") {
		t.Errorf("identifier path segment was not normalized:\n%s", out)
	}
}

func TestHandlerContentType(t *testing.T) {
	rec := New()
	req := httptest.NewRequest("GET", "/metrics", nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, req)
	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("content type = %q", got)
	}
}

func TestNormalizePath(t *testing.T) {
	cases := map[string]string{
		"":                      "/",
		"/":                     "/",
		"/healthz":              "/healthz",
		"/media/key/abc123def4": "/media/key/:id",
		"/api/assets/42/file1":  "/api/assets/42/file1",
	}
	for in, want := range cases {
		if got := normalizePath(in); got != want {
			t.Errorf("normalizePath(%q) = %q, want %q", in, got, want)
		}
	}
}
