package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector(t *testing.T) {
	c := New()

	c.ObservePipeline("DRAFT", 120*time.Millisecond)
	c.ObservePipeline("DRAFT", 80*time.Millisecond)
	c.ObservePipeline("ERROR", time.Millisecond)
	c.ObserveValidation(true)
	c.ObserveValidation(false)
	c.ObserveValidation(false)
	c.ObserveGeneration(time.Second, "timeout")
	c.ObserveGeneration(time.Second, "")
	c.ObserveHallucination()
	c.ObserveBatch()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"RequestsDraft", testutil.ToFloat64(c.Requests.WithLabelValues("DRAFT")), 2},
		{"RequestsError", testutil.ToFloat64(c.Requests.WithLabelValues("ERROR")), 1},
		{"ValidationPassed", testutil.ToFloat64(c.Validations.WithLabelValues("passed")), 1},
		{"ValidationFailed", testutil.ToFloat64(c.Validations.WithLabelValues("failed")), 2},
		{"FallbackTimeout", testutil.ToFloat64(c.GenerationFallbacks.WithLabelValues("timeout")), 1},
		{"Hallucinations", testutil.ToFloat64(c.HallucinationRejections), 1},
		{"Batches", testutil.ToFloat64(c.BatchRequests), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}

	if n := testutil.CollectAndCount(c.PipelineDuration); n != 1 {
		t.Errorf("expected one pipeline histogram, got %d", n)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObservePipeline("DRAFT", time.Second)
	c.ObserveValidation(true)
	c.ObserveGeneration(time.Second, "timeout")
	c.ObserveHallucination()
	c.ObserveBatch()
}

func TestHandler(t *testing.T) {
	c := New()
	c.ObserveBatch()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, name := range []string{"sarflow_batch_requests_total 1", "sarflow_hallucination_rejections_total 0"} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
