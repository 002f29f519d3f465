package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.RecordIngested()
	m.RecordIngested()
	m.RecordSkipped("bad_timestamp")
	m.SessionsEmitted("csv", 3)
	m.SessionsEmitted("csv", 0)
	m.WriterError("sql")
	m.AddOpenRuns(4)
	m.AddOpenRuns(-1)
	m.LateRecord()

	if got := testutil.ToFloat64(m.recordsIngested); got != 2 {
		t.Errorf("Expected 2 ingested, got %v", got)
	}
	if got := testutil.ToFloat64(m.recordsSkipped.WithLabelValues("bad_timestamp")); got != 1 {
		t.Errorf("Expected 1 skipped, got %v", got)
	}
	if got := testutil.ToFloat64(m.sessionsEmitted.WithLabelValues("csv")); got != 3 {
		t.Errorf("Expected 3 emitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.writerErrors.WithLabelValues("sql")); got != 1 {
		t.Errorf("Expected 1 writer error, got %v", got)
	}
	if got := testutil.ToFloat64(m.openRuns); got != 3 {
		t.Errorf("Expected 3 open runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.lateRecords); got != 1 {
		t.Errorf("Expected 1 late record, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordIngested()
	m.RecordSkipped("x")
	m.SessionsEmitted("csv", 1)
	m.WriterError("csv")
	m.AddOpenRuns(1)
	m.LateRecord()
	if m.Registry() != nil {
		t.Error("Expected nil registry on nil metrics")
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordIngested()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "ns_records_ingested_total 1") {
		t.Errorf("Expected ns_records_ingested_total in exposition, got:\n%s", body)
	}
}
