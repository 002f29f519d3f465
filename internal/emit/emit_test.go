package emit

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func session(peerA, peerB string, startSec, endSec float64, count int) model.Session {
	return model.Session{
		PeerA:       peerA,
		PeerB:       peerB,
		StartTime:   t0.Add(time.Duration(startSec * float64(time.Second))),
		EndTime:     t0.Add(time.Duration(endSec * float64(time.Second))),
		RecordCount: count,
	}
}

func TestEmit(t *testing.T) {
	rec := Emit(session("10.0.0.1", "10.0.0.2", 200, 210, 2))
	want := model.SessionRecord{
		PeerA:       "10.0.0.1",
		PeerB:       "10.0.0.2",
		StartTime:   "2024-03-01T12:03:20Z",
		EndTime:     "2024-03-01T12:03:30Z",
		DurationSec: 10,
	}
	if rec != want {
		t.Errorf("Emit() = %+v, want %+v", rec, want)
	}
}

func TestEmitKeepsLocation(t *testing.T) {
	zone := time.FixedZone("", 2*3600)
	s := model.Session{
		PeerA:     "a",
		PeerB:     "b",
		StartTime: time.Date(2024, 3, 1, 14, 0, 0, 500000000, zone),
		EndTime:   time.Date(2024, 3, 1, 14, 0, 1, 0, zone),
	}
	rec := Emit(s)
	if rec.StartTime != "2024-03-01T14:00:00.5+02:00" {
		t.Errorf("Unexpected start time %q", rec.StartTime)
	}
	if rec.DurationSec != 0.5 {
		t.Errorf("Unexpected duration %v", rec.DurationSec)
	}
}

func TestFormatSeconds(t *testing.T) {
	cases := map[float64]string{
		0:      "0.0",
		10:     "10.0",
		0.5:    "0.5",
		50:     "50.0",
		1.25:   "1.25",
		3600.0: "3600.0",
	}
	for in, want := range cases {
		if got := FormatSeconds(in); got != want {
			t.Errorf("FormatSeconds(%v) = %q, want %q", in, got, want)
		}
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestCSVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "reports", "sessions.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter failed: %v", err)
	}
	sessions := []model.Session{
		session("A", "B", 0, 10, 2),
		session("A", "B", 200, 210, 2),
		session("A", "A", 5, 5, 1),
	}
	if err := w.Write(sessions[:2]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Write(sessions[2:]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	want := [][]string{
		Header,
		{"A", "B", "2024-03-01T12:00:00Z", "2024-03-01T12:00:10Z", "10.0"},
		{"A", "B", "2024-03-01T12:03:20Z", "2024-03-01T12:03:30Z", "10.0"},
		{"A", "A", "2024-03-01T12:00:05Z", "2024-03-01T12:00:05Z", "0.0"},
	}
	if got := readCSV(t, path); !reflect.DeepEqual(got, want) {
		t.Errorf("Report = %v\nwant %v", got, want)
	}
}

func TestCSVWriterEmptyRunHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.csv")
	w, err := NewCSVWriter(path)
	if err != nil {
		t.Fatalf("NewCSVWriter failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != strings.Join(Header, ",")+"\n" {
		t.Errorf("Expected header only, got %q", data)
	}
}

func TestInsertStatement(t *testing.T) {
	pg := insertStatement("postgres", "peer_sessions")
	if !strings.Contains(pg, "VALUES ($1, $2, $3, $4, $5, $6, $7)") {
		t.Errorf("Unexpected postgres statement %q", pg)
	}
	my := insertStatement("mysql", "peer_sessions")
	if !strings.Contains(my, "VALUES (?, ?, ?, ?, ?, ?, ?)") {
		t.Errorf("Unexpected mysql statement %q", my)
	}
}

func TestSQLWriterSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "sessions.db")
	logger, _ := test.NewNullLogger()
	runID := uuid.New()

	w, err := NewSQLWriter(config.SQLConfig{Driver: "sqlite3", DSN: dsn, Table: "peer_sessions", BatchSize: 2}, runID, logger)
	if err != nil {
		t.Fatalf("NewSQLWriter failed: %v", err)
	}
	sessions := []model.Session{
		session("A", "B", 0, 10, 2),
		session("A", "B", 200, 210, 2),
		session("C", "D", 0, 0, 1),
	}
	if err := w.Write(sessions); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	rows, err := db.Query("SELECT run_id, peer_a, peer_b, start_time, duration_sec, record_count FROM peer_sessions ORDER BY rowid")
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id, a, b, start string
		var dur float64
		var count int64
		if err := rows.Scan(&id, &a, &b, &start, &dur, &count); err != nil {
			t.Fatal(err)
		}
		want := Emit(sessions[n])
		if id != runID.String() || a != want.PeerA || b != want.PeerB || start != want.StartTime || dur != want.DurationSec || count != int64(sessions[n].RecordCount) {
			t.Errorf("Row %d mismatch: %s %s %s %s %v %d", n, id, a, b, start, dur, count)
		}
		n++
	}
	if n != len(sessions) {
		t.Errorf("Expected %d rows, got %d", len(sessions), n)
	}
}

func TestNewSQLWriterRejectsBadConfig(t *testing.T) {
	logger, _ := test.NewNullLogger()
	if _, err := NewSQLWriter(config.SQLConfig{Driver: "oracle", Table: "t"}, uuid.New(), logger); err == nil {
		t.Error("Expected error for unsupported driver")
	}
	if _, err := NewSQLWriter(config.SQLConfig{Driver: "sqlite3", Table: "t; DROP TABLE x"}, uuid.New(), logger); err == nil {
		t.Error("Expected error for bad table name")
	}
}

func TestEncodeSessionJSON(t *testing.T) {
	runID := uuid.MustParse("0b8f3a52-37a1-4f0e-9a53-1d2f7a6c0e11")
	body, err := encodeSessionJSON(runID, session("A", "B", 0, 10, 3))
	if err != nil {
		t.Fatalf("encodeSessionJSON failed: %v", err)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	want := map[string]interface{}{
		"run_id":       runID.String(),
		"peer_a":       "A",
		"peer_b":       "B",
		"start_time":   "2024-03-01T12:00:00Z",
		"end_time":     "2024-03-01T12:00:10Z",
		"duration_sec": 10.0,
		"record_count": 3.0,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("JSON body = %v, want %v", got, want)
	}
}

func TestSessionProtoCodec(t *testing.T) {
	s := session("A", "B", 1.5, 4, 2)
	data, err := encodeSessionProto(uuid.New(), s)
	if err != nil {
		t.Fatalf("encodeSessionProto failed: %v", err)
	}
	got, err := decodeSessionProto(data)
	if err != nil {
		t.Fatalf("decodeSessionProto failed: %v", err)
	}
	if got != Emit(s) {
		t.Errorf("Decoded %+v, want %+v", got, Emit(s))
	}
}

type fakeWriter struct {
	name    string
	fail    bool
	written []model.Session
	closed  bool
}

func (f *fakeWriter) Name() string { return f.name }

func (f *fakeWriter) Write(sessions []model.Session) error {
	if f.fail {
		return errors.New("boom")
	}
	f.written = append(f.written, sessions...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestFanout(t *testing.T) {
	good := &fakeWriter{name: "good"}
	bad := &fakeWriter{name: "bad", fail: true}
	other := &fakeWriter{name: "other"}
	m := metrics.New()
	logger, hook := test.NewNullLogger()

	sessions := []model.Session{session("A", "B", 0, 1, 2)}
	err := Fanout([]model.Writer{good, bad, other}, sessions, logger, m)
	if err == nil || !strings.Contains(err.Error(), "writer bad") {
		t.Fatalf("Expected joined writer error, got %v", err)
	}
	if len(good.written) != 1 || len(other.written) != 1 {
		t.Error("A failing writer must not stop the others")
	}
	if len(hook.Entries) != 1 {
		t.Errorf("Expected one error log, got %d", len(hook.Entries))
	}

	if err := CloseAll([]model.Writer{good, bad, other}); err != nil {
		t.Errorf("CloseAll failed: %v", err)
	}
	if !good.closed || !bad.closed || !other.closed {
		t.Error("Expected every writer closed")
	}

	expected := `
# HELP ns_sessions_emitted_total Sessions handed to a writer.
# TYPE ns_sessions_emitted_total counter
ns_sessions_emitted_total{writer="good"} 1
ns_sessions_emitted_total{writer="other"} 1
# HELP ns_writer_errors_total Failed writer calls.
# TYPE ns_writer_errors_total counter
ns_writer_errors_total{writer="bad"} 1
`
	if err := testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "ns_sessions_emitted_total", "ns_writer_errors_total"); err != nil {
		t.Error(err)
	}
}
