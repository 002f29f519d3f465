package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

// Column names of the flow-record CSV.
const (
	ColumnTimestamp = "timestamp"
	ColumnSrc       = "src_ip"
	ColumnDst       = "dst_ip"
)

// Header is the column order written by the parse command.
var Header = []string{ColumnTimestamp, ColumnSrc, ColumnDst}

var (
	// ErrMissingColumn is fatal: the header lacks a required column.
	ErrMissingColumn = errors.New("missing required column")

	// Row-level errors. The row is skipped and processing continues.
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrBadTimestamp     = errors.New("unparseable timestamp")
	ErrMissingAddress   = errors.New("missing address")
	ErrShortRow         = errors.New("row has fewer fields than the header requires")
	ErrMalformedRow     = errors.New("malformed csv row")
)

// Reason maps a row error onto the short label used in logs, reports and metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingTimestamp):
		return "missing_timestamp"
	case errors.Is(err, ErrBadTimestamp):
		return "bad_timestamp"
	case errors.Is(err, ErrMissingAddress):
		return "missing_address"
	case errors.Is(err, ErrShortRow):
		return "short_row"
	case errors.Is(err, ErrMalformedRow):
		return "malformed_row"
	}
	return "other"
}

// Entry is one data row: either a valid Record or a row-level Err.
// Line is the 1-based line number of the row in the input.
type Entry struct {
	Record model.FlowRecord
	Line   int
	Err    error
}

// Reader decodes flow records from CSV with a header row naming at least
// timestamp, src_ip and dst_ip. Extra columns are ignored.
type Reader struct {
	csv   *csv.Reader
	idx   map[string]int
	width int
	empty bool
}

// NewReader reads the header from r. An input with no header at all is
// treated as empty; a header without a required column is ErrMissingColumn.
func NewReader(r io.Reader) (*Reader, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return &Reader{csv: cr, empty: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}

	width := 0
	for _, col := range Header {
		i, ok := idx[col]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
		if i+1 > width {
			width = i + 1
		}
	}
	return &Reader{csv: cr, idx: idx, width: width}, nil
}

// Next returns the next data row. It returns io.EOF when the input is
// exhausted and a non-nil error only for I/O failures; bad rows come back as
// an Entry with Err set.
func (r *Reader) Next() (Entry, error) {
	if r.empty {
		return Entry{}, io.EOF
	}

	row, err := r.csv.Read()
	if err == io.EOF {
		return Entry{}, io.EOF
	}
	if err != nil {
		var pe *csv.ParseError
		if errors.As(err, &pe) {
			return Entry{Line: pe.StartLine, Err: fmt.Errorf("%w: %v", ErrMalformedRow, pe.Err)}, nil
		}
		return Entry{}, err
	}
	line, _ := r.csv.FieldPos(0)

	entry := Entry{Line: line}
	entry.Record, entry.Err = r.decode(row)
	return entry, nil
}

func (r *Reader) decode(row []string) (model.FlowRecord, error) {
	if len(row) < r.width {
		return model.FlowRecord{}, fmt.Errorf("%w: got %d, need %d", ErrShortRow, len(row), r.width)
	}

	tsField := strings.TrimSpace(row[r.idx[ColumnTimestamp]])
	src := strings.TrimSpace(row[r.idx[ColumnSrc]])
	dst := strings.TrimSpace(row[r.idx[ColumnDst]])

	if tsField == "" {
		return model.FlowRecord{}, ErrMissingTimestamp
	}
	ts, err := ParseTimestamp(tsField)
	if err != nil {
		return model.FlowRecord{}, err
	}
	if src == "" || dst == "" {
		return model.FlowRecord{}, ErrMissingAddress
	}
	return model.FlowRecord{Timestamp: ts, SrcAddr: src, DstAddr: dst}, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTimestamp accepts ISO-8601 date-times with or without a zone offset and
// with 'T' or a space as separator. Times without a zone are taken as UTC.
// Bare numbers are read as Unix epoch seconds.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil && secs >= 0 && secs < 1<<33 {
		whole := int64(secs)
		nanos := int64((secs - float64(whole)) * 1e9)
		return time.Unix(whole, nanos).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// Stats summarizes one pass over the input.
type Stats struct {
	Rows    int
	Valid   int
	Skipped map[string]int
}

// SkippedTotal is the number of rows dropped for any reason.
func (s Stats) SkippedTotal() int {
	n := 0
	for _, c := range s.Skipped {
		n += c
	}
	return n
}

// ReadAll drains r, handing each valid record to fn. Bad rows are logged with
// their line number, counted and skipped. It stops early with ctx.Err() when
// ctx is cancelled; the stats then cover what was read.
func ReadAll(ctx context.Context, r *Reader, fn func(model.FlowRecord), log logrus.FieldLogger, m *metrics.Metrics) (Stats, error) {
	stats := Stats{Skipped: make(map[string]int)}
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, err := r.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read input: %w", err)
		}
		stats.Rows++

		if entry.Err != nil {
			reason := Reason(entry.Err)
			stats.Skipped[reason]++
			m.RecordSkipped(reason)
			log.WithFields(logrus.Fields{"line": entry.Line, "reason": reason}).Warnf("Skipping row: %v", entry.Err)
			continue
		}
		stats.Valid++
		m.RecordIngested()
		fn(entry.Record)
	}
}

// File is a Reader over an opened file.
type File struct {
	*Reader
	f *os.File
}

// Open opens path and reads its header. The file is closed again if the
// header is unusable.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("input %s: %w", path, err)
	}
	return &File{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	return f.f.Close()
}

// FlowWriter writes flow records in the format Reader consumes.
type FlowWriter struct {
	w *csv.Writer
	n int
}

// NewFlowWriter writes the header row to w.
func NewFlowWriter(w io.Writer) (*FlowWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return nil, err
	}
	return &FlowWriter{w: cw}, nil
}

// Write appends one record. Timestamps are written as RFC 3339 with
// nanoseconds so they read back unchanged.
func (fw *FlowWriter) Write(rec model.FlowRecord) error {
	fw.n++
	return fw.w.Write([]string{rec.Timestamp.Format(time.RFC3339Nano), rec.SrcAddr, rec.DstAddr})
}

// Count is the number of records written.
func (fw *FlowWriter) Count() int {
	return fw.n
}

// Flush flushes buffered rows to the underlying writer.
func (fw *FlowWriter) Flush() error {
	fw.w.Flush()
	return fw.w.Error()
}
