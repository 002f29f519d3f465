package emit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

// Header is the column order of the session report.
var Header = []string{"peer_a", "peer_b", "start_time", "end_time", "duration_sec"}

// Emit converts a session into its output row.
func Emit(s model.Session) model.SessionRecord {
	d := s.Duration()
	if d < 0 {
		d = 0
	}
	return model.SessionRecord{
		PeerA:       s.PeerA,
		PeerB:       s.PeerB,
		StartTime:   FormatTime(s.StartTime),
		EndTime:     FormatTime(s.EndTime),
		DurationSec: d.Seconds(),
	}
}

// FormatTime renders t as RFC 3339 with trailing zero fractional digits
// dropped, keeping the location t carries.
func FormatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// FormatSeconds renders a duration in seconds with at least one decimal
// place, e.g. "10.0" or "0.25".
func FormatSeconds(sec float64) string {
	s := strconv.FormatFloat(sec, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Row flattens a record into CSV fields in Header order.
func Row(rec model.SessionRecord) []string {
	return []string{rec.PeerA, rec.PeerB, rec.StartTime, rec.EndTime, FormatSeconds(rec.DurationSec)}
}

// Fanout hands the same sessions to every writer, in order. A failing writer
// does not stop the others; all failures are joined into the returned error.
func Fanout(writers []model.Writer, sessions []model.Session, log logrus.FieldLogger, m *metrics.Metrics) error {
	if len(sessions) == 0 {
		return nil
	}
	var errs []error
	for _, w := range writers {
		if err := w.Write(sessions); err != nil {
			m.WriterError(w.Name())
			log.WithField("writer", w.Name()).Errorf("Failed to write %d sessions: %v", len(sessions), err)
			errs = append(errs, fmt.Errorf("writer %s: %w", w.Name(), err))
			continue
		}
		m.SessionsEmitted(w.Name(), len(sessions))
	}
	return errors.Join(errs...)
}

// CloseAll closes every writer and joins their errors.
func CloseAll(writers []model.Writer) error {
	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing writer %s: %w", w.Name(), err))
		}
	}
	return errors.Join(errs...)
}
