package sessionizer

import (
	"slices"
	"time"

	"Go2NetSession/internal/model"
)

// Split partitions the timestamps of one peer pair into sessions.
//
// The timestamps may be in any order; Split sorts a copy and scans it once.
// A run is closed when the gap to the next timestamp is strictly greater than
// idle, so equal timestamps never close a run. The last run is always emitted.
func Split(key model.PeerPairKey, timestamps []time.Time, idle time.Duration) []model.Session {
	if len(timestamps) == 0 {
		return nil
	}

	sorted := slices.Clone(timestamps)
	slices.SortStableFunc(sorted, func(a, b time.Time) int { return a.Compare(b) })

	var sessions []model.Session
	start, last := sorted[0], sorted[0]
	count := 1

	for _, ts := range sorted[1:] {
		if ts.Sub(last) > idle {
			sessions = append(sessions, newSession(key, start, last, count))
			start, count = ts, 0
		}
		last = ts
		count++
	}

	return append(sessions, newSession(key, start, last, count))
}

func newSession(key model.PeerPairKey, start, end time.Time, count int) model.Session {
	return model.Session{
		PeerA:       key.Low,
		PeerB:       key.High,
		StartTime:   start,
		EndTime:     end,
		RecordCount: count,
	}
}
