package sessionizer

import (
	"errors"
	"slices"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

// EmitFunc receives every session the Streamer closes.
type EmitFunc func(model.Session)

// StreamerOptions configures a Streamer.
type StreamerOptions struct {
	// IdleTimeout is the gap threshold. Required.
	IdleTimeout time.Duration
	// MaxIdle force-closes runs that saw no record for this long on the wall
	// clock. Zero disables the ceiling.
	MaxIdle time.Duration
	// WatermarkSweep lets Sweep close runs by event time: a run whose last
	// record is more than IdleTimeout+AllowedLateness behind the newest
	// timestamp seen on any pair. Only correct when records arrive in time
	// order across all pairs, give or take AllowedLateness.
	WatermarkSweep  bool
	AllowedLateness time.Duration
	// MaxOpenRuns bounds memory; the least recently touched run is closed
	// when a new peer pair would exceed it. Required.
	MaxOpenRuns int
	// Now is the wall clock. Defaults to time.Now.
	Now     func() time.Time
	Metrics *metrics.Metrics
}

// run is the open accumulation state of one peer pair.
type run struct {
	start   time.Time
	last    time.Time
	count   int
	touched time.Time
}

// Streamer sessionizes records one at a time, keeping only the open run of
// each active peer pair. Observe and Flush are exact for input that is
// chronological per peer pair. Sweep may close a run early: with
// WatermarkSweep the input must also be ordered across pairs, and a MaxIdle
// ceiling splits any pair that is silent that long on the wall clock.
// A Streamer is not safe for concurrent use; give each goroutine its own.
type Streamer struct {
	idle    time.Duration
	maxIdle time.Duration
	horizon time.Duration // zero when event-time closing is off
	now     func() time.Time
	emit    EmitFunc
	metrics *metrics.Metrics

	runs      *simplelru.LRU[model.PeerPairKey, *run]
	watermark time.Time
	late      int
}

// NewStreamer creates a Streamer that hands closed sessions to emit.
func NewStreamer(opts StreamerOptions, emit EmitFunc) (*Streamer, error) {
	if opts.IdleTimeout <= 0 {
		return nil, errors.New("streamer: idle timeout must be positive")
	}
	if opts.MaxOpenRuns <= 0 {
		return nil, errors.New("streamer: max open runs must be positive")
	}
	if emit == nil {
		return nil, errors.New("streamer: emit func is required")
	}
	if opts.MaxIdle < 0 || opts.AllowedLateness < 0 {
		return nil, errors.New("streamer: max idle and allowed lateness must not be negative")
	}

	s := &Streamer{
		idle:    opts.IdleTimeout,
		maxIdle: opts.MaxIdle,
		now:     opts.Now,
		emit:    emit,
		metrics: opts.Metrics,
	}
	if opts.WatermarkSweep {
		s.horizon = opts.IdleTimeout + opts.AllowedLateness
	}
	if s.now == nil {
		s.now = time.Now
	}

	// Every path that drops a run (capacity eviction, Remove) ends here.
	runs, err := simplelru.NewLRU[model.PeerPairKey, *run](opts.MaxOpenRuns, func(key model.PeerPairKey, r *run) {
		s.emit(newSession(key, r.start, r.last, r.count))
		s.metrics.AddOpenRuns(-1)
	})
	if err != nil {
		return nil, err
	}
	s.runs = runs
	return s, nil
}

// Observe feeds one record into the peer pair's open run.
//
// A record further than the idle timeout past the run's last timestamp closes
// the run and opens a new one. A record that arrives late but within the idle
// timeout of the run's start is merged into the run. Anything older cannot be
// merged without reopening emitted sessions, so it is emitted on its own and
// counted as late.
func (s *Streamer) Observe(rec model.FlowRecord) {
	key := Normalize(rec.SrcAddr, rec.DstAddr)
	ts := rec.Timestamp
	s.Advance(ts)
	now := s.now()

	r, ok := s.runs.Get(key)
	if !ok {
		s.runs.Add(key, &run{start: ts, last: ts, count: 1, touched: now})
		s.metrics.AddOpenRuns(1)
		return
	}
	r.touched = now

	switch {
	case ts.Sub(r.last) > s.idle:
		s.emit(newSession(key, r.start, r.last, r.count))
		r.start, r.last, r.count = ts, ts, 1
	case !ts.Before(r.start):
		if ts.After(r.last) {
			r.last = ts
		}
		r.count++
	case r.start.Sub(ts) <= s.idle:
		r.start = ts
		r.count++
	default:
		s.late++
		s.metrics.LateRecord()
		s.emit(newSession(key, ts, ts, 1))
	}
}

// Advance raises the watermark to ts. It lets a caller that sees more of the
// stream than this Streamer share its newest timestamp.
func (s *Streamer) Advance(ts time.Time) {
	if ts.After(s.watermark) {
		s.watermark = ts
	}
}

// Sweep closes runs untouched on the wall clock for longer than MaxIdle and,
// with WatermarkSweep, runs more than IdleTimeout+AllowedLateness behind the
// watermark. Closed sessions are emitted in key order. It returns the number
// of runs closed.
func (s *Streamer) Sweep(now time.Time) int {
	if s.horizon == 0 && s.maxIdle == 0 {
		return 0
	}
	var expired []model.PeerPairKey
	for _, key := range s.runs.Keys() {
		r, ok := s.runs.Peek(key)
		if !ok {
			continue
		}
		if (s.horizon > 0 && s.watermark.Sub(r.last) > s.horizon) || (s.maxIdle > 0 && now.Sub(r.touched) > s.maxIdle) {
			expired = append(expired, key)
		}
	}
	return s.remove(expired)
}

// Flush closes every open run, in key order. It is called when input ends
// and on cancellation, so partial captures still produce closed sessions.
func (s *Streamer) Flush() int {
	return s.remove(s.runs.Keys())
}

func (s *Streamer) remove(keys []model.PeerPairKey) int {
	slices.SortFunc(keys, model.PeerPairKey.Compare)
	for _, key := range keys {
		s.runs.Remove(key)
	}
	return len(keys)
}

// Len returns the number of open runs.
func (s *Streamer) Len() int {
	return s.runs.Len()
}

// Late returns how many records arrived too late to join their run.
func (s *Streamer) Late() int {
	return s.late
}

// Now reads the Streamer's wall clock.
func (s *Streamer) Now() time.Time {
	return s.now()
}
