package manager

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/emit"
	"Go2NetSession/internal/engine/sessionizer"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
)

// Manager runs streaming sessionization. Records are routed by peer pair to
// a fixed worker, so every pair is seen by exactly one Streamer in arrival
// order. Closed sessions flow to a single emitter that fans them out to the
// writers.
type Manager struct {
	input   chan *model.FlowRecord
	shards  []chan item
	output  chan batch
	writers []model.Writer

	opts          sessionizer.StreamerOptions
	sweepInterval time.Duration
	finiteEvery   int // records between sweep markers; zero for live input

	dispatcherWg sync.WaitGroup
	workerWg     sync.WaitGroup
	emitterWg    sync.WaitGroup
	stopOnce     sync.Once

	emitted   atomic.Int64
	late      atomic.Int64
	writeErrs atomic.Int64

	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// item is what a worker receives: a record, or a sweep marker (rec == nil)
// carrying the dispatcher's watermark.
type item struct {
	rec       *model.FlowRecord
	watermark time.Time
}

// batch is what a worker closed during one epoch. Epochs end at each sweep
// marker and at the final flush.
type batch struct {
	epoch    int
	sessions []model.Session
}

var _ model.Aggregator = (*Manager)(nil)

// Stats summarizes a finished stream.
type Stats struct {
	Sessions    int64
	Late        int64
	WriteErrors int64
}

// NewManager creates a Manager from the sessionizer settings. The writers are
// owned by the caller and must be closed after Stop.
func NewManager(cfg *config.Config, writers []model.Writer, log logrus.FieldLogger, m *metrics.Metrics) (*Manager, error) {
	s := cfg.Sessionizer
	idle, err := s.IdleTimeoutDuration()
	if err != nil {
		return nil, err
	}
	maxIdle, err := s.MaxIdleDuration()
	if err != nil {
		return nil, err
	}
	lateness, err := s.AllowedLatenessDuration()
	if err != nil {
		return nil, err
	}
	sweep, err := s.SweepIntervalDuration()
	if err != nil {
		return nil, err
	}
	if s.NumWorkers <= 0 {
		return nil, fmt.Errorf("%w: num_workers must be positive, got %d", config.ErrInvalidConfig, s.NumWorkers)
	}
	if s.MaxOpenRuns <= 0 {
		return nil, fmt.Errorf("%w: max_open_runs must be positive, got %d", config.ErrInvalidConfig, s.MaxOpenRuns)
	}

	buffer := max(s.SizeOfRecordChannel, 0)
	shards := make([]chan item, s.NumWorkers)
	for i := range shards {
		shards[i] = make(chan item, buffer/s.NumWorkers+1)
	}

	return &Manager{
		input:   make(chan *model.FlowRecord, buffer),
		shards:  shards,
		output:  make(chan batch, s.NumWorkers*4),
		writers: writers,
		opts: sessionizer.StreamerOptions{
			IdleTimeout:     idle,
			MaxIdle:         maxIdle,
			WatermarkSweep:  s.WatermarkSweep,
			AllowedLateness: lateness,
			// The capacity is split evenly; pairs hash uniformly over workers.
			MaxOpenRuns: max(s.MaxOpenRuns/s.NumWorkers, 1),
			Metrics:     m,
		},
		sweepInterval: sweep,
		log:           log.WithField("component", "manager"),
		metrics:       m,
	}, nil
}

// SetClock replaces the wall clock used for the max-idle ceiling. It must be
// called before Start.
func (m *Manager) SetClock(now func() time.Time) {
	m.opts.Now = now
}

// SetFiniteInput switches the manager to replayable output for a file or
// other bounded input. Sweeps run every `every` records instead of on the
// wall clock, the max-idle ceiling is off, and each epoch's sessions reach
// the writers sorted by (PeerA, PeerB, StartTime). Re-running the same input
// then writes the same bytes. It must be called before Start.
func (m *Manager) SetFiniteInput(every int) {
	m.finiteEvery = max(every, 1)
	m.opts.MaxIdle = 0
}

// Start launches the emitter, the sessionizing workers and the dispatcher.
func (m *Manager) Start() {
	m.emitterWg.Add(1)
	go m.emitter()

	m.workerWg.Add(len(m.shards))
	for i, ch := range m.shards {
		go m.worker(i, ch)
	}

	m.dispatcherWg.Add(1)
	go m.dispatcher()

	if m.finiteEvery > 0 {
		m.log.Infof("Manager started with %d workers, idle timeout %s, sweep every %d records.", len(m.shards), m.opts.IdleTimeout, m.finiteEvery)
	} else {
		m.log.Infof("Manager started with %d workers, idle timeout %s, sweep every %s.", len(m.shards), m.opts.IdleTimeout, m.sweepInterval)
	}
}

// Input returns the channel to which flow records should be sent. Nil
// records are ignored.
func (m *Manager) Input() chan<- *model.FlowRecord {
	return m.input
}

// Stop closes the input, lets every worker flush its open runs and waits
// until the writers have received every session. It is safe to call more
// than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.log.Info("Manager stopping...")
		// 1. Stop accepting new records; the dispatcher closes the shard channels.
		close(m.input)
		m.dispatcherWg.Wait()

		// 2. Workers drain their shard and flush every open run.
		m.workerWg.Wait()

		// 3. The emitter writes what is left.
		close(m.output)
		m.emitterWg.Wait()

		st := m.Stats()
		m.log.Infof("Manager stopped. %d sessions emitted, %d late records.", st.Sessions, st.Late)
	})
}

// Stats returns the counters accumulated so far.
func (m *Manager) Stats() Stats {
	return Stats{
		Sessions:    m.emitted.Load(),
		Late:        m.late.Load(),
		WriteErrors: m.writeErrs.Load(),
	}
}

func (m *Manager) dispatcher() {
	defer m.dispatcherWg.Done()
	n := uint32(len(m.shards))
	var watermark time.Time
	seen := 0
	for rec := range m.input {
		if rec == nil {
			continue
		}
		key := sessionizer.Normalize(rec.SrcAddr, rec.DstAddr)
		m.shards[sessionizer.ShardIndex(key, n)] <- item{rec: rec}

		if m.finiteEvery == 0 {
			continue
		}
		if rec.Timestamp.After(watermark) {
			watermark = rec.Timestamp
		}
		if seen++; seen%m.finiteEvery == 0 {
			for _, ch := range m.shards {
				ch <- item{watermark: watermark}
			}
		}
	}
	for _, ch := range m.shards {
		close(ch)
	}
}

func (m *Manager) worker(id int, in <-chan item) {
	defer m.workerWg.Done()
	finite := m.finiteEvery > 0

	var pending []model.Session
	st, err := sessionizer.NewStreamer(m.opts, func(s model.Session) {
		pending = append(pending, s)
	})
	if err != nil {
		// Options were validated in NewManager.
		panic(fmt.Sprintf("manager: worker %d: %v", id, err))
	}

	epoch, lateSeen := 0, 0
	// In finite mode every worker reports every epoch, even when empty, so
	// the emitter knows when an epoch is complete.
	publish := func(endOfEpoch bool) {
		m.late.Add(int64(st.Late() - lateSeen))
		lateSeen = st.Late()
		if len(pending) > 0 || (finite && endOfEpoch) {
			m.output <- batch{epoch: epoch, sessions: pending}
			pending = nil
		}
		if endOfEpoch {
			epoch++
		}
	}

	var tick <-chan time.Time
	if !finite {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case it, ok := <-in:
			if !ok {
				closed := st.Flush()
				publish(true)
				m.log.WithField("worker", id).Debugf("Flushed %d open runs.", closed)
				return
			}
			if it.rec == nil {
				st.Advance(it.watermark)
				st.Sweep(st.Now())
				publish(true)
				continue
			}
			st.Observe(*it.rec)
			if !finite {
				publish(false)
			}
		case <-tick:
			if closed := st.Sweep(st.Now()); closed > 0 {
				m.log.WithField("worker", id).Debugf("Swept %d idle runs.", closed)
			}
			publish(false)
		}
	}
}

func (m *Manager) emitter() {
	defer m.emitterWg.Done()
	if m.finiteEvery == 0 {
		for b := range m.output {
			m.write(b.sessions)
		}
		return
	}

	// A worker sends its epochs in order, so epoch e is complete before e+1.
	type epochState struct {
		sessions []model.Session
		reports  int
	}
	epochs := make(map[int]*epochState)
	for b := range m.output {
		e := epochs[b.epoch]
		if e == nil {
			e = &epochState{}
			epochs[b.epoch] = e
		}
		e.sessions = append(e.sessions, b.sessions...)
		if e.reports++; e.reports < len(m.shards) {
			continue
		}
		delete(epochs, b.epoch)
		slices.SortFunc(e.sessions, compareSessions)
		m.write(e.sessions)
	}
}

func (m *Manager) write(sessions []model.Session) {
	if len(sessions) == 0 {
		return
	}
	m.emitted.Add(int64(len(sessions)))
	if err := emit.Fanout(m.writers, sessions, m.log, m.metrics); err != nil {
		m.writeErrs.Add(1)
	}
}

func compareSessions(a, b model.Session) int {
	if c := a.Key().Compare(b.Key()); c != 0 {
		return c
	}
	if c := a.StartTime.Compare(b.StartTime); c != 0 {
		return c
	}
	if c := a.EndTime.Compare(b.EndTime); c != 0 {
		return c
	}
	return a.RecordCount - b.RecordCount
}
