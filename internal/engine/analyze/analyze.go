package analyze

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/emit"
	"Go2NetSession/internal/engine/manager"
	"Go2NetSession/internal/engine/sessionizer"
	"Go2NetSession/internal/factory"
	"Go2NetSession/internal/ingest"
	"Go2NetSession/internal/metrics"
	"Go2NetSession/internal/model"
	"Go2NetSession/pkg/pcap"
)

// Report describes one completed run.
type Report struct {
	RunID       uuid.UUID
	Mode        string
	Input       ingest.Stats
	Pairs       int // distinct peer pairs; batch mode only, zero in stream mode
	Sessions    int
	Late        int
	Interrupted bool
	Elapsed     time.Duration
}

// recordSource feeds every record of one input to fn. Cancelling ctx stops
// it early with ctx.Err().
type recordSource func(ctx context.Context, fn func(model.FlowRecord), log logrus.FieldLogger, m *metrics.Metrics) (ingest.Stats, error)

// Run reads the flow-record CSV named by cfg.Input.Path, sessionizes it and
// hands the sessions to every enabled writer.
//
// Configuration is validated and the input header is read before any writer
// is created, so a bad run leaves no output behind. Cancelling ctx stops
// ingestion; the records read so far are still sessionized and written and
// the report is marked Interrupted.
func Run(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, m *metrics.Metrics) (*Report, error) {
	if err := preflight(cfg); err != nil {
		return nil, err
	}
	in, err := ingest.Open(cfg.Input.Path)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	log.Infof("Loading %s", cfg.Input.Path)

	return run(ctx, cfg, func(ctx context.Context, fn func(model.FlowRecord), log logrus.FieldLogger, m *metrics.Metrics) (ingest.Stats, error) {
		return ingest.ReadAll(ctx, in.Reader, fn, log, m)
	}, log, m)
}

// RunCapture is Run over a pcap or pcapng file instead of a CSV. Every IP
// packet is one contact; other packets are counted as skipped by reason.
func RunCapture(ctx context.Context, cfg *config.Config, path string, log logrus.FieldLogger, m *metrics.Metrics) (*Report, error) {
	if err := preflight(cfg); err != nil {
		return nil, err
	}
	reader, err := pcap.NewReader(path, log)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	log.Infof("Loading capture %s", path)

	return run(ctx, cfg, func(ctx context.Context, fn func(model.FlowRecord), log logrus.FieldLogger, m *metrics.Metrics) (ingest.Stats, error) {
		records := make(chan model.FlowRecord, 1024)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for rec := range records {
				m.RecordIngested()
				fn(rec)
			}
		}()
		ps, err := reader.ReadRecords(ctx, records)
		<-done

		stats := ingest.Stats{Rows: ps.Packets, Valid: ps.Records, Skipped: ps.Skipped}
		for reason, n := range ps.Skipped {
			for i := 0; i < n; i++ {
				m.RecordSkipped(reason)
			}
		}
		return stats, err
	}, log, m)
}

func preflight(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return factory.Check(cfg)
}

func run(ctx context.Context, cfg *config.Config, src recordSource, log logrus.FieldLogger, m *metrics.Metrics) (*Report, error) {
	start := time.Now()
	idle, _ := cfg.Sessionizer.IdleTimeoutDuration()

	report := &Report{RunID: uuid.New(), Mode: cfg.Sessionizer.Mode}
	log = log.WithFields(logrus.Fields{"component": "analyze", "run_id": report.RunID})

	writers, err := factory.Create(cfg, factory.Env{RunID: report.RunID, Log: log})
	if err != nil {
		return nil, err
	}

	switch cfg.Sessionizer.Mode {
	case config.ModeStream:
		err = runStream(ctx, cfg, src, writers, log, m, report)
	default:
		err = runBatch(ctx, cfg, idle, src, writers, log, m, report)
	}

	if cerr := emit.CloseAll(writers); cerr != nil {
		err = errors.Join(err, cerr)
	}
	report.Elapsed = time.Since(start)
	if err != nil {
		return report, err
	}

	if report.Input.Valid == 0 {
		log.Warn("No valid rows found in input")
	}
	log.WithFields(logrus.Fields{
		"rows":     report.Input.Rows,
		"skipped":  report.Input.SkippedTotal(),
		"pairs":    report.Pairs,
		"sessions": report.Sessions,
		"elapsed":  report.Elapsed,
	}).Infof("Wrote %d sessions", report.Sessions)
	return report, nil
}

// ingestInto reads every record into fn and turns cancellation into an
// interrupted report rather than an error.
func ingestInto(ctx context.Context, src recordSource, fn func(model.FlowRecord), log logrus.FieldLogger, m *metrics.Metrics, report *Report) error {
	stats, err := src(ctx, fn, log, m)
	report.Input = stats
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		report.Interrupted = true
		log.Warnf("Interrupted after %d rows, writing sessions for what was read", stats.Rows)
		return nil
	}
	return err
}

func runBatch(ctx context.Context, cfg *config.Config, idle time.Duration, src recordSource, writers []model.Writer, log logrus.FieldLogger, m *metrics.Metrics, report *Report) error {
	groups := sessionizer.NewGroups(cfg.Sessionizer.NumShards)
	if err := ingestInto(ctx, src, func(rec model.FlowRecord) { groups.Add(rec) }, log, m, report); err != nil {
		return err
	}
	report.Pairs = groups.Len()

	// Interruption only cuts ingestion short; what was read is processed in full.
	sessions, err := sessionizer.Sessionize(context.WithoutCancel(ctx), groups, idle, cfg.Sessionizer.NumWorkers)
	if err != nil {
		return fmt.Errorf("sessionize: %w", err)
	}
	report.Sessions = len(sessions)

	return emit.Fanout(writers, sessions, log, m)
}

func runStream(ctx context.Context, cfg *config.Config, src recordSource, writers []model.Writer, log logrus.FieldLogger, m *metrics.Metrics, report *Report) error {
	mgr, err := manager.NewManager(cfg, writers, log, m)
	if err != nil {
		return err
	}
	// A file replays the same way every time, so its output must too.
	mgr.SetFiniteInput(cfg.Sessionizer.SizeOfRecordChannel)
	mgr.Start()

	ingestErr := ingestInto(ctx, src, func(rec model.FlowRecord) {
		mgr.Input() <- &rec
	}, log, m, report)
	mgr.Stop()

	st := mgr.Stats()
	report.Sessions = int(st.Sessions)
	report.Late = int(st.Late)
	if ingestErr != nil {
		return ingestErr
	}
	if st.WriteErrors > 0 {
		return fmt.Errorf("%d session batches failed to write", st.WriteErrors)
	}
	return nil
}
