package emit

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

const createSessionTable = `
CREATE TABLE IF NOT EXISTS %s (
    RunID       UUID,
    PeerA       String,
    PeerB       String,
    StartTime   DateTime64(9),
    EndTime     DateTime64(9),
    DurationSec Float64,
    RecordCount UInt64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(StartTime)
ORDER BY (PeerA, PeerB, StartTime);
`

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseWriter inserts sessions into a ClickHouse table, stamping each row
// with the run ID.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
	runID uuid.UUID
	log   logrus.FieldLogger
}

// NewClickHouseWriter connects, pings and ensures the session table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig, runID uuid.UUID, log logrus.FieldLogger) (*ClickHouseWriter, error) {
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", cfg.Table)
	}
	conn, err := ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := conn.Exec(context.Background(), fmt.Sprintf(createSessionTable, cfg.Table)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	log = log.WithField("component", "clickhouse-writer")
	log.Infof("Connected to ClickHouse, table %s ready", cfg.Table)

	return &ClickHouseWriter{conn: conn, table: cfg.Table, runID: runID, log: log}, nil
}

// ConnectClickHouse opens and pings a native-protocol connection.
func ConnectClickHouse(cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Write sends all sessions as one batch.
func (w *ClickHouseWriter) Write(sessions []model.Session) error {
	if len(sessions) == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, s := range sessions {
		err = batch.Append(
			w.runID,
			s.PeerA,
			s.PeerB,
			s.StartTime,
			s.EndTime,
			Emit(s).DurationSec,
			uint64(s.RecordCount),
		)
		if err != nil {
			return fmt.Errorf("failed to append session to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	w.log.Debugf("Wrote %d sessions to ClickHouse", len(sessions))
	return nil
}

func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
