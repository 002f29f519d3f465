package emit

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/model"
)

const defaultSQLBatchSize = 500

var sqlColumns = []string{"run_id", "peer_a", "peer_b", "start_time", "end_time", "duration_sec", "record_count"}

const createSQLTable = `CREATE TABLE IF NOT EXISTS %s (
    run_id       VARCHAR(36)  NOT NULL,
    peer_a       VARCHAR(255) NOT NULL,
    peer_b       VARCHAR(255) NOT NULL,
    start_time   VARCHAR(40)  NOT NULL,
    end_time     VARCHAR(40)  NOT NULL,
    duration_sec DOUBLE PRECISION NOT NULL,
    record_count BIGINT NOT NULL
)`

// SQLWriter stores sessions through database/sql. Timestamps are kept as the
// same RFC 3339 strings the CSV report carries, which all three drivers store
// without conversion.
type SQLWriter struct {
	db        *sql.DB
	driver    string
	table     string
	batchSize int
	runID     uuid.UUID
	log       logrus.FieldLogger
}

// NewSQLWriter opens the database, verifies it with a ping and creates the
// table if needed.
func NewSQLWriter(cfg config.SQLConfig, runID uuid.UUID, log logrus.FieldLogger) (*SQLWriter, error) {
	switch cfg.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", cfg.Driver)
	}
	if !identifier.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid sql table name %q", cfg.Table)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	if _, err := db.Exec(fmt.Sprintf(createSQLTable, cfg.Table)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSQLBatchSize
	}
	log = log.WithFields(logrus.Fields{"component": "sql-writer", "driver": cfg.Driver})
	log.Infof("Connected to the database, table %s ready", cfg.Table)

	return &SQLWriter{
		db:        db,
		driver:    cfg.Driver,
		table:     cfg.Table,
		batchSize: batchSize,
		runID:     runID,
		log:       log,
	}, nil
}

func (w *SQLWriter) Name() string { return "sql" }

// insertStatement builds the INSERT for the driver's placeholder style.
func insertStatement(driver, table string) string {
	placeholders := make([]string, len(sqlColumns))
	for i := range placeholders {
		if driver == "postgres" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(sqlColumns, ", "), strings.Join(placeholders, ", "))
}

// sqlValues returns the column values of one session in sqlColumns order.
func sqlValues(runID uuid.UUID, s model.Session) []interface{} {
	rec := Emit(s)
	return []interface{}{
		runID.String(),
		rec.PeerA,
		rec.PeerB,
		rec.StartTime,
		rec.EndTime,
		rec.DurationSec,
		int64(s.RecordCount),
	}
}

// Write inserts the sessions in transactions of at most batchSize rows.
func (w *SQLWriter) Write(sessions []model.Session) error {
	stmtText := insertStatement(w.driver, w.table)
	for start := 0; start < len(sessions); start += w.batchSize {
		end := min(start+w.batchSize, len(sessions))
		if err := w.writeBatch(stmtText, sessions[start:end]); err != nil {
			return err
		}
	}
	w.log.Debugf("Inserted %d sessions", len(sessions))
	return nil
}

func (w *SQLWriter) writeBatch(stmtText string, sessions []model.Session) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	stmt, err := tx.Prepare(stmtText)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range sessions {
		if _, err := stmt.Exec(sqlValues(w.runID, s)...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert session: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (w *SQLWriter) Close() error {
	return w.db.Close()
}
