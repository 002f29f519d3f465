package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"Go2NetSession/internal/config"
	"Go2NetSession/internal/emit"
	"Go2NetSession/internal/model"
)

const (
	DefaultLimit = 100
	MaxLimit     = 10000
)

// ErrBadFilter is returned for filters the querier refuses to run.
var ErrBadFilter = errors.New("bad filter")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Filter selects stored sessions. Zero fields do not filter.
type Filter struct {
	Peer  string
	RunID string
	Since time.Time
	Until time.Time
	Limit int
}

// StoredSession is a session row as kept by the ClickHouse writer.
type StoredSession struct {
	RunID string `json:"run_id"`
	model.SessionRecord
	RecordCount uint64 `json:"record_count"`
}

// PeerStat aggregates the sessions between one peer and one counterpart.
type PeerStat struct {
	Peer          string  `json:"peer"`
	Sessions      uint64  `json:"sessions"`
	TotalDuration float64 `json:"total_duration_sec"`
	FirstSeen     string  `json:"first_seen"`
	LastSeen      string  `json:"last_seen"`
}

// Querier defines the interface for querying stored sessions.
type Querier interface {
	ListSessions(ctx context.Context, f Filter) ([]StoredSession, error)
	PeerSummary(ctx context.Context, peer string) ([]PeerStat, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn  driver.Conn
	table string
}

// NewClickHouseQuerier creates a new querier for ClickHouse.
func NewClickHouseQuerier(cfg config.ClickHouseConfig) (Querier, error) {
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid clickhouse table name %q", cfg.Table)
	}
	conn, err := emit.ConnectClickHouse(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn, table: cfg.Table}, nil
}

// buildListQuery renders the filtered session query and its arguments.
func buildListQuery(table string, f Filter) (string, []any, error) {
	var qb strings.Builder
	fmt.Fprintf(&qb, "SELECT RunID, PeerA, PeerB, StartTime, EndTime, RecordCount FROM %s", table)

	var where []string
	var args []any
	if f.Peer != "" {
		where = append(where, "(PeerA = ? OR PeerB = ?)")
		args = append(args, f.Peer, f.Peer)
	}
	if f.RunID != "" {
		id, err := uuid.Parse(f.RunID)
		if err != nil {
			return "", nil, fmt.Errorf("%w: run_id: %v", ErrBadFilter, err)
		}
		where = append(where, "RunID = ?")
		args = append(args, id.String())
	}
	if !f.Since.IsZero() {
		where = append(where, "EndTime >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where = append(where, "StartTime <= ?")
		args = append(args, f.Until)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return "", nil, fmt.Errorf("%w: until is before since", ErrBadFilter)
	}
	if len(where) > 0 {
		qb.WriteString(" WHERE " + strings.Join(where, " AND "))
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}
	fmt.Fprintf(&qb, " ORDER BY PeerA, PeerB, StartTime LIMIT %d", limit)
	return qb.String(), args, nil
}

// ListSessions returns sessions matching f ordered by pair then start time.
func (q *clickhouseQuerier) ListSessions(ctx context.Context, f Filter) ([]StoredSession, error) {
	query, args, err := buildListQuery(q.table, f)
	if err != nil {
		return nil, err
	}

	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []StoredSession
	for rows.Next() {
		var (
			runID      uuid.UUID
			s          model.Session
			recordsRaw uint64
		)
		if err := rows.Scan(&runID, &s.PeerA, &s.PeerB, &s.StartTime, &s.EndTime, &recordsRaw); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, StoredSession{RunID: runID.String(), SessionRecord: emit.Emit(s), RecordCount: recordsRaw})
	}
	return out, rows.Err()
}

// PeerSummary aggregates every stored session that involves peer, grouped by
// the other side of the pair.
func (q *clickhouseQuerier) PeerSummary(ctx context.Context, peer string) ([]PeerStat, error) {
	if peer == "" {
		return nil, fmt.Errorf("%w: peer is required", ErrBadFilter)
	}
	query := fmt.Sprintf(`
		SELECT
			if(PeerA = ?, PeerB, PeerA) AS Other,
			count() AS Sessions,
			sum(DurationSec) AS TotalDuration,
			min(StartTime) AS FirstSeen,
			max(EndTime) AS LastSeen
		FROM %s
		WHERE PeerA = ? OR PeerB = ?
		GROUP BY Other
		ORDER BY Other`, q.table)

	rows, err := q.conn.Query(ctx, query, peer, peer, peer)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var out []PeerStat
	for rows.Next() {
		var (
			st          PeerStat
			first, last time.Time
		)
		if err := rows.Scan(&st.Peer, &st.Sessions, &st.TotalDuration, &first, &last); err != nil {
			return nil, fmt.Errorf("failed to scan peer summary: %w", err)
		}
		st.FirstSeen = emit.FormatTime(first)
		st.LastSeen = emit.FormatTime(last)
		out = append(out, st)
	}
	return out, rows.Err()
}
