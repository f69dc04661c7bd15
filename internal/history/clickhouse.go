package history

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/loykin/sentinel/internal/workload"
)

// ClickHouseSink sends events to ClickHouse using the official Go client.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// NewClickHouse connects to addr (host:port) and ensures the event table.
func NewClickHouse(addr, database, username, password, table string) (*ClickHouseSink, error) {
	if database == "" {
		database = "default"
	}
	if username == "" {
		username = "default"
	}
	if table == "" {
		table = "sentinel_events"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{Database: database, Username: username, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}
	s := &ClickHouseSink{conn: conn, table: table}
	if err := s.ensureTable(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *ClickHouseSink) ensureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		type String,
		workload_id String,
		occurred_at DateTime64(9),
		from_phase String,
		to_phase String,
		pid Int64,
		exit_code Int64,
		schedule_id String,
		detail String
	) ENGINE = MergeTree() ORDER BY (workload_id, occurred_at)`, s.table)
	return s.conn.Exec(ctx, ddl)
}

func (s *ClickHouseSink) Send(ctx context.Context, e workload.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (type, workload_id, occurred_at, from_phase, to_phase, pid, exit_code, schedule_id, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	if err := s.conn.Exec(ctx, query,
		string(e.Type), e.WorkloadID, e.Time,
		string(e.From), string(e.To),
		int64(e.PID), int64(e.ExitCode), e.ScheduleID, e.Detail,
	); err != nil {
		return fmt.Errorf("insert event into clickhouse: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
