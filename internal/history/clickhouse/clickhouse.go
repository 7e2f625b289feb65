package clickhouse

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/exitwatch/internal/history"
)

const DefaultTable = "failed_programs"

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Options configures the native-protocol connection.
type Options struct {
	Addr     string // host:port of the native interface, e.g. localhost:9000
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends failure reports to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(o Options) (*Sink, error) {
	if o.Table == "" {
		o.Table = DefaultTable
	}
	if !tableName.MatchString(o.Table) {
		return nil, fmt.Errorf("invalid ClickHouse table name %q", o.Table)
	}
	if o.Database == "" {
		o.Database = "default"
	}
	if o.Username == "" {
		o.Username = "default"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{o.Addr},
		Auth: clickhouse.Auth{
			Database: o.Database,
			Username: o.Username,
			Password: o.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: o.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) Name() string { return "clickhouse" }

func (s *Sink) ensureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp Int64,
		program_name String,
		exit_code Int32,
		failure_reason String,
		pid_failure Int32,
		related_pid Int32,
		log_path String,
		process_started_at Nullable(DateTime64(3)),
		recorded_at DateTime64(3)
	) ENGINE = MergeTree()
	ORDER BY (recorded_at, pid_failure)`, s.table)
	if err := s.conn.Exec(ctx, q); err != nil {
		return fmt.Errorf("failed to create ClickHouse table %s: %w", s.table, err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (timestamp, program_name, exit_code, failure_reason, pid_failure, related_pid, log_path, process_started_at, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	r := e.Report
	err := s.conn.Exec(ctx, query,
		r.Timestamp,
		r.ProgramName,
		int32(r.ExitCode),
		r.FailureReason,
		int32(r.PIDFailure),
		int32(r.RelatedPID),
		e.LogPath,
		history.StartedAtValue(e),
		e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report into ClickHouse: %w", err)
	}
	return nil
}
