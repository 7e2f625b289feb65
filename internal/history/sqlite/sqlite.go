package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/exitwatch/internal/history"
)

// Sink writes failure reports to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) Name() string { return "sqlite" }

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS failed_programs(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			program_name TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			failure_reason TEXT NOT NULL,
			pid_failure INTEGER NOT NULL,
			related_pid INTEGER NOT NULL,
			log_path TEXT,
			process_started_at TIMESTAMP NULL,
			recorded_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_failed_programs_pid ON failed_programs(pid_failure);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Report
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failed_programs(timestamp, program_name, exit_code, failure_reason, pid_failure, related_pid, log_path, process_started_at, recorded_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		r.Timestamp, r.ProgramName, r.ExitCode, r.FailureReason, r.PIDFailure, r.RelatedPID,
		e.LogPath, history.StartedAtValue(e), e.OccurredAt.UTC())
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
