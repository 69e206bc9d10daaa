package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool abstracts *pgxpool.Pool so the store can be mocked.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// Phase event names.
const (
	PhaseStarted     = "started"
	PhaseCompleted   = "completed"
	PhaseFailed      = "failed"
	PhaseRetry       = "retry"
	PhaseEscalated   = "escalated"
	PhasePaused      = "paused_for_human"
	PhaseSkipped     = "skipped"
	PhaseInterrupted = "interrupted"
)

// PhaseEvent is a row in helix_phase_events.
type PhaseEvent struct {
	ID        int64
	Project   string
	RunID     string
	Phase     string
	Event     string
	Attempt   int
	Detail    string
	CreatedAt time.Time
}

// GateRun is a row in helix_gate_runs.
type GateRun struct {
	Project   string
	Phase     string
	Attempt   int
	Gate      string
	Kind      string
	Passed    bool
	AutoFixed bool
	Duration  time.Duration
	Summary   string
	Errors    []string
}

// EvolutionEvent is a row in helix_evolution_events.
type EvolutionEvent struct {
	Project string
	Env     string
	From    string
	To      string
	Detail  string
}

// Recorder records orchestration events.
type Recorder interface {
	LogPhaseEvent(ctx context.Context, ev PhaseEvent) error
	LogGateRuns(ctx context.Context, runs []GateRun) error
	LogEvolutionEvent(ctx context.Context, ev EvolutionEvent) error
}

// Nop is a Recorder that records nothing. It is used when no database is
// configured.
type Nop struct{}

func (Nop) LogPhaseEvent(context.Context, PhaseEvent) error         { return nil }
func (Nop) LogGateRuns(context.Context, []GateRun) error            { return nil }
func (Nop) LogEvolutionEvent(context.Context, EvolutionEvent) error { return nil }

// Store is the PostgreSQL Recorder.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, log: log.Named("events")}, nil
}

// Open connects to dsn with a pgx pool.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS helix_schema_version (
    version    INTEGER PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS helix_phase_events (
    id         BIGSERIAL PRIMARY KEY,
    project    TEXT NOT NULL,
    run_id     TEXT NOT NULL DEFAULT '',
    phase      TEXT NOT NULL,
    event      TEXT NOT NULL,
    attempt    INTEGER NOT NULL DEFAULT 0,
    detail     TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_phase_events_project ON helix_phase_events(project, id);

CREATE TABLE IF NOT EXISTS helix_gate_runs (
    id          BIGSERIAL PRIMARY KEY,
    project     TEXT NOT NULL,
    phase       TEXT NOT NULL,
    attempt     INTEGER NOT NULL,
    gate        TEXT NOT NULL,
    kind        TEXT NOT NULL,
    passed      BOOLEAN NOT NULL,
    auto_fixed  BOOLEAN NOT NULL DEFAULT FALSE,
    duration_ms BIGINT NOT NULL DEFAULT 0,
    summary     TEXT NOT NULL DEFAULT '',
    errors      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_gate_runs_project ON helix_gate_runs(project, phase, attempt);

CREATE TABLE IF NOT EXISTS helix_evolution_events (
    id          BIGSERIAL PRIMARY KEY,
    project     TEXT NOT NULL,
    env         TEXT NOT NULL DEFAULT '',
    from_status TEXT NOT NULL,
    to_status   TEXT NOT NULL,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_evolution_events_project ON helix_evolution_events(project, id);
`

const recordSchemaVersion = `INSERT INTO helix_schema_version (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Error("rollback migration", zap.Error(rbErr))
		}
	}()

	if _, err := tx.Exec(ctx, schemaV1); err != nil {
		return fmt.Errorf("apply schema v%d: %w", schemaVersion, err)
	}
	if _, err := tx.Exec(ctx, recordSchemaVersion, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	s.log.Info("schema migrated", zap.Int("version", schemaVersion))
	return nil
}

const insertPhaseEvent = `INSERT INTO helix_phase_events (project, run_id, phase, event, attempt, detail) VALUES ($1, $2, $3, $4, $5, $6)`

// LogPhaseEvent inserts a phase event.
func (s *Store) LogPhaseEvent(ctx context.Context, ev PhaseEvent) error {
	_, err := s.pool.Exec(ctx, insertPhaseEvent, ev.Project, ev.RunID, ev.Phase, ev.Event, ev.Attempt, ev.Detail)
	if err != nil {
		return fmt.Errorf("log phase event: %w", err)
	}
	return nil
}

var gateRunColumns = []string{"project", "phase", "attempt", "gate", "kind", "passed", "auto_fixed", "duration_ms", "summary", "errors"}

// LogGateRuns bulk-inserts the gate results of one attempt.
func (s *Store) LogGateRuns(ctx context.Context, runs []GateRun) error {
	if len(runs) == 0 {
		return nil
	}
	rows := make([][]any, len(runs))
	for i, r := range runs {
		rows[i] = []any{
			r.Project, r.Phase, r.Attempt, r.Gate, r.Kind,
			r.Passed, r.AutoFixed, r.Duration.Milliseconds(),
			r.Summary, strings.Join(r.Errors, "\n"),
		}
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"helix_gate_runs"}, gateRunColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("log gate runs: %w", err)
	}
	if int(n) != len(runs) {
		return fmt.Errorf("log gate runs: copied %d of %d rows", n, len(runs))
	}
	return nil
}

const insertEvolutionEvent = `INSERT INTO helix_evolution_events (project, env, from_status, to_status, detail) VALUES ($1, $2, $3, $4, $5)`

// LogEvolutionEvent inserts an evolution transition.
func (s *Store) LogEvolutionEvent(ctx context.Context, ev EvolutionEvent) error {
	_, err := s.pool.Exec(ctx, insertEvolutionEvent, ev.Project, ev.Env, ev.From, ev.To, ev.Detail)
	if err != nil {
		return fmt.Errorf("log evolution event: %w", err)
	}
	return nil
}

const selectPhaseEvents = `SELECT id, project, run_id, phase, event, attempt, detail, created_at
FROM helix_phase_events WHERE project = $1 ORDER BY id ASC`

// PhaseEvents returns a project's phase events, oldest first.
func (s *Store) PhaseEvents(ctx context.Context, project string) ([]PhaseEvent, error) {
	rows, err := s.pool.Query(ctx, selectPhaseEvents, project)
	if err != nil {
		return nil, fmt.Errorf("query phase events: %w", err)
	}
	defer rows.Close()

	var out []PhaseEvent
	for rows.Next() {
		var ev PhaseEvent
		if err := rows.Scan(&ev.ID, &ev.Project, &ev.RunID, &ev.Phase, &ev.Event, &ev.Attempt, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate phase events: %w", err)
	}
	return out, nil
}
