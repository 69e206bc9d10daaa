package events

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flexibleSQL turns a statement into a whitespace-insensitive regexp.
func flexibleSQL(sql string) string {
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(strings.TrimSpace(sql)), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	s, err := New(context.Background(), mock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mock
}

func TestNewPingFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mock, nil)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(flexibleSQL(schemaV1)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(flexibleSQL(recordSchemaVersion)).
		WithArgs(schemaVersion).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(flexibleSQL(schemaV1)).WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := s.Migrate(context.Background())
	assert.ErrorContains(t, err, "permission denied")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogPhaseEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(flexibleSQL(insertPhaseEvent)).
		WithArgs("demo", "run-1", "build", PhaseRetry, 2, "transient failure").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.LogPhaseEvent(context.Background(), PhaseEvent{
		Project: "demo", RunID: "run-1", Phase: "build",
		Event: PhaseRetry, Attempt: 2, Detail: "transient failure",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogGateRuns(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"helix_gate_runs"}, gateRunColumns).
		WillReturnResult(2)

	err := s.LogGateRuns(context.Background(), []GateRun{
		{Project: "demo", Phase: "build", Attempt: 1, Gate: "files_exist", Kind: "files_exist", Passed: true},
		{Project: "demo", Phase: "build", Attempt: 1, Gate: "tests", Kind: "tests_pass",
			Duration: 1500 * time.Millisecond, Errors: []string{"regression: pkg.TestA"}},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())

	require.NoError(t, s.LogGateRuns(context.Background(), nil))
}

func TestLogGateRunsShortCopy(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"helix_gate_runs"}, gateRunColumns).
		WillReturnResult(0)

	err := s.LogGateRuns(context.Background(), []GateRun{{Project: "demo"}})
	assert.ErrorContains(t, err, "copied 0 of 1")
}

func TestLogEvolutionEvent(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(flexibleSQL(insertEvolutionEvent)).
		WithArgs("feature-x", "staging", "READY", "DEPLOYED", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.LogEvolutionEvent(context.Background(), EvolutionEvent{
		Project: "feature-x", Env: "staging", From: "READY", To: "DEPLOYED",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPhaseEvents(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := pgxmock.NewRows([]string{"id", "project", "run_id", "phase", "event", "attempt", "detail", "created_at"}).
		AddRow(int64(1), "demo", "run-1", "build", PhaseStarted, 1, "", now).
		AddRow(int64(2), "demo", "run-1", "build", PhaseCompleted, 1, "", now)
	mock.ExpectQuery(flexibleSQL(selectPhaseEvents)).WithArgs("demo").WillReturnRows(rows)

	evs, err := s.PhaseEvents(context.Background(), "demo")
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, PhaseCompleted, evs[1].Event)
	assert.Equal(t, int64(2), evs[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = Nop{}
	assert.NoError(t, r.LogPhaseEvent(context.Background(), PhaseEvent{}))
	assert.NoError(t, r.LogGateRuns(context.Background(), []GateRun{{}}))
	assert.NoError(t, r.LogEvolutionEvent(context.Background(), EvolutionEvent{}))
}
