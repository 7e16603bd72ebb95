package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/models"
)

func testStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock"), zap.NewNop()), mock
}

var taskCols = []string{
	"id", "agent_id", "tenant_id", "context_id", "state", "history", "artifacts",
	"mandate_ref", "notify_endpoint", "processor_id", "claimed_at", "heartbeat_at",
	"retry_count", "error_details", "created_at", "updated_at", "completed_at", "not_before",
}

func taskRowValues(id uuid.UUID) []driverValue {
	now := time.Now()
	return []driverValue{
		id, uuid.New(), uuid.New(), "ctx-1", "submitted",
		[]byte(`[{"id":"` + uuid.NewString() + `","role":"caller","parts":[{"kind":"text","text":"hi"}],"created_at":"2026-01-01T00:00:00Z"}]`),
		[]byte(`[]`),
		"", "", "", nil, nil, 0, "", now, now, nil, nil,
	}
}

type driverValue = driver.Value

func TestClaimNextMarksRowClaimed(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF t SKIP LOCKED").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(taskRowValues(taskID)...))
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'claimed', processor_id = $2")).
		WithArgs(taskID, "worker-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, err := s.ClaimNext(context.Background(), "worker-1", 3)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task == nil {
		t.Fatal("expected a claimed task")
	}
	if task.State != models.StateClaimed || task.ProcessorID != "worker-1" {
		t.Fatalf("claim not reflected: state=%s processor=%s", task.State, task.ProcessorID)
	}
	if len(task.History) != 1 || task.History[0].TextContent() != "hi" {
		t.Fatalf("history not decoded: %+v", task.History)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestClaimNextEmptyPoolReturnsNil(t *testing.T) {
	s, mock := testStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE OF t SKIP LOCKED").
		WithArgs(3).
		WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectRollback()

	task, err := s.ClaimNext(context.Background(), "worker-1", 3)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if task != nil {
		t.Fatalf("expected nil on empty pool, got %+v", task)
	}
}

func TestHeartbeatLostClaimReturnsErrNotOwner(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET heartbeat_at = now()")).
		WithArgs(taskID, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Heartbeat(context.Background(), taskID, "worker-1"); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestReleaseBumpsRetryAndSetsBackoff(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET state = 'submitted'")).
		WithArgs(taskID, "worker-1", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.Release(context.Background(), taskID, "worker-1", 4*time.Second, true); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransitionGuardRejectsWrongFromState(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE tasks")).
		WithArgs(taskID, models.StateWorking, models.StateCompleted, "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Transition(context.Background(), taskID, models.StateWorking, models.StateCompleted, "")
	if err != ErrBadTransition {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}

func TestSweepStaleReturnsReleasedIDs(t *testing.T) {
	s, mock := testStore(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("retry_count = retry_count + 1")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(a).AddRow(b))

	ids, err := s.SweepStale(context.Background(), time.Minute)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestLastAuditSeqEmptyTrailIsMinusOne(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(MAX(seq), -1)")).
		WithArgs(taskID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(-1))

	seq, err := s.LastAuditSeq(context.Background(), taskID)
	if err != nil {
		t.Fatalf("LastAuditSeq: %v", err)
	}
	if seq != -1 {
		t.Fatalf("seq = %d, want -1", seq)
	}
}

func TestCancelRefusesTerminalTask(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("SET state = 'cancelled'")).
		WithArgs(taskID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := s.Cancel(context.Background(), taskID); err != ErrBadTransition {
		t.Fatalf("expected ErrBadTransition, got %v", err)
	}
}
