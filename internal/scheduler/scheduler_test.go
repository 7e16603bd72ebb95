package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/strategies"
)

type recordingSink struct {
	mu          sync.Mutex
	deadLetters []*models.DeadLetterEntry
}

func (s *recordingSink) SaveAuditEntry(ctx context.Context, e *models.AuditEntry) error { return nil }
func (s *recordingSink) LastAuditSeq(ctx context.Context, taskID uuid.UUID) (int64, error) {
	return -1, nil
}
func (s *recordingSink) SaveDeadLetter(ctx context.Context, d *models.DeadLetterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, d)
	return nil
}

func newSchedulerHarness(t *testing.T) (*Scheduler, sqlmock.Sqlmock, *recordingSink) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	st := store.New(sqlx.NewDb(db, "sqlmock"), logger)
	pub := events.NewPublisher(events.NewBus(16), nil)
	sink := &recordingSink{}
	trail := audit.NewLogger(sink, config.AuditConfig{QueueSize: 16, Workers: 1}, logger)
	t.Cleanup(trail.Close)

	s := New(st, strategies.NewSet(nil, nil, nil), pub, trail, NewNotifier("", logger),
		config.SchedulerConfig{
			WorkerID:   "worker-1",
			MaxRetries: 3,
		}, logger)
	return s, mock, sink
}

func schedulerTaskRow(id uuid.UUID, state models.TaskState, notifyEndpoint string) *sqlmock.Rows {
	now := time.Now()
	cols := []string{
		"id", "agent_id", "tenant_id", "context_id", "state", "history", "artifacts",
		"mandate_ref", "notify_endpoint", "processor_id", "claimed_at", "heartbeat_at",
		"retry_count", "error_details", "created_at", "updated_at", "completed_at", "not_before",
	}
	return sqlmock.NewRows(cols).AddRow(
		id, uuid.New(), uuid.New(), "ctx-1", string(state),
		[]byte(`[]`), []byte(`[]`), "", notifyEndpoint, "worker-1", now, now, 0, "", now, now, nil, nil,
	)
}

func TestHandleFailureTransientErrorReleasesForRetry(t *testing.T) {
	s, mock, sink := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking, RetryCount: 1}
	agent := &models.AgentConfig{Mode: models.ModeManaged}

	mock.ExpectExec(regexp.QuoteMeta("SET state = 'submitted'")).
		WithArgs(task.ID, "worker-1", sqlmock.AnyArg(), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.handleFailure(context.Background(), task, agent, inference.ErrRateLimited)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	if len(sink.deadLetters) != 0 {
		t.Fatal("retriable failure must not dead-letter")
	}
}

func TestHandleFailureExhaustedRetriesDeadLetters(t *testing.T) {
	s, mock, sink := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking, RetryCount: 3}
	agent := &models.AgentConfig{Mode: models.ModeManaged}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(task.ID).
		WillReturnRows(schedulerTaskRow(task.ID, models.StateWorking, ""))
	mock.ExpectExec(regexp.QuoteMeta("SET state = $3")).
		WithArgs(task.ID, models.StateWorking, models.StateFailed, "inference provider unavailable", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.handleFailure(context.Background(), task, agent, inference.ErrUpstream)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deadLetters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(sink.deadLetters))
	}
	if sink.deadLetters[0].Class != models.FailureTransient {
		t.Fatalf("class = %s, want %s", sink.deadLetters[0].Class, models.FailureTransient)
	}
}

func TestHandleFailureNonRetriableDeadLettersImmediately(t *testing.T) {
	s, mock, sink := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking, RetryCount: 0}
	agent := &models.AgentConfig{Mode: models.ModeManaged}
	cause := errors.New("agent config references a retired model") // not transient

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(task.ID).
		WillReturnRows(schedulerTaskRow(task.ID, models.StateWorking, ""))
	mock.ExpectExec(regexp.QuoteMeta("SET state = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.handleFailure(context.Background(), task, agent, cause)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deadLetters) != 1 {
		t.Fatal("non-retriable failure must dead-letter on the first attempt")
	}
}

func TestHandleFailureShutdownCancellationReleasesClaim(t *testing.T) {
	s, mock, sink := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking, RetryCount: 2}
	agent := &models.AgentConfig{Mode: models.ModeManaged}
	s.stopOnce.Do(func() { close(s.stopCh) }) // drain already in progress

	// Plain release: no backoff, no retry bump, no dead letter.
	mock.ExpectExec(regexp.QuoteMeta("SET state = 'submitted'")).
		WithArgs(task.ID, "worker-1", nil, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.handleFailure(context.Background(), task, agent,
		fmt.Errorf("inference: %w", context.Canceled))

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deadLetters) != 0 {
		t.Fatal("shutdown cancellation must not dead-letter an in-flight task")
	}
}

func TestHandleFailureCancelledBeforeShutdownStillDeadLetters(t *testing.T) {
	s, mock, sink := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking, RetryCount: 0}
	agent := &models.AgentConfig{Mode: models.ModeManaged}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(task.ID).
		WillReturnRows(schedulerTaskRow(task.ID, models.StateWorking, ""))
	mock.ExpectExec(regexp.QuoteMeta("SET state = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Outside a drain, a cancellation is an ordinary terminal failure.
	s.handleFailure(context.Background(), task, agent, context.Canceled)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.deadLetters) != 1 {
		t.Fatal("cancellation outside shutdown must dead-letter")
	}
}

func TestHandleSuccessDisownsParkedHandoff(t *testing.T) {
	s, mock, _ := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking}
	agent := &models.AgentConfig{Mode: models.ModeDelegated}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(task.ID).
		WillReturnRows(schedulerTaskRow(task.ID, models.StateWorking, ""))
	mock.ExpectExec(regexp.QuoteMeta("SET processor_id = '', claimed_at = NULL, heartbeat_at = NULL")).
		WithArgs(task.ID, "worker-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.handleSuccess(context.Background(), task, agent)

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHandleSuccessTerminalStateNotifiesEndpoint(t *testing.T) {
	var notified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		notified.Add(1)
	}))
	defer srv.Close()

	s, mock, _ := newSchedulerHarness(t)
	task := &models.Task{ID: uuid.New(), State: models.StateWorking}
	agent := &models.AgentConfig{Mode: models.ModeManaged}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs(task.ID).
		WillReturnRows(schedulerTaskRow(task.ID, models.StateCompleted, srv.URL))

	s.handleSuccess(context.Background(), task, agent)

	if notified.Load() != 1 {
		t.Fatal("terminal task with a notify endpoint must trigger the webhook")
	}
}
