package strategies

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
)

func newDelegatedHarness(t *testing.T, cfg config.DelegatedConfig) (*Delegated, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := zap.NewNop()
	st := store.New(sqlx.NewDb(db, "sqlmock"), logger)
	pub := events.NewPublisher(events.NewBus(16), nil)
	trail := audit.NewLogger(stubSink{}, config.AuditConfig{QueueSize: 16, Workers: 1}, logger)
	t.Cleanup(trail.Close)

	return NewDelegated(st, pub, trail, cfg, logger), mock
}

func delegatedTask() *models.Task {
	return &models.Task{
		ID:        uuid.New(),
		State:     models.StateClaimed,
		ContextID: "ctx-del-1",
		History:   []models.Message{models.NewTextMessage(models.RoleCaller, "reconcile yesterday's settlements")},
	}
}

func TestDelegatedDeliversSignedSnapshot(t *testing.T) {
	var (
		mu   sync.Mutex
		auth string
		body []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		auth = r.Header.Get("Authorization")
		body = b
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d, mock := newDelegatedHarness(t, config.DelegatedConfig{
		ResponseTimeout: 2 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
	})
	task := delegatedTask()
	agent := &models.AgentConfig{
		AgentID:          uuid.New(),
		Mode:             models.ModeDelegated,
		CallbackEndpoint: srv.URL,
		CallbackSecret:   "cb-secret",
	}

	mock.ExpectExec(regexp.QuoteMeta("SET state = $3")).
		WithArgs(task.ID, models.StateClaimed, models.StateWorking, "", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := d.Process(context.Background(), task, agent); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(auth, "Bearer ") {
		t.Fatalf("missing bearer token: %q", auth)
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(tok *jwt.Token) (interface{}, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Method.Alg())
		}
		return []byte("cb-secret"), nil
	})
	if err != nil {
		t.Fatalf("token does not verify against the agent secret: %v", err)
	}
	if claims.Issuer != "taskcore" || claims.Subject != task.ID.String() {
		t.Fatalf("unexpected claims: iss=%q sub=%q", claims.Issuer, claims.Subject)
	}

	var snap snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.TaskID != task.ID.String() || snap.State != string(models.StateWorking) {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(snap.History) != 1 {
		t.Fatalf("history not delivered: %+v", snap.History)
	}
}

func TestDelegatedRetryExhaustionIsTimeoutFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d, mock := newDelegatedHarness(t, config.DelegatedConfig{
		ResponseTimeout: time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
	})
	task := delegatedTask()
	agent := &models.AgentConfig{
		AgentID:          uuid.New(),
		CallbackEndpoint: srv.URL,
		CallbackSecret:   "cb-secret",
	}

	mock.ExpectExec(regexp.QuoteMeta("SET state = $3")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := d.Process(context.Background(), task, agent)
	if err == nil {
		t.Fatal("expected an error after exhausting delivery retries")
	}
	if got := attempts.Load(); got != 3 {
		t.Fatalf("made %d delivery attempts, want 3", got)
	}
	var classed interface{ FailureClass() models.FailureClass }
	if !errors.As(err, &classed) {
		t.Fatalf("error carries no failure class: %v", err)
	}
	if classed.FailureClass() != models.FailureTimeout {
		t.Fatalf("class = %s, want %s", classed.FailureClass(), models.FailureTimeout)
	}
}

func TestDelegatedMissingCallbackIsConfigurationFailure(t *testing.T) {
	d, _ := newDelegatedHarness(t, config.DelegatedConfig{ResponseTimeout: time.Second})
	task := delegatedTask()
	agent := &models.AgentConfig{AgentID: uuid.New()} // no endpoint, no secret

	err := d.Process(context.Background(), task, agent)
	var classed interface{ FailureClass() models.FailureClass }
	if !errors.As(err, &classed) || classed.FailureClass() != models.FailureConfiguration {
		t.Fatalf("expected configuration failure, got %v", err)
	}
}

func TestDelegatedCancelNoticeIsBestEffort(t *testing.T) {
	var body []byte
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = b
		mu.Unlock()
	}))
	defer srv.Close()

	d, _ := newDelegatedHarness(t, config.DelegatedConfig{ResponseTimeout: time.Second})
	task := delegatedTask()
	agent := &models.AgentConfig{
		AgentID:          uuid.New(),
		CallbackEndpoint: srv.URL,
		CallbackSecret:   "cb-secret",
	}

	d.Cancel(context.Background(), task, agent)

	mu.Lock()
	defer mu.Unlock()
	var notice map[string]string
	if err := json.Unmarshal(body, &notice); err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if notice["type"] != "cancelled" || notice["task_id"] != task.ID.String() {
		t.Fatalf("unexpected notice: %v", notice)
	}

	// An unreachable runtime must not surface an error.
	agent.CallbackEndpoint = "http://127.0.0.1:1"
	d.Cancel(context.Background(), task, agent)
}
