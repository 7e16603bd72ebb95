package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/payos/taskcore/internal/models"
)

func TestSaveAuditEntryPersistsIndexedColumns(t *testing.T) {
	s, mock := testStore(t)
	entry := &models.AuditEntry{
		ID:         uuid.New(),
		TaskID:     uuid.New(),
		Seq:        4,
		Kind:       models.AuditToolCall,
		Summary:    "tool call",
		Tool:       "funds.transfer",
		DurationMs: 120,
		Payload:    models.JSONB{"amount": 125.5},
		CreatedAt:  time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_entries")).
		WithArgs(entry.ID, entry.TaskID, entry.Seq, entry.Kind, entry.Summary,
			entry.Tool, "", "", 0, entry.DurationMs, false, entry.Payload, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveAuditEntry(context.Background(), entry))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditTrailOrderedBySeq(t *testing.T) {
	s, mock := testStore(t)
	taskID := uuid.New()
	now := time.Now()

	cols := []string{
		"id", "task_id", "seq", "kind", "summary", "tool", "model", "prompt_hash",
		"tokens", "duration_ms", "denied", "payload", "created_at",
	}
	rows := sqlmock.NewRows(cols).
		AddRow(uuid.New(), taskID, 0, "state_change", "submitted -> claimed", "", "", "", 0, 0, false, []byte(`{}`), now).
		AddRow(uuid.New(), taskID, 1, "inference_call", "inference call", "", "gpt-4o", "ab12cd34", 138, 900, false, []byte(`{}`), now).
		AddRow(uuid.New(), taskID, 2, "tool_call", "tool call denied", "funds.transfer", "", "", 0, 3, true, []byte(`{}`), now)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY seq ASC")).
		WithArgs(taskID).
		WillReturnRows(rows)

	entries, err := s.AuditTrail(context.Background(), taskID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		require.Equal(t, int64(i), e.Seq, "trail must be dense and ordered")
	}
	require.Equal(t, models.AuditToolCall, entries[2].Kind)
	require.True(t, entries[2].Denied)
}

func TestSaveDeadLetterPersistsSnapshot(t *testing.T) {
	s, mock := testStore(t)
	d := &models.DeadLetterEntry{
		ID:         uuid.New(),
		TaskID:     uuid.New(),
		TenantID:   uuid.New(),
		Class:      models.FailureTransient,
		Error:      "inference provider unavailable",
		RetryCount: 3,
		Snapshot:   models.JSONB{"state": "failed"},
		CreatedAt:  time.Now(),
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO dead_letters")).
		WithArgs(d.ID, d.TaskID, d.TenantID, d.Class, d.Error, d.RetryCount, d.Snapshot, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.SaveDeadLetter(context.Background(), d))
	require.NoError(t, mock.ExpectationsWereMet())
}
