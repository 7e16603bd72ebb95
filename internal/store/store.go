package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/models"
)

var (
	// ErrNotFound means no row matched the id.
	ErrNotFound = errors.New("task not found")
	// ErrNotOwner means the caller's claim on the task has lapsed; another
	// worker (or the sweeper) owns it now.
	ErrNotOwner = errors.New("task not owned by this worker")
	// ErrBadTransition means the requested state change violates the
	// forward-only lifecycle.
	ErrBadTransition = errors.New("invalid state transition")
)

// Store is the durable task repository backed by Postgres. All claim
// coordination happens here through row locks; workers hold no shared
// in-process state.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open connects to Postgres with the configured pool limits.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	return &Store{db: db, logger: logger}, nil
}

// New wraps an existing connection, used by tests.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw pool for components that run their own statements.
func (s *Store) DB() *sql.DB { return s.db.DB }

// taskRow is the scan target; history and artifacts live in jsonb columns.
type taskRow struct {
	ID             uuid.UUID    `db:"id"`
	AgentID        uuid.UUID    `db:"agent_id"`
	TenantID       uuid.UUID    `db:"tenant_id"`
	ContextID      string       `db:"context_id"`
	State          string       `db:"state"`
	History        []byte       `db:"history"`
	Artifacts      []byte       `db:"artifacts"`
	MandateRef     string       `db:"mandate_ref"`
	NotifyEndpoint string       `db:"notify_endpoint"`
	ProcessorID    string       `db:"processor_id"`
	ClaimedAt      *time.Time   `db:"claimed_at"`
	HeartbeatAt    *time.Time   `db:"heartbeat_at"`
	RetryCount     int          `db:"retry_count"`
	ErrorDetails   string       `db:"error_details"`
	CreatedAt      time.Time    `db:"created_at"`
	UpdatedAt      time.Time    `db:"updated_at"`
	CompletedAt    *time.Time   `db:"completed_at"`
	NotBefore      sql.NullTime `db:"not_before"`
}

const taskColumns = `id, agent_id, tenant_id, context_id, state, history, artifacts,
    mandate_ref, notify_endpoint, processor_id, claimed_at, heartbeat_at,
    retry_count, error_details, created_at, updated_at, completed_at, not_before`

func (r *taskRow) toTask() (*models.Task, error) {
	t := &models.Task{
		ID:             r.ID,
		AgentID:        r.AgentID,
		TenantID:       r.TenantID,
		ContextID:      r.ContextID,
		State:          models.TaskState(r.State),
		MandateRef:     r.MandateRef,
		NotifyEndpoint: r.NotifyEndpoint,
		ProcessorID:    r.ProcessorID,
		ClaimedAt:      r.ClaimedAt,
		HeartbeatAt:    r.HeartbeatAt,
		RetryCount:     r.RetryCount,
		ErrorDetails:   r.ErrorDetails,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		CompletedAt:    r.CompletedAt,
	}
	if len(r.History) > 0 {
		if err := json.Unmarshal(r.History, &t.History); err != nil {
			return nil, fmt.Errorf("decode history for task %s: %w", r.ID, err)
		}
	}
	if len(r.Artifacts) > 0 {
		if err := json.Unmarshal(r.Artifacts, &t.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts for task %s: %w", r.ID, err)
		}
	}
	return t, nil
}

// Create inserts a freshly submitted task.
func (s *Store) Create(ctx context.Context, t *models.Task) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.State == "" {
		t.State = models.StateSubmitted
	}
	now := time.Now()
	t.CreatedAt = now
	t.UpdatedAt = now

	history, err := json.Marshal(t.History)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO tasks (
            id, agent_id, tenant_id, context_id, state, history, artifacts,
            mandate_ref, notify_endpoint, retry_count, created_at, updated_at
        ) VALUES ($1,$2,$3,$4,$5,$6,'[]',$7,$8,0,$9,$9)
    `, t.ID, t.AgentID, t.TenantID, t.ContextID, t.State, history,
		t.MandateRef, t.NotifyEndpoint, now)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var r taskRow
	err := s.db.GetContext(ctx, &r,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return r.toTask()
}

// ClaimNext atomically picks one claimable task and marks it claimed by this
// worker, all inside a single transaction so two workers can never claim the
// same row. SKIP LOCKED turns contention into a miss instead of a wait.
//
// Selection order: mandated tasks first, then continuations of context groups
// this store has seen before, then fresh work; FIFO inside each tier. A
// tenant already at maxPerTenant in-flight tasks is skipped entirely so one
// noisy tenant cannot monopolize the fleet.
func (s *Store) ClaimNext(ctx context.Context, workerID string, maxPerTenant int) (*models.Task, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var r taskRow
	err = tx.GetContext(ctx, &r, `
        SELECT `+taskColumns+` FROM tasks t
        WHERE t.state = 'submitted'
          AND (t.not_before IS NULL OR t.not_before <= now())
          AND (SELECT count(*) FROM tasks f
               WHERE f.tenant_id = t.tenant_id
                 AND f.state IN ('claimed','working')) < $1
        ORDER BY
            (t.mandate_ref <> '') DESC,
            EXISTS (SELECT 1 FROM tasks p
                    WHERE p.context_id = t.context_id
                      AND p.id <> t.id) DESC,
            t.created_at ASC
        LIMIT 1
        FOR UPDATE OF t SKIP LOCKED
    `, maxPerTenant)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable: %w", err)
	}

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
        UPDATE tasks
        SET state = 'claimed', processor_id = $2, claimed_at = $3,
            heartbeat_at = $3, updated_at = $3
        WHERE id = $1
    `, r.ID, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("mark claimed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	r.State = string(models.StateClaimed)
	r.ProcessorID = workerID
	r.ClaimedAt = &now
	r.HeartbeatAt = &now
	return r.toTask()
}

// Release puts a claimed task back in the pool, optionally delaying its next
// claim for retry backoff. Only the claiming worker can release.
func (s *Store) Release(ctx context.Context, taskID uuid.UUID, workerID string, delay time.Duration, bumpRetry bool) error {
	var notBefore interface{}
	if delay > 0 {
		notBefore = time.Now().Add(delay)
	}
	retryInc := 0
	if bumpRetry {
		retryInc = 1
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks
        SET state = 'submitted', processor_id = '', claimed_at = NULL,
            heartbeat_at = NULL, not_before = $3,
            retry_count = retry_count + $4, updated_at = now()
        WHERE id = $1 AND processor_id = $2
          AND state IN ('claimed','working')
    `, taskID, workerID, notBefore, retryInc)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	return requireOwned(res)
}

// Transition moves a task between states with a forward-only guard. Pass
// errDetails only for failed.
func (s *Store) Transition(ctx context.Context, taskID uuid.UUID, from, to models.TaskState, errDetails string) error {
	var completedAt interface{}
	if to.Terminal() {
		completedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks
        SET state = $3, error_details = $4, completed_at = $5, updated_at = now()
        WHERE id = $1 AND state = $2
    `, taskID, from, to, errDetails, completedAt)
	if err != nil {
		return fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

// AppendMessage appends one message to the task's history jsonb array.
func (s *Store) AppendMessage(ctx context.Context, taskID uuid.UUID, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks
        SET history = history || $2::jsonb, updated_at = now()
        WHERE id = $1
    `, taskID, b)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddArtifact appends one structured output to the task.
func (s *Store) AddArtifact(ctx context.Context, taskID uuid.UUID, a models.Artifact) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        UPDATE tasks
        SET artifacts = artifacts || $2::jsonb, updated_at = now()
        WHERE id = $1
    `, taskID, b)
	if err != nil {
		return fmt.Errorf("add artifact: %w", err)
	}
	return nil
}

// Disown drops the worker's claim on a task that stays in working while an
// external runtime drives it. With no heartbeat the row is invisible to the
// stale-claim sweeper, and with no processor it belongs to nobody until an
// external update finishes it.
func (s *Store) Disown(ctx context.Context, taskID uuid.UUID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks
        SET processor_id = '', claimed_at = NULL, heartbeat_at = NULL,
            updated_at = now()
        WHERE id = $1 AND processor_id = $2 AND state = 'working'
    `, taskID, workerID)
	if err != nil {
		return fmt.Errorf("disown task: %w", err)
	}
	return requireOwned(res)
}

// Cancel marks a non-terminal task cancelled. Workers observe the state
// between loop iterations; external runtimes get a best-effort notice.
func (s *Store) Cancel(ctx context.Context, taskID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks
        SET state = 'cancelled', completed_at = now(), updated_at = now()
        WHERE id = $1 AND state NOT IN ('completed','failed','cancelled')
    `, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrBadTransition
	}
	return nil
}

// Heartbeat refreshes the claim lease. ErrNotOwner means the lease was swept
// and the worker must abandon the task.
func (s *Store) Heartbeat(ctx context.Context, taskID uuid.UUID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE tasks SET heartbeat_at = now()
        WHERE id = $1 AND processor_id = $2
          AND state IN ('claimed','working')
    `, taskID, workerID)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return requireOwned(res)
}

// SweepStale releases claims whose heartbeat lapsed, returning them to the
// pool with retry_count bumped. The UPDATE's state guard makes the release
// exactly-once even with several sweepers running.
func (s *Store) SweepStale(ctx context.Context, olderThan time.Duration) ([]uuid.UUID, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx, `
        UPDATE tasks
        SET state = 'submitted', processor_id = '', claimed_at = NULL,
            heartbeat_at = NULL, retry_count = retry_count + 1,
            updated_at = now()
        WHERE state IN ('claimed','working') AND heartbeat_at < $1
        RETURNING id
    `, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sweep stale claims: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReleaseAllOwned returns every claim this worker still holds to the pool,
// used on shutdown after the grace period lapses.
func (s *Store) ReleaseAllOwned(ctx context.Context, workerID string) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
        UPDATE tasks
        SET state = 'submitted', processor_id = '', claimed_at = NULL,
            heartbeat_at = NULL, updated_at = now()
        WHERE processor_id = $1 AND state IN ('claimed','working')
        RETURNING id
    `, workerID)
	if err != nil {
		return nil, fmt.Errorf("release owned claims: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ContextGroup returns all tasks sharing a context id, oldest first, for
// window assembly across a conversation group.
func (s *Store) ContextGroup(ctx context.Context, contextID string) ([]*models.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+taskColumns+` FROM tasks WHERE context_id = $1 ORDER BY created_at ASC`,
		contextID)
	if err != nil {
		return nil, fmt.Errorf("load context group: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toTask()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// AgentConfig loads the processing profile for a task's owning agent.
func (s *Store) AgentConfig(ctx context.Context, agentID uuid.UUID) (*models.AgentConfig, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw,
		`SELECT config FROM agent_configs WHERE agent_id = $1`, agentID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s has no configuration", agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	var cfg models.AgentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("decode agent config: %w", err)
	}
	cfg.AgentID = agentID
	return &cfg, nil
}

// SaveAuditEntry appends one row to the decision trail.
func (s *Store) SaveAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_entries (
            id, task_id, seq, kind, summary, tool, model, prompt_hash,
            tokens, duration_ms, denied, payload, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    `, e.ID, e.TaskID, e.Seq, e.Kind, e.Summary, e.Tool, e.Model,
		e.PromptHash, e.Tokens, e.DurationMs, e.Denied, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// LastAuditSeq returns the highest seq recorded for the task, -1 when none.
func (s *Store) LastAuditSeq(ctx context.Context, taskID uuid.UUID) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), -1) FROM audit_entries WHERE task_id = $1`, taskID)
	if err != nil {
		return -1, fmt.Errorf("last audit seq: %w", err)
	}
	return seq, nil
}

// SaveDeadLetter inserts a failed-task snapshot for triage.
func (s *Store) SaveDeadLetter(ctx context.Context, d *models.DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO dead_letters (
            id, task_id, tenant_id, class, error, retry_count, snapshot, created_at
        ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    `, d.ID, d.TaskID, d.TenantID, d.Class, d.Error, d.RetryCount, d.Snapshot, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// AuditTrail returns a task's audit entries in sequence order.
func (s *Store) AuditTrail(ctx context.Context, taskID uuid.UUID) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
        SELECT id, task_id, seq, kind, summary, tool, model, prompt_hash,
               tokens, duration_ms, denied, payload, created_at
        FROM audit_entries WHERE task_id = $1 ORDER BY seq ASC
    `, taskID)
	if err != nil {
		return nil, fmt.Errorf("load audit trail: %w", err)
	}
	return entries, nil
}

func requireOwned(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}
