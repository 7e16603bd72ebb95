package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
)

// Sink persists audit entries and dead letters. The task store implements it.
type Sink interface {
	SaveAuditEntry(ctx context.Context, e *models.AuditEntry) error
	LastAuditSeq(ctx context.Context, taskID uuid.UUID) (int64, error)
	SaveDeadLetter(ctx context.Context, d *models.DeadLetterEntry) error
}

// Logger is the append-only decision trail. Sequence numbers are assigned
// synchronously at record time (dense, monotonic per task); the durable
// write happens on a background worker pool with a synchronous fallback when
// the queue is full, so the trail never drops entries.
type Logger struct {
	sink   Sink
	logger *zap.Logger

	queue     chan *models.AuditEntry
	workers   int
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu   sync.Mutex
	seqs map[uuid.UUID]int64 // next seq per in-flight task
}

// NewLogger creates the audit logger and starts its write workers.
func NewLogger(sink Sink, cfg config.AuditConfig, logger *zap.Logger) *Logger {
	l := &Logger{
		sink:    sink,
		logger:  logger,
		queue:   make(chan *models.AuditEntry, cfg.QueueSize),
		workers: cfg.Workers,
		stopCh:  make(chan struct{}),
		seqs:    make(map[uuid.UUID]int64),
	}
	if l.workers <= 0 {
		l.workers = 4
	}
	for i := 0; i < l.workers; i++ {
		l.wg.Add(1)
		go l.writeWorker()
	}
	return l
}

func (l *Logger) writeWorker() {
	defer l.wg.Done()
	for {
		select {
		case <-l.stopCh:
			// Drain remaining entries before exiting.
			for {
				select {
				case e := <-l.queue:
					l.write(e)
				default:
					return
				}
			}
		case e := <-l.queue:
			l.write(e)
			metrics.AuditQueueDepth.Set(float64(len(l.queue)))
		}
	}
}

func (l *Logger) write(e *models.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.sink.SaveAuditEntry(ctx, e); err != nil {
		l.logger.Error("audit write failed",
			zap.String("task_id", e.TaskID.String()),
			zap.Int64("seq", e.Seq),
			zap.Error(err),
		)
	}
}

// next assigns the task's next dense sequence number, resuming from the
// durable trail for tasks reclaimed by this worker.
func (l *Logger) next(ctx context.Context, taskID uuid.UUID) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.seqs[taskID]; ok {
		l.seqs[taskID] = n + 1
		return n
	}
	last, err := l.sink.LastAuditSeq(ctx, taskID)
	if err != nil {
		l.logger.Warn("audit seq lookup failed, starting from 0",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		last = -1
	}
	l.seqs[taskID] = last + 2
	return last + 1
}

// Record assigns a sequence number and queues the entry for writing. When
// the queue is full the write happens synchronously rather than dropping.
func (l *Logger) Record(ctx context.Context, e *models.AuditEntry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Seq = l.next(ctx, e.TaskID)
	metrics.AuditEntriesWritten.WithLabelValues(string(e.Kind)).Inc()

	select {
	case l.queue <- e:
	default:
		l.logger.Warn("audit queue full, writing synchronously",
			zap.String("task_id", e.TaskID.String()),
		)
		l.write(e)
	}
}

// InferenceCall records one provider call: prompt hash, token counts,
// latency, and a reference to the raw response in the payload column.
func (l *Logger) InferenceCall(ctx context.Context, taskID uuid.UUID, model, prompt string, tokens int, latency time.Duration, payload models.JSONB) {
	l.Record(ctx, &models.AuditEntry{
		TaskID:     taskID,
		Kind:       models.AuditInferenceCall,
		Summary:    "inference call",
		Model:      model,
		PromptHash: hashPrompt(prompt),
		Tokens:     tokens,
		DurationMs: latency.Milliseconds(),
		Payload:    payload,
	})
}

// ToolCall records a tool execution including permission denials.
func (l *Logger) ToolCall(ctx context.Context, taskID uuid.UUID, res models.ToolResult, input models.JSONB) {
	summary := "tool call"
	if res.Denied {
		summary = "tool call denied"
	} else if res.Error != "" {
		summary = "tool call failed"
	}
	l.Record(ctx, &models.AuditEntry{
		TaskID:     taskID,
		Kind:       models.AuditToolCall,
		Summary:    summary,
		Tool:       res.Name,
		Denied:     res.Denied,
		DurationMs: res.DurationMs,
		Payload: models.JSONB{
			"input":  input,
			"output": res.Output,
			"error":  res.Error,
		},
	})
}

// StateChange records a lifecycle transition.
func (l *Logger) StateChange(ctx context.Context, taskID uuid.UUID, from, to models.TaskState, detail string) {
	l.Record(ctx, &models.AuditEntry{
		TaskID:  taskID,
		Kind:    models.AuditStateChange,
		Summary: string(from) + " -> " + string(to),
		Payload: models.JSONB{"from": string(from), "to": string(to), "detail": detail},
	})
}

// Error records a processing error in the trail.
func (l *Logger) Error(ctx context.Context, taskID uuid.UUID, err error, detail string) {
	l.Record(ctx, &models.AuditEntry{
		TaskID:  taskID,
		Kind:    models.AuditError,
		Summary: detail,
		Payload: models.JSONB{"error": err.Error()},
	})
}

// DeadLetter snapshots a terminally-failed task for manual triage.
func (l *Logger) DeadLetter(ctx context.Context, task *models.Task, class models.FailureClass, cause error) {
	snapshot := models.JSONB{
		"state":       string(task.State),
		"context_id":  task.ContextID,
		"retry_count": task.RetryCount,
		"history_len": len(task.History),
	}
	entry := &models.DeadLetterEntry{
		ID:         uuid.New(),
		TaskID:     task.ID,
		TenantID:   task.TenantID,
		Class:      class,
		Error:      cause.Error(),
		RetryCount: task.RetryCount,
		Snapshot:   snapshot,
		CreatedAt:  time.Now(),
	}
	if err := l.sink.SaveDeadLetter(ctx, entry); err != nil {
		l.logger.Error("dead letter write failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
		return
	}
	metrics.DeadLetters.WithLabelValues(string(class)).Inc()
	l.logger.Warn("task moved to dead letter queue",
		zap.String("task_id", task.ID.String()),
		zap.String("class", string(class)),
		zap.Error(cause),
	)
}

// Forget evicts the in-memory sequence counter once a task leaves this worker.
func (l *Logger) Forget(taskID uuid.UUID) {
	l.mu.Lock()
	delete(l.seqs, taskID)
	l.mu.Unlock()
}

// Close stops the workers after draining queued writes. Safe to call twice.
func (l *Logger) Close() {
	l.closeOnce.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func hashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:8])
}
