package strategies

import (
	"context"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
)

// Queued performs no automation: the task is marked working and waits for
// the agent's runtime to poll it and report progress through the update API.
type Queued struct {
	store     *store.Store
	publisher *events.Publisher
	trail     *audit.Logger
	logger    *zap.Logger
}

func NewQueued(st *store.Store, pub *events.Publisher, trail *audit.Logger, logger *zap.Logger) *Queued {
	return &Queued{store: st, publisher: pub, trail: trail, logger: logger}
}

func (q *Queued) Process(ctx context.Context, task *models.Task, agent *models.AgentConfig) error {
	if err := q.store.Transition(ctx, task.ID, models.StateClaimed, models.StateWorking, ""); err != nil {
		return err
	}
	task.State = models.StateWorking
	q.trail.StateChange(ctx, task.ID, models.StateClaimed, models.StateWorking, "queued for external runtime")
	q.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:    events.TypeStateChange,
		State:   string(models.StateWorking),
		Payload: map[string]interface{}{"queued": true},
	})
	q.logger.Debug("task queued for external runtime",
		zap.String("task_id", task.ID.String()),
	)
	return nil
}
