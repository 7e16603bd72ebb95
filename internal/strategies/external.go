package strategies

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
)

// Updater applies state reports from external agent runtimes to parked
// delegated and queued tasks. Transitions are forward-only from working;
// anything else is rejected.
type Updater struct {
	store     *store.Store
	publisher *events.Publisher
	trail     *audit.Logger
	logger    *zap.Logger
}

func NewUpdater(st *store.Store, pub *events.Publisher, trail *audit.Logger, logger *zap.Logger) *Updater {
	return &Updater{store: st, publisher: pub, trail: trail, logger: logger}
}

// Update is one external state report.
type Update struct {
	State     models.TaskState  `json:"state"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifacts []models.Artifact `json:"artifacts,omitempty"`
}

// ApplyExternalUpdate validates and applies the report. The message is
// appended before the transition so readers of the new state always see it.
func (u *Updater) ApplyExternalUpdate(ctx context.Context, taskID uuid.UUID, upd Update) error {
	switch upd.State {
	case models.StateCompleted, models.StateFailed, models.StateNeedsInput:
	default:
		return fmt.Errorf("external update to %q not allowed: %w", upd.State, store.ErrBadTransition)
	}

	task, err := u.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.StateWorking {
		return fmt.Errorf("task %s is %s, external updates apply only to working tasks: %w",
			taskID, task.State, store.ErrBadTransition)
	}

	if upd.Message != "" {
		msg := models.NewTextMessage(models.RoleAgent, upd.Message)
		if err := u.store.AppendMessage(ctx, taskID, msg); err != nil {
			return fmt.Errorf("append external message: %w", err)
		}
		u.publisher.Publish(ctx, taskID.String(), events.Event{
			Type:    events.TypeMessage,
			Message: upd.Message,
		})
	}
	for _, a := range upd.Artifacts {
		if err := u.store.AddArtifact(ctx, taskID, a); err != nil {
			return fmt.Errorf("append external artifact: %w", err)
		}
		u.publisher.Publish(ctx, taskID.String(), events.Event{
			Type:    events.TypeArtifact,
			Message: a.Name,
		})
	}

	if err := u.store.Transition(ctx, taskID, models.StateWorking, upd.State, upd.Error); err != nil {
		return err
	}
	u.trail.StateChange(ctx, taskID, models.StateWorking, upd.State, "external update")
	u.publisher.Publish(ctx, taskID.String(), events.Event{
		Type:     events.TypeStateChange,
		State:    string(upd.State),
		Terminal: upd.State.Terminal(),
	})
	if upd.State.Terminal() {
		metrics.TasksCompleted.WithLabelValues("external", string(upd.State)).Inc()
	}
	u.logger.Info("external update applied",
		zap.String("task_id", taskID.String()),
		zap.String("state", string(upd.State)),
	)
	return nil
}
