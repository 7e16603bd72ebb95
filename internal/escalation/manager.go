package escalation

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

// Trigger names why a task was suspended.
type Trigger string

const (
	TriggerAgentRequest  Trigger = "agent_request"
	TriggerApprovalGate  Trigger = "approval_gate"
	TriggerPolicyRefusal Trigger = "policy_refusal"
)

// Manager suspends tasks awaiting external input and requeues them when a
// response arrives. A suspended task releases its claim entirely; any worker
// may pick it up afterwards and reconstruct the conversation from durable
// history.
type Manager struct {
	store     *store.Store
	publisher *events.Publisher
	trail     *audit.Logger
	logger    *zap.Logger
}

func NewManager(st *store.Store, pub *events.Publisher, trail *audit.Logger, logger *zap.Logger) *Manager {
	return &Manager{store: st, publisher: pub, trail: trail, logger: logger}
}

// Suspend records the escalation question in history and parks the task in
// needs_input. The question is appended before the transition so an observer
// who sees the state always finds the question it refers to.
func (m *Manager) Suspend(ctx context.Context, task *models.Task, trigger Trigger, question string) error {
	msg := models.NewTextMessage(models.RoleAgent, question)
	if err := m.store.AppendMessage(ctx, task.ID, msg); err != nil {
		return fmt.Errorf("append escalation question: %w", err)
	}
	if err := m.store.Transition(ctx, task.ID, models.StateWorking, models.StateNeedsInput, ""); err != nil {
		return fmt.Errorf("suspend task: %w", err)
	}

	metrics.Escalations.WithLabelValues(string(trigger)).Inc()
	m.trail.StateChange(ctx, task.ID, models.StateWorking, models.StateNeedsInput, string(trigger))
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:    events.TypeStateChange,
		State:   string(models.StateNeedsInput),
		Message: question,
		Payload: map[string]interface{}{"trigger": string(trigger)},
	})
	m.logger.Info("task suspended for external input",
		zap.String("task_id", task.ID.String()),
		zap.String("trigger", string(trigger)),
	)
	return nil
}

// Respond appends the responder's message and returns the task to the
// claimable pool. Append happens before the transition: a claimed resume
// must always see the response in history. Only tasks in needs_input accept
// a response; the forward-only guard rejects everything else, including a
// second responder racing the first.
func (m *Manager) Respond(ctx context.Context, taskID uuid.UUID, text string) error {
	task, err := m.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.State != models.StateNeedsInput {
		return fmt.Errorf("task %s is %s, not awaiting input: %w",
			taskID, task.State, store.ErrBadTransition)
	}

	msg := models.NewTextMessage(models.RoleCaller, text)
	if err := m.store.AppendMessage(ctx, taskID, msg); err != nil {
		return fmt.Errorf("append escalation response: %w", err)
	}
	if err := m.store.Transition(ctx, taskID, models.StateNeedsInput, models.StateSubmitted, ""); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}

	metrics.EscalationResponses.Inc()
	m.trail.StateChange(ctx, taskID, models.StateNeedsInput, models.StateSubmitted, "response received")
	m.publisher.Publish(ctx, taskID.String(), events.Event{
		Type:    events.TypeStateChange,
		State:   string(models.StateSubmitted),
		Message: "input received, task requeued",
	})
	m.logger.Info("escalation response requeued task",
		zap.String("task_id", taskID.String()),
	)
	return nil
}
