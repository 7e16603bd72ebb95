package strategies

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/budget"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/contextwindow"
	"github.com/payos/taskcore/internal/escalation"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/tools"
)

// Managed runs the full reasoning loop for tasks whose agent delegates
// execution to the platform: assemble context, call the model, execute tool
// calls, repeat until the model answers without tools or a bound trips.
type Managed struct {
	store      *store.Store
	assembler  *contextwindow.Assembler
	provider   inference.Provider
	budget     *budget.Manager
	registry   *tools.Registry
	escalation *escalation.Manager
	publisher  *events.Publisher
	trail      *audit.Logger
	cfg        config.ManagedConfig
	logger     *zap.Logger
}

func NewManaged(
	st *store.Store,
	assembler *contextwindow.Assembler,
	provider inference.Provider,
	budgetMgr *budget.Manager,
	registry *tools.Registry,
	esc *escalation.Manager,
	pub *events.Publisher,
	trail *audit.Logger,
	cfg config.ManagedConfig,
	logger *zap.Logger,
) *Managed {
	return &Managed{
		store:      st,
		assembler:  assembler,
		provider:   provider,
		budget:     budgetMgr,
		registry:   registry,
		escalation: esc,
		publisher:  pub,
		trail:      trail,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process drives one claimed task. Admission happens before any model call so
// an exhausted daily budget refuses the task without spending tokens.
func (m *Managed) Process(ctx context.Context, task *models.Task, agent *models.AgentConfig) error {
	decision, err := m.budget.Admit(ctx, agent)
	if err != nil {
		return err
	}
	if decision.Downgraded {
		m.trail.Record(ctx, &models.AuditEntry{
			TaskID:  task.ID,
			Kind:    models.AuditStateChange,
			Summary: "model downgraded under budget pressure",
			Model:   decision.Model,
		})
	}

	if err := m.transition(ctx, task, models.StateClaimed, models.StateWorking, "processing started"); err != nil {
		return err
	}

	history, err := m.loadHistory(ctx, task)
	if err != nil {
		return err
	}

	meter := budget.NewTaskMeter(agent.MaxTokensPerTask)
	defer meter.Finish()

	taskID := task.ID.String()
	for iteration := 0; iteration < m.cfg.MaxToolIterations; iteration++ {
		if stop, err := m.cancelled(ctx, task); err != nil || stop {
			return err
		}

		if err := m.budget.Wait(ctx, agent.AgentID); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		window := m.assembler.Assemble(ctx, history)
		req := inference.Request{
			Model:        decision.Model,
			SystemPrompt: agent.SystemPrompt,
			Messages:     window,
			Tools:        m.registry.SchemasFor(agent),
		}

		start := time.Now()
		resp, err := m.provider.CompleteStream(ctx, req, func(delta string) {
			m.publisher.Publish(ctx, taskID, events.Event{
				Type:    events.TypeMessageDelta,
				Message: delta,
			})
		})
		latency := time.Since(start)
		if err != nil {
			metrics.InferenceCalls.WithLabelValues(decision.Model, "error").Inc()
			m.trail.Error(ctx, task.ID, err, "inference call failed")
			return fmt.Errorf("inference: %w", err)
		}
		metrics.InferenceCalls.WithLabelValues(decision.Model, "ok").Inc()
		metrics.InferenceDuration.WithLabelValues(decision.Model).Observe(latency.Seconds())

		if err := m.budget.Record(ctx, budget.Usage{
			TaskID:       task.ID,
			AgentID:      agent.AgentID,
			TenantID:     agent.TenantID,
			Model:        resp.Model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}); err != nil {
			// Metering failures are logged, not fatal: the usage row is
			// recoverable from the audit trail.
			m.logger.Error("usage recording failed", zap.Error(err))
		}
		m.trail.InferenceCall(ctx, task.ID, resp.Model, agent.SystemPrompt,
			resp.Usage.TotalTokens, latency, models.JSONB{
				"input_tokens":  resp.Usage.InputTokens,
				"output_tokens": resp.Usage.OutputTokens,
				"tool_calls":    len(resp.ToolCalls),
				"iteration":     iteration,
			})

		if meter.Add(resp.Usage.InputTokens, resp.Usage.OutputTokens) {
			return m.finishTruncated(ctx, task, resp.Text, meter.Used(), agent.MaxTokensPerTask)
		}

		if len(resp.ToolCalls) == 0 {
			return m.finishAnswer(ctx, task, resp)
		}

		msg, suspended, err := m.runToolCalls(ctx, task, agent, resp)
		if err != nil || suspended {
			return err
		}
		if err := m.store.AppendMessage(ctx, task.ID, msg); err != nil {
			return fmt.Errorf("persist tool turn: %w", err)
		}
		history = append(history, msg)
	}

	// The iteration bound tripped: close out with what we have rather than
	// burning more budget.
	notice := fmt.Sprintf("Stopped after %d tool iterations without a final answer.", m.cfg.MaxToolIterations)
	return m.finishWithNotice(ctx, task, "", notice)
}

// runToolCalls executes the model's tool requests and builds the combined
// turn message (assistant text, tool calls, and their results as ordered
// parts). suspended is true when an escalation parked the task.
func (m *Managed) runToolCalls(ctx context.Context, task *models.Task, agent *models.AgentConfig, resp *inference.Response) (models.Message, bool, error) {
	msg := models.Message{
		ID:        uuid.New(),
		Role:      models.RoleAgent,
		CreatedAt: time.Now(),
	}
	if resp.Text != "" {
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartText, Text: resp.Text})
	}

	taskID := task.ID.String()
	for _, inv := range resp.ToolCalls {
		call := models.ToolCall{ID: inv.ID, Name: inv.Name, Input: models.JSONB(inv.Arguments)}
		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartToolCall, ToolCall: &call})
		m.publisher.Publish(ctx, taskID, events.Event{
			Type:    events.TypeToolCall,
			Message: call.Name,
			Payload: map[string]interface{}{"call_id": call.ID},
		})

		if call.Name == tools.EscalateToolName {
			reason := "agent requested external input"
			if r, ok := inv.Arguments["reason"].(string); ok && r != "" {
				reason = r
			}
			if err := m.escalation.Suspend(ctx, task, escalation.TriggerAgentRequest, reason); err != nil {
				return msg, false, err
			}
			return msg, true, nil
		}

		result, err := m.registry.Execute(ctx, agent, call)
		if tools.IsEscalation(err) {
			if serr := m.escalation.Suspend(ctx, task, escalation.TriggerApprovalGate, result.Error); serr != nil {
				return msg, false, serr
			}
			return msg, true, nil
		}
		if err != nil {
			return msg, false, err
		}

		msg.Parts = append(msg.Parts, models.Part{Kind: models.PartToolResult, ToolResult: &result})
		m.trail.ToolCall(ctx, task.ID, result, call.Input)
		m.publisher.Publish(ctx, taskID, events.Event{
			Type:    events.TypeToolResult,
			Message: result.Name,
			Payload: map[string]interface{}{
				"call_id": result.CallID,
				"denied":  result.Denied,
				"error":   result.Error,
			},
		})
	}
	return msg, false, nil
}

// finishAnswer persists the final agent message plus a result artifact and
// completes the task.
func (m *Managed) finishAnswer(ctx context.Context, task *models.Task, resp *inference.Response) error {
	final := models.NewTextMessage(models.RoleAgent, resp.Text)
	if err := m.store.AppendMessage(ctx, task.ID, final); err != nil {
		return fmt.Errorf("persist final answer: %w", err)
	}
	artifact := models.Artifact{
		Name: "response",
		Data: models.JSONB{"text": resp.Text, "model": resp.Model},
	}
	if err := m.store.AddArtifact(ctx, task.ID, artifact); err != nil {
		return fmt.Errorf("persist result artifact: %w", err)
	}
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:    events.TypeMessage,
		Message: resp.Text,
	})
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:    events.TypeArtifact,
		Message: artifact.Name,
	})
	return m.complete(ctx, task, "answered")
}

// finishTruncated stops the loop at the per-task token cap, keeping any
// partial answer and telling the caller why the response ends early.
func (m *Managed) finishTruncated(ctx context.Context, task *models.Task, partial string, used, capTokens int) error {
	notice := fmt.Sprintf("Response truncated: task token budget exhausted (%d/%d).", used, capTokens)
	return m.finishWithNotice(ctx, task, partial, notice)
}

func (m *Managed) finishWithNotice(ctx context.Context, task *models.Task, partial, notice string) error {
	if partial != "" {
		if err := m.store.AppendMessage(ctx, task.ID, models.NewTextMessage(models.RoleAgent, partial)); err != nil {
			return fmt.Errorf("persist partial answer: %w", err)
		}
	}
	if err := m.store.AppendMessage(ctx, task.ID, models.NewTextMessage(models.RoleSystem, notice)); err != nil {
		return fmt.Errorf("persist truncation notice: %w", err)
	}
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:    events.TypeMessage,
		Message: notice,
	})
	return m.complete(ctx, task, notice)
}

func (m *Managed) complete(ctx context.Context, task *models.Task, detail string) error {
	if err := m.store.Transition(ctx, task.ID, models.StateWorking, models.StateCompleted, ""); err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	m.trail.StateChange(ctx, task.ID, models.StateWorking, models.StateCompleted, detail)
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:     events.TypeStateChange,
		State:    string(models.StateCompleted),
		Terminal: true,
	})
	return nil
}

func (m *Managed) transition(ctx context.Context, task *models.Task, from, to models.TaskState, detail string) error {
	if err := m.store.Transition(ctx, task.ID, from, to, ""); err != nil {
		return err
	}
	task.State = to
	m.trail.StateChange(ctx, task.ID, from, to, detail)
	m.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:  events.TypeStateChange,
		State: string(to),
	})
	return nil
}

// cancelled re-reads the task between iterations so an external cancel takes
// effect at the next loop boundary rather than mid-flight.
func (m *Managed) cancelled(ctx context.Context, task *models.Task) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, err
	}
	current, err := m.store.Get(ctx, task.ID)
	if err != nil {
		return false, fmt.Errorf("refresh task state: %w", err)
	}
	if current.State == models.StateCancelled {
		m.logger.Info("task cancelled, stopping loop",
			zap.String("task_id", task.ID.String()))
		return true, nil
	}
	return false, nil
}

// loadHistory merges the task's context group into one timeline; tasks
// without a group use their own history.
func (m *Managed) loadHistory(ctx context.Context, task *models.Task) ([]models.Message, error) {
	if task.ContextID == "" {
		return task.History, nil
	}
	group, err := m.store.ContextGroup(ctx, task.ContextID)
	if err != nil {
		return nil, err
	}
	if len(group) == 0 {
		return task.History, nil
	}
	return contextwindow.MergeGroup(group), nil
}
