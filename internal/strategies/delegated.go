package strategies

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/tracing"
)

// Delegated hands the task to the agent's own runtime: it signs and delivers
// a task snapshot to the callback endpoint, then parks the task in working
// until the runtime reports back through the update API.
type Delegated struct {
	store     *store.Store
	publisher *events.Publisher
	trail     *audit.Logger
	client    *http.Client
	cfg       config.DelegatedConfig
	logger    *zap.Logger
}

func NewDelegated(st *store.Store, pub *events.Publisher, trail *audit.Logger, cfg config.DelegatedConfig, logger *zap.Logger) *Delegated {
	return &Delegated{
		store:     st,
		publisher: pub,
		trail:     trail,
		client:    &http.Client{Timeout: cfg.ResponseTimeout},
		cfg:       cfg,
		logger:    logger,
	}
}

// snapshot is the payload delivered to the callback endpoint.
type snapshot struct {
	TaskID     string            `json:"task_id"`
	ContextID  string            `json:"context_id"`
	State      string            `json:"state"`
	MandateRef string            `json:"mandate_ref,omitempty"`
	History    []models.Message  `json:"history"`
	Artifacts  []models.Artifact `json:"artifacts,omitempty"`
}

// Process delivers the snapshot with bounded retries. Exhausting the retry
// budget is terminal and classified as a timeout, not retried at the claim
// level: the endpoint is agent-controlled and redelivery would just repeat
// the same failure.
func (d *Delegated) Process(ctx context.Context, task *models.Task, agent *models.AgentConfig) error {
	if agent.CallbackEndpoint == "" || agent.CallbackSecret == "" {
		return &classifiedError{
			err:   fmt.Errorf("agent %s has no callback endpoint configured", agent.AgentID),
			class: models.FailureConfiguration,
		}
	}

	if err := d.store.Transition(ctx, task.ID, models.StateClaimed, models.StateWorking, ""); err != nil {
		return err
	}
	task.State = models.StateWorking
	d.trail.StateChange(ctx, task.ID, models.StateClaimed, models.StateWorking, "delegating to agent runtime")
	d.publisher.Publish(ctx, task.ID.String(), events.Event{
		Type:  events.TypeStateChange,
		State: string(models.StateWorking),
	})

	body, err := json.Marshal(snapshot{
		TaskID:     task.ID.String(),
		ContextID:  task.ContextID,
		State:      string(task.State),
		MandateRef: task.MandateRef,
		History:    task.History,
		Artifacts:  task.Artifacts,
	})
	if err != nil {
		return fmt.Errorf("encode task snapshot: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(audit.Backoff(d.cfg.RetryBackoff, attempt-1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = d.deliver(ctx, task, agent, body, "task")
		if lastErr == nil {
			d.trail.Record(ctx, &models.AuditEntry{
				TaskID:  task.ID,
				Kind:    models.AuditStateChange,
				Summary: "snapshot delivered to agent runtime",
				Payload: models.JSONB{"endpoint": agent.CallbackEndpoint, "attempt": attempt + 1},
			})
			return nil
		}
		d.logger.Warn("callback delivery failed",
			zap.String("task_id", task.ID.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	d.trail.Error(ctx, task.ID, lastErr, "callback delivery exhausted retries")
	return &classifiedError{
		err:   fmt.Errorf("callback delivery to %s failed after %d attempts: %w", agent.CallbackEndpoint, d.cfg.MaxRetries+1, lastErr),
		class: models.FailureTimeout,
	}
}

// Cancel sends a best-effort cancellation notice to the agent runtime. The
// authoritative cancel already happened in the store; delivery failure only
// means the runtime wastes some work.
func (d *Delegated) Cancel(ctx context.Context, task *models.Task, agent *models.AgentConfig) {
	if agent.CallbackEndpoint == "" || agent.CallbackSecret == "" {
		return
	}
	body, _ := json.Marshal(map[string]string{
		"task_id": task.ID.String(),
		"type":    "cancelled",
	})
	if err := d.deliver(ctx, task, agent, body, "cancel"); err != nil {
		d.logger.Debug("cancellation notice not delivered",
			zap.String("task_id", task.ID.String()),
			zap.Error(err),
		)
	}
}

func (d *Delegated) deliver(ctx context.Context, task *models.Task, agent *models.AgentConfig, body []byte, kind string) error {
	token, err := signToken(agent.CallbackSecret, task.ID.String(), d.cfg.ResponseTimeout)
	if err != nil {
		return fmt.Errorf("sign callback token: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ResponseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.CallbackEndpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	tracing.InjectTraceparent(ctx, req)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.CallbackDeliveries.WithLabelValues(kind, "error").Inc()
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.CallbackDeliveries.WithLabelValues(kind, "rejected").Inc()
		return fmt.Errorf("callback endpoint returned status %d", resp.StatusCode)
	}
	metrics.CallbackDeliveries.WithLabelValues(kind, "ok").Inc()
	return nil
}

// signToken mints the short-lived HS256 token the agent runtime uses to
// verify the delivery came from this platform.
func signToken(secret, taskID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "taskcore",
		Subject:   taskID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl + time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
