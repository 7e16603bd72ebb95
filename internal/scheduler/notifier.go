package scheduler

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
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
)

// Notifier delivers signed terminal-state webhooks to submitters that
// registered a notification endpoint. Delivery is best-effort with bounded
// retries; the durable task row remains the source of truth either way.
type Notifier struct {
	client  *http.Client
	secret  string
	retries int
	logger  *zap.Logger
}

func NewNotifier(secret string, logger *zap.Logger) *Notifier {
	return &Notifier{
		client:  &http.Client{Timeout: 10 * time.Second},
		secret:  secret,
		retries: 2,
		logger:  logger,
	}
}

type terminalNotification struct {
	TaskID       string    `json:"task_id"`
	ContextID    string    `json:"context_id"`
	State        string    `json:"state"`
	ErrorDetails string    `json:"error_details,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// NotifyTerminal posts the terminal state to the task's notify endpoint.
func (n *Notifier) NotifyTerminal(ctx context.Context, task *models.Task) {
	completedAt := time.Now()
	if task.CompletedAt != nil {
		completedAt = *task.CompletedAt
	}
	body, err := json.Marshal(terminalNotification{
		TaskID:       task.ID.String(),
		ContextID:    task.ContextID,
		State:        string(task.State),
		ErrorDetails: task.ErrorDetails,
		CompletedAt:  completedAt,
	})
	if err != nil {
		n.logger.Error("encode notification", zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(audit.Backoff(time.Second, attempt-1)):
			case <-ctx.Done():
				return
			}
		}
		if lastErr = n.deliver(ctx, task.NotifyEndpoint, task.ID.String(), body); lastErr == nil {
			metrics.CallbackDeliveries.WithLabelValues("notify", "ok").Inc()
			return
		}
	}
	metrics.CallbackDeliveries.WithLabelValues("notify", "error").Inc()
	n.logger.Warn("terminal notification not delivered",
		zap.String("task_id", task.ID.String()),
		zap.String("endpoint", task.NotifyEndpoint),
		zap.Error(lastErr),
	)
}

func (n *Notifier) deliver(ctx context.Context, endpoint, taskID string, body []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		token, err := n.sign(taskID)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

func (n *Notifier) sign(taskID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "taskcore",
		Subject:   taskID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(n.secret))
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("notification endpoint returned status %d", e.code)
}
