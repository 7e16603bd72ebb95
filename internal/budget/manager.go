package budget

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/payos/taskcore/internal/circuitbreaker"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/pricing"
)

// ExceededError reports a refused task together with the time the daily
// window resets, so callers can tell the submitter when to retry.
type ExceededError struct {
	Used    int
	Limit   int
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily token budget exceeded (%d/%d), resets at %s",
		e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// Usage is one append-only usage record for a single inference call.
type Usage struct {
	TaskID       uuid.UUID
	AgentID      uuid.UUID
	TenantID     uuid.UUID
	Model        string
	InputTokens  int
	OutputTokens int
}

// Decision is the admission outcome for a new task.
type Decision struct {
	Model      string
	Downgraded bool
	DailyUsed  int
	ResetAt    time.Time
}

// Manager meters token usage per task and per agent-day and enforces hard
// stops. Daily totals live in a compact durable counter row updated with an
// atomic increment, never read-then-write, so two workers racing a nearly
// exhausted budget cannot both slip under it.
type Manager struct {
	db      *sql.DB
	breaker *circuitbreaker.Breaker
	pricing *pricing.Table
	logger  *zap.Logger

	warningFraction float64
	loc             *time.Location

	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

// NewManager creates the cost controller. The day boundary timezone is a
// deployment choice (default UTC).
func NewManager(db *sql.DB, table *pricing.Table, cfg config.BudgetConfig, logger *zap.Logger) (*Manager, error) {
	loc, err := time.LoadLocation(cfg.DayBoundaryTZ)
	if err != nil {
		return nil, fmt.Errorf("invalid day boundary timezone %q: %w", cfg.DayBoundaryTZ, err)
	}
	limit := rate.Limit(cfg.RatePerSecond)
	if limit <= 0 {
		limit = rate.Inf
	}
	return &Manager{
		db:              db,
		breaker:         circuitbreaker.New("budget-db", circuitbreaker.DefaultConfig(), logger),
		pricing:         table,
		logger:          logger,
		warningFraction: cfg.WarningFraction,
		loc:             loc,
		limit:           limit,
		burst:           cfg.RateBurst,
		limiters:        make(map[uuid.UUID]*rate.Limiter),
	}, nil
}

// Admit checks the agent's rolling daily usage before a task starts.
// Below the warning threshold the configured model is used; between warning
// and hard threshold the cheaper fallback model is substituted; at or above
// the hard threshold the task is refused with the reset time.
func (m *Manager) Admit(ctx context.Context, agent *models.AgentConfig) (*Decision, error) {
	resetAt := m.nextReset()
	if agent.MaxTokensPerDay <= 0 {
		return &Decision{Model: agent.Model, ResetAt: resetAt}, nil
	}

	used, err := m.dailyUsed(ctx, agent.AgentID)
	if err != nil {
		return nil, fmt.Errorf("read daily usage: %w", err)
	}

	hard := agent.MaxTokensPerDay
	warn := int(float64(hard) * m.warningFraction)

	if used >= hard {
		metrics.BudgetRejections.Inc()
		return nil, &ExceededError{Used: used, Limit: hard, ResetAt: resetAt}
	}

	decision := &Decision{Model: agent.Model, DailyUsed: used, ResetAt: resetAt}
	if used >= warn && agent.FallbackModel != "" && agent.FallbackModel != agent.Model {
		decision.Model = agent.FallbackModel
		decision.Downgraded = true
		metrics.ModelDowngrades.WithLabelValues(agent.Model, agent.FallbackModel).Inc()
		m.logger.Info("budget pressure, using fallback model",
			zap.String("agent_id", agent.AgentID.String()),
			zap.String("model", agent.FallbackModel),
			zap.Int("daily_used", used),
			zap.Int("warn_threshold", warn),
		)
	}
	return decision, nil
}

// Record appends one usage row and atomically bumps the agent-day counter.
func (m *Manager) Record(ctx context.Context, u Usage) error {
	total := u.InputTokens + u.OutputTokens
	cost := m.pricing.CostUSD(u.Model, u.InputTokens, u.OutputTokens)
	day := m.today()

	err := m.breaker.Execute(ctx, func() error {
		_, err := m.db.ExecContext(ctx, `
            INSERT INTO usage_records (
                id, task_id, agent_id, tenant_id, model,
                input_tokens, output_tokens, total_tokens, cost_usd, created_at
            ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        `, uuid.New(), u.TaskID, u.AgentID, u.TenantID, u.Model,
			u.InputTokens, u.OutputTokens, total, cost, time.Now())
		if err != nil {
			return err
		}
		_, err = m.db.ExecContext(ctx, `
            INSERT INTO agent_daily_usage (agent_id, day, tokens, cost_usd)
            VALUES ($1,$2,$3,$4)
            ON CONFLICT (agent_id, day) DO UPDATE
            SET tokens = agent_daily_usage.tokens + EXCLUDED.tokens,
                cost_usd = agent_daily_usage.cost_usd + EXCLUDED.cost_usd
        `, u.AgentID, day, total, cost)
		return err
	})
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	metrics.TaskCostUSD.Observe(cost)
	return nil
}

// Wait paces inference calls per agent.
func (m *Manager) Wait(ctx context.Context, agentID uuid.UUID) error {
	m.mu.Lock()
	lim, ok := m.limiters[agentID]
	if !ok {
		lim = rate.NewLimiter(m.limit, m.burst)
		m.limiters[agentID] = lim
	}
	m.mu.Unlock()
	return lim.Wait(ctx)
}

// CostUSD exposes pricing for audit entries.
func (m *Manager) CostUSD(model string, in, out int) float64 {
	return m.pricing.CostUSD(model, in, out)
}

func (m *Manager) dailyUsed(ctx context.Context, agentID uuid.UUID) (int, error) {
	var used int
	err := m.breaker.Execute(ctx, func() error {
		row := m.db.QueryRowContext(ctx,
			`SELECT tokens FROM agent_daily_usage WHERE agent_id = $1 AND day = $2`,
			agentID, m.today())
		if err := row.Scan(&used); err != nil {
			if err == sql.ErrNoRows {
				used = 0
				return nil
			}
			return err
		}
		return nil
	})
	return used, err
}

func (m *Manager) today() string {
	return time.Now().In(m.loc).Format("2006-01-02")
}

func (m *Manager) nextReset() time.Time {
	now := time.Now().In(m.loc)
	y, mo, d := now.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, m.loc).AddDate(0, 0, 1)
}
