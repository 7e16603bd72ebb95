package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/metrics"
	"github.com/payos/taskcore/internal/models"
)

// Registry holds the canonical tool catalog and executes approved calls.
type Registry struct {
	defs       map[string]Definition
	capability Capability
	custom     *customExecutor
	logger     *zap.Logger
}

// NewRegistry builds the registry over the domain capability boundary.
func NewRegistry(capability Capability, cfg config.ToolsConfig, logger *zap.Logger) *Registry {
	defs := make(map[string]Definition)
	for _, d := range builtinDefinitions() {
		defs[d.Name] = d
	}
	return &Registry{
		defs:       defs,
		capability: capability,
		custom:     newCustomExecutor(cfg, logger),
		logger:     logger,
	}
}

// Register adds or replaces a canonical tool definition.
func (r *Registry) Register(def Definition) {
	r.defs[def.Name] = def
}

// SchemasFor returns the tool schemas the agent may invoke: permitted
// builtins plus the agent's own custom tools.
func (r *Registry) SchemasFor(agent *models.AgentConfig) []inference.ToolSchema {
	var out []inference.ToolSchema
	for _, d := range builtinDefinitions() {
		def, ok := r.defs[d.Name]
		if !ok {
			continue
		}
		if !permitted(agent, def.Permissions) {
			continue
		}
		out = append(out, inference.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	for _, ct := range agent.CustomTools {
		out = append(out, inference.ToolSchema{
			Name:        ct.Name,
			Description: ct.Description,
			Parameters:  ct.Parameters,
		})
	}
	return out
}

// Execute resolves and runs one tool call for the agent. It always returns a
// ToolResult: failures are structured errors the model can recover from, and
// a denial is flagged so the caller can audit it. The returned error is
// non-nil only for marker conditions the strategy must act on (escalation
// policy), never for ordinary tool failures.
func (r *Registry) Execute(ctx context.Context, agent *models.AgentConfig, call models.ToolCall) (models.ToolResult, error) {
	start := time.Now()
	res := models.ToolResult{CallID: call.ID, Name: call.Name}

	finish := func(outcome string) models.ToolResult {
		res.DurationMs = time.Since(start).Milliseconds()
		metrics.ToolExecutions.WithLabelValues(call.Name, outcome).Inc()
		return res
	}

	// Custom tools shadow nothing: builtin names win.
	def, isBuiltin := r.defs[call.Name]
	if !isBuiltin {
		if ct, ok := findCustomTool(agent, call.Name); ok {
			out, err := r.custom.execute(ctx, ct, call.Input)
			if err != nil {
				res.Error = err.Error()
				return finish("error"), nil
			}
			res.Output = out
			return finish("ok"), nil
		}
		res.Error = fmt.Sprintf("%s: %q", ErrUnknownTool, call.Name)
		return finish("unknown"), nil
	}

	if !permitted(agent, def.Permissions) {
		res.Denied = true
		res.Error = fmt.Sprintf("%s: %s requires %v", ErrPermissionDenied, call.Name, def.Permissions)
		metrics.PermissionDenials.WithLabelValues(call.Name).Inc()
		r.logger.Warn("tool call denied",
			zap.String("tool", call.Name),
			zap.String("agent_id", agent.AgentID.String()),
		)
		return finish("denied"), nil
	}

	args := injectContext(agent, def, call.Input)

	// Transfers at or above the agent's approval threshold escalate instead
	// of executing.
	if call.Name == "funds.transfer" && agent.ApprovalThreshold > 0 {
		if amount, ok := toFloat(args["amount"]); ok && amount >= agent.ApprovalThreshold {
			res.Error = fmt.Sprintf("transfer of %.2f requires approval (threshold %.2f)", amount, agent.ApprovalThreshold)
			return finish("approval_required"), fmt.Errorf("%w: amount %.2f", ErrApprovalRequired, amount)
		}
	}

	out, err := r.capability.Execute(ctx, call.Name, args)
	if err != nil {
		res.Error = err.Error()
		return finish("error"), nil
	}
	res.Output = out
	return finish("ok"), nil
}

// permitted reports whether the agent holds every required grant.
func permitted(agent *models.AgentConfig, required []string) bool {
	for _, p := range required {
		if !agent.HasPermission(p) {
			return false
		}
	}
	return true
}

// injectContext overwrites identity arguments from the agent's own context.
// Model-supplied values for injected arguments are ignored.
func injectContext(agent *models.AgentConfig, def Definition, input models.JSONB) map[string]interface{} {
	args := make(map[string]interface{}, len(input)+len(def.Inject))
	for k, v := range input {
		args[k] = v
	}
	for _, name := range def.Inject {
		switch name {
		case "wallet_id":
			if agent.WalletID != "" {
				args["wallet_id"] = agent.WalletID
			}
		case "mandate_id":
			if agent.MandateID != "" {
				args["mandate_id"] = agent.MandateID
			}
		case "account_id":
			if agent.AccountID != "" {
				args["account_id"] = agent.AccountID
			}
		}
	}
	return args
}

func findCustomTool(agent *models.AgentConfig, name string) (models.CustomTool, bool) {
	for _, ct := range agent.CustomTools {
		if ct.Name == name {
			return ct, true
		}
	}
	return models.CustomTool{}, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// IsEscalation reports whether the error is the approval-required marker.
func IsEscalation(err error) bool {
	return errors.Is(err, ErrApprovalRequired)
}
