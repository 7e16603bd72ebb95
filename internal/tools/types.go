package tools

import (
	"context"
	"errors"
)

// Permission grants used by the builtin tool set.
const (
	PermWalletRead    = "wallet.read"
	PermFundsTransfer = "funds.transfer"
	PermMandateRead   = "mandate.read"
)

// EscalateToolName is the dedicated tool the model calls to request outside
// input. It needs no permission and is intercepted by the managed strategy
// rather than executed.
const EscalateToolName = "escalate.request"

var (
	// ErrUnknownTool flags calls to tool names the agent cannot see. It is
	// surfaced inside the structured ToolResult, never as a hard error.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrPermissionDenied flags calls the agent lacks a grant for. Like
	// ErrUnknownTool it travels in the ToolResult.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrApprovalRequired is returned when a policy threshold forces human
	// escalation before the capability may run.
	ErrApprovalRequired = errors.New("approval required")
)

// Capability is the narrow boundary to domain services (balance lookup, fund
// transfer, mandate check). Implementations live outside this core.
type Capability interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error)
}

// Definition is a canonical tool declaration.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}

	// Permissions required to see and invoke the tool. Empty means always
	// available.
	Permissions []string

	// Inject lists argument names filled from the agent's own context so the
	// model is never asked to discover who it is.
	Inject []string
}
