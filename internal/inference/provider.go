package inference

import (
	"context"
	"errors"
	"net"
)

// Role values for chat messages sent to the provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one message in a completion request.
type ChatMessage struct {
	Role    string
	Content string

	// Assistant messages may carry tool invocations; tool messages answer
	// them via ToolCallID.
	ToolCalls  []ToolInvocation
	ToolCallID string
	Name       string
}

// ToolSchema describes one callable tool to the model.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	ID        string
	Name      string
	Arguments map[string]interface{}
}

// Usage carries provider-reported token counts.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request is a single completion request.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []ChatMessage
	Tools        []ToolSchema
	MaxTokens    int
}

// Response is the model's reply. Either Text, ToolCalls, or both are set.
type Response struct {
	Text      string
	ToolCalls []ToolInvocation
	Usage     Usage
	Model     string
}

// Provider is the external inference capability. Implementations must report
// token usage so the cost controller can meter every call.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	// CompleteStream behaves like Complete but invokes onDelta for each text
	// fragment as it arrives.
	CompleteStream(ctx context.Context, req Request, onDelta func(text string)) (*Response, error)
}

var (
	// ErrRateLimited marks provider 429 responses.
	ErrRateLimited = errors.New("inference provider rate limited")
	// ErrUpstream marks provider 5xx responses.
	ErrUpstream = errors.New("inference provider unavailable")
)

// Transient reports whether the error is worth retrying with backoff
// (timeouts, rate limits, provider 5xx). Configuration errors are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstream) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
