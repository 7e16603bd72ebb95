package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JSONB represents a PostgreSQL jsonb column
type JSONB map[string]interface{}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into JSONB", value)
	}

	return json.Unmarshal(bytes, j)
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	StateSubmitted  TaskState = "submitted" // claimable
	StateClaimed    TaskState = "claimed"
	StateWorking    TaskState = "working"
	StateNeedsInput TaskState = "needs_input"
	StateCompleted  TaskState = "completed"
	StateFailed     TaskState = "failed"
	StateCancelled  TaskState = "cancelled"
)

// Terminal reports whether a task in this state will never be processed again.
// needs_input is deliberately not terminal: it is a suspension, not an outcome.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Claimable reports whether the claim loop may pick the task up.
func (s TaskState) Claimable() bool {
	return s == StateSubmitted
}

// ProcessingMode selects the dispatch strategy for an agent's tasks.
type ProcessingMode string

const (
	ModeManaged   ProcessingMode = "managed"
	ModeDelegated ProcessingMode = "delegated"
	ModeQueued    ProcessingMode = "queued"
)

// MessageRole identifies the author of a message.
type MessageRole string

const (
	RoleCaller MessageRole = "caller"
	RoleAgent  MessageRole = "agent"
	RoleSystem MessageRole = "system"
)

// PartKind discriminates message content parts.
type PartKind string

const (
	PartText       PartKind = "text"
	PartData       PartKind = "data"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Part is one ordered content element of a message.
type Part struct {
	Kind       PartKind    `json:"kind"`
	Text       string      `json:"text,omitempty"`
	Data       JSONB       `json:"data,omitempty"`
	ToolCall   *ToolCall   `json:"tool_call,omitempty"`
	ToolResult *ToolResult `json:"tool_result,omitempty"`
}

// Message is one turn in a task's conversation history.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	Role      MessageRole `json:"role"`
	Parts     []Part      `json:"parts"`
	CreatedAt time.Time   `json:"created_at"`
}

// TextContent concatenates the text parts of the message.
func (m Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			if out != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		ID:        uuid.New(),
		Role:      role,
		Parts:     []Part{{Kind: PartText, Text: text}},
		CreatedAt: time.Now(),
	}
}

// ToolCall records one invocation request produced by the model.
type ToolCall struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input JSONB  `json:"input"`
}

// ToolResult records the outcome of a tool call.
type ToolResult struct {
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Output     JSONB  `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	Denied     bool   `json:"denied,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Artifact is a named structured output attached to a task.
type Artifact struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Data      JSONB     `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is one unit of conversational work.
//
// While unclaimed the row is owned by the store; while claimed exactly one
// worker owns it, enforced by the store's claim transaction rather than any
// in-process lock.
type Task struct {
	ID        uuid.UUID `db:"id" json:"id"`
	AgentID   uuid.UUID `db:"agent_id" json:"agent_id"`
	TenantID  uuid.UUID `db:"tenant_id" json:"tenant_id"`
	ContextID string    `db:"context_id" json:"context_id"`

	State   TaskState `db:"state" json:"state"`
	History []Message `json:"history"`

	Artifacts []Artifact `json:"artifacts,omitempty"`

	// MandateRef links the task to a payment mandate; its presence is a
	// claim-priority hint.
	MandateRef string `db:"mandate_ref" json:"mandate_ref,omitempty"`

	// NotifyEndpoint, when set by the submitter, receives a signed delivery
	// on every terminal transition.
	NotifyEndpoint string `db:"notify_endpoint" json:"notify_endpoint,omitempty"`

	ProcessorID  string     `db:"processor_id" json:"processor_id,omitempty"`
	ClaimedAt    *time.Time `db:"claimed_at" json:"claimed_at,omitempty"`
	HeartbeatAt  *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	RetryCount   int        `db:"retry_count" json:"retry_count"`
	ErrorDetails string     `db:"error_details" json:"error_details,omitempty"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// LatestCallerText returns the text of the most recent caller message, or "".
func (t *Task) LatestCallerText() string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role == RoleCaller {
			return t.History[i].TextContent()
		}
	}
	return ""
}

// CustomTool binds a per-agent tool name to an outbound HTTP contract.
type CustomTool struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Parameters  JSONB             `json:"parameters"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	TimeoutSec  int               `json:"timeout_sec,omitempty"`
	ResultKeys  []string          `json:"result_keys,omitempty"`
}

// AgentConfig is the processing profile of a task's owning agent.
type AgentConfig struct {
	AgentID  uuid.UUID      `json:"agent_id"`
	TenantID uuid.UUID      `json:"tenant_id"`
	Mode     ProcessingMode `json:"mode"`

	Model         string `json:"model"`
	FallbackModel string `json:"fallback_model,omitempty"`
	SystemPrompt  string `json:"system_prompt"`

	MaxTokensPerTask int `json:"max_tokens_per_task"`
	MaxTokensPerDay  int `json:"max_tokens_per_day"`

	// Permissions granted to the agent, e.g. "wallet.read", "funds.transfer".
	Permissions []string `json:"permissions"`

	// Context auto-injected into tool calls so the model never has to
	// discover its own identity.
	WalletID  string `json:"wallet_id,omitempty"`
	MandateID string `json:"mandate_id,omitempty"`
	AccountID string `json:"account_id,omitempty"`

	// ApprovalThreshold forces escalation for transfers at or above this
	// amount. Zero disables the threshold.
	ApprovalThreshold float64 `json:"approval_threshold,omitempty"`

	CustomTools []CustomTool `json:"custom_tools,omitempty"`

	// Delegated mode only.
	CallbackEndpoint string `json:"callback_endpoint,omitempty"`
	CallbackSecret   string `json:"callback_secret,omitempty"`
}

// HasPermission reports whether the agent holds the named grant.
func (c *AgentConfig) HasPermission(perm string) bool {
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// AuditKind classifies an audit entry.
type AuditKind string

const (
	AuditInferenceCall AuditKind = "inference_call"
	AuditToolCall      AuditKind = "tool_call"
	AuditStateChange   AuditKind = "state_change"
	AuditError         AuditKind = "error"
)

// AuditEntry is one row of the append-only decision trail. Seq is dense and
// monotonic per task; gaps on failure paths are recorded as error entries.
type AuditEntry struct {
	ID     uuid.UUID `db:"id" json:"id"`
	TaskID uuid.UUID `db:"task_id" json:"task_id"`
	Seq    int64     `db:"seq" json:"seq"`
	Kind   AuditKind `db:"kind" json:"kind"`

	// Indexed summary fields kept separate from the bulky payload so audit
	// queries stay cheap.
	Summary    string `db:"summary" json:"summary"`
	Tool       string `db:"tool" json:"tool,omitempty"`
	Model      string `db:"model" json:"model,omitempty"`
	PromptHash string `db:"prompt_hash" json:"prompt_hash,omitempty"`
	Tokens     int    `db:"tokens" json:"tokens,omitempty"`
	DurationMs int64  `db:"duration_ms" json:"duration_ms,omitempty"`
	Denied     bool   `db:"denied" json:"denied,omitempty"`

	Payload JSONB `db:"payload" json:"payload,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FailureClass classifies a terminal failure for the dead letter queue.
type FailureClass string

const (
	FailureTransient     FailureClass = "transient_exhausted"
	FailureConfiguration FailureClass = "configuration"
	FailurePolicy        FailureClass = "policy"
	FailureTimeout       FailureClass = "timeout"
)

// DeadLetterEntry is a terminally-failed task snapshot held for triage.
type DeadLetterEntry struct {
	ID         uuid.UUID    `db:"id" json:"id"`
	TaskID     uuid.UUID    `db:"task_id" json:"task_id"`
	TenantID   uuid.UUID    `db:"tenant_id" json:"tenant_id"`
	Class      FailureClass `db:"class" json:"class"`
	Error      string       `db:"error" json:"error"`
	RetryCount int          `db:"retry_count" json:"retry_count"`
	Snapshot   JSONB        `db:"snapshot" json:"snapshot"`
	CreatedAt  time.Time    `db:"created_at" json:"created_at"`
}
