package contextwindow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/models"
)

// Assembler builds a token-bounded conversation window from a task's full
// history plus sibling tasks in the same context group.
//
// Tiers, newest first: verbatim turns, turns with tool results reduced to
// short key/value summaries, and everything older collapsed into a single
// synthetic system message. Construction walks newest-backward accumulating
// an estimated token count and stops at the budget, so the window never
// exceeds the cap regardless of conversation length.
type Assembler struct {
	cfg      config.ContextConfig
	provider inference.Provider // summarization only; may be nil
	logger   *zap.Logger
}

// NewAssembler creates the assembler. provider may be nil to disable
// model-assisted summarization of very long histories.
func NewAssembler(cfg config.ContextConfig, provider inference.Provider, logger *zap.Logger) *Assembler {
	return &Assembler{cfg: cfg, provider: provider, logger: logger}
}

// MergeGroup flattens the histories of a context group into one timeline
// ordered by creation time.
func MergeGroup(tasks []*models.Task) []models.Message {
	var all []models.Message
	for _, t := range tasks {
		all = append(all, t.History...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all
}

// Assemble produces the bounded message window. The most recent turn is
// always present verbatim, even if it alone exceeds the budget.
func (a *Assembler) Assemble(ctx context.Context, history []models.Message) []inference.ChatMessage {
	if len(history) == 0 {
		return nil
	}

	budget := a.cfg.MaxTokens
	var window []inference.ChatMessage // accumulated newest-first
	used := 0
	cut := -1 // index of the oldest message admitted

	maxDirect := a.cfg.VerbatimTurns + a.cfg.SummarizedTurns
	for i := len(history) - 1; i >= 0; i-- {
		age := len(history) - 1 - i
		if age >= maxDirect {
			// Older turns fold into the synthetic summary below.
			break
		}

		var msgs []inference.ChatMessage
		if age < a.cfg.VerbatimTurns {
			msgs = convertVerbatim(history[i])
		} else {
			msgs = a.convertCompressed(history[i])
		}

		cost := estimateMessages(msgs)
		if cut >= 0 && used+cost > budget {
			// Budget reached; everything older joins the summary tier.
			break
		}
		for j := len(msgs) - 1; j >= 0; j-- {
			window = append(window, msgs[j])
		}
		used += cost
		cut = i
	}

	// Collapse everything older than the cut into one system message.
	if cut > 0 {
		older := history[:cut]
		remaining := budget - used
		if summary := a.summarize(ctx, older, remaining); summary != "" {
			window = append(window, inference.ChatMessage{
				Role:    inference.RoleSystem,
				Content: "Summary of earlier conversation: " + summary,
			})
		}
	}

	// Reverse into chronological order.
	out := make([]inference.ChatMessage, 0, len(window))
	for i := len(window) - 1; i >= 0; i-- {
		out = append(out, window[i])
	}
	return out
}

// convertVerbatim maps one task message to provider chat messages unchanged.
func convertVerbatim(m models.Message) []inference.ChatMessage {
	var out []inference.ChatMessage
	role := chatRole(m.Role)

	var text string
	var calls []inference.ToolInvocation
	for _, p := range m.Parts {
		switch p.Kind {
		case models.PartText:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		case models.PartData:
			b, _ := json.Marshal(p.Data)
			if text != "" {
				text += "\n"
			}
			text += string(b)
		case models.PartToolCall:
			if p.ToolCall != nil {
				calls = append(calls, inference.ToolInvocation{
					ID:        p.ToolCall.ID,
					Name:      p.ToolCall.Name,
					Arguments: p.ToolCall.Input,
				})
			}
		case models.PartToolResult:
			if p.ToolResult != nil {
				out = append(out, toolResultMessage(*p.ToolResult, 0))
			}
		}
	}
	if text != "" || len(calls) > 0 {
		msg := inference.ChatMessage{Role: role, Content: text, ToolCalls: calls}
		// Tool calls precede their results chronologically.
		out = append([]inference.ChatMessage{msg}, out...)
	}
	return out
}

// convertCompressed keeps the message's text but replaces large tool result
// payloads with key/value summaries capped at the configured token budget.
func (a *Assembler) convertCompressed(m models.Message) []inference.ChatMessage {
	var out []inference.ChatMessage
	role := chatRole(m.Role)

	var text string
	for _, p := range m.Parts {
		switch p.Kind {
		case models.PartText:
			if text != "" {
				text += "\n"
			}
			text += p.Text
		case models.PartToolResult:
			if p.ToolResult != nil {
				out = append(out, toolResultMessage(*p.ToolResult, a.cfg.ToolResultCap))
			}
		case models.PartToolCall:
			if p.ToolCall != nil {
				if text != "" {
					text += "\n"
				}
				text += fmt.Sprintf("[called %s]", p.ToolCall.Name)
			}
		}
	}
	if text != "" {
		out = append([]inference.ChatMessage{{Role: role, Content: text}}, out...)
	}
	return out
}

// toolResultMessage renders a tool result, optionally compressed to a
// key/value digest under capTokens.
func toolResultMessage(tr models.ToolResult, capTokens int) inference.ChatMessage {
	var content string
	switch {
	case tr.Error != "":
		content = "error: " + tr.Error
	case capTokens > 0:
		content = kvDigest(tr.Output, capTokens)
	default:
		b, _ := json.Marshal(tr.Output)
		content = string(b)
	}
	return inference.ChatMessage{
		Role:       inference.RoleTool,
		ToolCallID: tr.CallID,
		Name:       tr.Name,
		Content:    content,
	}
}

// kvDigest flattens a payload into "k=v" pairs truncated to the token cap.
func kvDigest(data models.JSONB, capTokens int) string {
	if len(data) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		pair := fmt.Sprintf("%s=%v", k, compactValue(data[k]))
		if estimateText(b.String()+pair) > capTokens {
			b.WriteString("…")
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(pair)
	}
	return b.String()
}

func compactValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		if len(t) > 80 {
			return t[:80] + "…"
		}
		return t
	case map[string]interface{}, []interface{}:
		b, _ := json.Marshal(t)
		s := string(b)
		if len(s) > 80 {
			return s[:80] + "…"
		}
		return s
	default:
		return fmt.Sprintf("%v", v)
	}
}

var factPattern = regexp.MustCompile(`\b(?:[A-Z]{2,}-?\d+|\d+(?:\.\d+)?\s*(?:USD|EUR|GBP|units?)|(?:mandate|wallet|account|ref|transfer|task)[_\- ]?[A-Za-z0-9]+)\b`)

// summarize collapses old turns into one short summary. Rule-based
// extraction pulls entities, amounts, and reference ids; histories past the
// configured length use a cheap secondary model call instead.
func (a *Assembler) summarize(ctx context.Context, older []models.Message, budgetTokens int) string {
	if len(older) == 0 {
		return ""
	}
	if budgetTokens <= 0 {
		budgetTokens = 150
	}

	if a.provider != nil && a.cfg.SummaryModel != "" && len(older) >= a.cfg.SummaryModelTurns {
		if s := a.modelSummary(ctx, older, budgetTokens); s != "" {
			return s
		}
	}

	seen := map[string]struct{}{}
	var facts []string
	for _, m := range older {
		for _, match := range factPattern.FindAllString(m.TextContent(), -1) {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			facts = append(facts, match)
		}
	}

	summary := fmt.Sprintf("%d earlier turns", len(older))
	if len(facts) > 0 {
		joined := strings.Join(facts, ", ")
		if estimateText(joined) > budgetTokens {
			joined = truncateToTokens(joined, budgetTokens)
		}
		summary += "; key facts: " + joined
	}
	return summary
}

func (a *Assembler) modelSummary(ctx context.Context, older []models.Message, budgetTokens int) string {
	var b strings.Builder
	for _, m := range older {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.TextContent())
	}
	resp, err := a.provider.Complete(ctx, inference.Request{
		Model:        a.cfg.SummaryModel,
		SystemPrompt: "Summarize the conversation in a few sentences. Preserve entities, amounts, and reference ids exactly.",
		Messages: []inference.ChatMessage{
			{Role: inference.RoleUser, Content: truncateToTokens(b.String(), 4000)},
		},
		MaxTokens: budgetTokens,
	})
	if err != nil {
		a.logger.Warn("model-assisted summary failed, falling back to extraction", zap.Error(err))
		return ""
	}
	return resp.Text
}

// estimateText is a conservative ~4 chars/token estimate. Slight
// overestimation is deliberate so the window compresses before the provider
// rejects it.
func estimateText(s string) int {
	return len(s)/4 + 1
}

func estimateMessages(msgs []inference.ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += estimateText(m.Content) + 5 // ~5 tokens of per-message framing
		for _, tc := range m.ToolCalls {
			b, _ := json.Marshal(tc.Arguments)
			total += estimateText(tc.Name) + estimateText(string(b))
		}
	}
	return total
}

func truncateToTokens(s string, tokens int) string {
	max := tokens * 4
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func chatRole(r models.MessageRole) string {
	switch r {
	case models.RoleCaller:
		return inference.RoleUser
	case models.RoleAgent:
		return inference.RoleAssistant
	default:
		return inference.RoleSystem
	}
}

// EstimateTokens exposes the window estimator for budget accounting and tests.
func EstimateTokens(msgs []inference.ChatMessage) int {
	return estimateMessages(msgs)
}
