package contextwindow

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/inference"
	"github.com/payos/taskcore/internal/models"
)

func testConfig() config.ContextConfig {
	return config.ContextConfig{
		MaxTokens:         8000,
		VerbatimTurns:     3,
		SummarizedTurns:   4,
		ToolResultCap:     50,
		SummaryModelTurns: 40,
	}
}

func textTurn(role models.MessageRole, text string, at time.Time) models.Message {
	m := models.NewTextMessage(role, text)
	m.CreatedAt = at
	return m
}

func TestAssembleKeepsRecentTurnsVerbatim(t *testing.T) {
	a := NewAssembler(testConfig(), nil, zap.NewNop())
	base := time.Now().Add(-time.Hour)

	var history []models.Message
	for i := 0; i < 3; i++ {
		history = append(history, textTurn(models.RoleCaller, "turn "+strings.Repeat("x", i), base.Add(time.Duration(i)*time.Minute)))
	}

	window := a.Assemble(context.Background(), history)
	if len(window) != 3 {
		t.Fatalf("window has %d messages, want 3", len(window))
	}
	// Chronological order, oldest first.
	if window[0].Content != "turn " {
		t.Fatalf("first message = %q, want oldest turn", window[0].Content)
	}
	if window[0].Role != inference.RoleUser {
		t.Fatalf("caller turns should map to user role, got %q", window[0].Role)
	}
}

func TestAssembleNewestTurnAlwaysSurvives(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokens = 10 // far smaller than one turn
	a := NewAssembler(cfg, nil, zap.NewNop())

	history := []models.Message{
		textTurn(models.RoleCaller, strings.Repeat("long question ", 50), time.Now()),
	}
	window := a.Assemble(context.Background(), history)
	if len(window) == 0 {
		t.Fatal("most recent turn must be present even over budget")
	}
}

func TestAssembleCompressesToolResultsInMiddleTier(t *testing.T) {
	a := NewAssembler(testConfig(), nil, zap.NewNop())
	base := time.Now().Add(-time.Hour)

	big := strings.Repeat("payload ", 300)
	toolTurn := models.Message{
		Role:      models.RoleAgent,
		CreatedAt: base,
		Parts: []models.Part{
			{Kind: models.PartToolResult, ToolResult: &models.ToolResult{
				CallID: "c1",
				Name:   "balance.read",
				Output: models.JSONB{"balance": big, "currency": "USD"},
			}},
		},
	}

	// Push the tool turn out of the verbatim tier with newer turns.
	history := []models.Message{toolTurn}
	for i := 0; i < 3; i++ {
		history = append(history, textTurn(models.RoleCaller, "newer", base.Add(time.Duration(i+1)*time.Minute)))
	}

	window := a.Assemble(context.Background(), history)
	var toolMsg *inference.ChatMessage
	for i := range window {
		if window[i].Role == inference.RoleTool {
			toolMsg = &window[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("tool result missing from window")
	}
	if len(toolMsg.Content) > 4*testConfig().ToolResultCap+8 {
		t.Fatalf("tool result not compressed: %d chars", len(toolMsg.Content))
	}
	if !strings.Contains(toolMsg.Content, "currency=USD") {
		t.Fatalf("digest lost small key/value pairs: %q", toolMsg.Content)
	}
}

func TestAssembleCollapsesOldTurnsIntoSummary(t *testing.T) {
	a := NewAssembler(testConfig(), nil, zap.NewNop())
	base := time.Now().Add(-2 * time.Hour)

	var history []models.Message
	history = append(history, textTurn(models.RoleCaller,
		"please pay invoice INV-4421 for 125.50 USD", base))
	for i := 0; i < 10; i++ {
		history = append(history, textTurn(models.RoleCaller, "filler turn",
			base.Add(time.Duration(i+1)*time.Minute)))
	}

	window := a.Assemble(context.Background(), history)

	var summary string
	for _, m := range window {
		if m.Role == inference.RoleSystem && strings.Contains(m.Content, "Summary of earlier conversation") {
			summary = m.Content
		}
	}
	if summary == "" {
		t.Fatal("expected a synthetic summary message for old turns")
	}
	if !strings.Contains(summary, "INV-4421") {
		t.Fatalf("summary lost the invoice reference: %q", summary)
	}
	if !strings.Contains(summary, "125.50 USD") {
		t.Fatalf("summary lost the amount: %q", summary)
	}
}

func TestAssembleStaysUnderTokenBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTokens = 500
	a := NewAssembler(cfg, nil, zap.NewNop())
	base := time.Now().Add(-time.Hour)

	var history []models.Message
	for i := 0; i < 7; i++ {
		history = append(history, textTurn(models.RoleCaller,
			strings.Repeat("words and more words ", 30), base.Add(time.Duration(i)*time.Minute)))
	}

	window := a.Assemble(context.Background(), history)
	// The newest turn is admitted unconditionally; everything beyond it must
	// respect the cap, so total usage stays within budget plus one turn.
	perTurn := estimateText(strings.Repeat("words and more words ", 30)) + 5
	if got := EstimateTokens(window); got > cfg.MaxTokens+perTurn {
		t.Fatalf("window estimate %d exceeds budget %d", got, cfg.MaxTokens)
	}
	if len(window) >= 7 {
		t.Fatalf("expected some turns dropped or summarized, kept %d", len(window))
	}
}

func TestMergeGroupOrdersByCreation(t *testing.T) {
	base := time.Now().Add(-time.Hour)
	t1 := &models.Task{History: []models.Message{
		textTurn(models.RoleCaller, "first", base),
		textTurn(models.RoleAgent, "third", base.Add(2*time.Minute)),
	}}
	t2 := &models.Task{History: []models.Message{
		textTurn(models.RoleCaller, "second", base.Add(time.Minute)),
	}}

	merged := MergeGroup([]*models.Task{t1, t2})
	if len(merged) != 3 {
		t.Fatalf("merged %d messages, want 3", len(merged))
	}
	want := []string{"first", "second", "third"}
	for i, w := range want {
		if merged[i].TextContent() != w {
			t.Fatalf("position %d = %q, want %q", i, merged[i].TextContent(), w)
		}
	}
}
