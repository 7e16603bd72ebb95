package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/models"
)

type fakeCapability struct {
	lastName string
	lastArgs map[string]interface{}
	result   map[string]interface{}
	err      error
}

func (f *fakeCapability) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	f.lastName = name
	f.lastArgs = args
	return f.result, f.err
}

func testToolsConfig() config.ToolsConfig {
	return config.ToolsConfig{
		CustomTimeout:    5 * time.Second,
		MaxRequestBytes:  1 << 20,
		MaxResponseBytes: 1 << 20,
	}
}

func testAgent(perms ...string) *models.AgentConfig {
	return &models.AgentConfig{
		AgentID:     uuid.New(),
		Permissions: perms,
		WalletID:    "wallet-77",
		MandateID:   "mandate-12",
	}
}

func TestExecuteDeniesMissingPermission(t *testing.T) {
	cap := &fakeCapability{result: map[string]interface{}{"ok": true}}
	r := NewRegistry(cap, testToolsConfig(), zap.NewNop())

	agent := testAgent(PermWalletRead) // no funds.transfer grant
	res, err := r.Execute(context.Background(), agent, models.ToolCall{
		ID:    "c1",
		Name:  "funds.transfer",
		Input: models.JSONB{"recipient": "acct-9", "amount": 10.0},
	})
	if err != nil {
		t.Fatalf("denial must not be a marker error: %v", err)
	}
	if !res.Denied {
		t.Fatalf("expected denied result: %+v", res)
	}
	if cap.lastName != "" {
		t.Fatal("capability must never run for a denied call")
	}
	if !strings.Contains(res.Error, "permission denied") {
		t.Fatalf("denial should be explained to the model: %q", res.Error)
	}
}

func TestExecuteInjectsAgentIdentity(t *testing.T) {
	cap := &fakeCapability{result: map[string]interface{}{"balance": 42.0}}
	r := NewRegistry(cap, testToolsConfig(), zap.NewNop())

	agent := testAgent(PermWalletRead)
	// The model tries to read someone else's wallet; the injected identity
	// must win.
	res, err := r.Execute(context.Background(), agent, models.ToolCall{
		ID:    "c1",
		Name:  "balance.read",
		Input: models.JSONB{"wallet_id": "wallet-of-somebody-else"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected tool error: %q", res.Error)
	}
	if cap.lastArgs["wallet_id"] != "wallet-77" {
		t.Fatalf("wallet_id = %v, want injected wallet-77", cap.lastArgs["wallet_id"])
	}
}

func TestExecuteApprovalThresholdEscalates(t *testing.T) {
	cap := &fakeCapability{}
	r := NewRegistry(cap, testToolsConfig(), zap.NewNop())

	agent := testAgent(PermFundsTransfer)
	agent.ApprovalThreshold = 500

	res, err := r.Execute(context.Background(), agent, models.ToolCall{
		ID:    "c1",
		Name:  "funds.transfer",
		Input: models.JSONB{"recipient": "acct-9", "amount": 750.0},
	})
	if !IsEscalation(err) {
		t.Fatalf("expected approval-required marker, got %v", err)
	}
	if cap.lastName != "" {
		t.Fatal("transfer above threshold must not execute")
	}
	if res.Error == "" {
		t.Fatal("result should explain the approval requirement")
	}

	// Below threshold runs normally.
	if _, err := r.Execute(context.Background(), agent, models.ToolCall{
		ID:    "c2",
		Name:  "funds.transfer",
		Input: models.JSONB{"recipient": "acct-9", "amount": 100.0},
	}); err != nil {
		t.Fatalf("below-threshold transfer: %v", err)
	}
	if cap.lastName != "funds.transfer" {
		t.Fatal("below-threshold transfer should reach the capability")
	}
}

func TestExecuteUnknownToolIsStructuredError(t *testing.T) {
	r := NewRegistry(&fakeCapability{}, testToolsConfig(), zap.NewNop())
	res, err := r.Execute(context.Background(), testAgent(), models.ToolCall{
		ID:   "c1",
		Name: "no.such.tool",
	})
	if err != nil {
		t.Fatalf("unknown tool must not be a marker error: %v", err)
	}
	if !strings.Contains(res.Error, "unknown tool") {
		t.Fatalf("unexpected error text: %q", res.Error)
	}
}

func TestExecuteCustomToolRoundTrip(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"shipped","internal_note":"secret"}`))
	}))
	defer srv.Close()

	cfg := testToolsConfig()
	cfg.AllowPrivateEndpoints = true // httptest listens on loopback
	r := NewRegistry(&fakeCapability{}, cfg, zap.NewNop())
	agent := testAgent()
	agent.CustomTools = []models.CustomTool{{
		Name:       "order.status",
		Endpoint:   srv.URL,
		ResultKeys: []string{"status"},
	}}

	res, err := r.Execute(context.Background(), agent, models.ToolCall{
		ID:    "c1",
		Name:  "order.status",
		Input: models.JSONB{"order_id": "ord-5"},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("custom tool failed: %q", res.Error)
	}
	if gotBody["order_id"] != "ord-5" {
		t.Fatalf("input not forwarded: %v", gotBody)
	}
	if res.Output["status"] != "shipped" {
		t.Fatalf("missing allowed key: %v", res.Output)
	}
	if _, leaked := res.Output["internal_note"]; leaked {
		t.Fatal("result_keys filter leaked a key")
	}
}

func TestEscalateToolIsVisibleWithoutPermissions(t *testing.T) {
	r := NewRegistry(&fakeCapability{}, testToolsConfig(), zap.NewNop())
	schemas := r.SchemasFor(testAgent()) // no grants at all

	found := false
	for _, s := range schemas {
		if s.Name == EscalateToolName {
			found = true
		}
		if s.Name == "funds.transfer" {
			t.Fatal("unpermitted tool leaked into the schema set")
		}
	}
	if !found {
		t.Fatal("escalate.request must always be offered")
	}
}

func TestValidateTargetRejectsPrivateEndpoints(t *testing.T) {
	bad := []string{
		"http://localhost:8080/hook",
		"http://127.0.0.1/hook",
		"http://10.0.0.4/hook",
		"http://192.168.1.1/hook",
		"http://169.254.169.254/latest/meta-data",
		"ftp://example.com/hook",
		"http://0.0.0.0/hook",
	}
	for _, target := range bad {
		if err := validateTarget(target); err == nil {
			t.Errorf("validateTarget(%q) accepted a forbidden endpoint", target)
		}
	}
	if err := validateTarget("https://tools.example.com/hook"); err != nil {
		t.Errorf("public https endpoint rejected: %v", err)
	}
}
