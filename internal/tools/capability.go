package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
)

// HTTPCapability executes builtin tools against the platform's internal
// payments service. Tool names map to paths: "funds.transfer" becomes
// POST {base}/capabilities/funds/transfer.
type HTTPCapability struct {
	client  *http.Client
	baseURL string
	token   string
	logger  *zap.Logger
}

func NewHTTPCapability(cfg config.ToolsConfig, logger *zap.Logger) *HTTPCapability {
	return &HTTPCapability{
		client:  &http.Client{Timeout: cfg.CustomTimeout},
		baseURL: strings.TrimRight(cfg.CapabilityBaseURL, "/"),
		token:   cfg.CapabilityToken,
		logger:  logger,
	}
}

func (c *HTTPCapability) Execute(ctx context.Context, name string, args map[string]interface{}) (map[string]interface{}, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("capability service not configured")
	}

	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode capability args: %w", err)
	}
	url := c.baseURL + "/capabilities/" + strings.ReplaceAll(name, ".", "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capability %s: %w", name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("capability %s read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capability %s returned status %d: %s", name, resp.StatusCode, truncate(raw, 200))
	}

	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("capability %s returned non-JSON body", name)
	}
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
