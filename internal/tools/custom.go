package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/models"
)

// customExecutor runs per-agent tools bound to outbound HTTP contracts.
// Targets are restricted to public addresses and both directions are
// size-capped, since the contract endpoint is tenant-controlled.
type customExecutor struct {
	client           *http.Client
	timeout          time.Duration
	maxRequestBytes  int64
	maxResponseBytes int64
	allowPrivate     bool // dev/test escape hatch
	logger           *zap.Logger
}

func newCustomExecutor(cfg config.ToolsConfig, logger *zap.Logger) *customExecutor {
	e := &customExecutor{
		timeout:          cfg.CustomTimeout,
		maxRequestBytes:  cfg.MaxRequestBytes,
		maxResponseBytes: cfg.MaxResponseBytes,
		allowPrivate:     cfg.AllowPrivateEndpoints,
		logger:           logger,
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if e.allowPrivate {
				return dialer.DialContext(ctx, network, addr)
			}
			host, _, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if isForbiddenIP(ip.IP) {
					return nil, fmt.Errorf("custom tool target %s resolves to forbidden address %s", host, ip.IP)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
	}
	e.client = &http.Client{Transport: transport}
	return e
}

func (e *customExecutor) execute(ctx context.Context, ct models.CustomTool, input models.JSONB) (models.JSONB, error) {
	if !e.allowPrivate {
		if err := validateTarget(ct.Endpoint); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode tool input: %w", err)
	}
	if int64(len(body)) > e.maxRequestBytes {
		return nil, fmt.Errorf("tool input exceeds %d bytes", e.maxRequestBytes)
	}

	timeout := e.timeout
	if ct.TimeoutSec > 0 {
		perTool := time.Duration(ct.TimeoutSec) * time.Second
		if perTool < timeout {
			timeout = perTool
		}
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := ct.Method
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, ct.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ct.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("custom tool %s: %w", ct.Name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("custom tool %s read response: %w", ct.Name, err)
	}
	if int64(len(raw)) > e.maxResponseBytes {
		return nil, fmt.Errorf("custom tool %s response exceeds %d bytes", ct.Name, e.maxResponseBytes)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("custom tool %s returned status %d", ct.Name, resp.StatusCode)
	}

	var out models.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		// Non-JSON bodies are wrapped rather than rejected.
		out = models.JSONB{"raw": string(raw)}
	}
	if len(ct.ResultKeys) > 0 {
		filtered := models.JSONB{}
		for _, k := range ct.ResultKeys {
			if v, ok := out[k]; ok {
				filtered[k] = v
			}
		}
		out = filtered
	}
	return out, nil
}

// validateTarget rejects non-HTTP schemes and literal forbidden addresses
// before any request is built. Resolved addresses are re-checked at dial time
// to close the DNS rebinding hole.
func validateTarget(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid tool endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("tool endpoint scheme %q not allowed", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("tool endpoint has no host")
	}
	if host == "localhost" {
		return fmt.Errorf("tool endpoint %q targets loopback", host)
	}
	if ip := net.ParseIP(host); ip != nil && isForbiddenIP(ip) {
		return fmt.Errorf("tool endpoint %q targets a private or loopback address", host)
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
