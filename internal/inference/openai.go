package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/metrics"
)

// OpenAIProvider adapts any OpenAI-compatible chat-completions endpoint to
// the Provider interface.
type OpenAIProvider struct {
	client *openai.Client
	logger *zap.Logger
}

// OpenAIConfig configures the provider adapter.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// NewOpenAIProvider builds the adapter.
func NewOpenAIProvider(cfg OpenAIConfig, logger *zap.Logger) *OpenAIProvider {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(c),
		logger: logger,
	}
}

// Complete performs a blocking chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	metrics.InferenceDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.InferenceCalls.WithLabelValues(req.Model, "error").Inc()
		return nil, classify(err)
	}
	metrics.InferenceCalls.WithLabelValues(req.Model, "ok").Inc()

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("inference returned no choices")
	}
	choice := resp.Choices[0]

	out := &Response{
		Text:  choice.Message.Content,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		inv, err := decodeToolCall(tc)
		if err != nil {
			p.logger.Warn("undecodable tool call arguments",
				zap.String("tool", tc.Function.Name),
				zap.Error(err),
			)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, inv)
	}
	return out, nil
}

// CompleteStream streams the completion, invoking onDelta per text fragment,
// and returns the accumulated response with usage.
func (p *OpenAIProvider) CompleteStream(ctx context.Context, req Request, onDelta func(string)) (*Response, error) {
	ocReq := p.buildRequest(req)
	ocReq.Stream = true
	ocReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	start := time.Now()
	stream, err := p.client.CreateChatCompletionStream(ctx, ocReq)
	if err != nil {
		metrics.InferenceCalls.WithLabelValues(req.Model, "error").Inc()
		return nil, classify(err)
	}
	defer stream.Close()

	out := &Response{Model: req.Model}
	// Partial tool calls arrive as argument fragments keyed by index.
	pending := map[int]*openai.ToolCall{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			metrics.InferenceCalls.WithLabelValues(req.Model, "error").Inc()
			return nil, classify(err)
		}
		if chunk.Usage != nil {
			out.Usage = Usage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			out.Text += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := pending[idx]
			if !ok {
				cp := tc
				pending[idx] = &cp
				continue
			}
			cur.Function.Arguments += tc.Function.Arguments
			if tc.Function.Name != "" {
				cur.Function.Name = tc.Function.Name
			}
			if tc.ID != "" {
				cur.ID = tc.ID
			}
		}
	}
	metrics.InferenceDuration.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	metrics.InferenceCalls.WithLabelValues(req.Model, "ok").Inc()

	for i := 0; i < len(pending); i++ {
		tc, ok := pending[i]
		if !ok {
			continue
		}
		inv, err := decodeToolCall(*tc)
		if err != nil {
			p.logger.Warn("undecodable streamed tool call",
				zap.String("tool", tc.Function.Name),
				zap.Error(err),
			)
			continue
		}
		out.ToolCalls = append(out.ToolCalls, inv)
	}
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		msgs = append(msgs, om)
	}

	var tools []openai.Tool
	for _, t := range req.Tools {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  msgs,
		Tools:     tools,
		MaxTokens: req.MaxTokens,
	}
}

func decodeToolCall(tc openai.ToolCall) (ToolInvocation, error) {
	inv := ToolInvocation{ID: tc.ID, Name: tc.Function.Name}
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &inv.Arguments); err != nil {
			return inv, fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
		}
	}
	return inv, nil
}

// classify maps provider errors onto the retry taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return fmt.Errorf("%w: %v", ErrRateLimited, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrUpstream, err)
		}
	}
	return err
}
