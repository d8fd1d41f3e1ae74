// Package llm provides a streaming client for OpenAI-compatible chat completion APIs
// (DeepSeek by default), including function/tool calling.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"deepchat-go/internal/config"
)

// ErrProvider wraps every failure that originates from the provider call.
var ErrProvider = errors.New("llm provider error")

// DeltaWriter receives text deltas as they arrive from the stream.
type DeltaWriter interface {
	WriteDelta(text string) error
}

// DeltaWriterFunc adapts a function to DeltaWriter.
type DeltaWriterFunc func(text string) error

// WriteDelta calls f(text).
func (f DeltaWriterFunc) WriteDelta(text string) error { return f(text) }

// Client defines the interface for an LLM client.
type Client interface {
	// StreamChat 发送一次流式对话请求，文本分块写入 writer，返回本步的完整结果（含工具调用）。
	StreamChat(ctx context.Context, req ChatRequest, writer DeltaWriter) (*StepResult, error)
}

type openAIClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewClient creates a new LLM client for the configured OpenAI-compatible endpoint.
// cfg.Timeout bounds the wait for response headers only; the streamed body is
// bounded by the request context.
func NewClient(cfg config.LLMConfig) Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout
	return NewClientWithHTTP(cfg, &http.Client{Transport: transport})
}

// NewClientWithHTTP is NewClient with a caller supplied *http.Client.
func NewClientWithHTTP(cfg config.LLMConfig, httpClient *http.Client) Client {
	return &openAIClient{cfg: cfg, client: httpClient}
}

// ChatRequest is one provider step.
type ChatRequest struct {
	Messages   []Message
	Tools      []ToolDefinition
	Generation *GenerationParams
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// StepResult is the accumulated outcome of one streamed completion.
type StepResult struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Stream      bool             `json:"stream"`
	Temperature *float64         `json:"temperature,omitempty"`
	TopP        *float64         `json:"top_p,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string          `json:"content"`
			ToolCalls []toolCallDelta `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type toolCallDelta struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c *openAIClient) generation(gen *GenerationParams) *GenerationParams {
	if gen != nil {
		return gen
	}
	// 从全局配置注入（若非零值）
	var gp GenerationParams
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		gp.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		gp.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		gp.MaxTokens = &m
	}
	return &gp
}

// StreamChat calls the chat completions endpoint with stream=true and forwards
// content deltas to writer as soon as they are decoded.
func (c *openAIClient) StreamChat(ctx context.Context, req ChatRequest, writer DeltaWriter) (*StepResult, error) {
	gen := c.generation(req.Generation)
	reqBody := chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Tools:       req.Tools,
		Stream:      true,
		Temperature: gen.Temperature,
		TopP:        gen.TopP,
		MaxTokens:   gen.MaxTokens,
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to call chat api: %w", ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: chat api returned non-200 status: %s, body: %s", ErrProvider, resp.Status, string(bodyBytes))
	}

	return readStream(resp.Body, writer)
}

// readStream decodes an SSE body of chat.completion.chunk objects.
func readStream(body io.Reader, writer DeltaWriter) (*StepResult, error) {
	var (
		content  strings.Builder
		calls    = make(map[int]*ToolCall)
		result   StepResult
		sawDone  bool
		sawChunk bool
	)

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: failed to read from stream: %w", ErrProvider, err)
		}

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
			if data == "[DONE]" {
				sawDone = true
				break
			}

			var chunk chatChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				continue
			}
			if chunk.Error != nil {
				return nil, fmt.Errorf("%w: %s", ErrProvider, chunk.Error.Message)
			}
			sawChunk = true

			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					content.WriteString(choice.Delta.Content)
					if writeErr := writer.WriteDelta(choice.Delta.Content); writeErr != nil {
						return nil, fmt.Errorf("failed to forward delta: %w", writeErr)
					}
				}
				for _, d := range choice.Delta.ToolCalls {
					tc, ok := calls[d.Index]
					if !ok {
						tc = &ToolCall{Type: "function"}
						calls[d.Index] = tc
					}
					if d.ID != "" {
						tc.ID = d.ID
					}
					if d.Type != "" {
						tc.Type = d.Type
					}
					tc.Function.Name += d.Function.Name
					tc.Function.Arguments += d.Function.Arguments
				}
				if choice.FinishReason != nil {
					result.FinishReason = *choice.FinishReason
				}
			}
		}

		if err == io.EOF {
			break
		}
	}

	if !sawDone && result.FinishReason == "" {
		if !sawChunk {
			return nil, fmt.Errorf("%w: empty response stream", ErrProvider)
		}
		return nil, fmt.Errorf("%w: stream ended before completion", ErrProvider)
	}

	result.Content = content.String()
	if len(calls) > 0 {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			result.ToolCalls = append(result.ToolCalls, *calls[i])
		}
	}
	return &result, nil
}
