// Package compat 通过 OpenAI 兼容的 Chat Completions 协议调用 Grok、Ollama 等推理服务。
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Don-Vicks/karen/internal/llm"
)

const defaultTimeout = 60 * time.Second

type preset struct {
	baseURL    string
	model      string
	requireKey bool
}

var presets = map[llm.Provider]preset{
	llm.ProviderOpenAI: {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini", requireKey: true},
	llm.ProviderGrok:   {baseURL: "https://api.x.ai/v1", model: "grok-3-mini", requireKey: true},
	llm.ProviderOllama: {baseURL: "http://localhost:11434/v1", model: "llama3.1"},
}

// Config 描述了调用兼容接口所需的信息。
type Config struct {
	Provider llm.Provider
	APIKey   string
	BaseURL  string
	Model    string
	Timeout  time.Duration
}

// Client 通过 HTTP 调用 /chat/completions。
type Client struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建客户端，未填写的字段取提供方的默认值。
func NewClient(cfg Config) (*Client, error) {
	p, ok := presets[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %q is not openai-compatible", cfg.Provider)
	}

	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && p.requireKey {
		return nil, fmt.Errorf("未提供 %s API Key", cfg.Provider)
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = p.baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = p.model
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		name:    string(cfg.Provider),
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Name 返回提供方名称。
func (c *Client) Name() string {
	return c.name
}

// Model 返回使用的模型。
func (c *Client) Model() string {
	return c.model
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete 调用兼容接口并返回文本与工具调用。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建 %s 请求失败: %w", c.name, err)
	}

	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 %s 失败: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("%s 返回错误状态 %d: %s", c.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 %s 响应失败: %w", c.name, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%s 响应中没有有效的 choices", c.name)
	}

	msg := decoded.Choices[0].Message
	out := &llm.Response{Text: strings.TrimSpace(msg.Content)}
	for _, call := range msg.ToolCalls {
		args, err := llm.DecodeArguments([]byte(call.Function.Arguments))
		if err != nil {
			return nil, fmt.Errorf("%s 工具调用 %s: %w", c.name, call.Function.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: args,
		})
	}
	if out.Text == "" && len(out.ToolCalls) == 0 {
		return nil, errors.New(c.name + " 响应内容为空")
	}
	return out, nil
}

func (c *Client) buildPayload(req llm.Request) ([]byte, error) {
	messages := make([]chatMessage, 0, len(req.Messages)+1)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		messages = append(messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   req.MaxTokensOrDefault(),
		Temperature: req.Temperature,
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.JSONSchema(),
			},
		})
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化 %s 请求失败: %w", c.name, err)
	}
	return encoded, nil
}
